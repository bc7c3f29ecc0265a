package registry

import (
	"context"
	"fmt"

	"quiche/internal/codec"
)

// Register0 declares a typed task without dependencies.
func Register0[R any](r *Registry, name string, fn func(context.Context) (R, error), opts ...Option) error {
	return r.Register(name, nil, func(ctx context.Context, _ []any) (any, error) {
		return fn(ctx)
	}, typed[R](opts)...)
}

// Register1 declares a typed task with one dependency.
func Register1[A, R any](r *Registry, name, dep string, fn func(context.Context, A) (R, error), opts ...Option) error {
	return r.Register(name, []string{dep}, func(ctx context.Context, args []any) (any, error) {
		a, err := arg[A](name, args, 0)
		if err != nil {
			return nil, err
		}
		return fn(ctx, a)
	}, typed[R](opts)...)
}

// Register2 declares a typed task with two dependencies.
func Register2[A, B, R any](r *Registry, name, depA, depB string, fn func(context.Context, A, B) (R, error), opts ...Option) error {
	return r.Register(name, []string{depA, depB}, func(ctx context.Context, args []any) (any, error) {
		a, err := arg[A](name, args, 0)
		if err != nil {
			return nil, err
		}
		b, err := arg[B](name, args, 1)
		if err != nil {
			return nil, err
		}
		return fn(ctx, a, b)
	}, typed[R](opts)...)
}

// RegisterN declares a typed task whose dependencies all share type A.
func RegisterN[A, R any](r *Registry, name string, deps []string, fn func(context.Context, []A) (R, error), opts ...Option) error {
	return r.Register(name, deps, func(ctx context.Context, args []any) (any, error) {
		vals := make([]A, len(args))
		for i := range args {
			v, err := arg[A](name, args, i)
			if err != nil {
				return nil, err
			}
			vals[i] = v
		}
		return fn(ctx, vals)
	}, typed[R](opts)...)
}

// typed prepends a JSON codec for R so caller options can still override it.
func typed[R any](opts []Option) []Option {
	return append([]Option{WithCodec(codec.JSON[R]{})}, opts...)
}

func arg[A any](task string, args []any, i int) (A, error) {
	var zero A
	if i >= len(args) {
		return zero, &ArgumentTypeError{Task: task, Position: i, Want: fmt.Sprintf("%T", zero), Got: "nothing"}
	}
	if args[i] == nil {
		return zero, nil
	}
	v, ok := args[i].(A)
	if !ok {
		return zero, &ArgumentTypeError{Task: task, Position: i, Want: fmt.Sprintf("%T", zero), Got: fmt.Sprintf("%T", args[i])}
	}
	return v, nil
}
