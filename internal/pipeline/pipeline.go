// Package pipeline turns the tasks section of quiche.yml into registered
// tasks. A run task executes its command through the shell with dependency
// values as positional parameters; its trimmed stdout is the value.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"quiche/internal/codec"
	"quiche/internal/config"
	"quiche/internal/log"
	"quiche/internal/registry"
)

type Runner struct {
	Shell  string // defaults to sh
	Dir    string
	Env    []string
	Logger *log.Logger
}

// Register declares every task and alias of cfg on reg.
func (r Runner) Register(reg *registry.Registry, cfg *config.Config) error {
	for _, name := range cfg.TaskNames() {
		spec := cfg.Tasks[name]
		opts, err := options(spec)
		if err != nil {
			return fmt.Errorf("task %s: %w", name, err)
		}
		run := r.command(name, spec.Run)
		switch {
		case spec.Iter:
			err = reg.Iter(name, spec.Deps, func(ctx context.Context, next int, args []any) (any, error) {
				return run(ctx, args, "QUICHE_NEXT="+strconv.Itoa(next))
			}, opts...)
		case config.IsTemplate(name):
			err = reg.Template(name, spec.Deps, func(ctx context.Context, m registry.Match, args []any) (any, error) {
				return run(ctx, args, slotEnv(m)...)
			}, opts...)
		case spec.Run != "":
			err = reg.Register(name, spec.Deps, func(ctx context.Context, args []any) (any, error) {
				return run(ctx, args)
			}, opts...)
		case spec.Gather != nil:
			err = reg.Gather(name, spec.Gather, opts...)
		default:
			err = reg.Input(name, spec.Value, opts...)
		}
		if err != nil {
			return err
		}
	}
	aliases := make([]string, 0, len(cfg.Aliases))
	for a := range cfg.Aliases {
		aliases = append(aliases, a)
	}
	sort.Strings(aliases)
	for _, a := range aliases {
		if err := reg.Alias(a, cfg.Aliases[a]); err != nil {
			return err
		}
	}
	return nil
}

func options(spec config.TaskSpec) ([]registry.Option, error) {
	var opts []registry.Option
	switch {
	case spec.Codec != "":
		c, err := codec.ByName(spec.Codec)
		if err != nil {
			return nil, err
		}
		opts = append(opts, registry.WithCodec(c))
	case spec.Run != "":
		opts = append(opts, registry.WithCodec(codec.JSON[string]{}))
	}
	if spec.Ephemeral {
		opts = append(opts, registry.Ephemeral())
	}
	if spec.Volatile {
		opts = append(opts, registry.Volatile())
	}
	return opts, nil
}

// slotEnv exposes template slots to the command as QUICHE_<SLOT>.
func slotEnv(m registry.Match) []string {
	env := make([]string, 0, len(m))
	for slot, v := range m {
		env = append(env, "QUICHE_"+strings.ToUpper(slot)+"="+v)
	}
	sort.Strings(env)
	return env
}

func (r Runner) command(name, script string) func(ctx context.Context, args []any, env ...string) (any, error) {
	return func(ctx context.Context, args []any, env ...string) (any, error) {
		shell := r.Shell
		if shell == "" {
			shell = "sh"
		}
		argv := []string{"-c", script, name}
		for _, a := range args {
			s, err := Arg(a)
			if err != nil {
				return nil, err
			}
			argv = append(argv, s)
		}
		cmd := exec.CommandContext(ctx, shell, argv...)
		cmd.Dir = r.Dir
		switch {
		case len(r.Env) > 0:
			cmd.Env = append(append([]string(nil), r.Env...), env...)
		case len(env) > 0:
			cmd.Env = append(os.Environ(), env...)
		}
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				return nil, fmt.Errorf("%s: %w: %s", script, err, msg)
			}
			return nil, fmt.Errorf("%s: %w", script, err)
		}
		if r.Logger != nil && stderr.Len() > 0 {
			r.Logger.Debug(ctx, "task stderr", "task", name, "stderr", strings.TrimSpace(stderr.String()))
		}
		return strings.TrimSpace(stdout.String()), nil
	}
}

// Arg renders a dependency value as a shell argument. Strings pass through,
// scalars are printed and anything else is JSON.
func Arg(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case bool:
		return strconv.FormatBool(x), nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(x), nil
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("render argument: %w", err)
	}
	return string(data), nil
}
