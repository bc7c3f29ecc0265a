// Package engine resolves task values through a registry and a cache store.
//
// Resolving a name plans the reachable graph, then walks it dependencies
// first. A cached entry is reused only when its version is at least the
// highest version among the task's dependencies; anything older is
// recomputed. Concurrent resolutions of one task share a single compute.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"quiche/internal/clock"
	"quiche/internal/domain"
	"quiche/internal/log"
	"quiche/internal/registry"
	"quiche/internal/store"
)

// Recorder receives an event for every hit, compute, failure and cache
// change. The events package provides a SQLite-backed implementation.
type Recorder interface {
	Record(ctx context.Context, evt domain.Event) error
}

// placer is implemented by stores that route entries to tiers.
type placer interface {
	Place(ctx context.Context, name string, e domain.Entry, place domain.Placement) error
}

// retryLimit bounds how often a caller re-enters a shared compute that
// handed back a result too old for it, or one cancelled by its leader.
const retryLimit = 8

type Evaluator struct {
	reg      *registry.Registry
	store    store.Store
	versions *clock.Versioner
	logger   *log.Logger
	recorder Recorder
	flight   singleflight.Group
	Now      func() time.Time

	// inputs serializes Set against computes of input tasks so an assigned
	// value can never be overwritten by a stale read of the same cell.
	inputs chanMutex
}

type Option func(*Evaluator)

// WithClock mints versions from src. The default is the wall clock.
func WithClock(src clock.Source) Option {
	return func(e *Evaluator) { e.versions = clock.NewVersioner(src) }
}

// WithVersioner shares v with other components minting versions.
func WithVersioner(v *clock.Versioner) Option {
	return func(e *Evaluator) { e.versions = v }
}

func WithLogger(l *log.Logger) Option {
	return func(e *Evaluator) { e.logger = l }
}

func WithRecorder(r Recorder) Option {
	return func(e *Evaluator) { e.recorder = r }
}

func New(reg *registry.Registry, st store.Store, opts ...Option) *Evaluator {
	e := &Evaluator{
		reg:    reg,
		store:  st,
		logger: log.Default(),
		Now:    time.Now,
		inputs: newChanMutex(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.versions == nil {
		e.versions = clock.NewVersioner(nil)
	}
	return e
}

func (e *Evaluator) Registry() *registry.Registry { return e.reg }
func (e *Evaluator) Store() store.Store           { return e.store }
func (e *Evaluator) Versions() *clock.Versioner   { return e.versions }

// Seed raises the version floor to the highest version the store holds, so
// versions minted after a restart stay above anything persisted before it.
func (e *Evaluator) Seed(ctx context.Context) error {
	vf, ok := e.store.(store.VersionFloor)
	if !ok {
		return nil
	}
	v, err := vf.MaxVersion(ctx)
	if err != nil {
		return fmt.Errorf("seed version floor: %w", err)
	}
	e.versions.Observe(v)
	return nil
}

type resolveOptions struct {
	knockout []string
}

type ResolveOption func(*resolveOptions)

// WithKnockout forces the named tasks to recompute during this resolution
// even if their cached entries are fresh. Dependents pick up the new
// versions and recompute as usual.
func WithKnockout(names ...string) ResolveOption {
	return func(o *resolveOptions) { o.knockout = append(o.knockout, names...) }
}

// run carries per-resolution state.
type run struct {
	id     string
	logger *log.Logger
}

func (e *Evaluator) newRun() *run {
	id := uuid.NewString()
	return &run{id: id, logger: e.logger.With("run_id", id)}
}

// Resolve returns the value of the task registered under name, computing it
// and any stale or missing dependencies. Unknown names and cycles fail
// before any compute runs. A compute failure aborts the resolution and is
// returned as *ComputeError; nothing is cached for the failed task.
func (e *Evaluator) Resolve(ctx context.Context, name string, opts ...ResolveOption) (domain.Result, error) {
	var ro resolveOptions
	for _, opt := range opts {
		opt(&ro)
	}
	knock := make(map[string]bool, len(ro.knockout))
	for _, n := range ro.knockout {
		knock[e.reg.Canonical(n)] = true
	}

	steps, err := e.plan(name)
	if err != nil {
		return domain.Result{}, err
	}
	r := e.newRun()
	results := make(map[string]domain.Result, len(steps))
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return domain.Result{}, err
		}
		args := make([]any, len(s.deps))
		var maxDep uint64
		for i, d := range s.deps {
			res := results[d]
			args[i] = res.Value
			maxDep = max(maxDep, res.Version)
		}
		res, err := e.evaluate(ctx, r, s.task, args, maxDep, knock[s.task.Name])
		if err != nil {
			return domain.Result{}, err
		}
		results[s.task.Name] = res
	}
	return results[steps[len(steps)-1].task.Name], nil
}

// ResolveCached returns whatever entry the cache holds for name without
// checking it against its dependencies, and only falls back to Resolve on a
// miss.
func (e *Evaluator) ResolveCached(ctx context.Context, name string) (domain.Result, error) {
	t, err := e.reg.Lookup(name)
	if err != nil {
		return domain.Result{}, err
	}
	if ent, ok := e.lookup(ctx, e.logger, t.Name); ok {
		return domain.Result{Name: t.Name, Version: ent.Version, Value: ent.Value, Cached: true}, nil
	}
	return e.Resolve(ctx, name)
}

// Get resolves name and asserts its value to T.
func Get[T any](ctx context.Context, e *Evaluator, name string, opts ...ResolveOption) (uint64, T, error) {
	var zero T
	res, err := e.Resolve(ctx, name, opts...)
	if err != nil {
		return 0, zero, err
	}
	if res.Value == nil {
		return res.Version, zero, nil
	}
	v, ok := res.Value.(T)
	if !ok {
		return 0, zero, fmt.Errorf("task %q: value is %T, not %T", res.Name, res.Value, zero)
	}
	return res.Version, v, nil
}

type flightResult struct {
	entry  domain.Entry
	cached bool
}

func (e *Evaluator) evaluate(ctx context.Context, r *run, t *registry.Task, args []any, maxDep uint64, knockout bool) (domain.Result, error) {
	if !knockout {
		if ent, ok := e.lookup(ctx, r.logger, t.Name); ok && ent.Version >= maxDep {
			r.logger.Debug(ctx, "cache hit", "task", t.Name, "version", ent.Version)
			e.record(ctx, r, domain.EventHit, t.Name, ent.Version, nil)
			return domain.Result{Name: t.Name, Version: ent.Version, Value: ent.Value, Cached: true}, nil
		}
	}

	var (
		last flightResult
		got  bool
	)
	for attempt := 0; attempt < retryLimit; attempt++ {
		ch := e.flight.DoChan(t.Name, func() (any, error) {
			return e.compute(ctx, r, t, args, maxDep, knockout)
		})
		var res singleflight.Result
		select {
		case res = <-ch:
		case <-ctx.Done():
			return domain.Result{}, ctx.Err()
		}
		if res.Err != nil {
			if ctx.Err() == nil && (errors.Is(res.Err, context.Canceled) || errors.Is(res.Err, context.DeadlineExceeded)) {
				// The leader gave up; this caller has not.
				continue
			}
			return domain.Result{}, res.Err
		}
		last, got = res.Val.(flightResult), true
		if last.entry.Version < maxDep {
			continue
		}
		if knockout && last.cached {
			continue
		}
		break
	}
	if !got || last.entry.Version < maxDep {
		return domain.Result{}, fmt.Errorf("resolve %q: no result at version %d after %d attempts", t.Name, maxDep, retryLimit)
	}
	return domain.Result{Name: t.Name, Version: last.entry.Version, Value: last.entry.Value, Cached: last.cached}, nil
}

// compute runs inside the task's single flight. It checks the cache once
// more, since another flight may have finished between the caller's lookup
// and this one starting.
func (e *Evaluator) compute(ctx context.Context, r *run, t *registry.Task, args []any, maxDep uint64, knockout bool) (flightResult, error) {
	if !knockout {
		if ent, ok := e.lookup(ctx, r.logger, t.Name); ok && ent.Version >= maxDep {
			return flightResult{entry: ent, cached: true}, nil
		}
	}
	if t.IsInput() {
		if err := e.inputs.lock(ctx); err != nil {
			return flightResult{}, err
		}
		defer e.inputs.unlock()
	}

	start := time.Now()
	value, err := call(ctx, t, args)
	if err != nil {
		r.logger.Warn(ctx, "compute failed", "task", t.Name, "error", err)
		e.record(ctx, r, domain.EventFailed, t.Name, 0, map[string]any{"error": err.Error()})
		return flightResult{}, &ComputeError{Task: t.Name, Err: err}
	}
	ent := domain.Entry{
		Name:       t.Name,
		Version:    e.versions.Next(maxDep),
		Value:      value,
		ComputedAt: e.Now().UTC(),
	}
	elapsed := time.Since(start)
	r.logger.Info(ctx, "computed", "task", t.Name, "version", ent.Version, "duration", elapsed)
	e.record(ctx, r, domain.EventComputed, t.Name, ent.Version, map[string]any{"duration_ms": elapsed.Milliseconds()})
	e.publish(ctx, r, t, ent)
	return flightResult{entry: ent}, nil
}

func call(ctx context.Context, t *registry.Task, args []any) (v any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return t.Compute(ctx, args)
}

// publish stores ent. A failed write is logged and recorded; the value is
// still handed to the caller.
func (e *Evaluator) publish(ctx context.Context, r *run, t *registry.Task, ent domain.Entry) {
	var err error
	if p, ok := e.store.(placer); ok {
		err = p.Place(ctx, t.Name, ent, t.Placement)
	} else {
		err = e.store.Put(ctx, t.Name, ent)
	}
	if err != nil {
		r.logger.Warn(ctx, "persist failed", "task", t.Name, "version", ent.Version, "error", err)
		e.record(ctx, r, domain.EventPersistFailed, t.Name, ent.Version, map[string]any{"error": err.Error()})
	}
}

// lookup treats a store error as a miss.
func (e *Evaluator) lookup(ctx context.Context, logger *log.Logger, name string) (domain.Entry, bool) {
	ent, ok, err := e.store.Get(ctx, name)
	if err != nil {
		logger.Warn(ctx, "cache read failed", "task", name, "error", err)
		return domain.Entry{}, false
	}
	if ok {
		e.versions.Observe(ent.Version)
	}
	return ent, ok
}

func (e *Evaluator) record(ctx context.Context, r *run, typ, task string, version uint64, payload map[string]any) {
	if e.recorder == nil {
		return
	}
	evt := domain.Event{
		TS:      e.Now().UTC().Format(time.RFC3339Nano),
		Type:    typ,
		Task:    task,
		Version: version,
		RunID:   r.id,
		Payload: payload,
	}
	if err := e.recorder.Record(ctx, evt); err != nil {
		r.logger.Debug(ctx, "record event failed", "type", typ, "task", task, "error", err)
	}
}

// Set assigns a new value to an input task and caches it under a fresh
// version, so every dependent becomes stale. An unknown name is declared as
// an input first.
func (e *Evaluator) Set(ctx context.Context, name string, value any) (domain.Result, error) {
	if err := e.inputs.lock(ctx); err != nil {
		return domain.Result{}, err
	}
	defer e.inputs.unlock()

	t, err := e.reg.SetInput(name, value)
	if errors.Is(err, registry.ErrUnknownTask) {
		if err = e.reg.Input(name, value); err == nil {
			t, err = e.reg.Lookup(name)
		}
	}
	if err != nil {
		return domain.Result{}, err
	}
	r := e.newRun()
	ent := domain.Entry{Name: t.Name, Version: e.versions.Next(0), Value: value, ComputedAt: e.Now().UTC()}
	e.publish(ctx, r, t, ent)
	r.logger.Info(ctx, "input set", "task", t.Name, "version", ent.Version)
	e.record(ctx, r, domain.EventSet, t.Name, ent.Version, nil)
	return domain.Result{Name: t.Name, Version: ent.Version, Value: value}, nil
}

// Invalidate drops the cached entries of the named tasks. Their dependents
// are not touched; they go stale once the dropped tasks recompute under a
// higher version.
func (e *Evaluator) Invalidate(ctx context.Context, names ...string) error {
	r := e.newRun()
	for _, n := range names {
		t, err := e.reg.Lookup(n)
		if err != nil {
			return err
		}
		if err := e.store.Delete(ctx, t.Name); err != nil {
			return fmt.Errorf("invalidate %q: %w", t.Name, err)
		}
		r.logger.Info(ctx, "invalidated", "task", t.Name)
		e.record(ctx, r, domain.EventInvalidated, t.Name, 0, nil)
	}
	return nil
}

// Reset drops every task, alias and cached entry.
func (e *Evaluator) Reset(ctx context.Context) error {
	e.reg.Reset()
	if err := e.store.Clear(ctx); err != nil {
		return fmt.Errorf("reset cache: %w", err)
	}
	return nil
}

// Plan lists, without computing anything, the canonical names of every task
// a resolution of name would visit, dependencies first.
func (e *Evaluator) Plan(name string) ([]string, error) {
	steps, err := e.plan(name)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.task.Name
	}
	return out, nil
}

// Status reports, without computing anything, whether each task reachable
// from name would be served from cache. A task is stale when its entry is
// older than a dependency's or when any dependency is not fresh.
func (e *Evaluator) Status(ctx context.Context, name string) ([]domain.TaskStatus, error) {
	steps, err := e.plan(name)
	if err != nil {
		return nil, err
	}
	type seen struct {
		state   string
		version uint64
	}
	states := make(map[string]seen, len(steps))
	out := make([]domain.TaskStatus, 0, len(steps))
	for _, s := range steps {
		st := domain.TaskStatus{Name: s.task.Name, DependsOn: append([]string(nil), s.deps...)}
		ent, ok := e.lookup(ctx, e.logger, s.task.Name)
		switch {
		case !ok:
			st.State = domain.StateMissing
		default:
			st.State = domain.StateFresh
			st.Version = ent.Version
			for _, d := range s.deps {
				dep := states[d]
				if dep.state != domain.StateFresh || dep.version > ent.Version {
					st.State = domain.StateStale
					break
				}
			}
		}
		states[s.task.Name] = seen{state: st.State, version: st.Version}
		out = append(out, st)
	}
	return out, nil
}

// chanMutex is a mutex whose Lock honours context cancellation.
type chanMutex chan struct{}

func newChanMutex() chanMutex { return make(chanMutex, 1) }

func (m chanMutex) lock(ctx context.Context) error {
	select {
	case m <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m chanMutex) unlock() { <-m }
