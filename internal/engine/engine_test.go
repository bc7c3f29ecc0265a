package engine_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quiche/internal/clock"
	"quiche/internal/domain"
	"quiche/internal/engine"
	"quiche/internal/log"
	"quiche/internal/registry"
	"quiche/internal/store"
)

type testEnv struct {
	Reg   *registry.Registry
	Store store.Store
	Eval  *engine.Evaluator
	Ctx   context.Context
	Calls map[string]*atomic.Int32
}

func newTestEnv(t *testing.T, st store.Store) *testEnv {
	t.Helper()
	if st == nil {
		st = store.NewMemory()
	}
	reg := registry.New()
	env := &testEnv{
		Reg:   reg,
		Store: st,
		Eval:  engine.New(reg, st, engine.WithClock(&clock.Logical{}), engine.WithLogger(log.Discard())),
		Ctx:   context.Background(),
		Calls: make(map[string]*atomic.Int32),
	}
	env.Eval.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return env
}

// counted wraps fn so the test can see how often each task ran.
func (env *testEnv) counted(name string, fn registry.ComputeFunc) registry.ComputeFunc {
	n := &atomic.Int32{}
	env.Calls[name] = n
	return func(ctx context.Context, args []any) (any, error) {
		n.Add(1)
		return fn(ctx, args)
	}
}

func (env *testEnv) calls(name string) int { return int(env.Calls[name].Load()) }

func (env *testEnv) arithmetic(t *testing.T) {
	t.Helper()
	require.NoError(t, env.Reg.Register("base", nil, env.counted("base", func(context.Context, []any) (any, error) {
		return 7, nil
	})))
	require.NoError(t, env.Reg.Register("plus_one", []string{"base"}, env.counted("plus_one", func(_ context.Context, args []any) (any, error) {
		return args[0].(int) + 1, nil
	})))
	require.NoError(t, env.Reg.Register("times_two", []string{"plus_one"}, env.counted("times_two", func(_ context.Context, args []any) (any, error) {
		return args[0].(int) * 2, nil
	})))
}

func TestResolveChain(t *testing.T) {
	env := newTestEnv(t, nil)
	env.arithmetic(t)

	v, got, err := engine.Get[int](env.Ctx, env.Eval, "times_two")
	require.NoError(t, err)
	assert.Equal(t, 16, got)

	base, _, _ := env.Store.Get(env.Ctx, "base")
	plus, _, _ := env.Store.Get(env.Ctx, "plus_one")
	assert.Less(t, base.Version, plus.Version)
	assert.Less(t, plus.Version, v)

	// A second resolution is served from cache.
	again, err := env.Eval.Resolve(env.Ctx, "times_two")
	require.NoError(t, err)
	assert.True(t, again.Cached)
	assert.Equal(t, v, again.Version)
	assert.Equal(t, 16, again.Value)
	for _, n := range []string{"base", "plus_one", "times_two"} {
		assert.Equal(t, 1, env.calls(n), n)
	}
}

func TestSetPropagatesStaleness(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.Reg.Input("x", 2))
	require.NoError(t, env.Reg.Register("sq", []string{"x"}, env.counted("sq", func(_ context.Context, args []any) (any, error) {
		return args[0].(int) * args[0].(int), nil
	})))

	first, err := env.Eval.Resolve(env.Ctx, "sq")
	require.NoError(t, err)
	assert.Equal(t, 4, first.Value)

	set, err := env.Eval.Set(env.Ctx, "x", 5)
	require.NoError(t, err)
	assert.Greater(t, set.Version, first.Version)

	second, err := env.Eval.Resolve(env.Ctx, "sq")
	require.NoError(t, err)
	assert.Equal(t, 25, second.Value)
	assert.Greater(t, second.Version, set.Version)
	assert.Equal(t, 2, env.calls("sq"))
}

func TestSetRejectsComputedTask(t *testing.T) {
	env := newTestEnv(t, nil)
	env.arithmetic(t)
	_, err := env.Eval.Set(env.Ctx, "plus_one", 3)
	assert.ErrorIs(t, err, registry.ErrNotInput)
}

func TestSetDeclaresUnknownInput(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.Eval.Set(env.Ctx, "fresh", "hello")
	require.NoError(t, err)
	_, got, err := engine.Get[string](env.Ctx, env.Eval, "fresh")
	require.NoError(t, err)
	assert.Equal(t, "hello", got)
}

func TestInvalidateRecomputesDependents(t *testing.T) {
	env := newTestEnv(t, nil)
	env.arithmetic(t)
	_, err := env.Eval.Resolve(env.Ctx, "times_two")
	require.NoError(t, err)
	before := map[string]uint64{}
	for _, n := range []string{"base", "plus_one", "times_two"} {
		ent, ok, err := env.Store.Get(env.Ctx, n)
		require.NoError(t, err)
		require.True(t, ok)
		before[n] = ent.Version
	}

	require.NoError(t, env.Eval.Invalidate(env.Ctx, "base"))
	_, err = env.Eval.Resolve(env.Ctx, "times_two")
	require.NoError(t, err)
	for _, n := range []string{"base", "plus_one", "times_two"} {
		assert.Equal(t, 2, env.calls(n), n)
		ent, ok, err := env.Store.Get(env.Ctx, n)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Greater(t, ent.Version, before[n], n)
	}
}

func TestKnockout(t *testing.T) {
	env := newTestEnv(t, nil)
	env.arithmetic(t)
	first, err := env.Eval.Resolve(env.Ctx, "times_two")
	require.NoError(t, err)

	res, err := env.Eval.Resolve(env.Ctx, "times_two", engine.WithKnockout("plus_one"))
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Greater(t, res.Version, first.Version)
	assert.Equal(t, 1, env.calls("base"))
	assert.Equal(t, 2, env.calls("plus_one"))
	assert.Equal(t, 2, env.calls("times_two"))
}

func TestCycleDetected(t *testing.T) {
	env := newTestEnv(t, nil)
	noop := func(context.Context, []any) (any, error) { return nil, nil }
	require.NoError(t, env.Reg.Register("a", []string{"b"}, noop))
	require.NoError(t, env.Reg.Register("b", []string{"c"}, noop))
	require.NoError(t, env.Reg.Register("c", []string{"a"}, noop))
	require.NoError(t, env.Reg.Register("top", []string{"a"}, noop))
	require.NoError(t, env.Reg.Register("leaf", nil, env.counted("leaf", func(context.Context, []any) (any, error) {
		return "ok", nil
	})))

	_, err := env.Eval.Resolve(env.Ctx, "top")
	require.ErrorIs(t, err, engine.ErrCycle)
	var ce *engine.CyclicDependencyError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []string{"a", "b", "c", "a"}, ce.Path)
	assert.Equal(t, "cyclic dependency: a -> b -> c -> a", ce.Error())

	// Acyclic parts of the same registry still resolve.
	res, err := env.Eval.Resolve(env.Ctx, "leaf")
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Value)
}

func TestSelfDependency(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.Reg.Register("me", []string{"me"}, func(context.Context, []any) (any, error) { return 1, nil }))
	_, err := env.Eval.Resolve(env.Ctx, "me")
	var ce *engine.CyclicDependencyError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []string{"me", "me"}, ce.Path)
}

func TestUnknownDependencyComputesNothing(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.Reg.Register("ok", nil, env.counted("ok", func(context.Context, []any) (any, error) { return 1, nil })))
	require.NoError(t, env.Reg.Register("broken", []string{"ok", "ghost"}, func(context.Context, []any) (any, error) { return 2, nil }))

	_, err := env.Eval.Resolve(env.Ctx, "broken")
	require.ErrorIs(t, err, registry.ErrUnknownTask)
	var ue *registry.UnknownTaskError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "ghost", ue.Name)
	assert.Equal(t, "broken", ue.RequiredBy)

	assert.Equal(t, 0, env.calls("ok"))
	has, _ := env.Store.Has(env.Ctx, "broken")
	assert.False(t, has)

	_, err = env.Eval.Resolve(env.Ctx, "nope")
	assert.ErrorIs(t, err, registry.ErrUnknownTask)
}

func TestComputeErrorIsNotCached(t *testing.T) {
	env := newTestEnv(t, nil)
	var fail atomic.Bool
	fail.Store(true)
	require.NoError(t, env.Reg.Register("flaky", nil, env.counted("flaky", func(context.Context, []any) (any, error) {
		if fail.Load() {
			return nil, errors.New("boom")
		}
		return "fine", nil
	})))
	require.NoError(t, env.Reg.Register("after", []string{"flaky"}, env.counted("after", func(_ context.Context, args []any) (any, error) {
		return args[0], nil
	})))

	_, err := env.Eval.Resolve(env.Ctx, "after")
	require.ErrorIs(t, err, engine.ErrCompute)
	var ce *engine.ComputeError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "flaky", ce.Task)
	assert.Equal(t, 0, env.calls("after"))
	has, _ := env.Store.Has(env.Ctx, "flaky")
	assert.False(t, has)

	fail.Store(false)
	res, err := env.Eval.Resolve(env.Ctx, "after")
	require.NoError(t, err)
	assert.Equal(t, "fine", res.Value)
}

func TestPanicBecomesComputeError(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.Reg.Register("panics", nil, func(context.Context, []any) (any, error) {
		panic("kaboom")
	}))
	_, err := env.Eval.Resolve(env.Ctx, "panics")
	require.ErrorIs(t, err, engine.ErrCompute)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestConcurrentResolveComputesOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	release := make(chan struct{})
	require.NoError(t, env.Reg.Register("slow", nil, env.counted("slow", func(context.Context, []any) (any, error) {
		<-release
		return 42, nil
	})))

	const n = 16
	var (
		wg      sync.WaitGroup
		started sync.WaitGroup
		results = make([]domain.Result, n)
		errs    = make([]error, n)
	)
	started.Add(n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			started.Done()
			results[i], errs[i] = env.Eval.Resolve(env.Ctx, "slow")
		}(i)
	}
	started.Wait()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, 42, results[i].Value)
		assert.Equal(t, results[0].Version, results[i].Version)
	}
	assert.Equal(t, 1, env.calls("slow"))
}

// failingDurable accepts nothing.
type failingDurable struct{ *store.Memory }

func (failingDurable) Put(context.Context, string, domain.Entry) error {
	return errors.New("read-only filesystem")
}

type memRecorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (m *memRecorder) Record(_ context.Context, evt domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return nil
}

func (m *memRecorder) types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events {
		out = append(out, e.Type)
	}
	return out
}

func TestPersistFailureDoesNotAbort(t *testing.T) {
	rec := &memRecorder{}
	tiered := store.NewTiered(failingDurable{store.NewMemory()}, store.WithLogger(log.Discard()))
	reg := registry.New()
	eval := engine.New(reg, tiered, engine.WithClock(&clock.Logical{}), engine.WithLogger(log.Discard()), engine.WithRecorder(rec))
	require.NoError(t, reg.Register("v", nil, func(context.Context, []any) (any, error) { return "value", nil }))

	res, err := eval.Resolve(context.Background(), "v")
	require.NoError(t, err)
	assert.Equal(t, "value", res.Value)
	assert.Contains(t, rec.types(), domain.EventPersistFailed)

	// The memory tier still serves it.
	again, err := eval.Resolve(context.Background(), "v")
	require.NoError(t, err)
	assert.True(t, again.Cached)
}

func TestRecorderSeesRun(t *testing.T) {
	rec := &memRecorder{}
	reg := registry.New()
	eval := engine.New(reg, store.NewMemory(), engine.WithLogger(log.Discard()), engine.WithRecorder(rec))
	require.NoError(t, reg.Register("a", nil, func(context.Context, []any) (any, error) { return 1, nil }))
	require.NoError(t, reg.Register("b", []string{"a"}, func(context.Context, []any) (any, error) { return 2, nil }))

	_, err := eval.Resolve(context.Background(), "b")
	require.NoError(t, err)
	_, err = eval.Resolve(context.Background(), "b")
	require.NoError(t, err)

	assert.Equal(t, []string{domain.EventComputed, domain.EventComputed, domain.EventHit, domain.EventHit}, rec.types())
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.NotEmpty(t, rec.events[0].RunID)
	assert.Equal(t, rec.events[0].RunID, rec.events[1].RunID)
	assert.NotEqual(t, rec.events[0].RunID, rec.events[2].RunID)
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	env.arithmetic(t)

	states := func() map[string]string {
		st, err := env.Eval.Status(env.Ctx, "times_two")
		require.NoError(t, err)
		out := map[string]string{}
		for _, s := range st {
			out[s.Name] = s.State
		}
		return out
	}
	assert.Equal(t, map[string]string{"base": domain.StateMissing, "plus_one": domain.StateMissing, "times_two": domain.StateMissing}, states())

	_, err := env.Eval.Resolve(env.Ctx, "times_two")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"base": domain.StateFresh, "plus_one": domain.StateFresh, "times_two": domain.StateFresh}, states())

	_, err = env.Eval.Resolve(env.Ctx, "base", engine.WithKnockout("base"))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"base": domain.StateFresh, "plus_one": domain.StateStale, "times_two": domain.StateStale}, states())
	assert.Equal(t, 1, env.calls("times_two"), "status never computes")
}

func TestResolveCachedSkipsFreshnessCheck(t *testing.T) {
	env := newTestEnv(t, nil)
	env.arithmetic(t)
	first, err := env.Eval.Resolve(env.Ctx, "times_two")
	require.NoError(t, err)
	_, err = env.Eval.Resolve(env.Ctx, "base", engine.WithKnockout("base"))
	require.NoError(t, err)

	res, err := env.Eval.ResolveCached(env.Ctx, "times_two")
	require.NoError(t, err)
	assert.Equal(t, first.Version, res.Version)
	assert.Equal(t, 1, env.calls("times_two"))
}

func TestAliasResolvesTarget(t *testing.T) {
	env := newTestEnv(t, nil)
	env.arithmetic(t)
	require.NoError(t, env.Reg.Alias("answer", "times_two"))
	res, err := env.Eval.Resolve(env.Ctx, "answer")
	require.NoError(t, err)
	assert.Equal(t, "times_two", res.Name)
	assert.Equal(t, 16, res.Value)
}

func TestGatherAndTypeMismatch(t *testing.T) {
	env := newTestEnv(t, nil)
	env.arithmetic(t)
	require.NoError(t, env.Reg.Gather("all", []string{"base", "plus_one"}))
	_, got, err := engine.Get[[]any](env.Ctx, env.Eval, "all")
	require.NoError(t, err)
	assert.Equal(t, []any{7, 8}, got)

	_, _, err = engine.Get[string](env.Ctx, env.Eval, "base")
	assert.Error(t, err)
}

func TestReset(t *testing.T) {
	env := newTestEnv(t, nil)
	env.arithmetic(t)
	_, err := env.Eval.Resolve(env.Ctx, "times_two")
	require.NoError(t, err)

	require.NoError(t, env.Eval.Reset(env.Ctx))
	infos, _ := env.Store.List(env.Ctx)
	assert.Empty(t, infos)
	_, err = env.Eval.Resolve(env.Ctx, "times_two")
	assert.ErrorIs(t, err, registry.ErrUnknownTask)
}

func TestDeepChainDoesNotRecurse(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.Reg.Register("n0", nil, func(context.Context, []any) (any, error) { return 0, nil }))
	const depth = 5000
	prev := "n0"
	for i := 1; i <= depth; i++ {
		name := "n" + itoa(i)
		require.NoError(t, env.Reg.Register(name, []string{prev}, func(_ context.Context, args []any) (any, error) {
			return args[0].(int) + 1, nil
		}))
		prev = name
	}
	_, got, err := engine.Get[int](env.Ctx, env.Eval, prev)
	require.NoError(t, err)
	assert.Equal(t, depth, got)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var b []byte
	for ; i > 0; i /= 10 {
		b = append([]byte{byte('0' + i%10)}, b...)
	}
	return string(b)
}

func TestPersistsAcrossRestart(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")
	setup := func() (*engine.Evaluator, *atomic.Int32) {
		reg := registry.New()
		disk, err := store.NewDisk(dir, reg.CodecFor)
		require.NoError(t, err)
		calls := &atomic.Int32{}
		require.NoError(t, registry.Register0(reg, "answer", func(context.Context) (int, error) {
			calls.Add(1)
			return 42, nil
		}))
		eval := engine.New(reg, store.NewTiered(disk, store.WithLogger(log.Discard()), store.WithPlacement(reg.PlacementFor)),
			engine.WithLogger(log.Discard()))
		require.NoError(t, eval.Seed(context.Background()))
		return eval, calls
	}

	first, calls := setup()
	v1, got, err := engine.Get[int](context.Background(), first, "answer")
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, int32(1), calls.Load())

	second, calls := setup()
	assert.GreaterOrEqual(t, second.Versions().Last(), v1)
	v2, got, err := engine.Get[int](context.Background(), second, "answer")
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, v1, v2)
	assert.Zero(t, calls.Load(), "served from disk")
}

func TestUntypedValuesSurviveRestart(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")
	ctx := context.Background()
	setup := func() *engine.Evaluator {
		reg := registry.New()
		disk, err := store.NewDisk(dir, reg.CodecFor)
		require.NoError(t, err)
		require.NoError(t, reg.Register("base", nil, func(context.Context, []any) (any, error) {
			return 7, nil
		}))
		require.NoError(t, reg.Register("plus_one", []string{"base"}, func(_ context.Context, args []any) (any, error) {
			n, ok := args[0].(int)
			if !ok {
				return nil, fmt.Errorf("base is %T", args[0])
			}
			return n + 1, nil
		}))
		eval := engine.New(reg, store.NewTiered(disk, store.WithLogger(log.Discard()), store.WithPlacement(reg.PlacementFor)),
			engine.WithLogger(log.Discard()))
		require.NoError(t, eval.Seed(ctx))
		return eval
	}

	first := setup()
	res, err := first.Resolve(ctx, "plus_one")
	require.NoError(t, err)
	assert.Equal(t, 8, res.Value)

	second := setup()
	cached, err := second.Resolve(ctx, "plus_one")
	require.NoError(t, err)
	assert.True(t, cached.Cached)
	assert.Equal(t, 8, cached.Value, "reloaded with its Go type")

	require.NoError(t, second.Invalidate(ctx, "plus_one"))
	again, err := second.Resolve(ctx, "plus_one")
	require.NoError(t, err)
	assert.False(t, again.Cached)
	assert.Equal(t, 8, again.Value)
}

func TestConcurrentResolveOfStaleTaskComputesOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	var gated atomic.Bool
	release := make(chan struct{})
	require.NoError(t, env.Reg.Input("x", 2))
	require.NoError(t, env.Reg.Register("sq", []string{"x"}, env.counted("sq", func(_ context.Context, args []any) (any, error) {
		if gated.Load() {
			<-release
		}
		return args[0].(int) * args[0].(int), nil
	})))

	first, err := env.Eval.Resolve(env.Ctx, "sq")
	require.NoError(t, err)
	_, err = env.Eval.Set(env.Ctx, "x", 3)
	require.NoError(t, err)
	gated.Store(true)

	const n = 16
	var (
		wg      sync.WaitGroup
		started sync.WaitGroup
		results = make([]domain.Result, n)
		errs    = make([]error, n)
	)
	started.Add(n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			started.Done()
			results[i], errs[i] = env.Eval.Resolve(env.Ctx, "sq")
		}(i)
	}
	started.Wait()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, 9, results[i].Value)
		assert.Equal(t, results[0].Version, results[i].Version)
	}
	assert.Greater(t, results[0].Version, first.Version)
	assert.Equal(t, 2, env.calls("sq"), "one compute before the Set, one after")
}

func TestLeaderCancelFollowerRetries(t *testing.T) {
	env := newTestEnv(t, nil)
	entered := make(chan struct{})
	var computes atomic.Int32
	require.NoError(t, env.Reg.Register("slow", nil, func(ctx context.Context, _ []any) (any, error) {
		if computes.Add(1) == 1 {
			close(entered)
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return 5, nil
	}))

	leaderCtx, cancel := context.WithCancel(env.Ctx)
	defer cancel()
	leaderErr := make(chan error, 1)
	go func() {
		_, err := env.Eval.Resolve(leaderCtx, "slow")
		leaderErr <- err
	}()
	<-entered

	type outcome struct {
		res domain.Result
		err error
	}
	follower := make(chan outcome, 1)
	go func() {
		res, err := env.Eval.Resolve(env.Ctx, "slow")
		follower <- outcome{res, err}
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-leaderErr, context.Canceled)
	got := <-follower
	require.NoError(t, got.err)
	assert.Equal(t, 5, got.res.Value)
	assert.Equal(t, int32(2), computes.Load())
}

// gatedStore blocks the first Put after armed is set until release closes.
type gatedStore struct {
	*store.Memory
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) Put(ctx context.Context, name string, e domain.Entry) error {
	if g.armed.CompareAndSwap(true, false) {
		close(g.entered)
		<-g.release
	}
	return g.Memory.Put(ctx, name, e)
}

func TestCancelledSetReleasesLock(t *testing.T) {
	st := &gatedStore{Memory: store.NewMemory(), entered: make(chan struct{}), release: make(chan struct{})}
	env := newTestEnv(t, st)
	require.NoError(t, env.Reg.Input("x", 1))

	st.armed.Store(true)
	held := make(chan error, 1)
	go func() {
		_, err := env.Eval.Set(env.Ctx, "x", 2)
		held <- err
	}()
	<-st.entered

	// Both a second Set and a compute of the input wait for the lock and
	// give up with their context.
	short, cancel := context.WithTimeout(env.Ctx, 20*time.Millisecond)
	defer cancel()
	_, err := env.Eval.Set(short, "x", 99)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	_, err = env.Eval.Resolve(short, "x")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(st.release)
	require.NoError(t, <-held)

	ctx, cancelAfter := context.WithTimeout(env.Ctx, 2*time.Second)
	defer cancelAfter()
	set, err := env.Eval.Set(ctx, "x", 3)
	require.NoError(t, err)
	res, err := env.Eval.Resolve(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Value)
	assert.Equal(t, set.Version, res.Version)
}

func TestGeneratedTasksResolve(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.Reg.Register("step_start", nil, env.counted("step_start", func(context.Context, []any) (any, error) {
		return 1, nil
	})))
	require.NoError(t, env.Reg.Iter("step_{next}", []string{"step_{iter}"}, func(_ context.Context, _ int, args []any) (any, error) {
		return args[0].(int) * 2, nil
	}))
	require.NoError(t, env.Reg.Template("sum_{a}_{b}", []string{"step_{a}", "step_{b}"},
		func(_ context.Context, m registry.Match, args []any) (any, error) {
			return fmt.Sprintf("%s+%s=%d", m["a"], m["b"], args[0].(int)+args[1].(int)), nil
		}))

	order, err := env.Eval.Plan("step_3")
	require.NoError(t, err)
	assert.Equal(t, []string{"step_start", "step_0", "step_1", "step_2", "step_3"}, order)

	_, got, err := engine.Get[int](env.Ctx, env.Eval, "step_3")
	require.NoError(t, err)
	assert.Equal(t, 16, got)

	res, err := env.Eval.Resolve(env.Ctx, "sum_0_3")
	require.NoError(t, err)
	assert.Equal(t, "0+3=18", res.Value)
	assert.Equal(t, 1, env.calls("step_start"))

	_, err = env.Eval.Resolve(env.Ctx, "sum_x_1")
	assert.ErrorIs(t, err, registry.ErrUnknownTask, "step_x matches no generator")
}
