// Package registry holds declared tasks: their names, ordered dependency
// names and compute functions.
//
// A Registry is an explicit object owned by the caller (usually handed to an
// engine.Evaluator); there is no process-wide registry. Registration does not
// check that dependencies exist, so tasks may be declared in any order; a
// missing dependency surfaces as *UnknownTaskError when it is resolved.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"

	"quiche/internal/codec"
	"quiche/internal/domain"
)

// ComputeFunc produces a task value from its dependency values, passed
// positionally in declared order.
type ComputeFunc func(ctx context.Context, args []any) (any, error)

const (
	KindCompute = "compute"
	KindInput   = "input"
	KindGather  = "gather"
)

// Task is a registered unit of work. It is never mutated after
// registration, except for the value cell of input tasks.
type Task struct {
	Name      string
	Deps      []string
	Compute   ComputeFunc
	Codec     codec.Codec
	Placement domain.Placement

	kind  string
	input *inputCell
}

type inputCell struct {
	mu sync.RWMutex
	v  any
}

func (c *inputCell) get() any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.v
}

func (c *inputCell) set(v any) {
	c.mu.Lock()
	c.v = v
	c.mu.Unlock()
}

// Kind reports compute, input, gather, template or iter.
func (t *Task) Kind() string { return t.kind }

// IsInput reports whether the task holds an assignable value.
func (t *Task) IsInput() bool { return t.input != nil }

// Info returns a serializable description of t.
func (t *Task) Info() domain.TaskInfo {
	return domain.TaskInfo{
		Name:      t.Name,
		DependsOn: append([]string(nil), t.Deps...),
		Kind:      t.kind,
		Placement: t.Placement.String(),
	}
}

// Option customizes a task at registration.
type Option func(*Task)

// WithCodec sets the codec used when the task's value is persisted.
func WithCodec(c codec.Codec) Option {
	return func(t *Task) { t.Codec = c }
}

// Ephemeral keeps the task's entries in memory only.
func Ephemeral() Option {
	return func(t *Task) { t.Placement = domain.PlaceMemoryOnly }
}

// Volatile keeps the task's entries in the durable store only.
func Volatile() Option {
	return func(t *Task) { t.Placement = domain.PlaceDurableOnly }
}

// Registry is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	tasks      map[string]*Task
	aliases    map[string]string
	generators []*generator
	generated  map[string]*Task
	generation uint64
}

func New() *Registry {
	return &Registry{
		tasks:     make(map[string]*Task),
		aliases:   make(map[string]string),
		generated: make(map[string]*Task),
	}
}

// Register declares a computed task.
func (r *Registry) Register(name string, deps []string, fn ComputeFunc, opts ...Option) error {
	if fn == nil {
		return errors.New("compute function is required")
	}
	return r.add(&Task{Name: name, Deps: append([]string(nil), deps...), Compute: fn, kind: KindCompute}, opts)
}

// Input declares a zero-dependency task whose value is assigned rather than
// computed. Use engine.Evaluator.Set to change it later.
func (r *Registry) Input(name string, value any, opts ...Option) error {
	cell := &inputCell{v: value}
	t := &Task{
		Name:  name,
		kind:  KindInput,
		input: cell,
		Compute: func(context.Context, []any) (any, error) {
			return cell.get(), nil
		},
	}
	return r.add(t, opts)
}

// Gather declares a task whose value is the list of its dependency values.
func (r *Registry) Gather(name string, deps []string, opts ...Option) error {
	t := &Task{
		Name: name,
		Deps: append([]string(nil), deps...),
		kind: KindGather,
		Compute: func(_ context.Context, args []any) (any, error) {
			return append([]any(nil), args...), nil
		},
	}
	return r.add(t, opts)
}

func (r *Registry) add(t *Task, opts []Option) error {
	if t.Name == "" {
		return errors.New("task name is required")
	}
	for _, d := range t.Deps {
		if d == "" {
			return &UnknownTaskError{Name: d, RequiredBy: t.Name}
		}
	}
	t.Codec = codec.Default
	for _, opt := range opts {
		opt(t)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[t.Name]; ok {
		return &DuplicateTaskError{Name: t.Name}
	}
	if _, ok := r.aliases[t.Name]; ok {
		return &DuplicateTaskError{Name: t.Name}
	}
	r.tasks[t.Name] = t
	return nil
}

// Alias makes alias resolve to target. Chains are allowed; loops are not.
func (r *Registry) Alias(alias, target string) error {
	if alias == "" || target == "" {
		return errors.New("alias and target are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[alias]; ok {
		return &DuplicateTaskError{Name: alias}
	}
	if _, ok := r.aliases[alias]; ok {
		return &DuplicateTaskError{Name: alias}
	}
	chain := []string{alias, target}
	for cur := target; ; {
		if cur == alias {
			return &AliasCycleError{Chain: chain}
		}
		next, ok := r.aliases[cur]
		if !ok {
			break
		}
		chain = append(chain, next)
		cur = next
	}
	r.aliases[alias] = target
	return nil
}

// Lookup returns the task registered under name, following aliases.
func (r *Registry) Lookup(name string) (*Task, error) {
	return r.LookupFor(name, "")
}

// LookupFor is Lookup for a dependency declared by requiredBy. Names that
// no task declares are offered to the registered templates.
func (r *Registry) LookupFor(name, requiredBy string) (*Task, error) {
	r.mu.RLock()
	canonical := r.canonicalLocked(name)
	t, ok := r.tasks[canonical]
	r.mu.RUnlock()
	if ok {
		return t, nil
	}
	if t, ok := r.generate(canonical); ok {
		return t, nil
	}
	return nil, &UnknownTaskError{Name: name, RequiredBy: requiredBy}
}

// Canonical follows aliases from name and returns the final name.
func (r *Registry) Canonical(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.canonicalLocked(name)
}

func (r *Registry) canonicalLocked(name string) string {
	seen := 0
	for {
		next, ok := r.aliases[name]
		if !ok || seen > len(r.aliases) {
			return name
		}
		name = next
		seen++
	}
}

// AliasChain returns the hops taken from name, excluding name itself.
func (r *Registry) AliasChain(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var chain []string
	for len(chain) <= len(r.aliases) {
		next, ok := r.aliases[name]
		if !ok {
			break
		}
		chain = append(chain, next)
		name = next
	}
	return chain
}

// SetInput replaces the value of an input task.
func (r *Registry) SetInput(name string, value any) (*Task, error) {
	t, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	if t.input == nil {
		return nil, &NotInputError{Name: t.Name}
	}
	t.input.set(value)
	return t, nil
}

// CodecFor returns the codec of the task registered under name, or the
// default codec when there is none.
func (r *Registry) CodecFor(name string) codec.Codec {
	t, err := r.Lookup(name)
	if err != nil || t.Codec == nil {
		return codec.Default
	}
	return t.Codec
}

// Tasks lists registered tasks sorted by name.
func (r *Registry) Tasks() []domain.TaskInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.TaskInfo, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Aliases returns a copy of the alias table.
func (r *Registry) Aliases() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.aliases))
	for k, v := range r.aliases {
		out[k] = v
	}
	return out
}

// Reset drops every task and alias. Callers that cache results must also
// drop entries produced under the previous graph.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = make(map[string]*Task)
	r.aliases = make(map[string]string)
	r.generators = nil
	r.generated = make(map[string]*Task)
	r.generation++
}

// Generation counts Reset calls.
func (r *Registry) Generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation
}

// PlacementFor reports which cache tiers hold the task registered under
// name. Unknown names are kept in both tiers.
func (r *Registry) PlacementFor(name string) domain.Placement {
	t, err := r.Lookup(name)
	if err != nil {
		return domain.PlaceBoth
	}
	return t.Placement
}
