package registry

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"quiche/internal/codec"
	"quiche/internal/domain"
)

// Kinds of generated tasks.
const (
	KindTemplate = "template"
	KindIter     = "iter"
)

// Match holds the slot values a generated task name was built from.
type Match map[string]string

// TemplateFunc computes a task generated by Template. m carries the slot
// values parsed from the task name.
type TemplateFunc func(ctx context.Context, m Match, args []any) (any, error)

// IterFunc computes a task generated by Iter. next is the step number of the
// task being computed.
type IterFunc func(ctx context.Context, next int, args []any) (any, error)

var slotRe = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// generator builds tasks for names matching re. Declared tasks and aliases
// always win over generators; among generators the first registered wins.
type generator struct {
	pattern string
	deps    []string
	kind    string
	re      *regexp.Regexp
	build   func(name string, m Match) (*Task, error)
}

// Template declares a family of tasks. pattern names them with {slot}
// placeholders, as in "scaled_{factor}". Looking up a name that no declared
// task or alias claims, but that matches pattern, generates a task whose
// dependencies are deps with the same slots filled in. A slot matches one or
// more characters.
func (r *Registry) Template(pattern string, deps []string, fn TemplateFunc, opts ...Option) error {
	if fn == nil {
		return errors.New("compute function is required")
	}
	slots, err := parseSlots(pattern)
	if err != nil {
		return err
	}
	if len(slots) == 0 {
		return fmt.Errorf("template %q has no {slot}", pattern)
	}
	if err := checkDepSlots(pattern, deps, slots); err != nil {
		return err
	}
	g := &generator{
		pattern: pattern,
		deps:    append([]string(nil), deps...),
		kind:    KindTemplate,
		re:      compilePattern(pattern, func(string) string { return ".+" }),
	}
	g.build = func(name string, m Match) (*Task, error) {
		filled, err := fillAll(g.deps, m)
		if err != nil {
			return nil, err
		}
		return &Task{
			Name: name,
			Deps: filled,
			kind: KindTemplate,
			Compute: func(ctx context.Context, args []any) (any, error) {
				return fn(ctx, m, args)
			},
		}, nil
	}
	return r.addGenerator(g, opts)
}

// Iter declares a numbered chain of tasks. pattern and deps may use the
// slots {iter} and {next}, both matching decimal numbers. For a name that
// only carries {next}, iter is next-1, or the literal "start" when next is 0.
// For a name that only carries {iter}, next is iter+1. So
//
//	Iter("step_{next}", []string{"step_{iter}"}, fn)
//
// makes step_3 depend on step_2, and step_0 on step_start.
func (r *Registry) Iter(pattern string, deps []string, fn IterFunc, opts ...Option) error {
	if fn == nil {
		return errors.New("compute function is required")
	}
	slots, err := parseSlots(pattern)
	if err != nil {
		return err
	}
	if len(slots) == 0 {
		return fmt.Errorf("iter pattern %q needs {iter} or {next}", pattern)
	}
	for _, s := range slots {
		if s != "iter" && s != "next" {
			return fmt.Errorf("iter pattern %q: unsupported slot {%s}", pattern, s)
		}
	}
	if err := checkDepSlots(pattern, deps, []string{"iter", "next"}); err != nil {
		return err
	}
	g := &generator{
		pattern: pattern,
		deps:    append([]string(nil), deps...),
		kind:    KindIter,
		re:      compilePattern(pattern, func(string) string { return "[0-9]+" }),
	}
	g.build = func(name string, m Match) (*Task, error) {
		next, err := iterSteps(m)
		if err != nil {
			return nil, err
		}
		filled, err := fillAll(g.deps, m)
		if err != nil {
			return nil, err
		}
		return &Task{
			Name: name,
			Deps: filled,
			kind: KindIter,
			Compute: func(ctx context.Context, args []any) (any, error) {
				return fn(ctx, next, args)
			},
		}, nil
	}
	return r.addGenerator(g, opts)
}

func (r *Registry) addGenerator(g *generator, opts []Option) error {
	build := g.build
	g.build = func(name string, m Match) (*Task, error) {
		t, err := build(name, m)
		if err != nil {
			return nil, err
		}
		t.Codec = codec.Default
		for _, opt := range opts {
			opt(t)
		}
		return t, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, other := range r.generators {
		if other.pattern == g.pattern {
			return &DuplicateTaskError{Name: g.pattern}
		}
	}
	r.generators = append(r.generators, g)
	return nil
}

// generate builds and memoizes the task for name from the first matching
// generator. Callers must not hold r.mu.
func (r *Registry) generate(name string) (*Task, bool) {
	r.mu.RLock()
	if t, ok := r.generated[name]; ok {
		r.mu.RUnlock()
		return t, true
	}
	gens := append([]*generator(nil), r.generators...)
	gen := r.generation
	r.mu.RUnlock()

	for _, g := range gens {
		sub := g.re.FindStringSubmatch(name)
		if sub == nil {
			continue
		}
		m := Match{}
		for i, group := range g.re.SubexpNames() {
			if group != "" {
				m[group] = sub[i]
			}
		}
		t, err := g.build(name, m)
		if err != nil {
			continue
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if prev, ok := r.generated[name]; ok {
			return prev, true
		}
		if r.generation == gen {
			r.generated[name] = t
		}
		return t, true
	}
	return nil, false
}

// Templates describes the registered generators in registration order.
func (r *Registry) Templates() []domain.TaskInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.TaskInfo, 0, len(r.generators))
	for _, g := range r.generators {
		out = append(out, domain.TaskInfo{
			Name:      g.pattern,
			DependsOn: append([]string(nil), g.deps...),
			Kind:      g.kind,
		})
	}
	return out
}

func parseSlots(pattern string) ([]string, error) {
	if pattern == "" {
		return nil, errors.New("task name is required")
	}
	var slots []string
	seen := map[string]bool{}
	for _, sm := range slotRe.FindAllStringSubmatch(pattern, -1) {
		if seen[sm[1]] {
			return nil, fmt.Errorf("pattern %q repeats slot {%s}", pattern, sm[1])
		}
		seen[sm[1]] = true
		slots = append(slots, sm[1])
	}
	return slots, nil
}

func checkDepSlots(pattern string, deps, allowed []string) error {
	ok := map[string]bool{}
	for _, s := range allowed {
		ok[s] = true
	}
	for _, d := range deps {
		if d == "" {
			return &UnknownTaskError{Name: d, RequiredBy: pattern}
		}
		for _, sm := range slotRe.FindAllStringSubmatch(d, -1) {
			if !ok[sm[1]] {
				return fmt.Errorf("dependency %q of %q uses slot {%s}, which the pattern does not define", d, pattern, sm[1])
			}
		}
	}
	return nil
}

// compilePattern quotes the literal parts of pattern and turns each slot
// into a named group. The whole name must match.
func compilePattern(pattern string, group func(slot string) string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("^")
	last := 0
	for _, loc := range slotRe.FindAllStringSubmatchIndex(pattern, -1) {
		b.WriteString(regexp.QuoteMeta(pattern[last:loc[0]]))
		slot := pattern[loc[2]:loc[3]]
		fmt.Fprintf(&b, "(?P<%s>%s)", slot, group(slot))
		last = loc[1]
	}
	b.WriteString(regexp.QuoteMeta(pattern[last:]))
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}

func fillAll(deps []string, m Match) ([]string, error) {
	out := make([]string, len(deps))
	for i, d := range deps {
		var missing string
		out[i] = slotRe.ReplaceAllStringFunc(d, func(s string) string {
			v, ok := m[s[1:len(s)-1]]
			if !ok {
				missing = s
			}
			return v
		})
		if missing != "" {
			return nil, fmt.Errorf("no value for %s in %q", missing, d)
		}
	}
	return out, nil
}

// iterSteps completes m with whichever of iter and next the name lacked and
// returns next.
func iterSteps(m Match) (int, error) {
	iterS, hasIter := m["iter"]
	nextS, hasNext := m["next"]
	var next int
	switch {
	case hasIter && hasNext:
		n, err := strconv.Atoi(nextS)
		if err != nil {
			return 0, err
		}
		next = n
	case hasNext:
		n, err := strconv.Atoi(nextS)
		if err != nil {
			return 0, err
		}
		next = n
		if n <= 0 {
			m["iter"] = "start"
		} else {
			m["iter"] = strconv.Itoa(n - 1)
		}
	case hasIter:
		i, err := strconv.Atoi(iterS)
		if err != nil {
			return 0, err
		}
		next = i + 1
		m["next"] = strconv.Itoa(next)
	}
	return next, nil
}
