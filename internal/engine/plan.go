package engine

import (
	"quiche/internal/registry"
)

// step is one task of a resolution plan. deps holds the canonical names of
// the task's dependencies, in declared order.
type step struct {
	task *registry.Task
	deps []string
}

type frame struct {
	step step
	next int
}

// plan walks the graph below root with an explicit stack and returns every
// reachable task in post-order: dependencies in declared order, each before
// its dependents, each exactly once. Unknown names and cycles are reported
// before anything is computed.
func (e *Evaluator) plan(root string) ([]step, error) {
	t, err := e.reg.Lookup(root)
	if err != nil {
		return nil, err
	}
	var (
		order   []step
		stack   []*frame
		done    = make(map[string]bool)
		onStack = make(map[string]int)
	)
	push := func(t *registry.Task) {
		onStack[t.Name] = len(stack)
		stack = append(stack, &frame{step: step{task: t, deps: make([]string, len(t.Deps))}})
	}
	push(t)
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		if f.next == len(f.step.task.Deps) {
			stack = stack[:len(stack)-1]
			delete(onStack, f.step.task.Name)
			done[f.step.task.Name] = true
			order = append(order, f.step)
			continue
		}
		i := f.next
		f.next++
		dep, err := e.reg.LookupFor(f.step.task.Deps[i], f.step.task.Name)
		if err != nil {
			return nil, err
		}
		f.step.deps[i] = dep.Name
		if done[dep.Name] {
			continue
		}
		if at, ok := onStack[dep.Name]; ok {
			path := make([]string, 0, len(stack)-at+1)
			for _, fr := range stack[at:] {
				path = append(path, fr.step.task.Name)
			}
			return nil, &CyclicDependencyError{Path: append(path, dep.Name)}
		}
		push(dep)
	}
	return order, nil
}
