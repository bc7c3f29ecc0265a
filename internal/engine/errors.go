package engine

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrCycle   = errors.New("cyclic dependency")
	ErrCompute = errors.New("compute failed")
)

// CyclicDependencyError names the loop found while planning a resolution,
// e.g. a -> b -> a.
type CyclicDependencyError struct {
	Path []string
}

func (e *CyclicDependencyError) Error() string {
	return "cyclic dependency: " + strings.Join(e.Path, " -> ")
}

func (e *CyclicDependencyError) Is(target error) bool { return target == ErrCycle }

// ComputeError wraps a failure raised by a task's compute function. Failed
// attempts are never cached, so resolving again retries the compute.
type ComputeError struct {
	Task string
	Err  error
}

func (e *ComputeError) Error() string {
	return fmt.Sprintf("compute %q: %v", e.Task, e.Err)
}

func (e *ComputeError) Unwrap() error { return e.Err }

func (e *ComputeError) Is(target error) bool { return target == ErrCompute }
