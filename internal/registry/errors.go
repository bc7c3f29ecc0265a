package registry

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrDuplicateTask = errors.New("duplicate task")
	ErrUnknownTask   = errors.New("unknown task")
	ErrNotInput      = errors.New("task is not an input")
)

// DuplicateTaskError is returned when a name is registered twice.
type DuplicateTaskError struct {
	Name string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("task %q already registered", e.Name)
}

func (e *DuplicateTaskError) Is(target error) bool { return target == ErrDuplicateTask }

// UnknownTaskError is returned when a name resolves to no registered task.
// RequiredBy names the task that declared the dependency, if any.
type UnknownTaskError struct {
	Name       string
	RequiredBy string
}

func (e *UnknownTaskError) Error() string {
	if e.RequiredBy != "" {
		return fmt.Sprintf("unknown task %q (required by %q)", e.Name, e.RequiredBy)
	}
	return fmt.Sprintf("unknown task %q", e.Name)
}

func (e *UnknownTaskError) Is(target error) bool { return target == ErrUnknownTask }

// AliasCycleError is returned when an alias would point back at itself.
type AliasCycleError struct {
	Chain []string
}

func (e *AliasCycleError) Error() string {
	return "alias cycle: " + strings.Join(e.Chain, " -> ")
}

// NotInputError is returned when a value is assigned to a computed task.
type NotInputError struct {
	Name string
}

func (e *NotInputError) Error() string {
	return fmt.Sprintf("task %q is computed, not an input", e.Name)
}

func (e *NotInputError) Is(target error) bool { return target == ErrNotInput }

// ArgumentTypeError is returned by typed compute adapters when a dependency
// value does not have the declared Go type.
type ArgumentTypeError struct {
	Task     string
	Position int
	Want     string
	Got      string
}

func (e *ArgumentTypeError) Error() string {
	return fmt.Sprintf("task %q argument %d: want %s, got %s", e.Task, e.Position, e.Want, e.Got)
}
