// Package cosmoserr defines the engine's three error kinds: caller-facing
// validation errors, internal/fatal workflow errors, and task-level errors.
// Transient job failures are not a sentinel type here; they are tracked as
// attempt counts and handled by the retry policy.
package cosmoserr

import "fmt"

type Kind int

const (
	Validation Kind = iota
	Workflow
	Task
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case Workflow:
		return "workflow"
	case Task:
		return "task"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind Kind
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		if e.Code != "" {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Code, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Code)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

func new(kind Kind, code string, err error) *Error {
	return &Error{Kind: kind, Code: code, Err: err}
}

// NewValidation wraps a violation of a contract the caller controls:
// duplicate name, duplicate (stage, tags), missing required field.
func NewValidation(code string, err error) *Error { return new(Validation, code, err) }

// NewWorkflow wraps an internal inconsistency: cycle, unresolved TaskFile
// reference, a status transition invoked out of order. Fatal; triggers
// terminate.
func NewWorkflow(code string, err error) *Error { return new(Workflow, code, err) }

// NewTask wraps a task-scoped internal inconsistency.
func NewTask(code string, err error) *Error { return new(Task, code, err) }

func IsKind(err error, kind Kind) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	return e.Kind == kind
}
