// Package job declares jobs: a numeric id, an ordered parameter list and the handler that runs
// once per accepted event.
package job

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
)

// Param is one declared handler parameter. Type is the ABI-style type name ("string",
// "address", "uint256", ...).
type Param struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

func (p Param) String() string { return p.Name + " " + p.Type }

// Arguments is the ordered argument tuple handed to a handler.
type Arguments []any

// HandlerFunc is a job's business logic.
type HandlerFunc func(ctx context.Context, ec *ExecutionContext, args Arguments) (any, error)

// Descriptor registers a job. It is immutable after registration.
type Descriptor struct {
	ID      uint64
	Name    string
	Params  []Param
	Handler HandlerFunc
}

// Validate checks that the descriptor is complete and its parameter names are unique.
func (d Descriptor) Validate() error {
	if d.Handler == nil {
		return fmt.Errorf("job %d: handler is nil", d.ID)
	}
	seen := map[string]bool{}
	for i, p := range d.Params {
		if p.Name == "" {
			return fmt.Errorf("job %d: parameter %d has no name", d.ID, i)
		}
		if p.Type == "" {
			return fmt.Errorf("job %d: parameter %s has no type", d.ID, p.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("job %d: duplicate parameter %s", d.ID, p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// Label is the name used in logs: the job name if set, else its id.
func (d Descriptor) Label() string {
	if d.Name != "" {
		return d.Name
	}
	return fmt.Sprintf("job-%d", d.ID)
}

// Invoke runs the handler once. Arity mismatches, handler errors and panics come back as *JobError.
func (d Descriptor) Invoke(ctx context.Context, ec *ExecutionContext, args Arguments) (result any, err error) {
	if len(args) != len(d.Params) {
		return nil, &JobError{JobID: d.ID, Name: d.Name, Err: fmt.Errorf("got %d arguments, want %d", len(args), len(d.Params))}
	}
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &JobError{JobID: d.ID, Name: d.Name, Err: fmt.Errorf("panic: %v\n%s", r, debug.Stack())}
		}
	}()

	result, err = d.Handler(ctx, ec, args)
	if err != nil {
		var je *JobError
		if errors.As(err, &je) {
			return nil, err
		}
		return nil, &JobError{JobID: d.ID, Name: d.Name, Err: err}
	}
	return result, nil
}

// JobError is a failed handler invocation. It never stops a binding.
type JobError struct {
	JobID uint64
	Name  string
	Err   error
}

func (e *JobError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("job %d (%s): %v", e.JobID, e.Name, e.Err)
	}
	return fmt.Sprintf("job %d: %v", e.JobID, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }

// Arg returns args[i] as T.
func Arg[T any](args Arguments, i int) (T, error) {
	var zero T
	if i < 0 || i >= len(args) {
		return zero, fmt.Errorf("argument %d out of range (%d arguments)", i, len(args))
	}
	v, ok := args[i].(T)
	if !ok {
		return zero, fmt.Errorf("argument %d: got %T, want %T", i, args[i], zero)
	}
	return v, nil
}

// Handle0 adapts a typed handler without parameters.
func Handle0[R any](fn func(ctx context.Context, ec *ExecutionContext) (R, error)) HandlerFunc {
	return func(ctx context.Context, ec *ExecutionContext, args Arguments) (any, error) {
		if len(args) != 0 {
			return nil, fmt.Errorf("got %d arguments, want 0", len(args))
		}
		return fn(ctx, ec)
	}
}

// Handle1 adapts a typed single-parameter handler.
func Handle1[A, R any](fn func(ctx context.Context, ec *ExecutionContext, a A) (R, error)) HandlerFunc {
	return func(ctx context.Context, ec *ExecutionContext, args Arguments) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("got %d arguments, want 1", len(args))
		}
		a, err := Arg[A](args, 0)
		if err != nil {
			return nil, err
		}
		return fn(ctx, ec, a)
	}
}

// Handle2 adapts a typed two-parameter handler.
func Handle2[A, B, R any](fn func(ctx context.Context, ec *ExecutionContext, a A, b B) (R, error)) HandlerFunc {
	return func(ctx context.Context, ec *ExecutionContext, args Arguments) (any, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("got %d arguments, want 2", len(args))
		}
		a, err := Arg[A](args, 0)
		if err != nil {
			return nil, err
		}
		b, err := Arg[B](args, 1)
		if err != nil {
			return nil, err
		}
		return fn(ctx, ec, a, b)
	}
}

// Handle3 adapts a typed three-parameter handler.
func Handle3[A, B, C, R any](fn func(ctx context.Context, ec *ExecutionContext, a A, b B, c C) (R, error)) HandlerFunc {
	return func(ctx context.Context, ec *ExecutionContext, args Arguments) (any, error) {
		if len(args) != 3 {
			return nil, fmt.Errorf("got %d arguments, want 3", len(args))
		}
		a, err := Arg[A](args, 0)
		if err != nil {
			return nil, err
		}
		b, err := Arg[B](args, 1)
		if err != nil {
			return nil, err
		}
		c, err := Arg[C](args, 2)
		if err != nil {
			return nil, err
		}
		return fn(ctx, ec, a, b, c)
	}
}
