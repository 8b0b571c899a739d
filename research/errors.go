package research

import (
	"errors"
	"fmt"
)

// Error kinds. Every failure returned by an invocation matches exactly one
// of these with errors.Is.
var (
	// ErrInvalidInput: negative depth or empty topic, rejected before any oracle call.
	ErrInvalidInput = errors.New("invalid input")
	// ErrOracle: the oracle failed or produced an unusable reply.
	ErrOracle = errors.New("oracle failure")
	// ErrChild: a spawned child failed or was cancelled.
	ErrChild = errors.New("child failure")
	// ErrSubstrate: a durable step, spawn, await or checkpoint primitive failed.
	ErrSubstrate = errors.New("substrate failure")
)

// Error carries the kind of a failure and the invocation it happened in.
type Error struct {
	Kind  error
	Topic string
	Depth int
	Err   error
}

func newError(kind error, task Task, err error) *Error {
	return &Error{Kind: kind, Topic: task.Topic, Depth: task.Depth, Err: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%v (topic %q, depth %d): %v", e.Kind, e.Topic, e.Depth, e.Err)
}

// Is reports whether target is the kind of e.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

// childError wraps a failure observed while awaiting h.
func childError(h Handle, err error) *Error {
	return &Error{Kind: ErrChild, Topic: h.Topic, Depth: h.Depth, Err: err}
}
