package research

import (
	"context"
	"encoding/json"
)

// Runtime is the execution substrate as seen by one invocation.
// Each invocation receives its own Runtime; keys are scoped to it.
type Runtime interface {
	// Step runs fn at most once per key. When a result for key was already
	// recorded, it is returned without calling fn.
	Step(ctx context.Context, key string, fn func(ctx context.Context) (json.RawMessage, error)) (json.RawMessage, error)

	// Spawn starts a child invocation for task. Spawning the same key again
	// returns a handle to the same child without starting a second one.
	// Cancelling ctx cancels the child.
	Spawn(ctx context.Context, key string, task Task) (Handle, error)

	// Await blocks until the child behind h has finished and returns its result.
	Await(ctx context.Context, h Handle) (string, error)

	// Checkpoint records the invocation state.
	Checkpoint(ctx context.Context, state State) error

	// Restore returns the last checkpoint, or nil when there is none.
	Restore(ctx context.Context) (*State, error)
}

// Oracle decides, given a history, whether to answer or decompose.
// Implementations must not retain or modify history.
type Oracle interface {
	Consult(ctx context.Context, history []Message, allowDecompose bool) (Reply, error)
}

// OracleFunc adapts a function to the Oracle interface.
type OracleFunc func(ctx context.Context, history []Message, allowDecompose bool) (Reply, error)

// Consult calls f.
func (f OracleFunc) Consult(ctx context.Context, history []Message, allowDecompose bool) (Reply, error) {
	return f(ctx, history, allowDecompose)
}
