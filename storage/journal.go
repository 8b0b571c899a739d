// Package storage provides the execution journal.
//
// Information Hiding:
// - Journal backend hidden behind interface
// - Allows swapping between memory and SQLite without API changes
// - Step results and checkpoints are opaque JSON to the backend

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when an invocation does not exist.
var ErrNotFound = errors.New("invocation not found")

// Status is the lifecycle state of an invocation.
type Status string

const (
	StatusPending Status = "pending"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// InvocationRecord is the durable identity and outcome of one invocation.
type InvocationRecord struct {
	ID       string
	ParentID string // Empty for roots
	Key      string // Spawn key within the parent
	Topic    string
	Depth    int
	Level    int
	Status   Status
	Result   string
	Error    string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Journal records everything needed to resume invocations after a restart.
// Implementations must be safe for concurrent use.
type Journal interface {
	// CreateInvocation inserts rec unless an invocation with the same ID
	// exists. It reports whether rec was inserted.
	CreateInvocation(ctx context.Context, rec InvocationRecord) (bool, error)

	// GetInvocation returns ErrNotFound for unknown IDs.
	GetInvocation(ctx context.Context, id string) (InvocationRecord, error)

	// ListInvocations lists root invocations, most recent first.
	ListInvocations(ctx context.Context) ([]InvocationRecord, error)

	// Children lists the invocations spawned by parentID in spawn order.
	Children(ctx context.Context, parentID string) ([]InvocationRecord, error)

	// CompleteInvocation marks an invocation done with its result.
	CompleteInvocation(ctx context.Context, id, result string) error

	// FailInvocation marks an invocation failed with an error message.
	FailInvocation(ctx context.Context, id, message string) error

	// LoadStep returns the recorded result of a step, or ok=false.
	LoadStep(ctx context.Context, id, key string) (value json.RawMessage, ok bool, err error)

	// SaveStep records the result of a step. Saving a key twice keeps the first value.
	SaveStep(ctx context.Context, id, key string, value json.RawMessage) error

	// LoadCheckpoint returns the latest checkpoint, or nil when there is none.
	LoadCheckpoint(ctx context.Context, id string) (json.RawMessage, error)

	// SaveCheckpoint replaces the checkpoint of an invocation.
	SaveCheckpoint(ctx context.Context, id string, state json.RawMessage) error

	Close() error
}
