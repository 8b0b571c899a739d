package durable

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/richinex/deepdive/research"
	"github.com/richinex/deepdive/storage"
)

// runtime is the research.Runtime of one invocation.
type runtime struct {
	engine *Engine
	id     string

	mu      sync.Mutex
	awaited map[string]bool
}

// ChildID returns the invocation ID of the child spawned under key.
func ChildID(parentID, key string) string {
	return parentID + "/" + key
}

func (r *runtime) Step(ctx context.Context, key string, fn func(ctx context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	journal := r.engine.journal

	value, ok, err := journal.LoadStep(ctx, r.id, key)
	if err != nil {
		return nil, fmt.Errorf("load step %s: %w", key, err)
	}
	if ok {
		return value, nil
	}

	value, err = fn(ctx)
	if err != nil {
		return nil, err
	}
	if err := journal.SaveStep(ctx, r.id, key, value); err != nil {
		return nil, fmt.Errorf("save step %s: %w", key, err)
	}
	return value, nil
}

// Spawn records the child and starts it unless it already finished or is
// already running. Repeating a spawn after a restart addresses the same child.
func (r *runtime) Spawn(ctx context.Context, key string, task research.Task) (research.Handle, error) {
	journal := r.engine.journal
	rec := storage.InvocationRecord{
		ID:       ChildID(r.id, key),
		ParentID: r.id,
		Key:      key,
		Topic:    task.Topic,
		Depth:    task.Depth,
		Level:    task.Level,
		Status:   storage.StatusPending,
	}

	created, err := journal.CreateInvocation(ctx, rec)
	if err != nil {
		return research.Handle{}, fmt.Errorf("create child %s: %w", rec.ID, err)
	}
	if !created {
		if rec, err = journal.GetInvocation(ctx, rec.ID); err != nil {
			return research.Handle{}, fmt.Errorf("load child %s: %w", ChildID(r.id, key), err)
		}
	}
	if !rec.Status.Terminal() {
		r.engine.launch(ctx, rec)
	}

	return research.Handle{ID: rec.ID, Topic: rec.Topic, Depth: rec.Depth}, nil
}

// Await returns the child's outcome. A child that is neither running nor
// finished was interrupted, by a restart or by a cancelled caller in this
// process; it is relaunched and resumes from its own checkpoint. Each handle
// may be awaited once.
func (r *runtime) Await(ctx context.Context, h research.Handle) (string, error) {
	r.mu.Lock()
	if r.awaited[h.ID] {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: handle %s already awaited", research.ErrSubstrate, h.ID)
	}
	r.awaited[h.ID] = true
	r.mu.Unlock()

	e := r.engine
	e.mu.Lock()
	fut := e.running[h.ID]
	e.mu.Unlock()

	if fut == nil || fut.stale() {
		rec, err := e.journal.GetInvocation(ctx, h.ID)
		if err != nil {
			return "", fmt.Errorf("%w: load child %s: %v", research.ErrSubstrate, h.ID, err)
		}
		if rec.Status.Terminal() {
			return outcome(rec)
		}
		fut = e.launch(ctx, rec)
	}
	return e.wait(ctx, fut)
}

func (r *runtime) Checkpoint(ctx context.Context, state research.State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	return r.engine.journal.SaveCheckpoint(ctx, r.id, raw)
}

func (r *runtime) Restore(ctx context.Context) (*research.State, error) {
	raw, err := r.engine.journal.LoadCheckpoint(ctx, r.id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	var state research.State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &state, nil
}

var _ research.Runtime = (*runtime)(nil)
