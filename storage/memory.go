// In-memory journal.
//
// Information Hiding:
// - Map storage structure hidden from users
// - Thread-safe access via RWMutex hidden behind interface
// - Suitable for testing and ephemeral runs

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

type memoryInvocation struct {
	rec InvocationRecord
	seq int
}

// MemoryJournal implements Journal with maps. Data is lost when the process
// terminates.
type MemoryJournal struct {
	mu          sync.RWMutex
	seq         int
	invocations map[string]*memoryInvocation
	steps       map[string]map[string]json.RawMessage
	checkpoints map[string]json.RawMessage
}

// NewMemoryJournal creates an empty journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{
		invocations: make(map[string]*memoryInvocation),
		steps:       make(map[string]map[string]json.RawMessage),
		checkpoints: make(map[string]json.RawMessage),
	}
}

// CreateInvocation inserts rec unless its ID already exists.
func (j *MemoryJournal) CreateInvocation(ctx context.Context, rec InvocationRecord) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, ok := j.invocations[rec.ID]; ok {
		return false, nil
	}
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	now := time.Now()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	j.seq++
	j.invocations[rec.ID] = &memoryInvocation{rec: rec, seq: j.seq}
	return true, nil
}

// GetInvocation returns a copy of one invocation.
func (j *MemoryJournal) GetInvocation(ctx context.Context, id string) (InvocationRecord, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	inv, ok := j.invocations[id]
	if !ok {
		return InvocationRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return inv.rec, nil
}

// ListInvocations lists root invocations, most recent first.
func (j *MemoryJournal) ListInvocations(ctx context.Context) ([]InvocationRecord, error) {
	list := j.filter(func(rec InvocationRecord) bool { return rec.ParentID == "" })
	for l, r := 0, len(list)-1; l < r; l, r = l+1, r-1 {
		list[l], list[r] = list[r], list[l]
	}
	return list, nil
}

// Children lists the invocations spawned by parentID in spawn order.
func (j *MemoryJournal) Children(ctx context.Context, parentID string) ([]InvocationRecord, error) {
	return j.filter(func(rec InvocationRecord) bool { return rec.ParentID == parentID }), nil
}

// filter returns matching records in insertion order.
func (j *MemoryJournal) filter(match func(InvocationRecord) bool) []InvocationRecord {
	j.mu.RLock()
	defer j.mu.RUnlock()

	matched := make([]*memoryInvocation, 0)
	for _, inv := range j.invocations {
		if match(inv.rec) {
			matched = append(matched, inv)
		}
	}
	sort.Slice(matched, func(a, b int) bool { return matched[a].seq < matched[b].seq })

	records := make([]InvocationRecord, len(matched))
	for i, inv := range matched {
		records[i] = inv.rec
	}
	return records
}

// CompleteInvocation marks an invocation done.
func (j *MemoryJournal) CompleteInvocation(ctx context.Context, id, result string) error {
	return j.finish(id, StatusDone, result, "")
}

// FailInvocation marks an invocation failed.
func (j *MemoryJournal) FailInvocation(ctx context.Context, id, message string) error {
	return j.finish(id, StatusFailed, "", message)
}

func (j *MemoryJournal) finish(id string, status Status, result, message string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	inv, ok := j.invocations[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	inv.rec.Status = status
	inv.rec.Result = result
	inv.rec.Error = message
	inv.rec.UpdatedAt = time.Now()
	return nil
}

// LoadStep returns a recorded step result.
func (j *MemoryJournal) LoadStep(ctx context.Context, id, key string) (json.RawMessage, bool, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	value, ok := j.steps[id][key]
	return clone(value), ok, nil
}

// SaveStep records a step result. The first recorded value wins.
func (j *MemoryJournal) SaveStep(ctx context.Context, id, key string, value json.RawMessage) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	steps, ok := j.steps[id]
	if !ok {
		steps = make(map[string]json.RawMessage)
		j.steps[id] = steps
	}
	if _, exists := steps[key]; !exists {
		steps[key] = clone(value)
	}
	return nil
}

// LoadCheckpoint returns the checkpoint of an invocation, or nil.
func (j *MemoryJournal) LoadCheckpoint(ctx context.Context, id string) (json.RawMessage, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	return clone(j.checkpoints[id]), nil
}

// SaveCheckpoint replaces the checkpoint of an invocation.
func (j *MemoryJournal) SaveCheckpoint(ctx context.Context, id string, state json.RawMessage) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.checkpoints[id] = clone(state)
	return nil
}

// Close is a no-op.
func (j *MemoryJournal) Close() error {
	return nil
}

// clone copies raw so callers cannot mutate stored bytes.
func clone(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}

// Verify MemoryJournal implements Journal
var _ Journal = (*MemoryJournal)(nil)
