package storage

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

// journals returns one fresh instance of every Journal implementation.
func journals(t *testing.T) map[string]Journal {
	t.Helper()
	sqlite, err := NewSqliteInMemory()
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Journal{
		"memory": NewMemoryJournal(),
		"sqlite": sqlite,
	}
}

func TestJournalCreateInvocationIsIdempotent(t *testing.T) {
	for name, j := range journals(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := InvocationRecord{ID: "root", Topic: "Rust", Depth: 2}

			created, err := j.CreateInvocation(ctx, rec)
			if err != nil {
				t.Fatalf("CreateInvocation failed: %v", err)
			}
			if !created {
				t.Error("expected first insert to create")
			}

			rec.Topic = "Go"
			created, err = j.CreateInvocation(ctx, rec)
			if err != nil {
				t.Fatalf("CreateInvocation failed: %v", err)
			}
			if created {
				t.Error("expected second insert to be ignored")
			}

			got, err := j.GetInvocation(ctx, "root")
			if err != nil {
				t.Fatalf("GetInvocation failed: %v", err)
			}
			if got.Topic != "Rust" {
				t.Errorf("expected original topic 'Rust', got '%s'", got.Topic)
			}
			if got.Status != StatusPending {
				t.Errorf("expected status pending, got %s", got.Status)
			}
			if got.Depth != 2 {
				t.Errorf("expected depth 2, got %d", got.Depth)
			}
		})
	}
}

func TestJournalGetInvocationNotFound(t *testing.T) {
	for name, j := range journals(t) {
		t.Run(name, func(t *testing.T) {
			_, err := j.GetInvocation(context.Background(), "missing")
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestJournalCompleteAndFail(t *testing.T) {
	for name, j := range journals(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			mustCreate(t, j, InvocationRecord{ID: "a", Topic: "A"})
			mustCreate(t, j, InvocationRecord{ID: "b", Topic: "B"})

			if err := j.CompleteInvocation(ctx, "a", "answer"); err != nil {
				t.Fatalf("CompleteInvocation failed: %v", err)
			}
			if err := j.FailInvocation(ctx, "b", "boom"); err != nil {
				t.Fatalf("FailInvocation failed: %v", err)
			}

			a, _ := j.GetInvocation(ctx, "a")
			if a.Status != StatusDone || a.Result != "answer" {
				t.Errorf("unexpected record for a: %+v", a)
			}
			b, _ := j.GetInvocation(ctx, "b")
			if b.Status != StatusFailed || b.Error != "boom" {
				t.Errorf("unexpected record for b: %+v", b)
			}
			if !a.Status.Terminal() || !b.Status.Terminal() {
				t.Error("expected done and failed to be terminal")
			}

			if err := j.CompleteInvocation(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestJournalListAndChildren(t *testing.T) {
	for name, j := range journals(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			mustCreate(t, j, InvocationRecord{ID: "r1", Topic: "first"})
			mustCreate(t, j, InvocationRecord{ID: "r1/0-1", ParentID: "r1", Key: "0-1", Topic: "y", Level: 1})
			mustCreate(t, j, InvocationRecord{ID: "r1/0-0", ParentID: "r1", Key: "0-0", Topic: "x", Level: 1})
			mustCreate(t, j, InvocationRecord{ID: "r2", Topic: "second"})

			roots, err := j.ListInvocations(ctx)
			if err != nil {
				t.Fatalf("ListInvocations failed: %v", err)
			}
			if len(roots) != 2 {
				t.Fatalf("expected 2 roots, got %d", len(roots))
			}
			if roots[0].ID != "r2" || roots[1].ID != "r1" {
				t.Errorf("expected most recent first, got %s, %s", roots[0].ID, roots[1].ID)
			}

			children, err := j.Children(ctx, "r1")
			if err != nil {
				t.Fatalf("Children failed: %v", err)
			}
			if len(children) != 2 {
				t.Fatalf("expected 2 children, got %d", len(children))
			}
			if children[0].Key != "0-1" || children[1].Key != "0-0" {
				t.Errorf("expected spawn order, got %s, %s", children[0].Key, children[1].Key)
			}

			none, err := j.Children(ctx, "r2")
			if err != nil {
				t.Fatalf("Children failed: %v", err)
			}
			if len(none) != 0 {
				t.Errorf("expected no children, got %d", len(none))
			}
		})
	}
}

func TestJournalStepsFirstWriteWins(t *testing.T) {
	for name, j := range journals(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, ok, err := j.LoadStep(ctx, "inv", "consult-0")
			if err != nil {
				t.Fatalf("LoadStep failed: %v", err)
			}
			if ok {
				t.Fatal("expected no recorded step")
			}

			if err := j.SaveStep(ctx, "inv", "consult-0", json.RawMessage(`{"text":"one"}`)); err != nil {
				t.Fatalf("SaveStep failed: %v", err)
			}
			if err := j.SaveStep(ctx, "inv", "consult-0", json.RawMessage(`{"text":"two"}`)); err != nil {
				t.Fatalf("SaveStep failed: %v", err)
			}

			value, ok, err := j.LoadStep(ctx, "inv", "consult-0")
			if err != nil {
				t.Fatalf("LoadStep failed: %v", err)
			}
			if !ok {
				t.Fatal("expected recorded step")
			}
			if string(value) != `{"text":"one"}` {
				t.Errorf("expected first value, got %s", value)
			}

			// Keys are scoped per invocation.
			_, ok, _ = j.LoadStep(ctx, "other", "consult-0")
			if ok {
				t.Error("expected step to be scoped to its invocation")
			}
		})
	}
}

func TestJournalCheckpointReplace(t *testing.T) {
	for name, j := range journals(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			state, err := j.LoadCheckpoint(ctx, "inv")
			if err != nil {
				t.Fatalf("LoadCheckpoint failed: %v", err)
			}
			if state != nil {
				t.Fatalf("expected nil checkpoint, got %s", state)
			}

			if err := j.SaveCheckpoint(ctx, "inv", json.RawMessage(`{"phase":"consult"}`)); err != nil {
				t.Fatalf("SaveCheckpoint failed: %v", err)
			}
			if err := j.SaveCheckpoint(ctx, "inv", json.RawMessage(`{"phase":"await"}`)); err != nil {
				t.Fatalf("SaveCheckpoint failed: %v", err)
			}

			state, err = j.LoadCheckpoint(ctx, "inv")
			if err != nil {
				t.Fatalf("LoadCheckpoint failed: %v", err)
			}
			if string(state) != `{"phase":"await"}` {
				t.Errorf("expected latest checkpoint, got %s", state)
			}
		})
	}
}

func mustCreate(t *testing.T, j Journal, rec InvocationRecord) {
	t.Helper()
	if _, err := j.CreateInvocation(context.Background(), rec); err != nil {
		t.Fatalf("CreateInvocation failed: %v", err)
	}
}
