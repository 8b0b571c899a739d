package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
)

func TestSqliteJournalPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "journal.db")
	ctx := context.Background()

	journal, err := OpenSqlite(path)
	if err != nil {
		t.Fatalf("OpenSqlite failed: %v", err)
	}
	mustCreate(t, journal, InvocationRecord{ID: "root", Topic: "Durable execution", Depth: 1})
	if err := journal.SaveStep(ctx, "root", "consult-0", json.RawMessage(`{"text":"x"}`)); err != nil {
		t.Fatalf("SaveStep failed: %v", err)
	}
	if err := journal.SaveCheckpoint(ctx, "root", json.RawMessage(`{"phase":"await"}`)); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}
	if err := journal.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := OpenSqlite(path)
	if err != nil {
		t.Fatalf("OpenSqlite failed: %v", err)
	}
	defer reopened.Close()

	rec, err := reopened.GetInvocation(ctx, "root")
	if err != nil {
		t.Fatalf("GetInvocation failed: %v", err)
	}
	if rec.Topic != "Durable execution" || rec.Status != StatusPending {
		t.Errorf("unexpected record after reopen: %+v", rec)
	}
	if rec.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}

	if _, ok, _ := reopened.LoadStep(ctx, "root", "consult-0"); !ok {
		t.Error("expected step to survive reopen")
	}
	state, err := reopened.LoadCheckpoint(ctx, "root")
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	if string(state) != `{"phase":"await"}` {
		t.Errorf("expected checkpoint to survive reopen, got %s", state)
	}
}
