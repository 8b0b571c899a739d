// SQLite journal.
//
// Information Hiding:
// - SQLite connection management hidden behind interface
// - Schema and migration details encapsulated
// - Thread-safe via sql.DB's built-in connection pooling

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SqliteJournal implements Journal using SQLite.
type SqliteJournal struct {
	db *sql.DB
}

// OpenSqlite opens or creates a SQLite journal at the given path.
// Creates parent directories if they don't exist.
func OpenSqlite(path string) (*SqliteJournal, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	return newSqliteJournal(db)
}

// NewSqliteInMemory creates an in-memory journal (useful for testing).
func NewSqliteInMemory() (*SqliteJournal, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory SQLite: %w", err)
	}
	// Every pooled connection would get its own empty :memory: database.
	db.SetMaxOpenConns(1)
	return newSqliteJournal(db)
}

func newSqliteJournal(db *sql.DB) (*SqliteJournal, error) {
	j := &SqliteJournal{db: db}
	if err := j.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return j, nil
}

// Close closes the database connection.
func (j *SqliteJournal) Close() error {
	return j.db.Close()
}

func (j *SqliteJournal) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS invocations (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			parent_id TEXT NOT NULL DEFAULT '',
			spawn_key TEXT NOT NULL DEFAULT '',
			topic TEXT NOT NULL,
			depth INTEGER NOT NULL,
			level INTEGER NOT NULL,
			status TEXT NOT NULL,
			result TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_invocations_parent
		ON invocations(parent_id, seq);

		CREATE TABLE IF NOT EXISTS steps (
			invocation_id TEXT NOT NULL,
			step_key TEXT NOT NULL,
			value TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (invocation_id, step_key)
		);

		CREATE TABLE IF NOT EXISTS checkpoints (
			invocation_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);
	`

	_, err := j.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// CreateInvocation inserts rec unless its ID already exists.
func (j *SqliteJournal) CreateInvocation(ctx context.Context, rec InvocationRecord) (bool, error) {
	now := time.Now().Unix()
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	res, err := j.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO invocations
		(id, parent_id, spawn_key, topic, depth, level, status, result, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ParentID, rec.Key, rec.Topic, rec.Depth, rec.Level,
		string(rec.Status), rec.Result, rec.Error, now, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create invocation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to create invocation: %w", err)
	}
	return n > 0, nil
}

const invocationColumns = `id, parent_id, spawn_key, topic, depth, level, status, result, error, created_at, updated_at`

// GetInvocation loads one invocation.
func (j *SqliteJournal) GetInvocation(ctx context.Context, id string) (InvocationRecord, error) {
	row := j.db.QueryRowContext(ctx,
		"SELECT "+invocationColumns+" FROM invocations WHERE id = ?", id)
	rec, err := scanInvocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return InvocationRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return InvocationRecord{}, fmt.Errorf("failed to get invocation: %w", err)
	}
	return rec, nil
}

// ListInvocations lists root invocations, most recent first.
func (j *SqliteJournal) ListInvocations(ctx context.Context) ([]InvocationRecord, error) {
	return j.queryInvocations(ctx,
		"SELECT "+invocationColumns+" FROM invocations WHERE parent_id = '' ORDER BY seq DESC")
}

// Children lists the invocations spawned by parentID in spawn order.
func (j *SqliteJournal) Children(ctx context.Context, parentID string) ([]InvocationRecord, error) {
	return j.queryInvocations(ctx,
		"SELECT "+invocationColumns+" FROM invocations WHERE parent_id = ? ORDER BY seq ASC", parentID)
}

func (j *SqliteJournal) queryInvocations(ctx context.Context, query string, args ...any) ([]InvocationRecord, error) {
	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query invocations: %w", err)
	}
	defer rows.Close()

	records := []InvocationRecord{} // Start with empty slice, not nil
	for rows.Next() {
		rec, err := scanInvocation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invocation: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating invocations: %w", err)
	}
	return records, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInvocation(s scanner) (InvocationRecord, error) {
	var rec InvocationRecord
	var status string
	var created, updated int64
	err := s.Scan(
		&rec.ID,
		&rec.ParentID,
		&rec.Key,
		&rec.Topic,
		&rec.Depth,
		&rec.Level,
		&status,
		&rec.Result,
		&rec.Error,
		&created,
		&updated,
	)
	if err != nil {
		return InvocationRecord{}, err
	}
	rec.Status = Status(status)
	rec.CreatedAt = time.Unix(created, 0)
	rec.UpdatedAt = time.Unix(updated, 0)
	return rec, nil
}

// CompleteInvocation marks an invocation done.
func (j *SqliteJournal) CompleteInvocation(ctx context.Context, id, result string) error {
	return j.finish(ctx, id, StatusDone, result, "")
}

// FailInvocation marks an invocation failed.
func (j *SqliteJournal) FailInvocation(ctx context.Context, id, message string) error {
	return j.finish(ctx, id, StatusFailed, "", message)
}

func (j *SqliteJournal) finish(ctx context.Context, id string, status Status, result, message string) error {
	res, err := j.db.ExecContext(ctx,
		"UPDATE invocations SET status = ?, result = ?, error = ?, updated_at = ? WHERE id = ?",
		string(status), result, message, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update invocation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update invocation: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// LoadStep returns a recorded step result.
func (j *SqliteJournal) LoadStep(ctx context.Context, id, key string) (json.RawMessage, bool, error) {
	var value string
	err := j.db.QueryRowContext(ctx,
		"SELECT value FROM steps WHERE invocation_id = ? AND step_key = ?", id, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load step: %w", err)
	}
	return json.RawMessage(value), true, nil
}

// SaveStep records a step result. The first recorded value wins.
func (j *SqliteJournal) SaveStep(ctx context.Context, id, key string, value json.RawMessage) error {
	_, err := j.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO steps (invocation_id, step_key, value, created_at) VALUES (?, ?, ?, ?)",
		id, key, string(value), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save step: %w", err)
	}
	return nil
}

// LoadCheckpoint returns the checkpoint of an invocation, or nil.
func (j *SqliteJournal) LoadCheckpoint(ctx context.Context, id string) (json.RawMessage, error) {
	var state string
	err := j.db.QueryRowContext(ctx,
		"SELECT state FROM checkpoints WHERE invocation_id = ?", id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return json.RawMessage(state), nil
}

// SaveCheckpoint replaces the checkpoint of an invocation.
func (j *SqliteJournal) SaveCheckpoint(ctx context.Context, id string, state json.RawMessage) error {
	_, err := j.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO checkpoints (invocation_id, state, updated_at) VALUES (?, ?, ?)",
		id, string(state), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Verify SqliteJournal implements Journal
var _ Journal = (*SqliteJournal)(nil)
