// Package mapstore persists the story/task correspondence and the
// per-field last-synchronized snapshot for every pair.
//
// The store is an embedded SQLite database in WAL mode. Each sync record
// is replaced whole inside a transaction, so an interrupted run leaves the
// store at the state of the last fully-committed pair, never a partially
// written record. Writes are serialized through a store-level mutex; the
// engine additionally holds an exclusive run lock, so two processes never
// share the store.
package mapstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/clubwarrior/clubwarrior/internal/schema"
)

// ErrDuplicateMapping is returned when a second record would map an
// already-mapped story or task. The correspondence is strictly 1:1.
var ErrDuplicateMapping = errors.New("story or task is already mapped")

// Store is the durable mapping store.
type Store struct {
	conn *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens (creating if needed) the mapping store at path. Schema
// corruption surfaces here as a fatal error; the previous on-disk state is
// left untouched.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating mapping store directory: %w", err)
	}
	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("opening mapping store: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("pinging mapping store: %w", err)
	}
	s := &Store{conn: conn, path: path}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("configuring mapping store: %w", err)
		}
	}
	if err := s.initSchema(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

// Close checkpoints the WAL and closes the store.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	err := s.conn.Close()
	s.conn = nil
	if err != nil {
		return fmt.Errorf("closing mapping store: %w", err)
	}
	return nil
}

func (s *Store) initSchema() error {
	ddl := `
	CREATE TABLE IF NOT EXISTS sync_records (
		story_id INTEGER PRIMARY KEY,
		task_uuid TEXT NOT NULL UNIQUE,

		-- Per-field snapshot, one typed column per schema field
		description TEXT NOT NULL,
		project TEXT NOT NULL DEFAULT '',
		tags TEXT,            -- JSON array
		priority TEXT NOT NULL DEFAULT '',
		due TEXT,             -- RFC3339, NULL means no due date
		depends_on TEXT,      -- JSON array of story IDs
		state TEXT NOT NULL DEFAULT 'pending',

		last_sync TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pending_links (
		story_id INTEGER NOT NULL,
		depends_on_id INTEGER NOT NULL,
		first_seen TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (story_id, depends_on_id)
	);

	CREATE INDEX IF NOT EXISTS idx_records_task ON sync_records(task_uuid);
	`
	if _, err := s.conn.Exec(ddl); err != nil {
		return fmt.Errorf("initializing mapping store schema: %w", err)
	}
	return nil
}

// All returns every sync record.
func (s *Store) All(ctx context.Context) ([]*schema.SyncRecord, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT story_id, task_uuid, description, project, tags, priority,
		       due, depends_on, state, last_sync
		FROM sync_records ORDER BY story_id`)
	if err != nil {
		return nil, fmt.Errorf("querying sync records: %w", err)
	}
	defer rows.Close()

	var out []*schema.SyncRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading sync records: %w", err)
	}
	return out, nil
}

// Get returns the record for a story ID, or nil if unmapped.
func (s *Store) Get(ctx context.Context, storyID int64) (*schema.SyncRecord, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT story_id, task_uuid, description, project, tags, priority,
		       due, depends_on, state, last_sync
		FROM sync_records WHERE story_id = ?`, storyID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// TaskUUID returns the task mapped to a story, if any.
func (s *Store) TaskUUID(ctx context.Context, storyID int64) (string, bool, error) {
	var uuid string
	err := s.conn.QueryRowContext(ctx,
		"SELECT task_uuid FROM sync_records WHERE story_id = ?", storyID).Scan(&uuid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("looking up task for story %d: %w", storyID, err)
	}
	return uuid, true, nil
}

// StoryID returns the story mapped to a task, if any.
func (s *Store) StoryID(ctx context.Context, taskUUID string) (int64, bool, error) {
	var id int64
	err := s.conn.QueryRowContext(ctx,
		"SELECT story_id FROM sync_records WHERE task_uuid = ?", taskUUID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("looking up story for task %s: %w", taskUUID, err)
	}
	return id, true, nil
}

// Create inserts a new record, enforcing the 1:1 invariant on both ids.
func (s *Store) Create(ctx context.Context, rec *schema.SyncRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid sync record: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	err := s.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sync_records WHERE story_id = ? OR task_uuid = ?",
		rec.StoryID, rec.TaskUUID).Scan(&n)
	if err != nil {
		return fmt.Errorf("checking mapping uniqueness: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("%w: story %d / task %s", ErrDuplicateMapping, rec.StoryID, rec.TaskUUID)
	}
	return s.write(ctx, rec, false)
}

// Commit atomically replaces the whole record for rec.StoryID.
func (s *Store) Commit(ctx context.Context, rec *schema.SyncRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid sync record: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(ctx, rec, true)
}

func (s *Store) write(ctx context.Context, rec *schema.SyncRecord, replace bool) error {
	tagsJSON, err := json.Marshal(rec.Snapshot.Tags)
	if err != nil {
		return fmt.Errorf("marshaling snapshot tags: %w", err)
	}
	depsJSON, err := json.Marshal(rec.Snapshot.DependsOn)
	if err != nil {
		return fmt.Errorf("marshaling snapshot deps: %w", err)
	}
	var due interface{}
	if rec.Snapshot.Due != nil {
		due = rec.Snapshot.Due.UTC().Format(time.RFC3339)
	}

	query := `
	INSERT INTO sync_records (
		story_id, task_uuid, description, project, tags, priority,
		due, depends_on, state, last_sync
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if replace {
		query += `
	ON CONFLICT(story_id) DO UPDATE SET
		task_uuid = excluded.task_uuid,
		description = excluded.description,
		project = excluded.project,
		tags = excluded.tags,
		priority = excluded.priority,
		due = excluded.due,
		depends_on = excluded.depends_on,
		state = excluded.state,
		last_sync = excluded.last_sync`
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, query,
		rec.StoryID,
		rec.TaskUUID,
		rec.Snapshot.Description,
		rec.Snapshot.Project,
		string(tagsJSON),
		rec.Snapshot.Priority,
		due,
		string(depsJSON),
		rec.Snapshot.State.String(),
		rec.LastSync.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("writing sync record for story %d: %w", rec.StoryID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing sync record for story %d: %w", rec.StoryID, err)
	}
	return nil
}

// Delete removes the record for a story. Used by the operator to resolve
// orphaned pairs; the engine itself never deletes records.
func (s *Store) Delete(ctx context.Context, storyID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.conn.ExecContext(ctx,
		"DELETE FROM sync_records WHERE story_id = ?", storyID); err != nil {
		return fmt.Errorf("deleting sync record for story %d: %w", storyID, err)
	}
	if _, err := s.conn.ExecContext(ctx,
		"DELETE FROM pending_links WHERE story_id = ? OR depends_on_id = ?", storyID, storyID); err != nil {
		return fmt.Errorf("deleting pending links for story %d: %w", storyID, err)
	}
	return nil
}

// AddPendingLink records a deferred dependency edge. Re-adding bumps the
// attempt counter.
func (s *Store) AddPendingLink(ctx context.Context, link *schema.PendingLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO pending_links (story_id, depends_on_id, first_seen, attempts)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(story_id, depends_on_id) DO UPDATE SET attempts = attempts + 1`,
		link.StoryID, link.DependsOnID, link.FirstSeen.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("recording pending link %d -> %d: %w", link.StoryID, link.DependsOnID, err)
	}
	return nil
}

// PendingLinks returns all deferred dependency edges.
func (s *Store) PendingLinks(ctx context.Context) ([]*schema.PendingLink, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT story_id, depends_on_id, first_seen, attempts
		FROM pending_links ORDER BY story_id, depends_on_id`)
	if err != nil {
		return nil, fmt.Errorf("querying pending links: %w", err)
	}
	defer rows.Close()

	var out []*schema.PendingLink
	for rows.Next() {
		var link schema.PendingLink
		var firstSeen string
		if err := rows.Scan(&link.StoryID, &link.DependsOnID, &firstSeen, &link.Attempts); err != nil {
			return nil, fmt.Errorf("scanning pending link: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, firstSeen); err == nil {
			link.FirstSeen = t
		}
		out = append(out, &link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading pending links: %w", err)
	}
	return out, nil
}

// RemovePendingLink deletes a deferred edge once it has been applied.
func (s *Store) RemovePendingLink(ctx context.Context, storyID, dependsOnID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.conn.ExecContext(ctx,
		"DELETE FROM pending_links WHERE story_id = ? AND depends_on_id = ?",
		storyID, dependsOnID); err != nil {
		return fmt.Errorf("removing pending link %d -> %d: %w", storyID, dependsOnID, err)
	}
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(sc scanner) (*schema.SyncRecord, error) {
	var rec schema.SyncRecord
	var tagsJSON, depsJSON sql.NullString
	var due sql.NullString
	var state, lastSync string

	err := sc.Scan(&rec.StoryID, &rec.TaskUUID, &rec.Snapshot.Description,
		&rec.Snapshot.Project, &tagsJSON, &rec.Snapshot.Priority,
		&due, &depsJSON, &state, &lastSync)
	if err != nil {
		return nil, err
	}

	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &rec.Snapshot.Tags); err != nil {
			return nil, fmt.Errorf("corrupt tags snapshot for story %d: %w", rec.StoryID, err)
		}
	}
	if depsJSON.Valid && depsJSON.String != "" {
		if err := json.Unmarshal([]byte(depsJSON.String), &rec.Snapshot.DependsOn); err != nil {
			return nil, fmt.Errorf("corrupt deps snapshot for story %d: %w", rec.StoryID, err)
		}
	}
	if due.Valid {
		t, err := time.Parse(time.RFC3339, due.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt due snapshot for story %d: %w", rec.StoryID, err)
		}
		rec.Snapshot.Due = &t
	}
	rec.Snapshot.State = schema.ParseState(state)
	if t, err := time.Parse(time.RFC3339, lastSync); err == nil {
		rec.LastSync = t
	}
	return &rec, nil
}
