// Package taskdb implements the local task-management store on embedded
// SQLite with WAL mode. It satisfies the engine's TaskStore contract; any
// other backend exposing the same contract is substitutable.
package taskdb

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/clubwarrior/clubwarrior/internal/schema"
)

// ErrNotFound is returned when a task UUID does not exist.
var ErrNotFound = errors.New("task not found")

// DB wraps the task database connection.
type DB struct {
	conn *sql.DB
	path string
	now  func() time.Time
}

// Open opens (creating if needed) the task database at path.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating task database directory: %w", err)
	}
	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("opening task database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("pinging task database: %w", err)
	}
	db := &DB{conn: conn, path: path, now: time.Now}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("configuring task database: %w", err)
		}
	}
	if err := db.initSchema(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the database file location.
func (db *DB) Path() string { return db.path }

// Close checkpoints the WAL and closes the database.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	err := db.conn.Close()
	db.conn = nil
	if err != nil {
		return fmt.Errorf("closing task database: %w", err)
	}
	return nil
}

func (db *DB) initSchema() error {
	ddl := `
	CREATE TABLE IF NOT EXISTS tasks (
		uuid TEXT PRIMARY KEY,
		description TEXT NOT NULL,
		project TEXT NOT NULL DEFAULT '',
		tags TEXT,  -- JSON array
		priority TEXT NOT NULL DEFAULT '',
		due TEXT,   -- RFC3339, NULL means no due date
		active INTEGER NOT NULL DEFAULT 0,
		completed INTEGER NOT NULL DEFAULT 0,
		modified_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS task_deps (
		task_uuid TEXT NOT NULL,
		depends_on_uuid TEXT NOT NULL,
		PRIMARY KEY (task_uuid, depends_on_uuid),
		FOREIGN KEY (task_uuid) REFERENCES tasks(uuid) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_completed ON tasks(completed);
	CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project);
	CREATE INDEX IF NOT EXISTS idx_deps_on ON task_deps(depends_on_uuid);
	`
	if _, err := db.conn.Exec(ddl); err != nil {
		return fmt.Errorf("initializing task database schema: %w", err)
	}
	return nil
}

// ListTasks returns every task with its dependency set.
func (db *DB) ListTasks(ctx context.Context) ([]*schema.Task, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT uuid, description, project, tags, priority, due,
		       active, completed, modified_at
		FROM tasks ORDER BY uuid`)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var out []*schema.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading tasks: %w", err)
	}

	deps, err := db.allDeps(ctx)
	if err != nil {
		return nil, err
	}
	for _, task := range out {
		task.DependsOn = deps[task.UUID]
	}
	return out, nil
}

// Get returns one task, or ErrNotFound.
func (db *DB) Get(ctx context.Context, uuid string) (*schema.Task, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT uuid, description, project, tags, priority, due,
		       active, completed, modified_at
		FROM tasks WHERE uuid = ?`, uuid)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, uuid)
	}
	if err != nil {
		return nil, err
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT depends_on_uuid FROM task_deps WHERE task_uuid = ? ORDER BY depends_on_uuid", uuid)
	if err != nil {
		return nil, fmt.Errorf("querying task deps: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, fmt.Errorf("scanning task dep: %w", err)
		}
		task.DependsOn = append(task.DependsOn, dep)
	}
	return task, rows.Err()
}

// CreateTask inserts a task, assigning a UUID if absent, and returns it.
func (db *DB) CreateTask(ctx context.Context, task *schema.Task) (*schema.Task, error) {
	created := *task
	if created.UUID == "" {
		created.UUID = newUUID()
	}
	created.ModifiedAt = db.now().UTC()
	if err := created.Validate(); err != nil {
		return nil, fmt.Errorf("invalid task: %w", err)
	}
	tagsJSON, err := json.Marshal(created.Tags)
	if err != nil {
		return nil, fmt.Errorf("marshaling tags: %w", err)
	}
	var due interface{}
	if created.Due != nil {
		due = created.Due.UTC().Format(time.RFC3339)
	}
	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO tasks (uuid, description, project, tags, priority, due,
		                   active, completed, modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		created.UUID, created.Description, created.Project, string(tagsJSON),
		created.Priority, due, boolInt(created.Active), boolInt(created.Completed),
		created.ModifiedAt.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("inserting task: %w", err)
	}
	if len(created.DependsOn) > 0 {
		if err := db.SetDeps(ctx, created.UUID, created.DependsOn); err != nil {
			return nil, err
		}
	}
	return &created, nil
}

// UpdateTask applies a partial update. Recognized keys: description,
// project, tags ([]string), priority, due (*time.Time), active (bool),
// completed (bool). Unknown keys are an error so schema drift fails loudly.
func (db *DB) UpdateTask(ctx context.Context, uuid string, updates map[string]interface{}) error {
	if len(updates) == 0 {
		return nil
	}
	set := make([]string, 0, len(updates)+1)
	args := make([]interface{}, 0, len(updates)+2)
	for key, val := range updates {
		switch key {
		case "description", "project", "priority":
			set = append(set, key+" = ?")
			args = append(args, val)
		case "tags":
			tags, ok := val.([]string)
			if !ok {
				return fmt.Errorf("tags update must be []string, got %T", val)
			}
			tagsJSON, err := json.Marshal(tags)
			if err != nil {
				return fmt.Errorf("marshaling tags: %w", err)
			}
			set = append(set, "tags = ?")
			args = append(args, string(tagsJSON))
		case "due":
			t, ok := val.(*time.Time)
			if !ok {
				return fmt.Errorf("due update must be *time.Time, got %T", val)
			}
			set = append(set, "due = ?")
			if t == nil {
				args = append(args, nil)
			} else {
				args = append(args, t.UTC().Format(time.RFC3339))
			}
		case "active", "completed":
			b, ok := val.(bool)
			if !ok {
				return fmt.Errorf("%s update must be bool, got %T", key, val)
			}
			set = append(set, key+" = ?")
			args = append(args, boolInt(b))
		default:
			return fmt.Errorf("unknown task field %q", key)
		}
	}
	set = append(set, "modified_at = ?")
	args = append(args, db.now().UTC().Format(time.RFC3339))
	args = append(args, uuid)

	query := "UPDATE tasks SET " + strings.Join(set, ", ") + " WHERE uuid = ?"
	res, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating task %s: %w", uuid, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, uuid)
	}
	return nil
}

// SetDeps replaces the task's dependency edges.
func (db *DB) SetDeps(ctx context.Context, uuid string, dependsOn []string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning deps transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM task_deps WHERE task_uuid = ?", uuid); err != nil {
		return fmt.Errorf("clearing deps for %s: %w", uuid, err)
	}
	for _, dep := range dependsOn {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO task_deps (task_uuid, depends_on_uuid) VALUES (?, ?)",
			uuid, dep); err != nil {
			return fmt.Errorf("inserting dep %s -> %s: %w", uuid, dep, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE tasks SET modified_at = ? WHERE uuid = ?",
		db.now().UTC().Format(time.RFC3339), uuid); err != nil {
		return fmt.Errorf("touching task %s: %w", uuid, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing deps for %s: %w", uuid, err)
	}
	return nil
}

func (db *DB) allDeps(ctx context.Context) (map[string][]string, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT task_uuid, depends_on_uuid FROM task_deps ORDER BY task_uuid, depends_on_uuid")
	if err != nil {
		return nil, fmt.Errorf("querying task deps: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var from, to string
		if err := rows.Scan(&from, &to); err != nil {
			return nil, fmt.Errorf("scanning task dep: %w", err)
		}
		out[from] = append(out[from], to)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(sc scanner) (*schema.Task, error) {
	var task schema.Task
	var tagsJSON, due sql.NullString
	var active, completed int
	var modified string

	err := sc.Scan(&task.UUID, &task.Description, &task.Project, &tagsJSON,
		&task.Priority, &due, &active, &completed, &modified)
	if err != nil {
		return nil, err
	}
	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &task.Tags); err != nil {
			return nil, fmt.Errorf("corrupt tags for task %s: %w", task.UUID, err)
		}
	}
	if due.Valid {
		t, err := time.Parse(time.RFC3339, due.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt due date for task %s: %w", task.UUID, err)
		}
		task.Due = &t
	}
	task.Active = active != 0
	task.Completed = completed != 0
	if t, err := time.Parse(time.RFC3339, modified); err == nil {
		task.ModifiedAt = t
	}
	return &task, nil
}

// newUUID generates a random 128-bit identifier in UUID text form.
func newUUID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("reading random bytes: %v", err))
	}
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	dst := make([]byte, 32)
	hex.Encode(dst, b[:])
	return string(dst[0:8]) + "-" + string(dst[8:12]) + "-" + string(dst[12:16]) + "-" +
		string(dst[16:20]) + "-" + string(dst[20:32])
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
