package engine

import (
	"context"

	"github.com/clubwarrior/clubwarrior/internal/schema"
)

// StorySource is the remote project-tracking collaborator. Any backend
// exposing this contract is substitutable; the engine never depends on a
// concrete transport.
type StorySource interface {
	// ListOwnedStories returns every story owned by the configured user
	// that is still in a tracked workflow state.
	ListOwnedStories(ctx context.Context) ([]*schema.Story, error)

	// CreateStory creates a story and returns it with its assigned ID.
	CreateStory(ctx context.Context, story *schema.Story) (*schema.Story, error)

	// UpdateStory applies a partial update to a story.
	UpdateStory(ctx context.Context, id int64, upd schema.StoryUpdate) error

	// SetBlockedBy replaces the story's dependency edges with the given
	// story IDs.
	SetBlockedBy(ctx context.Context, id int64, blockedBy []int64) error
}

// TaskStore is the local task-management collaborator.
type TaskStore interface {
	// ListTasks returns every task currently tracked by the store.
	ListTasks(ctx context.Context) ([]*schema.Task, error)

	// CreateTask creates a task and returns it with its assigned UUID.
	CreateTask(ctx context.Context, task *schema.Task) (*schema.Task, error)

	// UpdateTask applies a partial update. Recognized keys: description,
	// project, tags ([]string), priority, due (*time.Time), active (bool),
	// completed (bool).
	UpdateTask(ctx context.Context, uuid string, updates map[string]interface{}) error

	// SetDeps replaces the task's dependency edges with the given task UUIDs.
	SetDeps(ctx context.Context, uuid string, dependsOn []string) error
}

// MapStore owns the durable story/task correspondence and per-field
// snapshots. Implementations must serialize record commits and replace
// records atomically.
type MapStore interface {
	// All returns every sync record.
	All(ctx context.Context) ([]*schema.SyncRecord, error)

	// Create inserts a new record. It fails with ErrDuplicateMapping if a
	// record already exists for the story ID or the task UUID.
	Create(ctx context.Context, rec *schema.SyncRecord) error

	// Commit atomically replaces the record for rec.StoryID.
	Commit(ctx context.Context, rec *schema.SyncRecord) error

	// AddPendingLink records a deferred dependency edge. Adding the same
	// edge again bumps its attempt count.
	AddPendingLink(ctx context.Context, link *schema.PendingLink) error

	// PendingLinks returns all deferred edges.
	PendingLinks(ctx context.Context) ([]*schema.PendingLink, error)

	// RemovePendingLink deletes a deferred edge once applied.
	RemovePendingLink(ctx context.Context, storyID, dependsOnID int64) error
}
