package schema

import (
	"fmt"
	"time"
)

// SyncRecord is the durable correspondence between one story and one task,
// plus the snapshot of every synchronized field as of the last successful
// sync. The snapshot is the comparison baseline for change detection: a
// field changed on one side differs from the snapshot on that side only,
// while a two-sided change differs on both.
//
// Exactly one record may exist per story ID and per task UUID. Records are
// replaced whole at the end of a successful cycle for their pair and are
// never partially updated.
type SyncRecord struct {
	StoryID  int64     `json:"story_id"`
	TaskUUID string    `json:"task_uuid"`
	Snapshot Values    `json:"snapshot"`
	LastSync time.Time `json:"last_sync"`
}

// Validate checks record identity invariants.
func (r *SyncRecord) Validate() error {
	if r.StoryID == 0 {
		return fmt.Errorf("sync record story id is required")
	}
	if r.TaskUUID == "" {
		return fmt.Errorf("sync record task uuid is required")
	}
	return nil
}

// Direction indicates which way a dependency edge is being translated.
type Direction int

const (
	// StoryToTask translates story IDs into task UUIDs.
	StoryToTask Direction = iota
	// TaskToStory translates task UUIDs into story IDs.
	TaskToStory
)

// String returns the direction name used in the pending-links table.
func (d Direction) String() string {
	if d == TaskToStory {
		return "task_to_story"
	}
	return "story_to_task"
}

// PendingLink is a dependency edge whose endpoint was unmapped when the
// edge was last seen. Edges are deferred, not dropped: they are retried
// on the next cycle once the missing counterpart exists.
type PendingLink struct {
	StoryID     int64     `json:"story_id"`      // story owning the edge
	DependsOnID int64     `json:"depends_on_id"` // unmapped target story
	FirstSeen   time.Time `json:"first_seen"`
	Attempts    int       `json:"attempts"`
}
