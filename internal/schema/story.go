// Package schema defines the data model shared by the sync engine: stories
// (remote side), tasks (local side), the per-pair sync record, and the
// registry of synchronized fields with their bidirectional transforms.
package schema

import (
	"fmt"
	"time"
)

// Story is a work item in the remote project-tracking service.
// Stories are fetched fresh each cycle and never persisted locally;
// the mapping store only keeps their last-synchronized snapshot.
type Story struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	Project   string     `json:"project"`
	Labels    []string   `json:"labels,omitempty"`
	Deadline  *time.Time `json:"deadline,omitempty"`
	BlockedBy []int64    `json:"blocked_by,omitempty"` // story IDs this story depends on
	Started   bool       `json:"started"`
	Completed bool       `json:"completed"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Validate checks that the story has the fields the engine relies on.
func (s *Story) Validate() error {
	if s.ID == 0 {
		return fmt.Errorf("story id is required")
	}
	if s.Name == "" {
		return fmt.Errorf("story name is required")
	}
	return nil
}

// State returns the story's composite workflow state.
// Completed dominates started.
func (s *Story) State() State {
	switch {
	case s.Completed:
		return StateCompleted
	case s.Started:
		return StateActive
	default:
		return StatePending
	}
}

// StoryUpdate describes a partial update to a story. Nil pointer fields
// are left unchanged on the remote side. Deadline is cleared when
// DeadlineSet is true and Deadline is nil.
type StoryUpdate struct {
	Name        *string
	Project     *string
	Labels      []string // nil = unchanged; includes the priority label
	Deadline    *time.Time
	DeadlineSet bool
	Started     *bool
	Completed   *bool
}

// Empty reports whether the update would change nothing.
func (u *StoryUpdate) Empty() bool {
	return u.Name == nil && u.Project == nil && u.Labels == nil &&
		!u.DeadlineSet && u.Started == nil && u.Completed == nil
}
