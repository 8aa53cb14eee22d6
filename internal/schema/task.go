package schema

import (
	"fmt"
	"time"
)

// Task priorities. The empty string means no priority.
const (
	PriorityHigh   = "H"
	PriorityMedium = "M"
	PriorityLow    = "L"
)

// Task is a work item in the local task-management store.
type Task struct {
	UUID        string     `json:"uuid"`
	Description string     `json:"description"`
	Project     string     `json:"project"`
	Tags        []string   `json:"tags,omitempty"`
	Priority    string     `json:"priority,omitempty"` // H, M, L, or ""
	Due         *time.Time `json:"due,omitempty"`
	DependsOn   []string   `json:"depends_on,omitempty"` // task UUIDs this task depends on
	Active      bool       `json:"active"`
	Completed   bool       `json:"completed"`
	ModifiedAt  time.Time  `json:"modified_at"`
}

// Validate checks that the task has valid field values.
func (t *Task) Validate() error {
	if t.UUID == "" {
		return fmt.Errorf("task uuid is required")
	}
	if t.Description == "" {
		return fmt.Errorf("task description is required")
	}
	switch t.Priority {
	case "", PriorityHigh, PriorityMedium, PriorityLow:
	default:
		return fmt.Errorf("task priority must be H, M, L, or empty (got %q)", t.Priority)
	}
	return nil
}

// State returns the task's composite state. Completed dominates active.
func (t *Task) State() State {
	switch {
	case t.Completed:
		return StateCompleted
	case t.Active:
		return StateActive
	default:
		return StatePending
	}
}
