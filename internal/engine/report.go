package engine

import "time"

// Outcome classifies the result of one pair in a cycle.
type Outcome string

const (
	// OutcomeCreated means a missing counterpart was created and the pair
	// was mapped for the first time.
	OutcomeCreated Outcome = "created"
	// OutcomeApplied means one or more field values were propagated.
	OutcomeApplied Outcome = "applied"
	// OutcomeUnchanged means neither side drifted from the snapshot.
	OutcomeUnchanged Outcome = "unchanged"
	// OutcomeFailed means the item was skipped after a collaborator or
	// validation error; its previous snapshot is untouched.
	OutcomeFailed Outcome = "failed"
	// OutcomeOrphaned means one side of a mapped pair disappeared from its
	// store. The record is kept for the operator to resolve.
	OutcomeOrphaned Outcome = "orphaned"
)

// ItemOutcome is the per-pair entry of the cycle report.
type ItemOutcome struct {
	StoryID      int64        `json:"story_id" yaml:"story_id"`
	TaskUUID     string       `json:"task_uuid,omitempty" yaml:"task_uuid,omitempty"`
	Outcome      Outcome      `json:"outcome" yaml:"outcome"`
	AppliedStory []string     `json:"applied_to_story,omitempty" yaml:"applied_to_story,omitempty"`
	AppliedTask  []string     `json:"applied_to_task,omitempty" yaml:"applied_to_task,omitempty"`
	Resolutions  []Resolution `json:"resolutions,omitempty" yaml:"resolutions,omitempty"`
	DeferredDeps int          `json:"deferred_deps,omitempty" yaml:"deferred_deps,omitempty"`
	Error        string       `json:"error,omitempty" yaml:"error,omitempty"`
}

// Report aggregates one full cycle.
type Report struct {
	StartedAt time.Time     `json:"started_at" yaml:"started_at"`
	Duration  time.Duration `json:"duration" yaml:"duration"`
	DryRun    bool          `json:"dry_run,omitempty" yaml:"dry_run,omitempty"`

	Created   int `json:"created" yaml:"created"`
	Applied   int `json:"applied" yaml:"applied"`
	Unchanged int `json:"unchanged" yaml:"unchanged"`
	Conflicts int `json:"conflicts" yaml:"conflicts"`
	Deferred  int `json:"deferred" yaml:"deferred"`
	Failed    int `json:"failed" yaml:"failed"`
	Orphaned  int `json:"orphaned" yaml:"orphaned"`

	Items []ItemOutcome `json:"items,omitempty" yaml:"items,omitempty"`
}

// add folds one item outcome into the report counters.
func (r *Report) add(item ItemOutcome) {
	r.Items = append(r.Items, item)
	r.Conflicts += len(item.Resolutions)
	r.Deferred += item.DeferredDeps
	switch item.Outcome {
	case OutcomeCreated:
		r.Created++
	case OutcomeApplied:
		r.Applied++
	case OutcomeUnchanged:
		r.Unchanged++
	case OutcomeFailed:
		r.Failed++
	case OutcomeOrphaned:
		r.Orphaned++
	}
}

// Committed reports whether any pair reached a successful commit.
func (r *Report) Committed() bool {
	return r.Created > 0 || r.Applied > 0 || r.Unchanged > 0
}
