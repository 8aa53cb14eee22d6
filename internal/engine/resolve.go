package engine

import (
	"time"

	"github.com/clubwarrior/clubwarrior/internal/schema"
)

// Policy selects how two-sided changes are resolved.
type Policy string

const (
	// PolicyNewest keeps the side with the later modification timestamp.
	// On equal or missing timestamps the story side wins: the remote
	// service is treated as the system of record for ambiguous cases.
	PolicyNewest Policy = "newest"
	// PolicyStory always keeps the story-side value.
	PolicyStory Policy = "story"
	// PolicyTask always keeps the task-side value.
	PolicyTask Policy = "task"
)

// ValidPolicies enumerates the accepted conflict.policy config values.
var ValidPolicies = map[Policy]bool{
	PolicyNewest: true,
	PolicyStory:  true,
	PolicyTask:   true,
}

// Resolution records one conflict outcome for the audit trail. Conflicts
// are never silently dropped; every resolution carries the losing value.
type Resolution struct {
	Field        string `json:"field" yaml:"field"`
	Winner       string `json:"winner" yaml:"winner"`             // "story" or "task"
	LosingSide   string `json:"losing_side" yaml:"losing_side"`   // the side whose value was overwritten
	LosingValue  string `json:"losing_value" yaml:"losing_value"`
	WinningValue string `json:"winning_value" yaml:"winning_value"`
}

// Resolve decides the winning side for a field changed on both sides.
// It is deterministic: identical inputs always produce the identical
// resolution, and with PolicyNewest a timestamp tie always falls to the
// story side.
func Resolve(f schema.Field, story, task schema.Values, storyMod, taskMod time.Time, policy Policy) (ChangeSide, Resolution) {
	winner := ChangeStory
	switch policy {
	case PolicyTask:
		winner = ChangeTask
	case PolicyStory:
		winner = ChangeStory
	default:
		if !taskMod.IsZero() && !storyMod.IsZero() && taskMod.After(storyMod) {
			winner = ChangeTask
		}
	}

	spec := schema.Spec(f)
	res := Resolution{Field: f.String()}
	if winner == ChangeStory {
		res.Winner = "story"
		res.LosingSide = "task"
		res.LosingValue = spec.Format(task)
		res.WinningValue = spec.Format(story)
	} else {
		res.Winner = "task"
		res.LosingSide = "story"
		res.LosingValue = spec.Format(story)
		res.WinningValue = spec.Format(task)
	}
	return winner, res
}
