package engine

import "github.com/clubwarrior/clubwarrior/internal/schema"

// ChangeSide classifies which side of a pair changed a field since the
// last synchronized snapshot.
type ChangeSide int

const (
	ChangeNone ChangeSide = iota
	ChangeStory
	ChangeTask
	ChangeBoth
)

// String returns the change classification name.
func (c ChangeSide) String() string {
	switch c {
	case ChangeStory:
		return "story"
	case ChangeTask:
		return "task"
	case ChangeBoth:
		return "both"
	default:
		return "none"
	}
}

// Detect compares the canonical story-side and task-side values of a pair
// against the last-synchronized snapshot and classifies every registered
// field. It is pure, has no side effects, and is total over the field
// registry: well-formed inputs never fail.
//
// A field where both sides moved to the same effective value is ChangeNone;
// there is nothing to resolve when the sides already agree.
func Detect(story, task, snap schema.Values) map[schema.Field]ChangeSide {
	out := make(map[schema.Field]ChangeSide, len(schema.AllFields))
	for _, f := range schema.AllFields {
		spec := schema.Spec(f)
		storyChanged := !spec.Equal(story, snap)
		taskChanged := !spec.Equal(task, snap)
		switch {
		case storyChanged && taskChanged && !spec.Equal(story, task):
			out[f] = ChangeBoth
		case storyChanged && taskChanged:
			out[f] = ChangeNone
		case storyChanged:
			out[f] = ChangeStory
		case taskChanged:
			out[f] = ChangeTask
		default:
			out[f] = ChangeNone
		}
	}
	return out
}
