package schema

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// State is the composite workflow state shared by both sides:
// story started/completed maps onto task active/completed.
type State int

const (
	StatePending State = iota
	StateActive
	StateCompleted
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCompleted:
		return "completed"
	default:
		return "pending"
	}
}

// ParseState is the inverse of State.String. Unknown names parse as
// pending so persisted snapshots stay readable across versions.
func ParseState(s string) State {
	switch s {
	case "active":
		return StateActive
	case "completed":
		return StateCompleted
	default:
		return StatePending
	}
}

// Field identifies one synchronized field. The set is fixed; every engine
// operation (detect, resolve, apply, snapshot) is total over it.
type Field int

const (
	FieldName     Field = iota // story name <-> task description
	FieldProject               // project reference
	FieldLabels                // story labels <-> task tags + priority
	FieldDeadline              // story deadline <-> task due date
	FieldDeps                  // dependency set, in story-ID space
	FieldState                 // started/completed <-> active/completed
)

// AllFields lists every synchronized field in registry order.
var AllFields = []Field{FieldName, FieldProject, FieldLabels, FieldDeadline, FieldDeps, FieldState}

// String returns the field's registry name.
func (f Field) String() string {
	switch f {
	case FieldName:
		return "name"
	case FieldProject:
		return "project"
	case FieldLabels:
		return "labels"
	case FieldDeadline:
		return "deadline"
	case FieldDeps:
		return "deps"
	case FieldState:
		return "state"
	default:
		return fmt.Sprintf("field(%d)", int(f))
	}
}

// ParseField is the inverse of Field.String.
func ParseField(s string) (Field, error) {
	for _, f := range AllFields {
		if f.String() == s {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown field %q", s)
}

// Values is the canonical representation of every synchronized field,
// expressed in task-side terms. Both sides transform into this shape, so
// change detection is a typed comparison rather than an untyped diff.
// Tags are sorted and deduplicated; DependsOn is a sorted set of story
// IDs (the stable ID space shared through the mapping store).
type Values struct {
	Description string     `json:"description"`
	Project     string     `json:"project"`
	Tags        []string   `json:"tags,omitempty"`
	Priority    string     `json:"priority,omitempty"`
	Due         *time.Time `json:"due,omitempty"`
	DependsOn   []int64    `json:"depends_on,omitempty"`
	State       State      `json:"state"`
}

// StoryValues applies the forward transform: story fields to canonical
// task-side values. Priority labels are consumed by the label->priority
// rule table and removed from the tag set.
func StoryValues(s *Story, rules *Rules) Values {
	tags := make([]string, 0, len(s.Labels))
	for _, label := range s.Labels {
		if rules.IsPriorityLabel(label) || rules.IsIgnoredTag(label) {
			continue
		}
		tags = append(tags, label)
	}
	priority, _ := rules.PriorityFor(s.Labels)
	return Values{
		Description: s.Name,
		Project:     s.Project,
		Tags:        canonTags(tags),
		Priority:    priority,
		Due:         s.Deadline,
		DependsOn:   canonIDs(s.BlockedBy),
		State:       s.State(),
	}
}

// TaskValues applies the backward transform into the same canonical shape.
// dependsOn must already be translated from task UUIDs into story IDs by
// the caller (the transform itself stays pure). Ignored tags are local
// only and excluded.
func TaskValues(t *Task, dependsOn []int64, rules *Rules) Values {
	tags := make([]string, 0, len(t.Tags))
	for _, tag := range t.Tags {
		if rules.IsIgnoredTag(tag) || rules.IsPriorityLabel(tag) {
			continue
		}
		tags = append(tags, tag)
	}
	return Values{
		Description: t.Description,
		Project:     t.Project,
		Tags:        canonTags(tags),
		Priority:    t.Priority,
		Due:         t.Due,
		DependsOn:   canonIDs(dependsOn),
		State:       t.State(),
	}
}

// StoryLabels applies the reverse of the label transform: canonical tags
// plus the priority's label, ready to push to the remote side.
func StoryLabels(v Values, rules *Rules) []string {
	labels := append([]string(nil), v.Tags...)
	if l := rules.LabelFor(v.Priority); l != "" {
		labels = append(labels, l)
	}
	return canonTags(labels)
}

// FieldSpec describes one synchronized field: how to compare it in
// canonical form, how to render it for the audit trail, and whether a
// two-sided change on it is resolved as a conflict.
type FieldSpec struct {
	Field            Field
	ConflictEligible bool
	Equal            func(a, b Values) bool
	Format           func(v Values) string
}

var fieldSpecs = map[Field]FieldSpec{
	FieldName: {
		Field:            FieldName,
		ConflictEligible: true,
		Equal:            func(a, b Values) bool { return a.Description == b.Description },
		Format:           func(v Values) string { return v.Description },
	},
	FieldProject: {
		Field:            FieldProject,
		ConflictEligible: true,
		Equal:            func(a, b Values) bool { return a.Project == b.Project },
		Format:           func(v Values) string { return v.Project },
	},
	FieldLabels: {
		Field:            FieldLabels,
		ConflictEligible: true,
		Equal: func(a, b Values) bool {
			return a.Priority == b.Priority && equalStrings(a.Tags, b.Tags)
		},
		Format: func(v Values) string {
			if v.Priority == "" {
				return strings.Join(v.Tags, ",")
			}
			return strings.Join(v.Tags, ",") + " pri:" + v.Priority
		},
	},
	FieldDeadline: {
		Field:            FieldDeadline,
		ConflictEligible: true,
		Equal:            func(a, b Values) bool { return equalTimes(a.Due, b.Due) },
		Format: func(v Values) string {
			if v.Due == nil {
				return "none"
			}
			return v.Due.UTC().Format(time.RFC3339)
		},
	},
	FieldDeps: {
		Field:            FieldDeps,
		ConflictEligible: true,
		Equal:            func(a, b Values) bool { return equalIDs(a.DependsOn, b.DependsOn) },
		Format: func(v Values) string {
			parts := make([]string, len(v.DependsOn))
			for i, id := range v.DependsOn {
				parts[i] = fmt.Sprintf("%d", id)
			}
			return strings.Join(parts, ",")
		},
	},
	FieldState: {
		Field:            FieldState,
		ConflictEligible: true,
		Equal:            func(a, b Values) bool { return a.State == b.State },
		Format:           func(v Values) string { return v.State.String() },
	},
}

// Spec returns the registry entry for a field.
func Spec(f Field) FieldSpec {
	return fieldSpecs[f]
}

// Take copies field f of src into dst, leaving other fields untouched.
func Take(dst *Values, src Values, f Field) {
	switch f {
	case FieldName:
		dst.Description = src.Description
	case FieldProject:
		dst.Project = src.Project
	case FieldLabels:
		dst.Tags = append([]string(nil), src.Tags...)
		dst.Priority = src.Priority
	case FieldDeadline:
		dst.Due = src.Due
	case FieldDeps:
		dst.DependsOn = append([]int64(nil), src.DependsOn...)
	case FieldState:
		dst.State = src.State
	}
}

func canonTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func canonIDs(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id == 0 || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalTimes(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
