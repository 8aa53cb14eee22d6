package schema

import "sort"

// priorityRank orders task priorities for the label tie-break.
// Lower rank wins.
var priorityRank = map[string]int{
	PriorityHigh:   0,
	PriorityMedium: 1,
	PriorityLow:    2,
}

// Rules maps remote labels to local task priorities and lists tags that
// must never leave the local store. A Rules value is immutable after
// construction, so the transforms built on it stay pure.
type Rules struct {
	labelPriority map[string]string // label name -> H/M/L
	ignoreTags    map[string]bool
}

// NewRules builds a rule table from a label->priority map and a list of
// local-only tags. Labels mapping to unknown priorities are dropped.
func NewRules(priorities map[string]string, ignoreTags []string) *Rules {
	r := &Rules{
		labelPriority: make(map[string]string, len(priorities)),
		ignoreTags:    make(map[string]bool, len(ignoreTags)),
	}
	for label, p := range priorities {
		if _, ok := priorityRank[p]; ok {
			r.labelPriority[label] = p
		}
	}
	for _, tag := range ignoreTags {
		r.ignoreTags[tag] = true
	}
	return r
}

// DefaultRules returns the conventional High/Medium/Low label mapping.
func DefaultRules() *Rules {
	return NewRules(map[string]string{
		"High":   PriorityHigh,
		"Medium": PriorityMedium,
		"Low":    PriorityLow,
	}, nil)
}

// IsPriorityLabel reports whether the label encodes a task priority.
func (r *Rules) IsPriorityLabel(label string) bool {
	_, ok := r.labelPriority[label]
	return ok
}

// IsIgnoredTag reports whether the tag is local-only and excluded from sync.
func (r *Rules) IsIgnoredTag(tag string) bool {
	return r.ignoreTags[tag]
}

// PriorityFor derives a task priority from a label set. The mapping is
// lossy: when several labels map to different priorities, the highest
// priority wins; among labels mapping to that same priority, the
// lexically smallest label name is the winner. The result is independent
// of input order.
func (r *Rules) PriorityFor(labels []string) (priority, winningLabel string) {
	for _, label := range labels {
		p, ok := r.labelPriority[label]
		if !ok {
			continue
		}
		switch {
		case priority == "":
			priority, winningLabel = p, label
		case priorityRank[p] < priorityRank[priority]:
			priority, winningLabel = p, label
		case priorityRank[p] == priorityRank[priority] && label < winningLabel:
			winningLabel = label
		}
	}
	return priority, winningLabel
}

// LabelFor returns the label to attach for a task priority, choosing the
// lexically smallest label among those mapping to it so the reverse
// transform is deterministic. Returns "" for no priority or when no label
// maps to it.
func (r *Rules) LabelFor(priority string) string {
	if priority == "" {
		return ""
	}
	candidates := make([]string, 0, 2)
	for label, p := range r.labelPriority {
		if p == priority {
			candidates = append(candidates, label)
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.Strings(candidates)
	return candidates[0]
}
