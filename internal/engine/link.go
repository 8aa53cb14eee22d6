package engine

import "github.com/clubwarrior/clubwarrior/internal/schema"

// Linker translates dependency edges between the two ID spaces using the
// cycle's bipartite correspondence table. The table is rebuilt from the
// mapping store (plus pairs created this cycle) at the start of every run;
// it never holds live object references.
//
// Translation is a single pass over the edge set. Cycles in the dependency
// graph pass through unchanged; the linker never walks the graph.
type Linker struct {
	taskByStory map[int64]string
	storyByTask map[string]int64
}

// NewLinker builds an empty correspondence table.
func NewLinker() *Linker {
	return &Linker{
		taskByStory: make(map[int64]string),
		storyByTask: make(map[string]int64),
	}
}

// Add registers one story/task pair.
func (l *Linker) Add(storyID int64, taskUUID string) {
	l.taskByStory[storyID] = taskUUID
	l.storyByTask[taskUUID] = storyID
}

// TaskUUID looks up the task counterpart of a story.
func (l *Linker) TaskUUID(storyID int64) (string, bool) {
	uuid, ok := l.taskByStory[storyID]
	return uuid, ok
}

// StoryID looks up the story counterpart of a task.
func (l *Linker) StoryID(taskUUID string) (int64, bool) {
	id, ok := l.storyByTask[taskUUID]
	return id, ok
}

// ToTaskDeps translates story dependency IDs into task UUIDs. IDs with no
// mapped counterpart are returned separately so the caller can defer them.
func (l *Linker) ToTaskDeps(storyIDs []int64) (mapped []string, unmapped []int64) {
	for _, id := range storyIDs {
		if uuid, ok := l.taskByStory[id]; ok {
			mapped = append(mapped, uuid)
		} else {
			unmapped = append(unmapped, id)
		}
	}
	return mapped, unmapped
}

// ToStoryDeps translates task dependency UUIDs into story IDs. UUIDs with
// no mapped counterpart are returned separately; they re-enter detection
// on a later cycle once their counterpart exists.
func (l *Linker) ToStoryDeps(taskUUIDs []string) (mapped []int64, unmapped []string) {
	for _, uuid := range taskUUIDs {
		if id, ok := l.storyByTask[uuid]; ok {
			mapped = append(mapped, id)
		} else {
			unmapped = append(unmapped, uuid)
		}
	}
	return mapped, unmapped
}

// Load seeds the table from existing sync records.
func (l *Linker) Load(records []*schema.SyncRecord) {
	for _, rec := range records {
		l.Add(rec.StoryID, rec.TaskUUID)
	}
}
