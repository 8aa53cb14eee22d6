package mapstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/clubwarrior/clubwarrior/internal/schema"
)

// legacyStory is one entry of the original JSON state file: an array of
// story objects annotated with the UUID of their local task.
type legacyStory struct {
	ID       int64    `json:"id"`
	Name     string   `json:"name"`
	Project  string   `json:"project"`
	Tags     []string `json:"tags"`
	Deadline *string  `json:"deadline"`
	TaskUUID string   `json:"task_uuid"`
}

// ImportLegacyState seeds the store from a legacy JSON state file.
// Entries without a task UUID never completed their first pairing and are
// skipped; duplicates of existing records are skipped and counted.
func (s *Store) ImportLegacyState(ctx context.Context, path string) (imported, skipped int, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, fmt.Errorf("reading legacy state: %w", err)
	}
	var stories []legacyStory
	if err := json.Unmarshal(data, &stories); err != nil {
		return 0, 0, fmt.Errorf("parsing legacy state: %w", err)
	}

	now := time.Now().UTC()
	for _, ls := range stories {
		if ls.ID == 0 || ls.TaskUUID == "" {
			skipped++
			continue
		}
		rec := &schema.SyncRecord{
			StoryID:  ls.ID,
			TaskUUID: ls.TaskUUID,
			Snapshot: schema.Values{
				Description: ls.Name,
				Project:     ls.Project,
				Tags:        ls.Tags,
			},
			LastSync: now,
		}
		if ls.Deadline != nil {
			if t, err := time.Parse("2006-01-02T15:04:05Z", *ls.Deadline); err == nil {
				rec.Snapshot.Due = &t
			}
		}
		if err := s.Create(ctx, rec); err != nil {
			skipped++
			continue
		}
		imported++
	}
	return imported, skipped, nil
}
