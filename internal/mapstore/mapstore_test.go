package mapstore

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/clubwarrior/clubwarrior/internal/schema"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return s
}

func testRecord(storyID int64, uuid string) *schema.SyncRecord {
	due := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	return &schema.SyncRecord{
		StoryID:  storyID,
		TaskUUID: uuid,
		Snapshot: schema.Values{
			Description: "Snapshot description",
			Project:     "platform",
			Tags:        []string{"api", "backend"},
			Priority:    schema.PriorityHigh,
			Due:         &due,
			DependsOn:   []int64{7, 9},
			State:       schema.StateActive,
		},
		LastSync: time.Date(2026, 10, 2, 12, 0, 0, 0, time.UTC),
	}
}

func TestCreateAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	want := testRecord(1, "task-a")

	if err := s.Create(ctx, want); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.Get(ctx, 1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("Get returned nil")
	}
	if got.TaskUUID != "task-a" || got.Snapshot.Description != "Snapshot description" {
		t.Errorf("got %+v", got)
	}
	if !reflect.DeepEqual(got.Snapshot.Tags, want.Snapshot.Tags) {
		t.Errorf("tags = %v", got.Snapshot.Tags)
	}
	if !reflect.DeepEqual(got.Snapshot.DependsOn, want.Snapshot.DependsOn) {
		t.Errorf("deps = %v", got.Snapshot.DependsOn)
	}
	if got.Snapshot.State != schema.StateActive {
		t.Errorf("state = %v", got.Snapshot.State)
	}
	if got.Snapshot.Due == nil || !got.Snapshot.Due.Equal(*want.Snapshot.Due) {
		t.Errorf("due = %v", got.Snapshot.Due)
	}
	if !got.LastSync.Equal(want.LastSync) {
		t.Errorf("last sync = %v", got.LastSync)
	}
}

func TestGetUnmapped(t *testing.T) {
	s := openTestStore(t)
	got, err := s.Get(context.Background(), 42)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Errorf("Get(42) = %+v, want nil", got)
	}
}

func TestCreateEnforcesOneToOne(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, testRecord(1, "task-a")); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		rec  *schema.SyncRecord
	}{
		{"duplicate story", testRecord(1, "task-b")},
		{"duplicate task", testRecord(2, "task-a")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.Create(ctx, tt.rec); !errors.Is(err, ErrDuplicateMapping) {
				t.Errorf("Create = %v, want ErrDuplicateMapping", err)
			}
		})
	}
}

func TestCommitReplacesWholeRecord(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, testRecord(1, "task-a")); err != nil {
		t.Fatal(err)
	}

	updated := &schema.SyncRecord{
		StoryID:  1,
		TaskUUID: "task-a",
		Snapshot: schema.Values{
			Description: "New description",
			State:       schema.StateCompleted,
		},
		LastSync: time.Now().UTC().Truncate(time.Second),
	}
	if err := s.Commit(ctx, updated); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, err := s.Get(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got.Snapshot.Description != "New description" || got.Snapshot.State != schema.StateCompleted {
		t.Errorf("got %+v", got.Snapshot)
	}
	// Replacement is whole-record: old fields are gone, not merged.
	if len(got.Snapshot.Tags) != 0 || got.Snapshot.Due != nil || len(got.Snapshot.DependsOn) != 0 {
		t.Errorf("stale fields survived: %+v", got.Snapshot)
	}
}

func TestLookups(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.Create(ctx, testRecord(5, "task-e")); err != nil {
		t.Fatal(err)
	}

	uuid, ok, err := s.TaskUUID(ctx, 5)
	if err != nil || !ok || uuid != "task-e" {
		t.Errorf("TaskUUID(5) = %q, %v, %v", uuid, ok, err)
	}
	if _, ok, _ := s.TaskUUID(ctx, 6); ok {
		t.Error("TaskUUID(6) should be unmapped")
	}

	id, ok, err := s.StoryID(ctx, "task-e")
	if err != nil || !ok || id != 5 {
		t.Errorf("StoryID(task-e) = %d, %v, %v", id, ok, err)
	}
	if _, ok, _ := s.StoryID(ctx, "task-x"); ok {
		t.Error("StoryID(task-x) should be unmapped")
	}
}

func TestAllSortedByStory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for _, id := range []int64{3, 1, 2} {
		rec := testRecord(id, "task-"+string(rune('a'+id)))
		if err := s.Create(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.All(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("All = %d records", len(all))
	}
	for i, want := range []int64{1, 2, 3} {
		if all[i].StoryID != want {
			t.Errorf("All[%d].StoryID = %d, want %d", i, all[i].StoryID, want)
		}
	}
}

func TestDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.Create(ctx, testRecord(1, "task-a")); err != nil {
		t.Fatal(err)
	}
	if err := s.AddPendingLink(ctx, &schema.PendingLink{StoryID: 1, DependsOnID: 9, FirstSeen: time.Now()}); err != nil {
		t.Fatal(err)
	}

	if err := s.Delete(ctx, 1); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, err := s.Get(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("record survived delete")
	}
	links, err := s.PendingLinks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(links) != 0 {
		t.Errorf("pending links survived delete: %v", links)
	}
}

func TestPendingLinks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	first := time.Date(2026, 10, 3, 8, 0, 0, 0, time.UTC)

	link := &schema.PendingLink{StoryID: 1, DependsOnID: 99, FirstSeen: first}
	if err := s.AddPendingLink(ctx, link); err != nil {
		t.Fatal(err)
	}
	// Re-adding bumps attempts, keeps first_seen.
	if err := s.AddPendingLink(ctx, link); err != nil {
		t.Fatal(err)
	}

	links, err := s.PendingLinks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(links) != 1 {
		t.Fatalf("PendingLinks = %d", len(links))
	}
	if links[0].Attempts != 2 {
		t.Errorf("attempts = %d, want 2", links[0].Attempts)
	}
	if !links[0].FirstSeen.Equal(first) {
		t.Errorf("first seen = %v, want %v", links[0].FirstSeen, first)
	}

	if err := s.RemovePendingLink(ctx, 1, 99); err != nil {
		t.Fatal(err)
	}
	links, err = s.PendingLinks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(links) != 0 {
		t.Errorf("links after removal = %v", links)
	}
}

func TestReopenKeepsRecords(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sync.db")

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Create(context.Background(), testRecord(1, "task-a")); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, err := s.Get(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.TaskUUID != "task-a" {
		t.Errorf("got %+v", got)
	}
}
