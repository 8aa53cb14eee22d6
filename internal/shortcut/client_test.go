package shortcut

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/clubwarrior/clubwarrior/internal/schema"
)

// testAPI is a minimal in-memory Shortcut API. Handlers not covered by
// its fixtures return 404 so a wrong request path fails loudly.
type testAPI struct {
	mu      sync.Mutex
	stories map[int64]apiStory
	puts    map[int64]map[string]interface{}
	links   []createLinkParams
	deleted []int64
	calls   map[string]int
}

func newTestAPI() *testAPI {
	return &testAPI{
		stories: make(map[int64]apiStory),
		puts:    make(map[int64]map[string]interface{}),
		calls:   make(map[string]int),
	}
}

func (a *testAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls[r.Method+" "+r.URL.Path]++

	switch {
	case r.URL.Path == "/workflows":
		writeJSON(w, []apiWorkflow{{ID: 1, States: []apiWorkflowState{
			{ID: 100, Name: "Backlog", Type: "unstarted"},
			{ID: 101, Name: "In Development", Type: "started"},
			{ID: 102, Name: "Ready for Review", Type: "started"},
			{ID: 103, Name: "Completed", Type: "done"},
		}}})
	case r.URL.Path == "/projects":
		writeJSON(w, []apiProject{{ID: 7, Name: "platform"}})
	case r.URL.Path == "/search/stories":
		a.serveSearch(w, r)
	case strings.HasPrefix(r.URL.Path, "/stories/") && r.Method == http.MethodGet:
		id := storyID(r.URL.Path)
		story, ok := a.stories[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, story)
	case strings.HasPrefix(r.URL.Path, "/stories/") && r.Method == http.MethodPut:
		id := storyID(r.URL.Path)
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		a.puts[id] = body
		writeJSON(w, a.stories[id])
	case r.URL.Path == "/stories" && r.Method == http.MethodPost:
		var params createStoryParams
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		created := apiStory{
			ID:              999,
			Name:            params.Name,
			WorkflowStateID: params.WorkflowStateID,
			ProjectID:       params.ProjectID,
			Labels:          params.Labels,
			Deadline:        params.Deadline,
			UpdatedAt:       "2026-08-01T10:00:00Z",
		}
		a.stories[created.ID] = created
		writeJSON(w, created)
	case r.URL.Path == "/story-links" && r.Method == http.MethodPost:
		var params createLinkParams
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		a.links = append(a.links, params)
		writeJSON(w, map[string]int64{"id": 1000})
	case strings.HasPrefix(r.URL.Path, "/story-links/") && r.Method == http.MethodDelete:
		a.deleted = append(a.deleted, storyID(r.URL.Path))
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

func (a *testAPI) serveSearch(w http.ResponseWriter, r *http.Request) {
	ids := make([]int64, 0, len(a.stories))
	for id := range a.stories {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	// Pages of one story each so pagination is exercised.
	page := 0
	if p := r.URL.Query().Get("page"); p != "" {
		fmt.Sscanf(p, "%d", &page)
	}
	results := searchResults{}
	if page < len(ids) {
		story := a.stories[ids[page]]
		results.Data = []apiStorySlim{{ID: story.ID, Archived: story.Archived}}
	}
	if page+1 < len(ids) {
		// Cursors come back as full request paths, base path included.
		next := fmt.Sprintf("/api/v3/search/stories?page=%d", page+1)
		results.Next = &next
	}
	writeJSON(w, results)
}

func storyID(path string) int64 {
	var id int64
	fmt.Sscanf(path[strings.LastIndex(path, "/")+1:], "%d", &id)
	return id
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(http.StripPrefix("/api/v3", handler))
	t.Cleanup(srv.Close)
	return NewClient(Config{
		Token:         "test-token",
		Owner:         "testuser",
		Endpoint:      srv.URL + "/api/v3",
		DevState:      "In Development",
		DoneState:     "Completed",
		PostDevStates: []string{"Ready for Review", "Ready for Deploy"},
	})
}

func TestListOwnedStories(t *testing.T) {
	api := newTestAPI()
	proj := int64(7)
	deadline := "2026-09-15T00:00:00Z"
	api.stories[1] = apiStory{
		ID:              1,
		Name:            "Ship the parser",
		WorkflowStateID: 101,
		ProjectID:       &proj,
		Labels:          []apiLabel{{ID: 1, Name: "api"}, {ID: 2, Name: "High"}},
		StoryLinks: []apiLink{
			{ID: 50, Verb: "blocks", SubjectID: 3, ObjectID: 1},
			{ID: 51, Verb: "blocks", SubjectID: 1, ObjectID: 9},
			{ID: 52, Verb: "relates to", SubjectID: 4, ObjectID: 1},
		},
		Deadline:  &deadline,
		UpdatedAt: "2026-08-20T14:30:00Z",
	}
	api.stories[2] = apiStory{ID: 2, Name: "Old work", Archived: true, UpdatedAt: "2026-08-01T00:00:00Z"}
	api.stories[3] = apiStory{ID: 3, Name: "In review", WorkflowStateID: 102, UpdatedAt: "2026-08-21T09:00:00Z"}

	c := newTestClient(t, api)
	stories, err := c.ListOwnedStories(context.Background())
	if err != nil {
		t.Fatalf("ListOwnedStories: %v", err)
	}
	if len(stories) != 2 {
		t.Fatalf("got %d stories, want 2 (archived skipped)", len(stories))
	}

	first := stories[0]
	if first.ID != 1 || first.Name != "Ship the parser" || first.Project != "platform" {
		t.Errorf("story 1 = %+v", first)
	}
	if !first.Started || first.Completed {
		t.Errorf("story 1 state = started %v completed %v", first.Started, first.Completed)
	}
	if !reflect.DeepEqual(first.Labels, []string{"api", "High"}) {
		t.Errorf("labels = %v", first.Labels)
	}
	// Only the links where this story is the blocked object count.
	if !reflect.DeepEqual(first.BlockedBy, []int64{3}) {
		t.Errorf("blocked by = %v", first.BlockedBy)
	}
	if first.Deadline == nil || !first.Deadline.Equal(time.Date(2026, 9, 15, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("deadline = %v", first.Deadline)
	}
	if first.UpdatedAt.IsZero() {
		t.Error("updated_at not parsed")
	}

	// Post-development workflow state surfaces as completed.
	if !stories[1].Completed {
		t.Errorf("story 3 in post-dev state should be completed: %+v", stories[1])
	}
}

func TestListOwnedStoriesFollowsCursorPaths(t *testing.T) {
	api := newTestAPI()
	for id := int64(1); id <= 3; id++ {
		api.stories[id] = apiStory{ID: id, Name: fmt.Sprintf("Story %d", id), UpdatedAt: "2026-08-01T00:00:00Z"}
	}

	c := newTestClient(t, api)
	stories, err := c.ListOwnedStories(context.Background())
	if err != nil {
		t.Fatalf("ListOwnedStories: %v", err)
	}
	if len(stories) != 3 {
		t.Fatalf("got %d stories, want 3 across pages", len(stories))
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if n := api.calls["GET /search/stories"]; n != 3 {
		t.Errorf("search requests = %d, want 3 (one per page)", n)
	}
}

func TestStateCacheFetchedOnce(t *testing.T) {
	api := newTestAPI()
	c := newTestClient(t, api)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Validate(context.Background()); err != nil {
				t.Errorf("Validate: %v", err)
			}
		}()
	}
	wg.Wait()

	api.mu.Lock()
	defer api.mu.Unlock()
	if n := api.calls["GET /workflows"]; n != 1 {
		t.Errorf("workflows fetched %d times, want 1", n)
	}
}

func TestCreateStory(t *testing.T) {
	api := newTestAPI()
	c := newTestClient(t, api)
	deadline := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

	created, err := c.CreateStory(context.Background(), &schema.Story{
		Name:     "New story",
		Project:  "platform",
		Labels:   []string{"backend", "Medium"},
		Deadline: &deadline,
		Started:  true,
	})
	if err != nil {
		t.Fatalf("CreateStory: %v", err)
	}
	if created.ID == 0 {
		t.Fatal("created story has no ID")
	}
	if !reflect.DeepEqual(created.Labels, []string{"backend", "Medium"}) {
		t.Errorf("labels = %v", created.Labels)
	}

	stored := api.stories[created.ID]
	if stored.WorkflowStateID != 101 {
		t.Errorf("workflow state = %d, want dev state 101", stored.WorkflowStateID)
	}
	if stored.ProjectID == nil || *stored.ProjectID != 7 {
		t.Errorf("project id = %v", stored.ProjectID)
	}
	if stored.Deadline == nil || *stored.Deadline != "2026-10-01T00:00:00Z" {
		t.Errorf("deadline = %v", stored.Deadline)
	}
}

func TestUpdateStoryPayload(t *testing.T) {
	name := "Renamed"
	deadline := time.Date(2026, 11, 5, 0, 0, 0, 0, time.UTC)
	completed := true

	tests := []struct {
		name string
		upd  schema.StoryUpdate
		want map[string]interface{}
	}{
		{
			"name only leaves deadline untouched",
			schema.StoryUpdate{Name: &name},
			map[string]interface{}{"name": "Renamed"},
		},
		{
			"deadline cleared with explicit null",
			schema.StoryUpdate{DeadlineSet: true},
			map[string]interface{}{"deadline": nil},
		},
		{
			"deadline set",
			schema.StoryUpdate{DeadlineSet: true, Deadline: &deadline},
			map[string]interface{}{"deadline": "2026-11-05T00:00:00Z"},
		},
		{
			"completed moves to done state",
			schema.StoryUpdate{Completed: &completed},
			map[string]interface{}{"workflow_state_id": float64(103)},
		},
		{
			"labels replaced",
			schema.StoryUpdate{Labels: []string{"api"}},
			map[string]interface{}{
				"labels": []interface{}{map[string]interface{}{"id": float64(0), "name": "api"}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newTestAPI()
			api.stories[1] = apiStory{ID: 1, Name: "Original", UpdatedAt: "2026-08-01T00:00:00Z"}
			c := newTestClient(t, api)

			if err := c.UpdateStory(context.Background(), 1, tt.upd); err != nil {
				t.Fatalf("UpdateStory: %v", err)
			}
			if !reflect.DeepEqual(api.puts[1], tt.want) {
				t.Errorf("payload = %#v, want %#v", api.puts[1], tt.want)
			}
		})
	}
}

func TestUpdateStoryEmptySkipsRequest(t *testing.T) {
	api := newTestAPI()
	c := newTestClient(t, api)

	if err := c.UpdateStory(context.Background(), 1, schema.StoryUpdate{}); err != nil {
		t.Fatalf("UpdateStory: %v", err)
	}
	if n := api.calls["PUT /stories/1"]; n != 0 {
		t.Errorf("empty update issued %d PUT requests", n)
	}
}

func TestUpdateStoryUnknownProject(t *testing.T) {
	api := newTestAPI()
	api.stories[1] = apiStory{ID: 1, UpdatedAt: "2026-08-01T00:00:00Z"}
	c := newTestClient(t, api)

	proj := "no-such-project"
	err := c.UpdateStory(context.Background(), 1, schema.StoryUpdate{Project: &proj})
	if err == nil {
		t.Fatal("update with unknown project should fail")
	}
}

func TestSetBlockedBy(t *testing.T) {
	api := newTestAPI()
	api.stories[1] = apiStory{
		ID: 1,
		StoryLinks: []apiLink{
			{ID: 60, Verb: "blocks", SubjectID: 2, ObjectID: 1}, // keep
			{ID: 61, Verb: "blocks", SubjectID: 3, ObjectID: 1}, // stale
			{ID: 62, Verb: "blocks", SubjectID: 1, ObjectID: 9}, // other direction, untouched
		},
		UpdatedAt: "2026-08-01T00:00:00Z",
	}
	c := newTestClient(t, api)

	if err := c.SetBlockedBy(context.Background(), 1, []int64{2, 4}); err != nil {
		t.Fatalf("SetBlockedBy: %v", err)
	}

	if len(api.links) != 1 || api.links[0].SubjectID != 4 || api.links[0].ObjectID != 1 || api.links[0].Verb != "blocks" {
		t.Errorf("created links = %+v", api.links)
	}
	if !reflect.DeepEqual(api.deleted, []int64{61}) {
		t.Errorf("deleted links = %v", api.deleted)
	}
}

func TestDoRetriesOnRateLimit(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		writeJSON(w, []apiWorkflow{})
	}))
	t.Cleanup(srv.Close)

	c := NewClient(Config{Token: "t", Owner: "o", Endpoint: srv.URL})
	var out []apiWorkflow
	if err := c.do(context.Background(), http.MethodGet, "/workflows", nil, &out); err != nil {
		t.Fatalf("do: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestDoFailsFastOnClientError(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		http.Error(w, `{"message":"unprocessable"}`, http.StatusUnprocessableEntity)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(Config{Token: "t", Owner: "o", Endpoint: srv.URL})
	err := c.do(context.Background(), http.MethodGet, "/workflows", nil, nil)
	if err == nil {
		t.Fatal("4xx should fail")
	}
	mu.Lock()
	got := attempts
	mu.Unlock()
	if got != 1 {
		t.Errorf("attempts = %d, want 1 (no retry on client errors)", got)
	}
	if !strings.Contains(err.Error(), "unprocessable") {
		t.Errorf("error should carry the response body: %v", err)
	}
}

func TestValidateRequiresCredentials(t *testing.T) {
	if err := NewClient(Config{}).Validate(context.Background()); err == nil {
		t.Error("missing token should fail validation")
	}
	if err := NewClient(Config{Token: "t"}).Validate(context.Background()); err == nil {
		t.Error("missing owner should fail validation")
	}
}

func TestDoSendsToken(t *testing.T) {
	var mu sync.Mutex
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		got = r.Header.Get("Shortcut-Token")
		mu.Unlock()
		writeJSON(w, map[string]string{})
	}))
	t.Cleanup(srv.Close)

	c := NewClient(Config{Token: "secret", Owner: "o", Endpoint: srv.URL})
	if err := c.do(context.Background(), http.MethodGet, "/member", nil, nil); err != nil {
		t.Fatalf("do: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if got != "secret" {
		t.Errorf("token header = %q", got)
	}
}
