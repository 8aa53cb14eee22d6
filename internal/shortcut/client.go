package shortcut

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/clubwarrior/clubwarrior/internal/schema"
)

// deadlineFormat is the timestamp layout the story API uses for deadlines.
const deadlineFormat = "2006-01-02T15:04:05Z"

// NewClient creates a Shortcut client.
func NewClient(cfg Config) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	return &Client{
		cfg:        cfg,
		HTTPClient: &http.Client{Timeout: DefaultTimeout},
	}
}

// Validate checks that the client can reach the API with its token.
func (c *Client) Validate(ctx context.Context) error {
	if c.cfg.Token == "" {
		return fmt.Errorf("shortcut token is required")
	}
	if c.cfg.Owner == "" {
		return fmt.Errorf("shortcut owner is required")
	}
	_, err := c.ensureStates(ctx)
	return err
}

// ListOwnedStories returns every unarchived story owned by the configured
// user, including stories in post-development states (those surface as
// completed so their tasks can follow).
func (c *Client) ListOwnedStories(ctx context.Context) ([]*schema.Story, error) {
	cache, err := c.ensureStates(ctx)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("owner:%s", c.cfg.Owner)
	var stories []*schema.Story
	next := ""
	for {
		params := url.Values{}
		params.Set("query", query)
		params.Set("page_size", strconv.Itoa(MaxPageSize))
		path := "/search/stories?" + params.Encode()
		if next != "" {
			path = next
		}

		var page searchResults
		if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
			return nil, fmt.Errorf("searching stories: %w", err)
		}
		for _, slim := range page.Data {
			if slim.Archived {
				continue
			}
			story, err := c.getStory(ctx, slim.ID, cache)
			if err != nil {
				return nil, err
			}
			if story != nil {
				stories = append(stories, story)
			}
		}
		if page.Next == nil || *page.Next == "" {
			break
		}
		next = c.trimEndpointPath(*page.Next)
	}
	return stories, nil
}

// trimEndpointPath strips the endpoint's base path from a search cursor.
// The API returns cursors as full request paths including /api/v3, which
// would double the prefix when joined with the endpoint again.
func (c *Client) trimEndpointPath(p string) string {
	u, err := url.Parse(c.cfg.Endpoint)
	if err != nil || u.Path == "" {
		return p
	}
	if rest, ok := strings.CutPrefix(p, u.Path); ok {
		return rest
	}
	return p
}

func (c *Client) getStory(ctx context.Context, id int64, cache *stateCache) (*schema.Story, error) {
	var raw apiStory
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/stories/%d", id), nil, &raw); err != nil {
		return nil, fmt.Errorf("fetching story %d: %w", id, err)
	}
	if raw.Archived {
		return nil, nil
	}
	return c.toStory(&raw, cache), nil
}

// CreateStory creates a story and returns it with its assigned ID.
func (c *Client) CreateStory(ctx context.Context, story *schema.Story) (*schema.Story, error) {
	cache, err := c.ensureStates(ctx)
	if err != nil {
		return nil, err
	}

	params := createStoryParams{
		Name:        story.Name,
		Description: "",
	}
	for _, l := range story.Labels {
		params.Labels = append(params.Labels, apiLabel{Name: l})
	}
	if story.Deadline != nil {
		d := story.Deadline.UTC().Format(deadlineFormat)
		params.Deadline = &d
	}
	if id, ok := cache.projects[story.Project]; ok {
		params.ProjectID = &id
	}
	if stateID, ok := c.stateForStory(story, cache); ok {
		params.WorkflowStateID = stateID
	}

	var raw apiStory
	if err := c.do(ctx, http.MethodPost, "/stories", params, &raw); err != nil {
		return nil, fmt.Errorf("creating story: %w", err)
	}
	return c.toStory(&raw, cache), nil
}

// UpdateStory applies a partial update to a story.
func (c *Client) UpdateStory(ctx context.Context, id int64, upd schema.StoryUpdate) error {
	if upd.Empty() {
		return nil
	}
	cache, err := c.ensureStates(ctx)
	if err != nil {
		return err
	}

	body := make(map[string]interface{})
	if upd.Name != nil {
		body["name"] = *upd.Name
	}
	if upd.Project != nil {
		pid, ok := cache.projects[*upd.Project]
		if !ok {
			return fmt.Errorf("project %q does not exist in shortcut", *upd.Project)
		}
		body["project_id"] = pid
	}
	if upd.Labels != nil {
		labels := make([]apiLabel, 0, len(upd.Labels))
		for _, l := range upd.Labels {
			labels = append(labels, apiLabel{Name: l})
		}
		body["labels"] = labels
	}
	if upd.DeadlineSet {
		if upd.Deadline == nil {
			body["deadline"] = nil
		} else {
			body["deadline"] = upd.Deadline.UTC().Format(deadlineFormat)
		}
	}
	if upd.Started != nil || upd.Completed != nil {
		story := &schema.Story{}
		if upd.Started != nil {
			story.Started = *upd.Started
		}
		if upd.Completed != nil {
			story.Completed = *upd.Completed
		}
		if stateID, ok := c.stateForStory(story, cache); ok {
			body["workflow_state_id"] = stateID
		}
	}

	if err := c.do(ctx, http.MethodPut, fmt.Sprintf("/stories/%d", id), body, nil); err != nil {
		return fmt.Errorf("updating story %d: %w", id, err)
	}
	return nil
}

// SetBlockedBy replaces the story's blocked-by edges, creating missing
// links and deleting stale ones.
func (c *Client) SetBlockedBy(ctx context.Context, id int64, blockedBy []int64) error {
	var raw apiStory
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/stories/%d", id), nil, &raw); err != nil {
		return fmt.Errorf("fetching story %d links: %w", id, err)
	}

	want := make(map[int64]bool, len(blockedBy))
	for _, b := range blockedBy {
		want[b] = true
	}
	have := make(map[int64]int64) // blocker story ID -> link ID
	for _, link := range raw.StoryLinks {
		if link.Verb == "blocks" && link.ObjectID == id {
			have[link.SubjectID] = link.ID
		}
	}

	for blocker := range want {
		if _, ok := have[blocker]; ok {
			continue
		}
		params := createLinkParams{Verb: "blocks", SubjectID: blocker, ObjectID: id}
		if err := c.do(ctx, http.MethodPost, "/story-links", params, nil); err != nil {
			return fmt.Errorf("creating story link %d blocks %d: %w", blocker, id, err)
		}
	}
	for blocker, linkID := range have {
		if want[blocker] {
			continue
		}
		if err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/story-links/%d", linkID), nil, nil); err != nil {
			return fmt.Errorf("deleting story link %d: %w", linkID, err)
		}
	}
	return nil
}

// toStory converts a wire story into the engine's model. Post-development
// workflow states map to completed.
func (c *Client) toStory(raw *apiStory, cache *stateCache) *schema.Story {
	story := &schema.Story{
		ID:        raw.ID,
		Name:      raw.Name,
		Started:   raw.Started,
		Completed: raw.Completed,
	}
	if raw.ProjectID != nil {
		story.Project = cache.projNames[*raw.ProjectID]
	}
	for _, l := range raw.Labels {
		story.Labels = append(story.Labels, l.Name)
	}
	for _, link := range raw.StoryLinks {
		if link.Verb == "blocks" && link.ObjectID == raw.ID {
			story.BlockedBy = append(story.BlockedBy, link.SubjectID)
		}
	}
	if raw.Deadline != nil {
		if t, err := time.Parse(deadlineFormat, *raw.Deadline); err == nil {
			story.Deadline = &t
		}
	}
	if t, err := time.Parse(time.RFC3339, raw.UpdatedAt); err == nil {
		story.UpdatedAt = t
	}
	if state, ok := cache.byID[raw.WorkflowStateID]; ok {
		for _, postdev := range c.cfg.PostDevStates {
			if state.Name == postdev {
				story.Completed = true
			}
		}
		if state.Name == c.cfg.DevState {
			story.Started = true
		}
	}
	return story
}

// stateForStory resolves the workflow state a story's composite state
// should land in: the configured dev state for started, the configured
// done state for completed, otherwise the first unstarted state.
func (c *Client) stateForStory(story *schema.Story, cache *stateCache) (int64, bool) {
	var name string
	switch story.State() {
	case schema.StateActive:
		name = c.cfg.DevState
	case schema.StateCompleted:
		name = c.cfg.DoneState
	}
	if name != "" {
		if id, ok := cache.byName[name]; ok {
			return id, true
		}
	}
	for id, state := range cache.byID {
		if state.Type == "unstarted" {
			return id, true
		}
	}
	return 0, false
}

// ensureStates loads and caches workflow states and projects. The first
// caller fetches; concurrent callers wait and share the cache.
func (c *Client) ensureStates(ctx context.Context) (*stateCache, error) {
	c.statesMu.Lock()
	defer c.statesMu.Unlock()
	if c.states != nil {
		return c.states, nil
	}
	var workflows []apiWorkflow
	if err := c.do(ctx, http.MethodGet, "/workflows", nil, &workflows); err != nil {
		return nil, fmt.Errorf("fetching workflows: %w", err)
	}
	var projects []apiProject
	if err := c.do(ctx, http.MethodGet, "/projects", nil, &projects); err != nil {
		return nil, fmt.Errorf("fetching projects: %w", err)
	}

	cache := &stateCache{
		byID:      make(map[int64]apiWorkflowState),
		byName:    make(map[string]int64),
		projects:  make(map[string]int64),
		projNames: make(map[int64]string),
	}
	for _, wf := range workflows {
		for _, state := range wf.States {
			cache.byID[state.ID] = state
			if _, ok := cache.byName[state.Name]; !ok {
				cache.byName[state.Name] = state.ID
			}
		}
	}
	for _, p := range projects {
		cache.projects[p.Name] = p.ID
		cache.projNames[p.ID] = p.Name
	}
	c.states = cache
	return cache, nil
}

// do performs one API request with retry and exponential backoff on rate
// limits and server errors. Exhausted retries surface as the last error;
// the engine downgrades them to a failed item.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if attempt > 0 {
			delay := RetryDelay * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, c.cfg.Endpoint+path, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("building request: %w", err)
		}
		req.Header.Set("Shortcut-Token", c.cfg.Token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		data, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			lastErr = fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
			continue
		case resp.StatusCode >= 400:
			return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, truncate(data))
		}
		if readErr != nil {
			lastErr = fmt.Errorf("reading response: %w", readErr)
			continue
		}
		if out != nil && len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("decoding %s %s response: %w", method, path, err)
			}
		}
		return nil
	}
	return fmt.Errorf("retries exhausted: %w", lastErr)
}

func truncate(data []byte) string {
	const max = 200
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}
