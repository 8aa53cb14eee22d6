// Package shortcut provides the client for the Shortcut REST API, the
// remote story source. It implements the engine's StorySource contract;
// any backend exposing that contract is substitutable.
package shortcut

import (
	"net/http"
	"sync"
	"time"
)

// API configuration constants.
const (
	// DefaultEndpoint is the Shortcut REST API endpoint.
	DefaultEndpoint = "https://api.app.shortcut.com/api/v3"

	// DefaultTimeout is the default HTTP request timeout.
	DefaultTimeout = 30 * time.Second

	// MaxRetries is the maximum number of retries for rate-limited or
	// transiently failing requests.
	MaxRetries = 5

	// RetryDelay is the base delay between retries (exponential backoff).
	RetryDelay = time.Second

	// MaxPageSize is the maximum number of stories fetched per page.
	MaxPageSize = 25
)

// Config holds client configuration.
type Config struct {
	Token    string
	Owner    string // mention name used for the owner search
	Endpoint string // defaults to DefaultEndpoint

	// DevState is the workflow state representing active development;
	// a story in it maps to an active task.
	DevState string
	// DoneState is the workflow state a completed task moves its story to.
	DoneState string
	// PostDevStates are workflow states past development; stories in them
	// map to completed tasks.
	PostDevStates []string
}

// Client talks to the Shortcut REST API. It is safe for concurrent use.
type Client struct {
	cfg        Config
	HTTPClient *http.Client

	statesMu sync.Mutex
	states   *stateCache
}

// apiStory is the wire representation of a story.
type apiStory struct {
	ID              int64      `json:"id"`
	Name            string     `json:"name"`
	Description     string     `json:"description"`
	WorkflowStateID int64      `json:"workflow_state_id"`
	ProjectID       *int64     `json:"project_id"`
	Labels          []apiLabel `json:"labels"`
	StoryLinks      []apiLink  `json:"story_links"`
	Deadline        *string    `json:"deadline"`
	Started         bool       `json:"started"`
	Completed       bool       `json:"completed"`
	Archived        bool       `json:"archived"`
	UpdatedAt       string     `json:"updated_at"`
}

type apiStorySlim struct {
	ID       int64 `json:"id"`
	Archived bool  `json:"archived"`
}

type apiLabel struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// apiLink is a story relationship. Verb is from the subject's
// perspective: subject "blocks" object.
type apiLink struct {
	ID        int64  `json:"id"`
	Verb      string `json:"verb"`
	SubjectID int64  `json:"subject_id"`
	ObjectID  int64  `json:"object_id"`
}

type apiProject struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type apiWorkflow struct {
	ID     int64              `json:"id"`
	States []apiWorkflowState `json:"states"`
}

type apiWorkflowState struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"` // backlog, unstarted, started, done
}

type searchResults struct {
	Data []apiStorySlim `json:"data"`
	Next *string        `json:"next"`
}

// createStoryParams is the create-story request body.
type createStoryParams struct {
	Name            string     `json:"name"`
	Description     string     `json:"description,omitempty"`
	WorkflowStateID int64      `json:"workflow_state_id,omitempty"`
	ProjectID       *int64     `json:"project_id,omitempty"`
	OwnerIDs        []string   `json:"owner_ids,omitempty"`
	Labels          []apiLabel `json:"labels,omitempty"`
	Deadline        *string    `json:"deadline,omitempty"`
}

// createLinkParams is the create-story-link request body.
type createLinkParams struct {
	Verb      string `json:"verb"`
	SubjectID int64  `json:"subject_id"`
	ObjectID  int64  `json:"object_id"`
}

// stateCache caches workflow states and projects so repeated lookups
// don't hit the API.
type stateCache struct {
	byID      map[int64]apiWorkflowState
	byName    map[string]int64
	projects  map[string]int64 // name -> id
	projNames map[int64]string
}
