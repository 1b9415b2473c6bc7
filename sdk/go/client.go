package fedboardsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal fedboard dashboard API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  30 * time.Second,
	}
}

// Project is a catalog project as seen by the local identity.
type Project struct {
	UID                   string   `json:"uid"`
	Name                  string   `json:"name"`
	Description           string   `json:"description"`
	SourceURL             string   `json:"sourceUrl"`
	Author                string   `json:"author"`
	Language              string   `json:"language"`
	Datasites             []string `json:"datasites"`
	ResultURL             string   `json:"resultUrl,omitempty"`
	Status                string   `json:"status"`
	IsJoined              bool     `json:"is_joined"`
	IsAuthor              bool     `json:"is_author"`
	EffectiveParticipants []string `json:"effective_participants"`
	Actions               []string `json:"actions"`
}

// Offers reports whether the project currently permits action.
func (p Project) Offers(action string) bool {
	for _, a := range p.Actions {
		if a == action {
			return true
		}
	}
	return false
}

type Projects struct {
	CycleID        string   `json:"cycle_id"`
	Identity       string   `json:"identity"`
	CatalogVersion string   `json:"catalog_version"`
	Degraded       []string `json:"degraded"`
	Stale          bool     `json:"stale"`
	Projects       struct {
		Invite    []Project `json:"invite"`
		Running   []Project `json:"running"`
		Completed []Project `json:"completed"`
	} `json:"projects"`
}

// All returns every project in catalog order.
func (p Projects) All() []Project {
	out := make([]Project, 0, len(p.Projects.Invite)+len(p.Projects.Running)+len(p.Projects.Completed))
	out = append(out, p.Projects.Invite...)
	out = append(out, p.Projects.Running...)
	return append(out, p.Projects.Completed...)
}

type ActionResult struct {
	Command      string   `json:"command"`
	Project      *Project `json:"project,omitempty"`
	RefreshError string   `json:"refresh_error,omitempty"`
}

type Agent struct {
	URL            string   `json:"url"`
	App            string   `json:"app"`
	Port           int      `json:"port"`
	Healthy        bool     `json:"healthy"`
	Identity       string   `json:"identity,omitempty"`
	CachedIdentity string   `json:"cached_identity,omitempty"`
	Degraded       []string `json:"degraded,omitempty"`
	RefreshError   string   `json:"refresh_error,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	CycleID string         `json:"cycle_id,omitempty"`
	Source  string         `json:"source,omitempty"`
	Outcome string         `json:"outcome"`
	Payload map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsNotOffered reports whether err is the conflict returned for an action
// the project does not currently permit.
func IsNotOffered(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == "action_not_offered"
}

// Projects lists projects, optionally filtered by status.
func (c *Client) Projects(ctx context.Context, status string) (Projects, error) {
	endpoint := "projects"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp Projects
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Project fetches one project view.
func (c *Client) Project(ctx context.Context, uid string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, "projects/"+url.PathEscape(uid), nil, &resp)
	return resp, err
}

func (c *Client) Join(ctx context.Context, uid string) (ActionResult, error) {
	return c.act(ctx, uid, "join")
}

func (c *Client) Leave(ctx context.Context, uid string) (ActionResult, error) {
	return c.act(ctx, uid, "leave")
}

func (c *Client) Start(ctx context.Context, uid string) (ActionResult, error) {
	return c.act(ctx, uid, "start")
}

func (c *Client) act(ctx context.Context, uid, action string) (ActionResult, error) {
	var resp ActionResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("projects/%s/%s", url.PathEscape(uid), action), nil, &resp)
	return resp, err
}

// Results returns the result location of a completed project.
func (c *Client) Results(ctx context.Context, uid string) (string, error) {
	var resp struct {
		ResultURL string `json:"result_url"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("projects/%s/results", url.PathEscape(uid)), nil, &resp)
	return resp.ResultURL, err
}

func (c *Client) Agent(ctx context.Context) (Agent, error) {
	var resp Agent
	err := c.do(ctx, http.MethodGet, "agent", nil, &resp)
	return resp, err
}

// SetPort stores the agent port used by subsequent cycles.
func (c *Client) SetPort(ctx context.Context, port int) (Agent, error) {
	var resp Agent
	err := c.do(ctx, http.MethodPut, "agent/port", map[string]int{"port": port}, &resp)
	return resp, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, eventType string, limit int) ([]Event, error) {
	q := url.Values{}
	if eventType != "" {
		q.Set("type", eventType)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	hc := c.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: c.Timeout}
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(endpoint), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) url(endpoint string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	prefix := strings.Trim(c.BasePath, "/")
	if prefix != "" {
		base += "/" + prefix
	}
	return base + "/" + strings.TrimLeft(endpoint, "/")
}
