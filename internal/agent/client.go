package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"fedboard/internal/command"
	"fedboard/internal/domain"
)

var (
	// ErrRejected marks a command the agent answered with a non-success status.
	ErrRejected = errors.New("command rejected by agent")
	// ErrUndeliverable marks a request that never got an answer.
	ErrUndeliverable = errors.New("agent unreachable")
)

// Client talks to the local agent on behalf of one dashboard session.
type Client struct {
	BaseURL    string
	App        string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *slog.Logger
}

// New creates a client with sane defaults.
func New(baseURL, app string) *Client {
	return &Client{
		BaseURL: baseURL,
		App:     app,
		Timeout: 10 * time.Second,
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("agent error: status=%d body=%s", e.StatusCode, e.Body)
}

func (e *APIError) Is(target error) bool { return target == ErrRejected }

// Kind reports ErrRejected or ErrUndeliverable for a failed request, or nil.
func Kind(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrRejected):
		return ErrRejected
	case errors.Is(err, ErrUndeliverable):
		return ErrUndeliverable
	}
	return err
}

// Record is a membership record as the agent reports it. The source
// reference arrives as a list; only its first element is the match key.
type Record struct {
	State     string     `json:"state"`
	SourceURL sourceURLs `json:"sourceUrl"`
	Author    string     `json:"author,omitempty"`
}

type sourceURLs []string

func (s *sourceURLs) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*s = list
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err != nil {
		return fmt.Errorf("sourceUrl: expected string or list of strings")
	}
	*s = sourceURLs{single}
	return nil
}

// Membership projects a record to its state and first source reference.
func (r Record) Membership() domain.Membership {
	m := domain.Membership{State: domain.MembershipState(r.State)}
	if len(r.SourceURL) > 0 {
		m.SourceURL = r.SourceURL[0]
	}
	return m
}

type metadata struct {
	Datasite string `json:"datasite"`
}

// Identity returns the local datasite. An absent field yields "".
func (c *Client) Identity(ctx context.Context) (string, error) {
	var resp metadata
	if err := c.do(ctx, http.MethodGet, "metadata", nil, &resp); err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Datasite), nil
}

// Memberships runs list_projects and returns the raw records projected to
// their matching key. Filtering to active states is the caller's job.
func (c *Client) Memberships(ctx context.Context) ([]domain.Membership, error) {
	var records []Record
	if err := c.Send(ctx, command.ListProjects{}, &records); err != nil {
		return nil, err
	}
	out := make([]domain.Membership, 0, len(records))
	for _, r := range records {
		out = append(out, r.Membership())
	}
	return out, nil
}

// Send posts cmd to the app's command endpoint and decodes the reply into
// out when out is non-nil.
func (c *Client) Send(ctx context.Context, cmd command.Command, out any) error {
	body, err := command.Encode(cmd)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, c.commandPath(), json.RawMessage(body), out)
}

// Healthy reports whether the agent answers its app listing.
func (c *Client) Healthy(ctx context.Context) bool {
	return c.do(ctx, http.MethodGet, "apps/", nil, nil) == nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	hc := c.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUndeliverable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		c.logger().Debug("agent answered with failure", "method", method, "endpoint", endpoint, "status", resp.StatusCode)
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s reply: %w", endpoint, err)
		}
	}
	return nil
}

func (c *Client) commandPath() string {
	return "apps/command/" + url.PathEscape(c.App)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
