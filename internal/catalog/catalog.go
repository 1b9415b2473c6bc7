// Package catalog loads the published project catalog and checks it
// before anything downstream sees it. A catalog with any malformed project
// is rejected as a whole.
package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/tidwall/jsonc"

	"fedboard/internal/domain"
)

// Snapshot is one immutable fetch of the catalog.
type Snapshot struct {
	Catalog   domain.Catalog
	Version   string
	FetchedAt time.Time
}

// Source supplies catalog snapshots.
type Source interface {
	Fetch(ctx context.Context) (Snapshot, error)
}

// ValidationError lists every problem found in a rejected catalog.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid catalog: " + strings.Join(e.Problems, "; ")
}

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

type document struct {
	Invite    *[]domain.Project `json:"invite"`
	Running   *[]domain.Project `json:"running"`
	Completed *[]domain.Project `json:"completed"`
}

// Parse decodes a catalog document. Comments and trailing commas are
// accepted so hand-maintained catalogs load as well as published ones.
func Parse(data []byte) (domain.Catalog, error) {
	var doc document
	if err := json.Unmarshal(jsonc.ToJSON(data), &doc); err != nil {
		return domain.Catalog{}, fmt.Errorf("parse catalog: %w", err)
	}
	var missing []string
	if doc.Invite == nil {
		missing = append(missing, "invite: group is required")
	}
	if doc.Running == nil {
		missing = append(missing, "running: group is required")
	}
	if doc.Completed == nil {
		missing = append(missing, "completed: group is required")
	}
	if len(missing) > 0 {
		return domain.Catalog{}, &ValidationError{Problems: missing}
	}
	c := domain.Catalog{Invite: *doc.Invite, Running: *doc.Running, Completed: *doc.Completed}
	if err := Validate(c); err != nil {
		return domain.Catalog{}, err
	}
	return c, nil
}

// Validate checks every project's required fields and that each project
// appears in exactly one group.
func Validate(c domain.Catalog) error {
	var problems []string
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			problems = append(problems, fmt.Sprintf("%s: failed %s", strings.TrimPrefix(fe.Namespace(), "Catalog."), fe.Tag()))
		}
	}
	uids := map[string]domain.Status{}
	sources := map[string]domain.Status{}
	for _, status := range domain.Statuses {
		for i, p := range c.Group(status) {
			where := fmt.Sprintf("%s[%d]", status, i)
			if p.UID != "" {
				if prev, dup := uids[p.UID]; dup {
					problems = append(problems, fmt.Sprintf("%s: uid %q already listed under %s", where, p.UID, prev))
				}
				uids[p.UID] = status
			}
			if p.SourceURL != "" {
				if prev, dup := sources[p.SourceURL]; dup {
					problems = append(problems, fmt.Sprintf("%s: sourceUrl %q already listed under %s", where, p.SourceURL, prev))
				}
				sources[p.SourceURL] = status
			}
			if status == domain.StatusCompleted && p.ResultURL == "" {
				problems = append(problems, fmt.Sprintf("%s.resultUrl: required for completed projects", where))
			}
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func newSnapshot(data []byte, now time.Time) (Snapshot, error) {
	c, err := Parse(data)
	if err != nil {
		return Snapshot{}, err
	}
	sum := sha256.Sum256(data)
	return Snapshot{Catalog: c, Version: hex.EncodeToString(sum[:])[:12], FetchedAt: now.UTC()}, nil
}

// HTTPSource fetches the catalog document from a URL.
type HTTPSource struct {
	URL        string
	HTTPClient *http.Client
	Now        func() time.Time
}

func (s HTTPSource) Fetch(ctx context.Context) (Snapshot, error) {
	hc := s.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return Snapshot{}, err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return Snapshot{}, fmt.Errorf("fetch catalog: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Snapshot{}, fmt.Errorf("fetch catalog: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read catalog: %w", err)
	}
	return newSnapshot(data, now(s.Now))
}

// FileSource reads the catalog document from disk on every fetch.
type FileSource struct {
	Path string
	Now  func() time.Time
}

func (s FileSource) Fetch(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading %s: %w", s.Path, err)
	}
	snap, err := newSnapshot(data, now(s.Now))
	if err != nil {
		return Snapshot{}, fmt.Errorf("%s: %w", s.Path, err)
	}
	return snap, nil
}

func now(fn func() time.Time) time.Time {
	if fn != nil {
		return fn()
	}
	return time.Now()
}
