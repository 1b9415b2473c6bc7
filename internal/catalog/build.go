package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"fedboard/internal/domain"
)

// BuildOptions locate project definitions inside a synced datasites folder.
//
// Project definitions live at
//
//	<SyncFolder>/<author>/public/<App>/<status>/<project>/<file>.yaml
//
// and join requests at
//
//	<SyncFolder>/<joiner>/public/<App>/join/<author>/<project>.yaml.join
type BuildOptions struct {
	SyncFolder string
	App        string
	BaseURL    string
	Logger     *slog.Logger
}

// projectFile models a project definition YAML.
type projectFile struct {
	Project      string   `yaml:"project"`
	UID          string   `yaml:"uid"`
	Description  string   `yaml:"description"`
	Language     string   `yaml:"language"`
	Author       string   `yaml:"author"`
	Code         []string `yaml:"code"`
	SharedInputs struct {
		Data any `yaml:"data"`
	} `yaml:"shared_inputs"`
	Workflow struct {
		Datasites any `yaml:"datasites"`
	} `yaml:"workflow"`
}

// Build assembles a catalog from every project definition under the sync
// folder. Definitions that cannot be parsed, that sit in a datasite other
// than their author's, that miss required fields, or that repeat a uid or
// sourceUrl already collected are skipped and logged.
func Build(opts BuildOptions) (domain.Catalog, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SyncFolder == "" || opts.App == "" {
		return domain.Catalog{}, fmt.Errorf("sync folder and app are required")
	}
	joins, err := collectJoins(opts)
	if err != nil {
		return domain.Catalog{}, err
	}
	c := domain.Catalog{Invite: []domain.Project{}, Running: []domain.Project{}, Completed: []domain.Project{}}
	uids := map[string]string{}
	sources := map[string]string{}
	err = filepath.WalkDir(opts.SyncFolder, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || filepath.Ext(path) != ".yaml" {
			return nil
		}
		owner, status, ok := locateDefinition(opts, path)
		if !ok {
			return nil
		}
		p, err := loadProject(opts, path, owner, status, joins)
		if err == nil {
			err = checkProject(p, uids, sources)
		}
		if err != nil {
			logger.Warn("skipping project definition", "path", path, "error", err)
			return nil
		}
		uids[p.UID] = path
		sources[p.SourceURL] = path
		switch status {
		case domain.StatusInvite:
			c.Invite = append(c.Invite, p)
		case domain.StatusRunning:
			c.Running = append(c.Running, p)
		case domain.StatusCompleted:
			c.Completed = append(c.Completed, p)
		}
		return nil
	})
	if err != nil {
		return domain.Catalog{}, fmt.Errorf("walk %s: %w", opts.SyncFolder, err)
	}
	if err := Validate(c); err != nil {
		return domain.Catalog{}, err
	}
	return c, nil
}

// checkProject applies the catalog's per-project rules to p and rejects a
// uid or sourceUrl that an earlier definition already claimed.
func checkProject(p domain.Project, uids, sources map[string]string) error {
	if err := validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		problems := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			problems = append(problems, fmt.Sprintf("%s: failed %s", strings.TrimPrefix(fe.Namespace(), "Project."), fe.Tag()))
		}
		return &ValidationError{Problems: problems}
	}
	if prev, dup := uids[p.UID]; dup {
		return fmt.Errorf("uid %q already defined by %s", p.UID, prev)
	}
	if prev, dup := sources[p.SourceURL]; dup {
		return fmt.Errorf("sourceUrl %q already defined by %s", p.SourceURL, prev)
	}
	return nil
}

// locateDefinition matches <owner>/public/<app>/<status>/<project>/<file>.yaml.
func locateDefinition(opts BuildOptions, path string) (string, domain.Status, bool) {
	rel, err := filepath.Rel(opts.SyncFolder, path)
	if err != nil {
		return "", "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 6 || parts[1] != "public" || parts[2] != opts.App {
		return "", "", false
	}
	status := domain.Status(parts[3])
	if !status.Valid() {
		return "", "", false
	}
	return parts[0], status, true
}

// collectJoins maps "<author>/<project>" to the datasites that asked to join.
func collectJoins(opts BuildOptions) (map[string][]string, error) {
	joins := map[string][]string{}
	pattern := filepath.Join(opts.SyncFolder, "*", "public", opts.App, "join", "*", "*.yaml.join")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	for _, m := range matches {
		rel, err := filepath.Rel(opts.SyncFolder, m)
		if err != nil {
			continue
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		joiner, author := parts[0], parts[4]
		project := strings.TrimSuffix(parts[5], ".yaml.join")
		key := author + "/" + project
		joins[key] = append(joins[key], joiner)
	}
	return joins, nil
}

func loadProject(opts BuildOptions, path, owner string, status domain.Status, joins map[string][]string) (domain.Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Project{}, err
	}
	var pf projectFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return domain.Project{}, fmt.Errorf("invalid project yaml: %w", err)
	}
	if pf.Author != owner {
		return domain.Project{}, fmt.Errorf("author %q does not own datasite %q", pf.Author, owner)
	}
	if pf.Project == "" {
		return domain.Project{}, fmt.Errorf("project name is required")
	}
	info, err := os.Stat(path)
	if err != nil {
		return domain.Project{}, err
	}
	source := fmt.Sprintf("%s/%s/public/%s/%s", strings.TrimRight(opts.BaseURL, "/"), pf.Author, opts.App, pf.Project)
	code := make(map[string]string, len(pf.Code))
	for _, f := range pf.Code {
		code[f] = source + "/" + f
	}
	datasites := append(stringList(pf.Workflow.Datasites), joins[pf.Author+"/"+pf.Project]...)
	p := domain.Project{
		UID:           pf.UID,
		Name:          capitalize(pf.Project),
		Description:   pf.Description,
		SourceURL:     source,
		FileTimestamp: float64(info.ModTime().UnixNano()) / 1e9,
		Author:        pf.Author,
		Language:      pf.Language,
		Datasites:     uniqueSorted(datasites),
		Code:          code,
		SharedInputs:  domain.SharedInputs(stringList(pf.SharedInputs.Data)),
	}
	if status == domain.StatusCompleted {
		p.ResultURL = source + "/results"
	}
	return p, nil
}

// stringList flattens a scalar, a list, or a {"*datasites": [...]} mapping.
func stringList(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			out = append(out, stringList(item)...)
		}
		return out
	case map[string]any:
		return stringList(t["*datasites"])
	default:
		return []string{fmt.Sprint(t)}
	}
}

func uniqueSorted(in []string) []string {
	seen := map[string]struct{}{}
	out := []string{}
	for _, s := range in {
		if _, ok := seen[s]; ok || s == "" {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	r := []rune(strings.ToLower(s))
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

// Write stores c as an indented catalog document.
func Write(path string, c domain.Catalog) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
