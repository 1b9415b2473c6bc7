package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"fedboard/internal/agent"
	"fedboard/internal/app"
	"fedboard/internal/catalog"
	"fedboard/internal/config"
	"fedboard/internal/domain"
	"fedboard/internal/engine"
	"fedboard/internal/events"
	"fedboard/internal/repo"
)

// SessionFunc resolves the session a request runs with. It is called per
// request so a stored port change applies to the next request.
type SessionFunc func(ctx context.Context) (app.Session, error)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	Repo     repo.Repo
	Session  SessionFunc
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
	Now      func() time.Time
}

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"action_not_offered"`
	Message string         `json:"message" example:"action start not available for project 1"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the dashboard API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("engine required")
	}
	if cfg.Session == nil {
		return nil, errors.New("session resolver required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(cfg.Logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Fedboard API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg)
	registerActions(group, cfg)
	registerAgent(group, cfg)
	registerEvents(group, cfg)
	registerOpenAPI(router, api, basePath, cfg.Auth.enabled())

	return router, nil
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ae *engine.ActionError
	if errors.As(err, &ae) {
		return newAPIError(http.StatusConflict, "action_not_offered", err.Error(), map[string]any{
			"uid":     ae.UID,
			"action":  ae.Action,
			"offered": ae.Offered,
		})
	}
	var ve *catalog.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadGateway, "catalog_invalid", err.Error(), map[string]any{"problems": ve.Problems})
	}
	switch {
	case errors.Is(err, engine.ErrProjectNotFound), errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrSuperseded):
		return newAPIError(http.StatusConflict, "superseded", err.Error(), nil)
	case errors.Is(err, agent.ErrRejected):
		return newAPIError(http.StatusBadGateway, "agent_rejected", err.Error(), nil)
	case errors.Is(err, agent.ErrUndeliverable):
		return newAPIError(http.StatusServiceUnavailable, "agent_unreachable", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string, secured bool) {
	var (
		once sync.Once
		spec []byte
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			if secured {
				applyAuthSecurity(oas, basePath)
			}
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	var schema *huma.Schema
	if oas.Components != nil && oas.Components.Schemas != nil {
		schema = oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Patch,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {Schema: schema},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Patch,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Fedboard API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

// snapshot refreshes unless cached is set and a snapshot exists. A failed
// refresh falls back to the last published snapshot, marked stale. A
// superseded refresh serves the newer cycle's snapshot as current.
func snapshot(ctx context.Context, cfg Config, cached bool) (engine.Snapshot, bool, error) {
	if cached {
		if snap, ok := cfg.Engine.Current(); ok {
			return snap, false, nil
		}
	}
	sess, err := cfg.Session(ctx)
	if err != nil {
		return engine.Snapshot{}, false, err
	}
	snap, err := cfg.Engine.Refresh(ctx, sess)
	if err == nil {
		return snap, false, nil
	}
	if prev, ok := cfg.Engine.Current(); ok {
		if errors.Is(err, engine.ErrSuperseded) {
			return prev, false, nil
		}
		cfg.Logger.Warn("serving previous snapshot", "error", err)
		return prev, true, nil
	}
	return engine.Snapshot{}, false, err
}

func registerProjects(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects grouped by status",
		Errors:      []int{http.StatusBadRequest, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" doc:"invite, running or completed"`
		Cached bool   `query:"cached" doc:"serve the last snapshot without refreshing"`
	}) (*struct {
		Body ProjectsResponse `json:"body"`
	}, error) {
		if input.Status != "" && !domain.Status(input.Status).Valid() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid status", map[string]any{"status": input.Status})
		}
		snap, stale, err := snapshot(ctx, cfg, input.Cached)
		if err != nil {
			return nil, handleError(err)
		}
		res := projectsResponse(snap, stale)
		switch domain.Status(input.Status) {
		case domain.StatusInvite:
			res.Projects.Running, res.Projects.Completed = []domain.ProjectView{}, []domain.ProjectView{}
		case domain.StatusRunning:
			res.Projects.Invite, res.Projects.Completed = []domain.ProjectView{}, []domain.ProjectView{}
		case domain.StatusCompleted:
			res.Projects.Invite, res.Projects.Running = []domain.ProjectView{}, []domain.ProjectView{}
		}
		return &struct {
			Body ProjectsResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{uid}",
		Summary:     "Get one project view",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UID    string `path:"uid"`
		Cached bool   `query:"cached"`
	}) (*struct {
		Body domain.ProjectView `json:"body"`
	}, error) {
		snap, _, err := snapshot(ctx, cfg, input.Cached)
		if err != nil {
			return nil, handleError(err)
		}
		for _, v := range snap.Views {
			if v.UID == input.UID {
				return &struct {
					Body domain.ProjectView `json:"body"`
				}{Body: v}, nil
			}
		}
		return nil, handleError(fmt.Errorf("%w: %s", engine.ErrProjectNotFound, input.UID))
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project-results",
		Method:      http.MethodGet,
		Path:        "/projects/{uid}/results",
		Summary:     "Result location of a completed project",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		UID string `path:"uid"`
	}) (*struct {
		Body ResultsResponse `json:"body"`
	}, error) {
		sess, err := cfg.Session(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		u, err := cfg.Engine.ResultsURL(ctx, sess, input.UID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ResultsResponse `json:"body"`
		}{Body: ResultsResponse{UID: input.UID, ResultURL: u}}, nil
	})
}

func registerActions(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "project-action",
		Method:      http.MethodPost,
		Path:        "/projects/{uid}/{action}",
		Summary:     "Join, leave or start a project",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusBadGateway, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		UID    string `path:"uid"`
		Action string `path:"action" enum:"join,leave,start"`
	}) (*struct {
		Body ActionResponse `json:"body"`
	}, error) {
		sess, err := cfg.Session(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		// Actions resolve against a fresh cycle, not the page's snapshot.
		if _, err := cfg.Engine.Refresh(ctx, sess); err != nil && !errors.Is(err, engine.ErrSuperseded) {
			return nil, handleError(err)
		}
		out, err := cfg.Engine.Perform(ctx, sess, input.UID, domain.Action(input.Action))
		if err != nil {
			return nil, handleError(err)
		}
		cfg.Logger.Info("project action", "uid", input.UID, "action", input.Action, "subject", subjectFromContext(ctx))
		res := ActionResponse{Command: string(out.Command.Name())}
		if out.RefreshErr != nil {
			res.RefreshError = out.RefreshErr.Error()
		} else {
			for _, v := range out.Snapshot.Views {
				if v.UID == input.UID {
					res.Project = &v
					break
				}
			}
		}
		return &struct {
			Body ActionResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerAgent(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agent",
		Summary:     "Local agent connection status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body AgentResponse `json:"body"`
	}, error) {
		sess, err := cfg.Session(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		client := sess.AgentClient(cfg.Logger)
		res := AgentResponse{URL: sess.AgentURL, App: sess.App, Port: sess.Port}
		res.Healthy = client.Healthy(ctx)
		if res.Healthy {
			if id, err := client.Identity(ctx); err == nil {
				res.Identity = id
			}
		}
		if cfg.Repo.DB != nil {
			if cached, err := cfg.Repo.CachedIdentity(ctx); err == nil {
				res.CachedIdentity = cached
			}
		}
		return &struct {
			Body AgentResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-agent-port",
		Method:      http.MethodPut,
		Path:        "/agent/port",
		Summary:     "Store the local agent port and refresh against it",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body SetPortRequest
	}) (*struct {
		Body AgentResponse `json:"body"`
	}, error) {
		if err := config.ValidatePort(input.Body.Port); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		if cfg.Repo.DB == nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", "no workspace database", nil)
		}
		if err := cfg.Repo.SetPort(ctx, input.Body.Port, cfg.now()); err != nil {
			return nil, handleError(err)
		}
		if err := cfg.Engine.Events.Append(ctx, events.Entry{Type: events.TypePort, Outcome: events.OutcomeOK,
			Payload: events.EventPayload{"port": input.Body.Port, "subject": subjectFromContext(ctx)}}); err != nil {
			cfg.Logger.Warn("event log write failed", "error", err)
		}
		sess, err := cfg.Session(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res := AgentResponse{URL: sess.AgentURL, App: sess.App, Port: sess.Port}
		// A port change starts a new cycle so in-flight cycles on the old port are discarded.
		snap, err := cfg.Engine.Refresh(ctx, sess)
		switch {
		case err == nil:
			res.Healthy = len(snap.Degraded) == 0
			res.Identity = snap.Identity
			res.Degraded = snap.Degraded
		case errors.Is(err, engine.ErrSuperseded):
		default:
			cfg.Logger.Warn("refresh after port change failed", "port", sess.Port, "error", err)
			res.RefreshError = err.Error()
		}
		return &struct {
			Body AgentResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerEvents(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent refresh and command events",
	}, func(ctx context.Context, input *struct {
		Type  string `query:"type"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body eventList `json:"body"`
	}, error) {
		res := eventList{Items: []EventResponse{}}
		if cfg.Repo.DB != nil {
			items, err := cfg.Repo.LatestEvents(ctx, normalizeLimit(input.Limit), input.Type)
			if err != nil {
				return nil, handleError(err)
			}
			for _, evt := range items {
				res.Items = append(res.Items, eventResponse(evt))
			}
		}
		return &struct {
			Body eventList `json:"body"`
		}{Body: res}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 500 {
		return 500
	}
	return in
}
