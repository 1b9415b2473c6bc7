// Package agenttest provides an in-process stand-in for the local agent's
// HTTP contract, for tests of code that talks to it.
package agenttest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/go-chi/chi/v5"

	"fedboard/internal/command"
)

// Agent records commands and keeps membership in memory.
type Agent struct {
	URL string

	mu         sync.Mutex
	srv        *httptest.Server
	app        string
	identity   string
	records    []record
	reject     map[command.Name]int
	started    []string
	received   []command.Command
	noMetadata bool
	down       bool
}

type record struct {
	State     string   `json:"state"`
	SourceURL []string `json:"sourceUrl"`
}

// New starts a fake agent serving app's command endpoint.
func New(app, identity string) *Agent {
	a := &Agent{app: app, identity: identity, reject: map[command.Name]int{}}
	r := chi.NewRouter()
	r.Use(a.availability)
	r.Get("/metadata", a.handleMetadata)
	r.Get("/apps/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/apps/command/{app}", a.handleCommand)
	a.srv = httptest.NewServer(r)
	a.URL = a.srv.URL
	return a
}

func (a *Agent) Close() { a.srv.Close() }

// SetMembership replaces the reported records with a single one per source.
func (a *Agent) SetMembership(state string, sources ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = nil
	for _, s := range sources {
		a.records = append(a.records, record{State: state, SourceURL: []string{s}})
	}
}

// AddRecord appends a raw record, including ones in inactive states.
func (a *Agent) AddRecord(state string, sources ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, record{State: state, SourceURL: sources})
}

// Reject makes the named command answer with status until reset with 0.
func (a *Agent) Reject(name command.Name, status int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reject[name] = status
}

// SetIdentity changes the datasite reported by /metadata. An empty value
// omits the field entirely.
func (a *Agent) SetIdentity(identity string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.identity = identity
	a.noMetadata = identity == ""
}

// SetDown makes every endpoint answer 503.
func (a *Agent) SetDown(down bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.down = down
}

// Started returns the sources the agent accepted start commands for.
func (a *Agent) Started() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.started...)
}

// Received returns every decoded command in arrival order.
func (a *Agent) Received() []command.Command {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]command.Command(nil), a.received...)
}

// Joined reports whether source currently has a join record.
func (a *Agent) Joined(source string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.indexOf(source) >= 0
}

func (a *Agent) availability(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		down := a.down
		a.mu.Unlock()
		if down {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Agent) handleMetadata(w http.ResponseWriter, _ *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	if a.noMetadata {
		io.WriteString(w, `{}`)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"datasite": a.identity})
}

func (a *Agent) handleCommand(w http.ResponseWriter, r *http.Request) {
	if chi.URLParam(r, "app") != a.app {
		http.NotFound(w, r)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cmd, err := command.Decode(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.received = append(a.received, cmd)
	if status := a.reject[cmd.Name()]; status != 0 {
		writeJSON(w, status, map[string]string{"error": "rejected"})
		return
	}
	switch c := cmd.(type) {
	case command.ListProjects:
		out := make([]record, len(a.records))
		copy(out, a.records)
		writeJSON(w, http.StatusOK, out)
		return
	case command.Join:
		idx := a.indexOf(c.Source)
		if c.State == command.StateJoin && idx < 0 {
			a.records = append(a.records, record{State: "join", SourceURL: []string{c.Source}})
		}
		if c.State == command.StateLeave && idx >= 0 {
			a.records = append(a.records[:idx], a.records[idx+1:]...)
		}
	case command.Start:
		a.started = append(a.started, c.Source)
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "success"})
}

func (a *Agent) indexOf(source string) int {
	for i, rec := range a.records {
		if len(rec.SourceURL) > 0 && rec.SourceURL[0] == source && rec.State == "join" {
			return i
		}
	}
	return -1
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
