package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"fedboard/internal/config"
	"fedboard/internal/db"
	"fedboard/internal/events"
	"fedboard/internal/migrate"
	"fedboard/internal/repo"
)

type hookReceiver struct {
	mu         sync.Mutex
	events     []webhookEvent
	signatures []string
	fail       bool
}

func (h *hookReceiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail {
		http.Error(w, "down", http.StatusInternalServerError)
		return
	}
	var evt webhookEvent
	_ = json.NewDecoder(r.Body).Decode(&evt)
	h.events = append(h.events, evt)
	h.signatures = append(h.signatures, r.Header.Get("X-Fedboard-Signature"))
}

func (h *hookReceiver) received() []webhookEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]webhookEvent(nil), h.events...)
}

func newEventRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func TestWebhookDeliversNewMatchingEvents(t *testing.T) {
	r := newEventRepo(t)
	ctx := context.Background()
	w := events.Writer{DB: r.DB}
	if err := w.Append(ctx, events.Entry{Type: events.TypeCommand, Outcome: events.OutcomeOK}); err != nil {
		t.Fatal(err)
	}

	recv := &hookReceiver{}
	hookSrv := httptest.NewServer(recv)
	defer hookSrv.Close()
	d := newWebhookDispatcher(r, []config.WebhookConfig{{URL: hookSrv.URL, Events: []string{events.TypeCommand}, Secret: "s3"}},
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	d.dispatchAll(ctx)
	if len(recv.received()) != 0 {
		t.Fatalf("events before start must not be delivered")
	}

	_ = w.Append(ctx, events.Entry{Type: events.TypeRefresh, Outcome: events.OutcomeOK})
	_ = w.Append(ctx, events.Entry{Type: events.TypeCommand, Source: "u1", Outcome: events.OutcomeRejected,
		Payload: events.EventPayload{"command": "start"}})
	d.dispatchAll(ctx)

	got := recv.received()
	if len(got) != 1 || got[0].Source != "u1" || got[0].Outcome != events.OutcomeRejected {
		t.Fatalf("delivered = %+v", got)
	}
	if string(got[0].Payload) != `{"command":"start"}` {
		t.Fatalf("payload = %s", got[0].Payload)
	}
	if recv.signatures[0] == "" || recv.signatures[0][:7] != "sha256=" {
		t.Fatalf("signature = %q", recv.signatures[0])
	}

	d.dispatchAll(ctx)
	if len(recv.received()) != 1 {
		t.Fatalf("event delivered twice")
	}
}

func TestWebhookRetriesAfterFailure(t *testing.T) {
	r := newEventRepo(t)
	ctx := context.Background()
	recv := &hookReceiver{fail: true}
	hookSrv := httptest.NewServer(recv)
	defer hookSrv.Close()
	d := newWebhookDispatcher(r, []config.WebhookConfig{{URL: hookSrv.URL}}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	d.dispatchAll(ctx)

	w := events.Writer{DB: r.DB}
	_ = w.Append(ctx, events.Entry{Type: events.TypePort, Outcome: events.OutcomeOK})
	d.dispatchAll(ctx)

	recv.mu.Lock()
	recv.fail = false
	recv.mu.Unlock()
	d.dispatchAll(ctx)
	if got := recv.received(); len(got) != 1 || got[0].Type != events.TypePort {
		t.Fatalf("delivered after recovery = %+v", got)
	}
}

func TestEventFilter(t *testing.T) {
	if !newEventFilter(nil).match("anything") || !newEventFilter([]string{" "}).match("x") {
		t.Fatalf("empty filter should match all")
	}
	f := newEventFilter([]string{"command"})
	if !f.match("command") || f.match("refresh") {
		t.Fatalf("filter mismatch")
	}
}
