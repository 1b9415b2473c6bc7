package engine_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"fedboard/internal/agent"
	"fedboard/internal/agent/agenttest"
	"fedboard/internal/app"
	"fedboard/internal/catalog"
	"fedboard/internal/command"
	"fedboard/internal/db"
	"fedboard/internal/domain"
	"fedboard/internal/engine"
	"fedboard/internal/events"
	"fedboard/internal/migrate"
	"fedboard/internal/repo"
)

const (
	addSource  = "http://syftbox.test/alice/public/fedreduce/add"
	meanSource = "http://syftbox.test/bob/public/fedreduce/mean"
)

const testCatalog = `{
  "invite": [
    {"uid": "1", "name": "Add", "sourceUrl": "http://syftbox.test/alice/public/fedreduce/add", "author": "alice", "datasites": ["carol"]},
    {"uid": "3", "name": "Mean", "sourceUrl": "http://syftbox.test/bob/public/fedreduce/mean", "author": "bob", "datasites": ["alice"]}
  ],
  "running": [
    {"uid": "4", "name": "Max", "sourceUrl": "http://syftbox.test/carol/public/fedreduce/max", "author": "carol", "datasites": ["bob"]}
  ],
  "completed": [
    {"uid": "2", "name": "Mul", "sourceUrl": "http://syftbox.test/alice/public/fedreduce/mul", "author": "alice", "datasites": [],
     "resultUrl": "http://syftbox.test/alice/public/fedreduce/mul/results"}
  ]
}`

type testEnv struct {
	Engine  *engine.Engine
	Agent   *agenttest.Agent
	Repo    repo.Repo
	Session app.Session
	Ctx     context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	path := filepath.Join(dir, "activity.json")
	if err := os.WriteFile(path, []byte(testCatalog), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	fake := agenttest.New("fedreduce", "bob")
	t.Cleanup(fake.Close)

	r := repo.Repo{DB: conn}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := engine.New(logger, events.Writer{DB: conn}, r)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{
		Engine: eng,
		Agent:  fake,
		Repo:   r,
		Session: app.Session{
			AgentURL:        fake.URL,
			App:             "fedreduce",
			Port:            8080,
			Timeout:         2 * time.Second,
			CatalogLocation: path,
			Catalog:         catalog.FileSource{Path: path},
		},
		Ctx: context.Background(),
	}
}

func viewOf(t *testing.T, snap engine.Snapshot, uid string) domain.ProjectView {
	t.Helper()
	for _, v := range snap.Views {
		if v.UID == uid {
			return v
		}
	}
	t.Fatalf("project %s missing from snapshot", uid)
	return domain.ProjectView{}
}

func TestRefreshReconcilesMembership(t *testing.T) {
	env := newTestEnv(t)
	env.Agent.SetMembership("join", addSource)

	snap, err := env.Engine.Refresh(env.Ctx, env.Session)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if snap.Identity != "bob" || len(snap.Degraded) != 0 {
		t.Fatalf("identity=%q degraded=%v", snap.Identity, snap.Degraded)
	}
	if len(snap.Views) != 4 {
		t.Fatalf("views = %d", len(snap.Views))
	}
	add := viewOf(t, snap, "1")
	if !add.IsJoined || add.IsAuthor {
		t.Fatalf("add view flags = %+v", add)
	}
	if !reflect.DeepEqual(add.EffectiveParticipants, []string{"carol", "bob"}) {
		t.Fatalf("participants = %v", add.EffectiveParticipants)
	}
	if !reflect.DeepEqual(add.Actions, []domain.Action{domain.ActionLeave}) {
		t.Fatalf("actions = %v", add.Actions)
	}
	mean := viewOf(t, snap, "3")
	if !reflect.DeepEqual(mean.Actions, []domain.Action{domain.ActionJoin, domain.ActionStart}) {
		t.Fatalf("author actions = %v", mean.Actions)
	}
	if cur, ok := env.Engine.Current(); !ok || cur.CycleID != snap.CycleID {
		t.Fatalf("current snapshot not published")
	}
	if id, err := env.Repo.CachedIdentity(env.Ctx); err != nil || id != "bob" {
		t.Fatalf("cached identity = %q, %v", id, err)
	}
}

func TestRefreshDegradesWhenAgentDown(t *testing.T) {
	env := newTestEnv(t)
	env.Agent.SetMembership("join", addSource)
	env.Agent.SetDown(true)

	snap, err := env.Engine.Refresh(env.Ctx, env.Session)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if snap.Identity != "" || len(snap.Memberships) != 0 {
		t.Fatalf("expected empty identity and membership, got %+v", snap)
	}
	if len(snap.Degraded) != 2 {
		t.Fatalf("degraded = %v", snap.Degraded)
	}
	for _, v := range snap.Views {
		if v.IsJoined || v.IsAuthor {
			t.Fatalf("view %s should be unjoined: %+v", v.UID, v)
		}
	}
	evts, err := env.Repo.LatestEvents(env.Ctx, 1, events.TypeRefresh)
	if err != nil || len(evts) != 1 || evts[0].Outcome != events.OutcomeDegraded {
		t.Fatalf("refresh events = %+v, %v", evts, err)
	}
}

func TestRefreshCatalogFailureKeepsPreviousSnapshot(t *testing.T) {
	env := newTestEnv(t)
	first, err := env.Engine.Refresh(env.Ctx, env.Session)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if err := os.WriteFile(env.Session.CatalogLocation, []byte(`{"invite": [{"uid": "1"}], "running": [], "completed": []}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Refresh(env.Ctx, env.Session); err == nil {
		t.Fatalf("expected catalog error")
	}
	cur, ok := env.Engine.Current()
	if !ok || cur.CycleID != first.CycleID {
		t.Fatalf("previous snapshot replaced: %+v", cur)
	}
}

type gateSource struct {
	entered chan struct{}
	release chan struct{}
	inner   catalog.Source
}

func (g gateSource) Fetch(ctx context.Context) (catalog.Snapshot, error) {
	close(g.entered)
	<-g.release
	return g.inner.Fetch(ctx)
}

func TestStaleCycleIsDiscarded(t *testing.T) {
	env := newTestEnv(t)
	slow := env.Session
	gate := gateSource{entered: make(chan struct{}), release: make(chan struct{}), inner: env.Session.Catalog}
	slow.Catalog = gate

	type result struct {
		snap engine.Snapshot
		err  error
	}
	done := make(chan result, 1)
	go func() {
		snap, err := env.Engine.Refresh(env.Ctx, slow)
		done <- result{snap, err}
	}()
	<-gate.entered

	env.Agent.SetMembership("join", addSource)
	fresh, err := env.Engine.Refresh(env.Ctx, env.Session)
	if err != nil {
		t.Fatalf("fresh refresh: %v", err)
	}
	close(gate.release)
	stale := <-done
	if !errors.Is(stale.err, engine.ErrSuperseded) {
		t.Fatalf("expected superseded, got %v", stale.err)
	}
	cur, _ := env.Engine.Current()
	if cur.CycleID != fresh.CycleID || !viewOf(t, cur, "1").IsJoined {
		t.Fatalf("stale cycle overwrote the newer snapshot")
	}
}

func TestPerformJoinAndLeave(t *testing.T) {
	env := newTestEnv(t)
	out, err := env.Engine.Perform(env.Ctx, env.Session, "1", domain.ActionJoin)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if out.RefreshErr != nil {
		t.Fatalf("refresh after join: %v", out.RefreshErr)
	}
	if !env.Agent.Joined(addSource) {
		t.Fatalf("agent did not record join")
	}
	add := viewOf(t, out.Snapshot, "1")
	if !add.IsJoined || !add.Offers(domain.ActionLeave) {
		t.Fatalf("view after join = %+v", add)
	}

	if _, err := env.Engine.Perform(env.Ctx, env.Session, "1", domain.ActionJoin); err == nil {
		t.Fatalf("join should not be offered once joined")
	}
	out, err = env.Engine.Perform(env.Ctx, env.Session, "1", domain.ActionLeave)
	if err != nil {
		t.Fatalf("leave: %v", err)
	}
	if env.Agent.Joined(addSource) || viewOf(t, out.Snapshot, "1").IsJoined {
		t.Fatalf("leave not reflected")
	}
}

func TestPerformRejectsUnofferedAction(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Perform(env.Ctx, env.Session, "1", domain.ActionStart)
	var ae *engine.ActionError
	if !errors.As(err, &ae) || ae.Action != domain.ActionStart {
		t.Fatalf("expected action error, got %v", err)
	}
	if _, err := env.Engine.Perform(env.Ctx, env.Session, "4", domain.ActionJoin); !errors.As(err, &ae) {
		t.Fatalf("running project must offer nothing, got %v", err)
	}
	if _, err := env.Engine.Perform(env.Ctx, env.Session, "nope", domain.ActionJoin); !errors.Is(err, engine.ErrProjectNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	for _, c := range env.Agent.Received() {
		if c.Name() != command.NameListProjects {
			t.Fatalf("unexpected command sent: %+v", c)
		}
	}
}

func TestStartAsAuthor(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Perform(env.Ctx, env.Session, "3", domain.ActionStart); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := env.Agent.Started(); !reflect.DeepEqual(got, []string{meanSource}) {
		t.Fatalf("started = %v", got)
	}
}

func TestDispatchRejectedLeavesStateUnchanged(t *testing.T) {
	env := newTestEnv(t)
	before, err := env.Engine.Refresh(env.Ctx, env.Session)
	if err != nil {
		t.Fatal(err)
	}
	env.Agent.Reject(command.NameStart, 500)
	_, err = env.Engine.Perform(env.Ctx, env.Session, "3", domain.ActionStart)
	if !errors.Is(err, agent.ErrRejected) {
		t.Fatalf("expected rejected, got %v", err)
	}
	cur, _ := env.Engine.Current()
	if cur.CycleID != before.CycleID {
		t.Fatalf("rejected command triggered a refresh")
	}
	evts, err := env.Repo.LatestEvents(env.Ctx, 1, events.TypeCommand)
	if err != nil || len(evts) != 1 || evts[0].Outcome != events.OutcomeRejected || evts[0].Source != meanSource {
		t.Fatalf("command events = %+v, %v", evts, err)
	}
}

func TestDispatchUndeliverable(t *testing.T) {
	env := newTestEnv(t)
	env.Agent.Close()
	_, err := env.Engine.Dispatch(env.Ctx, env.Session, command.Join{State: command.StateJoin, Source: addSource})
	if !errors.Is(err, agent.ErrUndeliverable) {
		t.Fatalf("expected undeliverable, got %v", err)
	}
}

func TestResultsURL(t *testing.T) {
	env := newTestEnv(t)
	u, err := env.Engine.ResultsURL(env.Ctx, env.Session, "2")
	if err != nil || u != "http://syftbox.test/alice/public/fedreduce/mul/results" {
		t.Fatalf("results = %q, %v", u, err)
	}
	if _, err := env.Engine.ResultsURL(env.Ctx, env.Session, "1"); err == nil {
		t.Fatalf("invite project has no results")
	}
}

type failingCatalog struct{}

func (failingCatalog) Fetch(context.Context) (catalog.Snapshot, error) {
	return catalog.Snapshot{}, errors.New("catalog host down")
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestCatalogFailureDoesNotLogCanceledFetches(t *testing.T) {
	release := make(chan struct{})
	hung := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer hung.Close()
	defer close(release)

	var out syncBuffer
	logger := slog.New(slog.NewTextHandler(&out, nil))
	eng := engine.New(logger, events.Writer{}, nil)
	sess := app.Session{
		AgentURL:        hung.URL,
		App:             "fedreduce",
		Timeout:         5 * time.Second,
		CatalogLocation: "broken",
		Catalog:         failingCatalog{},
	}
	if _, err := eng.Refresh(context.Background(), sess); err == nil {
		t.Fatalf("expected catalog error")
	}
	logs := out.String()
	if strings.Contains(logs, "degraded refresh") {
		t.Fatalf("canceled fetches logged as degraded:\n%s", logs)
	}
	if !strings.Contains(logs, "refresh failed") {
		t.Fatalf("catalog failure not logged:\n%s", logs)
	}
}
