package repo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"fedboard/internal/db"
	"fedboard/internal/events"
	"fedboard/internal/migrate"
	"fedboard/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
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

func TestPortRoundTrip(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	if _, err := r.Port(ctx); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := r.SetPort(ctx, 9000, now); err != nil {
		t.Fatalf("set port: %v", err)
	}
	if err := r.SetPort(ctx, 9001, now); err != nil {
		t.Fatalf("overwrite port: %v", err)
	}
	p, err := r.Port(ctx)
	if err != nil || p != 9001 {
		t.Fatalf("port = %d, %v", p, err)
	}
}

func TestCachedIdentity(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	if _, err := r.CachedIdentity(ctx); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := r.SetCachedIdentity(ctx, "alice@openmined.org", time.Now()); err != nil {
		t.Fatalf("set identity: %v", err)
	}
	got, err := r.CachedIdentity(ctx)
	if err != nil || got != "alice@openmined.org" {
		t.Fatalf("identity = %q, %v", got, err)
	}
}

func TestMigrateIsRepeatable(t *testing.T) {
	r := newRepo(t)
	if err := migrate.Migrate(r.DB); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	v, err := migrate.Version(context.Background(), r.DB)
	if err != nil || v != 1 {
		t.Fatalf("version = %d, %v", v, err)
	}
}

func TestLatestEvents(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	w := events.Writer{DB: r.DB}
	for _, e := range []events.Entry{
		{Type: events.TypeRefresh, CycleID: "c1", Outcome: events.OutcomeOK},
		{Type: events.TypeCommand, Source: "u1", Outcome: events.OutcomeRejected, Payload: events.EventPayload{"command": "start"}},
		{Type: events.TypeRefresh, CycleID: "c2", Outcome: events.OutcomeDegraded},
	} {
		if err := w.Append(ctx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	all, err := r.LatestEvents(ctx, 10, "")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if len(all) != 3 || all[0].CycleID != "c2" {
		t.Fatalf("events = %+v", all)
	}
	cmds, err := r.LatestEvents(ctx, 10, events.TypeCommand)
	if err != nil || len(cmds) != 1 {
		t.Fatalf("commands = %+v, %v", cmds, err)
	}
	if cmds[0].Source != "u1" || cmds[0].Payload != `{"command":"start"}` {
		t.Fatalf("command event = %+v", cmds[0])
	}
}

func TestEventsAfter(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	if id, err := r.LatestEventID(ctx); err != nil || id != 0 {
		t.Fatalf("empty log latest = %d, %v", id, err)
	}
	w := events.Writer{DB: r.DB}
	for _, cycle := range []string{"c1", "c2", "c3"} {
		if err := w.Append(ctx, events.Entry{Type: events.TypeRefresh, CycleID: cycle, Outcome: events.OutcomeOK}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	latest, err := r.LatestEventID(ctx)
	if err != nil || latest != 3 {
		t.Fatalf("latest = %d, %v", latest, err)
	}
	after, err := r.EventsAfter(ctx, 10, 1)
	if err != nil {
		t.Fatalf("after: %v", err)
	}
	if len(after) != 2 || after[0].CycleID != "c2" || after[1].CycleID != "c3" {
		t.Fatalf("events after 1 = %+v", after)
	}
}
