package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"fedboard/internal/agent"
	"fedboard/internal/app"
	"fedboard/internal/catalog"
	"fedboard/internal/command"
	"fedboard/internal/domain"
	"fedboard/internal/events"
	"fedboard/internal/reconcile"
	"fedboard/internal/repo"
)

// ErrSuperseded reports a refresh cycle that finished after a newer one
// was started. Its result is discarded.
var ErrSuperseded = errors.New("refresh superseded by a newer cycle")

// Snapshot is the published result of one refresh cycle.
type Snapshot struct {
	CycleID        string               `json:"cycle_id"`
	Seq            uint64               `json:"seq"`
	CatalogVersion string               `json:"catalog_version"`
	Identity       string               `json:"identity"`
	Memberships    []domain.Membership  `json:"memberships"`
	Views          []domain.ProjectView `json:"views"`
	Degraded       []string             `json:"degraded,omitempty"`
	RefreshedAt    time.Time            `json:"refreshed_at"`
}

// IdentityStore caches the last identity the agent reported.
type IdentityStore interface {
	CachedIdentity(ctx context.Context) (string, error)
	SetCachedIdentity(ctx context.Context, identity string, now time.Time) error
}

type Engine struct {
	Logger     *slog.Logger
	Events     events.Writer
	Identities IdentityStore
	Now        func() time.Time

	seq     atomic.Uint64
	mu      sync.RWMutex
	current *Snapshot
}

func New(logger *slog.Logger, w events.Writer, ids IdentityStore) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{Logger: logger, Events: w, Identities: ids, Now: time.Now}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Current returns the latest published snapshot.
func (e *Engine) Current() (Snapshot, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.current == nil {
		return Snapshot{}, false
	}
	return *e.current, true
}

// Refresh fetches the catalog, membership and identity for s, reconciles
// them and publishes the result. The three fetches run concurrently and
// reconciliation waits for all of them. A catalog failure fails the cycle
// and leaves the previous snapshot in place; membership or identity
// failures degrade to "not joined" and an empty identity.
func (e *Engine) Refresh(ctx context.Context, s app.Session) (Snapshot, error) {
	token := e.seq.Add(1)
	cycleID := uuid.NewString()
	log := e.Logger.With("cycle", cycleID, "seq", token)
	client := s.AgentClient(e.Logger)

	var (
		snap     catalog.Snapshot
		records  []domain.Membership
		identity string
		degraded []string
		dmu      sync.Mutex
	)
	g, gctx := errgroup.WithContext(ctx)
	degrade := func(component string, err error) {
		// A canceled group means the catalog fetch already failed the cycle.
		if gctx.Err() == nil {
			log.Warn("degraded refresh", "component", component, "error", err)
		}
		dmu.Lock()
		degraded = append(degraded, component)
		dmu.Unlock()
	}

	g.Go(func() error {
		var err error
		snap, err = s.Catalog.Fetch(gctx)
		if err != nil {
			return fmt.Errorf("catalog %s: %w", s.CatalogLocation, err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if records, err = client.Memberships(gctx); err != nil {
			records = nil
			degrade("membership", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if identity, err = client.Identity(gctx); err != nil {
			identity = ""
			degrade("identity", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		log.Error("refresh failed", "error", err)
		e.record(ctx, events.Entry{Type: events.TypeRefresh, CycleID: cycleID, Outcome: events.OutcomeFailed,
			Payload: events.EventPayload{"error": err.Error(), "port": s.Port}})
		return Snapshot{}, err
	}

	active := reconcile.Active(records)
	out := Snapshot{
		CycleID:        cycleID,
		Seq:            token,
		CatalogVersion: snap.Version,
		Identity:       identity,
		Memberships:    active,
		Views:          reconcile.Reconcile(snap.Catalog, active, identity),
		Degraded:       degraded,
		RefreshedAt:    e.now().UTC(),
	}

	if !e.publish(token, out) {
		log.Debug("discarding superseded refresh")
		e.record(ctx, events.Entry{Type: events.TypeRefresh, CycleID: cycleID, Outcome: events.OutcomeSuperseded})
		return Snapshot{}, ErrSuperseded
	}
	outcome := events.OutcomeOK
	if len(degraded) > 0 {
		outcome = events.OutcomeDegraded
	}
	log.Debug("refresh published", "projects", len(out.Views), "memberships", len(active), "catalog_version", out.CatalogVersion)
	e.record(ctx, events.Entry{Type: events.TypeRefresh, CycleID: cycleID, Outcome: outcome, Payload: events.EventPayload{
		"catalog_version": out.CatalogVersion,
		"projects":        len(out.Views),
		"memberships":     len(active),
		"degraded":        degraded,
		"port":            s.Port,
	}})
	e.rememberIdentity(ctx, identity)
	return out, nil
}

// publish installs snap only if token is still the latest issued.
func (e *Engine) publish(token uint64, snap Snapshot) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.seq.Load() != token {
		return false
	}
	e.current = &snap
	return true
}

func (e *Engine) rememberIdentity(ctx context.Context, identity string) {
	if e.Identities == nil || identity == "" {
		return
	}
	cached, err := e.Identities.CachedIdentity(ctx)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		e.Logger.Warn("read cached identity", "error", err)
		return
	}
	if cached == identity {
		return
	}
	if err := e.Identities.SetCachedIdentity(ctx, identity, e.now()); err != nil {
		e.Logger.Warn("cache identity", "error", err)
		return
	}
	e.record(ctx, events.Entry{Type: events.TypeIdentity, Outcome: events.OutcomeOK,
		Payload: events.EventPayload{"previous": cached, "identity": identity}})
}

func (e *Engine) record(ctx context.Context, entry events.Entry) {
	if err := e.Events.Append(ctx, entry); err != nil {
		e.Logger.Warn("event log write failed", "type", entry.Type, "error", err)
	}
}

// Outcome is the result of a successfully delivered command. RefreshErr is
// set when the command went through but the follow-up refresh did not.
type Outcome struct {
	Command    command.Command
	Snapshot   Snapshot
	RefreshErr error
}

// Dispatch sends cmd to the agent and, once the agent accepts it, runs a
// fresh cycle. A rejected or undeliverable command changes nothing; the
// error wraps agent.ErrRejected or agent.ErrUndeliverable.
func (e *Engine) Dispatch(ctx context.Context, s app.Session, cmd command.Command) (Outcome, error) {
	source := commandSource(cmd)
	log := e.Logger.With("command", cmd.Name(), "source", source)
	if err := s.AgentClient(e.Logger).Send(ctx, cmd, nil); err != nil {
		outcome := events.OutcomeFailed
		switch agent.Kind(err) {
		case agent.ErrRejected:
			outcome = events.OutcomeRejected
		case agent.ErrUndeliverable:
			outcome = events.OutcomeUndeliverable
		}
		log.Warn("command failed", "outcome", outcome, "error", err)
		e.record(ctx, events.Entry{Type: events.TypeCommand, Source: source, Outcome: outcome,
			Payload: commandPayload(cmd, err)})
		return Outcome{}, fmt.Errorf("%s: %w", cmd.Name(), err)
	}
	log.Info("command accepted")
	e.record(ctx, events.Entry{Type: events.TypeCommand, Source: source, Outcome: events.OutcomeOK,
		Payload: commandPayload(cmd, nil)})
	snap, err := e.Refresh(ctx, s)
	return Outcome{Command: cmd, Snapshot: snap, RefreshErr: err}, nil
}

func commandSource(cmd command.Command) string {
	switch c := cmd.(type) {
	case command.Join:
		return c.Source
	case command.Start:
		return c.Source
	}
	return ""
}

func commandPayload(cmd command.Command, err error) events.EventPayload {
	p := events.EventPayload{"command": string(cmd.Name())}
	if j, ok := cmd.(command.Join); ok {
		p["state"] = string(j.State)
	}
	if err != nil {
		p["error"] = err.Error()
	}
	return p
}
