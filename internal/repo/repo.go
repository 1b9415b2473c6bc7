package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"fedboard/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const (
	keyPort     = "agent.port"
	keyIdentity = "identity.datasite"
)

func (r Repo) GetSetting(ctx context.Context, key string) (string, error) {
	var v string
	err := r.DB.QueryRowContext(ctx, `SELECT value FROM settings WHERE key=?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return v, err
}

func (r Repo) SetSetting(ctx context.Context, key, value string, now time.Time) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO settings(key,value,updated_at) VALUES (?,?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, value, now.UTC().Format(time.RFC3339))
	return err
}

// Port returns the stored agent port.
func (r Repo) Port(ctx context.Context) (int, error) {
	v, err := r.GetSetting(ctx, keyPort)
	if err != nil {
		return 0, err
	}
	p, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("stored port %q: %w", v, err)
	}
	return p, nil
}

func (r Repo) SetPort(ctx context.Context, port int, now time.Time) error {
	return r.SetSetting(ctx, keyPort, strconv.Itoa(port), now)
}

// CachedIdentity returns the last non-empty datasite seen from the agent.
func (r Repo) CachedIdentity(ctx context.Context) (string, error) {
	return r.GetSetting(ctx, keyIdentity)
}

func (r Repo) SetCachedIdentity(ctx context.Context, identity string, now time.Time) error {
	return r.SetSetting(ctx, keyIdentity, identity, now)
}

// LatestEvents returns up to limit events, newest first, optionally
// filtered by type.
func (r Repo) LatestEvents(ctx context.Context, limit int, evtType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	q := eventColumns
	args := []any{}
	if evtType != "" {
		q += ` WHERE type=?`
		args = append(args, evtType)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	return r.queryEvents(ctx, q, args...)
}

// EventsAfter returns up to limit events with id greater than afterID,
// oldest first.
func (r Repo) EventsAfter(ctx context.Context, limit int, afterID int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, eventColumns+` WHERE id>? ORDER BY id ASC LIMIT ?`, afterID, limit)
}

// LatestEventID returns the id of the newest event, or 0 for an empty log.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

const eventColumns = `SELECT id,ts,type,COALESCE(cycle_id,''),COALESCE(source,''),outcome,payload_json FROM events`

func (r Repo) queryEvents(ctx context.Context, q string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Event{}
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.CycleID, &e.Source, &e.Outcome, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
