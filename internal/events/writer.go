package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types recorded in the workspace log.
const (
	TypeRefresh  = "refresh"
	TypeCommand  = "command"
	TypePort     = "port.set"
	TypeIdentity = "identity.changed"
)

// Outcomes.
const (
	OutcomeOK            = "ok"
	OutcomeDegraded      = "degraded"
	OutcomeFailed        = "failed"
	OutcomeSuperseded    = "superseded"
	OutcomeRejected      = "rejected"
	OutcomeUndeliverable = "undeliverable"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Entry is one row of the event log.
type Entry struct {
	Type    string
	CycleID string
	Source  string
	Outcome string
	Payload EventPayload
}

// Append writes e. A Writer without a database discards events.
func (w Writer) Append(ctx context.Context, e Entry) error {
	if w.DB == nil {
		return nil
	}
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339Nano)
	payload := e.Payload
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,cycle_id,source,outcome,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, e.Type, nullable(e.CycleID), nullable(e.Source), e.Outcome, string(data))
	if err != nil {
		return fmt.Errorf("append %s event: %w", e.Type, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
