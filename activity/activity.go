// Package activity records what happened to a task. Escrow and dispute
// events are also queued on the outbox in the same transaction.
package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskwiser/db"
)

// Action names a task event.
type Action string

const (
	ActionCreated         Action = "created"
	ActionMoved           Action = "moved"
	ActionSubmitted       Action = "submitted"
	ActionPaymentRecorded Action = "payment_recorded"
	ActionEscrowLocked    Action = "escrow_locked"
	ActionEscrowReleased  Action = "escrow_released"
	ActionEscrowRefunded  Action = "escrow_refunded"
	ActionEscrowSynced    Action = "escrow_synced"
	ActionDisputeOpened   Action = "dispute_opened"
	ActionDisputeAdvised  Action = "dispute_advised"
	ActionDisputeResolved Action = "dispute_resolved"
)

// Published reports whether the action is also queued on the outbox.
func (a Action) Published() bool {
	return strings.HasPrefix(string(a), "escrow_") || strings.HasPrefix(string(a), "dispute_")
}

// Topic is the outbox topic of the action.
func (a Action) Topic() string {
	return "task." + string(a)
}

type Event struct {
	TaskID    string
	Actor     string
	Action    Action
	Meta      map[string]any
	CreatedAt time.Time
}

// Recorder appends task events.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
}

// Log is the Postgres Recorder.
type Log struct {
	pool db.TxBeginner
	now  func() time.Time
}

func NewLog(pool db.TxBeginner) *Log {
	return &Log{pool: pool, now: time.Now}
}

// Record writes ev in its own transaction.
func (l *Log) Record(ctx context.Context, ev Event) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("activity: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := l.RecordTx(ctx, tx, ev); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("activity: commit: %w", err)
	}
	return nil
}

// RecordTx writes ev through q, typically a transaction owned by the caller.
func (l *Log) RecordTx(ctx context.Context, q db.DBTX, ev Event) error {
	if ev.TaskID == "" || ev.Action == "" {
		return fmt.Errorf("activity: task id and action are required")
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = l.now().UTC()
	}
	meta := ev.Meta
	if meta == nil {
		meta = map[string]any{}
	}

	if _, err := q.Exec(ctx, `
		INSERT INTO task_events (id, task_id, actor, action, meta, created_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)
	`, uuid.NewString(), ev.TaskID, ev.Actor, string(ev.Action), toJSON(meta), ev.CreatedAt); err != nil {
		return fmt.Errorf("activity: insert event: %w", err)
	}

	if !ev.Action.Published() {
		return nil
	}

	payload := map[string]any{
		"task_id": ev.TaskID,
		"action":  string(ev.Action),
		"at":      ev.CreatedAt.Format(time.RFC3339),
	}
	if ev.Actor != "" {
		payload["actor"] = ev.Actor
	}
	for k, v := range meta {
		payload[k] = v
	}
	if _, err := q.Exec(ctx, `
		INSERT INTO outbox (topic, payload)
		VALUES ($1, $2::jsonb)
	`, ev.Action.Topic(), toJSON(payload)); err != nil {
		return fmt.Errorf("activity: enqueue outbox: %w", err)
	}
	return nil
}

// List returns the events of a task, oldest first.
func (l *Log) List(ctx context.Context, q db.DBTX, taskID string) ([]Event, error) {
	rows, err := q.Query(ctx, `
		SELECT task_id, actor, action, meta, created_at
		FROM task_events
		WHERE task_id = $1
		ORDER BY created_at, id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("activity: list: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev     Event
			action string
			raw    []byte
		)
		if err := rows.Scan(&ev.TaskID, &ev.Actor, &action, &raw, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("activity: scan: %w", err)
		}
		ev.Action = Action(action)
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &ev.Meta); err != nil {
				return nil, fmt.Errorf("activity: decode meta: %w", err)
			}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("activity: iterate: %w", err)
	}
	return out, nil
}

func toJSON(m map[string]any) string {
	b, err := json.Marshal(m)
	if err != nil {
		panic(err)
	}
	return string(b)
}
