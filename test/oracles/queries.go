package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is a query that must return no rows. AtRest oracles only hold once
// every actor has stopped and the repair sweep has run.
type Oracle struct {
	Name   string
	SQL    string
	AtRest bool
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_paid_requires_release",
			SQL: `SELECT id, escrow_status FROM tasks
                  WHERE paid AND escrow_enabled AND escrow_status <> 'released'`,
		},
		{
			Name: "O2_one_pending_dispute_per_task",
			SQL: `SELECT task_id, COUNT(*) FROM disputes
                  WHERE status = 'pending'
                  GROUP BY task_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_active_dispute_is_pending",
			SQL: `SELECT t.id, d.status FROM tasks t
                  LEFT JOIN disputes d ON d.id = t.active_dispute_id
                  WHERE t.active_dispute_id IS NOT NULL AND (d.id IS NULL OR d.status <> 'pending')`,
		},
		{
			Name: "O4_pending_dispute_is_referenced",
			SQL: `SELECT d.id FROM disputes d
                  JOIN tasks t ON t.id = d.task_id
                  WHERE d.status = 'pending' AND t.active_dispute_id IS DISTINCT FROM d.id`,
		},
		{
			Name: "O5_terminal_dispute_decided",
			SQL: `SELECT id, status, resolution FROM disputes
                  WHERE status <> 'pending'
                    AND (resolution->>'decision' NOT IN ('refund', 'approve')
                         OR (status = 'refunded' AND resolution->>'decision' <> 'refund')
                         OR (status = 'approved' AND resolution->>'decision' <> 'approve'))`,
		},
		{
			Name: "O6_approved_dispute_paid",
			SQL: `SELECT d.id, t.id FROM disputes d
                  JOIN tasks t ON t.id = d.task_id
                  WHERE d.status = 'approved' AND NOT t.paid`,
		},
		{
			Name: "O7_refunded_dispute_unpaid",
			SQL: `SELECT d.id, t.id FROM disputes d
                  JOIN tasks t ON t.id = d.task_id
                  WHERE d.status = 'refunded' AND (t.paid OR t.escrow_status <> 'refunded')`,
		},
		{
			Name: "O8_single_terminal_dispute_per_escrow",
			SQL: `SELECT task_id, COUNT(*) FROM disputes
                  WHERE status IN ('refunded', 'approved')
                  GROUP BY task_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O9_outbox_matches_events",
			SQL: `SELECT e.id, e.action FROM task_events e
                  WHERE (e.action LIKE 'escrow\_%' OR e.action LIKE 'dispute\_%')
                    AND NOT EXISTS (
                        SELECT 1 FROM outbox o
                        WHERE o.topic = 'task.' || e.action AND o.payload->>'task_id' = e.task_id)`,
		},
		{
			Name:   "O10_no_pending_dispute_at_rest_on_settled_task",
			AtRest: true,
			SQL: `SELECT d.id FROM disputes d
                  JOIN tasks t ON t.id = d.task_id
                  WHERE d.status = 'pending' AND t.escrow_status IN ('released', 'refunded')`,
		},
	}
}

// Run executes the oracles and returns the first failure (name and sample row
// text), or an empty name if all pass. AtRest oracles are skipped unless
// atRest is set.
func Run(ctx context.Context, pool *pgxpool.Pool, atRest bool) (string, string, error) {
	for _, o := range All() {
		if o.AtRest && !atRest {
			continue
		}
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
