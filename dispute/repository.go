package dispute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"taskwiser/activity"
	"taskwiser/db"
	"taskwiser/task"
)

var (
	ErrNotFound    = errors.New("dispute: not found")
	ErrForbidden   = errors.New("dispute: forbidden")
	ErrBadStatus   = errors.New("dispute: invalid status transition")
	ErrAlreadyOpen = errors.New("dispute: task already has an open dispute")
)

// Outcome is written when a dispute leaves pending.
type Outcome struct {
	Status     Status
	Resolution Resolution
	TaskPatch  task.Patch
	Event      activity.Event
}

// Store is the persistence the dispute service relies on.
type Store interface {
	Open(ctx context.Context, d Dispute, ev activity.Event) (Dispute, error)
	Get(ctx context.Context, id string) (Dispute, error)
	ListPending(ctx context.Context) ([]Dispute, error)
	SaveEvidence(ctx context.Context, id string, side Side, ev Evidence) (Dispute, error)
	SaveAdvisory(ctx context.Context, id string, adv Advisory) (Dispute, error)
	Finish(ctx context.Context, id string, out Outcome) (Dispute, error)
}

// TxRecorder writes activity inside a caller's transaction.
type TxRecorder interface {
	RecordTx(ctx context.Context, q db.DBTX, ev activity.Event) error
}

type Repository struct {
	pool   db.Pool
	events TxRecorder
}

func NewRepository(pool db.Pool, events TxRecorder) *Repository {
	return &Repository{pool: pool, events: events}
}

const disputeColumns = `
	id::text, task_id, task_title, creator_address, contributor_address, raised_by, reason,
	status, escrow_token, escrow_amount::text,
	creator_evidence, contributor_evidence, resolution, advisory,
	created_at, updated_at, resolved_at`

// Open inserts d and points the task at it in one transaction. The task
// update only matches unpaid tasks.
func (r *Repository) Open(ctx context.Context, d Dispute, ev activity.Event) (Dispute, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO disputes (id, task_id, task_title, creator_address, contributor_address, raised_by, reason, escrow_token, escrow_amount)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::numeric)
		RETURNING ` + disputeColumns

	rec, err := scanDispute(tx.QueryRow(ctx, query,
		d.ID, d.TaskID, d.TaskTitle, d.CreatorAddress, d.ContributorAddress,
		d.RaisedBy, d.Reason, d.EscrowToken, d.EscrowAmount.String()))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Dispute{}, ErrAlreadyOpen
		}
		return Dispute{}, fmt.Errorf("dispute: create: %w", err)
	}

	if _, err := task.Apply(ctx, tx, d.TaskID, task.Patch{ActiveDisputeID: &rec.ID}); err != nil {
		return Dispute{}, fmt.Errorf("dispute: link task: %w", err)
	}
	if err := r.record(ctx, tx, ev); err != nil {
		return Dispute{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit: %w", err)
	}
	return rec, nil
}

func (r *Repository) Get(ctx context.Context, id string) (Dispute, error) {
	if !validID(id) {
		return Dispute{}, ErrNotFound
	}
	rec, err := scanDispute(r.pool.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1::uuid`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("dispute: get: %w", err)
	}
	return rec, nil
}

func (r *Repository) ListPending(ctx context.Context) ([]Dispute, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE status = 'pending'
		ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Dispute, 0, 8)
	for rows.Next() {
		rec, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

// SaveEvidence overwrites one side's evidence while the dispute is pending.
func (r *Repository) SaveEvidence(ctx context.Context, id string, side Side, ev Evidence) (Dispute, error) {
	column := "creator_evidence"
	if side == SideContributor {
		column = "contributor_evidence"
	}
	query := `
		UPDATE disputes SET ` + column + ` = $2::jsonb, updated_at = now()
		WHERE id = $1::uuid AND status = 'pending'
		RETURNING ` + disputeColumns
	return r.updatePending(ctx, r.pool, "save evidence", query, id, toJSON(ev))
}

// SaveAdvisory stores the latest recommendation. Status is left alone.
func (r *Repository) SaveAdvisory(ctx context.Context, id string, adv Advisory) (Dispute, error) {
	query := `
		UPDATE disputes SET advisory = $2::jsonb, updated_at = now()
		WHERE id = $1::uuid AND status = 'pending'
		RETURNING ` + disputeColumns
	return r.updatePending(ctx, r.pool, "save advisory", query, id, toJSON(adv))
}

// Finish moves a pending dispute to its terminal status and brings the task
// mirror in line in the same transaction. A paid task is never patched, but
// its dispute pointer is still cleared.
func (r *Repository) Finish(ctx context.Context, id string, out Outcome) (Dispute, error) {
	if !out.Status.Terminal() {
		return Dispute{}, fmt.Errorf("%w: %s is not terminal", ErrBadStatus, out.Status)
	}
	if !validID(id) {
		return Dispute{}, ErrNotFound
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE disputes SET status = $2, resolution = $3::jsonb, resolved_at = $4, updated_at = now()
		WHERE id = $1::uuid AND status = 'pending'
		RETURNING ` + disputeColumns
	rec, err := r.updatePending(ctx, tx, "finish", query, id, string(out.Status), toJSON(out.Resolution), out.Resolution.ResolvedAt)
	if err != nil {
		return Dispute{}, err
	}

	t, err := task.Get(ctx, tx, rec.TaskID)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: load task: %w", err)
	}
	if !t.Paid {
		if _, err := task.Apply(ctx, tx, rec.TaskID, out.TaskPatch); err != nil {
			return Dispute{}, fmt.Errorf("dispute: update task: %w", err)
		}
	}
	if _, err := tx.Exec(ctx, `
		UPDATE tasks SET active_dispute_id = NULL, updated_at = now()
		WHERE id = $1 AND active_dispute_id = $2::uuid
	`, rec.TaskID, rec.ID); err != nil {
		return Dispute{}, fmt.Errorf("dispute: clear task: %w", err)
	}
	if err := r.record(ctx, tx, out.Event); err != nil {
		return Dispute{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit: %w", err)
	}
	return rec, nil
}

// updatePending runs a status-guarded update and, when it matches nothing,
// tells a missing dispute from one that already left pending.
func (r *Repository) updatePending(ctx context.Context, q db.DBTX, action, query, id string, args ...any) (Dispute, error) {
	if !validID(id) {
		return Dispute{}, ErrNotFound
	}
	rec, err := scanDispute(q.QueryRow(ctx, query, append([]any{id}, args...)...))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Dispute{}, fmt.Errorf("dispute: %s: %w", action, err)
	}

	var status Status
	if err := q.QueryRow(ctx, `SELECT status FROM disputes WHERE id = $1::uuid`, id).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("dispute: %s fetch: %w", action, err)
	}
	return Dispute{}, fmt.Errorf("%w: dispute is %s", ErrBadStatus, status)
}

// validID keeps malformed path ids away from the uuid cast, which would
// otherwise fail the query instead of matching no row.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func (r *Repository) record(ctx context.Context, q db.DBTX, ev activity.Event) error {
	if r.events == nil || ev.Action == "" {
		return nil
	}
	return r.events.RecordTx(ctx, q, ev)
}

func scanDispute(row pgx.Row) (Dispute, error) {
	var (
		d                                          Dispute
		status, amount                             string
		creatorEv, contributorEv, resolution, advc []byte
	)
	if err := row.Scan(
		&d.ID, &d.TaskID, &d.TaskTitle, &d.CreatorAddress, &d.ContributorAddress, &d.RaisedBy, &d.Reason,
		&status, &d.EscrowToken, &amount,
		&creatorEv, &contributorEv, &resolution, &advc,
		&d.CreatedAt, &d.UpdatedAt, &d.ResolvedAt,
	); err != nil {
		return Dispute{}, err
	}
	d.Status = Status(status)

	parsed, err := decimal.NewFromString(amount)
	if err != nil {
		return Dispute{}, fmt.Errorf("parse escrow amount %q: %w", amount, err)
	}
	d.EscrowAmount = parsed

	if d.CreatorEvidence, err = decodeJSON[Evidence](creatorEv); err != nil {
		return Dispute{}, err
	}
	if d.ContributorEvidence, err = decodeJSON[Evidence](contributorEv); err != nil {
		return Dispute{}, err
	}
	if d.Resolution, err = decodeJSON[Resolution](resolution); err != nil {
		return Dispute{}, err
	}
	if d.Advisory, err = decodeJSON[Advisory](advc); err != nil {
		return Dispute{}, err
	}
	return d, nil
}

func decodeJSON[T any](raw []byte) (*T, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	v := new(T)
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, fmt.Errorf("decode %T: %w", v, err)
	}
	return v, nil
}

func toJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}
