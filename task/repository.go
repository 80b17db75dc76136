package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"taskwiser/db"
)

var (
	ErrNotFound             = errors.New("task: not found")
	ErrForbidden            = errors.New("task: forbidden")
	ErrCannotMutatePaidTask = errors.New("task: cannot mutate a paid task")
	ErrInvalidStatus        = errors.New("task: invalid status")
)

// Store is the persistence the board service relies on.
type Store interface {
	Create(ctx context.Context, params CreateParams) (Task, error)
	Get(ctx context.Context, id string) (Task, error)
	Update(ctx context.Context, id string, patch Patch) (Task, error)
}

type Repository struct {
	pool db.DBTX
}

func NewRepository(pool db.DBTX) *Repository {
	return &Repository{pool: pool}
}

const taskColumns = `
	id, title, description, status, creator_address, assignee_address,
	reward, reward_amount::text, paid, escrow_enabled, escrow_status,
	submission_content, submission_status, submission_submitted_at, submission_feedback,
	active_dispute_id::text, payment_tx_hash, created_at, updated_at`

func (r *Repository) Create(ctx context.Context, params CreateParams) (Task, error) {
	if strings.TrimSpace(params.Title) == "" || params.CreatorAddress == "" {
		return Task{}, fmt.Errorf("task: title and creator are required")
	}
	id := params.ID
	if id == "" {
		id = uuid.NewString()
	}

	query := `
		INSERT INTO tasks (id, title, description, creator_address, assignee_address, reward, reward_amount)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric)
		RETURNING ` + taskColumns

	t, err := scanTask(r.pool.QueryRow(ctx, query,
		id, params.Title, params.Description,
		strings.ToLower(params.CreatorAddress), strings.ToLower(params.AssigneeAddress),
		strings.ToUpper(params.Reward), params.RewardAmount.String()))
	if err != nil {
		return Task{}, fmt.Errorf("task: create: %w", err)
	}
	return t, nil
}

func (r *Repository) Get(ctx context.Context, id string) (Task, error) {
	return Get(ctx, r.pool, id)
}

func (r *Repository) Update(ctx context.Context, id string, patch Patch) (Task, error) {
	return Apply(ctx, r.pool, id, patch)
}

// Get loads a task through q.
func Get(ctx context.Context, q db.DBTX, id string) (Task, error) {
	t, err := scanTask(q.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, ErrNotFound
		}
		return Task{}, fmt.Errorf("task: get: %w", err)
	}
	return t, nil
}

// Apply writes patch through q. The update only matches unpaid tasks, so a
// paid task stays immutable even against concurrent writers.
func Apply(ctx context.Context, q db.DBTX, id string, patch Patch) (Task, error) {
	if patch.empty() {
		return Get(ctx, q, id)
	}

	sets := make([]string, 0, 8)
	args := []any{id}
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.Status != nil {
		if !patch.Status.Valid() {
			return Task{}, fmt.Errorf("%w: %q", ErrInvalidStatus, *patch.Status)
		}
		add("status", string(*patch.Status))
	}
	if patch.AssigneeAddress != nil {
		add("assignee_address", strings.ToLower(*patch.AssigneeAddress))
	}
	if patch.Paid != nil {
		add("paid", *patch.Paid)
	}
	if patch.EscrowEnabled != nil {
		add("escrow_enabled", *patch.EscrowEnabled)
	}
	if patch.EscrowStatus != nil {
		add("escrow_status", string(*patch.EscrowStatus))
	}
	if patch.PaymentTxHash != nil {
		add("payment_tx_hash", *patch.PaymentTxHash)
	}
	if s := patch.Submission; s != nil {
		add("submission_content", s.Content)
		add("submission_status", string(s.Status))
		add("submission_submitted_at", s.SubmittedAt)
		add("submission_feedback", s.Feedback)
	}
	switch {
	case patch.ClearDispute:
		sets = append(sets, "active_dispute_id = NULL")
	case patch.ActiveDisputeID != nil:
		args = append(args, *patch.ActiveDisputeID)
		sets = append(sets, fmt.Sprintf("active_dispute_id = $%d::uuid", len(args)))
	}
	sets = append(sets, "updated_at = now()")

	query := `UPDATE tasks SET ` + strings.Join(sets, ", ") + `
		WHERE id = $1 AND paid = false
		RETURNING ` + taskColumns

	t, err := scanTask(q.QueryRow(ctx, query, args...))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Task{}, fmt.Errorf("task: update: %w", err)
	}

	var paid bool
	if err := q.QueryRow(ctx, `SELECT paid FROM tasks WHERE id = $1`, id).Scan(&paid); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, ErrNotFound
		}
		return Task{}, fmt.Errorf("task: update fetch: %w", err)
	}
	if paid {
		return Task{}, ErrCannotMutatePaidTask
	}
	return Task{}, ErrNotFound
}

func scanTask(row pgx.Row) (Task, error) {
	var (
		t            Task
		status       string
		escrowStatus string
		amount       string
		content      *string
		subStatus    *string
		submittedAt  *time.Time
		feedback     *string
	)
	if err := row.Scan(
		&t.ID, &t.Title, &t.Description, &status, &t.CreatorAddress, &t.AssigneeAddress,
		&t.Reward, &amount, &t.Paid, &t.EscrowEnabled, &escrowStatus,
		&content, &subStatus, &submittedAt, &feedback,
		&t.ActiveDisputeID, &t.PaymentTxHash, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return Task{}, err
	}
	t.Status = Status(status)
	t.EscrowStatus = EscrowState(escrowStatus)

	parsed, err := decimal.NewFromString(amount)
	if err != nil {
		return Task{}, fmt.Errorf("parse reward amount %q: %w", amount, err)
	}
	t.RewardAmount = parsed

	if content != nil {
		s := &Submission{Content: *content}
		if subStatus != nil {
			s.Status = SubmissionStatus(*subStatus)
		}
		if submittedAt != nil {
			s.SubmittedAt = *submittedAt
		}
		if feedback != nil {
			s.Feedback = *feedback
		}
		t.Submission = s
	}
	return t, nil
}
