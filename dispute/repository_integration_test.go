package dispute

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"taskwiser/activity"
	"taskwiser/db"
	"taskwiser/task"
)

// TestRepository_Integration exercises the transactional open and finish
// paths against a real PostgreSQL reachable through DATABASE_URL.
func TestRepository_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	const (
		creator  = "0xabcdef0000000000000000000000000000000001"
		assignee = "0xabcdef0000000000000000000000000000000002"
	)
	taskID := fmt.Sprintf("it-dispute-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		_, _ = pool.Exec(ctx2, `UPDATE tasks SET active_dispute_id = NULL WHERE id = $1`, taskID)
		_, _ = pool.Exec(ctx2, `DELETE FROM disputes WHERE task_id = $1`, taskID)
		_, _ = pool.Exec(ctx2, `DELETE FROM task_events WHERE task_id = $1`, taskID)
		_, _ = pool.Exec(ctx2, `DELETE FROM tasks WHERE id = $1`, taskID)
	})

	tasks := task.NewRepository(pool)
	if _, err := tasks.Create(ctx, task.CreateParams{
		ID: taskID, Title: "Disputed task", CreatorAddress: creator, AssigneeAddress: assignee,
		Reward: "USDC", RewardAmount: decimal.NewFromInt(500),
	}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	locked := task.EscrowLocked
	enabled := true
	if _, err := tasks.Update(ctx, taskID, task.Patch{EscrowEnabled: &enabled, EscrowStatus: &locked}); err != nil {
		t.Fatalf("lock task: %v", err)
	}

	events := activity.NewLog(pool)
	repo := NewRepository(pool, events)
	d, err := repo.Open(ctx, Dispute{
		ID: uuid.NewString(), TaskID: taskID, TaskTitle: "Disputed task",
		CreatorAddress: creator, ContributorAddress: assignee, RaisedBy: creator,
		Reason: "work not delivered", EscrowToken: "USDC", EscrowAmount: decimal.NewFromInt(500),
	}, activity.Event{TaskID: taskID, Actor: creator, Action: activity.ActionDisputeOpened})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if d.Status != StatusPending {
		t.Fatalf("expected pending, got %s", d.Status)
	}
	linked, err := tasks.Get(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if linked.ActiveDisputeID == nil || *linked.ActiveDisputeID != d.ID {
		t.Fatalf("task must point at dispute %s, got %v", d.ID, linked.ActiveDisputeID)
	}

	if _, err := repo.Open(ctx, Dispute{
		ID: uuid.NewString(), TaskID: taskID, CreatorAddress: creator, ContributorAddress: assignee,
		RaisedBy: assignee, Reason: "second", EscrowAmount: decimal.Zero,
	}, activity.Event{}); !errors.Is(err, ErrAlreadyOpen) {
		t.Fatalf("expected ErrAlreadyOpen, got %v", err)
	}

	withEvidence, err := repo.SaveEvidence(ctx, d.ID, SideContributor, Evidence{Description: "delivered", Attachments: []string{"ipfs://a"}, SubmittedAt: time.Now().UTC()})
	if err != nil {
		t.Fatalf("save evidence: %v", err)
	}
	if withEvidence.ContributorEvidence == nil || withEvidence.ContributorEvidence.Attachments[0] != "ipfs://a" {
		t.Fatalf("unexpected evidence: %+v", withEvidence.ContributorEvidence)
	}

	refunded := task.EscrowRefunded
	inProgress := task.StatusInProgress
	finished, err := repo.Finish(ctx, d.ID, Outcome{
		Status:     StatusRefunded,
		Resolution: Resolution{Decision: DecisionRefund, ResolvedBy: creator, ResolvedAt: time.Now().UTC(), Reason: "Refunded: work not delivered"},
		TaskPatch:  task.Patch{Status: &inProgress, EscrowStatus: &refunded},
		Event:      activity.Event{TaskID: taskID, Actor: creator, Action: activity.ActionDisputeResolved},
	})
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if finished.Status != StatusRefunded || finished.Resolution == nil || finished.ResolvedAt == nil {
		t.Fatalf("unexpected finished dispute: %+v", finished)
	}

	after, err := tasks.Get(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if after.Disputed() || after.EscrowStatus != task.EscrowRefunded || after.Paid {
		t.Fatalf("unexpected task after finish: %+v", after)
	}

	if _, err := repo.Finish(ctx, d.ID, Outcome{Status: StatusApproved, Resolution: Resolution{Decision: DecisionApprove, ResolvedAt: time.Now()}}); !errors.Is(err, ErrBadStatus) {
		t.Fatalf("expected ErrBadStatus, got %v", err)
	}
	if _, err := repo.Get(ctx, uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	var outboxRows int
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM outbox WHERE payload->>'task_id' = $1`, taskID).Scan(&outboxRows); err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	if outboxRows != 2 {
		t.Fatalf("expected opened and resolved outbox rows, got %d", outboxRows)
	}
}
