package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"taskwiser/dispute"
	"taskwiser/escrow"
	"taskwiser/reconcile"
	"taskwiser/task"
)

// Board is the shared world the actors play on.
type Board struct {
	Tasks    *task.Service
	Disputes *dispute.Service
	Creator  string
	Assignee string
	Admin    string
	TaskIDs  []string
}

func (b *Board) pick(rng *rand.Rand) string {
	return b.TaskIDs[rng.Intn(len(b.TaskIDs))]
}

// Tally counts actor outcomes by error class.
type Tally struct {
	mu      sync.Mutex
	counts  map[string]int
	samples []string
}

func NewTally() *Tally {
	return &Tally{counts: make(map[string]int)}
}

func (t *Tally) add(actor string, err error) {
	class := classify(err)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[actor+"/"+class]++
	if class == "other" && len(t.samples) < 10 {
		t.samples = append(t.samples, fmt.Sprintf("%s: %v", actor, err))
	}
}

// Count returns how often actor ended in class.
func (t *Tally) Count(actor, class string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[actor+"/"+class]
}

func (t *Tally) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]string, 0, len(t.counts))
	for k := range t.counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%d ", k, t.counts[k])
	}
	for _, s := range t.samples {
		fmt.Fprintf(&b, "\n  %s", s)
	}
	return b.String()
}

func classify(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, reconcile.ErrReconciliationPending):
		return "pending"
	case errors.Is(err, reconcile.ErrInFlight):
		return "in_flight"
	case errors.Is(err, reconcile.ErrInvalidEscrowState), errors.Is(err, escrow.ErrEscrowNotLocked):
		return "escrow_state"
	case errors.Is(err, task.ErrCannotMutatePaidTask):
		return "paid"
	case errors.Is(err, task.ErrDisputeOpen), errors.Is(err, dispute.ErrAlreadyOpen):
		return "disputed"
	case errors.Is(err, dispute.ErrBadStatus), errors.Is(err, dispute.ErrNotFound):
		return "dispute_gone"
	case errors.Is(err, task.ErrEscrowNotEnabled):
		return "no_escrow"
	}
	return "other"
}

// loop runs step until ctx is done or stop closes, pausing between steps.
func loop(ctx context.Context, stop <-chan struct{}, rng *rand.Rand, pause time.Duration, step func()) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		step()
		time.Sleep(pause + time.Duration(rng.Int63n(int64(pause))))
	}
}

// Releaser keeps moving random tasks to done as the creator, which releases
// locked escrow.
func Releaser(ctx context.Context, b *Board, tally *Tally, rng *rand.Rand, stop <-chan struct{}) error {
	return loop(ctx, stop, rng, 40*time.Millisecond, func() {
		_, err := b.Tasks.Move(ctx, b.Creator, b.pick(rng), task.StatusDone)
		tally.add("release", err)
	})
}

// Shuffler makes plain column moves, which must bounce off paid tasks.
func Shuffler(ctx context.Context, b *Board, tally *Tally, rng *rand.Rand, stop <-chan struct{}) error {
	columns := []task.Status{task.StatusTodo, task.StatusInProgress, task.StatusReview}
	return loop(ctx, stop, rng, 15*time.Millisecond, func() {
		actor := b.Creator
		if rng.Intn(2) == 0 {
			actor = b.Assignee
		}
		_, err := b.Tasks.Move(ctx, actor, b.pick(rng), columns[rng.Intn(len(columns))])
		tally.add("shuffle", err)
	})
}

// Disputer opens disputes from either side.
func Disputer(ctx context.Context, b *Board, tally *Tally, rng *rand.Rand, stop <-chan struct{}) error {
	return loop(ctx, stop, rng, 30*time.Millisecond, func() {
		actor := b.Creator
		if rng.Intn(2) == 0 {
			actor = b.Assignee
		}
		_, err := b.Disputes.Open(ctx, actor, dispute.OpenRequest{TaskID: b.pick(rng), Reason: "stress: deliverable contested"})
		tally.add("open", err)
	})
}

// Arbiter resolves pending disputes with a random decision.
func Arbiter(ctx context.Context, b *Board, tally *Tally, rng *rand.Rand, stop <-chan struct{}) error {
	decisions := []dispute.Decision{dispute.DecisionRefund, dispute.DecisionApprove}
	return loop(ctx, stop, rng, 50*time.Millisecond, func() {
		pending, err := b.Disputes.ListPending(ctx, b.Admin)
		if err != nil || len(pending) == 0 {
			return
		}
		d := pending[rng.Intn(len(pending))]
		_, err = b.Disputes.Resolve(ctx, b.Admin, d.ID, dispute.ResolveRequest{Action: decisions[rng.Intn(len(decisions))]})
		tally.add("resolve", err)
	})
}

// Closer closes pending disputes whose escrow settled elsewhere.
func Closer(ctx context.Context, b *Board, tally *Tally, rng *rand.Rand, stop <-chan struct{}) error {
	return loop(ctx, stop, rng, 120*time.Millisecond, func() {
		pending, err := b.Disputes.ListPending(ctx, b.Admin)
		if err != nil || len(pending) == 0 {
			return
		}
		_, err = b.Disputes.Close(ctx, b.Admin, pending[rng.Intn(len(pending))].ID, "")
		tally.add("close", err)
	})
}

// Refunder hands locked funds back as the assignee.
func Refunder(ctx context.Context, b *Board, tally *Tally, rng *rand.Rand, stop <-chan struct{}) error {
	return loop(ctx, stop, rng, 80*time.Millisecond, func() {
		_, err := b.Tasks.RefundByAssignee(ctx, b.Assignee, b.pick(rng), "")
		tally.add("refund", err)
	})
}

// Syncer repairs mirrors from the chain.
func Syncer(ctx context.Context, b *Board, tally *Tally, rng *rand.Rand, stop <-chan struct{}) error {
	return loop(ctx, stop, rng, 60*time.Millisecond, func() {
		_, err := b.Tasks.SyncEscrow(ctx, b.pick(rng))
		tally.add("sync", err)
	})
}

// Settle is the after-run repair sweep: pending disputes whose escrow is
// already terminal get closed, then every mirror is synced.
func Settle(ctx context.Context, b *Board) error {
	pending, err := b.Disputes.ListPending(ctx, b.Admin)
	if err != nil {
		return fmt.Errorf("actors: settle list: %w", err)
	}
	for _, d := range pending {
		if _, err := b.Disputes.Close(ctx, b.Admin, d.ID, ""); err != nil && classify(err) != "escrow_state" {
			return fmt.Errorf("actors: settle close %s: %w", d.ID, err)
		}
	}
	for _, id := range b.TaskIDs {
		if _, err := b.Tasks.SyncEscrow(ctx, id); err != nil {
			return fmt.Errorf("actors: settle sync %s: %w", id, err)
		}
	}
	return nil
}
