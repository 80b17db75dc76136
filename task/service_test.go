package task

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"taskwiser/activity"
	"taskwiser/escrow"
	"taskwiser/escrow/escrowtest"
	"taskwiser/reconcile"
	"taskwiser/wallet"
)

var testEscrow = common.HexToAddress("0x00000000000000000000000000000000000e5c40")

type board struct {
	svc      *Service
	store    *fakeStore
	chain    *escrowtest.Chain
	events   *fakeEvents
	creator  *bind.TransactOpts
	assignee *bind.TransactOpts
}

func newBoard(t *testing.T) *board {
	t.Helper()
	_, owner := escrowtest.NewAccount()
	creatorKey, creator := escrowtest.NewAccount()
	assigneeKey, assignee := escrowtest.NewAccount()

	chain := escrowtest.New(testEscrow, owner.From)
	client := chain.Client(nil)
	ring := wallet.NewKeyring(escrowtest.ChainID)
	ring.Add(creatorKey)
	ring.Add(assigneeKey)

	store := newFakeStore()
	events := &fakeEvents{}
	svc := NewService(store, client, reconcile.New(client), ring, events).
		WithClock(func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) })
	return &board{svc: svc, store: store, chain: chain, events: events, creator: creator, assignee: assignee}
}

func (b *board) addr(opts *bind.TransactOpts) string {
	return strings.ToLower(opts.From.Hex())
}

func (b *board) rewardTask(t *testing.T, id string) Task {
	t.Helper()
	tk, err := b.svc.Create(context.Background(), b.addr(b.creator), CreateParams{
		ID:              id,
		Title:           "Build landing page",
		AssigneeAddress: b.addr(b.assignee),
		Reward:          "USDC",
		RewardAmount:    decimal.NewFromInt(500),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return tk
}

func (b *board) lockedTask(t *testing.T, id string) Task {
	t.Helper()
	b.rewardTask(t, id)
	b.chain.Approve(escrow.DefaultTokens()[escrow.TokenUSDC], b.creator.From, testEscrow, big.NewInt(500_000000))
	tk, err := b.svc.EnableEscrow(context.Background(), b.addr(b.creator), id)
	if err != nil {
		t.Fatalf("enable escrow: %v", err)
	}
	return tk
}

func TestEnableEscrow_LocksAndMirrors(t *testing.T) {
	b := newBoard(t)
	tk := b.lockedTask(t, "task-42")

	if !tk.EscrowEnabled || tk.EscrowStatus != EscrowLocked {
		t.Fatalf("expected locked mirror, got enabled=%v status=%q", tk.EscrowEnabled, tk.EscrowStatus)
	}
	if tk.Paid {
		t.Fatal("locking must not mark the task paid")
	}
	if b.chain.Slot("task-42") != escrow.StatusLocked {
		t.Fatalf("expected on-chain lock, got %s", b.chain.Slot("task-42"))
	}
	if !b.events.has("task-42", activity.ActionEscrowLocked) {
		t.Fatal("expected escrow_locked event")
	}
}

func TestEnableEscrow_Guards(t *testing.T) {
	b := newBoard(t)
	b.rewardTask(t, "task-1")
	ctx := context.Background()

	if _, err := b.svc.EnableEscrow(ctx, b.addr(b.assignee), "task-1"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for non-creator, got %v", err)
	}

	noAssignee, err := b.svc.Create(ctx, b.addr(b.creator), CreateParams{ID: "task-2", Title: "x", Reward: "USDC", RewardAmount: decimal.NewFromInt(1)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := b.svc.EnableEscrow(ctx, b.addr(b.creator), noAssignee.ID); !errors.Is(err, ErrNoAssignee) {
		t.Fatalf("expected ErrNoAssignee, got %v", err)
	}

	if _, err := b.svc.Create(ctx, b.addr(b.creator), CreateParams{Title: "x", Reward: "DAI", RewardAmount: decimal.NewFromInt(1)}); !errors.Is(err, escrow.ErrUnknownToken) {
		t.Fatalf("expected ErrUnknownToken, got %v", err)
	}
	if len(b.chain.Calls()) != 0 {
		t.Fatalf("no transactions expected, got %v", b.chain.Calls())
	}
}

func TestMove_ReleasesBeforeMarkingPaid(t *testing.T) {
	b := newBoard(t)
	b.lockedTask(t, "task-42")

	res, err := b.svc.Move(context.Background(), b.addr(b.creator), "task-42", StatusDone)
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if res.Outcome != OutcomeReleased {
		t.Fatalf("expected released outcome, got %s", res.Outcome)
	}
	if !res.Task.Paid || res.Task.EscrowStatus != EscrowReleased || res.Task.Status != StatusDone {
		t.Fatalf("unexpected task after release: %+v", res.Task)
	}
	if res.Task.PaymentTxHash == "" {
		t.Fatal("expected release tx hash to be stored")
	}
	if b.chain.Slot("task-42") != escrow.StatusReleased {
		t.Fatal("expected on-chain release")
	}
}

func TestMove_UnverifiedReleaseKeepsTaskUnpaid(t *testing.T) {
	b := newBoard(t)
	b.lockedTask(t, "task-42")
	b.chain.SkipEffectNext("releaseEscrow")

	_, err := b.svc.Move(context.Background(), b.addr(b.creator), "task-42", StatusDone)
	if !errors.Is(err, reconcile.ErrReconciliationPending) {
		t.Fatalf("expected ErrReconciliationPending, got %v", err)
	}
	stored := b.store.get("task-42")
	if stored.Paid || stored.Status == StatusDone || stored.EscrowStatus != EscrowLocked {
		t.Fatalf("task must stay unpaid and locked, got %+v", stored)
	}
}

func TestMove_FailedReceiptKeepsTaskUnpaid(t *testing.T) {
	b := newBoard(t)
	b.lockedTask(t, "task-42")
	b.chain.RevertNext("releaseEscrow")

	_, err := b.svc.Move(context.Background(), b.addr(b.creator), "task-42", StatusDone)
	if !errors.Is(err, escrow.ErrTransactionFailed) {
		t.Fatalf("expected ErrTransactionFailed, got %v", err)
	}
	if b.store.get("task-42").Paid {
		t.Fatal("task must stay unpaid")
	}
}

func TestMove_PaidTaskIsImmutable(t *testing.T) {
	b := newBoard(t)
	b.lockedTask(t, "task-42")
	ctx := context.Background()
	if _, err := b.svc.Move(ctx, b.addr(b.creator), "task-42", StatusDone); err != nil {
		t.Fatalf("move: %v", err)
	}
	updates := b.store.updates
	calls := len(b.chain.Calls())

	for _, next := range []Status{StatusTodo, StatusReview, StatusDone} {
		if _, err := b.svc.Move(ctx, b.addr(b.creator), "task-42", next); !errors.Is(err, ErrCannotMutatePaidTask) {
			t.Fatalf("move to %s: expected ErrCannotMutatePaidTask, got %v", next, err)
		}
	}
	if _, err := b.svc.RecordManualPayment(ctx, b.addr(b.creator), "task-42", "0x"+strings.Repeat("ab", 32)); !errors.Is(err, ErrCannotMutatePaidTask) {
		t.Fatalf("payment: expected ErrCannotMutatePaidTask, got %v", err)
	}
	if b.store.updates != updates || len(b.chain.Calls()) != calls {
		t.Fatal("rejected moves must have no side effects")
	}
}

func TestMove_OpenDisputeBlocksRelease(t *testing.T) {
	b := newBoard(t)
	b.lockedTask(t, "task-42")
	b.store.setDispute("task-42", "d-1")

	if _, err := b.svc.Move(context.Background(), b.addr(b.creator), "task-42", StatusDone); !errors.Is(err, ErrDisputeOpen) {
		t.Fatalf("expected ErrDisputeOpen, got %v", err)
	}
	if b.chain.Slot("task-42") != escrow.StatusLocked {
		t.Fatal("funds must stay locked")
	}

	if _, err := b.svc.Move(context.Background(), b.addr(b.assignee), "task-42", StatusReview); err != nil {
		t.Fatalf("non-payout moves stay allowed: %v", err)
	}
}

func TestMove_AssigneeCannotRelease(t *testing.T) {
	b := newBoard(t)
	b.lockedTask(t, "task-42")
	if _, err := b.svc.Move(context.Background(), b.addr(b.assignee), "task-42", StatusDone); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestMove_PlainRewardAsksForPayment(t *testing.T) {
	b := newBoard(t)
	b.rewardTask(t, "task-9")
	ctx := context.Background()

	res, err := b.svc.Move(ctx, b.addr(b.assignee), "task-9", StatusDone)
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if res.Outcome != OutcomePaymentRequired || res.Task.Paid {
		t.Fatalf("expected payment prompt on unpaid task, got %s paid=%v", res.Outcome, res.Task.Paid)
	}

	if _, err := b.svc.RecordManualPayment(ctx, b.addr(b.creator), "task-9", "0x1234"); !errors.Is(err, ErrInvalidTxHash) {
		t.Fatalf("expected ErrInvalidTxHash, got %v", err)
	}
	paid, err := b.svc.RecordManualPayment(ctx, b.addr(b.creator), "task-9", "0x"+strings.Repeat("CD", 32))
	if err != nil {
		t.Fatalf("payment: %v", err)
	}
	if !paid.Paid || paid.PaymentTxHash != "0x"+strings.Repeat("cd", 32) {
		t.Fatalf("unexpected paid task: %+v", paid)
	}
}

func TestRecordManualPayment_EscrowTakesPrecedence(t *testing.T) {
	b := newBoard(t)
	b.lockedTask(t, "task-42")
	if _, err := b.svc.RecordManualPayment(context.Background(), b.addr(b.creator), "task-42", "0x"+strings.Repeat("ab", 32)); !errors.Is(err, ErrPaymentNotAllowed) {
		t.Fatalf("expected ErrPaymentNotAllowed, got %v", err)
	}
}

func TestBatchMove_PaidTaskBlocksWholeBatch(t *testing.T) {
	b := newBoard(t)
	ctx := context.Background()
	b.lockedTask(t, "paid")
	if _, err := b.svc.Move(ctx, b.addr(b.creator), "paid", StatusDone); err != nil {
		t.Fatalf("pay: %v", err)
	}
	b.rewardTask(t, "a")
	b.rewardTask(t, "b")
	updates := b.store.updates

	_, err := b.svc.BatchMove(ctx, b.addr(b.creator), []MoveRequest{
		{TaskID: "a", Status: StatusReview},
		{TaskID: "paid", Status: StatusTodo},
		{TaskID: "b", Status: StatusReview},
	})
	if !errors.Is(err, ErrCannotMutatePaidTask) {
		t.Fatalf("expected ErrCannotMutatePaidTask, got %v", err)
	}
	if b.store.updates != updates {
		t.Fatalf("no task may move, saw %d updates", b.store.updates-updates)
	}
	if b.store.get("a").Status != StatusTodo || b.store.get("b").Status != StatusTodo {
		t.Fatal("unpaid tasks must keep their column")
	}
}

func TestBatchMove_MixedMovesAndRelease(t *testing.T) {
	b := newBoard(t)
	ctx := context.Background()
	b.lockedTask(t, "escrowed")
	b.rewardTask(t, "plain")
	other, err := b.svc.Create(ctx, b.addr(b.creator), CreateParams{ID: "note", Title: "docs"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	results, err := b.svc.BatchMove(ctx, b.addr(b.creator), []MoveRequest{
		{TaskID: "plain", Status: StatusDone},
		{TaskID: "escrowed", Status: StatusDone},
		{TaskID: other.ID, Status: StatusInProgress},
	})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	want := []Outcome{OutcomePaymentRequired, OutcomeReleased, OutcomeMoved}
	for i, res := range results {
		if res.Outcome != want[i] {
			t.Fatalf("entry %d: expected %s, got %s", i, want[i], res.Outcome)
		}
	}
	if !b.store.get("escrowed").Paid {
		t.Fatal("escrowed task should be paid after reconciled release")
	}
}

func TestBatchMove_DisputeBlocksWholeBatch(t *testing.T) {
	b := newBoard(t)
	b.lockedTask(t, "escrowed")
	b.store.setDispute("escrowed", "d-9")
	b.rewardTask(t, "plain")
	updates := b.store.updates

	_, err := b.svc.BatchMove(context.Background(), b.addr(b.creator), []MoveRequest{
		{TaskID: "plain", Status: StatusReview},
		{TaskID: "escrowed", Status: StatusDone},
	})
	if !errors.Is(err, ErrDisputeOpen) {
		t.Fatalf("expected ErrDisputeOpen, got %v", err)
	}
	if b.store.updates != updates {
		t.Fatal("batch must be fully blocked")
	}
}

func TestRefundByAssignee(t *testing.T) {
	b := newBoard(t)
	b.lockedTask(t, "task-42")
	ctx := context.Background()

	if _, err := b.svc.RefundByAssignee(ctx, b.addr(b.creator), "task-42", ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for creator, got %v", err)
	}
	tk, err := b.svc.RefundByAssignee(ctx, b.addr(b.assignee), "task-42", "")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if tk.EscrowStatus != EscrowRefunded || tk.Paid {
		t.Fatalf("unexpected task after refund: %+v", tk)
	}
	if b.chain.Slot("task-42") != escrow.StatusRefunded {
		t.Fatal("expected on-chain refund")
	}
}

func TestSyncEscrow_AdvancesOnly(t *testing.T) {
	b := newBoard(t)
	b.lockedTask(t, "task-42")
	ctx := context.Background()

	// a release that landed after the caller gave up on confirmation
	b.chain.HangConfirmations(true)
	b.svc.reconciler = reconcile.New(b.chain.Client(nil).WithConfirmTimeout(10 * time.Millisecond))
	if _, err := b.svc.Move(ctx, b.addr(b.creator), "task-42", StatusDone); !errors.Is(err, escrow.ErrConfirmationTimeout) {
		t.Fatalf("expected ErrConfirmationTimeout, got %v", err)
	}
	if b.store.get("task-42").Paid {
		t.Fatal("timed out release must not mark paid")
	}
	b.chain.HangConfirmations(false)

	tk, err := b.svc.SyncEscrow(ctx, "task-42")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !tk.Paid || tk.EscrowStatus != EscrowReleased || tk.Status != StatusDone {
		t.Fatalf("expected sync to record the observed release, got %+v", tk)
	}
}

func TestSyncEscrow_NeverDowngrades(t *testing.T) {
	b := newBoard(t)
	b.rewardTask(t, "task-5")
	b.store.mutate("task-5", func(tk *Task) {
		tk.EscrowEnabled = true
		tk.EscrowStatus = EscrowRefunded
	})
	b.chain.Seed(escrow.Record{TaskID: escrow.TaskIDToBytes32("task-5"), Amount: big.NewInt(1), Status: escrow.StatusLocked})

	tk, err := b.svc.SyncEscrow(context.Background(), "task-5")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if tk.EscrowStatus != EscrowRefunded {
		t.Fatalf("mirror must not move backwards, got %q", tk.EscrowStatus)
	}
}

func TestSyncEscrow_SettlesReleasedMirror(t *testing.T) {
	b := newBoard(t)
	b.rewardTask(t, "task-6")
	b.store.mutate("task-6", func(tk *Task) {
		tk.EscrowEnabled = true
		tk.EscrowStatus = EscrowReleased
	})
	b.chain.Seed(escrow.Record{
		TaskID:   escrow.TaskIDToBytes32("task-6"),
		Token:    escrow.DefaultTokens()[escrow.TokenUSDC],
		Admin:    b.creator.From,
		Assignee: b.assignee.From,
		Amount:   big.NewInt(500_000000),
		Status:   escrow.StatusReleased,
	})

	tk, err := b.svc.SyncEscrow(context.Background(), "task-6")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !tk.Paid || tk.Status != StatusDone {
		t.Fatalf("released mirror left unpaid: %+v", tk)
	}
}

func TestSyncEscrow_IgnoresSlotFundedForSomeoneElse(t *testing.T) {
	b := newBoard(t)
	b.rewardTask(t, "task-7")
	ctx := context.Background()

	// the creator funds a dust escrow for an unrelated address under the task id
	client := b.chain.Client(nil)
	tx, err := client.LockEscrow(ctx, b.creator, escrow.LockParams{
		TaskID:   "task-7",
		Token:    escrow.TokenUSDC,
		Assignee: common.HexToAddress("0x000000000000000000000000000000000000dEaD"),
		Amount:   decimal.New(1, -6),
	})
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := client.Confirm(ctx, tx); err != nil {
		t.Fatalf("confirm lock: %v", err)
	}
	tx, err = client.ReleaseEscrow(ctx, b.creator, "task-7")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := client.Confirm(ctx, tx); err != nil {
		t.Fatalf("confirm release: %v", err)
	}

	if _, err := b.svc.SyncEscrow(ctx, "task-7"); !errors.Is(err, ErrEscrowMismatch) {
		t.Fatalf("expected ErrEscrowMismatch, got %v", err)
	}
	stored := b.store.get("task-7")
	if stored.Paid || stored.EscrowEnabled || stored.EscrowStatus != EscrowNone {
		t.Fatalf("foreign slot must leave the task untouched, got %+v", stored)
	}
	if b.events.has("task-7", activity.ActionEscrowSynced) {
		t.Fatal("no sync event expected for a foreign slot")
	}

	if _, err := b.svc.Move(ctx, b.addr(b.assignee), "task-7", StatusDone); err != nil {
		t.Fatalf("move: %v", err)
	}
	paid, err := b.svc.RecordManualPayment(ctx, b.addr(b.creator), "task-7", "0x"+strings.Repeat("ef", 32))
	if err != nil {
		t.Fatalf("the real payment must still be recordable: %v", err)
	}
	if !paid.Paid {
		t.Fatalf("expected paid after manual payment, got %+v", paid)
	}
}

func TestMatchSlot(t *testing.T) {
	b := newBoard(t)
	tk := b.rewardTask(t, "task-8")
	good := escrow.Record{
		Token:    escrow.DefaultTokens()[escrow.TokenUSDC],
		Admin:    b.creator.From,
		Assignee: b.assignee.From,
		Amount:   big.NewInt(500_000000),
	}
	if err := b.svc.matchSlot(tk, good); err != nil {
		t.Fatalf("matching slot rejected: %v", err)
	}

	cases := map[string]func(*escrow.Record){
		"depositor": func(r *escrow.Record) { r.Admin = b.assignee.From },
		"payee":     func(r *escrow.Record) { r.Assignee = b.creator.From },
		"token":     func(r *escrow.Record) { r.Token = escrow.DefaultTokens()[escrow.TokenUSDT] },
		"amount":    func(r *escrow.Record) { r.Amount = big.NewInt(499_999999) },
		"no amount": func(r *escrow.Record) { r.Amount = nil },
	}
	for name, mutate := range cases {
		rec := good
		mutate(&rec)
		if err := b.svc.matchSlot(tk, rec); !errors.Is(err, ErrEscrowMismatch) {
			t.Errorf("%s: expected ErrEscrowMismatch, got %v", name, err)
		}
	}

	plain := tk
	plain.Reward = ""
	plain.RewardAmount = decimal.Zero
	if err := b.svc.matchSlot(plain, good); !errors.Is(err, ErrEscrowMismatch) {
		t.Fatalf("task without reward must not match, got %v", err)
	}
}

func TestSubmitWork(t *testing.T) {
	b := newBoard(t)
	b.rewardTask(t, "task-3")
	ctx := context.Background()

	if _, err := b.svc.SubmitWork(ctx, b.addr(b.creator), "task-3", "done"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	tk, err := b.svc.SubmitWork(ctx, b.addr(b.assignee), "task-3", "https://example.com/pr/1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if tk.Status != StatusReview || tk.Submission == nil || tk.Submission.Status != SubmissionPending {
		t.Fatalf("unexpected task after submission: %+v", tk)
	}
}

type fakeStore struct {
	mu      sync.Mutex
	tasks   map[string]Task
	updates int
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: make(map[string]Task)}
}

func (f *fakeStore) Create(_ context.Context, params CreateParams) (Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := params.ID
	if id == "" {
		id = fmt.Sprintf("task-%d", len(f.tasks)+1)
	}
	if _, ok := f.tasks[id]; ok {
		return Task{}, fmt.Errorf("duplicate task %s", id)
	}
	t := Task{
		ID:              id,
		Title:           params.Title,
		Description:     params.Description,
		Status:          StatusTodo,
		CreatorAddress:  strings.ToLower(params.CreatorAddress),
		AssigneeAddress: strings.ToLower(params.AssigneeAddress),
		Reward:          strings.ToUpper(params.Reward),
		RewardAmount:    params.RewardAmount,
	}
	f.tasks[id] = t
	return t, nil
}

func (f *fakeStore) Get(_ context.Context, id string) (Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return t, nil
}

func (f *fakeStore) Update(_ context.Context, id string, p Patch) (Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	if t.Paid {
		return Task{}, ErrCannotMutatePaidTask
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.AssigneeAddress != nil {
		t.AssigneeAddress = *p.AssigneeAddress
	}
	if p.Paid != nil {
		t.Paid = *p.Paid
	}
	if p.EscrowEnabled != nil {
		t.EscrowEnabled = *p.EscrowEnabled
	}
	if p.EscrowStatus != nil {
		t.EscrowStatus = *p.EscrowStatus
	}
	if p.PaymentTxHash != nil {
		t.PaymentTxHash = *p.PaymentTxHash
	}
	if p.Submission != nil {
		s := *p.Submission
		t.Submission = &s
	}
	if p.ClearDispute {
		t.ActiveDisputeID = nil
	} else if p.ActiveDisputeID != nil {
		t.ActiveDisputeID = ptr(*p.ActiveDisputeID)
	}
	f.tasks[id] = t
	f.updates++
	return t, nil
}

func (f *fakeStore) get(id string) Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks[id]
}

func (f *fakeStore) mutate(id string, fn func(*Task)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tasks[id]
	fn(&t)
	f.tasks[id] = t
}

func (f *fakeStore) setDispute(id, disputeID string) {
	f.mutate(id, func(t *Task) { t.ActiveDisputeID = &disputeID })
}

type fakeEvents struct {
	mu     sync.Mutex
	events []activity.Event
}

func (f *fakeEvents) Record(_ context.Context, ev activity.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeEvents) has(taskID string, action activity.Action) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range f.events {
		if ev.TaskID == taskID && ev.Action == action {
			return true
		}
	}
	return false
}
