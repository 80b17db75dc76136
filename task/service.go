package task

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"

	"taskwiser/activity"
	"taskwiser/escrow"
	"taskwiser/reconcile"
)

var (
	ErrDisputeOpen          = errors.New("task: an open dispute freezes escrow movement")
	ErrEscrowAlreadyEnabled = errors.New("task: escrow already enabled")
	ErrNoAssignee           = errors.New("task: task has no assignee")
	ErrNoReward             = errors.New("task: task has no reward")
	ErrEscrowNotEnabled     = errors.New("task: escrow not enabled")
	ErrPaymentNotAllowed    = errors.New("task: manual payment not allowed")
	ErrInvalidTxHash        = errors.New("task: invalid transaction hash")
	ErrEscrowMismatch       = errors.New("task: escrow slot does not match the task")
)

const defaultAssigneeRefundReason = "Refunded by assignee"

// Chain is the escrow client surface used by the board.
type Chain interface {
	GetEscrowDetails(ctx context.Context, taskID string) (escrow.Record, error)
	LockEscrow(ctx context.Context, signer *bind.TransactOpts, params escrow.LockParams) (*types.Transaction, error)
	ReleaseEscrow(ctx context.Context, signer *bind.TransactOpts, taskID string) (*types.Transaction, error)
	RefundByAssignee(ctx context.Context, signer *bind.TransactOpts, taskID, reason string) (*types.Transaction, error)
	TokenAddress(token escrow.Token) (common.Address, error)
}

// Signers turns a wallet address into a transaction signer.
type Signers interface {
	Signer(address string) (*bind.TransactOpts, error)
}

// Service drives the escrow-gated task board.
type Service struct {
	store      Store
	chain      Chain
	reconciler *reconcile.Reconciler
	signers    Signers
	events     activity.Recorder
	now        func() time.Time
}

func NewService(store Store, chain Chain, reconciler *reconcile.Reconciler, signers Signers, events activity.Recorder) *Service {
	return &Service{
		store:      store,
		chain:      chain,
		reconciler: reconciler,
		signers:    signers,
		events:     events,
		now:        time.Now,
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) Create(ctx context.Context, actor string, params CreateParams) (Task, error) {
	params.CreatorAddress = actor
	if params.Reward != "" {
		if _, ok := escrow.ParseToken(params.Reward); !ok {
			return Task{}, fmt.Errorf("task: %w: %q", escrow.ErrUnknownToken, params.Reward)
		}
		if !params.RewardAmount.IsPositive() {
			return Task{}, fmt.Errorf("task: %w: reward amount must be positive", escrow.ErrInvalidAmount)
		}
	}
	if params.AssigneeAddress != "" && !common.IsHexAddress(params.AssigneeAddress) {
		return Task{}, fmt.Errorf("task: invalid assignee address %q", params.AssigneeAddress)
	}
	t, err := s.store.Create(ctx, params)
	if err != nil {
		return Task{}, err
	}
	s.record(ctx, t.ID, actor, activity.ActionCreated, nil)
	return t, nil
}

func (s *Service) Get(ctx context.Context, id string) (Task, error) {
	return s.store.Get(ctx, id)
}

// SubmitWork stores the assignee's submission and moves the task to review.
func (s *Service) SubmitWork(ctx context.Context, actor, taskID, content string) (Task, error) {
	t, err := s.store.Get(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if t.Paid {
		return Task{}, ErrCannotMutatePaidTask
	}
	if !sameAddress(actor, t.AssigneeAddress) {
		return Task{}, ErrForbidden
	}
	if strings.TrimSpace(content) == "" {
		return Task{}, fmt.Errorf("task: submission content required")
	}
	updated, err := s.store.Update(ctx, taskID, Patch{
		Status:     ptr(StatusReview),
		Submission: &Submission{Content: content, Status: SubmissionPending, SubmittedAt: s.now().UTC()},
	})
	if err != nil {
		return Task{}, err
	}
	s.record(ctx, taskID, actor, activity.ActionSubmitted, nil)
	return updated, nil
}

// EnableEscrow locks the task reward in the escrow contract on behalf of the
// creator and mirrors the locked state once the chain confirms it.
func (s *Service) EnableEscrow(ctx context.Context, actor, taskID string) (Task, error) {
	t, err := s.store.Get(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if t.Paid {
		return Task{}, ErrCannotMutatePaidTask
	}
	if !sameAddress(actor, t.CreatorAddress) {
		return Task{}, ErrForbidden
	}
	if t.EscrowEnabled {
		return Task{}, ErrEscrowAlreadyEnabled
	}
	if t.AssigneeAddress == "" || !common.IsHexAddress(t.AssigneeAddress) {
		return Task{}, ErrNoAssignee
	}
	if !t.HasReward() {
		return Task{}, ErrNoReward
	}
	token, ok := escrow.ParseToken(t.Reward)
	if !ok {
		return Task{}, fmt.Errorf("task: %w: %q", escrow.ErrUnknownToken, t.Reward)
	}
	if _, err := escrow.ToBaseUnits(t.RewardAmount); err != nil {
		return Task{}, err
	}
	signer, err := s.signers.Signer(actor)
	if err != nil {
		return Task{}, err
	}

	assignee := common.HexToAddress(t.AssigneeAddress)
	var updated Task
	_, err = s.reconciler.Run(ctx, reconcile.Command{
		Op:     "lock",
		TaskID: t.ID,
		Pre:    escrow.StatusNone,
		Post:   escrow.StatusLocked,
		Submit: func(ctx context.Context) (*types.Transaction, error) {
			return s.chain.LockEscrow(ctx, signer, escrow.LockParams{
				TaskID:   t.ID,
				Token:    token,
				Assignee: assignee,
				Amount:   t.RewardAmount,
			})
		},
		Verify: func(after escrow.Record) error {
			return s.matchSlot(t, after)
		},
		Persist: func(ctx context.Context, _ escrow.Record, _ common.Hash) error {
			var err error
			updated, err = s.store.Update(ctx, t.ID, Patch{
				EscrowEnabled: ptr(true),
				EscrowStatus:  ptr(EscrowLocked),
			})
			return err
		},
	})
	if err != nil {
		return Task{}, err
	}
	s.record(ctx, t.ID, actor, activity.ActionEscrowLocked, map[string]any{
		"token":  string(token),
		"amount": t.RewardAmount.String(),
	})
	return updated, nil
}

// Move changes the column of a task. Moving a task with locked escrow to done
// releases the escrow first; the task is marked paid only after the release
// is reconciled.
func (s *Service) Move(ctx context.Context, actor, taskID string, next Status) (MoveResult, error) {
	if !next.Valid() {
		return MoveResult{}, fmt.Errorf("%w: %q", ErrInvalidStatus, next)
	}
	t, err := s.store.Get(ctx, taskID)
	if err != nil {
		return MoveResult{}, err
	}
	if err := s.checkMove(actor, t, next); err != nil {
		return MoveResult{}, err
	}
	if releases(t, next) {
		return s.release(ctx, actor, t)
	}
	return s.plainMove(ctx, actor, t, next)
}

// BatchMove applies several moves at once. The whole batch is rejected
// before any write when one entry is not allowed, in particular when any task
// is already paid. Plain moves are written concurrently; releases run one
// after another since they share the caller's signer.
func (s *Service) BatchMove(ctx context.Context, actor string, moves []MoveRequest) ([]MoveResult, error) {
	if len(moves) == 0 {
		return nil, nil
	}

	tasks := make([]Task, len(moves))
	seen := make(map[string]bool, len(moves))
	for i, m := range moves {
		if !m.Status.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, m.Status)
		}
		if seen[m.TaskID] {
			return nil, fmt.Errorf("task: batch moves %s twice", m.TaskID)
		}
		seen[m.TaskID] = true

		t, err := s.store.Get(ctx, m.TaskID)
		if err != nil {
			return nil, fmt.Errorf("task: batch load %s: %w", m.TaskID, err)
		}
		tasks[i] = t
	}

	var paid []string
	for _, t := range tasks {
		if t.Paid {
			paid = append(paid, t.ID)
		}
	}
	if len(paid) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrCannotMutatePaidTask, strings.Join(paid, ", "))
	}
	for i, t := range tasks {
		if err := s.checkMove(actor, t, moves[i].Status); err != nil {
			return nil, fmt.Errorf("task: batch %s: %w", t.ID, err)
		}
	}

	results := make([]MoveResult, len(moves))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, t := range tasks {
		if releases(t, moves[i].Status) {
			continue
		}
		g.Go(func() error {
			res, err := s.plainMove(gctx, actor, t, moves[i].Status)
			if err != nil {
				return fmt.Errorf("task: batch %s: %w", t.ID, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}

	for i, t := range tasks {
		if !releases(t, moves[i].Status) {
			continue
		}
		res, err := s.release(ctx, actor, t)
		if err != nil {
			return results, fmt.Errorf("task: batch %s: %w", t.ID, err)
		}
		results[i] = res
	}
	return results, nil
}

// RecordManualPayment marks a plain-reward task as paid outside escrow.
func (s *Service) RecordManualPayment(ctx context.Context, actor, taskID, txHash string) (Task, error) {
	t, err := s.store.Get(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if t.Paid {
		return Task{}, ErrCannotMutatePaidTask
	}
	if !sameAddress(actor, t.CreatorAddress) {
		return Task{}, ErrForbidden
	}
	if t.EscrowEnabled {
		return Task{}, fmt.Errorf("%w: escrow takes precedence", ErrPaymentNotAllowed)
	}
	if !t.HasReward() {
		return Task{}, ErrNoReward
	}
	if t.Status != StatusDone {
		return Task{}, fmt.Errorf("%w: task is %s", ErrPaymentNotAllowed, t.Status)
	}
	if b, err := hexutil.Decode(txHash); err != nil || len(b) != common.HashLength {
		return Task{}, ErrInvalidTxHash
	}

	updated, err := s.store.Update(ctx, taskID, Patch{Paid: ptr(true), PaymentTxHash: ptr(strings.ToLower(txHash))})
	if err != nil {
		return Task{}, err
	}
	s.record(ctx, taskID, actor, activity.ActionPaymentRecorded, map[string]any{"tx_hash": txHash})
	return updated, nil
}

// RefundByAssignee returns locked funds to the creator at the assignee's
// request.
func (s *Service) RefundByAssignee(ctx context.Context, actor, taskID, reason string) (Task, error) {
	t, err := s.store.Get(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if t.Paid {
		return Task{}, ErrCannotMutatePaidTask
	}
	if !sameAddress(actor, t.AssigneeAddress) {
		return Task{}, ErrForbidden
	}
	if !t.EscrowEnabled {
		return Task{}, ErrEscrowNotEnabled
	}
	if t.Disputed() {
		return Task{}, ErrDisputeOpen
	}
	if strings.TrimSpace(reason) == "" {
		reason = defaultAssigneeRefundReason
	}
	signer, err := s.signers.Signer(actor)
	if err != nil {
		return Task{}, err
	}

	var updated Task
	res, err := s.reconciler.Run(ctx, reconcile.Command{
		Op:     "assignee_refund",
		TaskID: t.ID,
		Pre:    escrow.StatusLocked,
		Post:   escrow.StatusRefunded,
		Submit: func(ctx context.Context) (*types.Transaction, error) {
			return s.chain.RefundByAssignee(ctx, signer, t.ID, reason)
		},
		Persist: func(ctx context.Context, _ escrow.Record, _ common.Hash) error {
			var err error
			updated, err = s.store.Update(ctx, t.ID, Patch{EscrowStatus: ptr(EscrowRefunded)})
			return err
		},
	})
	if err != nil {
		return Task{}, err
	}
	s.record(ctx, t.ID, actor, activity.ActionEscrowRefunded, map[string]any{
		"tx_hash": res.TxHash.Hex(),
		"reason":  reason,
		"by":      "assignee",
	})
	return updated, nil
}

// SyncEscrow re-reads the slot and moves the off-chain mirror forward to
// match it. The mirror is never moved backwards and paid is only set on an
// observed release of a slot the creator funded for the assignee with the
// task's own token and amount.
func (s *Service) SyncEscrow(ctx context.Context, taskID string) (Task, error) {
	t, err := s.store.Get(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if t.Paid {
		return t, nil
	}
	rec, err := s.chain.GetEscrowDetails(ctx, taskID)
	if err != nil {
		return Task{}, fmt.Errorf("task: sync %s: %w", taskID, err)
	}

	current := t.EscrowStatus.Chain()
	settlePaid := rec.Status == escrow.StatusReleased && !t.Disputed()
	if rec.Status == current && !settlePaid {
		return t, nil
	}
	if !current.Advances(rec.Status) {
		log.Printf("task: sync %s: chain reads %s behind mirror %s, leaving mirror", taskID, rec.Status, current)
		return t, nil
	}
	if err := s.matchSlot(t, rec); err != nil {
		log.Printf("task: sync %s: %v, leaving mirror", taskID, err)
		return Task{}, err
	}

	patch := Patch{EscrowEnabled: ptr(true), EscrowStatus: ptr(MirrorOf(rec.Status))}
	if settlePaid {
		patch.Paid = ptr(true)
		patch.Status = ptr(StatusDone)
	}
	updated, err := s.store.Update(ctx, taskID, patch)
	if err != nil {
		return Task{}, err
	}
	s.record(ctx, taskID, "", activity.ActionEscrowSynced, map[string]any{
		"from": current.String(),
		"to":   rec.Status.String(),
	})
	return updated, nil
}

// matchSlot reports whether rec is the escrow this task funds. Anyone can lock
// under any task id, so a slot is only trusted when depositor, payee, token
// and amount all agree with the task.
func (s *Service) matchSlot(t Task, rec escrow.Record) error {
	if !t.HasReward() || t.AssigneeAddress == "" {
		return fmt.Errorf("%w: task carries no escrowable reward", ErrEscrowMismatch)
	}
	token, ok := escrow.ParseToken(t.Reward)
	if !ok {
		return fmt.Errorf("%w: unknown reward token %q", ErrEscrowMismatch, t.Reward)
	}
	tokenAddr, err := s.chain.TokenAddress(token)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEscrowMismatch, err)
	}
	expected, err := escrow.ToBaseUnits(t.RewardAmount)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEscrowMismatch, err)
	}
	switch {
	case rec.Admin != common.HexToAddress(t.CreatorAddress):
		return fmt.Errorf("%w: funded by %s, expected %s", ErrEscrowMismatch, rec.Admin.Hex(), t.CreatorAddress)
	case rec.Assignee != common.HexToAddress(t.AssigneeAddress):
		return fmt.Errorf("%w: locked for %s, expected %s", ErrEscrowMismatch, rec.Assignee.Hex(), t.AssigneeAddress)
	case rec.Token != tokenAddr:
		return fmt.Errorf("%w: token %s, expected %s", ErrEscrowMismatch, rec.Token.Hex(), tokenAddr.Hex())
	case rec.Amount == nil || rec.Amount.Cmp(expected) != 0:
		return fmt.Errorf("%w: amount %v, expected %s", ErrEscrowMismatch, rec.Amount, expected)
	}
	return nil
}

func (s *Service) checkMove(actor string, t Task, next Status) error {
	if t.Paid {
		return ErrCannotMutatePaidTask
	}
	if !sameAddress(actor, t.CreatorAddress) && !sameAddress(actor, t.AssigneeAddress) {
		return ErrForbidden
	}
	if releases(t, next) {
		if t.Disputed() {
			return ErrDisputeOpen
		}
		if !sameAddress(actor, t.CreatorAddress) {
			return fmt.Errorf("%w: only the creator can release escrow", ErrForbidden)
		}
	}
	return nil
}

func (s *Service) release(ctx context.Context, actor string, t Task) (MoveResult, error) {
	signer, err := s.signers.Signer(actor)
	if err != nil {
		return MoveResult{}, err
	}

	var updated Task
	res, err := s.reconciler.Run(ctx, reconcile.Command{
		Op:     "release",
		TaskID: t.ID,
		Pre:    escrow.StatusLocked,
		Post:   escrow.StatusReleased,
		Submit: func(ctx context.Context) (*types.Transaction, error) {
			return s.chain.ReleaseEscrow(ctx, signer, t.ID)
		},
		Persist: func(ctx context.Context, _ escrow.Record, txHash common.Hash) error {
			var err error
			updated, err = s.store.Update(ctx, t.ID, Patch{
				Status:        ptr(StatusDone),
				Paid:          ptr(true),
				EscrowStatus:  ptr(EscrowReleased),
				PaymentTxHash: ptr(strings.ToLower(txHash.Hex())),
			})
			return err
		},
	})
	if err != nil {
		return MoveResult{}, err
	}
	s.record(ctx, t.ID, actor, activity.ActionEscrowReleased, map[string]any{"tx_hash": res.TxHash.Hex()})
	return MoveResult{Task: updated, Outcome: OutcomeReleased}, nil
}

func (s *Service) plainMove(ctx context.Context, actor string, t Task, next Status) (MoveResult, error) {
	updated, err := s.store.Update(ctx, t.ID, Patch{Status: ptr(next)})
	if err != nil {
		return MoveResult{}, err
	}
	s.record(ctx, t.ID, actor, activity.ActionMoved, map[string]any{
		"from": string(t.Status),
		"to":   string(next),
	})

	outcome := OutcomeMoved
	if next == StatusDone && !t.EscrowEnabled && t.HasReward() {
		outcome = OutcomePaymentRequired
	}
	return MoveResult{Task: updated, Outcome: outcome}, nil
}

func (s *Service) record(ctx context.Context, taskID, actor string, action activity.Action, meta map[string]any) {
	if s.events == nil {
		return
	}
	if err := s.events.Record(ctx, activity.Event{TaskID: taskID, Actor: actor, Action: action, Meta: meta, CreatedAt: s.now().UTC()}); err != nil {
		log.Printf("task: record %s for %s: %v", action, taskID, err)
	}
}

// releases reports whether moving t to next goes through the escrow release.
func releases(t Task, next Status) bool {
	return next == StatusDone && t.EscrowLocked()
}

func sameAddress(a, b string) bool {
	return a != "" && strings.EqualFold(a, b)
}
