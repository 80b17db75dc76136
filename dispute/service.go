package dispute

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"

	"taskwiser/activity"
	"taskwiser/arbitration"
	"taskwiser/auth"
	"taskwiser/escrow"
	"taskwiser/reconcile"
	"taskwiser/task"
)

var (
	// ErrUnauthorized signals a resolution attempt by a wallet that is not an
	// admin. It is returned before any chain call.
	ErrUnauthorized    = errors.New("dispute: admin access required")
	ErrInvalidDecision = errors.New("dispute: action must be refund or approve")
	ErrReasonRequired  = errors.New("dispute: reason is required")
)

const (
	defaultRefundReason = "Refunded: dispute resolved by admin"
	defaultCloseReason  = "Escrow settled on-chain before the dispute was resolved"
)

// Chain is the escrow surface used for disputes.
type Chain interface {
	RaiseDispute(ctx context.Context, taskID string) error
	GetEscrowDetails(ctx context.Context, taskID string) (escrow.Record, error)
	ReleaseEscrowByAdmin(ctx context.Context, signer *bind.TransactOpts, taskID string) (*types.Transaction, error)
	RetrieveEscrow(ctx context.Context, signer *bind.TransactOpts, taskID, reason string) (*types.Transaction, error)
}

// Tasks loads the task a dispute is about.
type Tasks interface {
	Get(ctx context.Context, id string) (task.Task, error)
}

type Service struct {
	store      Store
	tasks      Tasks
	chain      Chain
	reconciler *reconcile.Reconciler
	signers    task.Signers
	policy     auth.Policy
	advisor    arbitration.Advisor
	events     activity.Recorder
	now        func() time.Time
}

func NewService(store Store, tasks Tasks, chain Chain, reconciler *reconcile.Reconciler, signers task.Signers, policy auth.Policy, advisor arbitration.Advisor) *Service {
	if advisor == nil {
		advisor = arbitration.Disabled{}
	}
	return &Service{
		store:      store,
		tasks:      tasks,
		chain:      chain,
		reconciler: reconciler,
		signers:    signers,
		policy:     policy,
		advisor:    advisor,
		now:        time.Now,
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithEvents records activity that happens outside a repository
// transaction, such as advisories.
func (s *Service) WithEvents(events activity.Recorder) *Service {
	s.events = events
	return s
}

// Open raises a dispute on an escrow-locked task. The funds stay locked and the
// task's release path is frozen until an admin resolves it.
func (s *Service) Open(ctx context.Context, actor string, req OpenRequest) (Dispute, error) {
	t, err := s.tasks.Get(ctx, req.TaskID)
	if err != nil {
		return Dispute{}, err
	}
	if !sameAddress(actor, t.CreatorAddress) && !sameAddress(actor, t.AssigneeAddress) {
		return Dispute{}, ErrForbidden
	}
	if t.Paid {
		return Dispute{}, task.ErrCannotMutatePaidTask
	}
	if !t.EscrowEnabled {
		return Dispute{}, task.ErrEscrowNotEnabled
	}
	if t.Disputed() {
		return Dispute{}, ErrAlreadyOpen
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return Dispute{}, ErrReasonRequired
	}
	if err := s.chain.RaiseDispute(ctx, t.ID); err != nil {
		return Dispute{}, fmt.Errorf("dispute: open %s: %w", t.ID, err)
	}

	d := Dispute{
		ID:                 uuid.NewString(),
		TaskID:             t.ID,
		TaskTitle:          t.Title,
		CreatorAddress:     strings.ToLower(t.CreatorAddress),
		ContributorAddress: strings.ToLower(t.AssigneeAddress),
		RaisedBy:           strings.ToLower(actor),
		Reason:             reason,
		Status:             StatusPending,
		EscrowToken:        t.Reward,
		EscrowAmount:       t.RewardAmount,
	}
	return s.store.Open(ctx, d, s.event(t.ID, actor, activity.ActionDisputeOpened, map[string]any{
		"dispute_id": d.ID,
		"reason":     reason,
	}))
}

// Get returns a dispute to one of its parties or an admin.
func (s *Service) Get(ctx context.Context, actor, id string) (Dispute, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return Dispute{}, err
	}
	if _, ok := d.SideOf(actor); !ok && !s.policy.IsAdmin(actor) {
		return Dispute{}, ErrForbidden
	}
	return d, nil
}

// ListPending is the admin queue.
func (s *Service) ListPending(ctx context.Context, actor string) ([]Dispute, error) {
	if !s.policy.IsAdmin(actor) {
		return nil, ErrUnauthorized
	}
	return s.store.ListPending(ctx)
}

// SubmitEvidence stores the caller's side of the story, replacing any earlier
// submission from the same side.
func (s *Service) SubmitEvidence(ctx context.Context, actor, id string, ev Evidence) (Dispute, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return Dispute{}, err
	}
	side, ok := d.SideOf(actor)
	if !ok {
		return Dispute{}, ErrForbidden
	}
	if d.Status != StatusPending {
		return Dispute{}, fmt.Errorf("%w: dispute is %s", ErrBadStatus, d.Status)
	}
	if strings.TrimSpace(ev.Description) == "" {
		return Dispute{}, fmt.Errorf("dispute: evidence description required")
	}
	if ev.Attachments == nil {
		ev.Attachments = []string{}
	}
	ev.SubmittedAt = s.now().UTC()
	return s.store.SaveEvidence(ctx, id, side, ev)
}

// Advise asks the arbitration advisor for a recommendation and stores it on
// the dispute. The dispute status and the escrow are never touched; an
// unavailable advisor degrades to a manual-review recommendation.
func (s *Service) Advise(ctx context.Context, actor, id string) (Dispute, error) {
	if !s.policy.IsAdmin(actor) {
		return Dispute{}, ErrUnauthorized
	}
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return Dispute{}, err
	}
	if d.Status != StatusPending {
		return Dispute{}, fmt.Errorf("%w: dispute is %s", ErrBadStatus, d.Status)
	}
	t, err := s.tasks.Get(ctx, d.TaskID)
	if err != nil {
		return Dispute{}, err
	}

	req := arbitration.Request{
		TaskTitle:       t.Title,
		TaskDescription: t.Description,
		DisputeReason:   d.Reason,
	}
	if t.Submission != nil {
		req.SubmissionContent = t.Submission.Content
	}
	rec, err := s.advisor.Advise(ctx, req)
	degraded := false
	if err != nil {
		if !errors.Is(err, arbitration.ErrAdvisoryUnavailable) {
			return Dispute{}, err
		}
		log.Printf("dispute: advise %s: %v", id, err)
		degraded = true
	}

	updated, err := s.store.SaveAdvisory(ctx, id, Advisory{
		Analysis:   rec.Analysis,
		Verdict:    rec.Verdict,
		Confidence: rec.Confidence,
		Degraded:   degraded,
		AdvisedAt:  s.now().UTC(),
	})
	if err != nil {
		return Dispute{}, err
	}
	s.record(ctx, s.event(d.TaskID, actor, activity.ActionDisputeAdvised, map[string]any{
		"dispute_id":     id,
		"recommendation": string(rec.Verdict),
		"confidence":     rec.Confidence,
	}))
	return updated, nil
}

// Resolve executes the admin's ruling on-chain and, once the chain confirms
// it, records the outcome on the dispute and the task.
func (s *Service) Resolve(ctx context.Context, actor, id string, req ResolveRequest) (Dispute, error) {
	if !s.policy.IsAdmin(actor) {
		return Dispute{}, ErrUnauthorized
	}
	if !req.Action.Valid() {
		return Dispute{}, fmt.Errorf("%w: %q", ErrInvalidDecision, req.Action)
	}
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return Dispute{}, err
	}
	if d.Status != StatusPending {
		return Dispute{}, fmt.Errorf("%w: dispute is %s", ErrBadStatus, d.Status)
	}
	signer, err := s.signers.Signer(actor)
	if err != nil {
		return Dispute{}, err
	}

	reason := strings.TrimSpace(req.Reason)
	cmd := reconcile.Command{
		Op:     "dispute_" + string(req.Action),
		TaskID: d.TaskID,
		Pre:    escrow.StatusLocked,
	}
	switch req.Action {
	case DecisionRefund:
		if reason == "" {
			reason = defaultRefundReason
		}
		cmd.Post = escrow.StatusRefunded
		cmd.Submit = func(ctx context.Context) (*types.Transaction, error) {
			return s.chain.RetrieveEscrow(ctx, signer, d.TaskID, reason)
		}
	case DecisionApprove:
		cmd.Post = escrow.StatusReleased
		cmd.Submit = func(ctx context.Context) (*types.Transaction, error) {
			return s.chain.ReleaseEscrowByAdmin(ctx, signer, d.TaskID)
		}
	}

	status := StatusRefunded
	if req.Action == DecisionApprove {
		status = StatusApproved
	}
	var updated Dispute
	cmd.Persist = func(ctx context.Context, _ escrow.Record, txHash common.Hash) error {
		var err error
		updated, err = s.store.Finish(ctx, d.ID, s.outcome(d, actor, status, req.Action, reason, txHash))
		return err
	}
	if _, err := s.reconciler.Run(ctx, cmd); err != nil {
		return Dispute{}, err
	}
	return updated, nil
}

// Close ends a dispute whose escrow already reached a terminal state without
// the admin, for example through an assignee refund. The decision recorded is
// the one the chain shows.
func (s *Service) Close(ctx context.Context, actor, id, reason string) (Dispute, error) {
	if !s.policy.IsAdmin(actor) {
		return Dispute{}, ErrUnauthorized
	}
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return Dispute{}, err
	}
	if d.Status != StatusPending {
		return Dispute{}, fmt.Errorf("%w: dispute is %s", ErrBadStatus, d.Status)
	}
	rec, err := s.chain.GetEscrowDetails(ctx, d.TaskID)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: close %s: read escrow: %w", id, err)
	}

	var decision Decision
	switch rec.Status {
	case escrow.StatusReleased:
		decision = DecisionApprove
	case escrow.StatusRefunded:
		decision = DecisionRefund
	default:
		return Dispute{}, &reconcile.StateError{Op: "close", TaskID: d.TaskID, Expected: escrow.StatusReleased, Actual: rec.Status}
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = defaultCloseReason
	}
	return s.store.Finish(ctx, d.ID, s.outcome(d, actor, StatusResolved, decision, reason, common.Hash{}))
}

func (s *Service) outcome(d Dispute, actor string, status Status, decision Decision, reason string, txHash common.Hash) Outcome {
	resolution := Resolution{
		Decision:   decision,
		ResolvedBy: strings.ToLower(actor),
		ResolvedAt: s.now().UTC(),
		Reason:     reason,
	}
	if txHash != (common.Hash{}) {
		resolution.TxHash = strings.ToLower(txHash.Hex())
	}

	var patch task.Patch
	switch decision {
	case DecisionRefund:
		patch = task.Patch{
			Status:       ptr(task.StatusInProgress),
			Paid:         ptr(false),
			EscrowStatus: ptr(task.EscrowRefunded),
		}
	case DecisionApprove:
		patch = task.Patch{
			Status:       ptr(task.StatusDone),
			Paid:         ptr(true),
			EscrowStatus: ptr(task.EscrowReleased),
		}
		if resolution.TxHash != "" {
			patch.PaymentTxHash = ptr(resolution.TxHash)
		}
	}

	meta := map[string]any{
		"dispute_id": d.ID,
		"decision":   string(decision),
		"status":     string(status),
	}
	if resolution.TxHash != "" {
		meta["tx_hash"] = resolution.TxHash
	}
	return Outcome{
		Status:     status,
		Resolution: resolution,
		TaskPatch:  patch,
		Event:      s.event(d.TaskID, actor, activity.ActionDisputeResolved, meta),
	}
}

func (s *Service) event(taskID, actor string, action activity.Action, meta map[string]any) activity.Event {
	return activity.Event{TaskID: taskID, Actor: strings.ToLower(actor), Action: action, Meta: meta, CreatedAt: s.now().UTC()}
}

func (s *Service) record(ctx context.Context, ev activity.Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Record(ctx, ev); err != nil {
		log.Printf("dispute: record %s for %s: %v", ev.Action, ev.TaskID, err)
	}
}

func sameAddress(a, b string) bool {
	return a != "" && strings.EqualFold(a, b)
}

func ptr[T any](v T) *T {
	return &v
}
