package task

import (
	"time"

	"github.com/shopspring/decimal"

	"taskwiser/escrow"
)

// Status is the kanban column of a task.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "inprogress"
	StatusReview     Status = "review"
	StatusDone       Status = "done"
)

func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusReview, StatusDone:
		return true
	}
	return false
}

// EscrowState is the off-chain mirror of the escrow slot. It may lag the chain
// but never runs ahead of it.
type EscrowState string

const (
	EscrowNone     EscrowState = ""
	EscrowLocked   EscrowState = "locked"
	EscrowReleased EscrowState = "released"
	EscrowRefunded EscrowState = "refunded"
)

// MirrorOf maps an on-chain status onto its mirrored value.
func MirrorOf(s escrow.Status) EscrowState {
	switch s {
	case escrow.StatusLocked:
		return EscrowLocked
	case escrow.StatusReleased:
		return EscrowReleased
	case escrow.StatusRefunded:
		return EscrowRefunded
	default:
		return EscrowNone
	}
}

// Chain is the inverse of MirrorOf.
func (e EscrowState) Chain() escrow.Status {
	switch e {
	case EscrowLocked:
		return escrow.StatusLocked
	case EscrowReleased:
		return escrow.StatusReleased
	case EscrowRefunded:
		return escrow.StatusRefunded
	default:
		return escrow.StatusNone
	}
}

type SubmissionStatus string

const (
	SubmissionPending  SubmissionStatus = "pending"
	SubmissionApproved SubmissionStatus = "approved"
	SubmissionRejected SubmissionStatus = "rejected"
)

// Submission is the assignee's delivered work.
type Submission struct {
	Content     string
	Status      SubmissionStatus
	SubmittedAt time.Time
	Feedback    string
}

// Task mirrors the tasks table. Addresses are stored lower-cased.
type Task struct {
	ID              string
	Title           string
	Description     string
	Status          Status
	CreatorAddress  string
	AssigneeAddress string
	Reward          string
	RewardAmount    decimal.Decimal
	Paid            bool
	EscrowEnabled   bool
	EscrowStatus    EscrowState
	Submission      *Submission
	ActiveDisputeID *string
	PaymentTxHash   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// HasReward reports whether the task carries a payable reward.
func (t Task) HasReward() bool {
	return t.Reward != "" && t.RewardAmount.IsPositive()
}

// EscrowLocked reports whether releasing escrow is the way to pay this task.
func (t Task) EscrowLocked() bool {
	return t.EscrowEnabled && t.EscrowStatus == EscrowLocked
}

// Disputed reports whether an open dispute freezes fund movement.
func (t Task) Disputed() bool {
	return t.ActiveDisputeID != nil && *t.ActiveDisputeID != ""
}

// CreateParams holds the fields accepted when a task is created.
type CreateParams struct {
	ID              string
	Title           string
	Description     string
	CreatorAddress  string
	AssigneeAddress string
	Reward          string
	RewardAmount    decimal.Decimal
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	Status          *Status
	AssigneeAddress *string
	Paid            *bool
	EscrowEnabled   *bool
	EscrowStatus    *EscrowState
	PaymentTxHash   *string
	Submission      *Submission
	ActiveDisputeID *string
	ClearDispute    bool
}

func (p Patch) empty() bool {
	return p.Status == nil && p.AssigneeAddress == nil && p.Paid == nil && p.EscrowEnabled == nil &&
		p.EscrowStatus == nil && p.PaymentTxHash == nil && p.Submission == nil &&
		p.ActiveDisputeID == nil && !p.ClearDispute
}

// Outcome tells the caller what a move did beyond changing the column.
type Outcome string

const (
	OutcomeMoved           Outcome = "moved"
	OutcomeReleased        Outcome = "released"
	OutcomePaymentRequired Outcome = "payment_required"
)

// MoveRequest is one entry of a batch move.
type MoveRequest struct {
	TaskID string
	Status Status
}

type MoveResult struct {
	Task    Task
	Outcome Outcome
}

func ptr[T any](v T) *T {
	return &v
}
