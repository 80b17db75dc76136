package reconcile

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"taskwiser/escrow"
)

var (
	// ErrInvalidEscrowState signals that the pre-read did not match the
	// expected state. No transaction was sent.
	ErrInvalidEscrowState = errors.New("reconcile: invalid escrow state")
	// ErrReconciliationPending signals that a transaction was confirmed but the
	// off-chain record could not be brought in line with it.
	ErrReconciliationPending = errors.New("reconcile: confirmed transaction awaiting reconciliation")
	// ErrInFlight signals that another operation on the same escrow slot is
	// running in this process. No transaction was sent.
	ErrInFlight = errors.New("reconcile: operation already in flight for task")
)

// StateError reports a pre-condition mismatch.
type StateError struct {
	Op       string
	TaskID   string
	Expected escrow.Status
	Actual   escrow.Status
}

func (e *StateError) Error() string {
	if e.Expected == escrow.StatusLocked {
		return fmt.Sprintf("%s %s: escrow is not in locked state (on-chain status %s)", e.Op, e.TaskID, e.Actual)
	}
	return fmt.Sprintf("%s %s: escrow status is %s, expected %s", e.Op, e.TaskID, e.Actual, e.Expected)
}

// Is lets a locked-state mismatch match escrow.ErrEscrowNotLocked as well.
func (e *StateError) Is(target error) bool {
	switch target {
	case ErrInvalidEscrowState:
		return true
	case escrow.ErrEscrowNotLocked:
		return e.Expected == escrow.StatusLocked
	}
	return false
}

// PendingError reports a failure after the transaction was confirmed.
type PendingError struct {
	Op     string
	TaskID string
	TxHash common.Hash
	Stage  string
	Err    error
}

func (e *PendingError) Error() string {
	return fmt.Sprintf("%s %s: tx %s confirmed but %s failed: %v", e.Op, e.TaskID, e.TxHash.Hex(), e.Stage, e.Err)
}

func (e *PendingError) Unwrap() error {
	return e.Err
}

func (e *PendingError) Is(target error) bool {
	return target == ErrReconciliationPending
}

const (
	adviceSafe     = "Nothing was sent to the chain. It is safe to retry."
	adviceVerify   = "A transaction was sent. Verify the escrow on-chain before retrying."
	// The approval only moves allowance, so the escrow slot is still empty.
	adviceApproved = "A token approval was mined but nothing was locked. It is safe to retry."
)

// TransactionSent reports whether err happened after a transaction left the
// node, in which case a blind retry could double-attempt a state change.
func TransactionSent(err error) bool {
	if err == nil {
		return false
	}
	var submitted *escrow.SubmittedError
	var pending *PendingError
	return errors.As(err, &submitted) || errors.As(err, &pending)
}

// Advice renders the retry guidance for err.
func Advice(err error) string {
	if err == nil {
		return ""
	}
	if TransactionSent(err) {
		return adviceVerify
	}
	var approved *escrow.ApprovedError
	if errors.As(err, &approved) {
		return adviceApproved
	}
	return adviceSafe
}
