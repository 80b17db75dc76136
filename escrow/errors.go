package escrow

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrWalletNotConnected signals that no signer or read backend is available.
	ErrWalletNotConnected = errors.New("escrow: wallet not connected")
	// ErrNotConfigured signals that the escrow contract address is unset.
	ErrNotConfigured = errors.New("escrow: contract address not configured")
	// ErrUnknownToken signals a token outside the registry.
	ErrUnknownToken = errors.New("escrow: unknown token")
	// ErrInvalidAmount signals an amount that cannot be represented with 6 decimals.
	ErrInvalidAmount = errors.New("escrow: invalid amount")
	// ErrEscrowNotLocked signals that the slot is not in the Locked state.
	ErrEscrowNotLocked = errors.New("escrow: escrow is not in locked state")
	// ErrTransactionFailed signals a mined transaction with a failing receipt.
	ErrTransactionFailed = errors.New("escrow: transaction failed")
	// ErrConfirmationTimeout signals that no receipt arrived within the confirmation window.
	ErrConfirmationTimeout = errors.New("escrow: confirmation timed out")
	// ErrChainRejected signals that the node refused a transaction before it
	// was broadcast, for example a reverting gas estimate. Nothing was sent.
	ErrChainRejected = errors.New("escrow: transaction rejected by node")
)

// SubmittedError wraps failures that happen after a transaction was
// broadcast. The chain may still apply it, so callers must re-read state
// before retrying.
type SubmittedError struct {
	Op     string
	TxHash common.Hash
	Err    error
}

func (e *SubmittedError) Error() string {
	return fmt.Sprintf("%s: tx %s: %v", e.Op, e.TxHash.Hex(), e.Err)
}

func (e *SubmittedError) Unwrap() error {
	return e.Err
}

// ApprovedError wraps a lock the node refused after a token approval was
// already mined. The escrow slot is untouched and the allowance stays in
// place for the next attempt.
type ApprovedError struct {
	Approval common.Hash
	Err      error
}

func (e *ApprovedError) Error() string {
	return fmt.Sprintf("approval %s mined: %v", e.Approval.Hex(), e.Err)
}

func (e *ApprovedError) Unwrap() error {
	return e.Err
}
