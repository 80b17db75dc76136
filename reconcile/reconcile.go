// Package reconcile runs escrow state changes so that off-chain records are
// only written from a fresh on-chain read taken after a confirmed
// transaction.
package reconcile

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"taskwiser/escrow"
)

// Chain is the escrow surface the reconciler reads and confirms through.
type Chain interface {
	GetEscrowDetails(ctx context.Context, taskID string) (escrow.Record, error)
	Confirm(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
}

// Command is one escrow state change. Submit is called only when the slot
// reads Pre; Persist is called only when, after confirmation, it reads Post
// and Verify (if set) accepts the record.
type Command struct {
	Op      string
	TaskID  string
	Pre     escrow.Status
	Post    escrow.Status
	Submit  func(ctx context.Context) (*types.Transaction, error)
	Verify  func(after escrow.Record) error
	Persist func(ctx context.Context, after escrow.Record, txHash common.Hash) error
}

// Result describes a fully reconciled command.
type Result struct {
	Before  escrow.Record
	After   escrow.Record
	TxHash  common.Hash
	Receipt *types.Receipt
}

// Reconciler executes commands. It holds no state besides the set of slots
// with a command currently running.
type Reconciler struct {
	chain Chain

	mu       sync.Mutex
	inflight map[string]string
}

func New(chain Chain) *Reconciler {
	return &Reconciler{chain: chain, inflight: make(map[string]string)}
}

// Check reads the slot of taskID and fails with a *StateError unless it is in
// the expected state. Nothing is submitted.
func (r *Reconciler) Check(ctx context.Context, taskID string, expected escrow.Status, op string) (escrow.Record, error) {
	before, err := r.chain.GetEscrowDetails(ctx, taskID)
	if err != nil {
		return escrow.Record{}, fmt.Errorf("reconcile: %s %s: read escrow: %w", op, taskID, err)
	}
	if before.Status != expected {
		return before, &StateError{Op: op, TaskID: taskID, Expected: expected, Actual: before.Status}
	}
	return before, nil
}

// Run executes the pre-check, submit, confirm, post-verify and persist steps
// in order, stopping at the first failure.
func (r *Reconciler) Run(ctx context.Context, cmd Command) (Result, error) {
	if cmd.Submit == nil || cmd.Persist == nil {
		return Result{}, fmt.Errorf("reconcile: %s %s: incomplete command", cmd.Op, cmd.TaskID)
	}
	if !cmd.Pre.Advances(cmd.Post) || cmd.Pre == cmd.Post {
		return Result{}, fmt.Errorf("reconcile: %s %s: %s -> %s is not a transition", cmd.Op, cmd.TaskID, cmd.Pre, cmd.Post)
	}
	if err := r.acquire(cmd); err != nil {
		return Result{}, err
	}
	defer r.release(cmd.TaskID)

	before, err := r.Check(ctx, cmd.TaskID, cmd.Pre, cmd.Op)
	if err != nil {
		return Result{Before: before}, err
	}
	res := Result{Before: before}

	tx, err := cmd.Submit(ctx)
	if err != nil {
		return res, fmt.Errorf("reconcile: %s %s: submit: %w", cmd.Op, cmd.TaskID, err)
	}
	if tx == nil {
		return res, fmt.Errorf("reconcile: %s %s: submit returned no transaction", cmd.Op, cmd.TaskID)
	}
	res.TxHash = tx.Hash()

	receipt, err := r.chain.Confirm(ctx, tx)
	if err != nil {
		log.Printf("reconcile: %s %s: tx %s not confirmed: %v", cmd.Op, cmd.TaskID, res.TxHash.Hex(), err)
		return res, fmt.Errorf("reconcile: %s %s: %w", cmd.Op, cmd.TaskID, err)
	}
	res.Receipt = receipt

	after, err := r.chain.GetEscrowDetails(ctx, cmd.TaskID)
	if err != nil {
		return res, r.pending(cmd, res.TxHash, "post-read", err)
	}
	res.After = after
	if !before.Status.Advances(after.Status) {
		return res, r.pending(cmd, res.TxHash, "post-read", fmt.Errorf("status regressed from %s to %s", before.Status, after.Status))
	}
	if after.Status != cmd.Post {
		return res, r.pending(cmd, res.TxHash, "post-read", fmt.Errorf("status is %s, expected %s", after.Status, cmd.Post))
	}
	if cmd.Verify != nil {
		if err := cmd.Verify(after); err != nil {
			return res, r.pending(cmd, res.TxHash, "verify", err)
		}
	}

	if err := cmd.Persist(ctx, after, res.TxHash); err != nil {
		return res, r.pending(cmd, res.TxHash, "persist", err)
	}
	return res, nil
}

func (r *Reconciler) pending(cmd Command, txHash common.Hash, stage string, err error) error {
	log.Printf("reconcile: %s %s: tx %s awaiting reconciliation after %s: %v", cmd.Op, cmd.TaskID, txHash.Hex(), stage, err)
	return &PendingError{Op: cmd.Op, TaskID: cmd.TaskID, TxHash: txHash, Stage: stage, Err: err}
}

func (r *Reconciler) acquire(cmd Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if running, ok := r.inflight[cmd.TaskID]; ok {
		return fmt.Errorf("%w: %s (%s running)", ErrInFlight, cmd.TaskID, running)
	}
	r.inflight[cmd.TaskID] = cmd.Op
	return nil
}

func (r *Reconciler) release(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, taskID)
}
