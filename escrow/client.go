package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
)

const (
	defaultApprovalSettle = 2 * time.Second
	defaultConfirmTimeout = 3 * time.Minute
)

// Contract is the slice of bind.BoundContract the client relies on.
type Contract interface {
	Call(opts *bind.CallOpts, results *[]any, method string, params ...any) error
	Transact(opts *bind.TransactOpts, method string, params ...any) (*types.Transaction, error)
}

// Binder produces a Contract for an address and ABI.
type Binder func(address common.Address, parsed abi.ABI) Contract

// Miner waits for a transaction to be included in a block.
type Miner interface {
	WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
}

// Backend is what an RPC client such as *ethclient.Client provides.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// Config fixes the deployment the client talks to.
type Config struct {
	ContractAddress common.Address
	Tokens          map[Token]common.Address
	// ApprovalSettle is the pause between a confirmed approval and the lock call.
	ApprovalSettle time.Duration
	// ConfirmTimeout bounds how long Confirm waits for a receipt.
	ConfirmTimeout time.Duration
}

// LockParams describes funds to place in escrow for a task.
type LockParams struct {
	TaskID   string
	Token    Token
	Assignee common.Address
	Amount   decimal.Decimal
}

// Client translates task-level intents into calls against the escrow contract.
type Client struct {
	cfg   Config
	bind  Binder
	miner Miner
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient wires a client to an RPC backend. A nil backend yields a client
// whose every call fails with ErrWalletNotConnected.
func NewClient(cfg Config, backend Backend) *Client {
	if cfg.Tokens == nil {
		cfg.Tokens = DefaultTokens()
	}
	if cfg.ApprovalSettle < 0 {
		cfg.ApprovalSettle = 0
	} else if cfg.ApprovalSettle == 0 {
		cfg.ApprovalSettle = defaultApprovalSettle
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = defaultConfirmTimeout
	}

	c := &Client{cfg: cfg, sleep: sleepContext}
	if backend != nil {
		c.bind = func(address common.Address, parsed abi.ABI) Contract {
			return bind.NewBoundContract(address, parsed, backend, backend, backend)
		}
		c.miner = backendMiner{backend: backend}
	}
	return c
}

// WithBinder swaps the contract binder and miner, typically for a simulation.
func (c *Client) WithBinder(binder Binder, miner Miner) *Client {
	c.bind = binder
	c.miner = miner
	return c
}

// WithSettleDelay overrides the pause after a confirmed approval.
func (c *Client) WithSettleDelay(d time.Duration) *Client {
	c.cfg.ApprovalSettle = d
	return c
}

// WithConfirmTimeout overrides the confirmation window.
func (c *Client) WithConfirmTimeout(d time.Duration) *Client {
	if d > 0 {
		c.cfg.ConfirmTimeout = d
	}
	return c
}

// ContractAddress returns the configured escrow deployment.
func (c *Client) ContractAddress() common.Address {
	return c.cfg.ContractAddress
}

// TokenAddress resolves a token through the static registry.
func (c *Client) TokenAddress(token Token) (common.Address, error) {
	addr, ok := c.cfg.Tokens[token]
	if !ok || addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrUnknownToken, token)
	}
	return addr, nil
}

// LockEscrow moves the signer's tokens into the escrow slot of the task. When
// the current allowance is short it first submits an approval and waits for
// it to be mined before attempting the lock.
func (c *Client) LockEscrow(ctx context.Context, signer *bind.TransactOpts, params LockParams) (*types.Transaction, error) {
	opts, err := c.transactOpts(ctx, signer)
	if err != nil {
		return nil, err
	}
	contract, err := c.escrow()
	if err != nil {
		return nil, err
	}
	tokenAddr, err := c.TokenAddress(params.Token)
	if err != nil {
		return nil, err
	}
	if params.Assignee == (common.Address{}) {
		return nil, fmt.Errorf("escrow: lock %s: assignee address required", params.TaskID)
	}
	units, err := ToBaseUnits(params.Amount)
	if err != nil {
		return nil, err
	}

	approval, err := c.ensureAllowance(ctx, opts, tokenAddr, units)
	if err != nil {
		return nil, err
	}

	tx, err := contract.Transact(opts, "lockEscrow", TaskIDToBytes32(params.TaskID), tokenAddr, params.Assignee, units)
	if err != nil {
		err = fmt.Errorf("%w: lockEscrow %s: %v", ErrChainRejected, params.TaskID, err)
		if approval != nil {
			return nil, &ApprovedError{Approval: approval.Hash(), Err: err}
		}
		return nil, err
	}
	return tx, nil
}

// ReleaseEscrow pays the assignee. Only the depositor of the slot may call it.
func (c *Client) ReleaseEscrow(ctx context.Context, signer *bind.TransactOpts, taskID string) (*types.Transaction, error) {
	return c.submit(ctx, signer, "releaseEscrow", taskID)
}

// ReleaseEscrowByAdmin pays the assignee on behalf of the contract owner when
// a dispute is decided in the contributor's favour.
func (c *Client) ReleaseEscrowByAdmin(ctx context.Context, signer *bind.TransactOpts, taskID string) (*types.Transaction, error) {
	return c.submit(ctx, signer, "releaseEscrowByAdmin", taskID)
}

// RetrieveEscrow refunds the depositor; reason is recorded on-chain.
func (c *Client) RetrieveEscrow(ctx context.Context, signer *bind.TransactOpts, taskID, reason string) (*types.Transaction, error) {
	return c.submit(ctx, signer, "retrieveEscrow", taskID, reason)
}

// RefundByAssignee lets the assignee hand locked funds back to the depositor.
func (c *Client) RefundByAssignee(ctx context.Context, signer *bind.TransactOpts, taskID, reason string) (*types.Transaction, error) {
	return c.submit(ctx, signer, "refundEscrowByAssignee", taskID, reason)
}

// RaiseDispute checks that a dispute may be raised against the slot. The
// deployed contract has no dispute concept, so no transaction is sent and the
// escrow status is untouched.
func (c *Client) RaiseDispute(ctx context.Context, taskID string) error {
	locked, err := c.IsEscrowLocked(ctx, taskID)
	if err != nil {
		return err
	}
	if !locked {
		return fmt.Errorf("%w: %s", ErrEscrowNotLocked, taskID)
	}
	return nil
}

// GetEscrowDetails reads the authoritative escrow slot of a task.
func (c *Client) GetEscrowDetails(ctx context.Context, taskID string) (Record, error) {
	contract, err := c.escrow()
	if err != nil {
		return Record{}, err
	}
	var out []any
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, "getEscrow", TaskIDToBytes32(taskID)); err != nil {
		return Record{}, fmt.Errorf("escrow: getEscrow %s: %w", taskID, err)
	}
	if len(out) == 0 {
		return Record{}, fmt.Errorf("escrow: getEscrow %s: empty result", taskID)
	}
	raw := *abi.ConvertType(out[0], new(onchainEscrow)).(*onchainEscrow)
	return raw.record(), nil
}

// GetEscrowStatus reads only the status of a slot.
func (c *Client) GetEscrowStatus(ctx context.Context, taskID string) (Status, error) {
	contract, err := c.escrow()
	if err != nil {
		return StatusNone, err
	}
	var out []any
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, "getEscrowStatus", TaskIDToBytes32(taskID)); err != nil {
		return StatusNone, fmt.Errorf("escrow: getEscrowStatus %s: %w", taskID, err)
	}
	if len(out) == 0 {
		return StatusNone, fmt.Errorf("escrow: getEscrowStatus %s: empty result", taskID)
	}
	return Status(*abi.ConvertType(out[0], new(uint8)).(*uint8)), nil
}

// IsEscrowLocked reports whether a slot currently holds locked funds.
func (c *Client) IsEscrowLocked(ctx context.Context, taskID string) (bool, error) {
	contract, err := c.escrow()
	if err != nil {
		return false, err
	}
	var out []any
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, "isEscrowLocked", TaskIDToBytes32(taskID)); err != nil {
		return false, fmt.Errorf("escrow: isEscrowLocked %s: %w", taskID, err)
	}
	if len(out) == 0 {
		return false, fmt.Errorf("escrow: isEscrowLocked %s: empty result", taskID)
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

// Confirm waits for tx to be mined within the confirmation window. Every
// failure is a *SubmittedError because the transaction already left the node.
func (c *Client) Confirm(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	if tx == nil {
		return nil, fmt.Errorf("escrow: confirm: nil transaction")
	}
	if c.miner == nil {
		return nil, ErrWalletNotConnected
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.ConfirmTimeout)
	defer cancel()

	receipt, err := c.miner.WaitMined(waitCtx, tx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = ErrConfirmationTimeout
		}
		return nil, &SubmittedError{Op: "confirm", TxHash: tx.Hash(), Err: err}
	}
	if receipt == nil {
		return nil, &SubmittedError{Op: "confirm", TxHash: tx.Hash(), Err: fmt.Errorf("%w: missing receipt", ErrTransactionFailed)}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, &SubmittedError{Op: "confirm", TxHash: tx.Hash(), Err: fmt.Errorf("%w: receipt status %d", ErrTransactionFailed, receipt.Status)}
	}
	return receipt, nil
}

func (c *Client) submit(ctx context.Context, signer *bind.TransactOpts, method, taskID string, extra ...any) (*types.Transaction, error) {
	opts, err := c.transactOpts(ctx, signer)
	if err != nil {
		return nil, err
	}
	contract, err := c.escrow()
	if err != nil {
		return nil, err
	}
	args := append([]any{TaskIDToBytes32(taskID)}, extra...)
	tx, err := contract.Transact(opts, method, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrChainRejected, method, taskID, err)
	}
	return tx, nil
}

// ensureAllowance returns the approval it mined, or nil when the existing
// allowance already covered units.
func (c *Client) ensureAllowance(ctx context.Context, opts *bind.TransactOpts, tokenAddr common.Address, units *big.Int) (*types.Transaction, error) {
	token := c.bind(tokenAddr, ERC20ABI)

	var out []any
	if err := token.Call(&bind.CallOpts{Context: ctx, From: opts.From}, &out, "allowance", opts.From, c.cfg.ContractAddress); err != nil {
		return nil, fmt.Errorf("escrow: read allowance: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("escrow: read allowance: empty result")
	}
	allowance := *abi.ConvertType(out[0], new(*big.Int)).(**big.Int)
	if allowance != nil && allowance.Cmp(units) >= 0 {
		return nil, nil
	}

	approval, err := token.Transact(opts, "approve", c.cfg.ContractAddress, units)
	if err != nil {
		return nil, fmt.Errorf("%w: approve: %v", ErrChainRejected, err)
	}
	if _, err := c.Confirm(ctx, approval); err != nil {
		return nil, fmt.Errorf("escrow: approve: %w", err)
	}
	if err := c.sleep(ctx, c.cfg.ApprovalSettle); err != nil {
		return approval, &ApprovedError{Approval: approval.Hash(), Err: fmt.Errorf("escrow: approval settle: %w", err)}
	}
	return approval, nil
}

func (c *Client) escrow() (Contract, error) {
	if c.bind == nil {
		return nil, ErrWalletNotConnected
	}
	if c.cfg.ContractAddress == (common.Address{}) {
		return nil, ErrNotConfigured
	}
	return c.bind(c.cfg.ContractAddress, EscrowABI), nil
}

func (c *Client) transactOpts(ctx context.Context, signer *bind.TransactOpts) (*bind.TransactOpts, error) {
	if signer == nil || c.bind == nil {
		return nil, ErrWalletNotConnected
	}
	opts := *signer
	opts.Context = ctx
	return &opts, nil
}

type backendMiner struct {
	backend bind.DeployBackend
}

func (m backendMiner) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	return bind.WaitMined(ctx, m.backend, tx)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
