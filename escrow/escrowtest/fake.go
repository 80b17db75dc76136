// Package escrowtest simulates the escrow contract and its ERC20 tokens in
// memory so that callers can exercise escrow.Client without a node.
package escrowtest

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"taskwiser/escrow"
)

// ChainID is the chain id used for keyed transactors created by NewAccount.
var ChainID = big.NewInt(11155111)

// tuple has the field layout of the getEscrow return value.
type tuple struct {
	TaskId     [32]byte
	Token      common.Address
	Admin      common.Address
	Assignee   common.Address
	Amount     *big.Int
	Status     uint8
	LockedAt   *big.Int
	ReleasedAt *big.Int
}

type allowanceKey struct {
	token, owner, spender common.Address
}

// Chain is a single escrow deployment plus any number of tokens.
type Chain struct {
	Escrow common.Address
	Owner  common.Address

	mu         sync.Mutex
	slots      map[[32]byte]tuple
	allowances map[allowanceKey]*big.Int
	receipts   map[common.Hash]*types.Receipt
	nonce      uint64
	calls      []string
	reads      int

	rejectNext map[string]error
	revertNext map[string]bool
	skipNext   map[string]bool
	hang       bool
	now        func() time.Time
}

// New returns a chain whose escrow contract lives at escrowAddr and is owned
// by owner.
func New(escrowAddr, owner common.Address) *Chain {
	return &Chain{
		Escrow:     escrowAddr,
		Owner:      owner,
		slots:      make(map[[32]byte]tuple),
		allowances: make(map[allowanceKey]*big.Int),
		receipts:   make(map[common.Hash]*types.Receipt),
		rejectNext: make(map[string]error),
		revertNext: make(map[string]bool),
		skipNext:   make(map[string]bool),
		now:        time.Now,
	}
}

// NewAccount creates a fresh key and a transactor for it.
func NewAccount() (*ecdsa.PrivateKey, *bind.TransactOpts) {
	key, err := crypto.GenerateKey()
	if err != nil {
		panic(err)
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, ChainID)
	if err != nil {
		panic(err)
	}
	return key, opts
}

// Client returns an escrow.Client wired to this chain with no settle delay.
func (c *Chain) Client(tokens map[escrow.Token]common.Address) *escrow.Client {
	client := escrow.NewClient(escrow.Config{
		ContractAddress: c.Escrow,
		Tokens:          tokens,
		ApprovalSettle:  -1,
		ConfirmTimeout:  time.Second,
	}, nil)
	return client.WithBinder(c.Bind, c)
}

// Bind satisfies escrow.Binder.
func (c *Chain) Bind(address common.Address, _ abi.ABI) escrow.Contract {
	return &contract{chain: c, address: address}
}

// RejectNext makes the next Transact of method fail before broadcast.
func (c *Chain) RejectNext(method string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejectNext[method] = err
}

// RevertNext makes the next transaction of method mine with a failing receipt.
func (c *Chain) RevertNext(method string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.revertNext[method] = true
}

// SkipEffectNext makes the next transaction of method mine successfully
// without changing any state, as a lagging node would report it.
func (c *Chain) SkipEffectNext(method string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.skipNext[method] = true
}

// HangConfirmations makes WaitMined block until its context ends. State
// effects still apply, as if the transaction landed after the caller gave up.
func (c *Chain) HangConfirmations(hang bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hang = hang
}

// Seed writes a slot directly.
func (c *Chain) Seed(rec escrow.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slots[rec.TaskID] = tuple{
		TaskId:     rec.TaskID,
		Token:      rec.Token,
		Admin:      rec.Admin,
		Assignee:   rec.Assignee,
		Amount:     orZero(rec.Amount),
		Status:     uint8(rec.Status),
		LockedAt:   unix(rec.LockedAt),
		ReleasedAt: unix(rec.ReleasedAt),
	}
}

// Approve sets an allowance directly.
func (c *Chain) Approve(token, owner, spender common.Address, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.allowances[allowanceKey{token, owner, spender}] = new(big.Int).Set(amount)
}

// Slot returns the current status of a task's slot.
func (c *Chain) Slot(taskID string) escrow.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return escrow.Status(c.slots[escrow.TaskIDToBytes32(taskID)].Status)
}

// Allowance returns the recorded allowance of owner towards spender.
func (c *Chain) Allowance(token, owner, spender common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(orZero(c.allowances[allowanceKey{token, owner, spender}]))
}

// Calls lists every transaction method submitted so far, in order.
func (c *Chain) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// Reads counts escrow view calls.
func (c *Chain) Reads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}

// WaitMined satisfies escrow.Miner.
func (c *Chain) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	c.mu.Lock()
	hang := c.hang
	receipt, ok := c.receipts[tx.Hash()]
	c.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if !ok {
		return nil, fmt.Errorf("escrowtest: unknown transaction %s", tx.Hash().Hex())
	}
	return receipt, nil
}

type contract struct {
	chain   *Chain
	address common.Address
}

func (k *contract) Call(_ *bind.CallOpts, results *[]any, method string, params ...any) error {
	c := k.chain
	c.mu.Lock()
	defer c.mu.Unlock()

	switch method {
	case "allowance":
		owner, spender := params[0].(common.Address), params[1].(common.Address)
		*results = []any{new(big.Int).Set(orZero(c.allowances[allowanceKey{k.address, owner, spender}]))}
		return nil
	case "getEscrow", "getEscrowStatus", "isEscrowLocked":
	default:
		return fmt.Errorf("escrowtest: unsupported call %s", method)
	}
	if k.address != c.Escrow {
		return fmt.Errorf("escrowtest: no escrow contract at %s", k.address.Hex())
	}

	c.reads++
	id := params[0].([32]byte)
	slot, ok := c.slots[id]
	if !ok {
		slot = tuple{TaskId: id, Amount: new(big.Int), LockedAt: new(big.Int), ReleasedAt: new(big.Int)}
	}
	switch method {
	case "getEscrow":
		*results = []any{slot}
	case "getEscrowStatus":
		*results = []any{slot.Status}
	case "isEscrowLocked":
		*results = []any{slot.Status == uint8(escrow.StatusLocked)}
	}
	return nil
}

func (k *contract) Transact(opts *bind.TransactOpts, method string, params ...any) (*types.Transaction, error) {
	c := k.chain
	c.mu.Lock()
	defer c.mu.Unlock()

	if err, ok := c.rejectNext[method]; ok {
		delete(c.rejectNext, method)
		return nil, err
	}

	var apply func()
	var err error
	if method == "approve" {
		apply, err = c.approve(k.address, opts.From, params)
	} else if k.address == c.Escrow {
		apply, err = c.escrowCall(opts.From, method, params)
	} else {
		err = fmt.Errorf("escrowtest: unsupported transaction %s on %s", method, k.address.Hex())
	}
	if err != nil {
		return nil, err
	}

	to := k.address
	tx := types.NewTx(&types.LegacyTx{Nonce: c.nonce, To: &to, Gas: 21000, GasPrice: big.NewInt(1), Data: []byte(method)})
	c.nonce++
	c.calls = append(c.calls, method)

	receipt := &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: tx.Hash(), BlockNumber: new(big.Int).SetUint64(c.nonce)}
	switch {
	case c.revertNext[method]:
		delete(c.revertNext, method)
		receipt.Status = types.ReceiptStatusFailed
	case c.skipNext[method]:
		delete(c.skipNext, method)
	default:
		apply()
	}
	c.receipts[tx.Hash()] = receipt
	return tx, nil
}

func (c *Chain) approve(token, from common.Address, params []any) (func(), error) {
	spender, amount := params[0].(common.Address), params[1].(*big.Int)
	return func() {
		c.allowances[allowanceKey{token, from, spender}] = new(big.Int).Set(amount)
	}, nil
}

// escrowCall validates a transaction the way the contract's modifiers do and
// returns the state change to apply once it is mined.
func (c *Chain) escrowCall(from common.Address, method string, params []any) (func(), error) {
	id := params[0].([32]byte)
	slot, exists := c.slots[id]
	locked := exists && slot.Status == uint8(escrow.StatusLocked)
	now := big.NewInt(c.now().Unix())

	revert := func(reason string) (func(), error) {
		return nil, fmt.Errorf("execution reverted: %s", reason)
	}

	switch method {
	case "lockEscrow":
		token, assignee, amount := params[1].(common.Address), params[2].(common.Address), params[3].(*big.Int)
		if exists && slot.Status != uint8(escrow.StatusNone) {
			return revert("escrow already exists")
		}
		if amount.Sign() <= 0 {
			return revert("amount must be positive")
		}
		key := allowanceKey{token, from, c.Escrow}
		if orZero(c.allowances[key]).Cmp(amount) < 0 {
			return revert("insufficient allowance")
		}
		return func() {
			c.allowances[key] = new(big.Int).Sub(c.allowances[key], amount)
			c.slots[id] = tuple{
				TaskId: id, Token: token, Admin: from, Assignee: assignee,
				Amount: new(big.Int).Set(amount), Status: uint8(escrow.StatusLocked),
				LockedAt: now, ReleasedAt: new(big.Int),
			}
		}, nil
	case "releaseEscrow":
		if !locked {
			return revert("escrow not locked")
		}
		if from != slot.Admin {
			return revert("only depositor")
		}
		return c.settle(id, escrow.StatusReleased, now), nil
	case "releaseEscrowByAdmin":
		if !locked {
			return revert("escrow not locked")
		}
		if from != c.Owner {
			return revert("only owner")
		}
		return c.settle(id, escrow.StatusReleased, now), nil
	case "retrieveEscrow":
		if !locked {
			return revert("escrow not locked")
		}
		if from != c.Owner {
			return revert("only owner")
		}
		return c.settle(id, escrow.StatusRefunded, now), nil
	case "refundEscrowByAssignee":
		if !locked {
			return revert("escrow not locked")
		}
		if from != slot.Assignee {
			return revert("only assignee")
		}
		return c.settle(id, escrow.StatusRefunded, now), nil
	}
	return nil, fmt.Errorf("escrowtest: unsupported transaction %s", method)
}

func (c *Chain) settle(id [32]byte, status escrow.Status, at *big.Int) func() {
	return func() {
		slot := c.slots[id]
		slot.Status = uint8(status)
		slot.ReleasedAt = at
		c.slots[id] = slot
	}
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func unix(t time.Time) *big.Int {
	if t.IsZero() {
		return new(big.Int)
	}
	return big.NewInt(t.Unix())
}
