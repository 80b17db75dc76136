package escrow_test

import (
	"context"
	"errors"
	"math/big"
	"reflect"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"taskwiser/escrow"
	"taskwiser/escrow/escrowtest"
)

var (
	escrowAddr = common.HexToAddress("0x00000000000000000000000000000000000e5c40")
	usdcAddr   = common.HexToAddress("0x427B7203ECCD442eB0a293C3a96c5A85C6476203")
	tokens     = map[escrow.Token]common.Address{escrow.TokenUSDC: usdcAddr}
)

func newChain(t *testing.T) (*escrowtest.Chain, *escrow.Client) {
	t.Helper()
	_, owner := escrowtest.NewAccount()
	chain := escrowtest.New(escrowAddr, owner.From)
	return chain, chain.Client(tokens)
}

func TestLockEscrow_ApprovesThenLocks(t *testing.T) {
	chain, client := newChain(t)
	_, creator := escrowtest.NewAccount()
	assignee := common.HexToAddress("0x000000000000000000000000000000000000abc1")
	ctx := context.Background()

	before, err := client.GetEscrowDetails(ctx, "task-42")
	if err != nil {
		t.Fatalf("read before lock: %v", err)
	}
	if before.Status != escrow.StatusNone {
		t.Fatalf("expected empty slot, got %s", before.Status)
	}

	tx, err := client.LockEscrow(ctx, creator, escrow.LockParams{
		TaskID:   "task-42",
		Token:    escrow.TokenUSDC,
		Assignee: assignee,
		Amount:   decimal.NewFromInt(500),
	})
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := client.Confirm(ctx, tx); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	if calls := chain.Calls(); !reflect.DeepEqual(calls, []string{"approve", "lockEscrow"}) {
		t.Fatalf("expected approve before lockEscrow, got %v", calls)
	}

	after, err := client.GetEscrowDetails(ctx, "task-42")
	if err != nil {
		t.Fatalf("read after lock: %v", err)
	}
	if after.Status != escrow.StatusLocked {
		t.Fatalf("expected locked, got %s", after.Status)
	}
	if after.Amount.Cmp(big.NewInt(500_000000)) != 0 {
		t.Fatalf("expected 500000000 base units, got %s", after.Amount)
	}
	if after.Assignee != assignee || after.Admin != creator.From || after.Token != usdcAddr {
		t.Fatalf("unexpected slot: %+v", after)
	}
	if after.TaskID != escrow.TaskIDToBytes32("task-42") {
		t.Fatalf("slot id mismatch: %x", after.TaskID)
	}
	if after.LockedAt.IsZero() {
		t.Fatal("expected lockedAt to be set")
	}
}

func TestLockEscrow_SkipsApprovalWhenAllowanceSuffices(t *testing.T) {
	chain, client := newChain(t)
	_, creator := escrowtest.NewAccount()
	chain.Approve(usdcAddr, creator.From, escrowAddr, big.NewInt(1_000_000000))

	_, err := client.LockEscrow(context.Background(), creator, escrow.LockParams{
		TaskID:   "task-7",
		Token:    escrow.TokenUSDC,
		Assignee: common.HexToAddress("0x01"),
		Amount:   decimal.RequireFromString("250.5"),
	})
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if calls := chain.Calls(); !reflect.DeepEqual(calls, []string{"lockEscrow"}) {
		t.Fatalf("expected only lockEscrow, got %v", calls)
	}
	if left := chain.Allowance(usdcAddr, creator.From, escrowAddr); left.Cmp(big.NewInt(749_500000)) != 0 {
		t.Fatalf("expected remaining allowance 749500000, got %s", left)
	}
}

func TestLockEscrow_FailedApprovalStopsLock(t *testing.T) {
	chain, client := newChain(t)
	_, creator := escrowtest.NewAccount()
	chain.RevertNext("approve")

	_, err := client.LockEscrow(context.Background(), creator, escrow.LockParams{
		TaskID:   "task-9",
		Token:    escrow.TokenUSDC,
		Assignee: common.HexToAddress("0x02"),
		Amount:   decimal.NewFromInt(10),
	})
	if !errors.Is(err, escrow.ErrTransactionFailed) {
		t.Fatalf("expected ErrTransactionFailed, got %v", err)
	}
	if calls := chain.Calls(); !reflect.DeepEqual(calls, []string{"approve"}) {
		t.Fatalf("lock must not be attempted after a failed approval, got %v", calls)
	}
	if chain.Slot("task-9") != escrow.StatusNone {
		t.Fatal("slot must stay empty")
	}
}

func TestLockEscrow_RejectedLockReportsMinedApproval(t *testing.T) {
	chain, client := newChain(t)
	_, creator := escrowtest.NewAccount()
	chain.RejectNext("lockEscrow", errors.New("execution reverted: slot taken"))

	_, err := client.LockEscrow(context.Background(), creator, escrow.LockParams{
		TaskID:   "task-11",
		Token:    escrow.TokenUSDC,
		Assignee: common.HexToAddress("0x03"),
		Amount:   decimal.NewFromInt(25),
	})
	if !errors.Is(err, escrow.ErrChainRejected) {
		t.Fatalf("expected ErrChainRejected, got %v", err)
	}
	var approved *escrow.ApprovedError
	if !errors.As(err, &approved) {
		t.Fatalf("expected the mined approval to be reported, got %v", err)
	}
	if approved.Approval == (common.Hash{}) {
		t.Fatal("expected the approval hash")
	}
	if calls := chain.Calls(); !reflect.DeepEqual(calls, []string{"approve"}) {
		t.Fatalf("expected only the approval to reach the chain, got %v", calls)
	}
	if left := chain.Allowance(usdcAddr, creator.From, escrowAddr); left.Cmp(big.NewInt(25_000000)) != 0 {
		t.Fatalf("expected the approval to stay in place, got %s", left)
	}
	if chain.Slot("task-11") != escrow.StatusNone {
		t.Fatal("slot must stay empty")
	}
}

func TestLockEscrow_Validation(t *testing.T) {
	_, client := newChain(t)
	_, creator := escrowtest.NewAccount()
	ctx := context.Background()

	_, err := client.LockEscrow(ctx, creator, escrow.LockParams{TaskID: "t", Token: "DAI", Assignee: common.HexToAddress("0x03"), Amount: decimal.NewFromInt(1)})
	if !errors.Is(err, escrow.ErrUnknownToken) {
		t.Fatalf("expected ErrUnknownToken, got %v", err)
	}
	_, err = client.LockEscrow(ctx, creator, escrow.LockParams{TaskID: "t", Token: escrow.TokenUSDC, Assignee: common.HexToAddress("0x03"), Amount: decimal.Zero})
	if !errors.Is(err, escrow.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestClient_WalletAndConfiguration(t *testing.T) {
	ctx := context.Background()
	_, signer := escrowtest.NewAccount()

	disconnected := escrow.NewClient(escrow.Config{ContractAddress: escrowAddr}, nil)
	if _, err := disconnected.GetEscrowDetails(ctx, "task-1"); !errors.Is(err, escrow.ErrWalletNotConnected) {
		t.Fatalf("read without backend: expected ErrWalletNotConnected, got %v", err)
	}
	if _, err := disconnected.ReleaseEscrow(ctx, signer, "task-1"); !errors.Is(err, escrow.ErrWalletNotConnected) {
		t.Fatalf("release without backend: expected ErrWalletNotConnected, got %v", err)
	}

	chain, client := newChain(t)
	if _, err := client.ReleaseEscrow(ctx, nil, "task-1"); !errors.Is(err, escrow.ErrWalletNotConnected) {
		t.Fatalf("release without signer: expected ErrWalletNotConnected, got %v", err)
	}

	unconfigured := escrow.NewClient(escrow.Config{}, nil).WithBinder(chain.Bind, chain)
	if _, err := unconfigured.RetrieveEscrow(ctx, signer, "task-1", "reason"); !errors.Is(err, escrow.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if len(chain.Calls()) != 0 {
		t.Fatalf("no transaction may be sent, got %v", chain.Calls())
	}
}

func TestRelease_OnlyDepositor(t *testing.T) {
	chain, client := newChain(t)
	_, creator := escrowtest.NewAccount()
	_, stranger := escrowtest.NewAccount()
	chain.Seed(escrow.Record{
		TaskID: escrow.TaskIDToBytes32("task-3"),
		Token:  usdcAddr,
		Admin:  creator.From,
		Amount: big.NewInt(5_000000),
		Status: escrow.StatusLocked,
	})
	ctx := context.Background()

	if _, err := client.ReleaseEscrow(ctx, stranger, "task-3"); !errors.Is(err, escrow.ErrChainRejected) {
		t.Fatalf("expected ErrChainRejected, got %v", err)
	}
	tx, err := client.ReleaseEscrow(ctx, creator, "task-3")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := client.Confirm(ctx, tx); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	status, err := client.GetEscrowStatus(ctx, "task-3")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status != escrow.StatusReleased {
		t.Fatalf("expected released, got %s", status)
	}
}

func TestConfirm_FailingReceipt(t *testing.T) {
	chain, client := newChain(t)
	_, creator := escrowtest.NewAccount()
	chain.Seed(escrow.Record{TaskID: escrow.TaskIDToBytes32("task-4"), Admin: creator.From, Amount: big.NewInt(1), Status: escrow.StatusLocked})
	chain.RevertNext("releaseEscrow")
	ctx := context.Background()

	tx, err := client.ReleaseEscrow(ctx, creator, "task-4")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	_, err = client.Confirm(ctx, tx)
	if !errors.Is(err, escrow.ErrTransactionFailed) {
		t.Fatalf("expected ErrTransactionFailed, got %v", err)
	}
	var submitted *escrow.SubmittedError
	if !errors.As(err, &submitted) || submitted.TxHash != tx.Hash() {
		t.Fatalf("expected SubmittedError carrying %s, got %v", tx.Hash().Hex(), err)
	}
	if chain.Slot("task-4") != escrow.StatusLocked {
		t.Fatal("reverted release must not change the slot")
	}
}

func TestConfirm_Timeout(t *testing.T) {
	chain, client := newChain(t)
	client.WithConfirmTimeout(20 * time.Millisecond)
	_, creator := escrowtest.NewAccount()
	chain.Seed(escrow.Record{TaskID: escrow.TaskIDToBytes32("task-5"), Admin: creator.From, Amount: big.NewInt(1), Status: escrow.StatusLocked})
	chain.HangConfirmations(true)
	ctx := context.Background()

	tx, err := client.ReleaseEscrow(ctx, creator, "task-5")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	_, err = client.Confirm(ctx, tx)
	if !errors.Is(err, escrow.ErrConfirmationTimeout) {
		t.Fatalf("expected ErrConfirmationTimeout, got %v", err)
	}
	var submitted *escrow.SubmittedError
	if !errors.As(err, &submitted) {
		t.Fatalf("timeout must be reported as submitted, got %T", err)
	}
}

func TestRaiseDispute_Advisory(t *testing.T) {
	chain, client := newChain(t)
	ctx := context.Background()

	if err := client.RaiseDispute(ctx, "task-6"); !errors.Is(err, escrow.ErrEscrowNotLocked) {
		t.Fatalf("expected ErrEscrowNotLocked on empty slot, got %v", err)
	}

	chain.Seed(escrow.Record{TaskID: escrow.TaskIDToBytes32("task-6"), Amount: big.NewInt(1), Status: escrow.StatusLocked})
	if err := client.RaiseDispute(ctx, "task-6"); err != nil {
		t.Fatalf("raise dispute: %v", err)
	}
	if len(chain.Calls()) != 0 {
		t.Fatalf("raising a dispute must not send transactions, got %v", chain.Calls())
	}
	if chain.Slot("task-6") != escrow.StatusLocked {
		t.Fatal("raising a dispute must not change the status")
	}
}
