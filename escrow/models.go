package escrow

import (
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Status mirrors the contract's escrow status enum.
type Status uint8

const (
	StatusNone     Status = 0
	StatusLocked   Status = 1
	StatusReleased Status = 2
	StatusRefunded Status = 3
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusLocked:
		return "locked"
	case StatusReleased:
		return "released"
	case StatusRefunded:
		return "refunded"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusRefunded
}

// Advances reports whether moving from s to next respects the order
// None < Locked < {Released | Refunded}. Staying put is allowed.
func (s Status) Advances(next Status) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusNone:
		return next == StatusLocked || next.Terminal()
	case StatusLocked:
		return next.Terminal()
	default:
		return false
	}
}

// Record is the on-chain escrow slot for one task. It is always read fresh
// from the contract and takes precedence over any off-chain mirror.
type Record struct {
	TaskID     [32]byte
	Token      common.Address
	Admin      common.Address
	Assignee   common.Address
	Amount     *big.Int
	Status     Status
	LockedAt   time.Time
	ReleasedAt time.Time
}

// Token identifies a supported stablecoin.
type Token string

const (
	TokenUSDC Token = "USDC"
	TokenUSDT Token = "USDT"
)

// TokenDecimals is the fixed-point scale used by both supported tokens.
const TokenDecimals = 6

// ParseToken normalises a currency code into a Token.
func ParseToken(code string) (Token, bool) {
	switch Token(strings.ToUpper(strings.TrimSpace(code))) {
	case TokenUSDC:
		return TokenUSDC, true
	case TokenUSDT:
		return TokenUSDT, true
	default:
		return "", false
	}
}

// DefaultTokens holds the Sepolia deployments of the supported tokens.
func DefaultTokens() map[Token]common.Address {
	return map[Token]common.Address{
		TokenUSDC: common.HexToAddress("0x427B7203ECCD442eB0a293C3a96c5A85C6476203"),
		TokenUSDT: common.HexToAddress("0xA0DF73C3AEBc134c1737E407f8C9a21FeEd87Dfd"),
	}
}

// onchainEscrow matches the tuple returned by getEscrow.
type onchainEscrow struct {
	TaskId     [32]byte
	Token      common.Address
	Admin      common.Address
	Assignee   common.Address
	Amount     *big.Int
	Status     uint8
	LockedAt   *big.Int
	ReleasedAt *big.Int
}

func (o onchainEscrow) record() Record {
	rec := Record{
		TaskID:   o.TaskId,
		Token:    o.Token,
		Admin:    o.Admin,
		Assignee: o.Assignee,
		Amount:   new(big.Int),
		Status:   Status(o.Status),
	}
	if o.Amount != nil {
		rec.Amount.Set(o.Amount)
	}
	if o.LockedAt != nil && o.LockedAt.Sign() > 0 {
		rec.LockedAt = time.Unix(o.LockedAt.Int64(), 0).UTC()
	}
	if o.ReleasedAt != nil && o.ReleasedAt.Sign() > 0 {
		rec.ReleasedAt = time.Unix(o.ReleasedAt.Int64(), 0).UTC()
	}
	return rec
}
