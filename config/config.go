// Package config loads the API's runtime configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"taskwiser/escrow"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid configuration")

// Config holds the API's runtime configuration.
type Config struct {
	DatabaseURL     string
	ListenAddr      string
	RPCURL          string
	ChainID         int64
	EscrowContract  string
	Tokens          map[escrow.Token]string
	AdminAddresses  []string
	JWTSecret       string
	SignerKeys      string
	ApprovalSettle  time.Duration
	ConfirmTimeout  time.Duration
	LLMBaseURL      string
	LLMAPIKey       string
	LLMModel        string
	LLMTimeout      time.Duration
	ShutdownTimeout time.Duration
}

// FromEnv reads the configuration through getenv, applies defaults and
// validates. Every problem found is reported in one error.
func FromEnv(getenv func(string) string) (*Config, error) {
	var problems []string
	get := func(key string) string {
		return strings.TrimSpace(getenv(key))
	}
	duration := func(key string) time.Duration {
		raw := get(key)
		if raw == "" {
			return 0
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", key, err))
			return 0
		}
		return d
	}

	cfg := &Config{
		DatabaseURL:    get("DATABASE_URL"),
		ListenAddr:     get("LISTEN_ADDR"),
		RPCURL:         get("ETH_RPC_URL"),
		EscrowContract: get("ESCROW_CONTRACT_ADDRESS"),
		Tokens:         map[escrow.Token]string{},
		JWTSecret:      get("JWT_SECRET"),
		SignerKeys:     get("SIGNER_KEYS"),
		ApprovalSettle: duration("ESCROW_APPROVAL_SETTLE"),
		ConfirmTimeout: duration("ESCROW_CONFIRM_TIMEOUT"),
		LLMBaseURL:     get("LLM_BASE_URL"),
		LLMAPIKey:      get("LLM_API_KEY"),
		LLMModel:       get("LLM_MODEL"),
		LLMTimeout:     duration("LLM_TIMEOUT"),
	}
	if raw := get("CHAIN_ID"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			problems = append(problems, fmt.Sprintf("CHAIN_ID: %v", err))
		}
		cfg.ChainID = id
	}
	if v := get("TOKEN_USDC"); v != "" {
		cfg.Tokens[escrow.TokenUSDC] = v
	}
	if v := get("TOKEN_USDT"); v != "" {
		cfg.Tokens[escrow.TokenUSDT] = v
	}
	for _, a := range strings.Split(get("ADMIN_ADDRESSES"), ",") {
		if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
			cfg.AdminAddresses = append(cfg.AdminAddresses, a)
		}
	}

	cfg.applyDefaults()
	problems = append(problems, cfg.validate()...)
	if len(problems) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.ChainID == 0 {
		c.ChainID = 11155111
	}
	if c.ApprovalSettle == 0 {
		c.ApprovalSettle = 2 * time.Second
	}
	if c.ConfirmTimeout == 0 {
		c.ConfirmTimeout = 3 * time.Minute
	}
	if c.LLMTimeout == 0 {
		c.LLMTimeout = 60 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 15 * time.Second
	}
}

func (c *Config) validate() []string {
	var problems []string

	if c.DatabaseURL == "" {
		problems = append(problems, "DATABASE_URL is required")
	}
	if c.JWTSecret == "" {
		problems = append(problems, "JWT_SECRET is required")
	}
	if c.ChainID < 0 {
		problems = append(problems, "CHAIN_ID must be positive")
	}
	if c.EscrowContract != "" && !common.IsHexAddress(c.EscrowContract) {
		problems = append(problems, "ESCROW_CONTRACT_ADDRESS is not an address")
	}
	for token, addr := range c.Tokens {
		if !common.IsHexAddress(addr) {
			problems = append(problems, fmt.Sprintf("TOKEN_%s is not an address", token))
		}
	}
	for _, a := range c.AdminAddresses {
		if !common.IsHexAddress(a) {
			problems = append(problems, fmt.Sprintf("ADMIN_ADDRESSES entry %q is not an address", a))
		}
	}
	if c.ConfirmTimeout < 0 {
		problems = append(problems, "ESCROW_CONFIRM_TIMEOUT must be positive")
	}
	return problems
}

// ChainIDBig returns the chain id for transaction signing.
func (c *Config) ChainIDBig() *big.Int {
	return big.NewInt(c.ChainID)
}

// EscrowConfig builds the escrow client configuration. Tokens not set in the
// environment keep their default Sepolia addresses.
func (c *Config) EscrowConfig() escrow.Config {
	tokens := escrow.DefaultTokens()
	for token, addr := range c.Tokens {
		tokens[token] = common.HexToAddress(addr)
	}
	return escrow.Config{
		ContractAddress: common.HexToAddress(c.EscrowContract),
		Tokens:          tokens,
		ApprovalSettle:  c.ApprovalSettle,
		ConfirmTimeout:  c.ConfirmTimeout,
	}
}
