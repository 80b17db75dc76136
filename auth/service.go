package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidCredentials signals a bad address, signature or nonce.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrInvalidAddress signals a malformed wallet address.
	ErrInvalidAddress = errors.New("auth: invalid wallet address")
	// ErrNonceExpired signals that the challenge outlived its TTL.
	ErrNonceExpired = errors.New("auth: nonce expired")
)

const (
	nonceTTL = 10 * time.Minute
	tokenTTL = 24 * time.Hour
)

// Service issues wallet challenges and session tokens.
type Service struct {
	repo      Repository
	policy    Policy
	jwtSecret []byte
	now       func() time.Time
}

// LoginResult bundles the token and session returned after a successful login.
type LoginResult struct {
	Token   string
	Session Session
}

// NewService creates a new authentication service.
func NewService(repo Repository, policy Policy, jwtSecret string) *Service {
	if policy == nil {
		policy = NewAllowList()
	}
	return &Service{
		repo:      repo,
		policy:    policy,
		jwtSecret: []byte(jwtSecret),
		now:       time.Now,
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// IssueNonce stores a fresh challenge for address and returns it.
func (s *Service) IssueNonce(ctx context.Context, address string) (Nonce, error) {
	if !common.IsHexAddress(address) {
		return Nonce{}, ErrInvalidAddress
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return Nonce{}, fmt.Errorf("auth: generate nonce: %w", err)
	}
	nonce := Nonce{
		Address:   strings.ToLower(address),
		Value:     hex.EncodeToString(buf),
		ExpiresAt: s.now().Add(nonceTTL),
	}
	if err := s.repo.SaveNonce(ctx, nonce); err != nil {
		return Nonce{}, err
	}
	return nonce, nil
}

// Login checks a personal_sign signature over the outstanding nonce and
// returns a session token. The nonce is consumed whatever the outcome.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	if !common.IsHexAddress(req.Address) {
		return LoginResult{}, ErrInvalidAddress
	}
	nonce, err := s.repo.ConsumeNonce(ctx, req.Address)
	if err != nil {
		if errors.Is(err, ErrNonceNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}
	if !s.now().Before(nonce.ExpiresAt) {
		return LoginResult{}, ErrNonceExpired
	}

	signer, err := recoverSigner(nonce.Message(), req.Signature)
	if err != nil {
		return LoginResult{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	if signer != common.HexToAddress(req.Address) {
		return LoginResult{}, ErrInvalidCredentials
	}

	session := Session{Address: strings.ToLower(signer.Hex()), Role: RoleMember}
	if s.policy.IsAdmin(session.Address) {
		session.Role = RoleAdmin
	}
	token, err := s.generateToken(session)
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: generate token: %w", err)
	}
	return LoginResult{Token: token, Session: session}, nil
}

// VerifyToken validates a JWT token and returns the session it carries.
func (s *Service) VerifyToken(tokenString string) (Session, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return Session{}, fmt.Errorf("auth: parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Session{}, fmt.Errorf("auth: invalid token")
	}
	address, ok := claims["address"].(string)
	if !ok || !common.IsHexAddress(address) {
		return Session{}, fmt.Errorf("auth: invalid address in token")
	}
	roleStr, ok := claims["role"].(string)
	if !ok {
		return Session{}, fmt.Errorf("auth: invalid role in token")
	}
	role := Role(roleStr)
	if !isValidRole(role) {
		return Session{}, fmt.Errorf("auth: invalid role %q in token", roleStr)
	}
	return Session{Address: address, Role: role}, nil
}

// IsAdmin reports whether address may resolve disputes.
func (s *Service) IsAdmin(address string) bool {
	return s.policy.IsAdmin(address)
}

func (s *Service) generateToken(session Session) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"address": session.Address,
		"role":    string(session.Role),
		"exp":     now.Add(tokenTTL).Unix(),
		"iat":     now.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// recoverSigner returns the address that produced an EIP-191 signature over
// message. Wallets emit v as 27/28, go-ethereum expects 0/1.
func recoverSigner(message, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func isValidRole(role Role) bool {
	switch role {
	case RoleAdmin, RoleMember:
		return true
	default:
		return false
	}
}
