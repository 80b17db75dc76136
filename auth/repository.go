package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"taskwiser/db"
)

var (
	// ErrNonceNotFound signals that no challenge is outstanding for the address.
	ErrNonceNotFound = errors.New("auth: nonce not found")
)

// Repository stores login challenges.
type Repository interface {
	SaveNonce(ctx context.Context, nonce Nonce) error
	// ConsumeNonce deletes and returns the outstanding nonce of address.
	ConsumeNonce(ctx context.Context, address string) (Nonce, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool db.DBTX
}

// NewRepository creates a PostgreSQL-backed auth repository.
func NewRepository(pool db.DBTX) *PGRepository {
	return &PGRepository{pool: pool}
}

// SaveNonce replaces any outstanding nonce of the address.
func (r *PGRepository) SaveNonce(ctx context.Context, nonce Nonce) error {
	const upsertSQL = `
		INSERT INTO wallet_nonces (address, nonce, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (address) DO UPDATE
		SET nonce = EXCLUDED.nonce, expires_at = EXCLUDED.expires_at, created_at = now()
	`
	if _, err := r.pool.Exec(ctx, upsertSQL, strings.ToLower(nonce.Address), nonce.Value, nonce.ExpiresAt); err != nil {
		return fmt.Errorf("auth: save nonce: %w", err)
	}
	return nil
}

// ConsumeNonce removes the nonce so that a signature can only be used once.
func (r *PGRepository) ConsumeNonce(ctx context.Context, address string) (Nonce, error) {
	const deleteSQL = `
		DELETE FROM wallet_nonces
		WHERE address = $1
		RETURNING address, nonce, expires_at
	`
	var n Nonce
	err := r.pool.QueryRow(ctx, deleteSQL, strings.ToLower(address)).Scan(&n.Address, &n.Value, &n.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Nonce{}, ErrNonceNotFound
		}
		return Nonce{}, fmt.Errorf("auth: consume nonce: %w", err)
	}
	return n, nil
}
