// Package wallet holds the server-side signing keys used when the API
// submits escrow transactions on behalf of a logged-in address.
package wallet

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/crypto"

	"taskwiser/escrow"
)

// Keyring maps lower-cased addresses to their private keys.
type Keyring struct {
	chainID *big.Int

	mu   sync.RWMutex
	keys map[string]*ecdsa.PrivateKey
}

func NewKeyring(chainID *big.Int) *Keyring {
	return &Keyring{chainID: new(big.Int).Set(chainID), keys: make(map[string]*ecdsa.PrivateKey)}
}

// ParseKeys builds a keyring from comma separated hex private keys, with or
// without a 0x prefix.
func ParseKeys(chainID *big.Int, raw string) (*Keyring, error) {
	k := NewKeyring(chainID)
	for i, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if _, err := k.AddHex(part); err != nil {
			return nil, fmt.Errorf("wallet: key %d: %w", i, err)
		}
	}
	return k, nil
}

// Add registers key and returns its address.
func (k *Keyring) Add(key *ecdsa.PrivateKey) string {
	addr := strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[addr] = key
	return addr
}

// AddHex parses and registers a hex encoded private key.
func (k *Keyring) AddHex(hexKey string) (string, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return "", fmt.Errorf("parse private key: %w", err)
	}
	return k.Add(key), nil
}

// Addresses lists the registered addresses.
func (k *Keyring) Addresses() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]string, 0, len(k.keys))
	for addr := range k.keys {
		out = append(out, addr)
	}
	return out
}

// Signer returns a fresh transactor for address. An address without a key
// is reported as escrow.ErrWalletNotConnected.
func (k *Keyring) Signer(address string) (*bind.TransactOpts, error) {
	k.mu.RLock()
	key, ok := k.keys[strings.ToLower(address)]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no signer for %s", escrow.ErrWalletNotConnected, address)
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, k.chainID)
	if err != nil {
		return nil, fmt.Errorf("wallet: transactor for %s: %w", address, err)
	}
	return opts, nil
}
