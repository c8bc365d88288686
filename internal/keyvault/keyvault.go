// Package keyvault manages per-organization Data Encryption Keys (DEKs), wrapping each
// under a process-level master key so only the wrapped bytes are ever persisted.
package keyvault

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"ragvault/internal/cipher"
)

// ErrKeyNotFound is returned by Get when no OrgKey row exists for the organization.
var ErrKeyNotFound = errors.New("keyvault: key not found")

const dekSize = 32

// OrgKeyStore is the repository collaborator: it persists one wrapped DEK per organization,
// versioned, with at most one active row. Implemented by internal/repository.
type OrgKeyStore interface {
	GetWrappedDEK(ctx context.Context, orgID string) (wrapped []byte, version int, err error)
	PutWrappedDEK(ctx context.Context, orgID string, wrapped []byte, version int) error
}

// Vault wraps/unwraps per-org DEKs under a 32-byte master key and caches decrypted DEKs for
// the lifetime of the process. The cache is read under a shared lock and written under an
// exclusive lock; the AEAD work itself happens outside the critical section.
type Vault struct {
	masterKey []byte
	store     OrgKeyStore

	mu    sync.RWMutex
	cache map[string]dekEntry
}

type dekEntry struct {
	dek     []byte
	version int
}

// New constructs a Vault. masterKey must be exactly 32 bytes; the process should refuse to
// start if this is not the case.
func New(masterKey []byte, store OrgKeyStore) (*Vault, error) {
	if len(masterKey) != dekSize {
		return nil, fmt.Errorf("keyvault: master key must be %d bytes, got %d", dekSize, len(masterKey))
	}
	return &Vault{
		masterKey: append([]byte(nil), masterKey...),
		store:     store,
		cache:     make(map[string]dekEntry),
	}, nil
}

// NewFromBase64 decodes a base64-encoded master key and constructs a Vault.
func NewFromBase64(masterKeyB64 string, store OrgKeyStore) (*Vault, error) {
	key, err := base64.StdEncoding.DecodeString(masterKeyB64)
	if err != nil {
		return nil, fmt.Errorf("keyvault: decode master key: %w", err)
	}
	return New(key, store)
}

// GetOrCreate returns the 32-byte DEK for org, generating and persisting a fresh one
// (wrapped under the master key with the org id as AAD) if none exists yet.
func (v *Vault) GetOrCreate(ctx context.Context, orgID string) ([]byte, error) {
	if dek, ok := v.cached(orgID); ok {
		return dek, nil
	}

	wrapped, version, err := v.store.GetWrappedDEK(ctx, orgID)
	if err == nil {
		dek, uerr := v.unwrap(wrapped, orgID)
		if uerr != nil {
			return nil, uerr
		}
		v.cacheSet(orgID, dek, version)
		return dek, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return nil, err
	}

	dek := make([]byte, dekSize)
	if _, rerr := rand.Read(dek); rerr != nil {
		return nil, fmt.Errorf("keyvault: generate dek: %w", rerr)
	}
	wrappedNew, werr := v.wrap(dek, orgID)
	if werr != nil {
		return nil, werr
	}
	if perr := v.store.PutWrappedDEK(ctx, orgID, wrappedNew, 1); perr != nil {
		return nil, fmt.Errorf("keyvault: persist dek: %w", perr)
	}
	v.cacheSet(orgID, dek, 1)
	return dek, nil
}

// Get returns the DEK for an org that must already exist; ErrKeyNotFound otherwise.
func (v *Vault) Get(ctx context.Context, orgID string) ([]byte, error) {
	if dek, ok := v.cached(orgID); ok {
		return dek, nil
	}
	wrapped, version, err := v.store.GetWrappedDEK(ctx, orgID)
	if err != nil {
		return nil, err
	}
	dek, err := v.unwrap(wrapped, orgID)
	if err != nil {
		return nil, err
	}
	v.cacheSet(orgID, dek, version)
	return dek, nil
}

// InvalidateCache drops every cached DEK, forcing the next Get/GetOrCreate to re-unwrap from
// the store. Intended for the admin rotation flow described in spec.md §3.
func (v *Vault) InvalidateCache() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cache = make(map[string]dekEntry)
}

func (v *Vault) cached(orgID string) ([]byte, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	e, ok := v.cache[orgID]
	if !ok {
		return nil, false
	}
	return e.dek, true
}

func (v *Vault) cacheSet(orgID string, dek []byte, version int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cache[orgID] = dekEntry{dek: dek, version: version}
}

func (v *Vault) wrap(dek []byte, orgID string) ([]byte, error) {
	ct, nonce, err := cipher.Seal(dek, v.masterKey, orgID)
	if err != nil {
		return nil, fmt.Errorf("keyvault: wrap dek: %w", err)
	}
	return append(nonce, ct...), nil
}

func (v *Vault) unwrap(blob []byte, orgID string) ([]byte, error) {
	if len(blob) < cipher.NonceSize {
		return nil, fmt.Errorf("keyvault: wrapped dek too short")
	}
	nonce, ct := blob[:cipher.NonceSize], blob[cipher.NonceSize:]
	dek, err := cipher.Open(ct, nonce, v.masterKey, orgID)
	if err != nil {
		return nil, fmt.Errorf("keyvault: unwrap dek: %w", err)
	}
	return dek, nil
}
