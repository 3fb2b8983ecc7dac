// Package crypto seals and opens ProviderAPIKey.EncryptedSecret at rest.
//
// DESIGN.md flagged this as an open item: neither spec.md nor
// original_source/ commits to a concrete encryption-at-rest scheme beyond
// the column name, so this build picks the simplest one that satisfies the
// column's contract — AES-256-GCM with a single operator-supplied key
// (config.SecurityConfig.EncryptionKey) — rather than inventing key
// rotation or a KMS integration nothing in the spec asks for.
package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/nulpointcorp/llm-gateway/internal/store"
)

// Sealer encrypts/decrypts credential secrets with one fixed AES-256-GCM
// key. Every Seal call uses a fresh random nonce, stored alongside the
// ciphertext (nonce || ciphertext || tag), so EncryptedSecret is
// self-describing and needs no separate nonce column.
type Sealer struct {
	gcm cipher.AEAD
}

// NewSealer builds a Sealer from a 32-byte AES-256 key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("crypto: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: new gcm: %w", err)
	}
	return &Sealer{gcm: gcm}, nil
}

// Seal encrypts plaintext, returning nonce||ciphertext||tag.
func (s *Sealer) Seal(plaintext string) ([]byte, error) {
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: read nonce: %w", err)
	}
	return s.gcm.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed []byte) (string, error) {
	n := s.gcm.NonceSize()
	if len(sealed) < n {
		return "", errors.New("crypto: sealed value shorter than nonce")
	}
	nonce, ciphertext := sealed[:n], sealed[n:]
	plaintext, err := s.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: open: %w", err)
	}
	return string(plaintext), nil
}

// StoreCredentialResolver resolves a ProviderAPIKey row's EncryptedSecret
// to plaintext. It satisfies the identical local CredentialResolver
// interfaces declared by internal/dispatch and internal/videopoll (Go
// interface satisfaction needs no explicit binding — see DESIGN.md).
type StoreCredentialResolver struct {
	st     *store.Store
	sealer *Sealer
}

func NewStoreCredentialResolver(st *store.Store, sealer *Sealer) *StoreCredentialResolver {
	return &StoreCredentialResolver{st: st, sealer: sealer}
}

func (r *StoreCredentialResolver) Resolve(ctx context.Context, providerAPIKeyID uint64) (string, error) {
	var cred store.ProviderAPIKey
	if err := r.st.DB().WithContext(ctx).First(&cred, providerAPIKeyID).Error; err != nil {
		return "", fmt.Errorf("crypto: load credential %d: %w", providerAPIKeyID, err)
	}
	return r.sealer.Open(cred.EncryptedSecret)
}
