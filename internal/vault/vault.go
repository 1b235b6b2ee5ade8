// Package vault seals OAuth secrets so that only opaque handles are stored
// next to the connection rows.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"tasksync/internal/database"
	"tasksync/internal/logging"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrSecretNotFound = errors.New("vault: secret not found")
	ErrDecrypt        = errors.New("vault: secret cannot be opened")
)

const KeySize = 32

// SecretStore persists sealed secrets.
type SecretStore interface {
	PutSecret(ctx context.Context, handle string, nonce, ciphertext []byte) error
	GetSecret(ctx context.Context, handle string) (nonce, ciphertext []byte, err error)
	DeleteSecret(ctx context.Context, handle string) error
}

type Vault struct {
	store  SecretStore
	aead   cipher.AEAD
	logger zerolog.Logger
}

func New(store SecretStore, key []byte, logger *zerolog.Logger) (*Vault, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("vault key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}

	return &Vault{store: store, aead: aead, logger: *logging.Component(logger, "vault")}, nil
}

// Store seals secret and returns a fresh handle for it.
func (v *Vault) Store(ctx context.Context, secret []byte) (string, error) {
	handle := uuid.NewString()

	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	// the handle is bound as additional data so rows cannot be swapped
	ciphertext := v.aead.Seal(nil, nonce, secret, []byte(handle))

	if err := v.store.PutSecret(ctx, handle, nonce, ciphertext); err != nil {
		return "", err
	}
	return handle, nil
}

func (v *Vault) Retrieve(ctx context.Context, handle string) ([]byte, error) {
	nonce, ciphertext, err := v.store.GetSecret(ctx, handle)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrSecretNotFound
	}
	if err != nil {
		return nil, err
	}
	plain, err := v.aead.Open(nil, nonce, ciphertext, []byte(handle))
	if err != nil {
		v.logger.Warn().Str("handle", handle).Msg("vault secret failed authentication")
		return nil, ErrDecrypt
	}
	return plain, nil
}

// Delete removes a secret. Deleting an unknown handle succeeds.
func (v *Vault) Delete(ctx context.Context, handle string) error {
	if handle == "" {
		return nil
	}
	return v.store.DeleteSecret(ctx, handle)
}
