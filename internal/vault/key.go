package vault

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"tasksync/internal/config"

	"github.com/natefinch/atomic"
	"golang.org/x/crypto/argon2"
)

// DeriveKey stretches a passphrase into an AES-256 key with argon2id.
func DeriveKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, KeySize)
}

// LoadKey resolves the vault key from a passphrase or from a hex key file.
// A missing key file is generated.
func LoadKey(cfg config.VaultConfig) ([]byte, error) {
	if cfg.Passphrase != "" {
		if cfg.Salt == "" {
			return nil, errors.New("vault salt is required with a passphrase")
		}
		return DeriveKey([]byte(cfg.Passphrase), []byte(cfg.Salt)), nil
	}
	if cfg.KeyFile == "" {
		return nil, errors.New("vault key_file or passphrase is required")
	}

	data, err := os.ReadFile(cfg.KeyFile)
	switch {
	case err == nil:
		key, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("decode vault key file: %w", err)
		}
		if len(key) != KeySize {
			return nil, fmt.Errorf("vault key file holds %d bytes, want %d", len(key), KeySize)
		}
		return key, nil
	case errors.Is(err, os.ErrNotExist):
		return generateKeyFile(cfg.KeyFile)
	default:
		return nil, fmt.Errorf("read vault key file: %w", err)
	}
}

func generateKeyFile(path string) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate vault key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create vault key directory: %w", err)
	}
	encoded := hex.EncodeToString(key) + "\n"
	if err := atomic.WriteFile(path, bytes.NewBufferString(encoded)); err != nil {
		return nil, fmt.Errorf("write vault key file: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		return nil, fmt.Errorf("restrict vault key file: %w", err)
	}
	return key, nil
}
