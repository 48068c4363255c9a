// Package secrets provides authenticated encryption for repository
// credentials at rest. Ciphertexts are versioned; a legacy fixed-nonce
// format is still readable and is transparently re-encrypted on the next
// write. Plaintext never appears in logs or error messages.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	// MasterKeySize is the key size in bytes (AES-256).
	MasterKeySize = 32

	// Placeholder is what API responses carry instead of stored credentials.
	Placeholder = "********"

	// prefixV1 marks the current ciphertext format:
	// v1:base64(nonce || sealed).
	prefixV1 = "v1:"
)

var (
	// ErrEmptyCiphertext is returned when decrypting an empty blob.
	ErrEmptyCiphertext = errors.New("empty ciphertext")

	// legacyNonce is the fixed nonce of the pre-versioning format. Legacy
	// blobs are bare base64 with no prefix.
	legacyNonce = make([]byte, 12)
)

// Vault encrypts and decrypts credential blobs with a server-wide key.
type Vault struct {
	key []byte
	gcm cipher.AEAD
}

// NewVault loads the master key from keyPath, generating a fresh one when
// the file does not exist. A present-but-invalid key file is an error; the
// caller is expected to treat it as fatal.
func NewVault(keyPath string) (*Vault, error) {
	key, err := loadOrGenerateKey(keyPath)
	if err != nil {
		return nil, fmt.Errorf("master key init: %w", err)
	}
	return NewVaultWithKey(key)
}

// NewVaultWithKey builds a Vault around an existing 32-byte key.
func NewVaultWithKey(key []byte) (*Vault, error) {
	if len(key) != MasterKeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", MasterKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Vault{key: key, gcm: gcm}, nil
}

func loadOrGenerateKey(keyPath string) ([]byte, error) {
	data, err := os.ReadFile(keyPath)
	if err == nil {
		if len(data) != MasterKeySize {
			return nil, fmt.Errorf("key file %s has %d bytes, want %d", keyPath, len(data), MasterKeySize)
		}
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read key: %w", err)
	}

	key := make([]byte, MasterKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	if dir := filepath.Dir(keyPath); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create key dir: %w", err)
		}
	}
	if err := os.WriteFile(keyPath, key, 0600); err != nil {
		return nil, fmt.Errorf("write key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext with a fresh random nonce and returns the
// versioned blob. Two encryptions of the same plaintext never produce the
// same output.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, v.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := v.gcm.Seal(nil, nonce, []byte(plaintext), nil)
	blob := append(nonce, sealed...)
	return prefixV1 + base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt opens a blob in either the current or the legacy format.
func (v *Vault) Decrypt(blob string) (string, error) {
	if blob == "" {
		return "", ErrEmptyCiphertext
	}

	if strings.HasPrefix(blob, prefixV1) {
		raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(blob, prefixV1))
		if err != nil {
			return "", fmt.Errorf("decode ciphertext: %w", err)
		}
		if len(raw) <= v.gcm.NonceSize() {
			return "", errors.New("ciphertext too short")
		}
		nonce, sealed := raw[:v.gcm.NonceSize()], raw[v.gcm.NonceSize():]
		plaintext, err := v.gcm.Open(nil, nonce, sealed, nil)
		if err != nil {
			return "", fmt.Errorf("decrypt: %w", err)
		}
		return string(plaintext), nil
	}

	// Legacy format: bare base64, fixed nonce.
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", fmt.Errorf("decode legacy ciphertext: %w", err)
	}
	plaintext, err := v.gcm.Open(nil, legacyNonce[:v.gcm.NonceSize()], raw, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt legacy: %w", err)
	}
	return string(plaintext), nil
}

// IsLegacyFormat reports whether a blob uses the pre-versioning fixed-nonce
// format and should be re-encrypted.
func IsLegacyFormat(blob string) bool {
	return blob != "" && !strings.HasPrefix(blob, prefixV1)
}

// Reencrypt decrypts a blob in any supported format and seals it again in
// the current format with a fresh nonce. Used for batch migration of
// legacy ciphertexts.
func (v *Vault) Reencrypt(blob string) (string, error) {
	plaintext, err := v.Decrypt(blob)
	if err != nil {
		return "", err
	}
	return v.Encrypt(plaintext)
}

// EncryptLegacy seals plaintext in the legacy fixed-nonce format. It exists
// only so tests and migration tooling can produce legacy blobs.
func (v *Vault) EncryptLegacy(plaintext string) string {
	sealed := v.gcm.Seal(nil, legacyNonce[:v.gcm.NonceSize()], []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed)
}
