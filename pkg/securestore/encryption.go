package securestore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	// MasterKeyEnv is the environment variable that overrides the master key file.
	MasterKeyEnv = "DPOPCTL_MASTER_KEY"

	// gcmNonceSize is the size of the GCM nonce (12 bytes is standard for AES-GCM).
	gcmNonceSize = 12

	// cipherKeyInfo is the HKDF info string for the storage cipher key.
	cipherKeyInfo = "dpopctl|securestore|A256GCM"
)

// ErrCiphertextTooShort indicates stored data shorter than a GCM nonce.
var ErrCiphertextTooShort = errors.New("ciphertext too short")

// Cipher seals values with AES-256-GCM under a key derived from a master
// secret. Sealed format: nonce (12 bytes) || ciphertext.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives an AES-256 key from masterKey with HKDF-SHA256.
func NewCipher(masterKey string) (*Cipher, error) {
	if masterKey == "" {
		return nil, errors.New("master key is empty")
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(masterKey), nil, []byte(cipherKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Cipher{aead: gcm}, nil
}

// Seal encrypts plaintext. additionalData binds the ciphertext to its
// storage key so values cannot be swapped between rows.
func (c *Cipher) Seal(plaintext, additionalData []byte) ([]byte, error) {
	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, additionalData), nil
}

// Open decrypts data produced by Seal with the same additionalData.
func (c *Cipher) Open(sealed, additionalData []byte) ([]byte, error) {
	if len(sealed) < gcmNonceSize {
		return nil, ErrCiphertextTooShort
	}
	plaintext, err := c.aead.Open(nil, sealed[:gcmNonceSize], sealed[gcmNonceSize:], additionalData)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// LoadOrGenerateMasterKey returns the master key.
// Priority:
//  1. Environment variable DPOPCTL_MASTER_KEY (always takes precedence)
//  2. Key file at keyPath
//  3. Generate a new key and save it to keyPath with 0600 permissions
func LoadOrGenerateMasterKey(keyPath string) (string, error) {
	if keyStr := os.Getenv(MasterKeyEnv); keyStr != "" {
		return keyStr, nil
	}

	data, err := os.ReadFile(keyPath)
	if err == nil {
		return strings.TrimSpace(string(data)), nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read key file: %w", err)
	}

	keyBytes := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, keyBytes); err != nil {
		return "", fmt.Errorf("failed to generate random key: %w", err)
	}
	keyStr := hex.EncodeToString(keyBytes)

	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return "", fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(keyStr), 0600); err != nil {
		return "", fmt.Errorf("failed to write key file: %w", err)
	}
	return keyStr, nil
}
