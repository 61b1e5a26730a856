package securestore

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound indicates the key has no stored value.
var ErrNotFound = errors.New("secret not found")

// Storage persists opaque secret values by key.
// Implementations must be safe for concurrent use.
type Storage interface {
	// Get returns the stored value, or ErrNotFound if the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, replacing any prior value.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// ValidateKey rejects keys that no backend can store safely.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("invalid storage key: must be non-empty")
	}
	if len(key) > maxKeyLength {
		return fmt.Errorf("invalid storage key: exceeds %d bytes", maxKeyLength)
	}
	for _, r := range key {
		if r < 32 || r == 127 || r == '/' || r == '\\' {
			return fmt.Errorf("invalid storage key: contains forbidden character %q", r)
		}
	}
	return nil
}

// maxKeyLength bounds keys so they fit file names and secret names.
const maxKeyLength = 200

// IsNotFound returns true if err reports a missing key.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
