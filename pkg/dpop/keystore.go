package dpop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gobeyondidentity/dpopclient/pkg/securestore"
)

// keyStoragePrefix namespaces key material within the secure storage.
const keyStoragePrefix = "dpop.key."

// StorageKey returns the secure-storage key for an account's private scalar.
func StorageKey(accountID string) string {
	return keyStoragePrefix + accountID
}

// KeyStore owns one P-256 key pair per account. Key pairs are created on
// first use, persisted to secure storage and cached in memory.
//
// Reads of cached keys proceed concurrently. Inserts and removals hold the
// write lock, so no reader observes a key while it is being replaced.
type KeyStore struct {
	storage securestore.Storage
	logger  *slog.Logger

	mu    sync.RWMutex
	cache map[string]*KeyPair
}

// KeyStoreOption configures a KeyStore.
type KeyStoreOption func(*KeyStore)

// WithKeyStoreLogger sets the logger for key lifecycle events.
func WithKeyStoreLogger(logger *slog.Logger) KeyStoreOption {
	return func(s *KeyStore) {
		s.logger = logger
	}
}

// NewKeyStore creates a key store backed by the given secure storage.
func NewKeyStore(storage securestore.Storage, opts ...KeyStoreOption) *KeyStore {
	s := &KeyStore{
		storage: storage,
		logger:  slog.Default(),
		cache:   make(map[string]*KeyPair),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetOrCreateKeyPair returns the account's key pair, loading it from
// storage or generating and persisting a new one if none exists.
//
// Stored bytes that are not a valid P-256 scalar return ErrCorruptKey. The
// corrupt value is not replaced: the server may already have bound tokens to
// the original key.
func (s *KeyStore) GetOrCreateKeyPair(ctx context.Context, accountID string) (*KeyPair, error) {
	if accountID == "" {
		return nil, ErrAccountRequired
	}

	s.mu.RLock()
	kp, ok := s.cache[accountID]
	s.mu.RUnlock()
	if ok {
		return kp, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Another caller may have populated the cache while we waited.
	if kp, ok := s.cache[accountID]; ok {
		return kp, nil
	}

	kp, err := s.load(ctx, accountID)
	if err == nil {
		s.cache[accountID] = kp
		return kp, nil
	}
	if !securestore.IsNotFound(err) {
		return nil, err
	}

	kp, err = GenerateKeyPair(accountID)
	if err != nil {
		return nil, err
	}
	if err := s.persist(ctx, kp); err != nil {
		return nil, err
	}
	s.cache[accountID] = kp

	s.logger.Info("dpop.key_generated",
		"account", sanitizeForLog(accountID),
	)
	return kp, nil
}

// PublicJWK returns the public JWK of a key pair.
func (s *KeyStore) PublicJWK(kp *KeyPair) (JWK, error) {
	return kp.PublicJWK()
}

// ImportKeyPair installs a key pair supplied as a private JWK, replacing
// any existing key for the account. The public coordinates are recomputed
// from d and must match x and y exactly; on any error the stored and cached
// state of the account is unchanged.
func (s *KeyStore) ImportKeyPair(ctx context.Context, accountID string, jwk JWK) error {
	if accountID == "" {
		return ErrAccountRequired
	}

	kp, err := KeyPairFromJWK(accountID, jwk)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.persist(ctx, kp); err != nil {
		return err
	}
	_, replaced := s.cache[accountID]
	s.cache[accountID] = kp

	s.logger.Info("dpop.key_imported",
		"account", sanitizeForLog(accountID),
		"replaced_cached", replaced,
	)
	return nil
}

// ExportJWK returns the account's key pair as a private JWK, creating the
// key first if needed.
func (s *KeyStore) ExportJWK(ctx context.Context, accountID string) (JWK, error) {
	kp, err := s.GetOrCreateKeyPair(ctx, accountID)
	if err != nil {
		return JWK{}, err
	}
	return kp.PrivateJWK()
}

// DeleteKeyPair removes the account's key pair from the cache and from
// secure storage.
func (s *KeyStore) DeleteKeyPair(ctx context.Context, accountID string) error {
	if accountID == "" {
		return ErrAccountRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.storage.Delete(ctx, StorageKey(accountID)); err != nil {
		return fmt.Errorf("delete key: %w", err)
	}
	delete(s.cache, accountID)

	s.logger.Info("dpop.key_deleted",
		"account", sanitizeForLog(accountID),
	)
	return nil
}

// Cached returns true if the account's key pair is in the memory cache.
func (s *KeyStore) Cached(accountID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.cache[accountID]
	return ok
}

// load reads and decodes a stored scalar. Caller holds the write lock.
func (s *KeyStore) load(ctx context.Context, accountID string) (*KeyPair, error) {
	data, err := s.storage.Get(ctx, StorageKey(accountID))
	if err != nil {
		if securestore.IsNotFound(err) {
			return nil, err
		}
		return nil, fmt.Errorf("load key: %w", err)
	}

	kp, err := KeyPairFromScalar(accountID, data)
	if err != nil {
		s.logger.Error("dpop.key_corrupt",
			"account", sanitizeForLog(accountID),
			"length", len(data),
		)
		return nil, fmt.Errorf("%w: account %s: %v", ErrCorruptKey, accountID, err)
	}
	return kp, nil
}

// persist writes the scalar of kp. Caller holds the write lock.
func (s *KeyStore) persist(ctx context.Context, kp *KeyPair) error {
	d, err := kp.Scalar()
	if err != nil {
		return err
	}
	if err := s.storage.Set(ctx, StorageKey(kp.AccountID), d); err != nil {
		return fmt.Errorf("save key: %w", err)
	}
	return nil
}

// IsKeyError returns true if err is one of the key validation errors.
func IsKeyError(err error) bool {
	return errors.Is(err, ErrInvalidJWK) ||
		errors.Is(err, ErrInvalidJWKData) ||
		errors.Is(err, ErrKeyMismatch) ||
		errors.Is(err, ErrCorruptKey)
}
