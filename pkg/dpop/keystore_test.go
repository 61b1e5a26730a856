package dpop

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/gobeyondidentity/dpopclient/pkg/securestore"
)

// countingStorage wraps a Memory store and counts calls.
type countingStorage struct {
	*securestore.Memory
	mu      sync.Mutex
	gets    int
	sets    int
	failSet error
}

func newCountingStorage() *countingStorage {
	return &countingStorage{Memory: securestore.NewMemory()}
}

func (s *countingStorage) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	s.gets++
	s.mu.Unlock()
	return s.Memory.Get(ctx, key)
}

func (s *countingStorage) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	s.sets++
	fail := s.failSet
	s.mu.Unlock()
	if fail != nil {
		return fail
	}
	return s.Memory.Set(ctx, key, value)
}

func TestKeyStore_GeneratesOnFirstUse(t *testing.T) {
	ctx := context.Background()
	storage := newCountingStorage()
	ks := NewKeyStore(storage)

	t.Log("First call generates and persists a key")
	kp, err := ks.GetOrCreateKeyPair(ctx, "alice")
	if err != nil {
		t.Fatalf("GetOrCreateKeyPair failed: %v", err)
	}
	if storage.sets != 1 {
		t.Errorf("expected 1 storage write, got %d", storage.sets)
	}

	stored, err := storage.Memory.Get(ctx, StorageKey("alice"))
	if err != nil {
		t.Fatalf("key not persisted: %v", err)
	}
	d, _ := kp.Scalar()
	if string(stored) != string(d) {
		t.Error("persisted bytes are not the raw scalar")
	}

	t.Log("Second call is served from the cache")
	again, err := ks.GetOrCreateKeyPair(ctx, "alice")
	if err != nil {
		t.Fatalf("second call failed: %v", err)
	}
	if again != kp {
		t.Error("expected the cached key pair")
	}
	if storage.gets != 1 {
		t.Errorf("expected 1 storage read, got %d", storage.gets)
	}
}

func TestKeyStore_LoadsPersistedKey(t *testing.T) {
	ctx := context.Background()
	storage := securestore.NewMemory()

	first, _ := NewKeyStore(storage).GetOrCreateKeyPair(ctx, "alice")

	t.Log("A fresh key store reloads the same key from storage")
	second, err := NewKeyStore(storage).GetOrCreateKeyPair(ctx, "alice")
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if !first.PrivateKey.Equal(second.PrivateKey) {
		t.Error("reloaded key differs from persisted key")
	}
}

func TestKeyStore_AccountsAreIndependent(t *testing.T) {
	ctx := context.Background()
	ks := NewKeyStore(securestore.NewMemory())

	a, _ := ks.GetOrCreateKeyPair(ctx, "alice")
	b, _ := ks.GetOrCreateKeyPair(ctx, "bob")
	if a.PrivateKey.Equal(b.PrivateKey) {
		t.Error("accounts share a key")
	}
}

func TestKeyStore_ConcurrentFirstUseGeneratesOnce(t *testing.T) {
	ctx := context.Background()
	storage := newCountingStorage()
	ks := NewKeyStore(storage)

	var wg sync.WaitGroup
	results := make([]*KeyPair, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			kp, err := ks.GetOrCreateKeyPair(ctx, "alice")
			if err != nil {
				t.Errorf("GetOrCreateKeyPair failed: %v", err)
			}
			results[i] = kp
		}(i)
	}
	wg.Wait()

	for i, kp := range results {
		if kp != results[0] {
			t.Errorf("goroutine %d got a different key pair", i)
		}
	}
	if storage.sets != 1 {
		t.Errorf("expected exactly one generation, got %d writes", storage.sets)
	}
}

func TestKeyStore_ImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	ks := NewKeyStore(securestore.NewMemory())

	src, _ := GenerateKeyPair("external")
	jwk, _ := src.PrivateJWK()

	t.Log("Importing a private JWK and reading back the public JWK")
	if err := ks.ImportKeyPair(ctx, "alice", jwk); err != nil {
		t.Fatalf("ImportKeyPair failed: %v", err)
	}

	kp, err := ks.GetOrCreateKeyPair(ctx, "alice")
	if err != nil {
		t.Fatalf("GetOrCreateKeyPair failed: %v", err)
	}
	pub, _ := ks.PublicJWK(kp)
	if pub.X != jwk.X || pub.Y != jwk.Y {
		t.Error("public JWK after import does not match imported x/y")
	}

	exported, err := ks.ExportJWK(ctx, "alice")
	if err != nil {
		t.Fatalf("ExportJWK failed: %v", err)
	}
	if exported.D != jwk.D {
		t.Error("exported d differs from imported d")
	}
}

func TestKeyStore_ImportReplacesExistingKey(t *testing.T) {
	ctx := context.Background()
	storage := securestore.NewMemory()
	ks := NewKeyStore(storage)

	old, _ := ks.GetOrCreateKeyPair(ctx, "alice")

	src, _ := GenerateKeyPair("external")
	jwk, _ := src.PrivateJWK()
	if err := ks.ImportKeyPair(ctx, "alice", jwk); err != nil {
		t.Fatalf("ImportKeyPair failed: %v", err)
	}

	current, _ := ks.GetOrCreateKeyPair(ctx, "alice")
	if current.PrivateKey.Equal(old.PrivateKey) {
		t.Error("cached key was not replaced")
	}

	reloaded, _ := NewKeyStore(storage).GetOrCreateKeyPair(ctx, "alice")
	if !reloaded.PrivateKey.Equal(src.PrivateKey) {
		t.Error("persisted key was not replaced")
	}
}

func TestKeyStore_ImportMismatchLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	storage := newCountingStorage()
	ks := NewKeyStore(storage)

	existing, _ := ks.GetOrCreateKeyPair(ctx, "alice")
	writes := storage.sets

	src, _ := GenerateKeyPair("external")
	other, _ := GenerateKeyPair("other")
	jwk, _ := src.PrivateJWK()
	otherJWK, _ := other.PublicJWK()
	jwk.X = otherJWK.X

	t.Log("Importing a JWK whose x does not belong to d")
	err := ks.ImportKeyPair(ctx, "alice", jwk)
	if !errors.Is(err, ErrKeyMismatch) {
		t.Fatalf("expected ErrKeyMismatch, got %v", err)
	}
	if storage.sets != writes {
		t.Error("storage was written despite the mismatch")
	}

	current, _ := ks.GetOrCreateKeyPair(ctx, "alice")
	if current != existing {
		t.Error("cached key changed after failed import")
	}
	stored, _ := storage.Memory.Get(ctx, StorageKey("alice"))
	d, _ := existing.Scalar()
	if string(stored) != string(d) {
		t.Error("stored key changed after failed import")
	}
}

func TestKeyStore_ImportStorageFailureLeavesCacheUnchanged(t *testing.T) {
	ctx := context.Background()
	storage := newCountingStorage()
	ks := NewKeyStore(storage)

	existing, _ := ks.GetOrCreateKeyPair(ctx, "alice")
	storage.failSet = errors.New("disk full")

	src, _ := GenerateKeyPair("external")
	jwk, _ := src.PrivateJWK()
	if err := ks.ImportKeyPair(ctx, "alice", jwk); err == nil {
		t.Fatal("expected storage error")
	}

	current, _ := ks.GetOrCreateKeyPair(ctx, "alice")
	if current != existing {
		t.Error("cache updated even though persisting failed")
	}
}

func TestKeyStore_CorruptStoredKey(t *testing.T) {
	ctx := context.Background()
	storage := securestore.NewMemory()
	corrupt := []byte("not-a-scalar")
	if err := storage.Set(ctx, StorageKey("alice"), corrupt); err != nil {
		t.Fatal(err)
	}

	ks := NewKeyStore(storage)
	_, err := ks.GetOrCreateKeyPair(ctx, "alice")
	if !errors.Is(err, ErrCorruptKey) {
		t.Fatalf("expected ErrCorruptKey, got %v", err)
	}

	t.Log("The corrupt value must be left in place, not regenerated")
	stored, _ := storage.Get(ctx, StorageKey("alice"))
	if string(stored) != string(corrupt) {
		t.Error("corrupt key was overwritten")
	}
	if ks.Cached("alice") {
		t.Error("corrupt key should not be cached")
	}
}

func TestKeyStore_Delete(t *testing.T) {
	ctx := context.Background()
	storage := securestore.NewMemory()
	ks := NewKeyStore(storage)

	first, _ := ks.GetOrCreateKeyPair(ctx, "alice")
	if err := ks.DeleteKeyPair(ctx, "alice"); err != nil {
		t.Fatalf("DeleteKeyPair failed: %v", err)
	}
	if ks.Cached("alice") {
		t.Error("key still cached after delete")
	}
	if _, err := storage.Get(ctx, StorageKey("alice")); !securestore.IsNotFound(err) {
		t.Errorf("key still stored after delete: %v", err)
	}

	t.Log("Next use generates a new key")
	second, _ := ks.GetOrCreateKeyPair(ctx, "alice")
	if first.PrivateKey.Equal(second.PrivateKey) {
		t.Error("expected a fresh key after delete")
	}

	if err := ks.DeleteKeyPair(ctx, "nobody"); err != nil {
		t.Errorf("deleting an absent key should succeed: %v", err)
	}
}

func TestKeyStore_RequiresAccountID(t *testing.T) {
	ks := NewKeyStore(securestore.NewMemory())
	ctx := context.Background()

	t.Log("Every account-scoped operation rejects an empty account id the same way")
	if _, err := ks.GetOrCreateKeyPair(ctx, ""); !errors.Is(err, ErrAccountRequired) {
		t.Errorf("GetOrCreateKeyPair error = %v, want ErrAccountRequired", err)
	}
	kp := mustKeyPair(t)
	jwk, err := kp.PrivateJWK()
	if err != nil {
		t.Fatalf("PrivateJWK: %v", err)
	}
	if err := ks.ImportKeyPair(ctx, "", jwk); !errors.Is(err, ErrAccountRequired) {
		t.Errorf("ImportKeyPair error = %v, want ErrAccountRequired", err)
	}
	if err := ks.DeleteKeyPair(ctx, ""); !errors.Is(err, ErrAccountRequired) {
		t.Errorf("DeleteKeyPair error = %v, want ErrAccountRequired", err)
	}
	if _, err := ks.ExportJWK(ctx, ""); !errors.Is(err, ErrAccountRequired) {
		t.Errorf("ExportJWK error = %v, want ErrAccountRequired", err)
	}
}
