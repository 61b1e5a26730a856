package securestore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseStorage runs the behaviour every backend must share.
func exerciseStorage(t *testing.T, s Storage) {
	t.Helper()
	ctx := context.Background()

	t.Run("missing key returns ErrNotFound", func(t *testing.T) {
		_, err := s.Get(ctx, "absent")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("set then get round trips", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "dpop.key.alice", []byte("secret-1")))
		got, err := s.Get(ctx, "dpop.key.alice")
		require.NoError(t, err)
		assert.Equal(t, []byte("secret-1"), got)
	})

	t.Run("set replaces prior value", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "dpop.key.bob", []byte("old")))
		require.NoError(t, s.Set(ctx, "dpop.key.bob", []byte("new")))
		got, err := s.Get(ctx, "dpop.key.bob")
		require.NoError(t, err)
		assert.Equal(t, []byte("new"), got)
	})

	t.Run("delete removes key and is idempotent", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "dpop.key.carol", []byte("x")))
		require.NoError(t, s.Delete(ctx, "dpop.key.carol"))
		_, err := s.Get(ctx, "dpop.key.carol")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, s.Delete(ctx, "dpop.key.carol"))
	})

	t.Run("invalid key rejected on set", func(t *testing.T) {
		assert.Error(t, s.Set(ctx, "", []byte("x")))
		assert.Error(t, s.Set(ctx, "a/b", []byte("x")))
	})
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{name: "simple", key: "dpop.key.alice", wantErr: false},
		{name: "unicode", key: "dpop.key.zoë", wantErr: false},
		{name: "empty", key: "", wantErr: true},
		{name: "slash", key: "dpop/key", wantErr: true},
		{name: "backslash", key: `dpop\key`, wantErr: true},
		{name: "newline", key: "dpop\nkey", wantErr: true},
		{name: "too long", key: strings.Repeat("k", maxKeyLength+1), wantErr: true},
		{name: "max length", key: strings.Repeat("k", maxKeyLength), wantErr: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateKey(tt.key)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMemory(t *testing.T) {
	exerciseStorage(t, NewMemory())
}

func TestMemory_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	value := []byte("abc")
	require.NoError(t, m.Set(ctx, "k", value))
	value[0] = 'z'

	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got, "stored value must not alias caller slice")

	got[1] = 'z'
	again, _ := m.Get(ctx, "k")
	assert.Equal(t, []byte("abc"), again, "returned value must not alias stored slice")
}

func TestMemory_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i%5)
			_ = m.Set(ctx, key, []byte{byte(i)})
			_, _ = m.Get(ctx, key)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 5, m.Len())
}
