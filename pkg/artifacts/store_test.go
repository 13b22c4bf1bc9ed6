package artifacts

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()
	fs, err := NewFileStore(filepath.Join(t.TempDir(), "artifacts"))
	require.NoError(t, err)
	return map[string]Store{
		"file":   fs,
		"memory": NewMemoryStore(),
	}
}

func TestComputeAddress(t *testing.T) {
	addr := ComputeAddress([]byte{})
	assert.Equal(t, "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", addr)
	assert.Equal(t, addr, ComputeAddress(nil))
	assert.NotEqual(t, addr, ComputeAddress([]byte(" ")))
}

func TestParseAddress(t *testing.T) {
	good := ComputeAddress([]byte("gate"))
	raw, err := ParseAddress(good)
	require.NoError(t, err)
	assert.Equal(t, good[len(AddressPrefix):], raw)

	raw, err = ParseAddress(AddressPrefix + strings.ToUpper(good[len(AddressPrefix):]))
	require.NoError(t, err)
	assert.Equal(t, good[len(AddressPrefix):], raw)

	for _, bad := range []string{
		"",
		"invalid-hash",
		"sha256:abc",
		"md5:" + good[len(AddressPrefix):],
		"sha256:" + strings.Repeat("zz", 32),
	} {
		_, err := ParseAddress(bad)
		assert.Error(t, err, bad)
	}
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			data := []byte("return account.balance >= params.minBalance")

			addr, err := store.Put(ctx, data, Metadata{Name: "gate.yaml"})
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(addr, AddressPrefix))
			assert.Equal(t, ComputeAddress(data), addr)

			got, err := store.Get(ctx, addr)
			require.NoError(t, err)
			assert.Equal(t, data, got)

			ok, err := store.Exists(ctx, addr)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestStore_Idempotent(t *testing.T) {
	ctx := context.Background()
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			data := []byte("Idempotent data")
			a1, err := store.Put(ctx, data, Metadata{Name: "first"})
			require.NoError(t, err)
			a2, err := store.Put(ctx, data, Metadata{Name: "second"})
			require.NoError(t, err)
			assert.Equal(t, a1, a2)
		})
	}
}

func TestStore_NotFound(t *testing.T) {
	ctx := context.Background()
	missing := AddressPrefix + strings.Repeat("0", 64)
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get(ctx, missing)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrNotFound))

			ok, err := store.Exists(ctx, missing)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStore_InvalidAddress(t *testing.T) {
	ctx := context.Background()
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get(ctx, "invalid-hash")
			require.Error(t, err)
			assert.False(t, errors.Is(err, ErrNotFound))
			assert.Contains(t, err.Error(), "invalid address format")
		})
	}
}

func TestStore_Delete(t *testing.T) {
	ctx := context.Background()
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			addr, err := store.Put(ctx, []byte("short-lived"), Metadata{})
			require.NoError(t, err)
			require.NoError(t, store.Delete(ctx, addr))

			_, err = store.Get(ctx, addr)
			assert.ErrorIs(t, err, ErrNotFound)

			// Deleting twice is fine.
			assert.NoError(t, store.Delete(ctx, addr))
		})
	}
}

func TestFileStore_WritesMetadataSidecar(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	addr, err := store.Put(context.Background(), []byte("named"), Metadata{Name: "gate.yaml"})
	require.NoError(t, err)

	meta, err := os.ReadFile(filepath.Join(dir, addr[len(AddressPrefix):]+".meta.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"gate.yaml"}`, string(meta))
}

func TestMemoryStore_MetadataFirstWriteWins(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	addr, err := store.Put(ctx, []byte("x"), Metadata{Name: "one"})
	require.NoError(t, err)
	_, err = store.Put(ctx, []byte("x"), Metadata{Name: "two"})
	require.NoError(t, err)

	meta, ok := store.MetadataFor(addr)
	require.True(t, ok)
	assert.Equal(t, "one", meta.Name)
}
