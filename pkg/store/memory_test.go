package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryKV_SetNX(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()

	ok, err := kv.SetNX(ctx, "k", []byte("a"), 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = kv.SetNX(ctx, "k", []byte("b"), 0)
	require.NoError(t, err)
	assert.False(t, ok, "second SetNX on a live key must not write")

	value, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), value)
}

func TestMemoryKV_SetNXAfterExpiry(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	now := time.Now()
	kv.now = func() time.Time { return now }

	ok, err := kv.SetNX(ctx, "k", []byte("a"), 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(200 * time.Millisecond)

	ok, err = kv.SetNX(ctx, "k", []byte("b"), 100*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok, "expired key must be writable")

	value, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), value)
}

func TestMemoryKV_CompareAndSwap(t *testing.T) {
	tests := []struct {
		name    string
		current []byte
		old     []byte
		want    bool
	}{
		{
			name:    "matching value swaps",
			current: []byte("a"),
			old:     []byte("a"),
			want:    true,
		},
		{
			name:    "mismatched value does not swap",
			current: []byte("a"),
			old:     []byte("x"),
			want:    false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			kv := NewMemoryKV()
			require.NoError(t, kv.Set(ctx, "k", tt.current, 0))

			ok, err := kv.CompareAndSwap(ctx, "k", tt.old, []byte("b"), 0)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)

			value, err := kv.Get(ctx, "k")
			require.NoError(t, err)
			if tt.want {
				assert.Equal(t, []byte("b"), value)
			} else {
				assert.Equal(t, tt.current, value)
			}
		})
	}
}

func TestMemoryKV_CompareAndSwapMissingKey(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()

	ok, err := kv.CompareAndSwap(ctx, "missing", []byte("a"), []byte("b"), 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryKV_CompareAndDelete(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	require.NoError(t, kv.Set(ctx, "k", []byte("a"), 0))

	ok, err := kv.CompareAndDelete(ctx, "k", []byte("x"))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = kv.CompareAndDelete(ctx, "k", []byte("a"))
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = kv.Get(ctx, "k")
	assert.True(t, IsNotFound(err))
}

func TestMemoryKV_GetExpired(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	now := time.Now()
	kv.now = func() time.Time { return now }

	require.NoError(t, kv.Set(ctx, "k", []byte("a"), 50*time.Millisecond))

	_, err := kv.Get(ctx, "k")
	require.NoError(t, err)

	now = now.Add(time.Second)

	_, err = kv.Get(ctx, "k")
	assert.True(t, IsNotFound(err), "expired key must read as not found")
}
