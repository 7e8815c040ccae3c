package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreSetGet(t *testing.T) {
	m := NewMemoryStore()
	defer m.Close()
	ctx := context.Background()

	_, err := m.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Set(ctx, "k", []byte("v")))
	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

func TestMemoryStoreExpiry(t *testing.T) {
	m := NewMemoryStore()
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.SetEx(ctx, "ttl", []byte("v"), 20*time.Millisecond))
	ok, err := m.Exists(ctx, "ttl")
	require.NoError(t, err)
	assert.True(t, ok)

	time.Sleep(40 * time.Millisecond)
	_, err = m.Get(ctx, "ttl")
	assert.ErrorIs(t, err, ErrNotFound)
	ok, err = m.Exists(ctx, "ttl")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStoreDelete(t *testing.T) {
	m := NewMemoryStore()
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "a", []byte("1")))
	require.NoError(t, m.Delete(ctx, "a", "never-existed"))
	_, err := m.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreListTrim(t *testing.T) {
	m := NewMemoryStore()
	defer m.Close()
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		require.NoError(t, m.LPushTrim(ctx, "list", []byte(fmt.Sprintf("%d", i)), 5))
	}
	items, err := m.LRange(ctx, "list", 0, -1)
	require.NoError(t, err)
	require.Len(t, items, 5)
	// Head is the most recent push.
	assert.Equal(t, "6", string(items[0]))
	assert.Equal(t, "2", string(items[4]))
}

func TestMemoryStoreLRangeBounds(t *testing.T) {
	m := NewMemoryStore()
	defer m.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, m.LPushTrim(ctx, "list", []byte(fmt.Sprintf("%d", i)), 0))
	}
	items, err := m.LRange(ctx, "list", 1, 1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "1", string(items[0]))

	items, err = m.LRange(ctx, "empty", 0, -1)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestMemoryStoreValueIsolation(t *testing.T) {
	m := NewMemoryStore()
	defer m.Close()
	ctx := context.Background()

	src := []byte("original")
	require.NoError(t, m.Set(ctx, "k", src))
	src[0] = 'X'

	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "original", string(got))
}
