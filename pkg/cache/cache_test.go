package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, "plinth"), mr
}

func TestGetSet(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "comments", "thread:1")
	require.NoError(t, err)
	assert.False(t, ok, "miss before set")

	require.NoError(t, c.Set(ctx, "comments", "thread:1", []byte("rendered"), time.Minute, nil))

	val, ok, err := c.Get(ctx, "comments", "thread:1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("rendered"), val)
}

func TestModuleNamespacing(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "comments", "k", []byte("a"), 0, nil))
	require.NoError(t, c.Set(ctx, "ratings", "k", []byte("b"), 0, nil))

	va, _, err := c.Get(ctx, "comments", "k")
	require.NoError(t, err)
	vb, _, err := c.Get(ctx, "ratings", "k")
	require.NoError(t, err)
	assert.NotEqual(t, va, vb, "same key, different module namespaces")
}

func TestInvalidateTag(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "comments", "thread:1", []byte("x"), 0, []string{"record:1"}))
	require.NoError(t, c.Set(ctx, "ratings", "score:1", []byte("y"), 0, []string{"record:1"}))
	require.NoError(t, c.Set(ctx, "comments", "thread:2", []byte("z"), 0, []string{"record:2"}))

	n, err := c.InvalidateTag(ctx, "record:1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, ok, _ := c.Get(ctx, "comments", "thread:1")
	assert.False(t, ok)
	_, ok, _ = c.Get(ctx, "ratings", "score:1")
	assert.False(t, ok)
	_, ok, _ = c.Get(ctx, "comments", "thread:2")
	assert.True(t, ok, "other tags untouched")

	n, err = c.InvalidateTag(ctx, "record:1")
	require.NoError(t, err)
	assert.Zero(t, n, "second invalidation finds nothing")
}

func TestDelete(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "m", "k", []byte("v"), 0, nil))
	require.NoError(t, c.Delete(ctx, "m", "k"))
	_, ok, err := c.Get(ctx, "m", "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTTLExpiry(t *testing.T) {
	c, mr := newCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "m", "k", []byte("v"), time.Second, nil))
	mr.FastForward(2 * time.Second)

	_, ok, err := c.Get(ctx, "m", "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFlush(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", "k1", []byte("1"), 0, []string{"t"}))
	require.NoError(t, c.Set(ctx, "b", "k2", []byte("2"), 0, nil))
	require.NoError(t, c.Flush(ctx))

	_, ok, _ := c.Get(ctx, "a", "k1")
	assert.False(t, ok)
	_, ok, _ = c.Get(ctx, "b", "k2")
	assert.False(t, ok)
}
