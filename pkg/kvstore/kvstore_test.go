package kvstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plinthworks/plinth/pkg/storage"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err := New(db)
	require.NoError(t, err)
	return s
}

func TestSetGetRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "comments", "settings")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "comments", "settings", []byte(`{"per_page":20}`)))
	val, ok, err := s.Get(ctx, "comments", "settings")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte(`{"per_page":20}`), val)

	// Upsert overwrites.
	require.NoError(t, s.Set(ctx, "comments", "settings", []byte(`{"per_page":50}`)))
	val, _, err = s.Get(ctx, "comments", "settings")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"per_page":50}`), val)
}

func TestModuleIsolation(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "comments", "shared_key", []byte("mine")))
	_, ok, err := s.Get(ctx, "ratings", "shared_key")
	require.NoError(t, err)
	assert.False(t, ok, "another module's keys are invisible")
}

func TestDeleteAndKeys(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "m", "b", []byte("2")))
	require.NoError(t, s.Set(ctx, "m", "a", []byte("1")))

	keys, err := s.Keys(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)

	require.NoError(t, s.Delete(ctx, "m", "a"))
	require.NoError(t, s.Delete(ctx, "m", "a"), "deleting absent key is fine")

	keys, err = s.Keys(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, keys)
}
