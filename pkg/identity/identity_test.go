package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueResolveRoundTrip(t *testing.T) {
	tm := NewTokenManager([]byte("test-key"), "plinth.test")
	id := &Identity{
		Subject:     "user:42",
		Roles:       []string{"editor"},
		Permissions: []string{"records.edit"},
	}

	token, err := tm.Issue(id, time.Minute)
	require.NoError(t, err)

	got, err := tm.Resolve(token)
	require.NoError(t, err)
	assert.Equal(t, "user:42", got.Subject)
	assert.True(t, got.HasRole("editor"))
	assert.True(t, got.HasPermission("records.edit"))
	assert.False(t, got.HasPermission("records.delete"))
}

func TestResolve_EmptyIsAnonymous(t *testing.T) {
	tm := NewTokenManager([]byte("test-key"), "plinth.test")
	got, err := tm.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, Anonymous, got)
	assert.False(t, got.HasRole("editor"))
}

func TestResolve_RejectsTamperedToken(t *testing.T) {
	tm := NewTokenManager([]byte("test-key"), "plinth.test")
	other := NewTokenManager([]byte("other-key"), "plinth.test")

	token, err := other.Issue(&Identity{Subject: "user:1"}, time.Minute)
	require.NoError(t, err)

	_, err = tm.Resolve(token)
	assert.Error(t, err)
}

func TestResolve_RejectsExpired(t *testing.T) {
	tm := NewTokenManager([]byte("test-key"), "plinth.test")
	token, err := tm.Issue(&Identity{Subject: "user:1"}, -time.Minute)
	require.NoError(t, err)

	_, err = tm.Resolve(token)
	assert.Error(t, err)
}

func TestResolve_RejectsWrongIssuer(t *testing.T) {
	tm := NewTokenManager([]byte("test-key"), "plinth.test")
	foreign := NewTokenManager([]byte("test-key"), "someone.else")

	token, err := foreign.Issue(&Identity{Subject: "user:1"}, time.Minute)
	require.NoError(t, err)

	_, err = tm.Resolve(token)
	assert.Error(t, err)
}
