package auth

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalPermissive(t *testing.T) {
	l, err := NewLocal(LocalOptions{Permissive: true})
	require.NoError(t, err)

	caller, err := l.Authenticate(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, caller.Authenticated())
	assert.Equal(t, RoleAdmin, caller.Role)
}

func TestLocalPermissiveCustomRole(t *testing.T) {
	l, err := NewLocal(LocalOptions{Permissive: true, Role: RoleOperator})
	require.NoError(t, err)

	caller, err := l.Authenticate(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, RoleOperator, caller.Role)
}

func TestLocalSharedTokenPlaintext(t *testing.T) {
	l, err := NewLocal(LocalOptions{SharedToken: "letmein"})
	require.NoError(t, err)

	caller, err := l.Authenticate(context.Background(), "letmein")
	require.NoError(t, err)
	assert.True(t, caller.Authenticated())

	_, err = l.Authenticate(context.Background(), "wrong")
	assert.Equal(t, ReasonInvalidToken, reasonOf(t, err))

	_, err = l.Authenticate(context.Background(), "")
	assert.Equal(t, ReasonMissingToken, reasonOf(t, err))
}

func TestLocalSharedTokenHashed(t *testing.T) {
	hash, err := HashSharedToken("letmein")
	require.NoError(t, err)

	l, err := NewLocal(LocalOptions{SharedTokenHash: hash})
	require.NoError(t, err)

	_, err = l.Authenticate(context.Background(), "letmein")
	require.NoError(t, err)

	_, err = l.Authenticate(context.Background(), "wrong")
	assert.Equal(t, ReasonInvalidToken, reasonOf(t, err))
}

func TestLocalHashedTakesPrecedence(t *testing.T) {
	hash, err := HashSharedToken("hashed-token")
	require.NoError(t, err)
	l, err := NewLocal(LocalOptions{SharedToken: "plain-token", SharedTokenHash: hash})
	require.NoError(t, err)

	_, err = l.Authenticate(context.Background(), "hashed-token")
	assert.NoError(t, err)
	_, err = l.Authenticate(context.Background(), "plain-token")
	assert.Error(t, err)
}

func TestVerifySharedTokenMalformedHash(t *testing.T) {
	assert.False(t, verifySharedToken("x", "no-separator"))
	assert.False(t, verifySharedToken("x", "zz:zz"))
	assert.False(t, verifySharedToken("x", "abcd:"))
}

func TestNewLocalRejectsEmptyConfig(t *testing.T) {
	_, err := NewLocal(LocalOptions{})
	require.Error(t, err)
	_, err = NewLocal(LocalOptions{Permissive: true, Role: Role("root")})
	require.Error(t, err)
}

func TestTokenFromHeaders(t *testing.T) {
	h := http.Header{}
	assert.Empty(t, TokenFromHeaders(h))

	h.Set("Authorization", "Bearer abc123")
	assert.Equal(t, "abc123", TokenFromHeaders(h))

	// The dedicated header wins over Authorization.
	h.Set("x-ops-access-token", "direct-token")
	assert.Equal(t, "direct-token", TokenFromHeaders(h))

	h = http.Header{}
	h.Set("authorization", "bearer lower-scheme")
	assert.Equal(t, "lower-scheme", TokenFromHeaders(h))

	h = http.Header{}
	h.Set("Authorization", "Basic dXNlcjpwYXNz")
	assert.Empty(t, TokenFromHeaders(h))
}
