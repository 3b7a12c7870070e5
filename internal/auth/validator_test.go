package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgate/opsgate/internal/operr"
)

const (
	testIssuer   = "https://idp.test"
	testAudience = "opsgate"
)

func testClaims(mutate func(jwt.MapClaims)) jwt.MapClaims {
	claims := jwt.MapClaims{
		"iss":    testIssuer,
		"aud":    testAudience,
		"sub":    "user-1",
		"exp":    time.Now().Add(time.Hour).Unix(),
		"groups": []string{"admins"},
	}
	if mutate != nil {
		mutate(claims)
	}
	return claims
}

func newTestValidator(t *testing.T, srv *jwksServer) *Validator {
	t.Helper()
	roles, err := NewRoleMapper(map[string]string{
		"admins":    "admin",
		"operators": "operator",
	}, RoleViewer)
	require.NoError(t, err)
	return NewValidator(ValidatorOptions{
		Keyset:   NewKeyset(KeysetOptions{URL: srv.srv.URL}),
		Issuer:   testIssuer,
		Audience: testAudience,
		Roles:    roles,
	})
}

func reasonOf(t *testing.T, err error) string {
	t.Helper()
	e, ok := operr.As(err)
	require.True(t, ok, "expected typed error, got %v", err)
	require.Equal(t, operr.KindUnauthenticated, e.Kind)
	reason, _ := e.Details["reason"].(string)
	return reason
}

func TestAuthenticateHappyPath(t *testing.T) {
	keyA, _ := testKeys(t)
	srv := newJWKSServer(t)
	srv.setKeys(rsKey("kid-a", keyA))
	v := newTestValidator(t, srv)

	token := signToken(t, keyA, "kid-a", testClaims(nil))
	caller, err := v.Authenticate(context.Background(), token)
	require.NoError(t, err)

	assert.True(t, caller.Authenticated())
	assert.Equal(t, "user-1", caller.UserID)
	assert.Equal(t, RoleAdmin, caller.Role)
	assert.Equal(t, []string{"admins"}, caller.Groups)
}

func TestAuthenticateRotatedKid(t *testing.T) {
	keyA, keyB := testKeys(t)
	srv := newJWKSServer(t)
	srv.setKeys(rsKey("kid-a", keyA))
	v := newTestValidator(t, srv)

	// Prime the cache with key A only.
	_, err := v.keyset.GetAll(context.Background())
	require.NoError(t, err)

	// The provider rotates; a token arrives signed with the new key before
	// the TTL lapses. One forced refresh resolves it.
	srv.setKeys(rsKey("kid-a", keyA), rsKey("kid-b", keyB))
	token := signToken(t, keyB, "kid-b", testClaims(nil))
	caller, err := v.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, caller.Role)
	assert.EqualValues(t, 2, srv.fetches.Load())
}

func TestAuthenticateUnknownKidAfterRefresh(t *testing.T) {
	keyA, keyB := testKeys(t)
	srv := newJWKSServer(t)
	srv.setKeys(rsKey("kid-a", keyA))
	v := newTestValidator(t, srv)

	token := signToken(t, keyB, "kid-ghost", testClaims(nil))
	_, err := v.Authenticate(context.Background(), token)
	assert.Equal(t, ReasonUnknownKid, reasonOf(t, err))
}

func TestAuthenticateFailureReasons(t *testing.T) {
	keyA, keyB := testKeys(t)
	srv := newJWKSServer(t)
	srv.setKeys(rsKey("kid-a", keyA))
	v := newTestValidator(t, srv)

	noKid := jwt.NewWithClaims(jwt.SigningMethodRS256, testClaims(nil))
	noKidToken, err := noKid.SignedString(keyA)
	require.NoError(t, err)

	cases := []struct {
		name   string
		token  string
		reason string
	}{
		{"missing token", "", ReasonMissingToken},
		{"garbage", "not-a-jwt", ReasonDecodeError},
		{"no kid header", noKidToken, ReasonMissingKid},
		{
			"expired",
			signToken(t, keyA, "kid-a", testClaims(func(c jwt.MapClaims) {
				c["exp"] = time.Now().Add(-time.Minute).Unix()
			})),
			ReasonTokenExpired,
		},
		{
			"wrong audience",
			signToken(t, keyA, "kid-a", testClaims(func(c jwt.MapClaims) {
				c["aud"] = "someone-else"
			})),
			ReasonInvalidAudience,
		},
		{
			"wrong issuer",
			signToken(t, keyA, "kid-a", testClaims(func(c jwt.MapClaims) {
				c["iss"] = "https://evil.test"
			})),
			ReasonInvalidIssuer,
		},
		{
			"signed with the wrong key",
			signToken(t, keyB, "kid-a", testClaims(nil)),
			ReasonInvalidSignature,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.Authenticate(context.Background(), tc.token)
			assert.Equal(t, tc.reason, reasonOf(t, err))
		})
	}
}

func TestAuthenticateJWKSDown(t *testing.T) {
	keyA, _ := testKeys(t)
	srv := newJWKSServer(t)
	srv.fail.Store(true)
	v := newTestValidator(t, srv)

	token := signToken(t, keyA, "kid-a", testClaims(nil))
	_, err := v.Authenticate(context.Background(), token)
	assert.Equal(t, ReasonJWKSFetchFailed, reasonOf(t, err))
}

func TestAuthenticateDefaultRoleWhenNoGroupsMap(t *testing.T) {
	keyA, _ := testKeys(t)
	srv := newJWKSServer(t)
	srv.setKeys(rsKey("kid-a", keyA))
	v := newTestValidator(t, srv)

	token := signToken(t, keyA, "kid-a", testClaims(func(c jwt.MapClaims) {
		c["groups"] = []string{"strangers"}
	}))
	caller, err := v.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, RoleViewer, caller.Role)
}

func TestAuthenticateHighestRoleWins(t *testing.T) {
	keyA, _ := testKeys(t)
	srv := newJWKSServer(t)
	srv.setKeys(rsKey("kid-a", keyA))
	v := newTestValidator(t, srv)

	token := signToken(t, keyA, "kid-a", testClaims(func(c jwt.MapClaims) {
		c["groups"] = []string{"operators"}
		c["cf_groups"] = []string{"admins"}
	}))
	caller, err := v.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, caller.Role)
}
