package auth

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"go.uber.org/zap"

	"github.com/opsgate/opsgate/internal/operr"
)

// Local is the development-only authenticator: either permissive (every
// request gets a synthesized identity) or gated by a fixed shared token.
// It must never run on a network-exposed deployment; the permissive path
// warns on every request so a misconfiguration is loud in the logs.
type Local struct {
	permissive bool
	role       Role
	token      string
	tokenHash  string
	log        *zap.Logger
}

// LocalOptions configures Local. Role defaults to admin, matching the single
// operator use case this mode exists for.
type LocalOptions struct {
	Permissive  bool
	Role        Role
	SharedToken string
	// SharedTokenHash is an argon2id "saltHex:hashHex" pair and takes
	// precedence over SharedToken when both are set.
	SharedTokenHash string
	Logger          *zap.Logger
}

// NewLocal builds the local authenticator.
func NewLocal(opts LocalOptions) (*Local, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	role := opts.Role
	if role == "" {
		role = RoleAdmin
	}
	if !role.Valid() || role == RoleAnonymous {
		return nil, operr.InvalidArgumentf("local role %q is not assignable", opts.Role)
	}
	if !opts.Permissive && opts.SharedToken == "" && opts.SharedTokenHash == "" {
		return nil, operr.InvalidArgumentf("local mode needs permissive or a shared token")
	}
	return &Local{
		permissive: opts.Permissive,
		role:       role,
		token:      opts.SharedToken,
		tokenHash:  opts.SharedTokenHash,
		log:        opts.Logger.Named("auth"),
	}, nil
}

// Authenticate implements Authenticator.
func (l *Local) Authenticate(_ context.Context, token string) (Caller, error) {
	if l.permissive {
		l.log.Warn("permissive local auth in effect, request not verified",
			zap.String("role", string(l.role)))
		return Caller{UserID: "local", Role: l.role}, nil
	}
	if token == "" {
		return Anonymous(), unauthenticated(ReasonMissingToken, "no token presented")
	}
	if !l.tokenMatches(token) {
		return Anonymous(), unauthenticated(ReasonInvalidToken, "shared token mismatch")
	}
	return Caller{UserID: "local", Role: l.role}, nil
}

func (l *Local) tokenMatches(token string) bool {
	if l.tokenHash != "" {
		return verifySharedToken(token, l.tokenHash)
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(l.token)) == 1
}

// verifySharedToken checks a presented token against an argon2id
// "saltHex:hashHex" pair. A malformed stored hash fails closed.
func verifySharedToken(token, stored string) bool {
	saltHex, hashHex, ok := strings.Cut(stored, ":")
	if !ok {
		return false
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false
	}
	expected, err := hex.DecodeString(hashHex)
	if err != nil || len(expected) == 0 {
		return false
	}
	actual := deriveTokenHash([]byte(token), salt, uint32(len(expected)))
	return subtle.ConstantTimeCompare(actual, expected) == 1
}
