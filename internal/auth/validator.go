package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/opsgate/opsgate/internal/operr"
)

// Failure reasons carried in details.reason of unauthenticated errors. The
// vocabulary is closed; audit records depend on it.
const (
	ReasonMissingToken     = "missing_token"
	ReasonDecodeError      = "decode_error"
	ReasonMissingKid       = "missing_kid"
	ReasonUnknownKid       = "unknown_kid"
	ReasonJWKSFetchFailed  = "jwks_fetch_failed"
	ReasonTokenExpired     = "token_expired"
	ReasonInvalidSignature = "invalid_signature"
	ReasonInvalidAudience  = "invalid_audience"
	ReasonInvalidIssuer    = "invalid_issuer"
	ReasonInvalidToken     = "invalid_token"
)

// Authenticator resolves a presented bearer token to a Caller. The zero
// token is how transports report that no credentials arrived.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Caller, error)
}

// ValidatorOptions configures the JWT validator.
type ValidatorOptions struct {
	Keyset   *Keyset
	Issuer   string
	Audience string
	Roles    *RoleMapper
	Logger   *zap.Logger
}

// Validator verifies RS256/RS384/RS512 tokens against the cached key set and
// maps claim groups to a role. An unknown kid earns exactly one forced
// key-set refresh before the token is rejected.
type Validator struct {
	keyset   *Keyset
	issuer   string
	audience string
	roles    *RoleMapper
	log      *zap.Logger
}

// NewValidator wires the validator. Roles must be non-nil.
func NewValidator(opts ValidatorOptions) *Validator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Validator{
		keyset:   opts.Keyset,
		issuer:   opts.Issuer,
		audience: opts.Audience,
		roles:    opts.Roles,
		log:      opts.Logger.Named("auth"),
	}
}

// Authenticate implements Authenticator.
func (v *Validator) Authenticate(ctx context.Context, token string) (Caller, error) {
	if token == "" {
		return Anonymous(), unauthenticated(ReasonMissingToken, "no token presented")
	}

	kid, err := unverifiedKid(token)
	if err != nil {
		return Anonymous(), err
	}

	entry, ok := v.keyset.Lookup(kid)
	if !ok {
		// The provider may have rotated keys since the last fetch.
		if err := v.keyset.ForceRefresh(ctx); err != nil {
			v.log.Warn("key set refresh failed", zap.Error(err))
			return Anonymous(), unauthenticated(ReasonJWKSFetchFailed, "verifying key unavailable")
		}
		if entry, ok = v.keyset.Lookup(kid); !ok {
			return Anonymous(), unauthenticated(ReasonUnknownKid, fmt.Sprintf("no key for kid %q", kid))
		}
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{entry.Algorithm}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	)
	if _, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return entry.Key, nil
	}); err != nil {
		reason := reasonForJWTError(err)
		v.log.Debug("token rejected", zap.String("reason", reason), zap.Error(err))
		return Anonymous(), unauthenticated(reason, "token validation failed")
	}

	sub, _ := claims.GetSubject()
	groups := GroupsFromClaims(claims)
	return Caller{
		UserID: sub,
		Role:   v.roles.Resolve(groups),
		Groups: groups,
	}, nil
}

// unverifiedKid reads the token header without verifying the signature; the
// kid decides which key verifies.
func unverifiedKid(token string) (string, error) {
	t, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return "", unauthenticated(ReasonDecodeError, "token is not a decodable JWT")
	}
	kid, ok := t.Header["kid"].(string)
	if !ok || kid == "" {
		return "", unauthenticated(ReasonMissingKid, "token header carries no kid")
	}
	return kid, nil
}

func reasonForJWTError(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ReasonTokenExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ReasonInvalidSignature
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return ReasonInvalidAudience
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return ReasonInvalidIssuer
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ReasonDecodeError
	default:
		return ReasonInvalidToken
	}
}

func unauthenticated(reason, message string) error {
	return operr.New(operr.KindUnauthenticated, message).With("reason", reason)
}
