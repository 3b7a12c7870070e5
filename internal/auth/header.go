package auth

import (
	"net/http"
	"strings"
)

// HeaderAccessToken is the dedicated access-assertion header, consulted
// before the standard bearer scheme.
const HeaderAccessToken = "X-Ops-Access-Token"

const bearerPrefix = "Bearer "

// TokenFromHeaders extracts the raw token from an HTTP header set: the
// dedicated header first, then Authorization with the Bearer scheme. Returns
// the empty string when neither carries credentials.
func TokenFromHeaders(h http.Header) string {
	if v := strings.TrimSpace(h.Get(HeaderAccessToken)); v != "" {
		return v
	}
	authz := h.Get("Authorization")
	if len(authz) > len(bearerPrefix) && strings.EqualFold(authz[:len(bearerPrefix)], bearerPrefix) {
		return strings.TrimSpace(authz[len(bearerPrefix):])
	}
	return ""
}
