// Package auth implements the broker's authentication and authorization
// pipeline: JWKS key-set caching, bearer-token validation with
// rotation-aware retry, claim-group to role mapping, a development-only
// local mode, and the per-tool permission table.
package auth

import (
	"strings"

	"github.com/opsgate/opsgate/internal/operr"
)

// Role is an element of the ordered set viewer < operator < admin.
// Anonymous sits below viewer and is assigned when no caller authenticated.
type Role string

const (
	RoleAnonymous Role = "anonymous"
	RoleViewer    Role = "viewer"
	RoleOperator  Role = "operator"
	RoleAdmin     Role = "admin"
)

var roleRank = map[Role]int{
	RoleAnonymous: 0,
	RoleViewer:    1,
	RoleOperator:  2,
	RoleAdmin:     3,
}

// Valid reports whether r is an assignable role (anonymous included).
func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// AtLeast reports whether r satisfies the required role under the ordering.
func (r Role) AtLeast(required Role) bool {
	return roleRank[r] >= roleRank[required]
}

// ParseRole returns the role named by s, case-insensitively.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	return r, r.Valid()
}

// Caller identifies the originator of a request. Authenticated is true iff
// a user id was established.
type Caller struct {
	UserID        string
	Role          Role
	SourceAddress string
	Groups        []string
}

// Authenticated reports whether the caller carries an established identity.
func (c Caller) Authenticated() bool {
	return c.UserID != ""
}

// Anonymous is the caller used when no credentials were presented on a
// surface that allows it.
func Anonymous() Caller {
	return Caller{Role: RoleAnonymous}
}

// groupClaimKeys are the claim names searched for group memberships, in
// order. Values may be a single string or a list of strings.
var groupClaimKeys = []string{"groups", "roles", "cf_groups", "custom:groups"}

// GroupsFromClaims gathers and normalizes group names from the known claim
// keys. Names are trimmed and lowercased; duplicates collapse.
func GroupsFromClaims(claims map[string]any) []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(name string) {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			return
		}
		if _, dup := seen[name]; dup {
			return
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	for _, key := range groupClaimKeys {
		switch v := claims[key].(type) {
		case string:
			add(v)
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok {
					add(s)
				}
			}
		case []string:
			for _, s := range v {
				add(s)
			}
		}
	}
	return out
}

// RoleMapper resolves a set of claim groups to the highest mapped role.
type RoleMapper struct {
	table map[string]Role
	def   Role
}

// NewRoleMapper builds a mapper from a group-to-role table. Role names are
// checked here so a typo in configuration fails at startup instead of
// silently granting the default.
func NewRoleMapper(table map[string]string, def Role) (*RoleMapper, error) {
	if def == "" {
		def = RoleViewer
	}
	if !def.Valid() {
		return nil, operr.InvalidArgumentf("default role %q is not a role", def)
	}
	m := &RoleMapper{table: make(map[string]Role, len(table)), def: def}
	for group, roleName := range table {
		role, ok := ParseRole(roleName)
		if !ok {
			return nil, operr.InvalidArgumentf("group %q maps to unknown role %q", group, roleName)
		}
		m.table[strings.ToLower(strings.TrimSpace(group))] = role
	}
	return m, nil
}

// Resolve returns the highest role any of the groups maps to, or the default
// when none map.
func (m *RoleMapper) Resolve(groups []string) Role {
	role := m.def
	for _, g := range groups {
		mapped, ok := m.table[g]
		if ok && roleRank[mapped] > roleRank[role] {
			role = mapped
		}
	}
	return role
}
