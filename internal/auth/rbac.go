package auth

import (
	"strings"

	"github.com/opsgate/opsgate/internal/operr"
)

// Table is the static tool-to-role permission table. Exact tool names win;
// a "namespace.*" wildcard covers the rest of its namespace; any tool
// matching neither requires admin, so an unlisted tool is never accidentally
// open.
type Table struct {
	exact    map[string]Role
	wildcard map[string]Role
}

// NewTable builds the table from entries keyed by tool name or
// "namespace.*" pattern.
func NewTable(entries map[string]Role) (*Table, error) {
	t := &Table{exact: map[string]Role{}, wildcard: map[string]Role{}}
	for name, role := range entries {
		if !role.Valid() || role == RoleAnonymous {
			return nil, operr.InvalidArgumentf("permission for %q names unknown role %q", name, role)
		}
		if ns, ok := strings.CutSuffix(name, ".*"); ok {
			t.wildcard[ns] = role
			continue
		}
		t.exact[name] = role
	}
	return t, nil
}

// Required returns the minimum role for a tool.
func (t *Table) Required(tool string) Role {
	if role, ok := t.exact[tool]; ok {
		return role
	}
	if ns, _, ok := strings.Cut(tool, "."); ok {
		if role, ok := t.wildcard[ns]; ok {
			return role
		}
	}
	return RoleAdmin
}

// Check enforces the table for one call. It runs after the request context
// is built and before the handler executes.
func (t *Table) Check(caller Caller, tool string) error {
	required := t.Required(tool)
	if caller.Role.AtLeast(required) {
		return nil
	}
	return operr.PermissionDeniedf("role %s may not call %s", caller.Role, tool).WithDetails(map[string]any{
		"tool":          tool,
		"required_role": string(required),
		"user_role":     string(caller.Role),
	})
}
