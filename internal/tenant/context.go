// Package tenant enforces company-level data isolation.
//
// Every tenant-scoped read or write funnels through the Guard: callers pass
// an explicit Context value, the Guard validates it, and the scoped query
// builder structurally injects the tenant predicate. There is no way to
// construct an unscoped query against a tenant-scoped table from outside
// this package's builder.
package tenant

import (
	"strings"
)

// Roles. Owner and admin pass every permission check.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
	RoleViewer = "viewer"
)

// Context identifies the authenticated user and the tenant whose data they
// may touch. It is an explicit value threaded through every tenant-scoped
// call, never a package-level global: concurrent sessions cannot race on it.
//
// Lifecycle: built once at authenticated-session start, read on every
// scoped call, discarded at logout. Never swapped mid-operation.
type Context struct {
	UserID      string
	TenantID    string
	Role        string
	Permissions []string
}

// Valid reports whether the context carries enough identity to authorize
// anything. Missing pieces fail closed.
func (c Context) Valid() bool {
	return c.UserID != "" && c.TenantID != ""
}

// Background returns a system context scoped to a single tenant, used by
// background workers that act on queued work outside any user session. It
// is still bound to exactly one tenant; there is no cross-tenant context.
func Background(tenantID string) Context {
	return Context{
		UserID:   "system:sync",
		TenantID: tenantID,
		Role:     RoleAdmin,
	}
}

// HasPermission reports whether the context grants perm. Owner and admin
// roles are allowed everything. Other roles need an exact match or a
// wildcard entry ("batch_*" grants "batch_delete").
func (c Context) HasPermission(perm string) bool {
	if c.Role == RoleOwner || c.Role == RoleAdmin {
		return true
	}
	for _, p := range c.Permissions {
		if p == perm {
			return true
		}
		if strings.HasSuffix(p, "*") && strings.HasPrefix(perm, strings.TrimSuffix(p, "*")) {
			return true
		}
	}
	return false
}
