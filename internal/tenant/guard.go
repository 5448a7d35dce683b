package tenant

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/fieldproof/fieldproof/internal/audit"
)

// Sentinel errors. Tenant checks fail closed: any ambiguity (missing
// session, empty tenant id) is a denial.
var (
	// ErrAccessDenied is returned when a call targets a tenant other than
	// the one the context is scoped to, or when no valid context exists.
	ErrAccessDenied = errors.New("tenant access denied")

	// ErrPermissionDenied is returned when the context's role and
	// permission set don't cover the requested operation.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNoSession is returned when an operation requires an authenticated
	// session and none is active.
	ErrNoSession = errors.New("no active session")
)

// Guard owns the authenticated session and authorizes tenant-scoped data
// access. The session has single-writer semantics: only the authentication
// flow calls SetSession/ClearSession; background sync work never mutates it.
type Guard struct {
	mu      sync.RWMutex
	session *Context

	audit  *audit.Logger
	logger *log.Logger
}

// NewGuard creates a Guard. auditLogger may be nil (mutations are then not
// audited); if logger is nil, a default stderr logger is used.
func NewGuard(auditLogger *audit.Logger, logger *log.Logger) *Guard {
	if logger == nil {
		logger = log.New(os.Stderr, "[tenant] ", log.LstdFlags)
	}
	return &Guard{audit: auditLogger, logger: logger}
}

// SetSession installs the context for an authenticated session.
// Rejects invalid contexts so a half-built identity can never authorize.
func (g *Guard) SetSession(c Context) error {
	if !c.Valid() {
		return fmt.Errorf("%w: context missing user or tenant", ErrAccessDenied)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.session = &c
	g.logger.Printf("session started: user=%s tenant=%s role=%s", c.UserID, c.TenantID, c.Role)
	return nil
}

// ClearSession ends the session at logout.
func (g *Guard) ClearSession() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.session != nil {
		g.logger.Printf("session cleared: user=%s", g.session.UserID)
	}
	g.session = nil
}

// Session returns the active context, or false when logged out.
func (g *Guard) Session() (Context, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.session == nil {
		return Context{}, false
	}
	return *g.session, true
}

// AssertAccess fails with ErrAccessDenied unless c is valid and scoped to
// tenantID.
func (g *Guard) AssertAccess(c Context, tenantID string) error {
	if !c.Valid() || tenantID == "" {
		return ErrAccessDenied
	}
	if c.TenantID != tenantID {
		return fmt.Errorf("%w: context tenant %s, requested %s", ErrAccessDenied, c.TenantID, tenantID)
	}
	return nil
}

// CheckPermission fails with ErrPermissionDenied unless c grants perm.
func (g *Guard) CheckPermission(c Context, perm string) error {
	if !c.Valid() {
		return ErrAccessDenied
	}
	if !c.HasPermission(perm) {
		return fmt.Errorf("%w: %s", ErrPermissionDenied, perm)
	}
	return nil
}

// Scope returns a query builder pinned to c's tenant for the given table.
// The tenant predicate is part of the builder from construction; callers
// cannot remove it.
func (g *Guard) Scope(c Context, table string) (*ScopedQuery, error) {
	if !c.Valid() {
		return nil, ErrAccessDenied
	}
	return newScopedQuery(table, c.TenantID), nil
}

// Audit appends an audit entry for a mutating operation. Best-effort:
// failures are swallowed inside the audit logger.
func (g *Guard) Audit(ctx context.Context, c Context, operation, resource, resourceID string) {
	if g.audit == nil {
		return
	}
	g.audit.Record(ctx, audit.Entry{
		Operation:  operation,
		Resource:   resource,
		ResourceID: resourceID,
		TenantID:   c.TenantID,
		UserID:     c.UserID,
	})
}
