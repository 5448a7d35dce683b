package tenant

import (
	"fmt"
	"strings"
)

// ScopedQuery builds parameterized SQL against one tenant-scoped table.
// The tenant predicate is seeded at construction and always rendered, so
// no query built here can cross tenants. Constructed only via Guard.Scope.
type ScopedQuery struct {
	table      string
	tenantID   string
	conditions []string
	args       []any
	orderBy    string
	limit      int
}

func newScopedQuery(table, tenantID string) *ScopedQuery {
	return &ScopedQuery{table: table, tenantID: tenantID}
}

// Where appends a condition. cond uses ? placeholders.
func (q *ScopedQuery) Where(cond string, args ...any) *ScopedQuery {
	q.conditions = append(q.conditions, cond)
	q.args = append(q.args, args...)
	return q
}

// OrderBy sets the ORDER BY clause (column names only, no user input).
func (q *ScopedQuery) OrderBy(clause string) *ScopedQuery {
	q.orderBy = clause
	return q
}

// Limit caps the result count. Zero means no limit.
func (q *ScopedQuery) Limit(n int) *ScopedQuery {
	q.limit = n
	return q
}

func (q *ScopedQuery) whereSQL() (string, []any) {
	conds := append([]string{"tenant_id = ?"}, q.conditions...)
	args := append([]any{q.tenantID}, q.args...)
	return strings.Join(conds, " AND "), args
}

// SelectSQL renders a SELECT statement with the enforced tenant filter.
func (q *ScopedQuery) SelectSQL(columns ...string) (string, []any) {
	cols := "*"
	if len(columns) > 0 {
		cols = strings.Join(columns, ", ")
	}
	where, args := q.whereSQL()
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s", cols, q.table, where)
	if q.orderBy != "" {
		sql += " ORDER BY " + q.orderBy
	}
	if q.limit > 0 {
		sql += " LIMIT ?"
		args = append(args, q.limit)
	}
	return sql, args
}

// CountSQL renders a COUNT(*) statement with the enforced tenant filter.
func (q *ScopedQuery) CountSQL() (string, []any) {
	where, args := q.whereSQL()
	return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", q.table, where), args
}

// UpdateSQL renders an UPDATE statement. set uses ? placeholders; its args
// precede the WHERE args.
func (q *ScopedQuery) UpdateSQL(set string, setArgs ...any) (string, []any) {
	where, whereArgs := q.whereSQL()
	args := append(append([]any{}, setArgs...), whereArgs...)
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s", q.table, set, where), args
}

// DeleteSQL renders a DELETE statement with the enforced tenant filter.
func (q *ScopedQuery) DeleteSQL() (string, []any) {
	where, args := q.whereSQL()
	return fmt.Sprintf("DELETE FROM %s WHERE %s", q.table, where), args
}
