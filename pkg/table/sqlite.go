package table

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteExecutor answers queries from a sqlite database.
type SQLiteExecutor struct {
	db *sql.DB
}

// OpenSQLite opens the database at path with writes disabled.
func OpenSQLite(ctx context.Context, path string) (*SQLiteExecutor, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("table database path is required")
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=query_only(1)")
	if err != nil {
		return nil, fmt.Errorf("open table database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping table database: %w", err)
	}
	return &SQLiteExecutor{db: db}, nil
}

// NewSQLiteExecutor wraps an open database.
func NewSQLiteExecutor(db *sql.DB) *SQLiteExecutor {
	return &SQLiteExecutor{db: db}
}

// Close closes the database.
func (e *SQLiteExecutor) Close() error {
	return e.db.Close()
}

// Build renders q as a parameterized SELECT. Identifiers are validated since
// they cannot be bound.
func Build(q Query) (string, []any, error) {
	if !ValidIdentifier(q.Table) {
		return "", nil, fmt.Errorf("invalid table name %q", q.Table)
	}
	cols := "*"
	if len(q.Columns) > 0 {
		quoted := make([]string, len(q.Columns))
		for i, c := range q.Columns {
			if !ValidIdentifier(c) {
				return "", nil, fmt.Errorf("invalid column name %q", c)
			}
			quoted[i] = `"` + c + `"`
		}
		cols = strings.Join(quoted, ", ")
	}

	var sb strings.Builder
	var args []any
	fmt.Fprintf(&sb, `SELECT %s FROM "%s"`, cols, q.Table)

	if len(q.Filter) > 0 {
		keys := make([]string, 0, len(q.Filter))
		for k := range q.Filter {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		conds := make([]string, len(keys))
		for i, k := range keys {
			if !ValidIdentifier(k) {
				return "", nil, fmt.Errorf("invalid filter column %q", k)
			}
			conds[i] = `"` + k + `" = ?`
			args = append(args, q.Filter[k])
		}
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(conds, " AND "))
	}

	terms, err := ParseOrder(q.OrderBy)
	if err != nil {
		return "", nil, err
	}
	if len(terms) > 0 {
		parts := make([]string, len(terms))
		for i, t := range terms {
			dir := "ASC"
			if t.Desc {
				dir = "DESC"
			}
			parts[i] = `"` + t.Column + `" ` + dir
		}
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(parts, ", "))
	}

	if q.Limit < 0 || q.Offset < 0 {
		return "", nil, fmt.Errorf("limit and offset must not be negative")
	}
	if q.Limit > 0 || q.Offset > 0 {
		limit := q.Limit
		if limit == 0 {
			limit = -1
		}
		sb.WriteString(" LIMIT ? OFFSET ?")
		args = append(args, limit, q.Offset)
	}
	return sb.String(), args, nil
}

// Query implements QueryExecutor.
func (e *SQLiteExecutor) Query(ctx context.Context, q Query) (*RowSet, error) {
	query, args, err := Build(q)
	if err != nil {
		return nil, err
	}
	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query table %s: %w", q.Table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns of %s: %w", q.Table, err)
	}
	rs := &RowSet{Table: q.Table, Columns: cols}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row of %s: %w", q.Table, err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		rs.Rows = append(rs.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows of %s: %w", q.Table, err)
	}
	return rs, nil
}
