// Package table queries structured data for act inputs and renders row sets
// as JSON, tabular or delimited text.
package table

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Query selects rows from one table. Filter values are compared by equality.
type Query struct {
	Table   string
	Columns []string
	Filter  map[string]any
	OrderBy string
	Limit   int
	Offset  int
}

// RowSet is the result of a query.
type RowSet struct {
	Table   string
	Columns []string
	Rows    [][]any
}

// QueryExecutor runs table queries.
type QueryExecutor interface {
	Query(ctx context.Context, q Query) (*RowSet, error)
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether s is safe to splice into SQL as a table or
// column name.
func ValidIdentifier(s string) bool {
	return identPattern.MatchString(s)
}

// OrderTerm is one column of an ORDER BY clause.
type OrderTerm struct {
	Column string
	Desc   bool
}

// ParseOrder parses "col [asc|desc], col2 ...".
func ParseOrder(s string) ([]OrderTerm, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var terms []OrderTerm
	for _, part := range strings.Split(s, ",") {
		fields := strings.Fields(part)
		if len(fields) == 0 || len(fields) > 2 {
			return nil, fmt.Errorf("invalid order term %q", strings.TrimSpace(part))
		}
		term := OrderTerm{Column: fields[0]}
		if !ValidIdentifier(term.Column) {
			return nil, fmt.Errorf("invalid order column %q", term.Column)
		}
		if len(fields) == 2 {
			switch strings.ToLower(fields[1]) {
			case "asc":
			case "desc":
				term.Desc = true
			default:
				return nil, fmt.Errorf("invalid order direction %q", fields[1])
			}
		}
		terms = append(terms, term)
	}
	return terms, nil
}
