package store

import (
	"context"
	"fmt"
	"strings"
)

// readKeywords are the statements Query accepts.
var readKeywords = []string{"SELECT", "WITH", "SHOW", "DESCRIBE", "EXPLAIN", "SUMMARIZE", "VALUES", "FROM"}

// QueryResult holds the rows of a read-only query.
type QueryResult struct {
	Columns []string
	Rows    [][]any
}

// Query runs a single read statement inside a transaction that is always
// rolled back. One trailing semicolon is dropped; any other ";" rejects the
// query, even inside a string literal.
func (s *Store) Query(ctx context.Context, query string, args ...any) (*QueryResult, error) {
	stmt := strings.TrimSpace(query)
	stmt = strings.TrimSpace(strings.TrimSuffix(stmt, ";"))
	if stmt == "" {
		return nil, fmt.Errorf("store: empty query")
	}
	if strings.Contains(stmt, ";") {
		return nil, fmt.Errorf("store: only a single statement is allowed")
	}
	if !isReadStatement(stmt) {
		return nil, fmt.Errorf("store: only read statements are allowed")
	}

	tx, err := s.readDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: failed to begin query transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query failed: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("store: failed to read columns: %w", err)
	}
	result := &QueryResult{Columns: cols}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("store: failed to scan row: %w", err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: query failed: %w", err)
	}
	return result, nil
}

func isReadStatement(stmt string) bool {
	fields := strings.Fields(stmt)
	if len(fields) == 0 {
		return false
	}
	first := strings.ToUpper(strings.TrimLeft(fields[0], "("))
	for _, kw := range readKeywords {
		if first == kw {
			return true
		}
	}
	return false
}
