package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/catalogsync/catalogsync/pkg/types"
)

// maxBindParams keeps multi-row inserts under SQLite's bound parameter limit.
const maxBindParams = 30000

// DefaultBatchSize is the number of rows sent per INSERT statement.
const DefaultBatchSize = 1000

// StagingTable is a table being loaded under a temporary name. Readers never
// query staging tables; CommitDataset renames them into place.
type StagingTable struct {
	Name    string
	Columns []types.Column

	tx        *sql.Tx
	batchRows int
	pending   []any
	buffered  int
	rows      int64
}

// CreateStaging creates an empty staging table with the given columns and
// opens the transaction that loads it.
func (s *Store) CreateStaging(ctx context.Context, cols []types.Column, batchSize int) (*StagingTable, error) {
	if len(cols) == 0 {
		return nil, fmt.Errorf("store: staging table needs at least one column")
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if limit := maxBindParams / len(cols); batchSize > limit {
		batchSize = max(limit, 1)
	}

	name := StagingPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")

	defs := make([]string, len(cols))
	for i, c := range cols {
		if !c.Type.Valid() {
			return nil, fmt.Errorf("store: column %q has no local type", c.Name)
		}
		defs[i] = types.QuoteIdent(c.Name) + " " + c.Type.SQLType()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: failed to begin staging transaction: %w", err)
	}
	ddl := fmt.Sprintf("CREATE TABLE %s (%s)", types.QuoteIdent(name), strings.Join(defs, ", "))
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("store: failed to create staging table: %w", err)
	}

	return &StagingTable{
		Name:      name,
		Columns:   cols,
		tx:        tx,
		batchRows: batchSize,
	}, nil
}

// Append buffers one row. Values are in column order; nil is NULL.
func (t *StagingTable) Append(ctx context.Context, row []any) error {
	if len(row) != len(t.Columns) {
		return fmt.Errorf("store: row has %d values, staging table %s has %d columns", len(row), t.Name, len(t.Columns))
	}
	t.pending = append(t.pending, row...)
	t.buffered++
	if t.buffered >= t.batchRows {
		return t.flush(ctx)
	}
	return nil
}

// Rows returns the number of rows appended so far.
func (t *StagingTable) Rows() int64 {
	return t.rows + int64(t.buffered)
}

// Commit flushes buffered rows and commits the load. The table stays under
// its staging name until CommitDataset.
func (t *StagingTable) Commit(ctx context.Context) error {
	if err := t.flush(ctx); err != nil {
		t.tx.Rollback()
		return err
	}
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("store: failed to commit staging table %s: %w", t.Name, err)
	}
	return nil
}

// Abort discards the staging table and everything loaded into it.
func (t *StagingTable) Abort() {
	_ = t.tx.Rollback()
}

func (t *StagingTable) flush(ctx context.Context) error {
	if t.buffered == 0 {
		return nil
	}

	placeholder := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(t.Columns)), ", ") + ")"
	values := make([]string, t.buffered)
	for i := range values {
		values[i] = placeholder
	}
	stmt := fmt.Sprintf("INSERT INTO %s VALUES %s", types.QuoteIdent(t.Name), strings.Join(values, ", "))
	if _, err := t.tx.ExecContext(ctx, stmt, t.pending...); err != nil {
		return fmt.Errorf("store: failed to insert into %s: %w", t.Name, err)
	}

	t.rows += int64(t.buffered)
	t.pending = t.pending[:0]
	t.buffered = 0
	return nil
}

// DropStaging drops staging tables. Missing tables are ignored.
func (s *Store) DropStaging(ctx context.Context, names ...string) error {
	for _, name := range names {
		if !strings.HasPrefix(name, StagingPrefix) {
			return fmt.Errorf("store: refusing to drop non-staging table %q", name)
		}
		if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+types.QuoteIdent(name)); err != nil {
			return fmt.Errorf("store: failed to drop staging table %s: %w", name, err)
		}
	}
	return nil
}
