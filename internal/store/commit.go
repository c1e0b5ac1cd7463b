package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	syncerrors "github.com/catalogsync/catalogsync/internal/errors"
	"github.com/catalogsync/catalogsync/pkg/types"
)

// DatasetCommit is everything that changes when one dataset finishes syncing.
type DatasetCommit struct {
	Projection types.Projection
	Tables     []*types.MaterializedTable
	Record     types.SyncRecord
}

// CommitDataset swaps the dataset's staged tables into place, replaces its
// metadata rows and upserts its sync record in a single transaction. Readers
// see either the previous state of the dataset or the new one.
//
// On error nothing is changed and the staged tables are left for the caller
// to drop.
func (s *Store) CommitDataset(ctx context.Context, c DatasetCommit) error {
	datasetPath := c.Projection.Dataset.Path
	if datasetPath == "" || datasetPath != c.Record.DatasetPath {
		return syncerrors.NewCommitError(syncerrors.CodeCommitFailed,
			fmt.Sprintf("projection for %q does not match sync record for %q", datasetPath, c.Record.DatasetPath), nil)
	}

	keys := []string{datasetPath}
	for _, t := range c.Tables {
		keys = append(keys, t.Name)
	}
	release, err := s.locks.tryLockAll(keys)
	if err != nil {
		return err
	}
	defer release()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyCommitError("begin "+datasetPath, err)
	}
	defer tx.Rollback()

	// Tables the dataset no longer publishes go away with the old metadata
	previous, err := localNames(ctx, tx, datasetPath)
	if err != nil {
		return classifyCommitError("read previous tables of "+datasetPath, err)
	}
	current := make(map[string]bool, len(c.Tables))
	for _, t := range c.Tables {
		current[t.Name] = true
	}
	for _, name := range previous {
		if current[name] {
			continue
		}
		if err := dropTable(ctx, tx, name); err != nil {
			return classifyCommitError("drop retired table "+name, err)
		}
	}

	for _, t := range c.Tables {
		if err := dropTable(ctx, tx, t.Name); err != nil {
			return classifyCommitError("drop "+t.Name, err)
		}
		rename := fmt.Sprintf("ALTER TABLE %s RENAME TO %s", types.QuoteIdent(t.StagingName), types.QuoteIdent(t.Name))
		if _, err := tx.ExecContext(ctx, rename); err != nil {
			return classifyCommitError("swap "+t.Name, err)
		}
	}

	if err := deleteMeta(ctx, tx, datasetPath); err != nil {
		return classifyCommitError("clear metadata of "+datasetPath, err)
	}
	if err := insertProjection(ctx, tx, c.Projection); err != nil {
		return classifyCommitError("write metadata of "+datasetPath, err)
	}

	if _, err := tx.ExecContext(ctx, upsertSyncRecordSQL,
		c.Record.DatasetPath, c.Record.Checksum, c.Record.SyncedAt.UnixMilli(),
	); err != nil {
		return classifyCommitError("set sync record of "+datasetPath, err)
	}

	if err := tx.Commit(); err != nil {
		return classifyCommitError("commit "+datasetPath, err)
	}

	s.logger.Debug("store.commit",
		zap.String("dataset_path", datasetPath),
		zap.Int("tables", len(c.Tables)),
		zap.Int("variables", len(c.Projection.Variables)),
	)
	return nil
}

// RemoveDataset drops every table of a dataset together with its metadata
// and sync record.
func (s *Store) RemoveDataset(ctx context.Context, datasetPath string) error {
	release, err := s.locks.tryLockAll([]string{datasetPath})
	if err != nil {
		return err
	}
	defer release()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyCommitError("begin remove "+datasetPath, err)
	}
	defer tx.Rollback()

	names, err := localNames(ctx, tx, datasetPath)
	if err != nil {
		return classifyCommitError("read tables of "+datasetPath, err)
	}
	for _, name := range names {
		if err := dropTable(ctx, tx, name); err != nil {
			return classifyCommitError("drop "+name, err)
		}
	}
	if err := deleteMeta(ctx, tx, datasetPath); err != nil {
		return classifyCommitError("clear metadata of "+datasetPath, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM sync_records WHERE dataset_path = ?", datasetPath); err != nil {
		return classifyCommitError("delete sync record of "+datasetPath, err)
	}

	if err := tx.Commit(); err != nil {
		return classifyCommitError("commit remove "+datasetPath, err)
	}
	return nil
}

func localNames(ctx context.Context, tx *sql.Tx, datasetPath string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, "SELECT local_name FROM meta_tables WHERE dataset_path = ?", datasetPath)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func dropTable(ctx context.Context, tx *sql.Tx, name string) error {
	_, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+types.QuoteIdent(name))
	return err
}

func deleteMeta(ctx context.Context, tx *sql.Tx, datasetPath string) error {
	for _, stmt := range []string{
		"DELETE FROM meta_variables WHERE dataset_path = ?",
		"DELETE FROM meta_tables WHERE dataset_path = ?",
		"DELETE FROM meta_datasets WHERE path = ?",
	} {
		if _, err := tx.ExecContext(ctx, stmt, datasetPath); err != nil {
			return err
		}
	}
	return nil
}

func insertProjection(ctx context.Context, tx *sql.Tx, p types.Projection) error {
	d := p.Dataset
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO meta_datasets (
			path, channel, namespace, version, short_name, title, description,
			sources, licenses, is_public, checksum, source_checksum, grapher_meta
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.Path, string(d.Channel), d.Namespace, d.Version, d.ShortName, d.Title, d.Description,
		d.Sources, d.Licenses, d.IsPublic, d.Checksum, d.SourceChecksum, nullString(d.GrapherMeta),
	); err != nil {
		return fmt.Errorf("insert dataset %s: %w", d.Path, err)
	}

	for _, t := range p.Tables {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO meta_tables (
				path, dataset_path, local_name, table_name, dataset_name, channel, namespace,
				version, title, description, dimensions, dimension_values, format, is_public, row_count
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.Path, t.DatasetPath, t.LocalName, t.TableName, t.DatasetName, string(t.Channel), t.Namespace,
			t.Version, t.Title, t.Description, t.Dimensions, t.DimensionValues, t.Format, t.IsPublic, t.RowCount,
		); err != nil {
			return fmt.Errorf("insert table %s: %w", t.Path, err)
		}
	}

	for _, v := range p.Variables {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO meta_variables (
				path, table_path, dataset_path, short_name, dataset_short_name, title, description,
				unit, short_unit, display, sources, licenses, grapher_meta, variable_id, variable_type
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			v.Path, v.TablePath, v.DatasetPath, v.ShortName, v.DatasetShortName, v.Title, v.Description,
			v.Unit, v.ShortUnit, v.Display, v.Sources, v.Licenses, nullString(v.GrapherMeta), v.VariableID, v.VariableType,
		); err != nil {
			return fmt.Errorf("insert variable %s: %w", v.Path, err)
		}
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// classifyCommitError maps lock and write-write conflicts to COMMIT_CONFLICT
// so the dataset is retried next run. Everything else is COMMIT_FAILED.
func classifyCommitError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return syncerrors.NewCommitError(syncerrors.CodeCommitFailed, op, err)
	}
	if isConflict(err) {
		return syncerrors.NewCommitError(syncerrors.CodeCommitConflict, op, err)
	}
	return syncerrors.NewCommitError(syncerrors.CodeCommitFailed, op, err)
}

func isConflict(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	// DuckDB reports optimistic concurrency failures as transaction or
	// catalog write-write conflicts.
	msg := err.Error()
	return strings.Contains(msg, "Conflict") || strings.Contains(msg, "conflict")
}
