package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/catalogsync/catalogsync/pkg/types"
)

const upsertSyncRecordSQL = `
INSERT INTO sync_records (dataset_path, checksum, synced_at) VALUES (?, ?, ?)
ON CONFLICT (dataset_path) DO UPDATE SET
    checksum = excluded.checksum,
    synced_at = excluded.synced_at`

// GetSyncRecord returns the last successful sync of a dataset. The boolean is
// false when the dataset was never synced.
func (s *Store) GetSyncRecord(ctx context.Context, datasetPath string) (types.SyncRecord, bool, error) {
	var checksum string
	var syncedAt int64
	err := s.readDB.QueryRowContext(ctx,
		"SELECT checksum, synced_at FROM sync_records WHERE dataset_path = ?",
		datasetPath,
	).Scan(&checksum, &syncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return types.SyncRecord{}, false, nil
	}
	if err != nil {
		return types.SyncRecord{}, false, fmt.Errorf("store: failed to get sync record: %w", err)
	}
	return types.SyncRecord{
		DatasetPath: datasetPath,
		Checksum:    checksum,
		SyncedAt:    time.UnixMilli(syncedAt).UTC(),
	}, true, nil
}

// SetSyncRecord upserts a sync record on its own. Dataset syncs set their
// record inside CommitDataset instead.
func (s *Store) SetSyncRecord(ctx context.Context, rec types.SyncRecord) error {
	if _, err := s.db.ExecContext(ctx, upsertSyncRecordSQL,
		rec.DatasetPath, rec.Checksum, rec.SyncedAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("store: failed to set sync record: %w", err)
	}
	return nil
}

// ListSyncRecords returns every sync record ordered by dataset path.
func (s *Store) ListSyncRecords(ctx context.Context) ([]types.SyncRecord, error) {
	rows, err := s.readDB.QueryContext(ctx,
		"SELECT dataset_path, checksum, synced_at FROM sync_records ORDER BY dataset_path")
	if err != nil {
		return nil, fmt.Errorf("store: failed to list sync records: %w", err)
	}
	defer rows.Close()

	var records []types.SyncRecord
	for rows.Next() {
		var rec types.SyncRecord
		var syncedAt int64
		if err := rows.Scan(&rec.DatasetPath, &rec.Checksum, &syncedAt); err != nil {
			return nil, fmt.Errorf("store: failed to scan sync record: %w", err)
		}
		rec.SyncedAt = time.UnixMilli(syncedAt).UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}
