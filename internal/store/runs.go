package store

import (
	"context"
	"fmt"
	"time"
)

// Run is one row of the replication run history.
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Datasets   int
	UpToDate   int
	Done       int
	Failed     int
	Removed    int
}

// RecordRun appends a run to the history.
func (s *Store) RecordRun(ctx context.Context, r Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_runs (run_id, started_at, finished_at, datasets, up_to_date, done, failed, removed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.StartedAt.UnixMilli(), r.FinishedAt.UnixMilli(),
		r.Datasets, r.UpToDate, r.Done, r.Failed, r.Removed,
	)
	if err != nil {
		return fmt.Errorf("store: failed to record run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT run_id, started_at, finished_at, datasets, up_to_date, done, failed, removed
		FROM sync_runs ORDER BY started_at DESC, run_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started, finished int64
		if err := rows.Scan(&r.ID, &started, &finished, &r.Datasets, &r.UpToDate, &r.Done, &r.Failed, &r.Removed); err != nil {
			return nil, fmt.Errorf("store: failed to scan run: %w", err)
		}
		r.StartedAt = time.UnixMilli(started).UTC()
		r.FinishedAt = time.UnixMilli(finished).UTC()
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
