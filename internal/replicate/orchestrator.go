// Package replicate drives replication runs: it reads one snapshot of the
// catalog index, decides per dataset whether it changed, and syncs changed
// datasets into the local store one atomic commit at a time.
package replicate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/catalogsync/catalogsync/internal/catalog"
	syncerrors "github.com/catalogsync/catalogsync/internal/errors"
	"github.com/catalogsync/catalogsync/internal/observability"
	"github.com/catalogsync/catalogsync/internal/project"
	"github.com/catalogsync/catalogsync/internal/store"
	"github.com/catalogsync/catalogsync/pkg/types"
)

// Default pool sizes.
const (
	DefaultWorkers      = 4
	DefaultTableWorkers = 2
)

// Catalog is the read side of the remote catalog.
type Catalog interface {
	ListEntries(ctx context.Context, f catalog.Filter) (*catalog.Snapshot, error)
	FetchDatasetMeta(ctx context.Context, datasetPath string) (*types.DatasetMeta, error)
	FetchTableMeta(ctx context.Context, e types.CatalogEntry) (*types.TableMeta, error)
}

// Materializer stages one table.
type Materializer interface {
	Materialize(ctx context.Context, e types.CatalogEntry, meta *types.TableMeta) (*types.MaterializedTable, error)
}

// Store is the local store as seen by a run.
type Store interface {
	GetSyncRecord(ctx context.Context, datasetPath string) (types.SyncRecord, bool, error)
	ListSyncRecords(ctx context.Context) ([]types.SyncRecord, error)
	CommitDataset(ctx context.Context, c store.DatasetCommit) error
	RemoveDataset(ctx context.Context, datasetPath string) error
	DropStaging(ctx context.Context, names ...string) error
	RecordRun(ctx context.Context, r store.Run) error
}

// Options configures an Orchestrator.
type Options struct {
	// Filter selects the replicated entries.
	Filter catalog.Filter

	// Workers is the number of datasets synced in parallel.
	Workers int

	// TableWorkers is the number of tables of one dataset materialized in parallel.
	TableWorkers int

	// Force syncs every selected dataset regardless of its sync record.
	Force bool

	// Prune removes datasets that are no longer in the index. Ignored when
	// Filter has a Pattern.
	Prune bool

	// ChecksumMode selects how dataset checksums are derived.
	ChecksumMode ChecksumMode

	// Metrics receives run metrics. Nil disables them.
	Metrics *observability.SyncMetrics
}

// Orchestrator runs replication.
type Orchestrator struct {
	catalog      Catalog
	materializer Materializer
	store        Store
	opts         Options
	logger       *zap.Logger
	now          func() time.Time
}

// New creates an Orchestrator.
func New(cat Catalog, m Materializer, st Store, opts Options, logger *zap.Logger) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.TableWorkers <= 0 {
		opts.TableWorkers = DefaultTableWorkers
	}
	if opts.ChecksumMode == "" {
		opts.ChecksumMode = ChecksumLead
	}
	return &Orchestrator{
		catalog:      cat,
		materializer: m,
		store:        st,
		opts:         opts,
		logger:       logger.Named("replicate"),
		now:          time.Now,
	}
}

// Run performs one replication run.
//
// An unreadable index aborts the run before any dataset is touched and the
// error matches errors.ErrCatalogUnavailable. Dataset failures never abort the
// run; they are reported in the returned Report.
//
// Cancelling ctx stops new datasets from starting. Datasets already in flight
// finish normally and the rest stay PENDING in the report.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	runID, err := uuid.NewV7()
	if err != nil {
		return nil, syncerrors.NewInternalError("generate run id", err)
	}
	report := &Report{
		RunID:     runID.String(),
		StartedAt: o.now(),
		Stats:     observability.NewDatasetStats(),
	}
	logger := o.logger.With(zap.String("run_id", report.RunID))

	snap, err := o.catalog.ListEntries(ctx, o.opts.Filter)
	if err != nil {
		logger.Error("run.catalog_unavailable", zap.Error(err))
		return nil, err
	}

	datasets := snap.Datasets()
	logger.Info("run.start",
		zap.Time("index_fetched_at", snap.FetchedAt),
		zap.Int("datasets", len(datasets)),
		zap.Int("tables", snap.Len()),
		zap.Bool("force", o.opts.Force),
	)

	results := make([]DatasetResult, len(datasets))
	for i, ds := range datasets {
		results[i] = DatasetResult{DatasetPath: ds.Path, State: StatePending}
	}

	// In-flight datasets are not interrupted by cancellation
	workCtx := context.WithoutCancel(ctx)

	sem := semaphore.NewWeighted(int64(o.opts.Workers))
	var wg sync.WaitGroup
	for i, ds := range datasets {
		if ctx.Err() != nil {
			logger.Warn("run.cancelled", zap.Int("not_started", len(datasets)-i))
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			logger.Warn("run.cancelled", zap.Int("not_started", len(datasets)-i))
			break
		}
		wg.Add(1)
		go func(i int, ds catalog.Dataset) {
			defer sem.Release(1)
			defer wg.Done()
			results[i] = o.syncDataset(workCtx, logger, ds, report.Stats)
		}(i, ds)
	}
	wg.Wait()

	report.Datasets = results
	if o.opts.Prune && o.opts.Filter.Pattern == nil && ctx.Err() == nil {
		report.Datasets = append(report.Datasets, o.prune(workCtx, logger, snap)...)
	}

	report.FinishedAt = o.now()
	o.opts.Metrics.RunFinished(report.FinishedAt)

	// A run where every dataset was up to date leaves the store untouched
	if report.Count(StateDone)+report.Count(StateFailed)+report.Count(StateRemoved) > 0 {
		if err := o.store.RecordRun(workCtx, store.Run{
			ID:         report.RunID,
			StartedAt:  report.StartedAt,
			FinishedAt: report.FinishedAt,
			Datasets:   len(report.Datasets),
			UpToDate:   report.Count(StateUpToDate),
			Done:       report.Count(StateDone),
			Failed:     report.Count(StateFailed),
			Removed:    report.Count(StateRemoved),
		}); err != nil {
			logger.Warn("run.record_failed", zap.Error(err))
		}
	}

	logger.Info("run.finish",
		zap.Int("up_to_date", report.Count(StateUpToDate)),
		zap.Int("done", report.Count(StateDone)),
		zap.Int("failed", report.Count(StateFailed)),
		zap.Int("removed", report.Count(StateRemoved)),
		zap.Int("pending", report.Count(StatePending)),
		zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)),
	)
	return report, nil
}

// syncDataset runs the state machine of one dataset to a terminal state.
func (o *Orchestrator) syncDataset(ctx context.Context, logger *zap.Logger, ds catalog.Dataset, stats *observability.DatasetStats) DatasetResult {
	start := time.Now()
	res := DatasetResult{DatasetPath: ds.Path, State: StateChecking, Tables: len(ds.Entries)}
	logger = logger.With(zap.String("dataset_path", ds.Path))

	finish := func(state State, err error) DatasetResult {
		res.State = state
		res.Err = err
		res.Elapsed = time.Since(start)
		stats.RecordOutcome(ds.Path, string(state), res.Elapsed)
		o.opts.Metrics.RecordDataset(string(state), res.Elapsed)
		if err != nil {
			logger.Error("dataset.failed", zap.String("cause", err.Error()))
		}
		return res
	}

	checksum, err := DatasetChecksum(ds.Entries, o.opts.ChecksumMode)
	if err != nil {
		return finish(StateFailed, syncerrors.NewValidationError(syncerrors.CodeInvalidConfig, err.Error()))
	}
	res.Checksum = checksum

	if !o.opts.Force {
		rec, ok, err := o.store.GetSyncRecord(ctx, ds.Path)
		if err != nil {
			return finish(StateFailed, err)
		}
		if ok && rec.Checksum == checksum {
			logger.Debug("dataset.up_to_date", zap.String("checksum", checksum))
			return finish(StateUpToDate, nil)
		}
	}

	res.State = StateSyncing
	res.Synced = true
	logger.Info("dataset.sync", zap.String("checksum", checksum), zap.Int("tables", len(ds.Entries)))

	tables, err := o.materializeAll(ctx, ds, stats)
	staged := stagingNames(tables)
	if err != nil {
		o.dropStaging(ctx, logger, staged)
		return finish(StateFailed, err)
	}
	for _, t := range tables {
		res.Rows += t.Materialized.RowCount
	}

	datasetMeta, err := o.catalog.FetchDatasetMeta(ctx, ds.Path)
	if err != nil && syncerrors.GetCode(err) != syncerrors.CodeObjectNotFound {
		o.dropStaging(ctx, logger, staged)
		return finish(StateFailed, syncerrors.NewProjectionFailed(ds.Path, err))
	}

	projection, err := project.Project(ds.Path, datasetMeta, tables, checksum)
	if err != nil {
		o.dropStaging(ctx, logger, staged)
		return finish(StateFailed, err)
	}

	materialized := make([]*types.MaterializedTable, len(tables))
	for i, t := range tables {
		materialized[i] = t.Materialized
	}
	if err := o.store.CommitDataset(ctx, store.DatasetCommit{
		Projection: projection,
		Tables:     materialized,
		Record:     types.SyncRecord{DatasetPath: ds.Path, Checksum: checksum, SyncedAt: o.now()},
	}); err != nil {
		o.dropStaging(ctx, logger, staged)
		return finish(StateFailed, err)
	}

	logger.Info("dataset.done", zap.Int64("rows", res.Rows), zap.Duration("elapsed", time.Since(start)))
	return finish(StateDone, nil)
}

// materializeAll stages every table of a dataset. On error the tables staged
// so far are still returned so the caller can drop them.
func (o *Orchestrator) materializeAll(ctx context.Context, ds catalog.Dataset, stats *observability.DatasetStats) ([]project.Table, error) {
	tables := make([]project.Table, len(ds.Entries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.TableWorkers)
	for i, e := range ds.Entries {
		g.Go(func() error {
			meta, err := o.catalog.FetchTableMeta(gctx, e)
			if err != nil {
				if syncerrors.GetCode(err) != syncerrors.CodeObjectNotFound {
					return syncerrors.NewMaterializationFailed(e.TablePath(), err)
				}
				meta = nil
			}

			mt, err := o.materializer.Materialize(gctx, e, meta)
			o.opts.Metrics.RecordTable(rowsOf(mt), err)
			if err != nil {
				return err
			}
			stats.RecordTable(ds.Path, mt.RowCount)
			tables[i] = project.Table{Entry: e, Meta: meta, Materialized: mt}
			return nil
		})
	}
	err := g.Wait()
	return tables, err
}

// prune removes synced datasets the index no longer lists.
func (o *Orchestrator) prune(ctx context.Context, logger *zap.Logger, snap *catalog.Snapshot) []DatasetResult {
	records, err := o.store.ListSyncRecords(ctx)
	if err != nil {
		logger.Error("prune.failed", zap.Error(err))
		return nil
	}

	var results []DatasetResult
	for _, rec := range records {
		if snap.Listed(rec.DatasetPath) {
			continue
		}
		start := time.Now()
		res := DatasetResult{DatasetPath: rec.DatasetPath, State: StateRemoved, Checksum: rec.Checksum}
		if err := o.store.RemoveDataset(ctx, rec.DatasetPath); err != nil {
			res.State = StateFailed
			res.Err = fmt.Errorf("remove dataset: %w", err)
			logger.Error("dataset.failed",
				zap.String("dataset_path", rec.DatasetPath),
				zap.String("cause", res.Err.Error()),
			)
		} else {
			logger.Info("dataset.removed", zap.String("dataset_path", rec.DatasetPath))
		}
		res.Elapsed = time.Since(start)
		o.opts.Metrics.RecordDataset(string(res.State), res.Elapsed)
		results = append(results, res)
	}
	return results
}

func (o *Orchestrator) dropStaging(ctx context.Context, logger *zap.Logger, names []string) {
	if len(names) == 0 {
		return
	}
	if err := o.store.DropStaging(ctx, names...); err != nil {
		logger.Warn("dataset.staging_cleanup_failed", zap.Strings("tables", names), zap.Error(err))
	}
}

func stagingNames(tables []project.Table) []string {
	var names []string
	for _, t := range tables {
		if t.Materialized != nil {
			names = append(names, t.Materialized.StagingName)
		}
	}
	return names
}

func rowsOf(mt *types.MaterializedTable) int64 {
	if mt == nil {
		return 0
	}
	return mt.RowCount
}

// IsRunFatal reports whether err aborted a run before any dataset work: the
// index could not be read or decoded.
func IsRunFatal(err error) bool {
	return errors.Is(err, syncerrors.ErrCatalogUnavailable) ||
		syncerrors.GetCode(err) == syncerrors.CodeIndexCorrupt
}
