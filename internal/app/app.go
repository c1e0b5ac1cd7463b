// Package app wires the replication engine together from its configuration.
package app

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/catalogsync/catalogsync/internal/cache"
	"github.com/catalogsync/catalogsync/internal/catalog"
	"github.com/catalogsync/catalogsync/internal/config"
	syncerrors "github.com/catalogsync/catalogsync/internal/errors"
	"github.com/catalogsync/catalogsync/internal/materialize"
	"github.com/catalogsync/catalogsync/internal/observability"
	"github.com/catalogsync/catalogsync/internal/replicate"
	"github.com/catalogsync/catalogsync/internal/storage"
	"github.com/catalogsync/catalogsync/internal/store"
	"github.com/catalogsync/catalogsync/pkg/types"
)

// App owns the remote catalog client, the local store and the pieces of a
// replication run.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	// Shared resources
	remote       storage.ObjectStorage
	catalog      *catalog.Client
	store        *store.Store
	materializer *materialize.Materializer
	cache        *cache.PayloadCache
	metrics      *observability.SyncMetrics
	shutdown     *ShutdownManager

	mu     sync.Mutex
	opened bool
}

// SyncOptions are the per-invocation settings of a run.
type SyncOptions struct {
	// Pattern selects datasets by channel/namespace/version/dataset. Empty
	// selects all.
	Pattern string

	// Force resyncs selected datasets even when their checksum is unchanged.
	Force bool
}

// Status is the replication state of the local store.
type Status struct {
	Records []types.SyncRecord
	Runs    []store.Run
}

// New validates cfg and prepares its directories.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	return &App{
		cfg:      cfg,
		logger:   logger,
		shutdown: NewShutdownManager(DefaultShutdownConfig()),
	}, nil
}

// Open connects to the remote catalog and opens the local store.
func (a *App) Open(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.opened {
		return fmt.Errorf("app is already open")
	}

	remote, err := a.openRemote(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize remote: %w", err)
	}
	a.remote = storage.NewRateLimited(
		storage.WithPrefix(remote, a.cfg.Remote.Prefix),
		a.cfg.Remote.RequestsPerSecond,
		a.cfg.Remote.Burst,
	)
	a.catalog = catalog.NewClient(a.remote, a.cfg.Remote.IndexObject, a.logger)

	a.store, err = store.Open(ctx, store.Config{
		Driver: a.cfg.Store.Driver,
		Path:   a.cfg.Store.Path,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("failed to open local store: %w", err)
	}
	a.shutdown.RegisterCloser(a.store)

	opts := materialize.Options{
		ScratchDir: a.cfg.Sync.ScratchDir,
		BatchSize:  a.cfg.Sync.BatchSize,
	}
	if a.cfg.Sync.CacheMaxBytes > 0 {
		a.cache, err = cache.New(a.cfg.Sync.CacheDir, a.cfg.Sync.CacheMaxBytes, a.logger)
		if err != nil {
			return fmt.Errorf("failed to open payload cache: %w", err)
		}
		opts.Cache = a.cache
	}
	a.materializer = materialize.New(a.catalog, a.store, opts, a.logger)
	a.metrics = observability.NewSyncMetrics()

	a.logger.Info("app.open",
		zap.String("remote", a.cfg.Remote.Type),
		zap.String("store_driver", a.store.Driver()),
		zap.String("store_path", a.cfg.Store.Path),
	)
	a.opened = true
	return nil
}

func (a *App) openRemote(ctx context.Context) (storage.ObjectStorage, error) {
	switch a.cfg.Remote.Type {
	case config.RemoteLocal:
		return storage.NewLocalStorage(a.cfg.Remote.Path)
	case config.RemoteS3:
		s3Cfg := storage.DefaultS3Config()
		if a.cfg.Remote.S3.Region != "" {
			s3Cfg.Region = a.cfg.Remote.S3.Region
		}
		s3Cfg.Endpoint = a.cfg.Remote.S3.Endpoint
		s3Cfg.UsePathStyle = a.cfg.Remote.S3.UsePathStyle
		s3Cfg.Anonymous = a.cfg.Remote.S3.Anonymous
		a.logger.Info("app.remote_s3",
			zap.String("bucket", a.cfg.Remote.S3.Bucket),
			zap.String("region", s3Cfg.Region),
			zap.String("endpoint", s3Cfg.Endpoint),
		)
		return storage.NewS3Storage(ctx, a.cfg.Remote.S3.Bucket, s3Cfg)
	default:
		return nil, fmt.Errorf("unsupported remote type: %s", a.cfg.Remote.Type)
	}
}

// Shutdown returns the app's shutdown manager.
func (a *App) Shutdown() *ShutdownManager {
	return a.shutdown
}

// Orchestrator builds the orchestrator for one run.
func (a *App) Orchestrator(opts SyncOptions) (*replicate.Orchestrator, error) {
	if !a.opened {
		return nil, fmt.Errorf("app is not open")
	}

	filter := catalog.Filter{IncludePrivate: a.cfg.Sync.IncludePrivate}
	for _, ch := range a.cfg.Sync.Channels {
		filter.Channels = append(filter.Channels, types.Channel(ch))
	}
	if opts.Pattern != "" {
		re, err := regexp.Compile(opts.Pattern)
		if err != nil {
			return nil, syncerrors.NewValidationError(syncerrors.CodeInvalidConfig,
				fmt.Sprintf("invalid pattern %q: %v", opts.Pattern, err))
		}
		filter.Pattern = re
	}

	return replicate.New(a.catalog, a.materializer, a.store, replicate.Options{
		Filter:       filter,
		Workers:      a.cfg.Sync.Workers,
		TableWorkers: a.cfg.Sync.TableWorkers,
		Force:        opts.Force,
		Prune:        a.cfg.Sync.Prune,
		ChecksumMode: replicate.ChecksumMode(a.cfg.Sync.ChecksumMode),
		Metrics:      a.metrics,
	}, a.logger), nil
}

// Sync performs one replication run.
func (a *App) Sync(ctx context.Context, opts SyncOptions) (*replicate.Report, error) {
	o, err := a.Orchestrator(opts)
	if err != nil {
		return nil, err
	}

	if !a.shutdown.TrackRun() {
		return nil, fmt.Errorf("shutting down")
	}
	defer a.shutdown.UntrackRun()

	ctx, cancel := a.shutdown.Context(ctx)
	defer cancel()

	report, err := o.Run(ctx)
	if err != nil {
		return nil, err
	}

	if a.cache != nil {
		hits, misses, evictions, entries, size := a.cache.Stats()
		a.logger.Debug("cache.stats",
			zap.Int64("hits", hits),
			zap.Int64("misses", misses),
			zap.Float64("hit_rate", a.cache.HitRate()),
			zap.Int64("evictions", evictions),
			zap.Int64("entries", entries),
			zap.Int64("size_bytes", size),
		)
	}

	if path := a.cfg.Metrics.Textfile; path != "" {
		if err := a.metrics.WriteTextfile(path); err != nil {
			a.logger.Warn("metrics.write_failed", zap.String("path", path), zap.Error(err))
		}
	}
	return report, nil
}

// SyncEvery runs Sync immediately and then every interval until ctx is done
// or shutdown begins. Failed runs are logged and retried on the next tick.
// It returns the report and error of the last run.
func (a *App) SyncEvery(ctx context.Context, interval time.Duration, opts SyncOptions, onReport func(*replicate.Report)) (*replicate.Report, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}

	var (
		last    *replicate.Report
		lastErr error
	)
	runOnce := func() {
		last, lastErr = a.Sync(ctx, opts)
		if lastErr != nil {
			a.logger.Error("run.failed", zap.Error(lastErr))
			return
		}
		if onReport != nil {
			onReport(last)
		}
	}

	runOnce()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return last, lastErr
		case <-a.shutdown.ShutdownCh():
			return last, lastErr
		case <-ticker.C:
			if ctx.Err() != nil || a.shutdown.IsShuttingDown() {
				return last, lastErr
			}
			runOnce()
		}
	}
}

// Status returns every sync record and the most recent runs.
func (a *App) Status(ctx context.Context, runs int) (*Status, error) {
	if !a.opened {
		return nil, fmt.Errorf("app is not open")
	}
	records, err := a.store.ListSyncRecords(ctx)
	if err != nil {
		return nil, err
	}
	history, err := a.store.ListRuns(ctx, runs)
	if err != nil {
		return nil, err
	}
	return &Status{Records: records, Runs: history}, nil
}

// Query runs a read-only statement against the local store.
func (a *App) Query(ctx context.Context, q string, args ...any) (*store.QueryResult, error) {
	if !a.opened {
		return nil, fmt.Errorf("app is not open")
	}
	return a.store.Query(ctx, q, args...)
}

// Close waits for in-flight runs and releases all resources.
func (a *App) Close() error {
	return a.shutdown.Shutdown(context.Background(), "close")
}
