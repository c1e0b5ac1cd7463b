// Package materialize loads a catalog table's payload into a staging table of
// the local store, validating its schema on the way.
package materialize

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/apache/arrow/go/v17/parquet/file"
	"github.com/apache/arrow/go/v17/parquet/pqarrow"
	"go.uber.org/zap"

	syncerrors "github.com/catalogsync/catalogsync/internal/errors"
	"github.com/catalogsync/catalogsync/internal/store"
	"github.com/catalogsync/catalogsync/pkg/types"
)

// Source fetches table payloads.
type Source interface {
	DownloadTable(ctx context.Context, e types.CatalogEntry, localName, dir string) (string, error)
}

// Stager creates staging tables.
type Stager interface {
	CreateStaging(ctx context.Context, cols []types.Column, batchSize int) (*store.StagingTable, error)
}

// Cache keeps payloads between runs. Acquire's release must be called once the
// returned file is no longer read.
type Cache interface {
	Acquire(tablePath, checksum string) (path string, release func(), ok bool)
	Put(tablePath, checksum, sourcePath string) error
}

// Options tunes a Materializer.
type Options struct {
	// ScratchDir holds downloaded payloads while they are loaded.
	// Empty uses the system temporary directory.
	ScratchDir string

	// BatchSize is the number of rows per read batch and per insert.
	BatchSize int

	// Cache is consulted before downloading. Nil disables caching.
	Cache Cache
}

// Materializer turns catalog tables into staged local tables.
type Materializer struct {
	source Source
	stager Stager
	opts   Options
	mem    memory.Allocator
	logger *zap.Logger
}

// New creates a Materializer.
func New(source Source, stager Stager, opts Options, logger *zap.Logger) *Materializer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = store.DefaultBatchSize
	}
	return &Materializer{
		source: source,
		stager: stager,
		opts:   opts,
		mem:    memory.NewGoAllocator(),
		logger: logger.Named("materialize"),
	}
}

// Materialize downloads the payload of e, checks it against the declared
// schema in meta and loads it into a new staging table. The returned table is
// published under its LocalTableName by the dataset commit.
//
// Any failure leaves the store untouched and matches
// errors.ErrMaterializationFailed.
func (m *Materializer) Materialize(ctx context.Context, e types.CatalogEntry, meta *types.TableMeta) (*types.MaterializedTable, error) {
	start := time.Now()
	mt, err := m.materialize(ctx, e, meta)
	if err != nil {
		return nil, syncerrors.NewMaterializationFailed(e.TablePath(), err)
	}

	m.logger.Debug("table.materialize",
		zap.String("table_path", e.TablePath()),
		zap.String("local_name", mt.Name),
		zap.Int64("rows", mt.RowCount),
		zap.Duration("elapsed", time.Since(start)),
	)
	return mt, nil
}

func (m *Materializer) materialize(ctx context.Context, e types.CatalogEntry, meta *types.TableMeta) (*types.MaterializedTable, error) {
	name, err := types.LocalTableName(e)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp(m.opts.ScratchDir, "table-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch directory: %w", err)
	}
	defer os.RemoveAll(dir)

	path, cached, release, err := m.fetch(ctx, e, name, dir)
	if err != nil {
		return nil, err
	}
	defer release()

	pf, err := file.OpenParquetFile(path, false)
	if err != nil {
		return nil, fmt.Errorf("open payload: %w", err)
	}
	defer pf.Close()

	fr, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{BatchSize: int64(m.opts.BatchSize)}, m.mem)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	schema, err := fr.Schema()
	if err != nil {
		return nil, fmt.Errorf("read payload schema: %w", err)
	}

	cols, err := resolveColumns(schema)
	if err != nil {
		return nil, err
	}
	dims, err := checkDeclared(e, meta, cols)
	if err != nil {
		return nil, err
	}

	staging, err := m.stager.CreateStaging(ctx, cols, m.opts.BatchSize)
	if err != nil {
		return nil, err
	}

	rows, dimValues, err := load(ctx, fr, staging, dims)
	if err != nil {
		staging.Abort()
		return nil, err
	}
	if err := staging.Commit(ctx); err != nil {
		return nil, err
	}

	if !cached && m.opts.Cache != nil && e.Checksum != "" {
		if err := m.opts.Cache.Put(e.TablePath(), e.Checksum, path); err != nil {
			m.logger.Warn("cache.put_failed", zap.String("table_path", e.TablePath()), zap.Error(err))
		}
	}

	return &types.MaterializedTable{
		Entry:           e,
		Name:            name,
		StagingName:     staging.Name,
		Columns:         cols,
		RowCount:        rows,
		DimensionValues: dimValues,
	}, nil
}

// fetch returns a local copy of the payload, from the cache when the table's
// checksum is already held there.
func (m *Materializer) fetch(ctx context.Context, e types.CatalogEntry, name, dir string) (string, bool, func(), error) {
	if m.opts.Cache != nil && e.Checksum != "" {
		if path, release, ok := m.opts.Cache.Acquire(e.TablePath(), e.Checksum); ok {
			m.logger.Debug("cache.hit", zap.String("table_path", e.TablePath()))
			return path, true, release, nil
		}
	}
	path, err := m.source.DownloadTable(ctx, e, name, dir)
	if err != nil {
		return "", false, nil, err
	}
	return path, false, func() {}, nil
}

// checkDeclared verifies that every dimension and every described field exists
// in the payload and returns the payload index of each dimension.
func checkDeclared(e types.CatalogEntry, meta *types.TableMeta, cols []types.Column) (map[string]int, error) {
	if len(cols) == 0 {
		return nil, syncerrors.NewMaterializeError(syncerrors.CodeSchemaMismatch, "payload has no columns")
	}

	index := make(map[string]int, len(cols))
	for i, c := range cols {
		if _, dup := index[c.Name]; dup {
			return nil, syncerrors.NewMaterializeError(syncerrors.CodeSchemaMismatch,
				fmt.Sprintf("duplicate column %q", c.Name))
		}
		index[c.Name] = i
	}

	declaredDims := append([]string(nil), e.Dimensions...)
	if meta != nil {
		for _, d := range meta.Dimensions {
			if !e.HasDimension(d) {
				declaredDims = append(declaredDims, d)
			}
		}
	}

	dims := make(map[string]int, len(declaredDims))
	for _, d := range declaredDims {
		i, ok := index[d]
		if !ok {
			return nil, syncerrors.NewMaterializeError(syncerrors.CodeSchemaMismatch,
				fmt.Sprintf("dimension %q missing from payload", d))
		}
		dims[d] = i
	}

	if meta != nil {
		for field := range meta.Fields {
			if _, ok := index[field]; !ok {
				return nil, syncerrors.NewMaterializeError(syncerrors.CodeSchemaMismatch,
					fmt.Sprintf("described field %q missing from payload", field))
			}
		}
	}
	return dims, nil
}

// recordSource is the part of pqarrow.FileReader used to stream batches.
type recordSource interface {
	GetRecordReader(ctx context.Context, colIndices, rowGroups []int) (pqarrow.RecordReader, error)
}

func load(ctx context.Context, fr recordSource, staging *store.StagingTable, dims map[string]int) (int64, map[string][]any, error) {
	rr, err := fr.GetRecordReader(ctx, nil, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("read payload rows: %w", err)
	}
	defer rr.Release()

	dv := newDimensionValues(dims)
	for rr.Next() {
		rec := rr.Record()
		ncols := int(rec.NumCols())
		for i := 0; i < int(rec.NumRows()); i++ {
			row := make([]any, ncols)
			for j := 0; j < ncols; j++ {
				row[j] = valueAt(rec.Column(j), i)
			}
			dv.observe(row)
			if err := staging.Append(ctx, row); err != nil {
				return 0, nil, err
			}
		}
	}
	if err := rr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return 0, nil, fmt.Errorf("decode payload: %w", err)
	}
	return staging.Rows(), dv.values(), nil
}

// EntityZipKey holds the joined entity_id|entity_name|entity_code tuples of
// tables indexed by all three entity columns. Those columns are not listed
// separately.
const EntityZipKey = "entity_zip"

var entityDims = [3]string{"entity_id", "entity_name", "entity_code"}

// dimensionValues accumulates the distinct values of dimension columns.
type dimensionValues struct {
	dims   map[string]int
	seen   map[string]map[any]struct{}
	entity []int
}

func newDimensionValues(dims map[string]int) *dimensionValues {
	dv := &dimensionValues{
		dims: make(map[string]int, len(dims)),
		seen: make(map[string]map[any]struct{}, len(dims)),
	}
	for d, j := range dims {
		dv.dims[d] = j
	}

	entity := make([]int, 0, len(entityDims))
	for _, d := range entityDims {
		if j, ok := dims[d]; ok {
			entity = append(entity, j)
		}
	}
	if len(entity) == len(entityDims) {
		dv.entity = entity
		for _, d := range entityDims {
			delete(dv.dims, d)
		}
		dv.seen[EntityZipKey] = make(map[any]struct{})
	}
	for d := range dv.dims {
		dv.seen[d] = make(map[any]struct{})
	}
	return dv
}

func (dv *dimensionValues) observe(row []any) {
	for d, j := range dv.dims {
		if row[j] != nil {
			dv.seen[d][row[j]] = struct{}{}
		}
	}
	if dv.entity != nil {
		parts := make([]string, len(dv.entity))
		for k, j := range dv.entity {
			parts[k] = formatValue(row[j])
		}
		dv.seen[EntityZipKey][strings.Join(parts, "|")] = struct{}{}
	}
}

func (dv *dimensionValues) values() map[string][]any {
	values := make(map[string][]any, len(dv.seen))
	for d, set := range dv.seen {
		vs := make([]any, 0, len(set))
		for v := range set {
			vs = append(vs, v)
		}
		sort.Slice(vs, func(i, j int) bool { return lessValue(vs[i], vs[j]) })
		values[d] = vs
	}
	return values
}
