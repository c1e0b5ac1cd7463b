// Package catalogtest publishes small catalogs into a local object store for
// tests, and wraps stores with injected failures.
package catalogtest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/apache/arrow/go/v17/parquet"
	"github.com/apache/arrow/go/v17/parquet/pqarrow"
	"github.com/golang/snappy"

	"github.com/catalogsync/catalogsync/internal/storage"
	"github.com/catalogsync/catalogsync/pkg/types"
)

// Column is a payload column. Values is one of []bool, []int8, []int16,
// []int32, []int64, []uint8, []uint16, []uint32, []uint64, []float32,
// []float64, []string or []time.Time. Null marks null rows and may be nil.
type Column struct {
	Name   string
	Values any
	Null   []bool
}

// Table is one published table.
type Table struct {
	Entry   types.CatalogEntry
	Meta    types.TableMeta
	Columns []Column
}

// Publisher builds a catalog in a temporary directory.
type Publisher struct {
	t       testing.TB
	Store   *storage.LocalStorage
	Dir     string
	tables  map[string]Table
	removed map[string]bool
}

// NewPublisher creates an empty catalog under t.TempDir().
func NewPublisher(t testing.TB) *Publisher {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewLocalStorage(dir)
	if err != nil {
		t.Fatalf("catalogtest: %v", err)
	}
	return &Publisher{
		t:       t,
		Store:   store,
		Dir:     dir,
		tables:  make(map[string]Table),
		removed: make(map[string]bool),
	}
}

// Entry builds a public garden entry.
func Entry(namespace, version, dataset, table, checksum string, dims ...string) types.CatalogEntry {
	return types.CatalogEntry{
		Channel:          types.ChannelGarden,
		Namespace:        namespace,
		Version:          version,
		DatasetShortName: dataset,
		TableShortName:   table,
		Checksum:         checksum,
		Dimensions:       dims,
		Formats:          []string{"parquet"},
	}
}

// AddTable publishes a table: its payload, its metadata document and a
// dataset document if the dataset has none yet.
func (p *Publisher) AddTable(tbl Table) {
	p.t.Helper()
	ctx := context.Background()
	e := tbl.Entry

	if tbl.Meta.ShortName == "" {
		tbl.Meta.ShortName = e.TableShortName
	}
	if tbl.Meta.Dimensions == nil {
		tbl.Meta.Dimensions = e.Dimensions
	}
	if tbl.Meta.Dataset == nil {
		tbl.Meta.Dataset = p.defaultDatasetMeta(e)
	}

	payload, err := WriteParquet(tbl.Columns)
	if err != nil {
		p.t.Fatalf("catalogtest: write parquet for %s: %v", e.TablePath(), err)
	}
	p.put(ctx, e.TablePath()+".parquet", payload)
	p.putJSON(ctx, e.TablePath()+".meta.json", tbl.Meta)

	datasetDoc := e.DatasetPath() + "/index.json"
	if ok, _ := p.Store.Exists(ctx, datasetDoc); !ok {
		p.putJSON(ctx, datasetDoc, tbl.Meta.Dataset)
	}

	p.tables[e.TablePath()] = tbl
	delete(p.removed, e.TablePath())
}

// SetDatasetMeta overwrites a dataset's metadata document.
func (p *Publisher) SetDatasetMeta(datasetPath string, meta types.DatasetMeta) {
	p.putJSON(context.Background(), datasetPath+"/index.json", meta)
}

// SetChecksum changes the checksum of a published table in the next index.
func (p *Publisher) SetChecksum(tablePath, checksum string) {
	tbl, ok := p.tables[tablePath]
	if !ok {
		p.t.Fatalf("catalogtest: unknown table %s", tablePath)
	}
	tbl.Entry.Checksum = checksum
	p.tables[tablePath] = tbl
}

// RemoveTable drops a table from the next index. Its objects stay in place.
func (p *Publisher) RemoveTable(tablePath string) {
	p.removed[tablePath] = true
}

// Publish writes catalog.json and catalog.json.sz from the current tables.
func (p *Publisher) Publish() {
	p.t.Helper()
	ctx := context.Background()

	paths := make([]string, 0, len(p.tables))
	for path := range p.tables {
		if !p.removed[path] {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)

	records := make([]map[string]any, 0, len(paths))
	for _, path := range paths {
		e := p.tables[path].Entry
		records = append(records, map[string]any{
			"channel":    string(e.Channel),
			"namespace":  e.Namespace,
			"version":    e.Version,
			"dataset":    e.DatasetShortName,
			"table":      e.TableShortName,
			"checksum":   e.Checksum,
			"is_public":  !e.IsPrivate,
			"dimensions": e.Dimensions,
			"formats":    e.Formats,
		})
	}
	raw, err := json.Marshal(records)
	if err != nil {
		p.t.Fatalf("catalogtest: marshal index: %v", err)
	}
	p.put(ctx, "catalog.json", raw)
	p.put(ctx, "catalog.json.sz", snappy.Encode(nil, raw))
}

// PutRaw writes an arbitrary object, e.g. a corrupt payload.
func (p *Publisher) PutRaw(objectPath string, data []byte) {
	p.put(context.Background(), objectPath, data)
}

func (p *Publisher) defaultDatasetMeta(e types.CatalogEntry) *types.DatasetMeta {
	public := !e.IsPrivate
	return &types.DatasetMeta{
		ShortName: e.DatasetShortName,
		Namespace: e.Namespace,
		Version:   e.Version,
		Title:     e.DatasetShortName,
		IsPublic:  &public,
	}
}

func (p *Publisher) put(ctx context.Context, objectPath string, data []byte) {
	if err := p.Store.Put(ctx, objectPath, data); err != nil {
		p.t.Fatalf("catalogtest: put %s: %v", objectPath, err)
	}
}

func (p *Publisher) putJSON(ctx context.Context, objectPath string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		p.t.Fatalf("catalogtest: marshal %s: %v", objectPath, err)
	}
	p.put(ctx, objectPath, raw)
}

// WriteParquet encodes columns as a single Parquet file.
func WriteParquet(cols []Column) ([]byte, error) {
	mem := memory.NewGoAllocator()

	fields := make([]arrow.Field, len(cols))
	for i, c := range cols {
		dt, err := arrowType(c.Values)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", c.Name, err)
		}
		fields[i] = arrow.Field{Name: c.Name, Type: dt, Nullable: true}
	}
	schema := arrow.NewSchema(fields, nil)

	builder := array.NewRecordBuilder(mem, schema)
	defer builder.Release()
	for i, c := range cols {
		appendValues(builder.Field(i), c.Values, validity(c.Null))
	}
	rec := builder.NewRecord()
	defer rec.Release()

	var buf bytes.Buffer
	w, err := pqarrow.NewFileWriter(schema, &buf,
		parquet.NewWriterProperties(parquet.WithCreatedBy("catalogtest")),
		pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema()),
	)
	if err != nil {
		return nil, err
	}
	if rec.NumRows() > 0 {
		if err := w.Write(rec); err != nil {
			w.Close()
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func validity(null []bool) []bool {
	if null == nil {
		return nil
	}
	valid := make([]bool, len(null))
	for i, n := range null {
		valid[i] = !n
	}
	return valid
}

func arrowType(values any) (arrow.DataType, error) {
	switch values.(type) {
	case []bool:
		return arrow.FixedWidthTypes.Boolean, nil
	case []int8:
		return arrow.PrimitiveTypes.Int8, nil
	case []int16:
		return arrow.PrimitiveTypes.Int16, nil
	case []int32:
		return arrow.PrimitiveTypes.Int32, nil
	case []int64:
		return arrow.PrimitiveTypes.Int64, nil
	case []uint8:
		return arrow.PrimitiveTypes.Uint8, nil
	case []uint16:
		return arrow.PrimitiveTypes.Uint16, nil
	case []uint32:
		return arrow.PrimitiveTypes.Uint32, nil
	case []uint64:
		return arrow.PrimitiveTypes.Uint64, nil
	case []float32:
		return arrow.PrimitiveTypes.Float32, nil
	case []float64:
		return arrow.PrimitiveTypes.Float64, nil
	case []string:
		return arrow.BinaryTypes.String, nil
	case []time.Time:
		return arrow.FixedWidthTypes.Timestamp_us, nil
	default:
		return nil, fmt.Errorf("unsupported fixture values %T", values)
	}
}

func appendValues(b array.Builder, values any, valid []bool) {
	switch v := values.(type) {
	case []bool:
		b.(*array.BooleanBuilder).AppendValues(v, valid)
	case []int8:
		b.(*array.Int8Builder).AppendValues(v, valid)
	case []int16:
		b.(*array.Int16Builder).AppendValues(v, valid)
	case []int32:
		b.(*array.Int32Builder).AppendValues(v, valid)
	case []int64:
		b.(*array.Int64Builder).AppendValues(v, valid)
	case []uint8:
		b.(*array.Uint8Builder).AppendValues(v, valid)
	case []uint16:
		b.(*array.Uint16Builder).AppendValues(v, valid)
	case []uint32:
		b.(*array.Uint32Builder).AppendValues(v, valid)
	case []uint64:
		b.(*array.Uint64Builder).AppendValues(v, valid)
	case []float32:
		b.(*array.Float32Builder).AppendValues(v, valid)
	case []float64:
		b.(*array.Float64Builder).AppendValues(v, valid)
	case []string:
		b.(*array.StringBuilder).AppendValues(v, valid)
	case []time.Time:
		ts := make([]arrow.Timestamp, len(v))
		for i, t := range v {
			ts[i] = arrow.Timestamp(t.UnixMicro())
		}
		b.(*array.TimestampBuilder).AppendValues(ts, valid)
	}
}

// Faulty wraps an ObjectStorage and fails reads of chosen objects.
type Faulty struct {
	storage.ObjectStorage

	mu    sync.Mutex
	fails map[string]error
}

// NewFaulty wraps inner with no failures configured.
func NewFaulty(inner storage.ObjectStorage) *Faulty {
	return &Faulty{ObjectStorage: inner, fails: make(map[string]error)}
}

// Fail makes every read of objectPath return err.
func (f *Faulty) Fail(objectPath string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fails[objectPath] = err
}

// Heal removes all injected failures.
func (f *Faulty) Heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fails = make(map[string]error)
}

func (f *Faulty) failure(objectPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fails[objectPath]
}

func (f *Faulty) Open(ctx context.Context, objectPath string) (io.ReadCloser, error) {
	if err := f.failure(objectPath); err != nil {
		return nil, err
	}
	return f.ObjectStorage.Open(ctx, objectPath)
}

func (f *Faulty) Download(ctx context.Context, objectPath, localPath string) error {
	if err := f.failure(objectPath); err != nil {
		return err
	}
	return f.ObjectStorage.Download(ctx, objectPath, localPath)
}
