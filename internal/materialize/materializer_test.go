package materialize

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/catalogsync/catalogsync/internal/cache"
	"github.com/catalogsync/catalogsync/internal/catalog"
	"github.com/catalogsync/catalogsync/internal/catalogtest"
	syncerrors "github.com/catalogsync/catalogsync/internal/errors"
	"github.com/catalogsync/catalogsync/internal/store"
	"github.com/catalogsync/catalogsync/pkg/types"
)

type fixture struct {
	pub   *catalogtest.Publisher
	store *store.Store
	m     *Materializer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pub := catalogtest.NewPublisher(t)
	st, err := store.Open(context.Background(), store.Config{
		Driver: store.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "local.db"),
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	client := catalog.NewClient(pub.Store, "", zap.NewNop())
	m := New(client, st, Options{ScratchDir: t.TempDir(), BatchSize: 2}, zap.NewNop())
	return &fixture{pub: pub, store: st, m: m}
}

func (f *fixture) stagingTables(t *testing.T) []string {
	t.Helper()
	names, err := f.store.ListTables(context.Background())
	require.NoError(t, err)
	var staged []string
	for _, n := range names {
		if strings.HasPrefix(n, store.StagingPrefix) {
			staged = append(staged, n)
		}
	}
	return staged
}

func TestMaterialize_LoadsPayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e := catalogtest.Entry("ggdc", "2020-10-01", "ggdc_maddison", "maddison_gdp", "c1", "country", "year")
	f.pub.AddTable(catalogtest.Table{
		Entry: e,
		Meta: types.TableMeta{Fields: map[string]types.VariableMeta{
			"gdp": {Title: "GDP", Unit: "international-$"},
		}},
		Columns: []catalogtest.Column{
			{Name: "country", Values: []string{"France", "Spain", "France"}},
			{Name: "year", Values: []int16{1990, 1990, 2000}},
			{Name: "gdp", Values: []float64{1.5, 0, 2.5}, Null: []bool{false, true, false}},
			{Name: "estimated", Values: []bool{true, false, false}},
		},
	})

	mt, err := f.m.Materialize(ctx, e, &types.TableMeta{Dimensions: []string{"country", "year"}, Fields: map[string]types.VariableMeta{"gdp": {}}})
	require.NoError(t, err)

	assert.Equal(t, "garden__ggdc__2020_10_01__ggdc_maddison__maddison_gdp", mt.Name)
	assert.Equal(t, int64(3), mt.RowCount)
	assert.Equal(t, types.ColumnVarchar, mt.ColumnType("country"))
	assert.Equal(t, types.ColumnSmallInt, mt.ColumnType("year"))
	assert.Equal(t, types.ColumnDouble, mt.ColumnType("gdp"))
	assert.Equal(t, types.ColumnBoolean, mt.ColumnType("estimated"))
	assert.Equal(t, []any{"France", "Spain"}, mt.DimensionValues["country"])
	assert.Equal(t, []any{int64(1990), int64(2000)}, mt.DimensionValues["year"])

	n, err := f.store.CountRows(ctx, mt.StagingName)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	res, err := f.store.Query(ctx, `SELECT COUNT(*) FROM "`+mt.StagingName+`" WHERE gdp IS NULL`)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Rows[0][0])

	// Not published until the dataset commit
	exists, err := f.store.TableExists(ctx, mt.Name)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMaterialize_EmptyTable(t *testing.T) {
	f := newFixture(t)
	e := catalogtest.Entry("ggdc", "2020-10-01", "ggdc_maddison", "empty", "c1", "country")
	f.pub.AddTable(catalogtest.Table{
		Entry: e,
		Columns: []catalogtest.Column{
			{Name: "country", Values: []string{}},
			{Name: "value", Values: []float64{}},
		},
	})

	mt, err := f.m.Materialize(context.Background(), e, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), mt.RowCount)
	assert.Empty(t, mt.DimensionValues["country"])
	assert.Len(t, mt.Columns, 2)
}

func TestMaterialize_EntityZip(t *testing.T) {
	f := newFixture(t)
	e := catalogtest.Entry("owid", "latest", "population", "population", "c1",
		"year", "entity_id", "entity_name", "entity_code")
	f.pub.AddTable(catalogtest.Table{
		Entry: e,
		Columns: []catalogtest.Column{
			{Name: "year", Values: []int64{2000, 2001, 2000}},
			{Name: "entity_id", Values: []int64{13, 13, 7}},
			{Name: "entity_name", Values: []string{"France", "France", "Chad"}},
			{Name: "entity_code", Values: []string{"FRA", "FRA", ""}, Null: []bool{false, false, true}},
			{Name: "population", Values: []float64{1, 2, 3}},
		},
	})

	mt, err := f.m.Materialize(context.Background(), e, nil)
	require.NoError(t, err)

	assert.Equal(t, []any{"13|France|FRA", "7|Chad|None"}, mt.DimensionValues[EntityZipKey])
	assert.Equal(t, []any{int64(2000), int64(2001)}, mt.DimensionValues["year"])
	assert.NotContains(t, mt.DimensionValues, "entity_id")
	assert.NotContains(t, mt.DimensionValues, "entity_name")
}

func TestMaterialize_UnsignedWidening(t *testing.T) {
	f := newFixture(t)
	e := catalogtest.Entry("ns", "2021", "ds", "unsigned", "c1")
	f.pub.AddTable(catalogtest.Table{
		Entry: e,
		Columns: []catalogtest.Column{
			{Name: "u8", Values: []uint8{255}},
			{Name: "u16", Values: []uint16{65535}},
			{Name: "u32", Values: []uint32{4294967295}},
			{Name: "f32", Values: []float32{0.5}},
			{Name: "at", Values: []time.Time{time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)}},
		},
	})

	mt, err := f.m.Materialize(context.Background(), e, nil)
	require.NoError(t, err)
	assert.Equal(t, types.ColumnSmallInt, mt.ColumnType("u8"))
	assert.Equal(t, types.ColumnInteger, mt.ColumnType("u16"))
	assert.Equal(t, types.ColumnBigInt, mt.ColumnType("u32"))
	assert.Equal(t, types.ColumnFloat, mt.ColumnType("f32"))
	assert.Equal(t, types.ColumnTimestamp, mt.ColumnType("at"))

	res, err := f.store.Query(context.Background(), `SELECT u32 FROM "`+mt.StagingName+`"`)
	require.NoError(t, err)
	assert.EqualValues(t, 4294967295, res.Rows[0][0])
}

func TestMaterialize_UnsupportedTypeIsFatal(t *testing.T) {
	f := newFixture(t)
	e := catalogtest.Entry("ns", "2021", "ds", "big", "c1")
	f.pub.AddTable(catalogtest.Table{
		Entry: e,
		Columns: []catalogtest.Column{
			{Name: "ok", Values: []int64{1}},
			{Name: "too_big", Values: []uint64{1 << 63}},
		},
	})

	_, err := f.m.Materialize(context.Background(), e, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, syncerrors.ErrMaterializationFailed))
	assert.True(t, errors.Is(err, syncerrors.NewMaterializeError(syncerrors.CodeUnsupportedType, "")))
	assert.Contains(t, err.Error(), "too_big")
	assert.Empty(t, f.stagingTables(t))
}

func TestMaterialize_SchemaMismatch(t *testing.T) {
	f := newFixture(t)
	e := catalogtest.Entry("ns", "2021", "ds", "tbl", "c1", "country", "year")
	f.pub.AddTable(catalogtest.Table{
		Entry: e,
		Columns: []catalogtest.Column{
			{Name: "country", Values: []string{"France"}},
			{Name: "value", Values: []float64{1}},
		},
	})

	_, err := f.m.Materialize(context.Background(), e, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, syncerrors.NewMaterializeError(syncerrors.CodeSchemaMismatch, "")))

	e.Dimensions = []string{"country"}
	_, err = f.m.Materialize(context.Background(), e, &types.TableMeta{Fields: map[string]types.VariableMeta{"missing": {}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
	assert.Empty(t, f.stagingTables(t))
}

func TestMaterialize_DownloadAndDecodeFailures(t *testing.T) {
	f := newFixture(t)
	e := catalogtest.Entry("ns", "2021", "ds", "tbl", "c1")

	// Not published at all
	_, err := f.m.Materialize(context.Background(), e, nil)
	assert.True(t, errors.Is(err, syncerrors.ErrMaterializationFailed))

	f.pub.PutRaw(e.TablePath()+".parquet", []byte("definitely not parquet"))
	_, err = f.m.Materialize(context.Background(), e, nil)
	assert.True(t, errors.Is(err, syncerrors.ErrMaterializationFailed))

	var se *syncerrors.SyncError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, e.TablePath(), se.Details["table_path"])
}

func TestMaterialize_InvalidEntry(t *testing.T) {
	f := newFixture(t)
	e := catalogtest.Entry("ns", "2021_01", "ds", "tbl", "c1")
	_, err := f.m.Materialize(context.Background(), e, nil)
	assert.True(t, errors.Is(err, syncerrors.ErrMaterializationFailed))
}

func TestColumnTypeOf(t *testing.T) {
	tests := []struct {
		dt   arrow.DataType
		want types.ColumnType
		ok   bool
	}{
		{arrow.FixedWidthTypes.Boolean, types.ColumnBoolean, true},
		{arrow.PrimitiveTypes.Int8, types.ColumnSmallInt, true},
		{arrow.PrimitiveTypes.Int32, types.ColumnInteger, true},
		{arrow.PrimitiveTypes.Int64, types.ColumnBigInt, true},
		{arrow.PrimitiveTypes.Uint64, types.ColumnInvalid, false},
		{arrow.BinaryTypes.LargeString, types.ColumnVarchar, true},
		{arrow.FixedWidthTypes.Date32, types.ColumnDate, true},
		{arrow.BinaryTypes.Binary, types.ColumnInvalid, false},
		{arrow.ListOf(arrow.PrimitiveTypes.Int64), types.ColumnInvalid, false},
		{&arrow.DictionaryType{IndexType: arrow.PrimitiveTypes.Int32, ValueType: arrow.BinaryTypes.String}, types.ColumnVarchar, true},
	}

	for _, tt := range tests {
		got, err := ColumnTypeOf(tt.dt)
		if tt.ok {
			assert.NoError(t, err, tt.dt.String())
		} else {
			assert.Error(t, err, tt.dt.String())
		}
		assert.Equal(t, tt.want, got, tt.dt.String())
	}
}

func TestMaterialize_PayloadCache(t *testing.T) {
	ctx := context.Background()
	pub := catalogtest.NewPublisher(t)
	faulty := catalogtest.NewFaulty(pub.Store)
	st, err := store.Open(ctx, store.Config{
		Driver: store.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "local.db"),
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	pc, err := cache.New(t.TempDir(), 1<<20, zap.NewNop())
	require.NoError(t, err)
	m := New(catalog.NewClient(faulty, "", zap.NewNop()), st, Options{ScratchDir: t.TempDir(), Cache: pc}, zap.NewNop())

	e := catalogtest.Entry("un", "2022-07-11", "un_wpp", "population", "p1", "country")
	pub.AddTable(catalogtest.Table{
		Entry:   e,
		Columns: []catalogtest.Column{{Name: "country", Values: []string{"Chad", "Peru"}}},
	})

	_, err = m.Materialize(ctx, e, nil)
	require.NoError(t, err)
	_, _, _, count, _ := pc.Stats()
	assert.Equal(t, int64(1), count)

	// Served from the cache while the remote is down
	faulty.Fail(e.TablePath()+".parquet", errors.New("connection reset"))
	mt, err := m.Materialize(ctx, e, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), mt.RowCount)
	hits, _, _, _, _ := pc.Stats()
	assert.Equal(t, int64(1), hits)

	// A new checksum is a miss
	e.Checksum = "p2"
	_, err = m.Materialize(ctx, e, nil)
	require.Error(t, err)
}
