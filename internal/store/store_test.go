package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	syncerrors "github.com/catalogsync/catalogsync/internal/errors"
	"github.com/catalogsync/catalogsync/pkg/types"
)

const testDataset = "garden/ggdc/2020-10-01/ggdc_maddison"

var testDrivers = []string{DriverSQLite, DriverDuckDB}

func newTestStore(t *testing.T, driver string) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog."+driver)
	s, err := Open(context.Background(), Config{Driver: driver, Path: path}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

// forEachDriver runs fn as a subtest against a fresh store of every driver.
func forEachDriver(t *testing.T, fn func(t *testing.T, s *Store, path string)) {
	for _, driver := range testDrivers {
		t.Run(driver, func(t *testing.T) {
			s, path := newTestStore(t, driver)
			fn(t, s, path)
		})
	}
}

var gdpColumns = []types.Column{
	{Name: "country", Type: types.ColumnVarchar, Nullable: true},
	{Name: "year", Type: types.ColumnSmallInt, Nullable: true},
	{Name: "gdp", Type: types.ColumnDouble, Nullable: true},
}

func stage(t *testing.T, s *Store, rows ...[]any) *StagingTable {
	t.Helper()
	ctx := context.Background()
	st, err := s.CreateStaging(ctx, gdpColumns, 2)
	require.NoError(t, err)
	for _, r := range rows {
		require.NoError(t, st.Append(ctx, r))
	}
	require.NoError(t, st.Commit(ctx))
	return st
}

func commitFor(tableName string, st *StagingTable, checksum string) DatasetCommit {
	entry := types.CatalogEntry{
		Channel: types.ChannelGarden, Namespace: "ggdc", Version: "2020-10-01",
		DatasetShortName: "ggdc_maddison", TableShortName: "maddison_gdp", Checksum: checksum,
	}
	name, _ := types.LocalTableName(entry)
	if tableName != "" {
		name = tableName
	}
	return DatasetCommit{
		Projection: types.Projection{
			Dataset: types.MetaDataset{
				Path: testDataset, Channel: types.ChannelGarden, Namespace: "ggdc",
				Version: "2020-10-01", ShortName: "ggdc_maddison", IsPublic: true, Checksum: checksum,
			},
			Tables: []types.MetaTable{{
				Path: testDataset + "/maddison_gdp", DatasetPath: testDataset, LocalName: name,
				TableName: "maddison_gdp", DatasetName: "ggdc_maddison", Channel: types.ChannelGarden,
				Namespace: "ggdc", Version: "2020-10-01", Format: "parquet", IsPublic: true,
				RowCount: st.Rows(), Dimensions: `["country","year"]`,
			}},
			Variables: []types.MetaVariable{{
				Path: testDataset + "/maddison_gdp/gdp", TablePath: testDataset + "/maddison_gdp",
				DatasetPath: testDataset, ShortName: "gdp", DatasetShortName: "ggdc_maddison",
				Unit: "international-$", VariableType: "DOUBLE",
			}},
		},
		Tables: []*types.MaterializedTable{{
			Entry: entry, Name: name, StagingName: st.Name, Columns: gdpColumns, RowCount: st.Rows(),
		}},
		Record: types.SyncRecord{DatasetPath: testDataset, Checksum: checksum, SyncedAt: time.Now()},
	}
}

func TestOpen_CreatesSchema(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *Store, _ string) {
		tables, err := s.ListTables(context.Background())
		require.NoError(t, err)
		for _, want := range []string{"sync_records", "meta_datasets", "meta_tables", "meta_variables", "sync_runs"} {
			assert.Contains(t, tables, want)
		}
	})
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "postgres", Path: "x"}, zap.NewNop())
	assert.Error(t, err)
}

func TestSyncRecords(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *Store, _ string) {
		ctx := context.Background()

		_, ok, err := s.GetSyncRecord(ctx, testDataset)
		require.NoError(t, err)
		assert.False(t, ok, "never-synced dataset should have no record")

		at := time.UnixMilli(1700000000000).UTC()
		require.NoError(t, s.SetSyncRecord(ctx, types.SyncRecord{DatasetPath: testDataset, Checksum: "c1", SyncedAt: at}))
		require.NoError(t, s.SetSyncRecord(ctx, types.SyncRecord{DatasetPath: testDataset, Checksum: "c2", SyncedAt: at.Add(time.Hour)}))

		rec, ok, err := s.GetSyncRecord(ctx, testDataset)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "c2", rec.Checksum)
		assert.Equal(t, at.Add(time.Hour), rec.SyncedAt)

		all, err := s.ListSyncRecords(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})
}

func TestCommitDataset_SwapsTablesAndMetadata(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *Store, _ string) {
		ctx := context.Background()

		st := stage(t, s, []any{"France", 1990, 1.5}, []any{"Spain", 1990, 0.9}, []any{"Chile", 1990, nil})
		c := commitFor("", st, "c1")
		require.NoError(t, s.CommitDataset(ctx, c))

		name := c.Tables[0].Name
		n, err := s.CountRows(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		exists, err := s.TableExists(ctx, st.Name)
		require.NoError(t, err)
		assert.False(t, exists, "staging table should be renamed away")

		rec, ok, err := s.GetSyncRecord(ctx, testDataset)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "c1", rec.Checksum)

		res, err := s.Query(ctx, "SELECT local_name, row_count FROM meta_tables WHERE dataset_path = ?", testDataset)
		require.NoError(t, err)
		require.Len(t, res.Rows, 1)
		assert.Equal(t, name, res.Rows[0][0])

		// Resync replaces the contents and the metadata rows
		st2 := stage(t, s, []any{"France", 2000, 2.0})
		require.NoError(t, s.CommitDataset(ctx, commitFor("", st2, "c2")))

		n, err = s.CountRows(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		res, err = s.Query(ctx, "SELECT COUNT(*) FROM meta_variables WHERE dataset_path = ?", testDataset)
		require.NoError(t, err)
		assert.EqualValues(t, 1, res.Rows[0][0])
	})
}

func TestCommitDataset_ConcurrentReadersSeeWholeSwap(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *Store, _ string) {
		ctx := context.Background()

		first := commitFor("", stage(t, s, []any{"France", 1990, 1.0}), "c0")
		require.NoError(t, s.CommitDataset(ctx, first))
		name := first.Tables[0].Name

		var (
			wg    sync.WaitGroup
			reads atomic.Int64
			stop  = make(chan struct{})
			errs  = make(chan error, 1)
		)
		fail := func(err error) {
			select {
			case errs <- err:
			default:
			}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}

				res, err := s.Query(ctx, "SELECT COUNT(*) FROM "+name)
				if err != nil {
					fail(err)
					return
				}
				if n := fmt.Sprint(res.Rows[0][0]); n != "1" && n != "2" {
					fail(fmt.Errorf("table has %s rows, want 1 or 2", n))
					return
				}

				// Metadata and data tables always come from the same commit
				res, err = s.Query(ctx, fmt.Sprintf(
					"SELECT m.row_count, (SELECT COUNT(*) FROM %s) FROM meta_tables m WHERE m.local_name = ?", name), name)
				if err != nil {
					fail(err)
					return
				}
				if len(res.Rows) != 1 {
					fail(fmt.Errorf("got %d meta_tables rows, want 1", len(res.Rows)))
					return
				}
				if meta, actual := fmt.Sprint(res.Rows[0][0]), fmt.Sprint(res.Rows[0][1]); meta != actual {
					fail(fmt.Errorf("meta_tables says %s rows, table has %s", meta, actual))
					return
				}
				reads.Add(1)
			}
		}()

		for i := 1; i <= 20; i++ {
			rows := [][]any{{"France", 1990, 1.0}}
			if i%2 == 1 {
				rows = append(rows, []any{"Spain", 1990, 2.0})
			}
			require.NoError(t, s.CommitDataset(ctx, commitFor("", stage(t, s, rows...), fmt.Sprintf("c%d", i))))
		}
		require.Eventually(t, func() bool { return reads.Load() > 0 || len(errs) > 0 }, 5*time.Second, 5*time.Millisecond)
		close(stop)
		wg.Wait()

		select {
		case err := <-errs:
			t.Fatalf("reader observed a partial swap: %v", err)
		default:
		}
	})
}

func TestCommitDataset_DropsRetiredTables(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *Store, _ string) {
		ctx := context.Background()

		old := commitFor("garden__ggdc__2020_10_01__ggdc_maddison__old_table", stage(t, s, []any{"France", 1990, 1.0}), "c1")
		require.NoError(t, s.CommitDataset(ctx, old))

		require.NoError(t, s.CommitDataset(ctx, commitFor("", stage(t, s, []any{"France", 1990, 1.0}), "c2")))

		exists, err := s.TableExists(ctx, "garden__ggdc__2020_10_01__ggdc_maddison__old_table")
		require.NoError(t, err)
		assert.False(t, exists)
	})
}

func TestCommitDataset_ConflictLeavesStateUntouched(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *Store, _ string) {
		ctx := context.Background()

		first := commitFor("", stage(t, s, []any{"France", 1990, 1.0}), "c1")
		require.NoError(t, s.CommitDataset(ctx, first))

		st := stage(t, s, []any{"France", 2000, 9.0}, []any{"Spain", 2000, 9.0})
		second := commitFor("", st, "c2")

		// Another commit is swapping the same table
		release, err := s.locks.tryLockAll([]string{second.Tables[0].Name})
		require.NoError(t, err)
		err = s.CommitDataset(ctx, second)
		release()

		require.Error(t, err)
		assert.True(t, errors.Is(err, syncerrors.ErrCommitConflict))
		assert.True(t, syncerrors.IsRetryable(err))

		n, err := s.CountRows(ctx, first.Tables[0].Name)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n, "old contents must survive a failed commit")

		rec, _, err := s.GetSyncRecord(ctx, testDataset)
		require.NoError(t, err)
		assert.Equal(t, "c1", rec.Checksum)

		require.NoError(t, s.DropStaging(ctx, st.Name))
	})
}

func TestCommitDataset_FailureRollsBack(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *Store, _ string) {
		ctx := context.Background()

		require.NoError(t, s.CommitDataset(ctx, commitFor("", stage(t, s, []any{"France", 1990, 1.0}), "c1")))

		broken := commitFor("", stage(t, s, []any{"France", 1990, 1.0}), "c2")
		broken.Tables[0].StagingName = StagingPrefix + "missing"

		err := s.CommitDataset(ctx, broken)
		require.Error(t, err)
		assert.Equal(t, syncerrors.CodeCommitFailed, syncerrors.GetCode(err))

		n, err := s.CountRows(ctx, broken.Tables[0].Name)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n, "dropped table must be restored by rollback")

		rec, _, err := s.GetSyncRecord(ctx, testDataset)
		require.NoError(t, err)
		assert.Equal(t, "c1", rec.Checksum)
	})
}

func TestCommitDataset_MismatchedRecord(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *Store, _ string) {
		c := commitFor("", stage(t, s, []any{"France", 1990, 1.0}), "c1")
		c.Record.DatasetPath = "garden/other/1/x"
		assert.Error(t, s.CommitDataset(context.Background(), c))
	})
}

func TestRemoveDataset(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *Store, _ string) {
		ctx := context.Background()

		c := commitFor("", stage(t, s, []any{"France", 1990, 1.0}), "c1")
		require.NoError(t, s.CommitDataset(ctx, c))
		require.NoError(t, s.RemoveDataset(ctx, testDataset))

		exists, err := s.TableExists(ctx, c.Tables[0].Name)
		require.NoError(t, err)
		assert.False(t, exists)

		_, ok, err := s.GetSyncRecord(ctx, testDataset)
		require.NoError(t, err)
		assert.False(t, ok)

		res, err := s.Query(ctx, "SELECT COUNT(*) FROM meta_datasets")
		require.NoError(t, err)
		assert.EqualValues(t, 0, res.Rows[0][0])
	})
}

func TestOpen_DropsOrphanedStaging(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *Store, path string) {
		ctx := context.Background()

		st := stage(t, s, []any{"France", 1990, 1.0})
		require.NoError(t, s.Close())

		reopened, err := Open(ctx, Config{Driver: s.Driver(), Path: path}, zap.NewNop())
		require.NoError(t, err)
		defer reopened.Close()

		exists, err := reopened.TableExists(ctx, st.Name)
		require.NoError(t, err)
		assert.False(t, exists)
	})
}

func TestStaging_AbortDiscards(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *Store, _ string) {
		ctx := context.Background()

		st, err := s.CreateStaging(ctx, gdpColumns, 10)
		require.NoError(t, err)
		require.NoError(t, st.Append(ctx, []any{"France", 1990, 1.0}))
		assert.Error(t, st.Append(ctx, []any{"too", "short"}))
		st.Abort()

		exists, err := s.TableExists(ctx, st.Name)
		require.NoError(t, err)
		assert.False(t, exists)
	})
}

func TestDropStaging_RefusesDataTables(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *Store, _ string) {
		assert.Error(t, s.DropStaging(context.Background(), "garden__a__1__b__c"))
	})
}

func TestQuery_ReadOnly(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *Store, _ string) {
		ctx := context.Background()

		res, err := s.Query(ctx, "SELECT 1 AS one;")
		require.NoError(t, err)
		assert.Equal(t, []string{"one"}, res.Columns)
		assert.EqualValues(t, 1, res.Rows[0][0])

		for _, q := range []string{
			"DELETE FROM sync_records",
			"DROP TABLE meta_tables",
			"SELECT 1; DELETE FROM sync_records",
			"SELECT ';' AS sep",
			"   ",
		} {
			_, err := s.Query(ctx, q)
			assert.Error(t, err, q)
		}
	})
}

func TestRuns(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s *Store, _ string) {
		ctx := context.Background()

		base := time.UnixMilli(1700000000000).UTC()
		require.NoError(t, s.RecordRun(ctx, Run{ID: "a", StartedAt: base, FinishedAt: base.Add(time.Second), Datasets: 2, Done: 2}))
		require.NoError(t, s.RecordRun(ctx, Run{ID: "b", StartedAt: base.Add(time.Minute), FinishedAt: base.Add(2 * time.Minute), Datasets: 2, UpToDate: 1, Failed: 1}))

		runs, err := s.ListRuns(ctx, 5)
		require.NoError(t, err)
		require.Len(t, runs, 2)
		assert.Equal(t, "b", runs[0].ID)
		assert.Equal(t, 1, runs[0].Failed)
		assert.Equal(t, base, runs[1].StartedAt)
	})
}

func TestKeyLocks_TryLockAll(t *testing.T) {
	k := newKeyLocks()
	release, err := k.tryLockAll([]string{"b", "a", "a"})
	require.NoError(t, err)

	_, err = k.tryLockAll([]string{"c", "a"})
	assert.True(t, errors.Is(err, syncerrors.ErrCommitConflict))

	// The failed attempt must not leave "c" held
	r2, err := k.tryLockAll([]string{"c"})
	require.NoError(t, err)
	r2()
	release()

	r3, err := k.tryLockAll([]string{"a", "b"})
	require.NoError(t, err)
	r3()
}
