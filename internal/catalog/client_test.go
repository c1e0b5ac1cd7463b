package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/catalogsync/catalogsync/internal/catalogtest"
	syncerrors "github.com/catalogsync/catalogsync/internal/errors"
	"github.com/catalogsync/catalogsync/internal/storage"
	"github.com/catalogsync/catalogsync/pkg/types"
)

func publishFixture(t *testing.T) *catalogtest.Publisher {
	t.Helper()
	p := catalogtest.NewPublisher(t)
	cols := []catalogtest.Column{
		{Name: "country", Values: []string{"France"}},
		{Name: "value", Values: []float64{1}},
	}
	p.AddTable(catalogtest.Table{Entry: catalogtest.Entry("ggdc", "2020-10-01", "ggdc_maddison", "maddison_gdp", "c1", "country"), Columns: cols})
	p.AddTable(catalogtest.Table{Entry: catalogtest.Entry("ggdc", "2020-10-01", "ggdc_maddison", "maddison_pop", "c2", "country"), Columns: cols})
	p.AddTable(catalogtest.Table{Entry: catalogtest.Entry("un", "2022", "un_wpp", "population", "c3", "country"), Columns: cols})

	private := catalogtest.Entry("secret", "2023", "internal", "numbers", "c4")
	private.IsPrivate = true
	p.AddTable(catalogtest.Table{Entry: private, Columns: cols})

	meadow := catalogtest.Entry("raw", "2023", "raw", "raw", "c5")
	meadow.Channel = "meadow"
	p.AddTable(catalogtest.Table{Entry: meadow, Columns: cols})

	backport := catalogtest.Entry("backport", "latest", "dataset_1_gdp", "dataset_1_gdp", "c6")
	backport.Channel = types.ChannelBackport
	p.AddTable(catalogtest.Table{Entry: backport, Columns: cols})

	p.Publish()
	return p
}

func TestListEntries_FiltersChannelsAndPrivate(t *testing.T) {
	p := publishFixture(t)
	c := NewClient(p.Store, "", zap.NewNop())

	snap, err := c.ListEntries(context.Background(), Filter{})
	require.NoError(t, err)

	var paths []string
	for e := range snap.All() {
		paths = append(paths, e.TablePath())
	}
	assert.Equal(t, []string{
		"backport/backport/latest/dataset_1_gdp/dataset_1_gdp",
		"garden/ggdc/2020-10-01/ggdc_maddison/maddison_gdp",
		"garden/ggdc/2020-10-01/ggdc_maddison/maddison_pop",
		"garden/un/2022/un_wpp/population",
	}, paths)

	// Only replicable datasets are listed, so the rest can be pruned
	assert.True(t, snap.Listed("garden/un/2022/un_wpp"))
	assert.False(t, snap.Listed("meadow/raw/2023/raw"))
	assert.False(t, snap.Listed("garden/secret/2023/internal"))
	assert.False(t, snap.Listed("garden/gone/2020/gone"))

	withPrivate, err := c.ListEntries(context.Background(), Filter{IncludePrivate: true})
	require.NoError(t, err)
	assert.Equal(t, 5, withPrivate.Len())
	assert.True(t, withPrivate.Listed("garden/secret/2023/internal"))

	// Channel and pattern selection never shrink the listed set
	gardenOnly, err := c.ListEntries(context.Background(), Filter{
		Channels: []types.Channel{types.ChannelGarden},
		Pattern:  regexp.MustCompile(`ggdc`),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, gardenOnly.Len())
	assert.True(t, gardenOnly.Listed("backport/backport/latest/dataset_1_gdp"))
	assert.True(t, gardenOnly.Listed("garden/un/2022/un_wpp"))
}

func TestFilter_Replicable(t *testing.T) {
	public := catalogtest.Entry("un", "2022", "un_wpp", "population", "c1")
	private := public
	private.IsPrivate = true
	meadow := public
	meadow.Channel = "meadow"

	assert.True(t, Filter{}.Replicable(public))
	assert.False(t, Filter{}.Replicable(private))
	assert.True(t, Filter{IncludePrivate: true}.Replicable(private))
	assert.False(t, Filter{IncludePrivate: true}.Replicable(meadow))
	assert.True(t, Filter{Pattern: regexp.MustCompile(`nomatch`)}.Replicable(public))
}

func TestListEntries_Pattern(t *testing.T) {
	p := publishFixture(t)
	c := NewClient(p.Store, "", zap.NewNop())

	snap, err := c.ListEntries(context.Background(), Filter{Pattern: regexp.MustCompile(`ggdc/2020`)})
	require.NoError(t, err)
	assert.False(t, snap.FetchedAt.IsZero())

	datasets := snap.Datasets()
	require.Len(t, datasets, 1)
	assert.Equal(t, "garden/ggdc/2020-10-01/ggdc_maddison", datasets[0].Path)
	assert.Len(t, datasets[0].Entries, 2)

	// Case-sensitive
	none, err := c.ListEntries(context.Background(), Filter{Pattern: regexp.MustCompile(`GGDC`)})
	require.NoError(t, err)
	assert.Equal(t, 0, none.Len())
}

func TestListEntries_SequenceIsRestartable(t *testing.T) {
	p := publishFixture(t)
	snap, err := NewClient(p.Store, "", zap.NewNop()).ListEntries(context.Background(), Filter{})
	require.NoError(t, err)

	count := func() int {
		n := 0
		for range snap.All() {
			n++
		}
		return n
	}
	assert.Equal(t, count(), count())

	// Early break
	for range snap.All() {
		break
	}
}

func TestListEntries_CompressedIndex(t *testing.T) {
	p := publishFixture(t)
	c := NewClient(p.Store, "catalog.json.sz", zap.NewNop())

	snap, err := c.ListEntries(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Equal(t, 4, snap.Len())
}

func TestListEntries_Unavailable(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewLocalStorage(dir)
	require.NoError(t, err)

	_, err = NewClient(store, "", zap.NewNop()).ListEntries(context.Background(), Filter{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, syncerrors.ErrCatalogUnavailable))

	faulty := catalogtest.NewFaulty(publishFixture(t).Store)
	faulty.Fail("catalog.json", errors.New("connection reset"))
	snap, err := NewClient(faulty, "", zap.NewNop()).ListEntries(context.Background(), Filter{})
	assert.Nil(t, snap, "no partial results")
	assert.True(t, errors.Is(err, syncerrors.ErrCatalogUnavailable))
}

func TestListEntries_CorruptIndex(t *testing.T) {
	p := catalogtest.NewPublisher(t)
	p.PutRaw("catalog.json", []byte("{not json"))

	_, err := NewClient(p.Store, "", zap.NewNop()).ListEntries(context.Background(), Filter{})
	require.Error(t, err)
	assert.Equal(t, syncerrors.CodeIndexCorrupt, syncerrors.GetCode(err))
}

func TestFetchMetadataAndPayload(t *testing.T) {
	p := publishFixture(t)
	c := NewClient(p.Store, "", zap.NewNop())
	ctx := context.Background()
	e := catalogtest.Entry("ggdc", "2020-10-01", "ggdc_maddison", "maddison_gdp", "c1", "country")

	ds, err := c.FetchDatasetMeta(ctx, e.DatasetPath())
	require.NoError(t, err)
	assert.Equal(t, "ggdc_maddison", ds.ShortName)

	tm, err := c.FetchTableMeta(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, "maddison_gdp", tm.ShortName)
	assert.Equal(t, []string{"country"}, tm.Dimensions)

	local, err := c.DownloadTable(ctx, e, "garden__ggdc__2020_10_01__ggdc_maddison__maddison_gdp", t.TempDir())
	require.NoError(t, err)
	info, err := os.Stat(local)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
	assert.Equal(t, ".parquet", filepath.Ext(local))
}

func TestFetch_Errors(t *testing.T) {
	p := publishFixture(t)
	c := NewClient(p.Store, "", zap.NewNop())
	ctx := context.Background()

	missing := catalogtest.Entry("nope", "2020", "nope", "nope", "c")
	_, err := c.FetchTableMeta(ctx, missing)
	assert.Equal(t, syncerrors.CodeObjectNotFound, syncerrors.GetCode(err))

	_, err = c.DownloadTable(ctx, missing, "x", t.TempDir())
	assert.Equal(t, syncerrors.CodeObjectNotFound, syncerrors.GetCode(err))

	csvOnly := catalogtest.Entry("ggdc", "2020-10-01", "ggdc_maddison", "maddison_gdp", "c1")
	csvOnly.Formats = []string{"csv"}
	_, err = c.DownloadTable(ctx, csvOnly, "x", t.TempDir())
	assert.Error(t, err)

	faulty := catalogtest.NewFaulty(p.Store)
	faulty.Fail("garden/ggdc/2020-10-01/ggdc_maddison/index.json", storage.ErrDownloadFailed)
	_, err = NewClient(faulty, "", zap.NewNop()).FetchDatasetMeta(ctx, "garden/ggdc/2020-10-01/ggdc_maddison")
	assert.True(t, syncerrors.IsRetryable(err))
}
