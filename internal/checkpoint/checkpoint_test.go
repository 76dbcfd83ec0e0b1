package checkpoint

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-event-harvester/internal/records"
	"github.com/withObsrvr/obsrvr-event-harvester/internal/storage"
)

func row(page int) records.Record {
	investee := fmt.Sprintf("%d", 1000+page)
	return records.Record{
		EventID:           records.DeriveEventID("2019-01-02", investee, ""),
		InvesteeID:        investee,
		InvesteeShortName: "co",
		InvesteeURL:       "https://www.cyzone.cn/company/" + investee + ".html",
		Date:              "2019-01-02",
		PageNumber:        int32(page),
	}
}

func newTestManager(t *testing.T) (Manager, *storage.BlobStore) {
	t.Helper()
	store := storage.NewMemStore("")
	t.Cleanup(func() { store.Close() })
	return NewManager(Config{Enabled: true}, store), store
}

func TestSaveSupersedesPrevious(t *testing.T) {
	ctx := context.Background()
	mgr, store := newTestManager(t)

	cp := &Checkpoint{Year: 2019, ShardID: 1, Start: 6}
	highest := 0
	for page := 6; page <= 10; page++ {
		cp.Records = append(cp.Records, row(page))
		cp.HighestPage = page
		require.NoError(t, mgr.Save(ctx, cp))

		keys, err := store.List(ctx, "checkpoints/")
		require.NoError(t, err)
		require.Len(t, keys, 1, "exactly one checkpoint per shard after page %d", page)
		assert.Equal(t, fmt.Sprintf("checkpoints/events_2019_shard1_pg6to%d.parquet", page), keys[0])

		latest, err := mgr.Latest(ctx, 2019, 1)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, latest.HighestPage, highest)
		highest = latest.HighestPage
	}

	latest, err := mgr.Latest(ctx, 2019, 1)
	require.NoError(t, err)
	assert.Equal(t, 10, latest.HighestPage)
	assert.Equal(t, 6, latest.Start)
	assert.Len(t, latest.Records, 5)
}

func TestSaveRejectsRegression(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)

	require.NoError(t, mgr.Save(ctx, &Checkpoint{Year: 2019, ShardID: 0, Start: 1, HighestPage: 5, Records: []records.Record{row(5)}}))

	err := mgr.Save(ctx, &Checkpoint{Year: 2019, ShardID: 0, Start: 1, HighestPage: 4, Records: []records.Record{row(4)}})
	assert.ErrorIs(t, err, ErrCheckpointRegression)

	latest, err := mgr.Latest(ctx, 2019, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, latest.HighestPage)
}

func TestShardsDoNotCollide(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)

	require.NoError(t, mgr.Save(ctx, &Checkpoint{Year: 2019, ShardID: 1, Start: 1, HighestPage: 3, Records: []records.Record{row(3)}}))
	require.NoError(t, mgr.Save(ctx, &Checkpoint{Year: 2019, ShardID: 10, Start: 50, HighestPage: 52, Records: []records.Record{row(52)}}))
	require.NoError(t, mgr.Save(ctx, &Checkpoint{Year: 2018, ShardID: 1, Start: 1, HighestPage: 9, Records: []records.Record{row(9)}}))

	one, err := mgr.Latest(ctx, 2019, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, one.HighestPage)

	all, err := mgr.List(ctx, 2019)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, 1, all[0].ShardID)
	assert.Equal(t, 10, all[1].ShardID)

	require.NoError(t, mgr.Delete(ctx, 2019, 1))
	_, err = mgr.Latest(ctx, 2019, 1)
	assert.ErrorIs(t, err, ErrNoCheckpoint)

	other, err := mgr.Latest(ctx, 2018, 1)
	require.NoError(t, err)
	assert.Equal(t, 9, other.HighestPage)
}

func TestMissingPages(t *testing.T) {
	cp := &Checkpoint{Start: 6, HighestPage: 10, Records: []records.Record{row(6), row(8), row(8), row(10)}}
	assert.Equal(t, []int{7, 9}, cp.Missing())
}

func TestNoopManager(t *testing.T) {
	mgr := NewManager(Config{Enabled: false}, nil)
	ctx := context.Background()

	require.NoError(t, mgr.Save(ctx, &Checkpoint{Year: 2019, HighestPage: 1}))
	_, err := mgr.Latest(ctx, 2019, 0)
	assert.ErrorIs(t, err, ErrNoCheckpoint)
}
