package harvest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-event-harvester/internal/acquire"
	"github.com/withObsrvr/obsrvr-event-harvester/internal/catalog"
	"github.com/withObsrvr/obsrvr-event-harvester/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-event-harvester/internal/logging"
	"github.com/withObsrvr/obsrvr-event-harvester/internal/metrics"
	"github.com/withObsrvr/obsrvr-event-harvester/internal/records"
	"github.com/withObsrvr/obsrvr-event-harvester/internal/report"
	"github.com/withObsrvr/obsrvr-event-harvester/internal/storage"
)

// pageRows returns two rows for a page. Later pages carry older dates, as
// on the listing.
func pageRows(year, page int) []records.Record {
	date := fmt.Sprintf("%d-%02d-%02d", year, 12-(page-1)/28, 28-(page-1)%28)
	out := make([]records.Record, 2)
	for i := range out {
		investee := fmt.Sprintf("%d", 1000000+page*10+i)
		out[i] = records.Record{
			EventID:           records.DeriveEventID(date, investee, ""),
			InvesteeID:        investee,
			InvesteeShortName: "co" + investee,
			InvesteeURL:       "https://www.cyzone.cn/company/" + investee + ".html",
			Date:              date,
		}
	}
	return out
}

type fakeHarvest struct {
	mu        sync.Mutex
	exhausted map[int]bool
	rows      func(year, page int) []records.Record
	cancel    func(page int) // called before acquiring a page
	acquired  []int
	opened    int
	closed    int
	openErr   error
}

func newFakeHarvest() *fakeHarvest {
	return &fakeHarvest{exhausted: map[int]bool{}, rows: pageRows}
}

func (f *fakeHarvest) factory(ctx context.Context, workerID int) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.opened++
	return &fakeSession{h: f}, nil
}

func (f *fakeHarvest) pages() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]int(nil), f.acquired...)
	sort.Ints(out)
	return out
}

type fakeSession struct {
	h *fakeHarvest
}

func (s *fakeSession) Acquirer(year, shardID int) Acquirer {
	return &fakeAcquirer{h: s.h, year: year}
}

func (s *fakeSession) Close() error {
	s.h.mu.Lock()
	s.h.closed++
	s.h.mu.Unlock()
	return nil
}

type fakeAcquirer struct {
	h    *fakeHarvest
	year int
}

func (a *fakeAcquirer) Acquire(ctx context.Context, page int) acquire.PageOutcome {
	if a.h.cancel != nil {
		a.h.cancel(page)
	}
	if err := ctx.Err(); err != nil {
		return acquire.PageOutcome{Kind: acquire.OutcomeTransientError, Page: page, Err: err}
	}

	a.h.mu.Lock()
	a.h.acquired = append(a.h.acquired, page)
	exhausted := a.h.exhausted[page]
	a.h.mu.Unlock()

	if exhausted {
		return acquire.PageOutcome{
			Kind:   acquire.OutcomeExhaustedRetries,
			Cause:  acquire.OutcomeCaptchaBlocked,
			Page:   page,
			Trials: 10,
			Err:    acquire.ErrPageExhausted,
		}
	}
	return acquire.PageOutcome{Kind: acquire.OutcomeSuccess, Page: page, Records: a.h.rows(a.year, page), Trials: 1}
}

// failingStore fails writes of keys with the given prefix.
type failingStore struct {
	storage.Store
	prefix string
}

func (s *failingStore) Write(ctx context.Context, key string, data []byte) error {
	if strings.HasPrefix(key, s.prefix) {
		return errors.New("bucket unavailable")
	}
	return s.Store.Write(ctx, key, data)
}

type env struct {
	store *storage.BlobStore
	ckpt  checkpoint.Manager
	fake  *fakeHarvest
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := storage.NewMemStore("")
	t.Cleanup(func() { store.Close() })
	return &env{
		store: store,
		ckpt:  checkpoint.NewManager(checkpoint.Config{Enabled: true}, store),
		fake:  newFakeHarvest(),
	}
}

func (e *env) coordinator(t *testing.T, store storage.Store, formats ...records.Format) *Coordinator {
	t.Helper()
	cat, err := catalog.New([]catalog.Entry{{Year: 2018, Pages: 4}, {Year: 2019, Pages: 10}})
	require.NoError(t, err)
	return NewCoordinator(Config{
		Workers:  2,
		Formats:  formats,
		Producer: report.ProducerInfo{Name: "event-harvester", Version: "test"},
	}, e.fake.factory, store, e.ckpt, cat)
}

func TestPartitionTiling(t *testing.T) {
	for pages := 1; pages <= 60; pages++ {
		for shards := 1; shards <= 12; shards++ {
			job := HarvestJob{Year: 2019, Start: 5, End: 5 + pages - 1, Shards: shards}
			got, err := Partition(job)
			require.NoError(t, err)
			require.NoError(t, VerifyTiling(job, got), "pages=%d shards=%d", pages, shards)
			assert.LessOrEqual(t, len(got), shards)

			size := (pages + shards - 1) / shards
			for i, s := range got {
				assert.Equal(t, i+1, s.ID)
				if i < len(got)-1 {
					assert.Equal(t, size, s.Pages(), "pages=%d shards=%d shard=%d", pages, shards, s.ID)
				}
			}
		}
	}
}

func TestPartitionExamples(t *testing.T) {
	tests := []struct {
		name string
		job  HarvestJob
		want []Shard
	}{
		{"even", HarvestJob{Year: 2019, Start: 1, End: 10, Shards: 2},
			[]Shard{{1, 1, 5}, {2, 6, 10}}},
		{"clamped", HarvestJob{Year: 2019, Start: 1, End: 10, Shards: 3},
			[]Shard{{1, 1, 4}, {2, 5, 8}, {3, 9, 10}}},
		{"trailing dropped", HarvestJob{Year: 2019, Start: 1, End: 10, Shards: 4},
			[]Shard{{1, 1, 3}, {2, 4, 6}, {3, 7, 9}, {4, 10, 10}}},
		{"more shards than pages", HarvestJob{Year: 2019, Start: 1, End: 3, Shards: 5},
			[]Shard{{1, 1, 1}, {2, 2, 2}, {3, 3, 3}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Partition(tt.job)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPartitionRejectsInvalidJob(t *testing.T) {
	for _, job := range []HarvestJob{
		{Year: 2019, Start: 0, End: 10, Shards: 2},
		{Year: 2019, Start: 5, End: 4, Shards: 2},
		{Year: 2019, Start: 1, End: 10, Shards: 0},
		{Year: 0, Start: 1, End: 10, Shards: 1},
	} {
		_, err := Partition(job)
		assert.ErrorIs(t, err, ErrInvalidJob, "%+v", job)
	}
}

func TestVerifyTilingDetectsOverlap(t *testing.T) {
	job := HarvestJob{Year: 2019, Start: 1, End: 10, Shards: 2}
	err := VerifyTiling(job, []Shard{{1, 1, 6}, {2, 6, 10}})
	assert.ErrorIs(t, err, ErrPartitionInvariant)

	err = VerifyTiling(job, []Shard{{1, 1, 5}, {2, 6, 9}})
	assert.ErrorIs(t, err, ErrPartitionInvariant)
}

func TestRunRecordsGap(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.fake.exhausted[7] = true
	c := e.coordinator(t, e.store, records.FormatParquet, records.FormatCSV)

	res, err := c.Run(ctx, HarvestJob{Year: 2019, Start: 1, End: 10, Shards: 2})
	require.NoError(t, err)

	assert.Equal(t, "events_2019", res.Name)
	assert.Equal(t, []int{7}, res.Coverage.Missing)
	assert.Equal(t, 9, res.Coverage.Completed)
	assert.Len(t, res.Records, 18)
	assert.Empty(t, res.Duplicates)
	assert.True(t, res.Validation.Passed)

	pages := map[int]bool{}
	ids := map[string]bool{}
	for i, r := range res.Records {
		pages[int(r.PageNumber)] = true
		assert.False(t, ids[r.EventID], "duplicate %s", r.EventID)
		ids[r.EventID] = true
		if i > 0 {
			assert.GreaterOrEqual(t, res.Records[i-1].Date, r.Date)
		}
	}
	assert.Len(t, pages, 9)
	assert.False(t, pages[7])

	// Each worker acquired every page of its shard once.
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, e.fake.pages())
	assert.Equal(t, 2, e.fake.opened)
	assert.Equal(t, 2, e.fake.closed)

	require.Len(t, res.Outputs, 2)
	data, err := e.store.Read(ctx, "outputs/events_2019.parquet")
	require.NoError(t, err)
	assert.Equal(t, res.Outputs[0].Checksum, records.ComputeChecksum(data))
	rows, err := records.DecodeParquet(data)
	require.NoError(t, err)
	assert.Equal(t, res.Records, rows)

	ok, err := e.store.Exists(ctx, "outputs/events_2019.csv")
	require.NoError(t, err)
	assert.True(t, ok)

	rep, err := report.NewWriter(e.store).Read(ctx, res.ReportKey)
	require.NoError(t, err)
	assert.Equal(t, map[int][]int{2019: {7}}, rep.Missing())
	assert.True(t, report.Verify(rep))

	cps, err := e.ckpt.List(ctx, 2019)
	require.NoError(t, err)
	assert.Empty(t, cps, "checkpoints should be deleted after a successful merge")
}

func TestRunPageWindowName(t *testing.T) {
	e := newEnv(t)
	c := e.coordinator(t, e.store)

	res, err := c.Run(context.Background(), HarvestJob{Year: 2019, Start: 3, End: 6, Shards: 3})
	require.NoError(t, err)
	assert.Equal(t, "events_2019_pg3to6", res.Name)
	assert.Equal(t, "outputs/events_2019_pg3to6.parquet", res.Outputs[0].Key)
	assert.Equal(t, []int{3, 4, 5, 6}, e.fake.pages())
}

func TestCheckpointsSurviveFailedOutput(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	c := e.coordinator(t, &failingStore{Store: e.store, prefix: "outputs/"})

	_, err := c.Run(ctx, HarvestJob{Year: 2019, Start: 1, End: 10, Shards: 2})
	require.Error(t, err)

	cps, err := e.ckpt.List(ctx, 2019)
	require.NoError(t, err)
	require.Len(t, cps, 2)
	assert.Equal(t, 5, cps[0].HighestPage)
	assert.Equal(t, 10, cps[1].HighestPage)
	assert.Len(t, cps[1].Records, 10)

	_, err = e.store.Read(ctx, report.Key("events_2019"))
	assert.ErrorIs(t, err, storage.ErrNotExist)
}

func TestResumeFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	// Shard 1 of a (1,10)/2 job already completed pages 1-3; page 2 had failed.
	var prior []records.Record
	for _, p := range []int{1, 3} {
		for _, r := range pageRows(2019, p) {
			r.PageNumber = int32(p)
			prior = append(prior, r)
		}
	}
	require.NoError(t, e.ckpt.Save(ctx, &checkpoint.Checkpoint{
		Year: 2019, ShardID: 1, Start: 1, HighestPage: 3, Records: prior,
	}))

	c := e.coordinator(t, e.store)
	res, err := c.Run(ctx, HarvestJob{Year: 2019, Start: 1, End: 10, Shards: 2})
	require.NoError(t, err)

	assert.Equal(t, []int{4, 5, 6, 7, 8, 9, 10}, e.fake.pages())
	assert.Equal(t, []int{2}, res.Coverage.Missing)
	assert.Equal(t, 9, res.Coverage.Completed)
	assert.Len(t, res.Records, 18)
	assert.True(t, res.Shards[0].Resumed)
	assert.False(t, res.Shards[1].Resumed)
}

func TestStaleCheckpointDiscarded(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	// Left over from a three-shard run: shard 2 started at page 5.
	rows := pageRows(2019, 5)
	for i := range rows {
		rows[i].PageNumber = 5
	}
	require.NoError(t, e.ckpt.Save(ctx, &checkpoint.Checkpoint{
		Year: 2019, ShardID: 2, Start: 5, HighestPage: 5, Records: rows,
	}))

	c := e.coordinator(t, e.store)
	res, err := c.Run(ctx, HarvestJob{Year: 2019, Start: 1, End: 10, Shards: 2})
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, e.fake.pages())
	assert.Empty(t, res.Coverage.Missing)
}

func TestUnreadableCheckpointReplaced(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := newEnv(t)
	bad := "checkpoints/events_2019_shard1_pg1to9.parquet"
	require.NoError(t, e.store.Write(ctx, bad, []byte("not parquet")))

	e.fake.cancel = func(page int) {
		if page == 4 {
			cancel()
		}
	}
	c := e.coordinator(t, e.store)

	_, err := c.Run(ctx, HarvestJob{Year: 2019, Start: 1, End: 10, Shards: 1})
	require.ErrorIs(t, err, context.Canceled)

	ok, err := e.store.Exists(context.Background(), bad)
	require.NoError(t, err)
	assert.False(t, ok)

	cp, err := e.ckpt.Latest(context.Background(), 2019, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, cp.HighestPage)
	assert.Len(t, cp.Records, 6)
}

func TestDuplicatesDropped(t *testing.T) {
	e := newEnv(t)
	// Pages 5 and 6 straddle the shard boundary and list the same events.
	e.fake.rows = func(year, page int) []records.Record {
		if page == 6 {
			return pageRows(year, 5)
		}
		return pageRows(year, page)
	}
	c := e.coordinator(t, e.store)

	res, err := c.Run(context.Background(), HarvestJob{Year: 2019, Start: 1, End: 10, Shards: 2})
	require.NoError(t, err)

	assert.Len(t, res.Duplicates, 2)
	assert.Len(t, res.Records, 18)
	assert.Empty(t, res.Coverage.Missing)

	rep, err := report.NewWriter(e.store).Read(context.Background(), res.ReportKey)
	require.NoError(t, err)
	assert.Equal(t, res.Duplicates, rep.Duplicates)
}

func TestMergeLogsDuplicatesWithRunID(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
	var buf bytes.Buffer
	logging.SetupWriter(logging.Config{Format: "json"}, &buf)

	ctx := logging.WithRunID(context.Background(), "run123")
	results := []ShardResult{
		{Task: ShardTask{Year: 2019, Shard: Shard{ID: 1, Start: 1, End: 1}}, Records: pageRows(2019, 1)},
		{Task: ShardTask{Year: 2019, Shard: Shard{ID: 2, Start: 2, End: 2}}, Records: pageRows(2019, 1)[:1]},
	}

	rows, dups := Merge(ctx, results)
	assert.Len(t, rows, 2)
	require.Len(t, dups, 1)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "dropping duplicate event", line["msg"])
	assert.Equal(t, "merge", line["component"])
	assert.Equal(t, "run123", line["run_id"])
	assert.Equal(t, float64(2), line["shard_id"])
}

func TestMergeCountsRowsSeparately(t *testing.T) {
	m := metrics.InitWith(prometheus.NewRegistry(), "test")
	e := newEnv(t)
	e.fake.rows = func(year, page int) []records.Record {
		if page == 6 {
			return pageRows(year, 5)
		}
		return pageRows(year, page)
	}
	c := e.coordinator(t, e.store)

	_, err := c.Run(context.Background(), HarvestJob{Year: 2019, Start: 1, End: 10, Shards: 2})
	require.NoError(t, err)

	// Decoded records are counted by page acquisition, never by the merge.
	assert.Equal(t, 0.0, testutil.ToFloat64(m.RecordsHarvested.WithLabelValues("2019")))
	assert.Equal(t, 18.0, testutil.ToFloat64(m.RecordsMerged.WithLabelValues("2019")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DuplicateRecords.WithLabelValues("2019")))
}

func TestRunCancelledKeepsCheckpoints(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.fake.cancel = func(page int) {
		if page == 3 {
			cancel()
		}
	}
	c := NewCoordinator(Config{Workers: 1}, e.fake.factory, e.store, e.ckpt, nil)

	_, err := c.Run(ctx, HarvestJob{Year: 2019, Start: 1, End: 10, Shards: 2})
	require.ErrorIs(t, err, context.Canceled)

	cp, err := e.ckpt.Latest(context.Background(), 2019, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, cp.HighestPage)
}

func TestSessionFailureReportsShardAsGap(t *testing.T) {
	e := newEnv(t)
	e.fake.openErr = errors.New("chrome not found")
	c := e.coordinator(t, e.store)

	res, err := c.Run(context.Background(), HarvestJob{Year: 2019, Start: 1, End: 4, Shards: 2})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4}, res.Coverage.Missing)
	assert.Empty(t, res.Records)
	for _, s := range res.Shards {
		assert.Error(t, s.Err)
	}
}

func TestMergeCheckpoints(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	for shard, pages := range map[int][]int{1: {1, 2, 3}, 2: {6, 7}} {
		var rows []records.Record
		for _, p := range pages {
			for _, r := range pageRows(2019, p) {
				r.PageNumber = int32(p)
				rows = append(rows, r)
			}
		}
		require.NoError(t, e.ckpt.Save(ctx, &checkpoint.Checkpoint{
			Year: 2019, ShardID: shard, Start: pages[0], HighestPage: pages[len(pages)-1], Records: rows,
		}))
	}

	c := e.coordinator(t, e.store)
	res, err := c.MergeCheckpoints(ctx, 2019, 2)
	require.NoError(t, err)

	assert.Empty(t, e.fake.pages())
	assert.Equal(t, []int{4, 5, 8, 9, 10}, res.Coverage.Missing)
	assert.Len(t, res.Records, 10)
	assert.Equal(t, "events_2019", res.Name)
}

func TestRunRange(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.fake.exhausted[2] = true
	c := e.coordinator(t, e.store)

	res, err := c.RunRange(ctx, 2018, 2019, 2)
	require.NoError(t, err)

	require.Len(t, res.Jobs, 2)
	assert.Equal(t, "events_fr2018to2019", res.Name)
	assert.Len(t, res.Records, 2*(3+9))
	assert.Equal(t, "2019", res.Records[0].Date[:4])
	assert.Equal(t, "2018", res.Records[len(res.Records)-1].Date[:4])

	rep, err := report.NewWriter(e.store).Read(ctx, res.ReportKey)
	require.NoError(t, err)
	assert.Equal(t, map[int][]int{2018: {2}, 2019: {2}}, rep.Missing())

	ok, err := e.store.Exists(ctx, "outputs/events_fr2018to2019.parquet")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunRangeSingleYear(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	c := e.coordinator(t, e.store)

	res, err := c.RunRange(ctx, 2019, 2019, 2)
	require.NoError(t, err)
	require.Len(t, res.Jobs, 1)
	assert.Equal(t, "events_2019", res.Jobs[0].Name)
	assert.Empty(t, res.Name)
	assert.Empty(t, res.Records)
	assert.Empty(t, res.Outputs)
	assert.Empty(t, res.ReportKey)

	combined, err := e.store.List(ctx, "outputs/events_fr")
	require.NoError(t, err)
	assert.Empty(t, combined)

	reports, err := e.store.List(ctx, "reports/events_fr")
	require.NoError(t, err)
	assert.Empty(t, reports)

	ok, err := e.store.Exists(ctx, "outputs/events_2019.parquet")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunRangeUnknownYear(t *testing.T) {
	e := newEnv(t)
	c := e.coordinator(t, e.store)

	_, err := c.RunRange(context.Background(), 2017, 2019, 2)
	assert.ErrorIs(t, err, catalog.ErrUnknownYear)
}

func TestValidateOutput(t *testing.T) {
	job := HarvestJob{Year: 2019, Start: 1, End: 2, Shards: 1}
	rows := append(pageRows(2019, 1), pageRows(2019, 2)...)
	for i := range rows {
		rows[i].PageNumber = int32(1 + i/2)
	}

	cov := Coverage{Year: 2019, Start: 1, End: 2, Completed: 2}
	result := ValidateOutput(job, rows, cov)
	assert.True(t, result.Passed, "%v", result.Errors)
	assert.Equal(t, int64(4), result.RowCount)

	reversed := []records.Record{rows[2], rows[0]}
	result = ValidateOutput(job, reversed, cov)
	assert.False(t, result.Passed)

	result = ValidateOutput(job, rows, Coverage{Completed: 2, Missing: []int{2}})
	assert.False(t, result.Passed)
}
