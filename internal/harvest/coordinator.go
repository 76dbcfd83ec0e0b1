package harvest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/obsrvr-event-harvester/internal/catalog"
	"github.com/withObsrvr/obsrvr-event-harvester/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-event-harvester/internal/logging"
	"github.com/withObsrvr/obsrvr-event-harvester/internal/metrics"
	"github.com/withObsrvr/obsrvr-event-harvester/internal/records"
	"github.com/withObsrvr/obsrvr-event-harvester/internal/report"
	"github.com/withObsrvr/obsrvr-event-harvester/internal/storage"
)

const outputDir = "outputs/"

// Config configures the coordinator.
type Config struct {
	Workers  int
	Formats  []records.Format
	Producer report.ProducerInfo
}

// Coordinator runs harvest jobs end to end: partition, harvest, merge,
// write outputs and report.
type Coordinator struct {
	cfg         Config
	sessions    SessionFactory
	store       storage.Store
	checkpoints checkpoint.Manager
	catalog     *catalog.Catalog
	reports     *report.Writer
	log         *slog.Logger
}

// NewCoordinator creates a coordinator. A nil catalog falls back to the
// built-in page counts.
func NewCoordinator(cfg Config, sessions SessionFactory, store storage.Store, checkpoints checkpoint.Manager, cat *catalog.Catalog) *Coordinator {
	if len(cfg.Formats) == 0 {
		cfg.Formats = []records.Format{records.FormatParquet}
	}
	if checkpoints == nil {
		checkpoints = checkpoint.NewManager(checkpoint.Config{}, nil)
	}
	if cat == nil {
		cat = catalog.Default()
	}
	return &Coordinator{
		cfg:         cfg,
		sessions:    sessions,
		store:       store,
		checkpoints: checkpoints,
		catalog:     cat,
		reports:     report.NewWriter(store),
		log:         logging.Component("coordinator"),
	}
}

// OutputName returns the base name of a job's output. Jobs covering a whole
// catalogued year are named after the year only.
func (c *Coordinator) OutputName(job HarvestJob) string {
	if total, err := c.catalog.Pages(job.Year); err == nil && job.Start == 1 && job.End == total {
		return fmt.Sprintf("events_%d", job.Year)
	}
	return fmt.Sprintf("events_%d_pg%dto%d", job.Year, job.Start, job.End)
}

// Run harvests one job. Shard checkpoints are deleted only after the output
// and report are written; on any earlier failure they remain for resume.
func (c *Coordinator) Run(ctx context.Context, job HarvestJob) (*JobResult, error) {
	ctx = logging.EnsureRunID(ctx)

	// Step 1: Partition
	shards, err := Partition(job)
	if err != nil {
		return nil, err
	}
	if err := VerifyTiling(job, shards); err != nil {
		return nil, err
	}

	log := c.log.With("run_id", logging.RunID(ctx), "year", job.Year, "page_start", job.Start, "page_end", job.End)
	log.Info("starting job", "shards", len(shards))

	// Step 2: Harvest
	results := NewPipeline(c.sessions, c.checkpoints, c.cfg.Workers).Run(ctx, job.Year, shards)
	if err := ctx.Err(); err != nil {
		log.Warn("job interrupted, checkpoints kept for resume")
		return nil, err
	}

	var workerErrs []error
	for _, r := range results {
		if r.Err != nil {
			workerErrs = append(workerErrs, fmt.Errorf("shard %d: %w", r.Task.Shard.ID, r.Err))
		}
	}

	res, err := c.finish(ctx, job, results)
	if err != nil {
		return nil, err
	}
	if len(workerErrs) > 0 {
		log.Warn("some shards failed", "error", errors.Join(workerErrs...))
	}
	return res, nil
}

// MergeCheckpoints folds the stored checkpoints of a year into an output
// without acquiring any page. Pages beyond each checkpoint are reported
// missing.
func (c *Coordinator) MergeCheckpoints(ctx context.Context, year, shardCount int) (*JobResult, error) {
	ctx = logging.EnsureRunID(ctx)
	total, err := c.catalog.Pages(year)
	if err != nil {
		return nil, err
	}
	job := HarvestJob{Year: year, Start: 1, End: total, Shards: shardCount}
	shards, err := Partition(job)
	if err != nil {
		return nil, err
	}

	cps, err := c.checkpoints.List(ctx, year)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	byShard := make(map[int]*checkpoint.Checkpoint, len(cps))
	for _, cp := range cps {
		byShard[cp.ShardID] = cp
	}

	results := make([]ShardResult, 0, len(shards))
	for _, s := range shards {
		r := ShardResult{Task: ShardTask{Year: year, Shard: s}}
		cp, ok := byShard[s.ID]
		if !ok || cp.Start != s.Start || cp.HighestPage > s.End {
			if ok {
				c.log.Warn("checkpoint does not match shard", "shard_id", s.ID,
					"checkpoint_start", cp.Start, "shard_start", s.Start)
			}
			r.Gaps = pageRange(s.Start, s.End)
			results = append(results, r)
			continue
		}
		r.Records = cp.Records
		r.Resumed = true
		for p := range cp.Completed() {
			r.Completed = append(r.Completed, p)
		}
		sort.Ints(r.Completed)
		r.Gaps = append(cp.Missing(), pageRange(cp.HighestPage+1, s.End)...)
		results = append(results, r)
	}

	return c.finish(ctx, job, results)
}

// finish merges shard results, validates and persists them.
func (c *Coordinator) finish(ctx context.Context, job HarvestJob, results []ShardResult) (*JobResult, error) {
	name := c.OutputName(job)
	log := c.log.With("run_id", logging.RunID(ctx), "output", name)
	start := time.Now()

	// Step 3: Merge
	rows, dups := Merge(ctx, results)
	cov := BuildCoverage(job, results, len(rows))

	if m := metrics.Get(); m != nil {
		m.AddRecordsMerged(job.Year, len(rows))
		m.AddDuplicateRecords(job.Year, len(dups))
	}

	// Step 4: Validate
	validation := ValidateOutput(job, rows, cov)
	for _, w := range validation.Warnings {
		log.Debug("validation warning", "warning", w)
	}
	if !validation.Passed {
		return nil, fmt.Errorf("output validation failed: %v", validation.Errors)
	}

	// Step 5: Write outputs
	outputs, err := c.writeOutputs(ctx, name, rows)
	if err != nil {
		log.Error("failed to write output, checkpoints kept", "error", err)
		return nil, err
	}

	// Step 6: Write report
	rep := report.New(name, c.cfg.Producer)
	rep.Coverage = []Coverage{cov}
	rep.Outputs = outputs
	rep.Duplicates = dups
	reportKey, err := c.reports.Write(ctx, rep)
	if err != nil {
		log.Error("failed to write report, checkpoints kept", "error", err)
		return nil, err
	}

	// Step 7: Remove checkpoints. A shard whose worker never started may
	// still hold one from an earlier run.
	for _, r := range results {
		if r.Err != nil && !r.Resumed && len(r.Completed) == 0 {
			continue
		}
		if err := c.checkpoints.Delete(ctx, job.Year, r.Task.Shard.ID); err != nil {
			log.Warn("failed to delete checkpoint", "shard_id", r.Task.Shard.ID, "error", err)
		}
	}

	if m := metrics.Get(); m != nil {
		m.ObserveMergeDuration(job.Year, time.Since(start).Seconds())
	}

	if cov.Complete() {
		log.Info("job complete", "records", len(rows), "pages", cov.Completed)
	} else {
		log.Warn("job finished with missing pages",
			"records", len(rows),
			"pages", cov.Completed,
			"missing", report.FormatPages(cov.Missing))
	}

	return &JobResult{
		Job:        job,
		Name:       name,
		Records:    rows,
		Coverage:   cov,
		Duplicates: dups,
		Validation: validation,
		Outputs:    outputs,
		ReportKey:  reportKey,
		Shards:     results,
	}, nil
}

// writeOutputs encodes rows in every configured format concurrently.
func (c *Coordinator) writeOutputs(ctx context.Context, name string, rows []records.Record) ([]report.OutputInfo, error) {
	outputs := make([]report.OutputInfo, len(c.cfg.Formats))

	g, gctx := errgroup.WithContext(ctx)
	for i, f := range c.cfg.Formats {
		g.Go(func() error {
			data, err := records.Encode(rows, f)
			if err != nil {
				return fmt.Errorf("encode %s: %w", f, err)
			}
			key := outputDir + name + f.Ext()
			if err := c.store.Write(gctx, key, data); err != nil {
				if m := metrics.Get(); m != nil {
					m.IncStorageErrors("output")
				}
				return fmt.Errorf("write %s: %w", key, err)
			}
			outputs[i] = report.OutputInfo{
				Key:      key,
				URI:      c.store.URI(key),
				Format:   string(f),
				Checksum: records.ComputeChecksum(data),
				RowCount: int64(len(rows)),
				ByteSize: int64(len(data)),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outputs, nil
}

// RunRange harvests every year in [from, to] in turn. When more than one
// year is requested it then writes one combined output sorted newest first;
// a single year only produces its own job output. A failed year does not
// stop the remaining ones; its error is returned joined with the others.
func (c *Coordinator) RunRange(ctx context.Context, from, to, shardCount int) (*RangeResult, error) {
	ctx = logging.EnsureRunID(ctx)
	entries, err := c.catalog.Span(from, to)
	if err != nil {
		return nil, err
	}
	if from > to {
		from, to = to, from
	}

	res := &RangeResult{From: from, To: to}
	var errs []error
	for _, e := range entries {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		jr, err := c.Run(ctx, HarvestJob{Year: e.Year, Start: 1, End: e.Pages, Shards: shardCount})
		if err != nil {
			c.log.Error("year failed", "year", e.Year, "error", err)
			errs = append(errs, fmt.Errorf("year %d: %w", e.Year, err))
			continue
		}
		res.Jobs = append(res.Jobs, jr)
	}
	if len(res.Jobs) == 0 || len(entries) == 1 {
		return res, errors.Join(errs...)
	}
	res.Name = fmt.Sprintf("events_fr%dto%d", from, to)

	// Years are disjoint in date, so a stable sort keeps each year's order.
	var coverage []Coverage
	for _, jr := range res.Jobs {
		res.Records = append(res.Records, jr.Records...)
		coverage = append(coverage, jr.Coverage)
	}
	records.SortByDateDesc(res.Records)

	outputs, err := c.writeOutputs(ctx, res.Name, res.Records)
	if err != nil {
		return res, errors.Join(append(errs, err)...)
	}
	res.Outputs = outputs

	rep := report.New(res.Name, c.cfg.Producer)
	rep.Coverage = coverage
	rep.Outputs = outputs
	key, err := c.reports.Write(ctx, rep)
	if err != nil {
		return res, errors.Join(append(errs, err)...)
	}
	res.ReportKey = key

	return res, errors.Join(errs...)
}
