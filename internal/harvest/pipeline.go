package harvest

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/withObsrvr/obsrvr-event-harvester/internal/acquire"
	"github.com/withObsrvr/obsrvr-event-harvester/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-event-harvester/internal/logging"
	"github.com/withObsrvr/obsrvr-event-harvester/internal/metrics"
	"github.com/withObsrvr/obsrvr-event-harvester/internal/records"
)

// Pipeline implements the dispatcher → workers → collector flow.
// Workers harvest shards in parallel; the collector joins every result
// before anything is merged.
type Pipeline struct {
	sessions    SessionFactory
	checkpoints checkpoint.Manager
	workers     int
	log         *slog.Logger

	workQueue  chan ShardTask
	resultChan chan ShardResult
	wg         sync.WaitGroup
	inFlight   atomic.Int64
}

// NewPipeline creates a worker pipeline. A worker count below one means one
// worker per task.
func NewPipeline(sessions SessionFactory, checkpoints checkpoint.Manager, workers int) *Pipeline {
	if checkpoints == nil {
		checkpoints = checkpoint.NewManager(checkpoint.Config{}, nil)
	}
	return &Pipeline{
		sessions:    sessions,
		checkpoints: checkpoints,
		workers:     workers,
		log:         logging.Component("pipeline"),
	}
}

// Run harvests every shard of year and returns one result per shard, ordered
// by shard id. It returns early only when ctx ends; results of shards that
// never ran carry their whole range as gaps.
func (p *Pipeline) Run(ctx context.Context, year int, shards []Shard) []ShardResult {
	if len(shards) == 0 {
		return nil
	}

	workers := p.workers
	if workers < 1 || workers > len(shards) {
		workers = len(shards)
	}
	p.workQueue = make(chan ShardTask, len(shards))
	p.resultChan = make(chan ShardResult, len(shards))

	p.log.Info("starting harvest", "run_id", logging.RunID(ctx), "year", year, "shards", len(shards), "workers", workers)

	// Start worker pool
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(ctx, i)
	}

	// Start dispatcher
	go p.dispatcherLoop(ctx, year, shards)

	// Close results when workers finish
	go func() {
		p.wg.Wait()
		close(p.resultChan)
	}()

	return p.collectorLoop(year, shards)
}

// dispatcherLoop sends shard tasks to workers.
func (p *Pipeline) dispatcherLoop(ctx context.Context, year int, shards []Shard) {
	defer close(p.workQueue)

	for _, s := range shards {
		select {
		case <-ctx.Done():
			return
		case p.workQueue <- ShardTask{Year: year, Shard: s}:
		}
	}
}

// workerLoop processes shard tasks with one session for its lifetime.
func (p *Pipeline) workerLoop(ctx context.Context, workerID int) {
	defer p.wg.Done()

	log := logging.WorkerLogger(ctx, workerID)
	var session Session
	defer func() {
		if session != nil {
			if err := session.Close(); err != nil {
				log.Warn("failed to close session", "error", err)
			}
		}
	}()

	for task := range p.workQueue {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if session == nil {
			s, err := p.sessions(ctx, workerID)
			if err != nil {
				log.Error("failed to open session", "error", err)
				p.resultChan <- ShardResult{Task: task, Gaps: pageRange(task.Shard.Start, task.Shard.End), Err: err}
				continue
			}
			session = s
		}

		p.resultChan <- p.processShard(ctx, workerID, session, task)
	}
}

// processShard harvests the shard's pages in increasing order, resuming
// after the shard's latest checkpoint.
func (p *Pipeline) processShard(ctx context.Context, workerID int, session Session, task ShardTask) ShardResult {
	shard := task.Shard
	log := logging.ShardLogger(ctx, task.Year, shard.ID, shard.Start, shard.End).With("worker_id", workerID)

	startTime := time.Now()
	p.trackInFlight(1)
	defer p.trackInFlight(-1)

	result := ShardResult{Task: task}
	next := shard.Start

	// Step 1: Resume from checkpoint
	cp, err := p.checkpoints.Latest(ctx, task.Year, shard.ID)
	switch {
	case err == nil && cp.Start == shard.Start && cp.HighestPage <= shard.End:
		result.Records = cp.Records
		result.Gaps = cp.Missing()
		for pg := range cp.Completed() {
			result.Completed = append(result.Completed, pg)
		}
		sort.Ints(result.Completed)
		result.Resumed = true
		next = cp.HighestPage + 1
		log.Info("resuming from checkpoint", "highest_page", cp.HighestPage,
			"records", len(cp.Records), "gaps", len(result.Gaps))
	case err == nil:
		log.Warn("discarding checkpoint from a different partitioning",
			"checkpoint_start", cp.Start, "checkpoint_highest", cp.HighestPage)
		if err := p.checkpoints.Delete(ctx, task.Year, shard.ID); err != nil {
			log.Warn("failed to delete stale checkpoint", "error", err)
		}
	case !errors.Is(err, checkpoint.ErrNoCheckpoint):
		// An unreadable checkpoint would otherwise block every save below its page.
		log.Warn("failed to load checkpoint, starting fresh", "error", err)
		if err := p.checkpoints.Delete(ctx, task.Year, shard.ID); err != nil {
			log.Warn("failed to delete unreadable checkpoint", "error", err)
		}
	}

	acq := session.Acquirer(task.Year, shard.ID)

	// Step 2: Pages in order
	for page := next; page <= shard.End; page++ {
		out := acq.Acquire(ctx, page)

		if ctx.Err() != nil {
			log.Warn("shard interrupted", "page", page)
			result.Gaps = append(result.Gaps, pageRange(page, shard.End)...)
			result.Err = ctx.Err()
			break
		}

		if out.Kind != acquire.OutcomeSuccess {
			log.Warn("page recorded as gap", "page", page, "trials", out.Trials, "error", out.Err)
			result.Gaps = append(result.Gaps, page)
			continue
		}

		for i := range out.Records {
			out.Records[i].PageNumber = int32(page)
		}
		result.Records = append(result.Records, out.Records...)
		result.Completed = append(result.Completed, page)

		// Step 3: Checkpoint supersedes the previous one
		p.saveCheckpoint(ctx, log, task, page, result.Records)
	}

	result.Duration = time.Since(startTime)
	log.Info("shard finished", "records", len(result.Records), "completed", len(result.Completed),
		"gaps", len(result.Gaps), "duration_ms", result.Duration.Milliseconds())

	if m := metrics.Get(); m != nil {
		m.ObserveShardDuration(task.Year, result.Duration.Seconds())
	}
	return result
}

func (p *Pipeline) saveCheckpoint(ctx context.Context, log *slog.Logger, task ShardTask, page int, rows []records.Record) {
	cp := &checkpoint.Checkpoint{
		Year:        task.Year,
		ShardID:     task.Shard.ID,
		Start:       task.Shard.Start,
		HighestPage: page,
		Records:     rows,
	}
	if err := p.checkpoints.Save(ctx, cp); err != nil {
		log.Warn("failed to save checkpoint", "page", page, "error", err)
		if m := metrics.Get(); m != nil {
			m.IncStorageErrors("checkpoint")
		}
		return
	}
	if m := metrics.Get(); m != nil {
		m.IncCheckpointWrites(task.Year)
		m.SetLastPage(task.Year, task.Shard.ID, page)
	}
}

// collectorLoop joins every worker result. Shards that were never dispatched
// are reported with their full range missing.
func (p *Pipeline) collectorLoop(year int, shards []Shard) []ShardResult {
	byID := make(map[int]ShardResult, len(shards))
	for result := range p.resultChan {
		byID[result.Task.Shard.ID] = result
		p.log.Debug("shard result collected", "shard_id", result.Task.Shard.ID,
			"collected", len(byID), "total", len(shards))
	}

	out := make([]ShardResult, 0, len(shards))
	for _, s := range shards {
		r, ok := byID[s.ID]
		if !ok {
			r = ShardResult{
				Task: ShardTask{Year: year, Shard: s},
				Gaps: pageRange(s.Start, s.End),
				Err:  context.Canceled,
			}
		}
		out = append(out, r)
	}
	return out
}

func (p *Pipeline) trackInFlight(delta int64) {
	n := p.inFlight.Add(delta)
	if m := metrics.Get(); m != nil {
		m.SetInFlightShards(float64(n))
	}
}

func pageRange(start, end int) []int {
	if end < start {
		return nil
	}
	out := make([]int, 0, end-start+1)
	for p := start; p <= end; p++ {
		out = append(out, p)
	}
	return out
}
