// Package harvest splits a year's listing into shards, harvests them with a
// pool of isolated workers and merges the result.
package harvest

import (
	"errors"
	"fmt"
	"time"

	"github.com/withObsrvr/obsrvr-event-harvester/internal/records"
	"github.com/withObsrvr/obsrvr-event-harvester/internal/report"
)

// ErrInvalidJob is returned for a job whose fields are out of range.
var ErrInvalidJob = errors.New("invalid harvest job")

// HarvestJob is one year of pages split across Shards workers.
type HarvestJob struct {
	Year   int
	Start  int
	End    int
	Shards int
}

// Validate checks the job's bounds.
func (j HarvestJob) Validate() error {
	switch {
	case j.Year <= 0:
		return fmt.Errorf("%w: year %d", ErrInvalidJob, j.Year)
	case j.Start < 1:
		return fmt.Errorf("%w: start page %d", ErrInvalidJob, j.Start)
	case j.End < j.Start:
		return fmt.Errorf("%w: end page %d before start page %d", ErrInvalidJob, j.End, j.Start)
	case j.Shards < 1:
		return fmt.Errorf("%w: shard count %d", ErrInvalidJob, j.Shards)
	}
	return nil
}

// Pages returns the number of pages in the job.
func (j HarvestJob) Pages() int {
	return j.End - j.Start + 1
}

// Shard is a contiguous page range owned by one worker.
type Shard struct {
	ID    int // 1-based
	Start int
	End   int
}

// Pages returns the number of pages in the shard.
func (s Shard) Pages() int {
	return s.End - s.Start + 1
}

// ShardTask is sent to workers for processing.
type ShardTask struct {
	Year  int
	Shard Shard
}

// ShardResult is returned from workers to the collector.
type ShardResult struct {
	Task      ShardTask
	Records   []records.Record
	Completed []int // pages harvested, ascending
	Gaps      []int // pages that exhausted retries or were never reached, ascending
	Resumed   bool  // started from a checkpoint
	Duration  time.Duration
	Err       error // worker-level failure; the shard's unreached pages are in Gaps
}

// Coverage is the completeness of one job.
type Coverage = report.Coverage

// JobResult is the outcome of a harvest job.
type JobResult struct {
	Job        HarvestJob
	Name       string
	Records    []records.Record
	Coverage   Coverage
	Duplicates []string
	Validation ValidationResult
	Outputs    []report.OutputInfo
	ReportKey  string
	Shards     []ShardResult
}

// RangeResult is the outcome of a multi-year run.
type RangeResult struct {
	From      int
	To        int
	Name      string
	Jobs      []*JobResult
	Records   []records.Record
	Outputs   []report.OutputInfo
	ReportKey string
}
