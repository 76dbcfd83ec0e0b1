package harvest

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/withObsrvr/obsrvr-event-harvester/internal/logging"
	"github.com/withObsrvr/obsrvr-event-harvester/internal/records"
)

// Merge concatenates shard records in shard order, drops rows whose event id
// was already seen and sorts the rest newest first. It returns the dropped ids.
func Merge(ctx context.Context, results []ShardResult) ([]records.Record, []string) {
	log := logging.FromContext(ctx).With("component", "merge")
	total := 0
	for _, r := range results {
		total += len(r.Records)
	}

	seen := make(map[string]bool, total)
	rows := make([]records.Record, 0, total)
	var dups []string
	for _, r := range results {
		for _, rec := range r.Records {
			if seen[rec.EventID] {
				log.Warn("dropping duplicate event",
					"event_id", rec.EventID,
					"shard_id", r.Task.Shard.ID,
					"page", rec.PageNumber)
				dups = append(dups, rec.EventID)
				continue
			}
			seen[rec.EventID] = true
			rows = append(rows, rec)
		}
	}

	records.SortByDateDesc(rows)
	return rows, dups
}

// BuildCoverage summarizes which pages of the job were harvested.
func BuildCoverage(job HarvestJob, results []ShardResult, rows int) Coverage {
	c := Coverage{Year: job.Year, Start: job.Start, End: job.End, Records: rows}
	for _, r := range results {
		c.Completed += len(r.Completed)
		c.Missing = append(c.Missing, r.Gaps...)
	}
	sort.Ints(c.Missing)
	return c
}

// ValidationResult contains the outcome of output validation.
type ValidationResult struct {
	Passed   bool
	Errors   []string
	Warnings []string
	RowCount int64
}

// ValidateOutput performs quality checks on merged rows before they are written.
// This validates:
// - Shard accounting (every page completed or missing, never both)
// - Page numbers within the job range
// - Event id uniqueness
// - Newest-first ordering
// - Field formats (reported as warnings)
func ValidateOutput(job HarvestJob, rows []records.Record, cov Coverage) ValidationResult {
	result := ValidationResult{
		Passed:   true,
		RowCount: int64(len(rows)),
	}

	// Check 1: Page accounting
	if got := cov.Completed + len(cov.Missing); got != job.Pages() {
		result.Errors = append(result.Errors,
			fmt.Sprintf("page accounting mismatch: %d completed + %d missing, expected %d (range %d-%d)",
				cov.Completed, len(cov.Missing), job.Pages(), job.Start, job.End))
		result.Passed = false
	}

	missing := make(map[int]bool, len(cov.Missing))
	for _, p := range cov.Missing {
		missing[p] = true
	}

	seen := make(map[string]bool, len(rows))
	for i, r := range rows {
		page := int(r.PageNumber)

		// Check 2: Page range
		if page < job.Start || page > job.End {
			result.Errors = append(result.Errors,
				fmt.Sprintf("event %s on page %d outside job range %d-%d", r.EventID, page, job.Start, job.End))
			result.Passed = false
		}

		// Check 3: No rows from a missing page
		if missing[page] {
			result.Errors = append(result.Errors,
				fmt.Sprintf("event %s on page %d which is reported missing", r.EventID, page))
			result.Passed = false
		}

		// Check 4: Uniqueness
		if seen[r.EventID] {
			result.Errors = append(result.Errors, fmt.Sprintf("duplicate event id %s", r.EventID))
			result.Passed = false
		}
		seen[r.EventID] = true

		// Check 5: Ordering
		if i > 0 && strings.Compare(rows[i-1].Date, r.Date) < 0 {
			result.Errors = append(result.Errors,
				fmt.Sprintf("rows out of order at %d: %s before %s", i, rows[i-1].Date, r.Date))
			result.Passed = false
		}

		// Check 6: Field formats
		if err := r.Validate(); err != nil {
			result.Warnings = append(result.Warnings, err.Error())
		}
	}

	// Check 7: Empty output
	if len(rows) == 0 {
		result.Warnings = append(result.Warnings, "no rows harvested")
	}

	return result
}
