// Package report writes coverage reports for harvest jobs. Reports of the same
// output are hash-chained across runs so a rewritten output is detectable.
package report

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/withObsrvr/obsrvr-event-harvester/internal/storage"
)

// Version is the report format version.
const Version = "1.0"

const dir = "reports/"

// Report describes what one harvest run produced and which pages it could not.
type Report struct {
	Version   string    `json:"version"`
	ReportID  string    `json:"report_id"`
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`

	Coverage   []Coverage   `json:"coverage"`
	Outputs    []OutputInfo `json:"outputs"`
	Duplicates []string     `json:"duplicate_event_ids,omitempty"`
	Producer   ProducerInfo `json:"producer"`
	Chain      ChainInfo    `json:"chain"`
}

// Coverage is the completeness of one job.
type Coverage struct {
	Year      int   `json:"year"`
	Start     int   `json:"page_start"`
	End       int   `json:"page_end"`
	Completed int   `json:"pages_completed"`
	Records   int   `json:"records"`
	Missing   []int `json:"missing_pages"`
}

// Complete reports whether every page of the job was harvested.
func (c Coverage) Complete() bool {
	return len(c.Missing) == 0
}

// OutputInfo identifies the written output file.
type OutputInfo struct {
	Key      string `json:"key"`
	URI      string `json:"uri"`
	Format   string `json:"format"`
	Checksum string `json:"checksum"`
	RowCount int64  `json:"row_count"`
	ByteSize int64  `json:"byte_size"`
}

// ProducerInfo identifies the software that produced the data.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitSHA  string `json:"git_sha"`
}

// ChainInfo links a report to the previous report of the same output.
type ChainInfo struct {
	PrevReportHash string `json:"prev_report_hash"`
	ReportHash     string `json:"report_hash"`
}

// New creates a report with a fresh id.
func New(name string, producer ProducerInfo) *Report {
	return &Report{
		Version:   Version,
		ReportID:  uuid.NewString(),
		Name:      name,
		Timestamp: time.Now().UTC(),
		Producer:  producer,
	}
}

// Missing returns every missing page across all coverage entries, keyed by year.
func (r *Report) Missing() map[int][]int {
	out := make(map[int][]int)
	for _, c := range r.Coverage {
		if len(c.Missing) > 0 {
			out[c.Year] = append(out[c.Year], c.Missing...)
		}
	}
	return out
}

// Key returns the storage key for a report name.
func Key(name string) string {
	return dir + name + "_coverage.json"
}

// ComputeHash computes the SHA256 hash of a report.
// The hash is computed over the JSON representation, excluding the
// report_hash field itself.
func ComputeHash(r *Report) string {
	cp := *r
	cp.Chain.ReportHash = ""

	canonical, err := json.Marshal(cp)
	if err != nil {
		return ""
	}

	hash := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(hash[:])
}

// Verify reports whether a report's hash matches its content.
func Verify(r *Report) bool {
	return r.Chain.ReportHash != "" && ComputeHash(r) == r.Chain.ReportHash
}

// Writer persists reports to a store.
type Writer struct {
	store  storage.Store
	logger *slog.Logger
}

// NewWriter creates a report writer.
func NewWriter(store storage.Store) *Writer {
	return &Writer{store: store, logger: slog.With("component", "report")}
}

// Write chains r onto the previous report of the same name and stores it.
func (w *Writer) Write(ctx context.Context, r *Report) (string, error) {
	key := Key(r.Name)

	prev, err := w.Read(ctx, key)
	switch {
	case err == nil:
		r.Chain.PrevReportHash = prev.Chain.ReportHash
	case errors.Is(err, storage.ErrNotExist):
		r.Chain.PrevReportHash = ""
	default:
		return "", err
	}
	r.Chain.ReportHash = ComputeHash(r)

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}
	if err := w.store.Write(ctx, key, data); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}

	w.logger.Info("coverage report written", "key", key, "report_id", r.ReportID,
		"outputs", len(r.Outputs), "missing", len(r.Missing()))
	return key, nil
}

// Read loads a report.
func (w *Writer) Read(ctx context.Context, key string) (*Report, error) {
	data, err := w.store.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse report %s: %w", key, err)
	}
	return &r, nil
}

// FormatPages renders pages as compact ranges, e.g. "3, 7-9, 12".
func FormatPages(pages []int) string {
	if len(pages) == 0 {
		return ""
	}
	var parts []string
	start, prev := pages[0], pages[0]
	flush := func() {
		if start == prev {
			parts = append(parts, strconv.Itoa(start))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", start, prev))
		}
	}
	for _, p := range pages[1:] {
		if p == prev+1 {
			prev = p
			continue
		}
		flush()
		start, prev = p, p
	}
	flush()
	return strings.Join(parts, ", ")
}
