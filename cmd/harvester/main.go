package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/obsrvr-event-harvester/internal/browser"
	"github.com/withObsrvr/obsrvr-event-harvester/internal/catalog"
	"github.com/withObsrvr/obsrvr-event-harvester/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-event-harvester/internal/config"
	"github.com/withObsrvr/obsrvr-event-harvester/internal/evidence"
	"github.com/withObsrvr/obsrvr-event-harvester/internal/harvest"
	"github.com/withObsrvr/obsrvr-event-harvester/internal/logging"
	"github.com/withObsrvr/obsrvr-event-harvester/internal/metrics"
	"github.com/withObsrvr/obsrvr-event-harvester/internal/report"
	"github.com/withObsrvr/obsrvr-event-harvester/internal/storage"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "harvester",
	Short:         "Harvests the investment event listing into tabular files.",
	Version:       fmt.Sprintf("%s (%s)", Version, GitSHA),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("HARVEST_CONFIG"), "Path to a YAML config file.")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app holds everything a command needs. close releases it in reverse order.
type app struct {
	cfg         *config.Config
	store       *storage.BlobStore
	checkpoints checkpoint.Manager
	evidence    *evidence.Recorder
	catalog     *catalog.Catalog
}

// setup loads configuration and opens storage.
func setup(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logging.Setup(cfg.Logging)
	slog.Info("event harvester", "version", Version, "git_sha", GitSHA)

	if cfg.Metrics.Enabled {
		metrics.Init("")
		go func() {
			slog.Info("metrics server listening", "address", cfg.Metrics.Address)
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				slog.Error("metrics server stopped", "error", err)
			}
		}()
	}

	cat := catalog.Default()
	if cfg.Catalog.Path != "" {
		if cat, err = catalog.Load(cfg.Catalog.Path); err != nil {
			return nil, err
		}
	}

	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	rec, err := evidence.NewRecorder(cfg.Evidence, store)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create evidence recorder: %w", err)
	}

	return &app{
		cfg:         cfg,
		store:       store,
		checkpoints: checkpoint.NewManager(cfg.Checkpoint, store),
		evidence:    rec,
		catalog:     cat,
	}, nil
}

func (a *app) close() {
	a.evidence.Close()
	if err := a.store.Close(); err != nil {
		slog.Warn("failed to close storage", "error", err)
	}
}

// coordinator wires browser sessions into a coordinator. workers overrides
// the configured worker count when positive.
func (a *app) coordinator(workers int) (*harvest.Coordinator, error) {
	formats, err := a.cfg.Output.ParsedFormats()
	if err != nil {
		return nil, err
	}
	if workers <= 0 {
		workers = a.cfg.Job.Workers
	}

	sessions := harvest.BrowserSessions(harvest.SessionDeps{
		Open:        browser.ChromeFactory(a.cfg.Browser),
		Acquire:     a.cfg.Acquire,
		Calibration: a.cfg.Puzzle,
		Decoder:     a.cfg.Glyph.Decoder(),
		Evidence:    a.evidence,
	})

	return harvest.NewCoordinator(harvest.Config{
		Workers:  workers,
		Formats:  formats,
		Producer: report.ProducerInfo{Name: "event-harvester", Version: Version, GitSHA: GitSHA},
	}, sessions, a.store, a.checkpoints, a.catalog), nil
}

func logJob(res *harvest.JobResult) {
	attrs := []any{
		"year", res.Job.Year,
		"records", len(res.Records),
		"pages_completed", res.Coverage.Completed,
		"duplicates", len(res.Duplicates),
		"report", res.ReportKey,
	}
	for _, o := range res.Outputs {
		attrs = append(attrs, "output_"+o.Format, o.URI)
	}
	if !res.Coverage.Complete() {
		attrs = append(attrs, "missing_pages", report.FormatPages(res.Coverage.Missing))
		slog.Warn("job finished with gaps", attrs...)
		return
	}
	slog.Info("job finished", attrs...)
}
