package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/obsrvr-event-harvester/internal/harvest"
	"github.com/withObsrvr/obsrvr-event-harvester/internal/report"
)

var harvestFlags struct {
	from    int
	to      int
	shards  int
	workers int
	start   int
	end     int
}

var harvestCmd = &cobra.Command{
	Use:   "harvest [--from YEAR] [--to YEAR] [--shards N] [--start PAGE --end PAGE]",
	Short: "Harvests one or more years of the listing.",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		f := harvestFlags
		if f.from == 0 {
			f.from = a.cfg.Job.FromYear
		}
		if f.to == 0 {
			f.to = f.from
			if !cmd.Flags().Changed("from") {
				f.to = a.cfg.Job.ToYear
			}
		}
		if f.shards == 0 {
			f.shards = a.cfg.Job.Shards
		}

		c, err := a.coordinator(f.workers)
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		// A page window only makes sense within one year.
		if f.start > 0 || f.end > 0 {
			if f.from != f.to {
				return fmt.Errorf("--start/--end require a single year, got %d-%d", f.from, f.to)
			}
			total, err := a.catalog.Pages(f.from)
			if err != nil {
				return err
			}
			job := harvest.HarvestJob{Year: f.from, Start: f.start, End: f.end, Shards: f.shards}
			if job.Start == 0 {
				job.Start = 1
			}
			if job.End == 0 {
				job.End = total
			}
			res, err := c.Run(ctx, job)
			if err != nil {
				return err
			}
			logJob(res)
			return nil
		}

		res, err := c.RunRange(ctx, f.from, f.to, f.shards)
		if res != nil {
			for _, jr := range res.Jobs {
				logJob(jr)
			}
			if res.ReportKey != "" {
				slog.Info("range finished", "output", res.Name, "records", len(res.Records), "report", res.ReportKey)
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("interrupted, checkpoints kept for resume")
			}
			return err
		}
		return nil
	},
}

var mergeFlags struct {
	year   int
	shards int
}

var mergeCmd = &cobra.Command{
	Use:   "merge --year YEAR [--shards N]",
	Short: "Folds a year's stored checkpoints into an output without scraping.",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		shards := mergeFlags.shards
		if shards == 0 {
			shards = a.cfg.Job.Shards
		}
		c, err := a.coordinator(0)
		if err != nil {
			return err
		}

		res, err := c.MergeCheckpoints(cmd.Context(), mergeFlags.year, shards)
		if err != nil {
			return err
		}
		logJob(res)
		if !res.Coverage.Complete() {
			fmt.Fprintf(cmd.OutOrStdout(), "missing pages: %s\n", report.FormatPages(res.Coverage.Missing))
		}
		return nil
	},
}

func init() {
	fl := harvestCmd.Flags()
	fl.IntVar(&harvestFlags.from, "from", 0, "First year to harvest (default from config).")
	fl.IntVar(&harvestFlags.to, "to", 0, "Last year to harvest (default --from, or config).")
	fl.IntVar(&harvestFlags.shards, "shards", 0, "Shards per year (default from config).")
	fl.IntVar(&harvestFlags.workers, "workers", 0, "Concurrent browser sessions (default one per shard).")
	fl.IntVar(&harvestFlags.start, "start", 0, "First page of a single-year window.")
	fl.IntVar(&harvestFlags.end, "end", 0, "Last page of a single-year window.")
	rootCmd.AddCommand(harvestCmd)

	mergeCmd.Flags().IntVar(&mergeFlags.year, "year", 0, "Year whose checkpoints to merge.")
	mergeCmd.Flags().IntVar(&mergeFlags.shards, "shards", 0, "Shard count the checkpoints were written with.")
	mergeCmd.MarkFlagRequired("year")
	rootCmd.AddCommand(mergeCmd)
}
