package main

import (
	"fmt"
	"math/rand"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/obsrvr-event-harvester/internal/puzzle"
)

var calibrateFlags struct {
	evidenceKey string
	seed        int64
}

var calibrateCmd = &cobra.Command{
	Use:   "calibrate [capture.png | --evidence KEY]",
	Short: "Runs the puzzle solver on a saved capture and prints the offset and drag plan.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		var png []byte
		switch {
		case calibrateFlags.evidenceKey != "":
			capture, err := a.evidence.Load(cmd.Context(), calibrateFlags.evidenceKey)
			if err != nil {
				return err
			}
			png = capture.PNG
		case len(args) == 1:
			if png, err = os.ReadFile(args[0]); err != nil {
				return err
			}
		default:
			return fmt.Errorf("a capture file or --evidence key is required")
		}

		solver := puzzle.NewSolver(a.cfg.Puzzle, seeded(calibrateFlags.seed))
		offset, err := solver.SolveBytes(png)
		if err != nil {
			return err
		}
		plan, err := solver.Plan(offset)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "offset: %.1f px\nhold: %s\n", float64(offset), plan.Hold)
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "step\tdx\tdy\tdelay")
		for i, s := range plan.Steps {
			fmt.Fprintf(tw, "%d\t%.2f\t%.2f\t%s\n", i+1, s.DX, s.DY, s.Delay)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(out, "distance: %.2f px\n", plan.Distance())
		return nil
	},
}

func init() {
	calibrateCmd.Flags().StringVar(&calibrateFlags.evidenceKey, "evidence", "", "Evidence key of a stored capture.")
	calibrateCmd.Flags().Int64Var(&calibrateFlags.seed, "seed", 0, "Seed for jitter and delays (0 = random).")
	rootCmd.AddCommand(calibrateCmd)
}

func seeded(seed int64) *rand.Rand {
	if seed == 0 {
		return nil
	}
	return rand.New(rand.NewSource(seed))
}
