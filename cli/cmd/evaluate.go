package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate release conditions once",
	Long: `Run a single pass over all active testaments against the configured store
and release those whose owners have been inactive past their threshold.
Useful from cron when the server is not running.`,
	RunE: runEvaluate,
}

func init() {
	rootCmd.AddCommand(evaluateCmd)
}

func runEvaluate(cmd *cobra.Command, _ []string) error {
	report, err := vault.EvaluateAll(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("Evaluated %d active testament(s)\n", report.Evaluated)
	for _, id := range report.Released {
		fmt.Printf("  %s released %s\n", okMark(), id)
	}
	for _, r := range report.Results {
		if !r.Success {
			fmt.Printf("  %s %s: %s\n", failMark(), r.TestamentID, r.Error)
		}
	}
	if report.Failed > 0 {
		color.Yellow("%d evaluation(s) failed; they will be retried on the next run", report.Failed)
	}
	return nil
}
