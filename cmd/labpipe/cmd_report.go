package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"labpipe/internal/disclose"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Flag tests whose published data is dominated by error codes",
	Long: "Report scans the final dataset for (test, lab) combinations where a\n" +
		"classification error code exceeds a tenth of the published cells, which\n" +
		"usually means an extract format change or a stale reference-range table.",
	RunE: runReport,
}

func runReport(cmd *cobra.Command, _ []string) error {
	odd, err := disclose.Oddness(settings)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(odd) == 0 {
		fmt.Fprintln(out, "No oddities found.")
		return nil
	}

	fmt.Fprintf(out, "%-12s %-10s %-28s %s\n", "LAB", "TEST", "CATEGORY", "FRACTION")
	for _, o := range odd {
		fmt.Fprintf(out, "%-12s %-10s %-28s %.0f%%\n",
			o.LabID, o.TestCode, o.Category.Name(), o.Fraction*100)
	}
	return nil
}
