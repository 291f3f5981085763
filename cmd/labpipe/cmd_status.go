package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"labpipe/internal/track"
)

var statusFlags struct {
	lab string
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the lifecycle stage of every tracked input file",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusFlags.lab, "lab", "", "Restrict to one lab code")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	tr, err := track.Open(settings.TrackerPath())
	if err != nil {
		return err
	}
	defer tr.Close()

	labs, err := tr.Labs()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(labs) == 0 {
		fmt.Fprintln(out, "No tracked input files. Run 'labpipe process' first.")
		return nil
	}

	for _, lab := range labs {
		if statusFlags.lab != "" && lab != statusFlags.lab {
			continue
		}
		fmt.Fprintf(out, "Lab: %s\n", lab)
		for _, stage := range []track.Stage{track.StageDiscovered, track.StageConverted, track.StageMerged} {
			files, err := tr.FilesInStage(lab, stage)
			if err != nil {
				return err
			}
			if len(files) == 0 {
				continue
			}
			fmt.Fprintf(out, "  %s (%d):\n", stage, len(files))
			for _, f := range files {
				fmt.Fprintf(out, "    %s\n", f.Filename)
			}
		}
	}
	return nil
}
