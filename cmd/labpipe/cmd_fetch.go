package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"labpipe/internal/fetch"
	"labpipe/internal/logging"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Refresh the practice and test-code lookup tables",
	RunE:  runFetch,
}

func runFetch(cmd *cobra.Command, _ []string) error {
	if err := settings.EnsureDirs(); err != nil {
		return err
	}

	c, err := fetch.New(settings,
		fetch.WithLogger(logging.New("fetch")),
		fetch.WithTimeout(2*time.Minute),
	)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	practices, err := c.Practices(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", practices)

	codes, err := c.TestCodes(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", codes)
	return nil
}
