package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"labpipe/internal/logging"
	"labpipe/internal/workspace"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootFlags struct {
	settingsPath string
	baseDir      string
	logLevel     string
	logFormat    string
}

// settings is loaded once in the persistent pre-run and shared by every
// subcommand.
var settings *workspace.Settings

var rootCmd = &cobra.Command{
	Use:   "labpipe",
	Short: "Incremental anonymising pipeline for lab test results",
	Long: "Labpipe converts raw pathology extracts into anonymised, disclosure-controlled\n" +
		"datasets. Runs are idempotent: an interrupted run is finished by running again.",
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		level, err := logging.ParseLevel(rootFlags.logLevel)
		if err != nil {
			return err
		}
		logging.Init(level, rootFlags.logFormat, cmd.ErrOrStderr())

		settings, err = workspace.LoadFromPath(rootFlags.settingsPath, rootFlags.baseDir)
		if err != nil {
			return err
		}
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&rootFlags.settingsPath, "settings", "settings.yaml", "Path to the settings file")
	pf.StringVar(&rootFlags.baseDir, "base-dir", ".", "Working directory for tracked state and datasets")
	pf.StringVar(&rootFlags.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	pf.StringVar(&rootFlags.logFormat, "log-format", "text", "Log format (text or json)")

	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
