package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"labpipe/adapters"
	"labpipe/internal/logging"
	"labpipe/internal/pipeline"
	"labpipe/internal/source"
)

var processFlags struct {
	singleFile string
	noParallel bool
	reimport   bool
	yes        bool
}

var processCmd = &cobra.Command{
	Use:   "process [lab|all]",
	Short: "Discover, convert and merge new lab extracts",
	Long: "Process runs the full pipeline over the named lab, or every configured lab:\n" +
		"new input files are discovered, converted to intermediate artifacts, merged\n" +
		"into the combined dataset, and the disclosure-controlled outputs are rebuilt.",
	Args: cobra.MaximumNArgs(1),
	RunE: runProcess,
}

func init() {
	f := processCmd.Flags()
	f.StringVar(&processFlags.singleFile, "single-file", "", "Convert only this input file (by name)")
	f.BoolVar(&processFlags.noParallel, "no-parallel", false, "Convert files one at a time")
	f.BoolVar(&processFlags.reimport, "reimport", false, "Wipe tracked state and reprocess every lab from scratch")
	f.BoolVar(&processFlags.yes, "yes", false, "Answer yes to confirmation prompts")
}

func runProcess(cmd *cobra.Command, args []string) error {
	configPath := settings.AdapterConfig
	if configPath == "" {
		configPath = "labs.yaml"
	}
	reg, err := adapters.Load(configPath)
	if err != nil {
		return err
	}

	if len(args) == 1 && args[0] != "all" {
		adapter, ok := reg.Get(args[0])
		if !ok {
			return fmt.Errorf("no adapter configured for lab %q (have %s)",
				args[0], strings.Join(reg.Codes(), ", "))
		}
		reg = source.NewRegistry()
		if err := reg.Add(adapter); err != nil {
			return err
		}
	}

	opts := pipeline.Options{
		SingleFile: processFlags.singleFile,
		Reimport:   processFlags.reimport,
		Yes:        processFlags.yes,
		Confirm:    confirm(cmd),
	}
	if processFlags.noParallel {
		opts.Parallel = 1
	}

	return pipeline.Run(cmd.Context(), reg, settings, opts, logging.New("pipeline"))
}

// confirm prompts on the command's streams and accepts "y" or "yes".
func confirm(cmd *cobra.Command) func(string) bool {
	return func(prompt string) bool {
		fmt.Fprintf(cmd.OutOrStdout(), "%s [y/N] ", prompt)
		r := bufio.NewReader(cmd.InOrStdin())
		line, err := r.ReadString('\n')
		if err != nil {
			return false
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "y" || answer == "yes"
	}
}
