package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "ledgerlens",
		Short:         "ledgerlens: cached AI spending analysis over cloud and local models",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newServeCmd(),
		newAnalyzeCmd(),
		newPerfCmd(),
		newCacheCmd(),
		newProvidersCmd(),
		newLogsCmd(),
		newLedgerCmd(),
		newScheduleCmd(),
		newMCPCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func addConfigFlag(cmd *cobra.Command, path *string) {
	cmd.PersistentFlags().StringVarP(path, "config", "c", "", "path to ledgerlens config file (defaults apply when omitted)")
}
