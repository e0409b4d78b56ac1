package main

import (
	"github.com/spf13/cobra"

	"github.com/gen-mind/EchoMind/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:           "echomind",
	Short:         "EchoMind keeps external content sources synced into the document store.",
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := logging.BootstrapFromEnv(logging.BootstrapOptions{Command: cmd.Name()})
		return err
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(orchestratorCmd, workerCmd, migrateCmd, syncCmd, statsCmd)
}
