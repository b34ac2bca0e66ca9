package main

import (
	"github.com/spf13/cobra"
)

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "finberry",
		Short:         "BFT finality node",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().String("home", ".finberry", "node home directory")
	cmd.AddCommand(initCmd(), runCmd())
	return cmd
}
