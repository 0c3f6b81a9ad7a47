package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var envFile string
	var port int

	rootCmd := &cobra.Command{
		Use:           "livestream",
		Short:         "Live broadcast ingest and HLS packaging server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), envFile, port)
		},
	}

	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a .env file; a missing file is ignored")
	rootCmd.Flags().IntVarP(&port, "port", "p", 0, "Listen port (overrides PORT)")

	rootCmd.AddCommand(newStatusCommand())
	return rootCmd
}
