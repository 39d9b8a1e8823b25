package main

import (
	"github.com/spf13/cobra"

	"github.com/quic-interop/quic-interop-runner/internal/app"
)

func newListCmd() *cobra.Command {
	var implementations string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List test cases, measurements and implementations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.RunList(cmd.OutOrStdout(), implementations)
		},
	}

	cmd.Flags().StringVar(&implementations, "implementations", app.DefaultCatalog, "Implementations catalog (JSON or YAML)")
	return cmd
}
