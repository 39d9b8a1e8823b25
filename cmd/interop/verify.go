package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/quic-interop/quic-interop-runner/internal/app"
)

func newVerifyCmd() *cobra.Command {
	flags := app.VerifyOptions{}

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Re-run the verification of an archived run",
		Long: `Check that an archived run directory is complete and unmodified, then
re-run the test case verification over its captures and files.

The integrity check is skipped unless the run was archived with its served
files (run --save-files keeps them for failed runs).`,
		Example: `  interop verify --run-dir logs_2026-10-15T10:00:00/quic-go_ngtcp2/retry
  interop verify --run-dir logs/quic-go_ngtcp2/goodput/3 --test goodput`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.RunDir == "" {
				return missingFlagError(cmd, "--run-dir")
			}
			ok, err := app.RunVerify(cmd.Context(), cmd.OutOrStdout(), flags)
			if err != nil {
				return err
			}
			if !ok {
				os.Exit(1)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&flags.RunDir, "run-dir", "", "Archived run directory (required)")
	cmd.Flags().StringVar(&flags.Test, "test", "", "Test case to verify (default: the one recorded for the run)")
	cmd.Flags().BoolVar(&flags.SkipBundle, "skip-bundle", false, "Skip the completeness and hash checks")
	cmd.Flags().BoolVarP(&flags.Debug, "debug", "d", false, "Debug output")
	return cmd
}
