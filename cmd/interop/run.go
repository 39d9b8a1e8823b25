package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/quic-interop/quic-interop-runner/internal/app"
)

func newRunCmd() *cobra.Command {
	flags := app.RunOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the interop matrix",
		Long: `Run every selected test case for every selected (server, client) pair.

Test cases are given by name, or as onlyTests / onlyMeasurements. Logs of
every run are written to <log-dir>/<server>_<client>/<test>. The command
exits with status 1 when any test case failed.`,
		Example: `  # Everything in implementations_quic.json
  interop run

  # One server against two clients, handshake and retry only
  interop run -s quic-go -c ngtcp2,quiche -t handshake,retry

  # Measurements with a locally built image, results as JSON
  interop run -t onlyMeasurements -r quic-go=quic-go:dev -j result.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.Stdout = cmd.OutOrStdout()
			flags.RunnerVersion = version
			failed, err := app.RunSweep(flags)
			if err != nil {
				return err
			}
			if failed > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "%d test case(s) failed\n", failed)
				os.Exit(1)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&flags.Servers, "server", "s", "", "Server implementations (comma separated, default: all)")
	f.StringVarP(&flags.Clients, "client", "c", "", "Client implementations (comma separated, default: all)")
	f.StringVarP(&flags.Tests, "test", "t", "", "Test cases (comma separated, onlyTests or onlyMeasurements, default: all)")
	f.StringArrayVarP(&flags.Replace, "replace", "r", nil, "Replace the image of an implementation (name=image), repeatable")
	f.StringVarP(&flags.LogDir, "log-dir", "l", "", "Log directory, must not exist (default: logs_<timestamp>)")
	f.BoolVarP(&flags.SaveFiles, "save-files", "f", false, "Keep served and downloaded files of failed runs")
	f.StringVarP(&flags.JSONFile, "json", "j", "", "Write the result matrix as JSON to this file (- for stdout)")
	f.BoolVarP(&flags.Debug, "debug", "d", false, "Debug output")
	f.BoolVarP(&flags.Verbose, "verbose", "v", false, "Verbose output")
	f.IntVar(&flags.Parallel, "parallel", 0, "Number of runs executed at once (default from config)")
	f.StringVar(&flags.ConfigPath, "config", "", "Runner config file (YAML)")
	f.StringVar(&flags.Implementations, "implementations", app.DefaultCatalog, "Implementations catalog (JSON or YAML)")
	f.StringVar(&flags.Launcher, "launcher", "", "Launcher backend: docker or local (default from config)")
	f.Int64Var(&flags.Seed, "seed", 0, "Workload seed (default: random)")
	f.StringVar(&flags.MetricsCSV, "metrics-csv", "", "Write per-run metrics as CSV")
	f.StringVar(&flags.MetricsJSON, "metrics-json", "", "Write per-run metrics as JSON")
	f.BoolVar(&flags.NoProgress, "no-progress", false, "Disable the progress bar")
	return cmd
}
