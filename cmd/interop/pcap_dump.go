package main

import (
	"github.com/spf13/cobra"

	"github.com/quic-interop/quic-interop-runner/internal/app"
)

func newPcapDumpCmd() *cobra.Command {
	flags := app.PCAPDumpOptions{}

	cmd := &cobra.Command{
		Use:   "pcap-dump <capture>",
		Short: "Dump the QUIC packets of a capture",
		Long: `Dissect the QUIC packets of a pcap or pcapng capture, such as the
trace_node_left.pcap and trace_node_right.pcap files of a run.

With a key log (SSLKEYLOGFILE format) the Handshake and 1-RTT packets are
decrypted and their frames listed.`,
		Example: `  # Summary and packet listing of a client side trace
  interop pcap-dump logs/quic-go_ngtcp2/handshake/sim/trace_node_left.pcap \
    --keylog logs/quic-go_ngtcp2/handshake/client/keys.log

  # Export one row per packet
  interop pcap-dump trace.pcap --summary --csv packets.csv`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if handleHelpArg(cmd, args) {
				return nil
			}
			if flags.InputFile == "" && len(args) > 0 {
				flags.InputFile = args[0]
			}
			if flags.InputFile == "" {
				return missingFlagError(cmd, "--input")
			}
			return app.RunPCAPDump(cmd.Context(), cmd.OutOrStdout(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.InputFile, "input", "", "Capture file")
	cmd.Flags().StringVar(&flags.KeyLogFile, "keylog", "", "TLS key log used to decrypt packets")
	cmd.Flags().StringVar(&flags.CSVFile, "csv", "", "Write one CSV row per packet to this file")
	cmd.Flags().BoolVar(&flags.SummaryOnly, "summary", false, "Only print the capture summary")
	return cmd
}
