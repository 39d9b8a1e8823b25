package app

import (
	"context"
	"fmt"
	"io"

	"github.com/quic-interop/quic-interop-runner/internal/capture"
	"github.com/quic-interop/quic-interop-runner/internal/quic"
	"github.com/quic-interop/quic-interop-runner/internal/report"
)

type PCAPDumpOptions struct {
	InputFile  string
	KeyLogFile string
	CSVFile    string
	// SummaryOnly skips the per-packet listing.
	SummaryOnly bool
}

// RunPCAPDump dissects a capture and prints its QUIC packets.
func RunPCAPDump(ctx context.Context, w io.Writer, opts PCAPDumpOptions) error {
	var keylog *quic.KeyLog
	if opts.KeyLogFile != "" {
		kl, err := quic.LoadKeyLog(opts.KeyLogFile)
		if err != nil {
			return fmt.Errorf("load key log: %w", err)
		}
		keylog = kl
	}

	trace, err := capture.NewFileReader().Read(ctx, opts.InputFile, keylog)
	if err != nil {
		return err
	}

	report.WriteCaptureSummary(w, report.Summarize(trace))
	if !opts.SummaryOnly {
		fmt.Fprintln(w)
		report.WritePacketDump(w, trace)
	}
	if opts.CSVFile != "" {
		if err := report.WriteCaptureCSV(opts.CSVFile, trace); err != nil {
			return err
		}
		fmt.Fprintf(w, "\nWrote %d packets to %s\n", len(trace.Packets), opts.CSVFile)
	}
	return nil
}
