package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/quic-interop/quic-interop-runner/internal/capture"
	"github.com/quic-interop/quic-interop-runner/internal/logging"
	"github.com/quic-interop/quic-interop-runner/internal/orch/bundle"
	"github.com/quic-interop/quic-interop-runner/internal/testcase"
	"github.com/quic-interop/quic-interop-runner/internal/verify"
)

type VerifyOptions struct {
	RunDir string
	// Test overrides the test case recorded in the run metadata.
	Test string
	// SkipBundle skips the completeness and hash checks of the run directory.
	SkipBundle bool
	Debug      bool
}

// RunVerify re-runs the verification of an archived run. It reports whether
// both the run directory and the verification passed.
func RunVerify(ctx context.Context, w io.Writer, opts VerifyOptions) (bool, error) {
	logLevel := logging.LogLevelError
	if opts.Debug {
		logLevel = logging.LogLevelDebug
	}
	logger, err := logging.NewLogger(logLevel, "")
	if err != nil {
		return false, fmt.Errorf("create logger: %w", err)
	}
	defer logger.Close()

	b, err := bundle.Open(opts.RunDir)
	if err != nil {
		return false, fmt.Errorf("open run directory: %w", err)
	}
	ok := true
	if !opts.SkipBundle {
		res, err := b.Verify(bundle.DefaultVerifyOptions())
		if err != nil {
			return false, fmt.Errorf("verify run directory: %w", err)
		}
		fmt.Fprint(w, res.FormatResult())
		ok = res.Valid
	}

	meta, err := b.ReadRunMeta()
	if err != nil {
		return false, fmt.Errorf("read run metadata: %w", err)
	}
	name := opts.Test
	if name == "" {
		name = meta.TestCase
	}
	tc, err := testcase.Default().Lookup(name)
	if err != nil {
		return false, err
	}

	req := verify.Request{
		TestCase:      tc,
		Artifacts:     b.Artifacts(),
		WWW:           b.WWW(),
		Files:         meta.Files,
		SkipIntegrity: !b.HasFiles(),
	}
	req.TransferSize = transferSize(meta.Files, b.WWW(), req.Artifacts.DownloadDir)
	if req.SkipIntegrity {
		fmt.Fprintln(w, "Served files were not archived, skipping the integrity check")
	}

	verdict := verify.New(capture.NewFileReader(), logger).Verify(ctx, req, logger)
	fmt.Fprintf(w, "Run %s (%s), recorded result: %s\n", meta.RunID, tc.Name, meta.Result)
	if verdict.KeyLog != "" {
		fmt.Fprintf(w, "Key log: %s\n", verdict.KeyLog)
	}
	if !verdict.Passed() {
		fmt.Fprintf(w, "Verification failed: %v\n", verdict.Err)
		return false, nil
	}
	if verdict.Value != nil {
		unit := ""
		if m, ok := tc.Measurement(); ok {
			unit = m.Unit
		}
		fmt.Fprintf(w, "Verification passed: %.0f %s\n", *verdict.Value, unit)
	} else {
		fmt.Fprintln(w, "Verification passed")
	}
	return ok, nil
}

// transferSize sums the sizes of files, taken from the first directory
// that holds each of them.
func transferSize(files []string, dirs ...string) int64 {
	var total int64
	for _, f := range files {
		for _, dir := range dirs {
			if info, err := os.Stat(filepath.Join(dir, f)); err == nil {
				total += info.Size()
				break
			}
		}
	}
	return total
}
