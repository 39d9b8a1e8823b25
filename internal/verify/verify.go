// Package verify confirms a run's success claim: first the downloaded files
// are compared with the served ones, then the test case predicate is
// evaluated over the packet captures.
package verify

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/quic-interop/quic-interop-runner/internal/capture"
	ierrors "github.com/quic-interop/quic-interop-runner/internal/errors"
	"github.com/quic-interop/quic-interop-runner/internal/logging"
	"github.com/quic-interop/quic-interop-runner/internal/orch"
	"github.com/quic-interop/quic-interop-runner/internal/quic"
	"github.com/quic-interop/quic-interop-runner/internal/testcase"
)

// Request is what a verification looks at.
type Request struct {
	TestCase  *testcase.TestCase
	Artifacts *orch.RunArtifacts
	// WWW holds the served files, Files the requested names.
	WWW   string
	Files []string
	// TransferSize is the total size of the requested files.
	TransferSize int64
	// SkipIntegrity disables the integrity gate, for re-verifying archives
	// that kept no served files.
	SkipIntegrity bool
}

// Verdict is the result of a verification. Err is nil when the claim was
// confirmed; otherwise it is a RunError.
type Verdict struct {
	Err error
	// Value is set for measurement test cases that passed.
	Value *float64
	// KeyLog is the key log that was used, if any.
	KeyLog string
}

// Passed reports whether the claim was confirmed.
func (v Verdict) Passed() bool {
	return v.Err == nil
}

// Verifier evaluates test case predicates.
type Verifier struct {
	reader capture.Reader
	log    *logging.Logger
}

// New creates a verifier that reads captures through reader.
func New(reader capture.Reader, log *logging.Logger) *Verifier {
	return &Verifier{reader: reader, log: log}
}

func failed(kind ierrors.RunErrorKind, err error) Verdict {
	return Verdict{Err: ierrors.RunError{Kind: kind, Err: err}}
}

// Verify runs the verification selected by the test case. It must only be
// called for a run whose client claimed success.
func (v *Verifier) Verify(ctx context.Context, req Request, log *logging.Logger) Verdict {
	if log == nil {
		log = v.log
	}
	tc, art := req.TestCase, req.Artifacts

	var check testcase.Check
	integrity := !req.SkipIntegrity
	switch ver := tc.Verification.(type) {
	case testcase.NoVerification:
		return Verdict{}
	case testcase.IntegrityOnly:
	case testcase.CaptureOnly:
		check, integrity = ver.Check, false
	case testcase.IntegrityPlus:
		check = ver.Check
	case testcase.Measured:
		check = ver.Check
	default:
		return failed(ierrors.KindInternal, fmt.Errorf("unknown verification %T", ver))
	}

	if integrity {
		if err := CheckFiles(req.WWW, art.DownloadDir, req.Files); err != nil {
			log.Info("%v", err)
			return failed(ierrors.KindIntegrity, err)
		}
	}

	keylogPath, keylog := SelectKeyLog(art.ClientKeyLog, art.ServerKeyLog)
	switch keylogPath {
	case "":
		log.Debug("No key log file found.")
	case art.ClientKeyLog:
		log.Debug("Using the client's key log file.")
	default:
		log.Debug("Using the server's key log file.")
	}
	verdict := Verdict{KeyLog: keylogPath}
	if tc.NeedsKeyLog && keylog == nil {
		verdict.Err = ierrors.RunError{Kind: ierrors.KindVerification, Err: testcase.ErrKeyLogRequired}
		return verdict
	}

	ev := testcase.NewEvidence(ctx, v.reader, art.ClientCapture, art.ServerCapture, keylog)
	ev.TransferSize = req.TransferSize
	if check != nil {
		if err := check(ev); err != nil {
			log.Info("Check failed: %v", err)
			verdict.Err = ierrors.RunError{Kind: kindOf(err), Err: err}
			return verdict
		}
	}

	if m, ok := tc.Measurement(); ok {
		value, err := m.Measure(ev)
		if err != nil {
			verdict.Err = ierrors.RunError{Kind: kindOf(err), Detail: "measurement", Err: err}
			return verdict
		}
		log.Debug("Measured %.0f %s", value, m.Unit)
		verdict.Value = &value
	}
	return verdict
}

// kindOf attributes capture read failures to collection and everything else
// to the predicate.
func kindOf(err error) ierrors.RunErrorKind {
	var pathErr *os.PathError
	if stderrors.As(err, &pathErr) {
		return ierrors.KindCollection
	}
	return ierrors.KindVerification
}

// SelectKeyLog returns the first of the given key logs that holds handshake
// secrets, parsed, or "" and nil when none does.
func SelectKeyLog(paths ...string) (string, *quic.KeyLog) {
	for _, path := range paths {
		if path == "" {
			continue
		}
		kl, err := quic.LoadKeyLog(path)
		if err != nil || !kl.HasHandshakeSecrets() {
			continue
		}
		return path, kl
	}
	return "", nil
}

// CheckFiles compares the downloaded files with the served ones: the
// regular files in downloads must be exactly the requested names, each with
// the size and contents of its counterpart in www.
func CheckFiles(www, downloads string, files []string) error {
	if len(files) == 0 {
		return fmt.Errorf("no test files generated")
	}
	entries, err := os.ReadDir(downloads)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read download directory: %w", err)
	}
	requested := make(map[string]bool, len(files))
	for _, f := range files {
		requested[f] = true
	}
	present := make(map[string]bool, len(entries))
	var tooMany []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		present[e.Name()] = true
		if !requested[e.Name()] {
			tooMany = append(tooMany, e.Name())
		}
	}
	var tooFew []string
	for _, f := range files {
		if !present[f] {
			tooFew = append(tooFew, f)
		}
	}
	if len(tooMany) > 0 || len(tooFew) > 0 {
		sort.Strings(tooMany)
		var parts []string
		if len(tooMany) > 0 {
			parts = append(parts, "unexpected downloaded files: "+strings.Join(tooMany, ", "))
		}
		if len(tooFew) > 0 {
			parts = append(parts, "missing files: "+strings.Join(tooFew, ", "))
		}
		return fmt.Errorf("%s", strings.Join(parts, "; "))
	}

	for _, f := range files {
		if err := sameFile(filepath.Join(www, f), filepath.Join(downloads, f)); err != nil {
			return err
		}
	}
	return nil
}

func sameFile(served, downloaded string) error {
	a, err := os.Open(served)
	if err != nil {
		return fmt.Errorf("could not compare files: %w", err)
	}
	defer a.Close()
	b, err := os.Open(downloaded)
	if err != nil {
		return fmt.Errorf("could not compare files: %w", err)
	}
	defer b.Close()

	ai, err := a.Stat()
	if err != nil {
		return err
	}
	bi, err := b.Stat()
	if err != nil {
		return err
	}
	if ai.Size() != bi.Size() {
		return fmt.Errorf("file size of %s doesn't match: original %d bytes, downloaded %d bytes",
			filepath.Base(downloaded), ai.Size(), bi.Size())
	}

	bufA, bufB := make([]byte, 64<<10), make([]byte, 64<<10)
	var off int64
	for {
		na, errA := io.ReadFull(a, bufA)
		nb, errB := io.ReadFull(b, bufB)
		if na != nb || !bytes.Equal(bufA[:na], bufB[:nb]) {
			return fmt.Errorf("file contents of %s do not match (first difference after offset %d)", filepath.Base(downloaded), off)
		}
		off += int64(na)
		if errA == io.EOF || errA == io.ErrUnexpectedEOF {
			if errB != errA {
				return fmt.Errorf("file contents of %s do not match", filepath.Base(downloaded))
			}
			return nil
		}
		if errA != nil {
			return errA
		}
		if errB != nil {
			return errB
		}
	}
}
