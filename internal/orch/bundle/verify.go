package bundle

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/quic-interop/quic-interop-runner/internal/launcher"
)

// VerifyResult contains the results of bundle verification.
type VerifyResult struct {
	Valid          bool
	Errors         []string
	Warnings       []string
	FilesChecked   int
	HashesVerified int
	HashMismatches []string
	MissingFiles   []string
	ExtraFiles     []string
}

// VerifyOptions configures bundle verification.
type VerifyOptions struct {
	CheckHashes  bool // Verify file hashes
	CheckCapture bool // Require both trace files, non-empty
}

// DefaultVerifyOptions returns the default verification options.
func DefaultVerifyOptions() VerifyOptions {
	return VerifyOptions{CheckHashes: true, CheckCapture: true}
}

// Verify checks that the bundle is complete and unmodified.
func (b *Bundle) Verify(opts VerifyOptions) (*VerifyResult, error) {
	result := &VerifyResult{Valid: true}
	fail := func(format string, args ...any) {
		result.Errors = append(result.Errors, fmt.Sprintf(format, args...))
		result.Valid = false
	}

	for _, f := range []string{RunMetaFile, OutputFile, SimDir, ServerDir, ClientDir} {
		if _, err := os.Stat(filepath.Join(b.Path, f)); os.IsNotExist(err) {
			result.MissingFiles = append(result.MissingFiles, f)
			fail("missing required file: %s", f)
		}
	}

	if opts.CheckHashes {
		if _, err := os.Stat(filepath.Join(b.Path, HashesFile)); os.IsNotExist(err) {
			fail("missing %s file", HashesFile)
		} else if err := b.verifyHashes(result); err != nil {
			fail("hash verification failed: %v", err)
		}
	}

	if meta, err := b.ReadRunMeta(); err != nil {
		fail("invalid %s: %v", RunMetaFile, err)
	} else {
		if meta.RunID == "" {
			result.Warnings = append(result.Warnings, RunMetaFile+": run_id is empty")
		}
		if meta.Result == "" {
			result.Warnings = append(result.Warnings, RunMetaFile+": result is empty")
		}
	}

	if opts.CheckCapture {
		for _, name := range []string{launcher.TraceLeft, launcher.TraceRight} {
			info, err := os.Stat(filepath.Join(b.Path, SimDir, name))
			switch {
			case os.IsNotExist(err):
				fail("missing capture %s", name)
			case err != nil:
				fail("error checking capture %s: %v", name, err)
			case info.Size() == 0:
				result.Warnings = append(result.Warnings, fmt.Sprintf("capture %s is empty", name))
			}
		}
	}

	_ = filepath.Walk(b.Path, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			result.FilesChecked++
		}
		return nil
	})
	sort.Strings(result.ExtraFiles)
	return result, nil
}

// verifyHashes checks that all file hashes match.
func (b *Bundle) verifyHashes(result *VerifyResult) error {
	storedHashes, err := b.ReadHashes()
	if err != nil {
		return err
	}
	currentHashes, err := b.ComputeHashes()
	if err != nil {
		return err
	}

	for file, storedHash := range storedHashes {
		result.HashesVerified++
		currentHash, exists := currentHashes[file]
		if !exists {
			result.MissingFiles = append(result.MissingFiles, file)
			result.Errors = append(result.Errors, fmt.Sprintf("file in %s not found: %s", HashesFile, file))
			result.Valid = false
			continue
		}
		if currentHash != storedHash {
			result.HashMismatches = append(result.HashMismatches, file)
			result.Errors = append(result.Errors, fmt.Sprintf("hash mismatch for %s: expected %s, got %s", file, storedHash, currentHash))
			result.Valid = false
		}
	}
	for file := range currentHashes {
		if _, exists := storedHashes[file]; !exists {
			result.ExtraFiles = append(result.ExtraFiles, file)
			result.Warnings = append(result.Warnings, fmt.Sprintf("file not in %s: %s", HashesFile, file))
		}
	}
	return nil
}

// FormatResult returns a human-readable summary of verification results.
func (r *VerifyResult) FormatResult() string {
	var sb strings.Builder

	if r.Valid {
		sb.WriteString("Bundle verification: PASSED\n")
	} else {
		sb.WriteString("Bundle verification: FAILED\n")
	}
	sb.WriteString(fmt.Sprintf("Files checked: %d\n", r.FilesChecked))
	sb.WriteString(fmt.Sprintf("Hashes verified: %d\n", r.HashesVerified))

	section := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		sb.WriteString("\n" + title + ":\n")
		for _, item := range items {
			sb.WriteString(fmt.Sprintf("  - %s\n", item))
		}
	}
	section("Errors", r.Errors)
	section("Warnings", r.Warnings)
	section("Hash mismatches", r.HashMismatches)
	section("Missing files", r.MissingFiles)
	return sb.String()
}
