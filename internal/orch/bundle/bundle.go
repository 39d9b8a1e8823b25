// Package bundle archives the logs of a run under the sweep's log directory
// and reads archived runs back for re-verification.
package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/quic-interop/quic-interop-runner/internal/launcher"
	"github.com/quic-interop/quic-interop-runner/internal/orch"
	"github.com/quic-interop/quic-interop-runner/internal/provision"
)

// Standard bundle directory and file names.
const (
	RunMetaFile  = "run_meta.json"
	HashesFile   = "hashes.txt"
	OutputFile   = provision.OutputFile
	SimDir       = provision.SimLogs
	ServerDir    = provision.ServerLogs
	ClientDir    = provision.ClientLogs
	WWWDir       = provision.WWWDir
	DownloadsDir = provision.DownloadsDir
)

// Bundle is the archived log directory of one run.
type Bundle struct {
	Path string
}

// RunMeta describes an archived run.
type RunMeta struct {
	RunID           string    `json:"run_id"`
	Server          string    `json:"server"`
	ServerImage     string    `json:"server_image"`
	Client          string    `json:"client"`
	ClientImage     string    `json:"client_image"`
	TestCase        string    `json:"test_case"`
	Repetition      int       `json:"repetition,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	DurationSeconds float64   `json:"duration_seconds"`
	Result          string    `json:"result"`
	Details         string    `json:"details,omitempty"`
	ServerExit      int       `json:"server_exit"`
	ClientExit      int       `json:"client_exit"`
	TimedOut        bool      `json:"timed_out,omitempty"`
	Requests        string    `json:"requests"`
	Files           []string  `json:"files,omitempty"`
	RunnerVersion   string    `json:"runner_version"`
	Errors          []string  `json:"errors,omitempty"`
}

// Dir returns the log directory of a run:
// <logDir>/<server>_<client>/<test>[/<rep>]. Repetitions count from 1; zero
// means the test case is not repeated.
func Dir(logDir, server, client, test string, rep int) string {
	dir := filepath.Join(logDir, server+"_"+client, test)
	if rep > 0 {
		dir = filepath.Join(dir, strconv.Itoa(rep))
	}
	return dir
}

// Create creates a new bundle directory. It must not exist yet.
func Create(path string) (*Bundle, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("bundle directory already exists: %s", path)
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("create bundle directory: %w", err)
	}
	return &Bundle{Path: path}, nil
}

// Open opens an existing bundle directory.
func Open(bundlePath string) (*Bundle, error) {
	info, err := os.Stat(bundlePath)
	if err != nil {
		return nil, fmt.Errorf("open bundle: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("bundle path is not a directory: %s", bundlePath)
	}
	return &Bundle{Path: bundlePath}, nil
}

// ArchiveOptions selects what Archive copies besides the logs.
type ArchiveOptions struct {
	// SaveFiles also copies the served and downloaded files.
	SaveFiles bool
}

// Archive copies the logs and transcript of env into the bundle. Missing
// downloads are tolerated; everything else is an error.
func (b *Bundle) Archive(env *provision.Environment, opts ArchiveOptions) error {
	for src, dst := range map[string]string{env.ServerLogs: ServerDir, env.ClientLogs: ClientDir, env.SimLogs: SimDir} {
		if err := copyTree(src, filepath.Join(b.Path, dst)); err != nil {
			return fmt.Errorf("copy %s logs: %w", dst, err)
		}
	}
	if err := copyFile(env.Output, filepath.Join(b.Path, OutputFile)); err != nil {
		return fmt.Errorf("copy transcript: %w", err)
	}
	if !opts.SaveFiles {
		return nil
	}
	if err := copyTree(env.WWW, filepath.Join(b.Path, WWWDir)); err != nil {
		return fmt.Errorf("copy served files: %w", err)
	}
	// Downloads may be gone if the client crashed before creating them.
	copyTree(env.Downloads, filepath.Join(b.Path, DownloadsDir))
	return nil
}

// Artifacts describes the archived run in the shape the verifier consumes.
// Key log and qlog paths are empty when the endpoint did not write them.
func (b *Bundle) Artifacts() *orch.RunArtifacts {
	art := &orch.RunArtifacts{
		ClientCapture: filepath.Join(b.Path, SimDir, launcher.TraceLeft),
		ServerCapture: filepath.Join(b.Path, SimDir, launcher.TraceRight),
		DownloadDir:   filepath.Join(b.Path, DownloadsDir),
		ClientKeyLog:  existing(filepath.Join(b.Path, ClientDir, orch.KeyLogFile)),
		ServerKeyLog:  existing(filepath.Join(b.Path, ServerDir, orch.KeyLogFile)),
		ClientQlogDir: existing(filepath.Join(b.Path, ClientDir, orch.QlogDir)),
		ServerQlogDir: existing(filepath.Join(b.Path, ServerDir, orch.QlogDir)),
	}
	if meta, err := b.ReadRunMeta(); err == nil {
		art.ServerExit, art.ClientExit, art.TimedOut = meta.ServerExit, meta.ClientExit, meta.TimedOut
	}
	return art
}

// HasFiles reports whether the served files were archived.
func (b *Bundle) HasFiles() bool {
	return existing(filepath.Join(b.Path, WWWDir)) != ""
}

// WWW is the archived copy of the served files.
func (b *Bundle) WWW() string {
	return filepath.Join(b.Path, WWWDir)
}

func existing(path string) string {
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// WriteRunMeta writes the run metadata to the bundle.
func (b *Bundle) WriteRunMeta(meta *RunMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run meta: %w", err)
	}
	return b.writeFile(RunMetaFile, data)
}

// ReadRunMeta reads the run metadata from the bundle.
func (b *Bundle) ReadRunMeta() (*RunMeta, error) {
	data, err := os.ReadFile(filepath.Join(b.Path, RunMetaFile))
	if err != nil {
		return nil, err
	}
	var meta RunMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// ComputeHashes calculates SHA256 hashes for all files in the bundle.
func (b *Bundle) ComputeHashes() (map[string]string, error) {
	hashes := make(map[string]string)
	err := filepath.WalkDir(b.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() || (d.Name() == HashesFile && filepath.Dir(path) == b.Path) {
			return nil
		}
		relPath, err := filepath.Rel(b.Path, path)
		if err != nil {
			return err
		}
		hash, err := hashFile(path)
		if err != nil {
			return fmt.Errorf("hash %s: %w", relPath, err)
		}
		hashes[filepath.ToSlash(relPath)] = hash
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hashes, nil
}

// WriteHashes writes the hashes file to the bundle.
func (b *Bundle) WriteHashes(hashes map[string]string) error {
	keys := make([]string, 0, len(hashes))
	for k := range hashes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s  %s\n", hashes[k], k)
	}
	return b.writeFile(HashesFile, []byte(sb.String()))
}

// Finalize computes hashes and writes the hashes file.
func (b *Bundle) Finalize() error {
	hashes, err := b.ComputeHashes()
	if err != nil {
		return fmt.Errorf("compute hashes: %w", err)
	}
	return b.WriteHashes(hashes)
}

// ReadHashes reads the hashes file from the bundle.
func (b *Bundle) ReadHashes() (map[string]string, error) {
	data, err := os.ReadFile(filepath.Join(b.Path, HashesFile))
	if err != nil {
		return nil, err
	}
	hashes := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "  ", 2)
		if len(parts) != 2 {
			continue
		}
		hashes[parts[1]] = parts[0]
	}
	return hashes, nil
}

// writeFile writes data to a file within the bundle.
func (b *Bundle) writeFile(relPath string, data []byte) error {
	fullPath := filepath.Join(b.Path, relPath)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(fullPath, data, 0644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

// hashFile computes the SHA256 hash of a file.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

// copyTree copies the regular files and directories below src into dst.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0755)
		case d.Type().IsRegular():
			return copyFile(path, target)
		}
		return nil
	})
}

// copyFile copies a file from src to dst.
func copyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	dstFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer dstFile.Close()

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		return err
	}
	return dstFile.Sync()
}
