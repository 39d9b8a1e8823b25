// Package provision prepares the per-run scratch environment: the served
// files, the download and log directories, and the certificate chains shared
// by all runs of a sweep.
package provision

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	mrand "math/rand/v2"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/sync/singleflight"

	"github.com/quic-interop/quic-interop-runner/internal/errors"
	"github.com/quic-interop/quic-interop-runner/internal/logging"
	"github.com/quic-interop/quic-interop-runner/internal/testcase"
)

// Layout of a run environment.
const (
	WWWDir       = "www"
	DownloadsDir = "downloads"
	LogsDir      = "logs"
	SimLogs      = "sim"
	ServerLogs   = "server"
	ClientLogs   = "client"
	OutputFile   = "output.txt"

	defaultNameLen = 10
	chunkSize      = 64 << 10
)

// RunKey identifies one run for workload derivation.
type RunKey struct {
	Server     string
	Client     string
	Test       string
	Repetition int
}

func (k RunKey) String() string {
	return fmt.Sprintf("%s_%s/%s#%d", k.Server, k.Client, k.Test, k.Repetition)
}

// File is one generated workload file.
type File struct {
	Name string
	Size int64
}

// Environment is the scratch state of a single run.
type Environment struct {
	Key  RunKey
	Root string

	WWW        string
	Downloads  string
	Certs      string
	SimLogs    string
	ServerLogs string
	ClientLogs string
	// Output is the run transcript.
	Output string

	Files []File
	// Requests is the space separated list of URLs the client fetches.
	Requests string
}

// TransferSize is the total size of the served files.
func (e *Environment) TransferSize() int64 {
	var n int64
	for _, f := range e.Files {
		n += f.Size
	}
	return n
}

// Cleanup removes the run's scratch root. Shared certificates stay.
func (e *Environment) Cleanup() error {
	if e == nil || e.Root == "" {
		return nil
	}
	return os.RemoveAll(e.Root)
}

// CertGenerator writes a certificate chain of the given length into dir.
type CertGenerator func(ctx context.Context, dir string, length int) error

// Options configures a Provisioner.
type Options struct {
	ScratchDir  string
	CertsScript string
	// Seed makes workloads reproducible when non-zero.
	Seed   int64
	Logger *logging.Logger
	// Certs overrides the certificate script.
	Certs CertGenerator
}

// Provisioner creates run environments for one sweep.
type Provisioner struct {
	opts  Options
	root  string
	group singleflight.Group

	mu     sync.Mutex
	chains map[int]string
}

// New creates the sweep scratch directory.
func New(opts Options) (*Provisioner, error) {
	if opts.ScratchDir != "" {
		if err := os.MkdirAll(opts.ScratchDir, 0755); err != nil {
			return nil, fail("create scratch directory", err)
		}
	}
	root, err := os.MkdirTemp(opts.ScratchDir, "interop-")
	if err != nil {
		return nil, fail("create scratch directory", err)
	}
	p := &Provisioner{opts: opts, root: root, chains: make(map[int]string)}
	if p.opts.Certs == nil {
		p.opts.Certs = p.runCertsScript
	}
	return p, nil
}

// Root is the sweep scratch directory.
func (p *Provisioner) Root() string {
	return p.root
}

// Close removes everything the provisioner created.
func (p *Provisioner) Close() error {
	return os.RemoveAll(p.root)
}

func fail(op string, err error) error {
	return errors.ProvisioningError{Op: op, Err: err}
}

// Provision creates the environment for one run of tc. Any failure is a
// ProvisioningError.
func (p *Provisioner) Provision(ctx context.Context, tc *testcase.TestCase, key RunKey) (*Environment, error) {
	certs, err := p.CertChain(ctx, tc.ChainLength())
	if err != nil {
		return nil, err
	}
	root, err := os.MkdirTemp(p.root, "run-")
	if err != nil {
		return nil, fail("create run directory", err)
	}
	env := &Environment{
		Key:        key,
		Root:       root,
		WWW:        filepath.Join(root, WWWDir),
		Downloads:  filepath.Join(root, DownloadsDir),
		Certs:      certs,
		SimLogs:    filepath.Join(root, LogsDir, SimLogs),
		ServerLogs: filepath.Join(root, LogsDir, ServerLogs),
		ClientLogs: filepath.Join(root, LogsDir, ClientLogs),
		Output:     filepath.Join(root, OutputFile),
	}
	for _, dir := range []string{env.WWW, env.Downloads, env.SimLogs, env.ServerLogs, env.ClientLogs} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			env.Cleanup()
			return nil, fail("create "+filepath.Base(dir), err)
		}
	}
	if err := os.WriteFile(env.Output, nil, 0644); err != nil {
		env.Cleanup()
		return nil, fail("create transcript", err)
	}

	gen, err := p.generator(key)
	if err != nil {
		env.Cleanup()
		return nil, fail("seed workload", err)
	}
	for _, g := range tc.Workload {
		for i := 0; i < g.Count; i++ {
			f, err := gen.file(env.WWW, g.Size, g.NameLen)
			if err != nil {
				env.Cleanup()
				return nil, fail("generate workload", err)
			}
			env.Files = append(env.Files, f)
		}
	}
	env.Requests = requests(tc, env.Files)
	if p.opts.Logger != nil {
		p.opts.Logger.Debug("Provisioned %s: %d file(s), %d bytes", key, len(env.Files), env.TransferSize())
	}
	return env, nil
}

func requests(tc *testcase.TestCase, files []File) string {
	if tc.RequestPrefixOnly {
		return tc.URLPrefix
	}
	urls := make([]string, 0, len(files))
	for _, f := range files {
		urls = append(urls, tc.URLPrefix+f.Name)
	}
	return strings.Join(urls, " ")
}

// CertChain returns the directory holding a chain of the given length,
// generating it on first use. Concurrent callers share one generation.
func (p *Provisioner) CertChain(ctx context.Context, length int) (string, error) {
	p.mu.Lock()
	dir, ok := p.chains[length]
	p.mu.Unlock()
	if ok {
		return dir, nil
	}
	v, err, _ := p.group.Do(strconv.Itoa(length), func() (any, error) {
		p.mu.Lock()
		if dir, ok := p.chains[length]; ok {
			p.mu.Unlock()
			return dir, nil
		}
		p.mu.Unlock()

		dir := filepath.Join(p.root, fmt.Sprintf("certs-%d", length))
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", err
		}
		if err := p.opts.Certs(ctx, dir, length); err != nil {
			os.RemoveAll(dir)
			return "", err
		}
		p.mu.Lock()
		p.chains[length] = dir
		p.mu.Unlock()
		return dir, nil
	})
	if err != nil {
		return "", fail(fmt.Sprintf("generate certs (chain length %d)", length), err)
	}
	return v.(string), nil
}

func (p *Provisioner) runCertsScript(ctx context.Context, dir string, length int) error {
	if p.opts.CertsScript == "" {
		return fmt.Errorf("no certs script configured")
	}
	out, err := exec.CommandContext(ctx, p.opts.CertsScript, dir, strconv.Itoa(length)).CombinedOutput()
	if p.opts.Logger != nil && len(out) > 0 {
		p.opts.Logger.Debug("%s", strings.TrimSpace(string(out)))
	}
	if err != nil {
		return fmt.Errorf("%s: %w", p.opts.CertsScript, err)
	}
	return nil
}

// workload produces file names and contents for one run. Contents are a
// ChaCha20 keystream, one nonce per file.
type workload struct {
	key   [32]byte
	names *mrand.Rand
	seen  map[string]bool
	n     uint64
}

// generator derives the run key from the sweep seed and the run identity,
// or draws it from crypto/rand without a seed.
func (p *Provisioner) generator(key RunKey) (*workload, error) {
	w := &workload{seen: make(map[string]bool)}
	if p.opts.Seed != 0 {
		w.key = sha256.Sum256([]byte(fmt.Sprintf("%d\x00%s\x00%s\x00%s\x00%d",
			p.opts.Seed, key.Server, key.Client, key.Test, key.Repetition)))
	} else if _, err := rand.Read(w.key[:]); err != nil {
		return nil, err
	}
	w.names = mrand.New(mrand.NewChaCha8(sha256.Sum256(append([]byte("names"), w.key[:]...))))
	return w, nil
}

func (w *workload) name(n int) string {
	if n <= 0 {
		n = defaultNameLen
	}
	for {
		b := make([]byte, n)
		for i := range b {
			b[i] = byte('a' + w.names.IntN(26))
		}
		if s := string(b); !w.seen[s] {
			w.seen[s] = true
			return s
		}
	}
}

func (w *workload) file(dir string, size int64, nameLen int) (File, error) {
	name := w.name(nameLen)
	var nonce [chacha20.NonceSize]byte
	binary.BigEndian.PutUint64(nonce[4:], w.n)
	w.n++
	stream, err := chacha20.NewUnauthenticatedCipher(w.key[:], nonce[:])
	if err != nil {
		return File{}, err
	}

	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return File{}, err
	}
	buf := make([]byte, chunkSize)
	for left := size; left > 0; {
		n := int64(len(buf))
		if left < n {
			n = left
		}
		chunk := buf[:n]
		clear(chunk)
		stream.XORKeyStream(chunk, chunk)
		if _, err := f.Write(chunk); err != nil {
			f.Close()
			return File{}, err
		}
		left -= n
	}
	if err := f.Close(); err != nil {
		return File{}, err
	}
	return File{Name: name, Size: size}, nil
}
