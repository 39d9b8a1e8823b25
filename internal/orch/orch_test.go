package orch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quic-interop/quic-interop-runner/internal/config"
	"github.com/quic-interop/quic-interop-runner/internal/launcher"
	"github.com/quic-interop/quic-interop-runner/internal/logging"
	"github.com/quic-interop/quic-interop-runner/internal/provision"
	"github.com/quic-interop/quic-interop-runner/internal/testcase"
)

// behavior scripts a fake unit. A negative code never exits on its own.
type behavior struct {
	code  int
	after time.Duration
	// write creates files relative to the unit's /logs mount.
	write []string
}

type fakeProcess struct {
	name    string
	done    chan struct{}
	once    sync.Once
	code    int
	stopped bool
	removed bool
	mu      sync.Mutex
}

func (p *fakeProcess) finish(code int) {
	p.once.Do(func() {
		p.mu.Lock()
		p.code = code
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *fakeProcess) Wait(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.code, nil
	}
}

func (p *fakeProcess) Stop(ctx context.Context, grace time.Duration) error {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.finish(137)
	return nil
}

func (p *fakeProcess) Remove(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removed = true
	return nil
}

type fakeLauncher struct {
	behaviors map[string]behavior
	failStart map[string]error

	mu    sync.Mutex
	units []launcher.Unit
	procs map[string]*fakeProcess
}

func newFakeLauncher(b map[string]behavior) *fakeLauncher {
	return &fakeLauncher{behaviors: b, failStart: map[string]error{}, procs: map[string]*fakeProcess{}}
}

func (f *fakeLauncher) Setup(ctx context.Context) error    { return nil }
func (f *fakeLauncher) Teardown(ctx context.Context) error { return nil }

func (f *fakeLauncher) Start(ctx context.Context, runID string, u launcher.Unit) (launcher.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.units = append(f.units, u)
	if err := f.failStart[u.Name]; err != nil {
		return nil, err
	}
	b, ok := f.behaviors[u.Name]
	if !ok {
		b = behavior{code: -1}
	}
	for _, m := range u.Mounts {
		if m.Target != launcher.MountLogs {
			continue
		}
		for _, name := range b.write {
			path := filepath.Join(m.Source, name)
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return nil, err
			}
			if err := os.WriteFile(path, []byte(name), 0644); err != nil {
				return nil, err
			}
		}
	}
	u.Output.Write([]byte(u.Name + " started\n"))
	p := &fakeProcess{name: u.Name, done: make(chan struct{})}
	f.procs[u.Name] = p
	if b.code >= 0 {
		time.AfterFunc(b.after, func() { p.finish(b.code) })
	}
	return p, nil
}

func (f *fakeLauncher) unit(name string) launcher.Unit {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.units {
		if u.Name == name {
			return u
		}
	}
	return launcher.Unit{}
}

func (f *fakeLauncher) started() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for _, u := range f.units {
		names = append(names, u.Name)
	}
	return names
}

func newEnv(t *testing.T) *provision.Environment {
	t.Helper()
	root := t.TempDir()
	env := &provision.Environment{
		Root:       root,
		WWW:        filepath.Join(root, provision.WWWDir),
		Downloads:  filepath.Join(root, provision.DownloadsDir),
		Certs:      filepath.Join(root, "certs"),
		SimLogs:    filepath.Join(root, provision.LogsDir, provision.SimLogs),
		ServerLogs: filepath.Join(root, provision.LogsDir, provision.ServerLogs),
		ClientLogs: filepath.Join(root, provision.LogsDir, provision.ClientLogs),
		Requests:   "https://server4:443/abcdefghij",
	}
	for _, dir := range []string{env.WWW, env.Downloads, env.Certs, env.SimLogs, env.ServerLogs, env.ClientLogs} {
		require.NoError(t, os.MkdirAll(dir, 0755))
	}
	return env
}

func newOrchestrator(t *testing.T, l launcher.Launcher) *Orchestrator {
	t.Helper()
	log, err := logging.NewLogger(logging.LogLevelSilent, "")
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	cfg := config.DefaultConfig()
	cfg.StopGrace = 10 * time.Millisecond
	return New(cfg, l, log)
}

func lookup(t *testing.T, name string) *testcase.TestCase {
	t.Helper()
	tc, err := testcase.Default().Lookup(name)
	require.NoError(t, err)
	return tc
}

var traces = []string{launcher.TraceLeft, launcher.TraceRight}

func request(t *testing.T, tc *testcase.TestCase) RunRequest {
	return RunRequest{
		RunID:    "run-1",
		Server:   config.Implementation{Name: "quic-go", Image: "quic-go:latest"},
		Client:   config.Implementation{Name: "ngtcp2", Image: "ngtcp2:latest"},
		TestCase: tc,
		Env:      newEnv(t),
	}
}

func TestExecuteSuccessClaim(t *testing.T) {
	l := newFakeLauncher(map[string]behavior{
		launcher.UnitSim:    {code: -1, write: traces},
		launcher.UnitServer: {code: -1, write: []string{KeyLogFile}},
		launcher.UnitClient: {code: 0, after: 20 * time.Millisecond, write: []string{KeyLogFile, "qlog/c.qlog"}},
	})
	req := request(t, lookup(t, "keyupdate"))
	art := newOrchestrator(t, l).Execute(context.Background(), req)

	require.Empty(t, art.Errors)
	require.False(t, art.TimedOut)
	require.False(t, art.Unsupported())
	require.Equal(t, 0, art.ClientExit)
	require.Equal(t, 137, art.ServerExit, "server is stopped once the client exits")
	require.Equal(t, 137, art.SimExit)
	require.Equal(t, filepath.Join(req.Env.SimLogs, launcher.TraceLeft), art.ClientCapture)
	require.Equal(t, filepath.Join(req.Env.SimLogs, launcher.TraceRight), art.ServerCapture)
	require.Equal(t, filepath.Join(req.Env.ClientLogs, KeyLogFile), art.ClientKeyLog)
	require.Equal(t, filepath.Join(req.Env.ServerLogs, KeyLogFile), art.ServerKeyLog)
	require.Equal(t, filepath.Join(req.Env.ClientLogs, QlogDir), art.ClientQlogDir)
	require.Empty(t, art.ServerQlogDir)
	require.Equal(t, req.Env.Downloads, art.DownloadDir)

	require.Equal(t, []string{launcher.UnitSim, launcher.UnitServer, launcher.UnitClient}, l.started())
	for _, p := range l.procs {
		require.True(t, p.removed, "%s not removed", p.name)
	}

	server, client := l.unit(launcher.UnitServer), l.unit(launcher.UnitClient)
	require.Equal(t, "transfer", server.Env["TESTCASE"])
	require.Equal(t, "keyupdate", client.Env["TESTCASE"])
	require.Equal(t, "server", server.Env["ROLE"])
	require.Equal(t, req.Env.Requests, client.Env["REQUESTS"])
	require.NotContains(t, server.Env, "REQUESTS")
	require.Equal(t, "/logs/keys.log", client.Env["SSLKEYLOGFILE"])
	require.Equal(t, "/logs/qlog/", server.Env["QLOGDIR"])
	require.Equal(t, testcase.QUICVersion, client.Env["VERSION"])
	require.Equal(t, launcher.SideRight, server.Side)
	require.Equal(t, launcher.SideLeft, client.Side)
	require.Contains(t, client.ExtraHosts, "server4:193.167.100.100")
	require.Contains(t, server.ExtraHosts, "client6:fd00:cafe:cafe:0::100")

	sim := l.unit(launcher.UnitSim)
	require.Equal(t, testcase.DefaultScenario, sim.Env["SCENARIO"])
	require.Equal(t, "server:443", sim.Env["WAITFORSERVER"])
}

func TestExecuteUnsupportedServer(t *testing.T) {
	l := newFakeLauncher(map[string]behavior{
		launcher.UnitSim:    {code: -1, write: traces},
		launcher.UnitServer: {code: launcher.ExitUnsupported},
	})
	art := newOrchestrator(t, l).Execute(context.Background(), request(t, lookup(t, "handshake")))
	require.True(t, art.Unsupported())
	require.Equal(t, launcher.ExitUnsupported, art.ServerExit)
	require.NotEqual(t, 0, art.ClientExit)
	require.False(t, art.TimedOut)
}

func TestExecuteTimeout(t *testing.T) {
	tc := *lookup(t, "handshake")
	tc.Timeout = 150 * time.Millisecond
	l := newFakeLauncher(map[string]behavior{
		launcher.UnitSim: {code: -1, write: traces},
	})

	start := time.Now()
	art := newOrchestrator(t, l).Execute(context.Background(), request(t, &tc))
	elapsed := time.Since(start)

	require.True(t, art.TimedOut)
	require.GreaterOrEqual(t, elapsed, tc.Timeout)
	require.Less(t, elapsed, tc.Timeout+2*time.Second)
	for _, p := range l.procs {
		require.True(t, p.stopped, "%s not stopped", p.name)
	}
}

func TestExecuteMissingCapture(t *testing.T) {
	l := newFakeLauncher(map[string]behavior{
		launcher.UnitClient: {code: 0},
	})
	art := newOrchestrator(t, l).Execute(context.Background(), request(t, lookup(t, "handshake")))
	require.Equal(t, 0, art.ClientExit)
	require.True(t, art.CollectionFailed())
	require.Len(t, art.Errors, 2)
}

func TestExecuteStartFailure(t *testing.T) {
	l := newFakeLauncher(map[string]behavior{
		launcher.UnitSim: {code: -1, write: traces},
	})
	l.failStart[launcher.UnitClient] = errors.New("image not found")

	art := newOrchestrator(t, l).Execute(context.Background(), request(t, lookup(t, "handshake")))
	require.True(t, art.StartFailed())
	require.ErrorContains(t, art.Err(), "image not found")
	require.Equal(t, ExitNotRun, art.ClientExit)
	for _, name := range []string{launcher.UnitSim, launcher.UnitServer} {
		require.True(t, l.procs[name].stopped, "%s not stopped", name)
		require.True(t, l.procs[name].removed, "%s not removed", name)
	}
}

func TestExecuteCancelled(t *testing.T) {
	l := newFakeLauncher(map[string]behavior{
		launcher.UnitSim: {code: -1, write: traces},
	})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	art := newOrchestrator(t, l).Execute(ctx, request(t, lookup(t, "handshake")))
	require.False(t, art.TimedOut)
	require.ErrorIs(t, art.Err(), context.Canceled)
	require.True(t, l.procs[launcher.UnitClient].stopped)
}

func TestExecuteExtraUnits(t *testing.T) {
	l := newFakeLauncher(map[string]behavior{
		launcher.UnitSim:    {code: -1, write: traces},
		launcher.UnitClient: {code: 0, after: 10 * time.Millisecond},
	})
	o := newOrchestrator(t, l)
	art := o.Execute(context.Background(), request(t, lookup(t, "crosstraffic")))
	require.Equal(t, 0, art.ClientExit)

	require.Equal(t, []string{launcher.UnitSim, launcher.UnitServer, launcher.UnitClient, config.ImageIperfServer, config.ImageIperfClient}, l.started())
	iperfServer := l.unit(config.ImageIperfServer)
	require.Equal(t, o.cfg.ExtraImages[config.ImageIperfServer], iperfServer.Image)
	require.Equal(t, launcher.SideRight, iperfServer.Side)
	require.Equal(t, launcher.SideLeft, l.unit(config.ImageIperfClient).Side)
	require.True(t, l.procs[config.ImageIperfClient].stopped)
}

func TestExecuteReportsPhases(t *testing.T) {
	l := newFakeLauncher(map[string]behavior{
		launcher.UnitSim:    {code: -1, write: traces},
		launcher.UnitClient: {code: 0},
	})
	o := newOrchestrator(t, l)
	var mu sync.Mutex
	var phases []Phase
	o.SetPhaseCallback(func(runID string, phase Phase, msg string) {
		mu.Lock()
		defer mu.Unlock()
		phases = append(phases, phase)
	})
	o.Execute(context.Background(), request(t, lookup(t, "handshake")))
	require.Equal(t, []Phase{PhaseStart, PhaseSim, PhaseServer, PhaseClient, PhaseAwait, PhaseStop, PhaseCollect, PhaseDone}, phases)
}

func TestProbe(t *testing.T) {
	cases := []struct {
		name string
		code int
		want bool
	}{
		{"compliant", launcher.ExitUnsupported, true},
		{"runs unknown test", 0, false},
		{"fails unknown test", 1, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			for _, p := range []testcase.Perspective{testcase.PerspectiveServer, testcase.PerspectiveClient} {
				l := newFakeLauncher(map[string]behavior{string(p): {code: c.code}})
				ok, err := newOrchestrator(t, l).Probe(context.Background(), config.Implementation{Name: "x", Image: "x:latest"}, p, newEnv(t))
				require.NoError(t, err)
				require.Equal(t, c.want, ok)
				require.Equal(t, []string{launcher.UnitSim, string(p)}, l.started())
				name := l.unit(string(p)).Env["TESTCASE"]
				require.Len(t, name, 6)
			}
		})
	}
}

func TestProbeTimeout(t *testing.T) {
	defer func(d time.Duration) { ProbeTimeout = d }(ProbeTimeout)
	ProbeTimeout = 50 * time.Millisecond

	l := newFakeLauncher(map[string]behavior{launcher.UnitServer: {code: -1}})
	ok, err := newOrchestrator(t, l).Probe(context.Background(), config.Implementation{Name: "x", Image: "x:latest"}, testcase.PerspectiveServer, newEnv(t))
	require.NoError(t, err)
	require.False(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l = newFakeLauncher(map[string]behavior{launcher.UnitServer: {code: -1}})
	_, err = newOrchestrator(t, l).Probe(ctx, config.Implementation{Name: "x", Image: "x:latest"}, testcase.PerspectiveServer, newEnv(t))
	require.Error(t, err)
}

func TestRandomTestName(t *testing.T) {
	name := RandomTestName(6)
	require.Len(t, name, 6)
	for _, r := range name {
		require.True(t, r >= 'a' && r <= 'z', name)
	}
}
