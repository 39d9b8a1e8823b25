// Package orch runs a single (server, client, test case) combination: it
// starts the simulator, the server and the client, enforces the test case
// timeout and locates the artifacts the run left behind.
package orch

import (
	"context"
	"errors"
	"fmt"
	"io"
	mrand "math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/quic-interop/quic-interop-runner/internal/config"
	ierrors "github.com/quic-interop/quic-interop-runner/internal/errors"
	"github.com/quic-interop/quic-interop-runner/internal/launcher"
	"github.com/quic-interop/quic-interop-runner/internal/logging"
	"github.com/quic-interop/quic-interop-runner/internal/provision"
	"github.com/quic-interop/quic-interop-runner/internal/testcase"
)

// Phase represents an execution phase of a run.
type Phase string

const (
	PhaseStart   Phase = "start"
	PhaseSim     Phase = "sim_start"
	PhaseServer  Phase = "server_start"
	PhaseClient  Phase = "client_start"
	PhaseExtra   Phase = "extra_start"
	PhaseAwait   Phase = "await"
	PhaseStop    Phase = "stop"
	PhaseCollect Phase = "collect"
	PhaseDone    Phase = "done"
)

// Files the endpoints write into their log directory.
const (
	KeyLogFile = "keys.log"
	QlogDir    = "qlog"
)

// ExitNotRun is reported for a unit that never produced an exit code.
const ExitNotRun = -1

// ProbeTimeout bounds a compliance probe.
var ProbeTimeout = 60 * time.Second

// PhaseCallback is called when a run changes phase.
type PhaseCallback func(runID string, phase Phase, msg string)

// RunRequest describes one run.
type RunRequest struct {
	RunID    string
	Server   config.Implementation
	Client   config.Implementation
	TestCase *testcase.TestCase
	Env      *provision.Environment
	// Log is the run transcript. Nil uses the orchestrator's logger.
	Log *logging.Logger
}

// RunArtifacts is what a run left behind. Paths are empty when the artifact
// was not produced.
type RunArtifacts struct {
	ServerExit int
	ClientExit int
	SimExit    int

	ClientCapture string
	ServerCapture string
	DownloadDir   string
	ClientKeyLog  string
	ServerKeyLog  string
	ClientQlogDir string
	ServerQlogDir string

	Elapsed  time.Duration
	TimedOut bool
	// Errors are problems starting, stopping or collecting units. They are
	// RunErrors and never abort the sweep.
	Errors []error
}

// Unsupported reports whether either endpoint rejected the test case.
func (a *RunArtifacts) Unsupported() bool {
	return a.ServerExit == launcher.ExitUnsupported || a.ClientExit == launcher.ExitUnsupported
}

// CollectionFailed reports whether a required artifact is missing.
func (a *RunArtifacts) CollectionFailed() bool {
	return a.firstError(ierrors.KindCollection) != nil
}

// StartFailed reports whether a unit could not be started.
func (a *RunArtifacts) StartFailed() bool {
	return a.firstError(ierrors.KindCrash) != nil
}

// Err returns the first recorded error, or nil.
func (a *RunArtifacts) Err() error {
	if len(a.Errors) == 0 {
		return nil
	}
	return a.Errors[0]
}

func (a *RunArtifacts) firstError(kind ierrors.RunErrorKind) error {
	for _, err := range a.Errors {
		if re, ok := err.(ierrors.RunError); ok && re.Kind == kind {
			return err
		}
	}
	return nil
}

func (a *RunArtifacts) record(kind ierrors.RunErrorKind, detail string, err error) {
	a.Errors = append(a.Errors, ierrors.RunError{Kind: kind, Detail: detail, Err: err})
}

// Orchestrator executes runs on a launcher.
type Orchestrator struct {
	cfg           *config.Config
	launcher      launcher.Launcher
	log           *logging.Logger
	phaseCallback PhaseCallback
}

// New creates an orchestrator.
func New(cfg *config.Config, l launcher.Launcher, log *logging.Logger) *Orchestrator {
	return &Orchestrator{cfg: cfg, launcher: l, log: log}
}

// SetPhaseCallback sets a callback for phase changes.
func (o *Orchestrator) SetPhaseCallback(cb PhaseCallback) {
	o.phaseCallback = cb
}

func (o *Orchestrator) reportPhase(log *logging.Logger, runID string, phase Phase, msg string) {
	if o.phaseCallback != nil {
		o.phaseCallback(runID, phase, msg)
	}
	log.Debug("[%s] %s", phase, msg)
}

// started is a running unit and the writer collecting its output.
type started struct {
	name string
	proc launcher.Process
	out  io.WriteCloser
}

type exit struct {
	unit string
	code int
	err  error
}

// Execute runs req to completion. It never fails: everything that goes wrong
// is recorded in the returned artifacts.
func (o *Orchestrator) Execute(ctx context.Context, req RunRequest) *RunArtifacts {
	log := req.Log
	if log == nil {
		log = o.log
	}
	tc := req.TestCase
	art := &RunArtifacts{ServerExit: ExitNotRun, ClientExit: ExitNotRun, SimExit: ExitNotRun}
	start := time.Now()
	defer func() { art.Elapsed = time.Since(start) }()

	o.reportPhase(log, req.RunID, PhaseStart, fmt.Sprintf("Server: %s. Client: %s. Running test case: %s", req.Server.Name, req.Client.Name, tc))
	log.Debug("Requests: %s", req.Env.Requests)

	units := o.units(req)
	var running []*started
	defer func() { o.release(log, req.RunID, running) }()

	// Abort-on-exit covers the three core units; helpers follow them.
	exited := make(chan exit, len(units))
	for _, u := range units {
		o.reportPhase(log, req.RunID, phaseFor(u.Name), fmt.Sprintf("Starting %s (%s)", u.Name, u.Image))
		out := log.LineWriter(u.Name)
		u.Output = out
		proc, err := o.launcher.Start(ctx, req.RunID, u)
		if err != nil {
			out.Close()
			art.record(ierrors.KindCrash, "start "+u.Name, err)
			log.Error("Starting %s failed: %v", u.Name, err)
			o.stopAll(log, running)
			o.collect(log, req, running, art)
			return art
		}
		running = append(running, &started{name: u.Name, proc: proc, out: out})
		if isCore(u.Name) {
			go func(name string) {
				code, err := proc.Wait(ctx)
				exited <- exit{unit: name, code: code, err: err}
			}(u.Name)
		}
	}

	o.reportPhase(log, req.RunID, PhaseAwait, fmt.Sprintf("Waiting up to %s", tc.Timeout))
	timer := time.NewTimer(tc.Timeout)
	defer timer.Stop()
	select {
	case e := <-exited:
		if e.err == nil {
			log.Debug("%s exited with code %d, stopping the others", e.unit, e.code)
		}
	case <-timer.C:
		art.TimedOut = true
		log.Debug("Test failed: took longer than %s.", tc.Timeout)
	case <-ctx.Done():
	}
	if err := ctx.Err(); err != nil {
		art.record(ierrors.KindInternal, "cancelled", err)
	}

	o.reportPhase(log, req.RunID, PhaseStop, "Stopping units")
	o.stopAll(log, running)
	o.collect(log, req, running, art)
	return art
}

func phaseFor(unit string) Phase {
	switch unit {
	case launcher.UnitSim:
		return PhaseSim
	case launcher.UnitServer:
		return PhaseServer
	case launcher.UnitClient:
		return PhaseClient
	}
	return PhaseExtra
}

func isCore(unit string) bool {
	return unit == launcher.UnitSim || unit == launcher.UnitServer || unit == launcher.UnitClient
}

// stopAll stops units in reverse start order. A cancelled run still gets
// its units stopped.
func (o *Orchestrator) stopAll(log *logging.Logger, running []*started) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.StopGrace+30*time.Second)
	defer cancel()
	for i := len(running) - 1; i >= 0; i-- {
		s := running[i]
		if err := s.proc.Stop(ctx, o.cfg.StopGrace); err != nil {
			log.Debug("Stopping %s: %v", s.name, err)
		}
	}
}

// collect reads the final exit codes and locates the artifacts.
func (o *Orchestrator) collect(log *logging.Logger, req RunRequest, running []*started, art *RunArtifacts) {
	o.reportPhase(log, req.RunID, PhaseCollect, "Collecting artifacts")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, s := range running {
		code, err := s.proc.Wait(ctx)
		if err != nil {
			log.Debug("No exit code for %s: %v", s.name, err)
			code = ExitNotRun
		} else {
			log.Debug("%s exited with code %d", s.name, code)
		}
		switch s.name {
		case launcher.UnitSim:
			art.SimExit = code
		case launcher.UnitServer:
			art.ServerExit = code
		case launcher.UnitClient:
			art.ClientExit = code
		}
	}

	env := req.Env
	art.DownloadDir = env.Downloads
	if _, err := os.Stat(env.Downloads); err != nil {
		art.record(ierrors.KindCollection, "download directory", err)
	}
	art.ClientCapture = filepath.Join(env.SimLogs, launcher.TraceLeft)
	art.ServerCapture = filepath.Join(env.SimLogs, launcher.TraceRight)
	for _, path := range []string{art.ClientCapture, art.ServerCapture} {
		if _, err := os.Stat(path); err != nil {
			art.record(ierrors.KindCollection, "capture "+filepath.Base(path), err)
		}
	}
	art.ClientKeyLog = existing(filepath.Join(env.ClientLogs, KeyLogFile))
	art.ServerKeyLog = existing(filepath.Join(env.ServerLogs, KeyLogFile))
	art.ClientQlogDir = existing(filepath.Join(env.ClientLogs, QlogDir))
	art.ServerQlogDir = existing(filepath.Join(env.ServerLogs, QlogDir))
}

func existing(path string) string {
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// release removes the units and flushes their output writers.
func (o *Orchestrator) release(log *logging.Logger, runID string, running []*started) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, s := range running {
		if err := s.proc.Remove(ctx); err != nil {
			log.Debug("Removing %s: %v", s.name, err)
		}
		s.out.Close()
	}
	o.reportPhase(log, runID, PhaseDone, "Units removed")
}

// units builds the unit descriptions for req, in start order.
func (o *Orchestrator) units(req RunRequest) []launcher.Unit {
	tc, env := req.TestCase, req.Env
	left, right := o.cfg.Network.Left, o.cfg.Network.Right

	scenario := tc.Scenario
	if scenario == "" {
		scenario = testcase.DefaultScenario
	}
	sim := launcher.Unit{
		Name:  launcher.UnitSim,
		Image: o.cfg.SimImage,
		Side:  launcher.SideBoth,
		Env: map[string]string{
			"SCENARIO":      scenario,
			"WAITFORSERVER": "server:443",
		},
		Mounts: []launcher.Mount{{Source: env.SimLogs, Target: launcher.MountLogs}},
	}

	server := launcher.Unit{
		Name:     launcher.UnitServer,
		Image:    req.Server.Image,
		Side:     launcher.SideRight,
		IPv4:     right.EndpointIPv4,
		IPv6:     right.EndpointIPv6,
		Hostname: launcher.UnitServer,
		Env:      endpointEnv(tc, testcase.PerspectiveServer),
		Mounts: []launcher.Mount{
			{Source: env.WWW, Target: launcher.MountWWW, ReadOnly: true},
			{Source: env.Certs, Target: launcher.MountCerts, ReadOnly: true},
			{Source: env.ServerLogs, Target: launcher.MountLogs},
		},
		ExtraHosts: []string{
			"client4:" + left.EndpointIPv4,
			"client6:" + left.EndpointIPv6,
			"client46:" + left.EndpointIPv4,
			"client46:" + left.EndpointIPv6,
		},
	}
	server.Env["SERVERNAME"] = launcher.UnitServer

	client := launcher.Unit{
		Name:     launcher.UnitClient,
		Image:    req.Client.Image,
		Side:     launcher.SideLeft,
		IPv4:     left.EndpointIPv4,
		IPv6:     left.EndpointIPv6,
		Hostname: launcher.UnitClient,
		Env:      endpointEnv(tc, testcase.PerspectiveClient),
		Mounts: []launcher.Mount{
			{Source: env.Downloads, Target: launcher.MountDownloads},
			{Source: env.Certs, Target: launcher.MountCerts, ReadOnly: true},
			{Source: env.ClientLogs, Target: launcher.MountLogs},
		},
		ExtraHosts: []string{
			"server4:" + right.EndpointIPv4,
			"server6:" + right.EndpointIPv6,
			"server46:" + right.EndpointIPv4,
			"server46:" + right.EndpointIPv6,
		},
	}
	client.Env["REQUESTS"] = env.Requests

	units := []launcher.Unit{sim, server, client}
	for _, name := range tc.ExtraUnits {
		units = append(units, o.extraUnit(name, server, client))
	}
	return units
}

// extraUnit places a helper next to the endpoint whose side its name
// suggests: *_server units share the server network, everything else the
// client network.
func (o *Orchestrator) extraUnit(name string, server, client launcher.Unit) launcher.Unit {
	peer := client
	if name == config.ImageIperfServer {
		peer = server
	}
	return launcher.Unit{
		Name:       name,
		Image:      o.cfg.ExtraImages[name],
		Side:       peer.Side,
		Hostname:   name,
		Env:        map[string]string{"ROLE": peer.Name},
		ExtraHosts: peer.ExtraHosts,
	}
}

func endpointEnv(tc *testcase.TestCase, p testcase.Perspective) map[string]string {
	env := map[string]string{
		"ROLE":          string(p),
		"TESTCASE":      tc.TestName(p),
		"SSLKEYLOGFILE": launcher.MountLogs + "/" + KeyLogFile,
		"QLOGDIR":       launcher.MountLogs + "/" + QlogDir + "/",
		"VERSION":       testcase.QUICVersion,
	}
	for k, v := range tc.ExtraEnv {
		env[k] = v
	}
	return env
}

// RandomTestName returns a lowercase test case name of n letters, used to
// probe that implementations reject unknown test cases.
func RandomTestName(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('a' + mrand.IntN(26))
	}
	return string(b)
}

// Probe checks that impl, acting as perspective, exits with the unsupported
// code when handed an unknown test case. Only the simulator and the probed
// endpoint are started.
func (o *Orchestrator) Probe(ctx context.Context, impl config.Implementation, p testcase.Perspective, env *provision.Environment) (bool, error) {
	log := o.log.With(map[string]any{"probe": impl.Name, "role": string(p)})
	tc := testcase.Compliance(RandomTestName(6))
	req := RunRequest{RunID: "probe-" + impl.Name + "-" + string(p), Server: impl, Client: impl, TestCase: tc, Env: env, Log: log}

	units := o.units(req)
	var endpoint launcher.Unit
	switch p {
	case testcase.PerspectiveServer:
		endpoint = units[1]
	case testcase.PerspectiveClient:
		endpoint = units[2]
	default:
		return false, fmt.Errorf("unknown perspective %q", p)
	}
	log.Debug("Checking compliance of %s %s", impl.Name, p)

	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	var running []*started
	defer func() {
		o.stopAll(log, running)
		o.release(log, req.RunID, running)
	}()
	for _, u := range []launcher.Unit{units[0], endpoint} {
		out := log.LineWriter(u.Name)
		u.Output = out
		proc, err := o.launcher.Start(ctx, req.RunID, u)
		if err != nil {
			out.Close()
			return false, fmt.Errorf("start %s: %w", u.Name, err)
		}
		running = append(running, &started{name: u.Name, proc: proc, out: out})
	}
	code, err := running[len(running)-1].proc.Wait(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
			log.Error("%s %s not compliant: still running after %s for an unknown test case", impl.Name, p, ProbeTimeout)
			return false, nil
		}
		return false, fmt.Errorf("wait for %s %s: %w", impl.Name, p, err)
	}
	if code != launcher.ExitUnsupported {
		log.Error("%s %s not compliant: exited with code %d for an unknown test case", impl.Name, p, code)
		return false, nil
	}
	log.Debug("%s %s compliant.", impl.Name, p)
	return true, nil
}
