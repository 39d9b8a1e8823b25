package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/quic-interop/quic-interop-runner/internal/capture"
	"github.com/quic-interop/quic-interop-runner/internal/capture/live"
	"github.com/quic-interop/quic-interop-runner/internal/config"
	"github.com/quic-interop/quic-interop-runner/internal/logging"
	"github.com/quic-interop/quic-interop-runner/internal/netdetect"
)

// Trace files written by the simulator into its log directory.
const (
	TraceLeft  = "trace_node_left.pcap"
	TraceRight = "trace_node_right.pcap"
)

// Local runs units as host processes. The catalog image of an
// implementation is the path of an executable that follows the endpoint
// contract; mount targets are handed over as host paths.
type Local struct {
	cfg   *config.Config
	log   *logging.Logger
	iface string
}

// NewLocal creates a local-process launcher.
func NewLocal(cfg *config.Config, log *logging.Logger) *Local {
	return &Local{cfg: cfg, log: log}
}

func (l *Local) Setup(ctx context.Context) error {
	if l.cfg.SimImage == "" {
		if l.cfg.CaptureInterface == "" {
			return nil
		}
		iface, err := netdetect.Resolve(l.cfg.CaptureInterface, l.cfg.Network.Right.EndpointIPv4)
		if err != nil {
			return err
		}
		l.iface = iface
		l.log.Verbose("Capturing on %s", iface)
		return nil
	}
	if _, err := exec.LookPath(l.cfg.SimImage); err != nil {
		return fmt.Errorf("simulator %s not found: %w", l.cfg.SimImage, err)
	}
	return nil
}

func (l *Local) Teardown(ctx context.Context) error {
	return nil
}

// Start runs u. Without a simulator executable the sim unit is a live
// capture on the configured interface.
func (l *Local) Start(ctx context.Context, runID string, u Unit) (Process, error) {
	if u.Name == UnitSim && l.cfg.SimImage == "" {
		return l.startCapture(u)
	}
	if u.Image == "" {
		return nil, fmt.Errorf("unit %s has no executable", u.Name)
	}
	env := os.Environ()
	for k, v := range u.Env {
		env = append(env, k+"="+rewrite(v, u.Mounts))
	}
	for _, m := range u.Mounts {
		env = append(env, strings.ToUpper(strings.TrimPrefix(m.Target, "/"))+"="+m.Source)
	}
	p := &localProcess{
		name: u.Name,
		done: make(chan struct{}),
	}
	p.cmd = exec.Command(u.Image)
	p.cmd.Env = env
	out := u.Output
	if out == nil {
		out = io.Discard
	}
	p.cmd.Stdout = out
	p.cmd.Stderr = out
	p.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	p.cmd.WaitDelay = time.Second
	if err := p.cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", u.Name, err)
	}
	l.log.Debug("Started %s (%s) as pid %d", u.Name, u.Image, p.cmd.Process.Pid)
	go p.waitForExit()
	return p, nil
}

type localProcess struct {
	name string
	cmd  *exec.Cmd

	mu       sync.Mutex
	done     chan struct{}
	exitCode int
	err      error
}

func (p *localProcess) waitForExit() {
	err := p.cmd.Wait()
	p.mu.Lock()
	if errors.Is(err, exec.ErrWaitDelay) {
		err = nil
		p.exitCode = p.cmd.ProcessState.ExitCode()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			p.exitCode = exitErr.ExitCode()
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
				p.exitCode = 128 + int(status.Signal())
			}
		} else {
			p.exitCode = -1
			p.err = err
		}
	}
	p.mu.Unlock()
	close(p.done)
}

func (p *localProcess) Wait(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.exitCode, p.err
	}
}

func (p *localProcess) Stop(ctx context.Context, grace time.Duration) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("send SIGTERM to %s: %w", p.name, err)
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
	case <-timer.C:
	}
	if err := p.signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("kill %s: %w", p.name, err)
	}
	<-p.done
	return nil
}

// signal delivers sig to the unit's process group so helpers it spawned
// stop with it.
func (p *localProcess) signal(sig syscall.Signal) error {
	err := syscall.Kill(-p.cmd.Process.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

func (p *localProcess) Remove(ctx context.Context) error {
	return nil
}

// captureProcess stands in for the simulator: it records both trace files
// until stopped.
type captureProcess struct {
	captures []*live.Capture
	done     chan struct{}
	once     sync.Once
	err      error
}

func (l *Local) startCapture(u Unit) (Process, error) {
	iface := l.iface
	if iface == "" && l.cfg.CaptureInterface != netdetect.Auto {
		iface = l.cfg.CaptureInterface
	}
	if iface == "" {
		return nil, fmt.Errorf("no simulator executable and no capture interface configured")
	}
	logs := ""
	for _, m := range u.Mounts {
		if m.Target == MountLogs {
			logs = m.Source
		}
	}
	if logs == "" {
		return nil, fmt.Errorf("sim unit has no log directory")
	}
	p := &captureProcess{done: make(chan struct{})}
	for _, name := range []string{TraceLeft, TraceRight} {
		c, err := live.Start(iface, capture.QUICFilter, filepath.Join(logs, name))
		if err != nil {
			p.stopAll()
			return nil, err
		}
		p.captures = append(p.captures, c)
	}
	l.log.Debug("Capturing %s on %s", capture.QUICFilter, iface)
	return p, nil
}

func (p *captureProcess) stopAll() {
	p.once.Do(func() {
		for _, c := range p.captures {
			if err := c.Stop(); err != nil && p.err == nil {
				p.err = err
			}
		}
		close(p.done)
	})
}

func (p *captureProcess) Wait(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case <-p.done:
		return 0, p.err
	}
}

func (p *captureProcess) Stop(ctx context.Context, grace time.Duration) error {
	p.stopAll()
	return p.err
}

func (p *captureProcess) Remove(ctx context.Context) error {
	return nil
}
