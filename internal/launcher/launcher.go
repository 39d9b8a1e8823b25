// Package launcher starts the units of a run (network simulator, server,
// client and helpers) as isolated processes and reports their exit codes.
package launcher

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/quic-interop/quic-interop-runner/internal/config"
	"github.com/quic-interop/quic-interop-runner/internal/logging"
)

// Unit names.
const (
	UnitSim    = "sim"
	UnitServer = "server"
	UnitClient = "client"
)

// Mount targets inside a unit.
const (
	MountWWW       = "/www"
	MountDownloads = "/downloads"
	MountCerts     = "/certs"
	MountLogs      = "/logs"
)

// ExitUnsupported is the exit code of an endpoint that does not implement
// the requested test case.
const ExitUnsupported = 127

// Side is the simulator network a unit is attached to.
type Side int

const (
	// SideLeft is the client network.
	SideLeft Side = iota
	// SideRight is the server network.
	SideRight
	// SideBoth is used by the simulator only.
	SideBoth
)

// Mount makes a host directory available to a unit.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Unit is one process of a run.
type Unit struct {
	Name  string
	Image string
	Side  Side
	// IPv4 and IPv6 pin the unit's addresses. Empty lets the backend choose.
	IPv4 string
	IPv6 string
	// Hostname defaults to Name.
	Hostname string
	Env      map[string]string
	Mounts   []Mount
	// ExtraHosts are host:address pairs added to the unit's resolver.
	ExtraHosts []string
	// Output receives the unit's console output.
	Output io.Writer
}

// Process is a started unit.
type Process interface {
	// Wait blocks until the unit exits and returns its exit code.
	Wait(ctx context.Context) (int, error)
	// Stop asks the unit to exit and kills it after grace.
	Stop(ctx context.Context, grace time.Duration) error
	// Remove releases what the backend holds for the unit.
	Remove(ctx context.Context) error
}

// Launcher is a backend that runs units.
type Launcher interface {
	// Setup prepares sweep-wide resources such as networks.
	Setup(ctx context.Context) error
	Start(ctx context.Context, runID string, u Unit) (Process, error)
	Teardown(ctx context.Context) error
}

// EnvList renders env as KEY=VALUE pairs.
func EnvList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// rewrite replaces a mount target prefix of value with the mount's host path.
func rewrite(value string, mounts []Mount) string {
	for _, m := range mounts {
		if value == m.Target {
			return m.Source
		}
		if strings.HasPrefix(value, m.Target+"/") {
			return m.Source + value[len(m.Target):]
		}
	}
	return value
}

// New returns the backend named by cfg.Launcher.
func New(cfg *config.Config, log *logging.Logger) (Launcher, error) {
	switch cfg.Launcher {
	case config.LauncherDocker:
		return NewDocker(cfg, log)
	case config.LauncherLocal:
		return NewLocal(cfg, log), nil
	}
	return nil, fmt.Errorf("unknown launcher %q", cfg.Launcher)
}
