package launcher

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quic-interop/quic-interop-runner/internal/config"
	"github.com/quic-interop/quic-interop-runner/internal/logging"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func script(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "endpoint.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func newLocal(t *testing.T) *Local {
	t.Helper()
	log, err := logging.NewLogger(logging.LogLevelSilent, "")
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	cfg := config.DefaultConfig()
	cfg.Launcher = config.LauncherLocal
	cfg.SimImage = ""
	return NewLocal(cfg, log)
}

func TestLocalExitCode(t *testing.T) {
	l := newLocal(t)
	out := &syncBuffer{}
	p, err := l.Start(context.Background(), "run", Unit{
		Name:   UnitServer,
		Image:  script(t, `echo "testcase $TESTCASE"; exit 127`),
		Env:    map[string]string{"TESTCASE": "qwerty"},
		Output: out,
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	code, err := p.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if code != ExitUnsupported {
		t.Fatalf("Wait() = %d, want %d", code, ExitUnsupported)
	}
	if !strings.Contains(out.String(), "testcase qwerty") {
		t.Fatalf("output = %q", out.String())
	}
	if err := p.Stop(context.Background(), time.Second); err != nil {
		t.Fatalf("Stop() after exit error = %v", err)
	}
}

func TestLocalRewritesMountPaths(t *testing.T) {
	l := newLocal(t)
	logs := t.TempDir()
	out := &syncBuffer{}
	p, err := l.Start(context.Background(), "run", Unit{
		Name:   UnitClient,
		Image:  script(t, `echo "keys=$SSLKEYLOGFILE logs=$LOGS qlog=$QLOGDIR"`),
		Env:    map[string]string{"SSLKEYLOGFILE": "/logs/keys.log", "QLOGDIR": "/logs/qlog/"},
		Mounts: []Mount{{Source: logs, Target: MountLogs}},
		Output: out,
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := p.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	want := "keys=" + logs + "/keys.log logs=" + logs + " qlog=" + logs + "/qlog/"
	if !strings.Contains(out.String(), want) {
		t.Fatalf("output = %q, want %q", out.String(), want)
	}
}

func TestLocalStopAfterGrace(t *testing.T) {
	l := newLocal(t)
	p, err := l.Start(context.Background(), "run", Unit{
		Name:  UnitServer,
		Image: script(t, `trap "" TERM; sleep 30`),
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	start := time.Now()
	if err := p.Stop(context.Background(), 200*time.Millisecond); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("Stop() took %v", elapsed)
	}
	code, _ := p.Wait(context.Background())
	if code == 0 {
		t.Fatalf("killed process reported exit code 0")
	}
}

func TestLocalWaitHonorsContext(t *testing.T) {
	l := newLocal(t)
	p, err := l.Start(context.Background(), "run", Unit{Name: UnitServer, Image: script(t, "sleep 30")})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer p.Stop(context.Background(), 0)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.Wait(ctx); err == nil {
		t.Fatalf("Wait() returned without error before the process exited")
	}
}

func TestLocalSimNeedsCaptureInterface(t *testing.T) {
	l := newLocal(t)
	_, err := l.Start(context.Background(), "run", Unit{Name: UnitSim})
	if err == nil || !strings.Contains(err.Error(), "capture interface") {
		t.Fatalf("Start(sim) error = %v", err)
	}
}

func TestRewrite(t *testing.T) {
	mounts := []Mount{{Source: "/tmp/www", Target: MountWWW}, {Source: "/tmp/logs", Target: MountLogs}}
	cases := map[string]string{
		"/logs":           "/tmp/logs",
		"/logs/keys.log":  "/tmp/logs/keys.log",
		"/logsx":          "/logsx",
		"https://server4": "https://server4",
		"/www/":           "/tmp/www/",
	}
	for in, want := range cases {
		if got := rewrite(in, mounts); got != want {
			t.Errorf("rewrite(%q) = %q, want %q", in, got, want)
		}
	}
}
