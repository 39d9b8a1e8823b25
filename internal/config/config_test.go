package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults",
			mutate: func(*Config) {},
		},
		{
			name:    "zero parallel",
			mutate:  func(c *Config) { c.Parallel = 0 },
			wantErr: "parallel",
		},
		{
			name:    "unknown launcher",
			mutate:  func(c *Config) { c.Launcher = "podman" },
			wantErr: "invalid launcher",
		},
		{
			name: "local launcher with capture interface only",
			mutate: func(c *Config) {
				c.Launcher = LauncherLocal
				c.SimImage = ""
				c.CaptureInterface = "lo"
			},
		},
		{
			name:    "negative grace",
			mutate:  func(c *Config) { c.StopGrace = -time.Second },
			wantErr: "stop_grace",
		},
		{
			name:    "empty extra image",
			mutate:  func(c *Config) { c.ExtraImages[ImageIperfClient] = "" },
			wantErr: "extra_images.iperf_client",
		},
		{
			name:    "endpoint outside subnet",
			mutate:  func(c *Config) { c.Network.Right.EndpointIPv4 = "10.0.0.1" },
			wantErr: "network.right.endpoint_ipv4",
		},
		{
			name:    "bad v6 prefix",
			mutate:  func(c *Config) { c.Network.Left.IPv6 = "193.167.0.0/24" },
			wantErr: "network.left.ipv6",
		},
		{
			name:    "same network names",
			mutate:  func(c *Config) { c.Network.Right.Name = c.Network.Left.Name },
			wantErr: "different names",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "runner.yaml")
	data := `parallel: 4
launcher: local
stop_grace: 250ms
capture_interface: lo
extra_images:
  iperf_server: ./iperf-server
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Parallel != 4 || cfg.Launcher != LauncherLocal {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.StopGrace != 250*time.Millisecond {
		t.Fatalf("StopGrace = %v, want 250ms", cfg.StopGrace)
	}
	if cfg.ExtraImages[ImageIperfServer] != "./iperf-server" {
		t.Fatalf("iperf_server = %q", cfg.ExtraImages[ImageIperfServer])
	}
	if cfg.ExtraImages[ImageIperfClient] == "" {
		t.Fatalf("iperf_client default was dropped")
	}
	if cfg.Network.Left.Name != "leftnet" {
		t.Fatalf("network defaults not applied: %+v", cfg.Network)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := LoadConfig(filepath.Join(dir, "missing.yaml")); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("LoadConfig(missing) error = %v", err)
	}

	unknown := filepath.Join(dir, "unknown.yaml")
	if err := os.WriteFile(unknown, []byte("paralel: 2\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(unknown); err == nil || !strings.Contains(err.Error(), "paralel") {
		t.Fatalf("LoadConfig(unknown key) error = %v", err)
	}

	invalid := filepath.Join(dir, "invalid.yaml")
	if err := os.WriteFile(invalid, []byte("parallel: 0\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(invalid); err == nil || !strings.Contains(err.Error(), "validate config") {
		t.Fatalf("LoadConfig(invalid) error = %v", err)
	}

	empty := filepath.Join(dir, "empty.yaml")
	if err := os.WriteFile(empty, nil, 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(empty); err != nil {
		t.Fatalf("LoadConfig(empty) error = %v", err)
	}
}

func TestLoadConfigEmptyPath(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig(\"\") error = %v", err)
	}
	if cfg.Launcher != LauncherDocker || cfg.Parallel != 1 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}
