package config

// Runner configuration loading and validation

import (
	"bytes"
	"fmt"
	"io"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quic-interop/quic-interop-runner/internal/errors"
)

// Launcher backends.
const (
	LauncherDocker = "docker"
	LauncherLocal  = "local"
)

// Extra unit images referenced by test cases.
const (
	ImageIperfServer = "iperf_server"
	ImageIperfClient = "iperf_client"
)

// Subnet describes one side of the simulated network. The simulator sits at
// SimIPv4/SimIPv6, the endpoint of that side at EndpointIPv4/EndpointIPv6.
type Subnet struct {
	Name         string `yaml:"name"`
	IPv4         string `yaml:"ipv4"`
	IPv6         string `yaml:"ipv6"`
	SimIPv4      string `yaml:"sim_ipv4"`
	SimIPv6      string `yaml:"sim_ipv6"`
	EndpointIPv4 string `yaml:"endpoint_ipv4"`
	EndpointIPv6 string `yaml:"endpoint_ipv6"`
}

// NetworkConfig holds the client side (left) and server side (right) subnets.
type NetworkConfig struct {
	Left  Subnet `yaml:"left"`
	Right Subnet `yaml:"right"`
}

// Config is the optional runner configuration file.
type Config struct {
	Parallel         int               `yaml:"parallel"`
	Launcher         string            `yaml:"launcher"`
	ScratchDir       string            `yaml:"scratch_dir"`
	SimImage         string            `yaml:"sim_image"`
	ExtraImages      map[string]string `yaml:"extra_images"`
	CertsScript      string            `yaml:"certs_script"`
	StopGrace        time.Duration     `yaml:"stop_grace"`
	CaptureInterface string            `yaml:"capture_interface"`
	Network          NetworkConfig     `yaml:"network"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Parallel:   1,
		Launcher:   LauncherDocker,
		ScratchDir: os.TempDir(),
		SimImage:   "martenseemann/quic-network-simulator",
		ExtraImages: map[string]string{
			ImageIperfServer: "martenseemann/quic-interop-iperf-endpoint",
			ImageIperfClient: "martenseemann/quic-interop-iperf-endpoint",
		},
		CertsScript: "./certs.sh",
		StopGrace:   time.Second,
		Network: NetworkConfig{
			Left: Subnet{
				Name:         "leftnet",
				IPv4:         "193.167.0.0/24",
				IPv6:         "fd00:cafe:cafe:0::/64",
				SimIPv4:      "193.167.0.2",
				SimIPv6:      "fd00:cafe:cafe:0::2",
				EndpointIPv4: "193.167.0.100",
				EndpointIPv6: "fd00:cafe:cafe:0::100",
			},
			Right: Subnet{
				Name:         "rightnet",
				IPv4:         "193.167.100.0/24",
				IPv6:         "fd00:cafe:cafe:100::/64",
				SimIPv4:      "193.167.100.2",
				SimIPv6:      "fd00:cafe:cafe:100::2",
				EndpointIPv4: "193.167.100.100",
				EndpointIPv6: "fd00:cafe:cafe:100::100",
			},
		},
	}
}

// LoadConfig reads a runner config file on top of DefaultConfig. An empty
// path yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.WrapConfigError(fmt.Errorf("config file not found: %s", path), path)
		}
		return nil, errors.WrapConfigError(fmt.Errorf("read config file: %w", err), path)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, errors.WrapConfigError(fmt.Errorf("parse YAML: %w", err), path)
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapConfigError(fmt.Errorf("validate config: %w", err), path)
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Parallel < 1 {
		return fmt.Errorf("parallel must be at least 1, got %d", c.Parallel)
	}
	switch c.Launcher {
	case LauncherDocker:
		if c.SimImage == "" {
			return fmt.Errorf("sim_image is required for the docker launcher")
		}
	case LauncherLocal:
		if c.SimImage == "" && c.CaptureInterface == "" {
			return fmt.Errorf("local launcher needs sim_image or capture_interface")
		}
	default:
		return fmt.Errorf("invalid launcher %q (must be %s or %s)", c.Launcher, LauncherDocker, LauncherLocal)
	}
	if c.StopGrace < 0 {
		return fmt.Errorf("stop_grace must not be negative")
	}
	if c.CertsScript == "" {
		return fmt.Errorf("certs_script is required")
	}
	for name, image := range c.ExtraImages {
		if image == "" {
			return fmt.Errorf("extra_images.%s is empty", name)
		}
	}
	if err := validateSubnet("network.left", c.Network.Left); err != nil {
		return err
	}
	if err := validateSubnet("network.right", c.Network.Right); err != nil {
		return err
	}
	if c.Network.Left.Name == c.Network.Right.Name {
		return fmt.Errorf("network.left and network.right must have different names")
	}
	return nil
}

func validateSubnet(section string, s Subnet) error {
	if s.Name == "" {
		return fmt.Errorf("%s.name is required", section)
	}
	v4, err := netip.ParsePrefix(s.IPv4)
	if err != nil || !v4.Addr().Is4() {
		return fmt.Errorf("%s.ipv4 %q is not an IPv4 prefix", section, s.IPv4)
	}
	v6, err := netip.ParsePrefix(s.IPv6)
	if err != nil || !v6.Addr().Is6() {
		return fmt.Errorf("%s.ipv6 %q is not an IPv6 prefix", section, s.IPv6)
	}
	hosts := []struct {
		key    string
		value  string
		prefix netip.Prefix
	}{
		{"sim_ipv4", s.SimIPv4, v4},
		{"sim_ipv6", s.SimIPv6, v6},
		{"endpoint_ipv4", s.EndpointIPv4, v4},
		{"endpoint_ipv6", s.EndpointIPv6, v6},
	}
	for _, h := range hosts {
		addr, err := netip.ParseAddr(h.value)
		if err != nil {
			return fmt.Errorf("%s.%s: %w", section, h.key, err)
		}
		if !h.prefix.Contains(addr) {
			return fmt.Errorf("%s.%s %s is outside %s", section, h.key, addr, h.prefix)
		}
	}
	return nil
}
