package launcher

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/quic-interop/quic-interop-runner/internal/config"
	"github.com/quic-interop/quic-interop-runner/internal/logging"
)

// SimPort is the port the network simulator exposes for its control channel.
const SimPort = "57832"

const (
	networkLabel = "quic-interop-runner"
	// sessionLabel tells the containers of one runner apart from those of
	// other runners sharing the daemon.
	sessionLabel = "quic-interop-runner.session"
)

// Docker runs units as containers attached to the two simulator networks.
// Addresses are fixed, so only one run can be active at a time.
type Docker struct {
	cli *client.Client
	cfg *config.Config
	log *logging.Logger
	// session is unique per launcher and labels every container it creates.
	session string

	mu       sync.Mutex
	networks map[Side]string
	created  []string
}

// NewDocker connects to the Docker daemon configured in the environment.
func NewDocker(cfg *config.Config, log *logging.Logger) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create Docker client: %w", err)
	}
	session := fmt.Sprintf("%d-%d", os.Getpid(), time.Now().UnixNano())
	return &Docker{cli: cli, cfg: cfg, log: log, session: session, networks: make(map[Side]string)}, nil
}

// Setup creates the left and right networks unless they already exist.
func (d *Docker) Setup(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("reach Docker daemon: %w", err)
	}
	existing, err := d.cli.NetworkList(ctx, types.NetworkListOptions{})
	if err != nil {
		return fmt.Errorf("list networks: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for side, sn := range map[Side]config.Subnet{SideLeft: d.cfg.Network.Left, SideRight: d.cfg.Network.Right} {
		found := false
		for _, n := range existing {
			if n.Name == sn.Name {
				d.networks[side] = n.ID
				found = true
				break
			}
		}
		if found {
			continue
		}
		resp, err := d.cli.NetworkCreate(ctx, sn.Name, types.NetworkCreate{
			Driver:     "bridge",
			EnableIPv6: true,
			IPAM: &network.IPAM{
				Config: []network.IPAMConfig{{Subnet: sn.IPv4}, {Subnet: sn.IPv6}},
			},
			Options: map[string]string{
				"com.docker.network.bridge.enable_ip_masquerade": "false",
			},
			Labels: map[string]string{networkLabel: "true"},
		})
		if err != nil {
			return fmt.Errorf("create network %s: %w", sn.Name, err)
		}
		d.log.Debug("Created network %s (%s, %s)", sn.Name, sn.IPv4, sn.IPv6)
		d.networks[side] = resp.ID
		d.created = append(d.created, resp.ID)
	}
	return nil
}

// Teardown removes leftover run containers and the networks Setup created.
func (d *Docker) Teardown(ctx context.Context) error {
	var errs []string
	leftovers, err := d.cli.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: d.leftoverFilter(),
	})
	if err == nil {
		for _, c := range leftovers {
			if err := d.cli.ContainerRemove(ctx, c.ID, types.ContainerRemoveOptions{Force: true}); err != nil {
				errs = append(errs, err.Error())
			}
		}
	}
	d.mu.Lock()
	for _, id := range d.created {
		if err := d.cli.NetworkRemove(ctx, id); err != nil {
			errs = append(errs, fmt.Sprintf("remove network: %v", err))
		}
	}
	d.created = nil
	d.mu.Unlock()
	if err := d.cli.Close(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return fmt.Errorf("teardown: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (d *Docker) containerLabels(runID, unit string) map[string]string {
	return map[string]string{networkLabel: runID, sessionLabel: d.session, "unit": unit}
}

// leftoverFilter matches the containers created by this launcher only.
func (d *Docker) leftoverFilter() filters.Args {
	return filters.NewArgs(filters.Arg("label", sessionLabel+"="+d.session))
}

func endpointSettings(networkID, ipv4, ipv6 string) *network.EndpointSettings {
	es := &network.EndpointSettings{NetworkID: networkID}
	if ipv4 != "" || ipv6 != "" {
		es.IPAMConfig = &network.EndpointIPAMConfig{IPv4Address: ipv4, IPv6Address: ipv6}
	}
	return es
}

// Start creates and starts the unit's container and streams its console
// output into u.Output.
func (d *Docker) Start(ctx context.Context, runID string, u Unit) (Process, error) {
	d.mu.Lock()
	left, right := d.networks[SideLeft], d.networks[SideRight]
	d.mu.Unlock()
	if left == "" || right == "" {
		return nil, fmt.Errorf("networks not set up")
	}

	hostname := u.Hostname
	if hostname == "" {
		hostname = u.Name
	}
	cfg := &container.Config{
		Image:    u.Image,
		Hostname: hostname,
		Env:      EnvList(u.Env),
		Labels:   d.containerLabels(runID, u.Name),
	}
	host := &container.HostConfig{
		CapAdd:     []string{"NET_ADMIN"},
		ExtraHosts: u.ExtraHosts,
		Sysctls:    map[string]string{"net.ipv6.conf.all.disable_ipv6": "0"},
	}
	for _, m := range u.Mounts {
		bind := m.Source + ":" + m.Target
		if m.ReadOnly {
			bind += ":ro"
		}
		host.Binds = append(host.Binds, bind)
	}

	var first, second *network.EndpointSettings
	var firstName, secondName string
	switch u.Side {
	case SideBoth:
		cfg.ExposedPorts = nat.PortSet{nat.Port(SimPort + "/tcp"): struct{}{}}
		cfg.Tty = true
		cfg.OpenStdin = true
		host.Privileged = true
		firstName, secondName = d.cfg.Network.Left.Name, d.cfg.Network.Right.Name
		first = endpointSettings(left, d.cfg.Network.Left.SimIPv4, d.cfg.Network.Left.SimIPv6)
		second = endpointSettings(right, d.cfg.Network.Right.SimIPv4, d.cfg.Network.Right.SimIPv6)
	case SideRight:
		firstName = d.cfg.Network.Right.Name
		first = endpointSettings(right, u.IPv4, u.IPv6)
	default:
		firstName = d.cfg.Network.Left.Name
		first = endpointSettings(left, u.IPv4, u.IPv6)
	}
	host.NetworkMode = container.NetworkMode(firstName)

	name := runID + "-" + u.Name
	resp, err := d.cli.ContainerCreate(ctx, cfg, host, &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{firstName: first},
	}, nil, name)
	if err != nil {
		return nil, fmt.Errorf("create container %s: %w", name, err)
	}
	p := &dockerProcess{cli: d.cli, id: resp.ID, name: name, done: make(chan struct{})}
	if second != nil {
		if err := d.cli.NetworkConnect(ctx, secondName, resp.ID, second); err != nil {
			p.Remove(context.WithoutCancel(ctx))
			return nil, fmt.Errorf("connect %s to %s: %w", name, secondName, err)
		}
	}

	waitCh, errCh := d.cli.ContainerWait(context.WithoutCancel(ctx), resp.ID, container.WaitConditionNextExit)
	if err := d.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		p.Remove(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("start container %s: %w", name, err)
	}
	go p.wait(waitCh, errCh)

	out := u.Output
	if out == nil {
		out = io.Discard
	}
	logs, err := d.cli.ContainerLogs(context.WithoutCancel(ctx), resp.ID, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		d.log.Debug("Cannot follow logs of %s: %v", name, err)
	} else {
		p.logsDone = make(chan struct{})
		go func() {
			defer close(p.logsDone)
			defer logs.Close()
			if cfg.Tty {
				io.Copy(out, logs)
				return
			}
			stdcopy.StdCopy(out, out, logs)
		}()
	}
	d.log.Debug("Started container %s (%s)", name, u.Image)
	return p, nil
}

type dockerProcess struct {
	cli  *client.Client
	id   string
	name string

	done     chan struct{}
	logsDone chan struct{}
	exitCode int
	err      error
}

func (p *dockerProcess) wait(waitCh <-chan container.WaitResponse, errCh <-chan error) {
	defer close(p.done)
	select {
	case resp := <-waitCh:
		p.exitCode = int(resp.StatusCode)
		if resp.Error != nil {
			p.err = fmt.Errorf("wait for %s: %s", p.name, resp.Error.Message)
		}
	case err := <-errCh:
		p.exitCode = -1
		p.err = fmt.Errorf("wait for %s: %w", p.name, err)
	}
}

func (p *dockerProcess) Wait(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case <-p.done:
		return p.exitCode, p.err
	}
}

func (p *dockerProcess) Stop(ctx context.Context, grace time.Duration) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	timeout := int(grace.Seconds())
	if err := p.cli.ContainerStop(ctx, p.id, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("stop %s: %w", p.name, err)
	}
	return nil
}

// Remove deletes the container after its console output was drained.
func (p *dockerProcess) Remove(ctx context.Context) error {
	if p.logsDone != nil {
		select {
		case <-p.logsDone:
		case <-time.After(5 * time.Second):
		}
	}
	if err := p.cli.ContainerRemove(ctx, p.id, types.ContainerRemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		return fmt.Errorf("remove %s: %w", p.name, err)
	}
	return nil
}
