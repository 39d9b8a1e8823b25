// Package netdetect resolves the interface the local launcher captures on.
package netdetect

import (
	"fmt"
	"net"
	"strings"
)

// Auto selects the interface that routes to the server endpoint.
const Auto = "auto"

// Interface is a capture device.
type Interface struct {
	Name        string
	Description string
	Addresses   []string
	Up          bool
	Loopback    bool
}

// Resolve returns the capture interface for a configured name. Auto is
// resolved through the routing table towards target; any other name must be
// a capture device.
func Resolve(name, target string) (string, error) {
	ifaces, err := List()
	if err != nil {
		return "", err
	}
	if name == Auto {
		return detect(ifaces, target, routeInterface)
	}
	for _, iface := range ifaces {
		if iface.Name == name {
			return name, nil
		}
	}
	return "", fmt.Errorf("capture interface %q not found (available: %s)", name, names(ifaces))
}

func detect(ifaces []Interface, target string, route func(string) (string, error)) (string, error) {
	ip := net.ParseIP(target)
	if ip == nil {
		return "", fmt.Errorf("invalid IP address: %s", target)
	}
	if ip.IsLoopback() {
		for _, iface := range ifaces {
			if iface.Loopback {
				return iface.Name, nil
			}
		}
		return "", fmt.Errorf("no loopback interface found")
	}
	// Local addresses are captured on the interface that holds them.
	for _, iface := range ifaces {
		for _, addr := range iface.Addresses {
			if addr == ip.String() {
				return iface.Name, nil
			}
		}
	}
	name, err := route(target)
	if err != nil {
		return "", fmt.Errorf("detect interface for %s: %w", target, err)
	}
	return name, nil
}

func names(ifaces []Interface) string {
	if len(ifaces) == 0 {
		return "none"
	}
	out := make([]string, len(ifaces))
	for i, iface := range ifaces {
		out[i] = iface.Name
	}
	return strings.Join(out, ", ")
}
