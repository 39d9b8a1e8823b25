//go:build linux

package netdetect

import (
	"fmt"
	"os/exec"
	"strings"
)

// routeInterface asks `ip route get` for the outgoing interface.
func routeInterface(target string) (string, error) {
	output, err := exec.Command("ip", "route", "get", target).Output()
	if err != nil {
		return "", fmt.Errorf("ip route: %w", err)
	}
	return parseIPRoute(string(output))
}

// parseIPRoute extracts the dev field of
// "193.167.100.100 via 10.0.0.1 dev eth0 src 10.0.0.2 uid 1000".
func parseIPRoute(output string) (string, error) {
	fields := strings.Fields(output)
	for i, field := range fields {
		if field == "dev" && i+1 < len(fields) {
			return fields[i+1], nil
		}
	}
	return "", fmt.Errorf("no dev in route %q", strings.TrimSpace(output))
}
