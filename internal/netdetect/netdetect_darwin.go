//go:build darwin

package netdetect

import (
	"bufio"
	"fmt"
	"os/exec"
	"strings"
)

// routeInterface asks `route -n get` for the outgoing interface.
func routeInterface(target string) (string, error) {
	output, err := exec.Command("route", "-n", "get", target).Output()
	if err != nil {
		return "", fmt.Errorf("route: %w", err)
	}
	return parseRouteGet(string(output))
}

func parseRouteGet(output string) (string, error) {
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), ":")
		if ok && key == "interface" && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value), nil
		}
	}
	return "", fmt.Errorf("no interface in route output")
}
