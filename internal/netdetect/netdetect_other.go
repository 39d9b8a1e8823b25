//go:build !linux && !darwin

package netdetect

import "fmt"

func routeInterface(target string) (string, error) {
	return "", fmt.Errorf("route lookup not supported on this platform, set capture_interface")
}
