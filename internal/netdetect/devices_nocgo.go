//go:build !cgo

package netdetect

import (
	"fmt"
	"net"
)

// List returns the host interfaces. Without libpcap the system interface
// list stands in for the capture devices.
func List() ([]Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list network interfaces: %w", err)
	}
	var out []Interface
	for _, ni := range ifaces {
		iface := Interface{
			Name:     ni.Name,
			Up:       ni.Flags&net.FlagUp != 0,
			Loopback: ni.Flags&net.FlagLoopback != 0,
		}
		addrs, _ := ni.Addrs()
		for _, a := range addrs {
			if ipn, ok := a.(*net.IPNet); ok {
				iface.Addresses = append(iface.Addresses, ipn.IP.String())
			}
		}
		out = append(out, iface)
	}
	return out, nil
}
