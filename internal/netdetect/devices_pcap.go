//go:build cgo

package netdetect

import (
	"fmt"
	"net"

	"github.com/google/gopacket/pcap"
)

// List returns the devices libpcap can capture on.
func List() ([]Interface, error) {
	devices, err := pcap.FindAllDevs()
	if err != nil {
		return nil, fmt.Errorf("find network devices: %w", err)
	}

	var out []Interface
	for _, device := range devices {
		iface := Interface{Name: device.Name, Description: device.Description}
		for _, addr := range device.Addresses {
			if addr.IP == nil {
				continue
			}
			iface.Addresses = append(iface.Addresses, addr.IP.String())
			if addr.IP.IsLoopback() {
				iface.Loopback = true
			}
		}
		if ni, err := net.InterfaceByName(device.Name); err == nil {
			iface.Up = ni.Flags&net.FlagUp != 0
			iface.Loopback = iface.Loopback || ni.Flags&net.FlagLoopback != 0
		}
		out = append(out, iface)
	}
	return out, nil
}
