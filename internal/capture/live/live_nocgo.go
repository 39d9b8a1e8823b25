//go:build !cgo

package live

import "errors"

// ErrUnavailable is returned by Start in builds without libpcap.
var ErrUnavailable = errors.New("live capture requires a cgo build with libpcap")

// Capture is a running capture on a network interface.
type Capture struct{}

// Start always fails without cgo.
func Start(iface, filter, outputFile string) (*Capture, error) {
	return nil, ErrUnavailable
}

func (c *Capture) Stop() error  { return nil }
func (c *Capture) Count() int64 { return 0 }
