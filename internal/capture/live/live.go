//go:build cgo

// Package live records network traffic into pcap files through libpcap.
package live

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
	"github.com/google/gopacket/pcapgo"
)

// Capture is a running capture on a network interface.
type Capture struct {
	handle   *pcap.Handle
	writer   *pcapgo.Writer
	file     *os.File
	count    atomic.Int64
	stopChan chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	writeErr error
}

// Start captures packets matching filter on iface into outputFile.
func Start(iface, filter, outputFile string) (*Capture, error) {
	handle, err := pcap.OpenLive(iface, 65535, true, pcap.BlockForever)
	if err != nil {
		return nil, fmt.Errorf("open live capture: %w", err)
	}
	if filter != "" {
		if err := handle.SetBPFFilter(filter); err != nil {
			handle.Close()
			return nil, fmt.Errorf("set BPF filter: %w", err)
		}
	}

	file, err := os.Create(outputFile)
	if err != nil {
		handle.Close()
		return nil, fmt.Errorf("create pcap file: %w", err)
	}
	writer := pcapgo.NewWriter(file)
	if err := writer.WriteFileHeader(65535, handle.LinkType()); err != nil {
		file.Close()
		handle.Close()
		return nil, fmt.Errorf("write pcap header: %w", err)
	}

	c := &Capture{
		handle:   handle,
		writer:   writer,
		file:     file,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.captureLoop()
	return c, nil
}

func (c *Capture) captureLoop() {
	defer close(c.done)
	packets := gopacket.NewPacketSource(c.handle, c.handle.LinkType()).Packets()
	for {
		select {
		case <-c.stopChan:
			return
		case packet, ok := <-packets:
			if !ok {
				return
			}
			ci := packet.Metadata().CaptureInfo
			if err := c.writer.WritePacket(ci, packet.Data()); err != nil && c.writeErr == nil {
				c.writeErr = err
			}
			c.count.Add(1)
		}
	}
}

// Stop ends the capture and closes the output file. It is idempotent.
func (c *Capture) Stop() error {
	var err error
	c.stopOnce.Do(func() {
		close(c.stopChan)
		c.handle.Close()
		<-c.done
		if cerr := c.file.Close(); cerr != nil {
			err = fmt.Errorf("close pcap file: %w", cerr)
		}
		if c.writeErr != nil {
			err = fmt.Errorf("write packet: %w", c.writeErr)
		}
	})
	return err
}

// Count returns the number of packets written so far.
func (c *Capture) Count() int64 {
	return c.count.Load()
}
