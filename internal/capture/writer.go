package capture

import (
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Datagram is one UDP datagram to be written into a capture file.
type Datagram struct {
	Time    time.Time
	SrcIP   net.IP
	DstIP   net.IP
	SrcPort uint16
	DstPort uint16
	ECN     uint8
	Payload []byte
}

// Writer writes UDP datagrams as Ethernet frames into a pcap stream.
type Writer struct {
	w    *pcapgo.Writer
	opts gopacket.SerializeOptions
}

// NewWriter writes the pcap file header to w.
func NewWriter(w io.Writer) (*Writer, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(65535, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	return &Writer{
		w: pw,
		opts: gopacket.SerializeOptions{
			FixLengths:       true,
			ComputeChecksums: true,
		},
	}, nil
}

// WriteDatagram serializes d with IPv4 or IPv6 depending on its addresses.
func (w *Writer) WriteDatagram(d Datagram) error {
	buffer := gopacket.NewSerializeBuffer()
	ethernet := &layers.Ethernet{
		SrcMAC: []byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
		DstMAC: []byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x02},
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(d.SrcPort),
		DstPort: layers.UDPPort(d.DstPort),
	}

	var network gopacket.SerializableLayer
	if d.SrcIP.To4() != nil && d.DstIP.To4() != nil {
		ethernet.EthernetType = layers.EthernetTypeIPv4
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			TOS:      d.ECN & 0x03,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    d.SrcIP.To4(),
			DstIP:    d.DstIP.To4(),
		}
		_ = udp.SetNetworkLayerForChecksum(ip)
		network = ip
	} else {
		ethernet.EthernetType = layers.EthernetTypeIPv6
		ip := &layers.IPv6{
			Version:      6,
			HopLimit:     64,
			TrafficClass: d.ECN & 0x03,
			NextHeader:   layers.IPProtocolUDP,
			SrcIP:        d.SrcIP.To16(),
			DstIP:        d.DstIP.To16(),
		}
		_ = udp.SetNetworkLayerForChecksum(ip)
		network = ip
	}

	if err := gopacket.SerializeLayers(buffer, w.opts, ethernet, network, udp, gopacket.Payload(d.Payload)); err != nil {
		return fmt.Errorf("serialize datagram: %w", err)
	}
	ts := d.Time
	if ts.IsZero() {
		ts = time.Unix(0, 0)
	}
	if err := w.w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     ts,
		CaptureLength: len(buffer.Bytes()),
		Length:        len(buffer.Bytes()),
	}, buffer.Bytes()); err != nil {
		return fmt.Errorf("write packet: %w", err)
	}
	return nil
}

// WriteFile writes datagrams into a new pcap file at path.
func WriteFile(path string, datagrams []Datagram) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create pcap: %w", err)
	}
	defer file.Close()
	w, err := NewWriter(file)
	if err != nil {
		return err
	}
	for _, d := range datagrams {
		if err := w.WriteDatagram(d); err != nil {
			return err
		}
	}
	return file.Close()
}
