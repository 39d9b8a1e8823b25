package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/quic-interop/quic-interop-runner/internal/quic"
)

// Reader loads a capture file into a dissected trace. Implementations must
// return the packets read so far when the file is cut short.
type Reader interface {
	Read(ctx context.Context, path string, keylog *quic.KeyLog) (*Trace, error)
}

// FileReader reads pcap and pcapng files with gopacket's pure Go readers.
type FileReader struct{}

// NewFileReader returns a Reader backed by capture files on disk.
func NewFileReader() *FileReader {
	return &FileReader{}
}

// Read implements Reader.
func (FileReader) Read(ctx context.Context, path string, keylog *quic.KeyLog) (*Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open capture: %w", err)
	}
	defer f.Close()
	tr, err := Decode(ctx, f, keylog)
	if tr != nil {
		tr.Path = path
	}
	if err != nil {
		return tr, fmt.Errorf("read capture %s: %w", path, err)
	}
	return tr, nil
}

type packetSource interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// pcapng section header block magic.
var ngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

// Decode reads a pcap or pcapng stream and dissects every UDP datagram to or
// from the QUIC port.
func Decode(ctx context.Context, r io.Reader, keylog *quic.KeyLog) (*Trace, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	var src packetSource
	if string(magic) == string(ngMagic) {
		src, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		src, err = pcapgo.NewReader(br)
	}
	if err != nil {
		return nil, fmt.Errorf("open reader: %w", err)
	}

	tr := &Trace{}
	d := quic.NewDissector(keylog)
	decoder := src.LinkType()
	for {
		if err := ctx.Err(); err != nil {
			return tr, err
		}
		data, ci, err := src.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return tr, nil
		}
		if err != nil {
			// A capture stopped by killing the simulator usually ends
			// mid-record. Keep what was read.
			tr.Truncated = true
			return tr, nil
		}
		pkt := gopacket.NewPacket(data, decoder, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		tr.add(d, pkt, ci)
	}
}

func (t *Trace) add(d *quic.Dissector, pkt gopacket.Packet, ci gopacket.CaptureInfo) {
	udpLayer := pkt.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return
	}
	udp, ok := udpLayer.(*layers.UDP)
	if !ok || len(udp.Payload) == 0 {
		return
	}
	dir := directionOf(uint16(udp.SrcPort), uint16(udp.DstPort))
	if dir == DirectionUnknown {
		return
	}

	base := Packet{
		Time:             ci.Timestamp,
		Datagram:         t.Datagrams,
		Direction:        dir,
		SrcPort:          uint16(udp.SrcPort),
		DstPort:          uint16(udp.DstPort),
		UDPPayloadLength: len(udp.Payload),
	}
	if ip, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4); ok {
		base.SrcIP, base.DstIP = ip.SrcIP, ip.DstIP
		base.ECN = ip.TOS & 0x03
	} else if ip6, ok := pkt.Layer(layers.LayerTypeIPv6).(*layers.IPv6); ok {
		base.SrcIP, base.DstIP = ip6.SrcIP, ip6.DstIP
		base.ECN = ip6.TrafficClass & 0x03
		base.IPv6 = true
	} else {
		return
	}
	// An ICMP error quoting a QUIC datagram decodes as UDP too.
	if pkt.Layer(layers.LayerTypeICMPv4) != nil || pkt.Layer(layers.LayerTypeICMPv6) != nil {
		return
	}
	t.Datagrams++

	for _, qp := range d.Datagram(udp.Payload, dir == FromServer) {
		p := base
		p.Packet = qp
		t.Packets = append(t.Packets, p)
	}
}
