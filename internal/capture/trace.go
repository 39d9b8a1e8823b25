// Package capture reads packet captures of a run and turns them into
// dissected QUIC traces.
package capture

import (
	"net"
	"time"

	"github.com/quic-interop/quic-interop-runner/internal/quic"
)

// Direction is the sender of a packet relative to the QUIC endpoints.
type Direction int

const (
	DirectionUnknown Direction = iota
	FromClient
	FromServer
)

func (d Direction) String() string {
	switch d {
	case FromClient:
		return "client->server"
	case FromServer:
		return "server->client"
	default:
		return "unknown"
	}
}

// ECN codepoints of the IP header (RFC 3168).
const (
	ECNNotECT uint8 = 0
	ECNECT1   uint8 = 1
	ECNECT0   uint8 = 2
	ECNCE     uint8 = 3
)

// QUICPort is the UDP port the server listens on.
const QUICPort = 443

// Packet is one QUIC packet together with the UDP datagram it arrived in.
type Packet struct {
	quic.Packet

	Time time.Time
	// Datagram is the index of the UDP datagram within the trace. Coalesced
	// packets share the index.
	Datagram  int
	Direction Direction
	SrcIP     net.IP
	DstIP     net.IP
	SrcPort   uint16
	DstPort   uint16
	IPv6      bool
	ECN       uint8
	// UDPPayloadLength is the size of the whole datagram payload.
	UDPPayloadLength int
}

// Trace is the ordered list of QUIC packets of one capture file.
type Trace struct {
	Path    string
	Packets []Packet
	// Datagrams counts UDP datagrams to or from the QUIC port.
	Datagrams int
	// Truncated is set when the capture ended in the middle of a record.
	Truncated bool
}

// Select returns the packets sent in direction dir (any direction for
// DirectionUnknown) whose type is one of types (any type when empty).
func (t *Trace) Select(dir Direction, types ...quic.PacketType) []Packet {
	var out []Packet
	for _, p := range t.Packets {
		if dir != DirectionUnknown && p.Direction != dir {
			continue
		}
		if len(types) > 0 && !containsType(types, p.Type) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func containsType(types []quic.PacketType, t quic.PacketType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

func (t *Trace) Initial(dir Direction) []Packet {
	return t.Select(dir, quic.PacketInitial)
}

func (t *Trace) Handshake(dir Direction) []Packet {
	return t.Select(dir, quic.PacketHandshake)
}

func (t *Trace) OneRTT(dir Direction) []Packet {
	return t.Select(dir, quic.Packet1RTT)
}

func (t *Trace) ZeroRTT() []Packet {
	return t.Select(FromClient, quic.Packet0RTT)
}

func (t *Trace) Retry() []Packet {
	return t.Select(DirectionUnknown, quic.PacketRetry)
}

func (t *Trace) VersionNegotiation() []Packet {
	return t.Select(DirectionUnknown, quic.PacketVersionNegotiation)
}

// FirstPackets returns the first packet of every datagram sent in direction dir.
func (t *Trace) FirstPackets(dir Direction) []Packet {
	var out []Packet
	last := -1
	for _, p := range t.Packets {
		if p.Datagram == last {
			continue
		}
		last = p.Datagram
		if dir == DirectionUnknown || p.Direction == dir {
			out = append(out, p)
		}
	}
	return out
}

// ByDatagram groups the packets sent in direction dir by the UDP datagram
// that carried them, in capture order.
func (t *Trace) ByDatagram(dir Direction) [][]Packet {
	var out [][]Packet
	last := -1
	for _, p := range t.Packets {
		if dir != DirectionUnknown && p.Direction != dir {
			continue
		}
		if p.Datagram != last {
			out = append(out, nil)
			last = p.Datagram
		}
		out[len(out)-1] = append(out[len(out)-1], p)
	}
	return out
}

// directionOf classifies a datagram by the QUIC port.
func directionOf(srcPort, dstPort uint16) Direction {
	switch {
	case srcPort == QUICPort:
		return FromServer
	case dstPort == QUICPort:
		return FromClient
	default:
		return DirectionUnknown
	}
}
