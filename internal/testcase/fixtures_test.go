package testcase

import (
	"net"
	"time"

	"github.com/quic-interop/quic-interop-runner/internal/capture"
	"github.com/quic-interop/quic-interop-runner/internal/quic"
)

var (
	clientIP = net.IPv4(193, 167, 0, 100)
	serverIP = net.IPv4(193, 167, 100, 100)

	clientDCID = []byte{0x83, 0x94, 0xc8, 0xf0, 0x3e, 0x51, 0x57, 0x08}
	clientSCID = []byte{0xc1, 0x1e, 0x47}
	serverSCID = []byte{0x5e, 0x7e, 0x40, 0x01}
)

// traceBuilder assembles a dissected trace packet by packet, the way the
// capture reader would produce it.
type traceBuilder struct {
	tr   capture.Trace
	now  time.Time
	port uint16
	ip   net.IP
	ecn  uint8
}

func newTrace() *traceBuilder {
	return &traceBuilder{
		now:  time.Unix(1700000000, 0),
		port: 50000,
		ip:   clientIP,
	}
}

// send appends one datagram carrying pkts.
func (b *traceBuilder) send(dir capture.Direction, pkts ...quic.Packet) *traceBuilder {
	b.now = b.now.Add(time.Millisecond)
	base := capture.Packet{
		Time:      b.now,
		Datagram:  b.tr.Datagrams,
		Direction: dir,
		ECN:       b.ecn,
	}
	if dir == capture.FromClient {
		base.SrcIP, base.SrcPort, base.DstIP, base.DstPort = b.ip, b.port, serverIP, capture.QUICPort
	} else {
		base.SrcIP, base.SrcPort, base.DstIP, base.DstPort = serverIP, capture.QUICPort, b.ip, b.port
	}
	size := 0
	for _, p := range pkts {
		size += p.PayloadLength + 20
	}
	base.UDPPayloadLength = size
	b.tr.Datagrams++
	for _, p := range pkts {
		cp := base
		cp.Packet = p
		b.tr.Packets = append(b.tr.Packets, cp)
	}
	return b
}

// sized appends a datagram with an explicit UDP payload length.
func (b *traceBuilder) sized(dir capture.Direction, size int, p quic.Packet) *traceBuilder {
	b.send(dir, p)
	b.tr.Packets[len(b.tr.Packets)-1].UDPPayloadLength = size
	return b
}

func (b *traceBuilder) wait(d time.Duration) *traceBuilder {
	b.now = b.now.Add(d)
	return b
}

func (b *traceBuilder) build() *capture.Trace {
	tr := b.tr
	return &tr
}

func payloadLen(frames []quic.Frame) int {
	n := 1
	for _, f := range frames {
		n += 8 + len(f.Data)
	}
	return n
}

func longPacket(typ quic.PacketType, version uint32, dcid, scid []byte, pn uint64, frames ...quic.Frame) quic.Packet {
	return quic.Packet{
		Header: quic.Header{
			Type:    typ,
			Long:    true,
			Version: version,
			DCID:    dcid,
			SCID:    scid,
		},
		PacketNumber:  pn,
		Decrypted:     true,
		Frames:        frames,
		PayloadLength: payloadLen(frames),
	}
}

func clientInitial(pn uint64, token []byte, frames ...quic.Frame) quic.Packet {
	p := longPacket(quic.PacketInitial, quic.Version1, clientDCID, clientSCID, pn, frames...)
	p.Token = token
	return p
}

func serverInitial(version uint32, scid []byte, frames ...quic.Frame) quic.Packet {
	return longPacket(quic.PacketInitial, version, clientSCID, scid, 0, frames...)
}

func withMessages(p quic.Packet, msgs ...*quic.HandshakeMessage) quic.Packet {
	p.Messages = msgs
	return p
}

func oneRTT(dcid []byte, phase uint8, frames ...quic.Frame) quic.Packet {
	return quic.Packet{
		Header:        quic.Header{Type: quic.Packet1RTT, DCID: dcid, Version: quic.Version1},
		KeyPhase:      phase,
		Decrypted:     true,
		Frames:        frames,
		PayloadLength: payloadLen(frames),
	}
}

func cryptoFrame(offset uint64, n int) quic.Frame {
	return quic.Frame{Kind: quic.FrameCrypto, Offset: offset, Data: make([]byte, n)}
}

func streamFrame(offset uint64, n int) quic.Frame {
	return quic.Frame{Kind: quic.FrameStream, StreamID: 0, Offset: offset, Data: make([]byte, n)}
}

func ackFrame(ecn bool) quic.Frame {
	f := quic.Frame{Kind: quic.FrameAck, LargestAcked: 1}
	if ecn {
		f.ECN = &quic.ECNCounts{ECT0: 1}
	}
	return f
}

// keylog returns a key log that passes the key log requirement.
func keylog() *quic.KeyLog {
	kl := quic.NewKeyLog()
	kl.Add(quic.LabelServerHandshakeTraffic, make([]byte, 32), make([]byte, 32))
	return kl
}

// handshakeTrace is a minimal v1 handshake: one client Initial and one
// server Initial.
func handshakeTrace() *traceBuilder {
	return newTrace().
		send(capture.FromClient, clientInitial(0, nil, cryptoFrame(0, 300))).
		send(capture.FromServer, serverInitial(quic.Version1, serverSCID, cryptoFrame(0, 90)))
}
