// Package quic reconstructs QUIC packets, frames and TLS handshake messages
// from captured UDP payloads. It is a passive dissector: it never builds
// packets for the wire and only decrypts what the Initial secrets or an
// exported TLS key log allow.
package quic

import (
	"fmt"
)

// Known QUIC versions.
const (
	Version1 uint32 = 0x00000001
	Version2 uint32 = 0x6b3343cf
)

// PacketType identifies the kind of a QUIC packet.
type PacketType uint8

const (
	PacketInvalid PacketType = iota
	PacketInitial
	Packet0RTT
	PacketHandshake
	PacketRetry
	PacketVersionNegotiation
	Packet1RTT
)

func (t PacketType) String() string {
	switch t {
	case PacketInitial:
		return "Initial"
	case Packet0RTT:
		return "0-RTT"
	case PacketHandshake:
		return "Handshake"
	case PacketRetry:
		return "Retry"
	case PacketVersionNegotiation:
		return "VersionNegotiation"
	case Packet1RTT:
		return "1-RTT"
	default:
		return "Invalid"
	}
}

// VersionString formats a version the way the result export does ("0x1").
func VersionString(v uint32) string {
	return fmt.Sprintf("%#x", v)
}

// IsKnownVersion reports whether packets of version v can be decoded beyond
// the version-independent invariants.
func IsKnownVersion(v uint32) bool {
	return v == Version1 || v == Version2
}

// longPacketType maps the two type bits of a long header to a packet type.
// QUIC v2 permutes the code points (RFC 9369, Section 3.2).
func longPacketType(version uint32, bits byte) PacketType {
	if version == Version2 {
		switch bits {
		case 0:
			return PacketRetry
		case 1:
			return PacketInitial
		case 2:
			return Packet0RTT
		default:
			return PacketHandshake
		}
	}
	switch bits {
	case 0:
		return PacketInitial
	case 1:
		return Packet0RTT
	case 2:
		return PacketHandshake
	default:
		return PacketRetry
	}
}

const retryIntegrityTagLen = 16

// Header holds the cleartext fields of one QUIC packet.
type Header struct {
	Type    PacketType
	Long    bool
	Version uint32
	DCID    []byte
	SCID    []byte
	// Token is the Initial token, or the Retry token for Retry packets.
	Token []byte
	// SupportedVersions lists the versions of a Version Negotiation packet.
	SupportedVersions []uint32
	// Length is the value of the long header Length field.
	Length int
	// PNOffset is the offset of the (protected) packet number within Raw.
	PNOffset int
	// Raw holds the bytes of this packet only, excluding coalesced packets.
	Raw []byte
}

// parseLongHeader parses the long header packet at the start of b and
// returns it together with the number of bytes it occupies in the datagram.
func parseLongHeader(b []byte) (*Header, int, error) {
	r := newReader(b)
	first := r.uint8()
	h := &Header{Long: true}
	h.Version = r.uint32()
	h.DCID = r.vector8()
	h.SCID = r.vector8()
	if r.err != nil {
		return nil, 0, fmt.Errorf("long header: %w", r.err)
	}

	if h.Version == 0 {
		h.Type = PacketVersionNegotiation
		for r.remaining() >= 4 {
			h.SupportedVersions = append(h.SupportedVersions, r.uint32())
		}
		h.Raw = b
		return h, len(b), nil
	}

	h.Type = longPacketType(h.Version, (first>>4)&0x03)
	if !IsKnownVersion(h.Version) {
		// Only the invariants are defined for unknown versions. Best effort:
		// read the token as if this were a v1 Initial and claim the rest of
		// the datagram.
		if h.Type == PacketInitial {
			tr := newReader(b[r.off:])
			tok := tr.bytes(int(tr.varint()))
			if tr.err == nil {
				h.Token = tok
			}
		}
		h.Raw = b
		return h, len(b), nil
	}

	switch h.Type {
	case PacketRetry:
		rest := r.rest()
		if len(rest) < retryIntegrityTagLen {
			return nil, 0, fmt.Errorf("retry packet: %w", ErrTruncated)
		}
		h.Token = rest[:len(rest)-retryIntegrityTagLen]
		h.Raw = b
		return h, len(b), nil
	case PacketInitial:
		h.Token = r.bytes(int(r.varint()))
	}
	h.Length = int(r.varint())
	if r.err != nil {
		return nil, 0, fmt.Errorf("%s header: %w", h.Type, r.err)
	}
	h.PNOffset = r.off
	end := r.off + h.Length
	if end > len(b) {
		// A truncated capture: keep what we have.
		end = len(b)
	}
	h.Raw = b[:end]
	return h, end, nil
}

// parseShortHeader parses a 1-RTT packet whose destination connection ID is
// dcidLen bytes long. A short header packet always extends to the end of the
// datagram.
func parseShortHeader(b []byte, dcidLen int) (*Header, error) {
	if len(b) < 1+dcidLen {
		return nil, fmt.Errorf("short header: %w", ErrTruncated)
	}
	return &Header{
		Type:     Packet1RTT,
		DCID:     b[1 : 1+dcidLen],
		PNOffset: 1 + dcidLen,
		Raw:      b,
	}, nil
}

// IsLongHeader reports whether the first byte of b announces a long header.
func IsLongHeader(b []byte) bool {
	return len(b) > 0 && b[0]&0x80 != 0
}
