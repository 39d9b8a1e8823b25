package quic

import (
	"fmt"
	"sort"
)

// Sealer protects packets for one direction of one encryption level. The
// runner never talks to a peer; sealed packets are used to synthesize
// capture fixtures and to self-test the dissector.
type Sealer struct {
	keys *packetKeys
}

// InitialSealer returns the Initial sealer for a connection whose client
// used dcid as the destination connection ID of its (latest) Initial.
func InitialSealer(version uint32, dcid []byte, fromServer bool) *Sealer {
	client, server := InitialSecrets(version, dcid)
	secret := client
	if fromServer {
		secret = server
	}
	k, _ := newPacketKeys(version, suites[TLSAES128GCMSHA256], secret)
	return &Sealer{keys: k}
}

// NewSealer returns a sealer for a traffic secret taken from a key log.
func NewSealer(version uint32, suite uint16, secret []byte) (*Sealer, error) {
	s, ok := suites[suite]
	if !ok {
		return nil, fmt.Errorf("unsupported cipher suite %s", CipherSuiteName(suite))
	}
	if len(secret) != s.hashLen() {
		return nil, fmt.Errorf("secret length %d does not match %s", len(secret), CipherSuiteName(suite))
	}
	k, err := newPacketKeys(version, s, secret)
	if err != nil {
		return nil, err
	}
	return &Sealer{keys: k}, nil
}

// Next returns the sealer for the following key phase.
func (s *Sealer) Next() (*Sealer, error) {
	k, err := s.keys.next()
	if err != nil {
		return nil, err
	}
	return &Sealer{keys: k}, nil
}

// LongPacket describes an Initial, 0-RTT or Handshake packet to seal.
type LongPacket struct {
	Type         PacketType
	Version      uint32
	DCID         []byte
	SCID         []byte
	Token        []byte
	PacketNumber uint64
	Frames       []Frame
}

func longTypeBits(version uint32, t PacketType) byte {
	for bits := byte(0); bits < 4; bits++ {
		if longPacketType(version, bits) == t {
			return bits
		}
	}
	return 0
}

const sealedPNLen = 4

func appendPN(b []byte, pn uint64) []byte {
	return append(b, byte(pn>>24), byte(pn>>16), byte(pn>>8), byte(pn))
}

func encodeFrames(frames []Frame) []byte {
	var payload []byte
	for _, f := range frames {
		payload = AppendFrame(payload, f)
	}
	return payload
}

// SealLong builds and protects a long header packet.
func (s *Sealer) SealLong(p LongPacket) []byte {
	payload := encodeFrames(p.Frames)
	if len(payload) < 4 {
		payload = append(payload, make([]byte, 4-len(payload))...)
	}
	first := 0xc0 | longTypeBits(p.Version, p.Type)<<4 | (sealedPNLen - 1)
	hdr := []byte{first, byte(p.Version >> 24), byte(p.Version >> 16), byte(p.Version >> 8), byte(p.Version)}
	hdr = append(hdr, byte(len(p.DCID)))
	hdr = append(hdr, p.DCID...)
	hdr = append(hdr, byte(len(p.SCID)))
	hdr = append(hdr, p.SCID...)
	if p.Type == PacketInitial {
		hdr = AppendVarint(hdr, uint64(len(p.Token)))
		hdr = append(hdr, p.Token...)
	}
	length := sealedPNLen + len(payload) + s.keys.aead.Overhead()
	hdr = append(hdr, byte(length>>8)|0x40, byte(length))
	pnOffset := len(hdr)
	hdr = appendPN(hdr, p.PacketNumber)
	return s.protect(hdr, pnOffset, p.PacketNumber, payload, true)
}

// SealShort builds and protects a 1-RTT packet.
func (s *Sealer) SealShort(dcid []byte, pn uint64, keyPhase uint8, frames []Frame) []byte {
	payload := encodeFrames(frames)
	if len(payload) < 4 {
		payload = append(payload, make([]byte, 4-len(payload))...)
	}
	hdr := []byte{0x40 | (keyPhase&1)<<2 | (sealedPNLen - 1)}
	hdr = append(hdr, dcid...)
	pnOffset := len(hdr)
	hdr = appendPN(hdr, pn)
	return s.protect(hdr, pnOffset, pn, payload, false)
}

func (s *Sealer) protect(hdr []byte, pnOffset int, pn uint64, payload []byte, long bool) []byte {
	pkt := append(hdr, s.keys.seal(pn, hdr, payload)...)
	mask := s.keys.hp.mask(pkt[pnOffset+4 : pnOffset+20])
	if long {
		pkt[0] ^= mask[0] & 0x0f
	} else {
		pkt[0] ^= mask[0] & 0x1f
	}
	for i := 0; i < sealedPNLen; i++ {
		pkt[pnOffset+i] ^= mask[1+i]
	}
	return pkt
}

// RetryPacket builds a Retry packet answering a client Initial sent to odcid.
func RetryPacket(version uint32, dcid, scid, odcid, token []byte) []byte {
	first := 0xc0 | longTypeBits(version, PacketRetry)<<4
	b := []byte{first, byte(version >> 24), byte(version >> 16), byte(version >> 8), byte(version)}
	b = append(b, byte(len(dcid)))
	b = append(b, dcid...)
	b = append(b, byte(len(scid)))
	b = append(b, scid...)
	b = append(b, token...)
	return append(b, retryTag(version, odcid, b)...)
}

// VersionNegotiationPacket builds a Version Negotiation packet.
func VersionNegotiationPacket(dcid, scid []byte, versions []uint32) []byte {
	b := []byte{0x80, 0, 0, 0, 0}
	b = append(b, byte(len(dcid)))
	b = append(b, dcid...)
	b = append(b, byte(len(scid)))
	b = append(b, scid...)
	for _, v := range versions {
		b = append(b, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	}
	return b
}

// HandshakeMessageBytes wraps a handshake message body in its 4-byte header.
func HandshakeMessageBytes(typ uint8, body []byte) []byte {
	n := len(body)
	return append([]byte{typ, byte(n >> 16), byte(n >> 8), byte(n)}, body...)
}

// ClientHelloBody builds a minimal ClientHello body with the given random,
// cipher suites and PSK identities.
func ClientHelloBody(random []byte, cipherSuites []uint16, pskIdentities [][]byte) []byte {
	b := []byte{0x03, 0x03}
	b = append(b, random...)
	b = append(b, 0)
	b = append(b, byte(len(cipherSuites)*2>>8), byte(len(cipherSuites)*2))
	for _, cs := range cipherSuites {
		b = append(b, byte(cs>>8), byte(cs))
	}
	b = append(b, 1, 0)
	var exts []byte
	if len(pskIdentities) > 0 {
		var ids []byte
		for _, id := range pskIdentities {
			ids = append(ids, byte(len(id)>>8), byte(len(id)))
			ids = append(ids, id...)
			ids = append(ids, 0, 0, 0, 0)
		}
		binders := []byte{0, 33, 32}
		binders = append(binders, make([]byte, 32)...)
		data := append([]byte{byte(len(ids) >> 8), byte(len(ids))}, ids...)
		data = append(data, binders...)
		exts = append(exts, byte(extPreSharedKey>>8), byte(extPreSharedKey), byte(len(data)>>8), byte(len(data)))
		exts = append(exts, data...)
	}
	b = append(b, byte(len(exts)>>8), byte(len(exts)))
	return append(b, exts...)
}

// ServerHelloBody builds a minimal ServerHello body.
func ServerHelloBody(random []byte, suite uint16) []byte {
	b := []byte{0x03, 0x03}
	b = append(b, random...)
	b = append(b, 0)
	b = append(b, byte(suite>>8), byte(suite), 0)
	return append(b, 0, 0)
}

// EncryptedExtensionsBody builds an EncryptedExtensions body carrying the
// given integer transport parameters.
func EncryptedExtensionsBody(params map[uint64]uint64) []byte {
	ids := make([]uint64, 0, len(params))
	for id := range params {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var tp []byte
	for _, id := range ids {
		v := AppendVarint(nil, params[id])
		tp = AppendVarint(tp, id)
		tp = AppendVarint(tp, uint64(len(v)))
		tp = append(tp, v...)
	}
	ext := []byte{byte(extQUICTransportParams >> 8), byte(extQUICTransportParams), byte(len(tp) >> 8), byte(len(tp))}
	ext = append(ext, tp...)
	return append([]byte{byte(len(ext) >> 8), byte(len(ext))}, ext...)
}

// CertificateBody builds a Certificate body with the given DER certificates.
func CertificateBody(certs [][]byte) []byte {
	var list []byte
	for _, c := range certs {
		list = append(list, byte(len(c)>>16), byte(len(c)>>8), byte(len(c)))
		list = append(list, c...)
		list = append(list, 0, 0)
	}
	b := []byte{0, byte(len(list) >> 16), byte(len(list) >> 8), byte(len(list))}
	return append(b, list...)
}

// NewSessionTicketBody builds a NewSessionTicket body carrying ticket.
func NewSessionTicketBody(ticket []byte) []byte {
	b := []byte{0, 0, 0x1c, 0x20, 0, 0, 0, 0, 0}
	b = append(b, byte(len(ticket)>>8), byte(len(ticket)))
	b = append(b, ticket...)
	return append(b, 0, 0)
}
