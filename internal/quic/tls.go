package quic

import (
	"fmt"
	"sort"
)

// TLS handshake message types carried in CRYPTO frames.
const (
	HandshakeClientHello         uint8 = 1
	HandshakeServerHello         uint8 = 2
	HandshakeNewSessionTicket    uint8 = 4
	HandshakeEncryptedExtensions uint8 = 8
	HandshakeCertificate         uint8 = 11
	HandshakeCertificateVerify   uint8 = 15
	HandshakeFinished            uint8 = 20
)

const (
	extPreSharedKey           uint16 = 41
	extEarlyData              uint16 = 42
	extQUICTransportParams    uint16 = 0x39
	extQUICTransportParamsOld uint16 = 0xffa5
)

// Transport parameter IDs (RFC 9000, Section 18.2).
const (
	ParamOriginalDCID          uint64 = 0x00
	ParamInitialMaxData        uint64 = 0x04
	ParamInitialMaxStreamsBidi uint64 = 0x08
	ParamInitialMaxStreamsUni  uint64 = 0x09
	ParamInitialSCID           uint64 = 0x0f
	ParamRetrySCID             uint64 = 0x10
)

// HandshakeMessage is one TLS handshake message reassembled from CRYPTO frames.
type HandshakeMessage struct {
	Type uint8
	Body []byte

	ClientHello *ClientHello
	ServerHello *ServerHello
	// TransportParameters of an EncryptedExtensions message.
	TransportParameters TransportParameters
	// Certificates holds the DER certificates of a Certificate message.
	Certificates [][]byte
	// Ticket is the ticket of a NewSessionTicket message.
	Ticket []byte
}

func (m *HandshakeMessage) String() string {
	switch m.Type {
	case HandshakeClientHello:
		return "ClientHello"
	case HandshakeServerHello:
		return "ServerHello"
	case HandshakeNewSessionTicket:
		return "NewSessionTicket"
	case HandshakeEncryptedExtensions:
		return "EncryptedExtensions"
	case HandshakeCertificate:
		return "Certificate"
	case HandshakeCertificateVerify:
		return "CertificateVerify"
	case HandshakeFinished:
		return "Finished"
	default:
		return fmt.Sprintf("HandshakeMessage(%d)", m.Type)
	}
}

type ClientHello struct {
	Random       []byte
	CipherSuites []uint16
	// PSKIdentities are the ticket identities offered for resumption.
	PSKIdentities       [][]byte
	EarlyData           bool
	TransportParameters TransportParameters
}

type ServerHello struct {
	Random      []byte
	CipherSuite uint16
}

// TransportParameters maps parameter IDs to their raw values.
type TransportParameters map[uint64][]byte

// Uint returns an integer-valued transport parameter.
func (p TransportParameters) Uint(id uint64) (uint64, bool) {
	v, ok := p[id]
	if !ok {
		return 0, false
	}
	r := newReader(v)
	n := r.varint()
	if r.err != nil {
		return 0, false
	}
	return n, true
}

func parseTransportParameters(b []byte) TransportParameters {
	params := TransportParameters{}
	r := newReader(b)
	for r.remaining() > 0 {
		id := r.varint()
		val := r.bytes(int(r.varint()))
		if r.err != nil {
			break
		}
		params[id] = val
	}
	return params
}

func parseExtensions(b []byte, fn func(typ uint16, data []byte)) error {
	r := newReader(b)
	for r.remaining() > 0 {
		typ := r.uint16()
		data := r.vector16()
		if r.err != nil {
			return fmt.Errorf("extensions: %w", r.err)
		}
		fn(typ, data)
	}
	return nil
}

func parseClientHello(body []byte) (*ClientHello, error) {
	r := newReader(body)
	r.uint16()
	ch := &ClientHello{Random: r.bytes(32)}
	r.vector8()
	suites := newReader(r.vector16())
	for suites.remaining() >= 2 {
		ch.CipherSuites = append(ch.CipherSuites, suites.uint16())
	}
	r.vector8()
	exts := r.vector16()
	if r.err != nil {
		return nil, fmt.Errorf("client hello: %w", r.err)
	}
	err := parseExtensions(exts, func(typ uint16, data []byte) {
		switch typ {
		case extPreSharedKey:
			ids := newReader(newReader(data).vector16())
			for ids.remaining() > 0 {
				id := ids.vector16()
				ids.uint32()
				if ids.err != nil {
					break
				}
				ch.PSKIdentities = append(ch.PSKIdentities, id)
			}
		case extEarlyData:
			ch.EarlyData = true
		case extQUICTransportParams, extQUICTransportParamsOld:
			ch.TransportParameters = parseTransportParameters(data)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("client hello: %w", err)
	}
	return ch, nil
}

func parseServerHello(body []byte) (*ServerHello, error) {
	r := newReader(body)
	r.uint16()
	sh := &ServerHello{Random: r.bytes(32)}
	r.vector8()
	sh.CipherSuite = r.uint16()
	if r.err != nil {
		return nil, fmt.Errorf("server hello: %w", r.err)
	}
	return sh, nil
}

func parseHandshakeMessage(typ uint8, body []byte) (*HandshakeMessage, error) {
	m := &HandshakeMessage{Type: typ, Body: body}
	var err error
	switch typ {
	case HandshakeClientHello:
		m.ClientHello, err = parseClientHello(body)
	case HandshakeServerHello:
		m.ServerHello, err = parseServerHello(body)
	case HandshakeEncryptedExtensions:
		r := newReader(body)
		exts := r.vector16()
		if r.err != nil {
			return m, fmt.Errorf("encrypted extensions: %w", r.err)
		}
		err = parseExtensions(exts, func(t uint16, data []byte) {
			if t == extQUICTransportParams || t == extQUICTransportParamsOld {
				m.TransportParameters = parseTransportParameters(data)
			}
		})
	case HandshakeCertificate:
		r := newReader(body)
		r.vector8()
		list := newReader(r.bytes(int(r.uint24())))
		for list.remaining() > 0 {
			cert := list.bytes(int(list.uint24()))
			list.vector16()
			if list.err != nil {
				break
			}
			m.Certificates = append(m.Certificates, cert)
		}
		if r.err != nil {
			err = fmt.Errorf("certificate: %w", r.err)
		}
	case HandshakeNewSessionTicket:
		r := newReader(body)
		r.uint32()
		r.uint32()
		r.vector8()
		m.Ticket = r.vector16()
		if r.err != nil {
			err = fmt.Errorf("new session ticket: %w", r.err)
		}
	}
	return m, err
}

// cryptoStream reassembles the CRYPTO stream of one encryption level in one
// direction and splits it into handshake messages.
type cryptoStream struct {
	delivered uint64
	pending   map[uint64][]byte
	buf       []byte
}

func newCryptoStream() *cryptoStream {
	return &cryptoStream{pending: make(map[uint64][]byte)}
}

// push adds CRYPTO frame data and returns every message completed by it.
// Retransmitted and overlapping data is tolerated.
func (s *cryptoStream) push(offset uint64, data []byte) []*HandshakeMessage {
	end := offset + uint64(len(data))
	if end <= s.delivered {
		return nil
	}
	if offset < s.delivered {
		data = data[s.delivered-offset:]
		offset = s.delivered
	}
	if prev, ok := s.pending[offset]; !ok || len(prev) < len(data) {
		s.pending[offset] = data
	}

	for {
		offsets := make([]uint64, 0, len(s.pending))
		for off := range s.pending {
			offsets = append(offsets, off)
		}
		sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
		progressed := false
		for _, off := range offsets {
			chunk := s.pending[off]
			if off > s.delivered {
				break
			}
			delete(s.pending, off)
			if e := off + uint64(len(chunk)); e > s.delivered {
				s.buf = append(s.buf, chunk[s.delivered-off:]...)
				s.delivered = e
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}

	var msgs []*HandshakeMessage
	for len(s.buf) >= 4 {
		n := int(s.buf[1])<<16 | int(s.buf[2])<<8 | int(s.buf[3])
		if len(s.buf) < 4+n {
			break
		}
		body := make([]byte, n)
		copy(body, s.buf[4:4+n])
		m, _ := parseHandshakeMessage(s.buf[0], body)
		msgs = append(msgs, m)
		s.buf = s.buf[4+n:]
	}
	return msgs
}
