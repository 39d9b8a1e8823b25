package quic

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"sort"
)

var (
	errUnknownConnection = errors.New("unknown connection")
	errNoKeys            = errors.New("no keys available")
	errUnknownVersion    = errors.New("unknown version")
)

// Packet is one dissected QUIC packet.
type Packet struct {
	Header
	// PacketNumber is the reconstructed full packet number. Only valid when
	// header protection could be removed.
	PacketNumber uint64
	// KeyPhase is the key phase bit of a 1-RTT packet.
	KeyPhase uint8
	// Decrypted is set when the payload was successfully opened.
	Decrypted  bool
	DecryptErr error
	Frames     []Frame
	Messages   []*HandshakeMessage
	// PayloadLength is the plaintext length for decrypted packets and the
	// protected length otherwise.
	PayloadLength int
	// Conn is the index of the connection the packet belongs to, or -1.
	Conn int
	// RetryIntegrity reports whether a Retry packet carried a valid
	// integrity tag for the connection it answers.
	RetryIntegrity bool
}

// HasFrame reports whether the packet carries at least one frame of kind k.
func (p *Packet) HasFrame(k FrameKind) bool {
	for i := range p.Frames {
		if p.Frames[i].Kind == k {
			return true
		}
	}
	return false
}

// Message returns the first handshake message of type typ completed by this packet.
func (p *Packet) Message(typ uint8) *HandshakeMessage {
	for _, m := range p.Messages {
		if m.Type == typ {
			return m
		}
	}
	return nil
}

const (
	dirClient = 0
	dirServer = 1
)

const (
	spaceInitial = iota
	spaceHandshake
	spaceApp
)

func dirIndex(fromServer bool) int {
	if fromServer {
		return dirServer
	}
	return dirClient
}

type keyPhases struct {
	phase uint8
	cur   *packetKeys
	prev  *packetKeys
	next  *packetKeys
}

type conn struct {
	id          int
	initialDCID []byte
	version     uint32
	random      []byte
	suite       *cipherSuite
	hsKeys      [2]*packetKeys
	app         [2]*keyPhases
	largest     [3][2]int64
	crypto      [3][2]*cryptoStream
}

func newConn(id int, dcid []byte, version uint32) *conn {
	c := &conn{id: id, initialDCID: dcid, version: version}
	for s := range c.largest {
		for d := range c.largest[s] {
			c.largest[s][d] = -1
			c.crypto[s][d] = newCryptoStream()
		}
	}
	return c
}

type initialKeyID struct {
	version uint32
	dcid    string
}

// Dissector turns UDP payloads into QUIC packets. It tracks connections
// across datagrams, so datagrams must be fed in capture order. A Dissector
// is not safe for concurrent use.
type Dissector struct {
	keylog  *KeyLog
	conns   []*conn
	byCID   [2]map[string]*conn
	cidLens [2]map[int]struct{}
	initial map[initialKeyID][2]*packetKeys
}

// NewDissector returns a dissector that decrypts Handshake and 1-RTT packets
// with the secrets in keylog. keylog may be nil.
func NewDissector(keylog *KeyLog) *Dissector {
	return &Dissector{
		keylog:  keylog,
		byCID:   [2]map[string]*conn{{}, {}},
		cidLens: [2]map[int]struct{}{{}, {}},
		initial: make(map[initialKeyID][2]*packetKeys),
	}
}

// Connections returns the number of connections seen so far.
func (d *Dissector) Connections() int {
	return len(d.conns)
}

// register makes cid route packets sent in direction dir to c.
func (d *Dissector) register(dir int, cid []byte, c *conn) {
	d.byCID[dir][string(cid)] = c
	d.cidLens[dir][len(cid)] = struct{}{}
}

func (d *Dissector) lookup(dir int, cid []byte) *conn {
	return d.byCID[dir][string(cid)]
}

// Datagram dissects every packet coalesced into one UDP payload.
func (d *Dissector) Datagram(payload []byte, fromServer bool) []Packet {
	var out []Packet
	b := payload
	for len(b) > 0 {
		if !IsLongHeader(b) {
			// Trailing padding after coalesced packets has the fixed bit unset.
			if b[0]&0x40 == 0 && len(out) > 0 {
				break
			}
			out = append(out, d.short(b, fromServer))
			break
		}
		h, n, err := parseLongHeader(b)
		if err != nil {
			out = append(out, Packet{Header: Header{Type: PacketInvalid, Raw: b}, DecryptErr: err, Conn: -1})
			break
		}
		out = append(out, d.long(h, fromServer))
		b = b[n:]
	}
	return out
}

func (d *Dissector) long(h *Header, fromServer bool) Packet {
	p := Packet{Header: *h, Conn: -1}
	dir := dirIndex(fromServer)

	switch h.Type {
	case PacketVersionNegotiation:
		if c := d.lookup(dirServer, h.DCID); c != nil {
			p.Conn = c.id
		}
		return p
	case PacketRetry:
		c := d.lookup(dirServer, h.DCID)
		if c == nil {
			return p
		}
		p.Conn = c.id
		p.RetryIntegrity = validRetryTag(h, c.initialDCID)
		c.initialDCID = h.SCID
		// Packet numbers continue after a Retry; the Initial CRYPTO stream restarts.
		c.crypto[spaceInitial] = [2]*cryptoStream{newCryptoStream(), newCryptoStream()}
		d.register(dirClient, h.SCID, c)
		return p
	}

	c := d.lookup(dir, h.DCID)
	if c == nil && h.Type == PacketInitial && !fromServer {
		c = newConn(len(d.conns), h.DCID, h.Version)
		d.conns = append(d.conns, c)
		d.register(dirClient, h.DCID, c)
	}
	if c == nil {
		p.PayloadLength = len(h.Raw) - h.PNOffset
		p.DecryptErr = errUnknownConnection
		return p
	}
	p.Conn = c.id
	if fromServer {
		d.register(dirClient, h.SCID, c)
		if IsKnownVersion(h.Version) && h.Type != Packet0RTT {
			c.version = h.Version
		}
	} else {
		d.register(dirServer, h.SCID, c)
	}
	if !IsKnownVersion(h.Version) {
		p.PayloadLength = len(h.Raw) - h.PNOffset
		p.DecryptErr = errUnknownVersion
		return p
	}

	var keys *packetKeys
	space := spaceInitial
	switch h.Type {
	case PacketInitial:
		dcid := c.initialDCID
		if !fromServer {
			dcid = h.DCID
		}
		keys = d.initialKeys(h.Version, dcid)[dir]
	case PacketHandshake:
		space = spaceHandshake
		keys = d.handshakeKeys(c, h.Version, dir, h.Raw, h.PNOffset)
	case Packet0RTT:
		p.PayloadLength = len(h.Raw) - h.PNOffset
		p.DecryptErr = errNoKeys
		return p
	}
	if keys == nil {
		p.PayloadLength = len(h.Raw) - h.PNOffset
		p.DecryptErr = errNoKeys
		return p
	}
	d.open(&p, c, keys, space, dir)
	return p
}

func (d *Dissector) short(b []byte, fromServer bool) Packet {
	dir := dirIndex(fromServer)
	lens := make([]int, 0, len(d.cidLens[dir]))
	for l := range d.cidLens[dir] {
		lens = append(lens, l)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(lens)))

	var c *conn
	var h *Header
	for _, l := range lens {
		if len(b) < 1+l {
			continue
		}
		if c = d.lookup(dir, b[1:1+l]); c != nil {
			h, _ = parseShortHeader(b, l)
			break
		}
	}
	if c == nil {
		return Packet{
			Header:        Header{Type: Packet1RTT, Raw: b, PNOffset: 1},
			PayloadLength: len(b) - 1,
			DecryptErr:    errUnknownConnection,
			Conn:          -1,
		}
	}
	p := Packet{Header: *h, Conn: c.id}
	p.Version = c.version
	kp := d.appKeys(c, dir)
	if kp == nil {
		p.PayloadLength = len(b) - h.PNOffset
		p.DecryptErr = errNoKeys
		return p
	}
	d.openShort(&p, c, kp, dir)
	return p
}

func (d *Dissector) initialKeys(version uint32, dcid []byte) [2]*packetKeys {
	id := initialKeyID{version: version, dcid: string(dcid)}
	if k, ok := d.initial[id]; ok {
		return k
	}
	client, server := InitialSecrets(version, dcid)
	suite := suites[TLSAES128GCMSHA256]
	ck, _ := newPacketKeys(version, suite, client)
	sk, _ := newPacketKeys(version, suite, server)
	k := [2]*packetKeys{dirClient: ck, dirServer: sk}
	d.initial[id] = k
	return k
}

func (c *conn) secrets(kl *KeyLog) *Secrets {
	if c.random == nil {
		return nil
	}
	s, _ := kl.Lookup(c.random)
	return s
}

// handshakeKeys returns the Handshake keys for dir. When no ServerHello was
// captured the suite is guessed by trial decryption of pkt.
func (d *Dissector) handshakeKeys(c *conn, version uint32, dir int, pkt []byte, pnOffset int) *packetKeys {
	if k := c.hsKeys[dir]; k != nil && k.version == version {
		return k
	}
	s := c.secrets(d.keylog)
	if s == nil {
		return nil
	}
	secret := s.ClientHandshake
	if dir == dirServer {
		secret = s.ServerHandshake
	}
	if secret == nil {
		return nil
	}
	for _, suite := range c.candidateSuites() {
		k, err := newPacketKeys(version, suite, secret)
		if err != nil || len(secret) != suite.hashLen() {
			continue
		}
		if c.suite == nil && !trialOpen(k, pkt, pnOffset, true, c.largest[spaceHandshake][dir]) {
			continue
		}
		c.suite = suite
		c.hsKeys[dir] = k
		return k
	}
	return nil
}

func (c *conn) candidateSuites() []*cipherSuite {
	if c.suite != nil {
		return []*cipherSuite{c.suite}
	}
	return []*cipherSuite{
		suites[TLSAES128GCMSHA256],
		suites[TLSChaCha20Poly1305SHA256],
		suites[TLSAES256GCMSHA384],
	}
}

func trialOpen(k *packetKeys, pkt []byte, pnOffset int, long bool, largest int64) bool {
	hdr, pnLen, truncated, err := k.unprotectHeader(pkt, pnOffset, long)
	if err != nil {
		return false
	}
	pn := decodePacketNumber(largest, truncated, pnLen)
	_, err = k.open(pn, hdr, pkt[pnOffset+pnLen:])
	return err == nil
}

func (d *Dissector) appKeys(c *conn, dir int) *keyPhases {
	if kp := c.app[dir]; kp != nil {
		return kp
	}
	s := c.secrets(d.keylog)
	if s == nil {
		return nil
	}
	secret := s.ClientTraffic
	if dir == dirServer {
		secret = s.ServerTraffic
	}
	if secret == nil {
		return nil
	}
	for _, suite := range c.candidateSuites() {
		if len(secret) != suite.hashLen() {
			continue
		}
		k, err := newPacketKeys(c.version, suite, secret)
		if err != nil {
			continue
		}
		c.app[dir] = &keyPhases{cur: k}
		return c.app[dir]
	}
	return nil
}

func (d *Dissector) open(p *Packet, c *conn, keys *packetKeys, space, dir int) {
	hdr, pnLen, truncated, err := keys.unprotectHeader(p.Raw, p.PNOffset, true)
	if err != nil {
		p.PayloadLength = len(p.Raw) - p.PNOffset
		p.DecryptErr = err
		return
	}
	p.PacketNumber = decodePacketNumber(c.largest[space][dir], truncated, pnLen)
	plain, err := keys.open(p.PacketNumber, hdr, p.Raw[p.PNOffset+pnLen:])
	if err != nil {
		p.PayloadLength = len(p.Raw) - p.PNOffset
		p.DecryptErr = err
		return
	}
	d.accept(p, c, plain, space, dir)
}

func (d *Dissector) openShort(p *Packet, c *conn, kp *keyPhases, dir int) {
	hdr, pnLen, truncated, err := kp.cur.unprotectHeader(p.Raw, p.PNOffset, false)
	if err != nil {
		p.PayloadLength = len(p.Raw) - p.PNOffset
		p.DecryptErr = err
		return
	}
	p.KeyPhase = (hdr[0] >> 2) & 0x01
	p.PacketNumber = decodePacketNumber(c.largest[spaceApp][dir], truncated, pnLen)
	ciphertext := p.Raw[p.PNOffset+pnLen:]

	var plain []byte
	if p.KeyPhase == kp.phase {
		plain, err = kp.cur.open(p.PacketNumber, hdr, ciphertext)
	} else {
		if kp.next == nil {
			kp.next, _ = kp.cur.next()
		}
		if kp.next != nil {
			plain, err = kp.next.open(p.PacketNumber, hdr, ciphertext)
		}
		if kp.next != nil && err == nil {
			kp.prev, kp.cur, kp.next = kp.cur, kp.next, nil
			kp.phase ^= 1
		} else if kp.prev != nil {
			// A reordered packet from before the last key update.
			plain, err = kp.prev.open(p.PacketNumber, hdr, ciphertext)
		} else if err == nil {
			err = errDecrypt
		}
	}
	if err != nil {
		p.PayloadLength = len(p.Raw) - p.PNOffset
		p.DecryptErr = err
		return
	}
	d.accept(p, c, plain, spaceApp, dir)
}

// accept records a successfully decrypted packet and updates connection state
// from its frames.
func (d *Dissector) accept(p *Packet, c *conn, plain []byte, space, dir int) {
	p.Decrypted = true
	p.PayloadLength = len(plain)
	if int64(p.PacketNumber) > c.largest[space][dir] {
		c.largest[space][dir] = int64(p.PacketNumber)
	}
	frames, err := ParseFrames(plain)
	p.Frames = frames
	if err != nil {
		p.DecryptErr = err
	}
	for i := range frames {
		f := &frames[i]
		switch f.Kind {
		case FrameCrypto:
			for _, m := range c.crypto[space][dir].push(f.Offset, f.Data) {
				d.handshakeMessage(c, m)
				p.Messages = append(p.Messages, m)
			}
		case FrameNewConnectionID:
			// A CID issued by one endpoint is used by its peer as DCID.
			if dir == dirServer {
				d.register(dirClient, f.ConnectionID, c)
			} else {
				d.register(dirServer, f.ConnectionID, c)
			}
		}
	}
}

func (d *Dissector) handshakeMessage(c *conn, m *HandshakeMessage) {
	switch {
	case m.ClientHello != nil && c.random == nil:
		c.random = m.ClientHello.Random
	case m.ServerHello != nil:
		if s, ok := suites[m.ServerHello.CipherSuite]; ok {
			c.suite = s
		}
	}
}

var (
	retryKeyV1   = []byte{0xbe, 0x0c, 0x69, 0x0b, 0x9f, 0x66, 0x57, 0x5a, 0x1d, 0x76, 0x6b, 0x54, 0xe3, 0x68, 0xc8, 0x4e}
	retryNonceV1 = []byte{0x46, 0x15, 0x99, 0xd3, 0x5d, 0x63, 0x2b, 0xf2, 0x23, 0x98, 0x25, 0xbb}
	retryKeyV2   = []byte{0x8f, 0xb4, 0xb0, 0x1b, 0x56, 0xac, 0x48, 0xe2, 0x60, 0xfb, 0xcb, 0xce, 0xad, 0x7c, 0xcc, 0x92}
	retryNonceV2 = []byte{0xd8, 0x69, 0x69, 0xbc, 0x2d, 0x7c, 0x6d, 0x99, 0x90, 0xef, 0xb0, 0x4a}
)

// retryTag computes the Retry integrity tag (RFC 9001, Section 5.8) over a
// Retry packet without its tag.
func retryTag(version uint32, odcid, retryWithoutTag []byte) []byte {
	key, nonce := retryKeyV1, retryNonceV1
	if version == Version2 {
		key, nonce = retryKeyV2, retryNonceV2
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil
	}
	pseudo := make([]byte, 0, 1+len(odcid)+len(retryWithoutTag))
	pseudo = append(pseudo, byte(len(odcid)))
	pseudo = append(pseudo, odcid...)
	pseudo = append(pseudo, retryWithoutTag...)
	return aead.Seal(nil, nonce, nil, pseudo)
}

func validRetryTag(h *Header, odcid []byte) bool {
	if len(h.Raw) < retryIntegrityTagLen {
		return false
	}
	n := len(h.Raw) - retryIntegrityTagLen
	return bytes.Equal(retryTag(h.Version, odcid, h.Raw[:n]), h.Raw[n:])
}
