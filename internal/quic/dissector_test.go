package quic

import (
	"bytes"
	"testing"
)

type conversation struct {
	odcid, retryCID, clientCID, serverCID []byte
	random                                []byte
	hsSecret, clientApp, serverApp        []byte
	token                                 []byte
}

func newConversation() *conversation {
	return &conversation{
		odcid:     []byte{0x83, 0x94, 0xc8, 0xf0, 0x3e, 0x51, 0x57, 0x08},
		retryCID:  []byte{0xaa, 0xaa, 0xaa, 0xaa},
		clientCID: []byte{0xc1, 0xc1, 0xc1, 0xc1},
		serverCID: []byte{0x5e, 0x5e, 0x5e, 0x5e, 0x5e},
		random:    bytes.Repeat([]byte{0x42}, 32),
		hsSecret:  bytes.Repeat([]byte{0x01}, 32),
		clientApp: bytes.Repeat([]byte{0x02}, 32),
		serverApp: bytes.Repeat([]byte{0x03}, 32),
		token:     []byte("retry-token"),
	}
}

func (c *conversation) keyLog() *KeyLog {
	kl := NewKeyLog()
	kl.Add(LabelServerHandshakeTraffic, c.random, c.hsSecret)
	kl.Add(LabelClientTraffic, c.random, c.clientApp)
	kl.Add(LabelServerTraffic, c.random, c.serverApp)
	return kl
}

func mustSealer(t *testing.T, secret []byte) *Sealer {
	t.Helper()
	s, err := NewSealer(Version1, TLSAES128GCMSHA256, secret)
	if err != nil {
		t.Fatalf("NewSealer() error = %v", err)
	}
	return s
}

func TestDissectorRetryHandshakeAndKeyUpdate(t *testing.T) {
	c := newConversation()
	d := NewDissector(c.keyLog())
	ch := HandshakeMessageBytes(HandshakeClientHello, ClientHelloBody(c.random, []uint16{TLSAES128GCMSHA256}, nil))

	first := InitialSealer(Version1, c.odcid, false).SealLong(LongPacket{
		Type: PacketInitial, Version: Version1, DCID: c.odcid, SCID: c.clientCID, PacketNumber: 0,
		Frames: []Frame{{Kind: FrameCrypto, Data: ch}, {Kind: FramePadding, Length: 1000}},
	})
	pkts := d.Datagram(first, false)
	if len(pkts) != 1 || !pkts[0].Decrypted || pkts[0].Message(HandshakeClientHello) == nil {
		t.Fatalf("first Initial = %+v", pkts)
	}

	pkts = d.Datagram(RetryPacket(Version1, c.clientCID, c.retryCID, c.odcid, c.token), true)
	if len(pkts) != 1 || pkts[0].Type != PacketRetry {
		t.Fatalf("retry = %+v", pkts)
	}
	if !bytes.Equal(pkts[0].Token, c.token) || !pkts[0].RetryIntegrity {
		t.Errorf("retry token = %q integrity = %v", pkts[0].Token, pkts[0].RetryIntegrity)
	}

	second := InitialSealer(Version1, c.retryCID, false).SealLong(LongPacket{
		Type: PacketInitial, Version: Version1, DCID: c.retryCID, SCID: c.clientCID, Token: c.token, PacketNumber: 1,
		Frames: []Frame{{Kind: FrameCrypto, Data: ch}},
	})
	pkts = d.Datagram(second, false)
	if len(pkts) != 1 || !pkts[0].Decrypted || pkts[0].PacketNumber != 1 || pkts[0].Conn != 0 {
		t.Fatalf("second Initial = %+v", pkts[0])
	}

	sh := HandshakeMessageBytes(HandshakeServerHello, ServerHelloBody(bytes.Repeat([]byte{7}, 32), TLSAES128GCMSHA256))
	serverInitial := InitialSealer(Version1, c.retryCID, true).SealLong(LongPacket{
		Type: PacketInitial, Version: Version1, DCID: c.clientCID, SCID: c.serverCID,
		Frames: []Frame{{Kind: FrameAck, LargestAcked: 1}, {Kind: FrameCrypto, Data: sh}},
	})
	ee := HandshakeMessageBytes(HandshakeEncryptedExtensions, EncryptedExtensionsBody(map[uint64]uint64{ParamInitialMaxStreamsBidi: 100}))
	cert := HandshakeMessageBytes(HandshakeCertificate, CertificateBody([][]byte{[]byte("der")}))
	serverHandshake := mustSealer(t, c.hsSecret).SealLong(LongPacket{
		Type: PacketHandshake, Version: Version1, DCID: c.clientCID, SCID: c.serverCID,
		Frames: []Frame{{Kind: FrameCrypto, Data: append(ee, cert...)}},
	})
	pkts = d.Datagram(append(serverInitial, serverHandshake...), true)
	if len(pkts) != 2 {
		t.Fatalf("coalesced datagram yielded %d packets, want 2", len(pkts))
	}
	if !pkts[0].Decrypted || pkts[0].Message(HandshakeServerHello) == nil {
		t.Errorf("server Initial = %+v", pkts[0])
	}
	if !pkts[1].Decrypted || pkts[1].Type != PacketHandshake {
		t.Fatalf("server Handshake = %+v", pkts[1])
	}
	if m := pkts[1].Message(HandshakeEncryptedExtensions); m == nil {
		t.Error("missing EncryptedExtensions")
	} else if v, _ := m.TransportParameters.Uint(ParamInitialMaxStreamsBidi); v != 100 {
		t.Errorf("initial_max_streams_bidi = %d, want 100", v)
	}
	if pkts[1].Message(HandshakeCertificate) == nil {
		t.Error("missing Certificate")
	}

	server := mustSealer(t, c.serverApp)
	p := d.Datagram(server.SealShort(c.clientCID, 0, 0, []Frame{{Kind: FrameHandshakeDone}}), true)[0]
	if !p.Decrypted || p.KeyPhase != 0 || !p.HasFrame(FrameHandshakeDone) {
		t.Errorf("1-RTT phase 0 = %+v", p)
	}
	updated, err := server.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	p = d.Datagram(updated.SealShort(c.clientCID, 1, 1, []Frame{{Kind: FramePing}}), true)[0]
	if !p.Decrypted || p.KeyPhase != 1 || p.PacketNumber != 1 {
		t.Errorf("1-RTT phase 1 = %+v", p)
	}
	// Reordered packet from before the update.
	p = d.Datagram(server.SealShort(c.clientCID, 2, 0, nil), true)[0]
	if !p.Decrypted || p.KeyPhase != 0 {
		t.Errorf("reordered phase 0 packet = %+v", p)
	}

	client := mustSealer(t, c.clientApp)
	p = d.Datagram(client.SealShort(c.serverCID, 0, 0, []Frame{{Kind: FramePathResponse, Data: []byte("12345678")}}), false)[0]
	if !p.Decrypted || !p.HasFrame(FramePathResponse) || p.Conn != 0 {
		t.Errorf("client 1-RTT = %+v", p)
	}
	if d.Connections() != 1 {
		t.Errorf("Connections() = %d, want 1", d.Connections())
	}
}

func TestDissectorWithoutKeyLog(t *testing.T) {
	c := newConversation()
	d := NewDissector(nil)
	ch := HandshakeMessageBytes(HandshakeClientHello, ClientHelloBody(c.random, []uint16{TLSAES128GCMSHA256}, nil))
	d.Datagram(InitialSealer(Version1, c.odcid, false).SealLong(LongPacket{
		Type: PacketInitial, Version: Version1, DCID: c.odcid, SCID: c.clientCID,
		Frames: []Frame{{Kind: FrameCrypto, Data: ch}},
	}), false)
	hs := mustSealer(t, c.hsSecret).SealLong(LongPacket{
		Type: PacketHandshake, Version: Version1, DCID: c.clientCID, SCID: c.serverCID,
		Frames: []Frame{{Kind: FramePing}},
	})
	p := d.Datagram(hs, true)[0]
	if p.Decrypted || p.DecryptErr == nil {
		t.Errorf("Handshake packet decrypted without secrets: %+v", p)
	}
	if p.Type != PacketHandshake || p.Conn != 0 || p.PayloadLength == 0 {
		t.Errorf("Handshake packet header = %+v", p.Header)
	}
}

func TestDissectorVersionNegotiation(t *testing.T) {
	d := NewDissector(nil)
	dcid := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	scid := []byte{9, 9, 9}
	// A client Initial with a reserved version cannot be decrypted.
	bogus := []byte{0xc0, 0x1a, 0x2a, 0x3a, 0x4a, byte(len(dcid))}
	bogus = append(bogus, dcid...)
	bogus = append(bogus, byte(len(scid)))
	bogus = append(bogus, scid...)
	bogus = append(bogus, 0x00, 0x41, 0x00)
	bogus = append(bogus, make([]byte, 256)...)
	p := d.Datagram(bogus, false)[0]
	if p.Type != PacketInitial || p.Version != 0x1a2a3a4a || p.Decrypted {
		t.Errorf("bogus Initial = %+v", p.Header)
	}

	vn := d.Datagram(VersionNegotiationPacket(scid, dcid, []uint32{Version1, Version2}), true)[0]
	if vn.Type != PacketVersionNegotiation {
		t.Fatalf("type = %s, want VersionNegotiation", vn.Type)
	}
	if !bytes.Equal(vn.SCID, dcid) || len(vn.SupportedVersions) != 2 {
		t.Errorf("vn = %+v", vn.Header)
	}
	if vn.Conn != 0 {
		t.Errorf("vn.Conn = %d, want 0", vn.Conn)
	}
}

func TestDissectorV2(t *testing.T) {
	c := newConversation()
	d := NewDissector(nil)
	client := InitialSealer(Version1, c.odcid, false).SealLong(LongPacket{
		Type: PacketInitial, Version: Version1, DCID: c.odcid, SCID: c.clientCID,
		Frames: []Frame{{Kind: FramePing}},
	})
	server := InitialSealer(Version2, c.odcid, true).SealLong(LongPacket{
		Type: PacketInitial, Version: Version2, DCID: c.clientCID, SCID: c.serverCID,
		Frames: []Frame{{Kind: FramePing}},
	})
	if p := d.Datagram(client, false)[0]; !p.Decrypted || p.Version != Version1 {
		t.Errorf("client Initial = %+v", p.Header)
	}
	if p := d.Datagram(server, true)[0]; !p.Decrypted || p.Version != Version2 || p.Type != PacketInitial {
		t.Errorf("server v2 Initial = %+v err=%v", p.Header, p.DecryptErr)
	}
}

func TestDissectorTruncatedDatagram(t *testing.T) {
	c := newConversation()
	pkt := InitialSealer(Version1, c.odcid, false).SealLong(LongPacket{
		Type: PacketInitial, Version: Version1, DCID: c.odcid, SCID: c.clientCID,
		Frames: []Frame{{Kind: FramePadding, Length: 500}},
	})
	pkts := NewDissector(nil).Datagram(pkt[:40], false)
	if len(pkts) != 1 {
		t.Fatalf("got %d packets, want 1", len(pkts))
	}
	if pkts[0].Decrypted || pkts[0].DecryptErr == nil {
		t.Errorf("truncated packet = %+v", pkts[0])
	}
}
