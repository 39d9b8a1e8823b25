package testcase

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/quic-interop/quic-interop-runner/internal/capture"
	"github.com/quic-interop/quic-interop-runner/internal/quic"
)

// Thresholds used by the predicates.
const (
	// KeyUpdateThreshold is the amount of stream data after which the first
	// key update must have happened.
	KeyUpdateThreshold = 1 * MB
	// MinCertChainCrypto is the least Handshake CRYPTO data a server sends
	// with the 9-certificate chain.
	MinCertChainCrypto = 7500
	MaxStreamsBidi     = 1000

	zeroRTTFiles    = 40
	zeroRTTNameLen  = 250
	zeroRTTMax1RTT  = zeroRTTFiles * zeroRTTNameLen / 2
	multiconnectRun = 50
)

func failf(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}

// all evaluates checks in order and stops at the first failure.
func all(checks ...Check) Check {
	return func(ev *Evidence) error {
		for _, check := range checks {
			if err := check(ev); err != nil {
				return err
			}
		}
		return nil
	}
}

// CountHandshakes counts the distinct SCIDs of the server's Initial packets.
func CountHandshakes(tr *capture.Trace) int {
	seen := make(map[string]struct{})
	for _, p := range tr.Initial(capture.FromServer) {
		seen[string(p.SCID)] = struct{}{}
	}
	return len(seen)
}

func handshakes(n int) Check {
	return func(ev *Evidence) error {
		tr, err := ev.ServerTrace()
		if err != nil {
			return err
		}
		if got := CountHandshakes(tr); got != n {
			return failf("expected exactly %d handshake(s), got %d", n, got)
		}
		return nil
	}
}

type versionSet map[uint32]struct{}

func versionsOf(packets []capture.Packet) versionSet {
	vs := make(versionSet)
	for _, p := range packets {
		vs[p.Version] = struct{}{}
	}
	return vs
}

func (vs versionSet) has(v uint32) bool {
	_, ok := vs[v]
	return ok
}

func (vs versionSet) String() string {
	var list []string
	for v := range vs {
		list = append(list, quic.VersionString(v))
	}
	sort.Strings(list)
	return "[" + strings.Join(list, " ") + "]"
}

// versionOne requires the server to use exactly QUIC v1 in its Initials.
func versionOne(ev *Evidence) error {
	tr, err := ev.ServerTrace()
	if err != nil {
		return err
	}
	vs := versionsOf(tr.Initial(capture.FromServer))
	if len(vs) != 1 {
		return failf("expected exactly one version, got %s", vs)
	}
	if !vs.has(quic.Version1) {
		return failf("wrong version: expected %s, got %s", QUICVersion, vs)
	}
	return nil
}

func noRetry(ev *Evidence) error {
	tr, err := ev.ClientTrace()
	if err != nil {
		return err
	}
	if n := len(tr.Retry()); n > 0 {
		return failf("did not expect a Retry, saw %d", n)
	}
	return nil
}

// clientHellos requires at least n Initial packets from the client that
// start the CRYPTO stream, counting retransmissions.
func clientHellos(n int) Check {
	return func(ev *Evidence) error {
		tr, err := ev.ClientTrace()
		if err != nil {
			return err
		}
		got := 0
		for _, p := range tr.Initial(capture.FromClient) {
			for _, f := range p.Frames {
				if f.Kind == quic.FrameCrypto && f.Offset == 0 {
					got++
					break
				}
			}
		}
		if got < n {
			return failf("expected at least %d ClientHellos, got %d", n, got)
		}
		return nil
	}
}

func isGREASE(suite uint16) bool {
	return suite&0x0f0f == 0x0a0a && suite>>8 == suite&0xff
}

func chachaOffered(ev *Evidence) error {
	tr, err := ev.ClientTrace()
	if err != nil {
		return err
	}
	hellos := 0
	for _, p := range tr.Initial(capture.FromClient) {
		m := p.Message(quic.HandshakeClientHello)
		if m == nil || m.ClientHello == nil {
			continue
		}
		hellos++
		for _, s := range m.ClientHello.CipherSuites {
			if isGREASE(s) {
				continue
			}
			if s != quic.TLSChaCha20Poly1305SHA256 {
				return failf("expected only ChaCha20 to be offered, client offered %s", quic.CipherSuiteName(s))
			}
		}
	}
	if hellos == 0 {
		return failf("no ClientHello found")
	}
	return nil
}

func chachaNegotiated(ev *Evidence) error {
	if err := ev.RequireKeyLog(); err != nil {
		return err
	}
	tr, err := ev.ClientTrace()
	if err != nil {
		return err
	}
	var sh *quic.ServerHello
	for _, p := range tr.Initial(capture.FromServer) {
		if m := p.Message(quic.HandshakeServerHello); m != nil && m.ServerHello != nil {
			sh = m.ServerHello
			break
		}
	}
	if sh == nil {
		return failf("no ServerHello found")
	}
	if sh.CipherSuite != quic.TLSChaCha20Poly1305SHA256 {
		return failf("server selected %s", quic.CipherSuiteName(sh.CipherSuite))
	}
	for _, p := range tr.OneRTT(capture.DirectionUnknown) {
		if p.Decrypted {
			return nil
		}
	}
	return failf("no 1-RTT packet could be decrypted with ChaCha20-Poly1305")
}

func streamLimit(ev *Evidence) error {
	if err := ev.RequireKeyLog(); err != nil {
		return err
	}
	tr, err := ev.ClientTrace()
	if err != nil {
		return err
	}
	checked := false
	for _, p := range tr.Handshake(capture.FromServer) {
		m := p.Message(quic.HandshakeEncryptedExtensions)
		if m == nil {
			continue
		}
		limit, ok := m.TransportParameters.Uint(quic.ParamInitialMaxStreamsBidi)
		if !ok {
			continue
		}
		checked = true
		if limit > MaxStreamsBidi {
			return failf("server set initial_max_streams_bidi to %d (limit %d)", limit, MaxStreamsBidi)
		}
	}
	if !checked {
		return failf("could not find the server's initial_max_streams_bidi")
	}
	return nil
}

// retryTokenUsed requires a Retry with a token and a later client Initial
// carrying that token without resetting the packet number.
func retryTokenUsed(ev *Evidence) error {
	tr, err := ev.ClientTrace()
	if err != nil {
		return err
	}
	tokens := make(map[string]struct{})
	for _, p := range tr.Retry() {
		if p.Direction != capture.FromServer {
			continue
		}
		if len(p.Token) == 0 {
			return failf("Retry packet without a token")
		}
		if p.Conn >= 0 && !p.RetryIntegrity {
			return failf("Retry packet with an invalid integrity tag")
		}
		tokens[string(p.Token)] = struct{}{}
	}
	if len(tokens) == 0 {
		return failf("no Retry packet found")
	}

	highest := int64(-1)
	for _, p := range tr.Initial(capture.FromClient) {
		pn := int64(p.PacketNumber)
		if len(p.Token) == 0 {
			if pn > highest {
				highest = pn
			}
			continue
		}
		if pn <= highest {
			return failf("client reset the packet number after the Retry (PN %d)", pn)
		}
		if _, ok := tokens[string(p.Token)]; ok {
			return nil
		}
	}
	return failf("no Initial packet uses a Retry token")
}

func resumption(ev *Evidence) error {
	if err := ev.RequireKeyLog(); err != nil {
		return err
	}
	tr, err := ev.ClientTrace()
	if err != nil {
		return err
	}
	hs := tr.Handshake(capture.FromServer)
	if len(hs) == 0 {
		return failf("no Handshake packets from the server")
	}
	first, second := string(hs[0].SCID), string(hs[len(hs)-1].SCID)
	firstHasCert := false
	for _, p := range hs {
		hasCert := p.Message(quic.HandshakeCertificate) != nil
		switch string(p.SCID) {
		case first:
			firstHasCert = firstHasCert || hasCert
		case second:
			if hasCert {
				return failf("server sent a Certificate in the second handshake")
			}
		default:
			return failf("Handshake packet with SCID %x belongs to neither handshake", p.SCID)
		}
	}
	if !firstHasCert {
		return failf("no Certificate message in the first handshake")
	}

	tickets := make(map[string]struct{})
	for _, p := range tr.OneRTT(capture.FromServer) {
		for _, m := range p.Messages {
			if m.Type == quic.HandshakeNewSessionTicket && len(m.Ticket) > 0 {
				tickets[string(m.Ticket)] = struct{}{}
			}
		}
	}
	if len(tickets) == 0 {
		return nil
	}
	var hellos []*quic.ClientHello
	for _, p := range tr.Initial(capture.FromClient) {
		if m := p.Message(quic.HandshakeClientHello); m != nil && m.ClientHello != nil {
			hellos = append(hellos, m.ClientHello)
		}
	}
	if len(hellos) < 2 {
		return failf("expected a second ClientHello, got %d", len(hellos))
	}
	for _, id := range hellos[len(hellos)-1].PSKIdentities {
		if _, ok := tickets[string(id)]; ok {
			return nil
		}
	}
	return failf("second ClientHello does not offer a ticket issued in the first connection")
}

func payloadSize(packets []capture.Packet) int {
	n := 0
	for _, p := range packets {
		n += p.PayloadLength
	}
	return n
}

func zeroRTTUsed(ev *Evidence) error {
	tr, err := ev.ClientTrace()
	if err != nil {
		return err
	}
	zero := payloadSize(tr.ZeroRTT())
	one := payloadSize(tr.OneRTT(capture.FromClient))
	if zero == 0 {
		return failf("client did not send any 0-RTT data")
	}
	if one > zeroRTTMax1RTT {
		return failf("client sent too much data in 1-RTT packets: %d bytes (limit %d)", one, zeroRTTMax1RTT)
	}
	return nil
}

func phaseCounts(packets []capture.Packet) [2]int {
	var c [2]int
	for _, p := range packets {
		if p.Decrypted {
			c[p.KeyPhase&1]++
		}
	}
	return c
}

// StreamOffsetAtKeyUpdate returns the amount of stream data the server had
// sent before the first decrypted 1-RTT packet with key phase 1, or -1 when
// no key update is visible. Each stream counts up to the highest offset
// seen, so retransmitted data is not counted twice.
func StreamOffsetAtKeyUpdate(tr *capture.Trace) int64 {
	highest := map[uint64]uint64{}
	for _, p := range tr.OneRTT(capture.DirectionUnknown) {
		if !p.Decrypted {
			continue
		}
		if p.KeyPhase == 1 {
			var n int64
			for _, end := range highest {
				n += int64(end)
			}
			return n
		}
		if p.Direction != capture.FromServer {
			continue
		}
		for _, f := range p.Frames {
			if f.Kind != quic.FrameStream {
				continue
			}
			if end := f.Offset + uint64(len(f.Data)); end > highest[f.StreamID] {
				highest[f.StreamID] = end
			}
		}
	}
	return -1
}

func keyUpdated(ev *Evidence) error {
	if err := ev.RequireKeyLog(); err != nil {
		return err
	}
	client, server, err := ev.both()
	if err != nil {
		return err
	}
	c := phaseCounts(client.OneRTT(capture.FromClient))
	s := phaseCounts(server.OneRTT(capture.FromServer))
	if c[1] == 0 || s[1] == 0 {
		return failf("expected key phase 1 from both endpoints: client sent %d/%d, server sent %d/%d packets in phase 0/1",
			c[0], c[1], s[0], s[1])
	}
	offset := StreamOffsetAtKeyUpdate(server)
	if offset < 0 {
		return failf("no key phase change visible in the server side capture")
	}
	if offset >= KeyUpdateThreshold {
		return failf("first key update after %d bytes of stream data (limit %d)", offset, KeyUpdateThreshold)
	}
	return nil
}

type ecnCounts [4]int

func countECN(datagrams [][]capture.Packet) ecnCounts {
	var c ecnCounts
	for _, dg := range datagrams {
		c[dg[0].ECN&0x03]++
	}
	return c
}

func (c ecnCounts) anyMarked() bool {
	return c[capture.ECNECT0] != 0 || c[capture.ECNECT1] != 0
}

func (c ecnCounts) consistent() bool {
	return c[capture.ECNNotECT] == 0 && c[capture.ECNCE] == 0 &&
		(c[capture.ECNECT0] == 0) != (c[capture.ECNECT1] == 0)
}

func hasAckECN(datagrams [][]capture.Packet) bool {
	for _, dg := range datagrams {
		for _, p := range dg {
			for _, f := range p.Frames {
				if f.Kind == quic.FrameAck && f.ECN != nil {
					return true
				}
			}
		}
	}
	return false
}

func ecnMarked(ev *Evidence) error {
	if err := ev.RequireKeyLog(); err != nil {
		return err
	}
	client, server, err := ev.both()
	if err != nil {
		return err
	}
	fromClient := client.ByDatagram(capture.FromClient)
	fromServer := server.ByDatagram(capture.FromServer)
	cc, sc := countECN(fromClient), countECN(fromServer)
	clientAcks, serverAcks := hasAckECN(fromClient), hasAckECN(fromServer)

	var problems []string
	switch {
	case !cc.anyMarked():
		problems = append(problems, "client did not mark any packets ECT(0) or ECT(1)")
	case !serverAcks:
		problems = append(problems, "server did not send any ACK-ECN frames")
	case !cc.consistent():
		problems = append(problems, "client packets were not consistently marked")
	}
	switch {
	case !sc.anyMarked():
		problems = append(problems, "server did not mark any packets ECT(0) or ECT(1)")
	case !clientAcks:
		problems = append(problems, "client did not send any ACK-ECN frames")
	case !sc.consistent():
		problems = append(problems, "server packets were not consistently marked")
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

func certChainSent(ev *Evidence) error {
	if err := ev.RequireKeyLog(); err != nil {
		return err
	}
	tr, err := ev.ServerTrace()
	if err != nil {
		return err
	}
	var highest uint64
	for _, p := range tr.Handshake(capture.FromServer) {
		for _, f := range p.Frames {
			if f.Kind != quic.FrameCrypto {
				continue
			}
			if end := f.Offset + uint64(len(f.Data)); end > highest {
				highest = end
			}
		}
	}
	if highest < MinCertChainCrypto {
		return failf("server sent too little Handshake CRYPTO data (%d bytes), not using the provided cert chain?", highest)
	}
	return nil
}

// amplificationRespected replays the server side capture until the client's
// first Handshake packet, allowing the server 3x (tolerating 4x) of what it
// received in Initial datagrams.
func amplificationRespected(ev *Evidence) error {
	tr, err := ev.ServerTrace()
	if err != nil {
		return err
	}
	allowed, tolerated := 0, 0
	clientSent, serverSent := 0, 0
	for i, dg := range tr.ByDatagram(capture.DirectionUnknown) {
		p := dg[0]
		size := p.UDPPayloadLength
		switch p.Type {
		case quic.PacketVersionNegotiation:
			return failf("did not expect a Version Negotiation packet")
		case quic.PacketInvalid:
			return failf("could not determine the packet type of datagram %d", i)
		}
		switch p.Direction {
		case capture.FromClient:
			if p.Type == quic.PacketHandshake {
				return nil
			}
			if p.Type == quic.PacketInitial {
				clientSent += size
				allowed += 3 * size
				tolerated += 4 * size
			}
		case capture.FromServer:
			serverSent += size
			if size >= tolerated {
				return failf("server violated the amplification limit: sent %d bytes after receiving %d (%d left at 3x)",
					serverSent, clientSent, allowed)
			}
			allowed -= size
			tolerated -= size
		default:
			return failf("could not determine the sender of datagram %d", i)
		}
	}
	return failf("client never sent a Handshake packet")
}

type endpoint struct {
	ip   string
	port uint16
}

func (e endpoint) String() string {
	return net.JoinHostPort(e.ip, fmt.Sprint(e.port))
}

func datagramHas(dg []capture.Packet, kind quic.FrameKind) bool {
	for i := range dg {
		if dg[i].HasFrame(kind) {
			return true
		}
	}
	return false
}

func frameData(datagrams [][]capture.Packet, kind quic.FrameKind) map[string]struct{} {
	out := make(map[string]struct{})
	for _, dg := range datagrams {
		for _, p := range dg {
			for _, f := range p.Frames {
				if f.Kind == kind {
					out[string(f.Data)] = struct{}{}
				}
			}
		}
	}
	return out
}

// pathValidated requires the server to probe every new client address with
// a PATH_CHALLENGE that the client answers.
func pathValidated(ev *Evidence) error {
	if err := ev.RequireKeyLog(); err != nil {
		return err
	}
	client, server, err := ev.both()
	if err != nil {
		return err
	}
	fromServer := server.ByDatagram(capture.FromServer)
	ports := make(map[uint16]struct{})
	for _, dg := range fromServer {
		ports[dg[0].DstPort] = struct{}{}
	}
	if len(ports) <= 1 {
		return failf("server saw only a single client port in use")
	}

	var last *endpoint
	migrations := 0
	for _, dg := range fromServer {
		cur := endpoint{ip: dg[0].DstIP.String(), port: dg[0].DstPort}
		if last == nil {
			last = &cur
			continue
		}
		if *last == cur {
			continue
		}
		*last = cur
		migrations++
		if !datagramHas(dg, quic.FramePathChallenge) {
			return failf("first server packet to new client address %s carries no PATH_CHALLENGE", cur)
		}
	}

	challenges := frameData(fromServer, quic.FramePathChallenge)
	if len(challenges) < migrations {
		return failf("saw %d migrations but only %d distinct PATH_CHALLENGE frames", migrations, len(challenges))
	}
	responses := frameData(client.ByDatagram(capture.FromClient), quic.FramePathResponse)
	var unanswered []string
	for c := range challenges {
		if _, ok := responses[c]; !ok {
			unanswered = append(unanswered, hex.EncodeToString([]byte(c)))
		}
	}
	if len(unanswered) > 0 {
		sort.Strings(unanswered)
		return failf("PATH_CHALLENGE without a PATH_RESPONSE: %s", strings.Join(unanswered, ", "))
	}
	return nil
}

func addressChanged(ev *Evidence) error {
	if err := ev.RequireKeyLog(); err != nil {
		return err
	}
	tr, err := ev.ServerTrace()
	if err != nil {
		return err
	}
	ips := make(map[string]struct{})
	for _, dg := range tr.ByDatagram(capture.FromServer) {
		ips[dg[0].DstIP.String()] = struct{}{}
	}
	if len(ips) <= 1 {
		return failf("server saw only a single client address in use")
	}
	return nil
}

// newDCIDOnMigration requires the client to switch to a new connection ID
// whenever it moves to a new address.
func newDCIDOnMigration(ev *Evidence) error {
	tr, err := ev.ClientTrace()
	if err != nil {
		return err
	}
	var last *endpoint
	var dcid []byte
	for _, dg := range tr.ByDatagram(capture.FromClient) {
		p := dg[0]
		cur := endpoint{ip: p.SrcIP.String(), port: p.SrcPort}
		if last != nil && *last != cur && bytes.Equal(dcid, p.DCID) {
			return failf("first client packet after migrating to %s reused DCID %x", cur, dcid)
		}
		last, dcid = &cur, p.DCID
	}
	return nil
}

func onlyIPv6(ev *Evidence) error {
	tr, err := ev.ServerTrace()
	if err != nil {
		return err
	}
	n := 0
	for _, dg := range tr.ByDatagram(capture.FromServer) {
		if !dg[0].IPv6 {
			n++
		}
	}
	if n > 0 {
		return failf("packet trace contains %d IPv4 datagrams", n)
	}
	return nil
}

func versionTwo(ev *Evidence) error {
	client, server, err := ev.both()
	if err != nil {
		return err
	}
	if vs := versionsOf(client.Initial(capture.FromClient)); !vs.has(quic.Version1) {
		return failf("wrong version in client Initial: expected %s, got %s", QUICVersion, vs)
	}
	if vs := versionsOf(server.Initial(capture.FromServer)); !vs.has(quic.Version2) {
		return failf("wrong version in server Initial: expected %s, got %s", quic.VersionString(quic.Version2), vs)
	}
	for _, side := range []struct {
		name    string
		packets []capture.Packet
	}{
		{"client", client.Handshake(capture.FromClient)},
		{"server", server.Handshake(capture.FromServer)},
	} {
		vs := versionsOf(side.packets)
		if len(vs) != 1 || !vs.has(quic.Version2) {
			return failf("expected only %s in %s Handshake packets, got %s", quic.VersionString(quic.Version2), side.name, vs)
		}
	}
	return nil
}

func versionNegotiated(ev *Evidence) error {
	tr, err := ev.ClientTrace()
	if err != nil {
		return err
	}
	initials := tr.Initial(capture.FromClient)
	if len(initials) == 0 {
		return failf("no client Initial found")
	}
	dcid, offered := initials[0].DCID, initials[0].Version
	found := false
	for _, p := range tr.VersionNegotiation() {
		if bytes.Equal(p.SCID, dcid) {
			found = true
			break
		}
	}
	if !found {
		return failf("no Version Negotiation packet with SCID %x", dcid)
	}
	for _, p := range tr.Select(capture.DirectionUnknown, quic.PacketHandshake) {
		if p.Version == offered {
			return failf("Handshake packet exchanged on the offered version %s", quic.VersionString(offered))
		}
	}
	return nil
}

// Goodput returns the transfer rate in kbps between the first and the last
// 1-RTT packet the client received.
func Goodput(ev *Evidence) (float64, error) {
	tr, err := ev.ClientTrace()
	if err != nil {
		return 0, err
	}
	pkts := tr.OneRTT(capture.FromServer)
	if len(pkts) < 2 {
		return 0, failf("need at least two 1-RTT packets from the server, got %d", len(pkts))
	}
	d := pkts[len(pkts)-1].Time.Sub(pkts[0].Time)
	if d <= 0 {
		return 0, failf("1-RTT packets span no time")
	}
	ms := float64(d) / float64(time.Millisecond)
	return 8 * float64(ev.TransferSize) / ms, nil
}
