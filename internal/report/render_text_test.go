package report

import (
	"bytes"
	"encoding/csv"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/quic-interop/quic-interop-runner/internal/capture"
	"github.com/quic-interop/quic-interop-runner/internal/outcome"
	"github.com/quic-interop/quic-interop-runner/internal/quic"
)

func TestTestTable(t *testing.T) {
	m := sweep(t, "handshake", "transfer", "retry", "goodput")
	insert := func(server, test string, r outcome.Result) {
		t.Helper()
		if err := m.Insert(server, "quiche", test, outcome.Outcome{Result: r}); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
	}
	insert("quic-go", "handshake", outcome.Succeeded)
	insert("quic-go", "transfer", outcome.Succeeded)
	insert("quic-go", "retry", outcome.Unsupported)
	insert("ngtcp2", "handshake", outcome.Failed)

	tbl := TestTable(m)
	if len(tbl.Columns) != 2 || len(tbl.Rows) != 1 {
		t.Fatalf("table = %+v", tbl)
	}
	cell := tbl.Rows[0].Cells[0]
	if cell[0].Text != "HDC" || cell[1].Text != "S" || cell[2].Text != "" {
		t.Errorf("quic-go cell = %+v", cell)
	}

	out := tbl.Render()
	for _, want := range []string{"quic-go", "ngtcp2", "quiche", "HDC", "┌", "┘"} {
		if !strings.Contains(out, want) {
			t.Errorf("Render() missing %q:\n%s", want, out)
		}
	}
	// header, separator, three cell lines, borders
	if lines := strings.Count(out, "\n"); lines != 7 {
		t.Errorf("Render() has %d lines:\n%s", lines, out)
	}
}

func TestMeasurementTable(t *testing.T) {
	m := sweep(t, "handshake", "goodput")
	v := 9000.0
	if err := m.Insert("quic-go", "quiche", "goodput", outcome.Outcome{Result: outcome.Succeeded, Value: &v, Detail: "9000 (± 120) kbps"}); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := m.Insert("ngtcp2", "quiche", "goodput", outcome.Outcome{Result: outcome.Failed}); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	tbl := MeasurementTable(m)
	if got := tbl.Rows[0].Cells[0][0].Text; got != "G: 9000 (± 120) kbps" {
		t.Errorf("quic-go cell = %q", got)
	}
	if got := tbl.Rows[0].Cells[1][0].Text; got != "G" {
		t.Errorf("ngtcp2 cell = %q", got)
	}

	if TestTable(sweep(t, "goodput")) != nil {
		t.Error("TestTable() should be nil without test cases")
	}
	if MeasurementTable(sweep(t, "handshake")) != nil {
		t.Error("MeasurementTable() should be nil without measurements")
	}
}

func trace() *capture.Trace {
	start := time.Unix(1700000000, 0)
	client, server := net.ParseIP("193.167.0.100"), net.ParseIP("193.167.100.100")
	pkt := func(i int, dir capture.Direction, typ quic.PacketType, decrypted bool, frames ...quic.FrameKind) capture.Packet {
		p := capture.Packet{Time: start.Add(time.Duration(i) * time.Millisecond), Datagram: i, Direction: dir}
		p.Type = typ
		p.Long = typ != quic.Packet1RTT
		if p.Long {
			p.Version = 1
		}
		p.DCID = []byte{0xde, 0xad}
		p.Decrypted = decrypted
		p.Conn = 0
		for _, k := range frames {
			p.Frames = append(p.Frames, quic.Frame{Kind: k})
		}
		if dir == capture.FromClient {
			p.SrcIP, p.DstIP, p.SrcPort, p.DstPort = client, server, 4433, 443
		} else {
			p.SrcIP, p.DstIP, p.SrcPort, p.DstPort = server, client, 443, 4433
		}
		return p
	}
	return &capture.Trace{
		Path:      "trace_node_left.pcap",
		Datagrams: 4,
		Packets: []capture.Packet{
			pkt(0, capture.FromClient, quic.PacketInitial, true, quic.FrameCrypto, quic.FramePadding),
			pkt(1, capture.FromServer, quic.PacketInitial, true, quic.FrameAck, quic.FrameCrypto),
			pkt(2, capture.FromServer, quic.PacketHandshake, false),
			pkt(3, capture.FromClient, quic.Packet1RTT, false),
		},
	}
}

func TestWriteCaptureSummary(t *testing.T) {
	s := Summarize(trace())
	if s.Packets != 4 || s.Decrypted != 2 || s.Connections != 1 {
		t.Errorf("Summarize() = %+v", s)
	}
	if s.ByType[capture.FromServer][quic.PacketInitial] != 1 || s.Frames[quic.FrameCrypto] != 2 {
		t.Errorf("counts = %v, %v", s.ByType, s.Frames)
	}

	var buf bytes.Buffer
	WriteCaptureSummary(&buf, s)
	output := buf.String()
	for _, want := range []string{"Capture Summary: trace_node_left.pcap", "QUIC packets: 4 (2 decrypted)", "Versions: 0x1", "client->server:", "CRYPTO:"} {
		if !strings.Contains(output, want) {
			t.Errorf("Expected %q in:\n%s", want, output)
		}
	}
}

func TestWritePacketDump(t *testing.T) {
	var buf bytes.Buffer
	WritePacketDump(&buf, trace())
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("WritePacketDump() wrote %d lines", len(lines))
	}
	if !strings.Contains(lines[0], "Initial") || !strings.Contains(lines[0], "[CRYPTO PADDING]") {
		t.Errorf("line 0 = %q", lines[0])
	}
	if !strings.Contains(lines[3], "(encrypted)") {
		t.Errorf("line 3 = %q", lines[3])
	}

	buf.Reset()
	WritePacketDump(&buf, &capture.Trace{})
	if buf.Len() != 0 {
		t.Errorf("empty trace wrote %q", buf.String())
	}
}

func TestWriteCaptureCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "packets.csv")
	if err := WriteCaptureCSV(path, trace()); err != nil {
		t.Fatalf("WriteCaptureCSV() error = %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("records = %d, want 5", len(records))
	}
	if records[1][3] != "193.167.0.100:4433" || records[1][8] != "0x1" {
		t.Errorf("first row = %v", records[1])
	}
}
