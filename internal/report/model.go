package report

import (
	"sort"

	"github.com/quic-interop/quic-interop-runner/internal/capture"
	"github.com/quic-interop/quic-interop-runner/internal/matrix"
	"github.com/quic-interop/quic-interop-runner/internal/outcome"
	"github.com/quic-interop/quic-interop-runner/internal/quic"
)

// Table is a result matrix ready for the console: clients as rows, servers
// as columns.
type Table struct {
	Columns []string
	Rows    []Row
}

// Row is one client.
type Row struct {
	Name  string
	Cells []Cell
}

// Cell lists the entries of one (server, client) pair.
type Cell []Entry

// Entry is a colored fragment of a cell.
type Entry struct {
	Text   string
	Result outcome.Result
}

// TestTable lists, per pair, the abbreviations of succeeded, unsupported and
// failed test cases on three lines. It returns nil when the sweep ran no
// test cases.
func TestTable(m *matrix.Matrix) *Table {
	if !hasTests(m, false) {
		return nil
	}
	return build(m, func(server, client string) Cell {
		return Cell{
			{Text: m.Letters(server, client, outcome.Succeeded), Result: outcome.Succeeded},
			{Text: m.Letters(server, client, outcome.Unsupported), Result: outcome.Unsupported},
			{Text: m.Letters(server, client, outcome.Failed), Result: outcome.Failed},
		}
	})
}

// MeasurementTable lists, per pair, one line per measurement. Succeeded
// measurements carry their details.
func MeasurementTable(m *matrix.Matrix) *Table {
	if !hasTests(m, true) {
		return nil
	}
	return build(m, func(server, client string) Cell {
		var cell Cell
		for _, tc := range m.Tests() {
			if !tc.IsMeasurement() {
				continue
			}
			o, ok := m.Get(server, client, tc.Name)
			if !ok {
				continue
			}
			text := tc.Abbreviation
			if o.Result == outcome.Succeeded {
				text += ": " + o.Detail
			}
			cell = append(cell, Entry{Text: text, Result: o.Result})
		}
		return cell
	})
}

func hasTests(m *matrix.Matrix, measurements bool) bool {
	for _, tc := range m.Tests() {
		if tc.IsMeasurement() == measurements {
			return true
		}
	}
	return false
}

func build(m *matrix.Matrix, cell func(server, client string) Cell) *Table {
	t := &Table{}
	for _, s := range m.Servers() {
		t.Columns = append(t.Columns, s.Name)
	}
	for _, c := range m.Clients() {
		row := Row{Name: c.Name}
		for _, s := range m.Servers() {
			row.Cells = append(row.Cells, cell(s.Name, c.Name))
		}
		t.Rows = append(t.Rows, row)
	}
	return t
}

// CaptureSummary counts the packets of a trace.
type CaptureSummary struct {
	Path        string
	Datagrams   int
	Packets     int
	Connections int
	Decrypted   int
	Truncated   bool
	// ByType counts packets per direction and type.
	ByType map[capture.Direction]map[quic.PacketType]int
	// Versions are the QUIC versions seen in long headers.
	Versions []uint32
	// Frames counts frames of decrypted packets by kind.
	Frames map[quic.FrameKind]int
}

// Summarize builds the summary of a trace.
func Summarize(tr *capture.Trace) *CaptureSummary {
	s := &CaptureSummary{
		Path:      tr.Path,
		Datagrams: tr.Datagrams,
		Packets:   len(tr.Packets),
		Truncated: tr.Truncated,
		ByType:    make(map[capture.Direction]map[quic.PacketType]int),
		Frames:    make(map[quic.FrameKind]int),
	}
	versions := make(map[uint32]bool)
	conns := make(map[int]bool)
	for _, p := range tr.Packets {
		if s.ByType[p.Direction] == nil {
			s.ByType[p.Direction] = make(map[quic.PacketType]int)
		}
		s.ByType[p.Direction][p.Type]++
		if p.Long && p.Version != 0 {
			versions[p.Version] = true
		}
		if p.Conn >= 0 {
			conns[p.Conn] = true
		}
		if p.Decrypted {
			s.Decrypted++
			for _, f := range p.Frames {
				s.Frames[f.Kind]++
			}
		}
	}
	s.Connections = len(conns)
	for v := range versions {
		s.Versions = append(s.Versions, v)
	}
	sort.Slice(s.Versions, func(i, j int) bool { return s.Versions[i] < s.Versions[j] })
	return s
}
