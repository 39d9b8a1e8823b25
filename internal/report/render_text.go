package report

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/quic-interop/quic-interop-runner/internal/capture"
	"github.com/quic-interop/quic-interop-runner/internal/outcome"
	"github.com/quic-interop/quic-interop-runner/internal/quic"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	resultStyle = map[outcome.Result]lipgloss.Style{
		outcome.Succeeded:   lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		outcome.Unsupported: lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		outcome.Failed:      lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
	}
)

func padRight(s string, width int) string {
	if w := lipgloss.Width(s); w < width {
		return s + strings.Repeat(" ", width-w)
	}
	return s
}

// Render draws the table with box borders. Every row of cells is as tall as
// its tallest cell.
func (t *Table) Render() string {
	if t == nil || len(t.Rows) == 0 {
		return ""
	}
	cols := len(t.Columns) + 1
	widths := make([]int, cols)
	for i, c := range t.Columns {
		widths[i+1] = lipgloss.Width(c)
	}
	for _, r := range t.Rows {
		widths[0] = max(widths[0], lipgloss.Width(r.Name))
		for i, cell := range r.Cells {
			for _, e := range cell {
				widths[i+1] = max(widths[i+1], lipgloss.Width(e.Text))
			}
		}
	}

	rule := func(left, mid, right string) string {
		parts := make([]string, cols)
		for i, w := range widths {
			parts[i] = strings.Repeat("─", w+2)
		}
		return borderStyle.Render(left+strings.Join(parts, mid)+right) + "\n"
	}
	bar := borderStyle.Render("│")
	line := func(cells []string) string {
		var b strings.Builder
		b.WriteString(bar)
		for i, c := range cells {
			b.WriteString(" " + padRight(c, widths[i]) + " " + bar)
		}
		b.WriteString("\n")
		return b.String()
	}

	var b strings.Builder
	b.WriteString(rule("┌", "┬", "┐"))
	header := []string{""}
	for _, c := range t.Columns {
		header = append(header, headerStyle.Render(c))
	}
	b.WriteString(line(header))
	for _, r := range t.Rows {
		b.WriteString(rule("├", "┼", "┤"))
		height := 1
		for _, cell := range r.Cells {
			height = max(height, len(cell))
		}
		for l := 0; l < height; l++ {
			cells := make([]string, cols)
			if l == 0 {
				cells[0] = r.Name
			}
			for i, cell := range r.Cells {
				if l < len(cell) && cell[l].Text != "" {
					cells[i+1] = resultStyle[cell[l].Result].Render(cell[l].Text)
				}
			}
			b.WriteString(line(cells))
		}
	}
	b.WriteString(rule("└", "┴", "┘"))
	return b.String()
}

// WriteTables prints the test case and measurement tables that have content.
func WriteTables(w io.Writer, tables ...*Table) {
	for _, t := range tables {
		if s := t.Render(); s != "" {
			fmt.Fprint(w, s)
		}
	}
}

// WriteCaptureSummary renders a capture summary.
func WriteCaptureSummary(w io.Writer, s *CaptureSummary) {
	fmt.Fprintf(w, "Capture Summary: %s\n", s.Path)
	fmt.Fprintf(w, "  Generated: %s\n", FormatTimestamp())
	fmt.Fprintf(w, "  UDP datagrams: %d\n", s.Datagrams)
	fmt.Fprintf(w, "  QUIC packets: %d (%d decrypted)\n", s.Packets, s.Decrypted)
	fmt.Fprintf(w, "  Connections: %d\n", s.Connections)
	if len(s.Versions) > 0 {
		vs := make([]string, len(s.Versions))
		for i, v := range s.Versions {
			vs[i] = quic.VersionString(v)
		}
		fmt.Fprintf(w, "  Versions: %s\n", strings.Join(vs, ", "))
	}
	if s.Truncated {
		fmt.Fprintf(w, "  Warning: capture is truncated\n")
	}

	for _, dir := range []capture.Direction{capture.FromClient, capture.FromServer, capture.DirectionUnknown} {
		counts := s.ByType[dir]
		if len(counts) == 0 {
			continue
		}
		fmt.Fprintf(w, "\n  %s:\n", dir)
		types := make([]quic.PacketType, 0, len(counts))
		for t := range counts {
			types = append(types, t)
		}
		sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
		for _, t := range types {
			fmt.Fprintf(w, "    %-20s %d\n", t.String()+":", counts[t])
		}
	}

	if len(s.Frames) > 0 {
		fmt.Fprintf(w, "\n  Frames:\n")
		kinds := make([]quic.FrameKind, 0, len(s.Frames))
		for k := range s.Frames {
			kinds = append(kinds, k)
		}
		sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
		for _, k := range kinds {
			fmt.Fprintf(w, "    %-22s %d\n", k.String()+":", s.Frames[k])
		}
	}
}

// WritePacketDump prints one line per packet of a trace.
func WritePacketDump(w io.Writer, tr *capture.Trace) {
	if len(tr.Packets) == 0 {
		return
	}
	start := tr.Packets[0].Time
	for _, p := range tr.Packets {
		offset := p.Time.Sub(start).Seconds()
		fmt.Fprintf(w, "%5d %10.6f %-14s %-18s", p.Datagram, offset, p.Direction, p.Type)
		if p.Long {
			fmt.Fprintf(w, " v=%s", quic.VersionString(p.Version))
		}
		fmt.Fprintf(w, " dcid=%x", p.DCID)
		if len(p.SCID) > 0 {
			fmt.Fprintf(w, " scid=%x", p.SCID)
		}
		switch {
		case p.Decrypted:
			fmt.Fprintf(w, " pn=%d", p.PacketNumber)
			if p.Type == quic.Packet1RTT {
				fmt.Fprintf(w, " kp=%d", p.KeyPhase)
			}
			fmt.Fprintf(w, " len=%d [%s]", p.PayloadLength, frameList(p.Frames))
		case p.Type == quic.PacketRetry:
			fmt.Fprintf(w, " token=%d bytes integrity=%t", len(p.Token), p.RetryIntegrity)
		case p.Type == quic.PacketVersionNegotiation:
			vs := make([]string, len(p.SupportedVersions))
			for i, v := range p.SupportedVersions {
				vs[i] = quic.VersionString(v)
			}
			fmt.Fprintf(w, " versions=%s", strings.Join(vs, ","))
		default:
			fmt.Fprintf(w, " len=%d (encrypted)", p.PayloadLength)
		}
		fmt.Fprintln(w)
	}
}
