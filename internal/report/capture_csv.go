package report

import (
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/quic-interop/quic-interop-runner/internal/capture"
	"github.com/quic-interop/quic-interop-runner/internal/quic"
)

// WriteCaptureCSV writes one row per dissected packet.
func WriteCaptureCSV(path string, tr *capture.Trace) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil && filepath.Dir(path) != "." {
		return fmt.Errorf("create csv directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create csv file: %w", err)
	}
	defer f.Close()

	writer := csv.NewWriter(f)
	defer writer.Flush()

	header := []string{
		"Datagram", "Time", "Direction", "Src", "Dst", "IPv6", "ECN",
		"Type", "Version", "DCID", "SCID", "PacketNumber", "KeyPhase",
		"Decrypted", "PayloadLength", "Conn", "Frames",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}

	for _, p := range tr.Packets {
		version := ""
		if p.Long {
			version = quic.VersionString(p.Version)
		}
		pn := ""
		if p.Decrypted {
			pn = strconv.FormatUint(p.PacketNumber, 10)
		}
		record := []string{
			strconv.Itoa(p.Datagram),
			p.Time.UTC().Format("15:04:05.000000"),
			p.Direction.String(),
			fmt.Sprintf("%s:%d", p.SrcIP, p.SrcPort),
			fmt.Sprintf("%s:%d", p.DstIP, p.DstPort),
			strconv.FormatBool(p.IPv6),
			strconv.Itoa(int(p.ECN)),
			p.Type.String(),
			version,
			hex.EncodeToString(p.DCID),
			hex.EncodeToString(p.SCID),
			pn,
			strconv.Itoa(int(p.KeyPhase)),
			strconv.FormatBool(p.Decrypted),
			strconv.Itoa(p.PayloadLength),
			strconv.Itoa(p.Conn),
			frameList(p.Frames),
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}

	writer.Flush()
	return writer.Error()
}

func frameList(frames []quic.Frame) string {
	names := make([]string, 0, len(frames))
	for _, f := range frames {
		names = append(names, f.Kind.String())
	}
	return strings.Join(names, " ")
}
