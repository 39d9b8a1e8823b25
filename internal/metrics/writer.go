package metrics

// Metrics output (CSV/JSON) and summary formatting

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"
)

// Writer handles writing metrics to files
type Writer struct {
	csvFile   *os.File
	csvWriter *csv.Writer
	jsonFile  *os.File
	written   int
}

// NewWriter creates a new metrics writer
func NewWriter(csvPath, jsonPath string) (*Writer, error) {
	w := &Writer{}

	if csvPath != "" {
		file, err := os.Create(csvPath)
		if err != nil {
			return nil, fmt.Errorf("create CSV file: %w", err)
		}
		w.csvFile = file
		w.csvWriter = csv.NewWriter(file)

		header := []string{
			"timestamp",
			"server",
			"client",
			"test_case",
			"repetition",
			"result",
			"duration_ms",
			"timed_out",
			"server_exit",
			"client_exit",
			"error",
			"value",
			"unit",
		}
		if err := w.csvWriter.Write(header); err != nil {
			file.Close()
			return nil, fmt.Errorf("write CSV header: %w", err)
		}
		w.csvWriter.Flush()
	}

	if jsonPath != "" {
		file, err := os.Create(jsonPath)
		if err != nil {
			if w.csvFile != nil {
				w.csvFile.Close()
			}
			return nil, fmt.Errorf("create JSON file: %w", err)
		}
		w.jsonFile = file

		if _, err := file.WriteString("[\n"); err != nil {
			file.Close()
			if w.csvFile != nil {
				w.csvFile.Close()
			}
			return nil, fmt.Errorf("write JSON start: %w", err)
		}
	}

	return w, nil
}

type jsonMetric struct {
	Timestamp  time.Time `json:"timestamp"`
	Server     string    `json:"server"`
	Client     string    `json:"client"`
	TestCase   string    `json:"test_case"`
	Repetition int       `json:"repetition,omitempty"`
	Result     string    `json:"result"`
	DurationMs float64   `json:"duration_ms"`
	TimedOut   bool      `json:"timed_out,omitempty"`
	ServerExit int       `json:"server_exit"`
	ClientExit int       `json:"client_exit"`
	Error      string    `json:"error,omitempty"`
	Value      float64   `json:"value,omitempty"`
	Unit       string    `json:"unit,omitempty"`
}

// WriteMetric writes a single metric
func (w *Writer) WriteMetric(m Metric) error {
	if w.csvWriter != nil {
		record := []string{
			m.Timestamp.Format(time.RFC3339Nano),
			m.Server,
			m.Client,
			m.TestCase,
			strconv.Itoa(m.Repetition),
			m.Result,
			fmt.Sprintf("%.3f", m.DurationMs),
			strconv.FormatBool(m.TimedOut),
			strconv.Itoa(m.ServerExit),
			strconv.Itoa(m.ClientExit),
			m.Error,
			formatValue(m.Value),
			m.Unit,
		}
		if err := w.csvWriter.Write(record); err != nil {
			return fmt.Errorf("write CSV record: %w", err)
		}
		w.csvWriter.Flush()
	}

	if w.jsonFile != nil {
		jsonData, err := json.Marshal(jsonMetric(m))
		if err != nil {
			return fmt.Errorf("marshal JSON: %w", err)
		}
		if w.written > 0 {
			if _, err := w.jsonFile.WriteString(",\n"); err != nil {
				return fmt.Errorf("write JSON comma: %w", err)
			}
		}
		var buf bytes.Buffer
		if err := json.Indent(&buf, jsonData, "", "  "); err != nil {
			return fmt.Errorf("indent JSON: %w", err)
		}
		if _, err := w.jsonFile.Write(buf.Bytes()); err != nil {
			return fmt.Errorf("write JSON: %w", err)
		}
	}
	w.written++
	return nil
}

// Close closes the writer and flushes all data
func (w *Writer) Close() error {
	var errs []error

	if w.csvWriter != nil {
		w.csvWriter.Flush()
	}
	if w.csvFile != nil {
		if err := w.csvFile.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if w.jsonFile != nil {
		if _, err := w.jsonFile.WriteString("\n]\n"); err != nil {
			errs = append(errs, err)
		}
		if err := w.jsonFile.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close writer: %v", errs)
	}
	return nil
}

// formatValue formats a measurement for CSV (empty string if 0)
func formatValue(v float64) string {
	if v == 0 {
		return ""
	}
	return fmt.Sprintf("%.3f", v)
}

// FormatSummary formats a summary for human-readable output
func FormatSummary(summary *Summary) string {
	var buf string
	if summary.TotalRuns == 0 {
		return "Total Runs: 0\n"
	}
	pct := func(n int) float64 { return float64(n) / float64(summary.TotalRuns) * 100 }

	buf += fmt.Sprintf("Total Runs: %d\n", summary.TotalRuns)
	buf += fmt.Sprintf("Succeeded: %d (%.1f%%)\n", summary.Succeeded, pct(summary.Succeeded))
	buf += fmt.Sprintf("Unsupported: %d (%.1f%%)\n", summary.Unsupported, pct(summary.Unsupported))
	buf += fmt.Sprintf("Failed: %d (%.1f%%)\n", summary.Failed, pct(summary.Failed))
	if summary.TimeoutCount > 0 {
		buf += fmt.Sprintf("Timeouts: %d\n", summary.TimeoutCount)
	}

	buf += "\nRun Durations:\n"
	buf += fmt.Sprintf("  Min: %.1f s\n", summary.MinDuration/1000)
	buf += fmt.Sprintf("  Max: %.1f s\n", summary.MaxDuration/1000)
	buf += fmt.Sprintf("  Avg: %.1f s\n", summary.AvgDuration/1000)
	if summary.P50Duration > 0 || summary.P90Duration > 0 {
		buf += fmt.Sprintf("  P50: %.1f s\n", summary.P50Duration/1000)
		buf += fmt.Sprintf("  P90: %.1f s\n", summary.P90Duration/1000)
		buf += fmt.Sprintf("  P95: %.1f s\n", summary.P95Duration/1000)
		buf += fmt.Sprintf("  P99: %.1f s\n", summary.P99Duration/1000)
	}
	if len(summary.DurationBuckets) > 0 {
		buf += fmt.Sprintf("  Buckets: <1s=%d 1-5s=%d 5-10s=%d 10-30s=%d 30-60s=%d >60s=%d\n",
			summary.DurationBuckets["lt_1s"],
			summary.DurationBuckets["1_5s"],
			summary.DurationBuckets["5_10s"],
			summary.DurationBuckets["10_30s"],
			summary.DurationBuckets["30_60s"],
			summary.DurationBuckets["gt_60s"],
		)
	}

	if len(summary.ByTestCase) > 0 {
		names := make([]string, 0, len(summary.ByTestCase))
		for name := range summary.ByTestCase {
			names = append(names, name)
		}
		sort.Strings(names)
		buf += "\nPer-Test-Case Statistics:\n"
		for _, name := range names {
			stats := summary.ByTestCase[name]
			buf += fmt.Sprintf("  %s: %d runs (%d succeeded, %d unsupported, %d failed) - avg %.1f s\n",
				name, stats.Count, stats.Succeeded, stats.Unsupported, stats.Failed, stats.AvgDuration/1000)
		}
	}
	return buf
}
