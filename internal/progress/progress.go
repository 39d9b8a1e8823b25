// Package progress draws the sweep progress bar on stderr.
package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// ProgressBar counts finished runs. It is safe for concurrent use.
type ProgressBar struct {
	mu          sync.Mutex
	total       int64
	current     int64
	results     map[string]int
	order       []string
	startTime   time.Time
	lastUpdate  time.Time
	output      io.Writer
	enabled     bool
	description string
}

// NewProgressBar creates a new progress bar
func NewProgressBar(total int64, description string) *ProgressBar {
	return &ProgressBar{
		total:       total,
		results:     make(map[string]int),
		startTime:   time.Now(),
		output:      os.Stderr, // Use stderr so it doesn't interfere with stdout
		enabled:     true,
		description: description,
	}
}

// SetOutput redirects the bar.
func (p *ProgressBar) SetOutput(w io.Writer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.output = w
}

// Disable disables the progress bar
func (p *ProgressBar) Disable() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = false
}

// Done records one finished run with its result.
func (p *ProgressBar) Done(result string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current++
	if _, ok := p.results[result]; !ok {
		p.order = append(p.order, result)
	}
	p.results[result]++
	p.render()
}

// Counts returns the number of finished runs per result.
func (p *ProgressBar) Counts() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int, len(p.results))
	for k, v := range p.results {
		out[k] = v
	}
	return out
}

// render renders the progress bar. Callers hold mu.
func (p *ProgressBar) render() {
	if !p.enabled {
		return
	}

	// Throttle updates to avoid too much output
	now := time.Now()
	if now.Sub(p.lastUpdate) < 100*time.Millisecond && p.current < p.total {
		return
	}
	p.lastUpdate = now

	var percent float64
	if p.total > 0 {
		percent = float64(p.current) / float64(p.total) * 100
	}

	elapsed := time.Since(p.startTime)

	var eta time.Duration
	if p.current > 0 && p.total > 0 {
		rate := float64(p.current) / elapsed.Seconds()
		if rate > 0 {
			remaining := float64(p.total-p.current) / rate
			eta = time.Duration(remaining) * time.Second
		}
	}

	// 30 characters wide
	barWidth := 30
	filled := int(float64(barWidth) * percent / 100)
	if filled > barWidth {
		filled = barWidth
	}

	bar := make([]byte, barWidth)
	for i := 0; i < filled; i++ {
		bar[i] = '='
	}
	if filled < barWidth {
		bar[filled] = '>'
		for i := filled + 1; i < barWidth; i++ {
			bar[i] = '-'
		}
	}

	output := fmt.Sprintf("\r[%s] %d/%d (%.1f%%)", string(bar), p.current, p.total, percent)
	if p.description != "" {
		output = fmt.Sprintf("\r%s %s", p.description, output[1:])
	}
	for _, r := range p.order {
		output += fmt.Sprintf(" %s=%d", r, p.results[r])
	}
	output += fmt.Sprintf(" | Elapsed: %s", formatDuration(elapsed))
	if eta > 0 && p.current < p.total {
		output += fmt.Sprintf(" | ETA: %s", formatDuration(eta))
	}

	fmt.Fprint(p.output, output)
}

// Finish ends the line.
func (p *ProgressBar) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled {
		return
	}
	p.lastUpdate = time.Time{}
	p.render()
	fmt.Fprint(p.output, "\n") // New line after completion
}

// formatDuration formats a duration in a human-readable way
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%dm%ds", minutes, seconds)
}
