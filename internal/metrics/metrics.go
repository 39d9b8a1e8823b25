package metrics

// Run statistics for a sweep

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Run results as recorded in metrics.
const (
	ResultSucceeded   = "succeeded"
	ResultFailed      = "failed"
	ResultUnsupported = "unsupported"
)

// Metric describes one finished run.
type Metric struct {
	Timestamp  time.Time
	Server     string
	Client     string
	TestCase   string
	Repetition int
	Result     string
	DurationMs float64
	TimedOut   bool
	ServerExit int
	ClientExit int
	Error      string
	Value      float64
	Unit       string
}

// Sink collects and aggregates metrics
type Sink struct {
	mu      sync.RWMutex
	metrics []Metric
	summary *Summary
}

func newSummary() *Summary {
	return &Summary{
		DurationBuckets: make(map[string]int),
		ByTestCase:      make(map[string]*TestCaseStats),
	}
}

// Summary contains aggregated statistics
type Summary struct {
	TotalRuns       int
	Succeeded       int
	Failed          int
	Unsupported     int
	TimeoutCount    int
	MinDuration     float64
	MaxDuration     float64
	AvgDuration     float64
	P50Duration     float64
	P90Duration     float64
	P95Duration     float64
	P99Duration     float64
	DurationBuckets map[string]int
	ByTestCase      map[string]*TestCaseStats
}

// TestCaseStats contains statistics for one test case
type TestCaseStats struct {
	Count       int
	Succeeded   int
	Failed      int
	Unsupported int
	SumDuration float64
	AvgDuration float64
}

// NewSink creates a new metrics sink
func NewSink() *Sink {
	return &Sink{
		metrics: make([]Metric, 0),
		summary: newSummary(),
	}
}

// Record records a new metric
func (s *Sink) Record(m Metric) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.metrics = append(s.metrics, m)
	s.updateSummary(m)
}

// GetMetrics returns a copy of all recorded metrics
func (s *Sink) GetMetrics() []Metric {
	s.mu.RLock()
	defer s.mu.RUnlock()

	metrics := make([]Metric, len(s.metrics))
	copy(metrics, s.metrics)
	return metrics
}

// GetSummary returns the aggregated summary
func (s *Sink) GetSummary() *Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := *s.summary
	summary.DurationBuckets = make(map[string]int)
	summary.ByTestCase = make(map[string]*TestCaseStats)
	for name, stats := range s.summary.ByTestCase {
		cp := *stats
		summary.ByTestCase[name] = &cp
	}

	durations := make([]float64, 0, len(s.metrics))
	for _, m := range s.metrics {
		durations = append(durations, m.DurationMs)
		incrementBucket(summary.DurationBuckets, m.DurationMs)
	}
	p := computePercentiles(durations)
	summary.P50Duration, summary.P90Duration, summary.P95Duration, summary.P99Duration = p[0], p[1], p[2], p[3]
	return &summary
}

// updateSummary updates the summary statistics with a new metric
func (s *Sink) updateSummary(m Metric) {
	s.summary.TotalRuns++
	switch m.Result {
	case ResultSucceeded:
		s.summary.Succeeded++
	case ResultUnsupported:
		s.summary.Unsupported++
	default:
		s.summary.Failed++
	}
	if m.TimedOut {
		s.summary.TimeoutCount++
	}

	if s.summary.TotalRuns == 1 || m.DurationMs < s.summary.MinDuration {
		s.summary.MinDuration = m.DurationMs
	}
	if m.DurationMs > s.summary.MaxDuration {
		s.summary.MaxDuration = m.DurationMs
	}
	total := s.summary.AvgDuration * float64(s.summary.TotalRuns-1)
	s.summary.AvgDuration = (total + m.DurationMs) / float64(s.summary.TotalRuns)

	stats, exists := s.summary.ByTestCase[m.TestCase]
	if !exists {
		stats = &TestCaseStats{}
		s.summary.ByTestCase[m.TestCase] = stats
	}
	stats.Count++
	switch m.Result {
	case ResultSucceeded:
		stats.Succeeded++
	case ResultUnsupported:
		stats.Unsupported++
	default:
		stats.Failed++
	}
	stats.SumDuration += m.DurationMs
	stats.AvgDuration = stats.SumDuration / float64(stats.Count)
}

func incrementBucket(buckets map[string]int, ms float64) {
	switch {
	case ms < 1000:
		buckets["lt_1s"]++
	case ms < 5000:
		buckets["1_5s"]++
	case ms < 10000:
		buckets["5_10s"]++
	case ms < 30000:
		buckets["10_30s"]++
	case ms < 60000:
		buckets["30_60s"]++
	default:
		buckets["gt_60s"]++
	}
}

func computePercentiles(values []float64) [4]float64 {
	var result [4]float64
	if len(values) == 0 {
		return result
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	result[0] = percentile(sorted, 0.50)
	result[1] = percentile(sorted, 0.90)
	result[2] = percentile(sorted, 0.95)
	result[3] = percentile(sorted, 0.99)
	return result
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

// MeanStdev returns the mean and the sample standard deviation of values.
// The deviation of fewer than two values is zero.
func MeanStdev(values []float64) (mean, stdev float64) {
	if len(values) == 0 {
		return 0, 0
	}
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	if len(values) < 2 {
		return mean, 0
	}
	var ss float64
	for _, v := range values {
		ss += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(ss / float64(len(values)-1))
}
