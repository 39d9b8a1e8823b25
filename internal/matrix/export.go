package matrix

import (
	"github.com/quic-interop/quic-interop-runner/internal/outcome"
	"github.com/quic-interop/quic-interop-runner/internal/testcase"
)

// Document is the exported result of a sweep.
type Document struct {
	StartTime    float64               `json:"start_time"`
	EndTime      float64               `json:"end_time"`
	LogDir       string                `json:"log_dir"`
	Servers      []string              `json:"servers"`
	Clients      []string              `json:"clients"`
	URLs         map[string]string     `json:"urls"`
	Tests        map[string]TestInfo   `json:"tests"`
	QUICDraft    int                   `json:"quic_draft"`
	QUICVersion  string                `json:"quic_version"`
	Results      [][]TestResult        `json:"results"`
	Measurements [][]MeasurementResult `json:"measurements"`
}

// TestInfo describes a test case by abbreviation.
type TestInfo struct {
	Name string `json:"name"`
	Desc string `json:"desc"`
}

// TestResult is one test case cell. Result is nil when the cell is empty.
type TestResult struct {
	Abbr   string  `json:"abbr"`
	Name   string  `json:"name"`
	Result *string `json:"result"`
}

// MeasurementResult is one measurement cell.
type MeasurementResult struct {
	Name    string `json:"name"`
	Abbr    string `json:"abbr"`
	Result  string `json:"result"`
	Details string `json:"details"`
}

func unixSeconds(m *Matrix, end bool) float64 {
	t := m.start
	if end {
		t = m.end
	}
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

// Export builds the result document. Entries of Results and Measurements
// are ordered with clients as the outer loop and servers as the inner loop;
// empty measurement cells are omitted.
func (m *Matrix) Export() *Document {
	doc := &Document{
		StartTime:    unixSeconds(m, false),
		EndTime:      unixSeconds(m, true),
		LogDir:       m.logDir,
		Servers:      make([]string, 0, len(m.servers)),
		Clients:      make([]string, 0, len(m.clients)),
		URLs:         make(map[string]string),
		Tests:        make(map[string]TestInfo, len(m.tests)),
		QUICDraft:    testcase.QUICDraft,
		QUICVersion:  testcase.QUICVersion,
		Results:      [][]TestResult{},
		Measurements: [][]MeasurementResult{},
	}
	for _, s := range m.servers {
		doc.Servers = append(doc.Servers, s.Name)
		doc.URLs[s.Name] = s.URL
	}
	for _, c := range m.clients {
		doc.Clients = append(doc.Clients, c.Name)
		doc.URLs[c.Name] = c.URL
	}
	for _, tc := range m.tests {
		doc.Tests[tc.Abbreviation] = TestInfo{Name: tc.Name, Desc: tc.Description}
	}

	for _, c := range m.clients {
		for _, s := range m.servers {
			results := []TestResult{}
			measurements := []MeasurementResult{}
			for _, tc := range m.tests {
				o, ok := m.cells[Key{Server: s.Name, Client: c.Name, Test: tc.Name}]
				if tc.IsMeasurement() {
					if ok {
						measurements = append(measurements, MeasurementResult{
							Name:    tc.Name,
							Abbr:    tc.Abbreviation,
							Result:  string(o.Result),
							Details: o.Detail,
						})
					}
					continue
				}
				r := TestResult{Abbr: tc.Abbreviation, Name: tc.Name}
				if ok {
					res := string(o.Result)
					r.Result = &res
				}
				results = append(results, r)
			}
			doc.Results = append(doc.Results, results)
			doc.Measurements = append(doc.Measurements, measurements)
		}
	}
	return doc
}

// Letters returns the abbreviations of the test cases (not measurements) of
// a cell that ended with result r, in test order.
func (m *Matrix) Letters(server, client string, r outcome.Result) string {
	var s string
	for _, tc := range m.tests {
		if tc.IsMeasurement() {
			continue
		}
		if o, ok := m.cells[Key{Server: server, Client: client, Test: tc.Name}]; ok && o.Result == r {
			s += tc.Abbreviation
		}
	}
	return s
}
