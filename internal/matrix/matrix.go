// Package matrix accumulates the outcomes of a sweep into a (server, client,
// test case) matrix and exports it as the result document.
package matrix

import (
	"errors"
	"fmt"
	"time"

	"github.com/quic-interop/quic-interop-runner/internal/config"
	"github.com/quic-interop/quic-interop-runner/internal/outcome"
	"github.com/quic-interop/quic-interop-runner/internal/testcase"
)

var (
	// ErrDuplicate is returned when a cell already holds an outcome.
	ErrDuplicate = errors.New("duplicate outcome")
	// ErrUnknownKey is returned for a server, client or test case that is
	// not part of the sweep.
	ErrUnknownKey = errors.New("unknown matrix key")
)

// Key identifies a cell.
type Key struct {
	Server string
	Client string
	Test   string
}

func (k Key) String() string {
	return fmt.Sprintf("%s_%s/%s", k.Server, k.Client, k.Test)
}

// Matrix holds one outcome per key. It is not safe for concurrent use; a
// sweep has exactly one goroutine inserting into it.
type Matrix struct {
	servers []config.Implementation
	clients []config.Implementation
	tests   []*testcase.TestCase
	logDir  string
	start   time.Time
	end     time.Time

	serverIdx map[string]bool
	clientIdx map[string]bool
	testIdx   map[string]bool
	cells     map[Key]outcome.Outcome
}

// New creates an empty matrix over the given axes. tests holds both test
// cases and measurements.
func New(servers, clients []config.Implementation, tests []*testcase.TestCase, logDir string, start time.Time) *Matrix {
	m := &Matrix{
		servers:   servers,
		clients:   clients,
		tests:     tests,
		logDir:    logDir,
		start:     start,
		serverIdx: make(map[string]bool, len(servers)),
		clientIdx: make(map[string]bool, len(clients)),
		testIdx:   make(map[string]bool, len(tests)),
		cells:     make(map[Key]outcome.Outcome),
	}
	for _, s := range servers {
		m.serverIdx[s.Name] = true
	}
	for _, c := range clients {
		m.clientIdx[c.Name] = true
	}
	for _, tc := range tests {
		m.testIdx[tc.Name] = true
	}
	return m
}

// Insert records the outcome of a cell.
func (m *Matrix) Insert(server, client, test string, o outcome.Outcome) error {
	k := Key{Server: server, Client: client, Test: test}
	if !m.serverIdx[server] || !m.clientIdx[client] || !m.testIdx[test] {
		return fmt.Errorf("%w: %s", ErrUnknownKey, k)
	}
	if _, ok := m.cells[k]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, k)
	}
	m.cells[k] = o
	return nil
}

// Get returns the outcome of a cell.
func (m *Matrix) Get(server, client, test string) (outcome.Outcome, bool) {
	o, ok := m.cells[Key{Server: server, Client: client, Test: test}]
	return o, ok
}

// Len returns the number of filled cells.
func (m *Matrix) Len() int {
	return len(m.cells)
}

// Missing lists the cells without an outcome, in export order.
func (m *Matrix) Missing() []Key {
	var keys []Key
	m.each(func(server, client string, tc *testcase.TestCase) {
		k := Key{Server: server, Client: client, Test: tc.Name}
		if _, ok := m.cells[k]; !ok {
			keys = append(keys, k)
		}
	})
	return keys
}

// Finish sets the end time of the sweep.
func (m *Matrix) Finish(end time.Time) {
	m.end = end
}

// Servers returns the server axis.
func (m *Matrix) Servers() []config.Implementation { return m.servers }

// Clients returns the client axis.
func (m *Matrix) Clients() []config.Implementation { return m.clients }

// Tests returns the test cases and measurements.
func (m *Matrix) Tests() []*testcase.TestCase { return m.tests }

// Elapsed is the duration of the sweep, zero before Finish.
func (m *Matrix) Elapsed() time.Duration {
	if m.end.IsZero() {
		return 0
	}
	return m.end.Sub(m.start)
}

// each walks the cells with clients as the outer loop and servers as the
// inner loop.
func (m *Matrix) each(fn func(server, client string, tc *testcase.TestCase)) {
	for _, c := range m.clients {
		for _, s := range m.servers {
			for _, tc := range m.tests {
				fn(s.Name, c.Name, tc)
			}
		}
	}
}
