// Package testcase defines the interop test cases: what each one provisions,
// how the endpoints are invoked and which evidence decides the outcome.
package testcase

import (
	"time"

	"github.com/quic-interop/quic-interop-runner/internal/config"
)

const (
	KB = 1 << 10
	MB = 1 << 20
)

// Values published with every result document.
const (
	QUICDraft   = 34
	QUICVersion = "0x1"
)

// Perspective selects the endpoint a test name is presented to.
type Perspective string

const (
	PerspectiveServer Perspective = "server"
	PerspectiveClient Perspective = "client"
)

// DefaultScenario is the network simulator scenario used unless a test case
// overrides it.
const DefaultScenario = "simple-p2p --delay=15ms --bandwidth=10Mbps --queue=25"

// DefaultTimeout bounds a run unless a test case overrides it.
const DefaultTimeout = 60 * time.Second

// URL prefixes for the client's requests.
const (
	URLPrefixIPv4 = "https://server4:443/"
	URLPrefixIPv6 = "https://server6:443/"
)

// FileGroup is Count files of Size random bytes with names of NameLen
// lowercase letters (10 when zero).
type FileGroup struct {
	Count   int
	Size    int64
	NameLen int
}

// TestCase is one registered test case. Values are shared between runs and
// must not be modified after registration.
type TestCase struct {
	Name         string
	Abbreviation string
	Description  string

	// ServerTestName and ClientTestName are the TESTCASE values handed to
	// the endpoints. Empty means Name.
	ServerTestName string
	ClientTestName string

	Scenario  string
	Timeout   time.Duration
	URLPrefix string
	// RequestPrefixOnly makes the client request the bare URL prefix
	// instead of the generated files.
	RequestPrefixOnly bool
	Workload          []FileGroup
	CertChainLength   int
	ExtraEnv          map[string]string
	// ExtraUnits name additional units, resolved to images by the runner
	// configuration.
	ExtraUnits []string

	// NeedsKeyLog marks predicates that cannot be evaluated without the
	// exported TLS secrets.
	NeedsKeyLog bool

	// Applies restricts the test case to some pairs. Nil applies to all.
	Applies func(server, client config.Implementation) bool

	Verification Verification
}

// TestName returns the TESTCASE value for the endpoint at perspective p.
func (tc *TestCase) TestName(p Perspective) string {
	switch {
	case p == PerspectiveServer && tc.ServerTestName != "":
		return tc.ServerTestName
	case p == PerspectiveClient && tc.ClientTestName != "":
		return tc.ClientTestName
	}
	return tc.Name
}

// AppliesTo reports whether the pair runs this test case at all.
func (tc *TestCase) AppliesTo(server, client config.Implementation) bool {
	return tc.Applies == nil || tc.Applies(server, client)
}

// Measurement returns the measurement variant of a measurement test case.
func (tc *TestCase) Measurement() (Measured, bool) {
	m, ok := tc.Verification.(Measured)
	return m, ok
}

// IsMeasurement reports whether the test case yields a numeric result.
func (tc *TestCase) IsMeasurement() bool {
	_, ok := tc.Measurement()
	return ok
}

// Repetitions is the number of runs per pair.
func (tc *TestCase) Repetitions() int {
	if m, ok := tc.Measurement(); ok && m.Repetitions > 0 {
		return m.Repetitions
	}
	return 1
}

// TotalSize is the number of workload bytes the client downloads.
func (tc *TestCase) TotalSize() int64 {
	var n int64
	for _, g := range tc.Workload {
		n += int64(g.Count) * g.Size
	}
	return n
}

// FileCount is the number of workload files.
func (tc *TestCase) FileCount() int {
	n := 0
	for _, g := range tc.Workload {
		n += g.Count
	}
	return n
}

// ChainLength is the certificate chain length to provision.
func (tc *TestCase) ChainLength() int {
	if tc.CertChainLength > 0 {
		return tc.CertChainLength
	}
	return 1
}

func (tc *TestCase) String() string {
	return tc.Name
}

// Check is a protocol predicate over the evidence of one run. A nil return
// means the property holds; otherwise the error describes what is missing.
type Check func(ev *Evidence) error

// Measure extracts the numeric result of a measurement run.
type Measure func(ev *Evidence) (float64, error)

// Verification selects how a run claiming success is confirmed.
type Verification interface {
	isVerification()
}

// NoVerification trusts the exit codes. Used by the compliance probe.
type NoVerification struct{}

// CaptureOnly evaluates Check without the download integrity gate.
type CaptureOnly struct {
	Check Check
}

// IntegrityOnly compares the downloaded files with the served ones.
type IntegrityOnly struct{}

// IntegrityPlus runs the integrity gate, then Check.
type IntegrityPlus struct {
	Check Check
}

// Measured runs the integrity gate and Check, then extracts a value.
type Measured struct {
	Check       Check
	Measure     Measure
	Unit        string
	Repetitions int
}

func (NoVerification) isVerification() {}
func (CaptureOnly) isVerification()    {}
func (IntegrityOnly) isVerification()  {}
func (IntegrityPlus) isVerification()  {}
func (Measured) isVerification()       {}
