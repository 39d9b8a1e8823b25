package testcase

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/quic-interop/quic-interop-runner/internal/config"
)

// Selection keywords accepted by Registry.Select.
const (
	SelectOnlyTests        = "onlyTests"
	SelectOnlyMeasurements = "onlyMeasurements"
)

// UnknownTestCaseError is returned for names that are not registered.
type UnknownTestCaseError struct {
	Name string
}

func (e *UnknownTestCaseError) Error() string {
	return "unknown test case: " + e.Name
}

// Registry holds the test cases in presentation order.
type Registry struct {
	cases  []*TestCase
	byName map[string]*TestCase
	byAbbr map[string]*TestCase
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]*TestCase),
		byAbbr: make(map[string]*TestCase),
	}
}

// Register adds a test case. Names and abbreviations must be unique and
// every test case needs a verification variant.
func (r *Registry) Register(tc *TestCase) error {
	if tc.Name == "" || tc.Abbreviation == "" {
		return fmt.Errorf("test case needs a name and an abbreviation")
	}
	if _, dup := r.byName[tc.Name]; dup {
		return fmt.Errorf("duplicate test case %q", tc.Name)
	}
	if _, dup := r.byAbbr[tc.Abbreviation]; dup {
		return fmt.Errorf("duplicate abbreviation %q (%s)", tc.Abbreviation, tc.Name)
	}
	switch v := tc.Verification.(type) {
	case nil:
		return fmt.Errorf("test case %q has no verification", tc.Name)
	case CaptureOnly:
		if v.Check == nil {
			return fmt.Errorf("test case %q: capture check is nil", tc.Name)
		}
	case IntegrityPlus:
		if v.Check == nil {
			return fmt.Errorf("test case %q: check is nil", tc.Name)
		}
	case Measured:
		if v.Measure == nil || v.Unit == "" {
			return fmt.Errorf("test case %q: measurement needs a function and a unit", tc.Name)
		}
	}
	if tc.Scenario == "" {
		tc.Scenario = DefaultScenario
	}
	if tc.Timeout == 0 {
		tc.Timeout = DefaultTimeout
	}
	if tc.URLPrefix == "" {
		tc.URLPrefix = URLPrefixIPv4
	}
	r.cases = append(r.cases, tc)
	r.byName[tc.Name] = tc
	r.byAbbr[tc.Abbreviation] = tc
	return nil
}

func (r *Registry) mustRegister(tc *TestCase) {
	if err := r.Register(tc); err != nil {
		panic(err)
	}
}

// Lookup returns a test case by name or abbreviation.
func (r *Registry) Lookup(name string) (*TestCase, error) {
	if tc, ok := r.byName[name]; ok {
		return tc, nil
	}
	if tc, ok := r.byAbbr[name]; ok {
		return tc, nil
	}
	return nil, &UnknownTestCaseError{Name: name}
}

// All returns every test case in registration order.
func (r *Registry) All() []*TestCase {
	return append([]*TestCase(nil), r.cases...)
}

// Tests returns the test cases without a numeric result.
func (r *Registry) Tests() []*TestCase {
	var out []*TestCase
	for _, tc := range r.cases {
		if !tc.IsMeasurement() {
			out = append(out, tc)
		}
	}
	return out
}

// Measurements returns the measurement test cases.
func (r *Registry) Measurements() []*TestCase {
	var out []*TestCase
	for _, tc := range r.cases {
		if tc.IsMeasurement() {
			out = append(out, tc)
		}
	}
	return out
}

// Select resolves a comma separated list of test case names. An empty list
// selects everything; onlyTests and onlyMeasurements select one group.
func (r *Registry) Select(list string) ([]*TestCase, error) {
	switch strings.TrimSpace(list) {
	case "":
		return r.All(), nil
	case SelectOnlyTests:
		return r.Tests(), nil
	case SelectOnlyMeasurements:
		return r.Measurements(), nil
	}
	var out []*TestCase
	seen := make(map[string]bool)
	for _, name := range strings.Split(list, ",") {
		tc, err := r.Lookup(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		if seen[tc.Name] {
			continue
		}
		seen[tc.Name] = true
		out = append(out, tc)
	}
	return out, nil
}

// Compliance returns the probe test case: an unknown test name that every
// implementation must reject with the unsupported exit code.
func Compliance(name string) *TestCase {
	return &TestCase{
		Name:         name,
		Abbreviation: "compliance",
		Description:  "Implementation rejects unknown test cases.",
		Scenario:     DefaultScenario,
		Timeout:      DefaultTimeout,
		URLPrefix:    URLPrefixIPv4,
		Verification: NoVerification{},
	}
}

// Scenarios of the network simulator.
const (
	scenarioLongRTT       = "simple-p2p --delay=750ms --bandwidth=10Mbps --queue=25"
	scenarioDropList      = "droplist --delay=15ms --bandwidth=10Mbps --queue=25 --drops_to_server=2,3,4,5,6,7"
	scenarioBlackhole     = "blackhole --delay=15ms --bandwidth=10Mbps --queue=25 --on=5s --off=2s"
	scenarioHandshakeLoss = "drop-rate --delay=15ms --bandwidth=10Mbps --queue=25 --rate_to_server=30 --rate_to_client=30"
	scenarioTransferLoss  = "drop-rate --delay=15ms --bandwidth=10Mbps --queue=25 --rate_to_server=2 --rate_to_client=2"
	scenarioHandshakeCorr = "corrupt-rate --delay=15ms --bandwidth=10Mbps --queue=25 --rate_to_server=30 --rate_to_client=30"
	scenarioTransferCorr  = "corrupt-rate --delay=15ms --bandwidth=10Mbps --queue=25 --rate_to_server=2 --rate_to_client=2"
	scenarioRebindPort    = "rebind --delay=15ms --bandwidth=10Mbps --queue=25 --first-rebind=1s --rebind-freq=5s"
	scenarioRebindAddr    = scenarioRebindPort + " --rebind-addr"
)

func files(sizes ...int64) []FileGroup {
	out := make([]FileGroup, 0, len(sizes))
	for _, s := range sizes {
		out = append(out, FileGroup{Count: 1, Size: s})
	}
	return out
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the registry of all interop test cases and measurements.
func Default() *Registry {
	defaultOnce.Do(func() { defaultRegistry = buildDefault() })
	return defaultRegistry
}

func buildDefault() *Registry {
	r := NewRegistry()
	transferCheck := all(handshakes(1), versionOne)

	r.mustRegister(&TestCase{
		Name:         "handshake",
		Abbreviation: "H",
		Description:  "Handshake completes successfully.",
		Workload:     files(1 * KB),
		Verification: IntegrityPlus{Check: all(versionOne, noRetry, handshakes(1))},
	})
	r.mustRegister(&TestCase{
		Name:         "transfer",
		Abbreviation: "DC",
		Description:  "Stream data is being sent and received correctly. Connection close completes with a zero error code.",
		Workload:     files(2*MB, 3*MB, 5*MB),
		Verification: IntegrityPlus{Check: transferCheck},
	})
	r.mustRegister(&TestCase{
		Name:           "longrtt",
		Abbreviation:   "LR",
		Description:    "Handshake completes when RTT is long.",
		ServerTestName: "handshake",
		ClientTestName: "handshake",
		Scenario:       scenarioLongRTT,
		Workload:       files(1 * KB),
		Verification:   IntegrityPlus{Check: all(handshakes(1), versionOne, clientHellos(2))},
	})
	r.mustRegister(&TestCase{
		Name:         "chacha20",
		Abbreviation: "C20",
		Description:  "Handshake completes using ChaCha20.",
		Workload:     files(3 * MB),
		NeedsKeyLog:  true,
		Verification: IntegrityPlus{Check: all(handshakes(1), chachaOffered, chachaNegotiated, versionOne)},
	})
	r.mustRegister(&TestCase{
		Name:           "multiplexing",
		Abbreviation:   "M",
		Description:    "Thousands of files are transferred over a single connection, and server increased stream limits to accommodate client requests.",
		ServerTestName: "transfer",
		ClientTestName: "transfer",
		Workload:       []FileGroup{{Count: 1999, Size: 32}},
		NeedsKeyLog:    true,
		Verification:   IntegrityPlus{Check: all(handshakes(1), versionOne, streamLimit)},
	})
	r.mustRegister(&TestCase{
		Name:         "retry",
		Abbreviation: "S",
		Description:  "Server sends a Retry, and a subsequent connection using the Retry token completes successfully.",
		Workload:     files(10 * KB),
		Verification: IntegrityPlus{Check: all(handshakes(1), versionOne, retryTokenUsed)},
	})
	r.mustRegister(&TestCase{
		Name:         "resumption",
		Abbreviation: "R",
		Description:  "Connection is established using TLS Session Resumption.",
		Workload:     files(5*KB, 10*KB),
		NeedsKeyLog:  true,
		Verification: IntegrityPlus{Check: all(handshakes(2), resumption, versionOne)},
	})
	r.mustRegister(&TestCase{
		Name:         "zerortt",
		Abbreviation: "Z",
		Description:  "0-RTT data is being sent and acted on.",
		Workload:     []FileGroup{{Count: zeroRTTFiles, Size: 32, NameLen: zeroRTTNameLen}},
		Verification: IntegrityPlus{Check: all(handshakes(2), versionOne, zeroRTTUsed)},
	})
	r.mustRegister(&TestCase{
		Name:         "http3",
		Abbreviation: "3",
		Description:  "An H3 transaction succeeded.",
		Workload:     files(5*KB, 10*KB, 500*KB),
		Verification: IntegrityPlus{Check: transferCheck},
	})
	r.mustRegister(&TestCase{
		Name:           "blackhole",
		Abbreviation:   "B",
		Description:    "Transfer succeeds despite underlying network blacking out for a few seconds.",
		ServerTestName: "transfer",
		ClientTestName: "transfer",
		Scenario:       scenarioBlackhole,
		Workload:       files(10 * MB),
		Verification:   IntegrityPlus{Check: transferCheck},
	})
	r.mustRegister(&TestCase{
		Name:           "keyupdate",
		Abbreviation:   "U",
		Description:    "One of the two endpoints updates keys and the peer responds correctly.",
		ServerTestName: "transfer",
		ClientTestName: "keyupdate",
		Workload:       files(3 * MB),
		NeedsKeyLog:    true,
		Verification:   IntegrityPlus{Check: all(handshakes(1), versionOne, keyUpdated)},
	})
	r.mustRegister(&TestCase{
		Name:         "ecn",
		Abbreviation: "E",
		Description:  "Explicit Congestion Notification is used and acknowledged by both endpoints.",
		Workload:     files(1 * KB),
		NeedsKeyLog:  true,
		Verification: IntegrityPlus{Check: all(versionOne, noRetry, handshakes(1), ecnMarked)},
	})
	r.mustRegister(&TestCase{
		Name:            "amplificationlimit",
		Abbreviation:    "A",
		Description:     "The server obeys the 3x amplification limit.",
		ServerTestName:  "transfer",
		ClientTestName:  "transfer",
		Scenario:        scenarioDropList,
		Workload:        files(5 * KB),
		CertChainLength: 9,
		NeedsKeyLog:     true,
		Verification:    IntegrityPlus{Check: all(handshakes(1), versionOne, certChainSent, amplificationRespected)},
	})
	r.mustRegister(&TestCase{
		Name:           "handshakeloss",
		Abbreviation:   "L1",
		Description:    "Handshake completes under extreme packet loss.",
		ServerTestName: "multiconnect",
		ClientTestName: "multiconnect",
		Scenario:       scenarioHandshakeLoss,
		Timeout:        300 * time.Second,
		Workload:       []FileGroup{{Count: multiconnectRun, Size: 1 * KB}},
		Verification:   IntegrityPlus{Check: all(handshakes(multiconnectRun), versionOne)},
	})
	r.mustRegister(&TestCase{
		Name:           "transferloss",
		Abbreviation:   "L2",
		Description:    "Transfer completes under moderate packet loss.",
		ServerTestName: "transfer",
		ClientTestName: "transfer",
		Scenario:       scenarioTransferLoss,
		Workload:       files(2 * MB),
		Verification:   IntegrityPlus{Check: transferCheck},
	})
	r.mustRegister(&TestCase{
		Name:           "handshakecorruption",
		Abbreviation:   "C1",
		Description:    "Handshake completes under extreme packet corruption.",
		ServerTestName: "multiconnect",
		ClientTestName: "multiconnect",
		Scenario:       scenarioHandshakeCorr,
		Timeout:        300 * time.Second,
		Workload:       []FileGroup{{Count: multiconnectRun, Size: 1 * KB}},
		Verification:   IntegrityPlus{Check: all(handshakes(multiconnectRun), versionOne)},
	})
	r.mustRegister(&TestCase{
		Name:           "transfercorruption",
		Abbreviation:   "C2",
		Description:    "Transfer completes under moderate packet corruption.",
		ServerTestName: "transfer",
		ClientTestName: "transfer",
		Scenario:       scenarioTransferCorr,
		Workload:       files(2 * MB),
		Verification:   IntegrityPlus{Check: transferCheck},
	})
	r.mustRegister(&TestCase{
		Name:           "ipv6",
		Abbreviation:   "6",
		Description:    "A transfer across an IPv6-only network succeeded.",
		ServerTestName: "transfer",
		ClientTestName: "transfer",
		URLPrefix:      URLPrefixIPv6,
		Workload:       files(5*KB, 10*KB),
		Verification:   IntegrityPlus{Check: all(transferCheck, onlyIPv6)},
	})
	r.mustRegister(&TestCase{
		Name:         "v2",
		Abbreviation: "V2",
		Description:  "Server should select QUIC v2 in compatible version negotiation.",
		Workload:     files(1 * KB),
		Verification: IntegrityPlus{Check: versionTwo},
	})
	r.mustRegister(&TestCase{
		Name:              "versionnegotiation",
		Abbreviation:      "V",
		Description:       "A version negotiation packet is elicited and acted on.",
		RequestPrefixOnly: true,
		Verification:      CaptureOnly{Check: versionNegotiated},
	})
	r.mustRegister(&TestCase{
		Name:           "rebind-port",
		Abbreviation:   "BP",
		Description:    "Transfer completes under frequent port rebindings on the client side.",
		ServerTestName: "transfer",
		ClientTestName: "transfer",
		Scenario:       scenarioRebindPort,
		Workload:       files(10 * MB),
		NeedsKeyLog:    true,
		Verification:   IntegrityPlus{Check: all(transferCheck, pathValidated)},
	})
	r.mustRegister(&TestCase{
		Name:           "rebind-addr",
		Abbreviation:   "BA",
		Description:    "Transfer completes under frequent IP address and port rebindings on the client side.",
		ServerTestName: "transfer",
		ClientTestName: "transfer",
		Scenario:       scenarioRebindAddr,
		Workload:       files(10 * MB),
		NeedsKeyLog:    true,
		Verification:   IntegrityPlus{Check: all(addressChanged, transferCheck, pathValidated)},
	})
	r.mustRegister(&TestCase{
		Name:           "connectionmigration",
		Abbreviation:   "CM",
		Description:    "A transfer succeeded during which the client performed an active migration.",
		ServerTestName: "transfer",
		ClientTestName: "connectionmigration",
		Workload:       files(2 * MB),
		NeedsKeyLog:    true,
		Verification:   IntegrityPlus{Check: all(addressChanged, transferCheck, pathValidated, newDCIDOnMigration)},
	})
	r.mustRegister(&TestCase{
		Name:           "goodput",
		Abbreviation:   "G",
		Description:    "Measures connection goodput over a 10Mbps link.",
		ServerTestName: "transfer",
		ClientTestName: "transfer",
		Workload:       files(10 * MB),
		Verification:   Measured{Check: transferCheck, Measure: Goodput, Unit: "kbps", Repetitions: 5},
	})
	r.mustRegister(&TestCase{
		Name:           "crosstraffic",
		Abbreviation:   "C",
		Description:    "Measures goodput over a 10Mbps link when competing with a TCP (cubic) connection.",
		ServerTestName: "transfer",
		ClientTestName: "transfer",
		Timeout:        180 * time.Second,
		Workload:       files(25 * MB),
		ExtraEnv:       map[string]string{"IPERF_CONGESTION": "cubic"},
		ExtraUnits:     []string{config.ImageIperfServer, config.ImageIperfClient},
		Verification:   Measured{Check: transferCheck, Measure: Goodput, Unit: "kbps", Repetitions: 5},
	})

	return r
}
