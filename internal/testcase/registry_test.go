package testcase

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quic-interop/quic-interop-runner/internal/config"
)

func names(cases []*TestCase) []string {
	out := make([]string, 0, len(cases))
	for _, tc := range cases {
		out = append(out, tc.Name)
	}
	return out
}

func TestDefaultRegistry(t *testing.T) {
	r := Default()
	all := r.All()
	if len(all) != 25 {
		t.Fatalf("Default() registered %d test cases, want 25", len(all))
	}
	require.Equal(t, "handshake", all[0].Name)
	require.Equal(t, "crosstraffic", all[len(all)-1].Name)

	abbrs := make(map[string]bool)
	for _, tc := range all {
		if abbrs[tc.Abbreviation] {
			t.Fatalf("duplicate abbreviation %q", tc.Abbreviation)
		}
		abbrs[tc.Abbreviation] = true
		if tc.Scenario == "" || tc.Timeout == 0 || tc.URLPrefix == "" {
			t.Fatalf("test case %s lacks defaults: %+v", tc.Name, tc)
		}
		if tc.Verification == nil {
			t.Fatalf("test case %s has no verification", tc.Name)
		}
	}
	require.Same(t, r, Default())
}

func TestSelect(t *testing.T) {
	r := Default()

	tests, err := r.Select(SelectOnlyTests)
	require.NoError(t, err)
	require.Len(t, tests, 23)

	measurements, err := r.Select(SelectOnlyMeasurements)
	require.NoError(t, err)
	require.Equal(t, []string{"goodput", "crosstraffic"}, names(measurements))

	picked, err := r.Select("retry, H,retry,Z")
	require.NoError(t, err)
	require.Equal(t, []string{"retry", "handshake", "zerortt"}, names(picked))

	everything, err := r.Select("")
	require.NoError(t, err)
	require.Len(t, everything, 25)

	_, err = r.Select("handshake,nonexistent")
	var unknown *UnknownTestCaseError
	if !errors.As(err, &unknown) {
		t.Fatalf("Select() error = %v, want UnknownTestCaseError", err)
	}
	require.Equal(t, "nonexistent", unknown.Name)
}

func TestTestNames(t *testing.T) {
	r := Default()
	cases := []struct {
		name   string
		server string
		client string
	}{
		{"handshake", "handshake", "handshake"},
		{"keyupdate", "transfer", "keyupdate"},
		{"connectionmigration", "transfer", "connectionmigration"},
		{"longrtt", "handshake", "handshake"},
	}
	for _, c := range cases {
		tc, err := r.Lookup(c.name)
		require.NoError(t, err)
		if got := tc.TestName(PerspectiveServer); got != c.server {
			t.Errorf("%s: server test name = %q, want %q", c.name, got, c.server)
		}
		if got := tc.TestName(PerspectiveClient); got != c.client {
			t.Errorf("%s: client test name = %q, want %q", c.name, got, c.client)
		}
	}
}

func TestWorkloadSizes(t *testing.T) {
	r := Default()

	transfer, _ := r.Lookup("transfer")
	require.Equal(t, int64(10*MB), transfer.TotalSize())
	require.Equal(t, 3, transfer.FileCount())

	zerortt, _ := r.Lookup("zerortt")
	require.Equal(t, zeroRTTFiles, zerortt.FileCount())

	amp, _ := r.Lookup("A")
	require.Equal(t, 9, amp.ChainLength())
	handshake, _ := r.Lookup("H")
	require.Equal(t, 1, handshake.ChainLength())
}

func TestMeasurements(t *testing.T) {
	r := Default()
	cross, err := r.Lookup("crosstraffic")
	require.NoError(t, err)
	require.True(t, cross.IsMeasurement())
	require.Equal(t, 5, cross.Repetitions())
	require.Equal(t, []string{config.ImageIperfServer, config.ImageIperfClient}, cross.ExtraUnits)

	m, ok := cross.Measurement()
	require.True(t, ok)
	require.Equal(t, "kbps", m.Unit)

	handshake, _ := r.Lookup("handshake")
	require.False(t, handshake.IsMeasurement())
	require.Equal(t, 1, handshake.Repetitions())
}

func TestVersionNegotiationRequestsPrefix(t *testing.T) {
	tc, err := Default().Lookup("versionnegotiation")
	require.NoError(t, err)
	require.True(t, tc.RequestPrefixOnly)
	if _, ok := tc.Verification.(CaptureOnly); !ok {
		t.Fatalf("versionnegotiation verification = %T, want CaptureOnly", tc.Verification)
	}
}

func TestRegisterRejects(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&TestCase{Name: "a", Abbreviation: "A", Verification: IntegrityOnly{}}))

	cases := []*TestCase{
		{Name: "", Abbreviation: "X", Verification: IntegrityOnly{}},
		{Name: "a", Abbreviation: "B", Verification: IntegrityOnly{}},
		{Name: "b", Abbreviation: "A", Verification: IntegrityOnly{}},
		{Name: "c", Abbreviation: "C"},
		{Name: "d", Abbreviation: "D", Verification: IntegrityPlus{}},
		{Name: "e", Abbreviation: "E", Verification: Measured{Check: versionOne}},
	}
	for _, tc := range cases {
		if err := r.Register(tc); err == nil {
			t.Fatalf("Register(%q/%q) succeeded, want error", tc.Name, tc.Abbreviation)
		}
	}
	require.Len(t, r.All(), 1)
}

func TestCompliance(t *testing.T) {
	tc := Compliance("qwerty")
	require.Equal(t, "qwerty", tc.TestName(PerspectiveServer))
	if _, ok := tc.Verification.(NoVerification); !ok {
		t.Fatalf("Compliance verification = %T", tc.Verification)
	}
}
