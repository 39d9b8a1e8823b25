package verify

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quic-interop/quic-interop-runner/internal/capture"
	ierrors "github.com/quic-interop/quic-interop-runner/internal/errors"
	"github.com/quic-interop/quic-interop-runner/internal/logging"
	"github.com/quic-interop/quic-interop-runner/internal/orch"
	"github.com/quic-interop/quic-interop-runner/internal/quic"
	"github.com/quic-interop/quic-interop-runner/internal/testcase"
)

// fakeReader returns canned traces per capture path.
type fakeReader struct {
	traces map[string]*capture.Trace
	reads  atomic.Int32
}

func (r *fakeReader) Read(ctx context.Context, path string, keylog *quic.KeyLog) (*capture.Trace, error) {
	r.reads.Add(1)
	tr, ok := r.traces[path]
	if !ok {
		return nil, &os.PathError{Op: "open", Path: path, Err: os.ErrNotExist}
	}
	return tr, nil
}

const (
	secretLine = "SERVER_HANDSHAKE_TRAFFIC_SECRET 0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20 aabbccddeeff00112233445566778899aabbccddeeff00112233445566778899\n"
	otherLine  = "CLIENT_RANDOM 0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20 aabb\n"
)

type run struct {
	www   string
	files []string
	art   *orch.RunArtifacts
}

// newRun serves and downloads two identical files.
func newRun(t *testing.T) *run {
	t.Helper()
	root := t.TempDir()
	r := &run{
		www:   filepath.Join(root, "www"),
		files: []string{"aaaaaaaaaa", "bbbbbbbbbb"},
		art: &orch.RunArtifacts{
			DownloadDir:   filepath.Join(root, "downloads"),
			ClientCapture: "left.pcap",
			ServerCapture: "right.pcap",
		},
	}
	for _, dir := range []string{r.www, r.art.DownloadDir} {
		require.NoError(t, os.MkdirAll(dir, 0755))
		for i, f := range r.files {
			data := make([]byte, 100000+i)
			for j := range data {
				data[j] = byte(j * (i + 3))
			}
			require.NoError(t, os.WriteFile(filepath.Join(dir, f), data, 0644))
		}
	}
	return r
}

func (r *run) request(tc *testcase.TestCase) Request {
	return Request{TestCase: tc, Artifacts: r.art, WWW: r.www, Files: r.files, TransferSize: 200001}
}

func newVerifier(t *testing.T, reader capture.Reader) *Verifier {
	t.Helper()
	log, err := logging.NewLogger(logging.LogLevelSilent, "")
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	return New(reader, log)
}

func withPackets(n int) *capture.Trace {
	return &capture.Trace{Packets: make([]capture.Packet, n), Datagrams: n}
}

// seesPackets requires at least one packet on both sides.
func seesPackets(ev *testcase.Evidence) error {
	for _, get := range []func() (*capture.Trace, error){ev.ClientTrace, ev.ServerTrace} {
		tr, err := get()
		if err != nil {
			return err
		}
		if len(tr.Packets) == 0 {
			return errors.New("no packets")
		}
	}
	return nil
}

func kind(t *testing.T, err error) ierrors.RunErrorKind {
	t.Helper()
	var re ierrors.RunError
	require.ErrorAs(t, err, &re)
	return re.Kind
}

func TestCheckFiles(t *testing.T) {
	r := newRun(t)
	require.NoError(t, CheckFiles(r.www, r.art.DownloadDir, r.files))

	// Directories in the download area are ignored.
	require.NoError(t, os.Mkdir(filepath.Join(r.art.DownloadDir, "sub"), 0755))
	require.NoError(t, CheckFiles(r.www, r.art.DownloadDir, r.files))

	require.ErrorContains(t, CheckFiles(r.www, r.art.DownloadDir, nil), "no test files")
}

func TestCheckFilesDetectsMismatch(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(t *testing.T, r *run)
		want   string
	}{
		{"single byte", func(t *testing.T, r *run) {
			path := filepath.Join(r.art.DownloadDir, r.files[1])
			data, err := os.ReadFile(path)
			require.NoError(t, err)
			data[70000] ^= 0x01
			require.NoError(t, os.WriteFile(path, data, 0644))
		}, "do not match"},
		{"truncated", func(t *testing.T, r *run) {
			require.NoError(t, os.Truncate(filepath.Join(r.art.DownloadDir, r.files[0]), 99999))
		}, "size"},
		{"missing", func(t *testing.T, r *run) {
			require.NoError(t, os.Remove(filepath.Join(r.art.DownloadDir, r.files[0])))
		}, "missing files: aaaaaaaaaa"},
		{"unexpected", func(t *testing.T, r *run) {
			require.NoError(t, os.WriteFile(filepath.Join(r.art.DownloadDir, "zzz"), nil, 0644))
		}, "unexpected downloaded files: zzz"},
		{"no download directory", func(t *testing.T, r *run) {
			require.NoError(t, os.RemoveAll(r.art.DownloadDir))
		}, "missing files"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			r := newRun(t)
			c.mutate(t, r)
			require.ErrorContains(t, CheckFiles(r.www, r.art.DownloadDir, r.files), c.want)
		})
	}
}

func TestSelectKeyLog(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
		return path
	}
	client := write("client.log", secretLine)
	server := write("server.log", secretLine)
	useless := write("useless.log", otherLine)

	path, kl := SelectKeyLog(client, server)
	require.Equal(t, client, path)
	require.NotNil(t, kl)

	path, _ = SelectKeyLog(useless, server)
	require.Equal(t, server, path)

	path, kl = SelectKeyLog("", filepath.Join(dir, "missing.log"), useless)
	require.Empty(t, path)
	require.Nil(t, kl)
}

func TestVerifyIntegrityGateRunsFirst(t *testing.T) {
	r := newRun(t)
	require.NoError(t, os.Remove(filepath.Join(r.art.DownloadDir, r.files[0])))
	reader := &fakeReader{}
	tc := &testcase.TestCase{Name: "t", Verification: testcase.IntegrityPlus{Check: seesPackets}}

	v := newVerifier(t, reader).Verify(context.Background(), r.request(tc), nil)
	require.False(t, v.Passed())
	require.Equal(t, ierrors.KindIntegrity, kind(t, v.Err))
	require.Zero(t, reader.reads.Load(), "captures must not be read when the integrity gate fails")
}

func TestVerifyCheck(t *testing.T) {
	r := newRun(t)
	tc := &testcase.TestCase{Name: "t", Verification: testcase.IntegrityPlus{Check: seesPackets}}

	reader := &fakeReader{traces: map[string]*capture.Trace{"left.pcap": withPackets(3), "right.pcap": withPackets(3)}}
	v := newVerifier(t, reader).Verify(context.Background(), r.request(tc), nil)
	require.True(t, v.Passed(), "%v", v.Err)

	reader = &fakeReader{traces: map[string]*capture.Trace{"left.pcap": withPackets(3), "right.pcap": withPackets(0)}}
	v = newVerifier(t, reader).Verify(context.Background(), r.request(tc), nil)
	require.Equal(t, ierrors.KindVerification, kind(t, v.Err))
	require.ErrorContains(t, v.Err, "no packets")
}

func TestVerifyMissingCaptureIsCollectionFailure(t *testing.T) {
	r := newRun(t)
	tc := &testcase.TestCase{Name: "t", Verification: testcase.IntegrityPlus{Check: seesPackets}}
	reader := &fakeReader{traces: map[string]*capture.Trace{"left.pcap": withPackets(1)}}

	v := newVerifier(t, reader).Verify(context.Background(), r.request(tc), nil)
	require.Equal(t, ierrors.KindCollection, kind(t, v.Err))
}

func TestVerifyCaptureOnlySkipsIntegrity(t *testing.T) {
	r := newRun(t)
	require.NoError(t, os.RemoveAll(r.art.DownloadDir))
	tc := &testcase.TestCase{Name: "t", Verification: testcase.CaptureOnly{Check: seesPackets}}
	reader := &fakeReader{traces: map[string]*capture.Trace{"left.pcap": withPackets(1), "right.pcap": withPackets(1)}}

	v := newVerifier(t, reader).Verify(context.Background(), r.request(tc), nil)
	require.True(t, v.Passed(), "%v", v.Err)
}

func TestVerifyKeyLogRequired(t *testing.T) {
	r := newRun(t)
	tc := &testcase.TestCase{Name: "t", NeedsKeyLog: true, Verification: testcase.IntegrityOnly{}}
	reader := &fakeReader{}

	v := newVerifier(t, reader).Verify(context.Background(), r.request(tc), nil)
	require.ErrorIs(t, v.Err, testcase.ErrKeyLogRequired)

	path := filepath.Join(t.TempDir(), "keys.log")
	require.NoError(t, os.WriteFile(path, []byte(secretLine), 0644))
	r.art.ServerKeyLog = path
	v = newVerifier(t, reader).Verify(context.Background(), r.request(tc), nil)
	require.True(t, v.Passed(), "%v", v.Err)
	require.Equal(t, path, v.KeyLog)
}

func TestVerifyMeasurement(t *testing.T) {
	r := newRun(t)
	var seen int64
	tc := &testcase.TestCase{Name: "m", Verification: testcase.Measured{
		Check: func(ev *testcase.Evidence) error { return nil },
		Measure: func(ev *testcase.Evidence) (float64, error) {
			seen = ev.TransferSize
			return 8123, nil
		},
		Unit:        "kbps",
		Repetitions: 5,
	}}

	v := newVerifier(t, &fakeReader{}).Verify(context.Background(), r.request(tc), nil)
	require.True(t, v.Passed(), "%v", v.Err)
	require.NotNil(t, v.Value)
	require.Equal(t, 8123.0, *v.Value)
	require.Equal(t, int64(200001), seen)

	tc.Verification = testcase.Measured{
		Check:   func(ev *testcase.Evidence) error { return nil },
		Measure: func(ev *testcase.Evidence) (float64, error) { return 0, fmt.Errorf("no 1-RTT packets") },
	}
	v = newVerifier(t, &fakeReader{}).Verify(context.Background(), r.request(tc), nil)
	require.False(t, v.Passed())
	require.Nil(t, v.Value)
}

func TestVerifyNoVerification(t *testing.T) {
	r := newRun(t)
	require.NoError(t, os.RemoveAll(r.art.DownloadDir))
	v := newVerifier(t, &fakeReader{}).Verify(context.Background(), r.request(testcase.Compliance("abcdef")), nil)
	require.True(t, v.Passed())
}
