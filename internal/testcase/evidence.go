package testcase

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/quic-interop/quic-interop-runner/internal/capture"
	"github.com/quic-interop/quic-interop-runner/internal/quic"
)

// ErrKeyLogRequired is returned by checks that need decrypted packets when
// no endpoint exported its TLS secrets.
var ErrKeyLogRequired = errors.New("key log required")

// Evidence is what a predicate may look at: the client side and server
// side captures of a run, loaded on first use, and the selected key log.
type Evidence struct {
	ctx    context.Context
	reader capture.Reader
	keylog *quic.KeyLog

	// TransferSize is the total size of the requested files.
	TransferSize int64

	paths  [2]string
	once   [2]sync.Once
	traces [2]*capture.Trace
	errs   [2]error
}

const (
	sideClient = 0
	sideServer = 1
)

// NewEvidence reads the client side and server side capture files through
// reader when a predicate first asks for them.
func NewEvidence(ctx context.Context, reader capture.Reader, clientCapture, serverCapture string, keylog *quic.KeyLog) *Evidence {
	return &Evidence{
		ctx:    ctx,
		reader: reader,
		keylog: keylog,
		paths:  [2]string{clientCapture, serverCapture},
	}
}

// EvidenceFromTraces wraps already dissected traces.
func EvidenceFromTraces(client, server *capture.Trace, keylog *quic.KeyLog) *Evidence {
	ev := &Evidence{keylog: keylog}
	ev.traces = [2]*capture.Trace{client, server}
	ev.once[sideClient].Do(func() {})
	ev.once[sideServer].Do(func() {})
	if client == nil {
		ev.errs[sideClient] = errors.New("no client side capture")
	}
	if server == nil {
		ev.errs[sideServer] = errors.New("no server side capture")
	}
	return ev
}

// KeyLog returns the selected key log, or nil.
func (ev *Evidence) KeyLog() *quic.KeyLog {
	return ev.keylog
}

// RequireKeyLog fails unless a key log with handshake secrets is available.
func (ev *Evidence) RequireKeyLog() error {
	if !ev.keylog.HasHandshakeSecrets() {
		return ErrKeyLogRequired
	}
	return nil
}

// ClientTrace is the capture taken on the client's side of the simulator.
func (ev *Evidence) ClientTrace() (*capture.Trace, error) {
	return ev.trace(sideClient)
}

// ServerTrace is the capture taken on the server's side of the simulator.
func (ev *Evidence) ServerTrace() (*capture.Trace, error) {
	return ev.trace(sideServer)
}

func (ev *Evidence) trace(side int) (*capture.Trace, error) {
	ev.once[side].Do(func() {
		if ev.reader == nil || ev.paths[side] == "" {
			ev.errs[side] = errors.New("no capture file")
			return
		}
		tr, err := ev.reader.Read(ev.ctx, ev.paths[side], ev.keylog)
		if err != nil && tr == nil {
			ev.errs[side] = err
			return
		}
		ev.traces[side] = tr
	})
	if ev.errs[side] != nil {
		name := "client"
		if side == sideServer {
			name = "server"
		}
		return nil, fmt.Errorf("%s side capture: %w", name, ev.errs[side])
	}
	return ev.traces[side], nil
}

// both loads both captures.
func (ev *Evidence) both() (client, server *capture.Trace, err error) {
	if client, err = ev.ClientTrace(); err != nil {
		return nil, nil, err
	}
	if server, err = ev.ServerTrace(); err != nil {
		return nil, nil, err
	}
	return client, server, nil
}
