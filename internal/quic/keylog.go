package quic

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// NSS key log labels used by TLS 1.3.
const (
	LabelClientEarlyTraffic     = "CLIENT_EARLY_TRAFFIC_SECRET"
	LabelClientHandshakeTraffic = "CLIENT_HANDSHAKE_TRAFFIC_SECRET"
	LabelServerHandshakeTraffic = "SERVER_HANDSHAKE_TRAFFIC_SECRET"
	LabelClientTraffic          = "CLIENT_TRAFFIC_SECRET_0"
	LabelServerTraffic          = "SERVER_TRAFFIC_SECRET_0"
)

// Secrets holds the traffic secrets exported for one TLS connection.
type Secrets struct {
	ClientEarly     []byte
	ClientHandshake []byte
	ServerHandshake []byte
	ClientTraffic   []byte
	ServerTraffic   []byte
}

// KeyLog maps a ClientHello random to the secrets of that connection.
type KeyLog struct {
	byRandom map[string]*Secrets
}

// NewKeyLog returns an empty key log.
func NewKeyLog() *KeyLog {
	return &KeyLog{byRandom: make(map[string]*Secrets)}
}

// ParseKeyLog reads an NSS key log. Unknown labels, comments and malformed
// lines are skipped.
func ParseKeyLog(r io.Reader) (*KeyLog, error) {
	kl := NewKeyLog()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			continue
		}
		random, err := hex.DecodeString(fields[1])
		if err != nil {
			continue
		}
		secret, err := hex.DecodeString(fields[2])
		if err != nil {
			continue
		}
		kl.Add(fields[0], random, secret)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read key log: %w", err)
	}
	return kl, nil
}

// LoadKeyLog parses the key log at path.
func LoadKeyLog(path string) (*KeyLog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open key log: %w", err)
	}
	defer f.Close()
	return ParseKeyLog(f)
}

// Add records one secret. It returns false for labels that carry no QUIC keys.
func (k *KeyLog) Add(label string, clientRandom, secret []byte) bool {
	s := k.byRandom[string(clientRandom)]
	if s == nil {
		s = &Secrets{}
	}
	switch label {
	case LabelClientEarlyTraffic:
		s.ClientEarly = secret
	case LabelClientHandshakeTraffic:
		s.ClientHandshake = secret
	case LabelServerHandshakeTraffic:
		s.ServerHandshake = secret
	case LabelClientTraffic:
		s.ClientTraffic = secret
	case LabelServerTraffic:
		s.ServerTraffic = secret
	default:
		return false
	}
	k.byRandom[string(clientRandom)] = s
	return true
}

// Lookup returns the secrets for a ClientHello random.
func (k *KeyLog) Lookup(clientRandom []byte) (*Secrets, bool) {
	if k == nil {
		return nil, false
	}
	s, ok := k.byRandom[string(clientRandom)]
	return s, ok
}

// Len returns the number of connections with at least one secret.
func (k *KeyLog) Len() int {
	if k == nil {
		return 0
	}
	return len(k.byRandom)
}

// HasHandshakeSecrets reports whether any connection exported its server
// handshake secret, which is what makes a key log useful for verification.
func (k *KeyLog) HasHandshakeSecrets() bool {
	if k == nil {
		return false
	}
	for _, s := range k.byRandom {
		if s.ServerHandshake != nil {
			return true
		}
	}
	return false
}
