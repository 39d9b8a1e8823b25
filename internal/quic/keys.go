package quic

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// TLS 1.3 cipher suites usable with QUIC.
const (
	TLSAES128GCMSHA256        uint16 = 0x1301
	TLSAES256GCMSHA384        uint16 = 0x1302
	TLSChaCha20Poly1305SHA256 uint16 = 0x1303
)

var errDecrypt = errors.New("decryption failed")

var (
	initialSaltV1 = []byte{
		0x38, 0x76, 0x2c, 0xf7, 0xf5, 0x59, 0x34, 0xb3, 0x4d, 0x17,
		0x9a, 0xe6, 0xa4, 0xc8, 0x0c, 0xad, 0xcc, 0xbb, 0x7f, 0x0a,
	}
	initialSaltV2 = []byte{
		0x0d, 0xed, 0xe3, 0xde, 0xf7, 0x00, 0xa6, 0xdb, 0x81, 0x93,
		0x81, 0xbe, 0x6e, 0x26, 0x9d, 0xcb, 0xf9, 0xbd, 0x2e, 0xd9,
	}
)

type cipherSuite struct {
	id     uint16
	hash   func() hash.Hash
	keyLen int
}

func (s *cipherSuite) hashLen() int {
	return s.hash().Size()
}

var suites = map[uint16]*cipherSuite{
	TLSAES128GCMSHA256:        {id: TLSAES128GCMSHA256, hash: sha256.New, keyLen: 16},
	TLSAES256GCMSHA384:        {id: TLSAES256GCMSHA384, hash: sha512.New384, keyLen: 32},
	TLSChaCha20Poly1305SHA256: {id: TLSChaCha20Poly1305SHA256, hash: sha256.New, keyLen: 32},
}

// CipherSuiteName returns the IANA name of a TLS 1.3 cipher suite.
func CipherSuiteName(id uint16) string {
	switch id {
	case TLSAES128GCMSHA256:
		return "TLS_AES_128_GCM_SHA256"
	case TLSAES256GCMSHA384:
		return "TLS_AES_256_GCM_SHA384"
	case TLSChaCha20Poly1305SHA256:
		return "TLS_CHACHA20_POLY1305_SHA256"
	default:
		return fmt.Sprintf("0x%04x", id)
	}
}

// hkdfExpandLabel implements HKDF-Expand-Label from RFC 8446 with an empty context.
func hkdfExpandLabel(h func() hash.Hash, secret []byte, label string, length int) []byte {
	full := "tls13 " + label
	info := make([]byte, 0, 4+len(full))
	info = append(info, byte(length>>8), byte(length), byte(len(full)))
	info = append(info, full...)
	info = append(info, 0)
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.Expand(h, secret, info), out); err != nil {
		panic("quic: hkdf expand: " + err.Error())
	}
	return out
}

func labelPrefix(version uint32) string {
	if version == Version2 {
		return "quicv2 "
	}
	return "quic "
}

// InitialSecrets derives the client and server Initial secrets for a
// connection whose client chose dcid as its first destination connection ID.
func InitialSecrets(version uint32, dcid []byte) (client, server []byte) {
	salt := initialSaltV1
	if version == Version2 {
		salt = initialSaltV2
	}
	initial := hkdf.Extract(sha256.New, dcid, salt)
	client = hkdfExpandLabel(sha256.New, initial, "client in", sha256.Size)
	server = hkdfExpandLabel(sha256.New, initial, "server in", sha256.Size)
	return client, server
}

type headerProtector interface {
	mask(sample []byte) [5]byte
}

type aesHeaderProtector struct {
	block cipher.Block
}

func (p *aesHeaderProtector) mask(sample []byte) [5]byte {
	var out [aes.BlockSize]byte
	p.block.Encrypt(out[:], sample[:aes.BlockSize])
	var m [5]byte
	copy(m[:], out[:5])
	return m
}

type chachaHeaderProtector struct {
	key []byte
}

func (p *chachaHeaderProtector) mask(sample []byte) [5]byte {
	var m [5]byte
	c, err := chacha20.NewUnauthenticatedCipher(p.key, sample[4:16])
	if err != nil {
		return m
	}
	c.SetCounter(binary.LittleEndian.Uint32(sample[:4]))
	c.XORKeyStream(m[:], m[:])
	return m
}

// packetKeys protect one direction of one encryption level.
type packetKeys struct {
	version uint32
	suite   *cipherSuite
	secret  []byte
	key     []byte
	iv      []byte
	hpKey   []byte
	aead    cipher.AEAD
	hp      headerProtector
}

func newPacketKeys(version uint32, suite *cipherSuite, secret []byte) (*packetKeys, error) {
	prefix := labelPrefix(version)
	k := &packetKeys{
		version: version,
		suite:   suite,
		secret:  secret,
		key:     hkdfExpandLabel(suite.hash, secret, prefix+"key", suite.keyLen),
		iv:      hkdfExpandLabel(suite.hash, secret, prefix+"iv", 12),
		hpKey:   hkdfExpandLabel(suite.hash, secret, prefix+"hp", suite.keyLen),
	}
	var err error
	switch suite.id {
	case TLSChaCha20Poly1305SHA256:
		k.aead, err = chacha20poly1305.New(k.key)
		if err != nil {
			return nil, fmt.Errorf("chacha20poly1305: %w", err)
		}
		k.hp = &chachaHeaderProtector{key: k.hpKey}
	default:
		block, err := aes.NewCipher(k.key)
		if err != nil {
			return nil, fmt.Errorf("aes: %w", err)
		}
		k.aead, err = cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("gcm: %w", err)
		}
		hpBlock, err := aes.NewCipher(k.hpKey)
		if err != nil {
			return nil, fmt.Errorf("aes hp: %w", err)
		}
		k.hp = &aesHeaderProtector{block: hpBlock}
	}
	return k, nil
}

// next derives the keys of the following key phase. The header protection
// key does not change across key updates (RFC 9001, Section 6).
func (k *packetKeys) next() (*packetKeys, error) {
	secret := hkdfExpandLabel(k.suite.hash, k.secret, labelPrefix(k.version)+"ku", k.suite.hashLen())
	n, err := newPacketKeys(k.version, k.suite, secret)
	if err != nil {
		return nil, err
	}
	n.hpKey = k.hpKey
	n.hp = k.hp
	return n, nil
}

func (k *packetKeys) nonce(pn uint64) []byte {
	nonce := make([]byte, len(k.iv))
	copy(nonce, k.iv)
	for i := 0; i < 8; i++ {
		nonce[len(nonce)-1-i] ^= byte(pn >> (8 * i))
	}
	return nonce
}

// unprotectHeader removes header protection from pkt. It returns the
// unprotected header (up to and including the packet number), the packet
// number length and the truncated packet number. pkt is not modified.
func (k *packetKeys) unprotectHeader(pkt []byte, pnOffset int, long bool) ([]byte, int, uint64, error) {
	sampleOffset := pnOffset + 4
	if len(pkt) < sampleOffset+16 {
		return nil, 0, 0, fmt.Errorf("header protection sample: %w", ErrTruncated)
	}
	mask := k.hp.mask(pkt[sampleOffset : sampleOffset+16])
	hdr := make([]byte, pnOffset+4)
	copy(hdr, pkt[:pnOffset+4])
	if long {
		hdr[0] ^= mask[0] & 0x0f
	} else {
		hdr[0] ^= mask[0] & 0x1f
	}
	pnLen := int(hdr[0]&0x03) + 1
	var pn uint64
	for i := 0; i < pnLen; i++ {
		hdr[pnOffset+i] ^= mask[1+i]
		pn = pn<<8 | uint64(hdr[pnOffset+i])
	}
	return hdr[:pnOffset+pnLen], pnLen, pn, nil
}

// open decrypts the payload that follows an unprotected header.
func (k *packetKeys) open(pn uint64, hdr, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < k.aead.Overhead() {
		return nil, fmt.Errorf("ciphertext: %w", ErrTruncated)
	}
	plain, err := k.aead.Open(nil, k.nonce(pn), ciphertext, hdr)
	if err != nil {
		return nil, errDecrypt
	}
	return plain, nil
}

// seal is the inverse of open. The dissector never sends packets; seal
// exists so captures can be synthesized for tests and tooling.
func (k *packetKeys) seal(pn uint64, hdr, plaintext []byte) []byte {
	return k.aead.Seal(nil, k.nonce(pn), plaintext, hdr)
}

// decodePacketNumber reconstructs a full packet number from its truncated
// encoding (RFC 9000, Appendix A.3).
func decodePacketNumber(largest int64, truncated uint64, pnLen int) uint64 {
	expected := uint64(largest + 1)
	win := uint64(1) << (8 * pnLen)
	hwin := win / 2
	mask := win - 1
	candidate := (expected &^ mask) | truncated
	if candidate+hwin <= expected && candidate < (uint64(1)<<62)-win {
		return candidate + win
	}
	if candidate > expected+hwin && candidate >= win {
		return candidate - win
	}
	return candidate
}
