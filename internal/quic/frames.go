package quic

import (
	"fmt"
)

// FrameKind groups frame type code points that share a layout.
type FrameKind uint8

const (
	FramePadding FrameKind = iota + 1
	FramePing
	FrameAck
	FrameResetStream
	FrameStopSending
	FrameCrypto
	FrameNewToken
	FrameStream
	FrameMaxData
	FrameMaxStreamData
	FrameMaxStreams
	FrameDataBlocked
	FrameStreamDataBlocked
	FrameStreamsBlocked
	FrameNewConnectionID
	FrameRetireConnectionID
	FramePathChallenge
	FramePathResponse
	FrameConnectionClose
	FrameHandshakeDone
	FrameDatagram
)

var frameKindNames = map[FrameKind]string{
	FramePadding:            "PADDING",
	FramePing:               "PING",
	FrameAck:                "ACK",
	FrameResetStream:        "RESET_STREAM",
	FrameStopSending:        "STOP_SENDING",
	FrameCrypto:             "CRYPTO",
	FrameNewToken:           "NEW_TOKEN",
	FrameStream:             "STREAM",
	FrameMaxData:            "MAX_DATA",
	FrameMaxStreamData:      "MAX_STREAM_DATA",
	FrameMaxStreams:         "MAX_STREAMS",
	FrameDataBlocked:        "DATA_BLOCKED",
	FrameStreamDataBlocked:  "STREAM_DATA_BLOCKED",
	FrameStreamsBlocked:     "STREAMS_BLOCKED",
	FrameNewConnectionID:    "NEW_CONNECTION_ID",
	FrameRetireConnectionID: "RETIRE_CONNECTION_ID",
	FramePathChallenge:      "PATH_CHALLENGE",
	FramePathResponse:       "PATH_RESPONSE",
	FrameConnectionClose:    "CONNECTION_CLOSE",
	FrameHandshakeDone:      "HANDSHAKE_DONE",
	FrameDatagram:           "DATAGRAM",
}

func (k FrameKind) String() string {
	if s, ok := frameKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("FrameKind(%d)", uint8(k))
}

// ECNCounts are the counters carried by an ACK frame of type 0x03.
type ECNCounts struct {
	ECT0 uint64
	ECT1 uint64
	CE   uint64
}

// AckRange is an inclusive range of acknowledged packet numbers.
type AckRange struct {
	Smallest uint64
	Largest  uint64
}

// Frame is one decoded QUIC frame. Only the fields relevant to Kind are set.
type Frame struct {
	Kind FrameKind
	// Type is the frame type code point as it appeared on the wire.
	Type uint64

	// PADDING: number of consecutive padding bytes.
	Length int

	// ACK
	LargestAcked uint64
	AckDelay     uint64
	AckRanges    []AckRange
	ECN          *ECNCounts

	// STREAM, RESET_STREAM, STOP_SENDING, MAX_STREAM_DATA, STREAM_DATA_BLOCKED
	StreamID uint64
	Fin      bool

	// CRYPTO, STREAM: Offset and Data. NEW_TOKEN, PATH_*, DATAGRAM: Data.
	Offset uint64
	Data   []byte

	// RESET_STREAM final size, MAX_* and *_BLOCKED limits.
	Value uint64
	// MAX_STREAMS and STREAMS_BLOCKED: bidirectional when true.
	Bidi bool

	// NEW_CONNECTION_ID and RETIRE_CONNECTION_ID
	SequenceNumber      uint64
	RetirePriorTo       uint64
	ConnectionID        []byte
	StatelessResetToken []byte

	// RESET_STREAM, STOP_SENDING, CONNECTION_CLOSE
	ErrorCode uint64
	// CONNECTION_CLOSE: the frame type that triggered a transport close.
	FrameType    uint64
	Application  bool
	ReasonPhrase string
}

// ParseFrames decodes every frame of a decrypted packet payload. On error it
// returns the frames decoded so far.
func ParseFrames(payload []byte) ([]Frame, error) {
	var frames []Frame
	r := newReader(payload)
	for r.remaining() > 0 {
		start := r.off
		typ := r.varint()
		f, err := parseFrame(r, typ)
		if err != nil {
			return frames, fmt.Errorf("frame 0x%x at offset %d: %w", typ, start, err)
		}
		if f.Kind == FramePadding && len(frames) > 0 && frames[len(frames)-1].Kind == FramePadding {
			frames[len(frames)-1].Length += f.Length
			continue
		}
		frames = append(frames, f)
	}
	if r.err != nil {
		return frames, r.err
	}
	return frames, nil
}

func parseFrame(r *reader, typ uint64) (Frame, error) {
	f := Frame{Type: typ}
	switch {
	case typ == 0x00:
		f.Kind = FramePadding
		f.Length = 1
		for r.remaining() > 0 && r.b[r.off] == 0 {
			r.off++
			f.Length++
		}
	case typ == 0x01:
		f.Kind = FramePing
	case typ == 0x02 || typ == 0x03:
		f.Kind = FrameAck
		f.LargestAcked = r.varint()
		f.AckDelay = r.varint()
		count := r.varint()
		first := r.varint()
		if first > f.LargestAcked {
			return f, fmt.Errorf("ack range underflow")
		}
		largest := f.LargestAcked
		smallest := largest - first
		f.AckRanges = append(f.AckRanges, AckRange{Smallest: smallest, Largest: largest})
		for i := uint64(0); i < count && r.err == nil; i++ {
			gap := r.varint()
			length := r.varint()
			if smallest < gap+2 {
				return f, fmt.Errorf("ack range underflow")
			}
			largest = smallest - gap - 2
			if largest < length {
				return f, fmt.Errorf("ack range underflow")
			}
			smallest = largest - length
			f.AckRanges = append(f.AckRanges, AckRange{Smallest: smallest, Largest: largest})
		}
		if typ == 0x03 {
			f.ECN = &ECNCounts{ECT0: r.varint(), ECT1: r.varint(), CE: r.varint()}
		}
	case typ == 0x04:
		f.Kind = FrameResetStream
		f.StreamID = r.varint()
		f.ErrorCode = r.varint()
		f.Value = r.varint()
	case typ == 0x05:
		f.Kind = FrameStopSending
		f.StreamID = r.varint()
		f.ErrorCode = r.varint()
	case typ == 0x06:
		f.Kind = FrameCrypto
		f.Offset = r.varint()
		f.Data = r.bytes(int(r.varint()))
	case typ == 0x07:
		f.Kind = FrameNewToken
		f.Data = r.bytes(int(r.varint()))
	case typ >= 0x08 && typ <= 0x0f:
		f.Kind = FrameStream
		f.StreamID = r.varint()
		if typ&0x04 != 0 {
			f.Offset = r.varint()
		}
		if typ&0x02 != 0 {
			f.Data = r.bytes(int(r.varint()))
		} else {
			f.Data = r.rest()
		}
		f.Fin = typ&0x01 != 0
	case typ == 0x10:
		f.Kind = FrameMaxData
		f.Value = r.varint()
	case typ == 0x11:
		f.Kind = FrameMaxStreamData
		f.StreamID = r.varint()
		f.Value = r.varint()
	case typ == 0x12 || typ == 0x13:
		f.Kind = FrameMaxStreams
		f.Bidi = typ == 0x12
		f.Value = r.varint()
	case typ == 0x14:
		f.Kind = FrameDataBlocked
		f.Value = r.varint()
	case typ == 0x15:
		f.Kind = FrameStreamDataBlocked
		f.StreamID = r.varint()
		f.Value = r.varint()
	case typ == 0x16 || typ == 0x17:
		f.Kind = FrameStreamsBlocked
		f.Bidi = typ == 0x16
		f.Value = r.varint()
	case typ == 0x18:
		f.Kind = FrameNewConnectionID
		f.SequenceNumber = r.varint()
		f.RetirePriorTo = r.varint()
		f.ConnectionID = r.vector8()
		f.StatelessResetToken = r.bytes(16)
	case typ == 0x19:
		f.Kind = FrameRetireConnectionID
		f.SequenceNumber = r.varint()
	case typ == 0x1a:
		f.Kind = FramePathChallenge
		f.Data = r.bytes(8)
	case typ == 0x1b:
		f.Kind = FramePathResponse
		f.Data = r.bytes(8)
	case typ == 0x1c || typ == 0x1d:
		f.Kind = FrameConnectionClose
		f.Application = typ == 0x1d
		f.ErrorCode = r.varint()
		if !f.Application {
			f.FrameType = r.varint()
		}
		f.ReasonPhrase = string(r.bytes(int(r.varint())))
	case typ == 0x1e:
		f.Kind = FrameHandshakeDone
	case typ == 0x30 || typ == 0x31:
		f.Kind = FrameDatagram
		if typ == 0x31 {
			f.Data = r.bytes(int(r.varint()))
		} else {
			f.Data = r.rest()
		}
	default:
		return f, fmt.Errorf("unknown frame type")
	}
	if r.err != nil {
		return f, r.err
	}
	return f, nil
}

// AppendFrame serializes f. It is the inverse of ParseFrames for the frame
// kinds the dissector reports and is used to build synthetic captures.
func AppendFrame(b []byte, f Frame) []byte {
	switch f.Kind {
	case FramePadding:
		n := f.Length
		if n < 1 {
			n = 1
		}
		return append(b, make([]byte, n)...)
	case FramePing:
		return append(b, 0x01)
	case FrameHandshakeDone:
		return append(b, 0x1e)
	case FrameAck:
		typ := uint64(0x02)
		if f.ECN != nil {
			typ = 0x03
		}
		b = AppendVarint(b, typ)
		b = AppendVarint(b, f.LargestAcked)
		b = AppendVarint(b, f.AckDelay)
		ranges := f.AckRanges
		if len(ranges) == 0 {
			ranges = []AckRange{{Smallest: f.LargestAcked, Largest: f.LargestAcked}}
		}
		b = AppendVarint(b, uint64(len(ranges)-1))
		b = AppendVarint(b, ranges[0].Largest-ranges[0].Smallest)
		prev := ranges[0].Smallest
		for _, rg := range ranges[1:] {
			b = AppendVarint(b, prev-rg.Largest-2)
			b = AppendVarint(b, rg.Largest-rg.Smallest)
			prev = rg.Smallest
		}
		if f.ECN != nil {
			b = AppendVarint(b, f.ECN.ECT0)
			b = AppendVarint(b, f.ECN.ECT1)
			b = AppendVarint(b, f.ECN.CE)
		}
		return b
	case FrameCrypto:
		b = AppendVarint(b, 0x06)
		b = AppendVarint(b, f.Offset)
		b = AppendVarint(b, uint64(len(f.Data)))
		return append(b, f.Data...)
	case FrameNewToken:
		b = AppendVarint(b, 0x07)
		b = AppendVarint(b, uint64(len(f.Data)))
		return append(b, f.Data...)
	case FrameStream:
		typ := uint64(0x08 | 0x04 | 0x02)
		if f.Fin {
			typ |= 0x01
		}
		b = AppendVarint(b, typ)
		b = AppendVarint(b, f.StreamID)
		b = AppendVarint(b, f.Offset)
		b = AppendVarint(b, uint64(len(f.Data)))
		return append(b, f.Data...)
	case FrameNewConnectionID:
		b = AppendVarint(b, 0x18)
		b = AppendVarint(b, f.SequenceNumber)
		b = AppendVarint(b, f.RetirePriorTo)
		b = append(b, byte(len(f.ConnectionID)))
		b = append(b, f.ConnectionID...)
		token := make([]byte, 16)
		copy(token, f.StatelessResetToken)
		return append(b, token...)
	case FramePathChallenge, FramePathResponse:
		typ := uint64(0x1a)
		if f.Kind == FramePathResponse {
			typ = 0x1b
		}
		b = AppendVarint(b, typ)
		data := make([]byte, 8)
		copy(data, f.Data)
		return append(b, data...)
	case FrameConnectionClose:
		if f.Application {
			b = AppendVarint(b, 0x1d)
			b = AppendVarint(b, f.ErrorCode)
		} else {
			b = AppendVarint(b, 0x1c)
			b = AppendVarint(b, f.ErrorCode)
			b = AppendVarint(b, f.FrameType)
		}
		b = AppendVarint(b, uint64(len(f.ReasonPhrase)))
		return append(b, f.ReasonPhrase...)
	case FrameDatagram:
		b = AppendVarint(b, 0x31)
		b = AppendVarint(b, uint64(len(f.Data)))
		return append(b, f.Data...)
	case FrameMaxData, FrameDataBlocked:
		typ := uint64(0x10)
		if f.Kind == FrameDataBlocked {
			typ = 0x14
		}
		b = AppendVarint(b, typ)
		return AppendVarint(b, f.Value)
	case FrameMaxStreams, FrameStreamsBlocked:
		typ := uint64(0x12)
		if f.Kind == FrameStreamsBlocked {
			typ = 0x16
		}
		if !f.Bidi {
			typ++
		}
		b = AppendVarint(b, typ)
		return AppendVarint(b, f.Value)
	case FrameResetStream:
		b = AppendVarint(b, 0x04)
		b = AppendVarint(b, f.StreamID)
		b = AppendVarint(b, f.ErrorCode)
		return AppendVarint(b, f.Value)
	case FrameStopSending:
		b = AppendVarint(b, 0x05)
		b = AppendVarint(b, f.StreamID)
		return AppendVarint(b, f.ErrorCode)
	case FrameMaxStreamData, FrameStreamDataBlocked:
		typ := uint64(0x11)
		if f.Kind == FrameStreamDataBlocked {
			typ = 0x15
		}
		b = AppendVarint(b, typ)
		b = AppendVarint(b, f.StreamID)
		return AppendVarint(b, f.Value)
	case FrameRetireConnectionID:
		b = AppendVarint(b, 0x19)
		return AppendVarint(b, f.SequenceNumber)
	}
	return b
}
