package wsproto

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Signal envelope constants (spec.md §3): two magic bytes that follow the
// two-digit BCD-style code, distinguishing a signal envelope from any
// other binary payload.
const (
	signalMagic1 = 25
	signalMagic2 = 151

	// MaxSignalCode is the highest signal code this server accepts.
	MaxSignalCode = 9999
)

// ErrInvalidSignalCode is returned by [EncodeSignal] when code is outside 0..9999.
var ErrInvalidSignalCode = errors.New("wsproto: signal code out of range 0..9999")

// EncodeSignal wraps data in the 4-byte signal envelope (spec.md §3).
// data may be []byte (used as-is), a string (used raw), nil (encodes to
// an empty payload), or any other value (JSON-marshaled).
func EncodeSignal(code int, data any) ([]byte, error) {
	if code < 0 || code > MaxSignalCode {
		return nil, ErrInvalidSignalCode
	}

	payload, err := signalPayload(data)
	if err != nil {
		return nil, fmt.Errorf("wsproto: failed to encode signal payload: %w", err)
	}

	out := make([]byte, 4+len(payload))
	out[0] = byte(code / 100)
	out[1] = byte(code % 100)
	out[2] = signalMagic1
	out[3] = signalMagic2
	copy(out[4:], payload)

	return out, nil
}

func signalPayload(data any) ([]byte, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return json.Marshal(v)
	}
}

// DecodeSignal extracts the code and payload from a signal envelope. It is
// exposed for tests: in production, [FrameReceiver] decodes the envelope
// inline while assembling the message (spec.md §4.1's data_message state).
func DecodeSignal(msg []byte) (code int, data []byte, err error) {
	if len(msg) < 4 {
		return 0, nil, fmt.Errorf("wsproto: signal message too short: %d bytes", len(msg))
	}
	if msg[2] != signalMagic1 || msg[3] != signalMagic2 {
		return 0, nil, errors.New("wsproto: invalid signal magic bytes")
	}

	code = int(msg[0])*100 + int(msg[1])
	data = msg[4:]
	return code, data, nil
}

// EncodeFrame builds a complete, unmasked server-to-client frame: a
// 2/4/10-byte header (mirroring the length encoding in spec.md §4.1,
// without a mask bit since server-to-client frames are never masked)
// followed by payload.
func EncodeFrame(fin bool, opcode Opcode, payload []byte) []byte {
	first := byte(opcode) & 0x0F
	if fin {
		first |= 0x80
	}

	n := len(payload)
	var header []byte
	switch {
	case n <= 125:
		header = []byte{first, byte(n)}
	case n <= 0xFFFF:
		header = []byte{first, 126, byte(n >> 8), byte(n)}
	default:
		header = []byte{
			first, 127,
			byte(n >> 56), byte(n >> 48), byte(n >> 40), byte(n >> 32),
			byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n),
		}
	}

	out := make([]byte, 0, len(header)+n)
	out = append(out, header...)
	out = append(out, payload...)
	return out
}
