package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/frr-agent/internal/protocol"
)

const (
	HeaderLen = 16

	// KeepaliveGenID is the reserved generation id of liveness frames.
	KeepaliveGenID uint64 = 0
)

var (
	// KeepaliveMessage is the payload carried by keepalive frames.
	KeepaliveMessage = []byte("KEEPALIVE")
	// OkMessage is the response payload of a successful reload.
	OkMessage = []byte("Ok")
)

// ByteOrder is the integer encoding of the length and generation id fields.
// Existing peers write host-native integers, so the agent does as well.
var ByteOrder binary.ByteOrder = binary.NativeEndian

var (
	ErrTruncated       = protocol.ErrTruncated
	ErrMalformed       = protocol.ErrMalformed
	ErrPayloadTooLarge = fmt.Errorf("%w: payload too large", protocol.ErrMalformed)
	ErrShortHeader     = errors.New("frame: short header")
)

// Frame is one complete wire message.
type Frame struct {
	Length  uint64
	GenID   uint64
	Payload []byte
}

// New builds a frame whose Length matches its payload.
func New(genID uint64, payload []byte) Frame {
	return Frame{Length: uint64(len(payload)), GenID: genID, Payload: payload}
}

func (f Frame) IsKeepalive() bool {
	return f.GenID == KeepaliveGenID
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint64
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 16 * 1024 * 1024,
	}
}

// WithDefaults fills zero limits from DefaultLimits.
func (l Limits) WithDefaults() Limits {
	if l.MaxPayloadBytes == 0 {
		l.MaxPayloadBytes = DefaultLimits().MaxPayloadBytes
	}
	return l
}

// Encode produces length || generation_id || payload.
func Encode(genID uint64, payload []byte) []byte {
	buf := make([]byte, HeaderLen+len(payload))
	ByteOrder.PutUint64(buf[0:8], uint64(len(payload)))
	ByteOrder.PutUint64(buf[8:16], genID)
	copy(buf[HeaderLen:], payload)
	return buf
}

// Decode parses one frame from the front of b. It returns the frame and the
// number of bytes consumed, ErrTruncated when b does not yet hold a complete
// frame, or an error wrapping ErrMalformed when the declared length exceeds
// limits.
func Decode(b []byte, limits Limits) (Frame, int, error) {
	if len(b) < HeaderLen {
		return Frame{}, 0, ErrTruncated
	}
	length := ByteOrder.Uint64(b[0:8])
	genID := ByteOrder.Uint64(b[8:16])
	if length > limits.WithDefaults().MaxPayloadBytes {
		return Frame{}, 0, fmt.Errorf("%w: declared=%d max=%d", ErrPayloadTooLarge, length, limits.WithDefaults().MaxPayloadBytes)
	}
	if uint64(len(b)-HeaderLen) < length {
		return Frame{}, 0, ErrTruncated
	}
	end := HeaderLen + int(length)
	payload := make([]byte, length)
	copy(payload, b[HeaderLen:end])
	return Frame{Length: length, GenID: genID, Payload: payload}, end, nil
}

// ReadFrame reads exactly one frame from r.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}
	length := ByteOrder.Uint64(hdr[0:8])
	genID := ByteOrder.Uint64(hdr[8:16])
	if length > limits.WithDefaults().MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) {
				return Frame{}, io.ErrUnexpectedEOF
			}
			return Frame{}, err
		}
	}
	return Frame{Length: length, GenID: genID, Payload: payload}, nil
}

// WriteFrame writes f as a single Write call.
func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	if uint64(len(f.Payload)) > limits.WithDefaults().MaxPayloadBytes {
		return ErrPayloadTooLarge
	}
	buf := Encode(f.GenID, f.Payload)
	n, err := w.Write(buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return io.ErrShortWrite
	}
	return nil
}
