// Package protocol implements the frame format that carries messages over the
// parent/worker channel.
//
// The channel is a byte stream, so every message is preceded by a fixed-size
// 14-byte header. The receiver reads the header first to learn the body
// length, then reads exactly that many bytes.
//
// Frame format:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mk│   id    │ bodyLen │    body ...    │
//	│ pxy  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
//
// ct is the codec type of the body and mk the message kind. id mirrors the
// correlation id of request and response messages and is zero otherwise.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"procxy/message"
)

// Magic bytes "pxy".
const (
	MagicNumber byte = 0x70 // 'p'
	MagicByte2  byte = 0x78 // 'x'
	MagicByte3  byte = 0x79 // 'y'
	Version     byte = 0x01
	HeaderSize  int  = 14 // 3 (magic) + 1 (version) + 1 (codec) + 1 (kind) + 4 (id) + 4 (bodyLen)

	// MaxBodySize bounds a single frame body.
	MaxBodySize uint32 = 64 << 20
)

// Codec type constants, mirrored from the codec package to avoid an import cycle.
const (
	CodecTypeJSON byte = 0
	CodecTypeCBOR byte = 1
)

var (
	ErrInvalidMagic       = errors.New("protocol: invalid magic number")
	ErrUnsupportedVersion = errors.New("protocol: unsupported version")
	ErrUnsupportedCodec   = errors.New("protocol: unsupported codec type")
	ErrUnknownKind        = errors.New("protocol: unknown message kind")
	ErrBodyTooLarge       = errors.New("protocol: body too large")
)

// Header represents the fixed 14-byte frame header.
type Header struct {
	CodecType byte
	Kind      byte
	ID        uint32
	BodyLen   uint32
}

// Type returns the message type named by the header's kind byte.
func (h *Header) Type() message.Type {
	t, _ := message.TypeOfKind(h.Kind)
	return t
}

// AppendFrame appends a complete frame (header + body) to dst.
func AppendFrame(dst []byte, h *Header, body []byte) []byte {
	var buf [HeaderSize]byte
	buf[0], buf[1], buf[2] = MagicNumber, MagicByte2, MagicByte3
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = h.Kind
	binary.BigEndian.PutUint32(buf[6:10], h.ID)
	binary.BigEndian.PutUint32(buf[10:14], uint32(len(body)))
	dst = append(dst, buf[:]...)
	return append(dst, body...)
}

// Encode writes a complete frame to w in a single Write call.
// The caller must serialize concurrent writers sharing w.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint32(len(body)) > MaxBodySize {
		return fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, len(body))
	}
	_, err := w.Write(AppendFrame(make([]byte, 0, HeaderSize+len(body)), h, body))
	return err
}

// Decode reads a complete frame from r.
// It validates the magic number, version, codec type and message kind.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("%w: %x", ErrInvalidMagic, headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, headerBuf[3])
	}
	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeCBOR {
		return nil, nil, fmt.Errorf("%w: %d", ErrUnsupportedCodec, headerBuf[4])
	}
	if _, ok := message.TypeOfKind(headerBuf[5]); !ok {
		return nil, nil, fmt.Errorf("%w: %d", ErrUnknownKind, headerBuf[5])
	}

	id := binary.BigEndian.Uint32(headerBuf[6:10])
	bodyLen := binary.BigEndian.Uint32(headerBuf[10:14])
	if bodyLen > MaxBodySize {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		Kind:      headerBuf[5],
		ID:        id,
		BodyLen:   bodyLen,
	}, body, nil
}
