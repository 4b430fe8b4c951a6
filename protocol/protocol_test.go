package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"procxy/message"
)

func kindOf(t *testing.T, typ message.Type) byte {
	t.Helper()
	k, ok := typ.Kind()
	if !ok {
		t.Fatalf("unknown type %q", typ)
	}
	return k
}

func TestEncodeDecode(t *testing.T) {
	header := Header{
		CodecType: CodecTypeJSON,
		Kind:      kindOf(t, message.TypeCall),
		ID:        12345,
	}
	body := []byte("hello world")

	var buf bytes.Buffer
	if err := Encode(&buf, &header, body); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decodedHeader, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if decodedHeader.CodecType != header.CodecType {
		t.Errorf("CodecType mismatch: got %d, want %d", decodedHeader.CodecType, header.CodecType)
	}
	if decodedHeader.Type() != message.TypeCall {
		t.Errorf("Type mismatch: got %s, want %s", decodedHeader.Type(), message.TypeCall)
	}
	if decodedHeader.ID != header.ID {
		t.Errorf("ID mismatch: got %d, want %d", decodedHeader.ID, header.ID)
	}
	if decodedHeader.BodyLen != uint32(len(body)) {
		t.Errorf("BodyLen mismatch: got %d, want %d", decodedHeader.BodyLen, len(body))
	}
	if !bytes.Equal(decodedBody, body) {
		t.Errorf("Body mismatch: got %s, want %s", string(decodedBody), string(body))
	}
}

func TestDecodeBackToBackFrames(t *testing.T) {
	var buf bytes.Buffer
	for i := uint32(1); i <= 3; i++ {
		h := Header{CodecType: CodecTypeCBOR, Kind: kindOf(t, message.TypeResult), ID: i}
		if err := Encode(&buf, &h, bytes.Repeat([]byte{byte(i)}, int(i))); err != nil {
			t.Fatal(err)
		}
	}
	for i := uint32(1); i <= 3; i++ {
		h, body, err := Decode(&buf)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if h.ID != i || len(body) != int(i) {
			t.Fatalf("frame %d: got id %d len %d", i, h.ID, len(body))
		}
	}
	if _, _, err := Decode(&buf); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after last frame, got %v", err)
	}
}

func TestDecodeInvalidMagic(t *testing.T) {
	invalid := []byte{0x00, 0x00, 0x00, Version, CodecTypeJSON, 0, 0x00, 0x00, 0x30, 0x39, 0x00, 0x00, 0x00, 0x00}
	_, _, err := Decode(bytes.NewReader(invalid))
	if !errors.Is(err, ErrInvalidMagic) {
		t.Fatalf("expected ErrInvalidMagic, got %v", err)
	}
}

func TestDecodeInvalidVersion(t *testing.T) {
	invalid := []byte{
		MagicNumber, MagicByte2, MagicByte3,
		0xFF,
		CodecTypeJSON,
		0,
		0, 0, 0, 1,
		0, 0, 0, 0,
	}
	_, _, err := Decode(bytes.NewReader(invalid))
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestDecodeUnknownKindAndCodec(t *testing.T) {
	frame := AppendFrame(nil, &Header{CodecType: CodecTypeJSON, Kind: 200}, nil)
	if _, _, err := Decode(bytes.NewReader(frame)); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}

	frame = AppendFrame(nil, &Header{CodecType: 9, Kind: 0}, nil)
	if _, _, err := Decode(bytes.NewReader(frame)); !errors.Is(err, ErrUnsupportedCodec) {
		t.Fatalf("expected ErrUnsupportedCodec, got %v", err)
	}
}

func TestDecodeEmptyBody(t *testing.T) {
	header := Header{CodecType: CodecTypeJSON, Kind: kindOf(t, message.TypeDispose)}
	var buf bytes.Buffer
	if err := Encode(&buf, &header, nil); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decodedHeader, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decodedHeader.Type() != message.TypeDispose {
		t.Errorf("Type mismatch: got %s", decodedHeader.Type())
	}
	if len(decodedBody) != 0 {
		t.Errorf("Expected empty body, got length %d", len(decodedBody))
	}
}

func TestDecodeTruncatedBody(t *testing.T) {
	frame := AppendFrame(nil, &Header{CodecType: CodecTypeJSON, Kind: 0}, []byte("abcdef"))
	_, _, err := Decode(bytes.NewReader(frame[:len(frame)-2]))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
	}
}

func TestDecodeLargeBody(t *testing.T) {
	largeBody := make([]byte, 1024*1024)
	for i := range largeBody {
		largeBody[i] = byte(i % 256)
	}

	var buf bytes.Buffer
	header := &Header{CodecType: CodecTypeCBOR, Kind: kindOf(t, message.TypeCall), ID: 999}
	if err := Encode(&buf, header, largeBody); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	_, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !bytes.Equal(decodedBody, largeBody) {
		t.Errorf("large body mismatch")
	}
}
