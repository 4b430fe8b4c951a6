// Package codec serializes messages for the parent/worker channel.
//
// The serialization mode chosen at creation time picks the codec:
//   - basic mode uses JSON, lossless for the text-serializable universe
//   - extended mode uses CBOR, which also carries byte strings, big integers,
//     timestamps, regular expressions, error values and non-string map keys
package codec

import (
	"fmt"
	"reflect"
)

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
	CodecTypeCBOR CodecType = 1
)

// Mode is the declared universe of value types allowed to cross the boundary.
type Mode string

const (
	ModeBasic    Mode = "basic"
	ModeExtended Mode = "extended"
)

// Valid reports whether m names a known mode.
func (m Mode) Valid() bool {
	return m == ModeBasic || m == ModeExtended
}

// CodecType returns the codec that carries m.
func (m Mode) CodecType() CodecType {
	if m == ModeExtended {
		return CodecTypeCBOR
	}
	return CodecTypeJSON
}

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=CBOR
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeCBOR {
		return &CBORCodec{}
	}

	return &JSONCodec{}
}

// ForMode returns the codec for mode m.
func ForMode(m Mode) Codec {
	return GetCodec(m.CodecType())
}

// Convert turns a decoded generic value into a value of type t. Values that
// are already assignable are used as-is; anything else is re-encoded with c
// and decoded into a fresh t.
func Convert(c Codec, v any, t reflect.Type) (reflect.Value, error) {
	if v == nil {
		return reflect.Zero(t), nil
	}
	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(t) {
		out := reflect.New(t).Elem()
		out.Set(rv)
		return out, nil
	}
	data, err := c.Encode(v)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("codec: convert %T to %s: %w", v, t, err)
	}
	out := reflect.New(t)
	if err := c.Decode(data, out.Interface()); err != nil {
		return reflect.Value{}, fmt.Errorf("codec: convert %T to %s: %w", v, t, err)
	}
	return out.Elem(), nil
}
