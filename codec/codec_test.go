package codec

import (
	"math/big"
	"reflect"
	"regexp"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"procxy/errors"
	"procxy/message"
)

func TestModeCodec(t *testing.T) {
	assert.Equal(t, CodecTypeJSON, ForMode(ModeBasic).Type())
	assert.Equal(t, CodecTypeCBOR, ForMode(ModeExtended).Type())
	assert.True(t, ModeBasic.Valid())
	assert.False(t, Mode("binary").Valid())
}

func TestJSONCodecMessage(t *testing.T) {
	c := &JSONCodec{}
	original := &message.Message{
		Type:   message.TypeCall,
		ID:     3,
		Member: "add",
		Args:   []any{1.0, "two", []any{true, nil}, map[string]any{"k": 2.5}},
	}

	data, err := c.Encode(original)
	require.NoError(t, err)

	var decoded message.Message
	require.NoError(t, c.Decode(data, &decoded))
	if diff := cmp.Diff(*original, decoded); diff != "" {
		t.Fatalf("message mismatch (-want +got):\n%s", diff)
	}
}

func TestBasicRoundTrip(t *testing.T) {
	c := ForMode(ModeBasic)
	values := []any{
		nil,
		true,
		42.0,
		"text",
		[]any{1.0, "a", false},
		map[string]any{"nested": map[string]any{"list": []any{1.0, 2.0}}, "empty": map[string]any{}},
	}
	for _, v := range values {
		data, err := c.Encode(v)
		require.NoError(t, err)
		var back any
		require.NoError(t, c.Decode(data, &back))
		if diff := cmp.Diff(v, back); diff != "" {
			t.Errorf("round trip of %#v (-want +got):\n%s", v, diff)
		}
	}
}

func TestCBORCodecMessage(t *testing.T) {
	c := &CBORCodec{}
	when := time.Date(2024, 3, 1, 12, 30, 0, 123, time.UTC)
	original := &message.Message{
		Type:  message.TypeResult,
		ID:    9,
		Value: map[string]any{"bytes": []byte{1, 2, 3}, "when": when, "n": uint64(7)},
	}

	data, err := c.Encode(original)
	require.NoError(t, err)

	var decoded message.Message
	require.NoError(t, c.Decode(data, &decoded))
	assert.Equal(t, message.TypeResult, decoded.Type)
	assert.Equal(t, uint32(9), decoded.ID)

	value, ok := decoded.Value.(map[string]any)
	require.True(t, ok, "value decoded as %T", decoded.Value)
	assert.Equal(t, []byte{1, 2, 3}, value["bytes"])
	assert.Equal(t, uint64(7), value["n"])
	ts, ok := value["when"].(time.Time)
	require.True(t, ok, "when decoded as %T", value["when"])
	assert.True(t, when.Equal(ts))
}

func TestCBORExtendedValues(t *testing.T) {
	c := &CBORCodec{}
	big1 := new(big.Int).Lsh(big.NewInt(1), 100)
	original := &message.Message{
		Type: message.TypeCall,
		Args: []any{
			regexp.MustCompile(`^a+b$`),
			&errors.RemoteError{Name: "RangeError", Message: "out of range", Code: "E_RANGE"},
			big1,
			map[int]string{2: "b", 1: "a"},
		},
	}

	data, err := c.Encode(original)
	require.NoError(t, err)

	var decoded message.Message
	require.NoError(t, c.Decode(data, &decoded))
	require.Len(t, decoded.Args, 4)

	re, ok := decoded.Args[0].(*regexp.Regexp)
	require.True(t, ok, "regexp decoded as %T", decoded.Args[0])
	assert.Equal(t, `^a+b$`, re.String())

	var remote *errors.RemoteError
	require.True(t, errors.As(decoded.Args[1].(error), &remote))
	assert.Equal(t, "RangeError", remote.Name)
	assert.Equal(t, "out of range", remote.Message)
	assert.Equal(t, "E_RANGE", remote.Code)

	n, ok := decoded.Args[2].(*big.Int)
	require.True(t, ok, "big int decoded as %T", decoded.Args[2])
	assert.Equal(t, 0, big1.Cmp(n))

	m, ok := decoded.Args[3].(map[any]any)
	require.True(t, ok, "int-keyed map decoded as %T", decoded.Args[3])
	assert.Len(t, m, 2)
}

type point struct {
	X int    `json:"x"`
	Y int    `json:"y"`
	L string `json:"label,omitempty"`
}

func TestConvert(t *testing.T) {
	cases := []struct {
		codec Codec
		num   any
	}{
		{&JSONCodec{}, 1.0},
		{&CBORCodec{}, uint64(1)},
	}
	for _, tc := range cases {
		c := tc.codec
		v, err := Convert(c, map[string]any{"x": tc.num, "y": tc.num}, reflect.TypeOf(point{}))
		require.NoError(t, err)
		assert.Equal(t, point{X: 1, Y: 1}, v.Interface())

		v, err = Convert(c, tc.num, reflect.TypeOf(0))
		require.NoError(t, err)
		assert.Equal(t, 1, v.Interface())

		v, err = Convert(c, "same", reflect.TypeOf(""))
		require.NoError(t, err)
		assert.Equal(t, "same", v.Interface())

		v, err = Convert(c, nil, reflect.TypeOf(&point{}))
		require.NoError(t, err)
		assert.True(t, v.IsNil())

		_, err = Convert(c, "nope", reflect.TypeOf(0))
		assert.Error(t, err)
	}
}
