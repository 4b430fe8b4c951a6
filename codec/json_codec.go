package codec

import (
	"encoding/json"
)

// JSONCodec uses encoding/json. Numbers decode to float64 and objects to
// map[string]any when the target is an interface.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
