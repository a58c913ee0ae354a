package flow

import (
	"encoding/json"
)

// Codec encodes step state, arguments, payloads and results. All parties of
// a session must use compatible codecs.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(b []byte, v any) error
}

// JSONCodec is the default Codec.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Unmarshal(b []byte, v any) error {
	return json.Unmarshal(b, v)
}

var _ Codec = JSONCodec{}
