package codec

import (
	json "github.com/goccy/go-json"
)

// JSONCodec encodes payloads as JSON. It is language neutral, so non-Go tools
// (the web frontend, operator scripts) can talk to the daemons directly.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
