// Package codec serializes the structured arguments and results carried in frame
// payloads. The frame layer never looks inside a payload; every daemon method
// agrees on this encoding instead.
package codec

// Codec converts values to and from payload bytes.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// Default is the codec all hen daemons use on the wire.
var Default Codec = &JSONCodec{}
