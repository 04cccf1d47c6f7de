// Package message defines the versioned envelope that every hen payload is wrapped in.
//
// An Envelope is the body of a frame, after the codec has serialized it:
//
//   - On request:  Data holds the method arguments, Error is empty.
//   - On reply:    Data holds the result, or Error holds a human-readable message
//     when the reply status is not 2xx.
//
// The version lets a daemon refuse payloads from a peer speaking a newer layout
// instead of silently misreading them.
package message

import (
	json "github.com/goccy/go-json"
	"github.com/juju/errors"

	"hen/codec"
)

// Version is the envelope layout produced by this package.
const Version = 1

// Envelope carries one argument or result value.
type Envelope struct {
	V     int             `json:"v"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Encode wraps v in an envelope. A nil v produces an envelope without data.
func Encode(v any) ([]byte, error) {
	env := Envelope{V: Version}
	if v != nil {
		data, err := codec.Default.Encode(v)
		if err != nil {
			return nil, errors.Annotate(err, "encoding envelope data")
		}
		env.Data = data
	}
	return codec.Default.Encode(&env)
}

// EncodeError builds the payload of a failed reply.
func EncodeError(msg string) []byte {
	payload, err := codec.Default.Encode(&Envelope{V: Version, Error: msg})
	if err != nil {
		// A string-only envelope always encodes.
		panic(err)
	}
	return payload
}

// Open parses an envelope without touching its data.
// An empty payload is a valid envelope with no data.
func Open(payload []byte) (*Envelope, error) {
	env := &Envelope{V: Version}
	if len(payload) == 0 {
		return env, nil
	}
	if err := codec.Default.Decode(payload, env); err != nil {
		return nil, errors.NewNotValid(err, "malformed envelope")
	}
	if env.V != Version {
		return nil, errors.NotSupportedf("envelope version %d", env.V)
	}
	return env, nil
}

// Decode parses payload and unmarshals its data into v. The envelope's error
// message, if any, is returned alongside; v is left untouched in that case.
func Decode(payload []byte, v any) (string, error) {
	env, err := Open(payload)
	if err != nil {
		return "", err
	}
	if env.Error != "" {
		return env.Error, nil
	}
	if v == nil || len(env.Data) == 0 {
		return "", nil
	}
	if err := codec.Default.Decode(env.Data, v); err != nil {
		return "", errors.NewNotValid(err, "malformed envelope data")
	}
	return "", nil
}
