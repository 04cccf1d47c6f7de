// Package protocol implements the binary frame protocol spoken by every hen daemon.
//
// Each frame is a fixed 18-byte header followed by the method name (requests only)
// and an opaque payload. The receiver reads the header first to learn how many name
// and payload bytes follow, so message boundaries are never ambiguous on the stream.
//
// Frame format:
//
//	0      3  4  5  6         10        14     16     18
//	┌──────┬──┬──┬──┬─────────┬─────────┬──────┬──────┬────────┬──────────────┐
//	│magic │v │k │fl│   seq   │ length  │ nlen │status│  name  │   payload    │
//	│ hen  │01│  │00│ uint32  │ uint32  │uint16│uint16│ nlen B │   length B   │
//	└──────┴──┴──┴──┴─────────┴─────────┴──────┴──────┴────────┴──────────────┘
//
// Requests carry a method name and status 0. Replies carry a status and no name.
// All integers are big-endian.
package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"

	"github.com/juju/errors"
)

// Magic bytes "hen". Lets a daemon reject a peer that is not speaking the protocol
// (an HTTP client on the wrong port, a port scanner) on the first header.
const (
	MagicByte1 byte = 0x68 // 'h'
	MagicByte2 byte = 0x65 // 'e'
	MagicByte3 byte = 0x6e // 'n'
	Version    byte = 0x01
	HeaderSize int  = 18
)

const (
	// MaxNameLen bounds the method name of a request frame.
	MaxNameLen = 255
	// MaxPayloadLen bounds a single payload. Larger frames are treated as garbage.
	MaxPayloadLen = 16 << 20
)

const (
	// ErrProtocol reports a malformed frame. The connection it arrived on must be closed.
	ErrProtocol = errors.ConstError("protocol error")
	// ErrConnectionClosed reports that the peer went away, possibly in the middle of a frame.
	ErrConnectionClosed = errors.ConstError("connection closed")
	// ErrNeedMoreData is returned by Decoder.Next until a complete frame is buffered.
	ErrNeedMoreData = errors.ConstError("need more data")
)

// Kind distinguishes request frames from reply frames.
type Kind byte

const (
	KindRequest Kind = 0
	KindReply   Kind = 1
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindReply:
		return "reply"
	}
	return "unknown"
}

// Frame is one decoded message.
type Frame struct {
	Kind    Kind
	Seq     uint32
	Method  string // requests only
	Status  Status // replies only
	Payload []byte
}

// Length is the payload length carried in the header.
func (f *Frame) Length() int {
	return len(f.Payload)
}

// IsRequest reports whether the frame is an inbound call rather than an answer.
func (f *Frame) IsRequest() bool {
	return f.Kind == KindRequest
}

// EncodeRequest returns the wire form of a request frame.
func EncodeRequest(method string, seq uint32, payload []byte) ([]byte, error) {
	return appendFrame(nil, &Frame{Kind: KindRequest, Method: method, Seq: seq, Payload: payload})
}

// EncodeReply returns the wire form of a reply frame.
func EncodeReply(status Status, seq uint32, payload []byte) ([]byte, error) {
	return appendFrame(nil, &Frame{Kind: KindReply, Status: status, Seq: seq, Payload: payload})
}

// Encode writes one complete frame to w in a single Write call.
// Callers sharing w between goroutines must still serialize calls to Encode.
func Encode(w io.Writer, f *Frame) error {
	buf, err := appendFrame(nil, f)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

func appendFrame(dst []byte, f *Frame) ([]byte, error) {
	if f.Kind != KindRequest && f.Kind != KindReply {
		return nil, errors.Annotatef(ErrProtocol, "cannot encode frame kind %d", f.Kind)
	}
	if f.Kind == KindRequest && f.Method == "" {
		return nil, errors.Annotate(ErrProtocol, "request without method name")
	}
	if len(f.Method) > MaxNameLen {
		return nil, errors.Annotatef(ErrProtocol, "method name of %d bytes", len(f.Method))
	}
	if len(f.Payload) > MaxPayloadLen {
		return nil, errors.Annotatef(ErrProtocol, "payload of %d bytes", len(f.Payload))
	}
	var hdr [HeaderSize]byte
	hdr[0], hdr[1], hdr[2] = MagicByte1, MagicByte2, MagicByte3
	hdr[3] = Version
	hdr[4] = byte(f.Kind)
	binary.BigEndian.PutUint32(hdr[6:10], f.Seq)
	binary.BigEndian.PutUint32(hdr[10:14], uint32(len(f.Payload)))
	binary.BigEndian.PutUint16(hdr[14:16], uint16(len(f.Method)))
	if f.Kind == KindReply {
		binary.BigEndian.PutUint16(hdr[16:18], uint16(f.Status))
	}

	dst = append(dst, hdr[:]...)
	dst = append(dst, f.Method...)
	dst = append(dst, f.Payload...)
	return dst, nil
}

// header is the parsed fixed part of a frame.
type header struct {
	kind    Kind
	seq     uint32
	length  uint32
	nameLen uint16
	status  Status
}

func (h header) bodyLen() int {
	return int(h.nameLen) + int(h.length)
}

func parseHeader(buf []byte) (header, error) {
	if buf[0] != MagicByte1 || buf[1] != MagicByte2 || buf[2] != MagicByte3 {
		return header{}, errors.Annotatef(ErrProtocol, "invalid magic number %x", buf[0:3])
	}
	if buf[3] != Version {
		return header{}, errors.Annotatef(ErrProtocol, "unsupported version %d", buf[3])
	}
	h := header{
		kind:    Kind(buf[4]),
		seq:     binary.BigEndian.Uint32(buf[6:10]),
		length:  binary.BigEndian.Uint32(buf[10:14]),
		nameLen: binary.BigEndian.Uint16(buf[14:16]),
		status:  Status(binary.BigEndian.Uint16(buf[16:18])),
	}
	switch h.kind {
	case KindRequest:
		if h.nameLen == 0 {
			return header{}, errors.Annotate(ErrProtocol, "request without method name")
		}
	case KindReply:
		if h.nameLen != 0 {
			return header{}, errors.Annotate(ErrProtocol, "reply carrying a method name")
		}
	default:
		return header{}, errors.Annotatef(ErrProtocol, "unsupported frame kind %d", buf[4])
	}
	if h.nameLen > MaxNameLen {
		return header{}, errors.Annotatef(ErrProtocol, "method name of %d bytes", h.nameLen)
	}
	if h.length > MaxPayloadLen {
		return header{}, errors.Annotatef(ErrProtocol, "payload of %d bytes", h.length)
	}
	return h, nil
}

func buildFrame(h header, body []byte) *Frame {
	f := &Frame{
		Kind:    h.kind,
		Seq:     h.seq,
		Method:  string(body[:h.nameLen]),
		Payload: make([]byte, h.length),
	}
	copy(f.Payload, body[h.nameLen:])
	if h.kind == KindReply {
		f.Status = h.status
	}
	return f
}

// Decode reads one complete frame from a blocking reader.
// It uses io.ReadFull so short reads are retried rather than misread. EOF, at a
// frame boundary or inside a frame, is reported as ErrConnectionClosed.
func Decode(r io.Reader) (*Frame, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, readError(err)
	}
	h, err := parseHeader(hdr[:])
	if err != nil {
		return nil, err
	}
	body := make([]byte, h.bodyLen())
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, readError(err)
	}
	return buildFrame(h, body), nil
}

func readError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return errors.Annotate(ErrConnectionClosed, err.Error())
	}
	return err
}

// Decoder reassembles frames from arbitrarily split chunks of a stream.
// It is not safe for concurrent use.
type Decoder struct {
	buf bytes.Buffer
}

// Feed appends raw stream bytes.
func (d *Decoder) Feed(p []byte) {
	d.buf.Write(p)
}

// Buffered is the number of bytes received but not yet consumed as a frame.
func (d *Decoder) Buffered() int {
	return d.buf.Len()
}

// Next returns the next complete frame, or ErrNeedMoreData if the buffer holds
// only part of one. A malformed header yields ErrProtocol as soon as the header
// is complete; nothing is consumed in that case.
func (d *Decoder) Next() (*Frame, error) {
	data := d.buf.Bytes()
	if len(data) < HeaderSize {
		return nil, ErrNeedMoreData
	}
	h, err := parseHeader(data[:HeaderSize])
	if err != nil {
		return nil, err
	}
	total := HeaderSize + h.bodyLen()
	if len(data) < total {
		return nil, ErrNeedMoreData
	}
	f := buildFrame(h, data[HeaderSize:total])
	d.buf.Next(total)
	return f, nil
}

// Reset drops everything buffered.
func (d *Decoder) Reset() {
	d.buf.Reset()
}
