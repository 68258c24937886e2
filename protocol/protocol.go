// Package protocol implements the frame grammar and stream framing.
//
// A stream is a sequence of frames, each prefixed with its body length:
//
//	stream  := frame*
//	frame   := varint(len) body          len bytes of body
//	body    := kind(1 byte) payload
//
//	Call, Exec          tagged array of arguments
//	Return, Throw       one tagged value
//	AsyncPending        varint id
//	Resolve, Reject     varint id, one tagged value
//	EndCall, EndServe   empty
//
// Transports may split or merge frames arbitrarily; the Reassembler rebuilds
// frame boundaries from raw chunks.
package protocol

import (
	"errors"
	"fmt"
	"io"

	"duplex-rpc/codec"
	"duplex-rpc/message"
	"duplex-rpc/varint"
)

// DefaultMaxFrameSize bounds a single frame body.
const DefaultMaxFrameSize = 64 << 20

var (
	ErrUnknownFrame   = errors.New("protocol: unknown frame kind")
	ErrMalformedFrame = errors.New("protocol: malformed frame")
	ErrFrameTooLarge  = errors.New("protocol: frame too large")
	ErrTruncatedFrame = errors.New("protocol: stream ended inside a frame")
)

// AppendBody appends the body of f, without its length prefix, to dst.
func AppendBody(dst []byte, f *message.Frame) ([]byte, error) {
	if !f.Kind.Valid() {
		return dst, fmt.Errorf("%w: %s", ErrUnknownFrame, f.Kind)
	}
	out := append(dst, byte(f.Kind))
	var err error
	switch f.Kind {
	case message.KindCall, message.KindExec:
		args := f.Args
		if args == nil {
			args = []any{}
		}
		out, err = codec.Append(out, args)
	case message.KindReturn, message.KindThrow:
		out, err = codec.Append(out, f.Value)
	case message.KindAsyncPending:
		out = varint.Append(out, f.ID)
	case message.KindResolve, message.KindReject:
		out = varint.Append(out, f.ID)
		out, err = codec.Append(out, f.Value)
	}
	if err != nil {
		return dst, fmt.Errorf("protocol: encode %s: %w", f.Kind, err)
	}
	return out, nil
}

// AppendFrame appends f with its length prefix to dst.
func AppendFrame(dst []byte, f *message.Frame) ([]byte, error) {
	body, err := AppendBody(nil, f)
	if err != nil {
		return dst, err
	}
	dst = varint.Append(dst, uint64(len(body)))
	return append(dst, body...), nil
}

// DecodeBody parses one frame body.
func DecodeBody(body []byte) (*message.Frame, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedFrame)
	}
	f := &message.Frame{Kind: message.Kind(body[0])}
	if !f.Kind.Valid() {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownFrame, body[0])
	}
	payload := body[1:]
	var err error
	switch f.Kind {
	case message.KindCall, message.KindExec:
		var v any
		v, err = codec.Unmarshal(payload)
		if err == nil {
			args, ok := v.([]any)
			if !ok {
				return nil, fmt.Errorf("%w: %s arguments are not an array", ErrMalformedFrame, f.Kind)
			}
			f.Args = args
		}
	case message.KindReturn, message.KindThrow:
		f.Value, err = codec.Unmarshal(payload)
	case message.KindAsyncPending:
		var n int
		f.ID, n, err = varint.Uint(payload)
		if err == nil && n != len(payload) {
			return nil, fmt.Errorf("%w: trailing bytes after %s id", ErrMalformedFrame, f.Kind)
		}
	case message.KindResolve, message.KindReject:
		var n int
		f.ID, n, err = varint.Uint(payload)
		if err == nil {
			f.Value, err = codec.Unmarshal(payload[n:])
		}
	default:
		if len(payload) != 0 {
			return nil, fmt.Errorf("%w: %s carries a payload", ErrMalformedFrame, f.Kind)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("protocol: decode %s: %w", f.Kind, err)
	}
	return f, nil
}

// Encode writes one complete frame to w.
func Encode(w io.Writer, f *message.Frame) error {
	buf, err := AppendFrame(nil, f)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// Decode reads exactly one frame from r.
func Decode(r io.Reader) (*message.Frame, error) {
	var head [varint.MaxLen]byte
	if _, err := io.ReadFull(r, head[:1]); err != nil {
		return nil, err
	}
	size := varint.LenOf(head[0])
	if _, err := io.ReadFull(r, head[1:size]); err != nil {
		return nil, unexpected(err)
	}
	n, _, err := varint.Int(head[:size])
	if err != nil {
		return nil, err
	}
	if n > DefaultMaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, unexpected(err)
	}
	return DecodeBody(body)
}

func unexpected(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return ErrTruncatedFrame
	}
	return err
}
