package protocol

import (
	"fmt"

	"duplex-rpc/message"
	"duplex-rpc/varint"
)

// Reassembler rebuilds frames from arbitrarily split chunks of a stream. It
// is owned by a single reader and is not safe for concurrent use.
type Reassembler struct {
	buf      []byte
	bodyLen  int // body length once the prefix is complete, -1 while awaiting it
	prefix   int
	maxFrame int
	err      error
}

// NewReassembler returns a reassembler that rejects bodies larger than
// maxFrame bytes. A non-positive maxFrame selects DefaultMaxFrameSize.
func NewReassembler(maxFrame int) *Reassembler {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &Reassembler{bodyLen: -1, maxFrame: maxFrame}
}

// Feed consumes chunk and returns every frame completed by it, in stream
// order. An error is fatal: frames decoded before it are still returned and
// every later call fails with the same error.
//
// Parsing alternates between two states:
//  1. bodyLen < 0: wait for the full varint length prefix (its first byte
//     gives its size), then check it against maxFrame
//  2. bodyLen >= 0: wait for prefix+bodyLen bytes, decode the body, reset
//
// Only the bytes of an incomplete trailing frame are copied into buf;
// complete frames are decoded straight from chunk.
func (r *Reassembler) Feed(chunk []byte) ([]*message.Frame, error) {
	if r.err != nil {
		return nil, r.err
	}
	if len(chunk) == 0 {
		return nil, nil
	}
	data := chunk
	if len(r.buf) > 0 {
		r.buf = append(r.buf, chunk...)
		data = r.buf
	}

	var frames []*message.Frame
	for len(data) > 0 {
		if r.bodyLen < 0 {
			// awaiting length
			size := varint.LenOf(data[0])
			if len(data) < size {
				break
			}
			n, _, err := varint.Int(data[:size])
			if err != nil {
				r.err = err
				return frames, err
			}
			if n > r.maxFrame {
				r.err = fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
				return frames, r.err
			}
			r.bodyLen, r.prefix = n, size
		}
		// awaiting body
		end := r.prefix + r.bodyLen
		if len(data) < end {
			break
		}
		f, err := DecodeBody(data[r.prefix:end])
		if err != nil {
			r.err = err
			return frames, err
		}
		frames = append(frames, f)
		data = data[end:]
		r.bodyLen, r.prefix = -1, 0
	}
	r.buf = append(r.buf[:0], data...)
	return frames, nil
}

// Buffered returns the number of bytes held for an incomplete frame.
func (r *Reassembler) Buffered() int {
	return len(r.buf)
}

// Close reports ErrTruncatedFrame if the stream ended inside a frame.
func (r *Reassembler) Close() error {
	if r.err != nil {
		return r.err
	}
	if len(r.buf) > 0 {
		r.err = fmt.Errorf("%w: %d bytes pending", ErrTruncatedFrame, len(r.buf))
		return r.err
	}
	return nil
}
