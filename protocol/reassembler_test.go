package protocol

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duplex-rpc/message"
	"duplex-rpc/varint"
)

func stream(t *testing.T, frames ...*message.Frame) []byte {
	t.Helper()
	var buf []byte
	for _, f := range frames {
		var err error
		buf, err = AppendFrame(buf, f)
		require.NoError(t, err)
	}
	return buf
}

func TestReassembleWholeFramesInOneChunk(t *testing.T) {
	r := NewReassembler(0)
	data := stream(t, message.Call("a"), message.Return(int64(1)), message.EndCall())

	frames, err := r.Feed(data)
	require.NoError(t, err)
	require.Len(t, frames, 3)
	assert.Equal(t, message.KindCall, frames[0].Kind)
	assert.Equal(t, message.KindReturn, frames[1].Kind)
	assert.Equal(t, message.KindEndCall, frames[2].Kind)
	assert.Zero(t, r.Buffered())
	assert.NoError(t, r.Close())
}

func TestReassembleByteAtATime(t *testing.T) {
	r := NewReassembler(0)
	long := make([]byte, 300)
	data := stream(t, message.Resolve(9, long), message.Call("x", "y"))

	var got []*message.Frame
	for i := range data {
		frames, err := r.Feed(data[i : i+1])
		require.NoError(t, err)
		got = append(got, frames...)
	}
	require.Len(t, got, 2)
	assert.Equal(t, uint64(9), got[0].ID)
	assert.Equal(t, long, got[0].Value)
	assert.Equal(t, []any{"x", "y"}, got[1].Args)
	assert.NoError(t, r.Close())
}

func TestReassembleResidueCarried(t *testing.T) {
	r := NewReassembler(0)
	data := stream(t, message.Return("first"), message.Return("second"))
	cut := len(data) - 3

	frames, err := r.Feed(data[:cut])
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, "first", frames[0].Value)
	assert.NotZero(t, r.Buffered())

	frames, err = r.Feed(data[cut:])
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, "second", frames[0].Value)
}

func TestReassembleEmptyChunk(t *testing.T) {
	r := NewReassembler(0)
	frames, err := r.Feed(nil)
	assert.NoError(t, err)
	assert.Empty(t, frames)
	frames, err = r.Feed([]byte{})
	assert.NoError(t, err)
	assert.Empty(t, frames)
}

func TestReassembleTruncatedOnClose(t *testing.T) {
	r := NewReassembler(0)
	chunk := varint.Append(nil, 3)
	chunk = append(chunk, byte(message.KindReturn))

	frames, err := r.Feed(chunk)
	require.NoError(t, err)
	assert.Empty(t, frames)
	assert.ErrorIs(t, r.Close(), ErrTruncatedFrame)
}

func TestReassembleTooLarge(t *testing.T) {
	r := NewReassembler(16)
	_, err := r.Feed(varint.Append(nil, 17))
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	_, err = r.Feed([]byte{1})
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReassembleCorruptFrameKeepsEarlierFrames(t *testing.T) {
	r := NewReassembler(0)
	data := stream(t, message.EndServe())
	data = append(data, 1, 0x42)

	frames, err := r.Feed(data)
	assert.ErrorIs(t, err, ErrUnknownFrame)
	require.Len(t, frames, 1)
	assert.Equal(t, message.KindEndServe, frames[0].Kind)
}

func TestHandshake(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	errs := make(chan error, 1)
	go func() { errs <- Handshake(b, 8) }()
	require.NoError(t, Handshake(a, 8))
	require.NoError(t, <-errs)
}

func TestHandshakeMismatch(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	go func() {
		b.Write([]byte("GET / HT"))
		buf := make([]byte, 8)
		b.Read(buf)
	}()
	assert.ErrorIs(t, Handshake(a, 8), ErrHandshake)
}
