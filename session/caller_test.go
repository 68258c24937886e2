package session

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duplex-rpc/message"
)

func call(t *testing.T, c *Caller, name string, args ...any) *Call {
	t.Helper()
	h := newCall(append([]any{name}, args...))
	f, err := c.Call(h)
	require.NoError(t, err)
	require.Equal(t, message.KindCall, f.Kind)
	require.Equal(t, h.Args, f.Args)
	return h
}

func settled(t *testing.T, h *Call) (any, error) {
	t.Helper()
	select {
	case <-h.Done():
	default:
		t.Fatalf("call %v is still outstanding", h.Args)
	}
	return h.Result()
}

func pendingCall(t *testing.T, h *Call) {
	t.Helper()
	select {
	case <-h.Done():
		t.Fatalf("call %v already completed", h.Args)
	default:
	}
}

func TestCallerFIFO(t *testing.T) {
	c := NewCaller()
	h1 := call(t, c, "a")
	h2 := call(t, c, "b")
	h3 := call(t, c, "c")

	_, err := c.OnFrame(message.Return("first"))
	require.NoError(t, err)
	_, err = c.OnFrame(message.Throw("second"))
	require.NoError(t, err)
	pendingCall(t, h3)

	v, err := settled(t, h1)
	require.NoError(t, err)
	assert.Equal(t, "first", v)

	_, err = settled(t, h2)
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "second", re.Value)
	assert.Equal(t, 1, c.Outstanding())
}

func TestCallerAsyncCorrelation(t *testing.T) {
	c := NewCaller()
	h1 := call(t, c, "slow")
	h2 := call(t, c, "slower")
	h3 := call(t, c, "fast")

	for _, f := range []*message.Frame{
		message.AsyncPending(4),
		message.AsyncPending(9),
		message.Return("fast"),
		message.Reject(4, "nope"),
		message.Resolve(9, "slower"),
	} {
		_, err := c.OnFrame(f)
		require.NoError(t, err, f)
	}

	v, err := settled(t, h3)
	require.NoError(t, err)
	assert.Equal(t, "fast", v)

	v, err = settled(t, h2)
	require.NoError(t, err)
	assert.Equal(t, "slower", v)

	_, err = settled(t, h1)
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "nope", re.Value)
	assert.Zero(t, c.Outstanding())
}

func TestCallerProtocolErrors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(c *Caller)
		frame *message.Frame
		want  error
	}{
		{"redundant return", nil, message.Return(1), ErrRedundantResponse},
		{"redundant throw", nil, message.Throw(1), ErrRedundantResponse},
		{"pending without call", nil, message.AsyncPending(1), ErrInvalidPendingID},
		{"unknown resolve", nil, message.Resolve(3, nil), ErrUnknownPendingID},
		{"unknown reject", nil, message.Reject(3, nil), ErrUnknownPendingID},
		{"callee frame", nil, message.Call("x"), ErrUnexpectedFrame},
		{
			name: "duplicate pending",
			setup: func(c *Caller) {
				c.Call(newCall([]any{"a"}))
				c.Call(newCall([]any{"b"}))
				c.OnFrame(message.AsyncPending(1))
			},
			frame: message.AsyncPending(1),
			want:  ErrDuplicatePendingID,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCaller()
			if tt.setup != nil {
				tt.setup(c)
			}
			before := c.Outstanding()
			out, err := c.OnFrame(tt.frame)
			assert.Empty(t, out)
			assert.ErrorIs(t, err, tt.want)
			var pe *ProtocolError
			require.ErrorAs(t, err, &pe)
			assert.Same(t, tt.frame, pe.Frame)
			assert.Equal(t, before, c.Outstanding())
			assert.Equal(t, Callable, c.Status())
		})
	}
}

func TestCallerDuplicatePendingKeepsFIFO(t *testing.T) {
	c := NewCaller()
	call(t, c, "a")
	h2 := call(t, c, "b")
	_, err := c.OnFrame(message.AsyncPending(1))
	require.NoError(t, err)
	_, err = c.OnFrame(message.AsyncPending(1))
	require.ErrorIs(t, err, ErrDuplicatePendingID)

	_, err = c.OnFrame(message.Return("b"))
	require.NoError(t, err)
	v, err := settled(t, h2)
	require.NoError(t, err)
	assert.Equal(t, "b", v)
}

func TestCallerEndCall(t *testing.T) {
	c := NewCaller()
	h := call(t, c, "a")

	out := c.EndCall()
	require.Len(t, out, 1)
	assert.Equal(t, message.KindEndCall, out[0].Kind)
	assert.Equal(t, CallerEnding, c.Status())
	<-c.Ending()
	assert.Empty(t, c.EndCall())

	late := newCall([]any{"late"})
	_, err := c.Call(late)
	assert.ErrorIs(t, err, ErrNotCallable)
	_, err = settled(t, late)
	assert.ErrorIs(t, err, ErrNotCallable)
	_, err = c.Exec([]any{"late"})
	assert.ErrorIs(t, err, ErrNotCallable)

	// Ending waits for EndServe even with nothing outstanding.
	_, err = c.OnFrame(message.Return("a"))
	require.NoError(t, err)
	settled(t, h)
	assert.Equal(t, CallerEnding, c.Status())

	out, err = c.OnFrame(message.EndServe())
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, CallerFinished, c.Status())
	<-c.Done()
}

func TestCallerEndServeWhileCallable(t *testing.T) {
	c := NewCaller()
	accepted := call(t, c, "slow")
	unanswered := call(t, c, "lost")
	_, err := c.OnFrame(message.AsyncPending(2))
	require.NoError(t, err)

	out, err := c.OnFrame(message.EndServe())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, message.KindEndCall, out[0].Kind)
	assert.Equal(t, CallerDisabled, c.Status())
	<-c.Ending()

	_, err = settled(t, unanswered)
	assert.ErrorIs(t, err, ErrAbortedBeforeResponse)
	pendingCall(t, accepted)

	out, err = c.OnFrame(message.EndServe())
	require.NoError(t, err)
	assert.Empty(t, out)

	_, err = c.OnFrame(message.Resolve(2, "ok"))
	require.NoError(t, err)
	v, err := settled(t, accepted)
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, CallerFinished, c.Status())
}

func TestCallerForceAbort(t *testing.T) {
	c := NewCaller()
	accepted := call(t, c, "slow")
	unanswered := call(t, c, "lost")
	_, err := c.OnFrame(message.AsyncPending(1))
	require.NoError(t, err)

	reason := errors.New("link down")
	c.ForceAbort(reason)
	assert.Equal(t, CallerFinished, c.Status())
	<-c.Ending()

	_, err = settled(t, unanswered)
	assert.ErrorIs(t, err, ErrAbortedBeforeResponse)
	assert.ErrorIs(t, err, reason)
	assert.NotErrorIs(t, err, ErrAbortedAfterAccept)

	_, err = settled(t, accepted)
	assert.ErrorIs(t, err, ErrAbortedAfterAccept)
	assert.ErrorIs(t, err, reason)

	c.ForceAbort(errors.New("again"))
	_, err = settled(t, accepted)
	assert.ErrorIs(t, err, reason)
}

func TestCallerRetract(t *testing.T) {
	c := NewCaller()
	h1 := call(t, c, "a")
	h2 := call(t, c, "b")
	c.retract(h1)
	assert.Equal(t, 2, c.Outstanding())
	c.retract(h2)
	assert.Equal(t, 1, c.Outstanding())

	_, err := c.OnFrame(message.Return("a"))
	require.NoError(t, err)
	v, _ := settled(t, h1)
	assert.Equal(t, "a", v)
}
