package session

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"duplex-rpc/codec"
	"duplex-rpc/message"
	"duplex-rpc/protocol"
	"duplex-rpc/transport"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func stopped(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop")
	}
}

func start(t *testing.T, tr Transport, r Resolver, opts ...Option) *Session {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	s, err := New(tr, r, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Dispose(nil)
		<-s.Done()
	})
	return s
}

func pair(t *testing.T, a, b Resolver) (*Session, *Session) {
	t.Helper()
	ta, tb := transport.Pipe()
	return start(t, ta, a), start(t, tb, b)
}

type slowRouter struct {
	*Router
	started chan *Deferred
}

func newSlowRouter() *slowRouter {
	r := &slowRouter{Router: NewRouter(), started: make(chan *Deferred, 16)}
	r.Handle("add", func(_ context.Context, args []any) (any, error) {
		return args[0].(int64) + args[1].(int64), nil
	})
	r.Handle("echo", func(_ context.Context, args []any) (any, error) {
		return args[0], nil
	})
	r.Handle("slow", func(context.Context, []any) (any, error) {
		d := NewDeferred()
		r.started <- d
		return d, nil
	})
	r.Handle("chan", func(context.Context, []any) (any, error) {
		return make(chan int), nil
	})
	return r
}

func (r *slowRouter) next(t *testing.T) *Deferred {
	t.Helper()
	select {
	case d := <-r.started:
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("slow command was not invoked")
		return nil
	}
}

func TestSessionAdd(t *testing.T) {
	a, _ := pair(t, nil, newSlowRouter())
	v, err := a.Call(testCtx(t), "add", 2, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)
}

func TestSessionDeferred(t *testing.T) {
	r := newSlowRouter()
	a, b := pair(t, nil, r)

	h := a.Go("slow")
	d := r.next(t)
	pendingCall(t, h)
	assert.True(t, d.Resolve("done"))

	v, err := h.Wait(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "done", v)

	require.NoError(t, a.Close(testCtx(t)))
	stopped(t, b)
	assert.NoError(t, b.Err())
}

func TestSessionPipelined(t *testing.T) {
	r := newSlowRouter()
	a, _ := pair(t, nil, r)

	slow := a.Go("slow")
	d := r.next(t)
	calls := make([]*Call, 10)
	for i := range calls {
		calls[i] = a.Go("echo", i)
	}
	for i, h := range calls {
		v, err := h.Wait(testCtx(t))
		require.NoError(t, err)
		assert.Equal(t, int64(i), v)
	}
	pendingCall(t, slow)

	d.Reject(errors.New("gave up"))
	_, err := slow.Wait(testCtx(t))
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	var ce *codec.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "gave up", ce.Message)
}

func TestSessionRemoteErrors(t *testing.T) {
	a, _ := pair(t, nil, newSlowRouter())
	ctx := testCtx(t)

	_, err := a.Call(ctx, "missing")
	var ce *codec.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "CommandNotFoundError", ce.Name)
	assert.Equal(t, `command "missing" not found`, ce.Message)

	_, err = a.Call(ctx, "chan")
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Message, "unsupported type")

	v, err := a.Call(ctx, "echo", "still alive")
	require.NoError(t, err)
	assert.Equal(t, "still alive", v)
}

func TestSessionNilDeferred(t *testing.T) {
	r := newSlowRouter()
	r.Handle("nil", func(context.Context, []any) (any, error) {
		var d *Deferred
		return d, nil
	})
	a, _ := pair(t, nil, r)
	ctx := testCtx(t)

	_, err := a.Call(ctx, "nil")
	var ce *codec.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ErrNilDeferred.Error(), ce.Message)

	v, err := a.Call(ctx, "add", 1, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}

func TestSessionPatternSource(t *testing.T) {
	a, _ := pair(t, nil, newSlowRouter())
	v, err := a.Call(testCtx(t), "echo", codec.Pattern{Source: "(?=a)"})
	require.NoError(t, err)
	assert.Equal(t, codec.Pattern{Source: "(?=a)"}, v)
}

func TestSessionUnencodableArgs(t *testing.T) {
	a, _ := pair(t, nil, newSlowRouter())
	ctx := testCtx(t)

	_, err := a.Call(ctx, "echo", make(chan int))
	var ue *codec.UnsupportedTypeError
	require.ErrorAs(t, err, &ue)
	require.Error(t, a.Exec("echo", func() {}))

	v, err := a.Call(ctx, "echo", "next")
	require.NoError(t, err)
	assert.Equal(t, "next", v)
}

func TestSessionExec(t *testing.T) {
	got := make(chan []any, 1)
	r := NewRouter()
	r.Handle("log", func(_ context.Context, args []any) (any, error) {
		got <- args
		return nil, nil
	})
	a, _ := pair(t, nil, r)

	require.NoError(t, a.Exec("log", "hello", 1))
	select {
	case args := <-got:
		assert.Equal(t, []any{"hello", int64(1)}, args)
	case <-time.After(5 * time.Second):
		t.Fatal("exec did not run")
	}
}

func TestSessionBidirectional(t *testing.T) {
	ra, rb := NewRouter(), NewRouter()
	a, b := pair(t, ra, rb)
	ra.Handle("name", func(context.Context, []any) (any, error) {
		return "alice", nil
	})
	rb.Handle("greet", func(ctx context.Context, _ []any) (any, error) {
		return Go(func() (any, error) {
			name, err := b.Call(ctx, "name")
			if err != nil {
				return nil, err
			}
			return "hello " + name.(string), nil
		}), nil
	})

	v, err := a.Call(testCtx(t), "greet")
	require.NoError(t, err)
	assert.Equal(t, "hello alice", v)
}

func TestSessionCloseWaitsForPending(t *testing.T) {
	r := newSlowRouter()
	a, b := pair(t, nil, r)

	h := a.Go("slow")
	d := r.next(t)

	closed := make(chan error, 1)
	go func() { closed <- a.Close(testCtx(t)) }()

	select {
	case <-a.Done():
		t.Fatal("session closed with a pending result")
	case <-time.After(50 * time.Millisecond):
	}
	_, err := a.Call(testCtx(t), "echo", 1)
	assert.ErrorIs(t, err, ErrNotCallable)

	d.Resolve("finally")
	require.NoError(t, <-closed)
	v, err := h.Result()
	require.NoError(t, err)
	assert.Equal(t, "finally", v)
	stopped(t, b)
	assert.NoError(t, b.Err())
	assert.Error(t, b.Context().Err())
}

func TestSessionConcurrentClose(t *testing.T) {
	a, b := pair(t, newSlowRouter(), newSlowRouter())
	var wg sync.WaitGroup
	for _, s := range []*Session{a, b} {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			assert.NoError(t, s.Close(testCtx(t)))
		}(s)
	}
	wg.Wait()
	assert.NoError(t, a.Err())
	assert.NoError(t, b.Err())
}

func TestSessionCloseTimeout(t *testing.T) {
	r := newSlowRouter()
	a, b := pair(t, nil, r)
	h := a.Go("slow")
	r.next(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := a.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = h.Result()
	assert.ErrorIs(t, err, ErrAbortedAfterAccept)
	stopped(t, b)
	assert.ErrorIs(t, b.Err(), ErrConnectionLost)
}

// rawPeer drives one end of a pipe by hand.
type rawPeer struct {
	end   *transport.PipeEnd
	data  chan []byte
	ended chan error
}

func newRaw(t *testing.T, r Resolver, opts ...Option) (*Session, *rawPeer) {
	ta, tb := transport.Pipe()
	p := &rawPeer{end: tb, data: make(chan []byte, 64), ended: make(chan error, 1)}
	tb.Start(func(b []byte) { p.data <- b }, func(err error) { p.ended <- err })
	return start(t, ta, r, opts...), p
}

func (p *rawPeer) send(t *testing.T, frames ...*message.Frame) {
	t.Helper()
	var buf []byte
	for _, f := range frames {
		var err error
		buf, err = protocol.AppendFrame(buf, f)
		require.NoError(t, err)
	}
	p.end.Send(buf)
}

func (p *rawPeer) recv(t *testing.T) *message.Frame {
	t.Helper()
	select {
	case b := <-p.data:
		frames, err := protocol.NewReassembler(0).Feed(b)
		require.NoError(t, err)
		require.NotEmpty(t, frames)
		return frames[0]
	case <-time.After(5 * time.Second):
		t.Fatal("no frame from session")
		return nil
	}
}

func TestSessionBatchesTurn(t *testing.T) {
	s, p := newRaw(t, nil)
	var buf []byte
	for i := 0; i < 3; i++ {
		f, _ := protocol.AppendFrame(nil, message.Call("x"))
		buf = append(buf, f...)
	}
	p.end.Send(buf)

	select {
	case b := <-p.data:
		frames, err := protocol.NewReassembler(0).Feed(b)
		require.NoError(t, err)
		assert.Len(t, frames, 3)
		for _, f := range frames {
			assert.Equal(t, message.KindThrow, f.Kind)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reply")
	}
	assert.NoError(t, s.Err())
}

func TestSessionAbortKinds(t *testing.T) {
	s, p := newRaw(t, nil)
	accepted := s.Go("first")
	unanswered := s.Go("second")
	assert.Equal(t, message.KindCall, p.recv(t).Kind)

	p.send(t, message.AsyncPending(1))
	p.end.Dispose(nil)
	stopped(t, s)

	_, err := accepted.Result()
	assert.ErrorIs(t, err, ErrAbortedAfterAccept)
	assert.ErrorIs(t, err, ErrConnectionLost)
	_, err = unanswered.Result()
	assert.ErrorIs(t, err, ErrAbortedBeforeResponse)
	assert.ErrorIs(t, err, transport.ErrClosedPipe)
	assert.ErrorIs(t, s.Err(), ErrConnectionLost)

	_, err = s.Go("after").Result()
	assert.ErrorIs(t, err, ErrNotCallable)
	assert.ErrorIs(t, s.Exec("after"), ErrNotCallable)
}

func TestSessionProtocolErrorKeepsRunning(t *testing.T) {
	errs := make(chan error, 4)
	s, p := newRaw(t, nil, WithErrorHandler(func(err error) { errs <- err }))

	p.send(t, message.Return("nobody asked"), message.Resolve(42, nil))
	assert.ErrorIs(t, <-errs, ErrRedundantResponse)
	assert.ErrorIs(t, <-errs, ErrUnknownPendingID)

	h := s.Go("ping")
	p.recv(t)
	p.send(t, message.Return("pong"))
	v, err := h.Wait(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "pong", v)
}

func TestSessionFramingErrorDisposes(t *testing.T) {
	s, p := newRaw(t, nil)
	h := s.Go("x")
	p.recv(t)

	p.end.Send([]byte{1, 0x42})
	stopped(t, s)
	assert.ErrorIs(t, s.Err(), protocol.ErrUnknownFrame)
	_, err := h.Result()
	assert.ErrorIs(t, err, ErrAbortedBeforeResponse)
	assert.ErrorIs(t, <-p.ended, transport.ErrClosedPipe)
}

func TestSessionTruncatedAtEnd(t *testing.T) {
	s, p := newRaw(t, nil)
	p.end.Send([]byte{5, byte(message.KindReturn)})
	p.end.Close()
	stopped(t, s)
	assert.ErrorIs(t, s.Err(), protocol.ErrTruncatedFrame)
}

func TestSessionRemoteEndServe(t *testing.T) {
	s, p := newRaw(t, nil)
	h := s.Go("x")
	p.recv(t)

	p.send(t, message.EndServe())
	assert.Equal(t, message.KindEndCall, p.recv(t).Kind)
	_, err := h.Result()
	assert.ErrorIs(t, err, ErrAbortedBeforeResponse)
	_, err = s.Go("y").Result()
	assert.ErrorIs(t, err, ErrNotCallable)

	p.send(t, message.EndCall())
	assert.Equal(t, message.KindEndServe, p.recv(t).Kind)
	stopped(t, s)
	assert.NoError(t, s.Err())
	assert.NoError(t, <-p.ended)
}

func TestSessionDispose(t *testing.T) {
	reason := errors.New("operator")
	s, p := newRaw(t, nil)
	h := s.Go("x")
	p.recv(t)
	s.Dispose(reason)
	stopped(t, s)
	assert.ErrorIs(t, s.Err(), reason)
	_, err := h.Result()
	assert.ErrorIs(t, err, reason)
	assert.ErrorIs(t, <-p.ended, transport.ErrClosedPipe)
}

func TestSessionOverStream(t *testing.T) {
	c1, c2 := net.Pipe()
	a := start(t, transport.NewStream(c1, transport.WithHandshake(8)), nil)
	b := start(t, transport.NewStream(c2, transport.WithHandshake(8)), newSlowRouter())

	v, err := a.Call(testCtx(t), "add", 2, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)

	require.NoError(t, a.Close(testCtx(t)))
	stopped(t, b)
	assert.NoError(t, b.Err())
}

func TestSessionContextCanceled(t *testing.T) {
	ctxs := make(chan context.Context, 1)
	r := NewRouter()
	r.Handle("keep", func(ctx context.Context, _ []any) (any, error) {
		ctxs <- ctx
		return nil, nil
	})
	a, b := pair(t, nil, r)
	_, err := a.Call(testCtx(t), "keep")
	require.NoError(t, err)
	ctx := <-ctxs
	assert.NoError(t, ctx.Err())

	b.Dispose(nil)
	stopped(t, b)
	<-ctx.Done()
	assert.ErrorIs(t, b.Err(), ErrDisposed)
}
