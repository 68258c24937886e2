// Package session runs a bidirectional call protocol over a Transport.
//
// Each side of a session is both a caller and a callee. All state changes
// happen on one event loop goroutine per session; outgoing frames are
// buffered for the duration of a turn and written in one Send.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"duplex-rpc/message"
	"duplex-rpc/protocol"
)

var lastID atomic.Uint64

// Session couples a Caller and a Callee over one Transport. It closes
// cleanly once both sides are finished and is disposed on any transport or
// framing failure.
type Session struct {
	id        uint64
	transport Transport
	caller    *Caller
	callee    *Callee
	reasm     *protocol.Reassembler
	logger    *zap.Logger
	onError   func(error)
	flushSize int

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}

	// owned by the loop
	out     []byte
	stopped bool
	err     error

	done chan struct{}
}

// New starts a session over t serving commands from r. A nil r serves
// nothing; every Call is answered with a CommandNotFoundError.
func New(t Transport, r Resolver, opts ...Option) (*Session, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.flushSize <= 0 {
		o.flushSize = DefaultFlushSize
	}
	ctx, cancel := context.WithCancel(o.ctx)
	callee, err := NewCallee(ctx, r, o.maxPending)
	if err != nil {
		cancel()
		return nil, err
	}
	s := &Session{
		id:        lastID.Add(1),
		transport: t,
		caller:    NewCaller(),
		callee:    callee,
		reasm:     protocol.NewReassembler(o.maxFrame),
		onError:   o.onError,
		flushSize: o.flushSize,
		ctx:       ctx,
		cancel:    cancel,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	s.logger = o.logger.With(zap.Uint64("session", s.id))
	callee.logger = s.logger
	go s.loop()
	t.Start(s.onData, s.onEnd)
	return s, nil
}

// Go issues a call and returns its handle without waiting.
func (s *Session) Go(name string, args ...any) *Call {
	h := newCall(append([]any{name}, args...))
	if !s.post(func() { s.startCall(h) }) {
		h.settle(nil, ErrNotCallable)
	}
	return h
}

// Call issues a call and waits for its outcome or for ctx.
func (s *Session) Call(ctx context.Context, name string, args ...any) (any, error) {
	return s.Go(name, args...).Wait(ctx)
}

// Exec sends a fire-and-forget call. The error only reports local failures:
// a closed caller or arguments that cannot be encoded.
func (s *Session) Exec(name string, args ...any) error {
	reply := make(chan error, 1)
	all := append([]any{name}, args...)
	if !s.post(func() { reply <- s.startExec(all) }) {
		return ErrNotCallable
	}
	return <-reply
}

// EndCall announces that no more calls will be made. The returned channel
// is closed once every outstanding call completed and the remote stopped
// serving.
func (s *Session) EndCall() <-chan struct{} {
	s.post(func() { s.emit(s.caller.EndCall()...) })
	return s.caller.Done()
}

// EndServe stops serving new calls. The returned channel is closed once
// every pending result has been settled.
func (s *Session) EndServe() <-chan struct{} {
	s.post(func() { s.emit(s.callee.EndServe()...) })
	return s.callee.Done()
}

// Close ends both sides gracefully and waits for the session to stop. If
// ctx expires first the session is disposed with ctx's error.
func (s *Session) Close(ctx context.Context) error {
	var g errgroup.Group
	g.Go(func() error { return wait(ctx, s.EndCall()) })
	g.Go(func() error { return wait(ctx, s.EndServe()) })
	if err := g.Wait(); err != nil {
		s.Dispose(err)
		<-s.done
		return err
	}
	if err := wait(ctx, s.done); err != nil {
		s.Dispose(err)
		<-s.done
		return err
	}
	return s.Err()
}

// Dispose aborts the session. Outstanding calls fail with reason and the
// transport is dropped.
func (s *Session) Dispose(reason error) {
	if reason == nil {
		reason = ErrDisposed
	}
	s.post(func() { s.fail(reason) })
}

// Ending is closed once the session stops accepting calls, which happens
// before Done while results are still being delivered.
func (s *Session) Ending() <-chan struct{} {
	return s.caller.Ending()
}

// Done is closed once the session has stopped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the dispose reason after the session stopped, and nil for a
// clean close or a running session.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Context is canceled when the session stops.
func (s *Session) Context() context.Context {
	return s.ctx
}

func wait(ctx context.Context, ch <-chan struct{}) error {
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues fn for the loop. It never blocks; false means the session
// has stopped and fn will not run.
func (s *Session) post(fn func()) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, fn)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *Session) take() []func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queue
	s.queue = nil
	return q
}

// loop is the only goroutine that touches the caller, callee, reassembler
// and output buffer. One turn:
//
//	wake → take batch → run each fn → (both sides finished? flush + close)
//	     → take again until the mailbox is empty → flush once
//
// Frames produced during a turn leave in a single Send unless the buffer
// passes flushSize first. After the session stops, closures already
// posted still run so every handle settles.
func (s *Session) loop() {
	defer close(s.done)
	defer s.cancel()
	for range s.wake {
		for batch := s.take(); len(batch) > 0; batch = s.take() {
			for _, fn := range batch {
				fn()
				if s.stopped {
					continue
				}
				if s.caller.Status() == CallerFinished && s.callee.Status() == CalleeFinished {
					s.flush()
					s.closeTransport()
					continue
				}
				if len(s.out) >= s.flushSize {
					s.flush()
				}
			}
		}
		s.flush()
		if s.stopped {
			s.drain()
			return
		}
	}
}

// drain runs what was posted before the mailbox closed. The session is
// stopped, so calls fail and frames are discarded.
func (s *Session) drain() {
	s.mu.Lock()
	s.closed = true
	rest := s.queue
	s.queue = nil
	s.mu.Unlock()
	for _, fn := range rest {
		fn()
	}
}

func (s *Session) onData(p []byte) {
	s.post(func() { s.receive(p) })
}

func (s *Session) onEnd(err error) {
	s.post(func() { s.transportEnded(err) })
}

func (s *Session) receive(p []byte) {
	if s.stopped {
		return
	}
	frames, err := s.reasm.Feed(p)
	for _, f := range frames {
		s.dispatch(f)
		if s.stopped {
			return
		}
	}
	if err != nil {
		s.fail(fmt.Errorf("session: %w", err))
	}
}

func (s *Session) dispatch(f *message.Frame) {
	if ce := s.logger.Check(zap.DebugLevel, "frame in"); ce != nil {
		ce.Write(zap.Stringer("frame", f))
	}
	var (
		out []*message.Frame
		err error
	)
	if f.Kind.ToCallee() {
		var acc *Accepted
		out, acc, err = s.callee.OnFrame(f)
		if acc != nil {
			s.watch(*acc)
		}
	} else {
		out, err = s.caller.OnFrame(f)
	}
	s.emit(out...)
	if err != nil {
		s.report(err)
	}
}

// watch posts the settlement of acc back onto the loop.
func (s *Session) watch(acc Accepted) {
	go func() {
		select {
		case <-acc.Result.Done():
			s.post(func() { s.emit(s.callee.Settle(acc.ID, acc.Result)...) })
		case <-s.done:
		}
	}()
}

func (s *Session) startCall(h *Call) {
	f, err := s.caller.Call(h)
	if err != nil {
		return
	}
	buf, err := protocol.AppendFrame(s.out, f)
	if err != nil {
		s.caller.retract(h)
		h.settle(nil, err)
		return
	}
	s.out = buf
}

func (s *Session) startExec(args []any) error {
	f, err := s.caller.Exec(args)
	if err != nil {
		return err
	}
	buf, err := protocol.AppendFrame(s.out, f)
	if err != nil {
		return err
	}
	s.out = buf
	return nil
}

// emit encodes frames into the outgoing buffer. A result that cannot be
// encoded is replaced by the matching error frame.
func (s *Session) emit(frames ...*message.Frame) {
	for _, f := range frames {
		if s.stopped {
			return
		}
		buf, err := protocol.AppendFrame(s.out, f)
		if err != nil {
			s.logger.Warn("result not encodable", zap.Stringer("kind", f.Kind), zap.Error(err))
			buf, err = protocol.AppendFrame(s.out, substitute(f, err))
		}
		if err != nil {
			s.fail(fmt.Errorf("session: encode %s: %w", f.Kind, err))
			return
		}
		s.out = buf
	}
}

func substitute(f *message.Frame, err error) *message.Frame {
	plain := errors.New(err.Error())
	switch f.Kind {
	case message.KindResolve, message.KindReject:
		return message.Reject(f.ID, plain)
	default:
		return message.Throw(plain)
	}
}

func (s *Session) flush() {
	if s.stopped || len(s.out) == 0 {
		return
	}
	p := s.out
	s.out = nil
	s.transport.Send(p)
}

func (s *Session) report(err error) {
	s.logger.Warn("protocol error", zap.Error(err))
	if s.onError != nil {
		s.onError(err)
	}
}

func (s *Session) transportEnded(err error) {
	if s.stopped {
		return
	}
	if s.caller.Status() == CallerFinished && s.callee.Status() == CalleeFinished {
		s.closeTransport()
		return
	}
	reason := s.reasm.Close()
	switch {
	case reason != nil:
		reason = fmt.Errorf("session: %w", reason)
	case err != nil:
		reason = fmt.Errorf("%w: %w", ErrConnectionLost, err)
	default:
		reason = ErrConnectionLost
	}
	s.fail(reason)
}

func (s *Session) closeTransport() {
	s.stopped = true
	if err := s.transport.Close(); err != nil {
		s.logger.Debug("transport close failed", zap.Error(err))
		s.transport.Dispose(err)
	}
	s.logger.Debug("session closed")
}

func (s *Session) fail(reason error) {
	if s.stopped {
		return
	}
	s.logger.Debug("session disposed", zap.Error(reason))
	s.err = reason
	s.stopped = true
	s.out = nil
	s.caller.ForceAbort(reason)
	s.callee.AbortServe()
	s.transport.Dispose(reason)
}
