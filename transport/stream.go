// Package transport provides byte transports for sessions: Stream over
// any connection and an in-memory Pipe.
//
// Writes never block the caller. Sent chunks are queued and written by a
// dedicated goroutine, so a session loop is never stalled by a slow peer.
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"duplex-rpc/protocol"
)

// Stream is a transport over a connection such as a net.Conn.
type Stream struct {
	conn io.ReadWriteCloser
	opts options

	mu       sync.Mutex
	cond     *sync.Cond
	queue    [][]byte
	started  bool
	closing  bool
	disposed bool

	closeOnce sync.Once
	closeErr  error
}

// NewStream wraps conn. Nothing is read or written until Start.
func NewStream(conn io.ReadWriteCloser, opts ...Option) *Stream {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	t := &Stream{conn: conn, opts: o}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Dial connects to addr and wraps the connection.
func Dial(ctx context.Context, network, addr string, opts ...Option) (*Stream, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	return NewStream(conn, opts...), nil
}

// Conn returns the wrapped connection.
func (t *Stream) Conn() io.ReadWriteCloser {
	return t.conn
}

func (t *Stream) Start(onData func([]byte), onEnd func(error)) {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.mu.Unlock()
	go t.run(onData, onEnd)
}

func (t *Stream) run(onData func([]byte), onEnd func(error)) {
	if t.opts.handshake > 0 {
		if err := t.handshake(); err != nil {
			t.opts.logger.Debug("handshake failed", zap.Error(err))
			t.Dispose(err)
			onEnd(err)
			return
		}
	}
	go t.writeLoop()
	t.readLoop(onData, onEnd)
}

func (t *Stream) handshake() error {
	dc, ok := t.conn.(interface{ SetDeadline(time.Time) error })
	if ok && t.opts.handshakeTimeout > 0 {
		if err := dc.SetDeadline(time.Now().Add(t.opts.handshakeTimeout)); err != nil {
			return err
		}
		defer dc.SetDeadline(time.Time{})
	}
	return protocol.Handshake(t.conn, t.opts.handshake)
}

func (t *Stream) readLoop(onData func([]byte), onEnd func(error)) {
	buf := make([]byte, t.opts.readBufferSize)
	for {
		n, err := t.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onData(chunk)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			onEnd(err)
			return
		}
	}
}

func (t *Stream) writeLoop() {
	for {
		t.mu.Lock()
		for len(t.queue) == 0 && !t.closing && !t.disposed {
			t.cond.Wait()
		}
		if t.disposed {
			t.mu.Unlock()
			return
		}
		if len(t.queue) == 0 {
			t.mu.Unlock()
			t.closeConn()
			return
		}
		batch := t.queue
		t.queue = nil
		t.mu.Unlock()

		for _, p := range batch {
			if _, err := t.conn.Write(p); err != nil {
				t.opts.logger.Debug("write failed", zap.Error(err))
				t.Dispose(err)
				return
			}
		}
	}
}

// Send queues p for writing. p must not be modified afterwards.
func (t *Stream) Send(p []byte) {
	if len(p) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closing || t.disposed {
		return
	}
	t.queue = append(t.queue, p)
	t.cond.Signal()
}

// Close writes what is queued and then closes the connection. Once started
// it returns without waiting for the writes. On a stream that was never
// started the queue is written before Close returns, unless a handshake is
// configured: the handshake never ran, so the queue is dropped.
func (t *Stream) Close() error {
	t.mu.Lock()
	if t.closing || t.disposed {
		t.mu.Unlock()
		return nil
	}
	t.closing = true
	started := t.started
	var queued [][]byte
	if !started {
		queued, t.queue = t.queue, nil
	}
	t.cond.Signal()
	t.mu.Unlock()
	if started {
		return nil
	}
	if t.opts.handshake == 0 {
		for _, p := range queued {
			if _, err := t.conn.Write(p); err != nil {
				t.closeConn()
				return err
			}
		}
	}
	return t.closeConn()
}

// Dispose drops queued data and closes the connection.
func (t *Stream) Dispose(reason error) {
	t.mu.Lock()
	t.disposed = true
	t.queue = nil
	t.cond.Signal()
	t.mu.Unlock()
	t.closeConn()
}

func (t *Stream) closeConn() error {
	t.closeOnce.Do(func() { t.closeErr = t.conn.Close() })
	return t.closeErr
}
