package transport

import (
	"errors"
	"sync"
)

// ErrClosedPipe is reported to the peer of a disposed pipe end.
var ErrClosedPipe = errors.New("transport: pipe disposed by peer")

// inbox is an unbounded FIFO of chunks followed by one end marker.
type inbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	chunks [][]byte
	ended  bool
	err    error
}

func newInbox() *inbox {
	in := &inbox{}
	in.cond = sync.NewCond(&in.mu)
	return in
}

func (in *inbox) push(p []byte) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.ended {
		return
	}
	in.chunks = append(in.chunks, p)
	in.cond.Signal()
}

// end marks the inbox finished. With discard set, undelivered chunks are
// dropped.
func (in *inbox) end(err error, discard bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.ended {
		return
	}
	in.ended, in.err = true, err
	if discard {
		in.chunks = nil
	}
	in.cond.Signal()
}

func (in *inbox) deliver(onData func([]byte), onEnd func(error)) {
	for {
		in.mu.Lock()
		for len(in.chunks) == 0 && !in.ended {
			in.cond.Wait()
		}
		if len(in.chunks) > 0 {
			p := in.chunks[0]
			in.chunks[0] = nil
			in.chunks = in.chunks[1:]
			in.mu.Unlock()
			onData(p)
			continue
		}
		err := in.err
		in.mu.Unlock()
		onEnd(err)
		return
	}
}

// PipeEnd is one side of an in-memory transport pair. Chunks are delivered
// to the peer in order on a dedicated goroutine.
type PipeEnd struct {
	in    *inbox
	peer  *PipeEnd
	once  sync.Once
	start sync.Once
}

// Pipe returns two connected transports.
func Pipe() (*PipeEnd, *PipeEnd) {
	a := &PipeEnd{in: newInbox()}
	b := &PipeEnd{in: newInbox()}
	a.peer, b.peer = b, a
	return a, b
}

func (e *PipeEnd) Start(onData func([]byte), onEnd func(error)) {
	e.start.Do(func() { go e.in.deliver(onData, onEnd) })
}

// Send hands p to the peer. p must not be modified afterwards.
func (e *PipeEnd) Send(p []byte) {
	if len(p) == 0 {
		return
	}
	e.peer.in.push(p)
}

// Close ends both directions after chunks already sent are delivered.
func (e *PipeEnd) Close() error {
	e.once.Do(func() {
		e.peer.in.end(nil, false)
		e.in.end(nil, true)
	})
	return nil
}

func (e *PipeEnd) Dispose(reason error) {
	e.once.Do(func() {
		e.peer.in.end(ErrClosedPipe, false)
		e.in.end(reason, true)
	})
}
