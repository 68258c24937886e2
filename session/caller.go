package session

import (
	"duplex-rpc/message"
)

// CallerStatus is the lifecycle state of the caller side.
type CallerStatus int

const (
	Callable CallerStatus = iota
	CallerEnding
	CallerDisabled
	CallerFinished
)

func (s CallerStatus) String() string {
	switch s {
	case Callable:
		return "callable"
	case CallerEnding:
		return "ending"
	case CallerDisabled:
		return "disabled"
	case CallerFinished:
		return "finished"
	}
	return "unknown"
}

// Caller tracks outgoing calls. Synchronous responses are matched in FIFO
// order; calls accepted as pending move to an id-keyed table.
//
// Caller is not safe for concurrent use; a Session drives it from its loop.
type Caller struct {
	status CallerStatus
	fifo   []*Call
	byID   map[uint64]*Call
	ending chan struct{}
	done   chan struct{}
}

// NewCaller returns a Callable caller.
func NewCaller() *Caller {
	return &Caller{
		byID:   make(map[uint64]*Call),
		ending: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (c *Caller) Status() CallerStatus {
	return c.status
}

// Ending is closed once the caller stops accepting calls.
func (c *Caller) Ending() <-chan struct{} {
	return c.ending
}

// Done is closed once the caller is Finished.
func (c *Caller) Done() <-chan struct{} {
	return c.done
}

// Outstanding reports the number of calls still waiting for an outcome.
func (c *Caller) Outstanding() int {
	return len(c.fifo) + len(c.byID)
}

// Call queues h and returns the Call frame to send. When the caller is no
// longer Callable, h fails with ErrNotCallable.
func (c *Caller) Call(h *Call) (*message.Frame, error) {
	if c.status != Callable {
		h.settle(nil, ErrNotCallable)
		return nil, ErrNotCallable
	}
	c.fifo = append(c.fifo, h)
	return message.Call(h.Args...), nil
}

// Exec returns the Exec frame to send. Nothing is tracked.
func (c *Caller) Exec(args []any) (*message.Frame, error) {
	if c.status != Callable {
		return nil, ErrNotCallable
	}
	return message.Exec(args...), nil
}

// retract drops h if it is the most recently queued call.
func (c *Caller) retract(h *Call) {
	if n := len(c.fifo); n > 0 && c.fifo[n-1] == h {
		c.fifo[n-1] = nil
		c.fifo = c.fifo[:n-1]
	}
}

func (c *Caller) pop() *Call {
	if len(c.fifo) == 0 {
		return nil
	}
	h := c.fifo[0]
	c.fifo[0] = nil
	c.fifo = c.fifo[1:]
	return h
}

// OnFrame applies a caller-bound frame and returns any frames to send in
// reply. An error is a protocol error; the caller stays usable.
func (c *Caller) OnFrame(f *message.Frame) ([]*message.Frame, error) {
	switch f.Kind {
	case message.KindReturn, message.KindThrow:
		h := c.pop()
		if h == nil {
			return nil, &ProtocolError{Err: ErrRedundantResponse, Frame: f}
		}
		if f.Kind == message.KindReturn {
			h.settle(f.Value, nil)
		} else {
			h.settle(nil, &RemoteError{Value: f.Value})
		}
		c.maybeFinish()
	case message.KindAsyncPending:
		if len(c.fifo) == 0 {
			return nil, &ProtocolError{Err: ErrInvalidPendingID, Frame: f}
		}
		if _, dup := c.byID[f.ID]; dup {
			return nil, &ProtocolError{Err: ErrDuplicatePendingID, Frame: f}
		}
		h := c.pop()
		h.accepted, h.id = true, f.ID
		c.byID[f.ID] = h
	case message.KindResolve, message.KindReject:
		h, ok := c.byID[f.ID]
		if !ok {
			return nil, &ProtocolError{Err: ErrUnknownPendingID, Frame: f}
		}
		delete(c.byID, f.ID)
		if f.Kind == message.KindResolve {
			h.settle(f.Value, nil)
		} else {
			h.settle(nil, &RemoteError{Value: f.Value})
		}
		c.maybeFinish()
	case message.KindEndServe:
		return c.onEndServe(), nil
	default:
		return nil, &ProtocolError{Err: ErrUnexpectedFrame, Frame: f}
	}
	return nil, nil
}

// EndCall stops accepting new calls and returns the EndCall frame. It is a
// no-op unless the caller is Callable.
func (c *Caller) EndCall() []*message.Frame {
	if c.status != Callable {
		return nil
	}
	c.status = CallerEnding
	close(c.ending)
	return []*message.Frame{message.EndCall()}
}

// The remote will answer nothing that has not been answered yet, except for
// calls already accepted as pending.
func (c *Caller) onEndServe() []*message.Frame {
	var out []*message.Frame
	switch c.status {
	case CallerDisabled, CallerFinished:
		return nil
	case Callable:
		out = append(out, message.EndCall())
		close(c.ending)
	}
	c.status = CallerDisabled
	for h := c.pop(); h != nil; h = c.pop() {
		h.settle(nil, aborted(ErrAbortedBeforeResponse, nil))
	}
	c.maybeFinish()
	return out
}

// maybeFinish moves a Disabled caller with nothing pending to Finished.
// An Ending caller waits for EndServe, which the remote owes in reply to
// EndCall.
func (c *Caller) maybeFinish() {
	if c.status == CallerDisabled && len(c.fifo) == 0 && len(c.byID) == 0 {
		c.finish()
	}
}

func (c *Caller) finish() {
	c.status = CallerFinished
	close(c.done)
}

// ForceAbort fails every outstanding call with reason and finishes.
func (c *Caller) ForceAbort(reason error) {
	if c.status == CallerFinished {
		return
	}
	if c.status == Callable {
		close(c.ending)
	}
	for h := c.pop(); h != nil; h = c.pop() {
		h.settle(nil, aborted(ErrAbortedBeforeResponse, reason))
	}
	for id, h := range c.byID {
		delete(c.byID, id)
		h.settle(nil, aborted(ErrAbortedAfterAccept, reason))
	}
	c.finish()
}
