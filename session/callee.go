package session

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"duplex-rpc/idalloc"
	"duplex-rpc/message"
)

// CalleeStatus is the lifecycle state of the serving side.
type CalleeStatus int

const (
	Serving CalleeStatus = iota
	CalleeEnding
	CalleeFinished
)

func (s CalleeStatus) String() string {
	switch s {
	case Serving:
		return "serving"
	case CalleeEnding:
		return "ending"
	case CalleeFinished:
		return "finished"
	}
	return "unknown"
}

// Accepted is an asynchronous result the callee announced with
// AsyncPending. The owner must hand it back to Settle once Result is done.
type Accepted struct {
	ID     uint64
	Result *Deferred
}

// Callee executes incoming Call and Exec frames against a Resolver.
//
// Callee is not safe for concurrent use; a Session drives it from its loop.
type Callee struct {
	ctx      context.Context
	resolver Resolver
	logger   *zap.Logger
	status   CalleeStatus
	pending  *idalloc.Allocator[*Deferred]
	endSent  bool
	done     chan struct{}
}

// NewCallee returns a Serving callee. Commands receive ctx. maxPending
// bounds the number of unsettled asynchronous results.
func NewCallee(ctx context.Context, r Resolver, maxPending int) (*Callee, error) {
	pending, err := idalloc.New[*Deferred](maxPending)
	if err != nil {
		return nil, err
	}
	if r == nil {
		r = NewRouter()
	}
	return &Callee{
		ctx:      ctx,
		resolver: r,
		logger:   zap.NewNop(),
		pending:  pending,
		done:     make(chan struct{}),
	}, nil
}

func (c *Callee) Status() CalleeStatus {
	return c.status
}

// Done is closed once the callee is Finished.
func (c *Callee) Done() <-chan struct{} {
	return c.done
}

// Pending reports the number of unsettled asynchronous results.
func (c *Callee) Pending() int {
	return c.pending.Len()
}

// OnFrame applies a callee-bound frame. It returns the frames to send and,
// when a command answered asynchronously, the accepted result to watch.
func (c *Callee) OnFrame(f *message.Frame) ([]*message.Frame, *Accepted, error) {
	switch f.Kind {
	case message.KindCall:
		if c.status != Serving {
			return nil, nil, nil
		}
		v, err := c.invoke(f.Args)
		if err != nil {
			return one(message.Throw(err)), nil, nil
		}
		d, ok := v.(*Deferred)
		if !ok {
			return one(message.Return(v)), nil, nil
		}
		if d == nil {
			return one(message.Throw(ErrNilDeferred)), nil, nil
		}
		id, ok := c.pending.Allocate(d)
		if !ok {
			return one(message.Throw(errTooManyPending)), nil, nil
		}
		return one(message.AsyncPending(id)), &Accepted{ID: id, Result: d}, nil
	case message.KindExec:
		if c.status != Serving {
			return nil, nil, nil
		}
		if _, err := c.invoke(f.Args); err != nil {
			c.logger.Debug("exec failed", zap.Any("command", commandName(f.Args)), zap.Error(err))
		}
		return nil, nil, nil
	case message.KindEndCall:
		return c.EndServe(), nil, nil
	}
	return nil, nil, &ProtocolError{Err: ErrUnexpectedFrame, Frame: f}
}

func (c *Callee) invoke(args []any) (v any, err error) {
	if len(args) == 0 {
		return nil, errMissingCommand
	}
	name, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("command name must be a string, got %T", args[0])
	}
	cmd, ok := c.resolver.Resolve(name)
	if !ok {
		return nil, &CommandNotFoundError{Name: name}
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("command panicked", zap.String("command", name), zap.Any("panic", r))
			v, err = nil, fmt.Errorf("command %q panicked: %v", name, r)
		}
	}()
	return cmd(c.ctx, args[1:])
}

// Settle releases id and returns the Resolve or Reject frame for d. It
// returns nothing if id no longer refers to d, which happens after an abort.
func (c *Callee) Settle(id uint64, d *Deferred) []*message.Frame {
	cur, ok := c.pending.Get(id)
	if !ok || cur != d {
		return nil
	}
	c.pending.Release(id)
	var f *message.Frame
	if v, err := d.Result(); err != nil {
		f = message.Reject(id, err)
	} else {
		f = message.Resolve(id, v)
	}
	c.maybeFinish()
	return one(f)
}

// EndServe stops serving. New calls are dropped and EndServe is sent once;
// the callee finishes when every pending result is settled.
func (c *Callee) EndServe() []*message.Frame {
	if c.status == CalleeFinished {
		return nil
	}
	var out []*message.Frame
	if !c.endSent {
		c.endSent = true
		out = one(message.EndServe())
	}
	c.status = CalleeEnding
	c.maybeFinish()
	return out
}

// AbortServe drops every pending result and finishes.
func (c *Callee) AbortServe() {
	if c.status == CalleeFinished {
		return
	}
	c.pending.Clear()
	c.status = CalleeFinished
	close(c.done)
}

func (c *Callee) maybeFinish() {
	if c.status == CalleeEnding && c.pending.Len() == 0 {
		c.status = CalleeFinished
		close(c.done)
	}
}

func commandName(args []any) any {
	if len(args) == 0 {
		return nil
	}
	return args[0]
}

func one(f *message.Frame) []*message.Frame {
	return []*message.Frame{f}
}
