package session

import (
	"context"
	"fmt"
	"sync"
)

// Call is the handle of one outgoing call. It completes exactly once, with
// the returned value, a *RemoteError, or one of the abort errors.
type Call struct {
	Args []any // command name followed by its arguments

	done     chan struct{}
	value    any
	err      error
	accepted bool
	id       uint64
}

func newCall(args []any) *Call {
	return &Call{Args: args, done: make(chan struct{})}
}

// Done is closed when the call completes.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Result blocks until the call completes and returns its outcome.
func (c *Call) Result() (any, error) {
	<-c.done
	return c.value, c.err
}

// Wait is like Result but gives up when ctx is done. Giving up does not
// cancel the call; its pending entry lives until the session settles or
// aborts it.
func (c *Call) Wait(ctx context.Context) (any, error) {
	select {
	case <-c.done:
		return c.value, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Call) settle(v any, err error) {
	select {
	case <-c.done:
		return
	default:
	}
	c.value, c.err = v, err
	close(c.done)
}

// Deferred is an eventual result. A command returning a *Deferred is
// answered with AsyncPending and settled later with Resolve or Reject.
// Deferred is safe for concurrent use.
type Deferred struct {
	once  sync.Once
	done  chan struct{}
	value any
	err   error
}

// NewDeferred returns an unsettled Deferred.
func NewDeferred() *Deferred {
	return &Deferred{done: make(chan struct{})}
}

// Resolve settles d with v. It reports false if d was already settled.
func (d *Deferred) Resolve(v any) bool {
	return d.settle(v, nil)
}

// Reject settles d with err. It reports false if d was already settled.
func (d *Deferred) Reject(err error) bool {
	if err == nil {
		err = errNilRejection
	}
	return d.settle(nil, err)
}

func (d *Deferred) settle(v any, err error) bool {
	ok := false
	d.once.Do(func() {
		d.value, d.err = v, err
		close(d.done)
		ok = true
	})
	return ok
}

// Done is closed once d is settled.
func (d *Deferred) Done() <-chan struct{} {
	return d.done
}

// Result blocks until d is settled.
func (d *Deferred) Result() (any, error) {
	<-d.done
	return d.value, d.err
}

// Go runs fn on a new goroutine and returns its eventual result. A panic in
// fn rejects the result.
func Go(fn func() (any, error)) *Deferred {
	d := NewDeferred()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.Reject(fmt.Errorf("panic: %v", r))
			}
		}()
		v, err := fn()
		if err != nil {
			d.Reject(err)
			return
		}
		d.Resolve(v)
	}()
	return d
}
