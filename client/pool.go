package client

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"duplex-rpc/registry"
	"duplex-rpc/session"
)

var ErrPoolClosed = errors.New("client: pool closed")

// Factory opens a session to an instance.
type Factory func(ctx context.Context, inst registry.ServiceInstance) (*session.Session, error)

// Pool keeps up to size multiplexed sessions per address. Sessions are
// created lazily, handed out round robin and replaced once they stop
// accepting calls.
type Pool struct {
	mu      sync.Mutex
	entries map[string]*entry
	size    int
	factory Factory
	closed  bool
}

type entry struct {
	mu       sync.Mutex
	sessions []*session.Session
	next     int
}

func NewPool(size int, factory Factory) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		entries: make(map[string]*entry),
		size:    size,
		factory: factory,
	}
}

// Get returns a session to inst, dialing a new one while the address has
// fewer than size live sessions.
func (p *Pool) Get(ctx context.Context, inst registry.ServiceInstance) (*session.Session, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	e, ok := p.entries[inst.Addr]
	if !ok {
		e = &entry{}
		p.entries[inst.Addr] = e
	}
	p.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.prune()
	if len(e.sessions) < p.size {
		sess, err := p.factory(ctx, inst)
		switch {
		case err != nil:
			if len(e.sessions) == 0 {
				return nil, err
			}
		case p.isClosed():
			// Close may have drained this entry while dialing.
			sess.Dispose(ErrPoolClosed)
			return nil, ErrPoolClosed
		default:
			e.sessions = append(e.sessions, sess)
		}
	}
	sess := e.sessions[e.next%len(e.sessions)]
	e.next++
	return sess, nil
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// prune drops sessions that no longer accept calls.
func (e *entry) prune() {
	live := e.sessions[:0]
	for _, s := range e.sessions {
		select {
		case <-s.Ending():
		default:
			live = append(live, s)
		}
	}
	clear(e.sessions[len(live):])
	e.sessions = live
}

// Len reports the number of live sessions to addr.
func (p *Pool) Len(addr string) int {
	p.mu.Lock()
	e := p.entries[addr]
	p.mu.Unlock()
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prune()
	return len(e.sessions)
}

// Close closes every pooled session gracefully. Sessions still open when
// ctx expires are disposed.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	entries := p.entries
	p.entries = make(map[string]*entry)
	p.mu.Unlock()

	var g errgroup.Group
	for _, e := range entries {
		e.mu.Lock()
		for _, s := range e.sessions {
			g.Go(func() error { return s.Close(ctx) })
		}
		e.sessions = nil
		e.mu.Unlock()
	}
	return g.Wait()
}
