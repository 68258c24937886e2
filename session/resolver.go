package session

import (
	"context"
	"sync"
)

// Command is a callable exposed to the remote peer. args excludes the
// command name. Returning a *Deferred makes the result asynchronous.
//
// Commands run on the session's event loop and must not block on the same
// session; long or re-entrant work belongs in a Deferred, see Go.
type Command func(ctx context.Context, args []any) (any, error)

// Resolver maps a command name to a Command.
type Resolver interface {
	Resolve(name string) (Command, bool)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(name string) (Command, bool)

func (f ResolverFunc) Resolve(name string) (Command, bool) {
	return f(name)
}

// Router is a static routing table. It is safe for concurrent use.
type Router struct {
	mu     sync.RWMutex
	routes map[string]Command
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{routes: make(map[string]Command)}
}

// Handle registers cmd under name, replacing any previous command.
func (r *Router) Handle(name string, cmd Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[name] = cmd
}

// Remove unregisters name.
func (r *Router) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.routes, name)
}

func (r *Router) Resolve(name string) (Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.routes[name]
	return cmd, ok
}
