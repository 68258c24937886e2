// Package server accepts connections and runs one session per connection.
//
// Request processing pipeline:
//
//	Accept conn → transport.Stream → session.Session (event loop)
//	  → Resolve("Service.Method") → Middleware Chain → businessHandler (reflect.Call)
//
// Service methods run on their own goroutine and answer asynchronously
// unless WithSyncMethods is set. The server resolves commands for every
// session it owns, so a connected peer is both its client and, through
// WithOnSession, a server the process can call back.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"duplex-rpc/middleware"
	"duplex-rpc/registry"
	"duplex-rpc/session"
	"duplex-rpc/transport"
)

var ErrServerClosed = errors.New("server: closed")

type published struct {
	service string
	addr    string
}

// Server registers services and serves them over sessions.
type Server struct {
	opts   options
	router *session.Router // static commands added with Handle

	mu          sync.RWMutex
	serviceMap  map[string]*service // "Arith" → *service
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middleware(middleware(...(businessHandler)))
	listeners   map[net.Listener]struct{}
	sessions    map[*session.Session]struct{}
	published   []published
	shutdown    atomic.Bool
}

func NewServer(opts ...Option) *Server {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	svr := &Server{
		opts:       o,
		router:     session.NewRouter(),
		serviceMap: make(map[string]*service),
		listeners:  make(map[net.Listener]struct{}),
		sessions:   make(map[*session.Session]struct{}),
	}
	svr.handler = svr.businessHandler
	return svr
}

// Register exposes the exported methods of rcvr (e.g. &Arith{}) as
// "Arith.Method" commands.
func (svr *Server) Register(rcvr any) error {
	svc, err := newService(rcvr)
	if err != nil {
		return err
	}
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if _, dup := svr.serviceMap[svc.name]; dup {
		return fmt.Errorf("server: service %s already registered", svc.name)
	}
	svr.serviceMap[svc.name] = svc
	return nil
}

// Handle registers a static command. Static commands take precedence over
// services and also pass through the middleware chain.
func (svr *Server) Handle(name string, cmd session.Command) {
	svr.router.Handle(name, cmd)
}

// Use appends a middleware. Middlewares run in the order they are added:
// Use(A); Use(B) executes A.before → B.before → handler → B.after → A.after.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	svr.middlewares = append(svr.middlewares, mw)
	svr.handler = middleware.Chain(svr.middlewares...)(svr.businessHandler)
}

// Resolve implements session.Resolver.
func (svr *Server) Resolve(name string) (session.Command, bool) {
	if _, ok := svr.router.Resolve(name); !ok {
		if _, _, err := svr.lookup(name); err != nil {
			return nil, false
		}
	}
	svr.mu.RLock()
	h := svr.handler
	svr.mu.RUnlock()
	return middleware.Command(name, h), true
}

func (svr *Server) lookup(name string) (*service, *methodType, error) {
	serviceName, methodName, ok := strings.Cut(name, ".")
	if !ok {
		return nil, nil, fmt.Errorf("invalid service method format %q", name)
	}
	svr.mu.RLock()
	svc := svr.serviceMap[serviceName]
	svr.mu.RUnlock()
	if svc == nil {
		return nil, nil, fmt.Errorf("service %s not found", serviceName)
	}
	mt := svc.method[methodName]
	if mt == nil {
		return nil, nil, fmt.Errorf("method %s not found", name)
	}
	return svc, mt, nil
}

// businessHandler dispatches to a static command or a service method. It
// is wrapped by the middleware chain.
func (svr *Server) businessHandler(ctx context.Context, req *middleware.Request) (any, error) {
	if cmd, ok := svr.router.Resolve(req.Name); ok {
		return cmd(ctx, req.Args)
	}
	svc, mt, err := svr.lookup(req.Name)
	if err != nil {
		return nil, err
	}
	if svr.opts.syncMethods {
		return svc.call(ctx, mt, req.Args)
	}
	return session.Go(func() (any, error) {
		v, err := svc.call(ctx, mt, req.Args)
		return middleware.Await(ctx, v, err)
	}), nil
}

// ListenAndServe listens on addr and calls Serve.
func (svr *Server) ListenAndServe(network, addr string) error {
	lis, err := net.Listen(network, addr)
	if err != nil {
		return err
	}
	return svr.Serve(lis)
}

// Serve accepts connections on lis until Shutdown. Services are published
// to the registry first, if one is configured. Serve returns nil after
// Shutdown.
func (svr *Server) Serve(lis net.Listener) error {
	svr.mu.Lock()
	if svr.shutdown.Load() {
		svr.mu.Unlock()
		lis.Close()
		return ErrServerClosed
	}
	svr.listeners[lis] = struct{}{}
	svr.mu.Unlock()

	if err := svr.publish(lis.Addr().String()); err != nil {
		lis.Close()
		return err
	}
	svr.opts.logger.Info("serving", zap.Stringer("addr", lis.Addr()))

	for {
		conn, err := lis.Accept()
		if err != nil {
			// Shutdown closes the listener; that Accept error is expected.
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		go svr.handleConn(conn)
	}
}

func (svr *Server) publish(listenAddr string) error {
	reg := svr.opts.registry
	if reg == nil {
		return nil
	}
	addr := svr.opts.advertise
	if addr == "" {
		addr = listenAddr
	}
	svr.mu.RLock()
	names := make([]string, 0, len(svr.serviceMap))
	for name := range svr.serviceMap {
		names = append(names, name)
	}
	svr.mu.RUnlock()

	inst := registry.ServiceInstance{
		Addr:      addr,
		Weight:    svr.opts.weight,
		Version:   svr.opts.version,
		Handshake: svr.opts.handshake,
	}
	for _, name := range names {
		if err := reg.Register(context.Background(), name, inst, svr.opts.ttl); err != nil {
			return fmt.Errorf("server: register %s: %w", name, err)
		}
		svr.mu.Lock()
		svr.published = append(svr.published, published{service: name, addr: addr})
		svr.mu.Unlock()
	}
	return nil
}

func (svr *Server) handleConn(conn net.Conn) {
	stream := transport.NewStream(conn,
		transport.WithHandshake(svr.opts.handshake),
		transport.WithLogger(svr.opts.logger))
	if _, err := svr.ServeTransport(stream); err != nil {
		svr.opts.logger.Debug("connection rejected", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
	}
}

// ServeTransport runs a session over t, for example one end of a
// transport.Pipe.
func (svr *Server) ServeTransport(t session.Transport) (*session.Session, error) {
	opts := append([]session.Option{session.WithLogger(svr.opts.logger)}, svr.opts.sessionOpts...)
	sess, err := session.New(t, svr, opts...)
	if err != nil {
		t.Dispose(err)
		return nil, err
	}

	svr.mu.Lock()
	if svr.shutdown.Load() {
		svr.mu.Unlock()
		sess.Dispose(ErrServerClosed)
		return nil, ErrServerClosed
	}
	svr.sessions[sess] = struct{}{}
	svr.mu.Unlock()

	go func() {
		<-sess.Done()
		svr.mu.Lock()
		delete(svr.sessions, sess)
		svr.mu.Unlock()
		if err := sess.Err(); err != nil {
			svr.opts.logger.Debug("session ended", zap.Error(err))
		}
	}()
	if svr.opts.onSession != nil {
		svr.opts.onSession(sess)
	}
	return sess, nil
}

// NumSessions reports the number of live sessions.
func (svr *Server) NumSessions() int {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	return len(svr.sessions)
}

// Shutdown performs graceful shutdown:
//  1. Deregister all services (clients stop routing to this server)
//  2. Set the shutdown flag and close the listeners
//  3. Close every session, waiting for pending results; sessions still
//     open when ctx expires are disposed
func (svr *Server) Shutdown(ctx context.Context) error {
	svr.mu.Lock()
	if svr.shutdown.Swap(true) {
		svr.mu.Unlock()
		return nil
	}
	pubs := svr.published
	svr.published = nil
	listeners := make([]net.Listener, 0, len(svr.listeners))
	for lis := range svr.listeners {
		listeners = append(listeners, lis)
	}
	sessions := make([]*session.Session, 0, len(svr.sessions))
	for sess := range svr.sessions {
		sessions = append(sessions, sess)
	}
	svr.mu.Unlock()

	for _, p := range pubs {
		if err := svr.opts.registry.Deregister(ctx, p.service, p.addr); err != nil {
			svr.opts.logger.Warn("deregister failed", zap.String("service", p.service), zap.Error(err))
		}
	}
	for _, lis := range listeners {
		lis.Close()
	}

	var g errgroup.Group
	for _, sess := range sessions {
		g.Go(func() error { return sess.Close(ctx) })
	}
	return g.Wait()
}
