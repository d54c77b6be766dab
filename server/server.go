// Package server implements the RPC server: a table of named services, the
// dispatcher that routes each request to a method, and the endpoint
// lifecycle that advertises services on start and withdraws them on shutdown.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → for each request: go handleRequest (parallel processing)
//	    → Codec.Decode → Middleware Chain → dispatch → Invocable → reply frame
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"dotrpc/callpath"
	"dotrpc/codec"
	"dotrpc/discovery"
	"dotrpc/logging"
	"dotrpc/message"
	"dotrpc/middleware"
	"dotrpc/protocol"
	"dotrpc/registry"
)

// ShutdownCommand as the service segment of a path shuts the server down.
const ShutdownCommand = message.ShutdownCommand

// ErrServerClosed is returned by operations on a server that is shutting
// down or stopped.
var ErrServerClosed = errors.New("server: closed")

type State int32

const (
	StateCreated State = iota
	StateStarting
	StateListening
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateShuttingDown:
		return "shutting down"
	case StateStopped:
		return "stopped"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// Server owns one listener and the services it dispatches to. Servers in the
// same process are independent.
type Server struct {
	opts     Options
	resolver *discovery.Resolver
	log      *zap.Logger

	mu       sync.RWMutex       // Guards services
	services map[string]Service // ServiceName → Service

	lifecycle   sync.Mutex              // Serializes Start, Shutdown and AddService
	state       atomic.Int32            // Current State
	listener    net.Listener            // TCP listener, set by Start
	addr        string                  // Address advertised to the registry
	middlewares []middleware.Middleware // Registered middlewares (applied in order)
	handler     middleware.HandlerFunc  // Logging(user(...(Recovery(dispatch))))
	done        chan struct{}

	unreplied rate.Sometimes // Throttles warnings about requests that never got a reply
}

// NewServer creates a server that advertises through resolver. The server
// closes resolver on shutdown.
func NewServer(resolver *discovery.Resolver, opts Options) *Server {
	opts = opts.withDefaults()
	return &Server{
		opts:      opts,
		resolver:  resolver,
		log:       logging.OrDefault(opts.Logger, opts.Debug).Named("server"),
		services:  make(map[string]Service),
		done:      make(chan struct{}),
		unreplied: rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
}

// AddService registers a service definition: a Service, or a pointer to a
// struct whose exported methods become callable. The service is keyed by its
// name with the first rune lower-cased; a service of the same name is
// replaced. Added while listening, it is advertised right away.
func (svr *Server) AddService(def any) error {
	svc, err := NewService(def)
	if err != nil {
		return err
	}
	name := NormalizeName(svc.ServiceName())
	if name == "" {
		return fmt.Errorf("%w: empty service name", ErrNotAService)
	}

	// Holding lifecycle keeps Shutdown from missing a service advertised
	// after it took its list of names.
	svr.lifecycle.Lock()
	defer svr.lifecycle.Unlock()
	if svr.State() >= StateShuttingDown {
		return ErrServerClosed
	}

	svr.mu.Lock()
	svr.services[name] = svc
	svr.mu.Unlock()
	svr.log.Debug("service added", zap.String("service", name))

	if svr.State() == StateListening {
		svr.advertise(name)
	}
	return nil
}

// AddServices adds each definition in order and stops at the first failure.
func (svr *Server) AddServices(defs ...any) error {
	for _, def := range defs {
		if err := svr.AddService(def); err != nil {
			return err
		}
	}
	return nil
}

// Use registers a middleware. Middlewares are applied in the order they are
// added and must be registered before Start.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Start binds the listener, begins accepting connections and advertises
// every registered service. If the listener cannot be bound the server stays
// in StateCreated.
func (svr *Server) Start() error {
	svr.lifecycle.Lock()
	defer svr.lifecycle.Unlock()

	if !svr.state.CompareAndSwap(int32(StateCreated), int32(StateStarting)) {
		return fmt.Errorf("server: cannot start in state %s", svr.State())
	}

	ln, err := svr.listen()
	if err != nil {
		svr.setState(StateCreated)
		return err
	}

	// Build the middleware chain once at startup (not per-request)
	chain := make([]middleware.Middleware, 0, len(svr.middlewares)+2)
	chain = append(chain, middleware.LoggingMiddleware(svr.log))
	chain = append(chain, svr.middlewares...)
	chain = append(chain, middleware.RecoveryMiddleware(svr.log))
	svr.handler = middleware.Chain(chain...)(svr.dispatch)

	svr.listener = ln
	svr.addr = svr.opts.advertiseAddr(ln.Addr().(*net.TCPAddr).Port)
	svr.setState(StateListening)
	svr.log.Info("listening", zap.String("listen", ln.Addr().String()), zap.String("advertise", svr.addr))

	go svr.acceptLoop(ln)

	for _, name := range svr.serviceNames() {
		svr.advertise(name)
	}
	return nil
}

// listen binds the preferred port, falling back to any free port.
func (svr *Server) listen() (net.Listener, error) {
	if svr.opts.Port > 0 {
		ln, err := net.Listen("tcp", net.JoinHostPort(svr.opts.Host, strconv.Itoa(svr.opts.Port)))
		if err == nil {
			return ln, nil
		}
		svr.log.Info("preferred port unavailable", zap.Int("port", svr.opts.Port), zap.Error(err))
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(svr.opts.Host, "0"))
	if err != nil {
		return nil, fmt.Errorf("server: listen: %w", err)
	}
	return ln, nil
}

// Serve starts the server and blocks until it is stopped.
func (svr *Server) Serve() error {
	if err := svr.Start(); err != nil {
		return err
	}
	<-svr.done
	return nil
}

func (svr *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			// Closing the listener during shutdown makes Accept fail.
			if svr.State() < StateShuttingDown {
				svr.log.Error("accept failed", zap.Error(err))
			}
			return
		}
		go svr.handleConn(conn)
	}
}

// Shutdown stops accepting connections, withdraws every service and closes
// the resolver. Connections already open are left to drain. Registry
// failures are logged, never returned. Calling it again is a no-op.
func (svr *Server) Shutdown() {
	svr.lifecycle.Lock()
	defer svr.lifecycle.Unlock()

	prev := svr.State()
	if prev >= StateShuttingDown {
		return
	}
	svr.setState(StateShuttingDown)

	var errs error
	if svr.listener != nil {
		if err := svr.listener.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close listener: %w", err))
		}
	}

	if prev == StateListening {
		for _, name := range svr.serviceNames() {
			ctx, cancel := context.WithTimeout(context.Background(), svr.opts.Shutdown)
			errs = multierr.Append(errs, svr.resolver.Withdraw(ctx, name, svr.addr))
			cancel()
		}
	}
	errs = multierr.Append(errs, svr.resolver.Close())
	if errs != nil {
		svr.log.Warn("shutdown incomplete", zap.Errors("errors", multierr.Errors(errs)))
	}

	svr.setState(StateStopped)
	close(svr.done)
	svr.log.Info("stopped")
}

func (svr *Server) advertise(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()

	inst := registry.ServiceInstance{Addr: svr.addr, Weight: svr.opts.Weight, Version: svr.opts.Version}
	if err := svr.resolver.Advertise(ctx, name, inst, svr.opts.TTL); err != nil {
		svr.log.Warn("advertise failed", zap.String("service", name), zap.Error(err))
	}
}

// State reports the lifecycle state.
func (svr *Server) State() State {
	return State(svr.state.Load())
}

func (svr *Server) setState(s State) {
	svr.state.Store(int32(s))
}

// Addr is the address advertised for this server's services, empty before
// Start.
func (svr *Server) Addr() string {
	svr.lifecycle.Lock()
	defer svr.lifecycle.Unlock()
	return svr.addr
}

// Done is closed once the server is stopped.
func (svr *Server) Done() <-chan struct{} {
	return svr.done
}

func (svr *Server) serviceNames() []string {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	names := make([]string, 0, len(svr.services))
	for name := range svr.services {
		names = append(names, name)
	}
	return names
}

func (svr *Server) lookup(name string) (Service, bool) {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	svc, ok := svr.services[name]
	return svc, ok
}

// conn is the per-connection state shared by the requests read from it.
type conn struct {
	net.Conn
	writeMu sync.Mutex // Serializes response frames
	pending sync.Map   // *pendingRequest → struct{}, requests not replied yet
}

type pendingRequest struct {
	path  string
	start time.Time
}

// handleConn processes a single TCP connection.
// It runs a read loop in a single goroutine (reads must be sequential to parse frame boundaries),
// but dispatches each request to its own goroutine for parallel processing.
func (svr *Server) handleConn(nc net.Conn) {
	c := &conn{Conn: nc}
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.Close()
		svr.reportUnreplied(c)
	}()

	for {
		header, body, err := protocol.Decode(c)
		if err != nil {
			return // Connection closed or protocol error
		}
		if header.MsgType != protocol.MsgTypeRequest {
			continue
		}
		go svr.handleRequest(ctx, c, header, body)
	}
}

func (svr *Server) handleRequest(ctx context.Context, c *conn, header *protocol.Header, body []byte) {
	var req message.Request
	if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, &req); err != nil {
		// An undecodable envelope is dispatched as an empty path.
		svr.log.Debug("undecodable request", zap.Uint32("seq", header.Seq), zap.Error(err))
		req = message.Request{}
	}

	pr := &pendingRequest{path: req.Path, start: time.Now()}
	if !svr.isShutdownCommand(req.Path) {
		c.pending.Store(pr, struct{}{})
	}

	var replied atomic.Bool
	reply := func(v any) {
		if !replied.CompareAndSwap(false, true) {
			svr.log.Debug("extra reply dropped", zap.String("path", req.Path))
			return
		}
		c.pending.Delete(pr)

		out, err := message.EncodeReply(v)
		if err != nil {
			out = []byte(err.Error())
		}
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		// Same seq as the request, so the client can match it
		h := protocol.Header{CodecType: header.CodecType, MsgType: protocol.MsgTypeResponse, Seq: header.Seq}
		if err := protocol.Encode(c, &h, out); err != nil {
			svr.log.Debug("reply not delivered", zap.String("path", req.Path), zap.Error(err))
		}
	}

	svr.handler(ctx, &middleware.Call{Path: req.Path, Payload: req.Data, Reply: reply})
}

func (svr *Server) reportUnreplied(c *conn) {
	c.pending.Range(func(key, _ any) bool {
		pr := key.(*pendingRequest)
		svr.unreplied.Do(func() {
			svr.log.Warn("connection closed before handler replied",
				zap.String("path", pr.path),
				zap.Duration("age", time.Since(pr.start)),
				zap.String("remote", c.RemoteAddr().String()))
		})
		return true
	})
}

func (svr *Server) isShutdownCommand(path string) bool {
	return callpath.Split(path, svr.opts.Delimiter)[0] == ShutdownCommand
}

// dispatch routes one call. The checks run in order and the first failing
// one replies with its error token.
func (svr *Server) dispatch(ctx context.Context, call *middleware.Call) {
	if strings.TrimSpace(call.Path) == "" {
		call.Reply(message.ErrInvalidPath.Error())
		return
	}

	if svr.isShutdownCommand(call.Path) {
		svr.log.Info("shutdown requested")
		svr.Shutdown()
		return
	}

	segments := callpath.Split(call.Path, svr.opts.Delimiter)
	svc, ok := svr.lookup(segments[0])
	if !ok {
		call.Reply(message.ErrInvalidService.Error())
		return
	}
	if len(segments) < 2 || strings.TrimSpace(segments[1]) == "" {
		call.Reply(message.ErrMissingMethod.Error())
		return
	}
	method := segments[1]
	if strings.HasPrefix(method, callpath.ReservedPrefix) {
		call.Reply(message.ErrInvalidMethod.Error())
		return
	}
	fn, ok := svc.Method(method)
	if !ok {
		call.Reply(message.ErrInvalidMethod.Error())
		return
	}

	fut := fn(ctx, call.Payload, call.Reply)
	if fut == nil {
		return
	}
	v, err := fut.Await(ctx)
	switch {
	case ctx.Err() != nil:
		// The connection is gone, nobody is left to reply to.
	case err != nil:
		call.Reply(err.Error())
	case v != nil:
		call.Reply(v)
	}
}
