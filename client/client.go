// Package client sends calls to services found through the registry.
//
// Every call resolves its service, dials a connection of its own, sends one
// request frame and waits for one of: the reply, a transport error, or the
// timeout. Exactly one of them reaches the callback; the connection is closed
// before the callback runs.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	uuid "github.com/satori/go.uuid"
	"go.uber.org/zap"

	"dotrpc/callpath"
	"dotrpc/codec"
	"dotrpc/discovery"
	"dotrpc/future"
	"dotrpc/logging"
	"dotrpc/message"
	"dotrpc/transport"
)

type Options struct {
	Delimiter string        // Path delimiter, "." by default
	Debug     bool          // Debug logging when Logger is nil
	Timeout   time.Duration // Per-call timeout, disabled when <= 0
	Codec     codec.CodecType
	Logger    *zap.Logger
}

// Callback receives the outcome of a call: the raw JSON result, or an error.
// Error replies from the server match the message sentinels under errors.Is;
// other reply text comes back as *message.RemoteError.
type Callback func(result json.RawMessage, err error)

type Client struct {
	opts     Options
	resolver *discovery.Resolver
	log      *zap.Logger
}

func NewClient(resolver *discovery.Resolver, opts Options) *Client {
	if opts.Delimiter == "" {
		opts.Delimiter = callpath.DefaultDelimiter
	}
	return &Client{
		opts:     opts,
		resolver: resolver,
		log:      logging.OrDefault(opts.Logger, opts.Debug).Named("client"),
	}
}

// pendingRequest is the state of one call until its outcome is delivered.
type pendingRequest struct {
	id        uuid.UUID
	path      string
	service   string
	payload   any
	cb        Callback
	conn      *transport.ClientTransport
	completed atomic.Bool
}

// finish delivers the outcome unless another one got there first.
func (p *pendingRequest) finish(result json.RawMessage, err error) bool {
	if !p.completed.CompareAndSwap(false, true) {
		return false
	}
	if p.conn != nil {
		p.conn.Close()
	}
	p.cb(result, err)
	return true
}

// Send calls path with payload and reports the outcome to cb exactly once.
// A malformed path is reported before Send returns, without any network
// activity; every other outcome arrives on another goroutine. A nil cb
// discards the outcome.
func (c *Client) Send(path string, payload any, cb Callback) {
	c.send(context.Background(), path, payload, cb)
}

func (c *Client) send(ctx context.Context, path string, payload any, cb Callback) {
	if cb == nil {
		cb = func(json.RawMessage, error) {}
	}
	cp, err := callpath.Parse(path, c.opts.Delimiter)
	if err != nil {
		cb(nil, err)
		return
	}

	p := &pendingRequest{
		id:      uuid.NewV4(),
		path:    path,
		service: cp.Service,
		payload: payload,
		cb:      cb,
	}
	go c.roundTrip(ctx, p)
}

func (c *Client) roundTrip(parent context.Context, p *pendingRequest) {
	log := c.log.With(zap.Stringer("call", p.id), zap.String("path", p.path))

	addr, err := c.resolver.ResolveAddress(parent, p.service)
	if err != nil {
		log.Debug("resolve failed", zap.Error(err))
		if parent.Err() != nil {
			p.finish(nil, parent.Err())
			return
		}
		p.finish(nil, message.ErrInvalidService)
		return
	}

	ctx, cancel := parent, context.CancelFunc(func() {})
	if c.opts.Timeout > 0 {
		ctx, cancel = context.WithTimeoutCause(parent, c.opts.Timeout, message.ErrRequestTimeout)
	}
	defer cancel()

	conn, err := c.dial(ctx, p.service, addr)
	if err != nil {
		if ctx.Err() != nil {
			err = cancelError(ctx)
		}
		log.Debug("dial failed", zap.Error(err))
		p.finish(nil, err)
		return
	}
	p.conn = conn

	// The timeout closes the connection, which unblocks Recv below.
	stop := context.AfterFunc(ctx, func() {
		if p.finish(nil, cancelError(ctx)) {
			log.Debug("call abandoned", zap.Error(context.Cause(ctx)))
		}
	})
	defer stop()

	start := time.Now()
	if _, err := conn.Send(p.path, p.payload); err != nil {
		p.finish(nil, err)
		return
	}
	_, body, err := conn.Recv()
	if err != nil {
		p.finish(nil, err)
		return
	}
	result, err := message.ClassifyReply(body)
	if p.finish(result, err) {
		log.Debug("reply", zap.String("addr", addr), zap.Duration("duration", time.Since(start)), zap.Error(err))
	}
}

// dial connects to addr. When that fails the address may have been
// withdrawn, so service is resolved afresh and dialed once more; a service
// that no longer resolves is reported as INVALID_SERVICE.
func (c *Client) dial(ctx context.Context, service, addr string) (*transport.ClientTransport, error) {
	conn, err := transport.Dial(ctx, addr, c.opts.Codec)
	if err == nil || ctx.Err() != nil {
		return conn, err
	}
	c.log.Debug("dial failed, resolving again", zap.String("service", service), zap.String("addr", addr), zap.Error(err))

	c.resolver.Invalidate(service)
	next, rerr := c.resolver.ResolveAddress(ctx, service)
	if rerr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, message.ErrInvalidService
	}
	return transport.Dial(ctx, next, c.opts.Codec)
}

// cancelError reports why ctx ended: REQUEST_TIMEOUT for the call timeout,
// the context error otherwise.
func cancelError(ctx context.Context) error {
	if errors.Is(context.Cause(ctx), message.ErrRequestTimeout) {
		return message.ErrRequestTimeout
	}
	return ctx.Err()
}

// Call is the blocking form of Send. The result is decoded into reply unless
// reply is nil. Cancelling ctx abandons the call and closes its connection.
func (c *Client) Call(ctx context.Context, path string, payload, reply any) error {
	f := future.New[json.RawMessage]()
	c.send(ctx, path, payload, func(result json.RawMessage, err error) {
		if err != nil {
			f.Reject(err)
			return
		}
		f.Resolve(result)
	})

	result, err := f.Result()
	if err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	return json.Unmarshal(result, reply)
}

// ShutdownServer sends the shutdown command to one server of service. It
// returns once the command is written; the server does not reply.
func (c *Client) ShutdownServer(ctx context.Context, service string) error {
	addr, err := c.resolver.ResolveAddress(ctx, service)
	if err != nil {
		return message.ErrInvalidService
	}
	conn, err := c.dial(ctx, service, addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.Send(message.ShutdownCommand, nil)
	return err
}

// Disconnect releases the resolver. Calls in flight run to completion.
func (c *Client) Disconnect() error {
	return c.resolver.Close()
}
