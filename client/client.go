// Package client talks to a discovery server.
//
// Client is a stateless stub for the two discovery calls. Session keeps a
// service registered: it locates the server (configuration, multicast beacon
// or a locator), registers, and re-registers at the cadence the server asks for.
// Resolver picks one instance of a service among the FindService results.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"sync"
	"time"

	"mini-discovery/api"
	"mini-discovery/codec"
	"mini-discovery/message"
	"mini-discovery/middleware"
	"mini-discovery/transport"

	"go.uber.org/zap"
)

const (
	DefaultRequestTimeout = 5 * time.Second
	DefaultMaxRetries     = 2
	DefaultRetryDelay     = 100 * time.Millisecond
)

var ErrClientClosed = errors.New("client: closed")

type options struct {
	codec          codec.CodecType
	tlsConfig      *tls.Config
	heartbeat      time.Duration
	requestTimeout time.Duration
	maxRetries     int
	retryDelay     time.Duration
	middlewares    []middleware.Middleware
	logger         *zap.Logger
}

type Option func(*options)

func WithCodec(ct codec.CodecType) Option {
	return func(o *options) { o.codec = ct }
}

func WithTLS(cfg *tls.Config) Option {
	return func(o *options) { o.tlsConfig = cfg }
}

func WithHeartbeat(d time.Duration) Option {
	return func(o *options) { o.heartbeat = d }
}

// WithRequestTimeout bounds every attempt of a call.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.requestTimeout = d
		}
	}
}

// WithRetry sets how often a call failing for transport reasons is repeated.
func WithRetry(maxRetries int, baseDelay time.Duration) Option {
	return func(o *options) {
		o.maxRetries = maxRetries
		o.retryDelay = baseDelay
	}
}

// WithMiddleware adds layers inside the built-in logging, retry and timeout ones.
func WithMiddleware(mw ...middleware.Middleware) Option {
	return func(o *options) { o.middlewares = append(o.middlewares, mw...) }
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Client calls one discovery server. The connection is dialed on first use and
// redialed after it breaks. Failures never escape as errors from
// RegisterService and FindService; they come back with Ok == false.
type Client struct {
	addr   string
	opts   options
	logger *zap.Logger

	handler middleware.HandlerFunc

	mu     sync.Mutex
	tr     *transport.ClientTransport
	closed bool
}

func New(addr string, opts ...Option) *Client {
	o := options{
		codec:          codec.CodecTypeJSON,
		heartbeat:      transport.DefaultHeartbeat,
		requestTimeout: DefaultRequestTimeout,
		maxRetries:     DefaultMaxRetries,
		retryDelay:     DefaultRetryDelay,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	c := &Client{
		addr:   addr,
		opts:   o,
		logger: o.logger.Named("client").With(zap.String("server", addr)),
	}
	chain := append([]middleware.Middleware{
		middleware.LoggingMiddleware(c.logger),
		middleware.RetryMiddleware(o.maxRetries, o.retryDelay, c.logger),
		middleware.TimeOutMiddleware(o.requestTimeout),
	}, o.middlewares...)
	c.handler = middleware.Chain(chain...)(c.invoke)
	return c
}

func (c *Client) Addr() string {
	return c.addr
}

func (c *Client) RegisterService(ctx context.Context, dto *api.ServiceDto) api.RegisterServiceResponse {
	var resp api.RegisterServiceResponse
	if err := c.Call(ctx, api.MethodRegisterService, dto, &resp); err != nil {
		return api.RegisterServiceResponse{Error: err.Error()}
	}
	return resp
}

func (c *Client) FindService(ctx context.Context, name, scope string) api.FindServiceResponse {
	var resp api.FindServiceResponse
	if err := c.Call(ctx, api.MethodFindService, &api.FindServiceRequest{Name: name, Scope: scope}, &resp); err != nil {
		return api.FindServiceResponse{Error: err.Error()}
	}
	return resp
}

// Call runs one request through the middleware chain.
func (c *Client) Call(ctx context.Context, serviceMethod string, args, reply any) error {
	req, err := message.NewRequest(serviceMethod, args)
	if err != nil {
		return err
	}
	resp := c.handler(ctx, req)
	if err := resp.Err(); err != nil {
		return err
	}
	return resp.DecodePayload(reply)
}

func (c *Client) invoke(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	tr, err := c.transport(ctx)
	if err != nil {
		return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Error: err.Error()}
	}
	return tr.Invoke(ctx, req)
}

func (c *Client) transport(ctx context.Context) (*transport.ClientTransport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}
	if c.tr != nil {
		select {
		case <-c.tr.Done():
			c.logger.Debug("connection lost, redialing", zap.Error(c.tr.Err()))
			c.tr = nil
		default:
			return c.tr, nil
		}
	}
	tr, err := transport.Dial(ctx, c.addr,
		transport.WithCodec(c.opts.codec),
		transport.WithTLS(c.opts.tlsConfig),
		transport.WithHeartbeat(c.opts.heartbeat),
		transport.WithLogger(c.opts.logger),
	)
	if err != nil {
		return nil, err
	}
	c.tr = tr
	return tr, nil
}

// Close drops the connection. Later calls fail with ErrClientClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.tr == nil {
		return nil
	}
	err := c.tr.Close()
	c.tr = nil
	return err
}
