// Package transport is the client side of the discovery RPC connection.
//
// One ClientTransport multiplexes any number of concurrent calls over a single
// stream: every request carries a sequence number and a reader goroutine routes
// each response to the caller waiting on that number.
//
//	goroutine-1 ──Call(seq=1)──┐
//	goroutine-2 ──Call(seq=2)──┼──→ single conn ──→ server
//	goroutine-3 ──Call(seq=3)──┘
//
//	recvLoop:  ←── response(seq=2) → pending[2] → goroutine-2 wakes up
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"mini-discovery/codec"
	"mini-discovery/message"
	"mini-discovery/protocol"

	"go.uber.org/zap"
)

// ErrClosed is returned by calls on a transport whose connection is gone.
var ErrClosed = errors.New("transport closed")

const DefaultHeartbeat = 30 * time.Second

type options struct {
	codec     codec.CodecType
	heartbeat time.Duration
	tlsConfig *tls.Config
	logger    *zap.Logger
}

type Option func(*options)

func WithCodec(ct codec.CodecType) Option {
	return func(o *options) { o.codec = ct }
}

// WithHeartbeat sets the keep-alive period; zero or less disables it.
func WithHeartbeat(d time.Duration) Option {
	return func(o *options) { o.heartbeat = d }
}

// WithTLS makes Dial wrap the connection in TLS.
func WithTLS(cfg *tls.Config) Option {
	return func(o *options) { o.tlsConfig = cfg }
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

type ClientTransport struct {
	conn  net.Conn
	codec codec.Codec
	log   *zap.Logger

	sending sync.Mutex // serializes frames on conn; also guards seq
	seq     uint32
	pending sync.Map // uint32 -> chan *message.RPCMessage

	closeOnce sync.Once
	done      chan struct{}
	errMu     sync.Mutex
	err       error
}

// Dial connects to addr and starts the transport.
func Dial(ctx context.Context, addr string, opts ...Option) (*ClientTransport, error) {
	o := buildOptions(opts)
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	if o.tlsConfig != nil {
		tc := tls.Client(conn, o.tlsConfig)
		if err := tc.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("transport: tls handshake with %s: %w", addr, err)
		}
		conn = tc
	}
	return newClientTransport(conn, o)
}

// NewClientTransport starts a transport on an established connection.
func NewClientTransport(conn net.Conn, opts ...Option) (*ClientTransport, error) {
	return newClientTransport(conn, buildOptions(opts))
}

func buildOptions(opts []Option) options {
	o := options{codec: codec.CodecTypeJSON, heartbeat: DefaultHeartbeat, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func newClientTransport(conn net.Conn, o options) (*ClientTransport, error) {
	c, err := codec.Get(o.codec)
	if err != nil {
		conn.Close()
		return nil, err
	}
	t := &ClientTransport{
		conn:  conn,
		codec: c,
		log:   o.logger.Named("transport").With(zap.Stringer("remote", conn.RemoteAddr())),
		done:  make(chan struct{}),
	}
	go t.recvLoop()
	if o.heartbeat > 0 {
		go t.heartbeatLoop(o.heartbeat)
	}
	return t, nil
}

// Call sends one request and decodes the reply into reply. A remote handler
// error is returned as an error with the remote text.
func (t *ClientTransport) Call(ctx context.Context, serviceMethod string, args, reply any) error {
	req, err := message.NewRequest(serviceMethod, args)
	if err != nil {
		return err
	}
	seq, ch, err := t.send(req)
	if err != nil {
		return err
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return resp.Err()
		}
		if err := resp.DecodePayload(reply); err != nil {
			return fmt.Errorf("transport: decode reply of %s: %w", serviceMethod, err)
		}
		return nil
	case <-ctx.Done():
		t.pending.Delete(seq)
		return fmt.Errorf("transport: %s: %w", serviceMethod, ctx.Err())
	}
}

// Invoke sends a prepared envelope and waits for the response envelope.
// Failures are reported in the returned message, which suits middleware chains.
func (t *ClientTransport) Invoke(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	seq, ch, err := t.send(req)
	if err != nil {
		return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Error: err.Error()}
	}
	select {
	case resp := <-ch:
		return resp
	case <-ctx.Done():
		t.pending.Delete(seq)
		return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Error: "request timed out: " + ctx.Err().Error()}
	}
}

func (t *ClientTransport) send(req *message.RPCMessage) (uint32, <-chan *message.RPCMessage, error) {
	body, err := t.codec.Encode(req)
	if err != nil {
		return 0, nil, err
	}

	t.sending.Lock()
	defer t.sending.Unlock()
	select {
	case <-t.done:
		return 0, nil, t.Err()
	default:
	}

	t.seq++
	seq := t.seq
	// registered before writing so the reader cannot miss a fast response
	ch := make(chan *message.RPCMessage, 1)
	t.pending.Store(seq, ch)

	select {
	case <-t.done:
		if _, ok := t.pending.LoadAndDelete(seq); ok {
			return 0, nil, t.Err()
		}
	default:
	}

	h := &protocol.Header{CodecType: byte(t.codec.Type()), MsgType: protocol.MsgTypeRequest, Seq: seq}
	if err := protocol.Encode(t.conn, h, body); err != nil {
		t.pending.Delete(seq)
		t.fail(fmt.Errorf("%w: write: %v", ErrClosed, err))
		return 0, nil, t.Err()
	}
	return seq, ch, nil
}

func (t *ClientTransport) recvLoop() {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.fail(fmt.Errorf("%w: %v", ErrClosed, err))
			return
		}
		if header.MsgType != protocol.MsgTypeResponse {
			continue
		}

		resp := &message.RPCMessage{}
		if c, err := codec.Get(codec.CodecType(header.CodecType)); err != nil {
			resp.Error = err.Error()
		} else if err := c.Decode(body, resp); err != nil {
			resp.Error = "transport: bad response body: " + err.Error()
		}
		if ch, ok := t.pending.LoadAndDelete(header.Seq); ok {
			ch.(chan *message.RPCMessage) <- resp
		}
	}
}

func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
		t.sending.Lock()
		err := protocol.Encode(t.conn, &protocol.Header{CodecType: byte(t.codec.Type()), MsgType: protocol.MsgTypeHeartbeat}, nil)
		t.sending.Unlock()
		if err != nil {
			t.fail(fmt.Errorf("%w: heartbeat: %v", ErrClosed, err))
			return
		}
	}
}

// fail closes the transport once and releases every waiting caller with err.
func (t *ClientTransport) fail(err error) {
	t.closeOnce.Do(func() {
		t.errMu.Lock()
		t.err = err
		t.errMu.Unlock()
		close(t.done)
		t.conn.Close()
		t.log.Debug("transport closed", zap.Error(err))

		t.pending.Range(func(key, _ any) bool {
			if ch, ok := t.pending.LoadAndDelete(key); ok {
				ch.(chan *message.RPCMessage) <- &message.RPCMessage{Error: err.Error()}
			}
			return true
		})
	})
}

// Close closes the connection. Pending calls fail with ErrClosed.
func (t *ClientTransport) Close() error {
	t.fail(ErrClosed)
	return nil
}

// Done is closed once the connection is gone.
func (t *ClientTransport) Done() <-chan struct{} {
	return t.done
}

// Err reports why the transport closed, or nil while it is open.
func (t *ClientTransport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

func (t *ClientTransport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}
