// Package server is the RPC server the discovery endpoint is published on.
//
// Request pipeline:
//
//	Accept conn → serveConn (one reader goroutine per connection)
//	  → for each request: go handleRequest
//	    → codec.Decode → middleware chain → dispatch (reflect.Call) → codec.Encode → write frame
//
// Receivers are plain structs whose exported methods have the form
// M(args *A, reply *R) error, optionally taking a context.Context first.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"reflect"
	"sync"
	"sync/atomic"

	"mini-discovery/codec"
	"mini-discovery/message"
	"mini-discovery/middleware"
	"mini-discovery/protocol"

	"go.uber.org/zap"
)

var ErrServerClosed = errors.New("rpc: server closed")

type Server struct {
	logger    *zap.Logger
	tlsConfig *tls.Config

	mu          sync.RWMutex
	serviceMap  map[string]*service
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc

	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup // in-flight requests
	shutdown atomic.Bool
}

type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTLS makes ListenAndServe accept TLS connections only.
func WithTLS(cfg *tls.Config) Option {
	return func(s *Server) { s.tlsConfig = cfg }
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		logger:     zap.NewNop(),
		serviceMap: make(map[string]*service),
		conns:      make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("rpc-server")
	return s
}

// Register publishes the methods of rcvr under its type name.
func (s *Server) Register(rcvr any) error {
	return s.RegisterName("", rcvr)
}

// RegisterName publishes the methods of rcvr under name.
func (s *Server) RegisterName(name string, rcvr any) error {
	svc, err := newService(rcvr, name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.serviceMap[svc.name]; dup {
		return fmt.Errorf("rpc: service already defined: %s", svc.name)
	}
	s.serviceMap[svc.name] = svc
	s.logger.Debug("service registered", zap.String("service", svc.name), zap.Int("methods", len(svc.method)))
	return nil
}

// Use appends a middleware. Middlewares must be added before Serve.
func (s *Server) Use(mw middleware.Middleware) {
	s.mu.Lock()
	s.middlewares = append(s.middlewares, mw)
	s.mu.Unlock()
}

// ListenAndServe listens on the TCP address and serves it, with TLS when configured.
func (s *Server) ListenAndServe(addr string) error {
	l, err := s.Listen(addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Listen opens the listener Serve expects, wrapping it in TLS when configured.
func (s *Server) Listen(addr string) (net.Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("rpc: listen %s: %w", addr, err)
	}
	if s.tlsConfig != nil {
		l = tls.NewListener(l, s.tlsConfig)
	}
	return l, nil
}

// Serve accepts connections on l until Shutdown. It returns nil after a
// Shutdown and the accept error otherwise.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	s.listener = l
	s.handler = middleware.Chain(s.middlewares...)(s.dispatch)
	s.mu.Unlock()

	s.logger.Info("rpc server listening", zap.Stringer("addr", l.Addr()), zap.Bool("tls", s.tlsConfig != nil))
	for {
		conn, err := l.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		go s.serveConn(conn)
	}
}

// Addr is the listening address, nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// serveConn reads frames sequentially and handles each request on its own
// goroutine. Responses share a per-connection write lock.
func (s *Server) serveConn(conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()
	log := s.logger.With(zap.Stringer("remote", conn.RemoteAddr()))
	writeMu := &sync.Mutex{}
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debug("connection dropped", zap.Error(err))
			}
			return
		}
		switch header.MsgType {
		case protocol.MsgTypeHeartbeat:
			s.writeFrame(conn, writeMu, &protocol.Header{CodecType: header.CodecType, MsgType: protocol.MsgTypeHeartbeat, Seq: header.Seq}, nil)
		case protocol.MsgTypeRequest:
			s.mu.RLock()
			if s.shutdown.Load() {
				s.mu.RUnlock()
				return
			}
			s.wg.Add(1)
			s.mu.RUnlock()
			go s.handleRequest(header, body, conn, writeMu)
		default:
			log.Debug("unexpected frame", zap.Stringer("type", header.MsgType))
		}
	}
}

func (s *Server) handleRequest(header *protocol.Header, body []byte, conn net.Conn, writeMu *sync.Mutex) {
	defer s.wg.Done()

	c, err := codec.Get(codec.CodecType(header.CodecType))
	if err != nil {
		s.logger.Warn("unsupported codec", zap.Error(err))
		return
	}
	req := &message.RPCMessage{}
	var resp *message.RPCMessage
	if err := c.Decode(body, req); err != nil {
		resp = &message.RPCMessage{Error: "rpc: bad request body: " + err.Error()}
	} else {
		s.mu.RLock()
		h := s.handler
		s.mu.RUnlock()
		resp = h(context.Background(), req)
	}

	out, err := c.Encode(resp)
	if err != nil {
		s.logger.Error("encode response failed", zap.String("method", req.ServiceMethod), zap.Error(err))
		return
	}
	s.writeFrame(conn, writeMu, &protocol.Header{CodecType: header.CodecType, MsgType: protocol.MsgTypeResponse, Seq: header.Seq}, out)
}

func (s *Server) writeFrame(conn net.Conn, writeMu *sync.Mutex, h *protocol.Header, body []byte) {
	writeMu.Lock()
	defer writeMu.Unlock()
	if err := protocol.Encode(conn, h, body); err != nil {
		s.logger.Debug("write frame failed", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
	}
}

// Shutdown stops accepting, waits for in-flight requests until ctx is done and
// then closes every connection.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown.Swap(true) {
		s.mu.Unlock()
		return nil
	}
	l := s.listener
	s.mu.Unlock()
	if l != nil {
		l.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("rpc: waiting for in-flight requests: %w", ctx.Err())
	}

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.logger.Info("rpc server stopped")
	return err
}

// dispatch is the innermost handler: it resolves Service.Method and calls it.
func (s *Server) dispatch(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
	resp := &message.RPCMessage{ServiceMethod: req.ServiceMethod}

	serviceName, methodName, err := req.Split()
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	s.mu.RLock()
	svc := s.serviceMap[serviceName]
	s.mu.RUnlock()
	if svc == nil {
		resp.Error = "rpc: can't find service " + serviceName
		return resp
	}
	mt := svc.method[methodName]
	if mt == nil {
		resp.Error = "rpc: can't find method " + req.ServiceMethod
		return resp
	}

	argv := reflect.New(mt.ArgType)
	replyv := reflect.New(mt.ReplyType)
	if err := req.DecodePayload(argv.Interface()); err != nil {
		resp.Error = "rpc: bad arguments: " + err.Error()
		return resp
	}

	callErr := svc.call(ctx, mt, argv, replyv)

	payload, err := json.Marshal(replyv.Interface())
	if err != nil {
		resp.Error = "rpc: encode reply: " + err.Error()
		return resp
	}
	resp.Payload = payload
	if callErr != nil {
		resp.Error = callErr.Error()
	}
	return resp
}
