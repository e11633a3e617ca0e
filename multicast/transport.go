// Package multicast sends and receives UDP datagrams on an IPv4 multicast group,
// joined on every usable network interface of the host.
//
// The transport knows nothing about discovery: it delivers raw payloads with
// their source address to a single callback.
package multicast

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
)

const (
	DefaultGroup        = "224.0.0.100"
	DefaultPort         = 5478
	DefaultTTL          = 1
	DefaultPollInterval = 100 * time.Millisecond

	maxDatagram = 64 * 1024
)

// ErrNotStarted is returned by sends on a transport without joined sockets.
var ErrNotStarted = errors.New("multicast: transport not started")

// Datagram is one received payload.
type Datagram struct {
	Data      []byte
	Source    *net.UDPAddr
	Interface string
}

// Handler is called on the receive goroutine for every datagram.
type Handler func(Datagram)

type member struct {
	ifi  iface
	conn net.PacketConn
	pc   *ipv4.PacketConn
}

type Transport struct {
	logger       *zap.Logger
	pollInterval time.Duration
	listen       func(ctx context.Context, port int) (net.PacketConn, error)

	mu      sync.Mutex
	members []*member
	group   net.IP
	port    int
	stop    chan struct{}
	done    chan struct{}

	handlerMu sync.RWMutex
	handler   Handler
}

type Option func(*Transport)

func WithLogger(logger *zap.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithPollInterval bounds how long one receive cycle over all sockets takes.
func WithPollInterval(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.pollInterval = d
		}
	}
}

func New(opts ...Option) *Transport {
	t := &Transport{
		logger:       zap.NewNop(),
		pollInterval: DefaultPollInterval,
		listen:       listenReusable,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.Named("multicast")
	return t
}

func listenReusable(ctx context.Context, port int) (net.PacketConn, error) {
	lc := net.ListenConfig{Control: reuseControl}
	return lc.ListenPacket(ctx, "udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(port)))
}

// OnData installs the receive callback, replacing any previous one.
func (t *Transport) OnData(h Handler) {
	t.handlerMu.Lock()
	t.handler = h
	t.handlerMu.Unlock()
}

// Running reports whether at least one socket is joined.
func (t *Transport) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stop != nil
}

// Start joins group on every usable interface with one socket per interface
// bound to port, then starts the receive loop. It returns false when no
// interface could join. Starting a running transport returns true without
// re-joining.
func (t *Transport) Start(port int, group string, ttl int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop != nil {
		return true
	}

	groupIP := net.ParseIP(group).To4()
	if groupIP == nil || !groupIP.IsMulticast() {
		t.logger.Error("invalid multicast group", zap.String("group", group))
		return false
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	ifs, err := interfaces()
	if err != nil {
		t.logger.Error("list interfaces failed", zap.Error(err))
		return false
	}

	var members []*member
	for _, ifi := range ifs {
		m, err := t.join(ifi, port, groupIP, ttl)
		if err != nil {
			t.logger.Warn("join failed",
				zap.String("interface", ifi.Name),
				zap.String("group", group),
				zap.Error(err))
			continue
		}
		members = append(members, m)
	}
	if len(members) == 0 {
		t.logger.Warn("multicast unavailable, no interface joined", zap.String("group", group), zap.Int("port", port))
		return false
	}
	if len(members) < len(ifs) {
		t.logger.Warn("multicast joined on a subset of interfaces", zap.Int("joined", len(members)), zap.Int("usable", len(ifs)))
	}

	t.members = members
	t.group = groupIP
	t.port = port
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	go t.receiveLoop(members, t.stop, t.done)

	t.logger.Info("multicast started", zap.String("group", group), zap.Int("port", port), zap.Int("interfaces", len(members)))
	return true
}

func (t *Transport) join(ifi iface, port int, group net.IP, ttl int) (*member, error) {
	conn, err := t.listen(context.Background(), port)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	pc := ipv4.NewPacketConn(conn)
	fail := func(step string, err error) (*member, error) {
		_ = conn.Close()
		return nil, fmt.Errorf("%s: %w", step, err)
	}
	if err := pc.JoinGroup(&ifi.Interface, &net.UDPAddr{IP: group}); err != nil {
		return fail("join group", err)
	}
	if err := pc.SetMulticastInterface(&ifi.Interface); err != nil {
		return fail("set interface", err)
	}
	if err := pc.SetMulticastTTL(ttl); err != nil {
		return fail("set ttl", err)
	}
	if err := pc.SetMulticastLoopback(true); err != nil {
		return fail("set loopback", err)
	}
	// not supported everywhere; without it every socket sees every group packet
	if err := pc.SetControlMessage(ipv4.FlagInterface|ipv4.FlagDst, true); err != nil {
		t.logger.Debug("control messages unavailable", zap.String("interface", ifi.Name), zap.Error(err))
	}
	return &member{ifi: ifi, conn: conn, pc: pc}, nil
}

// Stop ends the receive loop, leaves the group and closes the sockets. The
// join waits one second, then two more before giving up on the loop.
func (t *Transport) Stop() {
	t.mu.Lock()
	if t.stop == nil {
		t.mu.Unlock()
		return
	}
	stop, done, members, group := t.stop, t.done, t.members, t.group
	t.stop, t.done, t.members, t.group = nil, nil, nil, nil
	t.mu.Unlock()

	close(stop)
	if !waitDone(done, time.Second) {
		t.logger.Warn("receive loop slow to stop, waiting longer")
		if !waitDone(done, 2*time.Second) {
			t.logger.Error("receive loop did not stop, closing sockets anyway")
		}
	}

	for _, m := range members {
		if err := m.pc.LeaveGroup(&m.ifi.Interface, &net.UDPAddr{IP: group}); err != nil {
			t.logger.Debug("leave group failed", zap.String("interface", m.ifi.Name), zap.Error(err))
		}
		_ = m.conn.Close()
	}
	t.logger.Info("multicast stopped")
}

func waitDone(done <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// Send writes data to the joined group on every joined interface.
func (t *Transport) Send(data []byte, port int) error {
	t.mu.Lock()
	members, group := t.members, t.group
	t.mu.Unlock()
	if len(members) == 0 {
		t.logger.Warn("send skipped, no multicast group joined")
		return ErrNotStarted
	}

	dst := &net.UDPAddr{IP: group, Port: port}
	var errs []error
	for _, m := range members {
		if _, err := m.pc.WriteTo(data, nil, dst); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.ifi.Name, err))
		}
	}
	if len(errs) == len(members) {
		return errors.Join(errs...)
	}
	for _, err := range errs {
		t.logger.Warn("group send failed", zap.Error(err))
	}
	return nil
}

// SendTo writes data to one address. A running transport sends from its first
// socket; otherwise an ephemeral socket is used.
func (t *Transport) SendTo(data []byte, addr string, port int) error {
	ip := net.ParseIP(addr)
	if ip == nil {
		return fmt.Errorf("multicast: invalid address %q", addr)
	}
	dst := &net.UDPAddr{IP: ip, Port: port}

	t.mu.Lock()
	var conn net.PacketConn
	if len(t.members) > 0 {
		conn = t.members[0].conn
	}
	t.mu.Unlock()

	if conn == nil {
		c, err := net.ListenPacket("udp4", "0.0.0.0:0")
		if err != nil {
			return fmt.Errorf("multicast: open socket: %w", err)
		}
		defer c.Close()
		conn = c
	}
	if _, err := conn.WriteTo(data, dst); err != nil {
		return fmt.Errorf("multicast: send to %s: %w", dst, err)
	}
	return nil
}

func (t *Transport) receiveLoop(members []*member, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	slice := t.pollInterval / time.Duration(len(members))
	buf := make([]byte, maxDatagram)
	for {
		select {
		case <-stop:
			return
		default:
		}
		for _, m := range members {
			t.drain(m, buf, slice)
		}
	}
}

// drain reads from one socket until its share of the poll interval elapses.
func (t *Transport) drain(m *member, buf []byte, slice time.Duration) {
	if err := m.pc.SetReadDeadline(time.Now().Add(slice)); err != nil {
		time.Sleep(slice)
		return
	}
	for {
		n, cm, src, err := m.pc.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, os.ErrDeadlineExceeded) && !errors.Is(err, net.ErrClosed) {
				t.logger.Warn("receive failed", zap.String("interface", m.ifi.Name), zap.Error(err))
				time.Sleep(slice)
			}
			return
		}
		// group traffic joined on another interface is delivered to every socket
		if cm != nil && cm.Dst.IsMulticast() && cm.IfIndex != 0 && cm.IfIndex != m.ifi.Index {
			continue
		}
		udp, _ := src.(*net.UDPAddr)
		payload := make([]byte, n)
		copy(payload, buf[:n])
		t.dispatch(Datagram{Data: payload, Source: udp, Interface: m.ifi.Name})
	}
}

func (t *Transport) dispatch(d Datagram) {
	t.handlerMu.RLock()
	h := t.handler
	t.handlerMu.RUnlock()
	if h == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			t.logger.Error("datagram handler panicked", zap.Any("panic", p))
		}
	}()
	h(d)
}
