package client

import (
	"context"
	"maps"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"mini-discovery/api"
	"mini-discovery/locator"
	"mini-discovery/metrics"
	"mini-discovery/multicast"

	"go.uber.org/zap"
)

const (
	DefaultDiscoveryPort = 6000
	DefaultRetryInterval = 5 * time.Second

	eventBuffer = 64
	stopWait    = 5 * time.Second
)

type State int32

const (
	NotConnected State = iota
	AutoDiscovering
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case NotConnected:
		return "NotConnected"
	case AutoDiscovering:
		return "AutoDiscovering"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

type Event int

const (
	ConnectionRequested Event = iota
	DisconnectionRequested
	ConnectSuccessful
	ConnectionFailed
	TimerFired
	AutoDiscoveringNeeded
	AutoDiscoveringFinished

	// posted by the beacon handler and the locators
	serverFound
	locatorGaveUp
)

func (e Event) String() string {
	switch e {
	case ConnectionRequested:
		return "ConnectionRequested"
	case DisconnectionRequested:
		return "DisconnectionRequested"
	case ConnectSuccessful:
		return "ConnectSuccessful"
	case ConnectionFailed:
		return "ConnectionFailed"
	case TimerFired:
		return "TimerFired"
	case AutoDiscoveringNeeded:
		return "AutoDiscoveringNeeded"
	case AutoDiscoveringFinished:
		return "AutoDiscoveringFinished"
	case serverFound:
		return "serverFound"
	case locatorGaveUp:
		return "locatorGaveUp"
	default:
		return "Event(" + strconv.Itoa(int(e)) + ")"
	}
}

// transitions lists the state changes; an event missing for a state is ignored
// there. TimerFired is handled in place by Connecting and Connected.
var transitions = map[State]map[Event]State{
	NotConnected: {
		ConnectionRequested: Connecting,
	},
	Connecting: {
		AutoDiscoveringNeeded:  AutoDiscovering,
		ConnectSuccessful:      Connected,
		DisconnectionRequested: NotConnected,
	},
	AutoDiscovering: {
		AutoDiscoveringFinished: Connecting,
		DisconnectionRequested:  NotConnected,
	},
	Connected: {
		ConnectionFailed:       Connecting,
		DisconnectionRequested: NotConnected,
	},
}

type event struct {
	kind   Event
	addr   locator.Address
	source string
	round  uint64
}

// Config describes the registered service and where to look for the server.
type Config struct {
	ServiceName string
	Scope       string
	// CallbackAddress is the host other services reach this one at; empty
	// means the first usable local IPv4.
	CallbackAddress string
	CallbackPort    int

	// DiscoveryHost empty means auto discovery.
	DiscoveryHost  string
	DiscoveryPort  int
	MulticastGroup string
	MulticastPort  int

	RetryInterval time.Duration
	Metadata      map[string]string
}

// Multicaster is the slice of multicast.Transport the session listens with.
type Multicaster interface {
	Start(port int, group string, ttl int) bool
	Stop()
	OnData(h multicast.Handler)
}

type SessionOption func(*Session)

func WithSessionLogger(logger *zap.Logger) SessionOption {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithSessionMetrics(m *metrics.Metrics) SessionOption {
	return func(s *Session) { s.metrics = m }
}

func WithMulticaster(mc Multicaster) SessionOption {
	return func(s *Session) { s.mc = mc }
}

// WithResolvers adds locators queried alongside the multicast beacon while
// auto discovering. The first answer wins.
func WithResolvers(r ...locator.Resolver) SessionOption {
	return func(s *Session) { s.resolvers = append(s.resolvers, r...) }
}

func WithMetadataProviders(p ...MetadataProvider) SessionOption {
	return func(s *Session) { s.providers = append(s.providers, p...) }
}

// WithStateListener is called on the session goroutine after every state change.
func WithStateListener(fn func(from, to State)) SessionOption {
	return func(s *Session) { s.listener = fn }
}

// WithClientOptions configures the Client the session registers through.
func WithClientOptions(opts ...Option) SessionOption {
	return func(s *Session) { s.clientOpts = append(s.clientOpts, opts...) }
}

// Session keeps one service registered with a discovery server.
//
// All state machine work runs on a single goroutine. The timer, the multicast
// callback and the locators only post events to it.
type Session struct {
	cfg        Config
	logger     *zap.Logger
	metrics    *metrics.Metrics
	mc         Multicaster
	resolvers  []locator.Resolver
	providers  []MetadataProvider
	clientOpts []Option
	listener   func(from, to State)

	state  atomic.Int32
	health atomic.Int32
	server atomic.Pointer[locator.Address]

	metaMu sync.Mutex
	extra  map[string]string

	lifeMu   sync.Mutex
	running  bool
	stopping chan struct{}
	done     chan struct{}
	cancel   context.CancelFunc
	locators sync.WaitGroup

	// owned by the session goroutine
	ctx             context.Context
	inbox           chan event
	queue           []event
	client          *Client
	found           *locator.Address
	discoveryFailed bool
	interval        time.Duration
	timer           *time.Timer
	timerC          <-chan time.Time
	round           uint64
	mcRunning       bool
	pendingLocators int
	stopDiscovery   context.CancelFunc
}

func NewSession(cfg Config, opts ...SessionOption) *Session {
	if cfg.DiscoveryPort <= 0 {
		cfg.DiscoveryPort = DefaultDiscoveryPort
	}
	if cfg.MulticastGroup == "" {
		cfg.MulticastGroup = multicast.DefaultGroup
	}
	if cfg.MulticastPort <= 0 {
		cfg.MulticastPort = multicast.DefaultPort
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	s := &Session{
		cfg:    cfg,
		logger: zap.NewNop(),
		extra:  maps.Clone(cfg.Metadata),
	}
	if s.extra == nil {
		s.extra = make(map[string]string)
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.mc == nil {
		s.mc = multicast.New(multicast.WithLogger(s.logger))
	}
	s.logger = s.logger.Named("session").With(zap.String("service", cfg.ServiceName))
	if s.cfg.CallbackAddress == "" {
		if ip, err := multicast.LocalIP(); err == nil {
			s.cfg.CallbackAddress = ip.String()
		} else {
			s.cfg.CallbackAddress = "127.0.0.1"
		}
	}
	return s
}

// Start requests a connection. Starting a running session does nothing.
func (s *Session) Start() {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.running {
		return
	}
	s.running = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stopping = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(ctx, make(chan event, eventBuffer), s.stopping, s.done)
}

// Stop disconnects and halts the session goroutine, waiting a bounded time for it.
func (s *Session) Stop() {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if !s.running {
		return
	}
	s.running = false

	close(s.stopping)
	s.cancel()

	timer := time.NewTimer(stopWait)
	defer timer.Stop()
	select {
	case <-s.done:
	case <-timer.C:
		s.logger.Error("session did not stop in time")
		return
	}
	// the session goroutine has exited, so no locator can be added any more
	locatorsDone := make(chan struct{})
	go func() {
		s.locators.Wait()
		close(locatorsDone)
	}()
	select {
	case <-locatorsDone:
	case <-timer.C:
		s.logger.Error("locators did not stop in time")
	}
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Server returns the discovery server the session is registered with.
func (s *Session) Server() (locator.Address, bool) {
	if a := s.server.Load(); a != nil {
		return *a, true
	}
	return locator.Address{}, false
}

// SetHealth changes the health reported from the next registration on.
func (s *Session) SetHealth(h api.HealthState) {
	s.health.Store(int32(h))
}

func (s *Session) Health() api.HealthState {
	return api.HealthState(s.health.Load())
}

// SetMetadata sets one extra metadata entry; an empty value removes it.
func (s *Session) SetMetadata(key, value string) {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	if value == "" {
		delete(s.extra, key)
		return
	}
	s.extra[key] = value
}

func (s *Session) run(ctx context.Context, inbox chan event, stopping <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	s.ctx = ctx
	s.inbox = inbox
	s.queue = nil
	s.found = nil
	s.discoveryFailed = false

	s.dispatch(event{kind: ConnectionRequested})
	for {
		select {
		case <-stopping:
			s.dispatch(event{kind: DisconnectionRequested})
			return
		case ev := <-inbox:
			s.dispatch(ev)
		case <-s.timerC:
			s.timerC = nil
			s.dispatch(event{kind: TimerFired})
		}
	}
}

// dispatch handles ev and then every event fired while handling it, in order.
func (s *Session) dispatch(ev event) {
	s.queue = append(s.queue, ev)
	for len(s.queue) > 0 {
		next := s.queue[0]
		s.queue = s.queue[1:]
		s.safeHandle(next)
	}
}

func (s *Session) fire(kind Event) {
	s.queue = append(s.queue, event{kind: kind})
}

// post hands an event to the session goroutine without blocking.
func post(inbox chan<- event, ev event) bool {
	select {
	case inbox <- ev:
		return true
	default:
		return false
	}
}

func (s *Session) safeHandle(ev event) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("transition failed",
				zap.Stringer("state", s.State()),
				zap.Stringer("event", ev.kind),
				zap.Any("panic", p))
		}
	}()
	s.handle(ev)
}

func (s *Session) handle(ev event) {
	cur := s.State()
	switch ev.kind {
	case TimerFired:
		if cur == Connecting || cur == Connected {
			s.attemptRegistration()
		}
		return
	case serverFound:
		if cur != AutoDiscovering || ev.round != s.round {
			return
		}
		s.logger.Info("discovery server found", zap.Stringer("addr", ev.addr), zap.String("via", ev.source))
		addr := ev.addr
		s.found = &addr
		s.discoveryFailed = false
		s.fire(AutoDiscoveringFinished)
		return
	case locatorGaveUp:
		if cur != AutoDiscovering || ev.round != s.round {
			return
		}
		s.pendingLocators--
		if s.pendingLocators == 0 && !s.mcRunning {
			s.discoveryFailed = true
			s.fire(AutoDiscoveringFinished)
		}
		return
	}

	next, ok := transitions[cur][ev.kind]
	if !ok {
		s.logger.Debug("event ignored", zap.Stringer("state", cur), zap.Stringer("event", ev.kind))
		return
	}
	s.exit(cur)
	s.state.Store(int32(next))
	s.logger.Info("state changed", zap.Stringer("from", cur), zap.Stringer("to", next), zap.Stringer("event", ev.kind))
	if s.listener != nil {
		s.listener(cur, next)
	}
	s.enter(next)
}

func (s *Session) enter(st State) {
	switch st {
	case NotConnected:
		s.disarm()
		s.server.Store(nil)
		if s.client != nil {
			s.client.Close()
			s.client = nil
		}
	case Connecting:
		if _, ok := s.target(); !ok {
			if s.discoveryFailed {
				s.logger.Warn("no discovery server found", zap.Duration("retryIn", s.cfg.RetryInterval))
				s.arm(s.cfg.RetryInterval)
				return
			}
			s.fire(AutoDiscoveringNeeded)
			return
		}
		s.attemptRegistration()
	case AutoDiscovering:
		s.startDiscovery()
	case Connected:
		if addr, ok := s.target(); ok {
			s.server.Store(&addr)
		}
		s.arm(s.interval)
	}
}

func (s *Session) exit(st State) {
	switch st {
	case AutoDiscovering:
		s.endDiscovery()
	case Connected:
		s.found = nil
		s.server.Store(nil)
	}
}

// target is the discovered server if any, else the configured one.
func (s *Session) target() (locator.Address, bool) {
	if s.found != nil {
		return *s.found, true
	}
	if s.cfg.DiscoveryHost != "" {
		return locator.Address{Host: s.cfg.DiscoveryHost, Port: s.cfg.DiscoveryPort}, true
	}
	return locator.Address{}, false
}

// attemptRegistration registers once and arms the timer with the server's
// refresh rate on success or the retry interval on failure.
func (s *Session) attemptRegistration() {
	s.disarm()
	addr, ok := s.target()
	if !ok {
		s.discoveryFailed = false
		s.fire(AutoDiscoveringNeeded)
		return
	}
	if s.client == nil || s.client.Addr() != addr.String() {
		if s.client != nil {
			s.client.Close()
		}
		s.client = New(addr.String(), append([]Option{WithLogger(s.logger)}, s.clientOpts...)...)
	}

	resp := s.client.RegisterService(s.ctx, s.payload())
	if resp.Ok {
		s.interval = time.Duration(resp.RefreshRateSeconds) * time.Second
		if s.interval <= 0 {
			s.interval = time.Second
		}
		s.fire(ConnectSuccessful)
	} else {
		s.interval = s.cfg.RetryInterval
		s.logger.Warn("registration failed",
			zap.Stringer("server", addr),
			zap.String("error", resp.Error),
			zap.Duration("retryIn", s.interval))
		s.fire(ConnectionFailed)
	}
	s.arm(s.interval)
}

func (s *Session) payload() *api.ServiceDto {
	s.metaMu.Lock()
	md := maps.Clone(s.extra)
	s.metaMu.Unlock()
	for _, p := range s.providers {
		maps.Copy(md, p.Metadata())
	}
	return &api.ServiceDto{
		ServiceName: s.cfg.ServiceName,
		ServiceHost: s.cfg.CallbackAddress,
		ServicePort: int32(s.cfg.CallbackPort),
		HealthState: s.Health(),
		Scope:       s.cfg.Scope,
		Metadata:    md,
	}
}

func (s *Session) startDiscovery() {
	s.disarm()
	s.round++
	round, inbox := s.round, s.inbox
	ctx, cancel := context.WithCancel(s.ctx)
	s.stopDiscovery = cancel

	s.mc.OnData(func(d multicast.Datagram) { s.onDatagram(inbox, round, d) })
	s.mcRunning = s.mc.Start(s.cfg.MulticastPort, s.cfg.MulticastGroup, multicast.DefaultTTL)
	if !s.mcRunning {
		s.logger.Error("could not join any multicast group, auto discovery needs a multicast capable network",
			zap.String("group", s.cfg.MulticastGroup),
			zap.Int("port", s.cfg.MulticastPort))
	}

	s.pendingLocators = len(s.resolvers)
	for _, r := range s.resolvers {
		s.locators.Add(1)
		go s.resolve(ctx, inbox, round, r)
	}
	if !s.mcRunning && len(s.resolvers) == 0 {
		s.discoveryFailed = true
		s.fire(AutoDiscoveringFinished)
	}
}

func (s *Session) endDiscovery() {
	if s.stopDiscovery != nil {
		s.stopDiscovery()
		s.stopDiscovery = nil
	}
	if s.mcRunning {
		s.mc.Stop()
		s.mcRunning = false
	}
	s.mc.OnData(nil)
}

// onDatagram runs on the multicast receive goroutine.
func (s *Session) onDatagram(inbox chan<- event, round uint64, d multicast.Datagram) {
	b, err := api.ParseBeacon(d.Data)
	if err != nil {
		s.logger.Debug("ignoring datagram", zap.Stringer("from", d.Source), zap.Error(err))
		return
	}
	s.metrics.BeaconReceived()
	host := b.Host
	if d.Source != nil && d.Source.IP != nil {
		host = d.Source.IP.String()
	}
	ev := event{kind: serverFound, addr: locator.Address{Host: host, Port: b.Port}, source: "multicast", round: round}
	if !post(inbox, ev) {
		s.logger.Warn("session busy, beacon dropped", zap.String("from", net.JoinHostPort(host, strconv.Itoa(b.Port))))
	}
}

func (s *Session) resolve(ctx context.Context, inbox chan<- event, round uint64, r locator.Resolver) {
	defer s.locators.Done()
	addr, err := r.Resolve(ctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		s.logger.Info("locator found no server", zap.String("locator", r.Name()), zap.Error(err))
		post(inbox, event{kind: locatorGaveUp, round: round})
		return
	}
	post(inbox, event{kind: serverFound, addr: addr, source: r.Name(), round: round})
}

func (s *Session) arm(d time.Duration) {
	if s.timer == nil {
		s.timer = time.NewTimer(d)
	} else {
		s.timer.Reset(d)
	}
	s.timerC = s.timer.C
}

func (s *Session) disarm() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timerC = nil
}
