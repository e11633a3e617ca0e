package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mini-discovery/api"
	"mini-discovery/locator"
	"mini-discovery/registry"
	"mini-discovery/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeMulticaster struct {
	ok bool

	mu      sync.Mutex
	started int
	stopped int
	sent    [][]byte
	ports   []int
}

func (f *fakeMulticaster) Start(port int, group string, ttl int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	return f.ok
}

func (f *fakeMulticaster) Stop() {
	f.mu.Lock()
	f.stopped++
	f.mu.Unlock()
}

func (f *fakeMulticaster) Send(data []byte, port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, data)
	f.ports = append(f.ports, port)
	return nil
}

func (f *fakeMulticaster) snapshot() (sent [][]byte, ports []int, stopped int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...), append([]int(nil), f.ports...), f.stopped
}

type fakeAnnouncer struct {
	mu     sync.Mutex
	addr   locator.Address
	closed bool
}

func (a *fakeAnnouncer) Announce(_ context.Context, addr locator.Address) error {
	a.mu.Lock()
	a.addr = addr
	a.mu.Unlock()
	return nil
}

func (a *fakeAnnouncer) Close() error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	return nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.AdvertiseHost = "127.0.0.1"
	cfg.AutoDiscovery = false
	return cfg
}

func startEndpoint(t *testing.T, cfg Config, opts ...Option) *Endpoint {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	e, err := New(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		e.Stop(ctx)
	})
	return e
}

func dial(t *testing.T, e *Endpoint) *transport.ClientTransport {
	t.Helper()
	tr, err := transport.Dial(context.Background(), e.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func register(t *testing.T, tr *transport.ClientTransport, dto *api.ServiceDto) api.RegisterServiceResponse {
	t.Helper()
	var resp api.RegisterServiceResponse
	require.NoError(t, tr.Call(context.Background(), api.MethodRegisterService, dto, &resp))
	return resp
}

func find(t *testing.T, tr *transport.ClientTransport, name, scope string) api.FindServiceResponse {
	t.Helper()
	var resp api.FindServiceResponse
	require.NoError(t, tr.Call(context.Background(), api.MethodFindService, &api.FindServiceRequest{Name: name, Scope: scope}, &resp))
	return resp
}

func TestRegisterAndFindOverRPC(t *testing.T) {
	cfg := testConfig()
	cfg.RefreshRate = 2 * time.Second
	e := startEndpoint(t, cfg)
	tr := dial(t, e)

	dto := &api.ServiceDto{
		ServiceName: "orders",
		ServiceHost: "10.0.0.5",
		ServicePort: 7001,
		Scope:       "eu-prod",
		Metadata:    map[string]string{"version": "1.4"},
	}
	resp := register(t, tr, dto)
	assert.True(t, resp.Ok)
	assert.Empty(t, resp.Error)
	assert.Equal(t, int32(2), resp.RefreshRateSeconds)

	found := find(t, tr, "ORDERS", "")
	require.True(t, found.Ok)
	require.Len(t, found.Services, 1)
	got := found.Services[0]
	assert.Equal(t, dto.ServiceName, got.ServiceName)
	assert.Equal(t, dto.ServiceHost, got.ServiceHost)
	assert.Equal(t, dto.ServicePort, got.ServicePort)
	assert.Equal(t, dto.Scope, got.Scope)
	assert.Equal(t, dto.Metadata, got.Metadata)
	assert.Equal(t, api.Healthy, got.HealthState)
	assert.True(t, got.Principal)

	// scope 子串匹配
	assert.Len(t, find(t, tr, "orders", "EU").Services, 1)
	assert.Empty(t, find(t, tr, "orders", "us").Services)
}

func TestRegisterEmptyPayload(t *testing.T) {
	e := startEndpoint(t, testConfig())
	tr := dial(t, e)

	resp := register(t, tr, &api.ServiceDto{})
	assert.True(t, resp.Ok)
	assert.Empty(t, e.Registry().Records())
}

func TestRegisterRejectsUnknownHealthState(t *testing.T) {
	e := startEndpoint(t, testConfig())
	tr := dial(t, e)

	var resp api.RegisterServiceResponse
	err := tr.Call(context.Background(), api.MethodRegisterService, map[string]any{
		"serviceName": "orders",
		"serviceHost": "10.0.0.1",
		"servicePort": 8080,
		"healthState": 7,
	}, &resp)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
	assert.Empty(t, e.Registry().Records())
}

func TestTwoInstancesOnePrincipal(t *testing.T) {
	e := startEndpoint(t, testConfig())
	tr := dial(t, e)

	register(t, tr, &api.ServiceDto{ServiceName: "billing", ServiceHost: "10.0.0.1", ServicePort: 9001, Scope: "a"})
	register(t, tr, &api.ServiceDto{ServiceName: "billing", ServiceHost: "10.0.0.1", ServicePort: 9002, Scope: "a"})

	found := find(t, tr, "billing", "")
	require.Len(t, found.Services, 2)
	principals := 0
	for _, s := range found.Services {
		if s.Principal {
			principals++
		}
	}
	assert.Equal(t, 1, principals)
}

// 注册超时后从 Find 中消失，但记录仍保留为 Offline
func TestRegistrationTimesOut(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 200 * time.Millisecond
	cfg.SweepInterval = 20 * time.Millisecond
	e := startEndpoint(t, cfg)
	tr := dial(t, e)

	register(t, tr, &api.ServiceDto{ServiceName: "A", ServiceHost: "10.0.0.9", ServicePort: 1234})
	require.Len(t, find(t, tr, "A", "").Services, 1)

	require.Eventually(t, func() bool {
		return len(e.Registry().Find("A", "")) == 0
	}, 2*time.Second, 20*time.Millisecond)

	recs := e.Registry().Records()
	require.Len(t, recs, 1)
	assert.Equal(t, api.Offline, recs[0].HealthState)
	assert.False(t, recs[0].Principal)
}

type panickingStore struct{}

func (panickingStore) Upsert(*api.ServiceDto) (registry.Record, bool) { panic("disk on fire") }
func (panickingStore) Find(string, string) []registry.Record         { panic("index corrupted") }

func TestServiceConvertsPanics(t *testing.T) {
	svc := NewService(panickingStore{}, time.Second, zaptest.NewLogger(t))

	var reg api.RegisterServiceResponse
	require.NoError(t, svc.RegisterService(&api.ServiceDto{ServiceName: "x"}, &reg))
	assert.False(t, reg.Ok)
	assert.Equal(t, "disk on fire", reg.Error)

	var found api.FindServiceResponse
	require.NoError(t, svc.FindService(&api.FindServiceRequest{Name: "x"}, &found))
	assert.False(t, found.Ok)
	assert.Equal(t, "index corrupted", found.Error)
}

func TestRefreshRateAtLeastOneSecond(t *testing.T) {
	svc := NewService(registry.New(), 300*time.Millisecond, nil)
	var reg api.RegisterServiceResponse
	require.NoError(t, svc.RegisterService(&api.ServiceDto{ServiceName: "x"}, &reg))
	assert.Equal(t, int32(1), reg.RefreshRateSeconds)
}

func TestBeaconLoop(t *testing.T) {
	mc := &fakeMulticaster{ok: true}
	cfg := testConfig()
	cfg.AutoDiscovery = true
	cfg.AdvertiseHost = "10.1.2.3"
	cfg.BeaconInterval = 20 * time.Millisecond
	e, err := New(cfg, WithLogger(zaptest.NewLogger(t)), WithMulticaster(mc))
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	port := e.Port()

	require.Eventually(t, func() bool {
		sent, _, _ := mc.snapshot()
		return len(sent) >= 3
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, e.Stop(context.Background()))
	sent, ports, stopped := mc.snapshot()
	assert.Equal(t, string(api.FormatBeacon("10.1.2.3", port)), string(sent[0]))
	assert.Equal(t, 5478, ports[0])
	assert.Equal(t, 1, stopped)

	// no beacon after Stop
	time.Sleep(60 * time.Millisecond)
	after, _, _ := mc.snapshot()
	assert.Equal(t, len(sent), len(after))
}

func TestMulticastUnavailableKeepsServing(t *testing.T) {
	mc := &fakeMulticaster{ok: false}
	cfg := testConfig()
	cfg.AutoDiscovery = true
	cfg.BeaconInterval = 10 * time.Millisecond
	e := startEndpoint(t, cfg, WithMulticaster(mc))
	tr := dial(t, e)

	assert.True(t, register(t, tr, &api.ServiceDto{ServiceName: "orders", ServiceHost: "h", ServicePort: 1}).Ok)
	time.Sleep(50 * time.Millisecond)
	sent, _, _ := mc.snapshot()
	assert.Empty(t, sent)
}

func TestSubscribeForwardsChanges(t *testing.T) {
	e := startEndpoint(t, testConfig())
	tr := dial(t, e)
	ch, cancel := e.Subscribe(4)
	defer cancel()

	register(t, tr, &api.ServiceDto{ServiceName: "orders", ServiceHost: "10.0.0.1", ServicePort: 80})

	select {
	case cs := <-ch:
		assert.Equal(t, []string{registry.RecordID("orders", "10.0.0.1", 80)}, cs.IDs)
	case <-time.After(time.Second):
		t.Fatal("no change set")
	}
}

func TestAnnouncersFollowLifecycle(t *testing.T) {
	a := &fakeAnnouncer{}
	e, err := New(testConfig(), WithLogger(zaptest.NewLogger(t)), WithAnnouncers(a))
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))

	a.mu.Lock()
	assert.Equal(t, locator.Address{Host: "127.0.0.1", Port: e.Port()}, a.addr)
	a.mu.Unlock()

	require.NoError(t, e.Stop(context.Background()))
	assert.True(t, a.closed)
}

func TestStartStopGuards(t *testing.T) {
	e, err := New(testConfig(), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	assert.Nil(t, e.Addr())
	assert.NoError(t, e.Stop(context.Background()))

	require.NoError(t, e.Start(context.Background()))
	assert.ErrorIs(t, e.Start(context.Background()), ErrAlreadyStarted)
	require.NoError(t, e.Stop(context.Background()))
	require.NoError(t, e.Stop(context.Background()))
	assert.True(t, errors.Is(e.Start(context.Background()), ErrStopped))
}

func TestListenFailure(t *testing.T) {
	cfg := testConfig()
	cfg.ListenAddr = "256.0.0.1:0"
	e, err := New(cfg)
	require.NoError(t, err)
	assert.Error(t, e.Start(context.Background()))
}
