package admin

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"mini-discovery/api"
	"mini-discovery/metrics"
	"mini-discovery/registry"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func setup(t *testing.T) (*registry.Registry, *clock, *httptest.Server) {
	t.Helper()
	clk := &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	reg := prometheus.NewRegistry()
	r := registry.New(
		registry.WithTimeout(5*time.Second),
		registry.WithClock(clk.Now),
		registry.WithMetrics(metrics.New(reg)),
	)
	h := New(r, WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		h.Close()
		srv.Close()
		r.Close()
	})
	return r, clk, srv
}

func register(t *testing.T, r *registry.Registry, host string, port int32) registry.Record {
	t.Helper()
	rec, ok := r.Upsert(&api.ServiceDto{ServiceName: "orders", ServiceHost: host, ServicePort: port, Scope: "prod"})
	require.True(t, ok)
	return rec
}

func do(t *testing.T, method, url string, body string, out any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func recordURL(srv *httptest.Server, id string) string {
	return srv.URL + "/records/" + url.PathEscape(id)
}

func TestHealthz(t *testing.T) {
	_, _, srv := setup(t)
	var body map[string]string
	resp := do(t, http.MethodGet, srv.URL+"/healthz", "", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	_, err := uuid.Parse(resp.Header.Get(RequestIDHeader))
	assert.NoError(t, err)
}

func TestRequestIDIsEchoed(t *testing.T) {
	_, _, srv := setup(t)
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/healthz", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "abc-123", resp.Header.Get(RequestIDHeader))
}

func TestRecords(t *testing.T) {
	r, _, srv := setup(t)
	a := register(t, r, "10.0.0.1", 8080)
	register(t, r, "10.0.0.2", 8080)

	var all []RecordView
	do(t, http.MethodGet, srv.URL+"/records", "", &all)
	require.Len(t, all, 2)
	assert.Equal(t, a.ID, all[0].ID)
	assert.True(t, all[0].Principal)
	assert.Equal(t, api.Healthy, all[0].HealthState)

	var one RecordView
	resp := do(t, http.MethodGet, recordURL(srv, a.ID), "", &one)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "10.0.0.1", one.Address)
	assert.Equal(t, "prod", one.Scope)

	resp = do(t, http.MethodGet, recordURL(srv, "(nope-1.1.1.1-1)"), "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSetEnabledMovesPrincipal(t *testing.T) {
	r, _, srv := setup(t)
	a := register(t, r, "10.0.0.1", 8080)
	b := register(t, r, "10.0.0.2", 8080)
	require.True(t, a.Principal)

	var view RecordView
	resp := do(t, http.MethodPut, recordURL(srv, a.ID)+"/enabled", `{"enabled": false}`, &view)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, view.Enabled)
	assert.False(t, view.Principal)

	// 被禁用的实例不再可见
	var found []RecordView
	do(t, http.MethodGet, srv.URL+"/services/orders?scope=prod", "", &found)
	require.Len(t, found, 1)
	assert.Equal(t, b.ID, found[0].ID)

	resp = do(t, http.MethodPut, recordURL(srv, a.ID)+"/enabled", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = do(t, http.MethodPut, recordURL(srv, "(x-y-1)")+"/enabled", `{"enabled": true}`, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFindScope(t *testing.T) {
	r, _, srv := setup(t)
	register(t, r, "10.0.0.1", 8080)

	var found []RecordView
	do(t, http.MethodGet, srv.URL+"/services/ORDERS?scope=pro", "", &found)
	assert.Len(t, found, 1)

	do(t, http.MethodGet, srv.URL+"/services/orders?scope=staging", "", &found)
	assert.Empty(t, found)
}

func TestClearOffline(t *testing.T) {
	r, clk, srv := setup(t)
	register(t, r, "10.0.0.1", 8080)

	var out map[string]int
	do(t, http.MethodDelete, srv.URL+"/records/offline", "", &out)
	assert.Equal(t, 0, out["removed"])

	clk.Advance(6 * time.Second)
	r.Sweep()
	do(t, http.MethodDelete, srv.URL+"/records/offline", "", &out)
	assert.Equal(t, 1, out["removed"])
	assert.Empty(t, r.Records())
}

func TestMetrics(t *testing.T) {
	r, _, srv := setup(t)
	register(t, r, "10.0.0.1", 8080)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "disco_registrations_total")
}

func dialWatch(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/watch", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func TestWatchStreamsChanges(t *testing.T) {
	r, clk, srv := setup(t)
	a := register(t, r, "10.0.0.1", 8080)

	conn := dialWatch(t, srv)
	var ev WatchEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "snapshot", ev.Type)
	require.Len(t, ev.Records, 1)
	assert.Equal(t, a.ID, ev.Records[0].ID)

	b := register(t, r, "10.0.0.2", 8080)
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "change", ev.Type)
	assert.Equal(t, []string{b.ID}, ev.IDs)
	require.Len(t, ev.Records, 1)
	assert.False(t, ev.Records[0].Principal)

	clk.Advance(6 * time.Second)
	r.Sweep()
	require.NoError(t, conn.ReadJSON(&ev))
	assert.ElementsMatch(t, []string{a.ID, b.ID}, ev.IDs)
	for _, rec := range ev.Records {
		assert.Equal(t, api.Offline, rec.HealthState)
	}

	r.ClearOffline()
	require.NoError(t, conn.ReadJSON(&ev))
	assert.True(t, ev.Removed)
	assert.Empty(t, ev.Records)
}

func TestCloseEndsWatch(t *testing.T) {
	_, _, srv := setup(t)
	h := srv.Config.Handler.(*Handler)

	conn := dialWatch(t, srv)
	var ev WatchEvent
	require.NoError(t, conn.ReadJSON(&ev))

	h.Close()
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	resp, err := http.Get(srv.URL + "/watch")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
