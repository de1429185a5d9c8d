package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"
	"github.com/gorilla/websocket"
	"github.com/l0p7/resilcache/internal/audit"
	"github.com/l0p7/resilcache/internal/config"
	"github.com/l0p7/resilcache/internal/conflict"
	"github.com/l0p7/resilcache/internal/metrics"
	"github.com/l0p7/resilcache/internal/recovery"
	"github.com/l0p7/resilcache/internal/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

type harness struct {
	node      *runtime.Node
	server    *httptest.Server
	expect    *httpexpect.Expect
	delivered *atomic.Int32
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	var delivered atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(origin.Close)

	t.Setenv("RESILCACHE_API_TEST_SECRET", "api test secret")
	cfg := config.DefaultConfig()
	cfg.Store.Dir = t.TempDir()
	cfg.Store.Backend = "memory"
	cfg.Store.Encryption.SecretEnv = "RESILCACHE_API_TEST_SECRET"
	cfg.Snapshot.Interval = 0
	cfg.Retry.Destinations = map[string]config.DestinationConfig{"origin": {URL: origin.URL}}

	rec := metrics.NewRecorder(prometheus.NewRegistry())
	node, err := runtime.New(context.Background(), cfg, runtime.Options{
		Logger:  newTestLogger(),
		Metrics: rec,
		Audit:   &audit.Recorder{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = node.Close(context.Background()) })

	handler, err := NewHandler(NodeDeps(node, rec, newTestLogger()))
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return &harness{
		node:   node,
		server: srv,
		expect: httpexpect.WithConfig(httpexpect.Config{
			BaseURL:  srv.URL,
			Reporter: httpexpect.NewRequireReporter(t),
			Client:   srv.Client(),
		}),
		delivered: &delivered,
	}
}

// submitDivergent posts two equally trusted, equally fresh candidates so the
// resolver cannot pick a winner.
func (h *harness) submitDivergent(key string) string {
	at := time.Now().UTC().Format(time.RFC3339Nano)
	h.expect.POST("/candidates").
		WithJSON(map[string]any{"key": key, "origin": "cache", "value": map[string]any{"v": 1}, "trustScore": 0.9, "observedAt": at}).
		Expect().
		Status(http.StatusOK)
	out := h.expect.POST("/candidates").
		WithJSON(map[string]any{"key": key, "origin": "remote", "value": map[string]any{"v": 2}, "trustScore": 0.9, "observedAt": at}).
		Expect().
		Status(http.StatusAccepted).
		JSON().Object()
	out.Value("resolution").String().IsEqual(string(conflict.Pending))
	return out.Value("conflictId").String().Raw()
}

func TestNewHandlerRequiresDeps(t *testing.T) {
	_, err := NewHandler(Deps{})
	require.Error(t, err)
}

func TestHealthAndStats(t *testing.T) {
	h := newHarness(t)

	health := h.expect.GET("/healthz").Expect().Status(http.StatusOK).JSON().Object()
	health.Value("status").String().IsEqual(string(recovery.Healthy))
	health.Value("healthy").Boolean().IsTrue()

	stats := h.expect.GET("/stats").Expect().Status(http.StatusOK).JSON().Object()
	stats.Value("backend").String().IsEqual("memory")
	stats.Value("recovery").Object().Value("state").String().IsEqual(string(recovery.Healthy))
	stats.Value("store").Object().ContainsKey("hitRatio")
}

func TestHealthReportsRecoveryState(t *testing.T) {
	h := newHarness(t)
	h.node.Recovery.Signal(recovery.Signal{Kind: recovery.SignalManual})

	h.expect.GET("/healthz").Expect().
		Status(http.StatusServiceUnavailable).
		JSON().Object().Value("status").String().IsEqual(string(recovery.Degraded))
}

func TestReasonsCatalogue(t *testing.T) {
	h := newHarness(t)
	codes := h.expect.GET("/reasons").Expect().Status(http.StatusOK).JSON().Array()
	codes.NotEmpty()
	codes.Value(0).Object().ContainsKey("code").ContainsKey("category").ContainsKey("title")
}

func TestCacheRoundTrip(t *testing.T) {
	h := newHarness(t)

	h.expect.GET("/cache/settings:theme").Expect().Status(http.StatusNotFound)
	h.expect.PUT("/cache/settings:theme").
		WithQuery("ttl", "1m").
		WithBytes([]byte(`{"mode":"dark"}`)).
		Expect().
		Status(http.StatusNoContent)

	resp := h.expect.GET("/cache/settings:theme").Expect().Status(http.StatusOK)
	resp.Header("Content-Type").IsEqual("application/json")
	resp.JSON().Object().Value("mode").String().IsEqual("dark")

	h.expect.PUT("/cache/blob").WithBytes([]byte{0xff, 0x00}).Expect().Status(http.StatusNoContent)
	h.expect.GET("/cache/blob").Expect().Status(http.StatusOK).
		Header("Content-Type").IsEqual("application/octet-stream")

	h.expect.DELETE("/cache/settings:theme").Expect().Status(http.StatusNoContent)
	h.expect.GET("/cache/settings:theme").Expect().Status(http.StatusNotFound)

	h.expect.PUT("/cache/x").WithQuery("ttl", "soon").WithBytes([]byte("1")).Expect().Status(http.StatusBadRequest)
}

func TestSubmitCandidateValidation(t *testing.T) {
	h := newHarness(t)

	fields := h.expect.POST("/candidates").
		WithJSON(map[string]any{"origin": "gossip", "value": 1, "trustScore": 2}).
		Expect().
		Status(http.StatusBadRequest).
		JSON().Object().Value("fields").Object()
	fields.Value("key").String().IsEqual("required")
	fields.Value("origin").String().IsEqual("oneof")
	fields.Value("trustScore").String().IsEqual("lte")

	h.expect.POST("/candidates").WithText("{").Expect().Status(http.StatusBadRequest)
	h.expect.POST("/candidates").
		WithJSON(map[string]any{"key": "k", "origin": "cache", "value": 1, "extra": true}).
		Expect().
		Status(http.StatusBadRequest)
}

func TestSubmitCandidateAutoResolves(t *testing.T) {
	h := newHarness(t)
	now := time.Now().UTC()

	h.expect.POST("/candidates").
		WithJSON(map[string]any{"key": "profile:7", "origin": "cache", "value": map[string]any{"name": "old"}, "trustScore": 0.5, "observedAt": now.Add(-time.Hour)}).
		Expect().
		Status(http.StatusOK).
		JSON().Object().Value("resolution").String().IsEqual(string(conflict.NoConflict))

	out := h.expect.POST("/candidates").
		WithJSON(map[string]any{"key": "profile:7", "origin": "remote", "value": map[string]any{"name": "new"}, "trustScore": 0.9, "observedAt": now}).
		Expect().
		Status(http.StatusOK).
		JSON().Object()
	out.Value("resolution").String().IsEqual(string(conflict.AutoResolved))
	out.Value("committed").Boolean().IsTrue()

	h.expect.GET("/cache/profile:7").Expect().Status(http.StatusOK).
		JSON().Object().Value("name").String().IsEqual("new")
}

func TestResolveConflictByHand(t *testing.T) {
	h := newHarness(t)
	id := h.submitDivergent("profile:9")

	h.expect.GET("/conflicts").WithQuery("pending", "true").Expect().
		Status(http.StatusOK).JSON().Array().Length().IsEqual(1)
	entry := h.expect.GET("/conflicts/" + id).Expect().Status(http.StatusOK).JSON().Object()
	entry.Value("sources").Array().Length().IsEqual(2)
	entry.Value("scores").Array().Length().IsEqual(2)

	h.expect.POST("/conflicts/" + id + "/resolution").
		WithJSON(map[string]any{"action": "accept"}).
		Expect().
		Status(http.StatusBadRequest).
		JSON().Object().Value("fields").Object().Value("index").String().IsEqual("required_if")

	h.expect.POST("/conflicts/" + id + "/resolution").
		WithJSON(map[string]any{"action": "accept", "index": 5}).
		Expect().
		Status(http.StatusUnprocessableEntity)

	h.expect.POST("/conflicts/" + id + "/resolution").
		WithJSON(map[string]any{"action": "accept", "index": 1}).
		Expect().
		Status(http.StatusOK).
		JSON().Object().Value("resolution").String().IsEqual(string(conflict.UserAccepted))

	h.expect.GET("/cache/profile:9").Expect().Status(http.StatusOK).
		JSON().Object().Value("v").Number().IsEqual(2)

	h.expect.POST("/conflicts/" + id + "/resolution").
		WithJSON(map[string]any{"action": "reject"}).
		Expect().
		Status(http.StatusConflict)
	h.expect.GET("/conflicts").WithQuery("pending", "true").Expect().
		Status(http.StatusOK).JSON().Array().IsEmpty()
}

func TestConflictLookupErrors(t *testing.T) {
	h := newHarness(t)
	h.expect.GET("/conflicts/not-a-uuid").Expect().Status(http.StatusBadRequest)
	h.expect.GET("/conflicts/6f1d9a52-5f0e-4a8e-9d4c-6b1f0e8f6a11").Expect().Status(http.StatusNotFound)
	h.expect.POST("/conflicts/6f1d9a52-5f0e-4a8e-9d4c-6b1f0e8f6a11/resolution").
		WithJSON(map[string]any{"action": "reject"}).
		Expect().
		Status(http.StatusNotFound)
	h.expect.GET("/conflicts").WithQuery("limit", "-1").Expect().Status(http.StatusBadRequest)
	h.expect.GET("/conflicts").WithQuery("pending", "maybe").Expect().Status(http.StatusBadRequest)
}

func TestQueueEnqueueAndFlush(t *testing.T) {
	h := newHarness(t)

	h.expect.POST("/queue").
		WithJSON(map[string]any{"destination": "elsewhere", "payload": map[string]any{}}).
		Expect().
		Status(http.StatusBadRequest)
	h.expect.POST("/queue").
		WithJSON(map[string]any{"destination": "origin", "payload": map[string]any{}, "maxStaleness": "forever"}).
		Expect().
		Status(http.StatusBadRequest)

	cmd := h.expect.POST("/queue").
		WithJSON(map[string]any{"destination": "origin", "payload": map[string]any{"op": "sync"}, "critical": true, "maxStaleness": "1h"}).
		Expect().
		Status(http.StatusAccepted).
		JSON().Object()
	cmd.Value("destination").String().IsEqual("origin")
	cmd.Value("critical").Boolean().IsTrue()

	h.expect.GET("/queue").Expect().Status(http.StatusOK).JSON().Array().Length().IsEqual(1)

	h.expect.POST("/queue/flush").Expect().Status(http.StatusOK).
		JSON().Object().Value("delivered").Number().IsEqual(1)
	require.Equal(t, int32(1), h.delivered.Load())
	h.expect.GET("/queue").Expect().Status(http.StatusOK).JSON().Array().IsEmpty()
}

func TestRecoveryStatusAndReset(t *testing.T) {
	h := newHarness(t)

	h.expect.GET("/recovery").Expect().Status(http.StatusOK).
		JSON().Object().NotContainsKey("lastReport").Value("state").String().IsEqual(string(recovery.Healthy))
	h.expect.POST("/recovery/reset").Expect().Status(http.StatusOK).
		JSON().Object().Value("reset").Boolean().IsFalse()

	h.node.Recovery.Recover(context.Background(), recovery.Signal{Kind: recovery.SignalManual})
	h.expect.GET("/recovery").Expect().Status(http.StatusOK).
		JSON().Object().Value("lastReport").Object().Value("outcome").String().IsEqual(recovery.OutcomeRecovered)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	h.expect.PUT("/cache/k").WithBytes([]byte("v")).Expect().Status(http.StatusNoContent)
	h.expect.GET("/metrics").Expect().Status(http.StatusOK).Body().Contains("resilcache_")
}

func dialEvents(t *testing.T, h *harness, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/events" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var hello streamMessage
	require.NoError(t, conn.ReadJSON(&hello))
	require.Equal(t, "hello", hello.Type)
	return conn
}

func TestEventStreamCarriesConflictAndRecovery(t *testing.T) {
	h := newHarness(t)
	conn := dialEvents(t, h, "")

	id := h.submitDivergent("profile:3")
	var msg streamMessage
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "conflict", msg.Type)
	require.NotNil(t, msg.Conflict)
	require.Equal(t, id, msg.Conflict.ID.String())
	require.Equal(t, conflict.Pending, msg.Conflict.Resolution)

	h.node.Recovery.Signal(recovery.Signal{Kind: recovery.SignalManual})
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "recovery", msg.Type)
	require.Equal(t, recovery.Degraded, msg.Recovery.To)
}

func TestEventStreamFiltersTypes(t *testing.T) {
	h := newHarness(t)
	conn := dialEvents(t, h, "?types=recovery")

	h.submitDivergent("profile:4")
	h.node.Recovery.Signal(recovery.Signal{Kind: recovery.SignalManual})

	var msg streamMessage
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "recovery", msg.Type)

	h.expect.GET("/events").WithQuery("types", "nothing").Expect().Status(http.StatusBadRequest)
}
