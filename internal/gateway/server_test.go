package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xizzxy/gatekeeper/internal/config"
	"github.com/xizzxy/gatekeeper/internal/limiter"
	"github.com/xizzxy/gatekeeper/internal/store"
)

var testNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	cfg := config.LoadConfig()
	cfg.Limiter.Store = "memory"
	cfg.Limiter.FailureMode = "closed"
	cfg.Limiter.Algorithm = string(limiter.AlgoSlidingWindowLog)
	cfg.Limiter.Limit = 2
	cfg.Limiter.WindowSeconds = 60
	cfg.Gateway.PolicySource = "none"
	cfg.Observability.MetricsEnabled = true
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config, st store.Store) *Server {
	t.Helper()
	if st == nil {
		m, err := store.NewMemory()
		require.NoError(t, err)
		t.Cleanup(func() { _ = m.Close() })
		st = m
	}

	registry, err := limiter.NewRegistry(st, LimiterOptions(cfg), DefaultPolicy(cfg))
	require.NoError(t, err)

	s := newServer(cfg, discardLogger(), st, registry)
	s.now = func() time.Time { return testNow }
	return s
}

func do(t *testing.T, s *Server, method, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

// downStore fails every operation.
type downStore struct{}

var errDown = errors.New("connection refused")

func (downStore) Get(context.Context, string) (store.Entry, error) { return store.Entry{}, errDown }
func (downStore) CompareAndSwap(context.Context, string, int64, []byte, time.Duration) (bool, error) {
	return false, errDown
}
func (downStore) Delete(context.Context, string) error { return errDown }
func (downStore) Ping(context.Context) error           { return errDown }
func (downStore) Close() error                         { return nil }

func TestAllowAdmitsThenDenies(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)

	for i := 0; i < 2; i++ {
		rec := do(t, s, http.MethodGet, "/api/v1/allow?key=alice", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, strconv.Itoa(1-i), rec.Header().Get("X-RateLimit-Remaining"))
		assert.Equal(t, strconv.FormatInt(testNow.Add(time.Minute).Unix(), 10), rec.Header().Get("X-RateLimit-Reset"))
		assert.Empty(t, rec.Header().Get("Retry-After"))
		assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

		body := decodeBody(t, rec)
		assert.Equal(t, true, body["allowed"])
		assert.Equal(t, limiter.DefaultResource, body["resource"])
	}

	rec := do(t, s, http.MethodGet, "/api/v1/allow?key=alice", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "61", rec.Header().Get("Retry-After"))

	body := decodeBody(t, rec)
	assert.Equal(t, false, body["allowed"])
	assert.Equal(t, "rate limit exceeded", body["error"])
	assert.Equal(t, float64(61), body["retry_after_seconds"])

	// Another identity has its own budget.
	rec = do(t, s, http.MethodGet, "/api/v1/allow?key=bob", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAllowIdentityFallsBackToAPIKeyThenClientIP(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)
	apiKey := http.Header{"X-Api-Key": []string{"k1"}}

	do(t, s, http.MethodGet, "/api/v1/allow", apiKey)
	do(t, s, http.MethodGet, "/api/v1/allow", apiKey)
	assert.Equal(t, http.StatusTooManyRequests, do(t, s, http.MethodGet, "/api/v1/allow", apiKey).Code)

	// No key at all: limited by client IP, which is separate from k1.
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/api/v1/allow", nil).Code)
}

func TestAllowUsesResourcePolicy(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)
	require.NoError(t, s.registry.Apply("login", limiter.Config{Algorithm: limiter.AlgoTokenBucket, Capacity: 1, RatePerSecond: 0.5}))

	rec := do(t, s, http.MethodGet, "/api/v1/allow?resource=login&key=alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))

	rec = do(t, s, http.MethodGet, "/api/v1/allow?resource=login&key=alice", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
}

func TestStoreFailureClosedReturns503(t *testing.T) {
	s := newTestServer(t, testConfig(), downStore{})

	rec := do(t, s, http.MethodGet, "/api/v1/allow?key=alice", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, "rate limiter unavailable", decodeBody(t, rec)["error"])

	metrics := do(t, s, http.MethodGet, "/metrics", nil)
	assert.Contains(t, metrics.Body.String(), `gatekeeper_store_errors_total{failure_mode="closed",resource="default"} 1`)
}

func TestStoreFailureOpenAdmits(t *testing.T) {
	cfg := testConfig()
	cfg.Limiter.FailureMode = "open"
	s := newTestServer(t, cfg, downStore{})

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/api/v1/allow?key=alice", nil).Code)
	}
}

func TestEchoIsRateLimited(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)
	header := http.Header{"X-Api-Key": []string{"alice"}}

	rec := do(t, s, http.MethodPost, "/api/v1/echo", header)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, http.MethodPost, body["method"])
	assert.Equal(t, rec.Header().Get("X-Request-ID"), body["request_id"])

	do(t, s, http.MethodPut, "/api/v1/echo", header)
	rec = do(t, s, http.MethodGet, "/api/v1/echo", header)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// The echo resource is separate from /allow.
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/api/v1/allow", header).Code)
}

func TestRequestIDIsPropagated(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)
	rec := do(t, s, http.MethodGet, "/health", http.Header{"X-Request-Id": []string{"req-123"}})
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
}

func TestResetClearsLimit(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)
	for i := 0; i < 3; i++ {
		do(t, s, http.MethodGet, "/api/v1/allow?key=alice", nil)
	}
	require.Equal(t, http.StatusTooManyRequests, do(t, s, http.MethodGet, "/api/v1/allow?key=alice", nil).Code)

	rec := do(t, s, http.MethodDelete, "/api/v1/limits/default/alice", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/api/v1/allow?key=alice", nil).Code)
}

func TestResetEchoBudget(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)
	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/api/v1/echo", nil).Code)
	}
	require.Equal(t, http.StatusTooManyRequests, do(t, s, http.MethodGet, "/api/v1/echo", nil).Code)

	// httptest requests come from 192.0.2.1.
	rec := do(t, s, http.MethodDelete, "/api/v1/limits/echo/192.0.2.1", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/api/v1/echo", nil).Code)
}

func TestResetStoreDown(t *testing.T) {
	s := newTestServer(t, testConfig(), downStore{})
	rec := do(t, s, http.MethodDelete, "/api/v1/limits/default/alice", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPoliciesListsRegistry(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)
	require.NoError(t, s.policySink("test").Apply("login", limiter.Config{Algorithm: limiter.AlgoLeakyBucket, Capacity: 3, RatePerSecond: 1}))

	rec := do(t, s, http.MethodGet, "/api/v1/policies", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["count"])
	policies := body["policies"].(map[string]interface{})
	login := policies["login"].(map[string]interface{})
	assert.Equal(t, "leaky_bucket", login["algorithm"])
	assert.Equal(t, "sliding_window_log", body["default"].(map[string]interface{})["algorithm"])

	metrics := do(t, s, http.MethodGet, "/metrics", nil).Body.String()
	assert.Contains(t, metrics, "gatekeeper_policies 1")
	assert.Contains(t, metrics, `gatekeeper_policy_reloads_total{result="success",source="test"} 1`)
}

func TestHealth(t *testing.T) {
	rec := do(t, newTestServer(t, testConfig(), nil), http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "memory", body["store"])

	rec = do(t, newTestServer(t, testConfig(), downStore{}), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unhealthy", decodeBody(t, rec)["status"])
}

func TestStatsIncludesStoreStats(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)
	do(t, s, http.MethodGet, "/api/v1/allow?key=alice", nil)

	body := decodeBody(t, do(t, s, http.MethodGet, "/api/v1/stats", nil))
	assert.Equal(t, float64(testNow.Unix()), body["timestamp"])
	assert.Equal(t, map[string]interface{}{"keys": "1"}, body["store_stats"])
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)
	do(t, s, http.MethodGet, "/api/v1/allow?key=alice", nil)

	body := do(t, s, http.MethodGet, "/metrics", nil).Body.String()
	assert.Contains(t, body, `gatekeeper_decisions_total{algorithm="sliding_window_log",resource="default",result="allowed"} 1`)
	assert.Contains(t, body, `gatekeeper_http_requests_total{method="GET",route="/api/v1/allow",status="200"} 1`)

	cfg := testConfig()
	cfg.Observability.MetricsEnabled = false
	assert.Equal(t, http.StatusNotFound, do(t, newTestServer(t, cfg, nil), http.MethodGet, "/metrics", nil).Code)
}

func TestCORSPreflight(t *testing.T) {
	rec := do(t, newTestServer(t, testConfig(), nil), http.MethodOptions, "/api/v1/allow", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), "Retry-After")
}

func TestStartServesAndStops(t *testing.T) {
	cfg := testConfig()
	cfg.Gateway.Address = "127.0.0.1:0"
	cfg.Gateway.GRPCAddress = "127.0.0.1:0"
	cfg.Gateway.MaxConnections = 4
	s := newTestServer(t, cfg, nil)

	require.NoError(t, s.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestEchoLimitsOnCallerNotKeyParameter(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)

	admitted := 0
	for i := 0; i < 20; i++ {
		rec := do(t, s, http.MethodGet, "/api/v1/echo?key=client-"+strconv.Itoa(i), nil)
		if rec.Code == http.StatusOK {
			admitted++
		}
	}
	assert.Equal(t, 2, admitted)
}

func TestAllowCollapsesUnknownResourcesToDefault(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)

	admitted := 0
	for i := 0; i < 50; i++ {
		rec := do(t, s, http.MethodGet, "/api/v1/allow?key=alice&resource=r"+strconv.Itoa(i), nil)
		if rec.Code == http.StatusOK {
			assert.Equal(t, limiter.DefaultResource, decodeBody(t, rec)["resource"])
			admitted++
		}
	}
	assert.Equal(t, 2, admitted)

	metrics := do(t, s, http.MethodGet, "/metrics", nil).Body.String()
	assert.NotContains(t, metrics, `resource="r1"`)
	assert.Contains(t, metrics, `gatekeeper_decisions_total{algorithm="sliding_window_log",resource="default",result="denied"} 48`)
}

func TestResetHeaderRoundsUp(t *testing.T) {
	cfg := testConfig()
	cfg.Limiter.Algorithm = string(limiter.AlgoTokenBucket)
	cfg.Limiter.Capacity = 1
	cfg.Limiter.RatePerSecond = 1
	s := newTestServer(t, cfg, nil)
	s.now = func() time.Time { return testNow.Add(200 * time.Millisecond) }

	rec := do(t, s, http.MethodGet, "/api/v1/allow?key=alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	// The next token lands at +1.2s, so the first whole second after it.
	assert.Equal(t, strconv.FormatInt(testNow.Add(2*time.Second).Unix(), 10), rec.Header().Get("X-RateLimit-Reset"))
	assert.Equal(t, float64(testNow.Add(2*time.Second).Unix()), decodeBody(t, rec)["reset_at"])
}

// contendedStore reads fine but never wins a CAS, like a key hammered from
// many gateways at once.
type contendedStore struct{ store.Store }

func (contendedStore) CompareAndSwap(context.Context, string, int64, []byte, time.Duration) (bool, error) {
	return false, nil
}

func newContendedServer(t *testing.T) *Server {
	t.Helper()
	m, err := store.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	cfg := testConfig()
	cfg.Limiter.FailureMode = "open"
	cfg.Limiter.StoreTimeout = 20 * time.Millisecond
	return newTestServer(t, cfg, contendedStore{m})
}

func TestContendedKeyIsRateLimitedEvenWhenFailingOpen(t *testing.T) {
	s := newContendedServer(t)

	rec := do(t, s, http.MethodGet, "/api/v1/allow?key=alice", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, "rate limit exceeded", decodeBody(t, rec)["error"])
}
