package gateway

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xizzxy/gatekeeper/internal/store"
)

func dialTestServer(t *testing.T, s *Server) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	go func() { _ = s.grpcServer.Serve(lis) }()
	t.Cleanup(s.grpcServer.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := grpc.DialContext(ctx, "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestGRPCEvaluate(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)
	client := NewClient(dialTestServer(t, s))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := client.Evaluate(ctx, "", "alice")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, int64(2), d.Limit)
		assert.Equal(t, int64(1-i), d.Remaining)
		assert.True(t, testNow.Add(time.Minute).Equal(d.ResetAt))
		assert.Nil(t, d.RetryAfterSeconds)
	}

	d, err := client.Evaluate(ctx, "", "alice")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	require.NotNil(t, d.RetryAfterSeconds)
	assert.Equal(t, int64(61), *d.RetryAfterSeconds)

	// HTTP and gRPC share the limiter state.
	rec := do(t, s, http.MethodGet, "/api/v1/allow?key=alice", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	metrics := do(t, s, http.MethodGet, "/metrics", nil).Body.String()
	assert.Contains(t, metrics, `gatekeeper_grpc_requests_total{code="OK",method="/gatekeeper.v1.RateLimiter/Evaluate"} 3`)
}

func TestGRPCEvaluateRequiresKey(t *testing.T) {
	conn := dialTestServer(t, newTestServer(t, testConfig(), nil))

	req, err := structpb.NewStruct(map[string]interface{}{"resource": "login"})
	require.NoError(t, err)
	err = conn.Invoke(context.Background(), EvaluateMethod, req, new(structpb.Struct))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGRPCEvaluateStoreDown(t *testing.T) {
	client := NewClient(dialTestServer(t, newTestServer(t, testConfig(), downStore{})))
	_, err := client.Evaluate(context.Background(), "login", "alice")
	assert.Equal(t, codes.Unavailable, status.Code(err))

	cfg := testConfig()
	cfg.Limiter.FailureMode = "open"
	client = NewClient(dialTestServer(t, newTestServer(t, cfg, downStore{})))
	d, err := client.Evaluate(context.Background(), "login", "alice")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestGRPCHealth(t *testing.T) {
	m, err := store.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	conn := dialTestServer(t, newTestServer(t, testConfig(), m))
	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: RateLimiterServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestGRPCEvaluateContendedKeyIsDenied(t *testing.T) {
	client := NewClient(dialTestServer(t, newContendedServer(t)))

	d, err := client.Evaluate(context.Background(), "login", "alice")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	require.NotNil(t, d.RetryAfterSeconds)
	assert.Equal(t, int64(1), *d.RetryAfterSeconds)
}

func TestGRPCEvaluateCollapsesUnknownResource(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)
	client := NewClient(dialTestServer(t, s))

	for i := 0; i < 2; i++ {
		d, err := client.Evaluate(context.Background(), "made-up-"+strconv.Itoa(i), "alice")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
	d, err := client.Evaluate(context.Background(), "", "alice")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}
