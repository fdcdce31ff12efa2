package policy

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xizzxy/gatekeeper/internal/config"
	"github.com/xizzxy/gatekeeper/internal/limiter"
)

func newTestEtcdRepository(t *testing.T) *EtcdRepository {
	t.Helper()
	endpoints := os.Getenv("GATEKEEPER_TEST_ETCD")
	if endpoints == "" {
		t.Skip("GATEKEEPER_TEST_ETCD not set")
	}

	repo, err := NewEtcdRepository(config.EtcdConfig{
		Endpoints:    strings.Split(endpoints, ","),
		DialTimeout:  5 * time.Second,
		PolicyPrefix: fmt.Sprintf("/gatekeeper-test/%d/policies/", time.Now().UnixNano()),
	}, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestDecodePolicy(t *testing.T) {
	p, err := decodePolicy("login", []byte(`{"resource":"ignored","algorithm":"sliding_window_log","limit":5,"window_seconds":60}`))
	require.NoError(t, err)
	assert.Equal(t, "login", p.Resource)
	assert.Equal(t, int64(5), p.Limit)

	_, err = decodePolicy("login", []byte(`{"algorithm":"sliding_window_log"}`))
	assert.ErrorIs(t, err, limiter.ErrInvalidConfig)

	_, err = decodePolicy("login", []byte(`not json`))
	assert.Error(t, err)
}

func TestEtcdRepositoryCRUD(t *testing.T) {
	repo := newTestEtcdRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.Ping(ctx))

	login := Policy{Resource: "login", Config: limiter.Config{Algorithm: limiter.AlgoSlidingWindowLog, Limit: 5, WindowSeconds: 60}}
	require.NoError(t, repo.Put(ctx, login))

	got, err := repo.Get(ctx, "login")
	require.NoError(t, err)
	assert.Equal(t, login.Config, got.Config)
	assert.False(t, got.UpdatedAt.IsZero())

	assert.ErrorIs(t, repo.Create(ctx, login), ErrExists)
	search := Policy{Resource: "search", Config: limiter.Config{Algorithm: limiter.AlgoTokenBucket, Capacity: 10, RatePerSecond: 1}}
	require.NoError(t, repo.Create(ctx, search))
	require.NoError(t, repo.Delete(ctx, "search"))

	err = repo.Put(ctx, Policy{Resource: "bad", Config: limiter.Config{Algorithm: limiter.AlgoTokenBucket}})
	assert.ErrorIs(t, err, ErrInvalidPolicy)

	list, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, repo.Delete(ctx, "login"))
	_, err = repo.Get(ctx, "login")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, "login"), ErrNotFound)
}

func TestEtcdRepositoryWatch(t *testing.T) {
	repo := newTestEtcdRepository(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	search := Policy{Resource: "search", Config: limiter.Config{Algorithm: limiter.AlgoTokenBucket, Capacity: 10, RatePerSecond: 1}}
	require.NoError(t, repo.Put(ctx, search))

	sink := newRecordingSink()
	done := make(chan error, 1)
	go func() { done <- repo.Watch(ctx, sink) }()

	require.Eventually(t, func() bool {
		policies, _ := sink.snapshot()
		return policies["search"] == search.Config
	}, 5*time.Second, 20*time.Millisecond)

	upload := Policy{Resource: "upload", Config: limiter.Config{Algorithm: limiter.AlgoLeakyBucket, Capacity: 2, RatePerSecond: 1}}
	require.NoError(t, repo.Put(ctx, upload))
	require.NoError(t, repo.Delete(ctx, "search"))

	require.Eventually(t, func() bool {
		policies, _ := sink.snapshot()
		_, hasSearch := policies["search"]
		return !hasSearch && policies["upload"] == upload.Config
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
