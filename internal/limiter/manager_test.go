package limiter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(newMemoryStore(t), Options{FailureMode: FailOpen}, fiveOfEach[AlgoTokenBucket])
	require.NoError(t, err)
	return r
}

func TestNewRegistryRejectsInvalidDefault(t *testing.T) {
	_, err := NewRegistry(newMemoryStore(t), Options{FailureMode: FailOpen}, Config{Algorithm: AlgoTokenBucket})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRegistryFallsBackToDefault(t *testing.T) {
	r := newTestRegistry(t)

	l := r.ForResource("unknown")
	assert.Equal(t, AlgoTokenBucket, l.Config().Algorithm)
	assert.Equal(t, FailOpen, l.FailureMode())
	assert.Empty(t, r.Resources())
	assert.Equal(t, fiveOfEach[AlgoTokenBucket], r.Default())
}

func TestRegistryApplyAndRemove(t *testing.T) {
	r := newTestRegistry(t)
	login := Config{Algorithm: AlgoSlidingWindowLog, Limit: 1, WindowSeconds: 60}

	require.NoError(t, r.Apply("login", login))
	assert.Equal(t, login, r.ForResource("login").Config())
	assert.Equal(t, []string{"login"}, r.Resources())
	assert.Equal(t, map[string]Config{"login": login}, r.Policies())

	err := r.Apply("search", Config{Algorithm: AlgoLeakyBucket, Capacity: 1})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Equal(t, []string{"login"}, r.Resources())

	r.Remove("login")
	assert.Equal(t, AlgoTokenBucket, r.ForResource("login").Config().Algorithm)
}

func TestRegistryReplaceIsAllOrNothing(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Apply("login", fiveOfEach[AlgoSlidingWindowLog]))

	err := r.Replace(map[string]Config{
		"search": fiveOfEach[AlgoLeakyBucket],
		"upload": {Algorithm: AlgoSlidingWindowCounter, Limit: 10},
	})
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Equal(t, []string{"login"}, r.Resources())

	require.NoError(t, r.Replace(map[string]Config{
		"search": fiveOfEach[AlgoLeakyBucket],
		"upload": fiveOfEach[AlgoSlidingWindowCounter],
	}))
	assert.Equal(t, []string{"search", "upload"}, r.Resources())
}

func TestRegistryNamespacesResources(t *testing.T) {
	r := newTestRegistry(t)
	one := Config{Algorithm: AlgoSlidingWindowLog, Limit: 1, WindowSeconds: 60}
	require.NoError(t, r.Apply("a", one))
	require.NoError(t, r.Apply("b", one))

	ctx := context.Background()
	for _, resource := range []string{"a", "b"} {
		d, err := r.ForResource(resource).Evaluate(ctx, "client", t0)
		require.NoError(t, err)
		assert.True(t, d.Allowed, resource)
	}

	d, err := r.ForResource("a").Evaluate(ctx, "client", t0)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	entry, err := r.store.Get(ctx, KeyPrefix+"a:client")
	require.NoError(t, err)
	assert.Equal(t, int64(2), entry.Version)

	require.NoError(t, r.ForResource("a").Reset(ctx, "client"))
	d, err = r.ForResource("a").Evaluate(ctx, "client", t0)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRegistryDefaultPolicyIsKeyedPerResource(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.ForResource("anything").Evaluate(ctx, "client", t0)
	require.NoError(t, err)
	_, err = r.ForResource(DefaultResource).Evaluate(ctx, "client", t0)
	require.NoError(t, err)

	for _, key := range []string{KeyPrefix + "anything:client", KeyPrefix + "default:client"} {
		entry, err := r.store.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, int64(1), entry.Version, key)
	}
}

func TestRegistryDefaultCanBeReplacedNotRemoved(t *testing.T) {
	r := newTestRegistry(t)
	counter := fiveOfEach[AlgoSlidingWindowCounter]

	require.NoError(t, r.Apply(DefaultResource, counter))
	assert.Equal(t, counter, r.Default())
	assert.Equal(t, counter, r.ForResource("anything").Config())
	assert.Empty(t, r.Resources())

	r.Remove(DefaultResource)
	assert.Equal(t, counter, r.Default())

	// Replace without a default keeps the current one.
	require.NoError(t, r.Replace(map[string]Config{"login": fiveOfEach[AlgoSlidingWindowLog]}))
	assert.Equal(t, counter, r.Default())

	require.NoError(t, r.Replace(map[string]Config{DefaultResource: fiveOfEach[AlgoLeakyBucket]}))
	assert.Equal(t, fiveOfEach[AlgoLeakyBucket], r.Default())
	assert.Empty(t, r.Resources())
}

func TestRegistryResolve(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Apply("login", Config{Algorithm: AlgoSlidingWindowLog, Limit: 1, WindowSeconds: 60}))

	assert.Equal(t, "login", r.Resolve("login"))
	assert.Equal(t, DefaultResource, r.Resolve(DefaultResource))
	assert.Equal(t, DefaultResource, r.Resolve("r1"))
	assert.Equal(t, DefaultResource, r.Resolve(""))

	r.Remove("login")
	assert.Equal(t, DefaultResource, r.Resolve("login"))
}
