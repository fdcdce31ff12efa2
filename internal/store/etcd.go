package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/xizzxy/gatekeeper/internal/config"
)

// Etcd keeps limiter state in etcd. The key's ModRevision is its version.
// TTLs ride on leases shared by every write with the same TTL, so a key
// outlives its last write by at least ttl and at most twice that.
type Etcd struct {
	client    *clientv3.Client
	prefix    string
	endpoints []string
	owned     bool
	leases    *leaseCache
}

func NewEtcd(cfg config.EtcdConfig) (*Etcd, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	e := NewEtcdFromClient(client, cfg.StatePrefix)
	e.endpoints = cfg.Endpoints
	e.owned = true
	return e, nil
}

// NewEtcdFromClient shares an existing client; Close leaves it open.
func NewEtcdFromClient(client *clientv3.Client, prefix string) *Etcd {
	e := &Etcd{client: client, prefix: prefix, endpoints: client.Endpoints()}
	e.leases = newLeaseCache(func(ctx context.Context, seconds int64) (clientv3.LeaseID, error) {
		resp, err := client.Grant(ctx, seconds)
		if err != nil {
			return clientv3.NoLease, err
		}
		return resp.ID, nil
	}, time.Now)
	return e
}

func (e *Etcd) path(key string) string {
	return e.prefix + key
}

func (e *Etcd) Get(ctx context.Context, key string) (Entry, error) {
	resp, err := e.client.Get(ctx, e.path(key))
	if err != nil {
		return Entry{}, fmt.Errorf("etcd get %q: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return Entry{}, nil
	}
	kv := resp.Kvs[0]
	return Entry{Value: kv.Value, Version: kv.ModRevision}, nil
}

func (e *Etcd) CompareAndSwap(ctx context.Context, key string, version int64, value []byte, ttl time.Duration) (bool, error) {
	swapped, err := e.compareAndSwap(ctx, key, version, value, ttl)
	if errors.Is(err, rpctypes.ErrLeaseNotFound) {
		// The shared lease was revoked or expired early; take a fresh one.
		e.leases.forget(ttlSeconds(ttl))
		swapped, err = e.compareAndSwap(ctx, key, version, value, ttl)
	}
	if err != nil {
		return false, fmt.Errorf("etcd cas %q: %w", key, err)
	}
	return swapped, nil
}

func (e *Etcd) compareAndSwap(ctx context.Context, key string, version int64, value []byte, ttl time.Duration) (bool, error) {
	path := e.path(key)

	var opts []clientv3.OpOption
	if ttl > 0 {
		lease, err := e.leases.lease(ctx, ttlSeconds(ttl))
		if err != nil {
			return false, fmt.Errorf("lease: %w", err)
		}
		opts = append(opts, clientv3.WithLease(lease))
	}

	cmp := clientv3.Compare(clientv3.ModRevision(path), "=", version)
	if version == 0 {
		cmp = clientv3.Compare(clientv3.CreateRevision(path), "=", 0)
	}

	resp, err := e.client.Txn(ctx).
		If(cmp).
		Then(clientv3.OpPut(path, string(value), opts...)).
		Commit()
	if err != nil {
		return false, err
	}
	return resp.Succeeded, nil
}

func (e *Etcd) Delete(ctx context.Context, key string) error {
	if _, err := e.client.Delete(ctx, e.path(key)); err != nil {
		return fmt.Errorf("etcd delete %q: %w", key, err)
	}
	return nil
}

func (e *Etcd) Ping(ctx context.Context) error {
	if len(e.endpoints) == 0 {
		return fmt.Errorf("etcd: no endpoints")
	}
	_, err := e.client.Status(ctx, e.endpoints[0])
	return err
}

func (e *Etcd) Close() error {
	if !e.owned {
		return nil
	}
	return e.client.Close()
}

func ttlSeconds(ttl time.Duration) int64 {
	return int64(math.Ceil(ttl.Seconds()))
}

type grantFunc func(ctx context.Context, seconds int64) (clientv3.LeaseID, error)

type cachedLease struct {
	id        clientv3.LeaseID
	expiresAt time.Time
}

// leaseCache hands out one lease per TTL. A lease is granted for twice the
// TTL and reused until fewer than ttl seconds of it remain.
type leaseCache struct {
	mu     sync.Mutex
	grant  grantFunc
	now    func() time.Time
	leases map[int64]cachedLease
}

func newLeaseCache(grant grantFunc, now func() time.Time) *leaseCache {
	return &leaseCache{grant: grant, now: now, leases: make(map[int64]cachedLease)}
}

func (c *leaseCache) lease(ctx context.Context, seconds int64) (clientv3.LeaseID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	ttl := time.Duration(seconds) * time.Second
	if l, ok := c.leases[seconds]; ok && !now.Add(ttl).After(l.expiresAt) {
		return l.id, nil
	}

	id, err := c.grant(ctx, 2*seconds)
	if err != nil {
		return clientv3.NoLease, err
	}
	c.leases[seconds] = cachedLease{id: id, expiresAt: now.Add(2 * ttl)}
	return id, nil
}

func (c *leaseCache) forget(seconds int64) {
	c.mu.Lock()
	delete(c.leases, seconds)
	c.mu.Unlock()
}
