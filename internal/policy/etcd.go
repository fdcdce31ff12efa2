package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/xizzxy/gatekeeper/internal/config"
	"github.com/xizzxy/gatekeeper/internal/limiter"
)

// Repository stores policies. The control plane writes through it and the
// gateway follows it.
type Repository interface {
	Put(ctx context.Context, p Policy) error
	// Create stores p only if its resource has no policy yet, and returns
	// ErrExists otherwise.
	Create(ctx context.Context, p Policy) error
	Get(ctx context.Context, resource string) (Policy, error)
	Delete(ctx context.Context, resource string) error
	List(ctx context.Context) ([]Policy, error)
	Ping(ctx context.Context) error
	Close() error
}

// EtcdRepository keeps one JSON record per resource under a key prefix.
type EtcdRepository struct {
	client    *clientv3.Client
	prefix    string
	endpoints []string
	owned     bool
	logger    *slog.Logger
}

func NewEtcdRepository(cfg config.EtcdConfig, logger *slog.Logger) (*EtcdRepository, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	r := NewEtcdRepositoryFromClient(client, cfg.PolicyPrefix, logger)
	r.owned = true
	return r, nil
}

// NewEtcdRepositoryFromClient shares an existing client; Close leaves it open.
func NewEtcdRepositoryFromClient(client *clientv3.Client, prefix string, logger *slog.Logger) *EtcdRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &EtcdRepository{
		client:    client,
		prefix:    prefix,
		endpoints: client.Endpoints(),
		logger:    logger,
	}
}

func (r *EtcdRepository) key(resource string) string {
	return r.prefix + resource
}

func (r *EtcdRepository) resource(key []byte) string {
	return strings.TrimPrefix(string(key), r.prefix)
}

func encodePolicy(p Policy) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal policy %q: %w", p.Resource, err)
	}
	return string(data), nil
}

func (r *EtcdRepository) Put(ctx context.Context, p Policy) error {
	data, err := encodePolicy(p)
	if err != nil {
		return err
	}
	if _, err := r.client.Put(ctx, r.key(p.Resource), data); err != nil {
		return fmt.Errorf("etcd put policy %q: %w", p.Resource, err)
	}
	return nil
}

func (r *EtcdRepository) Create(ctx context.Context, p Policy) error {
	data, err := encodePolicy(p)
	if err != nil {
		return err
	}
	key := r.key(p.Resource)
	resp, err := r.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, data)).
		Commit()
	if err != nil {
		return fmt.Errorf("etcd create policy %q: %w", p.Resource, err)
	}
	if !resp.Succeeded {
		return fmt.Errorf("%w: %s", ErrExists, p.Resource)
	}
	return nil
}

func (r *EtcdRepository) Get(ctx context.Context, resource string) (Policy, error) {
	resp, err := r.client.Get(ctx, r.key(resource))
	if err != nil {
		return Policy{}, fmt.Errorf("etcd get policy %q: %w", resource, err)
	}
	if len(resp.Kvs) == 0 {
		return Policy{}, fmt.Errorf("%w: %s", ErrNotFound, resource)
	}
	return decodePolicy(resource, resp.Kvs[0].Value)
}

func (r *EtcdRepository) Delete(ctx context.Context, resource string) error {
	resp, err := r.client.Delete(ctx, r.key(resource))
	if err != nil {
		return fmt.Errorf("etcd delete policy %q: %w", resource, err)
	}
	if resp.Deleted == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, resource)
	}
	return nil
}

// List returns every stored policy sorted by resource. Records that fail to
// decode are logged and skipped.
func (r *EtcdRepository) List(ctx context.Context) ([]Policy, error) {
	policies, _, err := r.list(ctx)
	return policies, err
}

func (r *EtcdRepository) list(ctx context.Context) ([]Policy, int64, error) {
	resp, err := r.client.Get(ctx, r.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, 0, fmt.Errorf("etcd list policies: %w", err)
	}

	policies := make([]Policy, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		p, err := decodePolicy(r.resource(kv.Key), kv.Value)
		if err != nil {
			r.logger.Warn("Skipping stored policy", "key", string(kv.Key), "error", err)
			continue
		}
		policies = append(policies, p)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Resource < policies[j].Resource })
	return policies, resp.Header.Revision, nil
}

func (r *EtcdRepository) Ping(ctx context.Context) error {
	if len(r.endpoints) == 0 {
		return fmt.Errorf("etcd: no endpoints")
	}
	_, err := r.client.Status(ctx, r.endpoints[0])
	return err
}

func (r *EtcdRepository) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}

// resyncInterval spaces out attempts to reload policies while etcd is down.
const resyncInterval = time.Second

// Watch loads every policy into sink and then applies changes as they are
// written, until ctx is done. When the watch is cut off (for example by
// compaction) or etcd cannot be reached, the full set is loaded again; the
// sink keeps its current policies meanwhile.
func (r *EtcdRepository) Watch(ctx context.Context, sink Sink) error {
	for {
		rev, err := r.sync(ctx, sink)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Error("Policy sync failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(resyncInterval):
			}
			continue
		}

		err = r.follow(ctx, sink, rev)
		if ctx.Err() != nil {
			return nil
		}
		r.logger.Warn("Policy watch interrupted, resyncing", "error", err)
	}
}

func (r *EtcdRepository) sync(ctx context.Context, sink Sink) (int64, error) {
	policies, rev, err := r.list(ctx)
	if err != nil {
		return 0, err
	}
	configs := make(map[string]limiter.Config, len(policies))
	for _, p := range policies {
		configs[p.Resource] = p.Config
	}
	if err := sink.Replace(configs); err != nil {
		return 0, fmt.Errorf("apply stored policies: %w", err)
	}
	r.logger.Info("Policies loaded from etcd", "count", len(policies), "revision", rev)
	return rev, nil
}

func (r *EtcdRepository) follow(ctx context.Context, sink Sink, rev int64) error {
	watchCtx, cancel := context.WithCancel(clientv3.WithRequireLeader(ctx))
	defer cancel()

	for resp := range r.client.Watch(watchCtx, r.prefix, clientv3.WithPrefix(), clientv3.WithRev(rev+1)) {
		if err := resp.Err(); err != nil {
			return err
		}
		for _, ev := range resp.Events {
			resource := r.resource(ev.Kv.Key)
			switch ev.Type {
			case clientv3.EventTypeDelete:
				sink.Remove(resource)
				r.logger.Info("Policy removed", "resource", resource)
			case clientv3.EventTypePut:
				p, err := decodePolicy(resource, ev.Kv.Value)
				if err == nil {
					err = sink.Apply(resource, p.Config)
				}
				if err != nil {
					r.logger.Error("Ignoring stored policy", "resource", resource, "error", err)
					continue
				}
				r.logger.Info("Policy applied", "resource", resource, "algorithm", p.Algorithm)
			}
		}
	}
	return ctx.Err()
}

func decodePolicy(resource string, data []byte) (Policy, error) {
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("decode policy %q: %w", resource, err)
	}
	p.Resource = resource
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}
