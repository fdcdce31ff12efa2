package limiter

import (
	"fmt"
	"sort"
	"sync"

	"github.com/xizzxy/gatekeeper/internal/store"
)

const (
	// KeyPrefix namespaces every limiter key in the counter store.
	KeyPrefix = "gatekeeper:"
	// DefaultResource names the fallback policy. It can be replaced but
	// never removed.
	DefaultResource = "default"
)

// Registry hands out the limiter for a resource, falling back to the
// default policy for resources without one. Policies can be swapped at
// runtime; limiters already handed out keep their old policy until dropped.
type Registry struct {
	mu       sync.RWMutex
	store    store.Store
	opts     Options
	fallback *Limiter
	limiters map[string]*Limiter
}

func NewRegistry(st store.Store, opts Options, defaultCfg Config) (*Registry, error) {
	fallback, err := New(defaultCfg, st, opts)
	if err != nil {
		return nil, fmt.Errorf("default policy: %w", err)
	}

	return &Registry{
		store:    st,
		opts:     opts,
		fallback: fallback.withPrefix(KeyPrefix + DefaultResource + ":"),
		limiters: make(map[string]*Limiter),
	}, nil
}

func (r *Registry) build(resource string, cfg Config) (*Limiter, error) {
	l, err := New(cfg, r.store, r.opts)
	if err != nil {
		return nil, fmt.Errorf("policy %q: %w", resource, err)
	}
	return l.withPrefix(KeyPrefix + resource + ":"), nil
}

// ForResource returns the limiter for resource. Resources without a policy
// get the default policy, still keyed under their own name so they do not
// share budgets.
func (r *Registry) ForResource(resource string) *Limiter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if l, ok := r.limiters[resource]; ok {
		return l
	}
	if resource == DefaultResource {
		return r.fallback
	}
	return r.fallback.withPrefix(KeyPrefix + resource + ":")
}

// Resolve maps a caller-supplied resource name onto a configured one:
// resources without a policy of their own resolve to DefaultResource, so
// unknown names share the default budget and never mint new key spaces.
func (r *Registry) Resolve(resource string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.limiters[resource]; ok {
		return resource
	}
	return DefaultResource
}

// Apply installs or replaces the policy of one resource. Applying
// DefaultResource replaces the fallback.
func (r *Registry) Apply(resource string, cfg Config) error {
	l, err := r.build(resource, cfg)
	if err != nil {
		return err
	}
	r.mu.Lock()
	if resource == DefaultResource {
		r.fallback = l
	} else {
		r.limiters[resource] = l
	}
	r.mu.Unlock()
	return nil
}

// Remove drops a resource's policy so it falls back to the default.
func (r *Registry) Remove(resource string) {
	r.mu.Lock()
	delete(r.limiters, resource)
	r.mu.Unlock()
}

// Replace swaps the whole policy set. Nothing changes if any policy is
// invalid. The fallback is only swapped when policies names DefaultResource.
func (r *Registry) Replace(policies map[string]Config) error {
	next := make(map[string]*Limiter, len(policies))
	var fallback *Limiter
	for resource, cfg := range policies {
		l, err := r.build(resource, cfg)
		if err != nil {
			return err
		}
		if resource == DefaultResource {
			fallback = l
			continue
		}
		next[resource] = l
	}

	r.mu.Lock()
	r.limiters = next
	if fallback != nil {
		r.fallback = fallback
	}
	r.mu.Unlock()
	return nil
}

// Policies returns the resource policies currently installed.
func (r *Registry) Policies() map[string]Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Config, len(r.limiters))
	for resource, l := range r.limiters {
		out[resource] = l.cfg
	}
	return out
}

// Resources returns the configured resource names, sorted.
func (r *Registry) Resources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.limiters))
	for resource := range r.limiters {
		names = append(names, resource)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Default() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fallback.cfg
}
