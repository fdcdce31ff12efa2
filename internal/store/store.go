// Package store holds the counter stores that keep per-key limiter state.
//
// A store only knows about opaque values and versions. Atomicity of a
// read-modify-write comes from CompareAndSwap (or from Updater for stores that
// can lock a key locally); what the bytes mean is up to the limiter.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/xizzxy/gatekeeper/internal/config"
)

var (
	// ErrConflict is returned by Update when every CAS attempt lost a race.
	ErrConflict = errors.New("store: too many concurrent updates")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store: closed")
)

// maxAttempts bounds the optimistic get/CAS loop in Update when ctx has no
// earlier deadline.
const (
	maxAttempts       = 32
	casInitialBackOff = 200 * time.Microsecond
	casMaxBackOff     = 10 * time.Millisecond
)

// Entry is a stored value and its version. Version 0 means the key is absent.
type Entry struct {
	Value   []byte
	Version int64
}

// Store is the counter store collaborator. Implementations must be safe for
// concurrent use.
type Store interface {
	Get(ctx context.Context, key string) (Entry, error)
	// CompareAndSwap writes value if the stored version still equals version
	// and refreshes the key's TTL. It reports whether the write happened.
	CompareAndSwap(ctx context.Context, key string, version int64, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// StatsReporter is implemented by stores that can describe their own load.
type StatsReporter interface {
	Stats(ctx context.Context) (map[string]string, error)
}

// UpdateFunc receives the current value (nil when absent) and returns the
// value to store.
type UpdateFunc func(current []byte) ([]byte, error)

// Updater is implemented by stores that can run fn while holding the key,
// so no retry is ever needed.
type Updater interface {
	Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error
}

// Update atomically replaces the value under key with fn's result. fn may be
// called more than once when the store falls back to optimistic CAS; only the
// result of the last call is persisted.
//
// Lost CAS races are retried with jittered exponential backoff until
// maxAttempts or ctx runs out. Running out after losing a race reports
// ErrConflict: the store answered, it was just contended.
func Update(ctx context.Context, s Store, key string, ttl time.Duration, fn UpdateFunc) error {
	if u, ok := s.(Updater); ok {
		return u.Update(ctx, key, ttl, fn)
	}

	lost := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		entry, err := s.Get(ctx, key)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}

		next, err := fn(entry.Value)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}

		swapped, err := s.CompareAndSwap(ctx, key, entry.Version, next, ttl)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if !swapped {
			lost++
			return struct{}{}, errLostRace
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(casBackOff()), backoff.WithMaxTries(maxAttempts))
	if err == nil {
		return nil
	}

	if lost > 0 && (errors.Is(err, errLostRace) || ctx.Err() != nil) {
		return fmt.Errorf("%w: key %q lost %d races: %w", ErrConflict, key, lost, err)
	}
	return err
}

var errLostRace = errors.New("store: compare-and-swap lost")

func casBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = casInitialBackOff
	b.MaxInterval = casMaxBackOff
	return b
}

// Open builds the store selected by cfg.Limiter.Store.
func Open(cfg *config.Config) (Store, error) {
	switch cfg.Limiter.Store {
	case "memory":
		return NewMemory(WithSweepSchedule(cfg.Limiter.SweepSchedule))
	case "redis":
		return NewRedis(cfg.Redis), nil
	case "etcd":
		return NewEtcd(cfg.Etcd)
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Limiter.Store)
	}
}
