package limiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xizzxy/gatekeeper/internal/store"
)

type Algorithm string

const (
	AlgoTokenBucket          Algorithm = "token_bucket"
	AlgoLeakyBucket          Algorithm = "leaky_bucket"
	AlgoSlidingWindowLog     Algorithm = "sliding_window_log"
	AlgoSlidingWindowCounter Algorithm = "sliding_window_counter"
)

var (
	// ErrInvalidConfig marks a policy that can never be evaluated.
	ErrInvalidConfig = errors.New("invalid rate limit configuration")
	// ErrStoreUnavailable marks a decision taken without the counter store.
	// The accompanying Decision follows the limiter's FailureMode.
	ErrStoreUnavailable = errors.New("counter store unavailable")
)

// Config is the per-resource policy. Bucket algorithms use Capacity and
// RatePerSecond, window algorithms use Limit and WindowSeconds.
type Config struct {
	Algorithm     Algorithm `json:"algorithm" yaml:"algorithm"`
	Capacity      int64     `json:"capacity,omitempty" yaml:"capacity,omitempty"`
	RatePerSecond float64   `json:"rate_per_second,omitempty" yaml:"rate_per_second,omitempty"`
	WindowSeconds int64     `json:"window_seconds,omitempty" yaml:"window_seconds,omitempty"`
	Limit         int64     `json:"limit,omitempty" yaml:"limit,omitempty"`
}

func (c Config) Validate() error {
	switch c.Algorithm {
	case AlgoTokenBucket, AlgoLeakyBucket:
		if c.Capacity <= 0 {
			return fmt.Errorf("%w: %s capacity must be > 0, got %d", ErrInvalidConfig, c.Algorithm, c.Capacity)
		}
		if !(c.RatePerSecond > 0) {
			return fmt.Errorf("%w: %s rate_per_second must be > 0, got %g", ErrInvalidConfig, c.Algorithm, c.RatePerSecond)
		}
	case AlgoSlidingWindowLog, AlgoSlidingWindowCounter:
		if c.Limit <= 0 {
			return fmt.Errorf("%w: %s limit must be > 0, got %d", ErrInvalidConfig, c.Algorithm, c.Limit)
		}
		if c.WindowSeconds <= 0 {
			return fmt.Errorf("%w: %s window_seconds must be > 0, got %d", ErrInvalidConfig, c.Algorithm, c.WindowSeconds)
		}
	default:
		return fmt.Errorf("%w: unknown algorithm %q", ErrInvalidConfig, c.Algorithm)
	}
	return nil
}

// Window returns the window length as a duration.
func (c Config) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// FailureMode decides what a limiter answers when the store cannot be reached.
type FailureMode string

const (
	FailOpen   FailureMode = "open"
	FailClosed FailureMode = "closed"
)

type Options struct {
	// FailureMode has no default; it must be chosen explicitly.
	FailureMode FailureMode
	// StoreTimeout bounds a single evaluation's store round trip. Zero means
	// the caller's context is the only bound.
	StoreTimeout time.Duration
}

func (o Options) Validate() error {
	switch o.FailureMode {
	case FailOpen, FailClosed:
	default:
		return fmt.Errorf("%w: failure mode must be %q or %q, got %q", ErrInvalidConfig, FailOpen, FailClosed, o.FailureMode)
	}
	if o.StoreTimeout < 0 {
		return fmt.Errorf("%w: store timeout must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Limit     int64     `json:"limit"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	// RetryAfterSeconds is set only for denied requests.
	RetryAfterSeconds *int64 `json:"retry_after_seconds,omitempty"`
}

// ResetUnix is ResetAt in whole unix seconds, rounded up so the second named
// is never earlier than the instant remaining increases.
func (d Decision) ResetUnix() int64 {
	sec := d.ResetAt.Unix()
	if d.ResetAt.Nanosecond() > 0 {
		sec++
	}
	return sec
}

// Limiter evaluates keys against one policy. State lives in the store, so
// any number of Limiters (and processes) can share a key space.
type Limiter struct {
	cfg    Config
	opts   Options
	algo   algorithm
	store  store.Store
	prefix string
}

func New(cfg Config, st store.Store, opts Options) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if st == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	return &Limiter{
		cfg:   cfg,
		opts:  opts,
		algo:  newAlgorithm(cfg),
		store: st,
	}, nil
}

// withPrefix returns a copy of l whose store keys live under prefix.
func (l *Limiter) withPrefix(prefix string) *Limiter {
	c := *l
	c.prefix = prefix
	return &c
}

func (l *Limiter) Config() Config { return l.cfg }

func (l *Limiter) FailureMode() FailureMode { return l.opts.FailureMode }

func (l *Limiter) storageKey(key string) string {
	return l.prefix + key
}

// Evaluate decides whether the request identified by key at now is admitted.
// It writes the key's state exactly once, whether or not the request is
// admitted. On store failure it returns the FailureMode decision together
// with an error wrapping ErrStoreUnavailable. When the update kept losing
// CAS races the error also wraps store.ErrConflict and the request is denied
// in either mode.
func (l *Limiter) Evaluate(ctx context.Context, key string, now time.Time) (Decision, error) {
	if l.opts.StoreTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.opts.StoreTimeout)
		defer cancel()
	}

	nowNanos := now.UnixNano()
	var decision Decision
	err := store.Update(ctx, l.store, l.storageKey(key), l.algo.ttl(), func(current []byte) ([]byte, error) {
		st, fresh, err := decodeState(current, l.cfg.Algorithm)
		if err != nil {
			return nil, err
		}
		if fresh {
			l.algo.init(st, nowNanos)
		}
		decision = l.algo.step(st, nowNanos)
		return st.encode()
	})
	if err != nil {
		return l.failureDecision(now, errors.Is(err, store.ErrConflict)), fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return decision, nil
}

// Reset forgets the key's state.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	if err := l.store.Delete(ctx, l.storageKey(key)); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// failureDecision answers for a store that could not complete the update. A
// contended key is always denied: the store is up and other requests are
// taking the remaining slots, so failing open would admit all of them.
func (l *Limiter) failureDecision(now time.Time, contended bool) Decision {
	d := Decision{
		Limit:   l.algo.limit(),
		ResetAt: now,
	}
	if l.opts.FailureMode == FailOpen && !contended {
		d.Allowed = true
		return d
	}
	retry := int64(1)
	d.ResetAt = now.Add(time.Second)
	d.RetryAfterSeconds = &retry
	return d
}
