package limiter

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// State is the per-key document kept in the counter store. Only the fields
// of the owning algorithm are populated; timestamps are unix nanoseconds.
type State struct {
	Algorithm Algorithm `json:"algorithm"`

	// token bucket
	Tokens     float64 `json:"tokens,omitempty"`
	LastRefill int64   `json:"last_refill,omitempty"`

	// leaky bucket
	QueueSize int64 `json:"queue_size,omitempty"`
	LastLeak  int64 `json:"last_leak,omitempty"`

	// sliding window log, oldest first
	Log []int64 `json:"log,omitempty"`

	// sliding window counter
	PreviousCount int64 `json:"previous_count,omitempty"`
	CurrentCount  int64 `json:"current_count,omitempty"`
	WindowStart   int64 `json:"window_start,omitempty"`
}

// decodeState parses raw. An absent value, or one written for another
// algorithm (the policy changed), yields a fresh state.
func decodeState(raw []byte, algo Algorithm) (*State, bool, error) {
	if len(raw) == 0 {
		return &State{Algorithm: algo}, true, nil
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, false, fmt.Errorf("decode limiter state: %w", err)
	}
	if st.Algorithm != algo {
		return &State{Algorithm: algo}, true, nil
	}
	return &st, false, nil
}

func (s *State) encode() ([]byte, error) {
	return json.Marshal(s)
}

// algorithm is one of the four decision procedures. step must be called on
// an initialised state and mutates it in place.
type algorithm interface {
	init(st *State, now int64)
	step(st *State, now int64) Decision
	limit() int64
	ttl() time.Duration
}

func newAlgorithm(cfg Config) algorithm {
	switch cfg.Algorithm {
	case AlgoLeakyBucket:
		return leakyBucket{capacity: cfg.Capacity, rate: cfg.RatePerSecond}
	case AlgoSlidingWindowLog:
		return slidingWindowLog{max: cfg.Limit, window: int64(cfg.Window())}
	case AlgoSlidingWindowCounter:
		return slidingWindowCounter{max: cfg.Limit, window: int64(cfg.Window())}
	default:
		return tokenBucket{capacity: float64(cfg.Capacity), rate: cfg.RatePerSecond}
	}
}

// elapsedSeconds never goes negative: a clock that moved backwards counts as
// no time passing.
func elapsedSeconds(from, to int64) float64 {
	if to <= from {
		return 0
	}
	return float64(to-from) / float64(time.Second)
}

func fromSeconds(s float64) time.Duration {
	return time.Duration(math.Ceil(s * float64(time.Second)))
}

// ceilSeconds rounds a wait up to whole seconds, for waits after which the
// request succeeds at exactly that instant.
func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Seconds()))
}

// strictSeconds is for waits that must be strictly exceeded, such as a log
// entry that still counts at exactly now-window.
func strictSeconds(d time.Duration) int64 {
	if d < 0 {
		return 0
	}
	return int64(d/time.Second) + 1
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func ptr(v int64) *int64 { return &v }

func unixTime(ns int64) time.Time { return time.Unix(0, ns).UTC() }
