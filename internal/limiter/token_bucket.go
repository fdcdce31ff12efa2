package limiter

import (
	"math"
	"time"
)

// tokenBucket refills continuously at rate tokens per second up to capacity
// and spends one token per admitted request. A new bucket starts full, so a
// burst of capacity requests is admitted at once.
type tokenBucket struct {
	capacity float64
	rate     float64
}

func (tb tokenBucket) init(st *State, now int64) {
	st.Tokens = tb.capacity
	st.LastRefill = now
}

func (tb tokenBucket) step(st *State, now int64) Decision {
	// Refill tokens based on elapsed time
	elapsed := elapsedSeconds(st.LastRefill, now)
	st.Tokens = math.Min(tb.capacity, st.Tokens+elapsed*tb.rate)
	if now > st.LastRefill {
		st.LastRefill = now
	}

	d := Decision{Limit: int64(tb.capacity)}
	if st.Tokens >= 1 {
		st.Tokens--
		d.Allowed = true
	}
	if st.Tokens < 0 {
		st.Tokens = 0
	}

	whole := math.Floor(st.Tokens)
	d.Remaining = int64(whole)

	at := unixTime(now)
	d.ResetAt = at
	if st.Tokens < tb.capacity {
		d.ResetAt = at.Add(fromSeconds((whole + 1 - st.Tokens) / tb.rate))
	}

	if !d.Allowed {
		d.RetryAfterSeconds = ptr(ceilSeconds(fromSeconds((1 - st.Tokens) / tb.rate)))
	}
	return d
}

func (tb tokenBucket) limit() int64 { return int64(tb.capacity) }

// ttl covers a full refill twice over; after that the state is
// indistinguishable from a fresh bucket.
func (tb tokenBucket) ttl() time.Duration {
	return 2 * maxDuration(time.Second, fromSeconds(tb.capacity/tb.rate))
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
