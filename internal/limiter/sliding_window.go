package limiter

import (
	"time"
)

// slidingWindowLog keeps the timestamp of every admitted request in the
// trailing window. Exact, at the cost of O(limit) memory per key.
type slidingWindowLog struct {
	max    int64
	window int64
}

func (sw slidingWindowLog) init(st *State, now int64) {
	st.Log = nil
}

func (sw slidingWindowLog) step(st *State, now int64) Decision {
	// Never evaluate before the newest entry; a clock running backwards must
	// not reopen the window.
	if n := len(st.Log); n > 0 && now < st.Log[n-1] {
		now = st.Log[n-1]
	}

	// Remove expired requests
	cutoff := now - sw.window
	keep := 0
	for keep < len(st.Log) && st.Log[keep] < cutoff {
		keep++
	}
	st.Log = append(st.Log[:0], st.Log[keep:]...)

	d := Decision{Limit: sw.max}
	if int64(len(st.Log)) < sw.max {
		st.Log = append(st.Log, now)
		d.Allowed = true
	}
	d.Remaining = maxInt64(0, sw.max-int64(len(st.Log)))

	at := unixTime(now)
	oldestExpiry := unixTime(st.Log[0] + sw.window)
	d.ResetAt = oldestExpiry

	if !d.Allowed {
		d.RetryAfterSeconds = ptr(strictSeconds(oldestExpiry.Sub(at)))
	}
	return d
}

func (sw slidingWindowLog) limit() int64 { return sw.max }

func (sw slidingWindowLog) ttl() time.Duration {
	return 2 * time.Duration(sw.window)
}
