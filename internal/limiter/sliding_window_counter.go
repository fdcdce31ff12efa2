package limiter

import (
	"math"
	"time"
)

// slidingWindowCounter approximates the sliding log with two counters. The
// previous window's count is weighted by how much of it still overlaps the
// trailing window. Windows are aligned to the unix epoch.
type slidingWindowCounter struct {
	max    int64
	window int64
}

func (sc slidingWindowCounter) init(st *State, now int64) {
	st.PreviousCount = 0
	st.CurrentCount = 0
	st.WindowStart = sc.align(now)
}

func (sc slidingWindowCounter) align(now int64) int64 {
	start := now - now%sc.window
	if now < 0 && now%sc.window != 0 {
		start -= sc.window
	}
	return start
}

// roll moves to the window containing now. Current becomes previous only
// when now is in the very next window; further out both counts are stale.
func (sc slidingWindowCounter) roll(st *State, now int64) {
	end := st.WindowStart + sc.window
	if now < end {
		return
	}
	if now < end+sc.window {
		st.PreviousCount = st.CurrentCount
	} else {
		st.PreviousCount = 0
	}
	st.CurrentCount = 0
	st.WindowStart = sc.align(now)
}

// weighted is previous*(1-elapsedFraction) + current.
func (sc slidingWindowCounter) weighted(st *State, now int64) float64 {
	fraction := 0.0
	if now > st.WindowStart {
		fraction = math.Min(1, float64(now-st.WindowStart)/float64(sc.window))
	}
	return float64(st.PreviousCount)*(1-fraction) + float64(st.CurrentCount)
}

func (sc slidingWindowCounter) step(st *State, now int64) Decision {
	sc.roll(st, now)

	d := Decision{Limit: sc.max}
	count := sc.weighted(st, now)
	if count < float64(sc.max) {
		st.CurrentCount++
		count++
		d.Allowed = true
	}
	d.Remaining = maxInt64(0, int64(math.Floor(float64(sc.max)-count)))

	at := unixTime(now)
	if d.Allowed {
		d.ResetAt = unixTime(st.WindowStart + sc.window)
		return d
	}

	wait := sc.untilAdmitted(st, now)
	d.ResetAt = at.Add(wait)
	d.RetryAfterSeconds = ptr(strictSeconds(wait))
	return d
}

// untilAdmitted is how long, absent further traffic, until the weighted count
// drops below the limit.
func (sc slidingWindowCounter) untilAdmitted(st *State, now int64) time.Duration {
	window := float64(sc.window)
	max := float64(sc.max)
	prev := float64(st.PreviousCount)
	cur := float64(st.CurrentCount)
	end := st.WindowStart + sc.window

	// Within the current window the previous count decays linearly:
	// prev*(1 - e/window) + cur < max  <=>  e > window*(1 - (max-cur)/prev).
	if prev > 0 && cur < max {
		elapsed := window * (1 - (max-cur)/prev)
		at := st.WindowStart + int64(math.Ceil(elapsed))
		if at < end {
			if at < now {
				at = now
			}
			return time.Duration(at - now)
		}
	}

	// In the next window cur becomes the previous count at full weight and
	// decays from there; cur never exceeds max, so the boundary itself is
	// the answer up to the strict inequality.
	return time.Duration(end - now)
}

func (sc slidingWindowCounter) limit() int64 { return sc.max }

func (sc slidingWindowCounter) ttl() time.Duration {
	return 2 * time.Duration(sc.window)
}
