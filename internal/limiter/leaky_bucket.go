package limiter

import (
	"math"
	"time"
)

// leakyBucket models a FIFO queue of at most capacity requests drained at
// rate requests per second. Unlike the token bucket, idle time does not save
// up a burst: an empty queue admits capacity requests and then one per leak.
type leakyBucket struct {
	capacity int64
	rate     float64
}

func (lb leakyBucket) init(st *State, now int64) {
	st.QueueSize = 0
	st.LastLeak = now
}

func (lb leakyBucket) step(st *State, now int64) Decision {
	lb.leak(st, now)

	d := Decision{Limit: lb.capacity}
	if st.QueueSize < lb.capacity {
		st.QueueSize++
		d.Allowed = true
	}
	d.Remaining = lb.capacity - st.QueueSize

	at := unixTime(now)
	nextLeak := unixTime(st.LastLeak).Add(lb.interval())
	if nextLeak.Before(at) {
		nextLeak = at
	}
	d.ResetAt = nextLeak

	if !d.Allowed {
		d.RetryAfterSeconds = ptr(ceilSeconds(nextLeak.Sub(at)))
	}
	return d
}

// leak drains whole slots. lastLeak only advances by whole leak intervals so
// the fraction of an interval already elapsed is kept for the next call.
func (lb leakyBucket) leak(st *State, now int64) {
	if now <= st.LastLeak {
		return
	}
	if st.QueueSize == 0 {
		st.LastLeak = now
		return
	}

	leaked := int64(math.Floor(elapsedSeconds(st.LastLeak, now) * lb.rate))
	if leaked <= 0 {
		return
	}
	if leaked >= st.QueueSize {
		st.QueueSize = 0
		st.LastLeak = now
		return
	}
	st.QueueSize -= leaked
	st.LastLeak += int64(time.Duration(leaked) * lb.interval())
	if st.LastLeak > now {
		st.LastLeak = now
	}
}

func (lb leakyBucket) interval() time.Duration {
	return fromSeconds(1 / lb.rate)
}

func (lb leakyBucket) limit() int64 { return lb.capacity }

func (lb leakyBucket) ttl() time.Duration {
	return 2 * maxDuration(time.Second, fromSeconds(float64(lb.capacity)/lb.rate))
}
