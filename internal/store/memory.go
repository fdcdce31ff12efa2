package store

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Memory is an in-process store. Every key has its own mutex, so updates of
// different keys only share a brief map lookup.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	now     func() time.Time

	schedule string
	cron     *cron.Cron
	closed   bool
}

type memoryEntry struct {
	mu        sync.Mutex
	value     []byte
	version   int64
	expiresAt time.Time
	removed   bool
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithSweepSchedule sets the cron spec used to purge expired keys. An empty
// spec disables the sweeper; expired keys are still invisible to readers.
func WithSweepSchedule(spec string) MemoryOption {
	return func(m *Memory) { m.schedule = spec }
}

// WithClock overrides the wall clock used for TTL bookkeeping.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

func NewMemory(opts ...MemoryOption) (*Memory, error) {
	m := &Memory{
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.schedule != "" {
		m.cron = cron.New()
		if _, err := m.cron.AddFunc(m.schedule, func() { m.Sweep() }); err != nil {
			return nil, fmt.Errorf("invalid sweep schedule %q: %w", m.schedule, err)
		}
		m.cron.Start()
	}

	return m, nil
}

func (e *memoryEntry) live(now time.Time) bool {
	return e.value != nil && (e.expiresAt.IsZero() || now.Before(e.expiresAt))
}

// acquire returns the locked entry for key. With create unset it returns nil
// for unknown keys.
func (m *Memory) acquire(key string, create bool) (*memoryEntry, error) {
	for {
		m.mu.RLock()
		closed := m.closed
		e, ok := m.entries[key]
		m.mu.RUnlock()
		if closed {
			return nil, ErrClosed
		}

		if !ok {
			if !create {
				return nil, nil
			}
			m.mu.Lock()
			if e, ok = m.entries[key]; !ok {
				e = &memoryEntry{}
				m.entries[key] = e
			}
			m.mu.Unlock()
		}

		e.mu.Lock()
		if !e.removed {
			return e, nil
		}
		// Lost a race with Delete or Sweep; look the key up again.
		e.mu.Unlock()
	}
}

func (m *Memory) Get(ctx context.Context, key string) (Entry, error) {
	e, err := m.acquire(key, false)
	if err != nil || e == nil {
		return Entry{}, err
	}
	defer e.mu.Unlock()

	if !e.live(m.now()) {
		return Entry{}, nil
	}
	return Entry{Value: append([]byte(nil), e.value...), Version: e.version}, nil
}

func (m *Memory) CompareAndSwap(ctx context.Context, key string, version int64, value []byte, ttl time.Duration) (bool, error) {
	e, err := m.acquire(key, true)
	if err != nil {
		return false, err
	}
	defer e.mu.Unlock()

	now := m.now()
	current := e.version
	if !e.live(now) {
		current = 0
	}
	if current != version {
		return false, nil
	}
	m.write(e, value, ttl, now)
	return true, nil
}

// Update runs fn under the key's lock.
func (m *Memory) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error {
	e, err := m.acquire(key, true)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	now := m.now()
	var current []byte
	if e.live(now) {
		current = e.value
	}

	next, err := fn(current)
	if err != nil {
		return err
	}
	m.write(e, next, ttl, now)
	return nil
}

// write stores value. Versions keep growing across expiry so a reader holding
// a pre-expiry version can never win a CAS against a recreated key.
func (m *Memory) write(e *memoryEntry, value []byte, ttl time.Duration, now time.Time) {
	e.value = append(make([]byte, 0, len(value)), value...)
	e.version++
	e.expiresAt = time.Time{}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	e, err := m.acquire(key, false)
	if err != nil || e == nil {
		return err
	}
	e.removed = true
	e.mu.Unlock()

	m.mu.Lock()
	if m.entries[key] == e {
		delete(m.entries, key)
	}
	m.mu.Unlock()
	return nil
}

// Sweep drops expired keys and returns how many were removed.
func (m *Memory) Sweep() int {
	m.mu.RLock()
	keys := make([]string, 0, len(m.entries))
	for key := range m.entries {
		keys = append(keys, key)
	}
	m.mu.RUnlock()

	removed := 0
	for _, key := range keys {
		e, err := m.acquire(key, false)
		if err != nil {
			return removed
		}
		if e == nil {
			continue
		}
		if e.live(m.now()) {
			e.mu.Unlock()
			continue
		}
		e.removed = true
		e.mu.Unlock()

		m.mu.Lock()
		if m.entries[key] == e {
			delete(m.entries, key)
			removed++
		}
		m.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked keys, expired ones included until swept.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *Memory) Stats(ctx context.Context) (map[string]string, error) {
	return map[string]string{"keys": strconv.Itoa(m.Len())}, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	if m.cron != nil {
		<-m.cron.Stop().Done()
	}
	return nil
}
