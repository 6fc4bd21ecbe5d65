package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrCapacity is returned by Watch when the session limit is reached and
// an eviction sweep could not free room. Callers surface it rather than
// silently dropping the oldest session.
var ErrCapacity = errors.New("session capacity exhausted")

// Manager owns the bounded collection of active session records. The
// capacity bound is enforced synchronously at registration time. Idle
// sessions are evicted by a periodic sweep; reads count as activity.
type Manager struct {
	capacity int
	ttl      time.Duration
	log      zerolog.Logger

	mu         sync.Mutex
	records    map[string]*Record
	lastAccess map[string]time.Time
	teardown   map[string]func()

	onEvict func(*Record)
	now     func() time.Time
}

// NewManager creates a Manager bounding resident sessions to capacity and
// evicting sessions idle for longer than ttl.
func NewManager(capacity int, ttl time.Duration, log zerolog.Logger) *Manager {
	return &Manager{
		capacity:   capacity,
		ttl:        ttl,
		log:        log,
		records:    make(map[string]*Record),
		lastAccess: make(map[string]time.Time),
		teardown:   make(map[string]func()),
		now:        time.Now,
	}
}

// SetEvictFunc registers a callback invoked (outside the manager lock)
// for every record removed by eviction or explicit removal. The tracker
// uses it to invalidate cache state and notify the dashboard.
func (m *Manager) SetEvictFunc(fn func(*Record)) {
	m.mu.Lock()
	m.onEvict = fn
	m.mu.Unlock()
}

// SetClock overrides the time source. Tests only.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// Watch registers a session for tracking. Idempotent: an already-tracked
// id only has its last-access time refreshed. At capacity it runs one
// eviction sweep; if the sweep frees nothing it fails with ErrCapacity.
// The teardown func, if non-nil, is the session's watch handle release,
// called exactly once when the session is removed.
func (m *Manager) Watch(id, path string, teardown func()) (*Record, error) {
	m.mu.Lock()
	now := m.now()

	if rec, ok := m.records[id]; ok {
		m.lastAccess[id] = now
		m.mu.Unlock()
		return rec, nil
	}

	var evicted []*Record
	if len(m.records) >= m.capacity {
		evicted = m.sweepLocked(now)
	}
	if len(m.records) >= m.capacity {
		m.mu.Unlock()
		m.finishEviction(evicted)
		return nil, ErrCapacity
	}

	rec := &Record{ID: id, Path: path, State: InitialLoad}
	m.records[id] = rec
	m.lastAccess[id] = now
	if teardown != nil {
		m.teardown[id] = teardown
	}
	m.mu.Unlock()

	m.finishEviction(evicted)
	m.log.Debug().Str("session", id).Str("path", path).Msg("tracking session")
	return rec, nil
}

// Get returns the record for id. A read touches last-access time.
func (m *Manager) Get(id string) (*Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if ok {
		m.lastAccess[id] = m.now()
	}
	return rec, ok
}

// Touch refreshes the last-access time for id without returning state.
func (m *Manager) Touch(id string) {
	m.mu.Lock()
	if _, ok := m.records[id]; ok {
		m.lastAccess[id] = m.now()
	}
	m.mu.Unlock()
}

// Remove drops a session explicitly (e.g. its file disappeared), tearing
// down its watch handle. Reports whether the id was tracked.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	rec, ok := m.records[id]
	var fns []*Record
	if ok {
		m.dropLocked(id)
		fns = []*Record{rec}
	}
	m.mu.Unlock()
	m.finishEviction(fns)
	return ok
}

// Len returns the number of resident sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Records returns the resident records. The slice is fresh; the records
// themselves are the live instances.
func (m *Manager) Records() []*Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	return out
}

// Sweep evicts sessions idle beyond the TTL, then trims the least
// recently accessed sessions until the collection fits the capacity.
// Returns the ids evicted.
func (m *Manager) Sweep() []string {
	m.mu.Lock()
	evicted := m.sweepLocked(m.now())
	m.mu.Unlock()
	m.finishEviction(evicted)

	ids := make([]string, len(evicted))
	for i, rec := range evicted {
		ids[i] = rec.ID
	}
	return ids
}

// Run sweeps at the given interval until the context is cancelled.
// Cancellation is idempotent.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ids := m.Sweep(); len(ids) > 0 {
				m.log.Info().Strs("sessions", ids).Msg("evicted idle sessions")
			}
		}
	}
}

// sweepLocked performs one eviction pass. Caller holds mu. Teardown and
// evict callbacks are deferred to finishEviction, outside the lock.
func (m *Manager) sweepLocked(now time.Time) []*Record {
	var evicted []*Record

	if m.ttl > 0 {
		for id, last := range m.lastAccess {
			if now.Sub(last) > m.ttl {
				evicted = append(evicted, m.records[id])
				m.dropLocked(id)
			}
		}
	}

	for len(m.records) > m.capacity {
		oldest := ""
		var oldestAt time.Time
		for id, last := range m.lastAccess {
			if oldest == "" || last.Before(oldestAt) {
				oldest = id
				oldestAt = last
			}
		}
		if oldest == "" {
			break
		}
		evicted = append(evicted, m.records[oldest])
		m.dropLocked(oldest)
	}

	return evicted
}

// dropLocked removes bookkeeping for id but does not run callbacks.
func (m *Manager) dropLocked(id string) {
	delete(m.records, id)
	delete(m.lastAccess, id)
}

// finishEviction runs teardown and evict callbacks for removed records.
// Must be called without mu held: callbacks may re-enter the manager.
func (m *Manager) finishEviction(evicted []*Record) {
	for _, rec := range evicted {
		if rec == nil {
			continue
		}
		rec.State = Stopped
		m.mu.Lock()
		fn := m.teardown[rec.ID]
		delete(m.teardown, rec.ID)
		onEvict := m.onEvict
		m.mu.Unlock()
		if fn != nil {
			fn()
		}
		if onEvict != nil {
			onEvict(rec)
		}
	}
}
