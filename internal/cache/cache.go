// Package cache memoizes per-file parse results keyed by a cheap
// (modification time, size) fingerprint, so unchanged session files cost
// one stat call instead of a full re-parse.
package cache

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tokenwatch/backend/internal/session"
)

// Fingerprint identifies a file's content state. Two files states compare
// equal only when both modification time and size match exactly.
type Fingerprint struct {
	ModTime time.Time
	Size    int64
}

// Equal reports exact fingerprint match. Any mismatch, however small,
// invalidates a cache entry unconditionally.
func (f Fingerprint) Equal(other Fingerprint) bool {
	return f.Size == other.Size && f.ModTime.Equal(other.ModTime)
}

// Stat reads the current fingerprint for path.
func Stat(path string) (Fingerprint, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Fingerprint{}, err
	}
	return Fingerprint{ModTime: info.ModTime(), Size: info.Size()}, nil
}

// ParseFunc performs the full parse for a cache miss.
type ParseFunc func(path string) (session.Aggregate, error)

type entry struct {
	fp  Fingerprint
	agg session.Aggregate
}

// Store is the fingerprint-validated parse cache.
type Store struct {
	parse ParseFunc

	mu      sync.Mutex
	entries map[string]entry
	parses  atomic.Int64
}

// New creates a Store that calls parse on cache misses.
func New(parse ParseFunc) *Store {
	return &Store{
		parse:   parse,
		entries: make(map[string]entry),
	}
}

// Load returns the aggregate for path along with the fingerprint it
// corresponds to. When the stored fingerprint matches the file's current
// one exactly, the memoized aggregate is returned with no I/O beyond the
// stat; otherwise the file is re-parsed and the entry replaced.
func (s *Store) Load(path string) (session.Aggregate, Fingerprint, error) {
	fp, err := Stat(path)
	if err != nil {
		return session.Aggregate{}, Fingerprint{}, err
	}

	s.mu.Lock()
	if e, ok := s.entries[path]; ok && e.fp.Equal(fp) {
		s.mu.Unlock()
		return e.agg, fp, nil
	}
	s.mu.Unlock()

	agg, err := s.parse(path)
	if err != nil {
		return session.Aggregate{}, Fingerprint{}, err
	}
	s.parses.Add(1)

	s.mu.Lock()
	s.entries[path] = entry{fp: fp, agg: agg}
	s.mu.Unlock()
	return agg, fp, nil
}

// Valid reports whether the stored entry for path matches the file's
// current fingerprint. Costs one stat call.
func (s *Store) Valid(path string) bool {
	fp, err := Stat(path)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[path]
	return ok && e.fp.Equal(fp)
}

// Put stores a fingerprint and aggregate computed elsewhere (the tailing
// engine keeps the memo fresh after incremental reads).
func (s *Store) Put(path string, fp Fingerprint, agg session.Aggregate) {
	s.mu.Lock()
	s.entries[path] = entry{fp: fp, agg: agg}
	s.mu.Unlock()
}

// Invalidate drops the entry for path. Used when a session is evicted or
// the tailing engine detects a rewrite.
func (s *Store) Invalidate(path string) {
	s.mu.Lock()
	delete(s.entries, path)
	s.mu.Unlock()
}

// Parses returns how many full parses the store has performed. Tests use
// this to assert that fingerprint hits skip the parse entirely.
func (s *Store) Parses() int64 {
	return s.parses.Load()
}
