// Package coalesce batches bursts of file-change notifications into a
// single downstream recompute. The writer frequently performs several
// small appends in quick succession; without coalescing every append
// would trigger its own recompute and redraw.
package coalesce

import (
	"sync"
	"time"
)

// DefaultDelay is the settle window for notification bursts.
const DefaultDelay = 100 * time.Millisecond

// Batcher accumulates changed paths and fires once notifications stop
// arriving for the configured delay. At most one timer is outstanding;
// every added path resets it. Fire callbacks are serialized: a batch
// never observes a file concurrently with the next batch's processing.
type Batcher struct {
	delay time.Duration
	fire  func(paths []string)

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer
	stopped bool

	runMu sync.Mutex
}

// New creates a Batcher calling fire with each drained batch. A zero
// delay falls back to DefaultDelay.
func New(delay time.Duration, fire func(paths []string)) *Batcher {
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Batcher{
		delay:   delay,
		fire:    fire,
		pending: make(map[string]struct{}),
	}
}

// Add records a changed path and resets the shared delay timer. Paths
// added while a drain is in progress belong to the next batch; none are
// lost.
func (b *Batcher) Add(path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.pending[path] = struct{}{}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.delay, b.fireNow)
}

// Flush drains and processes the pending batch immediately, without
// waiting for the timer. Used on shutdown and in tests.
func (b *Batcher) Flush() {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()
	b.fireNow()
}

// Stop cancels the outstanding timer and discards pending paths.
// Idempotent.
func (b *Batcher) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.pending = make(map[string]struct{})
}

// Pending returns the number of paths awaiting the next drain.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// fireNow drains the batch atomically and invokes the callback. runMu
// serializes overlapping drains so per-file processing stays ordered.
func (b *Batcher) fireNow() {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.mu.Lock()
	if b.stopped || len(b.pending) == 0 {
		b.timer = nil
		b.mu.Unlock()
		return
	}
	paths := make([]string, 0, len(b.pending))
	for p := range b.pending {
		paths = append(paths, p)
	}
	b.pending = make(map[string]struct{})
	b.timer = nil
	b.mu.Unlock()

	b.fire(paths)
}
