package tracker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenwatch/backend/internal/config"
	"github.com/tokenwatch/backend/internal/session"
)

type recordingSink struct {
	mu       sync.Mutex
	sessions []session.Snapshot
	removals []string
	compacts []string
	errors   []session.ErrorEvent
}

func (r *recordingSink) PublishSessions(snaps []session.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, snaps...)
}

func (r *recordingSink) PublishRemovals(ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removals = append(r.removals, ids...)
}

func (r *recordingSink) PublishCompact(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.compacts = append(r.compacts, id)
}

func (r *recordingSink) PublishError(ev session.ErrorEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, ev)
}

func (r *recordingSink) snapshotFor(id string) (session.Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.sessions) - 1; i >= 0; i-- {
		if r.sessions[i].ID == id {
			return r.sessions[i], true
		}
	}
	return session.Snapshot{}, false
}

func testConfig(root string) config.TrackerConfig {
	cfg := config.Default().Tracker
	cfg.RootDir = root
	cfg.DebounceDelay = 10 * time.Millisecond
	return cfg
}

func newTestTracker(t *testing.T, root string) (*Tracker, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	tr, err := New(testConfig(root), sink, zerolog.Nop())
	require.NoError(t, err)
	return tr, sink
}

func assistantLine(model string, input, output, cacheRead int) string {
	return fmt.Sprintf(`{"type":"assistant","timestamp":"2025-06-01T10:00:00Z","message":{"role":"assistant","model":%q,"usage":{"input_tokens":%d,"output_tokens":%d,"cache_read_input_tokens":%d}}}`+"\n",
		model, input, output, cacheRead)
}

func userLine(text string) string {
	return fmt.Sprintf(`{"type":"user","timestamp":"2025-06-01T10:00:01Z","message":{"role":"user","content":%q}}`+"\n", text)
}

func writeSession(t *testing.T, root, id, content string) string {
	t.Helper()
	p := filepath.Join(root, id+".jsonl")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestProcessBatchPublishesSnapshots(t *testing.T) {
	root := t.TempDir()
	p1 := writeSession(t, root, "s1", assistantLine("claude-sonnet-4-5", 100, 50, 0)+userLine("hello"))
	p2 := writeSession(t, root, "s2", assistantLine("claude-opus-4-5", 200, 80, 1000))

	tr, sink := newTestTracker(t, root)
	tr.processBatch([]string{p1, p2})

	s1, ok := sink.snapshotFor("s1")
	require.True(t, ok)
	assert.Equal(t, 150, s1.TotalTokens)
	assert.Equal(t, 1, s1.TurnCount)
	assert.Equal(t, "hello", s1.LastPrompt)

	s2, ok := sink.snapshotFor("s2")
	require.True(t, ok)
	assert.Equal(t, 1280, s2.TotalTokens)
	assert.Equal(t, 1000, s2.CacheReadTokens)
	assert.Greater(t, s2.CostUSD, 0.0)
}

func TestProcessBatchIsolatesFailures(t *testing.T) {
	root := t.TempDir()
	good := writeSession(t, root, "good", assistantLine("claude-sonnet-4-5", 10, 5, 0))
	missing := filepath.Join(root, "gone.jsonl")

	tr, sink := newTestTracker(t, root)
	tr.processBatch([]string{good, missing})

	_, ok := sink.snapshotFor("good")
	assert.True(t, ok, "healthy session should still publish")

	require.Len(t, sink.errors, 1)
	assert.Equal(t, "gone", sink.errors[0].SessionID)
}

func TestIncrementalAdvanceAcrossBatches(t *testing.T) {
	root := t.TempDir()
	p := writeSession(t, root, "inc", assistantLine("claude-sonnet-4-5", 100, 0, 0))

	tr, sink := newTestTracker(t, root)
	tr.processBatch([]string{p})

	f, err := os.OpenFile(p, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(assistantLine("claude-sonnet-4-5", 40, 10, 0))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	tr.processBatch([]string{p})

	snap, ok := sink.snapshotFor("inc")
	require.True(t, ok)
	assert.Equal(t, 150, snap.TotalTokens)
	assert.Equal(t, 2, snap.TurnCount)

	// One initial parse; the second batch was an incremental append.
	assert.EqualValues(t, 1, tr.Parses())
}

func TestRewritePublishesCompact(t *testing.T) {
	root := t.TempDir()
	var big string
	for i := 0; i < 40; i++ {
		big += assistantLine("claude-sonnet-4-5", 100, 100, 0)
	}
	p := writeSession(t, root, "rw", big)

	tr, sink := newTestTracker(t, root)
	tr.processBatch([]string{p})

	// Truncate to a single line: size drops below the consumed offset.
	require.NoError(t, os.WriteFile(p, []byte(assistantLine("claude-sonnet-4-5", 10, 5, 0)), 0o644))
	tr.processBatch([]string{p})

	sink.mu.Lock()
	compacts := append([]string(nil), sink.compacts...)
	sink.mu.Unlock()
	require.Contains(t, compacts, "rw")

	snap, ok := sink.snapshotFor("rw")
	require.True(t, ok)
	assert.Equal(t, 15, snap.TotalTokens, "counters reflect only the rewritten file")
	assert.True(t, snap.Compacted)
}

func TestEvictionPublishesRemoval(t *testing.T) {
	root := t.TempDir()

	cfg := testConfig(root)
	cfg.MaxSessions = 2
	cfg.SessionTTL = time.Minute

	sink := &recordingSink{}
	tr, err := New(cfg, sink, zerolog.Nop())
	require.NoError(t, err)

	base := time.Now()
	now := base
	tr.manager.SetClock(func() time.Time { return now })

	p1 := writeSession(t, root, "old1", assistantLine("claude-sonnet-4-5", 1, 1, 0))
	p2 := writeSession(t, root, "old2", assistantLine("claude-sonnet-4-5", 1, 1, 0))
	tr.processBatch([]string{p1, p2})

	// Both sessions idle past the TTL; a new registration sweeps them.
	now = base.Add(2 * time.Minute)
	p3 := writeSession(t, root, "fresh", assistantLine("claude-sonnet-4-5", 1, 1, 0))
	tr.processBatch([]string{p3})

	_, ok := sink.snapshotFor("fresh")
	assert.True(t, ok)

	sink.mu.Lock()
	removed := append([]string(nil), sink.removals...)
	sink.mu.Unlock()
	assert.ElementsMatch(t, []string{"old1", "old2"}, removed)

	assert.Len(t, tr.Snapshots(), 1)
}

func TestSnapshotsSortedByRecency(t *testing.T) {
	root := t.TempDir()
	older := `{"type":"user","timestamp":"2025-06-01T09:00:00Z","message":{"role":"user","content":"first"}}` + "\n"
	// No user prompt at all: recency must come from the assistant record.
	newer := `{"type":"assistant","timestamp":"2025-06-01T11:00:00Z","message":{"role":"assistant","model":"claude-sonnet-4-5","usage":{"input_tokens":10,"output_tokens":5}}}` + "\n"
	p1 := writeSession(t, root, "a", older)
	p2 := writeSession(t, root, "b", newer)

	tr, _ := newTestTracker(t, root)
	tr.processBatch([]string{p1, p2})

	snaps := tr.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "b", snaps[0].ID)
	assert.Equal(t, "a", snaps[1].ID)
}

func TestStaleBatchDoesNotResurrectRemovedSession(t *testing.T) {
	root := t.TempDir()
	p := writeSession(t, root, "s1", assistantLine("claude-sonnet-4-5", 100, 50, 0))

	tr, sink := newTestTracker(t, root)
	tr.processBatch([]string{p})
	require.Equal(t, 1, tr.manager.Len())

	// The file is deleted and its removal event processed while the path
	// still sits in a pending batch.
	require.NoError(t, os.Remove(p))
	tr.store.Invalidate(p)
	tr.manager.Remove("s1")
	require.Equal(t, 0, tr.manager.Len())

	tr.processBatch([]string{p})

	assert.Equal(t, 0, tr.manager.Len(), "removed session must not be re-registered")
	assert.Empty(t, tr.Snapshots())
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Empty(t, sink.errors, "no error event for a session already announced as removed")
}

func TestMissingRootRecovery(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "projects")

	tr, sink := newTestTracker(t, root)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, tr.Start(ctx))
	defer tr.Stop()

	assert.Empty(t, tr.Snapshots())

	require.NoError(t, os.MkdirAll(root, 0o755))
	writeSession(t, root, "late", assistantLine("claude-sonnet-4-5", 10, 5, 0))
	tr.watcher.Resync()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := sink.snapshotFor("late"); ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("session in late-appearing root was never published")
}
