// Package tracker wires discovery, coalescing, tailing and session
// lifecycle into the live tracking pipeline and pushes results to a
// publish sink.
package tracker

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tokenwatch/backend/internal/cache"
	"github.com/tokenwatch/backend/internal/coalesce"
	"github.com/tokenwatch/backend/internal/config"
	"github.com/tokenwatch/backend/internal/discover"
	"github.com/tokenwatch/backend/internal/procwatch"
	"github.com/tokenwatch/backend/internal/session"
	"github.com/tokenwatch/backend/internal/tail"
	"github.com/tokenwatch/backend/internal/usage"
)

// Sink receives tracking output. The websocket broadcaster implements
// it; tests substitute a recorder.
type Sink interface {
	PublishSessions(snaps []session.Snapshot)
	PublishRemovals(ids []string)
	PublishCompact(id string)
	PublishError(ev session.ErrorEvent)
}

// Tracker owns the full pipeline from filesystem notification to
// published snapshot.
type Tracker struct {
	cfg  config.TrackerConfig
	log  zerolog.Logger
	sink Sink

	watcher *discover.Watcher
	batcher *coalesce.Batcher
	store   *cache.Store
	tailer  *tail.Tailer
	manager *session.Manager
	sampler *procwatch.Sampler
	params  usage.Params

	mu        sync.Mutex
	snapshots map[string]session.Snapshot

	rootWarned bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New assembles a Tracker from configuration. Nothing runs until Start.
func New(cfg config.TrackerConfig, sink Sink, log zerolog.Logger) (*Tracker, error) {
	watcher, err := discover.New(cfg.RootDir, log)
	if err != nil {
		return nil, err
	}

	store := cache.New(tail.ParseFile)
	tailer := tail.New(store, log)
	if cfg.RewriteSizeThreshold > 0 {
		tailer.RewriteSizeThreshold = cfg.RewriteSizeThreshold
	}
	if cfg.RewriteTimeThreshold > 0 {
		tailer.RewriteTimeThreshold = cfg.RewriteTimeThreshold
	}

	t := &Tracker{
		cfg:       cfg,
		log:       log,
		sink:      sink,
		watcher:   watcher,
		store:     store,
		tailer:    tailer,
		manager:   session.NewManager(cfg.MaxSessions, cfg.SessionTTL, log),
		sampler:   procwatch.NewSampler(log),
		params:    usage.DefaultParams(),
		snapshots: make(map[string]session.Snapshot),
	}
	t.batcher = coalesce.New(cfg.DebounceDelay, t.processBatch)

	t.manager.SetEvictFunc(func(rec *session.Record) {
		t.store.Invalidate(rec.Path)
		t.mu.Lock()
		delete(t.snapshots, rec.ID)
		t.mu.Unlock()
		sink.PublishRemovals([]string{rec.ID})
	})

	return t, nil
}

// Start brings the pipeline up: walks the root for existing sessions,
// then switches to notification-driven tailing.
func (t *Tracker) Start(ctx context.Context) error {
	ctx, t.cancel = context.WithCancel(ctx)

	if err := t.watcher.Start(ctx); err != nil {
		return err
	}

	sessions, err := t.watcher.Sessions()
	if err != nil {
		// A missing root is not fatal: warn once and let the periodic
		// resync attach when the directory appears.
		t.warnRootOnce(err)
	} else {
		paths := make([]string, 0, len(sessions))
		for _, p := range sessions {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		t.processBatch(paths)
	}

	if err := t.sampler.Sample(); err != nil {
		t.log.Debug().Err(err).Msg("initial process sample failed")
	}

	t.wg.Add(3)
	go func() {
		defer t.wg.Done()
		t.eventLoop(ctx)
	}()
	go func() {
		defer t.wg.Done()
		t.manager.Run(ctx, t.cfg.SweepInterval)
	}()
	go func() {
		defer t.wg.Done()
		t.resyncLoop(ctx)
	}()

	return nil
}

// Stop tears the pipeline down and waits for in-flight work.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.batcher.Stop()
	t.watcher.Stop()
	t.wg.Wait()
}

// Snapshots returns the latest published view of every tracked session,
// sorted by most recent activity first.
func (t *Tracker) Snapshots() []session.Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]session.Snapshot, 0, len(t.snapshots))
	for _, s := range t.snapshots {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastRecordAt.After(out[j].LastRecordAt)
	})
	return out
}

// Parses reports the total number of full-file parses performed, for
// the stats endpoint.
func (t *Tracker) Parses() int64 {
	return t.store.Parses()
}

func (t *Tracker) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-t.watcher.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case discover.SessionAdded, discover.SessionUpdated:
				t.batcher.Add(ev.Path)
			case discover.SessionRemoved:
				t.store.Invalidate(ev.Path)
				t.manager.Remove(ev.SessionID)
			}
		}
	}
}

func (t *Tracker) resyncLoop(ctx context.Context) {
	interval := t.cfg.ResyncInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.watcher.Resync()
			if err := t.sampler.Sample(); err != nil {
				t.log.Debug().Err(err).Msg("process sample failed")
			}
		}
	}
}

// processBatch advances every session in one debounced batch. Sessions
// are processed concurrently; one session's failure is published as an
// error event and never blocks the rest of the batch.
func (t *Tracker) processBatch(paths []string) {
	if len(paths) == 0 {
		return
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		snaps   []session.Snapshot
		compact []string
	)

	for _, path := range paths {
		wg.Add(1)
		go func(path string) {
			defer wg.Done()

			snap, rewrote, err := t.advanceSession(path)
			if err != nil {
				if !errors.Is(err, errSessionGone) {
					t.sink.PublishError(session.ErrorEvent{
						SessionID: discover.SessionID(path),
						Message:   err.Error(),
					})
				}
				return
			}
			mu.Lock()
			snaps = append(snaps, snap)
			if rewrote {
				compact = append(compact, snap.ID)
			}
			mu.Unlock()
		}(path)
	}
	wg.Wait()

	if len(snaps) == 0 {
		return
	}

	t.mu.Lock()
	for _, s := range snaps {
		t.snapshots[s.ID] = s
	}
	t.mu.Unlock()

	for _, id := range compact {
		t.sink.PublishCompact(id)
	}
	t.sink.PublishSessions(snaps)
}

// errSessionGone marks a batch entry whose file disappeared before the
// batch ran; the removal was already announced, so no error is published.
var errSessionGone = errors.New("session file removed before batch ran")

// advanceSession registers the session if needed, advances its tail and
// rebuilds its snapshot.
func (t *Tracker) advanceSession(path string) (session.Snapshot, bool, error) {
	id := discover.SessionID(path)

	rec, ok := t.manager.Get(id)
	registered := false
	if !ok {
		var err error
		rec, err = t.manager.Watch(id, path, func() {
			t.store.Invalidate(path)
		})
		if err != nil {
			return session.Snapshot{}, false, err
		}
		registered = true
	}

	res, err := t.tailer.Advance(rec)
	if err != nil {
		// A path can linger in the debounce batch after its removal
		// event was processed. Registering it again would resurrect a
		// dead session that sits on capacity until the TTL sweep; drop
		// the record instead.
		if registered && errors.Is(err, fs.ErrNotExist) {
			t.manager.Remove(id)
			return session.Snapshot{}, false, errSessionGone
		}
		return session.Snapshot{}, false, err
	}

	snap := t.buildSnapshot(rec)
	return snap, res.Change == tail.Rewrite, nil
}

func (t *Tracker) buildSnapshot(rec *session.Record) session.Snapshot {
	model := usage.Lookup(rec.Model)
	est := usage.Predict(usage.Input{
		TotalTokens:        rec.TotalTokens(),
		MessageCount:       rec.TurnCount,
		CacheSize:          rec.CacheReadTokens,
		AutoCompactEnabled: t.cfg.AutoCompact,
		Model:              model,
	}, t.params)

	snap := session.BuildSnapshot(rec, model, est)

	// Annotate with the writer process, matched through the encoded
	// project directory the log lives in.
	workingDir := discover.DecodeProjectPath(filepath.Base(filepath.Dir(rec.Path)))
	if w, ok := t.sampler.WriterFor(workingDir); ok {
		snap.WriterPID = int(w.PID)
		snap.WriterActive = true
	}

	return snap
}

func (t *Tracker) warnRootOnce(err error) {
	if t.rootWarned {
		return
	}
	t.rootWarned = true
	t.log.Warn().Err(err).Str("root", t.cfg.RootDir).
		Msg("session root not readable; waiting for it to appear")
}
