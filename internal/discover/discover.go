// Package discover enumerates and watches the session log tree,
// republishing filesystem notifications as typed domain events.
package discover

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// LogSuffix is the session log file extension.
const LogSuffix = ".jsonl"

// EventKind classifies a discovery event.
type EventKind int

const (
	SessionAdded EventKind = iota
	SessionRemoved
	SessionUpdated
)

func (k EventKind) String() string {
	switch k {
	case SessionAdded:
		return "session-added"
	case SessionRemoved:
		return "session-removed"
	case SessionUpdated:
		return "session-updated"
	default:
		return "unknown"
	}
}

// Event is one domain-level discovery notification.
type Event struct {
	Kind      EventKind
	SessionID string
	Path      string
}

// SessionID derives the session identity from a log file path.
func SessionID(path string) string {
	return strings.TrimSuffix(filepath.Base(path), LogSuffix)
}

// Watcher walks the root tree for session logs and subscribes to
// filesystem notifications scoped to it. Symbolic links and paths that
// normalize outside the root are rejected.
type Watcher struct {
	root string
	log  zerolog.Logger

	events  chan Event
	watcher *fsnotify.Watcher

	mu       sync.Mutex
	known    map[string]string // session id -> path
	stale    bool              // known needs a fresh walk
	rootLive bool              // root is currently watched

	stopOnce sync.Once
	done     chan struct{}
}

// New creates a Watcher for root. No filesystem access happens until
// Start or Sessions.
func New(root string, log zerolog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &Watcher{
		root:   abs,
		log:    log,
		events: make(chan Event, 256),
		known:  make(map[string]string),
		stale:  true,
		done:   make(chan struct{}),
	}, nil
}

// Events returns the domain event stream. The channel is buffered; if a
// consumer falls far behind, events are dropped with a log line rather
// than blocking notification delivery for other files.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Sessions returns the cached id->path snapshot of known session files,
// walking the tree first if the snapshot has been invalidated.
func (w *Watcher) Sessions() (map[string]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stale {
		files, err := w.walk()
		if err != nil {
			return nil, err
		}
		w.known = files
		w.stale = false
	}
	out := make(map[string]string, len(w.known))
	for id, p := range w.known {
		out[id] = p
	}
	return out, nil
}

// Invalidate forces the next Sessions call to walk the tree again.
func (w *Watcher) Invalidate() {
	w.mu.Lock()
	w.stale = true
	w.mu.Unlock()
}

// Start begins filesystem watching and event translation. A missing root
// is not fatal: the watcher idles and Resync attaches once the directory
// appears.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = fsw

	if err := w.attachRoot(); err != nil {
		w.log.Warn().Err(err).Str("root", w.root).
			Msg("root directory not watchable yet; will retry")
	}

	go w.loop(ctx)
	return nil
}

// Stop tears down the filesystem subscription. Idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		if w.watcher != nil {
			_ = w.watcher.Close()
		}
	})
}

// Resync re-walks the tree and emits events for any drift between the
// walk and the known set: files fsnotify missed, or a root directory
// that appeared after startup.
func (w *Watcher) Resync() {
	w.mu.Lock()
	if !w.rootLive {
		w.mu.Unlock()
		if err := w.attachRoot(); err != nil {
			return
		}
		w.mu.Lock()
	}

	files, err := w.walk()
	if err != nil {
		w.mu.Unlock()
		return
	}

	var added, removed []Event
	for id, p := range files {
		if _, ok := w.known[id]; !ok {
			added = append(added, Event{Kind: SessionAdded, SessionID: id, Path: p})
		}
	}
	for id, p := range w.known {
		if _, ok := files[id]; !ok {
			removed = append(removed, Event{Kind: SessionRemoved, SessionID: id, Path: p})
		}
	}
	w.known = files
	w.stale = false
	w.mu.Unlock()

	for _, ev := range added {
		w.emit(ev)
	}
	for _, ev := range removed {
		w.emit(ev)
	}
}

// attachRoot adds the root and its subdirectories to the fsnotify
// watcher.
func (w *Watcher) attachRoot() error {
	if w.watcher == nil {
		return os.ErrInvalid
	}
	if err := w.watcher.Add(w.root); err != nil {
		return err
	}
	w.mu.Lock()
	w.rootLive = true
	w.mu.Unlock()

	// Watch existing subdirectories; fsnotify is not recursive.
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return nil
	}
	for _, e := range entries {
		if e.IsDir() && e.Type()&fs.ModeSymlink == 0 {
			if err := w.watcher.Add(filepath.Join(w.root, e.Name())); err != nil {
				w.log.Warn().Err(err).Str("dir", e.Name()).Msg("failed to watch subdirectory")
			}
		}
	}
	return nil
}

// walk enumerates session log files under the root. Caller holds mu.
func (w *Watcher) walk() (map[string]string, error) {
	files := make(map[string]string)
	err := filepath.WalkDir(w.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == w.root {
				return err
			}
			return nil // unreadable subtree: skip, keep walking
		}
		if d.Type()&fs.ModeSymlink != 0 {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !w.accept(p) {
			return nil
		}
		files[SessionID(p)] = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// accept reports whether p is a session log safely inside the root.
func (w *Watcher) accept(p string) bool {
	if !strings.HasSuffix(p, LogSuffix) {
		return false
	}
	rel, err := filepath.Rel(w.root, filepath.Clean(p))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error().Err(err).Msg("watcher error")
		}
	}
}

// handle translates one raw fsnotify event into domain events. An atomic
// replace (rename + create) surfaces as add/change pairs; both map to the
// same downstream input, so the tailing engine sees them equivalently.
func (w *Watcher) handle(ev fsnotify.Event) {
	path := ev.Name

	switch {
	case ev.Op&fsnotify.Create != 0:
		info, err := os.Lstat(path)
		if err != nil {
			return
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			return
		}
		if info.IsDir() {
			// New project directory: watch it and surface any logs
			// already inside (created before the watch attached).
			if err := w.watcher.Add(path); err == nil {
				w.Resync()
			}
			return
		}
		if !w.accept(path) {
			return
		}
		id := SessionID(path)
		w.mu.Lock()
		w.known[id] = path
		w.mu.Unlock()
		w.emit(Event{Kind: SessionAdded, SessionID: id, Path: path})

	case ev.Op&fsnotify.Write != 0:
		if !w.accept(path) {
			return
		}
		w.emit(Event{Kind: SessionUpdated, SessionID: SessionID(path), Path: path})

	case ev.Op&fsnotify.Remove != 0, ev.Op&fsnotify.Rename != 0:
		if !w.accept(path) {
			return
		}
		id := SessionID(path)
		w.mu.Lock()
		delete(w.known, id)
		w.mu.Unlock()
		w.emit(Event{Kind: SessionRemoved, SessionID: id, Path: path})
	}
}

func (w *Watcher) emit(ev Event) {
	select {
	case w.events <- ev:
	default:
		w.log.Warn().Str("event", ev.Kind.String()).Str("session", ev.SessionID).
			Msg("event channel full, dropping")
	}
}
