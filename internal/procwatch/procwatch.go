// Package procwatch locates the assistant processes that write session
// logs, so snapshots can report whether a session still has a live
// writer behind it.
package procwatch

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// Writer describes one detected log-writing process.
type Writer struct {
	PID        int32
	WorkingDir string
	StartTime  time.Time
	CmdLine    string
	CPUPercent float64
}

// Sampler polls the process table for assistant writers and caches the
// result between polls.
type Sampler struct {
	log zerolog.Logger

	mu      sync.RWMutex
	byDir   map[string]Writer
	sampled time.Time
}

func NewSampler(log zerolog.Logger) *Sampler {
	return &Sampler{
		log:   log,
		byDir: map[string]Writer{},
	}
}

// Sample rescans the process table. Errors from individual processes
// are skipped; a process can exit between enumeration and inspection.
func (s *Sampler) Sample() error {
	procs, err := process.Processes()
	if err != nil {
		return err
	}

	home, _ := os.UserHomeDir()
	internalDir := filepath.Join(home, ".claude")

	found := map[string]Writer{}
	for _, p := range procs {
		args, err := p.CmdlineSlice()
		if err != nil || !isWriterProcess(args) {
			continue
		}

		cwd, err := p.Cwd()
		if err != nil || cwd == "" {
			continue
		}
		// The assistant spawns helpers with CWD inside its own state
		// directory; those never correspond to a user session.
		if cwd == internalDir || strings.HasPrefix(cwd, internalDir+string(filepath.Separator)) {
			continue
		}

		w := Writer{
			PID:        p.Pid,
			WorkingDir: cwd,
			CmdLine:    strings.Join(args, " "),
		}
		if ms, err := p.CreateTime(); err == nil {
			w.StartTime = time.UnixMilli(ms)
		}
		if pct, err := p.CPUPercent(); err == nil {
			w.CPUPercent = pct
		}

		// One writer per working dir; keep the newest.
		if prev, ok := found[cwd]; !ok || w.StartTime.After(prev.StartTime) {
			found[cwd] = w
		}
	}

	s.mu.Lock()
	s.byDir = found
	s.sampled = time.Now()
	s.mu.Unlock()

	s.log.Debug().Int("writers", len(found)).Msg("process table sampled")
	return nil
}

// WriterFor returns the writer whose working directory matches dir, if
// any, from the most recent sample.
func (s *Sampler) WriterFor(dir string) (Writer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.byDir[dir]
	return w, ok
}

// Writers returns all writers from the most recent sample.
func (s *Sampler) Writers() []Writer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Writer, 0, len(s.byDir))
	for _, w := range s.byDir {
		out = append(out, w)
	}
	return out
}

// Run resamples on interval until the context ends.
func (s *Sampler) Run(done <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := s.Sample(); err != nil {
				s.log.Warn().Err(err).Msg("process sample failed")
			}
		}
	}
}

// isWriterProcess reports whether a command line belongs to the main
// assistant process rather than a subprocess it spawned.
func isWriterProcess(args []string) bool {
	if len(args) == 0 {
		return false
	}

	exe := filepath.Base(args[0])
	if exe == "claude" || exe == "claude-code" {
		return true
	}

	// node running the assistant entrypoint counts; node running
	// something out of node_modules/.bin does not.
	if exe == "node" {
		for _, arg := range args[1:] {
			if strings.Contains(arg, "claude") && !strings.Contains(arg, "node_modules/.bin") {
				return true
			}
		}
	}

	return false
}
