// Package mock writes synthetic session logs so the full pipeline can
// be demoed without a real assistant running.
package mock

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

type mockSession struct {
	id            string
	model         string
	path          string
	tokensPerTick int
	pattern       string // steady, burst, compacting
	tick          int
	inputTokens   int
	outputTokens  int
	cacheRead     int
	turn          int
}

var prompts = []string{
	"refactor the parser to stream lines",
	"add tests for the eviction sweep",
	"why does the rewrite heuristic fire here?",
	"wire the config overrides through",
	"optimize the hot path in the tailer",
}

// Generator appends plausible log lines to files under root on a fixed
// tick. One session periodically rewrites its file smaller, driving the
// compaction-detection path.
type Generator struct {
	root     string
	log      zerolog.Logger
	interval time.Duration
	sessions []*mockSession
}

func NewGenerator(root string, interval time.Duration, log zerolog.Logger) *Generator {
	if interval <= 0 {
		interval = time.Second
	}
	return &Generator{root: root, log: log, interval: interval}
}

// Start creates the synthetic sessions and begins ticking. Returns after
// the initial files exist; generation continues until ctx ends.
func (g *Generator) Start(ctx context.Context) error {
	projDir := filepath.Join(g.root, "-home-user-demo")
	if err := os.MkdirAll(projDir, 0o755); err != nil {
		return err
	}

	g.sessions = []*mockSession{
		{id: "mock-opus-refactor", model: "claude-opus-4-5-20251101", tokensPerTick: 1200, pattern: "steady"},
		{id: "mock-sonnet-tests", model: "claude-sonnet-4-5-20250929", tokensPerTick: 3500, pattern: "burst"},
		{id: "mock-haiku-compact", model: "claude-haiku-4-5-20251001", tokensPerTick: 800, pattern: "compacting"},
	}

	for _, s := range g.sessions {
		s.path = filepath.Join(projDir, s.id+".jsonl")
		if err := s.appendTurn(); err != nil {
			return err
		}
	}

	go g.run(ctx)
	return nil
}

func (g *Generator) run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range g.sessions {
				if err := s.step(); err != nil {
					g.log.Warn().Err(err).Str("session", s.id).Msg("mock step failed")
				}
			}
		}
	}
}

func (s *mockSession) step() error {
	s.tick++

	switch s.pattern {
	case "burst":
		// Quiet most ticks, then a burst of turns.
		if s.tick%5 != 0 {
			return nil
		}
		for i := 0; i < 3; i++ {
			if err := s.appendTurn(); err != nil {
				return err
			}
		}
		return nil

	case "compacting":
		// Every 20 ticks the log is rewritten much smaller, the way a
		// context compaction truncates history.
		if s.tick%20 == 0 {
			return s.compact()
		}
		return s.appendTurn()

	default:
		return s.appendTurn()
	}
}

func (s *mockSession) appendTurn() error {
	s.turn++
	in := s.tokensPerTick + rand.Intn(s.tokensPerTick/2+1)
	out := in / 4
	s.inputTokens += in
	s.outputTokens += out
	s.cacheRead = s.inputTokens / 2

	ts := time.Now().UTC().Format(time.RFC3339)
	user := fmt.Sprintf(`{"type":"user","timestamp":%q,"message":{"role":"user","content":%q}}`+"\n",
		ts, prompts[rand.Intn(len(prompts))])
	assistant := fmt.Sprintf(`{"type":"assistant","timestamp":%q,"message":{"role":"assistant","model":%q,"usage":{"input_tokens":%d,"output_tokens":%d,"cache_read_input_tokens":%d}}}`+"\n",
		ts, s.model, in, out, s.cacheRead)

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteString(user + assistant); err != nil {
		return err
	}
	return nil
}

// compact rewrites the file as a single summary turn, shrinking it well
// below its previous size.
func (s *mockSession) compact() error {
	s.inputTokens = s.tokensPerTick
	s.outputTokens = s.tokensPerTick / 4
	s.cacheRead = 0
	s.turn = 1

	ts := time.Now().UTC().Format(time.RFC3339)
	line := fmt.Sprintf(`{"type":"assistant","timestamp":%q,"message":{"role":"assistant","model":%q,"usage":{"input_tokens":%d,"output_tokens":%d}}}`+"\n",
		ts, s.model, s.inputTokens, s.outputTokens)
	return os.WriteFile(s.path, []byte(line), 0o644)
}
