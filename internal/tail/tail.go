// Package tail reads session log files incrementally, classifying each
// change notification as an append or a rewrite and folding newly
// observed records into the session's accounting state.
package tail

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/tokenwatch/backend/internal/cache"
	"github.com/tokenwatch/backend/internal/session"
	"github.com/tokenwatch/backend/internal/usage"
)

// Rewrite detection thresholds. Empirically chosen by observing the
// writer; a very large legitimate append can misclassify as a rewrite and
// a rapid small rewrite as an append. Kept configurable rather than
// hard-coded for that reason.
const (
	DefaultRewriteSizeThreshold = 5000
	DefaultRewriteTimeThreshold = 60 * time.Second
)

// Change classifies what a change notification turned out to be.
type Change int

const (
	None Change = iota // fingerprint unchanged, nothing read
	Initial
	Append
	Rewrite
)

func (c Change) String() string {
	switch c {
	case Initial:
		return "initial"
	case Append:
		return "append"
	case Rewrite:
		return "rewrite"
	default:
		return "none"
	}
}

// Result describes one completed Advance call.
type Result struct {
	Change     Change
	NewRecords int  // complete lines parsed (append path only)
	Compact    bool // a rewrite was detected; counters were rebuilt
}

// Tailer advances session records against their files. Safe for
// concurrent use across distinct records; calls for the same record must
// be serialized by the caller.
type Tailer struct {
	RewriteSizeThreshold int64
	RewriteTimeThreshold time.Duration

	cache *cache.Store
	log   zerolog.Logger
}

// New creates a Tailer using store for full-file loads and memoization.
func New(store *cache.Store, log zerolog.Logger) *Tailer {
	return &Tailer{
		RewriteSizeThreshold: DefaultRewriteSizeThreshold,
		RewriteTimeThreshold: DefaultRewriteTimeThreshold,
		cache:                store,
		log:                  log,
	}
}

// Advance processes one change notification for rec. On success the
// record's counters, offset, and fingerprint reflect every complete line
// in the file; on error the record is left unchanged so the next
// notification retries. The offset and fingerprint are only persisted
// after the read fully drains — re-reading a little overlap after a crash
// is acceptable, skipping bytes is not.
func (t *Tailer) Advance(rec *session.Record) (Result, error) {
	info, err := os.Stat(rec.Path)
	if err != nil {
		return Result{}, fmt.Errorf("stat %s: %w", rec.Path, err)
	}
	size, mtime := info.Size(), info.ModTime()

	if rec.State == session.Unwatched || rec.State == session.InitialLoad {
		return t.load(rec, Result{Change: Initial})
	}

	if size == rec.Size && mtime.Equal(rec.ModTime) {
		return Result{Change: None}, nil
	}

	if t.isRewrite(rec, size, mtime) {
		t.log.Debug().Str("session", rec.ID).
			Int64("size", size).Int64("offset", rec.Offset).
			Msg("rewrite detected, rebuilding from byte 0")
		rec.State = session.RewriteDetected
		t.cache.Invalidate(rec.Path)
		res, err := t.load(rec, Result{Change: Rewrite, Compact: true})
		if err == nil {
			rec.Compacted = true
		}
		return res, err
	}

	records, newOffset, err := ReadRecords(rec.Path, rec.Offset)
	if err != nil {
		return Result{Change: Append}, fmt.Errorf("read %s: %w", rec.Path, err)
	}
	for i := range records {
		applyToRecord(rec, &records[i])
	}
	rec.Offset = newOffset
	rec.Size = size
	rec.ModTime = mtime
	rec.State = session.Tailing
	t.memoize(rec)

	return Result{Change: Append, NewRecords: len(records)}, nil
}

// load rebuilds the record from a full parse, going through the cache so
// an unchanged file costs a stat instead of a re-parse.
func (t *Tailer) load(rec *session.Record, res Result) (Result, error) {
	agg, fp, err := t.cache.Load(rec.Path)
	if err != nil {
		return res, fmt.Errorf("load %s: %w", rec.Path, err)
	}

	if res.Change == Rewrite {
		rec.ResetCounters()
	}
	rec.ApplyAggregate(agg)
	rec.Size = fp.Size
	rec.ModTime = fp.ModTime
	rec.State = session.Tailing
	return res, nil
}

// isRewrite applies the heuristic: the file shrank below the consumed
// offset, or the size or mtime delta is too large to be a plain append.
func (t *Tailer) isRewrite(rec *session.Record, size int64, mtime time.Time) bool {
	if size < rec.Offset {
		return true
	}
	if delta := size - rec.Offset; delta > t.RewriteSizeThreshold {
		return true
	}
	if d := mtime.Sub(rec.ModTime); d > t.RewriteTimeThreshold || -d > t.RewriteTimeThreshold {
		return true
	}
	return false
}

// memoize refreshes the cache entry so a later re-watch of an unchanged
// file skips the full parse.
func (t *Tailer) memoize(rec *session.Record) {
	t.cache.Put(rec.Path, cache.Fingerprint{ModTime: rec.ModTime, Size: rec.Size}, session.Aggregate{
		InputTokens:         rec.InputTokens,
		OutputTokens:        rec.OutputTokens,
		CacheCreationTokens: rec.CacheCreationTokens,
		CacheReadTokens:     rec.CacheReadTokens,
		TurnCount:           rec.TurnCount,
		Model:               rec.Model,
		CostUSD:             rec.CostUSD,
		LastPrompt:          rec.LastPrompt,
		LastPromptAt:        rec.LastPromptAt,
		FirstRecordAt:       rec.StartedAt,
		LastRecordAt:        rec.LastRecordAt,
		Offset:              rec.Offset,
	})
}

// applyToRecord folds one parsed line into the live record. Same
// semantics as applyToAggregate: sums accumulate, cache-read replaces,
// turns count assistant records only, the latest user prompt wins.
func applyToRecord(rec *session.Record, lr *Record) {
	if !lr.Time.IsZero() {
		if rec.StartedAt.IsZero() {
			rec.StartedAt = lr.Time
		}
		rec.LastRecordAt = lr.Time
	}
	if lr.Model != "" {
		rec.Model = lr.Model
	}

	switch lr.Role {
	case "assistant":
		rec.TurnCount++
	case "user":
		if lr.Prompt != "" {
			rec.LastPrompt = lr.Prompt
			rec.LastPromptAt = lr.Time
		}
	}

	if u := lr.Usage; u != nil {
		rec.InputTokens += u.InputTokens
		rec.OutputTokens += u.OutputTokens
		rec.CacheCreationTokens += u.CacheCreationInputTokens
		rec.CacheReadTokens = u.CacheReadInputTokens

		model := lr.Model
		if model == "" {
			model = rec.Model
		}
		rec.CostUSD += usage.CostFor(model, u.InputTokens, u.OutputTokens,
			u.CacheCreationInputTokens, u.CacheReadInputTokens)
	}
}
