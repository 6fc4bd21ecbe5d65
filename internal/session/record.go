package session

import "time"

// State tracks where a session sits in its tailing lifecycle.
type State int

const (
	Unwatched State = iota
	InitialLoad
	Tailing
	RewriteDetected
	Stopped
)

var stateNames = map[State]string{
	Unwatched:       "unwatched",
	InitialLoad:     "initial-load",
	Tailing:         "tailing",
	RewriteDetected: "rewrite-detected",
	Stopped:         "stopped",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Record is the mutable accounting state for one tracked session log.
// It is owned exclusively by the Manager and mutated only by the tailing
// engine during a read; concurrent mutation of the same record is ruled
// out by the tracker processing each path in at most one batch at a time.
type Record struct {
	ID   string
	Path string

	// Byte offset of the last fully terminated line. Monotonically
	// non-decreasing except immediately after a detected rewrite, where
	// it resets to 0.
	Offset  int64
	ModTime time.Time
	Size    int64

	InputTokens         int
	OutputTokens        int
	CacheCreationTokens int
	// CacheReadTokens is the latest observed value, not a running sum.
	// The writer reports cache size as a snapshot.
	CacheReadTokens int

	TurnCount int
	Model     string
	CostUSD   float64

	StartedAt    time.Time
	LastRecordAt time.Time
	LastPrompt   string
	LastPromptAt time.Time
	Compacted    bool

	State State
}

// TotalTokens is the session's current context footprint.
func (r *Record) TotalTokens() int {
	return r.InputTokens + r.OutputTokens + r.CacheCreationTokens + r.CacheReadTokens
}

// ResetCounters clears all accumulated usage state. Called on the rewrite
// path before the file is re-read from byte 0.
func (r *Record) ResetCounters() {
	r.InputTokens = 0
	r.OutputTokens = 0
	r.CacheCreationTokens = 0
	r.CacheReadTokens = 0
	r.TurnCount = 0
	r.CostUSD = 0
	r.LastPrompt = ""
	r.LastPromptAt = time.Time{}
	r.LastRecordAt = time.Time{}
}

// ApplyAggregate seeds the record from a fully parsed file summary.
func (r *Record) ApplyAggregate(a Aggregate) {
	r.InputTokens = a.InputTokens
	r.OutputTokens = a.OutputTokens
	r.CacheCreationTokens = a.CacheCreationTokens
	r.CacheReadTokens = a.CacheReadTokens
	r.TurnCount = a.TurnCount
	r.CostUSD = a.CostUSD
	r.LastPrompt = a.LastPrompt
	r.LastPromptAt = a.LastPromptAt
	r.LastRecordAt = a.LastRecordAt
	r.Offset = a.Offset
	if a.Model != "" {
		r.Model = a.Model
	}
	if !a.FirstRecordAt.IsZero() {
		r.StartedAt = a.FirstRecordAt
	}
}

// Aggregate is the derived summary of one fully parsed session file,
// the unit the parse cache memoizes.
type Aggregate struct {
	InputTokens         int
	OutputTokens        int
	CacheCreationTokens int
	CacheReadTokens     int // latest-wins snapshot
	TurnCount           int
	Model               string
	CostUSD             float64
	LastPrompt          string
	LastPromptAt        time.Time
	FirstRecordAt       time.Time
	LastRecordAt        time.Time

	// Offset is the byte offset of the last complete line the parse
	// consumed, i.e. where incremental tailing resumes.
	Offset int64
}
