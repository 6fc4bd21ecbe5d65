package session

import (
	"math"
	"time"

	"github.com/tokenwatch/backend/internal/usage"
)

// Snapshot is the read-only per-session view handed to the dashboard
// layer. Prompt text is not truncated here; display truncation is the
// consumer's job.
type Snapshot struct {
	ID            string `json:"id"`
	Model         string `json:"model"`
	ModelRaw      string `json:"modelRaw,omitempty"`
	ContextWindow int    `json:"contextWindow"`

	InputTokens         int `json:"inputTokens"`
	OutputTokens        int `json:"outputTokens"`
	CacheCreationTokens int `json:"cacheCreationTokens"`
	CacheReadTokens     int `json:"cacheReadTokens"`
	TotalTokens         int `json:"totalTokens"`

	UsagePercentage     float64 `json:"usagePercentage"`
	RemainingTokens     int     `json:"remainingTokens"`
	RemainingPercentage int     `json:"remainingPercentage"`
	WarningLevel        string  `json:"warningLevel"`

	CostUSD                 float64 `json:"costUSD"`
	TurnCount               int     `json:"turnCount"`
	AvgTokensPerTurn        float64 `json:"avgTokensPerTurn"`
	EstimatedRemainingTurns int     `json:"estimatedRemainingTurns"`

	AutoCompact usage.Estimate `json:"autoCompact"`
	Compacted   bool           `json:"compacted,omitempty"`

	StartedAt    time.Time `json:"startedAt"`
	LastRecordAt time.Time `json:"lastRecordAt"`
	LastPrompt   string    `json:"lastPrompt,omitempty"`
	LastPromptAt time.Time `json:"lastPromptAt,omitempty"`

	WriterPID    int  `json:"writerPid,omitempty"`
	WriterActive bool `json:"writerActive,omitempty"`
}

// BuildSnapshot derives the dashboard view from a record and its usage
// estimate.
func BuildSnapshot(r *Record, model usage.ModelInfo, est usage.Estimate) Snapshot {
	total := r.TotalTokens()

	avg := 0.0
	if r.TurnCount > 0 {
		avg = float64(total) / float64(r.TurnCount)
	}
	remainingTurns := 0
	if avg > 0 {
		remainingTurns = int(math.Floor(float64(est.RemainingTokens) / avg))
	}

	return Snapshot{
		ID:                      r.ID,
		Model:                   model.DisplayName,
		ModelRaw:                r.Model,
		ContextWindow:           est.ContextWindow,
		InputTokens:             r.InputTokens,
		OutputTokens:            r.OutputTokens,
		CacheCreationTokens:     r.CacheCreationTokens,
		CacheReadTokens:         r.CacheReadTokens,
		TotalTokens:             total,
		UsagePercentage:         est.UsagePercentage,
		RemainingTokens:         est.RemainingTokens,
		RemainingPercentage:     est.RemainingPercentage,
		WarningLevel:            string(est.WarningLevel),
		CostUSD:                 r.CostUSD,
		TurnCount:               r.TurnCount,
		AvgTokensPerTurn:        avg,
		EstimatedRemainingTurns: remainingTurns,
		AutoCompact:             est,
		Compacted:               r.Compacted,
		StartedAt:               r.StartedAt,
		LastRecordAt:            r.LastRecordAt,
		LastPrompt:              r.LastPrompt,
		LastPromptAt:            r.LastPromptAt,
	}
}

// ErrorEvent is the per-session failure surface: one session's parse or
// I/O error must never halt processing of the others.
type ErrorEvent struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}
