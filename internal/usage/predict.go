// Package usage computes per-session token accounting, cost, and the
// predicted auto-compact threshold from accumulated token counts. All
// functions here are pure: they take counts in and return a derived
// estimate, never touching session state or the filesystem.
package usage

import "math"

// Overhead constants approximate the writer's opaque context bookkeeping.
// They are reverse-engineered from observed compaction points and are not
// exact; keep them as named defaults rather than inlining.
const (
	DefaultBaseOverhead        = 25_000
	DefaultPerMessageFactor    = 20
	DefaultMessageOverheadCap  = 3_000
	DefaultCacheOverheadFactor = 0.005
	DefaultMaxOverheadRatio    = 0.5
	DefaultAutoCompactFactor   = 0.92

	// windowUpgradeRatio is the usage fraction of the baseline window past
	// which the writer silently switches the session to the model's larger
	// context variant.
	windowUpgradeRatio = 0.9
)

// Params holds the tunable constants of the prediction model.
type Params struct {
	BaseOverhead        int
	PerMessageFactor    int
	MessageOverheadCap  int
	CacheOverheadFactor float64
	MaxOverheadRatio    float64
	AutoCompactFactor   float64
}

// DefaultParams returns the model constants as observed in the wild.
func DefaultParams() Params {
	return Params{
		BaseOverhead:        DefaultBaseOverhead,
		PerMessageFactor:    DefaultPerMessageFactor,
		MessageOverheadCap:  DefaultMessageOverheadCap,
		CacheOverheadFactor: DefaultCacheOverheadFactor,
		MaxOverheadRatio:    DefaultMaxOverheadRatio,
		AutoCompactFactor:   DefaultAutoCompactFactor,
	}
}

// Level classifies how close a session is to its compaction threshold.
type Level string

const (
	LevelNormal   Level = "normal"
	LevelNotice   Level = "notice"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
	LevelActive   Level = "active"
)

// Input carries everything the prediction needs about one session.
type Input struct {
	TotalTokens        int
	MessageCount       int
	CacheSize          int // latest cache-read snapshot, not a running sum
	AutoCompactEnabled bool
	Model              ModelInfo
}

// Estimate is the derived projection of a session's remaining capacity.
// It is recomputed on every read and never stored independently of the
// session that produced it.
type Estimate struct {
	ContextWindow        int     `json:"contextWindow"`
	WindowUpgraded       bool    `json:"windowUpgraded,omitempty"`
	SystemOverhead       int     `json:"systemOverhead"`
	AvailableTokens      int     `json:"availableTokens"`
	AutoCompactThreshold int     `json:"autoCompactThreshold"`
	EffectiveLimit       int     `json:"effectiveLimit"`
	UsagePercentage      float64 `json:"usagePercentage"`
	RemainingTokens      int     `json:"remainingTokens"`
	RemainingPercentage  int     `json:"remainingPercentage"`
	WarningLevel         Level   `json:"warningLevel"`
}

// Predict projects remaining context capacity for a session.
//
// The headline usage percentage is computed against the nominal window,
// deliberately ignoring overhead; the remaining-capacity figures are
// computed against the overhead-adjusted effective limit. When usage
// exceeds 90% of the baseline window and the model has a larger variant,
// the whole computation transparently switches to that variant.
func Predict(in Input, p Params) Estimate {
	window := in.Model.ContextWindow
	if window <= 0 {
		window = defaultModel.ContextWindow
	}

	upgraded := false
	if in.Model.UpgradedWindow > window &&
		float64(in.TotalTokens) > windowUpgradeRatio*float64(window) {
		window = in.Model.UpgradedWindow
		upgraded = true
	}

	overhead := p.BaseOverhead +
		min(in.MessageCount*p.PerMessageFactor, p.MessageOverheadCap) +
		int(math.Floor(float64(in.CacheSize)*p.CacheOverheadFactor))
	if limit := int(float64(window) * p.MaxOverheadRatio); overhead > limit {
		overhead = limit
	}

	available := window - overhead

	factor := p.AutoCompactFactor
	if in.Model.AutoCompactFactor > 0 {
		factor = in.Model.AutoCompactFactor
	}
	threshold := int(math.Round(float64(available) * factor))

	effective := available
	if in.AutoCompactEnabled {
		effective = threshold
	}

	remaining := effective - in.TotalTokens
	if remaining < 0 {
		remaining = 0
	}
	remainingPct := 0
	if effective > 0 {
		remainingPct = int(math.Round(float64(remaining) / float64(effective) * 100))
	}

	return Estimate{
		ContextWindow:        window,
		WindowUpgraded:       upgraded,
		SystemOverhead:       overhead,
		AvailableTokens:      available,
		AutoCompactThreshold: threshold,
		EffectiveLimit:       effective,
		UsagePercentage:      float64(in.TotalTokens) / float64(window) * 100,
		RemainingTokens:      remaining,
		RemainingPercentage:  remainingPct,
		WarningLevel:         levelFor(remainingPct),
	}
}

// levelFor maps remaining percentage to a warning level, strictly by
// descending remaining capacity.
func levelFor(remainingPct int) Level {
	switch {
	case remainingPct <= 0:
		return LevelActive
	case remainingPct < 5:
		return LevelCritical
	case remainingPct < 10:
		return LevelWarning
	case remainingPct < 20:
		return LevelNotice
	default:
		return LevelNormal
	}
}
