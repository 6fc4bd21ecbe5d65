package usage

import "strings"

// Pricing holds USD rates per million tokens for one model family.
type Pricing struct {
	InputPerMTok         float64
	OutputPerMTok        float64
	CacheCreationPerMTok float64
	CacheReadPerMTok     float64
}

// Cost returns the USD cost of a single usage record.
func (p Pricing) Cost(input, output, cacheCreation, cacheRead int) float64 {
	const mtok = 1_000_000
	return float64(input)*p.InputPerMTok/mtok +
		float64(output)*p.OutputPerMTok/mtok +
		float64(cacheCreation)*p.CacheCreationPerMTok/mtok +
		float64(cacheRead)*p.CacheReadPerMTok/mtok
}

// ModelInfo describes a model family's display name, context limits,
// auto-compact behavior, and pricing.
type ModelInfo struct {
	DisplayName   string
	ContextWindow int // baseline context window in tokens

	// UpgradedWindow is the larger context variant silently switched to
	// once usage approaches the baseline limit. Zero means the model has
	// no larger variant.
	UpgradedWindow int

	// AutoCompactFactor overrides the default compaction factor for this
	// family. Zero means use the default.
	AutoCompactFactor float64

	Pricing Pricing
}

// models maps a family substring of the model identifier to its info.
// Matched in order; first hit wins.
var models = []struct {
	match string
	info  ModelInfo
}{
	{"opus", ModelInfo{
		DisplayName:   "Opus",
		ContextWindow: 200_000,
		Pricing:       Pricing{InputPerMTok: 15, OutputPerMTok: 75, CacheCreationPerMTok: 18.75, CacheReadPerMTok: 1.5},
	}},
	{"sonnet", ModelInfo{
		DisplayName:    "Sonnet",
		ContextWindow:  200_000,
		UpgradedWindow: 1_000_000,
		Pricing:        Pricing{InputPerMTok: 3, OutputPerMTok: 15, CacheCreationPerMTok: 3.75, CacheReadPerMTok: 0.3},
	}},
	{"haiku", ModelInfo{
		DisplayName:   "Haiku",
		ContextWindow: 200_000,
		Pricing:       Pricing{InputPerMTok: 0.8, OutputPerMTok: 4, CacheCreationPerMTok: 1, CacheReadPerMTok: 0.08},
	}},
}

// defaultModel is used when the identifier matches no known family.
var defaultModel = ModelInfo{
	DisplayName:   "Unknown",
	ContextWindow: 200_000,
	Pricing:       Pricing{InputPerMTok: 3, OutputPerMTok: 15, CacheCreationPerMTok: 3.75, CacheReadPerMTok: 0.3},
}

// Lookup resolves a raw model identifier (e.g. "claude-opus-4-5-20251101")
// to its family info. Unknown identifiers get conservative defaults.
func Lookup(model string) ModelInfo {
	lower := strings.ToLower(model)
	for _, m := range models {
		if strings.Contains(lower, m.match) {
			info := m.info
			// Identifiers carrying an explicit [1m] marker get the large
			// window as their baseline.
			if strings.Contains(lower, "[1m]") && info.UpgradedWindow > 0 {
				info.ContextWindow = info.UpgradedWindow
			}
			return info
		}
	}
	return defaultModel
}

// CostFor prices one usage record against the model's rates.
func CostFor(model string, input, output, cacheCreation, cacheRead int) float64 {
	return Lookup(model).Pricing.Cost(input, output, cacheCreation, cacheRead)
}
