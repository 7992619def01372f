package ingest

import (
	"encoding/json"
	"math"
	"strconv"
)

// Attribute keys holding token usage and cost.
const (
	AttrInputTokens       = "gen_ai.usage.input_tokens"
	AttrOutputTokens      = "gen_ai.usage.output_tokens"
	AttrCachedInputTokens = "gen_ai.usage.cached_input_tokens"
	AttrTotalTokens       = "gen_ai.usage.total_tokens"
	AttrCostUSD           = "gen_ai.cost.usd"
)

// TokenStats is the token and cost usage carried by a span's attributes.
type TokenStats struct {
	InputTokens       int64
	OutputTokens      int64
	CachedInputTokens int64
	TotalTokens       int64
	Cost              float64
}

// TokenStatsFromAttributes reads usage from span attributes. Missing or
// unparseable values count as zero.
func TokenStatsFromAttributes(attrs map[string]any) TokenStats {
	return TokenStats{
		InputTokens:       intAttr(attrs, AttrInputTokens),
		OutputTokens:      intAttr(attrs, AttrOutputTokens),
		CachedInputTokens: intAttr(attrs, AttrCachedInputTokens),
		TotalTokens:       intAttr(attrs, AttrTotalTokens),
		Cost:              floatAttr(attrs, AttrCostUSD),
	}
}

// Add returns the component-wise sum of t and o.
func (t TokenStats) Add(o TokenStats) TokenStats {
	return TokenStats{
		InputTokens:       t.InputTokens + o.InputTokens,
		OutputTokens:      t.OutputTokens + o.OutputTokens,
		CachedInputTokens: t.CachedInputTokens + o.CachedInputTokens,
		TotalTokens:       t.TotalTokens + o.TotalTokens,
		Cost:              t.Cost + o.Cost,
	}
}

// IsZero reports whether every component is zero.
func (t TokenStats) IsZero() bool {
	return t == TokenStats{}
}

// Attributes returns the non-zero components keyed by attribute name, for
// merging into a span's attributes.
func (t TokenStats) Attributes() map[string]any {
	attrs := make(map[string]any, 5)
	if t.InputTokens != 0 {
		attrs[AttrInputTokens] = t.InputTokens
	}
	if t.OutputTokens != 0 {
		attrs[AttrOutputTokens] = t.OutputTokens
	}
	if t.CachedInputTokens != 0 {
		attrs[AttrCachedInputTokens] = t.CachedInputTokens
	}
	if t.TotalTokens != 0 {
		attrs[AttrTotalTokens] = t.TotalTokens
	}
	if t.Cost != 0 {
		attrs[AttrCostUSD] = t.Cost
	}
	return attrs
}

func intAttr(attrs map[string]any, key string) int64 {
	switch v := attrs[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case uint32:
		return int64(v)
	case uint64:
		if v > math.MaxInt64 {
			return math.MaxInt64
		}
		return int64(v)
	case float64:
		return roundToInt(v)
	case float32:
		return roundToInt(float64(v))
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
		if f, err := v.Float64(); err == nil {
			return roundToInt(f)
		}
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return roundToInt(f)
		}
	}
	return 0
}

func floatAttr(attrs map[string]any, key string) float64 {
	var f float64
	switch v := attrs[key].(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int64:
		f = float64(v)
	case int:
		f = float64(v)
	case json.Number:
		f, _ = v.Float64()
	case string:
		f, _ = strconv.ParseFloat(v, 64)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

func roundToInt(f float64) int64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return int64(math.Round(f))
}
