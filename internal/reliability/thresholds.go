// Package reliability discovers status-like fields in raw log tables and
// ranks them by how much a forensic conclusion can lean on them. Scoring is
// a weighted blend of value-distribution statistics, an outcome-proxy
// correlation, cross-case history, and a small domain allowance.
package reliability

import (
	"fmt"
	"strings"

	"github.com/caselight/caselight/pkg/types"
)

// Base confidence cut points before context adjustments.
const (
	BaseHighThreshold   = 0.70
	BaseMediumThreshold = 0.50
)

// Clamp bounds. HIGH and MEDIUM always keep a 0.10 separation.
const (
	MinMediumThreshold = 0.15
	MaxHighThreshold   = 0.85
	MinTierSeparation  = 0.10
)

// ThresholdContext describes the dataset and case being scored.
type ThresholdContext struct {
	RecordCount  int64
	NullRate     float64
	LogType      types.LogType
	CaseSeverity types.CaseSeverity
}

// Adjustment is one itemized threshold change. Every adjustment is reported
// individually so an analyst can reconstruct the cut points by hand.
type Adjustment struct {
	Reason string  `json:"reason"`
	Delta  float64 `json:"delta"`
}

// ThresholdSet holds the adjusted cut points for one context.
type ThresholdSet struct {
	High        float64      `json:"high"`
	Medium      float64      `json:"medium"`
	Adjustments []Adjustment `json:"adjustments"`
	Reasoning   string       `json:"reasoning"`
}

// ComputeThresholds derives the HIGH/MEDIUM cut points from context. It is a
// pure function: same context, same thresholds.
func ComputeThresholds(ctx ThresholdContext) ThresholdSet {
	var adjustments []Adjustment

	if ctx.RecordCount > 0 && ctx.RecordCount < 100 {
		adjustments = append(adjustments, Adjustment{
			Reason: fmt.Sprintf("small dataset (%d records): statistics are noisy, lower the bar", ctx.RecordCount),
			Delta:  -0.10,
		})
	}
	if ctx.RecordCount > 100000 {
		adjustments = append(adjustments, Adjustment{
			Reason: fmt.Sprintf("large dataset (%d records): statistics are stable, demand more", ctx.RecordCount),
			Delta:  +0.05,
		})
	}
	if ctx.NullRate > 0.50 {
		adjustments = append(adjustments, Adjustment{
			Reason: fmt.Sprintf("high null rate (%.0f%%): coverage is thin", ctx.NullRate*100),
			Delta:  -0.05,
		})
	}
	if ctx.CaseSeverity == types.SeveritySuspectedBreach {
		adjustments = append(adjustments, Adjustment{
			Reason: "suspected breach: favor recall over precision",
			Delta:  -0.10,
		})
	}

	high := BaseHighThreshold
	medium := BaseMediumThreshold
	for _, a := range adjustments {
		high += a.Delta
		medium += a.Delta
	}

	// Clamp. The separation rule is restored last so the invariants hold for
	// any combination of adjustments.
	if medium < MinMediumThreshold {
		medium = MinMediumThreshold
	}
	if high > MaxHighThreshold {
		high = MaxHighThreshold
	}
	if high < medium+MinTierSeparation {
		high = medium + MinTierSeparation
		if high > MaxHighThreshold {
			high = MaxHighThreshold
			medium = high - MinTierSeparation
		}
	}

	reasons := make([]string, 0, len(adjustments))
	for _, a := range adjustments {
		reasons = append(reasons, fmt.Sprintf("%+.2f: %s", a.Delta, a.Reason))
	}
	reasoning := fmt.Sprintf("base high=%.2f medium=%.2f", BaseHighThreshold, BaseMediumThreshold)
	if len(reasons) > 0 {
		reasoning += "; " + strings.Join(reasons, "; ")
	}

	return ThresholdSet{
		High:        high,
		Medium:      medium,
		Adjustments: adjustments,
		Reasoning:   reasoning,
	}
}

// Tier maps an overall score to a confidence tier under these thresholds.
func (t ThresholdSet) Tier(score float64) types.ConfidenceTier {
	switch {
	case score >= t.High:
		return types.TierHigh
	case score >= t.Medium:
		return types.TierMedium
	default:
		return types.TierLow
	}
}
