package reliability

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/caselight/caselight/pkg/types"
)

// TestProperty_ThresholdClamps checks that the cut point invariants hold for
// any combination of dataset size, null rate and case severity, not just the
// handful of combinations the table tests enumerate.
func TestProperty_ThresholdClamps(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	severities := []types.CaseSeverity{
		types.SeverityRoutine,
		types.SeverityElevated,
		types.SeveritySuspectedBreach,
	}

	properties.Property("medium floor, high ceiling and tier separation always hold", prop.ForAll(
		func(recordCount int64, nullRatePct int, sevIdx int) bool {
			ts := ComputeThresholds(ThresholdContext{
				RecordCount:  recordCount,
				NullRate:     float64(nullRatePct) / 100,
				CaseSeverity: severities[sevIdx],
			})
			if ts.Medium < MinMediumThreshold {
				return false
			}
			if ts.High > MaxHighThreshold {
				return false
			}
			return ts.High >= ts.Medium+MinTierSeparation-1e-9
		},
		gen.Int64Range(0, 10_000_000),
		gen.IntRange(0, 100),
		gen.IntRange(0, len(severities)-1),
	))

	properties.Property("every adjustment is itemized in the reasoning", prop.ForAll(
		func(recordCount int64, nullRatePct int, sevIdx int) bool {
			ts := ComputeThresholds(ThresholdContext{
				RecordCount:  recordCount,
				NullRate:     float64(nullRatePct) / 100,
				CaseSeverity: severities[sevIdx],
			})
			for _, a := range ts.Adjustments {
				if a.Reason == "" || a.Delta == 0 {
					return false
				}
			}
			return ts.Reasoning != ""
		},
		gen.Int64Range(0, 10_000_000),
		gen.IntRange(0, 100),
		gen.IntRange(0, len(severities)-1),
	))

	properties.TestingRun(t)
}
