package reliability

import (
	"math"
	"testing"

	"github.com/caselight/caselight/pkg/types"
)

func TestComputeThresholdsBase(t *testing.T) {
	ts := ComputeThresholds(ThresholdContext{
		RecordCount:  5000,
		NullRate:     0.1,
		LogType:      types.LogTypeSignIn,
		CaseSeverity: types.SeverityRoutine,
	})
	if ts.High != BaseHighThreshold {
		t.Errorf("high = %.2f, want %.2f", ts.High, BaseHighThreshold)
	}
	if ts.Medium != BaseMediumThreshold {
		t.Errorf("medium = %.2f, want %.2f", ts.Medium, BaseMediumThreshold)
	}
	if len(ts.Adjustments) != 0 {
		t.Errorf("expected no adjustments, got %d", len(ts.Adjustments))
	}
}

func TestComputeThresholdsAdjustments(t *testing.T) {
	tests := []struct {
		name       string
		ctx        ThresholdContext
		wantHigh   float64
		wantMedium float64
		wantAdjs   int
	}{
		{
			name:       "small dataset lowers both",
			ctx:        ThresholdContext{RecordCount: 50, NullRate: 0.1},
			wantHigh:   0.60,
			wantMedium: 0.40,
			wantAdjs:   1,
		},
		{
			name:       "large dataset raises both",
			ctx:        ThresholdContext{RecordCount: 200000, NullRate: 0.1},
			wantHigh:   0.75,
			wantMedium: 0.55,
			wantAdjs:   1,
		},
		{
			name:       "sparse field lowers both",
			ctx:        ThresholdContext{RecordCount: 5000, NullRate: 0.8},
			wantHigh:   0.65,
			wantMedium: 0.45,
			wantAdjs:   1,
		},
		{
			name:       "suspected breach lowers both",
			ctx:        ThresholdContext{RecordCount: 5000, NullRate: 0.1, CaseSeverity: types.SeveritySuspectedBreach},
			wantHigh:   0.60,
			wantMedium: 0.40,
			wantAdjs:   1,
		},
		{
			name:       "adjustments stack",
			ctx:        ThresholdContext{RecordCount: 50, NullRate: 0.8, CaseSeverity: types.SeveritySuspectedBreach},
			wantHigh:   0.45,
			wantMedium: 0.25,
			wantAdjs:   3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := ComputeThresholds(tt.ctx)
			if math.Abs(ts.High-tt.wantHigh) > 1e-9 {
				t.Errorf("high = %.2f, want %.2f", ts.High, tt.wantHigh)
			}
			if math.Abs(ts.Medium-tt.wantMedium) > 1e-9 {
				t.Errorf("medium = %.2f, want %.2f", ts.Medium, tt.wantMedium)
			}
			if len(ts.Adjustments) != tt.wantAdjs {
				t.Errorf("adjustments = %d, want %d", len(ts.Adjustments), tt.wantAdjs)
			}
		})
	}
}

func TestComputeThresholdsDeterministic(t *testing.T) {
	ctx := ThresholdContext{RecordCount: 50, NullRate: 0.8, CaseSeverity: types.SeveritySuspectedBreach}
	a := ComputeThresholds(ctx)
	b := ComputeThresholds(ctx)
	if a.High != b.High || a.Medium != b.Medium {
		t.Errorf("same context produced different thresholds: %+v vs %+v", a, b)
	}
}

func TestThresholdSetTier(t *testing.T) {
	ts := ThresholdSet{High: 0.70, Medium: 0.50}
	tests := []struct {
		score float64
		want  types.ConfidenceTier
	}{
		{0.90, types.TierHigh},
		{0.70, types.TierHigh},
		{0.69, types.TierMedium},
		{0.50, types.TierMedium},
		{0.49, types.TierLow},
		{0.00, types.TierLow},
	}
	for _, tt := range tests {
		if got := ts.Tier(tt.score); got != tt.want {
			t.Errorf("Tier(%.2f) = %s, want %s", tt.score, got, tt.want)
		}
	}
}
