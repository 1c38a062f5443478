package reliability

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/caselight/caselight/internal/history"
	"github.com/caselight/caselight/internal/store"
	"github.com/caselight/caselight/pkg/types"
)

// Scoring weights. They sum to 1.0 so the overall score stays in [0, 1].
const (
	WeightUniformity     = 0.30
	WeightDiscrimination = 0.20
	WeightCoverage       = 0.20
	WeightHistory        = 0.25
	WeightDomainBonus    = 0.05
)

// DiscriminationProxy estimates how well a field's values separate the two
// sides of an outcome proxy. It is an interface so the heuristic can be
// swapped without touching the scorer.
type DiscriminationProxy interface {
	Score(counts map[string]store.OutcomeCounts) float64
}

// ErrorCodeProxy is the default outcome proxy. It treats rows whose
// error_code is absent or zero as successes and measures, per field value,
// how far the value-conditional success rate sits from the global rate. The
// weighted mean absolute deviation is normalized by its theoretical maximum
// 2p(1-p), reached when values perfectly separate the classes, so the score
// lands in [0, 1].
type ErrorCodeProxy struct{}

func (ErrorCodeProxy) Score(counts map[string]store.OutcomeCounts) float64 {
	var success, total int64
	for _, c := range counts {
		success += c.Success
		total += c.Success + c.Failure
	}
	if total == 0 {
		return 0
	}
	p := float64(success) / float64(total)
	if p == 0 || p == 1 {
		// Single-class dataset. Nothing to discriminate against.
		return 0
	}

	var deviation float64
	for _, c := range counts {
		n := c.Success + c.Failure
		if n == 0 {
			continue
		}
		pv := float64(c.Success) / float64(n)
		deviation += float64(n) / float64(total) * math.Abs(pv-p)
	}
	score := deviation / (2 * p * (1 - p))
	if score > 1 {
		score = 1
	}
	return score
}

// ReliabilityScore is the factor breakdown for one candidate field.
type ReliabilityScore struct {
	Uniformity     float64 `json:"uniformity"`
	Discrimination float64 `json:"discrimination"`
	Coverage       float64 `json:"coverage"`
	HistoricalRate float64 `json:"historical_rate"`
	DomainBonus    float64 `json:"domain_bonus"`
	Overall        float64 `json:"overall"`
}

// FieldRanking pairs a candidate with its score and tier.
type FieldRanking struct {
	Candidate FieldCandidate       `json:"candidate"`
	Score     ReliabilityScore     `json:"score"`
	Tier      types.ConfidenceTier `json:"tier"`
	Reasoning string               `json:"reasoning"`
}

// Recommendation is the scorer's answer: which field to trust and how much.
// AllCandidates keeps the full ranking so the choice is auditable.
type Recommendation struct {
	Field         string               `json:"field"`
	Confidence    types.ConfidenceTier `json:"confidence"`
	Reasoning     string               `json:"reasoning"`
	AllCandidates []FieldRanking       `json:"all_candidates"`
}

// Scorer ranks candidate fields for one case store. The history store is
// optional; without it the historical factor falls back to the prior.
type Scorer struct {
	store   *store.CaseStore
	history *history.Store
	proxy   DiscriminationProxy
}

func NewScorer(st *store.CaseStore, hist *history.Store) *Scorer {
	return &Scorer{store: st, history: hist, proxy: ErrorCodeProxy{}}
}

// normalizedEntropy is Shannon entropy over the non-null value distribution,
// divided by log2(k). 1.0 means perfectly even, 0 means a single value.
func normalizedEntropy(dist map[string]int64) float64 {
	if len(dist) < 2 {
		return 0
	}
	var total int64
	for _, n := range dist {
		total += n
	}
	if total == 0 {
		return 0
	}
	var h float64
	for _, n := range dist {
		if n == 0 {
			continue
		}
		p := float64(n) / float64(total)
		h -= p * math.Log2(p)
	}
	return h / math.Log2(float64(len(dist)))
}

func (s *Scorer) scoreCandidate(ctx context.Context, logType types.LogType, c FieldCandidate, thresholds ThresholdSet) (FieldRanking, error) {
	uniformity := normalizedEntropy(c.Distribution)
	coverage := 1 - c.NullRate()

	counts, err := s.store.ValueOutcomeCounts(ctx, logType, c.Name)
	if err != nil {
		return FieldRanking{}, err
	}
	discrimination := s.proxy.Score(counts)

	histRate := 0.5
	histN := 0
	if s.history != nil {
		histRate, histN, err = s.history.SuccessRate(ctx, logType, c.Name)
		if err != nil {
			return FieldRanking{}, fmt.Errorf("reliability: history lookup for %s failed: %w", c.Name, err)
		}
	}

	bonus := 0.0
	if domainFields[c.Name] {
		bonus = 1.0
	}

	overall := WeightUniformity*uniformity +
		WeightDiscrimination*discrimination +
		WeightCoverage*coverage +
		WeightHistory*histRate +
		WeightDomainBonus*bonus

	tier := thresholds.Tier(overall)
	var notes []string
	if uniformity == 0 {
		// A field with a single observed value carries no signal no matter
		// what the other factors say.
		tier = types.TierLow
		notes = append(notes, "uniform value distribution, field carries no signal")
	}
	notes = append(notes,
		fmt.Sprintf("entropy %.2f", uniformity),
		fmt.Sprintf("outcome separation %.2f", discrimination),
		fmt.Sprintf("coverage %.0f%%", coverage*100),
	)
	if histN > 0 {
		notes = append(notes, fmt.Sprintf("historical success %.0f%% over %d prior cases", histRate*100, histN))
	} else {
		notes = append(notes, "no prior history, neutral prior applied")
	}
	if bonus > 0 {
		notes = append(notes, "recognized domain field")
	}

	return FieldRanking{
		Candidate: c,
		Score: ReliabilityScore{
			Uniformity:     uniformity,
			Discrimination: discrimination,
			Coverage:       coverage,
			HistoricalRate: histRate,
			DomainBonus:    bonus,
			Overall:        overall,
		},
		Tier:      tier,
		Reasoning: strings.Join(notes, "; "),
	}, nil
}

// RankFields scores every discovered candidate and returns them ordered by
// overall score, best first. Ties break on field name for stable output.
func (s *Scorer) RankFields(ctx context.Context, logType types.LogType, thresholds ThresholdSet) ([]FieldRanking, error) {
	candidates, err := DiscoverCandidates(ctx, s.store, logType)
	if err != nil {
		return nil, err
	}

	rankings := make([]FieldRanking, 0, len(candidates))
	for _, c := range candidates {
		r, err := s.scoreCandidate(ctx, logType, c, thresholds)
		if err != nil {
			return nil, err
		}
		rankings = append(rankings, r)
	}
	sort.Slice(rankings, func(i, j int) bool {
		if rankings[i].Score.Overall != rankings[j].Score.Overall {
			return rankings[i].Score.Overall > rankings[j].Score.Overall
		}
		return rankings[i].Candidate.Name < rankings[j].Candidate.Name
	})
	return rankings, nil
}

// RecommendField picks the top-ranked field for a log type. With no viable
// candidates it returns an empty field at LOW confidence rather than an
// error, since a recommendation is advisory.
func (s *Scorer) RecommendField(ctx context.Context, logType types.LogType, thresholds ThresholdSet) (Recommendation, error) {
	rankings, err := s.RankFields(ctx, logType, thresholds)
	if err != nil {
		return Recommendation{}, err
	}
	if len(rankings) == 0 {
		return Recommendation{
			Field:      "",
			Confidence: types.TierLow,
			Reasoning:  "no status-like fields discovered; manual review required",
		}, nil
	}

	top := rankings[0]
	return Recommendation{
		Field:         top.Candidate.Name,
		Confidence:    top.Tier,
		Reasoning:     fmt.Sprintf("selected %s (score %.2f, %s): %s", top.Candidate.Name, top.Score.Overall, top.Tier, top.Reasoning),
		AllCandidates: rankings,
	}, nil
}
