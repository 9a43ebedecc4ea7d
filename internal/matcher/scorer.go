package matcher

import (
	"context"
	"sort"

	"github.com/example/blood-match/internal/models"
)

// Scorer assigns a desirability score to an eligible candidate; higher is
// better. Implementations must not fail: a strategy that can error falls
// back to a local score.
type Scorer interface {
	Score(ctx context.Context, req models.EmergencyRequest, c Candidate) float64
}

// BatchScorer scores a whole candidate set in one call, returning one score
// per candidate in input order.
type BatchScorer interface {
	ScoreBatch(ctx context.Context, req models.EmergencyRequest, cands []Candidate) []float64
}

// Scored is a candidate with its score.
type Scored struct {
	Candidate
	Score float64
}

// WeightedScorer combines four normalized factors, each in [0,1]:
//
//	score = Distance*(1 - dist/radius) + Reliability*responseRate
//	      + Experience*min(count, cap)/cap + Urgency*urgencyWeight
//
// With the default weights the score ranges over [0,1].
type WeightedScorer struct {
	Policy Policy
}

func (s WeightedScorer) Score(_ context.Context, req models.EmergencyRequest, c Candidate) float64 {
	w := s.Policy.Weights
	return w.Distance*proximity(c.DistanceKm, req.RadiusKm) +
		w.Reliability*c.Donor.Reliability() +
		w.Experience*normalize(float64(c.Donor.DonationCount), float64(s.Policy.ExperienceCap)) +
		w.Urgency*s.Policy.UrgencyWeight(req.Urgency)
}

func proximity(dist, radius float64) float64 {
	if radius <= 0 {
		if dist <= 0 {
			return 1
		}
		return 0
	}
	return 1 - normalize(dist, radius)
}

// normalize maps v onto [0,1] over [0,max].
func normalize(v, max float64) float64 {
	if max <= 0 || v <= 0 {
		return 0
	}
	if v >= max {
		return 1
	}
	return v / max
}

// ScoreAll scores every candidate with s, in one batch when s supports it.
func ScoreAll(ctx context.Context, s Scorer, req models.EmergencyRequest, cands []Candidate) []Scored {
	out := make([]Scored, 0, len(cands))
	if bs, ok := s.(BatchScorer); ok {
		scores := bs.ScoreBatch(ctx, req, cands)
		for i, c := range cands {
			out = append(out, Scored{Candidate: c, Score: scores[i]})
		}
		return out
	}
	for _, c := range cands {
		out = append(out, Scored{Candidate: c, Score: s.Score(ctx, req, c)})
	}
	return out
}

// Rank orders scored candidates by score descending, then distance ascending,
// then donor id, and keeps at most max of them. The input is not modified.
func Rank(scored []Scored, max int) []Scored {
	out := make([]Scored, len(scored))
	copy(out, scored)
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.DistanceKm != b.DistanceKm {
			return a.DistanceKm < b.DistanceKm
		}
		return a.Donor.ID < b.Donor.ID
	})
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out
}
