package matcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/example/blood-match/internal/models"
)

// RemoteScorer asks an external scoring service for a 0..100 score and maps
// it onto the weighted scale. Any failure, including an open breaker, falls
// back to the local weighted score.
//
// In a batch only the Limit best candidates by weighted score go to the
// service, at most Workers at a time, and all of them share Budget.
type RemoteScorer struct {
	Endpoint string
	Client   *http.Client
	Limit    int
	Workers  int
	Budget   time.Duration

	fallback WeightedScorer
	breaker  *gobreaker.CircuitBreaker
	logger   *slog.Logger
}

func NewRemoteScorer(endpoint string, p Policy, logger *slog.Logger) *RemoteScorer {
	if logger == nil {
		logger = slog.Default()
	}
	r := &RemoteScorer{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 2 * time.Second},
		Limit:    2 * p.MaxMatches,
		Workers:  8,
		Budget:   3 * time.Second,
		fallback: WeightedScorer{Policy: p},
		logger:   logger,
	}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "remote-scorer",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 5 },
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return r
}

type remoteScoreRequest struct {
	BloodType models.BloodType `json:"blood_type"`
	Rh        models.RhFactor  `json:"rh"`
	Urgency   models.Urgency   `json:"urgency"`
	Donor     remoteDonor      `json:"donor"`
}

type remoteDonor struct {
	ID            string           `json:"id"`
	BloodType     models.BloodType `json:"blood_type"`
	Rh            models.RhFactor  `json:"rh"`
	DistanceKm    float64          `json:"distance_km"`
	DonationCount int              `json:"donation_count"`
	ResponseRate  float64          `json:"response_rate"`
}

type remoteScoreResponse struct {
	Score         *float64 `json:"score"`
	Justification string   `json:"justification"`
}

func (r *RemoteScorer) Score(ctx context.Context, req models.EmergencyRequest, c Candidate) float64 {
	if v, ok := r.remote(ctx, req, c); ok {
		return v
	}
	return r.fallback.Score(ctx, req, c)
}

// ScoreBatch starts from the weighted scores and replaces those of the top
// candidates with the service's answers that arrive within Budget.
func (r *RemoteScorer) ScoreBatch(ctx context.Context, req models.EmergencyRequest, cands []Candidate) []float64 {
	scores := make([]float64, len(cands))
	order := make([]int, len(cands))
	for i, c := range cands {
		scores[i] = r.fallback.Score(ctx, req, c)
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return scores[order[a]] > scores[order[b]] })
	if r.Limit > 0 && len(order) > r.Limit {
		order = order[:r.Limit]
	}

	if r.Budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Budget)
		defer cancel()
	}
	var g errgroup.Group
	if r.Workers > 0 {
		g.SetLimit(r.Workers)
	}
	remote := make([]float64, len(cands))
	got := make([]bool, len(cands))
	for _, i := range order {
		i := i
		g.Go(func() error {
			remote[i], got[i] = r.remote(ctx, req, cands[i])
			return nil
		})
	}
	_ = g.Wait()
	for i := range cands {
		if got[i] {
			scores[i] = remote[i]
		}
	}
	return scores
}

// remote returns the service score mapped onto the weighted scale, or false
// when the service could not answer.
func (r *RemoteScorer) remote(ctx context.Context, req models.EmergencyRequest, c Candidate) (float64, bool) {
	v, err := r.breaker.Execute(func() (interface{}, error) {
		return r.fetch(ctx, req, c)
	})
	if err != nil {
		r.logger.Warn("remote score failed, using weighted score", "donor_id", c.Donor.ID, "error", err)
		return 0, false
	}
	raw := v.(float64)
	switch {
	case raw < 0:
		raw = 0
	case raw > 100:
		raw = 100
	}
	return raw / 100 * r.fallback.Policy.Weights.Sum(), true
}

func (r *RemoteScorer) fetch(ctx context.Context, req models.EmergencyRequest, c Candidate) (float64, error) {
	body, err := json.Marshal(remoteScoreRequest{
		BloodType: req.BloodType,
		Rh:        req.Rh,
		Urgency:   req.Urgency,
		Donor: remoteDonor{
			ID:            c.Donor.ID,
			BloodType:     c.Donor.BloodType,
			Rh:            c.Donor.Rh,
			DistanceKm:    c.DistanceKm,
			DonationCount: c.Donor.DonationCount,
			ResponseRate:  c.Donor.Reliability(),
		},
	})
	if err != nil {
		return 0, err
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.Endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	hreq.Header.Set("Content-Type", "application/json")
	resp, err := r.Client.Do(hreq)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("scoring service status %d", resp.StatusCode)
	}
	var out remoteScoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode score: %w", err)
	}
	if out.Score == nil {
		return 0, fmt.Errorf("scoring service returned no score")
	}
	return *out.Score, nil
}
