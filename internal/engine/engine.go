// Package engine runs emergency matching: it turns a blood request into a
// ranked set of notified donors and applies donor responses to the request
// and match state machines.
//
// All shared state lives in the injected storage.Store. Every status change
// is a compare-and-swap there, so any number of engine calls may run
// concurrently, in one process or many.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/blood-match/internal/apperr"
	"github.com/example/blood-match/internal/dispatch"
	"github.com/example/blood-match/internal/lifecycle"
	"github.com/example/blood-match/internal/matcher"
	"github.com/example/blood-match/internal/models"
	"github.com/example/blood-match/internal/observability"
	"github.com/example/blood-match/internal/storage"
)

// DefaultRequestTTL is how long a request stays open before the sweeper may
// expire it.
const DefaultRequestTTL = time.Hour

// A request has at most four forward states, so a CAS can lose at most that
// many times to other writers before the status is settled.
const maxCASAttempts = 4

// ProfileStore returns the donor pool snapshot for one matching run.
type ProfileStore interface {
	AvailableDonors(ctx context.Context, center models.Coord, radiusKm float64) ([]models.DonorCandidate, error)
}

// Notifier delivers one donor notification.
type Notifier interface {
	Notify(ctx context.Context, n dispatch.Notification) error
}

// EventPublisher receives lifecycle events after they are persisted.
type EventPublisher interface {
	Publish(ctx context.Context, ev models.LifecycleEvent) error
}

// ETA estimates donor travel time in seconds.
type ETA interface {
	Seconds(from, to models.Coord) float64
}

type Config struct {
	Policy      matcher.Policy
	RequestTTL  time.Duration
	Fulfillment lifecycle.FulfillmentPolicy
}

func DefaultConfig() Config {
	return Config{
		Policy:      matcher.DefaultPolicy(),
		RequestTTL:  DefaultRequestTTL,
		Fulfillment: lifecycle.FulfillOnFirstArrival,
	}
}

type Engine struct {
	store    storage.Store
	profiles ProfileStore
	scorer   matcher.Scorer
	notifier Notifier
	events   EventPublisher
	eta      ETA
	cfg      Config
	now      func() time.Time
	newID    func() string
	logger   *slog.Logger
}

type Option func(*Engine)

func WithProfiles(p ProfileStore) Option    { return func(e *Engine) { e.profiles = p } }
func WithScorer(s matcher.Scorer) Option    { return func(e *Engine) { e.scorer = s } }
func WithNotifier(n Notifier) Option        { return func(e *Engine) { e.notifier = n } }
func WithEvents(p EventPublisher) Option    { return func(e *Engine) { e.events = p } }
func WithETA(est ETA) Option                { return func(e *Engine) { e.eta = est } }
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }
func WithLogger(l *slog.Logger) Option      { return func(e *Engine) { e.logger = l } }

// WithIDs replaces the uuid generator, mostly for tests.
func WithIDs(newID func() string) Option { return func(e *Engine) { e.newID = newID } }

// New builds an engine over store. Zero config fields take their defaults
// and the scorer defaults to the weighted scorer for cfg.Policy.
func New(store storage.Store, cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.Policy.MaxMatches == 0 && cfg.Policy.Weights.Sum() == 0 {
		cfg.Policy = def.Policy
	}
	if cfg.RequestTTL <= 0 {
		cfg.RequestTTL = def.RequestTTL
	}
	if cfg.Fulfillment == "" {
		cfg.Fulfillment = def.Fulfillment
	}
	e := &Engine{
		store:  store,
		cfg:    cfg,
		now:    time.Now,
		newID:  uuid.NewString,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	if e.scorer == nil {
		e.scorer = matcher.WeightedScorer{Policy: cfg.Policy}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// ProcessRequest loads the donor pool around the request from the profile
// store and then runs ProcessNewRequest.
func (e *Engine) ProcessRequest(ctx context.Context, req models.EmergencyRequest) (models.EmergencyRequest, []models.Match, error) {
	if e.profiles == nil {
		return models.EmergencyRequest{}, nil, errors.New("engine has no profile store")
	}
	req, err := e.prepare(req)
	if err != nil {
		return models.EmergencyRequest{}, nil, err
	}
	pool, err := e.profiles.AvailableDonors(ctx, *req.Location, req.RadiusKm)
	if err != nil {
		return models.EmergencyRequest{}, nil, apperr.Persistence("load donor pool", err)
	}
	return e.create(ctx, req, pool)
}

// ProcessNewRequest validates req, selects the notified set from pool and
// stores the open request together with its notified matches in one atomic
// write. An empty notified set is a valid outcome, not an error.
func (e *Engine) ProcessNewRequest(ctx context.Context, req models.EmergencyRequest, pool []models.DonorCandidate) (models.EmergencyRequest, []models.Match, error) {
	req, err := e.prepare(req)
	if err != nil {
		return models.EmergencyRequest{}, nil, err
	}
	return e.create(ctx, req, pool)
}

// prepare validates the caller supplied fields and fills in defaults.
func (e *Engine) prepare(req models.EmergencyRequest) (models.EmergencyRequest, error) {
	bt, ok := models.ParseBloodType(string(req.BloodType))
	if !ok {
		return req, apperr.InvalidInput("blood_type", fmt.Sprintf("%q is not one of A, B, AB, O", req.BloodType))
	}
	rh, ok := models.ParseRh(string(req.Rh))
	if !ok {
		return req, apperr.InvalidInput("rh", fmt.Sprintf("%q is not + or -", req.Rh))
	}
	if req.Location == nil {
		return req, apperr.InvalidInput("location", "is required")
	}
	if !req.Location.Valid() {
		return req, apperr.InvalidInput("location", "is outside lat/lon range")
	}
	urgency := models.UrgencyMedium
	if req.Urgency != "" {
		if urgency, ok = models.ParseUrgency(string(req.Urgency)); !ok {
			return req, apperr.InvalidInput("urgency", fmt.Sprintf("%q is not low, medium, high or critical", req.Urgency))
		}
	}
	if req.RadiusKm < 0 {
		return req, apperr.InvalidInput("radius_km", "must not be negative")
	}
	if req.UnitsNeeded < 0 {
		return req, apperr.InvalidInput("units_needed", "must not be negative")
	}

	loc := *req.Location
	req.Location = &loc
	req.BloodType, req.Rh, req.Urgency = bt, rh, urgency
	if req.RadiusKm == 0 {
		req.RadiusKm = e.cfg.Policy.DefaultRadiusKm
	}
	if req.UnitsNeeded == 0 {
		req.UnitsNeeded = 1
	}
	return req, nil
}

func (e *Engine) create(ctx context.Context, req models.EmergencyRequest, pool []models.DonorCandidate) (models.EmergencyRequest, []models.Match, error) {
	now := e.now()
	if req.ID == "" {
		req.ID = e.newID()
	}
	if req.ExpiresAt.IsZero() {
		req.ExpiresAt = now.Add(e.cfg.RequestTTL)
	} else if !req.ExpiresAt.After(now) {
		return models.EmergencyRequest{}, nil, apperr.InvalidInput("expires_at", "must be in the future")
	}
	req.Status = models.RequestOpen
	req.CreatedAt, req.UpdatedAt = now, now

	start := time.Now()
	ranked := matcher.Rank(
		matcher.ScoreAll(ctx, e.scorer, req, matcher.Filter(req, pool, e.cfg.Policy, now)),
		e.cfg.Policy.MaxMatches,
	)
	observability.MatchRunLatency.Observe(time.Since(start).Seconds())

	matches := make([]models.Match, 0, len(ranked))
	for _, s := range ranked {
		matches = append(matches, models.Match{
			ID:         e.newID(),
			RequestID:  req.ID,
			DonorID:    s.Donor.ID,
			DistanceKm: s.DistanceKm,
			Score:      s.Score,
			ETASeconds: e.etaSeconds(*req.Location, s.Donor.Loc),
			Status:     models.MatchNotified,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}

	if err := e.store.CreateRequestWithMatches(ctx, req, matches); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return models.EmergencyRequest{}, nil, apperr.InvalidInput("id", fmt.Sprintf("request %q already exists", req.ID))
		}
		return models.EmergencyRequest{}, nil, err
	}

	observability.RequestsCreated.Inc()
	observability.MatchesNotified.Add(float64(len(matches)))
	if len(matches) == 0 {
		observability.EmptyMatchRuns.Inc()
	}
	e.logger.Info("request_created",
		"request_id", req.ID,
		"blood_type", string(req.BloodType)+string(req.Rh),
		"urgency", req.Urgency,
		"radius_km", req.RadiusKm,
		"pool", len(pool),
		"matches", len(matches),
	)
	e.publish(ctx, models.LifecycleEvent{Type: models.EventRequestCreated, RequestID: req.ID, To: string(req.Status), At: now})
	return req, matches, nil
}

func (e *Engine) etaSeconds(from models.Coord, to *models.Coord) float64 {
	if e.eta == nil || to == nil {
		return 0
	}
	return e.eta.Seconds(*to, from)
}

// ProcessDonorResponse moves a match to status and, on accepted and arrived,
// advances the parent request. Answering a match that is no longer notified
// fails with apperr.ErrAlreadyResponded and leaves the match untouched.
func (e *Engine) ProcessDonorResponse(ctx context.Context, matchID string, status models.MatchStatus) (models.Match, error) {
	if matchID == "" {
		return models.Match{}, apperr.InvalidInput("match_id", "is required")
	}
	to, err := lifecycle.ParseMatchStatus(string(status))
	if err != nil {
		return models.Match{}, err
	}

	m, err := e.store.GetMatch(ctx, matchID)
	if err != nil {
		return models.Match{}, err
	}
	if err := lifecycle.CheckMatchTransition(m, to); err != nil {
		return models.Match{}, err
	}
	req, err := e.store.GetRequest(ctx, m.RequestID)
	if err != nil {
		return models.Match{}, err
	}
	if lifecycle.IsClosedRequest(req.Status) && to != models.MatchDeclined {
		return models.Match{}, &apperr.TransitionError{
			Entity: "match", ID: m.ID, From: string(m.Status), To: string(to),
			Reason: "request is " + string(req.Status),
		}
	}

	now := e.now()
	var latency *float64
	if lifecycle.IsResponse(to) {
		l := lifecycle.ResponseLatency(m.CreatedAt, now)
		latency = &l
	}
	updated, err := e.store.UpdateMatchStatus(ctx, m.ID, m.Status, to, latency, now)
	if errors.Is(err, storage.ErrStatusConflict) {
		// lost a race against another response for the same match
		if cerr := lifecycle.CheckMatchTransition(updated, to); cerr != nil {
			return models.Match{}, cerr
		}
		return models.Match{}, &apperr.TransitionError{
			Entity: "match", ID: m.ID, From: string(updated.Status), To: string(to), Reason: "changed concurrently",
		}
	}
	if err != nil {
		return models.Match{}, err
	}

	observability.DonorResponses.WithLabelValues(string(to)).Inc()
	if latency != nil {
		observability.ResponseLatency.Observe(*latency)
	}
	e.logger.Info("donor_response",
		"request_id", m.RequestID,
		"match_id", m.ID,
		"donor_id", m.DonorID,
		"from", m.Status,
		"to", to,
	)
	e.publish(ctx, models.LifecycleEvent{
		Type: models.EventMatchResponded, RequestID: m.RequestID, MatchID: m.ID, DonorID: m.DonorID,
		From: string(m.Status), To: string(to), At: now,
	})

	if to == models.MatchAccepted || to == models.MatchArrived {
		err = e.fulfillIfSatisfied(ctx, req)
	}
	if err != nil {
		return updated, fmt.Errorf("match %s updated but request not advanced: %w", m.ID, err)
	}
	return updated, nil
}

// fulfillIfSatisfied runs after an accept or an arrival. Both prove the
// request matched; it is fulfilled once the policy is satisfied.
func (e *Engine) fulfillIfSatisfied(ctx context.Context, req models.EmergencyRequest) error {
	var arrived, committed int
	for _, s := range []models.MatchStatus{models.MatchAccepted, models.MatchEnRoute, models.MatchArrived} {
		n, err := e.store.CountMatches(ctx, req.ID, s)
		if err != nil {
			return err
		}
		if s == models.MatchArrived {
			arrived = n
		}
		if lifecycle.CommitsUnit(s) {
			committed += n
		}
	}
	if !lifecycle.ShouldFulfill(e.cfg.Fulfillment, req, arrived, committed) {
		return e.advanceRequest(ctx, req.ID, models.RequestMatched)
	}
	return e.advanceRequest(ctx, req.ID, models.RequestFulfilled)
}

// advanceRequest moves the request forward to target. Every step is a CAS,
// so concurrent callers fire each transition exactly once and a request
// already at or past target is left alone.
func (e *Engine) advanceRequest(ctx context.Context, id string, target models.RequestStatus) error {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		req, err := e.store.GetRequest(ctx, id)
		if err != nil {
			return err
		}
		if lifecycle.IsClosedRequest(req.Status) {
			e.logger.Warn("request closed before advance", "request_id", id, "status", req.Status, "target", target)
			return nil
		}
		path, err := lifecycle.AdvancePath(id, req.Status, target)
		if err != nil {
			return err
		}
		from, lost := req.Status, false
		for _, to := range path {
			ok, err := e.swapRequest(ctx, id, from, to)
			if err != nil {
				return err
			}
			if !ok {
				lost = true
				break
			}
			from = to
		}
		if !lost {
			return nil
		}
	}
	return apperr.Persistence("advance request "+id, storage.ErrStatusConflict)
}

// swapRequest performs one CAS and records the transition if it won.
func (e *Engine) swapRequest(ctx context.Context, id string, from, to models.RequestStatus) (bool, error) {
	now := e.now()
	ok, err := e.store.CompareAndSwapRequestStatus(ctx, id, from, to, now)
	if err != nil || !ok {
		return false, err
	}
	observability.RequestTransitions.WithLabelValues(string(from), string(to)).Inc()
	e.logger.Info("request_status_changed", "request_id", id, "from", from, "to", to)
	e.publish(ctx, models.LifecycleEvent{Type: models.EventRequestStatusChanged, RequestID: id, From: string(from), To: string(to), At: now})
	return true, nil
}

// CancelRequest closes an open or matched request on the requester's behalf.
func (e *Engine) CancelRequest(ctx context.Context, id string) (models.EmergencyRequest, error) {
	return e.closeRequest(ctx, id, models.RequestCancelled, nil)
}

// ExpireRequest closes a request whose expiry has passed. A request that is
// not yet due is rejected with a state error.
func (e *Engine) ExpireRequest(ctx context.Context, id string) (models.EmergencyRequest, error) {
	return e.closeRequest(ctx, id, models.RequestExpired, func(r models.EmergencyRequest, now time.Time) error {
		if !now.After(r.ExpiresAt) {
			return &apperr.TransitionError{
				Entity: "request", ID: r.ID, From: string(r.Status), To: string(models.RequestExpired),
				Reason: "expires at " + r.ExpiresAt.UTC().Format(time.RFC3339),
			}
		}
		return nil
	})
}

func (e *Engine) closeRequest(ctx context.Context, id string, to models.RequestStatus, guard func(models.EmergencyRequest, time.Time) error) (models.EmergencyRequest, error) {
	if id == "" {
		return models.EmergencyRequest{}, apperr.InvalidInput("request_id", "is required")
	}
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		req, err := e.store.GetRequest(ctx, id)
		if err != nil {
			return models.EmergencyRequest{}, err
		}
		if err := lifecycle.CheckRequestTransition(id, req.Status, to); err != nil {
			return models.EmergencyRequest{}, err
		}
		if guard != nil {
			if err := guard(req, e.now()); err != nil {
				return models.EmergencyRequest{}, err
			}
		}
		ok, err := e.swapRequest(ctx, id, req.Status, to)
		if err != nil {
			return models.EmergencyRequest{}, err
		}
		if ok {
			return e.store.GetRequest(ctx, id)
		}
	}
	return models.EmergencyRequest{}, apperr.Persistence("close request "+id, storage.ErrStatusConflict)
}

// ExpireDue expires up to limit overdue requests and returns how many it
// closed. Requests that moved on concurrently are skipped.
func (e *Engine) ExpireDue(ctx context.Context, limit int) (int, error) {
	due, err := e.store.ListExpirable(ctx, e.now(), limit)
	if err != nil {
		return 0, err
	}
	var (
		n    int
		errs []error
	)
	for _, r := range due {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, err := e.ExpireRequest(ctx, r.ID); err != nil {
			if errors.Is(err, apperr.ErrState) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// GetRequest returns the request and its matches, best score first.
func (e *Engine) GetRequest(ctx context.Context, id string) (models.EmergencyRequest, []models.Match, error) {
	req, err := e.store.GetRequest(ctx, id)
	if err != nil {
		return models.EmergencyRequest{}, nil, err
	}
	matches, err := e.store.ListMatches(ctx, id)
	if err != nil {
		return models.EmergencyRequest{}, nil, err
	}
	return req, matches, nil
}

// Notify sends one notification per match. Failures never undo the stored
// request; they are joined and returned for the caller to log.
func (e *Engine) Notify(ctx context.Context, req models.EmergencyRequest, matches []models.Match) error {
	if e.notifier == nil {
		return nil
	}
	var errs []error
	for _, m := range matches {
		n := dispatch.Notification{
			MatchID:    m.ID,
			RequestID:  req.ID,
			DonorID:    m.DonorID,
			BloodType:  req.BloodType,
			Rh:         req.Rh,
			Urgency:    req.Urgency,
			DistanceKm: m.DistanceKm,
			Score:      m.Score,
			ETASeconds: m.ETASeconds,
			ExpiresAt:  req.ExpiresAt,
		}
		if err := e.notifier.Notify(ctx, n); err != nil {
			observability.NotifyFailures.Inc()
			errs = append(errs, fmt.Errorf("notify donor %s: %w", m.DonorID, err))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) publish(ctx context.Context, ev models.LifecycleEvent) {
	if e.events == nil {
		return
	}
	if err := e.events.Publish(ctx, ev); err != nil {
		e.logger.Warn("publish event failed", "type", ev.Type, "request_id", ev.RequestID, "error", err)
	}
}
