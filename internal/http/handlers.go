package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/blood-match/internal/apperr"
	"github.com/example/blood-match/internal/dispatch"
	"github.com/example/blood-match/internal/engine"
	"github.com/example/blood-match/internal/geo"
	"github.com/example/blood-match/internal/models"
	"github.com/example/blood-match/internal/observability"
)

// ProfilePublisher forwards donor profile updates to the profile stream.
type ProfilePublisher interface {
	PublishProfile(ctx context.Context, d models.DonorCandidate) error
}

type Server struct {
	Engine    *engine.Engine
	Profiles  geo.DonorIndex
	Publisher ProfilePublisher // optional
	WSReg     *dispatch.WSRegistry
	// NotifyTimeout bounds the background fan-out after a request is created.
	NotifyTimeout time.Duration

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(eng *engine.Engine, profiles geo.DonorIndex, wsreg *dispatch.WSRegistry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Engine:        eng,
		Profiles:      profiles,
		WSReg:         wsreg,
		NotifyTimeout: 10 * time.Second,
		logger:        logger,
		mux:           mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/requests", s.handleCreateRequest).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}", s.handleGetRequest).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}/cancel", s.handleCancelRequest).Methods(http.MethodPost)
	api.HandleFunc("/matches/{id}/respond", s.handleRespond).Methods(http.MethodPost)

	s.mux.HandleFunc("/internal/donors", s.handleDonorProfile).Methods(http.MethodPost)
	s.mux.HandleFunc("/internal/requests/expire", s.handleExpireDue).Methods(http.MethodPost)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{donor_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type createRequestBody struct {
	ID          string                  `json:"id,omitempty"`
	RequesterID string                  `json:"requester_id"`
	BloodType   string                  `json:"blood_type"`
	Rh          string                  `json:"rh"`
	Urgency     string                  `json:"urgency"`
	Location    *models.Coord           `json:"location"`
	RadiusKm    float64                 `json:"radius_km"`
	UnitsNeeded int                     `json:"units_needed"`
	ExpiresAt   *time.Time              `json:"expires_at,omitempty"`
	Donors      []models.DonorCandidate `json:"donors,omitempty"` // explicit pool; otherwise the donor index is used
}

type requestResponse struct {
	Request models.EmergencyRequest `json:"request"`
	Matches []models.Match          `json:"matches"`
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.InvalidInput("body", err.Error()))
		return
	}
	req := models.EmergencyRequest{
		ID:          body.ID,
		RequesterID: body.RequesterID,
		BloodType:   models.BloodType(body.BloodType),
		Rh:          models.RhFactor(body.Rh),
		Urgency:     models.Urgency(body.Urgency),
		Location:    body.Location,
		RadiusKm:    body.RadiusKm,
		UnitsNeeded: body.UnitsNeeded,
	}
	if body.ExpiresAt != nil {
		req.ExpiresAt = *body.ExpiresAt
	}

	var (
		created models.EmergencyRequest
		matches []models.Match
		err     error
	)
	if body.Donors != nil {
		created, matches, err = s.Engine.ProcessNewRequest(r.Context(), req, body.Donors)
	} else {
		created, matches, err = s.Engine.ProcessRequest(r.Context(), req)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	// delivery must outlive the HTTP request
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.NotifyTimeout)
	go func() {
		defer cancel()
		if err := s.Engine.Notify(ctx, created, matches); err != nil {
			s.logger.Warn("notify partially failed", "request_id", created.ID, "error", err)
		}
	}()

	if matches == nil {
		matches = []models.Match{}
	}
	writeJSON(w, http.StatusCreated, requestResponse{Request: created, Matches: matches})
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, matches, err := s.Engine.GetRequest(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if matches == nil {
		matches = []models.Match{}
	}
	writeJSON(w, http.StatusOK, requestResponse{Request: req, Matches: matches})
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.Engine.CancelRequest(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type respondBody struct {
	Status string `json:"status"`
}

// respondError carries the stored match alongside a failed request advance.
type respondError struct {
	Error string       `json:"error"`
	Match models.Match `json:"match"`
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var body respondBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.InvalidInput("body", err.Error()))
		return
	}
	m, err := s.Engine.ProcessDonorResponse(r.Context(), mux.Vars(r)["id"], models.MatchStatus(body.Status))
	if err != nil {
		if m.ID == "" {
			writeError(w, err)
			return
		}
		// the response is stored; only the request advance failed
		s.logger.Error("request advance failed", "match_id", m.ID, "error", err)
		writeJSON(w, statusFor(err), respondError{Error: err.Error(), Match: m})
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleDonorProfile(w http.ResponseWriter, r *http.Request) {
	var d models.DonorCandidate
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeError(w, apperr.InvalidInput("body", err.Error()))
		return
	}
	if d.ID == "" {
		writeError(w, apperr.InvalidInput("id", "is required"))
		return
	}
	if d.Loc != nil && !d.Loc.Valid() {
		writeError(w, apperr.InvalidInput("loc", "is outside lat/lon range"))
		return
	}
	if s.Publisher != nil {
		if err := s.Publisher.PublishProfile(r.Context(), d); err != nil {
			s.logger.Warn("publish profile failed", "donor_id", d.ID, "error", err)
		}
	}
	if err := s.Profiles.Upsert(r.Context(), d); err != nil {
		writeError(w, apperr.Persistence("upsert donor", err))
		return
	}
	observability.DonorProfileUpserts.Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExpireDue(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, apperr.InvalidInput("limit", "must be a non-negative integer"))
			return
		}
		limit = n
	}
	n, err := s.Engine.ExpireDue(r.Context(), limit)
	if err != nil {
		s.logger.Warn("expire sweep incomplete", "expired", n, "error", err)
		if n == 0 {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"expired": n})
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["donor_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied
		return
	}
	s.WSReg.Add(id, conn)
	go func() {
		defer func() {
			s.WSReg.Remove(id, conn)
			_ = conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps engine error kinds onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrAlreadyResponded), errors.Is(err, apperr.ErrState):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrPersistence):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	body := map[string]string{"error": err.Error()}
	if errors.Is(err, apperr.ErrAlreadyResponded) {
		body["code"] = "already_responded"
	}
	writeJSON(w, statusFor(err), body)
}
