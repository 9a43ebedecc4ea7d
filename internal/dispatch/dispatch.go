package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/blood-match/internal/models"
)

// Notification is what a donor receives when selected for a request.
type Notification struct {
	MatchID    string           `json:"match_id"`
	RequestID  string           `json:"request_id"`
	DonorID    string           `json:"donor_id"`
	BloodType  models.BloodType `json:"blood_type"`
	Rh         models.RhFactor  `json:"rh"`
	Urgency    models.Urgency   `json:"urgency"`
	DistanceKm float64          `json:"distance_km"`
	Score      float64          `json:"score"`
	ETASeconds float64          `json:"eta_seconds"`
	ExpiresAt  time.Time        `json:"expires_at"`
}

// Notifier delivers one notification. Delivery is fire-and-forget from the
// engine's point of view; errors are only reported back for logging.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogDispatcher only logs notifications. It stands in for a push channel
// when none is configured.
type LogDispatcher struct {
	Logger *slog.Logger
}

func (d *LogDispatcher) Notify(_ context.Context, n Notification) error {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("donor_notification_logged",
		"request_id", n.RequestID,
		"match_id", n.MatchID,
		"donor_id", n.DonorID,
		"urgency", n.Urgency,
		"distance_km", n.DistanceKm,
	)
	return nil
}

// SessionFirst delivers over a live websocket session and hands the
// notification to Offline when the donor has none.
type SessionFirst struct {
	WS      *WSRegistry
	Offline Notifier
}

func (f *SessionFirst) Notify(ctx context.Context, n Notification) error {
	err := f.WS.Notify(ctx, n)
	if errors.Is(err, ErrNoSession) && f.Offline != nil {
		return f.Offline.Notify(ctx, n)
	}
	return err
}
