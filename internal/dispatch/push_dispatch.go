package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// PushDispatcher delivers over a live websocket when the donor has one and
// otherwise posts an FCM-style message to a push provider endpoint. Provider
// calls go through a circuit breaker so a dead provider fails fast.
type PushDispatcher struct {
	Endpoint string
	Key      string
	Client   *http.Client
	WS       *WSRegistry

	breaker *gobreaker.CircuitBreaker
}

func NewPushDispatcher(endpoint, key string, ws *WSRegistry) *PushDispatcher {
	return &PushDispatcher{
		Endpoint: endpoint,
		Key:      key,
		Client:   &http.Client{Timeout: 3 * time.Second},
		WS:       ws,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "push-provider",
			MaxRequests: 1,
			Timeout:     15 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 3 },
		}),
	}
}

func (p *PushDispatcher) Notify(ctx context.Context, n Notification) error {
	if p.WS != nil {
		err := p.WS.Notify(ctx, n)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrNoSession) || p.Endpoint == "" {
			return err
		}
	}
	if p.Endpoint == "" {
		return ErrNoSession
	}
	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, p.post(ctx, n)
	})
	return err
}

func (p *PushDispatcher) post(ctx context.Context, n Notification) error {
	body := map[string]interface{}{
		"message": map[string]interface{}{
			"topic": "donor-" + n.DonorID,
			"notification": map[string]string{
				"title": "Urgent blood request",
				"body":  fmt.Sprintf("%s%s needed %.1f km away", n.BloodType, n.Rh, n.DistanceKm),
			},
			"data": n,
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push provider status %d", resp.StatusCode)
	}
	return nil
}
