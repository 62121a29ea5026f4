package payments

import (
	"context"
	"errors"
	"sync"

	"github.com/example/livery-core/internal/models"
)

// ErrNoHold means no payment hold is recorded for the trip.
var ErrNoHold = errors.New("no payment hold for trip")

// Gateway abstracts the payment provider's hold/capture/cancel flow.
type Gateway interface {
	Hold(ctx context.Context, amount int64, currency, customerID string) (string, error)
	Capture(ctx context.Context, paymentIntentID string) error
	Cancel(ctx context.Context, paymentIntentID string) error
}

// Service keys payment holds to trips: hold on acceptance, capture on
// completion, release on cancellation or no-show.
type Service struct {
	gateway Gateway

	mu    sync.Mutex
	holds map[string]string // trip id -> payment intent id
}

func NewService(gateway Gateway) *Service {
	return &Service{gateway: gateway, holds: make(map[string]string)}
}

// HoldForTrip places a hold for the trip fare. Holding twice for the same
// trip is a no-op, so a retried acceptance does not double-charge.
func (s *Service) HoldForTrip(ctx context.Context, trip models.Trip) error {
	s.mu.Lock()
	_, exists := s.holds[trip.ID]
	s.mu.Unlock()
	if exists {
		return nil
	}
	id, err := s.gateway.Hold(ctx, trip.FareCents, trip.Currency, trip.PassengerID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.holds[trip.ID] = id
	s.mu.Unlock()
	return nil
}

// CaptureTrip finalizes the hold when the trip completes.
func (s *Service) CaptureTrip(ctx context.Context, tripID string) error {
	id, err := s.take(tripID)
	if err != nil {
		return err
	}
	return s.gateway.Capture(ctx, id)
}

// ReleaseTrip cancels the hold when the trip is cancelled or no-showed.
func (s *Service) ReleaseTrip(ctx context.Context, tripID string) error {
	id, err := s.take(tripID)
	if err != nil {
		return err
	}
	return s.gateway.Cancel(ctx, id)
}

func (s *Service) take(tripID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.holds[tripID]
	if !ok {
		return "", ErrNoHold
	}
	delete(s.holds, tripID)
	return id, nil
}
