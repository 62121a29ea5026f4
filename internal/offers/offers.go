package offers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/livery-core/internal/models"
	"github.com/example/livery-core/internal/observability"
	"github.com/example/livery-core/internal/storage"
)

// ErrStaleOffer means the offer is no longer valid for the caller: expired,
// superseded, or resolved by another driver. Surfaced to the UI as a
// retryable condition; never auto-retried.
var ErrStaleOffer = errors.New("offer is no longer valid")

// ErrTripAssigned means the trip already carries a driver and cannot be
// offered again; offer and assignment are mutually exclusive.
var ErrTripAssigned = errors.New("trip already assigned")

// Dispatcher delivers an offer to the driver's device. Best effort; delivery
// failure does not invalidate the offer record.
type Dispatcher interface {
	SendOffer(driverID string, trip models.Trip) error
}

// Publisher fans a trip change out to realtime subscribers.
type Publisher interface {
	Publish(change models.TripChange)
}

// Holder places a payment hold when a trip is accepted.
type Holder interface {
	HoldForTrip(ctx context.Context, trip models.Trip) error
}

// Service governs the offer lifecycle for trips: offered, then accepted,
// declined, or expired. At most one non-expired offer exists per trip; a new
// offer supersedes the previous one.
type Service struct {
	Store    storage.TripStore
	Dispatch Dispatcher
	Realtime Publisher
	Payments Holder
	Logger   *slog.Logger
	Now      func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Offer proposes the trip to driverID with the given TTL, superseding any
// prior offer on the trip.
func (s *Service) Offer(ctx context.Context, tripID, driverID string, ttl time.Duration) error {
	now := s.now()
	if err := s.Store.SendOffer(ctx, tripID, driverID, now, now.Add(ttl)); err != nil {
		if errors.Is(err, storage.ErrNoRowsUpdated) {
			return ErrTripAssigned
		}
		return fmt.Errorf("send offer: %w", err)
	}
	observability.OffersSentTotal.Inc()
	trip, err := s.Store.GetTrip(ctx, tripID)
	if err == nil {
		if s.Dispatch != nil {
			if derr := s.Dispatch.SendOffer(driverID, trip); derr != nil {
				s.logger().Warn("offer delivery failed", "trip_id", tripID, "driver_id", driverID, "error", derr)
			}
		}
		s.publish(trip)
	}
	s.logger().Info("offer sent", "trip_id", tripID, "driver_id", driverID, "expires_at", now.Add(ttl))
	return nil
}

// Accept assigns the trip to driverID. The expiry check runs inside the same
// conditional write as the ownership check: relying on list-time filtering
// alone would let a stale accept slip through between read and write.
func (s *Service) Accept(ctx context.Context, tripID, driverID string) (models.Trip, error) {
	now := s.now()
	err := s.Store.AcceptOffer(ctx, tripID, driverID, now)
	if errors.Is(err, storage.ErrNoRowsUpdated) || errors.Is(err, storage.ErrNotFound) {
		observability.OffersStaleTotal.Inc()
		return models.Trip{}, ErrStaleOffer
	}
	if err != nil {
		return models.Trip{}, fmt.Errorf("accept offer: %w", err)
	}
	observability.OffersAcceptedTotal.Inc()
	trip, err := s.Store.GetTrip(ctx, tripID)
	if err != nil {
		return models.Trip{}, fmt.Errorf("reload accepted trip: %w", err)
	}
	if s.Payments != nil && trip.FareCents > 0 {
		if herr := s.Payments.HoldForTrip(ctx, trip); herr != nil {
			// the assignment stands; the hold is retried out of band
			s.logger().Warn("fare hold failed", "trip_id", tripID, "error", herr)
		}
	}
	s.publish(trip)
	s.logger().Info("offer accepted", "trip_id", tripID, "driver_id", driverID)
	return trip, nil
}

// Decline clears the offer. Idempotent: declining an already-resolved offer
// succeeds without effect.
func (s *Service) Decline(ctx context.Context, tripID, driverID string) error {
	if err := s.Store.DeclineOffer(ctx, tripID, driverID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("decline offer: %w", err)
	}
	observability.OffersDeclinedTotal.Inc()
	if trip, err := s.Store.GetTrip(ctx, tripID); err == nil {
		s.publish(trip)
	}
	s.logger().Info("offer declined", "trip_id", tripID, "driver_id", driverID)
	return nil
}

// ListActiveOffers returns the driver's open offers, lazily filtering out
// expired ones at read time. Expiry is client-computed; the store is not
// trusted to enforce it.
func (s *Service) ListActiveOffers(ctx context.Context, driverID string) ([]models.Trip, error) {
	trips, err := s.Store.OffersByDriver(ctx, driverID)
	if err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}
	now := s.now()
	active := trips[:0]
	for _, t := range trips {
		if t.HasOpenOffer(now) {
			active = append(active, t)
		}
	}
	return active, nil
}

func (s *Service) publish(trip models.Trip) {
	if s.Realtime == nil {
		return
	}
	s.Realtime.Publish(models.TripChange{Trip: trip, Origin: models.OriginRemote, At: s.now()})
}
