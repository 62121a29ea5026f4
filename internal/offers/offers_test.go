package offers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/livery-core/internal/models"
	"github.com/example/livery-core/internal/storage"
)

func newTripStore(t *testing.T, tripID string) *storage.MemoryStore {
	t.Helper()
	store := storage.NewMemoryStore()
	trip := &models.Trip{
		ID:           tripID,
		PassengerID:  "pax-1",
		DriverStatus: "unassigned",
		PickupTime:   time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
		Pickup:       models.Coord{Lat: 40.0, Lon: -75.0},
		Dropoff:      models.Coord{Lat: 40.1, Lon: -75.1},
		CreatedAt:    time.Now(),
	}
	if err := store.CreateTrip(context.Background(), trip); err != nil {
		t.Fatalf("CreateTrip: %v", err)
	}
	return store
}

func TestOfferAcceptHappyPath(t *testing.T) {
	store := newTripStore(t, "trip-1")
	now := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	svc := &Service{Store: store, Now: func() time.Time { return now }}

	if err := svc.Offer(context.Background(), "trip-1", "drv-a", 5*time.Minute); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	trip, err := svc.Accept(context.Background(), "trip-1", "drv-a")
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if trip.DriverID != "drv-a" {
		t.Fatalf("expected assignment to drv-a, got %q", trip.DriverID)
	}
	if trip.FarmoutStatus != models.FarmoutAssigned {
		t.Fatalf("expected farmout assigned, got %q", trip.FarmoutStatus)
	}
	if trip.OfferDriverID != "" || trip.OfferExpiresAt != nil {
		t.Fatal("offer fields must be cleared on acceptance")
	}
}

func TestAcceptByWrongDriverIsStale(t *testing.T) {
	store := newTripStore(t, "trip-1")
	svc := &Service{Store: store}
	if err := svc.Offer(context.Background(), "trip-1", "drv-a", 5*time.Minute); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	if _, err := svc.Accept(context.Background(), "trip-1", "drv-b"); !errors.Is(err, ErrStaleOffer) {
		t.Fatalf("expected ErrStaleOffer, got %v", err)
	}
}

func TestConcurrentAcceptExactlyOneWinner(t *testing.T) {
	store := newTripStore(t, "trip-1")
	svc := &Service{Store: store}
	if err := svc.Offer(context.Background(), "trip-1", "drv-a", 5*time.Minute); err != nil {
		t.Fatalf("Offer: %v", err)
	}

	// both drivers race the same offer; the conditional write admits one
	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, drv := range []string{"drv-a", "drv-a"} {
		wg.Add(1)
		go func(i int, drv string) {
			defer wg.Done()
			_, results[i] = svc.Accept(context.Background(), "trip-1", drv)
		}(i, drv)
	}
	wg.Wait()

	wins, stale := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrStaleOffer):
			stale++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || stale != 1 {
		t.Fatalf("expected exactly one winner and one stale, got wins=%d stale=%d", wins, stale)
	}
}

func TestNewOfferSupersedesPrior(t *testing.T) {
	store := newTripStore(t, "trip-1")
	svc := &Service{Store: store}
	if err := svc.Offer(context.Background(), "trip-1", "drv-a", 5*time.Minute); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	if err := svc.Offer(context.Background(), "trip-1", "drv-b", 5*time.Minute); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	if _, err := svc.Accept(context.Background(), "trip-1", "drv-a"); !errors.Is(err, ErrStaleOffer) {
		t.Fatalf("superseded driver should see ErrStaleOffer, got %v", err)
	}
	if _, err := svc.Accept(context.Background(), "trip-1", "drv-b"); err != nil {
		t.Fatalf("current offer driver should accept, got %v", err)
	}
}

func TestOfferRejectedOnAssignedTrip(t *testing.T) {
	store := newTripStore(t, "trip-1")
	svc := &Service{Store: store}
	if err := svc.Offer(context.Background(), "trip-1", "drv-a", 5*time.Minute); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	if _, err := svc.Accept(context.Background(), "trip-1", "drv-a"); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	// assignment and offer are mutually exclusive: no re-farmout
	if err := svc.Offer(context.Background(), "trip-1", "drv-b", 5*time.Minute); !errors.Is(err, ErrTripAssigned) {
		t.Fatalf("expected ErrTripAssigned, got %v", err)
	}
	trip, err := store.GetTrip(context.Background(), "trip-1")
	if err != nil {
		t.Fatalf("GetTrip: %v", err)
	}
	if trip.DriverID != "drv-a" || trip.OfferDriverID != "" {
		t.Fatalf("assignment must be untouched, got %+v", trip)
	}
}

func TestDeclineIsIdempotent(t *testing.T) {
	store := newTripStore(t, "trip-1")
	svc := &Service{Store: store}
	if err := svc.Offer(context.Background(), "trip-1", "drv-a", 5*time.Minute); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	if err := svc.Decline(context.Background(), "trip-1", "drv-a"); err != nil {
		t.Fatalf("Decline: %v", err)
	}
	if err := svc.Decline(context.Background(), "trip-1", "drv-a"); err != nil {
		t.Fatalf("second Decline should be a no-op, got %v", err)
	}
	trip, err := store.GetTrip(context.Background(), "trip-1")
	if err != nil {
		t.Fatalf("GetTrip: %v", err)
	}
	if trip.FarmoutStatus != models.FarmoutDeclined || trip.OfferDriverID != "" {
		t.Fatalf("decline must clear offer fields, got %+v", trip)
	}
}

func TestOfferExpiryEndToEnd(t *testing.T) {
	store := newTripStore(t, "trip-1")
	sent := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	now := sent
	svc := &Service{Store: store, Now: func() time.Time { return now }}

	if err := svc.Offer(context.Background(), "trip-1", "drv-a", 5*time.Minute); err != nil {
		t.Fatalf("Offer: %v", err)
	}

	now = sent.Add(1 * time.Minute)
	active, err := svc.ListActiveOffers(context.Background(), "drv-a")
	if err != nil {
		t.Fatalf("ListActiveOffers: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("offer should be active at T+1m, got %d", len(active))
	}

	now = sent.Add(6 * time.Minute)
	active, err = svc.ListActiveOffers(context.Background(), "drv-a")
	if err != nil {
		t.Fatalf("ListActiveOffers: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("offer should have lapsed at T+6m, got %d", len(active))
	}
	if _, err := svc.Accept(context.Background(), "trip-1", "drv-a"); !errors.Is(err, ErrStaleOffer) {
		t.Fatalf("accept after expiry must be stale, got %v", err)
	}
}
