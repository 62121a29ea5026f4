package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/example/livery-core/internal/models"
)

// ErrNotFound is returned when the trip id is unknown.
var ErrNotFound = errors.New("trip not found")

// ErrNoRowsUpdated is returned when a conditional write matched zero rows:
// the record no longer satisfies the WHERE clause the caller relied on.
var ErrNoRowsUpdated = errors.New("no rows updated")

// TripStore defines persistence operations for trips. No transactional
// compare-and-swap primitive is assumed beyond single-statement conditional
// updates; exclusivity is approximated by checking affected-row counts.
type TripStore interface {
	CreateTrip(ctx context.Context, t *models.Trip) error
	GetTrip(ctx context.Context, id string) (models.Trip, error)
	TripsByDriver(ctx context.Context, driverID string) ([]models.Trip, error)
	OffersByDriver(ctx context.Context, driverID string) ([]models.Trip, error)

	// SendOffer records an offer on an unassigned trip; a new offer
	// supersedes any prior one. A trip that already carries a driver yields
	// ErrNoRowsUpdated: offer and assignment are mutually exclusive.
	SendOffer(ctx context.Context, tripID, driverID string, sentAt, expiresAt time.Time) error

	// AcceptOffer assigns the trip to driverID only if the offer is still
	// addressed to them, still marked offered, and not yet expired — in one
	// conditional statement. Zero rows affected yields ErrNoRowsUpdated.
	AcceptOffer(ctx context.Context, tripID, driverID string, now time.Time) error

	// DeclineOffer clears the offer fields. Idempotent: declining an offer
	// that is already gone is not an error.
	DeclineOffer(ctx context.Context, tripID, driverID string) error

	// UpdateStatus moves driver_status from one persisted spelling to
	// another, conditional on the current value. Zero rows affected yields
	// ErrNoRowsUpdated.
	UpdateStatus(ctx context.Context, tripID, from, to, reason string) error
}

// MemoryStore is the in-memory TripStore used for tests and local runs. It
// honors the same conditional-write semantics as the Postgres store, so the
// exactly-one-winner acceptance property holds here too.
type MemoryStore struct {
	mu    sync.Mutex
	trips map[string]*models.Trip
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trips: make(map[string]*models.Trip)}
}

func (m *MemoryStore) CreateTrip(ctx context.Context, t *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.trips[t.ID] = &cp
	return nil
}

func (m *MemoryStore) GetTrip(ctx context.Context, id string) (models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return models.Trip{}, ErrNotFound
	}
	return *t, nil
}

func (m *MemoryStore) TripsByDriver(ctx context.Context, driverID string) ([]models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Trip
	for _, t := range m.trips {
		if t.DriverID == driverID {
			out = append(out, *t)
		}
	}
	sortByPickup(out)
	return out, nil
}

func (m *MemoryStore) OffersByDriver(ctx context.Context, driverID string) ([]models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Trip
	for _, t := range m.trips {
		if t.OfferDriverID == driverID && t.FarmoutStatus == models.FarmoutOffered {
			out = append(out, *t)
		}
	}
	sortByPickup(out)
	return out, nil
}

func (m *MemoryStore) SendOffer(ctx context.Context, tripID, driverID string, sentAt, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return ErrNotFound
	}
	if t.DriverID != "" {
		return ErrNoRowsUpdated
	}
	t.OfferDriverID = driverID
	t.OfferSentAt = &sentAt
	t.OfferExpiresAt = &expiresAt
	t.FarmoutStatus = models.FarmoutOffered
	t.UpdatedAt = sentAt
	return nil
}

func (m *MemoryStore) AcceptOffer(ctx context.Context, tripID, driverID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return ErrNotFound
	}
	if t.OfferDriverID != driverID || t.FarmoutStatus != models.FarmoutOffered ||
		t.OfferExpiresAt == nil || !now.Before(*t.OfferExpiresAt) {
		return ErrNoRowsUpdated
	}
	t.DriverID = driverID
	t.DriverStatus = "assigned"
	t.FarmoutStatus = models.FarmoutAssigned
	t.OfferDriverID = ""
	t.OfferSentAt = nil
	t.OfferExpiresAt = nil
	t.UpdatedAt = now
	return nil
}

func (m *MemoryStore) DeclineOffer(ctx context.Context, tripID, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return ErrNotFound
	}
	if t.OfferDriverID != driverID {
		return nil
	}
	t.OfferDriverID = ""
	t.OfferSentAt = nil
	t.OfferExpiresAt = nil
	t.FarmoutStatus = models.FarmoutDeclined
	return nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, tripID, from, to, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return ErrNotFound
	}
	if t.DriverStatus != from {
		return ErrNoRowsUpdated
	}
	t.DriverStatus = to
	if reason != "" {
		t.CancelReason = reason
	}
	t.UpdatedAt = time.Now()
	return nil
}

func sortByPickup(trips []models.Trip) {
	sort.Slice(trips, func(i, j int) bool {
		return trips[i].PickupTime.Before(trips[j].PickupTime)
	})
}
