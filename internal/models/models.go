package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// PositionSample is one GPS reading from the driver device. Only the latest
// sample plus a short rolling history matters; samples are never persisted.
type PositionSample struct {
	DriverID  string    `json:"driver_id,omitempty"`
	Loc       Coord     `json:"loc"`
	AccuracyM float64   `json:"accuracy_m,omitempty"`
	Heading   float64   `json:"heading_deg,omitempty"`
	SpeedMps  float64   `json:"speed_mps,omitempty"`
	Timestamp time.Time `json:"ts"`
}

// Trip is one transportation job. Dispatch creates it; dispatch and the
// driver's device both mutate it; it is never deleted, only moved to a
// terminal status. DriverStatus carries the raw producer vocabulary as
// written; FarmoutStatus tracks the offer/assignment mechanism and is kept
// consistent with DriverStatus by convention only.
type Trip struct {
	ID          string    `json:"id"`
	PickupTime  time.Time `json:"pickup_time"`
	Pickup      Coord     `json:"pickup"`
	PickupAddr  string    `json:"pickup_addr,omitempty"`
	Dropoff     Coord     `json:"dropoff"`
	DropoffAddr string    `json:"dropoff_addr,omitempty"`
	PassengerID string    `json:"passenger_id"`

	DriverID      string `json:"driver_id,omitempty"` // assigned driver, empty until accepted
	DriverStatus  string `json:"driver_status"`
	FarmoutStatus string `json:"farmout_status,omitempty"`

	OfferDriverID  string     `json:"offer_driver_id,omitempty"`
	OfferSentAt    *time.Time `json:"offer_sent_at,omitempty"`
	OfferExpiresAt *time.Time `json:"offer_expires_at,omitempty"`

	CancelReason string `json:"cancel_reason,omitempty"`

	FareCents int64  `json:"fare_cents,omitempty"`
	Currency  string `json:"currency,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Farmout status values shared between the offer manager and storage.
const (
	FarmoutOffered  = "offered"
	FarmoutAssigned = "assigned"
	FarmoutDeclined = "declined"
)

// HasOpenOffer reports whether the trip currently carries a non-expired offer.
func (t *Trip) HasOpenOffer(now time.Time) bool {
	return t.FarmoutStatus == FarmoutOffered &&
		t.OfferDriverID != "" &&
		t.OfferExpiresAt != nil &&
		now.Before(*t.OfferExpiresAt)
}

// TripChange is one realtime change notification for a trip record. Origin
// distinguishes echoes of this device's own writes from external writers.
type TripChange struct {
	Trip   Trip      `json:"trip"`
	Origin string    `json:"origin"` // "local" or "remote"
	At     time.Time `json:"at"`
}

const (
	OriginLocal  = "local"
	OriginRemote = "remote"
)

// DriverMeta is presence metadata kept alongside the last known position.
type DriverMeta struct {
	DriverID string    `json:"driver_id"`
	Online   bool      `json:"online"`
	Updated  time.Time `json:"updated"`
}
