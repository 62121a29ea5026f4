package storage

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/livery-core/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

const tripColumns = `id, pickup_time, pickup_lat, pickup_lon, pickup_addr, dropoff_lat, dropoff_lon, dropoff_addr,
passenger_id, driver_id, driver_status, farmout_status, offer_driver_id, offer_sent_at, offer_expires_at,
cancel_reason, fare_cents, currency, created_at, updated_at`

func (p *PostgresStore) CreateTrip(ctx context.Context, t *models.Trip) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO trips(`+tripColumns+`)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		t.ID, t.PickupTime, t.Pickup.Lat, t.Pickup.Lon, t.PickupAddr, t.Dropoff.Lat, t.Dropoff.Lon, t.DropoffAddr,
		t.PassengerID, nullStr(t.DriverID), t.DriverStatus, nullStr(t.FarmoutStatus), nullStr(t.OfferDriverID),
		t.OfferSentAt, t.OfferExpiresAt, nullStr(t.CancelReason), t.FareCents, t.Currency, t.CreatedAt, t.UpdatedAt)
	return err
}

func (p *PostgresStore) GetTrip(ctx context.Context, id string) (models.Trip, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE id = $1`, id)
	return scanTrip(row)
}

func (p *PostgresStore) TripsByDriver(ctx context.Context, driverID string) ([]models.Trip, error) {
	return p.queryTrips(ctx, `SELECT `+tripColumns+` FROM trips WHERE driver_id = $1 ORDER BY pickup_time`, driverID)
}

func (p *PostgresStore) OffersByDriver(ctx context.Context, driverID string) ([]models.Trip, error) {
	return p.queryTrips(ctx, `SELECT `+tripColumns+` FROM trips
WHERE offer_driver_id = $1 AND farmout_status = 'offered' ORDER BY pickup_time`, driverID)
}

// SendOffer supersedes any prior offer but never touches an assigned trip:
// offer and assignment are mutually exclusive, so driver_id must still be
// NULL for the write to land.
func (p *PostgresStore) SendOffer(ctx context.Context, tripID, driverID string, sentAt, expiresAt time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE trips
SET offer_driver_id = $1, offer_sent_at = $2, offer_expires_at = $3, farmout_status = 'offered', updated_at = $2
WHERE id = $4 AND driver_id IS NULL`, driverID, sentAt, expiresAt, tripID)
	if err != nil {
		return err
	}
	return requireRows(res, ErrNoRowsUpdated)
}

// AcceptOffer is the exactly-one-winner write. Two drivers racing here both
// observe farmout_status=offered, but only one UPDATE can match; the loser
// sees zero rows affected instead of silently overwriting the winner.
func (p *PostgresStore) AcceptOffer(ctx context.Context, tripID, driverID string, now time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE trips
SET driver_id = $1, driver_status = 'assigned', farmout_status = 'assigned',
    offer_driver_id = NULL, offer_sent_at = NULL, offer_expires_at = NULL, updated_at = $2
WHERE id = $3 AND offer_driver_id = $1 AND farmout_status = 'offered' AND offer_expires_at > $2`,
		driverID, now, tripID)
	if err != nil {
		return err
	}
	return requireRows(res, ErrNoRowsUpdated)
}

func (p *PostgresStore) DeclineOffer(ctx context.Context, tripID, driverID string) error {
	// idempotent: zero rows just means the offer is already gone
	_, err := p.db.ExecContext(ctx, `UPDATE trips
SET offer_driver_id = NULL, offer_sent_at = NULL, offer_expires_at = NULL, farmout_status = 'declined'
WHERE id = $1 AND offer_driver_id = $2`, tripID, driverID)
	return err
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, tripID, from, to, reason string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE trips
SET driver_status = $1, cancel_reason = COALESCE(NULLIF($2, ''), cancel_reason), updated_at = $3
WHERE id = $4 AND driver_status = $5`, to, reason, time.Now(), tripID, from)
	if err != nil {
		return err
	}
	return requireRows(res, ErrNoRowsUpdated)
}

func (p *PostgresStore) queryTrips(ctx context.Context, q string, args ...any) ([]models.Trip, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrip(row rowScanner) (models.Trip, error) {
	var t models.Trip
	var driverID, farmout, offerDriver, cancelReason sql.NullString
	var sentAt, expiresAt sql.NullTime
	err := row.Scan(&t.ID, &t.PickupTime, &t.Pickup.Lat, &t.Pickup.Lon, &t.PickupAddr,
		&t.Dropoff.Lat, &t.Dropoff.Lon, &t.DropoffAddr, &t.PassengerID,
		&driverID, &t.DriverStatus, &farmout, &offerDriver, &sentAt, &expiresAt,
		&cancelReason, &t.FareCents, &t.Currency, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.DriverID = driverID.String
	t.FarmoutStatus = farmout.String
	t.OfferDriverID = offerDriver.String
	t.CancelReason = cancelReason.String
	if sentAt.Valid {
		t.OfferSentAt = &sentAt.Time
	}
	if expiresAt.Valid {
		t.OfferExpiresAt = &expiresAt.Time
	}
	return t, nil
}

func requireRows(res sql.Result, sentinel error) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return sentinel
	}
	return nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
