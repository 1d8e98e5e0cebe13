package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

const activeRideIndex = "rides_one_active_per_rider"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Migrate applies the embedded schema files in name order. Every statement
// is idempotent so it is safe to run on each start.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	entries, err := fs.ReadDir(migrations, "migrations")
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		body, err := migrations.ReadFile("migrations/" + name)
		if err != nil {
			return err
		}
		if _, err := p.db.ExecContext(ctx, string(body)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return nil
}

// rideColumns holds the JSONB columns as text; lib/pq sends []byte
// parameters as bytea.
type rideColumns struct {
	fare, pickup, dropoff, attempt string
	actualPickup, actualDropoff    sql.NullString
}

func encodeRide(r *models.Ride) (rideColumns, error) {
	var c rideColumns
	for _, f := range []struct {
		dst *string
		v   any
	}{
		{&c.fare, r.Fare},
		{&c.pickup, r.PlannedPickup},
		{&c.dropoff, r.PlannedDropoff},
		{&c.attempt, r.MatchAttempt},
	} {
		b, err := json.Marshal(f.v)
		if err != nil {
			return c, err
		}
		*f.dst = string(b)
	}
	var err error
	if c.actualPickup, err = nullJSON(r.ActualPickup); err != nil {
		return c, err
	}
	c.actualDropoff, err = nullJSON(r.ActualDropoff)
	return c, err
}

func nullJSON(c *models.Coord) (sql.NullString, error) {
	if c == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func (p *PostgresStore) InsertRide(ctx context.Context, r *models.Ride) error {
	c, err := encodeRide(r)
	if err != nil {
		return fmt.Errorf("encode ride: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO rides (
			id, rider_id, driver_id, status, vehicle_type, service_variant,
			fare, planned_pickup, planned_dropoff, actual_pickup, actual_dropoff,
			match_attempt, status_reason, payment_method, payment_intent_id,
			started_at, ended_at, created_at, updated_at, version
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		r.ID, r.RiderID, nullString(r.DriverID), string(r.Status), string(r.VehicleType), r.ServiceVariant,
		c.fare, c.pickup, c.dropoff, c.actualPickup, c.actualDropoff,
		c.attempt, nullString(r.StatusReason), string(r.PaymentMethod), nullString(r.PaymentIntentID),
		r.StartedAt, r.EndedAt, r.CreatedAt, r.UpdatedAt, r.Version,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		if pqErr.Constraint == activeRideIndex {
			return ErrActiveRide
		}
		return ErrConflict
	}
	return err
}

const selectRide = `
	SELECT id, rider_id, driver_id, status, vehicle_type, service_variant,
	       fare, planned_pickup, planned_dropoff, actual_pickup, actual_dropoff,
	       match_attempt, status_reason, payment_method, payment_intent_id,
	       started_at, ended_at, created_at, updated_at, version
	FROM rides`

func scanRide(row *sql.Row) (*models.Ride, error) {
	var r models.Ride
	var fare, pickup, dropoff, attempt, actualPickup, actualDropoff []byte
	var driverID, reason, intent sql.NullString
	var startedAt, endedAt sql.NullTime
	err := row.Scan(
		&r.ID, &r.RiderID, &driverID, &r.Status, &r.VehicleType, &r.ServiceVariant,
		&fare, &pickup, &dropoff, &actualPickup, &actualDropoff,
		&attempt, &reason, &r.PaymentMethod, &intent,
		&startedAt, &endedAt, &r.CreatedAt, &r.UpdatedAt, &r.Version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.DriverID = driverID.String
	r.StatusReason = reason.String
	r.PaymentIntentID = intent.String
	r.StartedAt = toTimePtr(startedAt)
	r.EndedAt = toTimePtr(endedAt)

	if err := json.Unmarshal(fare, &r.Fare); err != nil {
		return nil, fmt.Errorf("decode fare: %w", err)
	}
	if err := json.Unmarshal(pickup, &r.PlannedPickup); err != nil {
		return nil, fmt.Errorf("decode pickup: %w", err)
	}
	if err := json.Unmarshal(dropoff, &r.PlannedDropoff); err != nil {
		return nil, fmt.Errorf("decode dropoff: %w", err)
	}
	if err := json.Unmarshal(attempt, &r.MatchAttempt); err != nil {
		return nil, fmt.Errorf("decode match attempt: %w", err)
	}
	if len(actualPickup) > 0 {
		r.ActualPickup = &models.Coord{}
		if err := json.Unmarshal(actualPickup, r.ActualPickup); err != nil {
			return nil, fmt.Errorf("decode actual pickup: %w", err)
		}
	}
	if len(actualDropoff) > 0 {
		r.ActualDropoff = &models.Coord{}
		if err := json.Unmarshal(actualDropoff, r.ActualDropoff); err != nil {
			return nil, fmt.Errorf("decode actual dropoff: %w", err)
		}
	}
	return &r, nil
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	return scanRide(p.db.QueryRowContext(ctx, selectRide+` WHERE id = $1`, id))
}

func (p *PostgresStore) ActiveRideForRider(ctx context.Context, riderID string) (*models.Ride, error) {
	return scanRide(p.db.QueryRowContext(ctx,
		selectRide+` WHERE rider_id = $1 AND status NOT IN ('completed','cancelled') LIMIT 1`, riderID))
}

func (p *PostgresStore) UpdateRideIfStatus(ctx context.Context, next *models.Ride, expected []models.RideStatus, effects ...DriverEffect) error {
	c, err := encodeRide(next)
	if err != nil {
		return fmt.Errorf("encode ride: %w", err)
	}
	statuses := make([]string, len(expected))
	for i, s := range expected {
		statuses[i] = string(s)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE rides SET
			driver_id = $1, status = $2, actual_pickup = $3, actual_dropoff = $4,
			match_attempt = $5, status_reason = $6, payment_intent_id = $7,
			started_at = $8, ended_at = $9, updated_at = $10, version = version + 1
		WHERE id = $11
		  AND status = ANY($12)
		  AND status NOT IN ('completed','cancelled')
		  AND version = $13`,
		nullString(next.DriverID), string(next.Status), c.actualPickup, c.actualDropoff,
		c.attempt, nullString(next.StatusReason), nullString(next.PaymentIntentID),
		next.StartedAt, next.EndedAt, next.UpdatedAt,
		next.ID, pq.Array(statuses), next.Version,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM rides WHERE id = $1)`, next.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}

	now := time.Now().UTC()
	for _, e := range effects {
		if err := applyEffect(ctx, tx, e, now); err != nil {
			return fmt.Errorf("driver effect %s: %w", e.DriverID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	next.Version++
	return nil
}

func applyEffect(ctx context.Context, tx *sql.Tx, e DriverEffect, now time.Time) error {
	var decline, missed int
	if e.Decline {
		decline = 1
	}
	if e.Missed {
		missed = 1
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO drivers (id, availability, decline_count, missed_requests, updated_at)
		VALUES ($1, COALESCE(NULLIF($2::text, ''), 'available'), $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			availability    = COALESCE(NULLIF($2::text, ''), drivers.availability),
			decline_count   = (CASE WHEN $6 THEN 0 ELSE drivers.decline_count END) + $3,
			missed_requests = (CASE WHEN $6 THEN 0 ELSE drivers.missed_requests END) + $4,
			updated_at      = $5`,
		e.DriverID, string(e.Availability), decline, missed, now, e.ResetCounters,
	)
	return err
}

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	var d models.Driver
	err := p.db.QueryRowContext(ctx, `
		SELECT id, vehicle_type, availability, decline_count, missed_requests, rating, lat, lon, updated_at
		FROM drivers WHERE id = $1`, id,
	).Scan(&d.ID, &d.VehicleType, &d.Availability, &d.DeclineCount, &d.MissedRequests, &d.Rating, &d.Loc.Lat, &d.Loc.Lon, &d.Updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (p *PostgresStore) UpsertDriver(ctx context.Context, d models.Driver) (*models.Driver, error) {
	if d.Updated.IsZero() {
		d.Updated = time.Now().UTC()
	}
	var out models.Driver
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO drivers (id, vehicle_type, availability, rating, lat, lon, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			vehicle_type = EXCLUDED.vehicle_type,
			availability = CASE WHEN drivers.availability IN ('available', 'offline')
				THEN EXCLUDED.availability ELSE drivers.availability END,
			rating       = EXCLUDED.rating,
			lat          = EXCLUDED.lat,
			lon          = EXCLUDED.lon,
			updated_at   = EXCLUDED.updated_at
		RETURNING id, vehicle_type, availability, decline_count, missed_requests, rating, lat, lon, updated_at`,
		d.ID, string(d.VehicleType), string(d.Availability), d.Rating, d.Loc.Lat, d.Loc.Lon, d.Updated,
	).Scan(&out.ID, &out.VehicleType, &out.Availability, &out.DeclineCount, &out.MissedRequests, &out.Rating, &out.Loc.Lat, &out.Loc.Lon, &out.Updated)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func toTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
