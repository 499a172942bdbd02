package pgdelivery

import (
	"context"
	"time"

	"github.com/BearBump/CourierBox/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const driverColumns = `id, name, phone, vehicle, is_available, lat, lng, last_seen_at`

func scanDriver(row pgx.Row) (models.DriverData, error) {
	var (
		d        models.DriverData
		lat, lng *float64
	)
	if err := row.Scan(&d.ID, &d.Name, &d.Phone, &d.Vehicle, &d.IsAvailable, &lat, &lng, &d.LastSeenAt); err != nil {
		return models.DriverData{}, err
	}
	if lat != nil && lng != nil {
		d.Location = &models.Location{Lat: *lat, Lng: *lng}
	}
	return d, nil
}

// EnsureDriver creates an empty profile on first login.
func (s *Storage) EnsureDriver(ctx context.Context, id string, now time.Time) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO drivers (id, created_at, updated_at) VALUES ($1, $2, $2)
ON CONFLICT (id) DO NOTHING`, id, now)
	return errors.Wrap(err, "ensure driver")
}

func (s *Storage) GetDriver(ctx context.Context, id string) (models.DriverData, error) {
	d, err := scanDriver(s.db.QueryRow(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DriverData{}, ErrNotFound
	}
	if err != nil {
		return models.DriverData{}, errors.Wrap(err, "get driver")
	}
	return d, nil
}

// UpdateDriverProfile overwrites only the non-empty fields.
func (s *Storage) UpdateDriverProfile(ctx context.Context, id, name, phone, vehicle string, now time.Time) (models.DriverData, error) {
	d, err := scanDriver(s.db.QueryRow(ctx, `
UPDATE drivers SET
  name = COALESCE(NULLIF($2, ''), name),
  phone = COALESCE(NULLIF($3, ''), phone),
  vehicle = COALESCE(NULLIF($4, ''), vehicle),
  updated_at = $5
WHERE id = $1
RETURNING `+driverColumns, id, name, phone, vehicle, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DriverData{}, ErrNotFound
	}
	if err != nil {
		return models.DriverData{}, errors.Wrap(err, "update driver")
	}
	return d, nil
}

func (s *Storage) SetDriverAvailability(ctx context.Context, id string, available bool, loc *models.Location, now time.Time) error {
	var lat, lng *float64
	if loc != nil {
		lat, lng = &loc.Lat, &loc.Lng
	}
	tag, err := s.db.Exec(ctx, `
UPDATE drivers SET
  is_available = $2,
  lat = COALESCE($3, lat),
  lng = COALESCE($4, lng),
  last_seen_at = $5,
  updated_at = $5
WHERE id = $1`, id, available, lat, lng, now)
	if err != nil {
		return errors.Wrap(err, "set availability")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Storage) SaveDriverLocation(ctx context.Context, id string, loc models.Location, now time.Time) error {
	tag, err := s.db.Exec(ctx, `
UPDATE drivers SET lat = $2, lng = $3, last_seen_at = $4, updated_at = $4 WHERE id = $1`,
		id, loc.Lat, loc.Lng, now)
	if err != nil {
		return errors.Wrap(err, "save location")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Storage) ListAvailableDrivers(ctx context.Context) ([]models.DriverData, error) {
	rows, err := s.db.Query(ctx, `SELECT `+driverColumns+` FROM drivers WHERE is_available ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "list available drivers")
	}
	defer rows.Close()

	var out []models.DriverData
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan driver")
		}
		out = append(out, d)
	}
	return out, errors.Wrap(rows.Err(), "list available drivers")
}
