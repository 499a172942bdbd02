package pgdelivery

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/BearBump/CourierBox/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const orderColumns = `id, customer_id, driver_id, status, pickup, dropoff, pickup_otp, dropoff_otp, timestamps, updated_at`

func scanOrder(row pgx.Row) (models.OrderData, error) {
	var (
		o               models.OrderData
		pickup, dropoff []byte
		timestamps      []byte
		status          string
	)
	if err := row.Scan(&o.ID, &o.CustomerID, &o.DriverID, &status, &pickup, &dropoff,
		&o.PickupOTP, &o.DropoffOTP, &timestamps, &o.UpdatedAt); err != nil {
		return models.OrderData{}, err
	}
	o.Status = models.OrderStatus(status)
	if err := json.Unmarshal(pickup, &o.Pickup); err != nil {
		return models.OrderData{}, errors.Wrap(err, "decode pickup")
	}
	if err := json.Unmarshal(dropoff, &o.Dropoff); err != nil {
		return models.OrderData{}, errors.Wrap(err, "decode dropoff")
	}
	if len(timestamps) > 0 {
		if err := json.Unmarshal(timestamps, &o.Timestamps); err != nil {
			return models.OrderData{}, errors.Wrap(err, "decode timestamps")
		}
	}
	return o, nil
}

func (s *Storage) CreateOrder(ctx context.Context, o models.OrderData, amount float64) error {
	pickup, err := json.Marshal(o.Pickup)
	if err != nil {
		return errors.Wrap(err, "encode pickup")
	}
	dropoff, err := json.Marshal(o.Dropoff)
	if err != nil {
		return errors.Wrap(err, "encode dropoff")
	}
	ts, err := json.Marshal(o.Timestamps)
	if err != nil {
		return errors.Wrap(err, "encode timestamps")
	}
	if o.Timestamps == nil {
		ts = []byte(`{}`)
	}

	_, err = s.db.Exec(ctx, `
INSERT INTO orders (id, customer_id, driver_id, status, pickup, dropoff, amount, pickup_otp, dropoff_otp, timestamps, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)`,
		o.ID, o.CustomerID, o.DriverID, string(o.Status), pickup, dropoff, amount, o.PickupOTP, o.DropoffOTP, ts, o.UpdatedAt)
	return errors.Wrap(err, "create order")
}

func (s *Storage) GetOrder(ctx context.Context, id string) (models.OrderData, error) {
	o, err := scanOrder(s.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.OrderData{}, ErrNotFound
	}
	if err != nil {
		return models.OrderData{}, errors.Wrap(err, "get order")
	}
	return o, nil
}

// ListDriverOrders pages through a driver's orders, newest first.
// Search matches the order id or either street.
func (s *Storage) ListDriverOrders(ctx context.Context, driverID string, q models.OrderQuery) (models.OrderPage, error) {
	if q.Limit <= 0 || q.Limit > 100 {
		q.Limit = 20
	}
	if q.Page <= 0 {
		q.Page = 1
	}

	where := []string{"driver_id = $1"}
	args := []any{driverID}
	if q.Status != "" {
		args = append(args, q.Status)
		where = append(where, "status = $2")
	}
	if q.Search != "" {
		args = append(args, "%"+q.Search+"%")
		n := len(args)
		where = append(where, "(id ILIKE $"+strconv.Itoa(n)+" OR pickup->>'street' ILIKE $"+strconv.Itoa(n)+" OR dropoff->>'street' ILIKE $"+strconv.Itoa(n)+")")
	}
	cond := strings.Join(where, " AND ")

	page := models.OrderPage{Page: q.Page, Limit: q.Limit, Items: []models.OrderData{}}
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM orders WHERE `+cond, args...).Scan(&page.Total); err != nil {
		return models.OrderPage{}, errors.Wrap(err, "count orders")
	}

	args = append(args, q.Limit, (q.Page-1)*q.Limit)
	rows, err := s.db.Query(ctx, `SELECT `+orderColumns+` FROM orders WHERE `+cond+
		` ORDER BY created_at DESC LIMIT $`+strconv.Itoa(len(args)-1)+` OFFSET $`+strconv.Itoa(len(args)), args...)
	if err != nil {
		return models.OrderPage{}, errors.Wrap(err, "list orders")
	}
	defer rows.Close()
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return models.OrderPage{}, errors.Wrap(err, "scan order")
		}
		page.Items = append(page.Items, o)
	}
	return page, errors.Wrap(rows.Err(), "list orders")
}

// TransitionOrder moves an order from one status to the next and stamps the
// phase time. ErrConflict means the order was no longer in from.
func (s *Storage) TransitionOrder(ctx context.Context, id string, from, to models.OrderStatus, at time.Time) (models.OrderData, error) {
	o, err := scanOrder(s.db.QueryRow(ctx, `
UPDATE orders SET
  status = $3,
  timestamps = timestamps || jsonb_build_object($3::text, $4::timestamptz),
  updated_at = $4
WHERE id = $1 AND status = $2
RETURNING `+orderColumns, id, string(from), string(to), at))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, gerr := s.GetOrder(ctx, id); errors.Is(gerr, ErrNotFound) {
			return models.OrderData{}, ErrNotFound
		}
		return models.OrderData{}, ErrConflict
	}
	if err != nil {
		return models.OrderData{}, errors.Wrap(err, "transition order")
	}
	return o, nil
}

// AssignDriver hands a confirmed, unassigned order to driverID.
func (s *Storage) AssignDriver(ctx context.Context, id, driverID string, at time.Time) (models.OrderData, error) {
	o, err := scanOrder(s.db.QueryRow(ctx, `
UPDATE orders SET
  driver_id = $2,
  status = $3,
  timestamps = timestamps || jsonb_build_object($3::text, $4::timestamptz),
  updated_at = $4
WHERE id = $1 AND status = $5 AND (driver_id = '' OR driver_id = $2)
RETURNING `+orderColumns, id, driverID, string(models.OrderDriverAssigned), at, string(models.OrderConfirmed)))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.OrderData{}, ErrConflict
	}
	if err != nil {
		return models.OrderData{}, errors.Wrap(err, "assign driver")
	}
	return o, nil
}

func (s *Storage) SetDropoffOTP(ctx context.Context, id, otp string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `UPDATE orders SET dropoff_otp = $2, updated_at = $3 WHERE id = $1`, id, otp, at)
	if err != nil {
		return errors.Wrap(err, "set dropoff otp")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
