package pgdelivery

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS drivers (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL DEFAULT '',
  phone TEXT NOT NULL DEFAULT '',
  vehicle TEXT NOT NULL DEFAULT '',
  is_available BOOLEAN NOT NULL DEFAULT FALSE,
  lat DOUBLE PRECISION NULL,
  lng DOUBLE PRECISION NULL,
  last_seen_at TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_drivers_available ON drivers(is_available) WHERE is_available`,
		`
CREATE TABLE IF NOT EXISTS orders (
  id TEXT PRIMARY KEY,
  customer_id TEXT NOT NULL,
  driver_id TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  pickup JSONB NOT NULL,
  dropoff JSONB NOT NULL,
  amount DOUBLE PRECISION NOT NULL DEFAULT 0,
  pickup_otp TEXT NOT NULL DEFAULT '',
  dropoff_otp TEXT NOT NULL DEFAULT '',
  timestamps JSONB NOT NULL DEFAULT '{}'::jsonb,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_driver_id_created_at ON orders(driver_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_customer_id ON orders(customer_id)`,
		`
CREATE TABLE IF NOT EXISTS active_orders (
  partner_id TEXT PRIMARY KEY,
  data JSONB NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
