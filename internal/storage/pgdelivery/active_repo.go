package pgdelivery

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BearBump/CourierBox/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// GetActiveOrder returns nil when the partner has nothing in progress.
func (s *Storage) GetActiveOrder(ctx context.Context, partnerID string) (*models.ActiveDelivery, time.Time, error) {
	var (
		raw       []byte
		updatedAt time.Time
	)
	err := s.db.QueryRow(ctx, `SELECT data, updated_at FROM active_orders WHERE partner_id = $1`, partnerID).Scan(&raw, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, errors.Wrap(err, "get active order")
	}
	var d models.ActiveDelivery
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, time.Time{}, errors.Wrap(err, "decode active order")
	}
	return &d, updatedAt, nil
}

func (s *Storage) PutActiveOrder(ctx context.Context, partnerID string, d models.ActiveDelivery, at time.Time) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return errors.Wrap(err, "encode active order")
	}
	_, err = s.db.Exec(ctx, `
INSERT INTO active_orders (partner_id, data, updated_at) VALUES ($1, $2, $3)
ON CONFLICT (partner_id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		partnerID, raw, at)
	return errors.Wrap(err, "put active order")
}

func (s *Storage) DeleteActiveOrder(ctx context.Context, partnerID string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM active_orders WHERE partner_id = $1`, partnerID)
	return errors.Wrap(err, "delete active order")
}
