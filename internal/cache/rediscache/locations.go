package rediscache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BearBump/CourierBox/internal/models"
	"github.com/pkg/errors"
)

type LocationFix struct {
	Location models.Location `json:"location"`
	At       time.Time       `json:"at"`
}

// Locations keeps each driver's last fix; a key expires after ttl without updates.
type Locations struct {
	cache *RedisCache
	ttl   time.Duration
}

func NewLocations(cache *RedisCache, ttl time.Duration) *Locations {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Locations{cache: cache, ttl: ttl}
}

func locationKey(driverID string) string {
	return "driver:" + driverID + ":location"
}

func (l *Locations) Put(ctx context.Context, driverID string, fix LocationFix) error {
	b, err := json.Marshal(fix)
	if err != nil {
		return errors.Wrap(err, "marshal location")
	}
	return l.cache.Set(ctx, locationKey(driverID), b, l.ttl)
}

// Get returns ok=false when the driver has not reported within ttl.
func (l *Locations) Get(ctx context.Context, driverID string) (LocationFix, bool, error) {
	b, ok, err := l.cache.Get(ctx, locationKey(driverID))
	if err != nil || !ok {
		return LocationFix{}, false, err
	}
	var fix LocationFix
	if err := json.Unmarshal(b, &fix); err != nil {
		// битая запись: считаем, что её нет
		_ = l.cache.Delete(ctx, locationKey(driverID))
		return LocationFix{}, false, nil
	}
	return fix, true, nil
}

func (l *Locations) Delete(ctx context.Context, driverID string) error {
	return l.cache.Delete(ctx, locationKey(driverID))
}
