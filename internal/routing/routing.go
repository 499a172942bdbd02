package routing

import (
	"context"
	"math"
	"time"

	"github.com/BearBump/CourierBox/internal/models"
	"github.com/pkg/errors"
)

var ErrNoRoute = errors.New("routing: no route")

// Provider computes a driving route between two points.
type Provider interface {
	Route(ctx context.Context, from, to models.Location) (models.Route, error)
}

// Haversine distance in meters
func Haversine(a, b models.Location) float64 {
	const R = 6371000.0
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return R * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Straight estimates a route as the great-circle line at a constant speed.
// Used when no routing server is configured.
type Straight struct {
	SpeedMPS float64
}

func (s Straight) Route(ctx context.Context, from, to models.Location) (models.Route, error) {
	if err := ctx.Err(); err != nil {
		return models.Route{}, err
	}
	if !from.Valid() || !to.Valid() {
		return models.Route{}, ErrNoRoute
	}
	speed := s.SpeedMPS
	if speed <= 0 {
		speed = 8.3 // ~30 km/h в городе
	}
	d := Haversine(from, to)
	return models.Route{
		From:            from,
		To:              to,
		DistanceMeters:  d,
		DurationSeconds: d / speed,
		ComputedAt:      time.Now().UTC(),
	}, nil
}
