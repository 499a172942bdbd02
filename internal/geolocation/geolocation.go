package geolocation

import (
	"context"
	"sync"

	"github.com/BearBump/CourierBox/internal/models"
	"github.com/pkg/errors"
)

var (
	ErrPermissionDenied = errors.New("geolocation: permission denied")
	ErrUnavailable      = errors.New("geolocation: position unavailable")
)

// Source yields the device position.
type Source interface {
	Current(ctx context.Context) (models.Location, error)
}

type Func func(ctx context.Context) (models.Location, error)

func (f Func) Current(ctx context.Context) (models.Location, error) { return f(ctx) }

// Static reports a fixed, settable position. The zero location reads as unavailable.
type Static struct {
	mu     sync.RWMutex
	loc    models.Location
	denied bool
}

func NewStatic(loc models.Location) *Static {
	return &Static{loc: loc}
}

func (s *Static) Set(loc models.Location) {
	s.mu.Lock()
	s.loc = loc
	s.mu.Unlock()
}

// Deny simulates the user revoking location permission.
func (s *Static) Deny(denied bool) {
	s.mu.Lock()
	s.denied = denied
	s.mu.Unlock()
}

func (s *Static) Current(ctx context.Context) (models.Location, error) {
	if err := ctx.Err(); err != nil {
		return models.Location{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.denied {
		return models.Location{}, ErrPermissionDenied
	}
	if !s.loc.Valid() {
		return models.Location{}, ErrUnavailable
	}
	return s.loc, nil
}
