package routing

import (
	"context"
	"fmt"
	"net/url"

	"github.com/BearBump/CourierBox/internal/logging"
	"github.com/BearBump/CourierBox/internal/models"
	"go.uber.org/zap"
)

const defaultNavigationBase = "https://www.google.com/maps/dir/"

// NavigationURL builds a turn-by-turn deep link towards dest. origin is optional.
func NavigationURL(base string, origin *models.Location, dest models.Location) string {
	if base == "" {
		base = defaultNavigationBase
	}
	q := url.Values{}
	q.Set("api", "1")
	q.Set("destination", fmt.Sprintf("%.6f,%.6f", dest.Lat, dest.Lng))
	if origin != nil && origin.Valid() {
		q.Set("origin", fmt.Sprintf("%.6f,%.6f", origin.Lat, origin.Lng))
	}
	q.Set("travelmode", "driving")
	return base + "?" + q.Encode()
}

// Navigator hands a navigation link to whatever shows it to the driver.
type Navigator interface {
	Open(ctx context.Context, link string) error
}

type NavigatorFunc func(ctx context.Context, link string) error

func (f NavigatorFunc) Open(ctx context.Context, link string) error { return f(ctx, link) }

// LogNavigator just logs the link; the headless console has no map app to launch.
type LogNavigator struct {
	Log *zap.Logger
}

func (n LogNavigator) Open(_ context.Context, link string) error {
	logging.OrNop(n.Log).Info("navigation", zap.String("url", link))
	return nil
}
