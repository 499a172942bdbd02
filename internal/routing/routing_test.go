package routing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/BearBump/CourierBox/internal/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

var (
	tashkent  = models.Location{Lat: 41.311081, Lng: 69.240562}
	samarkand = models.Location{Lat: 39.654388, Lng: 66.975824}
)

func TestHaversine(t *testing.T) {
	require.Zero(t, Haversine(tashkent, tashkent))
	d := Haversine(tashkent, samarkand)
	require.InDelta(t, 270000, d, 10000)
}

func TestStraight(t *testing.T) {
	r, err := Straight{SpeedMPS: 10}.Route(context.Background(), tashkent, samarkand)
	require.NoError(t, err)
	require.InDelta(t, r.DistanceMeters/10, r.DurationSeconds, 0.001)

	_, err = Straight{}.Route(context.Background(), models.Location{}, samarkand)
	require.ErrorIs(t, err, ErrNoRoute)
}

func TestOSRMClient_Route(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasPrefix(r.URL.Path, "/route/v1/driving/69.240562,41.311081;66.975824,39.654388"))
		require.Equal(t, "full", r.URL.Query().Get("overview"))
		require.Equal(t, "polyline", r.URL.Query().Get("geometries"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":"Ok","routes":[{"distance":301234.5,"duration":14400,"geometry":"abc"}]}`))
	}))
	t.Cleanup(srv.Close)

	r, err := NewOSRMClient(srv.URL, 0).Route(context.Background(), tashkent, samarkand)
	require.NoError(t, err)
	require.Equal(t, 301234.5, r.DistanceMeters)
	require.Equal(t, 14400.0, r.DurationSeconds)
	require.Equal(t, "abc", r.Geometry)
	require.Equal(t, samarkand, r.To)
}

func TestOSRMClient_NoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"NoRoute","message":"Impossible route"}`))
	}))
	t.Cleanup(srv.Close)

	_, err := NewOSRMClient(srv.URL, 0).Route(context.Background(), tashkent, samarkand)
	require.True(t, errors.Is(err, ErrNoRoute))
}

func TestOSRMClient_BadGateway(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`<html>oops</html>`))
	}))
	t.Cleanup(srv.Close)

	_, err := NewOSRMClient(srv.URL, 0).Route(context.Background(), tashkent, samarkand)
	require.EqualError(t, err, "osrm http 502")
}

func TestNavigationURL(t *testing.T) {
	link := NavigationURL("", &tashkent, samarkand)
	u, err := url.Parse(link)
	require.NoError(t, err)
	require.Equal(t, "www.google.com", u.Host)
	require.Equal(t, "39.654388,66.975824", u.Query().Get("destination"))
	require.Equal(t, "41.311081,69.240562", u.Query().Get("origin"))
	require.Equal(t, "driving", u.Query().Get("travelmode"))

	link = NavigationURL("https://maps.example/dir", nil, samarkand)
	require.NotContains(t, link, "origin=")
}

func TestNavigators(t *testing.T) {
	var got string
	n := NavigatorFunc(func(ctx context.Context, link string) error {
		got = link
		return nil
	})
	require.NoError(t, n.Open(context.Background(), "x"))
	require.Equal(t, "x", got)
	require.NoError(t, LogNavigator{}.Open(context.Background(), "y"))
}
