package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BearBump/CourierBox/internal/models"
	"github.com/pkg/errors"
)

// OSRMClient performs route lookups against an OSRM HTTP server.
type OSRMClient struct {
	baseURL string
	httpc   *http.Client
}

func NewOSRMClient(baseURL string, timeout time.Duration) *OSRMClient {
	if baseURL == "" {
		baseURL = "https://router.project-osrm.org"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &OSRMClient{baseURL: baseURL, httpc: &http.Client{Timeout: timeout}}
}

type osrmResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Routes  []struct {
		Distance float64 `json:"distance"`
		Duration float64 `json:"duration"`
		Geometry string  `json:"geometry"`
	} `json:"routes"`
}

func (o *OSRMClient) Route(ctx context.Context, from, to models.Location) (models.Route, error) {
	u, err := url.Parse(o.baseURL)
	if err != nil {
		return models.Route{}, errors.Wrap(err, "parse base url")
	}
	// OSRM хочет lon,lat
	u.Path = strings.TrimRight(u.Path, "/") +
		fmt.Sprintf("/route/v1/driving/%.6f,%.6f;%.6f,%.6f", from.Lng, from.Lat, to.Lng, to.Lat)
	q := u.Query()
	q.Set("overview", "full")
	q.Set("geometries", "polyline")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return models.Route{}, errors.Wrap(err, "new request")
	}
	resp, err := o.httpc.Do(req)
	if err != nil {
		return models.Route{}, errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	var out osrmResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if resp.StatusCode/100 != 2 {
			return models.Route{}, fmt.Errorf("osrm http %d", resp.StatusCode)
		}
		return models.Route{}, errors.Wrap(err, "decode")
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return models.Route{}, errors.Wrapf(ErrNoRoute, "osrm %s %s", out.Code, out.Message)
	}

	r := out.Routes[0]
	return models.Route{
		From:            from,
		To:              to,
		DistanceMeters:  r.Distance,
		DurationSeconds: r.Duration,
		Geometry:        r.Geometry,
		ComputedAt:      time.Now().UTC(),
	}, nil
}
