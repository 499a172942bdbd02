package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TokenRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "courierbox", Name: "token_refresh_total", Help: "Access token refresh attempts"},
		[]string{"result"},
	)
	RealtimeReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "courierbox", Name: "realtime_reconnects_total", Help: "Realtime reconnect attempts"},
		[]string{"reason", "result"},
	)
	LocationUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "courierbox", Name: "location_updates_total", Help: "Driver location updates by sink"},
		[]string{"sink", "result"},
	)
	RouteComputationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "courierbox", Name: "route_computations_total", Help: "Route computations by outcome"},
		[]string{"result"},
	)
	RouteLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "courierbox", Name: "route_latency_seconds", Help: "Routing provider latency seconds",
	})
	DeliveryTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "courierbox", Name: "delivery_transitions_total", Help: "Driver delivery state transitions"},
		[]string{"status"},
	)
	OrderTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "courierbox", Name: "order_transitions_total", Help: "Customer order status transitions"},
		[]string{"status"},
	)
	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "courierbox", Name: "gateway_drivers_online", Help: "Drivers currently marked available",
	})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "courierbox", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "courierbox",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Handler exposes the default registry.
func Handler() http.Handler { return promhttp.Handler() }

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware records request count and latency labelled by the chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				path = p
			}
		}
		status := strconv.Itoa(rec.status)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
	})
}
