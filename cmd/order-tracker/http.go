package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/BearBump/CourierBox/config"
	"github.com/BearBump/CourierBox/internal/apiclient"
	"github.com/BearBump/CourierBox/internal/observability"
	"github.com/BearBump/CourierBox/internal/realtime"
	"github.com/BearBump/CourierBox/internal/services/tracking"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type trackerOps struct {
	tracker *tracking.Tracker
	orders  *apiclient.OrdersAPI
	rt      *realtime.Client
	cfg     *config.Config
}

func trackerRouter(ops trackerOps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(observability.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !ops.rt.Connected() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": string(ops.rt.State())})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	r.Handle("/metrics", observability.Handler())

	r.Get("/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, ops.tracker.State())
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		p := ops.tracker.Poller()
		if p == nil {
			writeJSON(w, http.StatusOK, map[string]string{"error": "no order tracked"})
			return
		}
		writeJSON(w, http.StatusOK, p.Stats())
	})

	r.Post("/trigger", func(w http.ResponseWriter, r *http.Request) {
		p := ops.tracker.Poller()
		if p == nil {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "no order tracked"})
			return
		}
		p.Trigger()
		writeJSON(w, http.StatusOK, map[string]bool{"triggered": true})
	})

	r.Get("/config", func(w http.ResponseWriter, r *http.Request) {
		c := ops.cfg.Customer
		writeJSON(w, http.StatusOK, map[string]any{
			"userId":                 c.UserID,
			"driverId":               c.DriverID,
			"apiBaseUrl":             ops.cfg.API.BaseURL,
			"realtimeUrl":            ops.cfg.Realtime.URL,
			"osrmBaseUrl":            ops.cfg.Routing.OSRMBaseURL,
			"pollIntervalSeconds":    c.PollInterval().Seconds(),
			"completionGraceSeconds": c.CompletionGrace().Seconds(),
			"snapshotMaxAgeHours":    c.SnapshotMaxAge().Hours(),
		})
	})

	// Places an order and starts tracking it.
	r.Post("/orders", func(w http.ResponseWriter, r *http.Request) {
		var in apiclient.CreateOrder
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad json"})
			return
		}
		o, err := ops.orders.Create(r.Context(), in)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := ops.tracker.Track(r.Context(), o); err != nil {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusCreated, ops.tracker.State())
	})

	// Follows an order placed elsewhere.
	r.Post("/orders/{id}/track", func(w http.ResponseWriter, r *http.Request) {
		o, err := ops.orders.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		if err := ops.tracker.Track(r.Context(), o); err != nil {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, ops.tracker.State())
	})

	r.Post("/stop", func(w http.ResponseWriter, r *http.Request) {
		ops.tracker.Stop(r.Context())
		writeJSON(w, http.StatusOK, ops.tracker.State())
	})

	return r
}

// writeError passes backend status codes through.
func writeError(w http.ResponseWriter, err error) {
	var he *apiclient.HTTPError
	if errors.As(err, &he) {
		writeJSON(w, he.StatusCode, map[string]string{"error": he.Error()})
		return
	}
	if errors.Is(err, apiclient.ErrSessionExpired) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func serveHTTP(ctx context.Context, addr string, h http.Handler, log *zap.Logger, onListen func(addr string)) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if onListen != nil {
		onListen(lis.Addr().String())
	}

	srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("ops server listening", zap.String("addr", lis.Addr().String()))
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}
