package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/BearBump/CourierBox/config"
	"github.com/BearBump/CourierBox/internal/geolocation"
	"github.com/BearBump/CourierBox/internal/models"
	"github.com/BearBump/CourierBox/internal/observability"
	"github.com/BearBump/CourierBox/internal/realtime"
	"github.com/BearBump/CourierBox/internal/services/driver"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type agentOps struct {
	rec *driver.Reconciler
	geo *geolocation.Static
	rt  *realtime.Client
	cfg *config.Config
}

func agentRouter(ops agentOps) http.Handler {
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
		writeJSON(w, http.StatusOK, ops.rec.State())
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		p := ops.rec.Sampler()
		if p == nil {
			writeJSON(w, http.StatusOK, map[string]string{"error": "offline, sampler not running"})
			return
		}
		writeJSON(w, http.StatusOK, p.Stats())
	})

	r.Post("/trigger", func(w http.ResponseWriter, r *http.Request) {
		p := ops.rec.Sampler()
		if p == nil {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "offline, sampler not running"})
			return
		}
		p.Trigger()
		writeJSON(w, http.StatusOK, map[string]bool{"triggered": true})
	})

	r.Get("/config", func(w http.ResponseWriter, r *http.Request) {
		// only operational settings, no tokens
		d := ops.cfg.Driver
		writeJSON(w, http.StatusOK, map[string]any{
			"partnerId":                         d.PartnerID,
			"apiBaseUrl":                        ops.cfg.API.BaseURL,
			"realtimeUrl":                       ops.cfg.Realtime.URL,
			"locationIntervalSeconds":           d.LocationInterval().Seconds(),
			"locationPersistMinIntervalSeconds": d.LocationPersistMinInterval().Seconds(),
			"completionGraceSeconds":            d.CompletionGrace().Seconds(),
			"snapshotMaxAgeHours":               d.SnapshotMaxAge().Hours(),
		})
	})

	r.Post("/online", func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Online bool `json:"online"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad json"})
			return
		}
		respond(w, ops.rec, ops.rec.SetOnline(r.Context(), in.Online))
	})

	r.Post("/toggle", func(w http.ResponseWriter, r *http.Request) {
		respond(w, ops.rec, ops.rec.ToggleOnline(r.Context()))
	})

	r.Post("/respond", func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Accept bool `json:"accept"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad json"})
			return
		}
		respond(w, ops.rec, ops.rec.RespondToDeliveryRequest(r.Context(), in.Accept))
	})

	r.Post("/otp", func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Type models.OTPType `json:"type"`
			OTP  string         `json:"otp"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad json"})
			return
		}
		respond(w, ops.rec, ops.rec.VerifyOTP(r.Context(), in.Type, in.OTP))
	})

	// Moves the simulated device; the next sample picks it up.
	r.Put("/location", func(w http.ResponseWriter, r *http.Request) {
		var loc models.Location
		if err := json.NewDecoder(r.Body).Decode(&loc); err != nil || !loc.Valid() {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid location"})
			return
		}
		ops.geo.Set(loc)
		if p := ops.rec.Sampler(); p != nil {
			p.Trigger()
		}
		writeJSON(w, http.StatusOK, loc)
	})

	r.Post("/logout", func(w http.ResponseWriter, r *http.Request) {
		respond(w, ops.rec, ops.rec.Logout(r.Context()))
	})

	return r
}

func respond(w http.ResponseWriter, rec *driver.Reconciler, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, rec.State())
	case errors.Is(err, driver.ErrInvalidOTP):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, driver.ErrNoPendingRequest),
		errors.Is(err, driver.ErrNoActiveDelivery),
		errors.Is(err, driver.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
	}
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
