package gatewayhttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/BearBump/CourierBox/internal/logging"
	"github.com/BearBump/CourierBox/internal/models"
	"github.com/BearBump/CourierBox/internal/observability"
	"github.com/BearBump/CourierBox/internal/services/gateway"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	httpSwagger "github.com/swaggo/http-swagger"
	"go.uber.org/zap"
)

// Service is the part of the gateway the REST surface calls.
type Service interface {
	Login(ctx context.Context, in gateway.LoginInput) (gateway.LoginResult, error)
	Refresh(ctx context.Context, refreshToken string) (gateway.TokenPair, error)
	Authenticate(accessToken string) (*gateway.Claims, error)

	GetDriver(ctx context.Context, id string) (models.DriverData, error)
	UpdateDriver(ctx context.Context, id string, upd gateway.DriverUpdate) (models.DriverData, error)
	SetAvailability(ctx context.Context, id string, available bool, loc *models.Location) error
	UpdateLocation(ctx context.Context, id string, loc models.Location) error
	DriverLocation(ctx context.Context, id string) (models.DriverData, error)
	ListPartnerOrders(ctx context.Context, partnerID string, q models.OrderQuery) (models.OrderPage, error)

	ActiveOrder(ctx context.Context, partnerID string) (*gateway.ActiveOrderRecord, error)
	PutActiveOrder(ctx context.Context, partnerID string, d models.ActiveDelivery) error
	DeleteActiveOrder(ctx context.Context, partnerID string) error

	CreateOrder(ctx context.Context, in gateway.CreateOrderInput) (models.OrderData, error)
	GetOrder(ctx context.Context, id string) (models.OrderData, error)
	UpdateOrderStatus(ctx context.Context, id string, next models.OrderStatus, source string) (models.OrderData, error)
	VerifyOTP(ctx context.Context, orderID string, typ models.OTPType, code string) (gateway.VerifyOTPResult, error)
	SaveDropoffOTP(ctx context.Context, orderID, otp string) error
}

type Options struct {
	// WS serves the realtime endpoint. Mounted outside the metrics middleware
	// because the upgrade needs the raw connection.
	WS          http.Handler
	SwaggerPath string
	Log         *zap.Logger
}

type API struct {
	svc  Service
	opts Options
	log  *zap.Logger
}

func New(svc Service, opts Options) *API {
	return &API{svc: svc, opts: opts, log: logging.OrNop(opts.Log)}
}

func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)

	if a.opts.WS != nil {
		r.Handle("/ws", a.opts.WS)
	}

	r.Group(func(r chi.Router) {
		r.Use(observability.Middleware)

		r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
		r.Handle("/metrics", observability.Handler())
		a.mountDocs(r)

		r.Post("/auth/login", a.login)
		r.Post("/auth/refresh", a.refresh)

		r.Group(func(r chi.Router) {
			r.Use(a.bearer)

			r.Get("/drivers/{id}", a.getDriver)
			r.With(a.self).Put("/drivers/{id}", a.updateDriver)
			r.With(a.self).Put("/drivers/{id}/status", a.setStatus)
			r.Get("/drivers/{id}/location", a.getLocation)
			r.With(a.self).Put("/drivers/{id}/location", a.putLocation)

			r.With(a.self).Get("/partners/{id}/orders", a.listOrders)
			r.With(a.self).Get("/partners/{id}/active-order", a.getActiveOrder)
			r.With(a.self).Put("/partners/{id}/active-order", a.putActiveOrder)
			r.With(a.self).Delete("/partners/{id}/active-order", a.deleteActiveOrder)

			r.Post("/orders", a.createOrder)
			r.Get("/orders/{id}", a.getOrder)
			r.Put("/orders/{id}/status", a.updateOrderStatus)
			r.Post("/orders/{id}/verify-otp", a.verifyOTP)
			r.Put("/orders/{id}/dropoff-otp", a.saveDropoffOTP)
		})
	})
	return r
}

func (a *API) mountDocs(r chi.Router) {
	if a.opts.SwaggerPath == "" {
		return
	}
	fi, err := os.Stat(a.opts.SwaggerPath)
	if err != nil {
		a.log.Warn("swagger file not found, /docs disabled", zap.String("path", a.opts.SwaggerPath))
		return
	}
	r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		http.ServeFile(w, r, a.opts.SwaggerPath)
	})
	r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL(fmt.Sprintf("/swagger.json?v=%d", fi.ModTime().Unix()))))
}

type claimsKey struct{}

func (a *API) bearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			a.fail(w, r, errors.Wrap(gateway.ErrUnauthorized, "missing bearer token"))
			return
		}
		claims, err := a.svc.Authenticate(token)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

// self lets a subject act only on its own driver/partner resources.
func (a *API) self(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if claimsFrom(r).Subject != chi.URLParam(r, "id") {
			a.fail(w, r, gateway.ErrForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func claimsFrom(r *http.Request) *gateway.Claims {
	c, _ := r.Context().Value(claimsKey{}).(*gateway.Claims)
	if c == nil {
		return &gateway.Claims{}
	}
	return c
}

// Auth.

func (a *API) login(w http.ResponseWriter, r *http.Request) {
	var in gateway.LoginInput
	if !a.decode(w, r, &in) {
		return
	}
	res, err := a.svc.Login(r.Context(), in)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) refresh(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RefreshToken string `json:"refreshToken"`
	}
	if !a.decode(w, r, &in) {
		return
	}
	pair, err := a.svc.Refresh(r.Context(), in.RefreshToken)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// Drivers.

func (a *API) getDriver(w http.ResponseWriter, r *http.Request) {
	d, err := a.svc.GetDriver(r.Context(), chi.URLParam(r, "id"))
	a.respond(w, r, d, err)
}

func (a *API) updateDriver(w http.ResponseWriter, r *http.Request) {
	var upd gateway.DriverUpdate
	if !a.decode(w, r, &upd) {
		return
	}
	d, err := a.svc.UpdateDriver(r.Context(), chi.URLParam(r, "id"), upd)
	a.respond(w, r, d, err)
}

func (a *API) setStatus(w http.ResponseWriter, r *http.Request) {
	var in struct {
		IsAvailable bool             `json:"isAvailable"`
		Location    *models.Location `json:"location,omitempty"`
	}
	if !a.decode(w, r, &in) {
		return
	}
	err := a.svc.SetAvailability(r.Context(), chi.URLParam(r, "id"), in.IsAvailable, in.Location)
	a.respond(w, r, nil, err)
}

func (a *API) getLocation(w http.ResponseWriter, r *http.Request) {
	d, err := a.svc.DriverLocation(r.Context(), chi.URLParam(r, "id"))
	a.respond(w, r, d, err)
}

func (a *API) putLocation(w http.ResponseWriter, r *http.Request) {
	var loc models.Location
	if !a.decode(w, r, &loc) {
		return
	}
	err := a.svc.UpdateLocation(r.Context(), chi.URLParam(r, "id"), loc)
	a.respond(w, r, nil, err)
}

func (a *API) listOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := optionalInt(q.Get("page"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	limit, err := optionalInt(q.Get("limit"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	out, err := a.svc.ListPartnerOrders(r.Context(), chi.URLParam(r, "id"), models.OrderQuery{
		Page:   page,
		Limit:  limit,
		Status: q.Get("status"),
		Search: q.Get("search"),
	})
	a.respond(w, r, out, err)
}

func (a *API) getActiveOrder(w http.ResponseWriter, r *http.Request) {
	rec, err := a.svc.ActiveOrder(r.Context(), chi.URLParam(r, "id"))
	if err == nil && rec == nil {
		err = errors.Wrap(gateway.ErrNotFound, "no active order")
	}
	a.respond(w, r, rec, err)
}

func (a *API) putActiveOrder(w http.ResponseWriter, r *http.Request) {
	var d models.ActiveDelivery
	if !a.decode(w, r, &d) {
		return
	}
	err := a.svc.PutActiveOrder(r.Context(), chi.URLParam(r, "id"), d)
	a.respond(w, r, nil, err)
}

func (a *API) deleteActiveOrder(w http.ResponseWriter, r *http.Request) {
	err := a.svc.DeleteActiveOrder(r.Context(), chi.URLParam(r, "id"))
	a.respond(w, r, nil, err)
}

// Orders.

func (a *API) createOrder(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	if claims.Role != models.RoleCustomer {
		a.fail(w, r, errors.Wrap(gateway.ErrForbidden, "only customers place orders"))
		return
	}
	var in gateway.CreateOrderInput
	if !a.decode(w, r, &in) {
		return
	}
	in.CustomerID = claims.Subject
	o, err := a.svc.CreateOrder(r.Context(), in)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

// party loads the order and checks that the caller is its customer or driver.
func (a *API) party(r *http.Request) (models.OrderData, error) {
	o, err := a.svc.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return o, err
	}
	sub := claimsFrom(r).Subject
	if sub != o.CustomerID && sub != o.DriverID {
		return o, gateway.ErrForbidden
	}
	return o, nil
}

func (a *API) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := a.party(r)
	if err == nil && claimsFrom(r).Subject != o.CustomerID {
		// код получения знает только клиент
		o.DropoffOTP = ""
	}
	a.respond(w, r, o, err)
}

func (a *API) updateOrderStatus(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Status models.OrderStatus `json:"status"`
	}
	if !a.decode(w, r, &in) {
		return
	}
	o, err := a.party(r)
	if err == nil {
		o, err = a.svc.UpdateOrderStatus(r.Context(), o.ID, in.Status, string(claimsFrom(r).Role))
	}
	a.respond(w, r, o, err)
}

func (a *API) verifyOTP(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Type models.OTPType `json:"type"`
		OTP  string         `json:"otp"`
	}
	if !a.decode(w, r, &in) {
		return
	}
	o, err := a.party(r)
	if err == nil && o.DriverID != claimsFrom(r).Subject {
		err = errors.Wrap(gateway.ErrForbidden, "only the assigned driver verifies codes")
	}
	if err != nil {
		a.fail(w, r, err)
		return
	}
	res, err := a.svc.VerifyOTP(r.Context(), o.ID, in.Type, in.OTP)
	a.respond(w, r, res, err)
}

func (a *API) saveDropoffOTP(w http.ResponseWriter, r *http.Request) {
	var in struct {
		OTP string `json:"otp"`
	}
	if !a.decode(w, r, &in) {
		return
	}
	o, err := a.party(r)
	if err == nil && o.CustomerID != claimsFrom(r).Subject {
		err = errors.Wrap(gateway.ErrForbidden, "only the customer sets the dropoff code")
	}
	if err == nil {
		err = a.svc.SaveDropoffOTP(r.Context(), o.ID, in.OTP)
	}
	a.respond(w, r, nil, err)
}

// Plumbing.

func (a *API) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		a.fail(w, r, errors.Wrap(gateway.ErrInvalidInput, err.Error()))
		return false
	}
	return true
}

func (a *API) respond(w http.ResponseWriter, r *http.Request, v any, err error) {
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if v == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status >= 500 {
		a.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, gateway.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, gateway.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, gateway.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrWrongPhase), errors.Is(err, gateway.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, gateway.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func optionalInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.Wrapf(gateway.ErrInvalidInput, "bad number %q", s)
	}
	return n, nil
}
