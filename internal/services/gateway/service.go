package gateway

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/BearBump/CourierBox/internal/broker/messages"
	"github.com/BearBump/CourierBox/internal/cache/rediscache"
	"github.com/BearBump/CourierBox/internal/logging"
	"github.com/BearBump/CourierBox/internal/models"
	"github.com/BearBump/CourierBox/internal/observability"
	"github.com/BearBump/CourierBox/internal/realtime"
	"github.com/BearBump/CourierBox/internal/routing"
	"github.com/BearBump/CourierBox/internal/storage/pgdelivery"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrInvalidInput = errors.New("invalid input")
	ErrRateLimited  = errors.New("too many attempts")
	ErrWrongPhase   = errors.New("order is not in the right phase")
	ErrNotFound     = pgdelivery.ErrNotFound
	ErrConflict     = pgdelivery.ErrConflict
)

type Repository interface {
	EnsureDriver(ctx context.Context, id string, now time.Time) error
	GetDriver(ctx context.Context, id string) (models.DriverData, error)
	UpdateDriverProfile(ctx context.Context, id, name, phone, vehicle string, now time.Time) (models.DriverData, error)
	SetDriverAvailability(ctx context.Context, id string, available bool, loc *models.Location, now time.Time) error
	SaveDriverLocation(ctx context.Context, id string, loc models.Location, now time.Time) error
	ListAvailableDrivers(ctx context.Context) ([]models.DriverData, error)

	CreateOrder(ctx context.Context, o models.OrderData, amount float64) error
	GetOrder(ctx context.Context, id string) (models.OrderData, error)
	ListDriverOrders(ctx context.Context, driverID string, q models.OrderQuery) (models.OrderPage, error)
	TransitionOrder(ctx context.Context, id string, from, to models.OrderStatus, at time.Time) (models.OrderData, error)
	AssignDriver(ctx context.Context, id, driverID string, at time.Time) (models.OrderData, error)
	SetDropoffOTP(ctx context.Context, id, otp string, at time.Time) error

	GetActiveOrder(ctx context.Context, partnerID string) (*models.ActiveDelivery, time.Time, error)
	PutActiveOrder(ctx context.Context, partnerID string, d models.ActiveDelivery, at time.Time) error
	DeleteActiveOrder(ctx context.Context, partnerID string) error
}

type LocationCache interface {
	Put(ctx context.Context, driverID string, fix rediscache.LocationFix) error
	Get(ctx context.Context, driverID string) (rediscache.LocationFix, bool, error)
}

type Limiter interface {
	AllowOTP(ctx context.Context, orderID, otpType string, perMinute int64) (bool, error)
}

type EventPublisher interface {
	PublishOrderEvent(ctx context.Context, ev messages.OrderEvent) error
}

// Rooms is the realtime hub as seen by the service.
type Rooms interface {
	Broadcast(room, event string, payload any) (int, error)
	Join(c *realtime.Conn, room string)
}

type Config struct {
	InactivityTimeout    time.Duration
	OTPAttemptsPerMinute int
	// OfferTTL is how long a driver has to answer a delivery request.
	OfferTTL time.Duration
}

type Deps struct {
	Repo      Repository
	Locations LocationCache
	Limiter   Limiter
	Events    EventPublisher
	Rooms     Rooms
	Tokens    *Tokens
	Log       *zap.Logger
	Now       func() time.Time
}

type Service struct {
	cfg  Config
	deps Deps
	log  *zap.Logger

	mu sync.Mutex
	// offers remembers which drivers already saw an order.
	offers map[string]map[string]struct{}
}

func New(cfg Config, deps Deps) *Service {
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = 5 * time.Minute
	}
	if cfg.OfferTTL <= 0 {
		cfg.OfferTTL = 30 * time.Second
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Service{
		cfg:    cfg,
		deps:   deps,
		log:    logging.OrNop(deps.Log),
		offers: make(map[string]map[string]struct{}),
	}
}

func (s *Service) now() time.Time { return s.deps.Now().UTC() }

type LoginInput struct {
	Role      models.Role `json:"role"`
	SubjectID string      `json:"subjectId"`
	Secret    string      `json:"secret,omitempty"`
}

type LoginResult struct {
	TokenPair
	Profile json.RawMessage `json:"profile,omitempty"`
}

// Login issues tokens for a partner or customer id. Partners get a driver
// profile on first login.
func (s *Service) Login(ctx context.Context, in LoginInput) (LoginResult, error) {
	if in.SubjectID == "" {
		return LoginResult{}, errors.Wrap(ErrInvalidInput, "subjectId is required")
	}

	var profile any
	switch in.Role {
	case models.RolePartner:
		if err := s.deps.Repo.EnsureDriver(ctx, in.SubjectID, s.now()); err != nil {
			return LoginResult{}, err
		}
		d, err := s.deps.Repo.GetDriver(ctx, in.SubjectID)
		if err != nil {
			return LoginResult{}, err
		}
		profile = d
	case models.RoleCustomer:
		profile = models.User{ID: in.SubjectID, Role: models.RoleCustomer}
	default:
		return LoginResult{}, errors.Wrapf(ErrInvalidInput, "unknown role %q", in.Role)
	}

	pair, err := s.deps.Tokens.Issue(in.Role, in.SubjectID)
	if err != nil {
		return LoginResult{}, err
	}
	raw, err := json.Marshal(profile)
	if err != nil {
		return LoginResult{}, errors.Wrap(err, "marshal profile")
	}
	return LoginResult{TokenPair: pair, Profile: raw}, nil
}

func (s *Service) Refresh(_ context.Context, refreshToken string) (TokenPair, error) {
	claims, err := s.deps.Tokens.Parse(refreshToken, kindRefresh)
	if err != nil {
		return TokenPair{}, err
	}
	return s.deps.Tokens.Issue(claims.Role, claims.Subject)
}

func (s *Service) Authenticate(accessToken string) (*Claims, error) {
	return s.deps.Tokens.Parse(accessToken, kindAccess)
}

// Drivers.

func (s *Service) GetDriver(ctx context.Context, id string) (models.DriverData, error) {
	return s.deps.Repo.GetDriver(ctx, id)
}

type DriverUpdate struct {
	Name    string `json:"name,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Vehicle string `json:"vehicle,omitempty"`
}

func (s *Service) UpdateDriver(ctx context.Context, id string, upd DriverUpdate) (models.DriverData, error) {
	return s.deps.Repo.UpdateDriverProfile(ctx, id, upd.Name, upd.Phone, upd.Vehicle, s.now())
}

func (s *Service) SetAvailability(ctx context.Context, id string, available bool, loc *models.Location) error {
	if loc != nil && !loc.Valid() {
		return errors.Wrap(ErrInvalidInput, "invalid location")
	}
	now := s.now()
	if err := s.deps.Repo.SetDriverAvailability(ctx, id, available, loc, now); err != nil {
		return err
	}
	if loc != nil {
		s.cacheLocation(ctx, id, *loc, now)
	}
	s.log.Info("driver availability", zap.String("driver_id", id), zap.Bool("available", available))
	return nil
}

// UpdateLocation is the durable location write; the cache is refreshed too.
func (s *Service) UpdateLocation(ctx context.Context, id string, loc models.Location) error {
	if !loc.Valid() {
		return errors.Wrap(ErrInvalidInput, "invalid location")
	}
	now := s.now()
	if err := s.deps.Repo.SaveDriverLocation(ctx, id, loc, now); err != nil {
		observability.LocationUpdatesTotal.WithLabelValues("gateway_db", "error").Inc()
		return err
	}
	observability.LocationUpdatesTotal.WithLabelValues("gateway_db", "ok").Inc()
	s.cacheLocation(ctx, id, loc, now)
	return nil
}

func (s *Service) cacheLocation(ctx context.Context, id string, loc models.Location, at time.Time) {
	if err := s.deps.Locations.Put(ctx, id, rediscache.LocationFix{Location: loc, At: at}); err != nil {
		observability.LocationUpdatesTotal.WithLabelValues("gateway_cache", "error").Inc()
		s.log.Warn("cache location", zap.String("driver_id", id), zap.Error(err))
		return
	}
	observability.LocationUpdatesTotal.WithLabelValues("gateway_cache", "ok").Inc()
}

// DriverLocation prefers the cached fix, which is fresher than the row.
func (s *Service) DriverLocation(ctx context.Context, id string) (models.DriverData, error) {
	d, err := s.deps.Repo.GetDriver(ctx, id)
	if err != nil {
		return models.DriverData{}, err
	}
	fix, ok, err := s.deps.Locations.Get(ctx, id)
	if err != nil {
		s.log.Warn("read cached location", zap.String("driver_id", id), zap.Error(err))
	}
	if ok {
		loc, at := fix.Location, fix.At
		d.Location = &loc
		d.LastSeenAt = &at
	}
	return d, nil
}

func (s *Service) ListPartnerOrders(ctx context.Context, partnerID string, q models.OrderQuery) (models.OrderPage, error) {
	return s.deps.Repo.ListDriverOrders(ctx, partnerID, q)
}

type ActiveOrderRecord struct {
	Order     models.ActiveDelivery `json:"order"`
	UpdatedAt time.Time             `json:"updatedAt"`
}

func (s *Service) ActiveOrder(ctx context.Context, partnerID string) (*ActiveOrderRecord, error) {
	d, at, err := s.deps.Repo.GetActiveOrder(ctx, partnerID)
	if err != nil || d == nil {
		return nil, err
	}
	return &ActiveOrderRecord{Order: *d, UpdatedAt: at}, nil
}

func (s *Service) PutActiveOrder(ctx context.Context, partnerID string, d models.ActiveDelivery) error {
	if d.OrderID == "" {
		return errors.Wrap(ErrInvalidInput, "orderId is required")
	}
	return s.deps.Repo.PutActiveOrder(ctx, partnerID, d, s.now())
}

func (s *Service) DeleteActiveOrder(ctx context.Context, partnerID string) error {
	return s.deps.Repo.DeleteActiveOrder(ctx, partnerID)
}

// Orders.

type CreateOrderInput struct {
	CustomerID    string       `json:"customerId"`
	CustomerName  string       `json:"customerName,omitempty"`
	Pickup        models.Place `json:"pickup"`
	Dropoff       models.Place `json:"dropoff"`
	Amount        float64      `json:"amount"`
	PaymentMethod string       `json:"paymentMethod,omitempty"`
}

// CreateOrder stores a confirmed order and offers it to the nearest driver.
func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput) (models.OrderData, error) {
	if in.CustomerID == "" || !in.Pickup.Valid() || !in.Dropoff.Valid() {
		return models.OrderData{}, errors.Wrap(ErrInvalidInput, "customerId, pickup and dropoff are required")
	}
	otp, err := newOTP()
	if err != nil {
		return models.OrderData{}, err
	}
	now := s.now()
	o := models.OrderData{
		ID:         uuid.NewString(),
		CustomerID: in.CustomerID,
		Status:     models.OrderConfirmed,
		Pickup:     in.Pickup,
		Dropoff:    in.Dropoff,
		PickupOTP:  otp,
		Timestamps: map[models.OrderStatus]time.Time{models.OrderConfirmed: now},
		UpdatedAt:  now,
	}
	if err := s.deps.Repo.CreateOrder(ctx, o, in.Amount); err != nil {
		return models.OrderData{}, err
	}
	s.publish(ctx, o, "", "api")

	req := models.DeliveryRequest{
		OrderID:       o.ID,
		CustomerName:  in.CustomerName,
		Pickup:        o.Pickup,
		Drop:          o.Dropoff,
		Amount:        in.Amount,
		PaymentMethod: in.PaymentMethod,
	}
	if _, err := s.Dispatch(ctx, req); err != nil {
		s.log.Warn("dispatch order", zap.String("order_id", o.ID), zap.Error(err))
	}
	return o, nil
}

func (s *Service) GetOrder(ctx context.Context, id string) (models.OrderData, error) {
	return s.deps.Repo.GetOrder(ctx, id)
}

// UpdateOrderStatus moves an order forward. Repeating the current status is a no-op.
func (s *Service) UpdateOrderStatus(ctx context.Context, id string, next models.OrderStatus, source string) (models.OrderData, error) {
	if next.Rank() == 0 {
		return models.OrderData{}, errors.Wrapf(ErrInvalidInput, "unknown status %q", next)
	}
	o, err := s.deps.Repo.GetOrder(ctx, id)
	if err != nil {
		return models.OrderData{}, err
	}
	if o.Status == next {
		return o, nil
	}
	if !o.Status.CanAdvanceTo(next) {
		return models.OrderData{}, errors.Wrapf(ErrWrongPhase, "%s -> %s", o.Status, next)
	}
	return s.transition(ctx, o, next, source)
}

func (s *Service) transition(ctx context.Context, o models.OrderData, next models.OrderStatus, source string) (models.OrderData, error) {
	prev := o.Status
	updated, err := s.deps.Repo.TransitionOrder(ctx, o.ID, prev, next, s.now())
	if err != nil {
		return models.OrderData{}, err
	}
	observability.OrderTransitionsTotal.WithLabelValues(string(next)).Inc()
	s.publish(ctx, updated, prev, source)
	if next.IsTerminal() {
		s.forgetOffers(o.ID)
	}
	return updated, nil
}

func (s *Service) publish(ctx context.Context, o models.OrderData, prev models.OrderStatus, source string) {
	ev := messages.OrderEvent{
		EventID:  uuid.NewString(),
		OrderID:  o.ID,
		Status:   string(o.Status),
		Previous: string(prev),
		DriverID: o.DriverID,
		Source:   source,
		At:       s.now(),
	}
	if err := s.deps.Events.PublishOrderEvent(ctx, ev); err != nil {
		s.log.Error("publish order event", zap.String("order_id", o.ID), zap.Error(err))
	}
}

type VerifyOTPResult struct {
	Verified bool   `json:"verified"`
	Status   string `json:"status,omitempty"`
}

// VerifyOTP checks a pickup or dropoff code and advances the order on success.
func (s *Service) VerifyOTP(ctx context.Context, orderID string, typ models.OTPType, code string) (VerifyOTPResult, error) {
	if typ != models.OTPPickup && typ != models.OTPDropoff {
		return VerifyOTPResult{}, errors.Wrapf(ErrInvalidInput, "unknown otp type %q", typ)
	}
	ok, err := s.deps.Limiter.AllowOTP(ctx, orderID, string(typ), int64(s.cfg.OTPAttemptsPerMinute))
	if err != nil {
		// лимитер недоступен: пропускаем, проверка кода всё равно есть
		s.log.Warn("otp rate limiter", zap.Error(err))
	} else if !ok {
		return VerifyOTPResult{}, ErrRateLimited
	}

	o, err := s.deps.Repo.GetOrder(ctx, orderID)
	if err != nil {
		return VerifyOTPResult{}, err
	}

	var want string
	var next models.OrderStatus
	switch typ {
	case models.OTPPickup:
		if o.DriverID == "" || !o.Status.IsEarlyPhase() {
			return VerifyOTPResult{}, errors.Wrapf(ErrWrongPhase, "pickup otp in %s", o.Status)
		}
		want, next = o.PickupOTP, models.OrderPickedUp
	case models.OTPDropoff:
		if o.Status.Rank() < models.OrderPickedUp.Rank() || o.Status.IsTerminal() {
			return VerifyOTPResult{}, errors.Wrapf(ErrWrongPhase, "dropoff otp in %s", o.Status)
		}
		want, next = o.DropoffOTP, models.OrderCompleted
	}

	// пустой dropoff OTP: клиент ещё не сохранил код, пропускаем любой
	if want != "" && want != code {
		return VerifyOTPResult{Verified: false, Status: string(o.Status)}, nil
	}
	updated, err := s.transition(ctx, o, next, "otp")
	if err != nil {
		return VerifyOTPResult{}, err
	}
	return VerifyOTPResult{Verified: true, Status: string(updated.Status)}, nil
}

func (s *Service) SaveDropoffOTP(ctx context.Context, orderID, otp string) error {
	if !digits(otp, 4, 6) {
		return errors.Wrap(ErrInvalidInput, "otp must be 4 to 6 digits")
	}
	return s.deps.Repo.SetDropoffOTP(ctx, orderID, otp, s.now())
}

// Dispatch offers the request to the nearest online driver that has not seen
// it yet. Returns the chosen driver id, or "" when nobody is available.
func (s *Service) Dispatch(ctx context.Context, req models.DeliveryRequest) (string, error) {
	drivers, err := s.deps.Repo.ListAvailableDrivers(ctx)
	if err != nil {
		return "", err
	}

	type candidate struct {
		id   string
		dist float64
	}
	var cands []candidate
	s.mu.Lock()
	seen := s.offers[req.OrderID]
	s.mu.Unlock()
	for _, d := range drivers {
		if _, ok := seen[d.ID]; ok {
			continue
		}
		loc := d.Location
		if fix, ok, _ := s.deps.Locations.Get(ctx, d.ID); ok {
			loc = &fix.Location
		}
		if loc == nil || !loc.Valid() {
			continue
		}
		cands = append(cands, candidate{id: d.ID, dist: routing.Haversine(*loc, req.Pickup.Location)})
	}
	if len(cands) == 0 {
		return "", nil
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].dist < cands[j].dist })
	driverID := cands[0].id

	trip := routing.Haversine(req.Pickup.Location, req.Drop.Location)
	req.DistanceKm = trip / 1000
	req.EstimatedMinutes = (cands[0].dist + trip) / 8.3 / 60
	req.ExpiresInSeconds = int(s.cfg.OfferTTL / time.Second)
	req.ReceivedAt = s.now()

	s.mu.Lock()
	if s.offers[req.OrderID] == nil {
		s.offers[req.OrderID] = make(map[string]struct{})
	}
	s.offers[req.OrderID][driverID] = struct{}{}
	s.mu.Unlock()

	n, err := s.deps.Rooms.Broadcast(realtime.PartnerRoom(driverID), realtime.EventDeliveryRequest, req)
	if err != nil {
		return "", err
	}
	s.log.Info("delivery offered", zap.String("order_id", req.OrderID), zap.String("driver_id", driverID), zap.Int("sockets", n))
	return driverID, nil
}

func (s *Service) forgetOffers(orderID string) {
	s.mu.Lock()
	delete(s.offers, orderID)
	s.mu.Unlock()
}

// RespondToOrder records a driver's answer to an offer.
func (s *Service) RespondToOrder(ctx context.Context, driverID, orderID string, accept bool) error {
	if !accept {
		o, err := s.deps.Repo.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status != models.OrderConfirmed {
			return nil
		}
		_, err = s.Dispatch(ctx, models.DeliveryRequest{OrderID: o.ID, Pickup: o.Pickup, Drop: o.Dropoff})
		return err
	}

	o, err := s.deps.Repo.AssignDriver(ctx, orderID, driverID, s.now())
	if err != nil {
		return err
	}
	observability.OrderTransitionsTotal.WithLabelValues(string(o.Status)).Inc()
	s.publish(ctx, o, models.OrderConfirmed, "driver")
	s.forgetOffers(orderID)
	return nil
}

// HandleOrderEvent fans a published order event out to the order's room.
func (s *Service) HandleOrderEvent(_ context.Context, ev messages.OrderEvent) error {
	event := realtime.EventOrderStatusUpdate
	switch models.OrderStatus(ev.Status) {
	case models.OrderArrivedAtPickup:
		event = realtime.EventDriverArrivedPickup
	case models.OrderPickedUp:
		event = realtime.EventPickupVerified
	case models.OrderCompleted:
		event = realtime.EventDeliveryCompleted
	}
	payload := realtime.OrderEventPayload{OrderID: ev.OrderID, Status: ev.Status, DriverID: ev.DriverID, At: ev.At}
	if _, err := s.deps.Rooms.Broadcast(realtime.OrderRoom(ev.OrderID), event, payload); err != nil {
		s.log.Warn("broadcast order event", zap.String("order_id", ev.OrderID), zap.Error(err))
	}
	return nil
}

// Sweep forces drivers offline once they stop reporting their location.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	drivers, err := s.deps.Repo.ListAvailableDrivers(ctx)
	if err != nil {
		return 0, err
	}
	now := s.now()
	n := 0
	for _, d := range drivers {
		last := time.Time{}
		if d.LastSeenAt != nil {
			last = *d.LastSeenAt
		}
		if fix, ok, _ := s.deps.Locations.Get(ctx, d.ID); ok && fix.At.After(last) {
			last = fix.At
		}
		if !last.IsZero() && now.Sub(last) < s.cfg.InactivityTimeout {
			continue
		}
		if err := s.deps.Repo.SetDriverAvailability(ctx, d.ID, false, nil, now); err != nil {
			s.log.Warn("force offline", zap.String("driver_id", d.ID), zap.Error(err))
			continue
		}
		n++
		_, _ = s.deps.Rooms.Broadcast(realtime.PartnerRoom(d.ID), realtime.EventAutoOffline,
			realtime.AutoOfflinePayload{Reason: fmt.Sprintf("no location for %s", s.cfg.InactivityTimeout)})
		s.log.Info("driver forced offline", zap.String("driver_id", d.ID))
	}
	observability.DriversOnline.Set(float64(len(drivers) - n))
	return n, nil
}

func newOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return "", errors.Wrap(err, "otp")
	}
	return fmt.Sprintf("%04d", n.Int64()), nil
}

func digits(s string, lo, hi int) bool {
	if len(s) < lo || len(s) > hi {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
