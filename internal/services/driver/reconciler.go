package driver

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/CourierBox/internal/apiclient"
	"github.com/BearBump/CourierBox/internal/durable"
	"github.com/BearBump/CourierBox/internal/geolocation"
	"github.com/BearBump/CourierBox/internal/logging"
	"github.com/BearBump/CourierBox/internal/models"
	"github.com/BearBump/CourierBox/internal/observability"
	"github.com/BearBump/CourierBox/internal/realtime"
	"github.com/BearBump/CourierBox/internal/routing"
	"github.com/BearBump/CourierBox/internal/services/poller"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	ErrNoPendingRequest  = errors.New("no pending delivery request")
	ErrNoActiveDelivery  = errors.New("no active delivery")
	ErrInvalidOTP        = errors.New("otp must be 4 to 6 digits")
	ErrInvalidTransition = errors.New("otp type does not match the delivery phase")
)

// API is the slice of the backend the reconciler talks to.
type API interface {
	VerifyOTP(ctx context.Context, orderID string, typ models.OTPType, code string) (apiclient.VerifyOTPResult, error)
	SetAvailability(ctx context.Context, id string, available bool, loc *models.Location) error
	UpdateLocation(ctx context.Context, id string, loc models.Location) error
}

// SessionClearer drops the signed-in session on logout.
type SessionClearer interface {
	Clear(ctx context.Context) error
}

// Emitter publishes realtime events.
type Emitter interface {
	Emit(event string, payload any) error
}

type Config struct {
	PartnerID                  string
	LocationInterval           time.Duration
	LocationPersistMinInterval time.Duration
	CompletionGrace            time.Duration
	SnapshotMaxAge             time.Duration
	NavigationBaseURL          string
}

func (c *Config) withDefaults() {
	if c.LocationInterval <= 0 {
		c.LocationInterval = 30 * time.Second
	}
	if c.LocationPersistMinInterval <= 0 {
		c.LocationPersistMinInterval = 2 * time.Minute
	}
	if c.CompletionGrace <= 0 {
		c.CompletionGrace = 5 * time.Second
	}
	if c.SnapshotMaxAge <= 0 {
		c.SnapshotMaxAge = 24 * time.Hour
	}
}

type Deps struct {
	API       API
	Store     durable.Store[models.ActiveDelivery]
	Emitter   Emitter
	Geo       geolocation.Source
	Navigator routing.Navigator
	Session   SessionClearer
	Log       *zap.Logger
	OnChange  func(State)
	Now       func() time.Time
}

const (
	timerExpiry = "request-expiry"
	timerGrace  = "completion-grace"
)

// Reconciler owns the driver's delivery state. Every change goes through
// reduce; network calls happen outside the lock.
type Reconciler struct {
	cfg  Config
	deps Deps
	log  *zap.Logger

	mu           sync.Mutex
	state        State
	timers       map[string]*time.Timer
	sampler      *poller.Poller
	stopSampling func()
	lastLocation *models.Location
	closed       bool

	lastPersistUnixNano atomic.Int64

	wg sync.WaitGroup
}

func New(cfg Config, deps Deps) *Reconciler {
	cfg.withDefaults()
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Navigator == nil {
		deps.Navigator = routing.LogNavigator{Log: deps.Log}
	}
	return &Reconciler{
		cfg:    cfg,
		deps:   deps,
		log:    logging.OrNop(deps.Log).With(zap.String("partner_id", cfg.PartnerID)),
		timers: make(map[string]*time.Timer),
	}
}

func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.clone()
}

// Sampler exposes the location loop for ops stats; nil while offline.
func (r *Reconciler) Sampler() *poller.Poller {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sampler
}

func (r *Reconciler) apply(ev Event) (before, after State) {
	r.mu.Lock()
	before = r.state
	r.state = reduce(r.state, ev)
	after = r.state.clone()
	r.mu.Unlock()

	if r.deps.OnChange != nil {
		r.deps.OnChange(after)
	}
	return before, after
}

// HandleRealtime is the single entry point for inbound realtime envelopes.
func (r *Reconciler) HandleRealtime(env realtime.Envelope) {
	switch env.Event {
	case realtime.EventDeliveryRequest:
		var req models.DeliveryRequest
		if err := env.Decode(&req); err != nil || req.OrderID == "" {
			r.log.Warn("bad delivery_request payload", zap.Error(err))
			return
		}
		r.receiveRequest(req)

	case realtime.EventAutoOffline:
		var p realtime.AutoOfflinePayload
		_ = env.Decode(&p)
		r.log.Info("server forced offline", zap.String("reason", p.Reason))
		r.goOffline()

	case realtime.EventAuthenticated:
		r.log.Debug("realtime authenticated")

	case realtime.EventAuthenticationError, realtime.EventLocationError, realtime.EventError:
		var p realtime.ErrorPayload
		_ = env.Decode(&p)
		msg := p.Message
		if msg == "" {
			msg = env.Event
		}
		r.log.Warn("realtime error", zap.String("event", env.Event), zap.String("message", msg))
		r.apply(ErrorRaised{Message: msg})

	case realtime.EventLocationUpdated:
		observability.LocationUpdatesTotal.WithLabelValues("realtime", "ack").Inc()

	default:
		r.log.Debug("ignoring realtime event", zap.String("event", env.Event))
	}
}

// HandleConnectionState mirrors the realtime socket state into State.Connected.
func (r *Reconciler) HandleConnectionState(s realtime.State) {
	r.apply(ConnectionChanged{Connected: s == realtime.StateConnected})
}

func (r *Reconciler) receiveRequest(req models.DeliveryRequest) {
	now := r.deps.Now()
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = now
	}
	if exp := req.ExpiresAt(); !exp.IsZero() && !exp.After(now) {
		return
	}

	_, after := r.apply(RequestReceived{Request: req})
	if after.Request == nil || after.Request.OrderID != req.OrderID {
		r.log.Info("delivery request ignored", zap.String("order_id", req.OrderID),
			zap.Bool("online", after.Online), zap.Bool("busy", after.Active != nil))
		return
	}

	if exp := req.ExpiresAt(); !exp.IsZero() {
		orderID := req.OrderID
		r.schedule(timerExpiry, exp.Sub(now), func() {
			r.apply(RequestExpired{OrderID: orderID})
		})
	}
}

// LoadActiveDelivery restores the delivery in progress: backend record first,
// then a local snapshot that is fresh, ours and not completed.
func (r *Reconciler) LoadActiveDelivery(ctx context.Context) (*models.ActiveDelivery, error) {
	snap, err := r.deps.Store.Load(ctx, r.cfg.PartnerID)
	if err != nil {
		return nil, errors.Wrap(err, "load active delivery")
	}
	if snap == nil {
		return nil, nil
	}

	if snap.Origin != durable.OriginRemote && !snap.Fresh(r.cfg.PartnerID, r.cfg.SnapshotMaxAge, r.deps.Now()) {
		r.log.Info("discarding local delivery snapshot",
			zap.String("owner", snap.OwnerID), zap.Time("saved_at", snap.SavedAt))
		return nil, nil
	}

	d := snap.Data
	st, ok := models.ParseDeliveryStatus(string(d.Status))
	if !ok {
		r.log.Warn("unknown delivery status in snapshot", zap.String("status", string(d.Status)))
	}
	d.Status = st
	if d.Status == models.DeliveryCompleted {
		if err := r.deps.Store.Delete(ctx, r.cfg.PartnerID); err != nil {
			r.log.Warn("drop completed snapshot", zap.Error(err))
		}
		return nil, nil
	}

	_, after := r.apply(DeliveryRestored{Delivery: d})
	return after.Active, nil
}

// RespondToDeliveryRequest accepts or rejects the pending offer.
func (r *Reconciler) RespondToDeliveryRequest(ctx context.Context, accept bool) error {
	r.mu.Lock()
	var req *models.DeliveryRequest
	if r.state.Request != nil {
		cp := *r.state.Request
		req = &cp
	}
	r.mu.Unlock()
	if req == nil {
		return ErrNoPendingRequest
	}
	r.cancelTimer(timerExpiry)

	if !accept {
		r.apply(RequestRejected{})
		r.emit(realtime.EventRespondToOrder, realtime.RespondPayload{PartnerID: r.cfg.PartnerID, OrderID: req.OrderID, Accept: false})
		return nil
	}

	before, after := r.apply(RequestAccepted{At: r.deps.Now().UTC()})
	if before.Active != nil || after.Active == nil || after.Active.OrderID != req.OrderID {
		return ErrNoPendingRequest
	}
	observability.DeliveryTransitionsTotal.WithLabelValues(string(models.DeliveryHeadingToPickup)).Inc()

	r.emit(realtime.EventRespondToOrder, realtime.RespondPayload{PartnerID: r.cfg.PartnerID, OrderID: req.OrderID, Accept: true})
	r.persist(ctx, *after.Active)
	r.navigate(ctx, after.Active.Pickup.Location)
	return nil
}

// VerifyOTP checks the code for the current phase and advances the delivery.
func (r *Reconciler) VerifyOTP(ctx context.Context, typ models.OTPType, code string) error {
	if !validOTP(code) {
		return ErrInvalidOTP
	}

	cur := r.State().Active
	if cur == nil {
		return ErrNoActiveDelivery
	}
	switch {
	case typ == models.OTPPickup && cur.Status == models.DeliveryHeadingToPickup:
	case typ == models.OTPDropoff && cur.Status == models.DeliveryPickedUp:
	default:
		return ErrInvalidTransition
	}

	if _, err := r.deps.API.VerifyOTP(ctx, cur.OrderID, typ, code); err != nil {
		r.apply(ErrorRaised{Message: "otp verification failed: " + err.Error()})
		return errors.Wrap(err, "verify otp")
	}

	now := r.deps.Now().UTC()
	var ev Event = PickupVerified{At: now, OTP: code}
	if typ == models.OTPDropoff {
		ev = DropoffVerified{At: now, OTP: code}
	}
	before, after := r.apply(ev)
	if after.Active == nil || before.Active == nil || after.Active.Status == before.Active.Status {
		// кто-то успел раньше
		return nil
	}
	if after.LastError != "" {
		_, after = r.apply(ErrorRaised{})
	}

	d := *after.Active
	observability.DeliveryTransitionsTotal.WithLabelValues(string(d.Status)).Inc()
	r.persist(ctx, d)
	r.emit(realtime.EventOrderStatusUpdate, realtime.StatusPayload{
		PartnerID: r.cfg.PartnerID, OrderID: d.OrderID, Status: string(d.Status),
	})

	switch d.Status {
	case models.DeliveryPickedUp:
		r.navigate(ctx, d.Drop.Location)
	case models.DeliveryCompleted:
		orderID := d.OrderID
		r.schedule(timerGrace, r.cfg.CompletionGrace, func() {
			r.clearDelivery(orderID)
		})
	}
	return nil
}

// clearDelivery drops a completed delivery from both stores and from state.
func (r *Reconciler) clearDelivery(orderID string) {
	cur := r.State().Active
	if cur == nil || cur.OrderID != orderID {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.deps.Store.Delete(ctx, r.cfg.PartnerID); err != nil {
		r.log.Warn("delete delivery snapshot", zap.String("order_id", orderID), zap.Error(err))
	}
	r.apply(DeliveryCleared{OrderID: orderID})
}

func (r *Reconciler) ToggleOnline(ctx context.Context) error {
	return r.SetOnline(ctx, !r.State().Online)
}

// SetOnline announces availability and starts or stops location sampling.
func (r *Reconciler) SetOnline(ctx context.Context, online bool) error {
	if !online {
		r.goOffline()
		loc := r.lastKnownLocation()
		r.emit(realtime.EventSetAvailability, realtime.AvailabilityPayload{PartnerID: r.cfg.PartnerID, IsAvailable: false, Location: loc})
		if err := r.deps.API.SetAvailability(ctx, r.cfg.PartnerID, false, loc); err != nil {
			r.log.Warn("set availability offline", zap.Error(err))
		}
		return nil
	}

	loc, err := r.deps.Geo.Current(ctx)
	if err != nil {
		msg := "location unavailable"
		if errors.Is(err, geolocation.ErrPermissionDenied) {
			msg = "location permission denied"
		}
		r.apply(ErrorRaised{Message: msg})
		return errors.Wrap(err, "go online")
	}
	r.rememberLocation(loc)

	apiErr := r.deps.API.SetAvailability(ctx, r.cfg.PartnerID, true, &loc)
	emitErr := r.emitErr(realtime.EventSetAvailability, realtime.AvailabilityPayload{PartnerID: r.cfg.PartnerID, IsAvailable: true, Location: &loc})
	if apiErr != nil && emitErr != nil {
		r.apply(ErrorRaised{Message: "could not go online"})
		return errors.Wrap(apiErr, "go online")
	}

	r.apply(OnlineChanged{Online: true})
	r.startSampling()
	return nil
}

// goOffline flips the flag and stops sampling without telling the server.
func (r *Reconciler) goOffline() {
	r.stopLocationSampling()
	r.apply(OnlineChanged{Online: false})
}

func (r *Reconciler) startSampling() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.stopSampling != nil {
		return
	}
	p := poller.New("driver-location", r.sampleLocation).
		WithSettings(r.cfg.LocationInterval, true).
		WithLogger(r.log)
	r.sampler = p
	r.stopSampling = p.Start(context.Background())
}

func (r *Reconciler) stopLocationSampling() {
	r.mu.Lock()
	stop := r.stopSampling
	r.stopSampling = nil
	r.sampler = nil
	r.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// sampleLocation pushes the fix over realtime every cycle and writes it to the
// backend once LocationPersistMinInterval has passed since the last write.
func (r *Reconciler) sampleLocation(ctx context.Context) (int, error) {
	loc, err := r.deps.Geo.Current(ctx)
	if err != nil {
		if errors.Is(err, geolocation.ErrPermissionDenied) {
			r.apply(ErrorRaised{Message: "location permission denied"})
		}
		return 0, errors.Wrap(err, "sample location")
	}
	r.rememberLocation(loc)

	emitErr := r.emitErr(realtime.EventUpdateLocation, realtime.LocationPayload{PartnerID: r.cfg.PartnerID, Location: loc})
	if emitErr != nil {
		observability.LocationUpdatesTotal.WithLabelValues("realtime", "error").Inc()
	} else {
		observability.LocationUpdatesTotal.WithLabelValues("realtime", "ok").Inc()
	}

	now := r.deps.Now()
	last := r.lastPersistUnixNano.Load()
	if last != 0 && now.Sub(time.Unix(0, last)) < r.cfg.LocationPersistMinInterval {
		return 1, emitErr
	}
	if err := r.deps.API.UpdateLocation(ctx, r.cfg.PartnerID, loc); err != nil {
		observability.LocationUpdatesTotal.WithLabelValues("backend", "error").Inc()
		return 1, errors.Wrap(err, "persist location")
	}
	r.lastPersistUnixNano.Store(now.UnixNano())
	observability.LocationUpdatesTotal.WithLabelValues("backend", "ok").Inc()
	return 1, emitErr
}

func (r *Reconciler) rememberLocation(loc models.Location) {
	r.mu.Lock()
	r.lastLocation = &loc
	r.mu.Unlock()
}

func (r *Reconciler) lastKnownLocation() *models.Location {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastLocation == nil {
		return nil
	}
	l := *r.lastLocation
	return &l
}

// Logout takes the driver offline and forgets the delivery everywhere.
func (r *Reconciler) Logout(ctx context.Context) error {
	if r.State().Online {
		if err := r.SetOnline(ctx, false); err != nil {
			r.log.Warn("logout: go offline", zap.Error(err))
		}
	}
	r.cancelTimer(timerExpiry)
	r.cancelTimer(timerGrace)

	err := r.deps.Store.Delete(ctx, r.cfg.PartnerID)
	if cur := r.State(); cur.Active != nil {
		r.apply(DeliveryCleared{OrderID: cur.Active.OrderID})
	}
	r.apply(RequestRejected{})

	if r.deps.Session != nil {
		if serr := r.deps.Session.Clear(ctx); serr != nil && err == nil {
			err = serr
		}
	}
	return errors.Wrap(err, "logout")
}

// Close stops sampling and every pending timer. The reconciler is unusable afterwards.
func (r *Reconciler) Close() {
	r.mu.Lock()
	r.closed = true
	for name, t := range r.timers {
		if t.Stop() {
			r.wg.Done()
		}
		delete(r.timers, name)
	}
	r.mu.Unlock()

	r.stopLocationSampling()
	r.wg.Wait()
}

func (r *Reconciler) schedule(name string, d time.Duration, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if t, ok := r.timers[name]; ok && t.Stop() {
		r.wg.Done()
	}

	r.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		defer r.wg.Done()
		r.mu.Lock()
		if r.timers[name] == t {
			delete(r.timers, name)
		}
		closed := r.closed
		r.mu.Unlock()
		if !closed {
			fn()
		}
	})
	r.timers[name] = t
}

func (r *Reconciler) cancelTimer(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[name]; ok {
		if t.Stop() {
			r.wg.Done()
		}
		delete(r.timers, name)
	}
}

func (r *Reconciler) persist(ctx context.Context, d models.ActiveDelivery) {
	snap := durable.Snapshot[models.ActiveDelivery]{OwnerID: r.cfg.PartnerID, SavedAt: r.deps.Now().UTC(), Data: d}
	if err := r.deps.Store.Save(ctx, snap); err != nil {
		r.log.Error("persist active delivery", zap.String("order_id", d.OrderID), zap.Error(err))
	}
}

func (r *Reconciler) emit(event string, payload any) {
	_ = r.emitErr(event, payload)
}

func (r *Reconciler) emitErr(event string, payload any) error {
	if r.deps.Emitter == nil {
		return realtime.ErrNotConnected
	}
	if err := r.deps.Emitter.Emit(event, payload); err != nil {
		r.log.Warn("realtime emit", zap.String("event", event), zap.Error(err))
		return err
	}
	return nil
}

func (r *Reconciler) navigate(ctx context.Context, dest models.Location) {
	if !dest.Valid() {
		return
	}
	link := routing.NavigationURL(r.cfg.NavigationBaseURL, r.lastKnownLocation(), dest)
	if err := r.deps.Navigator.Open(ctx, link); err != nil {
		r.log.Warn("open navigation", zap.Error(err))
	}
}

func validOTP(code string) bool {
	if len(code) < 4 || len(code) > 6 {
		return false
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
