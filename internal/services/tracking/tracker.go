package tracking

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/CourierBox/internal/apiclient"
	"github.com/BearBump/CourierBox/internal/durable"
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
	ErrNoOrder     = errors.New("no tracked order")
	ErrStaleStatus = errors.New("status would move the order backwards")
)

type Orders interface {
	Get(ctx context.Context, id string) (models.OrderData, error)
	SaveDropoffOTP(ctx context.Context, id, otp string) error
}

type Drivers interface {
	Location(ctx context.Context, id string) (models.DriverData, error)
}

type Config struct {
	CustomerID string
	// ExpectedDriverID rejects restored snapshots assigned to someone else.
	ExpectedDriverID string
	PollInterval     time.Duration
	CompletionGrace  time.Duration
	SnapshotMaxAge   time.Duration
}

type Deps struct {
	Orders   Orders
	Drivers  Drivers
	Router   routing.Provider
	Store    durable.Store[models.OrderData]
	Log      *zap.Logger
	OnChange func(State)
	Now      func() time.Time
	// NewOTP generates dropoff codes; defaults to a random 4-digit code.
	NewOTP func() (string, error)
}

// State is the customer's view of one order.
type State struct {
	Order      *models.OrderData  `json:"order,omitempty"`
	Driver     *models.DriverData `json:"driver,omitempty"`
	Route      *models.Route      `json:"route,omitempty"`
	RouteError string             `json:"routeError,omitempty"`
	Computing  bool               `json:"computing"`
}

func (s State) clone() State {
	cp := s
	cp.Order = s.Order.Clone()
	if s.Driver != nil {
		d := *s.Driver
		if s.Driver.Location != nil {
			l := *s.Driver.Location
			d.Location = &l
		}
		if s.Driver.LastSeenAt != nil {
			at := *s.Driver.LastSeenAt
			d.LastSeenAt = &at
		}
		cp.Driver = &d
	}
	if s.Route != nil {
		r := *s.Route
		cp.Route = &r
	}
	return cp
}

type Tracker struct {
	cfg  Config
	deps Deps
	log  *zap.Logger

	computing atomic.Bool
	// pending asks the running computation to start another one when done.
	pending atomic.Bool

	mu         sync.Mutex
	state      State
	poll       *poller.Poller
	stopPoll   func()
	graceTimer *time.Timer
	closed     bool

	wg sync.WaitGroup
}

func New(cfg Config, deps Deps) *Tracker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.CompletionGrace <= 0 {
		cfg.CompletionGrace = 5 * time.Second
	}
	if cfg.SnapshotMaxAge <= 0 {
		cfg.SnapshotMaxAge = 24 * time.Hour
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Router == nil {
		deps.Router = routing.Straight{}
	}
	if deps.NewOTP == nil {
		deps.NewOTP = randomOTP
	}
	return &Tracker{
		cfg:  cfg,
		deps: deps,
		log:  logging.OrNop(deps.Log).With(zap.String("customer_id", cfg.CustomerID)),
	}
}

func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.clone()
}

// Poller exposes the driver-location loop for ops stats; nil when idle.
func (t *Tracker) Poller() *poller.Poller {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.poll
}

// update runs fn under the lock; fn returns false to leave the state untouched.
func (t *Tracker) update(fn func(s *State) bool) (State, bool) {
	t.mu.Lock()
	next := t.state.clone()
	if !fn(&next) {
		cur := t.state.clone()
		t.mu.Unlock()
		return cur, false
	}
	t.state = next
	out := next.clone()
	t.mu.Unlock()

	if t.deps.OnChange != nil {
		t.deps.OnChange(out)
	}
	return out, true
}

// Init restores the order in flight. The local snapshot must be recent, ours,
// for the expected driver and not finished; the backend copy wins when reachable.
func (t *Tracker) Init(ctx context.Context) (*models.OrderData, error) {
	snap, err := t.deps.Store.Load(ctx, t.cfg.CustomerID)
	if err != nil {
		return nil, errors.Wrap(err, "load order snapshot")
	}
	if snap == nil {
		return nil, nil
	}
	if reason := t.rejectSnapshot(snap); reason != "" {
		t.log.Info("discarding order snapshot", zap.String("reason", reason), zap.String("order_id", snap.Data.ID))
		t.dropSnapshot(ctx)
		return nil, nil
	}

	order := snap.Data
	if fresh, err := t.deps.Orders.Get(ctx, order.ID); err == nil {
		order = fresh
	} else if apiclient.IsNotFound(err) {
		t.log.Info("order no longer exists", zap.String("order_id", order.ID))
		t.dropSnapshot(ctx)
		return nil, nil
	} else {
		t.log.Warn("order refresh failed, using snapshot", zap.String("order_id", order.ID), zap.Error(err))
	}

	st, ok := models.ParseOrderStatus(string(order.Status))
	if !ok {
		t.log.Warn("unknown order status", zap.String("status", string(order.Status)))
	}
	order.Status = st
	if st.IsTerminal() {
		t.dropSnapshot(ctx)
		return nil, nil
	}

	return t.begin(ctx, order), nil
}

func (t *Tracker) rejectSnapshot(snap *durable.Snapshot[models.OrderData]) string {
	switch {
	case snap.OwnerID != t.cfg.CustomerID:
		return "owner"
	case !snap.Fresh(t.cfg.CustomerID, t.cfg.SnapshotMaxAge, t.deps.Now()):
		return "stale"
	case t.cfg.ExpectedDriverID != "" && snap.Data.DriverID != "" && snap.Data.DriverID != t.cfg.ExpectedDriverID:
		return "driver"
	case snap.Data.Status.IsTerminal():
		return "terminal"
	}
	return ""
}

// Track starts following a newly placed order.
func (t *Tracker) Track(ctx context.Context, order models.OrderData) error {
	if order.ID == "" {
		return errors.New("track: empty order id")
	}
	st, ok := models.ParseOrderStatus(string(order.Status))
	if !ok {
		t.log.Warn("unknown order status", zap.String("status", string(order.Status)))
	}
	order.Status = st
	if st.IsTerminal() {
		return errors.Errorf("track: order %s is already %s", order.ID, st)
	}
	t.begin(ctx, order)
	return nil
}

func (t *Tracker) begin(ctx context.Context, order models.OrderData) *models.OrderData {
	t.cancelGrace()
	s, _ := t.update(func(s *State) bool {
		s.Order = order.Clone()
		s.Route = nil
		s.RouteError = ""
		if s.Driver != nil && s.Driver.ID != order.DriverID {
			s.Driver = nil
		}
		return true
	})
	t.persist(ctx, *s.Order)
	t.startPolling()
	return s.Order
}

// UpdateOrderStatus moves the order forward and applies the route rules.
func (t *Tracker) UpdateOrderStatus(ctx context.Context, next models.OrderStatus) error {
	var prev models.OrderStatus
	var stale bool
	s, changed := t.update(func(s *State) bool {
		if s.Order == nil {
			return false
		}
		prev = s.Order.Status
		if prev == next {
			return false
		}
		if !prev.CanAdvanceTo(next) {
			stale = true
			return false
		}
		s.Order.Status = next
		now := t.deps.Now().UTC()
		if s.Order.Timestamps == nil {
			s.Order.Timestamps = make(map[models.OrderStatus]time.Time)
		}
		s.Order.Timestamps[next] = now
		s.Order.UpdatedAt = now
		if next.IsTerminal() {
			s.Route = nil
			s.RouteError = ""
		}
		return true
	})
	switch {
	case s.Order == nil:
		return ErrNoOrder
	case stale:
		return errors.Wrapf(ErrStaleStatus, "%s -> %s", prev, next)
	case !changed:
		return nil
	}

	observability.OrderTransitionsTotal.WithLabelValues(string(next)).Inc()
	t.persist(ctx, *s.Order)

	switch {
	case next.IsTerminal():
		t.finish(s.Order.ID)
	case next == models.OrderPickedUp:
		t.forceRecompute()
	case next.IsEarlyPhase():
		if s.Driver != nil && s.Driver.Location != nil && s.Driver.Location.Valid() && !t.computing.Load() {
			t.recompute()
		}
	}
	return nil
}

// HandleRealtime applies order room events for the tracked order.
func (t *Tracker) HandleRealtime(ctx context.Context, env realtime.Envelope) {
	cur := t.State().Order
	if cur == nil {
		return
	}

	var p realtime.OrderEventPayload
	if err := env.Decode(&p); err != nil {
		t.log.Warn("bad order event", zap.String("event", env.Event), zap.Error(err))
		return
	}
	if p.OrderID != "" && p.OrderID != cur.ID {
		return
	}
	if p.DriverID != "" && p.DriverID != cur.DriverID {
		t.assignDriver(ctx, cur.ID, p.DriverID)
	}

	var err error
	switch env.Event {
	case realtime.EventDriverArrivedPickup:
		err = t.UpdateOrderStatus(ctx, models.OrderArrivedAtPickup)

	case realtime.EventPickupVerified:
		if err = t.UpdateOrderStatus(ctx, models.OrderPickedUp); err == nil {
			t.issueDropoffOTP(ctx, cur.ID)
		}

	case realtime.EventDeliveryCompleted:
		err = t.UpdateOrderStatus(ctx, models.OrderCompleted)

	case realtime.EventOrderStatusUpdate:
		st, ok := models.ParseOrderStatus(p.Status)
		if !ok {
			t.log.Warn("unknown order status, treating as cancelled", zap.String("status", p.Status))
		}
		err = t.UpdateOrderStatus(ctx, st)

	default:
		return
	}
	if err != nil && !errors.Is(err, ErrStaleStatus) {
		t.log.Warn("apply order event", zap.String("event", env.Event), zap.Error(err))
	}
}

// assignDriver records the driver the backend matched to the order.
func (t *Tracker) assignDriver(ctx context.Context, orderID, driverID string) {
	if t.cfg.ExpectedDriverID != "" && driverID != t.cfg.ExpectedDriverID {
		t.log.Warn("order assigned to unexpected driver", zap.String("driver_id", driverID))
	}
	s, ok := t.update(func(s *State) bool {
		if s.Order == nil || s.Order.ID != orderID {
			return false
		}
		s.Order.DriverID = driverID
		s.Driver = nil
		return true
	})
	if ok {
		t.persist(ctx, *s.Order)
		if p := t.Poller(); p != nil {
			p.Trigger()
		}
	}
}

// issueDropoffOTP creates the code the customer shows at the door.
func (t *Tracker) issueDropoffOTP(ctx context.Context, orderID string) {
	code, err := t.deps.NewOTP()
	if err != nil {
		t.log.Error("generate dropoff otp", zap.Error(err))
		return
	}
	s, ok := t.update(func(s *State) bool {
		if s.Order == nil || s.Order.ID != orderID || s.Order.DropoffOTP != "" {
			return false
		}
		s.Order.DropoffOTP = code
		return true
	})
	if !ok {
		return
	}
	t.persist(ctx, *s.Order)
	if err := t.deps.Orders.SaveDropoffOTP(ctx, orderID, code); err != nil {
		t.log.Warn("save dropoff otp", zap.String("order_id", orderID), zap.Error(err))
	}
}

// finish stops polling now and forgets the order after the grace delay.
func (t *Tracker) finish(orderID string) {
	t.stopPolling()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if t.graceTimer != nil && t.graceTimer.Stop() {
		t.wg.Done()
	}
	t.wg.Add(1)
	var timer *time.Timer
	timer = time.AfterFunc(t.cfg.CompletionGrace, func() {
		defer t.wg.Done()
		t.mu.Lock()
		closed := t.closed
		if t.graceTimer == timer {
			t.graceTimer = nil
		}
		t.mu.Unlock()
		if closed {
			return
		}
		t.reset(orderID)
	})
	t.graceTimer = timer
}

func (t *Tracker) reset(orderID string) {
	_, ok := t.update(func(s *State) bool {
		if s.Order == nil || s.Order.ID != orderID {
			return false
		}
		*s = State{}
		return true
	})
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	t.dropSnapshot(ctx)
}

func (t *Tracker) cancelGrace() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.graceTimer != nil && t.graceTimer.Stop() {
		t.wg.Done()
	}
	t.graceTimer = nil
}

func (t *Tracker) startPolling() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.stopPoll != nil {
		return
	}
	p := poller.New("driver-location", t.pollDriver).
		WithSettings(t.cfg.PollInterval, true).
		WithLogger(t.log)
	t.poll = p
	t.stopPoll = p.Start(context.Background())
}

func (t *Tracker) stopPolling() {
	t.mu.Lock()
	stop := t.stopPoll
	t.stopPoll = nil
	t.poll = nil
	t.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// pollDriver refreshes the assigned driver's position and recomputes the
// route when the coordinates actually moved.
func (t *Tracker) pollDriver(ctx context.Context) (int, error) {
	cur := t.State().Order
	if cur == nil || cur.DriverID == "" {
		return 0, nil
	}
	d, err := t.deps.Drivers.Location(ctx, cur.DriverID)
	if err != nil {
		return 0, errors.Wrap(err, "driver location")
	}
	if d.ID == "" {
		d.ID = cur.DriverID
	}

	var moved bool
	_, changed := t.update(func(s *State) bool {
		if s.Order == nil || s.Order.ID != cur.ID {
			return false
		}
		var prev *models.Location
		if s.Driver != nil {
			prev = s.Driver.Location
		}
		moved = d.Location != nil && d.Location.Valid() && (prev == nil || *prev != *d.Location)
		if !moved && s.Driver != nil && s.Driver.IsAvailable == d.IsAvailable && s.Driver.Name == d.Name {
			return false
		}
		dd := d
		s.Driver = &dd
		return true
	})
	if changed && moved && !cur.Status.IsTerminal() {
		t.recompute()
	}
	return 1, nil
}

// forceRecompute starts a computation now or right after the running one.
func (t *Tracker) forceRecompute() {
	t.pending.Store(true)
	t.recompute()
}

// recompute starts a route computation unless one is already running.
func (t *Tracker) recompute() bool {
	if !t.computing.CompareAndSwap(false, true) {
		return false
	}
	t.pending.Store(false)
	s := t.State()
	from, to, ok := endpoints(s)
	if !ok {
		t.computing.Store(false)
		return false
	}
	t.update(func(s *State) bool {
		s.Computing = true
		return true
	})

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		t.computing.Store(false)
		return false
	}
	t.wg.Add(1)
	t.mu.Unlock()

	orderID := s.Order.ID
	go func() {
		defer t.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		start := time.Now()
		route, err := t.deps.Router.Route(ctx, from, to)
		observability.RouteLatency.Observe(time.Since(start).Seconds())

		result := "ok"
		if err != nil {
			result = "error"
			t.log.Warn("route computation", zap.String("order_id", orderID), zap.Error(err))
		}
		observability.RouteComputationsTotal.WithLabelValues(result).Inc()

		var stale bool
		t.update(func(s *State) bool {
			s.Computing = false
			if s.Order == nil || s.Order.ID != orderID || s.Order.Status.IsTerminal() {
				return true
			}
			// destination switched while the request was out
			if _, dest, ok := endpoints(*s); !ok || dest != to {
				stale = ok
				return true
			}
			if err != nil {
				s.RouteError = "could not compute route"
				return true
			}
			s.Route = &route
			s.RouteError = ""
			return true
		})

		t.computing.Store(false)
		if stale || t.pending.Load() {
			t.recompute()
		}
	}()
	return true
}

// endpoints picks driver -> pickup before pickup and driver -> dropoff after.
// Right after pickup the pickup point stands in for a missing driver fix.
func endpoints(s State) (from, to models.Location, ok bool) {
	if s.Order == nil || s.Order.Status.IsTerminal() {
		return from, to, false
	}
	var driver *models.Location
	if s.Driver != nil && s.Driver.Location != nil && s.Driver.Location.Valid() {
		driver = s.Driver.Location
	}
	if s.Order.Status.IsEarlyPhase() {
		if driver == nil {
			return from, to, false
		}
		return *driver, s.Order.Pickup.Location, s.Order.Pickup.Valid()
	}
	from = s.Order.Pickup.Location
	if driver != nil {
		from = *driver
	}
	return from, s.Order.Dropoff.Location, from.Valid() && s.Order.Dropoff.Valid()
}

// Stop ends tracking without waiting for the grace delay.
func (t *Tracker) Stop(ctx context.Context) {
	t.stopPolling()
	t.cancelGrace()
	t.update(func(s *State) bool {
		*s = State{}
		return true
	})
	t.dropSnapshot(ctx)
}

// Close cancels polling and timers and waits for in-flight work.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.cancelGrace()
	t.stopPolling()
	t.wg.Wait()
}

func (t *Tracker) persist(ctx context.Context, o models.OrderData) {
	snap := durable.Snapshot[models.OrderData]{OwnerID: t.cfg.CustomerID, SavedAt: t.deps.Now().UTC(), Data: o}
	if err := t.deps.Store.Save(ctx, snap); err != nil {
		t.log.Error("persist order snapshot", zap.String("order_id", o.ID), zap.Error(err))
	}
}

func (t *Tracker) dropSnapshot(ctx context.Context) {
	if err := t.deps.Store.Delete(ctx, t.cfg.CustomerID); err != nil {
		t.log.Warn("delete order snapshot", zap.Error(err))
	}
}

func randomOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return "", errors.Wrap(err, "otp")
	}
	return fmt.Sprintf("%04d", n.Int64()), nil
}
