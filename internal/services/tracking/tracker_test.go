package tracking

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/CourierBox/internal/apiclient"
	"github.com/BearBump/CourierBox/internal/durable"
	"github.com/BearBump/CourierBox/internal/models"
	"github.com/BearBump/CourierBox/internal/realtime"
	"github.com/BearBump/CourierBox/internal/storage/localstore"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type mockOrders struct {
	mock.Mock
}

func (m *mockOrders) Get(ctx context.Context, id string) (models.OrderData, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(models.OrderData), args.Error(1)
}

func (m *mockOrders) SaveDropoffOTP(ctx context.Context, id, otp string) error {
	return m.Called(ctx, id, otp).Error(0)
}

type fakeDrivers struct {
	mu  sync.Mutex
	loc *models.Location
}

func (f *fakeDrivers) set(loc models.Location) {
	f.mu.Lock()
	f.loc = &loc
	f.mu.Unlock()
}

func (f *fakeDrivers) Location(_ context.Context, id string) (models.DriverData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := models.DriverData{ID: id, IsAvailable: true}
	if f.loc != nil {
		l := *f.loc
		d.Location = &l
	}
	return d, nil
}

type fakeRouter struct {
	mu    sync.Mutex
	calls []models.Location
	gate  chan struct{}
	err   error
}

func (f *fakeRouter) Route(ctx context.Context, from, to models.Location) (models.Route, error) {
	f.mu.Lock()
	f.calls = append(f.calls, to)
	gate, err := f.gate, f.err
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return models.Route{}, ctx.Err()
		}
	}
	if err != nil {
		return models.Route{}, err
	}
	return models.Route{From: from, To: to, DistanceMeters: 1200, DurationSeconds: 300}, nil
}

func (f *fakeRouter) destinations() []models.Location {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Location(nil), f.calls...)
}

const (
	customerID = "c-1"
	driverID   = "d-1"
	storeKey   = "courierbox.customer.active_order"
)

var (
	pickupLoc  = models.Location{Lat: 41.31, Lng: 69.24}
	dropoffLoc = models.Location{Lat: 41.35, Lng: 69.30}
)

func testOrder(status models.OrderStatus) models.OrderData {
	return models.OrderData{
		ID:         "D1",
		CustomerID: customerID,
		DriverID:   driverID,
		Status:     status,
		Pickup:     models.Place{Location: pickupLoc},
		Dropoff:    models.Place{Location: dropoffLoc},
	}
}

type TrackerSuite struct {
	suite.Suite

	orders  *mockOrders
	drivers *fakeDrivers
	router  *fakeRouter
	kv      *localstore.Memory
	store   *durable.Local[models.OrderData]
	changes int
	mu      sync.Mutex
	tr      *Tracker
}

func (s *TrackerSuite) SetupTest() {
	s.orders = &mockOrders{}
	s.drivers = &fakeDrivers{}
	s.router = &fakeRouter{}
	s.kv = localstore.NewMemory()
	s.store = durable.NewLocal[models.OrderData](s.kv, storeKey)
	s.changes = 0
	s.tr = New(Config{
		CustomerID:       customerID,
		ExpectedDriverID: driverID,
		PollInterval:     time.Hour,
		CompletionGrace:  50 * time.Millisecond,
	}, Deps{
		Orders:  s.orders,
		Drivers: s.drivers,
		Router:  s.router,
		Store:   s.store,
		OnChange: func(State) {
			s.mu.Lock()
			s.changes++
			s.mu.Unlock()
		},
		NewOTP: func() (string, error) { return "4321", nil },
	})
}

func (s *TrackerSuite) TearDownTest() {
	s.tr.Close()
}

func (s *TrackerSuite) changeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changes
}

func (s *TrackerSuite) saveSnapshot(owner string, age time.Duration, o models.OrderData) {
	s.Require().NoError(s.store.Save(context.Background(), durable.Snapshot[models.OrderData]{
		OwnerID: owner,
		SavedAt: time.Now().UTC().Add(-age),
		Data:    o,
	}))
}

func (s *TrackerSuite) snapshotExists() bool {
	_, ok, err := s.kv.Get(context.Background(), storeKey)
	s.Require().NoError(err)
	return ok
}

func (s *TrackerSuite) waitIdle() {
	s.Require().Eventually(func() bool { return !s.tr.State().Computing }, time.Second, 5*time.Millisecond)
}

func (s *TrackerSuite) TestInit_RestoresRecentSnapshot() {
	s.saveSnapshot(customerID, 2*time.Hour, testOrder(models.OrderDriverAssigned))
	s.orders.On("Get", mock.Anything, "D1").Return(models.OrderData{}, errors.New("offline")).Once()

	got, err := s.tr.Init(context.Background())
	s.Require().NoError(err)
	s.Require().NotNil(got)
	s.Require().Equal(models.OrderDriverAssigned, got.Status)
	s.Require().NotNil(s.tr.Poller())
}

func (s *TrackerSuite) TestInit_DiscardsSnapshots() {
	cases := []struct {
		name  string
		owner string
		age   time.Duration
		order models.OrderData
	}{
		{"stale", customerID, 25 * time.Hour, testOrder(models.OrderDriverAssigned)},
		{"other customer", "c-2", time.Hour, testOrder(models.OrderDriverAssigned)},
		{"other driver", customerID, time.Hour, func() models.OrderData {
			o := testOrder(models.OrderDriverAssigned)
			o.DriverID = "d-9"
			return o
		}()},
		{"terminal", customerID, time.Hour, testOrder(models.OrderCompleted)},
	}
	for _, c := range cases {
		s.Run(c.name, func() {
			s.saveSnapshot(c.owner, c.age, c.order)

			got, err := s.tr.Init(context.Background())
			s.Require().NoError(err)
			s.Require().Nil(got)
			s.Require().Nil(s.tr.State().Order)
			s.Require().False(s.snapshotExists())
		})
	}
	s.orders.AssertNotCalled(s.T(), "Get", mock.Anything, mock.Anything)
}

func (s *TrackerSuite) TestInit_BackendSupersedesSnapshot() {
	s.saveSnapshot(customerID, time.Hour, testOrder(models.OrderDriverAssigned))
	s.orders.On("Get", mock.Anything, "D1").Return(testOrder(models.OrderArrivedAtPickup), nil).Once()

	got, err := s.tr.Init(context.Background())
	s.Require().NoError(err)
	s.Require().Equal(models.OrderArrivedAtPickup, got.Status)
}

func (s *TrackerSuite) TestInit_BackendGone() {
	s.saveSnapshot(customerID, time.Hour, testOrder(models.OrderDriverAssigned))
	s.orders.On("Get", mock.Anything, "D1").Return(models.OrderData{}, &apiclient.HTTPError{StatusCode: 404}).Once()

	got, err := s.tr.Init(context.Background())
	s.Require().NoError(err)
	s.Require().Nil(got)
	s.Require().False(s.snapshotExists())
}

func (s *TrackerSuite) TestUpdateOrderStatus_SameStatusIsNoop() {
	ctx := context.Background()
	s.Require().NoError(s.tr.Track(ctx, testOrder(models.OrderDriverAssigned)))
	s.Require().Eventually(func() bool { return s.tr.State().Driver != nil }, time.Second, 5*time.Millisecond)
	before := s.changeCount()
	snapBefore := s.tr.State()

	s.Require().NoError(s.tr.UpdateOrderStatus(ctx, models.OrderDriverAssigned))
	s.Require().Equal(before, s.changeCount())
	s.Require().Equal(snapBefore, s.tr.State())
}

func (s *TrackerSuite) TestUpdateOrderStatus_RejectsBackwardsAndAfterTerminal() {
	ctx := context.Background()
	s.Require().NoError(s.tr.Track(ctx, testOrder(models.OrderPickedUp)))
	s.waitIdle()

	err := s.tr.UpdateOrderStatus(ctx, models.OrderDriverAssigned)
	s.Require().ErrorIs(err, ErrStaleStatus)
	s.Require().Equal(models.OrderPickedUp, s.tr.State().Order.Status)

	s.Require().NoError(s.tr.UpdateOrderStatus(ctx, models.OrderCancelled))
	s.Require().ErrorIs(s.tr.UpdateOrderStatus(ctx, models.OrderCompleted), ErrStaleStatus)
}

func (s *TrackerSuite) TestUpdateOrderStatus_NoOrder() {
	s.Require().ErrorIs(s.tr.UpdateOrderStatus(context.Background(), models.OrderPickedUp), ErrNoOrder)
}

func (s *TrackerSuite) TestPickedUpRoutesToDropoff() {
	ctx := context.Background()
	s.Require().NoError(s.tr.Track(ctx, testOrder(models.OrderArrivedAtPickup)))

	s.Require().NoError(s.tr.UpdateOrderStatus(ctx, models.OrderPickedUp))
	s.waitIdle()

	st := s.tr.State()
	s.Require().NotNil(st.Route)
	s.Require().Equal(dropoffLoc, st.Route.To)
	s.Require().Contains(st.Order.Timestamps, models.OrderPickedUp)
}

func (s *TrackerSuite) TestEarlyPhaseNeedsDriverLocation() {
	ctx := context.Background()
	s.Require().NoError(s.tr.Track(ctx, testOrder(models.OrderDriverAssigned)))
	s.Require().NoError(s.tr.UpdateOrderStatus(ctx, models.OrderEnRouteToPickup))
	s.Require().Empty(s.router.destinations())

	s.Require().Eventually(func() bool { return s.tr.State().Driver != nil }, time.Second, 5*time.Millisecond)
	s.drivers.set(models.Location{Lat: 41.30, Lng: 69.20})
	_, err := s.tr.pollDriver(ctx)
	s.Require().NoError(err)
	s.waitIdle()
	s.Require().Equal([]models.Location{pickupLoc}, s.router.destinations())

	// same coordinates: nothing to recompute
	_, err = s.tr.pollDriver(ctx)
	s.Require().NoError(err)
	s.waitIdle()
	s.Require().Len(s.router.destinations(), 1)

	s.Require().NoError(s.tr.UpdateOrderStatus(ctx, models.OrderArrivedAtPickup))
	s.waitIdle()
	s.Require().Len(s.router.destinations(), 2)
}

func (s *TrackerSuite) TestRecomputeNeverOverlaps() {
	ctx := context.Background()
	s.router.gate = make(chan struct{})
	s.Require().NoError(s.tr.Track(ctx, testOrder(models.OrderPickedUp)))

	s.Require().True(s.tr.recompute())
	s.Require().False(s.tr.recompute())

	s.drivers.set(models.Location{Lat: 41.32, Lng: 69.25})
	_, err := s.tr.pollDriver(ctx)
	s.Require().NoError(err)
	s.Require().True(s.tr.State().Computing)

	close(s.router.gate)
	s.waitIdle()
	s.Require().Len(s.router.destinations(), 1)
	s.Require().NotNil(s.tr.State().Route)
}

func (s *TrackerSuite) TestPickedUpDuringPickupLegRoutesToDropoff() {
	ctx := context.Background()
	s.Require().NoError(s.tr.Track(ctx, testOrder(models.OrderDriverAssigned)))
	s.Require().Eventually(func() bool { return s.tr.State().Driver != nil }, time.Second, 5*time.Millisecond)

	s.router.mu.Lock()
	s.router.gate = make(chan struct{})
	s.router.mu.Unlock()
	s.drivers.set(models.Location{Lat: 41.30, Lng: 69.20})
	_, err := s.tr.pollDriver(ctx)
	s.Require().NoError(err)
	s.Require().True(s.tr.State().Computing)

	s.Require().NoError(s.tr.UpdateOrderStatus(ctx, models.OrderPickedUp))
	close(s.router.gate)

	s.Require().Eventually(func() bool {
		st := s.tr.State()
		return !st.Computing && st.Route != nil && st.Route.To == dropoffLoc
	}, time.Second, 5*time.Millisecond)
	s.Require().Equal([]models.Location{pickupLoc, dropoffLoc}, s.router.destinations())
}

func (s *TrackerSuite) TestRouteFailureIsVisible() {
	ctx := context.Background()
	s.router.err = errors.New("osrm down")
	s.Require().NoError(s.tr.Track(ctx, testOrder(models.OrderArrivedAtPickup)))
	s.Require().NoError(s.tr.UpdateOrderStatus(ctx, models.OrderPickedUp))
	s.waitIdle()

	st := s.tr.State()
	s.Require().Nil(st.Route)
	s.Require().NotEmpty(st.RouteError)
	s.Require().Len(s.router.destinations(), 1)
}

func (s *TrackerSuite) TestCompletionClearsAfterGrace() {
	ctx := context.Background()
	s.Require().NoError(s.tr.Track(ctx, testOrder(models.OrderPickedUp)))
	s.waitIdle()

	env, err := realtime.NewEnvelope(realtime.EventDeliveryCompleted, realtime.OrderEventPayload{OrderID: "D1"})
	s.Require().NoError(err)
	s.tr.HandleRealtime(ctx, env)

	st := s.tr.State()
	s.Require().Equal(models.OrderCompleted, st.Order.Status)
	s.Require().Nil(st.Route)
	s.Require().Nil(s.tr.Poller())
	s.Require().True(s.snapshotExists())

	s.Require().Eventually(func() bool { return s.tr.State().Order == nil }, time.Second, 5*time.Millisecond)
	s.Require().False(s.snapshotExists())
}

func (s *TrackerSuite) TestGraceDoesNotClearNewerOrder() {
	ctx := context.Background()
	s.Require().NoError(s.tr.Track(ctx, testOrder(models.OrderDriverAssigned)))
	s.Require().NoError(s.tr.UpdateOrderStatus(ctx, models.OrderCancelled))

	next := testOrder(models.OrderConfirmed)
	next.ID = "D2"
	s.Require().NoError(s.tr.Track(ctx, next))

	time.Sleep(100 * time.Millisecond)
	s.Require().Equal("D2", s.tr.State().Order.ID)
	s.Require().True(s.snapshotExists())
}

func (s *TrackerSuite) TestPickupVerifiedIssuesDropoffOTP() {
	ctx := context.Background()
	s.orders.On("SaveDropoffOTP", mock.Anything, "D1", "4321").Return(nil).Once()
	s.Require().NoError(s.tr.Track(ctx, testOrder(models.OrderArrivedAtPickup)))

	env, err := realtime.NewEnvelope(realtime.EventPickupVerified, realtime.OrderEventPayload{OrderID: "D1"})
	s.Require().NoError(err)
	s.tr.HandleRealtime(ctx, env)
	s.waitIdle()

	st := s.tr.State()
	s.Require().Equal(models.OrderPickedUp, st.Order.Status)
	s.Require().Equal("4321", st.Order.DropoffOTP)
	s.orders.AssertExpectations(s.T())
}

func (s *TrackerSuite) TestStatusUpdateEvents() {
	ctx := context.Background()
	s.Require().NoError(s.tr.Track(ctx, testOrder(models.OrderDriverAssigned)))

	arrived, err := realtime.NewEnvelope(realtime.EventDriverArrivedPickup, realtime.OrderEventPayload{OrderID: "D1"})
	s.Require().NoError(err)
	s.tr.HandleRealtime(ctx, arrived)
	s.Require().Equal(models.OrderArrivedAtPickup, s.tr.State().Order.Status)

	other, err := realtime.NewEnvelope(realtime.EventOrderStatusUpdate, realtime.StatusPayload{OrderID: "X", Status: "completed"})
	s.Require().NoError(err)
	s.tr.HandleRealtime(ctx, other)
	s.Require().Equal(models.OrderArrivedAtPickup, s.tr.State().Order.Status)

	bogus, err := realtime.NewEnvelope(realtime.EventOrderStatusUpdate, realtime.StatusPayload{OrderID: "D1", Status: "teleported"})
	s.Require().NoError(err)
	s.tr.HandleRealtime(ctx, bogus)
	s.Require().Equal(models.OrderCancelled, s.tr.State().Order.Status)
}

func (s *TrackerSuite) TestAssignmentArrivesOverRealtime() {
	ctx := context.Background()
	o := testOrder(models.OrderConfirmed)
	o.DriverID = ""
	s.Require().NoError(s.tr.Track(ctx, o))
	s.drivers.set(models.Location{Lat: 41.30, Lng: 69.20})

	env, err := realtime.NewEnvelope(realtime.EventOrderStatusUpdate,
		realtime.OrderEventPayload{OrderID: "D1", Status: "driver_assigned", DriverID: driverID})
	s.Require().NoError(err)
	s.tr.HandleRealtime(ctx, env)

	st := s.tr.State()
	s.Require().Equal(driverID, st.Order.DriverID)
	s.Require().Equal(models.OrderDriverAssigned, st.Order.Status)
	s.Require().Eventually(func() bool {
		d := s.tr.State().Driver
		return d != nil && d.ID == driverID && d.Location != nil
	}, 2*time.Second, 10*time.Millisecond)

	snap, err := s.store.Load(ctx, customerID)
	s.Require().NoError(err)
	s.Require().Equal(driverID, snap.Data.DriverID)
}

func TestTrackerSuite(t *testing.T) {
	suite.Run(t, new(TrackerSuite))
}

func TestRandomOTP(t *testing.T) {
	re := regexp.MustCompile(`^\d{4}$`)
	for i := 0; i < 50; i++ {
		code, err := randomOTP()
		require.NoError(t, err)
		require.Regexp(t, re, code)
	}
}

func TestEndpoints(t *testing.T) {
	st := State{Order: func() *models.OrderData { o := testOrder(models.OrderPickedUp); return &o }()}
	from, to, ok := endpoints(st)
	require.True(t, ok)
	require.Equal(t, pickupLoc, from)
	require.Equal(t, dropoffLoc, to)

	st.Order.Status = models.OrderDriverAssigned
	_, _, ok = endpoints(st)
	require.False(t, ok)
}
