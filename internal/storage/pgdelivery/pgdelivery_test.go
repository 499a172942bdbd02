package pgdelivery

import (
	"context"
	"testing"
	"time"

	"github.com/BearBump/CourierBox/internal/models"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startPostgres(t *testing.T) *Storage {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container test")
	}
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "admin",
			"POSTGRES_PASSWORD": "admin",
			"POSTGRES_DB":       "courierbox_test",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := "postgres://admin:admin@" + host + ":" + port.Port() + "/courierbox_test?sslmode=disable"
	var st *Storage
	require.Eventually(t, func() bool {
		st, err = New(dsn)
		return err == nil
	}, 30*time.Second, 500*time.Millisecond)
	t.Cleanup(st.Close)
	return st
}

func TestPGDelivery_Flow(t *testing.T) {
	st := startPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	// водитель
	require.NoError(t, st.EnsureDriver(ctx, "d1", now))
	require.NoError(t, st.EnsureDriver(ctx, "d1", now))
	d, err := st.UpdateDriverProfile(ctx, "d1", "Rustam", "", "Damas", now)
	require.NoError(t, err)
	require.Equal(t, "Rustam", d.Name)
	require.Equal(t, "Damas", d.Vehicle)

	loc := models.Location{Lat: 41.31, Lng: 69.24}
	require.NoError(t, st.SetDriverAvailability(ctx, "d1", true, &loc, now))
	avail, err := st.ListAvailableDrivers(ctx)
	require.NoError(t, err)
	require.Len(t, avail, 1)
	require.Equal(t, loc, *avail[0].Location)

	_, err = st.GetDriver(ctx, "nobody")
	require.ErrorIs(t, err, ErrNotFound)

	// заказ
	o := models.OrderData{
		ID:         "o1",
		CustomerID: "c1",
		Status:     models.OrderConfirmed,
		Pickup:     models.Place{Location: loc, Street: "Amir Temur 1"},
		Dropoff:    models.Place{Location: models.Location{Lat: 41.33, Lng: 69.28}, Street: "Navoi 12"},
		PickupOTP:  "1234",
		UpdatedAt:  now,
	}
	require.NoError(t, st.CreateOrder(ctx, o, 25000))

	assigned, err := st.AssignDriver(ctx, "o1", "d1", now)
	require.NoError(t, err)
	require.Equal(t, models.OrderDriverAssigned, assigned.Status)
	require.Contains(t, assigned.Timestamps, models.OrderDriverAssigned)

	_, err = st.AssignDriver(ctx, "o1", "d2", now)
	require.ErrorIs(t, err, ErrConflict)

	moved, err := st.TransitionOrder(ctx, "o1", models.OrderDriverAssigned, models.OrderPickedUp, now.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, models.OrderPickedUp, moved.Status)
	require.Len(t, moved.Timestamps, 2)

	_, err = st.TransitionOrder(ctx, "o1", models.OrderDriverAssigned, models.OrderCompleted, now)
	require.ErrorIs(t, err, ErrConflict)
	_, err = st.TransitionOrder(ctx, "missing", models.OrderConfirmed, models.OrderCompleted, now)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, st.SetDropoffOTP(ctx, "o1", "5678", now))
	got, err := st.GetOrder(ctx, "o1")
	require.NoError(t, err)
	require.Equal(t, "5678", got.DropoffOTP)
	require.Equal(t, "Navoi 12", got.Dropoff.Street)

	page, err := st.ListDriverOrders(ctx, "d1", models.OrderQuery{Search: "navoi"})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	page, err = st.ListDriverOrders(ctx, "d1", models.OrderQuery{Status: "completed"})
	require.NoError(t, err)
	require.Zero(t, page.Total)
	require.Empty(t, page.Items)
}

func TestPGDelivery_ActiveOrder(t *testing.T) {
	st := startPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	none, _, err := st.GetActiveOrder(ctx, "d1")
	require.NoError(t, err)
	require.Nil(t, none)

	d := models.ActiveDelivery{
		DeliveryRequest: models.DeliveryRequest{OrderID: "o1", Amount: 12000},
		Status:          models.DeliveryHeadingToPickup,
		AcceptedAt:      now,
	}
	require.NoError(t, st.PutActiveOrder(ctx, "d1", d, now))
	d.Status = models.DeliveryPickedUp
	require.NoError(t, st.PutActiveOrder(ctx, "d1", d, now.Add(time.Minute)))

	got, at, err := st.GetActiveOrder(ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, models.DeliveryPickedUp, got.Status)
	require.WithinDuration(t, now.Add(time.Minute), at, time.Millisecond)

	require.NoError(t, st.DeleteActiveOrder(ctx, "d1"))
	got, _, err = st.GetActiveOrder(ctx, "d1")
	require.NoError(t, err)
	require.Nil(t, got)
}
