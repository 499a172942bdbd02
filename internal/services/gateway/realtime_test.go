package gateway

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BearBump/CourierBox/internal/broker/messages"
	"github.com/BearBump/CourierBox/internal/cache/rediscache"
	"github.com/BearBump/CourierBox/internal/models"
	"github.com/BearBump/CourierBox/internal/realtime"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type wsHarness struct {
	svc  *Service
	repo *MemoryRepository
	hub  *realtime.Hub
	srv  *httptest.Server
}

func newWSHarness(t *testing.T) *wsHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	cache := rediscache.New(mr.Addr())
	t.Cleanup(func() { _ = cache.Close() })

	h := &wsHarness{repo: NewMemoryRepository()}
	h.hub = realtime.NewHub(nil, nil)
	h.svc = New(Config{}, Deps{
		Repo:      h.repo,
		Locations: rediscache.NewLocations(cache, time.Minute),
		Limiter:   rediscache.NewRateLimiter(cache),
		Events:    &published{},
		Rooms:     h.hub,
		Tokens:    NewTokens("ws-secret", time.Minute, time.Hour),
	})
	h.hub.Handle(h.svc.HandleMessage)
	h.srv = httptest.NewServer(h.hub)
	t.Cleanup(func() {
		h.hub.Close()
		h.srv.Close()
	})
	return h
}

func (h *wsHarness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(h.srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func (h *wsHarness) login(t *testing.T, role models.Role, id string) string {
	t.Helper()
	res, err := h.svc.Login(context.Background(), LoginInput{Role: role, SubjectID: id})
	require.NoError(t, err)
	return res.AccessToken
}

func send(t *testing.T, ws *websocket.Conn, event string, payload any) {
	t.Helper()
	env, err := realtime.NewEnvelope(event, payload)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(env))
}

func recv(t *testing.T, ws *websocket.Conn) realtime.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	var env realtime.Envelope
	require.NoError(t, ws.ReadJSON(&env))
	return env
}

func TestRealtime_RequiresAuthentication(t *testing.T) {
	h := newWSHarness(t)
	ws := h.dial(t)

	send(t, ws, realtime.EventJoinRoom, "partner:d1")
	require.Equal(t, realtime.EventError, recv(t, ws).Event)

	send(t, ws, realtime.EventAuthenticate, realtime.AuthenticatePayload{PartnerID: "d1", Token: "garbage"})
	require.Equal(t, realtime.EventAuthenticationError, recv(t, ws).Event)

	token := h.login(t, models.RolePartner, "d1")
	send(t, ws, realtime.EventAuthenticate, realtime.AuthenticatePayload{PartnerID: "d2", Token: token})
	require.Equal(t, realtime.EventAuthenticationError, recv(t, ws).Event)
}

func TestRealtime_PartnerReceivesOffersAndLocationAcks(t *testing.T) {
	h := newWSHarness(t)
	ws := h.dial(t)
	token := h.login(t, models.RolePartner, "d1")

	send(t, ws, realtime.EventAuthenticate, realtime.AuthenticatePayload{PartnerID: "d1", Token: token})
	require.Equal(t, realtime.EventAuthenticated, recv(t, ws).Event)
	require.Equal(t, 1, h.hub.RoomSize(realtime.PartnerRoom("d1")))

	loc := models.Location{Lat: 41.31, Lng: 69.24}
	send(t, ws, realtime.EventUpdateLocation, realtime.LocationPayload{PartnerID: "d1", Location: loc})
	ack := recv(t, ws)
	require.Equal(t, realtime.EventLocationUpdated, ack.Event)

	send(t, ws, realtime.EventUpdateLocation, realtime.LocationPayload{PartnerID: "d1"})
	require.Equal(t, realtime.EventLocationError, recv(t, ws).Event)

	d, err := h.svc.DriverLocation(context.Background(), "d1")
	require.NoError(t, err)
	require.Equal(t, loc, *d.Location)

	require.NoError(t, h.svc.SetAvailability(context.Background(), "d1", true, &loc))
	o, err := h.svc.CreateOrder(context.Background(), CreateOrderInput{
		CustomerID: "c1",
		Pickup:     models.Place{Location: models.Location{Lat: 41.32, Lng: 69.25}},
		Dropoff:    models.Place{Location: models.Location{Lat: 41.35, Lng: 69.30}},
	})
	require.NoError(t, err)

	offer := recv(t, ws)
	require.Equal(t, realtime.EventDeliveryRequest, offer.Event)
	var req models.DeliveryRequest
	require.NoError(t, offer.Decode(&req))
	require.Equal(t, o.ID, req.OrderID)
}

func TestRealtime_JoinRoomAuthorization(t *testing.T) {
	h := newWSHarness(t)
	o, err := h.svc.CreateOrder(context.Background(), CreateOrderInput{
		CustomerID: "c1",
		Pickup:     models.Place{Location: models.Location{Lat: 41.32, Lng: 69.25}},
		Dropoff:    models.Place{Location: models.Location{Lat: 41.35, Lng: 69.30}},
	})
	require.NoError(t, err)

	owner := h.dial(t)
	send(t, owner, realtime.EventAuthenticate, realtime.AuthenticatePayload{Token: h.login(t, models.RoleCustomer, "c1")})
	require.Equal(t, realtime.EventAuthenticated, recv(t, owner).Event)

	stranger := h.dial(t)
	send(t, stranger, realtime.EventAuthenticate, realtime.AuthenticatePayload{Token: h.login(t, models.RoleCustomer, "c2")})
	require.Equal(t, realtime.EventAuthenticated, recv(t, stranger).Event)

	send(t, stranger, realtime.EventJoinRoom, realtime.OrderRoom(o.ID))
	require.Equal(t, realtime.EventError, recv(t, stranger).Event)
	send(t, stranger, realtime.EventJoinRoom, realtime.PartnerRoom("d1"))
	require.Equal(t, realtime.EventError, recv(t, stranger).Event)

	send(t, owner, realtime.EventJoinRoom, realtime.OrderRoom(o.ID))
	require.Eventually(t, func() bool { return h.hub.RoomSize(realtime.OrderRoom(o.ID)) == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err = h.svc.UpdateOrderStatus(context.Background(), o.ID, models.OrderCancelled, "api")
	require.NoError(t, err)
	require.NoError(t, h.svc.HandleOrderEvent(context.Background(), messages.OrderEvent{OrderID: o.ID, Status: "cancelled"}))
	got := recv(t, owner)
	require.Equal(t, realtime.EventOrderStatusUpdate, got.Event)
}
