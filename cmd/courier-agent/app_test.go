package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BearBump/CourierBox/config"
	"github.com/BearBump/CourierBox/internal/api/gatewayhttp"
	"github.com/BearBump/CourierBox/internal/apiclient"
	"github.com/BearBump/CourierBox/internal/broker/messages"
	"github.com/BearBump/CourierBox/internal/cache/rediscache"
	"github.com/BearBump/CourierBox/internal/geolocation"
	"github.com/BearBump/CourierBox/internal/models"
	"github.com/BearBump/CourierBox/internal/realtime"
	"github.com/BearBump/CourierBox/internal/services/driver"
	"github.com/BearBump/CourierBox/internal/services/gateway"
	"github.com/BearBump/CourierBox/internal/session"
	"github.com/BearBump/CourierBox/internal/storage/localstore"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type discardEvents struct{}

func (discardEvents) PublishOrderEvent(context.Context, messages.OrderEvent) error { return nil }

type testGateway struct {
	srv *httptest.Server
	hub *realtime.Hub
	svc *gateway.Service
}

func startGateway(t *testing.T) *testGateway {
	t.Helper()
	mr := miniredis.RunT(t)
	cache := rediscache.New(mr.Addr())

	hub := realtime.NewHub(nil, nil)
	svc := gateway.New(gateway.Config{OTPAttemptsPerMinute: 5}, gateway.Deps{
		Repo:      gateway.NewMemoryRepository(),
		Locations: rediscache.NewLocations(cache, time.Minute),
		Limiter:   rediscache.NewRateLimiter(cache),
		Events:    discardEvents{},
		Rooms:     hub,
		Tokens:    gateway.NewTokens("agent-secret", 15*time.Minute, time.Hour),
	})
	hub.Handle(svc.HandleMessage)

	srv := httptest.NewServer(gatewayhttp.New(svc, gatewayhttp.Options{WS: hub}).Router())
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
		_ = cache.Close()
	})
	return &testGateway{srv: srv, hub: hub, svc: svc}
}

func agentConfig(gw *testGateway) *config.Config {
	return &config.Config{
		API:      config.APIConfig{BaseURL: gw.srv.URL},
		Realtime: config.RealtimeConfig{URL: "ws" + strings.TrimPrefix(gw.srv.URL, "http") + "/ws", ReconnectAttempts: 1, ReconnectDelayMS: 50},
		Driver: config.DriverConfig{
			PartnerID:              "d1",
			OpsAddr:                "127.0.0.1:0",
			CompletionGraceSeconds: 1,
			Latitude:               41.311,
			Longitude:              69.241,
		},
	}
}

func memoryFactories(kv localstore.KV) agentFactories {
	f := defaultAgentFactories()
	f.openStore = func(*config.Config) (localstore.KV, func(), error) { return kv, nil, nil }
	return f
}

type opsClient struct {
	t    *testing.T
	base string
}

func (c opsClient) do(method, path string, body any) (int, driver.State) {
	c.t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(c.t, err)
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, c.base+path, rdr)
	require.NoError(c.t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()

	var st driver.State
	_ = json.NewDecoder(resp.Body).Decode(&st)
	return resp.StatusCode, st
}

func startAgent(t *testing.T, cfg *config.Config, f agentFactories) (opsClient, context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	addrCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- runAgent(ctx, cfg, f, zap.NewNop(), func(addr string) { addrCh <- addr })
	}()

	select {
	case addr := <-addrCh:
		return opsClient{t: t, base: "http://" + addr}, cancel, errCh
	case err := <-errCh:
		cancel()
		t.Fatalf("agent stopped early: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("agent did not start listening")
	}
	return opsClient{}, cancel, errCh
}

func TestRunAgent_RequiresPartner(t *testing.T) {
	err := runAgent(context.Background(), &config.Config{}, memoryFactories(localstore.NewMemory()), zap.NewNop(), nil)
	require.ErrorContains(t, err, "partner_id")
}

func TestRunAgent_DeliveryFlow(t *testing.T) {
	gw := startGateway(t)
	kv := localstore.NewMemory()
	ops, cancel, errCh := startAgent(t, agentConfig(gw), memoryFactories(kv))
	defer cancel()

	require.Eventually(t, func() bool {
		return gw.hub.RoomSize(realtime.PartnerRoom("d1")) == 1
	}, 5*time.Second, 20*time.Millisecond)

	code, st := ops.do(http.MethodGet, "/state", nil)
	require.Equal(t, http.StatusOK, code)
	require.True(t, st.Connected)
	require.False(t, st.Online)

	code, st = ops.do(http.MethodPost, "/online", map[string]bool{"online": true})
	require.Equal(t, http.StatusOK, code)
	require.True(t, st.Online)

	ctx := context.Background()
	customer := apiclient.New(gw.srv.URL, session.NewStore(localstore.NewMemory()))
	_, err := customer.Login(ctx, apiclient.LoginRequest{Role: models.RoleCustomer, SubjectID: "c1"})
	require.NoError(t, err)
	orders := apiclient.NewOrdersAPI(customer)

	d, err := gw.svc.GetDriver(ctx, "d1")
	require.NoError(t, err)
	require.True(t, d.IsAvailable)

	o, err := orders.Create(ctx, apiclient.CreateOrder{
		CustomerName: "Aziz",
		Pickup:       models.Place{Location: models.Location{Lat: 41.31, Lng: 69.24}, Street: "Chorsu"},
		Dropoff:      models.Place{Location: models.Location{Lat: 41.35, Lng: 69.30}},
		Amount:       18000,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, st := ops.do(http.MethodGet, "/state", nil)
		return st.Request != nil && st.Request.OrderID == o.ID
	}, 5*time.Second, 20*time.Millisecond)

	code, st = ops.do(http.MethodPost, "/respond", map[string]bool{"accept": true})
	require.Equal(t, http.StatusOK, code)
	require.NotNil(t, st.Active)
	require.Equal(t, models.DeliveryHeadingToPickup, st.Active.Status)
	require.Nil(t, st.Request)

	require.Eventually(t, func() bool {
		got, err := orders.Get(ctx, o.ID)
		return err == nil && got.Status == models.OrderDriverAssigned
	}, 5*time.Second, 20*time.Millisecond)

	code, _ = ops.do(http.MethodPost, "/otp", map[string]string{"type": "dropoff", "otp": "1234"})
	require.Equal(t, http.StatusConflict, code)
	code, _ = ops.do(http.MethodPost, "/otp", map[string]string{"type": "pickup", "otp": "12"})
	require.Equal(t, http.StatusBadRequest, code)

	code, st = ops.do(http.MethodPost, "/otp", map[string]string{"type": "pickup", "otp": o.PickupOTP})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, models.DeliveryPickedUp, st.Active.Status)

	// the layered store mirrors the delivery locally
	raw, ok, err := kv.Get(ctx, activeDeliveryKey)
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, string(raw), o.ID)

	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not stop")
	}
}

func TestRunAgent_RestoresActiveDelivery(t *testing.T) {
	gw := startGateway(t)
	ctx := context.Background()

	// a previous run left a delivery on the backend
	c := apiclient.New(gw.srv.URL, session.NewStore(localstore.NewMemory()))
	_, err := c.Login(ctx, apiclient.LoginRequest{Role: models.RolePartner, SubjectID: "d1"})
	require.NoError(t, err)
	d := models.ActiveDelivery{
		DeliveryRequest: models.DeliveryRequest{OrderID: "o-restore", Drop: models.Place{Location: models.Location{Lat: 41.3, Lng: 69.2}}},
		Status:          models.DeliveryPickedUp,
		AcceptedAt:      time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}
	require.NoError(t, apiclient.NewDriversAPI(c).PutActiveOrder(ctx, "d1", d))

	ops, cancel, _ := startAgent(t, agentConfig(gw), memoryFactories(localstore.NewMemory()))
	defer cancel()

	code, st := ops.do(http.MethodGet, "/state", nil)
	require.Equal(t, http.StatusOK, code)
	require.NotNil(t, st.Active)
	require.Equal(t, "o-restore", st.Active.OrderID)
	require.Equal(t, models.DeliveryPickedUp, st.Active.Status)
}

func TestAgentRouter_LocationAndConfig(t *testing.T) {
	geo := geolocation.NewStatic(models.Location{Lat: 1, Lng: 1})
	rt := realtime.NewClient(realtime.Config{URL: "ws://127.0.0.1:1/ws"}, nil, nil)
	rec := driver.New(driver.Config{PartnerID: "d9"}, driver.Deps{Geo: geo, Emitter: rt})
	defer rec.Close()

	cfg := &config.Config{Driver: config.DriverConfig{PartnerID: "d9"}}
	srv := httptest.NewServer(agentRouter(agentOps{rec: rec, geo: geo, rt: rt, cfg: cfg}))
	defer srv.Close()
	ops := opsClient{t: t, base: srv.URL}

	code, _ := ops.do(http.MethodPut, "/location", models.Location{Lat: 91, Lng: 0})
	require.Equal(t, http.StatusBadRequest, code)
	code, _ = ops.do(http.MethodPut, "/location", models.Location{Lat: 41.2, Lng: 69.1})
	require.Equal(t, http.StatusOK, code)
	loc, err := geo.Current(context.Background())
	require.NoError(t, err)
	require.Equal(t, 41.2, loc.Lat)

	code, _ = ops.do(http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, code)

	code, _ = ops.do(http.MethodPost, "/respond", map[string]bool{"accept": true})
	require.Equal(t, http.StatusConflict, code)

	resp, err := http.Get(srv.URL + "/config")
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, "d9", out["partnerId"])
	require.EqualValues(t, 30, out["locationIntervalSeconds"])
}
