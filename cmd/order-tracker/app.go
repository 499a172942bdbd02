package main

import (
	"context"
	"net/http"
	"sync"

	"github.com/BearBump/CourierBox/config"
	"github.com/BearBump/CourierBox/internal/apiclient"
	"github.com/BearBump/CourierBox/internal/durable"
	"github.com/BearBump/CourierBox/internal/models"
	"github.com/BearBump/CourierBox/internal/realtime"
	"github.com/BearBump/CourierBox/internal/routing"
	"github.com/BearBump/CourierBox/internal/services/tracking"
	"github.com/BearBump/CourierBox/internal/session"
	"github.com/BearBump/CourierBox/internal/storage/localstore"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const activeOrderKey = "courierbox.customer.active_order"

type trackerFactories struct {
	openStore func(cfg *config.Config) (kv localstore.KV, closeFn func(), err error)
	newRouter func(cfg *config.Config) routing.Provider
}

func defaultTrackerFactories() trackerFactories {
	return trackerFactories{
		openStore: func(cfg *config.Config) (localstore.KV, func(), error) {
			st, err := localstore.Open(cfg.Local.StorePath)
			if err != nil {
				return nil, nil, err
			}
			return st, func() { _ = st.Close() }, nil
		},
		newRouter: func(cfg *config.Config) routing.Provider {
			// Без OSRM считаем по прямой.
			if cfg.Routing.OSRMBaseURL == "" {
				return routing.Straight{}
			}
			return routing.NewOSRMClient(cfg.Routing.OSRMBaseURL, cfg.Routing.Timeout())
		},
	}
}

// roomFollower keeps the socket joined to the room of the tracked order.
type roomFollower struct {
	rt  *realtime.Client
	log *zap.Logger

	mu   sync.Mutex
	room string
}

func (f *roomFollower) current() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.room
}

func (f *roomFollower) follow(orderID string) {
	room := ""
	if orderID != "" {
		room = realtime.OrderRoom(orderID)
	}
	f.mu.Lock()
	if room == f.room {
		f.mu.Unlock()
		return
	}
	f.room = room
	f.mu.Unlock()

	if room == "" {
		return
	}
	// rejoined from OnConnect when offline
	if err := f.rt.Emit(realtime.EventJoinRoom, room); err != nil {
		f.log.Debug("join order room deferred", zap.String("room", room), zap.Error(err))
	}
}

func ensureCustomerSession(ctx context.Context, c *apiclient.Client, sess *session.Store, userID string) error {
	cur, ok, err := sess.Load(ctx)
	if err != nil {
		return err
	}
	if ok && cur.Role == models.RoleCustomer && cur.SubjectID == userID {
		return nil
	}
	_, err = c.Login(ctx, apiclient.LoginRequest{Role: models.RoleCustomer, SubjectID: userID})
	return errors.Wrap(err, "login")
}

func runTracker(ctx context.Context, cfg *config.Config, f trackerFactories, log *zap.Logger, onListen func(addr string)) error {
	userID := cfg.Customer.UserID
	if userID == "" {
		return errors.New("customer.user_id is required")
	}
	log = log.With(zap.String("customer_id", userID))

	kv, closeStore, err := f.openStore(cfg)
	if err != nil {
		return errors.Wrap(err, "local store")
	}
	if closeStore != nil {
		defer closeStore()
	}

	sess := session.NewStore(kv)
	sess.OnClear(func() { log.Warn("session ended, restart the tracker to sign in again") })
	client := apiclient.New(cfg.API.BaseURL, sess,
		apiclient.WithHTTPClient(&http.Client{Timeout: cfg.API.Timeout()}),
		apiclient.WithRefreshWindow(cfg.API.RefreshWindow()),
		apiclient.WithLogger(log))
	if err := ensureCustomerSession(ctx, client, sess, userID); err != nil {
		return err
	}
	orders := apiclient.NewOrdersAPI(client)

	var t *tracking.Tracker
	rooms := &roomFollower{log: log}
	rt := realtime.NewClient(realtime.Config{
		URL:               cfg.Realtime.URL,
		ReconnectAttempts: cfg.Realtime.Attempts(),
		ReconnectDelay:    cfg.Realtime.Delay(),
		HandshakeTimeout:  cfg.Realtime.HandshakeTimeout(),
		OnConnect: func(_ context.Context, c *realtime.Client) error {
			cur, _ := sess.Current()
			if err := c.Emit(realtime.EventAuthenticate, realtime.AuthenticatePayload{Token: cur.AccessToken}); err != nil {
				return err
			}
			if room := rooms.current(); room != "" {
				return c.Emit(realtime.EventJoinRoom, room)
			}
			return nil
		},
		OnState: func(s realtime.State) { log.Info("realtime", zap.String("state", string(s))) },
	}, func(env realtime.Envelope) { t.HandleRealtime(ctx, env) }, log)
	rooms.rt = rt

	t = tracking.New(tracking.Config{
		CustomerID:       userID,
		ExpectedDriverID: cfg.Customer.DriverID,
		PollInterval:     cfg.Customer.PollInterval(),
		CompletionGrace:  cfg.Customer.CompletionGrace(),
		SnapshotMaxAge:   cfg.Customer.SnapshotMaxAge(),
	}, tracking.Deps{
		Orders:  orders,
		Drivers: apiclient.NewDriversAPI(client),
		Router:  f.newRouter(cfg),
		Store:   durable.NewLocal[models.OrderData](kv, activeOrderKey),
		Log:     log,
		OnChange: func(s tracking.State) {
			id := ""
			if s.Order != nil {
				id = s.Order.ID
			}
			rooms.follow(id)
		},
	})
	defer t.Close()

	if err := rt.Connect(ctx); err != nil {
		log.Warn("realtime connect failed, relying on polling", zap.Error(err))
	}
	defer func() { _ = rt.Close() }()

	if o, err := t.Init(ctx); err != nil {
		log.Warn("restore tracked order", zap.Error(err))
	} else if o != nil {
		log.Info("tracking restored order", zap.String("order_id", o.ID), zap.String("status", string(o.Status)))
	}

	addr := cfg.Customer.OpsAddr
	if addr == "" {
		addr = ":8092"
	}
	return serveHTTP(ctx, addr, trackerRouter(trackerOps{tracker: t, orders: orders, rt: rt, cfg: cfg}), log, onListen)
}
