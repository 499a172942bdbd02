package main

import (
	"context"
	"net/http"
	"time"

	"github.com/BearBump/CourierBox/config"
	"github.com/BearBump/CourierBox/internal/apiclient"
	"github.com/BearBump/CourierBox/internal/durable"
	"github.com/BearBump/CourierBox/internal/geolocation"
	"github.com/BearBump/CourierBox/internal/models"
	"github.com/BearBump/CourierBox/internal/realtime"
	"github.com/BearBump/CourierBox/internal/routing"
	"github.com/BearBump/CourierBox/internal/services/driver"
	"github.com/BearBump/CourierBox/internal/session"
	"github.com/BearBump/CourierBox/internal/storage/localstore"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const activeDeliveryKey = "courierbox.driver.active_delivery"

type agentFactories struct {
	openStore func(cfg *config.Config) (kv localstore.KV, closeFn func(), err error)
	newGeo    func(cfg *config.Config) *geolocation.Static
}

func defaultAgentFactories() agentFactories {
	return agentFactories{
		openStore: func(cfg *config.Config) (localstore.KV, func(), error) {
			st, err := localstore.Open(cfg.Local.StorePath)
			if err != nil {
				return nil, nil, err
			}
			return st, func() { _ = st.Close() }, nil
		},
		newGeo: func(cfg *config.Config) *geolocation.Static {
			return geolocation.NewStatic(models.Location{Lat: cfg.Driver.Latitude, Lng: cfg.Driver.Longitude})
		},
	}
}

// activeOrderStore keeps the active delivery on the backend with a local copy.
func activeOrderStore(drivers *apiclient.DriversAPI, kv localstore.KV, log *zap.Logger) *durable.Layered[models.ActiveDelivery] {
	remote := durable.NewRemote(durable.RemoteFuncs[models.ActiveDelivery]{
		Get: func(ctx context.Context, owner string) (*models.ActiveDelivery, time.Time, error) {
			rec, err := drivers.ActiveOrder(ctx, owner)
			if err != nil || rec == nil {
				return nil, time.Time{}, err
			}
			return &rec.Order, rec.UpdatedAt, nil
		},
		Put:    drivers.PutActiveOrder,
		Delete: drivers.DeleteActiveOrder,
	})
	return durable.NewLayered[models.ActiveDelivery](remote, durable.NewLocal[models.ActiveDelivery](kv, activeDeliveryKey), log)
}

// ensureSession restores the stored session or signs the partner in.
func ensureSession(ctx context.Context, c *apiclient.Client, sess *session.Store, partnerID string) error {
	cur, ok, err := sess.Load(ctx)
	if err != nil {
		return err
	}
	if ok && cur.Role == models.RolePartner && cur.SubjectID == partnerID {
		return nil
	}
	_, err = c.Login(ctx, apiclient.LoginRequest{Role: models.RolePartner, SubjectID: partnerID})
	return errors.Wrap(err, "login")
}

func runAgent(ctx context.Context, cfg *config.Config, f agentFactories, log *zap.Logger, onListen func(addr string)) error {
	partnerID := cfg.Driver.PartnerID
	if partnerID == "" {
		return errors.New("driver.partner_id is required")
	}
	log = log.With(zap.String("partner_id", partnerID))

	kv, closeStore, err := f.openStore(cfg)
	if err != nil {
		return errors.Wrap(err, "local store")
	}
	if closeStore != nil {
		defer closeStore()
	}

	sess := session.NewStore(kv)
	sess.OnClear(func() { log.Warn("session ended, restart the agent to sign in again") })
	client := apiclient.New(cfg.API.BaseURL, sess,
		apiclient.WithHTTPClient(&http.Client{Timeout: cfg.API.Timeout()}),
		apiclient.WithRefreshWindow(cfg.API.RefreshWindow()),
		apiclient.WithLogger(log))
	if err := ensureSession(ctx, client, sess, partnerID); err != nil {
		return err
	}
	drivers := apiclient.NewDriversAPI(client)
	geo := f.newGeo(cfg)

	var rec *driver.Reconciler
	rt := realtime.NewClient(realtime.Config{
		URL:               cfg.Realtime.URL,
		ReconnectAttempts: cfg.Realtime.Attempts(),
		ReconnectDelay:    cfg.Realtime.Delay(),
		HandshakeTimeout:  cfg.Realtime.HandshakeTimeout(),
		OnConnect: func(_ context.Context, c *realtime.Client) error {
			cur, _ := sess.Current()
			if err := c.Emit(realtime.EventAuthenticate, realtime.AuthenticatePayload{PartnerID: partnerID, Token: cur.AccessToken}); err != nil {
				return err
			}
			return c.Emit(realtime.EventJoinRoom, realtime.PartnerRoom(partnerID))
		},
		OnState: func(s realtime.State) { rec.HandleConnectionState(s) },
	}, func(env realtime.Envelope) { rec.HandleRealtime(env) }, log)

	rec = driver.New(driver.Config{
		PartnerID:                  partnerID,
		LocationInterval:           cfg.Driver.LocationInterval(),
		LocationPersistMinInterval: cfg.Driver.LocationPersistMinInterval(),
		CompletionGrace:            cfg.Driver.CompletionGrace(),
		SnapshotMaxAge:             cfg.Driver.SnapshotMaxAge(),
		NavigationBaseURL:          cfg.Routing.NavigationBaseURL,
	}, driver.Deps{
		API:       drivers,
		Store:     activeOrderStore(drivers, kv, log),
		Emitter:   rt,
		Geo:       geo,
		Navigator: routing.LogNavigator{Log: log},
		Session:   sess,
		Log:       log,
		OnChange: func(s driver.State) {
			log.Debug("driver state", zap.Bool("online", s.Online), zap.Bool("request", s.Request != nil), zap.Bool("active", s.Active != nil))
		},
	})
	defer rec.Close()

	if err := rt.Connect(ctx); err != nil {
		// REST still works; the console shows Connected=false
		log.Warn("realtime connect failed", zap.Error(err))
	}
	defer func() { _ = rt.Close() }()

	if d, err := rec.LoadActiveDelivery(ctx); err != nil {
		log.Warn("restore active delivery", zap.Error(err))
	} else if d != nil {
		log.Info("active delivery restored", zap.String("order_id", d.OrderID), zap.String("status", string(d.Status)))
	}

	addr := cfg.Driver.OpsAddr
	if addr == "" {
		addr = ":8091"
	}
	return serveHTTP(ctx, addr, agentRouter(agentOps{rec: rec, geo: geo, rt: rt, cfg: cfg}), log, onListen)
}
