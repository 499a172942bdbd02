package main

import (
	"context"
	"time"

	"github.com/BearBump/CourierBox/config"
	gatewayhttp "github.com/BearBump/CourierBox/internal/api/gatewayhttp"
	"github.com/BearBump/CourierBox/internal/broker/kafka"
	"github.com/BearBump/CourierBox/internal/broker/messages"
	"github.com/BearBump/CourierBox/internal/cache/rediscache"
	"github.com/BearBump/CourierBox/internal/realtime"
	"github.com/BearBump/CourierBox/internal/services/gateway"
	"github.com/BearBump/CourierBox/internal/services/poller"
	"github.com/BearBump/CourierBox/internal/storage/pgdelivery"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type orderEventConsumer interface {
	ConsumeOrderEvents(ctx context.Context, fn func(ctx context.Context, ev messages.OrderEvent) error) error
	Close() error
}

type gatewayFactories struct {
	newRepository func(cfg *config.Config) (repo gateway.Repository, closeFn func(), err error)
	newCache      func(cfg *config.Config) (*rediscache.RedisCache, error)
	// newEvents returns nil when no broker is configured; events are then
	// fanned out in process.
	newEvents   func(cfg *config.Config) (pub gateway.EventPublisher, closeFn func())
	newConsumer func(cfg *config.Config, log *zap.Logger) orderEventConsumer
}

func defaultGatewayFactories() gatewayFactories {
	return gatewayFactories{
		newRepository: func(cfg *config.Config) (gateway.Repository, func(), error) {
			if cfg.Database.Host == "" {
				return gateway.NewMemoryRepository(), nil, nil
			}
			st, err := openPostgresWithRetry(cfg.Database.ConnString(), 60*time.Second)
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newCache: func(cfg *config.Config) (*rediscache.RedisCache, error) {
			rc := rediscache.New(cfg.Redis.Addr())
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := rc.Ping(ctx); err != nil {
				_ = rc.Close()
				return nil, err
			}
			return rc, nil
		},
		newEvents: func(cfg *config.Config) (gateway.EventPublisher, func()) {
			if cfg.Kafka.Host == "" {
				return nil, nil
			}
			p := kafka.NewProducer(cfg.Kafka.Brokers())
			return kafka.NewOrderEvents(p, cfg.Kafka.Topic()), func() { _ = p.Close() }
		},
		newConsumer: func(cfg *config.Config, log *zap.Logger) orderEventConsumer {
			if cfg.Kafka.Host == "" {
				return nil
			}
			group := cfg.Gateway.KafkaConsumerGroup
			if group == "" {
				group = "delivery-gateway"
			}
			return kafka.NewConsumer(cfg.Kafka.Brokers(), cfg.Kafka.Topic(), group).WithLogger(log)
		},
	}
}

func openPostgresWithRetry(connString string, wait time.Duration) (*pgdelivery.Storage, error) {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgdelivery.New(connString)
		if err == nil {
			return st, nil
		}
		lastErr = err
		time.Sleep(time.Second)
	}
	return nil, errors.Wrapf(lastErr, "postgres is not ready after %s", wait)
}

// publishFunc adapts a function to gateway.EventPublisher.
type publishFunc func(ctx context.Context, ev messages.OrderEvent) error

func (f publishFunc) PublishOrderEvent(ctx context.Context, ev messages.OrderEvent) error {
	return f(ctx, ev)
}

func runGateway(ctx context.Context, cfg *config.Config, f gatewayFactories, log *zap.Logger, onListen func(addr string)) error {
	if cfg.Gateway.JWTSecret == "" {
		return errors.New("gateway.jwt_secret is required")
	}

	repo, closeRepo, err := f.newRepository(cfg)
	if err != nil {
		return err
	}
	if closeRepo != nil {
		defer closeRepo()
	}

	cache, err := f.newCache(cfg)
	if err != nil {
		return errors.Wrap(err, "redis")
	}
	defer func() { _ = cache.Close() }()

	hub := realtime.NewHub(log, nil)

	var svc *gateway.Service
	events, closeEvents := f.newEvents(cfg)
	if closeEvents != nil {
		defer closeEvents()
	}
	consumer := f.newConsumer(cfg, log)
	if events == nil {
		events = publishFunc(func(ctx context.Context, ev messages.OrderEvent) error {
			return svc.HandleOrderEvent(ctx, ev)
		})
		consumer = nil
	}
	if consumer != nil {
		defer func() { _ = consumer.Close() }()
	}

	svc = gateway.New(gateway.Config{
		InactivityTimeout:    cfg.Gateway.InactivityTimeout(),
		OTPAttemptsPerMinute: cfg.Gateway.OTPAttemptsPerMinute,
	}, gateway.Deps{
		Repo:      repo,
		Locations: rediscache.NewLocations(cache, cfg.Gateway.LocationTTL()),
		Limiter:   rediscache.NewRateLimiter(cache),
		Events:    events,
		Rooms:     hub,
		Tokens:    gateway.NewTokens(cfg.Gateway.JWTSecret, cfg.Gateway.AccessTTL(), cfg.Gateway.RefreshTTL()),
		Log:       log,
	})
	hub.Handle(svc.HandleMessage)

	sweeper := poller.New("gateway-sweeper", svc.Sweep).
		WithSettings(cfg.Gateway.SweepInterval(), false).
		WithLogger(log)

	api := gatewayhttp.New(svc, gatewayhttp.Options{WS: hub, SwaggerPath: cfg.Gateway.SwaggerPath, Log: log})

	addr := cfg.Gateway.HTTPAddr
	if addr == "" {
		addr = ":8080"
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serveHTTP(ctx, addr, api.Router(), log, onListen) })
	g.Go(func() error { return sweeper.Run(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		hub.Close()
		return nil
	})
	if consumer != nil {
		g.Go(func() error {
			log.Info("kafka consumer started", zap.String("topic", cfg.Kafka.Topic()))
			return consumer.ConsumeOrderEvents(ctx, svc.HandleOrderEvent)
		})
	}
	return g.Wait()
}
