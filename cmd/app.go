package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"ticket-admission/config"
	"ticket-admission/internal/broadcast"
	"ticket-admission/internal/logging"
	"ticket-admission/internal/repository"
	"ticket-admission/internal/token"
	"ticket-admission/monitoring"
	"ticket-admission/security"
	"ticket-admission/services"
	"ticket-admission/utils"
)

const (
	dispatcherDrainTimeout = 10 * time.Second
	limiterJanitorInterval = time.Minute
)

// app holds every long-lived component built from the configuration.
type app struct {
	cfg *config.Config
	log *logrus.Logger

	redis   *redis.Client
	store   repository.Store
	codec   *token.Codec
	limiter *security.SlidingWindowLimiter
	monitor *monitoring.Monitor

	hub         *broadcast.Hub
	lookup      *broadcast.RedisBroadcaster
	dispatchers []*broadcast.Dispatcher
	closers     []func() error

	service *services.AdmissionService
}

func newApp(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &app{cfg: cfg, log: logger}
	if err := a.build(ctx); err != nil {
		_ = a.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *app) build(ctx context.Context) error {
	cfg := a.cfg

	// Initialize Redis
	if cfg.UsesRedis() {
		client, err := utils.NewRedisClient(ctx, cfg.RedisURL, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return err
		}
		a.redis = client
		a.closers = append(a.closers, func() error {
			// the watermill publisher may already have closed it
			if err := client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
				return err
			}
			return nil
		})
	}

	// Initialize token codec
	secret, _ := cfg.Secret()
	previous, _ := cfg.PreviousSecrets()
	codec, err := token.NewCodec(secret,
		token.WithValidity(cfg.TicketValidity),
		token.WithPreviousSecrets(previous...),
	)
	if err != nil {
		return err
	}
	a.codec = codec

	// Initialize store
	opts := repository.Options{
		Backend:     repository.Backend(cfg.StoreBackend),
		SQLitePath:  cfg.SQLitePath,
		DatabaseURL: cfg.DatabaseURL,
		MaxConns:    int32(cfg.DBMaxConns),
	}
	if a.redis != nil {
		opts.Redis = a.redis
	}
	store, err := repository.Open(ctx, opts)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.StoreBackend, err)
	}
	a.store = store
	a.log.WithField("backend", cfg.StoreBackend).Info("Ticket store ready")

	a.monitor = monitoring.NewMonitor(store, a.log, cfg.StatsEvents...)
	a.limiter = security.NewSlidingWindowLimiter(cfg.RateLimitMax, cfg.RateLimitWindow, nil)

	// Initialize broadcasters
	b, err := a.buildBroadcaster()
	if err != nil {
		return err
	}

	a.service = services.NewAdmissionService(
		services.NewIssuanceService(store, codec, nil, a.log),
		services.NewRedemptionService(store, codec, b, nil, a.log),
		a.log,
		services.WithLimiter(a.limiter),
		services.WithRecorder(a.monitor),
		services.WithStats(store),
		services.WithAudit(store),
	)
	return nil
}

func (a *app) buildBroadcaster() (broadcast.Broadcaster, error) {
	cfg := a.cfg
	var targets broadcast.Multi

	for _, name := range cfg.BroadcastBackends {
		var target broadcast.Broadcaster

		switch name {
		case "hub":
			a.hub = broadcast.NewHub(a.log)
			target = a.hub

		case "pubnub":
			pn := broadcast.NewPubNub(cfg.PubNubPublishKey, cfg.PubNubSubscribeKey, cfg.PubNubSecretKey)
			target = broadcast.NewPubNubBroadcaster(pn)

		case "redis":
			a.lookup = broadcast.NewRedisBroadcaster(a.redis, cfg.BroadcastRecordTTL)
			target = a.lookup

		case "watermill":
			publisher, err := broadcast.NewRedisStreamPublisher(a.redis, logging.NewWatermillAdapter(a.log))
			if err != nil {
				return nil, fmt.Errorf("create redis stream publisher: %w", err)
			}
			wb := broadcast.NewWatermillBroadcaster(publisher)
			a.closers = append(a.closers, wb.Close)
			target = wb

		default:
			return nil, fmt.Errorf("unknown broadcast backend %q", name)
		}

		d := broadcast.NewDispatcher(name, target, broadcast.DispatcherOptions{
			Workers:     cfg.BroadcastWorkers,
			QueueSize:   cfg.BroadcastQueue,
			MaxAttempts: cfg.BroadcastMaxAttempts,
			Observer:    a.monitor,
			Breaker: utils.NewCircuitBreakerWithSettings(name, utils.BreakerSettings{
				OnStateChange: func(name string, from, to utils.State) {
					a.log.WithFields(logrus.Fields{
						"broadcaster": name,
						"from":        from.String(),
						"to":          to.String(),
					}).Warn("Broadcast circuit breaker changed state")
				},
			}),
		}, a.log)
		a.dispatchers = append(a.dispatchers, d)
		targets = append(targets, d)
	}

	a.log.WithField("backends", cfg.BroadcastBackends).Info("Redemption broadcasters ready")

	switch len(targets) {
	case 0:
		return broadcast.Nop{}, nil
	case 1:
		return targets[0], nil
	}
	return targets, nil
}

// healthCheck reports whether the backing services are reachable.
func (a *app) healthCheck(ctx context.Context) error {
	if a.redis != nil {
		if err := utils.RedisHealthCheck(ctx, a.redis); err != nil {
			return err
		}
	}
	if _, err := a.store.Stats(ctx, "health"); err != nil {
		return fmt.Errorf("store health check failed: %w", err)
	}
	return nil
}

// Close drains pending broadcasts, then releases connections.
func (a *app) Close(ctx context.Context) error {
	var errs []error

	drainCtx, cancel := context.WithTimeout(ctx, dispatcherDrainTimeout)
	defer cancel()
	for _, d := range a.dispatchers {
		if err := d.Close(drainCtx); err != nil {
			errs = append(errs, fmt.Errorf("drain %s broadcaster: %w", d.Name(), err))
		}
	}

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
