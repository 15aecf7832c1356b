// Package server provides the core application server and dependency wiring.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/storebridge/internal/api"
	"github.com/JakeFAU/storebridge/internal/catalog/postgres"
	"github.com/JakeFAU/storebridge/internal/config"
	"github.com/JakeFAU/storebridge/internal/id/uuid"
	"github.com/JakeFAU/storebridge/internal/logging"
	"github.com/JakeFAU/storebridge/internal/metrics"
	"github.com/JakeFAU/storebridge/internal/paymentqueue"
	"github.com/JakeFAU/storebridge/internal/paymentqueue/memory"
	pubsubqueue "github.com/JakeFAU/storebridge/internal/paymentqueue/pubsub"
	redisqueue "github.com/JakeFAU/storebridge/internal/paymentqueue/redis"
	"github.com/JakeFAU/storebridge/internal/storekit"
)

const (
	shutdownTimeout  = 10 * time.Second
	redisPingTimeout = 5 * time.Second
)

// receiver is a queue backend with a blocking receive loop.
type receiver interface {
	Run(ctx context.Context) error
}

// App contains the application's dependencies.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	registry  *prometheus.Registry
	collector *metrics.Collector
	bridge    *storekit.Bridge
	apiServer *api.Server

	queue           storekit.PaymentQueue
	publisher       paymentqueue.Publisher
	receiver        receiver
	memoryQueue     *memory.Queue
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsubqueue.Publisher
	redisClient     *goredis.Client
	pool            *pgxpool.Pool

	closeOnce sync.Once
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := &App{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	app.logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("queue_backend", cfg.Queue.Backend),
		zap.Bool("catalog_configured", cfg.Catalog.DSN != ""),
	)

	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	app.collector = metrics.New(app.registry)

	if err := setupQueue(ctx, app); err != nil {
		app.closeInfrastructure()
		return nil, err
	}

	factory, err := setupCatalog(ctx, app)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}

	app.bridge = storekit.New(
		storekit.WithLogger(logger.Named("storekit")),
		storekit.WithMonitor(app.collector),
		storekit.WithRequestFactory(factory),
		storekit.WithIDGenerator(uuid.NewWithPrefix("lst_")),
	)

	app.apiServer, err = api.NewServer(api.Dependencies{
		Bridge:        app.bridge,
		Queue:         app.queue,
		Publisher:     app.publisher,
		Collector:     app.collector,
		Gatherer:      app.registry,
		IDs:           uuid.NewWithPrefix("req_"),
		Stream:        cfg.Stream,
		Logger:        logger.Named("api"),
		LookupTimeout: 2 * cfg.Catalog.Timeout,
	})
	if err != nil {
		app.closeInfrastructure()
		return nil, fmt.Errorf("api init failed: %w", err)
	}
	return app, nil
}

func setupQueue(ctx context.Context, app *App) error {
	logger := app.logger.Named("paymentqueue")
	switch app.cfg.Queue.Backend {
	case config.BackendPubSub:
		psCfg := app.cfg.Queue.PubSub
		client, err := pubsub.NewClient(ctx, psCfg.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		app.pubsubClient = client
		q := pubsubqueue.NewQueue(client.Subscription(psCfg.SubscriptionID), logger)
		app.pubsubPublisher = pubsubqueue.NewPublisher(client.Topic(psCfg.TopicID))
		app.queue, app.publisher, app.receiver = q, app.pubsubPublisher, q
		app.logger.Info("Pub/Sub payment queue initialized",
			zap.String("project", psCfg.ProjectID),
			zap.String("topic", psCfg.TopicID),
			zap.String("subscription", psCfg.SubscriptionID),
		)
	case config.BackendRedis:
		rCfg := app.cfg.Queue.Redis
		app.redisClient = goredis.NewClient(&goredis.Options{Addr: rCfg.Addr})
		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		defer cancel()
		if err := app.redisClient.Ping(pingCtx).Err(); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
		q := redisqueue.NewQueue(app.redisClient, rCfg.Channel, logger)
		app.queue, app.publisher, app.receiver = q, redisqueue.NewPublisher(app.redisClient, rCfg.Channel), q
		app.logger.Info("Redis payment queue initialized",
			zap.String("addr", rCfg.Addr),
			zap.String("channel", rCfg.Channel),
		)
	default:
		app.logger.Warn("No external queue configured, using in-memory payment queue")
		app.memoryQueue = memory.NewQueue(logger)
		app.queue, app.publisher = app.memoryQueue, app.memoryQueue
	}
	return nil
}

func setupCatalog(ctx context.Context, app *App) (storekit.RequestFactory, error) {
	catCfg := app.cfg.Catalog
	if catCfg.DSN == "" {
		app.logger.Warn("No DSN specified for catalog, product lookups will report the catalog unavailable")
		return nil, nil
	}
	pool, err := postgres.Open(ctx, postgres.PoolConfig{
		DSN:      catCfg.DSN,
		MaxConns: catCfg.MaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("catalog pool init failed: %w", err)
	}
	app.pool = pool
	factory, err := postgres.NewFactory(pool, postgres.Config{
		Table:   catCfg.Table,
		Timeout: catCfg.Timeout,
		Logger:  app.logger.Named("catalog"),
	})
	if err != nil {
		return nil, fmt.Errorf("catalog init failed: %w", err)
	}
	app.logger.Info("catalog initialized",
		zap.String("table", catCfg.Table),
		zap.Duration("timeout", catCfg.Timeout),
	)
	return factory, nil
}

// Bridge returns the stream bridge.
func (a *App) Bridge() *storekit.Bridge { return a.bridge }

// Queue returns the payment queue streams are bridged from.
func (a *App) Queue() storekit.PaymentQueue { return a.queue }

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Run listens on the configured port and serves until the context is
// canceled or the process receives SIGINT or SIGTERM.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve runs the queue receive loop and the HTTP server on ln until the
// context is canceled, then shuts both down and closes the App.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	if a.receiver != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.logger.Info("payment queue receiver started")
			if err := a.receiver.Run(ctx); err != nil {
				a.logger.Error("payment queue receiver error", zap.Error(err))
				stop()
			}
		}()
	}

	srv := &http.Server{
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	wg.Wait()

	return a.Close(shutdownCtx)
}

// Close releases queue, catalog, and logging resources. It is safe to call
// more than once.
func (a *App) Close(_ context.Context) error {
	a.closeOnce.Do(func() {
		a.closeInfrastructure()
		if err := a.logger.Sync(); err != nil {
			a.logger.Debug("logger sync failed", zap.Error(err))
		}
		a.logger.Info("shutdown complete")
	})
	return nil
}

func (a *App) closeInfrastructure() {
	if a.memoryQueue != nil {
		a.memoryQueue.Close()
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
		a.pubsubClient = nil
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
		a.redisClient = nil
	}
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
}
