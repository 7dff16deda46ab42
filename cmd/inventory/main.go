package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"inventory/internal/config"
	"inventory/internal/consumer"
	"inventory/internal/database"
	"inventory/internal/handler"
	"inventory/internal/monitor"
	"inventory/internal/redis"
	"inventory/internal/repository"
	"inventory/internal/repository/memstore"
	"inventory/internal/service/fulfillment"
	"inventory/internal/service/outbox"
	"inventory/internal/service/reservation"
	"inventory/pkg/breaker"
	"inventory/pkg/lock"
	"inventory/pkg/log"
	"inventory/pkg/queue"
	"inventory/pkg/snowflake"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithFields(map[string]interface{}{
			"error": err.Error(),
		}).Fatal("Failed to load config")
	}

	if err := log.Init(logConfig(cfg)); err != nil {
		log.WithFields(map[string]interface{}{
			"error": err.Error(),
		}).Fatal("Failed to initialize logger")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.WithFields(map[string]interface{}{
			"error": err.Error(),
		}).Fatal("Inventory core exited with error")
	}
	log.Info("Inventory core exited")
}

func run(ctx context.Context, cfg *config.Config) error {
	var metrics *monitor.Metrics
	if cfg.Metrics.Enabled {
		metrics = monitor.NewMetrics(cfg.Metrics.Namespace)
	}

	tracer, err := monitor.NewTracer(monitor.TracerConfigFrom(cfg.Tracing, cfg.Server.Mode))
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("Failed to flush traces")
		}
	}()

	checks := make(map[string]handler.HealthCheck)

	txm, closeStore, err := openStore(cfg, checks)
	if err != nil {
		return err
	}
	defer closeStore()

	q, err := queue.New(queue.Config{
		Driver:        cfg.Queue.Driver,
		Brokers:       cfg.Queue.Brokers,
		ConsumerGroup: cfg.Queue.ConsumerGroup,
		BufferSize:    cfg.Queue.BufferSize,
		Timeout:       cfg.Queue.Timeout,
	})
	if err != nil {
		return err
	}
	defer q.Close()
	checks["queue"] = func(context.Context) error { return q.Health() }

	// The lease only matters with more than one instance, so a missing
	// Redis downgrades to a single-instance dispatcher.
	var lease outbox.Lease
	client, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		log.WithError(err).Warn("Redis unavailable, dispatcher runs without a lease")
	} else {
		defer client.Close()
		lease = lock.NewRedisLock(client, cfg.Outbox.LockKey, cfg.Outbox.LeaseTTL)
		checks["redis"] = func(ctx context.Context) error { return redis.Health(ctx, client) }
	}

	mon, err := reservation.NewMonitor(cfg.Inventory, metrics)
	if err != nil {
		return err
	}
	defer mon.Close()

	config.WatchConfig(func(c *config.Config) {
		if err := log.Init(logConfig(c)); err != nil {
			log.WithError(err).Warn("Failed to apply reloaded log config")
		}
		mon.SetDefaultThreshold(c.Inventory.DefaultLowStockThreshold)
		log.Info("Config reloaded")
	})

	ids, err := snowflake.NewGenerator(cfg.Fulfillment.NodeID)
	if err != nil {
		return err
	}

	stock := reservation.NewService(txm, mon, reservation.OptionsFrom(cfg.Inventory), metrics, tracer)
	shipments := fulfillment.NewService(txm, stock, ids, fulfillment.OptionsFrom(cfg.Fulfillment), metrics, tracer)
	publisher := outbox.NewQueueHandler(q, cfg.Queue.TopicPrefix, tracer).WithBreakers(breaker.NewSet(breaker.Config{
		FailureThreshold: uint32(cfg.Outbox.BreakerFailures),
		Cooldown:         cfg.Outbox.BreakerCooldown,
		OnStateChange: func(topic string, from, to breaker.State) {
			log.WithFields(map[string]interface{}{
				"topic": topic,
				"from":  from.String(),
				"to":    to.String(),
			}).Warn("Publish circuit changed state")
		},
	}))
	dispatcher := outbox.NewDispatcher(txm, publisher, lease, outbox.OptionsFrom(cfg.Outbox), metrics, tracer)
	releaseCheck := consumer.NewReleaseCheckConsumer(q, cfg.Queue.TopicPrefix, txm, stock)

	ops := handler.NewOpsHandler(txm.Repos().Outbox(), shipments, dispatcher)
	for name, check := range checks {
		ops.AddCheck(name, check)
	}

	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}
	server := &http.Server{
		Addr:           cfg.Server.GetAddr(),
		Handler:        handler.NewRouter(ops, metrics, cfg.Metrics.Path),
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Outbox.Disabled {
		log.Warn("Outbox dispatcher disabled by config")
	} else {
		g.Go(func() error { return dispatcher.Start(gctx) })
	}
	g.Go(func() error { return shipments.Start(gctx) })
	g.Go(func() error { return releaseCheck.Start(gctx) })

	g.Go(func() error {
		log.WithFields(map[string]interface{}{
			"addr": server.Addr,
			"mode": cfg.Server.Mode,
		}).Info("Starting ops server")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// openStore connects the configured backing store and registers its health check
func openStore(cfg *config.Config, checks map[string]handler.HealthCheck) (repository.TxManager, func(), error) {
	if cfg.Database.Driver == "memory" {
		log.Warn("Using the in-memory store, state is lost on exit")
		return memstore.New(), func() {}, nil
	}

	db, err := database.Init(cfg)
	if err != nil {
		return nil, nil, err
	}
	closeDB := func() {
		if err := database.Close(); err != nil {
			log.WithError(err).Warn("Failed to close database")
		}
	}

	if cfg.Database.AutoMigrate {
		err = database.AutoMigrate(db)
	} else {
		err = database.CheckTables(db)
	}
	if err != nil {
		closeDB()
		return nil, nil, err
	}

	checks["database"] = database.Health
	return repository.NewTxManager(db), closeDB, nil
}

func logConfig(cfg *config.Config) log.Config {
	return log.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSize,
		MaxAge:     cfg.Log.MaxAge,
		MaxBackups: cfg.Log.MaxBackups,
		Compress:   cfg.Log.Compress,
	}
}
