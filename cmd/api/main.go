package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"orgchat/internal/broker"
	"orgchat/internal/cache"
	"orgchat/internal/config"
	"orgchat/internal/db"
	apihttp "orgchat/internal/http"
	"orgchat/internal/metrics"
	"orgchat/internal/realtime"
	"orgchat/internal/repository"
	"orgchat/internal/service"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil {
		log.Printf("warning: loading .env: %v", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		panic(err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()
	logger = logger.With(zap.String("instance_id", cfg.InstanceID))

	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		logger.Fatal("db connect", zap.Error(err))
	}
	if cfg.BootstrapSchema {
		if err := db.EnsureSchema(ctx, pool); err != nil {
			logger.Fatal("db schema", zap.Error(err))
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	var (
		redisClient  *redis.Client
		messageCache cache.MessageCache
		bridge       broker.Bridge
	)
	if cfg.RedisEnabled() {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := redisClient.Ping(ctxPing).Err(); err != nil {
			// Sin Redis no hay broker compartido; arrancar solo dejaria instancias aisladas.
			cancel()
			logger.Fatal("redis ping failed", zap.Error(err))
		}
		cancel()
		messageCache = cache.NewRedisMessageCache(redisClient, cfg.CacheTTL())
		bridge = broker.NewRedisStreamBridge(redisClient, broker.RedisStreamOptions{
			Stream:     cfg.BrokerStream,
			InstanceID: cfg.InstanceID,
			MaxLen:     cfg.BrokerMaxLen,
			// INSTANCE_ID estable: el grupo sobrevive al reinicio. Si cambia en cada
			// arranque, BROKER_DESTROY_GROUP_ON_CLOSE evita grupos huerfanos.
			DestroyGroupOnClose: cfg.BrokerDestroyGroup,
		}, logger, m)
	} else {
		logger.Warn("redis not configured, running as a single instance with in-memory cache and bus")
		messageCache = cache.NewMemoryMessageCache(clock.New(), cfg.CacheTTL())
		bridge = broker.NewMemoryBus(logger)
	}

	userRepo := repository.NewPgUserRepository(pool)
	roomRepo := repository.NewPgRoomRepository(pool)
	messageRepo := repository.NewPgMessageRepository(pool)

	jwtSvc := service.NewJWTService(cfg.JWTSecret, cfg.JWTIssuer, cfg.AccessTTL())
	gate := service.NewIdentityGate(jwtSvc, userRepo, logger)
	roomSvc := service.NewRoomService(service.RoomDeps{
		Users:    userRepo,
		Rooms:    roomRepo,
		Messages: messageRepo,
		Cache:    messageCache,
		Bus:      bridge,
		Logger:   logger,
		Metrics:  m,
	}, cfg.CacheWindow)

	hub := realtime.NewHub(logger, m)
	fanout := service.NewFanout(roomRepo, hub, logger)
	dispatcher := realtime.NewDispatcher(roomSvc, logger, m)

	checks := map[string]apihttp.Pinger{
		"postgres": apihttp.PingFunc(func(ctx context.Context) error { return db.Ping(ctx, pool) }),
	}
	if redisClient != nil {
		checks["redis"] = apihttp.PingFunc(func(ctx context.Context) error { return redisClient.Ping(ctx).Err() })
	}

	router := apihttp.NewRouter(logger,
		gate,
		apihttp.NewWSHandler(ctx, hub, dispatcher, cfg.WSAllowedOrigins, cfg.SeenMessagesPerConn, logger),
		apihttp.NewHealthHandler(checks, logger),
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	)

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting server", zap.String("port", cfg.HTTPPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return bridge.Consume(gctx, fanout.Handle)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		hub.Close()
		return err
	})

	runErr := g.Wait()
	closeErr := bridge.Close()
	if redisClient != nil {
		closeErr = multierr.Append(closeErr, redisClient.Close())
	}
	pool.Close()
	if err := multierr.Combine(runErr, closeErr); err != nil {
		logger.Error("server stopped with errors", zap.Error(err))
		return
	}
	logger.Info("server stopped")
}
