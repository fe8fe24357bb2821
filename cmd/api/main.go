package main

import (
	"context"
	"log"
	"net"

	"marketdata-relay/config"
	"marketdata-relay/internal/feed"
	"marketdata-relay/internal/handler"
	"marketdata-relay/internal/middleware"
	"marketdata-relay/internal/redis"
	"marketdata-relay/internal/repository"
	"marketdata-relay/internal/server"
	"marketdata-relay/internal/services"
	"marketdata-relay/internal/websocket"
	"marketdata-relay/pkg/database"
	"marketdata-relay/pkg/keyvault"
	"marketdata-relay/pkg/logger"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	l := logger.New(cfg.LogMode)
	logger.SetGlobalLogger(l)
	defer l.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := database.Connect(ctx, cfg)
	if err != nil {
		l.Logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	redisClient := redis.NewClient(redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := redis.Ping(ctx, redisClient); err != nil {
		l.Logger.Fatal("Failed to connect to redis", zap.Error(err))
	}
	defer redisClient.Close()

	vault, err := keyvault.New(cfg.APIKeyPepper)
	if err != nil {
		l.Logger.Fatal("Failed to initialise key vault", zap.Error(err))
	}

	symbolRepo := repository.NewSymbolRepository(pool, cfg.SearchLimit)
	authRepo := repository.NewAuthRepository(pool, vault)

	authService, err := services.NewAuthService(redis.NewSessionStore(redisClient, cfg.SessionCacheTTL), cfg)
	if err != nil {
		l.Logger.Fatal("Failed to initialise auth service", zap.Error(err))
	}

	dialer := newDialer(cfg, l)
	market := services.NewStreamService(dialer, authRepo, l)

	hub := websocket.NewHub(l)
	var emitter services.RoomEmitter = hub
	if cfg.PushViaRedis {
		emitter = websocket.NewRedisEmitter(redis.NewPublisher(redisClient))
		bridge := websocket.NewRedisBridge(redis.NewSubscriber(redisClient), hub)
		go func() {
			if err := bridge.Run(ctx); err != nil {
				l.Logger.Error("redis bridge stopped", zap.Error(err))
			}
		}()
	}
	push := services.NewPushService(market, emitter, l)

	socketHandler := websocket.NewHandler(hub, push, redis.NewConnectionStore(redisClient, 0), websocket.NewEventLogger(l))
	go hub.Run(ctx)

	limiter := redis.NewRateLimiter(redisClient, redis.RateLimitConfig{
		SearchLimit:     cfg.SearchRateLimit,
		SearchWindow:    redis.DefaultRateLimitConfig().SearchWindow,
		SubscribeLimit:  cfg.SubscribeRateLimit,
		SubscribeWindow: redis.DefaultRateLimitConfig().SubscribeWindow,
	})

	srv := server.New(cfg, l)
	srv.SetupRoutes(&server.Handlers{
		WebSocket: handler.NewWebSocketHandler(market, symbolRepo, authRepo, push, l),
		Socket:    socketHandler,
	}, server.Guards{
		Session:        middleware.SessionMiddleware(authService, cfg.SessionCookie, l),
		SearchLimit:    middleware.SearchRateLimitMiddleware(limiter),
		SubscribeLimit: middleware.SubscribeRateLimitMiddleware(limiter),
	},
		server.HealthCheck{Name: "postgres", Check: func(ctx context.Context) error { return database.HealthCheck(ctx, pool) }},
		server.HealthCheck{Name: "redis", Check: func(ctx context.Context) error { return redis.Ping(ctx, redisClient) }},
	)
	srv.OnShutdown(func(context.Context) {
		cancel()
		market.Close()
	})

	l.Logger.Info("market data relay configured",
		zap.String("transport", dialer.Name()),
		zap.Bool("push_via_redis", cfg.PushViaRedis),
		zap.String("addr", net.JoinHostPort("", cfg.AppPort)))

	if err := srv.Start(); err != nil {
		l.Errorf("server exited: %v", err)
	}
}

func newDialer(cfg *config.Config, l *logger.Logger) feed.Dialer {
	switch cfg.FeedTransport {
	case config.TransportNATS:
		return &feed.NATSDialer{URL: cfg.NATSURL, SubjectPrefix: cfg.NATSSubjectPrefix, Timeout: cfg.FeedDialTimeout}
	case config.TransportKafka:
		return &feed.KafkaDialer{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, Logger: l.Named("feed")}
	default:
		return &feed.ProxyDialer{URL: cfg.FeedProxyURL, Timeout: cfg.FeedDialTimeout, Logger: l.Named("feed")}
	}
}
