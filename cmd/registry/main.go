package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kaunda-a/nyx-registry/internal/registry/handlers"
	"github.com/kaunda-a/nyx-registry/internal/registry/repository"
	"github.com/kaunda-a/nyx-registry/internal/registry/service"
	"github.com/kaunda-a/nyx-registry/pkg/cache"
	"github.com/kaunda-a/nyx-registry/pkg/config"
	"github.com/kaunda-a/nyx-registry/pkg/database"
	"github.com/kaunda-a/nyx-registry/pkg/logger"
	"github.com/kaunda-a/nyx-registry/pkg/messaging"
	"github.com/kaunda-a/nyx-registry/pkg/middleware"
	"github.com/kaunda-a/nyx-registry/pkg/secrets"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.LogLevel, cfg.App.LogFormat)
	logger.SetDefault(log)
	log.Info("Starting proxy registry",
		logger.Field{Key: "env", Value: cfg.App.Env},
		logger.Field{Key: "port", Value: cfg.App.Port},
	)

	mongodb, err := database.NewMongoDB(cfg.Database.URI, cfg.Database.DBName, 10*time.Second)
	if err != nil {
		log.Fatal("Failed to connect to MongoDB", logger.Field{Key: "error", Value: err.Error()})
	}
	defer mongodb.Close()

	redisCache, err := cache.NewRedisCache(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatal("Failed to connect to Redis", logger.Field{Key: "error", Value: err.Error()})
	}
	defer redisCache.Close()

	rabbitmq, err := messaging.NewRabbitMQ(cfg.RabbitMQ.URL)
	if err != nil {
		log.Fatal("Failed to connect to RabbitMQ", logger.Field{Key: "error", Value: err.Error()})
	}
	defer rabbitmq.Close()

	if err := rabbitmq.SetupTopology(); err != nil {
		log.Fatal("Failed to setup messaging topology", logger.Field{Key: "error", Value: err.Error()})
	}

	encryptor, err := secrets.NewEncryptor(cfg.Secrets.Passphrase)
	if err != nil {
		log.Fatal("Failed to initialize credential vault", logger.Field{Key: "error", Value: err.Error()})
	}
	vault := secrets.NewVault(mongodb, encryptor)

	repo := repository.NewProxyRepository(mongodb, cfg.Registry.FailureThreshold, log)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := repo.CreateIndexes(ctx); err != nil {
		cancel()
		log.Fatal("Failed to create indexes", logger.Field{Key: "error", Value: err.Error()})
	}
	cancel()

	prober := service.NewHTTPProber(
		cfg.Registry.ProbeTargetURL,
		cfg.Registry.GeoLookupURL,
		cfg.Registry.ProbeTimeout,
		log,
	)

	alerter, err := service.NewAlerter(cfg.Telegram.BotToken, cfg.Telegram.ChatID, log)
	if err != nil {
		log.Warn("Telegram alerter disabled", logger.Field{Key: "error", Value: err.Error()})
	}

	registry := service.NewRegistry(repo, vault, prober, redisCache, rabbitmq, alerter, service.Config{
		AssignmentTTL: cfg.Registry.AssignmentTTL,
		LatencyWindow: cfg.Registry.LatencyWindow,
	}, log)

	if cfg.Registry.SeedPath != "" {
		seedCtx, seedCancel := context.WithTimeout(context.Background(), time.Minute)
		if err := registry.Seed(seedCtx, cfg.Registry.SeedPath); err != nil {
			log.Warn("Failed to seed proxies", logger.Field{Key: "error", Value: err.Error()})
		}
		seedCancel()
	}

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RateLimit.Enabled {
		limiter := middleware.NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window)
		router.Use(limiter.Middleware())
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	var auth *middleware.AuthMiddleware
	if cfg.JWT.Secret != "" {
		auth = middleware.NewAuthMiddleware(cfg.JWT.Secret)
	}

	handler := handlers.NewHTTPHandler(registry, log)
	handler.SetupRoutes(router, auth)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.App.Port),
		Handler: router,
	}

	go func() {
		log.Info("HTTP server listening", logger.Field{Key: "addr", Value: server.Addr})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", logger.Field{Key: "error", Value: err.Error()})
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down proxy registry")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Graceful shutdown failed", logger.Field{Key: "error", Value: err.Error()})
	}
}
