package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aman-churiwal/revive/internal/config"
	"github.com/aman-churiwal/revive/internal/logger"
	"github.com/aman-churiwal/revive/internal/metrics"
	"github.com/aman-churiwal/revive/internal/replicate"
	"github.com/aman-churiwal/revive/internal/server"
	"github.com/aman-churiwal/revive/internal/storage"
	"github.com/aman-churiwal/revive/internal/upload"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	gormlogger "gorm.io/gorm/logger"
)

func main() {
	// Load env if it exists
	_ = godotenv.Load()

	cfg, err := config.Load("config.json")
	if err != nil {
		logger.New(config.LoggerConfig{}).Fatalf("Failed to load config: %v", err)
	}

	log := logger.New(cfg.Logger)

	deps := server.Deps{
		Config: cfg,
		Logger: log,
	}

	if cfg.Redis.Enabled {
		redis := storage.NewRedis(cfg.Redis.GetRedisAddr(), cfg.Redis.Password, cfg.Redis.DB)
		defer redis.Close()
		deps.Redis = redis

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redis.Ping(ctx); err != nil {
			// Kept anyway: the gate fails open per call until Redis is back
			log.WithField("error", err).Warn("Redis is unreachable, generations are not limited until it recovers")
		} else {
			log.Info("Connected to Redis successfully")
		}
		cancel()
	}

	dbLogLevel := gormlogger.Warn
	if cfg.Server.Environment == "production" {
		dbLogLevel = gormlogger.Error
	}

	db, err := storage.NewPostgres(cfg.Database.DSN, dbLogLevel)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	deps.Postgres = db
	log.Info("Connected to Postgres successfully")

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	deps.Registry = registry
	deps.Metrics = metrics.New(cfg.Monitor.ServiceName, registry)

	deps.Provider = replicate.NewClient(replicate.Config{
		BaseURL:      cfg.Inference.BaseURL,
		Token:        cfg.Inference.APIToken,
		ModelVersion: cfg.Inference.ModelVersion,
		FaceVersion:  cfg.Inference.FaceVersion,
		Scale:        cfg.Inference.Scale,
	})

	if cfg.Storage.Enabled {
		presigner, err := upload.NewPresigner(context.Background(), upload.Config{
			Bucket:        cfg.Storage.Bucket,
			Region:        cfg.Storage.Region,
			Endpoint:      cfg.Storage.Endpoint,
			AccessKey:     cfg.Storage.AccessKey,
			SecretKey:     cfg.Storage.SecretKey,
			PublicBaseURL: cfg.Storage.PublicBaseURL,
			Expiry:        time.Duration(cfg.Storage.ExpiryMinutes) * time.Minute,
		})
		if err != nil {
			log.Fatalf("Failed to configure upload storage: %v", err)
		}
		deps.Presigner = presigner
	}

	srv := server.New(deps)
	srv.Start()

	go func() {
		addr := ":" + cfg.Server.Port
		if err := srv.Run(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// In-flight generations may still be polling
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.WithField("error", err).Error("Server forced to shutdown")
	}

	log.Info("Server exited")
}
