package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"health-monitor/internal/api"
	"health-monitor/internal/monitoring"
	"health-monitor/internal/store"
	"health-monitor/internal/worker"
	"health-monitor/pkg/cache"
	"health-monitor/pkg/config"
	"health-monitor/pkg/db"
	"health-monitor/pkg/docker"
	"health-monitor/pkg/logger"
	"health-monitor/pkg/notify"
	"health-monitor/pkg/queue"
)

func main() {
	if err := logger.Init(os.Getenv("GO_ENV")); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", logger.Err(err))
	}

	logger.Info("Configuration loaded",
		logger.String("environment", cfg.Environment),
		logger.String("port", cfg.Port),
	)

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancelStartup()

	opts := monitoring.Options{}
	deps := map[string]api.Dependency{}

	if cfg.UsePostgres() {
		dbConn, err := db.NewPostgresConnection(startupCtx, cfg)
		if err != nil {
			logger.Fatal("Failed to connect to PostgreSQL", logger.Err(err))
		}
		defer func() {
			if err := dbConn.Close(); err != nil {
				logger.Error("Error closing database connection", logger.Err(err))
			}
		}()

		pg := store.NewPostgres(dbConn)
		if err := pg.EnsureSchema(startupCtx); err != nil {
			logger.Fatal("Failed to prepare database schema", logger.Err(err))
		}
		opts.Store = pg
		deps["database"] = dbConn.PingContext
		logger.Info("Connected to PostgreSQL")
	} else {
		logger.Warn("POSTGRESQL_HOST not set, using in-memory store")
	}

	if cfg.RedisURL != "" {
		redisClient, err := db.NewRedisConnection(startupCtx, cfg)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", logger.Err(err))
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Error("Error closing Redis connection", logger.Err(err))
			}
		}()
		opts.Cache = cache.NewRedis(redisClient.Client)
		deps["redis"] = redisClient.HealthCheck
		logger.Info("Connected to Redis")
	}

	if cfg.MinioEndpoint != "" {
		minioClient, err := db.NewMinioClient(cfg)
		if err != nil {
			logger.Fatal("Failed to connect to MinIO", logger.Err(err))
		}
		opts.Archive = db.NewReportArchive(minioClient)
		deps["minio"] = minioClient.HealthCheck
		logger.Info("Connected to MinIO")
	}

	var jobQueue queue.Queue = queue.NewLocal()
	if cfg.RabbitMQURL != "" {
		rmq, err := queue.NewRabbitMQ(cfg.RabbitMQURL, cfg.RabbitMQQueue)
		if err != nil {
			logger.Error("Failed to connect to RabbitMQ, using in-process queue", logger.Err(err))
		} else {
			jobQueue = rmq
			logger.Info("Connected to RabbitMQ", logger.String("queue", cfg.RabbitMQQueue))
		}
	}
	opts.Queue = jobQueue

	var inspector monitoring.ContainerInspector
	dockerClient, err := docker.NewClient()
	if err != nil {
		logger.Warn("Docker client unavailable, container checks will fail", logger.Err(err))
	} else {
		defer dockerClient.Close()
		inspector = dockerClient
		deps["docker"] = dockerClient.Ping
	}
	opts.Probers = monitoring.DefaultProbers(cfg.ProductName, inspector)

	var notifiers notify.Multi
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhook(cfg.WebhookURL, cfg.ProductName))
	}
	if cfg.AlertEmailTo != "" {
		notifiers = append(notifiers, notify.NewEmail(cfg.AlertEmailTo))
	}
	if len(notifiers) > 0 {
		opts.Notifier = notifiers
	}

	orchestrator := monitoring.NewOrchestrator(cfg, opts)
	defer orchestrator.Close()

	workerPool := worker.NewWorkerPool(cfg, orchestrator, jobQueue)
	if err := workerPool.Start(); err != nil {
		logger.Fatal("Failed to start worker pool", logger.Err(err))
	}
	defer workerPool.Stop()

	apiServer := api.NewServer(cfg, orchestrator, deps)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      apiServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 45 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Starting health monitor",
			logger.String("port", cfg.Port),
			logger.String("address", fmt.Sprintf("http://localhost:%s", cfg.Port)),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", logger.Err(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down health monitor...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", logger.Err(err))
	}

	logger.Info("Health monitor stopped")
}
