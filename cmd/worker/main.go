package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callflow/internal/analyzer"
	"callflow/internal/config"
	"callflow/internal/dispatcher"
	"callflow/internal/notify"
	"callflow/internal/pipeline"
	"callflow/internal/scheduler"
	"callflow/internal/storage"
	"callflow/internal/taskq"
	"callflow/internal/transcriber"
	"callflow/pkg/cache"
	"callflow/pkg/logger"
	"callflow/pkg/resilience"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Load .env file
	_ = godotenv.Load()

	// Initialize logger
	debug := true
	if err := logger.Init(debug); err != nil {
		panic("Failed to init logger: " + err.Error())
	}
	defer logger.Sync()

	logger.Info("Starting callflow worker service")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
		return
	}

	// Connect to database
	if cfg.Postgres.DSN == "" {
		logger.Fatal("POSTGRES_DSN is required")
		return
	}

	db, err := storage.NewPostgresStorage(cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
		return
	}
	defer db.Close()

	logger.Info("Database connection established")

	// Initialize S3 archive
	archive, err := storage.NewS3Storage(
		cfg.S3.Endpoint,
		cfg.S3.AccessKey,
		cfg.S3.SecretKey,
		cfg.S3.Bucket,
		cfg.S3.Region,
	)
	if err != nil {
		logger.Fatal("Failed to initialize S3 storage", zap.Error(err))
		return
	}

	logger.Info("S3 storage initialized")

	// Initialize Redis cache
	redisCache, err := cache.NewRedisCache(
		cfg.Redis.Addr,
		cfg.Redis.Password,
		cfg.Redis.DB,
		24*time.Hour, // Default TTL 24 hours
	)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
		return
	}
	defer redisCache.Close()

	logger.Info("Redis cache connection established")

	// Outbound API clients, each behind its own rate limiter
	transcriberClient := transcriber.NewClient(
		cfg.Transcriber.APIKey,
		cfg.Transcriber.BaseURL,
		resilience.NewRateLimiter(cfg.Transcriber.CallsPerSecond, time.Second),
	)

	analyzerClient := analyzer.NewClient(
		cfg.Analyzer.APIKey,
		cfg.Analyzer.BaseURL,
		cfg.Analyzer.Model,
		resilience.NewRateLimiter(cfg.Analyzer.CallsPerSecond, time.Second),
	)

	logger.Info("API clients initialized")

	// Initialize Telegram ops notifier
	notifier, err := notify.NewTelegramNotifier(cfg.Telegram.Token, cfg.Telegram.OpsChatID)
	if err != nil {
		logger.Fatal("Failed to create Telegram notifier", zap.Error(err))
		return
	}

	logger.Info("Telegram notifier initialized")

	// Job queue, pipeline and worker pool
	queue := taskq.NewQueue(cfg.Worker.QueueCapacity)

	pipe := pipeline.New(db, archive, transcriberClient, analyzerClient, redisCache, queue, pipeline.Config{
		AnalyzePriority: dispatcher.PriorityWebhook,
		MaxRetries:      cfg.Worker.MaxRetries,
	})

	pool := taskq.NewPool(queue, cfg.Worker.Count, pipe.Handle)

	// Graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.Start(ctx)
	logger.Info("Worker pool started", zap.Int("workers", cfg.Worker.Count))

	// Periodic maintenance
	maintenance := scheduler.NewMaintenance(db, notifier, queue, dispatcher.PrioritySync, cfg.Worker.MaxRetries)

	sched := scheduler.New(ctx)
	sched.Every("alert_scan", time.Duration(cfg.Scheduler.AlertIntervalMinutes)*time.Minute, maintenance.AlertScan)
	sched.Every("queue_cleanup", time.Duration(cfg.Scheduler.CleanupIntervalMinutes)*time.Minute, maintenance.QueueCleanup)
	sched.Every("stuck_call_reaper", time.Duration(cfg.Scheduler.ReaperIntervalMinutes)*time.Minute, maintenance.StuckCallReaper)
	if err := sched.DailyAt("daily_digest", cfg.Scheduler.DigestAt, maintenance.DailyDigest); err != nil {
		logger.Fatal("Failed to schedule daily digest", zap.Error(err))
		return
	}

	logger.Info("Scheduler started")

	// Inbound call events
	disp := dispatcher.New(
		db,
		redisCache,
		queue,
		time.Duration(cfg.Dispatcher.FreshnessHours)*time.Hour,
		cfg.Worker.MaxRetries,
	)

	consumer, err := dispatcher.NewConsumer(cfg.RabbitMQ.URL)
	if err != nil {
		logger.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
		return
	}
	defer consumer.Close()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start consuming inbound events; the service cannot run without
	// event intake, so a dead consumer takes everything down
	go func() {
		logger.Info("Starting to consume call events")
		if err := consumer.Consume(disp.HandleDelivery); err != nil {
			logger.Error("Event consumption stopped", zap.Error(err))
		}
		cancel()
	}()

	// Wait for shutdown signal
	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled")
	}

	sched.Stop()
	pool.Stop(shutdownTimeout)

	logger.Info("Worker service shutdown complete")
}
