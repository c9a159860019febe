package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"casesync/internal/cloudsync"
	"casesync/internal/config"
	"casesync/internal/database"
	"casesync/internal/handlers"
	"casesync/internal/middleware"
	"casesync/internal/repository"
	"casesync/internal/router"
	"casesync/internal/services"
	"casesync/internal/snapshot"
	"casesync/internal/websocket"
	"casesync/internal/worker"
	"casesync/migrations"
)

func main() {
	// ──── Step 1: Logging & Configuration ────
	cfg := config.Load()

	level := slog.LevelInfo
	if cfg.Env == "development" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
	slog.Info("Starting casesync", "env", cfg.Env, "version", cfg.AppVersion)

	// ──── Step 2: Local Session Store ────
	localDB, err := database.OpenSQLite(cfg.LocalDBPath)
	if err != nil {
		fatal("Local store open failed", err)
	}
	localRepo := repository.NewLocalSessionRepo(localDB)
	defer localRepo.Close()

	deviceID, err := services.ResolveDeviceID(context.Background(), cfg.DeviceID, localRepo)
	if err != nil {
		fatal("Device id resolution failed", err)
	}
	slog.Info("Local store ready", "path", cfg.LocalDBPath, "device_id", deviceID)

	// ──── Step 3: Remote Session Store ────
	pool, err := database.NewPostgresPool(cfg.DatabaseURL, int32(cfg.DatabaseMaxConns))
	if err != nil {
		fatal("PostgreSQL connection failed", err)
	}
	defer pool.Close()

	if err := database.RunMigrations(pool, migrations.FS); err != nil {
		fatal("Database migration failed", err)
	}
	slog.Info("PostgreSQL connected, migrations applied")

	// ──── Step 4: Redis (optional) ────
	var redisClients *database.RedisClients
	if cfg.RedisURL != "" {
		redisClients, err = database.NewRedisClients(cfg.RedisURL)
		if err != nil {
			fatal("Redis connection failed", err)
		}
		defer redisClients.Close()
		slog.Info("Redis connected")
	} else {
		slog.Info("REDIS_URL not set, session events are delivered in process")
	}

	// ──── Step 5: Sync Engine ────
	jwtAuth := middleware.NewJWTAuth(cfg.JWTSecret)

	var wsHub *websocket.Hub
	var notifier cloudsync.Notifier
	if redisClients != nil {
		wsHub = websocket.NewHub(redisClients.Subscribe, jwtAuth)
		notifier = services.NewSessionEventPublisher(redisClients.Publish)
	} else {
		wsHub = websocket.NewHub(nil, jwtAuth)
		notifier = wsHub
	}

	remoteRepo := repository.NewSessionRecordRepo(pool)
	codec := snapshot.NewCodec(cfg.AppVersion, deviceID)

	engine := cloudsync.New(localRepo, remoteRepo, codec, notifier, cloudsync.Options{
		Tolerance:        cfg.Sync.Tolerance,
		MaxAttempts:      cfg.Sync.MaxAttempts,
		RetryDelay:       cfg.Sync.RetryDelay,
		BatchConcurrency: cfg.Sync.BatchConcurrency,
		Logger:           slog.Default(),
	})

	uploadPool := worker.NewPool(localRepo, engine, cfg.Sync.UploadWorkers, cfg.Sync.UploadQueueSize)
	uploadPool.Start()

	lifecycle := services.NewLifecycle(engine, localRepo, cfg.Sync.BackgroundTimeout, cfg.Sync.FlushInterval)
	lifecycle.Start()

	// ──── Step 6: HTTP & WebSocket ────
	sessionService := services.NewSessionService(localRepo, engine, uploadPool, deviceID)
	refreshLimiter := middleware.NewRateLimiter(6, time.Minute)
	defer refreshLimiter.Stop()

	r := router.New(
		jwtAuth,
		handlers.NewSessionHandler(sessionService),
		handlers.NewSyncHandler(lifecycle),
		refreshLimiter,
		wsHub,
		cfg.FrontendURL,
	)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown: stop taking edits, then upload what is pending
	// before the stores are closed.
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		slog.Info("Shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		server.Shutdown(ctx)

		flushTimeout := cfg.Sync.BackgroundTimeout
		if flushTimeout <= 0 {
			flushTimeout = 30 * time.Second
		}
		flushCtx, cancelFlush := context.WithTimeout(context.Background(), flushTimeout)
		defer cancelFlush()
		lifecycle.Shutdown(flushCtx)
		uploadPool.Drain(flushCtx)
	}()

	slog.Info("casesync ready", "api", fmt.Sprintf("http://localhost:%s/api/v1", cfg.Port),
		"ws", fmt.Sprintf("ws://localhost:%s/api/v1/ws", cfg.Port))

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		fatal("Server error", err)
	}
	<-shutdownDone
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}
