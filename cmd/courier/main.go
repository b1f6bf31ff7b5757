// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/chatmesh/courier/config"
	"github.com/chatmesh/courier/conversations"
	"github.com/chatmesh/courier/delivery"
	"github.com/chatmesh/courier/idempotency"
	idembadger "github.com/chatmesh/courier/idempotency/badger"
	idemmemory "github.com/chatmesh/courier/idempotency/memory"
	idempostgres "github.com/chatmesh/courier/idempotency/postgres"
	"github.com/chatmesh/courier/presence"
	presenceredis "github.com/chatmesh/courier/presence/redis"
	"github.com/chatmesh/courier/producer"
	"github.com/chatmesh/courier/push"
	"github.com/chatmesh/courier/server/api"
	"github.com/chatmesh/courier/server/health"
	"github.com/chatmesh/courier/server/otel"
	"github.com/chatmesh/courier/stream"
	streambadger "github.com/chatmesh/courier/stream/badger"
	streammemory "github.com/chatmesh/courier/stream/memory"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("Starting courier", "version", "0.1.0")
	slog.Info("Configuration loaded",
		"http_listener", cfg.Server.HTTPAddr,
		"health_enabled", cfg.Server.HealthEnabled,
		"stream_type", cfg.Stream.Type,
		"partitions", cfg.Stream.Partitions,
		"store_type", cfg.Store.Type,
		"push_enabled", cfg.Push.Enabled,
		"log_level", cfg.Log.Level)

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "courier"
	}

	var otelShutdown func(context.Context) error
	if cfg.Telemetry.Enabled {
		otelShutdown, err = otel.InitProvider(cfg.Telemetry, hostname)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		slog.Info("OpenTelemetry metrics enabled", "endpoint", cfg.Telemetry.Endpoint)
	}

	// Stream backend
	var str stream.Stream
	switch cfg.Stream.Type {
	case "memory":
		str = streammemory.New(streammemory.Options{
			Partitions:  cfg.Stream.Partitions,
			ReclaimIdle: cfg.Stream.ReclaimIdle,
		})
		slog.Info("Using in-memory stream")
	case "badger":
		badgerStream, err := streambadger.New(streambadger.Config{
			Dir:         cfg.Stream.BadgerDir,
			Partitions:  cfg.Stream.Partitions,
			SyncWrites:  cfg.Stream.SyncWrites,
			ReclaimIdle: cfg.Stream.ReclaimIdle,
		})
		if err != nil {
			slog.Error("Failed to initialize BadgerDB stream", "error", err)
			os.Exit(1)
		}
		str = badgerStream
		slog.Info("Using BadgerDB persistent stream", "dir", cfg.Stream.BadgerDir)
	}
	defer str.Close()

	// Authoritative message and receipt store
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		messages  idempotency.MessageStore
		receipts  idempotency.ReceiptStore
		directory producer.ConversationDirectory
	)
	switch cfg.Store.Type {
	case "memory":
		store := idemmemory.New()
		messages, receipts = store, store
		slog.Info("Using in-memory message store")
	case "badger":
		store, err := idembadger.Open(cfg.Store.BadgerDir)
		if err != nil {
			slog.Error("Failed to initialize BadgerDB message store", "error", err)
			os.Exit(1)
		}
		defer store.Close()
		messages, receipts = store, store
		slog.Info("Using BadgerDB message store", "dir", cfg.Store.BadgerDir)
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Store.PostgresURL)
		if err != nil {
			slog.Error("Failed to connect to PostgreSQL", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		store, err := idempostgres.New(ctx, pool)
		if err != nil {
			slog.Error("Failed to initialize PostgreSQL message store", "error", err)
			os.Exit(1)
		}
		messages, receipts = store, store

		dir, err := conversations.NewPostgres(ctx, pool)
		if err != nil {
			slog.Error("Failed to initialize conversation directory", "error", err)
			os.Exit(1)
		}
		directory = dir
		slog.Info("Using PostgreSQL message store")
	}

	if directory == nil {
		directory = conversations.AllowAll{}
		slog.Warn("No conversation directory available, authorization is permissive")
	}

	// Redis-backed ingress cache and presence, in-process fallbacks otherwise
	var (
		cache    idempotency.Cache
		registry presence.Registry
	)
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			slog.Error("Failed to connect to Redis", "addr", cfg.Redis.Addr, "error", err)
			os.Exit(1)
		}
		defer client.Close()

		cache = idempotency.NewRedisCache(client, "courier:idem:")
		registry = presenceredis.New(client, "courier:conn:")
		slog.Info("Using Redis ingress cache and presence registry", "addr", cfg.Redis.Addr)
	} else {
		cache = idempotency.NewMemoryCache()
		registry = presence.NewMemoryRegistry()
		slog.Info("Using in-process ingress cache and presence registry")
	}

	secret := []byte(cfg.Producer.IdempotencySecret)
	if len(secret) == 0 {
		secret = []byte("courier-insecure-default")
		slog.Warn("producer.idempotency_secret not set, using insecure default")
	}
	keys := idempotency.NewKeyMaker(secret, cfg.Producer.IdempotencyWindow)

	var limiter *producer.SenderRateLimiter
	if cfg.Producer.RateLimit > 0 {
		limiter = producer.NewSenderRateLimiter(cfg.Producer.RateLimit, cfg.Producer.RateBurst, time.Minute)
		defer limiter.Stop()
	}

	prod := producer.New(str, keys, cache, directory, limiter, producer.Options{
		Limits: producer.Limits{
			MaxContentLength: cfg.Producer.MaxContentLength,
			MaxRecipients:    cfg.Producer.MaxRecipients,
			ContentTypes:     cfg.Producer.ContentTypes,
		},
		Logger: logger,
	})

	// Push scheduling, isolated from the delivery pipeline
	var pusher *push.Scheduler
	if cfg.Push.Enabled {
		pusher = push.NewScheduler(
			push.NewLogProvider(logger),
			push.NewMemoryTokens(),
			push.Options{
				Workers:          cfg.Push.Workers,
				QueueSize:        cfg.Push.QueueSize,
				Backoff:          cfg.Push.Backoff,
				SendTimeout:      cfg.Push.SendTimeout,
				ShutdownTimeout:  cfg.Push.ShutdownTimeout,
				DedupTTL:         cfg.Push.DedupTTL,
				BreakerThreshold: cfg.Push.BreakerThreshold,
				BreakerReset:     cfg.Push.BreakerReset,
				Logger:           logger,
			},
		)
		slog.Info("Push scheduling enabled", "workers", cfg.Push.Workers)
	}

	metrics, err := delivery.NewMetrics()
	if err != nil {
		slog.Error("Failed to create delivery metrics", "error", err)
		os.Exit(1)
	}

	fanout := delivery.NewFanout(registry, presence.NewLogTransport(logger), logger)

	workers := delivery.NewPartitionWorkers(delivery.WorkerDeps{
		Stream:   str,
		Messages: messages,
		Receipts: receipts,
		Fanout:   fanout,
		Pusher:   pusher,
		Metrics:  metrics,
		Logger:   logger,
	}, delivery.Options{
		BatchSize:  cfg.Delivery.BatchSize,
		PollBlock:  cfg.Delivery.PollBlock,
		MaxRetries: cfg.Delivery.MaxRetries,
	})
	pool := delivery.NewPool(workers, cfg.Delivery.DrainTimeout, logger)

	if err := pool.Start(ctx); err != nil {
		slog.Error("Failed to start delivery pool", "error", err)
		os.Exit(1)
	}

	var wg sync.WaitGroup
	serverErr := make(chan error, 2)

	var pushStatus api.PushStatus
	if pusher != nil {
		pushStatus = pusher
	}

	apiServer := api.New(api.Config{
		Address:         cfg.Server.HTTPAddr,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, prod, str, receipts, pushStatus, logger)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := apiServer.Listen(ctx); err != nil {
			serverErr <- err
		}
	}()

	if cfg.Server.HealthEnabled {
		healthServer := health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, str, pool, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	slog.Info("Courier started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	if err := pool.Stop(); err != nil {
		slog.Error("Error during delivery pool shutdown", "error", err)
	}

	if pusher != nil {
		if err := pusher.Close(); err != nil {
			slog.Error("Error during push scheduler shutdown", "error", err)
		}
	}

	if otelShutdown != nil {
		otelCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		}
	}

	cancel()

	wg.Wait()
	slog.Info("Courier stopped")
}
