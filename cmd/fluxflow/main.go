// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/fluxflow/config"
	"github.com/absmach/fluxflow/lock"
	"github.com/absmach/fluxflow/pipeline"
	"github.com/absmach/fluxflow/ratelimit"
	"github.com/absmach/fluxflow/server/health"
	"github.com/absmach/fluxflow/storage"
	"github.com/absmach/fluxflow/storage/badger"
	"github.com/absmach/fluxflow/storage/redis"
	"github.com/absmach/fluxflow/telemetry"
	clientv3 "go.etcd.io/etcd/client/v3"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	slog.Info("Starting fluxflow",
		"node_id", cfg.Node.ID,
		"storage", cfg.Storage.Type,
		"lock", cfg.Lock.Type,
		"routers", len(cfg.Pipelines.Routers),
		"fanouts", len(cfg.Pipelines.Fanouts),
		"accumulations", len(cfg.Pipelines.Accumulations),
		"joins", len(cfg.Pipelines.Joins),
		"health_enabled", cfg.Health.Enabled,
		"log_level", cfg.Log.Level)

	var metrics *telemetry.Metrics
	var otelShutdown func(context.Context) error
	if cfg.Telemetry.MetricsEnabled || cfg.Telemetry.TracesEnabled {
		shutdown, err := telemetry.InitProvider(cfg.Telemetry, cfg.Node.ID)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		otelShutdown = shutdown

		m, err := telemetry.NewMetrics()
		if err != nil {
			slog.Error("Failed to create metrics", "error", err)
			os.Exit(1)
		}
		metrics = m
		slog.Info("OpenTelemetry initialized",
			"endpoint", cfg.Telemetry.Endpoint,
			"metrics", cfg.Telemetry.MetricsEnabled,
			"traces", cfg.Telemetry.TracesEnabled)
	}

	backend, err := openBackend(cfg.Storage)
	if err != nil {
		slog.Error("Failed to open storage", "type", cfg.Storage.Type, "error", err)
		os.Exit(1)
	}
	defer backend.Close()

	scheduler, closeScheduler, err := newScheduler(cfg, logger)
	if err != nil {
		slog.Error("Failed to initialize lock", "type", cfg.Lock.Type, "error", err)
		os.Exit(1)
	}
	defer closeScheduler()

	deps := pipeline.Deps{
		Backend:   backend,
		Scheduler: scheduler,
		Logger:    logger,
		Metrics:   metrics,
	}
	if cfg.RateLimit.Enabled {
		limiter := ratelimit.New(ratelimit.Config{
			Rate:            cfg.RateLimit.Rate,
			Burst:           cfg.RateLimit.Burst,
			Overrides:       cfg.RateLimit.Overrides,
			CleanupInterval: cfg.RateLimit.CleanupInterval,
		})
		defer limiter.Stop()
		deps.Limiter = limiter
		slog.Info("Rate limiting enabled", "rate", cfg.RateLimit.Rate, "burst", cfg.RateLimit.Burst)
	}

	pipelines, err := pipeline.New(cfg, deps)
	if err != nil {
		slog.Error("Failed to build pipelines", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := pipelines.Run(ctx); err != nil {
		slog.Error("Failed to start pipelines", "error", err)
		pipelines.Close()
		os.Exit(1)
	}

	var wg sync.WaitGroup
	serverErr := make(chan error, 1)

	if cfg.Health.Enabled {
		healthServer := health.New(health.Config{
			Address:         cfg.Health.Addr,
			NodeID:          cfg.Node.ID,
			ShutdownTimeout: cfg.Node.ShutdownTimeout,
		}, pipelines, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	slog.Info("fluxflow started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	stopped := make(chan struct{})
	go func() {
		pipelines.Close()
		close(stopped)
	}()
	select {
	case <-stopped:
		slog.Info("Pipelines stopped")
	case <-time.After(cfg.Node.ShutdownTimeout):
		slog.Warn("Pipelines did not stop within the shutdown timeout", "timeout", cfg.Node.ShutdownTimeout)
	}

	if otelShutdown != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	cancel()

	wg.Wait()
	slog.Info("fluxflow stopped")
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

func redisConfig(c config.RedisConfig) redis.Config {
	return redis.Config{
		Addr:        c.Addr,
		Password:    c.Password,
		DB:          c.DB,
		MaxIdle:     c.MaxIdle,
		MaxActive:   c.MaxActive,
		IdleTimeout: c.IdleTimeout,
		DialTimeout: c.DialTimeout,
		Prefix:      c.Prefix,
		ExactTrim:   c.ExactTrim,
	}
}

func openBackend(cfg config.StorageConfig) (storage.Backend, error) {
	switch cfg.Type {
	case "badger":
		s, err := badger.New(badger.Config{
			Dir:         cfg.Badger.Dir,
			InMemory:    cfg.Badger.InMemory,
			SyncWrites:  cfg.Badger.SyncWrites,
			Compression: badger.Compression(cfg.Badger.Compression),
			GCInterval:  cfg.Badger.GCInterval,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("Using BadgerDB storage", "dir", cfg.Badger.Dir, "in_memory", cfg.Badger.InMemory)
		return s, nil
	case "redis":
		rc := redisConfig(cfg.Redis)
		s := redis.New(redis.NewPool(rc), rc)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Ping(ctx); err != nil {
			s.Close()
			return nil, err
		}
		slog.Info("Using Redis storage", "addr", rc.Addr, "prefix", rc.Prefix)
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

func newScheduler(cfg *config.Config, logger *slog.Logger) (lock.Scheduler, func(), error) {
	switch cfg.Lock.Type {
	case "local":
		return lock.NewLocal(), func() {}, nil

	case "etcd":
		ec := cfg.Lock.Etcd
		var client *clientv3.Client
		var closeClient func()

		if ec.Embedded.Enabled {
			embedded, err := lock.StartEmbedded(lock.EmbeddedConfig{
				Name:       ec.Embedded.Name,
				DataDir:    ec.Embedded.DataDir,
				ClientAddr: ec.Embedded.ClientAddr,
				PeerAddr:   ec.Embedded.PeerAddr,
			}, logger)
			if err != nil {
				return nil, nil, err
			}
			client = embedded.Client()
			closeClient = func() {
				if err := embedded.Close(); err != nil {
					slog.Error("Failed to stop embedded etcd", "error", err)
				}
			}
		} else {
			c, err := clientv3.New(clientv3.Config{
				Endpoints:   ec.Endpoints,
				DialTimeout: ec.DialTimeout,
			})
			if err != nil {
				return nil, nil, err
			}
			client = c
			closeClient = func() { c.Close() }
		}

		s, err := lock.NewEtcd(client, lock.EtcdConfig{Prefix: ec.Prefix, SessionTTL: ec.SessionTTL}, logger)
		if err != nil {
			closeClient()
			return nil, nil, err
		}
		slog.Info("Using etcd locks", "embedded", ec.Embedded.Enabled, "prefix", ec.Prefix)
		return s, func() {
			if err := s.Close(); err != nil {
				slog.Error("Failed to close etcd lock session", "error", err)
			}
			closeClient()
		}, nil

	case "redis":
		rc := redisConfig(cfg.Storage.Redis)
		if cfg.Lock.Redis.Addr != "" {
			rc.Addr = cfg.Lock.Redis.Addr
		}
		pool := redis.NewPool(rc)
		s := lock.NewRedis(pool, lock.RedisConfig{
			Prefix:        cfg.Lock.Redis.Prefix,
			LeaseTTL:      cfg.Lock.Redis.LeaseTTL,
			RetryInterval: cfg.Lock.Redis.RetryInterval,
		}, logger)
		slog.Info("Using Redis locks", "addr", rc.Addr, "prefix", cfg.Lock.Redis.Prefix)
		return s, func() { pool.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown lock type %q", cfg.Lock.Type)
	}
}
