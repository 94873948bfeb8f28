// Command tamsd runs the time-addressable media store metadata
// service: the metadata endpoint pool with its result cache, the
// upload allocation workflow, and the operational HTTP surface
// (/healthz, /readyz, /metrics).
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/avfoundry/tams/pkg/allocator"
	"github.com/avfoundry/tams/pkg/cache"
	"github.com/avfoundry/tams/pkg/config"
	"github.com/avfoundry/tams/pkg/integrity"
	"github.com/avfoundry/tams/pkg/metastore"
	"github.com/avfoundry/tams/pkg/objectstore"
	"github.com/avfoundry/tams/pkg/observability"
	"github.com/avfoundry/tams/pkg/orchestrator"
	"github.com/avfoundry/tams/pkg/query"
)

// version is stamped by the build.
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tamsd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.WithField("version", version).Info("Starting tamsd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	var otelMetrics *observability.OTelMetrics
	if providers != nil {
		if otelMetrics, err = observability.NewOTelMetrics(); err != nil {
			return fmt.Errorf("failed to create OTel instruments: %w", err)
		}
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	endpoints, err := openEndpoints(ctx, cfg.Metastore, logger)
	if err != nil {
		return err
	}

	pool, err := metastore.NewEndpointPool(metastore.PoolConfig{
		FailureThreshold:  cfg.Metastore.FailureThreshold,
		RecoverySuccesses: cfg.Metastore.RecoverySuccesses,
		MinLatencySamples: cfg.Metastore.MinLatencySamples,
		ProbeInterval:     cfg.Metastore.ProbeInterval,
		ProbeTimeout:      cfg.Metastore.ProbeTimeout,
	}, endpoints, logger, metrics)
	if err != nil {
		return err
	}
	pool.StartProbes(ctx)

	var watcher *metastore.EndpointWatcher
	if cfg.Metastore.EndpointsFile != "" {
		if watcher, err = metastore.NewEndpointWatcher(cfg.Metastore.EndpointsFile, pool, logger); err != nil {
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("failed to start endpoint watcher: %w", err)
		}
	}

	rc := cache.New(cache.Config{
		TTL:           cfg.Cache.TTL,
		MaxEntries:    cfg.Cache.MaxEntries,
		RefreshFactor: cfg.Cache.RefreshFactor,
	}, logger, metrics)
	rc.StartRefresher(ctx)

	locker, redisClient, err := buildLocker(ctx, cfg.Integrity, logger)
	if err != nil {
		return err
	}

	planner := query.NewPlanner(query.PlannerConfig{
		SmallTableRows: cfg.Planner.SmallTableRows,
		MaxSplits:      cfg.Planner.MaxSplits,
		EstimateTTL:    cfg.Planner.EstimateTTL,
	})

	orch, err := orchestrator.New(orchestrator.Config{
		Pool:         pool,
		Cache:        rc,
		Planner:      planner,
		Locker:       locker,
		OTel:         otelMetrics,
		QueryTimeout: cfg.Metastore.QueryTimeout,
	}, logger, metrics)
	if err != nil {
		return err
	}

	store, err := buildObjectStore(ctx, cfg.ObjectStore, logger, otelMetrics)
	if err != nil {
		return err
	}

	alloc, err := allocator.New(allocator.Config{
		DefaultGrantTTL:           cfg.ObjectStore.DefaultGrantTTL,
		MinGrantTTL:               cfg.ObjectStore.MinGrantTTL,
		MaxGrantTTL:               cfg.ObjectStore.MaxGrantTTL,
		SweepSchedule:             cfg.Allocator.SweepSchedule,
		AllowExternalRegistration: cfg.Allocator.AllowExternalRegistration,
	}, orch, store, logger, metrics)
	if err != nil {
		return err
	}
	if err := alloc.StartSweeper(); err != nil {
		return err
	}

	health := observability.NewHealthChecker(version)
	health.AddCheck("metastore", true, pool.HealthCheck)
	health.AddCheck("objectstore", false, store.HealthCheck)
	if redisClient != nil {
		health.AddCheck("redis", false, func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}

	router := mux.NewRouter()
	observability.RegisterHealthRoutes(router, health)
	if cfg.Observability.MetricsEnabled {
		router.Handle("/metrics", observability.MetricsHandler(registry)).Methods(http.MethodGet)
	}

	var handler http.Handler = observability.HTTPMetricsMiddleware(metrics)(router)
	if providers != nil {
		handler = otelhttp.NewHandler(handler, "tamsd-ops")
	}

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	sm := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	sm.RegisterShutdownFunc("background loops", func(context.Context) error {
		cancel()
		return nil
	})
	if watcher != nil {
		sm.RegisterShutdownFunc("endpoint watcher", func(context.Context) error {
			return watcher.Close()
		})
	}
	sm.RegisterShutdownFunc("allocation sweeper", func(context.Context) error {
		return alloc.Close()
	})
	sm.RegisterShutdownFunc("endpoint pool", func(context.Context) error {
		return pool.Close()
	})
	if redisClient != nil {
		sm.RegisterShutdownFunc("redis", func(context.Context) error {
			return redisClient.Close()
		})
	}
	sm.RegisterShutdownFunc("opentelemetry", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers, logger)
	})

	go func() {
		logger.WithField("addr", server.Addr).Info("Ops server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Ops server failed")
		}
	}()

	return sm.WaitForShutdown()
}

// openEndpoints opens the configured SQL endpoints (a static DSN list
// or the endpoints file) and applies schema migrations when enabled.
func openEndpoints(ctx context.Context, cfg config.MetastoreConfig, logger *observability.Logger) ([]metastore.Endpoint, error) {
	var endpoints []metastore.Endpoint

	if cfg.EndpointsFile != "" {
		eps, err := metastore.OpenEndpointsFile(ctx, cfg.EndpointsFile)
		if err != nil {
			return nil, err
		}
		endpoints = eps
	} else {
		for i, dsn := range cfg.DSNs {
			// DSNs often carry credentials; synthetic addrs keep them
			// out of logs and pool accounting.
			ep, err := metastore.NewSQLEndpoint(ctx, metastore.SQLEndpointConfig{
				Addr:     fmt.Sprintf("endpoint-%d", i),
				DSN:      dsn,
				Driver:   metastore.DialectPostgres,
				MaxConns: cfg.MaxConns,
				MinConns: cfg.MinConns,
			})
			if err != nil {
				for _, opened := range endpoints {
					opened.Close()
				}
				return nil, err
			}
			endpoints = append(endpoints, ep)
		}
	}

	if cfg.AutoMigrate {
		for _, ep := range endpoints {
			sep, ok := ep.(*metastore.SQLEndpoint)
			if !ok {
				continue
			}
			if err := metastore.MigrateUp(sep.DB(), sep.Dialect()); err != nil {
				for _, opened := range endpoints {
					opened.Close()
				}
				return nil, fmt.Errorf("failed to migrate %s: %w", ep.Addr(), err)
			}
			logger.WithField("endpoint", ep.Addr()).Debug("Schema migrations applied")
		}
	}

	return endpoints, nil
}

// buildLocker selects the advisory locker for delete coordination.
func buildLocker(ctx context.Context, cfg config.IntegrityConfig, logger *observability.Logger) (integrity.Locker, *redis.Client, error) {
	if cfg.LockMode != "redis" {
		return integrity.NewKeyedMutex(0), nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return integrity.NewRedisLocker(client, cfg.LockTTL, logger), client, nil
}

// buildObjectStore selects the object store backend.
func buildObjectStore(ctx context.Context, cfg config.ObjectStoreConfig, logger *observability.Logger, otelMetrics *observability.OTelMetrics) (objectstore.Store, error) {
	if cfg.Type == "s3" {
		return objectstore.NewS3Store(ctx, objectstore.Config{
			S3Endpoint:     cfg.S3Endpoint,
			S3Region:       cfg.S3Region,
			S3Bucket:       cfg.S3Bucket,
			S3AccessKey:    cfg.S3AccessKey,
			S3SecretKey:    cfg.S3SecretKey,
			S3UsePathStyle: cfg.S3UsePathStyle,
		}, logger, otelMetrics)
	}

	logger.Warn("Using in-memory object store; uploads do not survive restarts")
	return objectstore.NewMemStore(), nil
}
