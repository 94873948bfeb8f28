// Package observability provides structured logging, Prometheus metrics,
// health checks, OpenTelemetry wiring and coordinated shutdown.
//
// # Structured Logging
//
// Create a logger and attach fields:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithComponent("metastore").Info("Endpoint pool ready")
//	logger.WithField("flow_id", id).WithError(err).Error("Segment write failed")
//
// # Prometheus Metrics
//
// Register the vectors on a private registry and serve it yourself:
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.StoreOperationsTotal.WithLabelValues("read", "segments", "ok").Inc()
//
// # Health Checks
//
// Critical checks gate readiness; non-critical checks only degrade:
//
//	checker := observability.NewHealthChecker(version)
//	checker.AddCheck("metastore", true, pool.HealthCheck)
//	checker.AddCheck("objectstore", false, store.HealthCheck)
//	observability.RegisterHealthRoutes(router, checker)
//
// # OpenTelemetry
//
// InitOTel returns nil providers when tracing is disabled; every
// consumer treats that as a no-op:
//
//	providers, err := observability.InitOTel(ctx, cfg, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
//
// # Shutdown
//
// The shutdown manager drains the HTTP server first, then runs the
// registered component closers in registration order under one
// timeout, so consumers stop before the things they consume:
//
//	sm := observability.NewShutdownManager(logger, server, 30*time.Second)
//	sm.RegisterShutdownFunc("endpoint pool", func(context.Context) error { return pool.Close() })
//	return sm.WaitForShutdown()
package observability
