// Package observability provides structured logging, Prometheus metrics, and OpenTelemetry tracing.
//
// # Overview
//
// This package centralizes observability infrastructure for the billing daemon:
// JSON logging, metrics for money movement, health checks, graceful shutdown
// and tracing spans around ledger posts, reconciliation and renewal.
//
// # Structured Logging
//
// Create logger:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("provider", "yookassa").Info("webhook accepted")
//
// Context-aware logging:
//
//	ctx = observability.WithAccountID(ctx, accountID)
//	observability.FromContext(ctx).WithError(err).Error("renewal failed")
//
// # Prometheus Metrics
//
// Initialize metrics:
//
//	metrics := observability.NewMetrics(registry)
//	metrics.RecordLedgerPost("TOPUP", "ok", amount, elapsed)
//
// A nil *Metrics is valid; every Record method is a no-op on it.
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient, version)
//	observability.RegisterHealthRoutes(router, checker)
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:     true,
//		ServiceName: "billingd",
//		Endpoint:    "otel-collector:4317",
//	}, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
//
//	ctx, span := observability.StartSpan(ctx, "ledger.post")
//	defer func() { observability.EndSpan(span, err) }()
//
// # Related Packages
//
//   - pkg/config: Observability configuration
package observability
