package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/billingcore/pkg/archive"
	"github.com/platinummonkey/billingcore/pkg/async"
	"github.com/platinummonkey/billingcore/pkg/billing"
	"github.com/platinummonkey/billingcore/pkg/config"
	"github.com/platinummonkey/billingcore/pkg/httputil"
	"github.com/platinummonkey/billingcore/pkg/keylock"
	"github.com/platinummonkey/billingcore/pkg/ledger"
	"github.com/platinummonkey/billingcore/pkg/middleware"
	"github.com/platinummonkey/billingcore/pkg/observability"
	"github.com/platinummonkey/billingcore/pkg/payments"
	"github.com/platinummonkey/billingcore/pkg/pricing"
	"github.com/platinummonkey/billingcore/pkg/promo"
	"github.com/platinummonkey/billingcore/pkg/referral"
	"github.com/platinummonkey/billingcore/pkg/renewal"
	"github.com/platinummonkey/billingcore/pkg/storage/memory"
	"github.com/platinummonkey/billingcore/pkg/storage/postgres"
	"github.com/platinummonkey/billingcore/pkg/webhooks"
)

// Version is set at build time
var Version = "dev"

// billingStore is what the daemon needs from a storage backend
type billingStore interface {
	ledger.Store
	payments.EventStore
	renewal.SubscriptionStore
	referral.RelationshipStore
	promo.GroupStore
	promo.CodeStore
}

// app holds the wired components of one daemon process
type app struct {
	cfg      *config.Config
	logger   *observability.Logger
	registry *prometheus.Registry
	metrics  *observability.Metrics

	db    *sql.DB
	redis redis.UniversalClient

	prices     *pricing.Holder
	ledger     *ledger.Service
	resolver   *promo.Resolver
	codes      *promo.Codes
	referrals  *referral.Engine
	scheduler  *renewal.Scheduler
	providers  *payments.Registry
	reconciler *payments.Reconciler
	sweeper    *payments.Sweeper
	outcomes   *webhooks.Manager
	outcomeLog *webhooks.ChannelNotifier
	otel       *observability.OTelProviders

	// closers run in reverse order on shutdown
	closers []closer
}

type closer struct {
	name string
	fn   observability.ShutdownFunc
}

func (a *app) onClose(name string, fn observability.ShutdownFunc) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

func newApp(ctx context.Context, cfg *config.Config, migrate bool) (a *app, err error) {
	a = &app{
		cfg:    cfg,
		logger: observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).WithField("service", "billingd"),
	}
	defer func() {
		if err != nil {
			if cerr := a.close(context.Background()); cerr != nil {
				a.logger.WithError(cerr).Warn("Cleanup after failed start was incomplete")
			}
		}
	}()

	if cfg.Observability.MetricsEnabled {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		a.metrics = observability.NewMetrics(a.registry)
	}

	if a.otel, err = observability.InitOTel(ctx, cfg.Observability.OTel(), a.logger); err != nil {
		return a, fmt.Errorf("init otel: %w", err)
	}
	a.onClose("otel", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, a.otel, a.logger)
	})

	store, err := a.openStore(ctx, migrate)
	if err != nil {
		return a, err
	}
	locker, err := a.openLocker()
	if err != nil {
		return a, err
	}

	snapshot, err := pricing.LoadFile(cfg.Pricing.Path)
	if err != nil {
		return a, fmt.Errorf("load pricing: %w", err)
	}
	if a.prices, err = pricing.NewHolder(snapshot); err != nil {
		return a, err
	}

	a.ledger = ledger.NewService(store, locker,
		ledger.WithLogger(a.logger),
		ledger.WithMetrics(a.metrics),
	)
	a.resolver = promo.NewResolver(store, a.ledger, a.prices, cfg.Promo.CacheSize, cfg.Promo.CacheTTL)
	a.codes = promo.NewCodes(store, a.ledger, locker, a.logger)

	notifier := a.openNotifier(ctx)

	a.referrals = referral.NewEngine(store, a.ledger, locker, notifier, cfg.Referral, a.logger, a.metrics)
	a.scheduler = renewal.NewScheduler(store, a.ledger, a.prices, a.resolver, locker, cfg.Renewal.Config,
		renewal.WithNotifier(notifier),
		renewal.WithLogger(a.logger),
		renewal.WithMetrics(a.metrics),
	)

	providers, err := payments.LoadProviders(cfg.Payments.ProvidersPath)
	if err != nil {
		return a, err
	}
	providerClient := &http.Client{
		Timeout:   15 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	if a.providers, err = payments.NewRegistry(providers, providerClient); err != nil {
		return a, fmt.Errorf("provider registry: %w", err)
	}

	opts := []payments.Option{
		payments.WithReferrals(a.referrals),
		payments.WithTopupListener(a.scheduler),
		payments.WithNotifier(notifier),
		payments.WithPromoInvalidator(a.resolver),
		payments.WithBudget(cfg.Server.WebhookBudget),
		payments.WithLogger(a.logger),
		payments.WithMetrics(a.metrics),
	}
	if cfg.Storage.S3Bucket != "" {
		archiver, err := archive.NewS3Archiver(ctx, cfg.Storage)
		if err != nil {
			return a, fmt.Errorf("payload archive: %w", err)
		}
		opts = append(opts, payments.WithArchiver(archiver))
	}
	a.reconciler = payments.NewReconciler(a.providers, store, a.ledger, locker, opts...)
	a.sweeper = payments.NewSweeper(a.reconciler, cfg.Payments.Sweep)

	return a, nil
}

func (a *app) openStore(ctx context.Context, migrate bool) (billingStore, error) {
	if a.cfg.Storage.Type == "memory" {
		a.logger.Warn("Using in-memory storage; balances are lost on restart")
		return memory.New(), nil
	}

	cm, err := postgres.NewConnectionManager(postgres.ConnectionConfigFromStorage(a.cfg.Storage), a.logger)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	a.onClose("postgres", func(context.Context) error { return cm.Close() })
	a.db = cm.Primary()

	hcCtx, cancel := context.WithCancel(context.Background())
	a.onClose("replica health", func(context.Context) error { cancel(); return nil })
	cm.StartHealthCheckRoutine(hcCtx, 30*time.Second)

	store := postgres.NewStoreFromManager(cm)
	if migrate {
		if err := store.Migrate(ctx); err != nil {
			return nil, err
		}
	}
	return store, nil
}

func (a *app) openLocker() (keylock.Locker, error) {
	if a.cfg.Storage.RedisURL == "" {
		a.logger.Info("No Redis configured; account locks are process-local")
		return keylock.NewMutex(), nil
	}
	rc, err := postgres.NewRedisClient(a.cfg.Storage)
	if err != nil {
		return nil, err
	}
	a.onClose("redis", func(context.Context) error { return rc.Close() })
	a.redis = rc.Client()
	return keylock.NewRedisLocker(a.redis, "billing:lock", a.cfg.Storage.LockTTL), nil
}

// openNotifier fans outcomes out to the outcome log and, when enabled, to
// subscribed HTTP endpoints.
func (a *app) openNotifier(ctx context.Context) billing.Notifier {
	a.outcomeLog = webhooks.NewChannelNotifier(1024)
	logger := a.logger.WithField("component", "outcomes")
	go func() {
		defer observability.RecoverPanic(a.logger, "outcome log")
		for o := range a.outcomeLog.C() {
			logger.WithFields(map[string]interface{}{
				"outcome":    o.Type,
				"account_id": o.AccountID,
				"amount":     o.Amount,
				"tx_id":      o.TransactionID,
			}).Info("Outcome")
		}
	}()
	a.onClose("outcome log", func(context.Context) error { a.outcomeLog.Close(); return nil })

	notifiers := webhooks.MultiNotifier{a.outcomeLog}
	if oc := a.cfg.Outcomes; oc.Enabled {
		retry := async.NewRetryPolicy(oc.Retry)
		a.outcomes = webhooks.NewManager(ctx,
			webhooks.WithHTTPClient(&http.Client{
				Timeout:   10 * time.Second,
				Transport: otelhttp.NewTransport(http.DefaultTransport),
			}),
			webhooks.WithRetryPolicy(retry),
			webhooks.WithRateLimit(oc.RateLimitPerMinute, time.Minute),
			webhooks.WithWorkers(oc.Workers),
			webhooks.WithDeliveryLogSize(oc.DeliveryLogSize),
			webhooks.WithLogger(a.logger),
			webhooks.WithMetrics(a.metrics),
		)
		a.onClose("outcome delivery", func(ctx context.Context) error {
			return a.outcomes.Close(timeUntil(ctx, 10*time.Second))
		})
		notifiers = append(notifiers, a.outcomes)
	}
	return notifiers
}

// sweepOnce runs each periodic job a single time
func (a *app) sweepOnce(ctx context.Context) error {
	renewed, rerr := a.scheduler.Sweep(ctx)
	a.logger.WithField("stats", renewed).Info("Renewal sweep finished")
	swept, perr := a.sweeper.Sweep(ctx)
	a.logger.WithField("stats", swept).Info("Pending sweep finished")
	return errors.Join(rerr, perr)
}

func (a *app) startJobs() (*renewal.Runner, error) {
	runner := renewal.NewRunner(a.logger, a.cfg.Renewal.Timeout)
	if err := runner.Add(a.cfg.Renewal.Schedule, "renewal sweep", func(ctx context.Context) error {
		_, err := a.scheduler.Sweep(ctx)
		return err
	}); err != nil {
		return nil, err
	}
	if err := runner.Add(a.cfg.Payments.SweepSchedule, "pending sweep", func(ctx context.Context) error {
		_, err := a.sweeper.Sweep(ctx)
		return err
	}); err != nil {
		return nil, err
	}
	if a.outcomes != nil {
		if err := runner.Add(a.cfg.Outcomes.RetrySchedule, "outcome retry", func(ctx context.Context) error {
			_, err := a.outcomes.RetryDue(ctx)
			return err
		}); err != nil {
			return nil, err
		}
	}
	runner.Start()
	return runner, nil
}

// publicRouter serves provider webhooks
func (a *app) publicRouter() http.Handler {
	sc := a.cfg.Server
	router := mux.NewRouter()
	if a.metrics != nil {
		router.Use(observability.HTTPMetricsMiddleware(a.metrics, routeTemplate))
	}

	var limiter middleware.Limiter
	rl := &middleware.RateLimitConfig{
		RequestsPerWindow: sc.RateLimitPerMinute,
		WindowDuration:    time.Minute,
		BurstSize:         sc.RateLimitBurst,
	}
	if a.redis != nil {
		limiter = middleware.NewDistributedRateLimiter(a.redis, rl, "billing:ratelimit")
	} else {
		local := middleware.NewRateLimiter(rl)
		local.StartCleanup(context.Background())
		limiter = local
	}

	var ingress []mux.MiddlewareFunc
	if sc.RateLimitPerMinute > 0 {
		mw := middleware.NewRateLimitMiddleware(limiter, middleware.ProviderIPKey(sc.TrustProxy), a.logger, a.metrics)
		ingress = append(ingress, mw.Handler)
	}
	payments.NewHandler(a.reconciler, a.logger, sc.TrustProxy).RegisterRoutes(router, ingress...)

	handler := httputil.Chain(
		httputil.RecoveryMiddleware(a.logger),
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(a.logger),
		httputil.DeadlineMiddleware(sc.WebhookBudget+5*time.Second),
	)(router)
	return otelhttp.NewHandler(handler, "billing.ingress")
}

// adminRouter serves health, metrics, promo codes and outcome endpoint
// management on the internal port
func (a *app) adminRouter() http.Handler {
	router := mux.NewRouter()

	checker := observability.NewHealthChecker(a.db, a.redis, Version)
	checker.AddCheck("pricing", true, func(context.Context) error {
		if a.prices.Load() == nil {
			return errors.New("no pricing snapshot loaded")
		}
		return nil
	})
	observability.RegisterHealthRoutes(router, checker)

	if a.registry != nil {
		router.Handle("/metrics", observability.MetricsHandler(a.registry)).Methods(http.MethodGet)
	}
	if a.codes != nil {
		promo.NewHandlers(a.codes).RegisterRoutes(router.PathPrefix("/admin/promocodes").Subrouter())
	}
	if a.outcomes != nil {
		webhooks.NewHandlers(a.outcomes).RegisterRoutes(router.PathPrefix("/admin/outcomes").Subrouter())
	}

	return httputil.Chain(
		httputil.RecoveryMiddleware(a.logger),
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(a.logger),
	)(router)
}

// serve runs the HTTP servers, the pricing watcher and the cron jobs until
// SIGINT/SIGTERM, then shuts everything down in order.
func (a *app) serve(ctx context.Context) error {
	sc := a.cfg.Server

	server := &http.Server{
		Addr:         net.JoinHostPort(sc.Host, sc.Port),
		Handler:      a.publicRouter(),
		ReadTimeout:  sc.ReadTimeout,
		WriteTimeout: sc.WriteTimeout,
		IdleTimeout:  sc.IdleTimeout,
	}
	admin := &http.Server{
		Addr:              net.JoinHostPort(sc.Host, sc.HealthPort),
		Handler:           a.adminRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	sm := observability.NewShutdownManager(a.logger, server, sc.ShutdownTimeout)
	for _, c := range a.closers {
		sm.RegisterShutdownFunc(c.name, c.fn)
	}
	a.closers = nil
	sm.RegisterShutdownFunc("admin server", admin.Shutdown)

	watchCtx, stopWatch := context.WithCancel(ctx)
	if a.cfg.Pricing.Watch {
		watcher := pricing.NewWatcher(a.cfg.Pricing.Path, a.prices, a.logger, a.metrics)
		go func() {
			defer observability.RecoverPanic(a.logger, "pricing watcher")
			if err := watcher.Run(watchCtx); err != nil {
				a.logger.WithError(err).Error("Pricing watcher stopped; snapshot will not reload")
			}
		}()
	}
	sm.RegisterShutdownFunc("pricing watcher", func(context.Context) error { stopWatch(); return nil })

	runner, err := a.startJobs()
	if err != nil {
		stopWatch()
		return err
	}
	sm.RegisterShutdownFunc("cron", runner.Stop)

	errCh := make(chan error, 2)
	for _, srv := range []*http.Server{server, admin} {
		go func() {
			a.logger.Infof("Listening on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("%s: %w", srv.Addr, err)
			}
		}()
	}

	waitCtx, cancel := context.WithCancel(ctx)
	var serveErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case serveErr = <-errCh:
			cancel()
		case <-waitCtx.Done():
		}
	}()

	shutdownErr := sm.WaitForShutdown(waitCtx)
	cancel()
	<-done
	return errors.Join(serveErr, shutdownErr)
}

// close runs the registered closers in reverse order
func (a *app) close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", a.closers[i].name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// timeUntil returns the time left before ctx's deadline, or def without one
func timeUntil(ctx context.Context, def time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		return max(time.Until(deadline), 0)
	}
	return def
}
