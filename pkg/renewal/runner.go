package renewal

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/billingcore/pkg/observability"
)

// Runner runs periodic jobs on cron schedules. A job whose previous run is
// still in progress is skipped rather than started again.
type Runner struct {
	cron    *cron.Cron
	logger  *observability.Logger
	timeout time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewRunner creates a runner. Each run is bounded by timeout.
func NewRunner(logger *observability.Logger, timeout time.Duration) *Runner {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	adapter := cronLogger{logger: logger.WithField("component", "cron")}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		cron: cron.New(
			cron.WithLogger(adapter),
			cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
		),
		logger:  logger,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add schedules fn under spec, e.g. "@every 5m" or "*/10 * * * *"
func (r *Runner) Add(spec, name string, fn func(ctx context.Context) error) error {
	_, err := r.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
		defer cancel()

		start := time.Now()
		logger := r.logger.WithField("job", name)
		if err := fn(ctx); err != nil {
			logger.WithError(err).Errorf("Job failed after %v", time.Since(start))
			return
		}
		logger.Debugf("Job finished in %v", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("schedule %s %q: %w", name, spec, err)
	}
	return nil
}

// Start begins running jobs in the background
func (r *Runner) Start() {
	r.cron.Start()
}

// Stop cancels running jobs and waits for them to return, up to ctx
func (r *Runner) Stop(ctx context.Context) error {
	r.cancel()
	done := r.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts observability.Logger to cron.Logger
type cronLogger struct {
	logger *observability.Logger
}

// Info receives cron's scheduling chatter at debug level, except skipped
// overlapping runs.
func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	if msg == "skip" {
		c.logger.WithFields(pairs(keysAndValues)).Warn("Previous run still in progress, skipping")
		return
	}
	c.logger.WithFields(pairs(keysAndValues)).Debug(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.logger.WithFields(pairs(keysAndValues)).WithError(err).Error(msg)
}

func pairs(kv []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return fields
}
