package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/billingcore/pkg/config"
)

var (
	runOnce = flag.Bool("run-once", false, "Run the renewal and pending-payment sweeps once and exit")
	migrate = flag.Bool("migrate", true, "Apply the schema before starting (postgres storage only)")
)

func main() {
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	log.Info("Starting billingd")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.Observability.LogLevel.String()); err == nil {
		log.SetLevel(level)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg, *migrate)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}

	if *runOnce {
		sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		err := a.sweepOnce(sigCtx)
		stop()
		if cerr := a.close(context.Background()); cerr != nil {
			log.Warnf("Shutdown incomplete: %v", cerr)
		}
		if err != nil {
			log.Fatalf("Sweep failed: %v", err)
		}
		log.Info("Sweeps completed")
		return
	}

	if err := a.serve(ctx); err != nil {
		log.Fatalf("billingd stopped with error: %v", err)
	}
	log.Info("billingd stopped")
}
