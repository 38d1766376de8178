package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/matchserve/fleetd/pkg/api"
	"github.com/matchserve/fleetd/pkg/cloud"
	"github.com/matchserve/fleetd/pkg/config"
	"github.com/matchserve/fleetd/pkg/fleet"
	"github.com/matchserve/fleetd/pkg/metrics"
	"github.com/matchserve/fleetd/pkg/worker"
)

const shutdownTimeout = 10 * time.Second

func main() {
	logger := logrus.New()

	cfg := config.Load()
	cfg.ApplyToLogger(logger)
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	log := logrus.NewEntry(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ec2Client, err := cloud.NewEC2Client(ctx, cfg.Cloud)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create EC2 client")
	}

	adapter := cloud.NewAdapter(ec2Client, cfg.Cloud, log)
	workers := worker.NewClient(cfg.Worker, log)
	met := metrics.New("fleetd")
	ctrl := fleet.NewController(cfg, adapter, workers, met, log)

	go ctrl.Run(ctx)

	srv := api.NewServer(cfg, ctrl, met, log)

	serveErr := make(chan error, 1)
	go func() {
		log.WithField("addr", srv.Addr).Info("HTTP server listening")
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("HTTP server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP server shutdown incomplete")
	}

	log.Info("Shutdown complete")
}
