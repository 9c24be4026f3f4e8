package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cordum/mpk/core/controlplane/gateway"
	"github.com/cordum/mpk/core/infra/buildinfo"
	"github.com/cordum/mpk/core/infra/bus"
	"github.com/cordum/mpk/core/infra/config"
	"github.com/cordum/mpk/core/infra/logging"
	infraMetrics "github.com/cordum/mpk/core/infra/metrics"
	"github.com/cordum/mpk/core/mpk/host"
	"github.com/cordum/mpk/core/mpk/installer"
)

const drainTimeout = 30 * time.Second

type deps struct {
	metrics        infraMetrics.Metrics
	gatewayMetrics infraMetrics.GatewayMetrics
	serveMetrics   bool
}

func main() {
	buildinfo.Log("mpkd")

	cfg, err := config.Load()
	if err != nil {
		logging.Error("mpkd", "config load failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d := deps{
		metrics:        infraMetrics.NewProm("mpk"),
		gatewayMetrics: infraMetrics.NewGatewayProm("mpk_gateway"),
		serveMetrics:   cfg.MetricsAddr != "",
	}
	if err := run(ctx, cfg, d); err != nil {
		logging.Error("mpkd", "exited with error", "error", err)
		os.Exit(1)
	}
	logging.Info("mpkd", "stopped")
}

func run(ctx context.Context, cfg *config.Config, d deps) error {
	hub := gateway.NewHub(d.gatewayMetrics)
	publishers := []bus.Publisher{hub}
	if cfg.NatsURL != "" {
		natsBus, err := bus.NewNatsBus(cfg.NatsURL, cfg.EventsSubject)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer natsBus.Close()
		publishers = append(publishers, natsBus)
	} else {
		logging.Warn("mpkd", "NATS_URL not set, events only reach stream clients")
	}

	h, err := host.Open(cfg,
		installer.WithPublisher(bus.Multi(publishers...)),
		installer.WithMetrics(d.metrics),
	)
	if err != nil {
		return err
	}
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		if err := h.Close(drainCtx); err != nil {
			logging.Error("mpkd", "shutdown incomplete", "error", err)
		}
	}()

	opts := []gateway.Option{
		gateway.WithHub(hub),
		gateway.WithMetrics(d.gatewayMetrics),
		gateway.WithMaxUploadBytes(cfg.Limits.MaxTotalBytes),
	}
	auth, err := gateway.APIKeyAuthFromEnv()
	if err != nil {
		return fmt.Errorf("load api keys: %w", err)
	}
	if auth != nil {
		opts = append(opts, gateway.WithAuth(auth))
	} else {
		logging.Warn("mpkd", "no API keys configured, API is unauthenticated")
	}
	srv, err := gateway.New(h.Service, opts...)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 2)
	servers := 1
	if d.serveMetrics {
		servers++
		go func() { errCh <- gateway.ServeMetrics(ctx, cfg.MetricsAddr) }()
	}
	go func() { errCh <- srv.ListenAndServe(ctx, cfg.HTTPAddr) }()

	logging.Info("mpkd", "running", "http", cfg.HTTPAddr, "install_root", cfg.InstallRoot)
	var errs []error
	for i := 0; i < servers; i++ {
		if err := <-errCh; err != nil {
			errs = append(errs, err)
			cancel()
		}
	}
	return errors.Join(errs...)
}
