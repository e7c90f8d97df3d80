package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/rampledger/api"
	"github.com/angelmondragon/rampledger/api/controllers"
	webhookcontrollers "github.com/angelmondragon/rampledger/api/controllers/webhooks"
	"github.com/angelmondragon/rampledger/api/routes"
	"github.com/angelmondragon/rampledger/internal/app"
	"github.com/angelmondragon/rampledger/pkg/config"
	"github.com/angelmondragon/rampledger/pkg/env"
	"github.com/angelmondragon/rampledger/pkg/instance"
	"github.com/angelmondragon/rampledger/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	deps, err := app.New(ctx, cfg, logg, registry)
	if err != nil {
		logg.Error(ctx, "failed to wire services", err)
		os.Exit(1)
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logg.Error(context.Background(), "error closing backends", err)
		}
	}()

	ready := map[string]controllers.Pinger{}
	if deps.DB != nil {
		ready["db"] = deps.DB
	}
	if deps.Redis != nil {
		ready["redis"] = deps.Redis
	}
	if deps.PubSub != nil {
		ready["pubsub"] = deps.PubSub
	}

	coinPayments := webhookcontrollers.Deps{
		Verifier:   deps.CoinPaymentsVerifier,
		Normalizer: deps.Normalizers,
		Engine:     deps.Engine,
	}
	mercuryo := webhookcontrollers.Deps{
		Verifier:   deps.MercuryoVerifier,
		Normalizer: deps.Normalizers,
		Engine:     deps.Engine,
	}
	if deps.Guard != nil {
		coinPayments.Guard = deps.Guard
		mercuryo.Guard = deps.Guard
	}

	handler, err := routes.NewRouter(routes.Deps{
		Config:       cfg,
		Logger:       logg,
		Ready:        ready,
		CoinPayments: coinPayments,
		Mercuryo:     mercuryo,
		Admin:        deps.Admin,
		Payments:     deps.Payments,
		Gatherer:     registry,
	})
	if err != nil {
		logg.Error(ctx, "failed to build router", err)
		os.Exit(1)
	}

	addr := ":" + env.Get("PORT", cfg.App.Port)
	server := api.NewServer(addr, handler)

	ctx = logg.WithFields(ctx, map[string]any{
		"env":      cfg.App.Env,
		"addr":     addr,
		"instance": instance.GetID(),
		"ledger":   cfg.Ledger.Driver,
	})
	logg.Info(ctx, "starting api server")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logg.Info(ctx, "shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "api server stopped")
}
