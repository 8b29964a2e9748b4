package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fedutinova/smartlabel/internal/app"
	"github.com/fedutinova/smartlabel/internal/classify"
	appconfig "github.com/fedutinova/smartlabel/internal/config"
	"github.com/fedutinova/smartlabel/internal/keypool"
	"github.com/fedutinova/smartlabel/internal/logger"
	"github.com/fedutinova/smartlabel/internal/server"
	httpapi "github.com/fedutinova/smartlabel/internal/transport/http"
	"github.com/fedutinova/smartlabel/internal/worker"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := appconfig.Load()
	logger.Setup(cfg.LogLevel, cfg.LogFormat)
	slog.Info("starting worker", "agent", cfg.AgentID, "role", cfg.WorkerRole, "bus", cfg.BusDriver)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, cfg)
	stop()
	if err != nil {
		slog.Error("worker stopped with error", "err", err)
		os.Exit(1)
	}
	slog.Info("worker stopped")
}

// run closes the infrastructure it opened on every return path.
func run(ctx context.Context, cfg appconfig.Config) error {
	infra, err := app.NewInfra(ctx, cfg)
	if err != nil {
		return fmt.Errorf("startup failed: %w", err)
	}
	defer infra.Close()

	pool, err := keypool.NewClient(cfg.KeyPool.Providers, keypool.OptionsFromConfig(cfg.KeyPool),
		keypool.NewOpenAICompleter(), infra.Limiter(cfg))
	if err != nil {
		return fmt.Errorf("failed to build key pool: %w", err)
	}

	agent := worker.New(worker.OptionsFromConfig(cfg), infra.Bus, infra.Registry,
		classify.New(pool, ""), infra.JobLog, infra.Channels)
	if err := agent.Start(ctx); err != nil {
		return err
	}

	probes := append(infra.Probes(), httpapi.KeyPoolProbe(pool))
	health := httpapi.NewHealth("worker", probes...).WithKeyPool(pool)
	srv := server.NewServer(cfg.HealthAddr, server.NewRouter(health))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return agent.Run(gctx) })
	g.Go(func() error { return server.Serve(gctx, srv) })
	return g.Wait()
}
