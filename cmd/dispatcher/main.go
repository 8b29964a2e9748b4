package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fedutinova/smartlabel/internal/app"
	appconfig "github.com/fedutinova/smartlabel/internal/config"
	"github.com/fedutinova/smartlabel/internal/dispatcher"
	"github.com/fedutinova/smartlabel/internal/job"
	"github.com/fedutinova/smartlabel/internal/logger"
	"github.com/fedutinova/smartlabel/internal/server"
	"github.com/fedutinova/smartlabel/internal/storage"
	httpapi "github.com/fedutinova/smartlabel/internal/transport/http"
	"golang.org/x/sync/errgroup"
)

const usage = `usage: dispatcher <command> [flags]

commands:
  consume                       apply completions and status updates to the registry
  submit -type T -payload JSON  submit a job and print its id
  cancel <job_id>               request cancellation
  status <job_id>               print the latest job record
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg := appconfig.Load()
	logger.Setup(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	infra, err := app.NewInfra(ctx, cfg)
	if err != nil {
		slog.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer infra.Close()

	d := dispatcher.New(infra.Bus, infra.Registry, infra.Channels)

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "consume":
		err = consume(ctx, cfg, infra)
	case "submit":
		err = submit(ctx, d, args)
	case "cancel":
		err = withID(args, func(id string) error { return d.Cancel(ctx, id) })
	case "status":
		err = withID(args, func(id string) error { return printStatus(ctx, d, id) })
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		slog.Error("command failed", "command", cmd, "err", err)
		infra.Close()
		os.Exit(1)
	}
}

func consume(ctx context.Context, cfg appconfig.Config, infra *app.Infra) error {
	archive, err := storage.NewArchive(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize archive: %w", err)
	}
	slog.Info("result archive", "type", storage.ArchiveType(cfg))

	consumer := dispatcher.NewStatusConsumer(infra.Bus, infra.Registry, infra.Channels, archive,
		dispatcher.ConsumerOptions{PollTimeout: cfg.PollTimeout, PollInterval: cfg.PollInterval})

	health := httpapi.NewHealth("dispatcher", infra.Probes()...)
	srv := server.NewServer(cfg.HealthAddr, server.NewRouter(health))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error { return server.Serve(gctx, srv) })
	return g.Wait()
}

func submit(ctx context.Context, d *dispatcher.Dispatcher, args []string) error {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	jobType := fs.String("type", string(job.TypeSingle), "job type: single_classification or batch_classification")
	payload := fs.String("payload", "", "job payload as JSON")
	file := fs.String("file", "", "read the payload from this file instead")
	wait := fs.Duration("wait", 0, "wait up to this long for a terminal status")
	if err := fs.Parse(args); err != nil {
		return err
	}

	body := []byte(*payload)
	if *file != "" {
		data, err := os.ReadFile(*file)
		if err != nil {
			return fmt.Errorf("failed to read payload file: %w", err)
		}
		body = data
	}
	if len(body) == 0 {
		return errors.New("payload is required")
	}

	id, err := d.Submit(ctx, job.Type(*jobType), json.RawMessage(body))
	if err != nil {
		return err
	}
	fmt.Println(id)

	if *wait <= 0 {
		return nil
	}
	return waitTerminal(ctx, d, id, *wait)
}

// waitTerminal polls the registry; it needs a consumer running somewhere.
func waitTerminal(ctx context.Context, d *dispatcher.Dispatcher, id string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()
	for {
		j, ok, err := d.GetStatus(ctx, id)
		if err != nil {
			return err
		}
		if ok && j.Status.Terminal() {
			return printJSON(j)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("job %s not finished: %w", id, ctx.Err())
		case <-tick.C:
		}
	}
}

func printStatus(ctx context.Context, d *dispatcher.Dispatcher, id string) error {
	j, ok, err := d.GetStatus(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job %s: unknown or expired", id)
	}
	return printJSON(j)
}

func withID(args []string, fn func(id string) error) error {
	if len(args) != 1 || args[0] == "" {
		return errors.New("exactly one job id is required")
	}
	return fn(args[0])
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
