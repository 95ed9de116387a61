// Command bot runs the chat front-end.
//
// It long-polls Telegram for photos and commands, buffers each session's
// photos until the debounce window passes, submits the batch to the OCR
// stream, and delivers every record of the response stream back to the
// session it belongs to.
//
// Usage:
//
//	go run ./cmd/bot [-config configs/development.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/internal/app"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/internal/intake"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/internal/router"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/internal/telegram"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/clock"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	a, err := app.Start("bot", *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer a.Close()
	cfg := a.Config

	if cfg.Telegram.Token == "" {
		slog.Error("telegram token is not configured (RP_TELEGRAM_TOKEN)")
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.Intake.PhotoDir, 0o755); err != nil {
		slog.Error("failed to create photo dir", "dir", cfg.Intake.PhotoDir, "error", err)
		os.Exit(1)
	}

	client := telegram.NewClient(cfg.Telegram,
		a.HTTPClient("telegram", cfg.Telegram.PollTimeout+10*time.Second, nil))
	debouncer := intake.New(cfg.Intake, cfg.Streams, a.Redis, client, clock.Real(), a.Metrics)
	poller := telegram.NewPoller(client, debouncer, cfg.Intake.PhotoDir, cfg.Telegram.PollTimeout, cfg.Streams.Backoff)
	responses := a.Consumer("router", cfg.Streams.Responses, router.New(client, a.Metrics).Handle)

	a.ServeMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("bot ready",
		"debounce", cfg.Intake.Debounce,
		"photo_dir", cfg.Intake.PhotoDir,
		"responses", cfg.Streams.Responses,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return poller.Run(gctx) })
	g.Go(func() error { return responses.Run(gctx) })
	if err := g.Wait(); err != nil {
		slog.Error("bot error", "error", err)
	}
	if n := debouncer.Shutdown(); n > 0 {
		slog.Warn("photos left unsubmitted", "count", n, "photo_dir", cfg.Intake.PhotoDir)
	}
}
