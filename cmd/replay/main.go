// Command replay moves dead-lettered records back onto the stream they
// failed on so the stage processes them again.
//
// Usage:
//
//	go run ./cmd/replay [-config configs/development.yaml] [-source ocr_tasks] [-task <id>] [-dry-run]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/internal/app"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/internal/stream"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	source := flag.String("source", "", "only replay records that failed on this stream")
	taskID := flag.String("task", "", "only replay records of this task")
	dryRun := flag.Bool("dry-run", false, "list matching records without moving them")
	flag.Parse()

	a, err := app.Start("replay", *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := stream.Replay(ctx, a.Redis, a.Config.Streams.DeadLetters, stream.ReplayOptions{
		Source: *source,
		TaskID: *taskID,
		DryRun: *dryRun,
	})
	if err != nil {
		slog.Error("replay failed", "error", err, "replayed", res.Replayed)
		a.Close()
		os.Exit(1)
	}
	slog.Info("replay finished", "replayed", res.Replayed, "skipped", res.Skipped, "dry_run", *dryRun)
}
