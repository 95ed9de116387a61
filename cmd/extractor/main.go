// Command extractor consumes extraction tasks and asks the local language
// model to turn the recognised receipt text into structured JSON.
//
// Usage:
//
//	go run ./cmd/extractor [-config configs/development.yaml]
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
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/internal/audit"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/internal/extract"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/health"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	a, err := app.Start("extractor", *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer a.Close()
	cfg := a.Config

	prompt, err := extract.LoadPrompt(cfg.LLM.PromptPath)
	if err != nil {
		slog.Error("failed to load prompt", "error", err)
		os.Exit(1)
	}

	// The per-call deadline is applied by the stage, not the HTTP client.
	ollama := extract.NewOllama(cfg.LLM.BaseURL, cfg.LLM.Model, a.HTTPClient("ollama", 0, nil))
	a.Health.RegisterOptional("ollama", health.PingCheck(ollama.Ping))

	stage := extract.NewStage(extract.Config{
		Generator: ollama,
		Prompt:    prompt,
		Breaker:   a.Breaker("ollama", nil),
		Timeout:   cfg.LLM.Timeout,
		Out:       a.Redis,
		Responder: a.Responder(),
		Next:      cfg.Streams.DBTasks,
		Audit:     audit.New(cfg.Persist.AuditDir),
		Metrics:   a.Metrics,
	})
	consumer := a.Consumer("extract", cfg.Streams.IATasks, stage.Handle)

	a.ServeMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("extractor ready, consuming tasks",
		"stream", cfg.Streams.IATasks,
		"model", cfg.LLM.Model,
		"timeout", cfg.LLM.Timeout,
	)
	if err := consumer.Run(ctx); err != nil {
		slog.Error("consumer error", "error", err)
	}
}
