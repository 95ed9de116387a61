// Command ocrworker consumes OCR tasks, recognises the text of every photo in
// the batch with Document AI and hands the combined text to the extraction
// stage.
//
// Credentials come from the Google application default credentials.
//
// Usage:
//
//	go run ./cmd/ocrworker [-config configs/development.yaml]
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
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/internal/ocr"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/resilience"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	a, err := app.Start("ocr worker", *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer a.Close()
	cfg := a.Config

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	google, err := ocr.NewGoogleHTTPClient(ctx)
	if err != nil {
		slog.Error("failed to load google credentials", "error", err)
		os.Exit(1)
	}
	docAI := ocr.NewDocumentAI(cfg.OCR, a.HTTPClient("documentai", cfg.OCR.Timeout, google.Transport))

	stage := ocr.NewStage(ocr.Config{
		Recognizer: docAI,
		Breaker:    a.Breaker("documentai", ocr.Retryable),
		Retry:      resilience.RetryConfig{MaxAttempts: cfg.OCR.RetryAttempts},
		Out:        a.Redis,
		Responder:  a.Responder(),
		Next:       cfg.Streams.IATasks,
		MIMEType:   cfg.OCR.MIMEType,
		Metrics:    a.Metrics,
	})
	consumer := a.Consumer("ocr", cfg.Streams.OCRTasks, stage.Handle)

	a.ServeMetrics()

	slog.Info("ocr worker ready, consuming tasks",
		"stream", cfg.Streams.OCRTasks,
		"processor", cfg.OCR.ProcessorName(),
	)
	if err := consumer.Run(ctx); err != nil {
		slog.Error("consumer error", "error", err)
	}
}
