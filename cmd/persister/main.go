// Command persister consumes persistence tasks and stores each structured
// receipt and its line items in PostgreSQL, skipping receipts already stored.
// When Kafka is enabled a receipt.stored event is published per new receipt.
//
// Usage:
//
//	go run ./cmd/persister [-config configs/development.yaml]
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
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/internal/persist"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/postgres"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	a, err := app.Start("persister", *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer a.Close()
	cfg := a.Config

	db, err := postgres.New(cfg.Postgres)
	if err != nil {
		slog.Error("failed to open postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	a.Health.Register("postgres", health.PingCheck(db.Ping))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := persist.NewPostgresStore(db)
	if cfg.Persist.EnsureSchema {
		if err := store.EnsureSchema(ctx); err != nil {
			// The datastore may come up later; tasks fail and are
			// dead-lettered until it does.
			slog.Error("ensuring schema failed", "error", err)
		}
	}

	stageCfg := persist.Config{
		Store:     store,
		Responder: a.Responder(),
		Audit:     audit.New(cfg.Persist.AuditDir),
		Metrics:   a.Metrics,
	}
	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.ReceiptEvents)
		defer producer.Close()
		stageCfg.Events = producer
		a.Health.RegisterOptional("kafka", health.PingCheck(producer.Ping))
		slog.Info("publishing receipt events", "topic", cfg.Kafka.ReceiptEvents, "brokers", cfg.Kafka.Brokers)
	}
	stage := persist.NewStage(stageCfg)
	consumer := a.Consumer("persist", cfg.Streams.DBTasks, stage.Handle)

	a.ServeMetrics()

	slog.Info("persister ready, consuming tasks",
		"stream", cfg.Streams.DBTasks,
		"database", cfg.Postgres.Database,
	)
	if err := consumer.Run(ctx); err != nil {
		slog.Error("consumer error", "error", err)
	}
}
