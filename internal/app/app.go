// Package app holds the process bootstrap shared by the pipeline commands:
// configuration, logging, the stream broker, metrics and health probes.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/internal/stream"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/middleware"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/resilience"
)

// App is a started pipeline process.
type App struct {
	Name    string
	Config  *config.Config
	Redis   *redis.Client
	Metrics *metrics.Metrics
	Health  *health.Checker

	stopMetrics func(context.Context) error
}

// Start loads .env and the config file, sets up logging and connects to the
// stream broker. The caller must Close the returned App.
func Start(name, configPath string) (*App, error) {
	// .env is optional; variables already in the environment win.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting "+name, "redis", cfg.Redis.Addr)

	rdb, err := redis.NewClient(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	slog.Info("connected to redis")

	a := &App{
		Name:    name,
		Config:  cfg,
		Redis:   rdb,
		Metrics: metrics.New(prometheus.DefaultRegisterer),
		Health:  health.NewChecker(),
	}
	a.Health.Register("redis", health.PingCheck(rdb.Ping))
	return a, nil
}

// ServeMetrics starts the metrics and health server when it is enabled.
func (a *App) ServeMetrics() {
	if !a.Config.Metrics.Enabled {
		return
	}
	srv := metrics.NewServer(a.Name, a.Config.Metrics.Port, a.Health.Routes())
	if err := srv.Start(); err != nil {
		slog.Error("metrics disabled", "error", err)
		return
	}
	a.stopMetrics = srv.Shutdown
}

// Breaker returns a circuit breaker whose transitions are exported as the
// circuit_breaker_state gauge. isFailure may be nil to count every error
// except cancellation.
func (a *App) Breaker(name string, isFailure func(error) bool) *resilience.CircuitBreaker {
	a.Metrics.SetBreakerState(name, int(resilience.StateClosed))
	return resilience.NewCircuitBreaker(name, resilience.CircuitBreakerConfig{
		IsFailure: isFailure,
		OnStateChange: func(n string, to resilience.State) {
			a.Metrics.SetBreakerState(n, int(to))
		},
	})
}

// HTTPClient returns an instrumented client for an external service.
func (a *App) HTTPClient(service string, timeout time.Duration, base http.RoundTripper) *http.Client {
	return middleware.Client(a.Metrics, service, timeout, base)
}

// Consumer builds a stream consumer whose cursor is stored in Redis.
func (a *App) Consumer(name, streamName string, handler stream.Handler) *stream.Consumer {
	cursors := stream.NewRedisCursors(a.Redis, a.Config.Streams.CursorPrefix, a.Config.Streams.StartID)
	return stream.NewConsumer(name, streamName, a.Redis, cursors, handler, a.Config.Streams, a.Metrics)
}

// Responder writes to the shared response stream.
func (a *App) Responder() *stream.Responder {
	return stream.NewResponder(a.Redis, a.Config.Streams.Responses)
}

// Close stops the metrics server and the broker connection.
func (a *App) Close() {
	if a.stopMetrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.stopMetrics(ctx); err != nil {
			slog.Error("metrics server shutdown error", "error", err)
		}
	}
	if err := a.Redis.Close(); err != nil {
		slog.Error("closing redis failed", "error", err)
	}
	slog.Info(a.Name + " stopped")
}
