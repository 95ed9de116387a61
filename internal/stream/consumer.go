// Package stream runs the single-reader loop every pipeline stage uses to
// consume its input stream, and the helpers that write to the shared response
// and dead-letter streams.
//
// Each stream has exactly one reader. The reader keeps a cursor (the id of the
// last record it finished), reads one record at a time after that cursor with
// a bounded block, hands it to a Handler, and then removes the record from the
// stream whatever the outcome. Records whose handler failed are copied to the
// dead-letter stream first so they can be replayed later.
package stream

import (
	"context"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/tracing"
)

// Record is one stream entry.
type Record = redis.StreamMessage

// Broker is the subset of the stream broker the pipeline needs.
// *redis.Client implements it.
type Broker interface {
	Appender
	ReadNext(ctx context.Context, stream, after string, block time.Duration) (*Record, error)
	Ack(ctx context.Context, stream, id string) error
}

// Appender writes records to a stream.
type Appender interface {
	Append(ctx context.Context, stream string, fields map[string]string) (string, error)
}

// Handler processes one record. A non-nil error sends the record to the
// dead-letter stream; the record is acknowledged either way.
type Handler func(ctx context.Context, rec *Record) error

// Consumer is the read loop for one stream.
type Consumer struct {
	name        string
	stream      string
	deadLetters string
	block       time.Duration
	backoff     time.Duration
	broker      Broker
	cursors     CursorStore
	handler     Handler
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// NewConsumer creates a consumer named after its stage. m may be nil.
func NewConsumer(name, stream string, broker Broker, cursors CursorStore, handler Handler, cfg config.StreamsConfig, m *metrics.Metrics) *Consumer {
	return &Consumer{
		name:        name,
		stream:      stream,
		deadLetters: cfg.DeadLetters,
		block:       cfg.BlockTimeout,
		backoff:     cfg.Backoff,
		broker:      broker,
		cursors:     cursors,
		handler:     handler,
		metrics:     m,
		logger:      logger.WithComponent(name).With("stream", stream),
	}
}

// Run consumes records until ctx is cancelled. It only returns once the
// record in flight, if any, has been handled and acknowledged.
func (c *Consumer) Run(ctx context.Context) error {
	last, ok := c.loadCursor(ctx)
	if !ok {
		return nil
	}
	c.logger.Info("consumer started", "cursor", last)

	for {
		if ctx.Err() != nil {
			c.logger.Info("consumer stopped", "cursor", last)
			return nil
		}
		rec, err := c.broker.ReadNext(ctx, c.stream, last, c.block)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.logger.Error("stream read failed", "error", err, "backoff", c.backoff)
			if c.metrics != nil {
				c.metrics.BrokerErrorsTotal.WithLabelValues(c.stream).Inc()
			}
			c.sleep(ctx)
			continue
		}
		if rec == nil {
			c.logger.Debug("waiting for records")
			continue
		}
		if !c.process(ctx, rec) {
			continue
		}
		last = rec.ID
		if err := c.cursors.Save(context.WithoutCancel(ctx), c.stream, last); err != nil {
			c.logger.Warn("saving cursor failed", "cursor", last, "error", err)
		}
	}
}

// process handles one record. It reports false when the record was left in
// place because the consumer is shutting down mid-handler; the cursor then
// stays put and the record is read again on restart.
func (c *Consumer) process(ctx context.Context, rec *Record) bool {
	taskID := rec.Fields["task_id"]
	ctx = logger.WithTask(ctx, taskID)
	ctx, span := tracing.StartSpan(ctx, c.name, taskID)
	log := logger.FromContext(ctx).With("component", c.name, "record_id", rec.ID)
	log.Info("record received")
	if c.metrics != nil {
		c.metrics.RecordsConsumedTotal.WithLabelValues(c.stream).Inc()
	}

	start := time.Now()
	err := c.handler(ctx, rec)
	span.End(err)
	span.Log(log)
	if c.metrics != nil {
		c.metrics.StageLatency.WithLabelValues(c.name).Observe(time.Since(start).Seconds())
	}

	if err != nil && ctx.Err() != nil {
		log.Warn("handler interrupted by shutdown, record kept", "error", err)
		return false
	}

	// already-read records are finished even when shutdown has started
	ackCtx := context.WithoutCancel(ctx)
	if err != nil {
		log.Error("record processing failed", "error", err)
		c.deadLetter(ackCtx, rec, err, log)
	}
	if err := c.broker.Ack(ackCtx, c.stream, rec.ID); err != nil {
		log.Error("acknowledging record failed", "error", err)
		return true
	}
	log.Debug("record acknowledged")
	return true
}

func (c *Consumer) deadLetter(ctx context.Context, rec *Record, cause error, log *slog.Logger) {
	if c.deadLetters == "" {
		return
	}
	fields := DeadLetterFields(c.stream, rec, cause)
	if _, err := c.broker.Append(ctx, c.deadLetters, fields); err != nil {
		log.Error("dead-lettering record failed", "error", err)
		return
	}
	if c.metrics != nil {
		c.metrics.RecordsDeadLetteredTotal.WithLabelValues(c.stream).Inc()
	}
}

func (c *Consumer) loadCursor(ctx context.Context) (string, bool) {
	for {
		last, err := c.cursors.Load(ctx, c.stream)
		if err == nil {
			return last, true
		}
		if ctx.Err() != nil {
			return "", false
		}
		c.logger.Error("loading cursor failed", "error", err, "backoff", c.backoff)
		c.sleep(ctx)
	}
}

func (c *Consumer) sleep(ctx context.Context) {
	t := time.NewTimer(c.backoff)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
