// Package persist implements the persistence stage: it normalises the
// structured result of a receipt, rejects duplicates, writes the receipt and
// its line items, and reports the outcome to the user.
package persist

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/internal/audit"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/internal/pipeline"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/internal/receipt"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/internal/stream"
	apperrors "github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/tracing"
)

const stageName = "persist"

// EventTypeReceiptStored is published after a receipt is committed.
const EventTypeReceiptStored = "receipt.stored"

// Publisher announces stored receipts. *kafka.Producer implements it.
type Publisher interface {
	Publish(ctx context.Context, event kafka.Event) error
}

// ReceiptStored is the payload of a receipt.stored event.
type ReceiptStored struct {
	ReceiptID     int64     `json:"receipt_id"`
	TaskID        string    `json:"task_id"`
	UserID        string    `json:"user_id"`
	StoreName     string    `json:"store_name"`
	ReceiptNumber string    `json:"receipt_number,omitempty"`
	Date          string    `json:"date"`
	Total         float64   `json:"total"`
	ItemCount     int       `json:"item_count"`
	StoredAt      time.Time `json:"stored_at"`
}

// Stage handles records from the persistence stream.
type Stage struct {
	store     Store
	responder *stream.Responder
	audit     *audit.Writer
	events    Publisher
	metrics   *metrics.Metrics
	now       func() time.Time
}

// Config wires a Stage. Audit, Events and Metrics are optional.
type Config struct {
	Store     Store
	Responder *stream.Responder
	Audit     *audit.Writer
	Events    Publisher
	Metrics   *metrics.Metrics
}

func NewStage(cfg Config) *Stage {
	return &Stage{
		store:     cfg.Store,
		responder: cfg.Responder,
		audit:     cfg.Audit,
		events:    cfg.Events,
		metrics:   cfg.Metrics,
		now:       time.Now,
	}
}

// Handle processes one persistence task. Duplicates produce a warning and
// write nothing. Any failure before commit produces an error response and is
// returned so the record is dead-lettered.
func (s *Stage) Handle(ctx context.Context, rec *stream.Record) error {
	log := logger.FromContext(ctx).With("component", stageName)
	task := pipeline.ParsePersistTask(rec.Fields)

	res, err := receipt.Decode([]byte(task.Result))
	if err != nil {
		preview := task.Result
		if len(preview) > 100 {
			preview = preview[:100]
		}
		err = apperrors.Newf(apperrors.ErrMalformedTask, "❌ JSON inválido en tarea DB %s: %s", task.TaskID, preview)
		s.fail(ctx, task, err)
		return err
	}
	if res.ItemsMalformed {
		log.Warn("productos is malformed, storing receipt without line items")
	}

	r := receipt.Normalize(res, s.now())
	log.Info("saving receipt",
		"store", r.StoreName,
		"number", r.ReceiptNumber,
		"date", r.DateString(),
		"items", len(r.Items),
		"total", r.Total,
	)

	if r.HasNumber() {
		id, found, err := s.store.FindDuplicate(ctx, r.StoreName, r.ReceiptNumber, r.Date)
		if err != nil {
			s.fail(ctx, task, err)
			return err
		}
		if found {
			s.duplicate(ctx, task, r, id)
			return nil
		}
	}

	ctx, span := tracing.StartChildSpan(ctx, "datastore.save")
	saved, err := s.store.Save(ctx, r)
	span.End(err)
	if err != nil {
		s.fail(ctx, task, err)
		return err
	}
	if saved.Duplicate {
		s.duplicate(ctx, task, r, saved.ID)
		return nil
	}
	if saved.ItemsFailed > 0 && s.metrics != nil {
		s.metrics.LineItemFailuresTotal.Add(float64(saved.ItemsFailed))
	}
	log.Info("receipt saved", "receipt_id", saved.ID, "items_written", saved.ItemsWritten, "items_failed", saved.ItemsFailed)

	s.metrics.Outcome(stageName, string(pipeline.StatusDone))
	s.respond(ctx, pipeline.Response{
		TaskID:    task.TaskID,
		UserID:    task.UserID,
		Status:    pipeline.StatusDone,
		StoreName: r.StoreName,
		Date:      r.DateString(),
		Total:     r.Total,
		ItemCount: len(r.Items),
	})

	if s.audit != nil {
		s.audit.Write(ctx, "db_"+strconv.FormatInt(saved.ID, 10), res.Raw)
	}
	s.publish(ctx, task, r, saved.ID)
	return nil
}

func (s *Stage) duplicate(ctx context.Context, task pipeline.PersistTask, r receipt.Receipt, existingID int64) {
	dup := apperrors.Newf(apperrors.ErrDuplicateReceipt, "⚠️ Ticket duplicado (%s, %s, %s)", r.StoreName, r.ReceiptNumber, r.DateString())
	logger.FromContext(ctx).Warn("duplicate receipt",
		"component", stageName,
		"store", r.StoreName,
		"number", r.ReceiptNumber,
		"date", r.DateString(),
		"existing_id", existingID,
		"error", dup.Err,
	)
	if s.metrics != nil {
		s.metrics.DuplicateReceiptsTotal.Inc()
	}
	s.metrics.Outcome(stageName, string(pipeline.StatusWarning))
	s.respond(ctx, pipeline.Response{
		TaskID:  task.TaskID,
		UserID:  task.UserID,
		Status:  pipeline.StatusWarning,
		Message: apperrors.UserMessage(dup, ""),
	})
}

func (s *Stage) fail(ctx context.Context, task pipeline.PersistTask, err error) {
	logger.FromContext(ctx).Error("persisting receipt failed", "component", stageName, "error", err)
	s.metrics.Outcome(stageName, string(pipeline.StatusError))
	s.respond(ctx, pipeline.Response{
		TaskID:  task.TaskID,
		UserID:  task.UserID,
		Status:  pipeline.StatusError,
		Message: apperrors.UserMessage(err, fmt.Sprintf("❌ Error procesando DB (%s).", task.TaskID)),
	})
}

func (s *Stage) respond(ctx context.Context, resp pipeline.Response) {
	if s.responder == nil {
		return
	}
	_ = s.responder.Send(ctx, resp)
}

func (s *Stage) publish(ctx context.Context, task pipeline.PersistTask, r receipt.Receipt, id int64) {
	if s.events == nil {
		return
	}
	event := kafka.Event{
		Key:  r.StoreName,
		Type: EventTypeReceiptStored,
		Value: ReceiptStored{
			ReceiptID:     id,
			TaskID:        task.TaskID,
			UserID:        task.UserID,
			StoreName:     r.StoreName,
			ReceiptNumber: r.ReceiptNumber,
			Date:          r.DateString(),
			Total:         r.Total,
			ItemCount:     len(r.Items),
			StoredAt:      s.now().UTC(),
		},
	}
	if err := s.events.Publish(ctx, event); err != nil {
		logger.FromContext(ctx).Warn("publishing receipt event failed", "component", stageName, "receipt_id", id, "error", err)
	}
}
