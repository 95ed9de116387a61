package stream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/internal/pipeline"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/logger"
)

// Dead-letter record fields added next to the original record's fields.
const (
	FieldSourceStream = "source_stream"
	FieldSourceID     = "source_id"
	FieldError        = "error"
	FieldFailedAt     = "failed_at"
)

// DeadLetterFields copies rec and annotates it with where it came from and
// why it failed.
func DeadLetterFields(source string, rec *Record, cause error) map[string]string {
	fields := make(map[string]string, len(rec.Fields)+4)
	for k, v := range rec.Fields {
		fields[k] = v
	}
	fields[FieldSourceStream] = source
	fields[FieldSourceID] = rec.ID
	fields[FieldError] = cause.Error()
	fields[FieldFailedAt] = time.Now().UTC().Format(time.RFC3339)
	return fields
}

// Responder publishes status messages on the shared response stream.
type Responder struct {
	out    Appender
	stream string
}

func NewResponder(out Appender, stream string) *Responder {
	return &Responder{out: out, stream: stream}
}

// Send appends resp. Failures are logged and returned; callers usually have
// nothing better to do than carry on.
func (r *Responder) Send(ctx context.Context, resp pipeline.Response) error {
	log := logger.FromContext(ctx)
	if _, err := r.out.Append(ctx, r.stream, resp.Fields()); err != nil {
		log.Error("sending response failed", "status", resp.Status, "error", err)
		return fmt.Errorf("sending %s response for task %s: %w", resp.Status, resp.TaskID, err)
	}
	log.Info("response sent", slog.String("summary", resp.Summary()))
	return nil
}

// Forward appends a task for the next stage.
func Forward(ctx context.Context, out Appender, stream string, fields map[string]string) error {
	if _, err := out.Append(ctx, stream, fields); err != nil {
		return fmt.Errorf("forwarding task to %s: %w", stream, err)
	}
	return nil
}
