// Package extract implements the extraction stage: it sends the OCR text of
// a receipt to the LLM, locates the structured object in the answer and
// forwards it to the persistence stream.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/internal/audit"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/internal/pipeline"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/internal/stream"
	apperrors "github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/resilience"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/tracing"
)

const stageName = "extract"

// Stage handles records from the extraction stream.
type Stage struct {
	generator Generator
	prompt    *Prompt
	breaker   *resilience.CircuitBreaker
	timeout   time.Duration
	out       stream.Appender
	responder *stream.Responder
	next      string
	audit     *audit.Writer
	metrics   *metrics.Metrics
	now       func() time.Time
}

// Config wires a Stage. Breaker, Audit and Metrics are optional.
type Config struct {
	Generator Generator
	Prompt    *Prompt
	Breaker   *resilience.CircuitBreaker
	Timeout   time.Duration
	Out       stream.Appender
	Responder *stream.Responder
	Next      string
	Audit     *audit.Writer
	Metrics   *metrics.Metrics
}

func NewStage(cfg Config) *Stage {
	return &Stage{
		generator: cfg.Generator,
		prompt:    cfg.Prompt,
		breaker:   cfg.Breaker,
		timeout:   cfg.Timeout,
		out:       cfg.Out,
		responder: cfg.Responder,
		next:      cfg.Next,
		audit:     cfg.Audit,
		metrics:   cfg.Metrics,
		now:       time.Now,
	}
}

// Handle processes one extraction task. A record without OCR text is dropped
// without calling the model or answering the user. When the model fails or
// returns nothing usable the user gets an error response, nothing is
// forwarded and the error is returned.
func (s *Stage) Handle(ctx context.Context, rec *stream.Record) error {
	log := logger.FromContext(ctx).With("component", stageName)

	task, ok := pipeline.ParseExtractTask(rec.Fields)
	if !ok {
		log.Warn("task without OCR text dropped")
		s.metrics.Outcome(stageName, "dropped")
		return nil
	}

	result, err := s.structure(ctx, task.OCRText)
	if err != nil {
		s.metrics.Outcome(stageName, string(pipeline.StatusError))
		s.respond(ctx, task, pipeline.StatusError, apperrors.UserMessage(err, "❌ IA no generó resultado."))
		return fmt.Errorf("extracting task %s: %w", task.TaskID, err)
	}
	log.Info("structured result parsed", "bytes", len(result))

	if s.audit != nil {
		s.audit.Write(ctx, "ia_"+task.TaskID, result)
	}

	next := pipeline.PersistTask{
		TaskID:    task.TaskID,
		UserID:    task.UserID,
		Result:    string(result),
		Timestamp: s.now(),
	}
	if err := stream.Forward(ctx, s.out, s.next, next.Fields()); err != nil {
		s.metrics.Outcome(stageName, string(pipeline.StatusError))
		s.respond(ctx, task, pipeline.StatusError, "❌ Error enviando el resultado de la IA.")
		return err
	}
	s.metrics.Outcome(stageName, string(pipeline.StatusOK))
	s.respond(ctx, task, pipeline.StatusOK, "✅🧠 Procesado IA con llama correcto.")
	log.Info("task forwarded", "stream", s.next)
	return nil
}

func (s *Stage) structure(ctx context.Context, ocrText string) (json.RawMessage, error) {
	ctx, span := tracing.StartChildSpan(ctx, "llm.generate")
	prompt := s.prompt.Render(ocrText)
	span.SetAttr("prompt_chars", len(prompt))

	var output string
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.WithTimeout(ctx, s.timeout, "llm.generate", func(ctx context.Context) error {
			out, err := s.generator.Generate(ctx, prompt)
			if err != nil {
				return err
			}
			output = out
			return nil
		})
	})
	span.SetAttr("output_chars", len(output))
	span.End(err)
	if err != nil {
		return nil, err
	}
	return ExtractJSON(output)
}

func (s *Stage) respond(ctx context.Context, task pipeline.ExtractTask, status pipeline.Status, msg string) {
	if s.responder == nil {
		return
	}
	_ = s.responder.Send(ctx, pipeline.Response{
		TaskID:  task.TaskID,
		UserID:  task.UserID,
		Status:  status,
		Message: msg,
	})
}
