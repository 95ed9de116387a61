// Package ocr implements the OCR stage: it reads submitted photo batches,
// extracts the text of every photo through the OCR capability and forwards
// the concatenated text to the extraction stream.
package ocr

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/internal/pipeline"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/internal/stream"
	apperrors "github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/resilience"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/tracing"
)

const stageName = "ocr"

// Recognizer extracts plain text from one image.
type Recognizer interface {
	Recognize(ctx context.Context, image []byte, mimeType string) (string, error)
}

// Stage handles records from the OCR stream.
type Stage struct {
	recognizer Recognizer
	breaker    *resilience.CircuitBreaker
	retry      resilience.RetryConfig
	out        stream.Appender
	responder  *stream.Responder
	next       string
	mimeType   string
	metrics    *metrics.Metrics
}

// Config wires a Stage.
type Config struct {
	Recognizer Recognizer
	Breaker    *resilience.CircuitBreaker
	Retry      resilience.RetryConfig
	Out        stream.Appender
	Responder  *stream.Responder
	// Next is the extraction stream name.
	Next string
	// MIMEType is used for photos whose extension does not identify one.
	MIMEType string
	Metrics  *metrics.Metrics
}

func NewStage(cfg Config) *Stage {
	if cfg.Retry.Retryable == nil {
		cfg.Retry.Retryable = Retryable
	}
	if cfg.MIMEType == "" {
		cfg.MIMEType = "image/jpeg"
	}
	return &Stage{
		recognizer: cfg.Recognizer,
		breaker:    cfg.Breaker,
		retry:      cfg.Retry,
		out:        cfg.Out,
		responder:  cfg.Responder,
		next:       cfg.Next,
		mimeType:   cfg.MIMEType,
		metrics:    cfg.Metrics,
	}
}

// Handle processes one OCR task. On success the extraction task and an
// informational response are written, the photos are deleted and nil is
// returned. On failure the user is told, the photos are kept for a replay
// and the error is returned so the record is dead-lettered.
func (s *Stage) Handle(ctx context.Context, rec *stream.Record) error {
	log := logger.FromContext(ctx).With("component", stageName)

	task, err := pipeline.ParseOCRTask(rec.Fields)
	if err != nil {
		s.fail(ctx, task, err)
		return err
	}
	if len(task.PhotoPaths) == 0 {
		err := apperrors.New(apperrors.ErrMalformedTask, "⚠️ No se detectaron fotos.")
		s.fail(ctx, task, err)
		return err
	}
	log.Info("processing OCR task", "photos", len(task.PhotoPaths), "user_id", task.UserID)

	texts := make([]string, 0, len(task.PhotoPaths))
	for i, path := range task.PhotoPaths {
		text, err := s.recognizePhoto(ctx, path)
		if err != nil {
			err = fmt.Errorf("photo %d/%d (%s): %w", i+1, len(task.PhotoPaths), path, err)
			s.fail(ctx, task, err)
			return err
		}
		log.Info("photo recognised", "index", i+1, "total", len(task.PhotoPaths), "chars", len(text))
		texts = append(texts, text)
	}

	combined := strings.Join(texts, "\n")
	if strings.TrimSpace(combined) == "" {
		log.Warn("no text recognised in any photo")
		s.metrics.Outcome(stageName, string(pipeline.StatusError))
		s.respond(ctx, task, pipeline.StatusError, "❌ No se detectó texto en las fotos del ticket.")
		removePhotos(ctx, task.PhotoPaths)
		return nil
	}

	next := pipeline.ExtractTask{TaskID: task.TaskID, UserID: task.UserID, OCRText: combined}
	if err := stream.Forward(ctx, s.out, s.next, next.Fields()); err != nil {
		s.fail(ctx, task, err)
		return err
	}
	log.Info("OCR task forwarded", "stream", s.next, "chars", len(combined))

	s.metrics.Outcome(stageName, string(pipeline.StatusOK))
	s.respond(ctx, task, pipeline.StatusOK, "✅🧾 OCR imagen procesada correctamente.")
	removePhotos(ctx, task.PhotoPaths)
	return nil
}

func (s *Stage) recognizePhoto(ctx context.Context, path string) (string, error) {
	ctx, span := tracing.StartChildSpan(ctx, "ocr.recognize")
	span.SetAttr("path", path)

	image, err := os.ReadFile(path)
	if err != nil {
		err = apperrors.Newf(apperrors.ErrMalformedTask, "❌ No se encontró la foto %s.", filepath.Base(path))
		span.End(err)
		return "", err
	}
	mimeType := mimeFor(path, s.mimeType)

	var text string
	err = resilience.Retry(ctx, "ocr.recognize", s.retry, func(ctx context.Context) error {
		return s.breaker.Execute(ctx, func(ctx context.Context) error {
			t, err := s.recognizer.Recognize(ctx, image, mimeType)
			if err != nil {
				return err
			}
			text = t
			return nil
		})
	})
	span.End(err)
	if err != nil {
		return "", err
	}
	return Normalize(text), nil
}

func (s *Stage) fail(ctx context.Context, task pipeline.OCRTask, err error) {
	s.metrics.Outcome(stageName, string(pipeline.StatusError))
	s.respond(ctx, task, pipeline.StatusError,
		apperrors.UserMessage(err, "❌ Error procesando las fotos del ticket (OCR)."))
}

func (s *Stage) respond(ctx context.Context, task pipeline.OCRTask, status pipeline.Status, msg string) {
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

// Retryable reports whether an OCR error is worth another attempt: network
// failures, throttling and server errors are; client errors, missing photos
// an open breaker and cancellation are not.
func Retryable(err error) bool {
	if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, apperrors.ErrMalformedTask) || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	return true
}

func mimeFor(path, fallback string) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); strings.HasPrefix(t, "image/") || t == "application/pdf" {
		return t
	}
	return fallback
}

func removePhotos(ctx context.Context, paths []string) {
	log := logger.FromContext(ctx)
	for _, p := range paths {
		err := os.Remove(p)
		switch {
		case err == nil:
			log.Debug("photo removed", "path", p)
		case os.IsNotExist(err):
		default:
			log.Warn("removing photo failed", "path", p, "error", err)
		}
	}
}
