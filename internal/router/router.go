// Package router delivers the records of the shared response stream to the
// chat session each one belongs to.
package router

import (
	"context"
	"fmt"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/internal/pipeline"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/internal/stream"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/metrics"
)

// Delivery results used as the responses_delivered_total label.
const (
	ResultDelivered = "delivered"
	ResultFailed    = "failed"
	ResultNoSession = "no_session"
)

// Sender delivers text to a chat session.
type Sender interface {
	Notify(ctx context.Context, userID, text string) error
}

// Format renders a response as the text the user sees.
func Format(resp pipeline.Response) string {
	switch resp.Status {
	case pipeline.StatusDone:
		return fmt.Sprintf("✅ *Ticket procesado correctamente*\n🏪 %s\n📅 %s\n🛒 %d productos\n💰 Total: %.2f €",
			resp.StoreName, resp.Date, resp.ItemCount, resp.Total)
	case pipeline.StatusOK, pipeline.StatusWarning:
		return resp.Message
	default:
		msg := resp.Message
		if msg == "" {
			msg = "No message present."
		}
		return fmt.Sprintf("⚠️ Error al procesar el ticket (estado: %s).\n⚠️ Mensaje: %s", resp.Status, msg)
	}
}

// Router turns response records into chat messages.
type Router struct {
	sender  Sender
	metrics *metrics.Metrics
}

func New(sender Sender, m *metrics.Metrics) *Router {
	return &Router{sender: sender, metrics: m}
}

// Handle delivers one response. Delivery failures are logged and swallowed:
// the record is acknowledged regardless and never retried.
func (r *Router) Handle(ctx context.Context, rec *stream.Record) error {
	log := logger.FromContext(ctx).With("component", "router")
	resp := pipeline.ParseResponse(rec.Fields)

	userID := strings.TrimSpace(resp.UserID)
	if userID == "" || userID == "0" {
		log.Warn("response without session dropped", "status", resp.Status)
		r.count(ResultNoSession)
		return nil
	}

	if err := r.sender.Notify(ctx, userID, Format(resp)); err != nil {
		log.Error("delivering response failed", "user_id", userID, "status", resp.Status, "error", err)
		r.count(ResultFailed)
		return nil
	}
	log.Info("response delivered", "user_id", userID, "status", resp.Status)
	r.count(ResultDelivered)
	return nil
}

func (r *Router) count(result string) {
	if r.metrics == nil {
		return
	}
	r.metrics.ResponsesDeliveredTotal.WithLabelValues(result).Inc()
}
