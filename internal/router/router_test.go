package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/internal/pipeline"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/internal/stream"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/internal/stream/streamtest"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/metrics"
)

type fakeSender struct {
	mu      sync.Mutex
	sent    []string
	failFor string
}

func (f *fakeSender) Notify(_ context.Context, userID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if userID == f.failFor {
		return errors.New("chat not found")
	}
	f.sent = append(f.sent, userID+": "+text)
	return nil
}

func (f *fakeSender) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func TestFormat(t *testing.T) {
	done := Format(pipeline.Response{Status: pipeline.StatusDone, StoreName: "Lidl", Date: "2026-10-17", Total: 12.5, ItemCount: 4})
	assert.Equal(t, "✅ *Ticket procesado correctamente*\n🏪 Lidl\n📅 2026-10-17\n🛒 4 productos\n💰 Total: 12.50 €", done)

	assert.Equal(t, "✅🧾 OCR imagen procesada correctamente.", Format(pipeline.Response{Status: pipeline.StatusOK, Message: "✅🧾 OCR imagen procesada correctamente."}))
	assert.Equal(t, "⚠️ Ticket duplicado", Format(pipeline.Response{Status: pipeline.StatusWarning, Message: "⚠️ Ticket duplicado"}))

	assert.Equal(t, "⚠️ Error al procesar el ticket (estado: error).\n⚠️ Mensaje: ❌ IA no generó resultado.",
		Format(pipeline.Response{Status: pipeline.StatusError, Message: "❌ IA no generó resultado."}))
	assert.Contains(t, Format(pipeline.Response{Status: "unknown"}), "No message present.")
}

func TestRouterDeliversAndAcksEverything(t *testing.T) {
	broker := streamtest.NewBroker()
	ctx := context.Background()
	responses := []pipeline.Response{
		{TaskID: "a", UserID: "100", Status: pipeline.StatusOK, Message: "uno"},
		{TaskID: "b", UserID: "200", Status: pipeline.StatusOK, Message: "dos"},
		{TaskID: "c", UserID: "", Status: pipeline.StatusOK, Message: "nadie"},
		{TaskID: "d", UserID: "100", Status: pipeline.StatusWarning, Message: "tres"},
	}
	for _, r := range responses {
		_, err := broker.Append(ctx, pipeline.StreamResponses, r.Fields())
		require.NoError(t, err)
	}

	sender := &fakeSender{failFor: "200"}
	m := metrics.New(prometheus.NewRegistry())
	cursors := stream.NewMemoryCursors("0")
	cfg := config.StreamsConfig{DeadLetters: pipeline.StreamDeadLetters, BlockTimeout: 20 * time.Millisecond, Backoff: 10 * time.Millisecond}
	c := stream.NewConsumer("router", pipeline.StreamResponses, broker, cursors, New(sender, m).Handle, cfg, m)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- c.Run(runCtx) }()
	require.True(t, broker.WaitAcked(pipeline.StreamResponses, 4, 2*time.Second))
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []string{"100: uno", "100: tres"}, sender.messages())
	assert.Empty(t, broker.Records(pipeline.StreamResponses))
	assert.Empty(t, broker.Records(pipeline.StreamDeadLetters), "undeliverable responses are not dead-lettered")

	last, err := cursors.Load(ctx, pipeline.StreamResponses)
	require.NoError(t, err)
	assert.Equal(t, "4-0", last)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ResponsesDeliveredTotal.WithLabelValues(ResultDelivered)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ResponsesDeliveredTotal.WithLabelValues(ResultFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ResponsesDeliveredTotal.WithLabelValues(ResultNoSession)))
}
