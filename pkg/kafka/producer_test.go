package kafka

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/config"
)

func TestEventMessage(t *testing.T) {
	at := time.Date(2026, 10, 17, 12, 0, 0, 0, time.FixedZone("CEST", 2*3600))
	msg, err := Event{
		Key:   "mercadona",
		Type:  "receipt.stored",
		Value: map[string]any{"receipt_id": 7, "total": 4.2},
		Time:  at,
	}.Message("receipt-pipeline")
	require.NoError(t, err)

	assert.Equal(t, []byte("mercadona"), msg.Key)
	assert.JSONEq(t, `{"receipt_id":7,"total":4.2}`, string(msg.Value))
	assert.Equal(t, at.UTC(), msg.Time)
	require.Len(t, msg.Headers, 2)
	assert.Equal(t, "event_type", msg.Headers[0].Key)
	assert.Equal(t, []byte("receipt.stored"), msg.Headers[0].Value)
	assert.Equal(t, []byte("receipt-pipeline"), msg.Headers[1].Value)
}

func TestEventMessageRejectsUnencodableValue(t *testing.T) {
	_, err := Event{Type: "receipt.stored", Value: make(chan int)}.Message("")
	assert.Error(t, err)
}

func TestPingWithoutBrokers(t *testing.T) {
	p := NewProducer(config.KafkaConfig{}, "receipt-events")
	defer p.Close()
	assert.Error(t, p.Ping(context.Background()))
}
