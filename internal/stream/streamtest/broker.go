// Package streamtest provides an in-memory stream broker for tests.
package streamtest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/redis"
)

// ErrInjected is returned by operations configured to fail.
var ErrInjected = errors.New("injected broker failure")

// Broker is an in-memory append-only log per stream with monotonically
// increasing ids "<seq>-0".
type Broker struct {
	mu      sync.Mutex
	seq     int64
	streams map[string][]redis.StreamMessage
	acked   map[string][]string
	changed chan struct{}

	// ReadFailures makes the next n reads fail.
	ReadFailures int
	// FailAppend makes appends to the named streams fail.
	FailAppend map[string]bool
}

func NewBroker() *Broker {
	return &Broker{
		streams:    make(map[string][]redis.StreamMessage),
		acked:      make(map[string][]string),
		changed:    make(chan struct{}),
		FailAppend: make(map[string]bool),
	}
}

func (b *Broker) Append(_ context.Context, stream string, fields map[string]string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailAppend[stream] {
		return "", fmt.Errorf("append to %s: %w", stream, ErrInjected)
	}
	b.seq++
	id := strconv.FormatInt(b.seq, 10) + "-0"
	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	b.streams[stream] = append(b.streams[stream], redis.StreamMessage{ID: id, Fields: copied})
	close(b.changed)
	b.changed = make(chan struct{})
	return id, nil
}

func (b *Broker) ReadNext(ctx context.Context, stream, after string, block time.Duration) (*redis.StreamMessage, error) {
	var deadline <-chan time.Time
	if block > 0 {
		t := time.NewTimer(block)
		defer t.Stop()
		deadline = t.C
	}
	for {
		b.mu.Lock()
		if b.ReadFailures > 0 {
			b.ReadFailures--
			b.mu.Unlock()
			return nil, ErrInjected
		}
		pos := seqOf(after)
		for _, msg := range b.streams[stream] {
			if seqOf(msg.ID) > pos {
				m := msg
				b.mu.Unlock()
				return &m, nil
			}
		}
		changed := b.changed
		b.mu.Unlock()

		if block < 0 {
			return nil, nil
		}
		select {
		case <-changed:
		case <-deadline:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (b *Broker) Ack(_ context.Context, stream, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.streams[stream]
	for i, msg := range msgs {
		if msg.ID == id {
			b.streams[stream] = append(msgs[:i:i], msgs[i+1:]...)
			break
		}
	}
	b.acked[stream] = append(b.acked[stream], id)
	return nil
}

// Records returns a snapshot of the records still held by stream.
func (b *Broker) Records(stream string) []redis.StreamMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]redis.StreamMessage(nil), b.streams[stream]...)
}

// Acked returns the ids acknowledged on stream, in order.
func (b *Broker) Acked(stream string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.acked[stream]...)
}

// WaitAcked blocks until n records of stream have been acknowledged or the
// timeout elapses, and reports which happened.
func (b *Broker) WaitAcked(stream string, n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(b.Acked(stream)) >= n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return len(b.Acked(stream)) >= n
}

func seqOf(id string) int64 {
	head, _, _ := strings.Cut(id, "-")
	n, _ := strconv.ParseInt(head, 10, 64)
	return n
}
