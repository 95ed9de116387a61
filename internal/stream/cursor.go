package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/redis"
)

// CursorStore persists each consumer's last finished record id so that a
// restarted consumer resumes after it. A stream never read before starts
// from the configured origin.
type CursorStore interface {
	Load(ctx context.Context, stream string) (string, error)
	Save(ctx context.Context, stream, id string) error
}

// KV is the key/value subset of *redis.Client used for cursors.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// RedisCursors keeps cursors under "<prefix>:<stream>".
type RedisCursors struct {
	kv     KV
	prefix string
	start  string
}

func NewRedisCursors(kv KV, prefix, start string) *RedisCursors {
	if start == "" {
		start = "0"
	}
	return &RedisCursors{kv: kv, prefix: prefix, start: start}
}

func (r *RedisCursors) Load(ctx context.Context, stream string) (string, error) {
	id, err := r.kv.Get(ctx, r.key(stream))
	if redis.IsNilError(err) || (err == nil && id == "") {
		return r.start, nil
	}
	if err != nil {
		return "", fmt.Errorf("loading cursor for %s: %w", stream, err)
	}
	return id, nil
}

func (r *RedisCursors) Save(ctx context.Context, stream, id string) error {
	if err := r.kv.Set(ctx, r.key(stream), id, 0); err != nil {
		return fmt.Errorf("saving cursor for %s: %w", stream, err)
	}
	return nil
}

func (r *RedisCursors) key(stream string) string {
	if r.prefix == "" {
		return stream
	}
	return r.prefix + ":" + stream
}

// MemoryCursors holds cursors in process memory only.
type MemoryCursors struct {
	mu     sync.Mutex
	start  string
	cursor map[string]string
}

func NewMemoryCursors(start string) *MemoryCursors {
	if start == "" {
		start = "0"
	}
	return &MemoryCursors{start: start, cursor: make(map[string]string)}
}

func (m *MemoryCursors) Load(_ context.Context, stream string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.cursor[stream]; ok {
		return id, nil
	}
	return m.start, nil
}

func (m *MemoryCursors) Save(_ context.Context, stream, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursor[stream] = id
	return nil
}
