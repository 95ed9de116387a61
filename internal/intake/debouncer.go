// Package intake turns a burst of photos sent by one chat session into a
// single OCR task.
//
// Every photo restarts the session's inactivity timer. When the timer
// expires without being superseded, the accumulated photo paths are
// submitted as one task on the OCR stream. A cancel command discards the
// batch. A session's photo list and timer are only touched under that
// session's lock, and an incoming photo stops the pending timer before it
// reads or extends the list, so an expiry can never submit a batch that is
// about to grow.
package intake

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/internal/pipeline"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/internal/stream"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/clock"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/metrics"
)

const submitTimeout = 10 * time.Second

// Notifier delivers a text message to a chat session.
type Notifier interface {
	Notify(ctx context.Context, userID, text string) error
}

type session struct {
	mu     sync.Mutex
	photos []string
	timer  *clock.Timer
	// gen is bumped by every photo and cancel; a timer only submits if the
	// generation it was armed with is still current.
	gen uint64
}

// Debouncer accumulates photos per session.
type Debouncer struct {
	clock    clock.Clock
	window   time.Duration
	out      stream.Appender
	stream   string
	notifier Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	newID    func() string

	mu       sync.Mutex
	sessions *cache.Cache
}

// New creates a Debouncer that submits to the stream named by streams.OCRTasks.
// Idle sessions are dropped after cfg.SessionTTL. m may be nil.
func New(cfg config.IntakeConfig, streams config.StreamsConfig, out stream.Appender, notifier Notifier, clk clock.Clock, m *metrics.Metrics) *Debouncer {
	ttl := cfg.SessionTTL
	if ttl <= cfg.Debounce {
		ttl = cfg.Debounce * 2
	}
	return &Debouncer{
		clock:    clk,
		window:   cfg.Debounce,
		out:      out,
		stream:   streams.OCRTasks,
		notifier: notifier,
		metrics:  m,
		logger:   logger.WithComponent("intake"),
		newID:    uuid.NewString,
		sessions: cache.New(ttl, ttl),
	}
}

func (d *Debouncer) session(userID string) *session {
	d.mu.Lock()
	defer d.mu.Unlock()
	if v, ok := d.sessions.Get(userID); ok {
		s := v.(*session)
		d.sessions.SetDefault(userID, s)
		return s
	}
	s := &session{}
	d.sessions.SetDefault(userID, s)
	return s
}

// Photo adds a downloaded photo to the session's batch and restarts the
// inactivity window. It returns the number of photos now buffered.
func (d *Debouncer) Photo(ctx context.Context, userID, path string) int {
	s := d.session(userID)

	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.photos = append(s.photos, path)
	count := len(s.photos)
	s.gen++
	gen := s.gen
	s.timer = d.clock.AfterFunc(d.window, func() { d.expire(userID, s, gen) })
	s.mu.Unlock()

	if d.metrics != nil {
		d.metrics.PhotosBufferedTotal.Inc()
	}
	d.logger.Info("photo buffered", "user_id", userID, "count", count)
	d.notify(ctx, userID, fmt.Sprintf("📸 Foto %d recibida. Esperando más...", count))
	return count
}

// Cancel discards the session's batch and its pending timer. The buffered
// photo files are removed. It reports how many photos were discarded.
func (d *Debouncer) Cancel(ctx context.Context, userID string) int {
	s := d.session(userID)

	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
	discarded := s.photos
	s.photos = nil
	s.mu.Unlock()

	for _, p := range discarded {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			d.logger.Warn("removing cancelled photo failed", "path", p, "error", err)
		}
	}
	if d.metrics != nil && len(discarded) > 0 {
		d.metrics.BatchesCancelledTotal.Inc()
	}
	d.logger.Info("batch cancelled", "user_id", userID, "discarded", len(discarded))
	d.notify(ctx, userID, "❌ Ticket cancelado. Puedes empezar uno nuevo enviando una foto.")
	return len(discarded)
}

// Shutdown stops every pending timer. Batches still inside their window are
// not submitted; each one is logged with its photo paths so the files left
// in the photo directory can be traced. It returns the number of photos
// dropped.
func (d *Debouncer) Shutdown() int {
	d.mu.Lock()
	items := d.sessions.Items()
	d.mu.Unlock()

	dropped := 0
	for userID, item := range items {
		s := item.Object.(*session)
		s.mu.Lock()
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		s.gen++
		photos := s.photos
		s.photos = nil
		s.mu.Unlock()

		if len(photos) > 0 {
			d.logger.Warn("pending batch dropped at shutdown", "user_id", userID, "photos", photos)
			dropped += len(photos)
		}
	}
	return dropped
}

// Pending returns the number of photos buffered for userID.
func (d *Debouncer) Pending(userID string) int {
	s := d.session(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.photos)
}

func (d *Debouncer) expire(userID string, s *session, gen uint64) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	photos := s.photos
	s.photos = nil
	s.mu.Unlock()

	if len(photos) == 0 {
		d.logger.Debug("debounce expired with empty batch", "user_id", userID)
		return
	}

	task := pipeline.OCRTask{
		TaskID:     d.newID(),
		UserID:     userID,
		PhotoPaths: photos,
		Timestamp:  d.clock.Now(),
	}
	ctx, cancel := context.WithTimeout(logger.WithTask(context.Background(), task.TaskID), submitTimeout)
	defer cancel()
	log := logger.FromContext(ctx).With("component", "intake", "user_id", userID)

	if err := stream.Forward(ctx, d.out, d.stream, task.Fields()); err != nil {
		log.Error("submitting batch failed", "photos", len(photos), "error", err)
		d.notify(ctx, userID, "❌ No se pudo enviar el ticket a procesamiento. Inténtalo de nuevo.")
		return
	}
	if d.metrics != nil {
		d.metrics.BatchesSubmittedTotal.Inc()
	}
	log.Info("batch submitted", "photos", len(photos))
	d.notify(ctx, userID, fmt.Sprintf("🧾 Ticket recibido y enviado a procesamiento OCR.\n📸 Fotos: %d", len(photos)))
}

func (d *Debouncer) notify(ctx context.Context, userID, text string) {
	if d.notifier == nil {
		return
	}
	if err := d.notifier.Notify(ctx, userID, text); err != nil {
		d.logger.Warn("notifying user failed", "user_id", userID, "error", err)
	}
}
