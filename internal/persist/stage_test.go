package persist

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/internal/audit"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/internal/pipeline"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/internal/receipt"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/internal/stream"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/internal/stream/streamtest"
	apperrors "github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/metrics"
)

type storedReceipt struct {
	id int64
	r  receipt.Receipt
}

// memoryStore mimics the partial unique index of PostgresStore.
type memoryStore struct {
	mu       sync.Mutex
	receipts []storedReceipt
	items    []receipt.LineItem
	failItem string
	err      error
	// raceDuplicate makes Save behave as if a concurrent writer won the
	// insert after FindDuplicate returned.
	raceDuplicate bool
}

func (m *memoryStore) FindDuplicate(_ context.Context, store, number string, date time.Time) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, false, m.err
	}
	for _, s := range m.receipts {
		if strings.EqualFold(s.r.StoreName, store) && s.r.ReceiptNumber == number && s.r.Date.Equal(date) {
			return s.id, true, nil
		}
	}
	return 0, false, nil
}

func (m *memoryStore) Save(ctx context.Context, r receipt.Receipt) (SaveResult, error) {
	if m.raceDuplicate {
		return SaveResult{ID: 99, Duplicate: true}, nil
	}
	if m.err != nil {
		return SaveResult{}, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	res := SaveResult{ID: int64(len(m.receipts) + 1)}
	m.receipts = append(m.receipts, storedReceipt{id: res.ID, r: r})
	for _, item := range r.Items {
		if item.Description == m.failItem {
			res.ItemsFailed++
			continue
		}
		m.items = append(m.items, item)
		res.ItemsWritten++
	}
	return res, nil
}

type recordingPublisher struct {
	events []kafka.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e kafka.Event) error {
	p.events = append(p.events, e)
	return p.err
}

type fixture struct {
	stage   *Stage
	store   *memoryStore
	broker  *streamtest.Broker
	events  *recordingPublisher
	audit   *audit.Writer
	metrics *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   &memoryStore{},
		broker:  streamtest.NewBroker(),
		events:  &recordingPublisher{},
		audit:   audit.New(t.TempDir()),
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	f.stage = NewStage(Config{
		Store:     f.store,
		Responder: stream.NewResponder(f.broker, pipeline.StreamResponses),
		Audit:     f.audit,
		Events:    f.events,
		Metrics:   f.metrics,
	})
	f.stage.now = func() time.Time { return time.Date(2026, 10, 17, 18, 30, 0, 0, time.UTC) }
	return f
}

func (f *fixture) handle(t *testing.T, taskID, result string) error {
	t.Helper()
	task := pipeline.PersistTask{TaskID: taskID, UserID: "11", Result: result}
	return f.stage.Handle(context.Background(), &stream.Record{ID: "1-0", Fields: task.Fields()})
}

func (f *fixture) responses() []pipeline.Response {
	var out []pipeline.Response
	for _, rec := range f.broker.Records(pipeline.StreamResponses) {
		out = append(out, pipeline.ParseResponse(rec.Fields))
	}
	return out
}

const mercadona = `{
	"tienda": "Mercadona",
	"numero_ticket": "2301-015",
	"fecha": "2026-10-15",
	"productos": [
		{"producto": "Leche", "precio_unitario": "1,20€", "cantidad": null, "total_linea": 0},
		{"producto": "Manzanas", "categoria": "Fruta", "cantidad": "1,5 kg", "precio_unitario": "2,00", "total_linea": "3,00"}
	]
}`

func TestHandleStoresReceipt(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.handle(t, "t1", mercadona))

	require.Len(t, f.store.receipts, 1)
	r := f.store.receipts[0].r
	assert.Equal(t, "Mercadona", r.StoreName)
	assert.Equal(t, 4.20, r.Total)
	require.Len(t, f.store.items, 2)
	leche := f.store.items[0]
	assert.Equal(t, 1.0, leche.Quantity)
	assert.InDelta(t, 1.20, leche.UnitPrice, 1e-9)
	assert.Equal(t, 1.20, leche.LineTotal)
	assert.Equal(t, "otros", leche.Category)

	resp := f.responses()
	require.Len(t, resp, 1)
	assert.Equal(t, pipeline.Response{
		TaskID:    "t1",
		UserID:    "11",
		Status:    pipeline.StatusDone,
		StoreName: "Mercadona",
		Date:      "2026-10-15",
		Total:     4.20,
		ItemCount: 2,
	}, resp[0])

	assert.FileExists(t, f.audit.Path("db_1"))
	require.Len(t, f.events.events, 1)
	assert.Equal(t, EventTypeReceiptStored, f.events.events[0].Type)
	stored := f.events.events[0].Value.(ReceiptStored)
	assert.Equal(t, int64(1), stored.ReceiptID)
	assert.Equal(t, 2, stored.ItemCount)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.StageOutcomesTotal.WithLabelValues(stageName, "ok-todo")))
}

func TestHandleDuplicateWritesNothing(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.handle(t, "t1", mercadona))
	again := strings.Replace(mercadona, `"Mercadona"`, `"MERCADONA"`, 1)
	require.NoError(t, f.handle(t, "t2", again))

	assert.Len(t, f.store.receipts, 1)
	assert.Len(t, f.store.items, 2)
	resp := f.responses()
	require.Len(t, resp, 2)
	assert.Equal(t, pipeline.StatusWarning, resp[1].Status)
	assert.Equal(t, "⚠️ Ticket duplicado (MERCADONA, 2301-015, 2026-10-15)", resp[1].Message)
	assert.Len(t, f.events.events, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DuplicateReceiptsTotal))
}

func TestHandleWithoutNumberAlwaysInserts(t *testing.T) {
	f := newFixture(t)
	body := `{"tienda":"Dia","fecha":"2026-10-01","productos":[{"producto":"Pan","total_linea":1}]}`
	require.NoError(t, f.handle(t, "t1", body))
	require.NoError(t, f.handle(t, "t2", body))

	assert.Len(t, f.store.receipts, 2)
	for _, resp := range f.responses() {
		assert.Equal(t, pipeline.StatusDone, resp.Status)
	}
}

func TestHandleDuplicateDetectedAtInsert(t *testing.T) {
	f := newFixture(t)
	f.store.raceDuplicate = true
	require.NoError(t, f.handle(t, "t1", mercadona))
	assert.Equal(t, pipeline.StatusWarning, f.responses()[0].Status)
	assert.Empty(t, f.events.events)
}

func TestHandleMalformedProductsStoresEmptyReceipt(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.handle(t, "t1", `{"tienda":"Lidl","productos":"???"}`))

	require.Len(t, f.store.receipts, 1)
	assert.Empty(t, f.store.items)
	resp := f.responses()[0]
	assert.Equal(t, pipeline.StatusDone, resp.Status)
	assert.Zero(t, resp.ItemCount)
	assert.Zero(t, resp.Total)
	assert.Equal(t, "2026-10-17", resp.Date)
}

func TestHandleInvalidJSON(t *testing.T) {
	f := newFixture(t)
	err := f.handle(t, "t9", `not json at all`)
	assert.ErrorIs(t, err, apperrors.ErrMalformedTask)
	assert.Empty(t, f.store.receipts)
	resp := f.responses()[0]
	assert.Equal(t, pipeline.StatusError, resp.Status)
	assert.Equal(t, "❌ JSON inválido en tarea DB t9: not json at all", resp.Message)
}

func TestHandleDatastoreFailure(t *testing.T) {
	f := newFixture(t)
	f.store.err = errors.Join(apperrors.ErrDatastore, errors.New("connection refused"))

	err := f.handle(t, "t5", mercadona)
	assert.ErrorIs(t, err, apperrors.ErrDatastore)
	resp := f.responses()[0]
	assert.Equal(t, pipeline.StatusError, resp.Status)
	assert.Equal(t, "❌ Error procesando DB (t5).", resp.Message)
	assert.Empty(t, f.events.events)
}

func TestHandleLineItemFailureDoesNotAbort(t *testing.T) {
	f := newFixture(t)
	f.store.failItem = "Leche"
	require.NoError(t, f.handle(t, "t1", mercadona))

	assert.Len(t, f.store.items, 1)
	assert.Equal(t, pipeline.StatusDone, f.responses()[0].Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.LineItemFailuresTotal))
}

func TestHandleEventFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.events.err = errors.New("kafka down")
	require.NoError(t, f.handle(t, "t1", mercadona))
	assert.Equal(t, pipeline.StatusDone, f.responses()[0].Status)
}

func TestHandleManyReceiptsGetDistinctAuditCopies(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		body := `{"tienda":"Dia","productos":[]}`
		require.NoError(t, f.handle(t, "t"+strconv.Itoa(i), body))
	}
	for i := 1; i <= 3; i++ {
		assert.FileExists(t, f.audit.Path("db_"+strconv.Itoa(i)))
	}
}
