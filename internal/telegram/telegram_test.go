package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/config"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(config.TelegramConfig{APIURL: srv.URL, Token: "TOKEN", PollTimeout: time.Second}, srv.Client())
}

func TestGetUpdates(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/getUpdates", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, float64(7), body["offset"])
		assert.Equal(t, float64(30), body["timeout"])
		_, _ = w.Write([]byte(`{"ok":true,"result":[{"update_id":7,"message":{"message_id":1,"from":{"id":42},"chat":{"id":42},"photo":[{"file_id":"small","width":90,"height":90},{"file_id":"big","width":1280,"height":960}]}}]}`))
	})

	updates, err := c.GetUpdates(context.Background(), 7, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, int64(42), updates[0].Message.From.ID)
	assert.Equal(t, "big", largest(updates[0].Message.Photo).FileID)
}

func TestSendMessageFallsBackToPlainText(t *testing.T) {
	var mu sync.Mutex
	var modes []any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		modes = append(modes, body["parse_mode"])
		mu.Unlock()
		if body["parse_mode"] == "Markdown" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: can't parse entities"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
	})

	require.NoError(t, c.Notify(context.Background(), "42", "tienda_con_guion"))
	assert.Equal(t, []any{"Markdown", nil}, modes)
}

func TestNotifyErrors(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`))
	})
	err := c.Notify(context.Background(), "42", "hola")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 403, apiErr.Code)

	assert.Error(t, c.Notify(context.Background(), "not-a-number", "hola"))
}

func TestDownload(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/botTOKEN/getFile":
			_, _ = w.Write([]byte(`{"ok":true,"result":{"file_id":"f","file_path":"photos/file_1.jpg"}}`))
		case "/file/botTOKEN/photos/file_1.jpg":
			_, _ = w.Write([]byte("jpeg-bytes"))
		default:
			http.NotFound(w, r)
		}
	})
	dir := t.TempDir()
	path, err := c.Download(context.Background(), "f", dir)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(path, dir))
	assert.True(t, strings.HasSuffix(path, ".jpg"))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", string(data))
}

type fakeAPI struct {
	mu          sync.Mutex
	batches     [][]Update
	downloadErr error
	notified    []string
	offsets     []int64
}

func (f *fakeAPI) GetUpdates(ctx context.Context, offset int64, _ time.Duration) ([]Update, error) {
	f.mu.Lock()
	f.offsets = append(f.offsets, offset)
	if len(f.batches) > 0 {
		b := f.batches[0]
		f.batches = f.batches[1:]
		f.mu.Unlock()
		return b, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeAPI) Download(_ context.Context, fileID, dir string) (string, error) {
	if f.downloadErr != nil {
		return "", f.downloadErr
	}
	return dir + "/" + fileID + ".jpg", nil
}

func (f *fakeAPI) Notify(_ context.Context, userID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, userID+": "+text)
	return nil
}

type fakeIntake struct {
	mu       sync.Mutex
	photos   []string
	cancels  []string
	received chan struct{}
}

func (f *fakeIntake) Photo(_ context.Context, userID, path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.photos = append(f.photos, userID+":"+path)
	if f.received != nil {
		f.received <- struct{}{}
	}
	return len(f.photos)
}

func (f *fakeIntake) Cancel(_ context.Context, userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, userID)
	return 0
}

func message(updateID, from int64, mutate func(*Message)) Update {
	m := &Message{From: &User{ID: from}}
	mutate(m)
	return Update{UpdateID: updateID, Message: m}
}

func TestDispatch(t *testing.T) {
	api := &fakeAPI{}
	in := &fakeIntake{}
	p := NewPoller(api, in, "/photos", time.Second, time.Millisecond)
	ctx := context.Background()

	p.Dispatch(ctx, message(1, 5, func(m *Message) { m.Photo = []PhotoSize{{FileID: "a", Width: 1, Height: 1}} }))
	p.Dispatch(ctx, message(2, 5, func(m *Message) { m.Document = &Document{FileID: "doc", MIMEType: "image/png"} }))
	p.Dispatch(ctx, message(3, 5, func(m *Message) { m.Text = "/cancel@ticketbot" }))
	p.Dispatch(ctx, message(4, 6, func(m *Message) { m.Text = "/start" }))
	p.Dispatch(ctx, message(5, 6, func(m *Message) { m.Text = "hola" }))
	p.Dispatch(ctx, Update{UpdateID: 6})

	assert.Equal(t, []string{"5:/photos/a.jpg", "5:/photos/doc.jpg"}, in.photos)
	assert.Equal(t, []string{"5"}, in.cancels)
	assert.Equal(t, []string{"6: " + welcomeText, "6: " + hintText}, api.notified)
}

func TestDispatchDownloadFailure(t *testing.T) {
	api := &fakeAPI{downloadErr: errors.New("timeout")}
	in := &fakeIntake{}
	p := NewPoller(api, in, "/photos", time.Second, time.Millisecond)

	p.Dispatch(context.Background(), message(1, 5, func(m *Message) { m.Photo = []PhotoSize{{FileID: "a"}} }))
	assert.Empty(t, in.photos)
	require.Len(t, api.notified, 1)
	assert.Contains(t, api.notified[0], "No se pudo descargar")
}

func TestRunAdvancesOffset(t *testing.T) {
	api := &fakeAPI{batches: [][]Update{
		{message(10, 1, func(m *Message) { m.Photo = []PhotoSize{{FileID: "x"}} })},
		{message(11, 1, func(m *Message) { m.Photo = []PhotoSize{{FileID: "y"}} })},
	}}
	in := &fakeIntake{received: make(chan struct{}, 2)}
	p := NewPoller(api, in, "/photos", time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	for i := 0; i < 2; i++ {
		select {
		case <-in.received:
		case <-time.After(2 * time.Second):
			t.Fatal("photo not dispatched")
		}
	}
	cancel()
	require.NoError(t, <-done)

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, []int64{0, 11, 12}, api.offsets)
}
