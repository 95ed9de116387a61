// Package pipeline defines the records that travel between stages and how
// each one is flattened into, and recovered from, a stream field map. A stage
// never edits a record it consumed; it builds a new one for the next stream.
package pipeline

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/errors"
)

// Default stream names. Processes read the effective names from config.
const (
	StreamOCRTasks    = "ocr_tasks"
	StreamIATasks     = "ia_tasks"
	StreamDBTasks     = "db_tasks"
	StreamResponses   = "bot_responses"
	StreamDeadLetters = "dead_letters"
)

// Status is the outcome reported to the user on the response stream.
type Status string

const (
	StatusDone    Status = "ok-todo"
	StatusOK      Status = "ok"
	StatusWarning Status = "warning"
	StatusError   Status = "error"
)

// Field names shared by every task record.
const (
	FieldTaskID    = "task_id"
	FieldUserID    = "user_id"
	FieldTimestamp = "timestamp"
)

// OCRTask is a submitted photo batch.
type OCRTask struct {
	TaskID     string
	UserID     string
	PhotoPaths []string
	Timestamp  time.Time
}

func (t OCRTask) Fields() map[string]string {
	paths, _ := json.Marshal(t.PhotoPaths)
	return map[string]string{
		FieldTaskID:    t.TaskID,
		FieldUserID:    t.UserID,
		"photo_paths":  string(paths),
		FieldTimestamp: formatTime(t.Timestamp),
	}
}

func ParseOCRTask(fields map[string]string) (OCRTask, error) {
	t := OCRTask{
		TaskID:    fields[FieldTaskID],
		UserID:    fields[FieldUserID],
		Timestamp: parseTime(fields[FieldTimestamp]),
	}
	raw := fields["photo_paths"]
	if raw == "" {
		raw = "[]"
	}
	if err := json.Unmarshal([]byte(raw), &t.PhotoPaths); err != nil {
		return t, apperrors.Newf(apperrors.ErrMalformedTask, "❌ Tarea OCR %s con fotos ilegibles.", t.TaskID)
	}
	return t, nil
}

// ExtractTask carries the concatenated OCR text of one batch.
type ExtractTask struct {
	TaskID  string
	UserID  string
	OCRText string
}

func (t ExtractTask) Fields() map[string]string {
	return map[string]string{
		FieldTaskID: t.TaskID,
		FieldUserID: t.UserID,
		"ocr_text":  t.OCRText,
	}
}

// ParseExtractTask reports ok=false when the record carries no OCR text.
func ParseExtractTask(fields map[string]string) (ExtractTask, bool) {
	t := ExtractTask{
		TaskID:  fields[FieldTaskID],
		UserID:  fields[FieldUserID],
		OCRText: fields["ocr_text"],
	}
	return t, strings.TrimSpace(t.OCRText) != ""
}

// PersistTask carries the serialized structured result produced by the LLM.
type PersistTask struct {
	TaskID    string
	UserID    string
	Result    string
	Timestamp time.Time
}

func (t PersistTask) Fields() map[string]string {
	return map[string]string{
		FieldTaskID:    t.TaskID,
		FieldUserID:    t.UserID,
		"resultado":    t.Result,
		FieldTimestamp: formatTime(t.Timestamp),
	}
}

func ParsePersistTask(fields map[string]string) PersistTask {
	t := PersistTask{
		TaskID:    fields[FieldTaskID],
		UserID:    fields[FieldUserID],
		Result:    fields["resultado"],
		Timestamp: parseTime(fields[FieldTimestamp]),
	}
	if t.Result == "" {
		t.Result = "{}"
	}
	return t
}

// Response is a status message for the originating chat session. Store,
// date, total and item count are only meaningful for StatusDone; the other
// statuses carry Message.
type Response struct {
	TaskID    string
	UserID    string
	Status    Status
	Message   string
	StoreName string
	Date      string
	Total     float64
	ItemCount int
}

func (r Response) Fields() map[string]string {
	f := map[string]string{
		FieldTaskID: r.TaskID,
		FieldUserID: r.UserID,
		"status":    string(r.Status),
	}
	if r.Status == StatusDone {
		f["tienda"] = r.StoreName
		f["fecha"] = r.Date
		f["total"] = strconv.FormatFloat(r.Total, 'f', -1, 64)
		f["productos"] = strconv.Itoa(r.ItemCount)
		return f
	}
	f["msg"] = r.Message
	return f
}

func ParseResponse(fields map[string]string) Response {
	r := Response{
		TaskID:    fields[FieldTaskID],
		UserID:    fields[FieldUserID],
		Status:    Status(fields["status"]),
		Message:   fields["msg"],
		StoreName: fields["tienda"],
		Date:      fields["fecha"],
	}
	if r.Status == "" {
		r.Status = "unknown"
	}
	r.Total, _ = strconv.ParseFloat(fields["total"], 64)
	r.ItemCount, _ = strconv.Atoi(fields["productos"])
	return r
}

// Summary is a short human-readable form used in logs.
func (r Response) Summary() string {
	if r.Status == StatusDone {
		return fmt.Sprintf("%s %s %s total=%.2f items=%d", r.Status, r.StoreName, r.Date, r.Total, r.ItemCount)
	}
	return fmt.Sprintf("%s %s", r.Status, r.Message)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
