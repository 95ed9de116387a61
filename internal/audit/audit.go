// Package audit keeps local copies of intermediate results for later
// inspection. Writes are best-effort: a failure is logged and never reaches
// the caller.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/logger"
)

// Writer stores "<name>.json" files under one directory.
type Writer struct {
	dir string
}

func New(dir string) *Writer {
	return &Writer{dir: dir}
}

// Path returns where the copy called name is stored.
func (w *Writer) Path(name string) string {
	return filepath.Join(w.dir, name+".json")
}

// Write stores data, indented, as name. An existing copy is left untouched.
func (w *Writer) Write(ctx context.Context, name string, data []byte) {
	log := logger.FromContext(ctx).With("component", "audit")
	if err := w.write(name, data); err != nil {
		log.Warn("writing audit copy failed", "name", name, "error", err)
		return
	}
	log.Debug("audit copy written", "path", w.Path(name))
}

func (w *Writer) write(name string, data []byte) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("creating audit dir: %w", err)
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		buf.Reset()
		buf.Write(data)
	}
	f, err := os.OpenFile(w.Path(name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, os.ErrExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
