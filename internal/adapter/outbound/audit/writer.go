// Package audit appends decision and cost records to daily JSON Lines
// files. Writes are best-effort: a failed append is logged and the
// decision proceeds regardless.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/claudecube/claudecube/internal/domain/audit"
)

// Writer appends audit entries to <dir>/audit-YYYY-MM-DD.jsonl,
// switching files at the date boundary.
type Writer struct {
	mu      sync.Mutex
	dir     string
	file    *os.File
	curDate string
	logger  *slog.Logger
}

// NewWriter prepares the audit directory. The day's file is opened
// lazily on first write.
func NewWriter(dir string, logger *slog.Logger) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	return &Writer{dir: dir, logger: logger}, nil
}

// Record appends one entry. Failures are logged, never returned: audit
// must not block or fail a decision.
func (w *Writer) Record(entry audit.Entry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if err := w.append("audit", entry.Timestamp, entry); err != nil {
		w.logger.Warn("audit write failed", "error", err)
	}
}

// append marshals v and writes it as one line to the prefix's file for
// the entry's date.
func (w *Writer) append(prefix string, ts time.Time, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	date := ts.Format("2006-01-02")
	if w.file == nil || w.curDate != date {
		if w.file != nil {
			w.file.Close()
		}
		path := filepath.Join(w.dir, fmt.Sprintf("%s-%s.jsonl", prefix, date))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		w.file = f
		w.curDate = date
	}

	if _, err := w.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append entry: %w", err)
	}
	return nil
}

// Close releases the current file handle.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		err := w.file.Close()
		w.file = nil
		return err
	}
	return nil
}
