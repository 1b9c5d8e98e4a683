package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/claudecube/claudecube/internal/domain/audit"
)

var costFilePattern = regexp.MustCompile(`^costs-(\d{4}-\d{2}-\d{2})\.jsonl$`)

// CostWriter appends LLM call records to <dir>/costs-YYYY-MM-DD.jsonl.
type CostWriter struct {
	mu      sync.Mutex
	dir     string
	file    *os.File
	curDate string
	logger  *slog.Logger
}

// NewCostWriter prepares the cost sink in dir.
func NewCostWriter(dir string, logger *slog.Logger) (*CostWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create costs dir: %w", err)
	}
	return &CostWriter{dir: dir, logger: logger}, nil
}

// Record appends one cost entry. Failures are logged, never returned.
func (w *CostWriter) Record(entry audit.CostEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		w.logger.Warn("cost write failed", "error", err)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	date := entry.Timestamp.Format("2006-01-02")
	if w.file == nil || w.curDate != date {
		if w.file != nil {
			w.file.Close()
		}
		path := filepath.Join(w.dir, fmt.Sprintf("costs-%s.jsonl", date))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			w.logger.Warn("cost write failed", "path", path, "error", err)
			return
		}
		w.file = f
		w.curDate = date
	}

	if _, err := w.file.Write(append(data, '\n')); err != nil {
		w.logger.Warn("cost write failed", "error", err)
	}
}

// Close releases the current file handle.
func (w *CostWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		err := w.file.Close()
		w.file = nil
		return err
	}
	return nil
}

// DayTotal aggregates one day's LLM usage.
type DayTotal struct {
	Date         string
	Calls        int
	InputTokens  int64
	OutputTokens int64
}

// TotalsByDate scans every cost file in dir and returns per-day totals
// in chronological order. Unreadable lines are skipped.
func TotalsByDate(dir string) ([]DayTotal, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read costs dir: %w", err)
	}

	var totals []DayTotal
	for _, e := range entries {
		m := costFilePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		total, err := sumFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		total.Date = m[1]
		totals = append(totals, total)
	}

	sort.Slice(totals, func(i, j int) bool { return totals[i].Date < totals[j].Date })
	return totals, nil
}

func sumFile(path string) (DayTotal, error) {
	f, err := os.Open(path)
	if err != nil {
		return DayTotal{}, err
	}
	defer f.Close()

	var total DayTotal
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry audit.CostEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		total.Calls++
		total.InputTokens += entry.InputTokens
		total.OutputTokens += entry.OutputTokens
	}
	return total, scanner.Err()
}
