package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const dateLayout = "2006-01-02"

// DailyFileWriter is an io.Writer appending to {service}_{date}.log in a
// directory, switching files on the first write of a new day. Safe for
// concurrent use.
type DailyFileWriter struct {
	service string
	dir     string
	now     func() time.Time

	mu       sync.Mutex
	file     *os.File
	currDate string
	closed   bool
}

// NewDailyFileWriter opens today's file in logDir, which must exist.
//
// Parameters:
//   - service: Service name used in log file names
//   - logDir: Directory path for log files
//
// Returns:
//   - The new DailyFileWriter, or an error if the initial file could not be opened
func NewDailyFileWriter(service string, logDir string) (*DailyFileWriter, error) {
	w := &DailyFileWriter{service: service, dir: logDir, now: time.Now}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rotateLocked(w.now().Format(dateLayout)); err != nil {
		return nil, fmt.Errorf("initial rotation failed: %w", err)
	}

	return w, nil
}

// Write implements io.Writer.
func (w *DailyFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, fmt.Errorf("writer is closed")
	}

	if date := w.now().Format(dateLayout); date != w.currDate || w.file == nil {
		if err := w.rotateLocked(date); err != nil {
			return 0, fmt.Errorf("rotation failed: %w", err)
		}
	}

	return w.file.Write(p)
}

// Close closes the current file. Later writes fail. Safe to call more than once.
func (w *DailyFileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	w.closed = true
	if w.file == nil {
		return nil
	}

	err := w.file.Close()
	w.file = nil
	return err
}

// CurrentLogFile returns the path being written to, or "" once closed.
func (w *DailyFileWriter) CurrentLogFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return ""
	}

	return w.path(w.currDate)
}

func (w *DailyFileWriter) path(date string) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s_%s.log", w.service, date))
}

func (w *DailyFileWriter) rotateLocked(date string) error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}

	file, err := os.OpenFile(w.path(date), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	w.file = file
	w.currDate = date
	return nil
}
