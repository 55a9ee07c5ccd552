// Package transcript appends conversation lines to daily-partitioned
// text files, one file per call, under the PBX recordings directory.
package transcript

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Speaker identifies which side of the conversation a line belongs to.
type Speaker string

const (
	SpeakerUser      Speaker = "USER"
	SpeakerAssistant Speaker = "ASSISTANT"
)

// SanitizeCallerID keeps only digits and '+' from a caller identity so it
// is safe to embed in a filename. An identity with nothing left after
// filtering becomes "unknown".
func SanitizeCallerID(callerID string) string {
	var b strings.Builder
	for _, r := range callerID {
		if (r >= '0' && r <= '9') || r == '+' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "unknown"
	}
	return b.String()
}

// Writer appends transcript lines for a single call. Writes are
// append-only; the file and its date-partitioned directory are created
// lazily on the first line. Failures are logged and swallowed so a full
// disk never fails the call.
type Writer struct {
	path   string
	logger *slog.Logger

	mu sync.Mutex
	f  *os.File
	// failed latches after a create error so we do not retry on every line.
	failed bool

	now func() time.Time // injectable clock for tests
}

// NewWriter returns a writer whose file will live at
// <dir>/YYYY/MM/DD/conversation-<sanitizedCaller>-<callID>.txt using the
// local date at creation time.
func NewWriter(dir, callerID, callID string, logger *slog.Logger) *Writer {
	now := time.Now()
	day := filepath.Join(dir, now.Format("2006"), now.Format("01"), now.Format("02"))
	name := fmt.Sprintf("conversation-%s-%s.txt", SanitizeCallerID(callerID), callID)
	return &Writer{
		path:   filepath.Join(day, name),
		logger: logger.With("subsystem", "transcript", "call_id", callID),
		now:    time.Now,
	}
}

// Path returns the transcript file path. The file may not exist yet if
// nothing has been appended.
func (w *Writer) Path() string {
	return w.path
}

// Append writes one "ISO8601 SPEAKER: text" line. Empty or
// whitespace-only text is skipped.
func (w *Writer) Append(speaker Speaker, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.failed {
		return
	}
	if w.f == nil {
		if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
			w.logger.Error("creating transcript directory", "path", w.path, "error", err)
			w.failed = true
			return
		}
		f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			w.logger.Error("creating transcript file", "path", w.path, "error", err)
			w.failed = true
			return
		}
		w.f = f
	}

	line := fmt.Sprintf("%s %s: %s\n", w.now().Format(time.RFC3339), speaker, text)
	if _, err := w.f.WriteString(line); err != nil {
		w.logger.Error("appending transcript line", "path", w.path, "error", err)
	}
}

// Close closes the underlying file, if one was ever created.
func (w *Writer) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f != nil {
		w.f.Close()
		w.f = nil
	}
}
