package agent

import (
	"bytes"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// lineLogger logs agent output one line at a time. Lines reporting an error
// or exception go out at error level.
type lineLogger struct {
	mu  sync.Mutex
	buf bytes.Buffer
	log zerolog.Logger
}

func newLineLogger(log zerolog.Logger) *lineLogger {
	return &lineLogger{log: log}
}

func (w *lineLogger) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// incomplete line, keep it for the next write
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		w.emit(line)
	}
	return len(p), nil
}

// Flush logs any trailing partial line.
func (w *lineLogger) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(w.buf.String())
		w.buf.Reset()
	}
}

func (w *lineLogger) emit(line string) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return
	}
	if isErrorLine(line) {
		w.log.Error().Str("line", line).Msg("agent")
		return
	}
	w.log.Debug().Str("line", line).Msg("agent")
}

func isErrorLine(line string) bool {
	return strings.Contains(line, "ERROR") || strings.Contains(line, "Exception")
}
