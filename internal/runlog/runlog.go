// Package runlog configures the zerolog logger for one evolution run and
// renders the on-disk evolution.log in the "[<unix-seconds>] [<LEVEL>] <msg>"
// line format required by spec.md §6, adapted from the teacher's
// internal/observability.InitLogger.
package runlog

import (
	"fmt"
	stdlog "log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// bracketWriter renders each zerolog event as "[<unix-seconds>] [<LEVEL>] <message>".
type bracketWriter struct {
	mu  sync.Mutex
	out *os.File
}

func (w *bracketWriter) Write(p []byte) (int, error) {
	// zerolog.Writer contract requires returning len(p); we reformat but
	// report the original length so zerolog doesn't treat this as a short write.
	return len(p), w.WriteLevel(zerolog.NoLevel, p)
}

func (w *bracketWriter) WriteLevel(level zerolog.Level, p []byte) error {
	lvl := strings.ToUpper(level.String())
	if level == zerolog.NoLevel {
		lvl = "INFO"
	}
	msg := extractMessage(p)
	line := fmt.Sprintf("[%d] [%s] %s\n", time.Now().Unix(), lvl, msg)
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.out.WriteString(line)
	return err
}

// extractMessage pulls the "message" field out of a zerolog JSON event
// without pulling in a full JSON dependency for a single field.
func extractMessage(p []byte) string {
	s := string(p)
	const key = `"message":"`
	idx := strings.Index(s, key)
	if idx < 0 {
		return strings.TrimSpace(s)
	}
	start := idx + len(key)
	end := strings.IndexByte(s[start:], '"')
	if end < 0 {
		return strings.TrimSpace(s[start:])
	}
	return s[start : start+end]
}

// Logger is the run-wide structured logger. Ring holds the most recent
// entries for the "log" event stream described in spec.md §6.
type Logger struct {
	zerolog.Logger
	Ring *RingBuffer
}

// Entry mirrors the "log" event payload from spec.md §6.
type Entry struct {
	Timestamp time.Time
	Level     string
	Source    string
	Message   string
}

// RingBuffer keeps the last N log entries in memory for subscribers that
// joined after earlier log lines were emitted.
type RingBuffer struct {
	mu      sync.Mutex
	entries []Entry
	limit   int
}

func newRingBuffer(limit int) *RingBuffer {
	return &RingBuffer{limit: limit}
}

func (r *RingBuffer) push(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	if len(r.entries) > r.limit {
		r.entries = r.entries[len(r.entries)-r.limit:]
	}
}

// Entries returns a copy of the buffered entries.
func (r *RingBuffer) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

type ringHook struct {
	source string
	ring   *RingBuffer
}

func (h ringHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	h.ring.push(Entry{Timestamp: time.Now(), Level: level.String(), Source: h.source, Message: msg})
}

// New configures a zerolog.Logger writing newline-delimited bracketed text to
// logPath (append mode) when logPath is non-empty, otherwise stdout. It also
// binds zerolog's global log.Logger to it and redirects the standard library
// logger into the same sink, matching InitLogger's "ALL logs are captured"
// guarantee.
func New(logPath, level, source string) (*Logger, error) {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var out *os.File = os.Stdout
	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file %q: %w", logPath, err)
		}
		out = f
	}

	w := &bracketWriter{out: out}
	ring := newRingBuffer(2048)

	lvl := parseLevel(level)
	zerolog.SetGlobalLevel(lvl)

	base := zerolog.New(w).Level(lvl).With().Timestamp().Str("source", source).Logger()
	base = base.Hook(ringHook{source: source, ring: ring})

	zlog.Logger = base
	stdlog.SetFlags(0)
	stdlog.SetOutput(base)

	return &Logger{Logger: base, Ring: ring}, nil
}

func parseLevel(level string) zerolog.Level {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		level = "warn"
	}
	if level == "" {
		return zerolog.InfoLevel
	}
	if l, err := zerolog.ParseLevel(level); err == nil {
		return l
	}
	return zerolog.InfoLevel
}
