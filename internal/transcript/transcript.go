// Package transcript writes per-session conversation logs as NDJSON.
package transcript

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Entry is one line of a conversation log.
type Entry struct {
	Timestamp  string         `json:"ts"`
	UserID     string         `json:"user_id"`
	SessionID  string         `json:"session_id"`
	Channel    string         `json:"channel"`
	Direction  string         `json:"direction"`
	EventType  string         `json:"event_type"`
	ContentRaw string         `json:"content_raw,omitempty"`
	Content    string         `json:"content,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// Logger records conversation entries.
type Logger interface {
	Log(e Entry)
	Close() error
}

// Config controls the file logger.
type Config struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

type noop struct{}

func (noop) Log(Entry)    {}
func (noop) Close() error { return nil }

// Noop discards every entry.
var Noop Logger = noop{}

// FileLogger appends entries to <dir>/<user>/<session>.ndjson from a single
// writer goroutine. Entries that do not fit in the queue are dropped.
type FileLogger struct {
	dir     string
	queue   chan Entry
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	closed  bool
	logger  *slog.Logger
	dropped int
}

// New returns a FileLogger, or Noop when logging is disabled.
func New(cfg Config, logger *slog.Logger) (Logger, error) {
	if !cfg.Enabled {
		return Noop, nil
	}
	if cfg.Dir == "" {
		return nil, errors.New("transcript directory is empty")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript directory: %w", err)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &FileLogger{
		dir:    cfg.Dir,
		queue:  make(chan Entry, cfg.QueueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
	go l.run()
	return l, nil
}

// Log enqueues e without blocking.
func (l *FileLogger) Log(e Entry) {
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if e.Content == "" && e.ContentRaw != "" {
		e.Content = CleanForReadability(e.ContentRaw)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- e:
	default:
		l.dropped++
		l.logger.Warn("Transcript queue full, entry dropped", "session_id", e.SessionID, "dropped", l.dropped)
	}
}

// Close flushes queued entries and stops the writer.
func (l *FileLogger) Close() error {
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.queue)
		l.mu.Unlock()
		<-l.done
	})
	return nil
}

func (l *FileLogger) run() {
	defer close(l.done)
	for e := range l.queue {
		if err := l.write(e); err != nil {
			l.logger.Warn("Failed to write transcript entry", "session_id", e.SessionID, "error", err)
		}
	}
}

func (l *FileLogger) write(e Entry) error {
	user := safeSegment(e.UserID, "anonymous")
	session := safeSegment(e.SessionID, "unknown")
	dir := filepath.Join(l.dir, user)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create user directory: %w", err)
	}

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, session+".ndjson"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("append transcript: %w", err)
	}
	return f.Close()
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

func safeSegment(s, fallback string) string {
	s = unsafeChars.ReplaceAllString(s, "_")
	s = strings.Trim(s, ".")
	if s == "" {
		return fallback
	}
	return s
}

var (
	ansiPattern  = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	spacePattern = regexp.MustCompile(`[ \t]+`)
	blankLines   = regexp.MustCompile(`\n{3,}`)
)

// CleanForReadability strips terminal escapes and collapses runs of
// whitespace.
func CleanForReadability(s string) string {
	s = ansiPattern.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = spacePattern.ReplaceAllString(s, " ")
	s = blankLines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
