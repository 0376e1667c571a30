// Package transcript writes an NDJSON audit log of every conversation message.
package transcript

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

var (
	ansiPattern     = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	spacePattern    = regexp.MustCompile(`[ \t]+`)
	unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)
)

// Config controls transcript logging.
type Config struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Entry is one transcript line.
type Entry struct {
	Timestamp  time.Time `json:"ts"`
	UserID     string    `json:"user_id"`
	MessageID  string    `json:"message_id"`
	Role       string    `json:"role"`
	EventType  string    `json:"event_type"`
	Kind       string    `json:"kind,omitempty"`
	Content    string    `json:"content"`
	ContentRaw string    `json:"content_raw"`
}

// Logger records transcript entries.
type Logger interface {
	Log(entry Entry)
	Close() error
}

type nopLogger struct{}

func (nopLogger) Log(Entry)    {}
func (nopLogger) Close() error { return nil }

// Nop returns a Logger that discards everything.
func Nop() Logger { return nopLogger{} }

type fileLogger struct {
	cfg    Config
	logger *slog.Logger
	queue  chan Entry
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	files  map[string]*os.File
	global *os.File
}

// NewLogger starts an asynchronous NDJSON writer. Entries go to
// <Dir>/<userID>.ndjson and, when enabled, to GlobalPath as well.
func NewLogger(cfg Config, logger *slog.Logger) (Logger, error) {
	if !cfg.Enabled {
		return Nop(), nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}

	l := &fileLogger{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan Entry, cfg.QueueSize),
		files:  make(map[string]*os.File),
	}
	if cfg.GlobalEnabled && cfg.GlobalPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0o750); err != nil {
			return nil, fmt.Errorf("create global transcript dir: %w", err)
		}
		f, err := os.OpenFile(cfg.GlobalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open global transcript: %w", err)
		}
		l.global = f
	}

	l.wg.Add(1)
	go l.run()
	return l, nil
}

// Log enqueues an entry. Entries are dropped when the queue is full or the
// logger is closed.
func (l *fileLogger) Log(entry Entry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.Content == "" {
		entry.Content = cleanForReadability(entry.ContentRaw)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- entry:
	default:
		l.logger.Warn("transcript queue full, dropping entry", "user_id", entry.UserID, "message_id", entry.MessageID)
	}
}

// Close drains the queue and closes all files.
func (l *fileLogger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	l.wg.Wait()

	var firstErr error
	for _, f := range l.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if l.global != nil {
		if err := l.global.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (l *fileLogger) run() {
	defer l.wg.Done()
	for entry := range l.queue {
		line, err := json.Marshal(entry)
		if err != nil {
			l.logger.Warn("failed to marshal transcript entry", "error", err)
			continue
		}
		line = append(line, '\n')

		f, err := l.fileFor(entry.UserID)
		if err != nil {
			l.logger.Warn("failed to open transcript file", "user_id", entry.UserID, "error", err)
		} else if _, err := f.Write(line); err != nil {
			l.logger.Warn("failed to write transcript entry", "user_id", entry.UserID, "error", err)
		}

		if l.global != nil {
			if _, err := l.global.Write(line); err != nil {
				l.logger.Warn("failed to write global transcript entry", "error", err)
			}
		}
	}
}

func (l *fileLogger) fileFor(userID string) (*os.File, error) {
	if f, ok := l.files[userID]; ok {
		return f, nil
	}
	name := unsafeFileChars.ReplaceAllString(userID, "_")
	if name == "" {
		name = "anonymous"
	}
	f, err := os.OpenFile(filepath.Join(l.cfg.Dir, name+".ndjson"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	l.files[userID] = f
	return f, nil
}

// cleanForReadability strips terminal escapes and collapses runs of blanks.
func cleanForReadability(raw string) string {
	s := ansiPattern.ReplaceAllString(raw, "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.TrimSpace(spacePattern.ReplaceAllString(line, " "))
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
