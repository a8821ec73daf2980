// Package convlog writes an append-only NDJSON trail of conversations and
// critical incidents. It is the sink of last resort when the database or
// the messaging channel cannot be trusted.
package convlog

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

	"github.com/ashureev/fieldchat/internal/domain"
)

const (
	defaultQueueSize = 256
	incidentFile     = "incidents.ndjson"
)

// Config controls where conversation events are written.
type Config struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Event is one conversation log line.
type Event struct {
	Timestamp  time.Time      `json:"ts"`
	UserID     string         `json:"user_id"`
	SessionID  string         `json:"session_id"`
	MessageID  string         `json:"message_id,omitempty"`
	Channel    string         `json:"channel,omitempty"`
	Direction  string         `json:"direction"`
	EventType  string         `json:"event_type"`
	ContentRaw string         `json:"content_raw,omitempty"`
	Content    string         `json:"content,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// Logger queues events and writes them from a single goroutine, so callers
// on the request path never wait on disk.
type Logger struct {
	cfg    Config
	events chan Event
	logger *slog.Logger

	quit      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// fileMu serializes appends, including synchronous incident writes.
	fileMu sync.Mutex
}

// New creates a logger. A disabled logger accepts events and drops them.
func New(cfg Config, logger *slog.Logger) (*Logger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}

	l := &Logger{
		cfg:    cfg,
		events: make(chan Event, cfg.QueueSize),
		logger: logger,
		quit:   make(chan struct{}),
	}
	if !cfg.Enabled {
		return l, nil
	}

	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create conversation log dir: %w", err)
	}
	if cfg.GlobalEnabled && cfg.GlobalPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0o750); err != nil {
			return nil, fmt.Errorf("create global log dir: %w", err)
		}
	}

	l.wg.Add(1)
	go l.run()
	return l, nil
}

// Log queues ev. When the queue is full the oldest queued event is dropped.
func (l *Logger) Log(ev Event) {
	if l == nil || !l.cfg.Enabled {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.Content == "" {
		ev.Content = cleanForReadability(ev.ContentRaw)
	}

	select {
	case <-l.quit:
		return
	default:
	}

	select {
	case l.events <- ev:
		return
	default:
	}

	select {
	case dropped := <-l.events:
		l.logger.Warn("conversation log queue full, dropped oldest event",
			"user_id", dropped.UserID,
			"event_type", dropped.EventType)
	default:
	}
	select {
	case l.events <- ev:
	default:
		l.logger.Warn("conversation log queue full, dropped event", "user_id", ev.UserID)
	}
}

// Incident appends inc to the incident log synchronously. It is used when
// a failure must survive even if the process dies right after.
func (l *Logger) Incident(inc domain.Incident) error {
	if l == nil {
		return fmt.Errorf("incident log not configured")
	}
	dir := l.cfg.Dir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create incident log dir: %w", err)
	}
	return l.appendLine(filepath.Join(dir, incidentFile), inc, true)
}

// Close flushes queued events and stops the writer.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.closeOnce.Do(func() { close(l.quit) })
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()
	for {
		select {
		case ev := <-l.events:
			l.write(ev)
		case <-l.quit:
			for {
				select {
				case ev := <-l.events:
					l.write(ev)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) write(ev Event) {
	path := filepath.Join(l.cfg.Dir, safeSegment(ev.UserID), safeSegment(ev.SessionID)+".ndjson")
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		l.logger.Warn("failed to create conversation log dir", "path", path, "error", err)
		return
	}
	if err := l.appendLine(path, ev, false); err != nil {
		l.logger.Warn("failed to write conversation log", "path", path, "error", err)
	}
	if l.cfg.GlobalEnabled && l.cfg.GlobalPath != "" {
		if err := l.appendLine(l.cfg.GlobalPath, ev, false); err != nil {
			l.logger.Warn("failed to write global conversation log", "path", l.cfg.GlobalPath, "error", err)
		}
	}
}

func (l *Logger) appendLine(path string, v any, durable bool) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal log line: %w", err)
	}
	line = append(line, '\n')

	l.fileMu.Lock()
	defer l.fileMu.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("append %s: %w", path, err)
	}
	if durable {
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return fmt.Errorf("sync %s: %w", path, err)
		}
	}
	return f.Close()
}

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(\x07|\x1b\\)`)

// cleanForReadability strips terminal escapes and control characters from
// channel text so the log reads cleanly.
func cleanForReadability(raw string) string {
	s := ansiPattern.ReplaceAllString(raw, "")
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

func safeSegment(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.', r == '+':
			return r
		default:
			return '_'
		}
	}, s)
	if s == "" || s == "." || s == ".." {
		return "unknown"
	}
	return s
}
