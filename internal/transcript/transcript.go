// Package transcript writes conversation turns to per-session NDJSON files for
// offline review.
package transcript

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/leadqual/internal/domain"
)

const defaultQueueSize = 256

// Config controls transcript logging.
type Config struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Logger appends turns to <dir>/<lead_id>/<session_id>.ndjson from a
// background worker. Record never blocks the conversation.
type Logger struct {
	dir    string
	queue  chan domain.ConversationTurn
	done   chan struct{}
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a transcript logger. It returns nil, nil when disabled.
func New(cfg Config, logger *slog.Logger) (*Logger, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Dir == "" {
		return nil, errors.New("transcript directory is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}

	l := &Logger{
		dir:    cfg.Dir,
		queue:  make(chan domain.ConversationTurn, cfg.QueueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
	l.wg.Add(1)
	go l.run()
	return l, nil
}

// Record queues a turn. When the queue is full the oldest queued turn is
// dropped to make room.
func (l *Logger) Record(turn domain.ConversationTurn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}

	select {
	case l.queue <- turn:
		return
	default:
	}

	select {
	case old := <-l.queue:
		l.logger.Warn("Transcript queue full, dropping oldest turn", "lead_id", old.LeadID)
	default:
	}
	select {
	case l.queue <- turn:
	default:
		l.logger.Warn("Transcript queue full, dropping turn", "lead_id", turn.LeadID)
	}
}

func (l *Logger) run() {
	defer l.wg.Done()
	for {
		select {
		case turn := <-l.queue:
			l.write(turn)
		case <-l.done:
			// Flush what is already queued.
			for {
				select {
				case turn := <-l.queue:
					l.write(turn)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) write(turn domain.ConversationTurn) {
	start := time.Now()
	if err := l.append(turn); err != nil {
		l.logger.Warn("Failed to write transcript", "lead_id", turn.LeadID, "error", err)
		return
	}
	if d := time.Since(start); d > 100*time.Millisecond {
		l.logger.Warn("Slow transcript write", "lead_id", turn.LeadID, "duration_ms", d.Milliseconds())
	}
}

func (l *Logger) append(turn domain.ConversationTurn) error {
	leadDir := filepath.Join(l.dir, safeName(turn.LeadID))
	if err := os.MkdirAll(leadDir, 0o755); err != nil {
		return fmt.Errorf("create lead dir: %w", err)
	}

	line, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}
	line = append(line, '\n')

	path := filepath.Join(leadDir, safeName(turn.SessionID)+".ndjson")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("append transcript: %w", err)
	}
	return f.Close()
}

// safeName keeps identifiers usable as a single path element.
func safeName(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
	if s == "" {
		return "unknown"
	}
	return s
}

// Close flushes queued turns and stops the worker.
func (l *Logger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.done)
	l.mu.Unlock()

	l.wg.Wait()
	return nil
}
