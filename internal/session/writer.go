package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/leadqual/internal/domain"
	"github.com/ashureev/leadqual/internal/shared"
)

const (
	defaultQueueSize   = 1024
	defaultSaveTimeout = 5 * time.Second
	saveMaxRetries     = 3
	saveRetryBaseDelay = 50 * time.Millisecond
)

// writeThrough persists committed sessions off the request path. Saves for the
// same lead coalesce so only the newest pending state is written, and a single
// worker keeps per-lead writes ordered.
type writeThrough struct {
	repo        Repository
	logger      *slog.Logger
	saveTimeout time.Duration

	mu       sync.Mutex
	pending  map[string]domain.SessionState
	inflight string
	signal   chan string

	// saveMu spans take-and-save so a flush returns only after every state
	// enqueued before it is durable.
	saveMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newWriteThrough(repo Repository, queueSize int, saveTimeout time.Duration, logger *slog.Logger) *writeThrough {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if saveTimeout <= 0 {
		saveTimeout = defaultSaveTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &writeThrough{
		repo:        repo,
		logger:      logger,
		saveTimeout: saveTimeout,
		pending:     make(map[string]domain.SessionState),
		signal:      make(chan string, queueSize),
		ctx:         ctx,
		cancel:      cancel,
	}

	w.wg.Add(1)
	go w.run()
	return w
}

func (w *writeThrough) enqueue(state domain.SessionState) {
	w.mu.Lock()
	_, queued := w.pending[state.LeadID]
	w.pending[state.LeadID] = state
	w.mu.Unlock()

	if queued {
		return
	}

	select {
	case w.signal <- state.LeadID:
	default:
		// Dropped saves are retried by the lead's next mutation.
		w.mu.Lock()
		delete(w.pending, state.LeadID)
		w.mu.Unlock()
		w.logger.Warn("Session write-through queue full, save deferred",
			"lead_id", state.LeadID,
			"queue_len", len(w.signal),
		)
	}
}

func (w *writeThrough) run() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			w.drain()
			return
		case leadID := <-w.signal:
			w.flush(leadID)
		}
	}
}

func (w *writeThrough) drain() {
	for {
		select {
		case leadID := <-w.signal:
			w.flush(leadID)
		default:
			return
		}
	}
}

func (w *writeThrough) flush(leadID string) {
	w.saveMu.Lock()
	defer w.saveMu.Unlock()

	w.mu.Lock()
	state, ok := w.pending[leadID]
	delete(w.pending, leadID)
	if ok {
		w.inflight = leadID
	}
	w.mu.Unlock()
	if !ok {
		return
	}
	defer func() {
		w.mu.Lock()
		w.inflight = ""
		w.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), w.saveTimeout)
	defer cancel()

	start := time.Now()
	err := shared.RetrySQLite(ctx, saveMaxRetries, saveRetryBaseDelay, func(ctx context.Context) error {
		return w.repo.SaveSession(ctx, &state)
	})
	if err != nil {
		w.logger.Warn("Session persistence degraded",
			"lead_id", leadID,
			"stage", state.Stage,
			"error", err,
		)
		return
	}

	if d := time.Since(start); d > 100*time.Millisecond {
		w.logger.Warn("Slow session save", "lead_id", leadID, "duration_ms", d.Milliseconds())
	}
}

// settle blocks until no save for leadID is pending or running.
func (w *writeThrough) settle(leadID string) {
	w.mu.Lock()
	busy := w.inflight == leadID
	_, pending := w.pending[leadID]
	w.mu.Unlock()
	if busy || pending {
		w.flush(leadID)
	}
}

func (w *writeThrough) close() {
	w.cancel()
	w.wg.Wait()
}
