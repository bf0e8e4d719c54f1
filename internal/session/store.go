// Package session provides the concurrency-safe per-lead session store.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/ashureev/leadqual/internal/domain"
)

// ErrClosed is returned by Mutate after Close.
var ErrClosed = errors.New("session store closed")

// Repository is the durable collaborator used for hydration and write-through.
type Repository interface {
	// LoadSession returns nil, nil when the lead has no stored session.
	LoadSession(ctx context.Context, leadID string) (*domain.SessionState, error)
	SaveSession(ctx context.Context, state *domain.SessionState) error
}

// ActiveLister is optionally implemented by repositories that can list
// sessions still eligible for follow-ups.
type ActiveLister interface {
	ListActiveSessions(ctx context.Context) ([]domain.SessionState, error)
}

// MutateFunc edits a working copy of the session. Returning an error discards
// the edit.
type MutateFunc func(state *domain.SessionState) error

type entry struct {
	mu    sync.Mutex
	state domain.SessionState
	// durable is false while the stored copy could not be read. Such an entry
	// is never written back, and each access retries the load first.
	durable bool
	// evicted entries are no longer in the map; holders must load again.
	evicted bool
}

// Store owns every SessionState. Mutations for one lead are serialized; leads
// never block each other beyond the short map lock.
type Store struct {
	repo   Repository
	writer *writeThrough
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry
	closed  bool

	hydrate      singleflight.Group
	degradedOnce sync.Once
}

// Options configures a Store.
type Options struct {
	// QueueSize bounds pending write-through saves. Defaults to 1024.
	QueueSize int
	// SaveTimeout bounds one durable save. Defaults to 5s.
	SaveTimeout time.Duration
	Logger      *slog.Logger
	Now         func() time.Time
}

// NewStore creates a store backed by repo. A nil repo keeps sessions in memory only.
func NewStore(repo Repository, opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Store{
		repo:    repo,
		logger:  opts.Logger,
		now:     opts.Now,
		entries: make(map[string]*entry),
	}
	if repo != nil {
		s.writer = newWriteThrough(repo, opts.QueueSize, opts.SaveTimeout, opts.Logger)
	} else {
		s.warnDegraded(errors.New("no durable repository configured"))
	}
	return s
}

// Get returns a copy of the lead's session, hydrating or creating it on first access.
func (s *Store) Get(ctx context.Context, leadID string) (domain.SessionState, error) {
	e, err := s.lock(ctx, leadID)
	if err != nil {
		return domain.SessionState{}, err
	}
	defer e.mu.Unlock()
	return e.state.Clone(), nil
}

// Exists reports whether the lead's session is already resident in memory.
func (s *Store) Exists(leadID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[leadID]
	return ok
}

// Mutate applies fn atomically to the lead's session and schedules an
// asynchronous durable save of the committed state.
func (s *Store) Mutate(ctx context.Context, leadID string, fn MutateFunc) (domain.SessionState, error) {
	e, err := s.lock(ctx, leadID)
	if err != nil {
		return domain.SessionState{}, err
	}
	defer e.mu.Unlock()

	working := e.state.Clone()
	if err := fn(&working); err != nil {
		return e.state.Clone(), err
	}
	e.state = working

	// Enqueued under the entry lock so an eviction never overtakes the save.
	if s.writer != nil && e.durable {
		s.writer.enqueue(working.Clone())
	}
	return working.Clone(), nil
}

// Snapshot returns copies of every resident session accepted by keep.
// Each entry is locked only long enough to copy it.
func (s *Store) Snapshot(keep func(domain.SessionState) bool) []domain.SessionState {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]domain.SessionState, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		state := e.state.Clone()
		e.mu.Unlock()
		if keep == nil || keep(state) {
			out = append(out, state)
		}
	}
	return out
}

// Evict drops the lead's resident session when evict still accepts its
// current state. Durable state is untouched; the next access flushes any
// pending save for the lead and hydrates it again.
func (s *Store) Evict(leadID string, evict func(domain.SessionState) bool) bool {
	s.mu.RLock()
	e, ok := s.entries[leadID]
	s.mu.RUnlock()
	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted || !e.durable || (evict != nil && !evict(e.state.Clone())) {
		return false
	}
	e.evicted = true

	s.mu.Lock()
	if s.entries[leadID] == e {
		delete(s.entries, leadID)
	}
	s.mu.Unlock()
	return true
}

// Len returns the number of resident sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Warm loads sessions that are still active from the repository so background
// sweeps see them after a restart.
func (s *Store) Warm(ctx context.Context) (int, error) {
	lister, ok := s.repo.(ActiveLister)
	if !ok {
		return 0, nil
	}
	states, err := lister.ListActiveSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active sessions: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	loaded := 0
	for _, st := range states {
		if _, exists := s.entries[st.LeadID]; exists {
			continue
		}
		s.entries[st.LeadID] = &entry{state: st.Clone(), durable: true}
		loaded++
	}
	return loaded, nil
}

// Close flushes pending saves and rejects further mutations.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.writer != nil {
		s.writer.close()
	}
	return nil
}

// lock returns the lead's live entry with its mutex held.
func (s *Store) lock(ctx context.Context, leadID string) (*entry, error) {
	for {
		e, err := s.load(ctx, leadID)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		if e.evicted {
			e.mu.Unlock()
			continue
		}
		s.rehydrate(ctx, e)
		return e, nil
	}
}

func (s *Store) load(ctx context.Context, leadID string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.entries[leadID]
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if ok {
		return e, nil
	}

	v, err, _ := s.hydrate.Do(leadID, func() (interface{}, error) {
		s.mu.RLock()
		existing, ok := s.entries[leadID]
		s.mu.RUnlock()
		if ok {
			return existing, nil
		}

		if s.writer != nil {
			// An evicted entry may still have a save in flight.
			s.writer.settle(leadID)
		}
		state, durable := s.fetch(ctx, leadID)

		s.mu.Lock()
		defer s.mu.Unlock()
		if existing, ok := s.entries[leadID]; ok {
			return existing, nil
		}
		e := &entry{state: state, durable: durable}
		s.entries[leadID] = e
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*entry), nil
}

// fetch loads durable state without holding any store lock. A failed load
// falls back to a fresh session that is not durable.
func (s *Store) fetch(ctx context.Context, leadID string) (domain.SessionState, bool) {
	now := s.now()
	if s.repo == nil {
		return domain.NewSessionState(leadID, uuid.NewString(), now), true
	}

	stored, err := s.repo.LoadSession(ctx, leadID)
	if err != nil {
		s.warnDegraded(err)
		s.logger.Warn("Session hydration failed, serving from memory", "lead_id", leadID, "error", err)
		return domain.NewSessionState(leadID, uuid.NewString(), now), false
	}
	if stored == nil {
		return domain.NewSessionState(leadID, uuid.NewString(), now), true
	}

	s.logger.Debug("Session hydrated", "lead_id", leadID, "stage", stored.Stage)
	return stored.Clone(), true
}

// rehydrate retries hydration for an entry whose first load failed. The stored
// copy replaces whatever was collected in memory meanwhile. Caller holds e.mu.
func (s *Store) rehydrate(ctx context.Context, e *entry) {
	if e.durable {
		return
	}
	stored, err := s.repo.LoadSession(ctx, e.state.LeadID)
	if err != nil {
		s.logger.Debug("Session hydration still failing", "lead_id", e.state.LeadID, "error", err)
		return
	}
	e.durable = true
	if stored != nil {
		s.logger.Info("Session recovered from repository", "lead_id", e.state.LeadID, "stage", stored.Stage)
		e.state = stored.Clone()
	}
}

func (s *Store) warnDegraded(err error) {
	s.degradedOnce.Do(func() {
		s.logger.Warn("Session store running in degraded in-memory mode", "error", err)
	})
}
