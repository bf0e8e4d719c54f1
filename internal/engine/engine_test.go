package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/leadqual/internal/domain"
	"github.com/ashureev/leadqual/internal/session"
)

type fakeRepo struct {
	mu       sync.Mutex
	upserts  atomic.Int32
	profiles map[string]domain.LeadProfile
	turns    []domain.ConversationTurn
	metrics  []domain.Metric
	recs     []domain.Recommendation
	marked   atomic.Int32
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{profiles: make(map[string]domain.LeadProfile)}
}

func (r *fakeRepo) UpsertLeadProfile(_ context.Context, p *domain.LeadProfile) error {
	r.upserts.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[p.LeadID] = *p
	return nil
}

func (r *fakeRepo) AppendTurn(_ context.Context, t *domain.ConversationTurn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns = append(r.turns, *t)
	return nil
}

func (r *fakeRepo) ListTurns(_ context.Context, leadID string, limit int) ([]domain.ConversationTurn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []domain.ConversationTurn{}
	for _, t := range r.turns {
		if t.LeadID == leadID {
			out = append(out, t)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (r *fakeRepo) RecordMetric(_ context.Context, m *domain.Metric) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = append(r.metrics, *m)
	return nil
}

func (r *fakeRepo) MarkFollowUpsDelivered(context.Context, string, time.Time) (int64, error) {
	r.marked.Add(1)
	return 1, nil
}

func (r *fakeRepo) SaveRecommendation(_ context.Context, rec *domain.Recommendation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, *rec)
	return nil
}

func (r *fakeRepo) metricCount(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.metrics {
		if m.Name == name {
			n++
		}
	}
	return n
}

type fakePublisher struct {
	mu        sync.Mutex
	confirmed []domain.LeadProfile
}

func (p *fakePublisher) LeadConfirmed(_ context.Context, profile domain.LeadProfile) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.confirmed = append(p.confirmed, profile)
	return nil
}

type fakeOutbox struct {
	msgs []domain.FollowUpMessage
}

func (o *fakeOutbox) Drain(context.Context, string) ([]domain.FollowUpMessage, error) {
	out := o.msgs
	o.msgs = nil
	return out, nil
}

func newTestEngine(t *testing.T, repo *fakeRepo, events *fakePublisher) *Engine {
	t.Helper()
	store := session.NewStore(nil, session.Options{})
	t.Cleanup(func() { _ = store.Close() })

	cfg := Config{Store: store}
	if repo != nil {
		cfg.Repo = repo
	}
	if events != nil {
		cfg.Events = events
	}
	e, err := New(cfg)
	require.NoError(t, err)
	return e
}

func TestScenarioOrderedFillAndConfirm(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	events := &fakePublisher{}
	e := newTestEngine(t, repo, events)
	ctx := context.Background()

	leadID, reply, err := e.StartConversation(ctx, "", "Alice")
	require.NoError(t, err)
	require.NotEmpty(t, leadID)
	assert.Contains(t, reply, "Alice")

	status, err := e.GetStatus(ctx, leadID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageAge, status.Stage)

	r, err := e.SendMessage(ctx, leadID, "25")
	require.NoError(t, err)
	assert.True(t, r.StageComplete)
	assert.Equal(t, domain.StageCountry, r.Stage)

	r, err = e.SendMessage(ctx, leadID, "France")
	require.NoError(t, err)
	assert.Equal(t, domain.StageInterest, r.Stage)

	r, err = e.SendMessage(ctx, leadID, "technology")
	require.NoError(t, err)
	assert.Equal(t, domain.StageConfirmation, r.Stage)
	assert.Contains(t, r.Reply, "Product Interest: Technology")

	r, err = e.SendMessage(ctx, leadID, "confirm")
	require.NoError(t, err)
	assert.Equal(t, domain.LeadStatusConfirmed, r.Status)
	assert.Equal(t, domain.StageComplete, r.Stage)
	assert.Empty(t, r.MissingFields)
	assert.NotNil(t, r.MissingFields)

	assert.Equal(t, int32(1), repo.upserts.Load())
	assert.Equal(t, domain.Slots{Name: "Alice", Age: "25", Country: "France", Interest: "Technology"}, slotsOf(repo.profiles[leadID]))
	require.Len(t, events.confirmed, 1)
	assert.Equal(t, 1, repo.metricCount(MetricLeadsConfirmed))
	assert.Equal(t, 1, repo.metricCount(MetricConversationsStarted))

	// Messages after completion are acknowledged without changes.
	r, err = e.SendMessage(ctx, leadID, "confirm")
	require.NoError(t, err)
	assert.False(t, r.StageComplete)
	assert.Equal(t, int32(1), repo.upserts.Load())
}

func slotsOf(p domain.LeadProfile) domain.Slots {
	return domain.Slots{Name: p.Name, Age: p.Age, Country: p.Country, Interest: p.Interest}
}

func TestScenarioRejectedAge(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, nil, nil)
	ctx := context.Background()

	leadID, _, err := e.StartConversation(ctx, "lead-b", "Alice")
	require.NoError(t, err)

	r, err := e.SendMessage(ctx, leadID, "150")
	require.NoError(t, err)
	assert.False(t, r.StageComplete)
	assert.Equal(t, domain.StageAge, r.Stage)
	assert.Contains(t, r.Reply, "age")
	assert.Contains(t, r.MissingFields, "age")

	status, err := e.GetStatus(ctx, leadID)
	require.NoError(t, err)
	assert.Empty(t, status.Slots.Age)
}

func TestScenarioConcurrentMessagesNeverCorruptSlots(t *testing.T) {
	t.Parallel()

	for i := 0; i < 50; i++ {
		e := newTestEngine(t, nil, nil)
		ctx := context.Background()
		leadID, _, err := e.StartConversation(ctx, "", "Alice")
		require.NoError(t, err)

		var wg sync.WaitGroup
		for _, msg := range []string{"25", "how's the weather over there?"} {
			wg.Add(1)
			go func(msg string) {
				defer wg.Done()
				_, err := e.SendMessage(ctx, leadID, msg)
				assert.NoError(t, err)
			}(msg)
		}
		wg.Wait()

		status, err := e.GetStatus(ctx, leadID)
		require.NoError(t, err)
		assert.Equal(t, domain.Slots{Name: "Alice", Age: "25"}, status.Slots)
		assert.Equal(t, domain.StageCountry, status.Stage)
	}
}

func TestStartConversationWithoutNameGreets(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, nil, nil)
	leadID, reply, err := e.StartConversation(context.Background(), "", "")
	require.NoError(t, err)
	assert.Contains(t, reply, "Welcome")

	status, err := e.GetStatus(context.Background(), leadID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageName, status.Stage)
	assert.Equal(t, domain.LeadStatusNew, status.Status)

	r, err := e.SendMessage(context.Background(), leadID, "I'm Bob")
	require.NoError(t, err)
	assert.Equal(t, domain.StageAge, r.Stage)
	assert.Equal(t, domain.LeadStatusCollecting, r.Status)
}

func TestStartConversationResumes(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, nil, nil)
	ctx := context.Background()
	leadID, _, err := e.StartConversation(ctx, "", "Alice")
	require.NoError(t, err)

	again, reply, err := e.StartConversation(ctx, leadID, "Someone Else")
	require.NoError(t, err)
	assert.Equal(t, leadID, again)
	assert.Contains(t, reply, "age")

	status, err := e.GetStatus(ctx, leadID)
	require.NoError(t, err)
	assert.Equal(t, "Alice", status.Slots.Name)
}

func TestConfirmationNeedsAffirmativeAndAcceptsCorrections(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	e := newTestEngine(t, repo, nil)
	ctx := context.Background()
	leadID, _, err := e.StartConversation(ctx, "", "Alice")
	require.NoError(t, err)
	for _, msg := range []string{"25", "France", "shoes"} {
		_, err := e.SendMessage(ctx, leadID, msg)
		require.NoError(t, err)
	}

	r, err := e.SendMessage(ctx, leadID, "sounds good")
	require.NoError(t, err)
	assert.Equal(t, domain.StageConfirmation, r.Stage)
	assert.Contains(t, r.Reply, "What would you like to correct?")

	r, err = e.SendMessage(ctx, leadID, "actually my age is 30")
	require.NoError(t, err)
	assert.Equal(t, domain.StageConfirmation, r.Stage)
	assert.Contains(t, r.Reply, "Age: 30")
	assert.Zero(t, repo.upserts.Load())

	r, err = e.SendMessage(ctx, leadID, "yes")
	require.NoError(t, err)
	assert.Equal(t, domain.LeadStatusConfirmed, r.Status)
	assert.Equal(t, "30", repo.profiles[leadID].Age)
}

func TestFinalizeIsIdempotent(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	events := &fakePublisher{}
	e := newTestEngine(t, repo, events)
	ctx := context.Background()

	leadID, _, err := e.StartConversation(ctx, "", "Alice")
	require.NoError(t, err)

	_, err = e.Gate().Finalize(ctx, leadID)
	require.ErrorIs(t, err, ErrIncomplete)

	for _, msg := range []string{"25", "France", "technology"} {
		_, err := e.SendMessage(ctx, leadID, msg)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := e.Gate().Finalize(ctx, leadID)
			assert.NoError(t, err)
			assert.True(t, p.IsConfirmed())
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), repo.upserts.Load())
	assert.Len(t, events.confirmed, 1)
}

func TestConcurrentConfirmMessagesFinalizeOnce(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	events := &fakePublisher{}
	e := newTestEngine(t, repo, events)
	ctx := context.Background()

	leadID, _, err := e.StartConversation(ctx, "", "Alice")
	require.NoError(t, err)
	for _, msg := range []string{"25", "France", "technology"} {
		_, err := e.SendMessage(ctx, leadID, msg)
		require.NoError(t, err)
	}

	start := make(chan struct{})
	replies := make([]Reply, 2)
	var wg sync.WaitGroup
	for i := range replies {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			r, err := e.SendMessage(ctx, leadID, "confirm")
			assert.NoError(t, err)
			replies[i] = r
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), repo.upserts.Load())
	assert.Len(t, events.confirmed, 1)
	assert.Equal(t, 1, repo.metricCount(MetricLeadsConfirmed))

	advanced := 0
	for _, r := range replies {
		assert.Equal(t, domain.StageComplete, r.Stage)
		assert.Equal(t, domain.LeadStatusConfirmed, r.Status)
		assert.Empty(t, r.MissingFields)
		assert.NotEmpty(t, r.Reply)
		if r.StageComplete {
			advanced++
		}
	}
	assert.Equal(t, 1, advanced)
}

func TestExitCommandDeactivates(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, nil, nil)
	ctx := context.Background()
	leadID, _, err := e.StartConversation(ctx, "", "Alice")
	require.NoError(t, err)

	r, err := e.SendMessage(ctx, leadID, "bye")
	require.NoError(t, err)
	assert.Contains(t, r.Reply, "Goodbye")
	assert.False(t, r.StageComplete)

	status, err := e.GetStatus(ctx, leadID)
	require.NoError(t, err)
	assert.False(t, status.IsActive)
	assert.Equal(t, domain.StageAge, status.Stage)

	// Coming back reactivates the session.
	_, err = e.SendMessage(ctx, leadID, "31")
	require.NoError(t, err)
	status, err = e.GetStatus(ctx, leadID)
	require.NoError(t, err)
	assert.True(t, status.IsActive)
	assert.Equal(t, "31", status.Slots.Age)
}

func TestSuggestionRequestKeepsSlots(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, nil, nil)
	ctx := context.Background()
	leadID, _, err := e.StartConversation(ctx, "", "Alice")
	require.NoError(t, err)

	r, err := e.SendMessage(ctx, leadID, "can you recommend something?")
	require.NoError(t, err)
	assert.Contains(t, r.Reply, "product categories")
	assert.Equal(t, domain.StageAge, r.Stage)
}

func TestPollFollowUpReturnsNewest(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	store := session.NewStore(nil, session.Options{})
	defer store.Close()

	outbox := &fakeOutbox{msgs: []domain.FollowUpMessage{
		{LeadID: "lead-1", Message: "first", Sequence: 1},
		{LeadID: "lead-1", Message: "second", Sequence: 2},
	}}
	e, err := New(Config{Store: store, Repo: repo, Outbox: outbox})
	require.NoError(t, err)

	poll, err := e.PollFollowUp(context.Background(), "lead-1")
	require.NoError(t, err)
	assert.True(t, poll.HasMessage)
	assert.Equal(t, "second", poll.Text)
	assert.Equal(t, int32(1), repo.marked.Load())

	poll, err = e.PollFollowUp(context.Background(), "lead-1")
	require.NoError(t, err)
	assert.False(t, poll.HasMessage)

	_, err = e.PollFollowUp(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyLeadID)
}

func TestHistoryAndRecommend(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	e := newTestEngine(t, repo, nil)
	ctx := context.Background()

	leadID, _, err := e.StartConversation(ctx, "", "Alice")
	require.NoError(t, err)
	_, err = e.SendMessage(ctx, leadID, "25")
	require.NoError(t, err)

	turns, err := e.History(ctx, leadID, 10)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, domain.RoleUser, turns[1].Role)
	assert.Equal(t, "25", turns[1].Content)

	rec, err := e.Recommend(ctx, domain.LeadProfile{LeadID: leadID, Name: "Alice", Interest: "Technology"})
	require.NoError(t, err)
	assert.Equal(t, "catalog", rec.Source)
	assert.Contains(t, rec.Text, "laptop")
	assert.Len(t, repo.recs, 1)
}

func TestRecordFollowUp(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	e := newTestEngine(t, repo, nil)
	ctx := context.Background()

	leadID, _, err := e.StartConversation(ctx, "", "Alice")
	require.NoError(t, err)
	st, err := e.store.Get(ctx, leadID)
	require.NoError(t, err)

	err = e.RecordFollowUp(ctx, domain.FollowUpMessage{LeadID: leadID, Message: "Still there?", Sequence: 1})
	require.NoError(t, err)

	turns, err := e.History(ctx, leadID, 0)
	require.NoError(t, err)
	last := turns[len(turns)-1]
	assert.Equal(t, domain.RoleSystem, last.Role)
	assert.Equal(t, st.SessionID, last.SessionID)
	assert.Equal(t, "Still there?", last.Content)
	assert.Equal(t, 1, repo.metricCount(MetricFollowUpSent))

	assert.ErrorIs(t, e.RecordFollowUp(ctx, domain.FollowUpMessage{}), ErrEmptyLeadID)
}
