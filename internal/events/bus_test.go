package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/leadqual/internal/domain"
)

func TestBusDeliversLeadConfirmed(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)
	defer func() { _ = bus.Close() }()

	got := make(chan domain.LeadProfile, 1)
	require.NoError(t, bus.OnLeadConfirmed(context.Background(), func(_ context.Context, p domain.LeadProfile) error {
		got <- p
		return nil
	}))

	profile := domain.LeadProfile{LeadID: "lead-1", Name: "Alice", Interest: "Technology", Status: domain.LeadStatusConfirmed}
	require.NoError(t, bus.LeadConfirmed(context.Background(), profile))

	select {
	case p := <-got:
		assert.Equal(t, "lead-1", p.LeadID)
		assert.Equal(t, "Technology", p.Interest)
		assert.True(t, p.IsConfirmed())
	case <-time.After(2 * time.Second):
		t.Fatal("lead.confirmed not delivered")
	}
}

func TestBusKeepsDeliveringAfterHandlerError(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)
	defer func() { _ = bus.Close() }()

	got := make(chan int, 2)
	require.NoError(t, bus.OnFollowUp(context.Background(), func(_ context.Context, m domain.FollowUpMessage) error {
		got <- m.Sequence
		if m.Sequence == 1 {
			return errors.New("boom")
		}
		return nil
	}))

	require.NoError(t, bus.FollowUpSent(context.Background(), domain.FollowUpMessage{LeadID: "lead-1", Sequence: 1}))
	require.NoError(t, bus.FollowUpSent(context.Background(), domain.FollowUpMessage{LeadID: "lead-1", Sequence: 2}))

	for want := 1; want <= 2; want++ {
		select {
		case seq := <-got:
			assert.Equal(t, want, seq)
		case <-time.After(2 * time.Second):
			t.Fatalf("follow-up %d not delivered", want)
		}
	}
}

func TestBusPublishAfterClose(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	err := bus.LeadConfirmed(context.Background(), domain.LeadProfile{LeadID: "lead-1"})
	assert.ErrorIs(t, err, ErrClosed)
}
