package main

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/leadqual/internal/config"
	"github.com/ashureev/leadqual/internal/domain"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DBPath = filepath.Join(t.TempDir(), "leadqual.db")
	cfg.ConversationLog.Dir = filepath.Join(t.TempDir(), "transcripts")
	return cfg
}

func TestBuildAppAndChat(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := buildApp(ctx, testConfig(t), nil, slog.Default())
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, "memory", a.outboxKind)
	assert.Equal(t, "none", a.generatorName())

	leadID, _, err := a.engine.StartConversation(ctx, "", "Alice")
	require.NoError(t, err)

	in := strings.NewReader("25\nCanada\n\nTechnology\n/status\nyes\n/quit\nignored\n")
	var out bytes.Buffer
	require.NoError(t, chatLoop(ctx, a.engine, in, &out, leadID))

	transcript := out.String()
	assert.Contains(t, transcript, "stage=CONFIRMATION")
	assert.NotContains(t, transcript, "ignored")

	st, err := a.engine.GetStatus(ctx, leadID)
	require.NoError(t, err)
	assert.Equal(t, domain.LeadStatusConfirmed, st.Status)

	// The confirmed lead reaches the store and the recommendation consumer.
	require.Eventually(t, func() bool {
		recs, err := a.repo.ListRecommendations(ctx, leadID)
		return err == nil && len(recs) == 1
	}, 2*time.Second, 20*time.Millisecond)

	lead, err := a.repo.GetLead(ctx, leadID)
	require.NoError(t, err)
	assert.Equal(t, "Canada", lead.Country)
}

func TestTerminalNotifierOnlyForCurrentLead(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	n := &terminalNotifier{out: &out}
	n.setLead("lead-1")

	assert.False(t, n.PushFollowUp("lead-2", domain.FollowUpMessage{Message: "hi"}))
	assert.True(t, n.PushFollowUp("lead-1", domain.FollowUpMessage{Message: "Still there?"}))
	assert.Contains(t, out.String(), "assistant> Still there?")
}
