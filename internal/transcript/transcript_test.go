package transcript

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/leadqual/internal/domain"
)

func TestLoggerWritesPerSessionNDJSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l, err := New(Config{Enabled: true, Dir: dir, QueueSize: 16}, nil)
	require.NoError(t, err)

	l.Record(domain.ConversationTurn{LeadID: "lead-1", SessionID: "sess-1", Role: domain.RoleUser, Content: "Alice"})
	l.Record(domain.ConversationTurn{LeadID: "lead-1", SessionID: "sess-1", Role: domain.RoleAssistant, Content: "How old are you?"})
	require.NoError(t, l.Close())

	data, err := os.ReadFile(filepath.Join(dir, "lead-1", "sess-1.ndjson"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var got domain.ConversationTurn
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &got))
	assert.Equal(t, domain.RoleAssistant, got.Role)
	assert.Equal(t, "How old are you?", got.Content)
}

func TestLoggerDisabled(t *testing.T) {
	t.Parallel()

	l, err := New(Config{Enabled: false}, nil)
	require.NoError(t, err)
	assert.Nil(t, l)

	_, err = New(Config{Enabled: true}, nil)
	assert.Error(t, err)
}

func TestSafeNameStaysInsideDir(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "___etc_passwd", safeName("../etc/passwd"))
	assert.Equal(t, "unknown", safeName(""))
	assert.Equal(t, "3f2b-AA_9", safeName("3f2b-AA_9"))
}

func TestRecordAfterCloseIsIgnored(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l, err := New(Config{Enabled: true, Dir: dir}, nil)
	require.NoError(t, err)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	l.Record(domain.ConversationTurn{LeadID: "lead-1", SessionID: "s", Timestamp: time.Now()})
	_, err = os.Stat(filepath.Join(dir, "lead-1"))
	assert.True(t, os.IsNotExist(err))
}
