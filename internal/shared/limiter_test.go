package shared

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeyedLimiterIsPerKey(t *testing.T) {
	t.Parallel()

	l := NewKeyedLimiter(0.001, 2)
	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))

	assert.True(t, l.Allow("b"), "other keys have their own bucket")
}

func TestKeyedLimiterPrune(t *testing.T) {
	t.Parallel()

	l := NewKeyedLimiter(1, 1)
	l.Allow("a")
	l.Allow("b")

	assert.Zero(t, l.Prune(time.Hour))
	assert.Equal(t, 2, l.Prune(-time.Second))
	assert.True(t, l.Allow("a"), "pruned keys start with a full bucket")
}
