package shared

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsSQLiteConflictError(t *testing.T) {
	t.Parallel()

	assert.True(t, IsSQLiteConflictError(errors.New("exec: SQLITE_BUSY")))
	assert.True(t, IsSQLiteConflictError(errors.New("database is locked (5)")))
	assert.False(t, IsSQLiteConflictError(errors.New("no such table")))
	assert.False(t, IsSQLiteConflictError(nil))
}

func TestRetrySQLiteRetriesConflicts(t *testing.T) {
	t.Parallel()

	calls := 0
	err := RetrySQLite(context.Background(), 3, time.Millisecond, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("SQLITE_BUSY")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetrySQLiteStopsOnOtherErrors(t *testing.T) {
	t.Parallel()

	calls := 0
	boom := errors.New("constraint failed")
	err := RetrySQLite(context.Background(), 5, time.Millisecond, func(context.Context) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}
