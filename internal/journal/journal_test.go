package journal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()

	j, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestRecordAndRecent(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	require.NoError(t, j.Record(ctx, EventStart, "schedule window opened"))
	require.NoError(t, j.Record(ctx, EventStop, "manual stop via API"))
	require.NoError(t, j.Record(ctx, EventRestart, "flightsheet changed: pools"))

	events, err := j.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)

	// Newest first.
	assert.Equal(t, EventRestart, events[0].Kind)
	assert.Equal(t, EventStop, events[1].Kind)
	assert.Equal(t, EventStart, events[2].Kind)
	assert.Equal(t, "manual stop via API", events[1].Detail)
	assert.False(t, events[0].RecordedAt.IsZero())
}

func TestRecentLimit(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, j.Record(ctx, EventCrash, "process exited"))
	}

	events, err := j.Recent(ctx, 4)
	require.NoError(t, err)
	assert.Len(t, events, 4)
}

func TestRecentEmpty(t *testing.T) {
	j := openTestJournal(t)

	events, err := j.Recent(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, events)
}
