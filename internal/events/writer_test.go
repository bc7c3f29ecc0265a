package events_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quiche/internal/db"
	"quiche/internal/domain"
	"quiche/internal/events"
	"quiche/internal/migrate"
)

func newWriter(t *testing.T) events.Writer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	return events.Writer{DB: conn, Now: func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }}
}

func TestRecordAndLatest(t *testing.T) {
	ctx := context.Background()
	w := newWriter(t)
	require.NoError(t, w.Record(ctx, domain.Event{Type: domain.EventComputed, Task: "base", Version: 3, RunID: "r1",
		Payload: map[string]any{"duration_ms": 12}}))
	require.NoError(t, w.Record(ctx, domain.Event{Type: domain.EventHit, Task: "base", Version: 3, RunID: "r2"}))
	require.NoError(t, w.Record(ctx, domain.Event{Type: domain.EventComputed, Task: "other", Version: 4}))

	all, err := w.Latest(ctx, events.Query{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "other", all[0].Task, "newest first")
	assert.Equal(t, "2024-01-01T00:00:00Z", all[0].TS)
	assert.Empty(t, all[0].RunID)
	assert.Nil(t, all[0].Payload)
	assert.Equal(t, float64(12), all[2].Payload["duration_ms"])

	computed, err := w.Latest(ctx, events.Query{Type: domain.EventComputed, Task: "base"})
	require.NoError(t, err)
	require.Len(t, computed, 1)
	assert.Equal(t, "r1", computed[0].RunID)
	assert.Equal(t, uint64(3), computed[0].Version)

	older, err := w.Latest(ctx, events.Query{Before: all[0].ID, Limit: 1})
	require.NoError(t, err)
	require.Len(t, older, 1)
	assert.Equal(t, all[1].ID, older[0].ID)
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	w := newWriter(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, w.Record(ctx, domain.Event{Type: domain.EventHit, Task: "t"}))
	}
	n, err := w.Prune(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	left, err := w.Latest(ctx, events.Query{})
	require.NoError(t, err)
	assert.Len(t, left, 2)
}

func TestAfterAndLatestID(t *testing.T) {
	ctx := context.Background()
	w := newWriter(t)
	id, err := w.LatestID(ctx)
	require.NoError(t, err)
	assert.Zero(t, id)

	for _, task := range []string{"a", "b", "c"} {
		require.NoError(t, w.Record(ctx, domain.Event{Type: domain.EventComputed, Task: task}))
	}
	id, err = w.LatestID(ctx)
	require.NoError(t, err)

	all, err := w.After(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].Task, "oldest first")
	assert.Equal(t, id, all[2].ID)

	rest, err := w.After(ctx, all[0].ID, 1)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "b", rest[0].Task)
}
