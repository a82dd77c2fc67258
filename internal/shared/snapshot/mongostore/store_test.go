package mongostore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agents-console/internal/shared/model"
	"agents-console/internal/shared/snapshot"
	"agents-console/pkg/logging"
)

// testStore 创建测试用 Store，使用独立数据库避免污染
func testStore(t *testing.T) *Store {
	t.Helper()

	uri := os.Getenv("MONGO_TEST_URI")
	if uri == "" {
		uri = "mongodb://localhost:27017"
	}

	s, err := NewStore(uri, "agents_console_test", logging.Discard())
	if err != nil {
		t.Skipf("MongoDB not available: %v", err)
	}

	ctx := context.Background()
	require.NoError(t, s.col().Drop(ctx))
	require.NoError(t, s.ensureIndexes(ctx))

	t.Cleanup(func() {
		s.col().Drop(context.Background())
		s.Close()
	})
	return s
}

func snap(streamID, ownerID string, completedAt time.Time, kinds ...string) *model.StreamSnapshot {
	events := make([]model.Event, len(kinds))
	for i, k := range kinds {
		events[i] = model.Event{Seq: int64(i + 1), Kind: k}
	}
	return &model.StreamSnapshot{StreamID: streamID, OwnerID: ownerID, Events: events, CompletedAt: completedAt}
}

func TestStore_SaveLoadFirstWriteWins(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	require.NoError(t, s.Save(ctx, snap("run-1", "task-1", now, "message", "run_failed")))
	require.NoError(t, s.Save(ctx, snap("run-1", "task-1", now, "end")))

	got, err := s.Load(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, got.Events, 2)
	assert.Equal(t, "run_failed", got.Events[1].Kind)
	assert.True(t, now.Equal(got.CompletedAt))
}

func TestStore_NotFound(t *testing.T) {
	s := testStore(t)
	_, err := s.Load(context.Background(), "missing")
	assert.True(t, snapshot.IsNotFound(err))
	_, err = s.LatestForOwner(context.Background(), "nobody")
	assert.True(t, snapshot.IsNotFound(err))
}

func TestStore_LatestForOwner(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Now().Truncate(time.Millisecond)

	require.NoError(t, s.Save(ctx, snap("run-old", "task-1", base, "end")))
	require.NoError(t, s.Save(ctx, snap("run-new", "task-1", base.Add(time.Minute), "a", "b", "end")))

	run, err := s.LatestForOwner(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "run-new", run.StreamID)
	assert.Equal(t, 3, run.EventCount)
}
