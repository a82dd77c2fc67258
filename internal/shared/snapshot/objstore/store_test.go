package objstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agents-console/internal/config"
	"agents-console/internal/shared/model"
	"agents-console/internal/shared/snapshot"
	"agents-console/pkg/logging"
)

func TestKeyLayout(t *testing.T) {
	assert.Equal(t, "streams/run-1.json", streamKey("run-1"))
	assert.Equal(t, "streams/a%2Fb.json", streamKey("a/b"))
	assert.Equal(t, "owners/task-1/latest.json", ownerKey("task-1"))
}

func TestErrorMapping(t *testing.T) {
	exists := fmt.Errorf("put streams/run-1.json: %w", minio.ErrorResponse{
		Code:       "PreconditionFailed",
		StatusCode: http.StatusPreconditionFailed,
	})
	assert.True(t, isPreconditionFailed(exists))
	assert.False(t, isNoSuchKey(exists))

	missing := fmt.Errorf("read streams/run-1.json: %w", minio.ErrorResponse{
		Code:       "NoSuchKey",
		StatusCode: http.StatusNotFound,
	})
	assert.True(t, isNoSuchKey(missing))
	assert.False(t, isPreconditionFailed(missing))

	assert.False(t, isPreconditionFailed(nil))
	assert.False(t, isPreconditionFailed(errors.New("connection refused")))
}

func TestNewClient_RequiresCredentials(t *testing.T) {
	_, err := NewClient(config.MinIOConfig{}, logging.Discard())
	assert.Error(t, err)
	_, err = NewClient(config.MinIOConfig{Endpoint: "localhost:9000"}, logging.Discard())
	assert.Error(t, err)
}

// testStore 需要 MINIO_TEST_ENDPOINT，否则跳过
func testStore(t *testing.T) *Store {
	t.Helper()
	endpoint := os.Getenv("MINIO_TEST_ENDPOINT")
	if endpoint == "" {
		t.Skip("MINIO_TEST_ENDPOINT not set")
	}
	client, err := NewClient(config.MinIOConfig{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("MINIO_ROOT_USER"),
		SecretKey: os.Getenv("MINIO_ROOT_PASSWORD"),
		Bucket:    "agents-console-test",
	}, logging.Discard())
	if err != nil {
		t.Skipf("MinIO not configured: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := NewStore(ctx, client)
	if err != nil {
		t.Skipf("MinIO not available: %v", err)
	}
	return s
}

func snap(streamID, ownerID string, completedAt time.Time, kinds ...string) *model.StreamSnapshot {
	events := make([]model.Event, len(kinds))
	for i, k := range kinds {
		events[i] = model.Event{Seq: int64(i + 1), Kind: k}
	}
	return &model.StreamSnapshot{StreamID: streamID, OwnerID: ownerID, Events: events, CompletedAt: completedAt}
}

func TestStore_SaveLoadLatest(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	suffix := fmt.Sprint(time.Now().UnixNano())
	owner := "task-" + suffix
	oldID, newID := "run-old-"+suffix, "run-new-"+suffix
	t.Cleanup(func() {
		s.Delete(ctx, oldID, owner)
		s.Delete(ctx, newID, "")
	})

	base := time.Now().Truncate(time.Millisecond)
	require.NoError(t, s.Save(ctx, snap(newID, owner, base.Add(time.Minute), "a", "end")))
	require.NoError(t, s.Save(ctx, snap(newID, owner, base.Add(time.Hour), "end")))
	require.NoError(t, s.Save(ctx, snap(oldID, owner, base, "end")))

	got, err := s.Load(ctx, newID)
	require.NoError(t, err)
	assert.Len(t, got.Events, 2)

	run, err := s.LatestForOwner(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, newID, run.StreamID)
	assert.Equal(t, 2, run.EventCount)

	_, err = s.Load(ctx, "missing-"+suffix)
	assert.True(t, snapshot.IsNotFound(err))
}

func TestClient_PutIfAbsent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	key := streamKey(fmt.Sprint("cond-", time.Now().UnixNano()))
	t.Cleanup(func() { s.client.Remove(ctx, key) })

	created, err := s.client.PutIfAbsent(ctx, key, []byte(`{"v":1}`))
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.client.PutIfAbsent(ctx, key, []byte(`{"v":2}`))
	require.NoError(t, err)
	assert.False(t, created)

	data, err := s.client.Get(ctx, key)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(data))
}
