package poller

import (
	"context"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func newTestManager(t *testing.T, f *fixture) *Manager {
	t.Helper()
	m, err := NewManager(context.Background(), f.cache, f.registry, f.cfg)
	require.NoError(t, err)
	return m
}

func TestManager_WorkStartedIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, newScriptedSource(fetchResult{events: evs("a")}))
	m := newTestManager(t, f)
	defer m.StopAll()

	started, err := m.WorkStarted("job-1", "owner-1")
	require.NoError(t, err)
	assert.True(t, started)

	started, err = m.WorkStarted("job-1", "owner-1")
	require.NoError(t, err)
	assert.False(t, started)

	_, err = m.WorkStarted("job-2", "owner-2")
	require.NoError(t, err)

	active := m.Active()
	require.Len(t, active, 2)
	assert.Equal(t, Watch{StreamID: "job-1", OwnerID: "owner-1", State: "polling"}, active[0])
	assert.Equal(t, "job-2", active[1].StreamID)
}

func TestManager_WorkRemovedStopsAndReaps(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, newScriptedSource(fetchResult{events: evs("a")}))
	m := newTestManager(t, f)
	defer m.StopAll()

	_, err := m.WorkStarted("job-1", "owner-1")
	require.NoError(t, err)
	p, ok := m.Get("job-1")
	require.True(t, ok)

	assert.True(t, m.WorkRemoved("job-1"))
	assert.Equal(t, StateStopped, p.State())
	assert.Eventually(t, func() bool {
		_, ok := m.Get("job-1")
		return !ok
	}, testWait, 10*time.Millisecond)
	assert.False(t, m.WorkRemoved("job-1"))
	assert.Empty(t, m.Active())

	// 重新开始得到新实例
	started, err := m.WorkStarted("job-1", "owner-1")
	require.NoError(t, err)
	assert.True(t, started)
	again, _ := m.Get("job-1")
	assert.NotSame(t, p, again)
}

func TestManager_CompletedStreamIsReaped(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, newScriptedSource(fetchResult{events: evs("a", "completed")}))
	m := newTestManager(t, f)
	defer m.StopAll()

	_, err := m.WorkStarted("job-1", "owner-1")
	require.NoError(t, err)

	f.advance(t, time.Second)
	f.expectFetch(t, 1)
	assert.Eventually(t, func() bool {
		_, ok := m.Get("job-1")
		return !ok
	}, testWait, 10*time.Millisecond)

	run, err := f.cache.LatestForOwner(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", run.StreamID)
}

func TestManager_StopAll(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, newScriptedSource())
	m := newTestManager(t, f)

	for _, id := range []string{"a", "b", "c"} {
		_, err := m.WorkStarted(id, "")
		require.NoError(t, err)
	}
	m.StopAll()

	assert.Empty(t, m.Active())
	assert.Equal(t, 0, f.registry.Streams())

	_, err := m.WorkStarted("d", "")
	assert.True(t, errdefs.IsUnavailable(err))
}
