package activitylog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/juju/clock/testclock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"agents-console/internal/metrics"
	"agents-console/internal/shared/eventsource"
	"agents-console/internal/shared/model"
	"agents-console/pkg/logging"
)

func activity(actor, status, message string) model.Event {
	payload, _ := json.Marshal(map[string]string{"actor": actor, "status": status, "message": message})
	return model.Event{Kind: "progress", Payload: payload}
}

// fakeBackend 活动日志后端：nextMisses 中的位置在逐条读取时返回缺失
type fakeBackend struct {
	mu          sync.Mutex
	entries     []model.Event
	nextMisses  map[int]bool
	nextErr     error
	nextCalls   []int
	fullCalls   int
	polled      chan int
}

func (b *fakeBackend) add(events ...model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, events...)
}

func (b *fakeBackend) source() eventsource.Source {
	return eventsource.Func{
		Full: func(context.Context, string) ([]model.Event, error) {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.fullCalls++
			return model.CloneEvents(b.entries), nil
		},
		Next: func(_ context.Context, _ string, after int) (eventsource.Increment, error) {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.nextCalls = append(b.nextCalls, after)
			if b.polled != nil {
				b.polled <- after
			}
			if b.nextErr != nil {
				err := b.nextErr
				b.nextErr = nil
				return eventsource.Increment{}, err
			}
			inc := eventsource.Increment{TotalAvailable: len(b.entries), HasTotal: true}
			if after < len(b.entries) && !b.nextMisses[after] {
				e := b.entries[after]
				inc.Event = &e
			}
			return inc, nil
		},
	}
}

func (b *fakeBackend) NextCalls() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int(nil), b.nextCalls...)
}

func newTracker(t *testing.T, b *fakeBackend, cfg Config) (*Tracker, *metrics.Metrics) {
	t.Helper()
	m := metrics.New("test", "activity")
	cfg.Logger = logging.Discard()
	cfg.Metrics = m
	tr, err := New(b.source(), "session-1", cfg)
	require.NoError(t, err)
	return tr, m
}

func pollN(t *testing.T, tr *Tracker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := tr.PollOnce(context.Background())
		require.NoError(t, err)
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, "s", Config{})
	assert.True(t, errdefs.IsInvalidArgument(err))

	_, err = New(eventsource.Func{}, "", Config{})
	assert.True(t, errdefs.IsInvalidArgument(err))

	_, err = New(eventsource.Func{}, "s", Config{Interval: -time.Second})
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestPollOnce_AppendsInOrder(t *testing.T) {
	b := &fakeBackend{}
	b.add(activity("planner", "running", "step 1"), activity("browser", "running", "open page"))
	tr, m := newTracker(t, b, Config{})

	var seen []string
	tr.Subscribe(func(e model.ActivityEntry) { seen = append(seen, e.Message) })

	pollN(t, tr, 3)
	assert.Equal(t, []string{"step 1", "open page"}, seen)
	assert.Equal(t, 2, tr.KnownCount())
	assert.Equal(t, []int{0, 1, 2}, b.NextCalls())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ActivityAppended))
}

func TestPollOnce_DeduplicatesEqualConsecutiveEntries(t *testing.T) {
	b := &fakeBackend{}
	b.add(
		activity("planner", "running", "thinking"),
		activity("planner", "running", "thinking"),
		activity("planner", "running", "acting"),
	)
	tr, _ := newTracker(t, b, Config{})

	pollN(t, tr, 3)
	entries := tr.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "thinking", entries[0].Message)
	assert.Equal(t, "acting", entries[1].Message)
	// 重复条目的位置同样被消费，探测不会卡住
	assert.Equal(t, 3, tr.KnownCount())
	assert.Equal(t, len(entries)+1, tr.KnownCount())
	assert.Equal(t, []int{0, 1, 2}, b.NextCalls())

	pollN(t, tr, 1)
	assert.Equal(t, 3, b.NextCalls()[3])
}

func TestPollOnce_UndecodablePayloadKeepsPosition(t *testing.T) {
	b := &fakeBackend{}
	b.add(
		activity("planner", "running", "step 1"),
		model.Event{Kind: "progress", Payload: json.RawMessage(`[1,2]`), Raw: json.RawMessage(`{"type":"progress","data":[1,2]}`)},
		activity("planner", "running", "step 2"),
	)
	tr, _ := newTracker(t, b, Config{})

	pollN(t, tr, 3)
	assert.Equal(t, 3, tr.KnownCount())
	entries := tr.Entries()
	require.Len(t, entries, 3)
	assert.Empty(t, entries[1].Message)
	assert.JSONEq(t, `{"type":"progress","data":[1,2]}`, string(entries[1].Raw))
	assert.Equal(t, "step 2", entries[2].Message)
}

func TestPollOnce_ReconcilesMissedEntries(t *testing.T) {
	b := &fakeBackend{nextMisses: map[int]bool{4: true}}
	for i := 1; i <= 4; i++ {
		b.add(activity("agent", "running", fmt.Sprintf("entry %d", i)))
	}
	tr, m := newTracker(t, b, Config{})
	pollN(t, tr, 4)
	require.Equal(t, 4, tr.KnownCount())

	b.add(activity("agent", "running", "entry 5"), activity("agent", "running", "entry 6"))

	n, err := tr.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 6, tr.KnownCount())
	entries := tr.Entries()
	require.Len(t, entries, 6)
	assert.Equal(t, "entry 5", entries[4].Message)
	assert.Equal(t, "entry 6", entries[5].Message)
	assert.Equal(t, 1, b.fullCalls)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Reconciliations))
}

func TestPollOnce_AbsentWithoutBacklogDoesNothing(t *testing.T) {
	b := &fakeBackend{}
	tr, _ := newTracker(t, b, Config{})

	n, err := tr.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, b.fullCalls)
}

func TestPollOnce_DoneStopsTracking(t *testing.T) {
	b := &fakeBackend{}
	b.add(activity("agent", "running", "work"), activity("agent", "done", "finished"))
	tr, _ := newTracker(t, b, Config{})

	pollN(t, tr, 2)
	assert.True(t, tr.Finished())
	select {
	case <-tr.Done():
	default:
		t.Fatal("done channel not closed")
	}

	b.add(activity("agent", "running", "after done"))
	pollN(t, tr, 1)
	assert.Len(t, tr.Entries(), 2)
	assert.Len(t, b.NextCalls(), 2)
}

func TestPollOnce_TerminalKindMarksDone(t *testing.T) {
	b := &fakeBackend{}
	b.add(model.Event{Kind: "end_of_stream", Payload: json.RawMessage(`{"actor":"system"}`)})
	tr, _ := newTracker(t, b, Config{})

	pollN(t, tr, 1)
	assert.True(t, tr.Finished())
}

func TestPollOnce_ErrorPropagates(t *testing.T) {
	b := &fakeBackend{nextErr: fmt.Errorf("%w: gateway timeout", errdefs.ErrUnavailable)}
	tr, _ := newTracker(t, b, Config{})

	_, err := tr.PollOnce(context.Background())
	assert.True(t, errdefs.IsUnavailable(err))
	assert.Zero(t, tr.KnownCount())
}

func TestObserverPanicIsolated(t *testing.T) {
	b := &fakeBackend{}
	b.add(activity("a", "running", "x"))
	tr, m := newTracker(t, b, Config{})

	var got []model.ActivityEntry
	tr.Subscribe(func(model.ActivityEntry) { panic(errors.New("view closed")) })
	unsub := tr.Subscribe(func(e model.ActivityEntry) { got = append(got, e) })

	pollN(t, tr, 1)
	assert.Len(t, got, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ObserverFaults))

	unsub()
	unsub()
	b.add(activity("a", "running", "y"))
	pollN(t, tr, 1)
	assert.Len(t, got, 1)
}

func TestRun_PollsUntilDone(t *testing.T) {
	defer goleak.VerifyNone(t)

	clk := testclock.NewClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	b := &fakeBackend{polled: make(chan int, 16)}
	b.add(activity("agent", "running", "first"))
	tr, _ := newTracker(t, b, Config{
		Interval:        time.Second,
		ErrorBackoffMin: 10 * time.Second,
		ErrorBackoffMax: 10 * time.Second,
		Clock:           clk,
	})

	awaitPoll := func(want int) {
		t.Helper()
		select {
		case got := <-b.polled:
			require.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("poll at %d did not happen", want)
		}
	}

	result := make(chan error, 1)
	go func() { result <- tr.Run(context.Background()) }()

	// 首次立即读取，之后每秒一次
	awaitPoll(0)
	b.add(activity("agent", "running", "second"))
	require.NoError(t, clk.WaitAdvance(time.Second, 2*time.Second, 1))
	awaitPoll(1)

	b.mu.Lock()
	b.nextErr = errors.New("connection reset")
	b.mu.Unlock()
	require.NoError(t, clk.WaitAdvance(time.Second, 2*time.Second, 1))
	awaitPoll(2)

	// 出错后按退避间隔重试
	b.add(activity("agent", "done", "bye"))
	require.NoError(t, clk.WaitAdvance(9*time.Second, 2*time.Second, 1))
	select {
	case at := <-b.polled:
		t.Fatalf("unexpected poll at %d during backoff", at)
	case <-time.After(50 * time.Millisecond):
	}
	require.NoError(t, clk.WaitAdvance(time.Second, 2*time.Second, 1))
	awaitPoll(2)

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("tracker did not finish")
	}
	assert.True(t, tr.Finished())
	msgs := make([]string, 0, 3)
	for _, e := range tr.Entries() {
		msgs = append(msgs, e.Message)
	}
	assert.Equal(t, []string{"first", "second", "bye"}, msgs)
}

func TestRun_StopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	clk := testclock.NewClock(time.Now())
	b := &fakeBackend{}
	tr, _ := newTracker(t, b, Config{Interval: time.Second, Clock: clk})

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- tr.Run(ctx) }()

	require.NoError(t, clk.WaitAdvance(time.Second, 2*time.Second, 1))
	cancel()
	select {
	case err := <-result:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("tracker did not stop")
	}
}
