package subscription

import (
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agents-console/internal/metrics"
	"agents-console/internal/shared/model"
	"agents-console/pkg/logging"
)

// notification 记录一次回调
type notification struct {
	Events   []model.Event
	Complete bool
}

type recordingObserver struct {
	mu    sync.Mutex
	calls []notification
}

func (o *recordingObserver) observe(events []model.Event, complete bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, notification{Events: events, Complete: complete})
}

func (o *recordingObserver) Calls() []notification {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]notification(nil), o.calls...)
}

func newTestRegistry() (*Registry, *metrics.Metrics) {
	m := metrics.New("test", "registry")
	return NewRegistry(logging.Discard(), m), m
}

func TestSubscribeNotify(t *testing.T) {
	r, _ := newTestRegistry()
	a, b := &recordingObserver{}, &recordingObserver{}

	r.Subscribe("s1", a.observe)
	r.Subscribe("s1", b.observe)

	events := []model.Event{{Kind: "message"}, {Kind: "end"}}
	r.Notify("s1", events, true)

	for _, o := range []*recordingObserver{a, b} {
		calls := o.Calls()
		require.Len(t, calls, 1)
		assert.True(t, calls[0].Complete)
		// 所有观察者收到同一个切片
		assert.Same(t, &events[0], &calls[0].Events[0])
	}
}

func TestNotifyOtherStreamIgnored(t *testing.T) {
	r, _ := newTestRegistry()
	a := &recordingObserver{}
	r.Subscribe("s1", a.observe)

	r.Notify("s2", nil, false)
	assert.Empty(t, a.Calls())
}

func TestUnsubscribePrunesEmptySet(t *testing.T) {
	r, m := newTestRegistry()
	a := &recordingObserver{}

	unsubA := r.Subscribe("s1", a.observe)
	unsubB := r.Subscribe("s1", func([]model.Event, bool) {})
	assert.Equal(t, 2, r.Count("s1"))
	assert.Equal(t, 1, r.Streams())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Subscribers))

	unsubB()
	assert.Equal(t, 1, r.Count("s1"))

	unsubA()
	unsubA()
	assert.Equal(t, 0, r.Count("s1"))
	assert.Equal(t, 0, r.Streams())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Subscribers))

	r.Notify("s1", []model.Event{{Kind: "x"}}, false)
	assert.Empty(t, a.Calls())
}

func TestObserverPanicIsolated(t *testing.T) {
	r, m := newTestRegistry()
	before, after := &recordingObserver{}, &recordingObserver{}

	r.Subscribe("s1", before.observe)
	r.Subscribe("s1", func([]model.Event, bool) { panic(errors.New("renderer crashed")) })
	r.Subscribe("s1", after.observe)

	assert.NotPanics(t, func() {
		r.Notify("s1", []model.Event{{Kind: "message"}}, false)
	})
	assert.Len(t, before.Calls(), 1)
	assert.Len(t, after.Calls(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ObserverFaults))
}

func TestUnsubscribeDuringNotify(t *testing.T) {
	r, _ := newTestRegistry()
	a := &recordingObserver{}

	var unsub func()
	unsub = r.Subscribe("s1", func(events []model.Event, complete bool) {
		a.observe(events, complete)
		unsub()
	})

	r.Notify("s1", nil, false)
	r.Notify("s1", nil, true)
	assert.Len(t, a.Calls(), 1)
	assert.Equal(t, 0, r.Streams())
}

func TestConcurrentSubscribe(t *testing.T) {
	r, _ := newTestRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unsub := r.Subscribe("s1", func([]model.Event, bool) {})
			r.Notify("s1", nil, false)
			unsub()
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, r.Streams())
}

func TestDisposer(t *testing.T) {
	var d Disposer
	var order []int

	d.Add(func() { order = append(order, 1) })
	d.Add(nil)
	d.Add(func() { order = append(order, 2) })
	var closeErr error
	d.AddCloser(func() error { return errors.New("close failed") }, func(err error) { closeErr = err })

	assert.False(t, d.Disposed())
	d.Dispose()
	d.Dispose()

	assert.Equal(t, []int{1, 2}, order)
	assert.EqualError(t, closeErr, "close failed")
	assert.True(t, d.Disposed())

	// Dispose 之后登记的函数立即执行
	d.Add(func() { order = append(order, 3) })
	assert.Equal(t, []int{1, 2, 3}, order)
}
