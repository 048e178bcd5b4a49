package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Carolier2003/ai-roleplay-sub001/config"
)

// fakeClock 可手动推进的时钟
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingObserver struct {
	mu        sync.Mutex
	starts    int
	completes []string
}

func (o *recordingObserver) ObserveStart(class string, size int64) {
	o.mu.Lock()
	o.starts++
	o.mu.Unlock()
}

func (o *recordingObserver) ObserveComplete(class string, latency time.Duration, success bool, errorKind string) {
	o.mu.Lock()
	o.completes = append(o.completes, class)
	o.mu.Unlock()
}

type panickingObserver struct{}

func (panickingObserver) ObserveStart(string, int64) { panic("start") }
func (panickingObserver) ObserveComplete(string, time.Duration, bool, string) {
	panic("complete")
}

type memorySink struct {
	mu     sync.Mutex
	saved  []Snapshot
	pruned []time.Time
	err    error
}

func (s *memorySink) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, snap)
	return nil
}

func (s *memorySink) PruneBefore(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruned = append(s.pruned, before)
	return 0, nil
}

func newTestCollector(t *testing.T, clock *fakeClock, opts ...Option) *Collector {
	t.Helper()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewCollector(config.DefaultMetricsConfig(), zaptest.NewLogger(t), opts...)
}

func TestCollector_EmptySnapshot(t *testing.T) {
	c := newTestCollector(t, newFakeClock())

	s := c.Snapshot()
	assert.Zero(t, s.TotalRequests)
	assert.Zero(t, s.SuccessRate)
	assert.Zero(t, s.AverageLatencyMs)
	assert.Zero(t, s.MinLatencyMs)
	assert.Nil(t, s.ErrorCounts)
}

func TestCollector_RecordsTotalsAndLatency(t *testing.T) {
	clock := newFakeClock()
	c := newTestCollector(t, clock)

	a := c.RecordStart("sync", 1000)
	b := c.RecordStart("async", 3000)
	assert.Equal(t, int64(2), c.Snapshot().CurrentConcurrent)

	clock.Advance(100 * time.Millisecond)
	c.RecordComplete(a, true, "")
	clock.Advance(200 * time.Millisecond)
	c.RecordComplete(b, false, "TIMEOUT")

	s := c.Snapshot()
	assert.Equal(t, int64(2), s.TotalRequests)
	assert.Equal(t, int64(1), s.SuccessfulRequests)
	assert.Equal(t, int64(1), s.FailedRequests)
	assert.InDelta(t, 50.0, s.SuccessRate, 0.001)
	assert.InDelta(t, 50.0, s.FailureRate, 0.001)
	assert.Equal(t, int64(300), s.MaxLatencyMs)
	assert.Equal(t, int64(100), s.MinLatencyMs)
	assert.InDelta(t, 200.0, s.AverageLatencyMs, 0.001)
	assert.Equal(t, int64(0), s.CurrentConcurrent)
	assert.Equal(t, int64(2), s.MaxConcurrent)
	assert.Equal(t, int64(4000), s.TotalFileSize)
	assert.Equal(t, int64(3000), s.MaxFileSize)
	assert.InDelta(t, 2000.0, s.AverageFileSize, 0.001)
	assert.Equal(t, map[string]int64{"TIMEOUT": 1}, s.ErrorCounts)
}

func TestCollector_AverageLatencyRequiresSuccess(t *testing.T) {
	clock := newFakeClock()
	c := newTestCollector(t, clock)

	rc := c.RecordStart("sync", 0)
	clock.Advance(time.Second)
	c.RecordComplete(rc, false, "")

	s := c.Snapshot()
	assert.Zero(t, s.AverageLatencyMs)
	assert.Zero(t, s.MaxLatencyMs)
	assert.Nil(t, s.ErrorCounts)
}

func TestCollector_ConcurrentNeverNegative(t *testing.T) {
	c := newTestCollector(t, newFakeClock())

	rc := c.RecordStart("sync", 0)
	c.RecordComplete(rc, true, "")
	c.RecordComplete(rc, true, "")
	c.RecordComplete(nil, true, "")

	assert.Equal(t, int64(0), c.Snapshot().CurrentConcurrent)
}

func TestCollector_RecentWindow(t *testing.T) {
	clock := newFakeClock()
	c := newTestCollector(t, clock)

	old := c.RecordStart("sync", 0)
	clock.Advance(50 * time.Millisecond)
	c.RecordComplete(old, false, "PROVIDER_ERROR")

	// 超出 5 分钟窗口
	clock.Advance(10 * time.Minute)

	for i := 0; i < 3; i++ {
		rc := c.RecordStart("sync", 0)
		clock.Advance(20 * time.Millisecond)
		c.RecordComplete(rc, true, "")
	}

	s := c.Snapshot()
	assert.InDelta(t, 100.0, s.RecentSuccessRate, 0.001)
	assert.InDelta(t, 20.0, s.RecentAverageLatencyMs, 0.001)
	assert.InDelta(t, 75.0, s.SuccessRate, 0.001)
}

func TestCollector_RecentRingWraps(t *testing.T) {
	clock := newFakeClock()
	cfg := config.DefaultMetricsConfig()
	cfg.RecentSamples = 4
	c := NewCollector(cfg, zaptest.NewLogger(t), WithClock(clock.Now))

	for i := 0; i < 4; i++ {
		c.RecordComplete(c.RecordStart("sync", 0), false, "")
	}
	for i := 0; i < 4; i++ {
		c.RecordComplete(c.RecordStart("sync", 0), true, "")
	}
	assert.InDelta(t, 100.0, c.Snapshot().RecentSuccessRate, 0.001)
}

func TestCollector_CaptureAndHistory(t *testing.T) {
	clock := newFakeClock()
	sink := &memorySink{}
	c := newTestCollector(t, clock, WithSink(sink))

	c.RecordComplete(c.RecordStart("sync", 0), true, "")
	first := c.Capture(context.Background())
	assert.Equal(t, first, c.Current())

	clock.Advance(2 * time.Hour)
	c.Capture(context.Background())

	assert.Len(t, c.History(1), 1)
	assert.Len(t, c.History(3), 2)
	assert.Len(t, sink.saved, 2)
	assert.Len(t, sink.pruned, 2)

	// 超过保留期的快照被裁剪
	clock.Advance(23 * time.Hour)
	c.Capture(context.Background())
	assert.Len(t, c.History(48), 2)
}

func TestCollector_SinkFailureDoesNotAbortCapture(t *testing.T) {
	sink := &memorySink{err: errors.New("db down")}
	c := newTestCollector(t, newFakeClock(), WithSink(sink))

	c.Capture(context.Background())
	assert.Len(t, c.History(1), 1)
	assert.Empty(t, sink.pruned)
}

func TestCollector_Observers(t *testing.T) {
	obs := &recordingObserver{}
	c := newTestCollector(t, newFakeClock(), WithObserver(panickingObserver{}), WithObserver(obs))

	c.RecordComplete(c.RecordStart("streaming", 10), true, "")

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 1, obs.starts)
	assert.Equal(t, []string{"streaming"}, obs.completes)
}

func TestCollector_Reset(t *testing.T) {
	c := newTestCollector(t, newFakeClock())

	c.RecordComplete(c.RecordStart("sync", 10), false, "TIMEOUT")
	c.Capture(context.Background())
	c.Reset()

	s := c.Snapshot()
	assert.Zero(t, s.TotalRequests)
	assert.Zero(t, s.MaxFileSize)
	assert.Nil(t, s.ErrorCounts)
	assert.Zero(t, s.RecentSuccessRate)
	assert.Empty(t, c.History(24))
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	c := NewCollector(config.DefaultMetricsConfig(), zaptest.NewLogger(t))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rc := c.RecordStart("async", int64(i))
			c.RecordComplete(rc, i%5 != 0, "PROVIDER_ERROR")
		}(i)
	}
	wg.Wait()

	s := c.Snapshot()
	assert.Equal(t, int64(50), s.TotalRequests)
	assert.Equal(t, int64(40), s.SuccessfulRequests)
	assert.Equal(t, int64(10), s.ErrorCounts["PROVIDER_ERROR"])
	assert.Equal(t, int64(0), s.CurrentConcurrent)
}

func TestCollector_StartStop(t *testing.T) {
	cfg := config.DefaultMetricsConfig()
	cfg.CaptureInterval = 10 * time.Millisecond
	c := NewCollector(cfg, zaptest.NewLogger(t))

	c.Start(context.Background())
	c.Start(context.Background())
	require.Eventually(t, func() bool { return len(c.History(1)) >= 2 }, time.Second, 5*time.Millisecond)
	c.Stop()
	c.Stop()
}
