package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, core, max, queue int, idle time.Duration) *BoundedPool {
	t.Helper()
	p, err := NewBoundedPool(BoundedPoolConfig{
		Name:        "test",
		CoreWorkers: core,
		MaxWorkers:  max,
		QueueSize:   queue,
		IdleTimeout: idle,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return p
}

// blockingTask 返回一个在 release 关闭前阻塞的任务，started 在任务开始时关闭。
func blockingTask(started chan struct{}, release <-chan struct{}) Task {
	return func(ctx context.Context) error {
		close(started)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func TestNewBoundedPool_InvalidConfig(t *testing.T) {
	_, err := NewBoundedPool(BoundedPoolConfig{Name: "x", CoreWorkers: 0, MaxWorkers: 1})
	assert.Error(t, err)

	_, err = NewBoundedPool(BoundedPoolConfig{Name: "x", CoreWorkers: 4, MaxWorkers: 2})
	assert.Error(t, err)

	_, err = NewBoundedPool(BoundedPoolConfig{Name: "x", CoreWorkers: 1, MaxWorkers: 1, QueueSize: -1})
	assert.Error(t, err)
}

func TestBoundedPool_SubmitWait(t *testing.T) {
	p := newTestPool(t, 2, 4, 8, time.Minute)

	var ran atomic.Bool
	err := p.SubmitWait(context.Background(), func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran.Load())

	boom := errors.New("boom")
	err = p.SubmitWait(context.Background(), func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	stats := p.Stats()
	assert.Equal(t, int64(2), stats.Submitted)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestBoundedPool_CallerRunsWhenSaturated(t *testing.T) {
	p := newTestPool(t, 1, 1, 1, time.Minute)

	started := make(chan struct{})
	release := make(chan struct{})
	first, err := p.Execute(context.Background(), blockingTask(started, release))
	require.NoError(t, err)
	<-started

	// 第二个任务进入队列
	queued, err := p.Execute(context.Background(), func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 1, p.Stats().Queued)

	// 队列已满且无法扩容：由调用方执行，Execute 返回时任务已完成
	var inline atomic.Bool
	result, err := p.Execute(context.Background(), func(ctx context.Context) error {
		inline.Store(true)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, inline.Load())
	assert.NoError(t, <-result)
	assert.Equal(t, int64(1), p.Stats().CallerRuns)
	assert.Equal(t, int64(0), p.Stats().Rejected)

	close(release)
	assert.NoError(t, <-first)
	assert.NoError(t, <-queued)
}

func TestBoundedPool_OverflowWorkerRetiresWhenIdle(t *testing.T) {
	p := newTestPool(t, 1, 2, 1, 50*time.Millisecond)

	started := make(chan struct{})
	release := make(chan struct{})
	first, err := p.Execute(context.Background(), blockingTask(started, release))
	require.NoError(t, err)
	<-started

	queued, err := p.Execute(context.Background(), func(ctx context.Context) error { return nil })
	require.NoError(t, err)

	overflowStarted := make(chan struct{})
	overflow, err := p.Execute(context.Background(), blockingTask(overflowStarted, release))
	require.NoError(t, err)
	<-overflowStarted

	assert.Equal(t, 2, p.Stats().Workers)
	assert.Equal(t, int64(0), p.Stats().CallerRuns)

	close(release)
	assert.NoError(t, <-first)
	assert.NoError(t, <-queued)
	assert.NoError(t, <-overflow)

	assert.Eventually(t, func() bool {
		return p.Stats().Workers == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBoundedPool_PanicRecovered(t *testing.T) {
	var recovered atomic.Value
	p, err := NewBoundedPool(BoundedPoolConfig{
		Name:         "panic",
		CoreWorkers:  1,
		MaxWorkers:   1,
		QueueSize:    1,
		PanicHandler: func(r any) { recovered.Store(r) },
	})
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	err = p.SubmitWait(context.Background(), func(ctx context.Context) error {
		panic("kaboom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
	assert.Equal(t, "kaboom", recovered.Load())
}

func TestBoundedPool_RejectsAfterShutdown(t *testing.T) {
	p := newTestPool(t, 1, 1, 1, time.Minute)
	require.NoError(t, p.Shutdown(context.Background()))

	_, err := p.Execute(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.Equal(t, int64(1), p.Stats().Rejected)

	// 重复关闭是安全的
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestBoundedPool_ForcedShutdownCancelsTasks(t *testing.T) {
	p := newTestPool(t, 1, 1, 1, time.Minute)

	started := make(chan struct{})
	cancelled := make(chan struct{})
	_, err := p.Execute(context.Background(), func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = p.Shutdown(ctx)
	assert.ErrorIs(t, err, ErrForcedShutdown)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("running task was not cancelled")
	}
}

func TestBoundedPool_ShutdownDrainsQueue(t *testing.T) {
	p := newTestPool(t, 1, 1, 4, time.Minute)

	var count atomic.Int32
	for i := 0; i < 4; i++ {
		_, err := p.Execute(context.Background(), func(ctx context.Context) error {
			time.Sleep(5 * time.Millisecond)
			count.Add(1)
			return nil
		})
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
	assert.Equal(t, int32(4), count.Load())
}

func TestAudioBufferPool_Reuse(t *testing.T) {
	buf := AudioBufferPool.Get()
	buf.WriteString("RIFF")
	AudioBufferPool.Put(buf)

	again := AudioBufferPool.Get()
	defer AudioBufferPool.Put(again)
	assert.Equal(t, 0, again.Len())
	assert.GreaterOrEqual(t, AudioBufferPool.Stats().Gets, int64(2))
}
