package timeout

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Carolier2003/ai-roleplay-sub001/config"
	"github.com/Carolier2003/ai-roleplay-sub001/types"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(config.TimeoutConfig{
		SyncRecognition:  50 * time.Millisecond,
		AsyncRecognition: 200 * time.Millisecond,
		StreamingSession: 80 * time.Millisecond,
		Connect:          30 * time.Millisecond,
		Read:             60 * time.Millisecond,
	}, zaptest.NewLogger(t))
}

func TestManager_Deadline(t *testing.T) {
	m := newTestManager(t)
	assert.Equal(t, 50*time.Millisecond, m.Deadline(ClassSync))
	assert.Equal(t, 80*time.Millisecond, m.Deadline(ClassStreaming))
	// 未知类别回退到 sync
	assert.Equal(t, 50*time.Millisecond, m.Deadline(Class("bogus")))
	assert.Equal(t, 50*time.Millisecond, m.Deadline(Class("bogus")))
}

func TestManager_ZeroConfigUsesDefaults(t *testing.T) {
	m := NewManager(config.TimeoutConfig{}, nil)
	assert.Equal(t, 60*time.Second, m.Deadline(ClassSync))
	assert.Equal(t, 300*time.Second, m.Deadline(ClassAsync))
	assert.Equal(t, 30*time.Second, m.Deadline(ClassConnect))
}

func TestRun_Success(t *testing.T) {
	m := newTestManager(t)
	v, err := Run(context.Background(), m, ClassSync, func(ctx context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestRun_PassesThroughWorkError(t *testing.T) {
	m := newTestManager(t)
	boom := errors.New("boom")
	_, err := Run(context.Background(), m, ClassSync, func(ctx context.Context) (int, error) {
		return 0, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, types.IsCode(err, types.ErrTimeout))
}

func TestRun_TimeoutCancelsWork(t *testing.T) {
	m := newTestManager(t)
	var cancelled atomic.Bool

	start := time.Now()
	_, err := Run(context.Background(), m, ClassConnect, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		cancelled.Store(true)
		return 0, ctx.Err()
	})
	require.Error(t, err)

	e, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrTimeout, e.Code)
	assert.Equal(t, "connect", e.Class)
	assert.Less(t, time.Since(start), time.Second)

	assert.Eventually(t, cancelled.Load, time.Second, 5*time.Millisecond)
}

func TestRun_WorkIgnoringCancellationStillTimesOut(t *testing.T) {
	m := newTestManager(t)
	release := make(chan struct{})
	defer close(release)

	_, err := Run(context.Background(), m, ClassSync, func(ctx context.Context) (int, error) {
		<-release
		return 1, nil
	})
	assert.True(t, types.IsCode(err, types.ErrTimeout))
}

func TestRun_CallerCancellationIsNotTimeout(t *testing.T) {
	m := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, m, ClassAsync, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, types.IsCode(err, types.ErrTimeout))
}

func TestRunAsync(t *testing.T) {
	m := newTestManager(t)

	ok := RunAsync(context.Background(), m, ClassAsync, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	v, err := ok.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	slow := RunAsync(context.Background(), m, ClassSync, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	select {
	case <-slow.Done():
	case <-time.After(time.Second):
		t.Fatal("async run never finished")
	}
	_, err = slow.Wait(context.Background())
	assert.True(t, types.IsCode(err, types.ErrTimeout))
}
