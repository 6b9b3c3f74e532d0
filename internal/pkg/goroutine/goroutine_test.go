package goroutine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_RunsTasksAndCollectsErrors(t *testing.T) {
	m := NewManager(4)

	var ran atomic.Int32
	for range 3 {
		m.Go(context.Background(), func(context.Context) error {
			ran.Add(1)
			return nil
		})
	}
	m.Go(context.Background(), func(context.Context) error {
		return errors.New("task failed")
	})

	err := m.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task failed")
	assert.Equal(t, int32(3), ran.Load())
}

func TestManager_LimitSkipsExcessTasks(t *testing.T) {
	m := NewManager(1)
	release := make(chan struct{})

	m.Go(context.Background(), func(context.Context) error {
		<-release
		return nil
	})

	var skippedRan atomic.Bool
	// Second task is over the limit while the first still holds the slot.
	require.Eventually(t, func() bool { return len(m.sema) == 1 }, time.Second, time.Millisecond)
	m.Go(context.Background(), func(context.Context) error {
		skippedRan.Store(true)
		return nil
	})

	close(release)
	require.NoError(t, m.Wait())
	assert.False(t, skippedRan.Load())
}

func TestManager_ClosedAfterWait(t *testing.T) {
	m := NewManager(2)
	require.NoError(t, m.Wait())

	var ran atomic.Bool
	m.Go(context.Background(), func(context.Context) error {
		ran.Store(true)
		return nil
	})
	require.NoError(t, m.Wait())
	assert.False(t, ran.Load())
}

func TestManager_RecoversPanics(t *testing.T) {
	m := NewManager(2)
	m.Go(context.Background(), func(context.Context) error {
		panic("kaboom")
	})
	assert.NoError(t, m.Wait())
}

func TestManager_SkipsCanceledContext(t *testing.T) {
	m := NewManager(2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran atomic.Bool
	m.Go(ctx, func(context.Context) error {
		ran.Store(true)
		return nil
	})
	require.NoError(t, m.Wait())
	assert.False(t, ran.Load())
}

func TestManager_NilReceiver(t *testing.T) {
	var m *Manager
	m.Go(context.Background(), func(context.Context) error { return nil })
	assert.NoError(t, m.Wait())
}
