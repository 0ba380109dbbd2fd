package loop

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func startLoop(t *testing.T) *Loop {
	t.Helper()
	l := New(16)
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-l.Done()
	})
	return l
}

func TestDoRunsInOrder(t *testing.T) {
	l := startLoop(t)

	var got []int
	for i := 0; i < 5; i++ {
		i := i
		require.True(t, l.Post(func() { got = append(got, i) }))
	}
	var snapshot []int
	require.True(t, l.Do(func() { snapshot = append(snapshot, got...) }))
	require.Equal(t, []int{0, 1, 2, 3, 4}, snapshot)
}

func TestStoppedTimerNeverFires(t *testing.T) {
	l := startLoop(t)

	var fired atomic.Bool
	var tm *Timer
	l.Do(func() {
		tm = l.AfterFunc(20*time.Millisecond, func() { fired.Store(true) })
	})
	l.Do(func() { tm.Stop() })

	time.Sleep(60 * time.Millisecond)
	require.False(t, fired.Load())
}

func TestTimerFires(t *testing.T) {
	l := startLoop(t)

	var fired atomic.Bool
	l.Do(func() {
		l.AfterFunc(10*time.Millisecond, func() { fired.Store(true) })
	})
	require.Eventually(t, fired.Load, time.Second, 5*time.Millisecond)
}

func TestEveryStops(t *testing.T) {
	l := startLoop(t)

	var n atomic.Int32
	var stop func()
	l.Do(func() {
		stop = l.Every(5*time.Millisecond, func() { n.Add(1) })
	})
	require.Eventually(t, func() bool { return n.Load() >= 2 }, time.Second, 5*time.Millisecond)

	l.Do(stop)
	settled := n.Load()
	time.Sleep(30 * time.Millisecond)
	require.LessOrEqual(t, n.Load(), settled+1)
}

func TestPanicDoesNotKillLoop(t *testing.T) {
	l := startLoop(t)

	l.Post(func() { panic("boom") })
	ran := false
	require.True(t, l.Do(func() { ran = true }))
	require.True(t, ran)
}

func TestPostAfterStop(t *testing.T) {
	l := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	cancel()
	<-l.Done()

	require.False(t, l.Post(func() {}))
	require.False(t, l.Do(func() {}))
}
