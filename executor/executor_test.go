package executor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coliar/gungnir-go/kmetrics"
)

func TestSpawnRunsTasks(t *testing.T) {
	e := New(context.Background(), DefaultConfig())
	defer e.Shutdown()

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		_, err := e.Spawn(func(ctx context.Context) error {
			ran.Add(1)
			return nil
		})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return ran.Load() == 10 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return e.LiveCount() == 0 }, time.Second, time.Millisecond)
}

func TestSpawnRejectedAtCapacity(t *testing.T) {
	e := New(context.Background(), Config{ReadyQueueSize: 2})
	defer e.Shutdown()

	block := make(chan struct{})
	for i := 0; i < 2; i++ {
		_, err := e.Spawn(func(ctx context.Context) error {
			<-block
			return nil
		})
		require.NoError(t, err)
	}
	_, err := e.Spawn(func(ctx context.Context) error { return nil })
	require.Error(t, err)
	close(block)
}

func TestShutdownUnblocksRunAndTasks(t *testing.T) {
	e := New(context.Background(), DefaultConfig())

	_, err := e.Spawn(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		e.Run()
		close(done)
	}()

	e.Shutdown()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
}

func TestAwaitResolvesWhenWoken(t *testing.T) {
	f := &manualFuture{}
	done := make(chan int, 1)
	go func() {
		v, err := Await(context.Background(), f)
		require.NoError(t, err)
		done <- v
	}()

	require.Eventually(t, func() bool { return f.waker() != nil }, time.Second, time.Millisecond)
	f.resolve(42)

	select {
	case v := <-done:
		require.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("Await did not resolve")
	}
}

func TestAwaitHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := &manualFuture{}

	done := make(chan error, 1)
	go func() {
		_, err := Await(ctx, f)
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Await did not observe cancellation")
	}
}

func TestMetricsTrackSpawnsAndCompletions(t *testing.T) {
	m := kmetrics.NewMetrics()
	e := New(context.Background(), Config{ReadyQueueSize: 10, Metrics: m})
	defer e.Shutdown()

	for i := 0; i < 3; i++ {
		_, err := e.Spawn(func(ctx context.Context) error { return nil })
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		return m.GetSnapshot().TasksCompleted == 3
	}, time.Second, time.Millisecond)
	require.EqualValues(t, 3, m.GetSnapshot().TasksSpawned)
}

// manualFuture is pending until resolve is called from outside, the
// minimal stand-in for an interrupt-completed operation.
type manualFuture struct {
	state atomic.Pointer[manualState]
}

type manualState struct {
	value int
	ready bool
	waker *Waker
}

func (f *manualFuture) Poll(cx *Context) (int, bool, error) {
	st := f.state.Load()
	if st != nil && st.ready {
		return st.value, true, nil
	}
	f.state.Store(&manualState{waker: cx.Waker})
	return 0, false, nil
}

func (f *manualFuture) waker() *Waker {
	st := f.state.Load()
	if st == nil {
		return nil
	}
	return st.waker
}

func (f *manualFuture) resolve(v int) {
	st := f.state.Load()
	f.state.Store(&manualState{value: v, ready: true})
	if st != nil && st.waker != nil {
		st.waker.Wake()
	}
}
