package syncx

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coliar/gungnir-go/executor"
)

func TestMutexExclusion(t *testing.T) {
	m := NewMutex()
	ctx := context.Background()

	var active int32
	var maxActive int32
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, err := executor.Await(ctx, m.Lock())
			require.NoError(t, err)

			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()

			g.Unlock()
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, maxActive)
}

func TestChanFIFOAndBackpressure(t *testing.T) {
	c := NewChan[int](2)
	ctx := context.Background()

	_, err := executor.Await(ctx, c.Send(1))
	require.NoError(t, err)
	_, err = executor.Await(ctx, c.Send(2))
	require.NoError(t, err)

	sent3 := make(chan struct{})
	go func() {
		_, err := executor.Await(ctx, c.Send(3))
		require.NoError(t, err)
		close(sent3)
	}()

	select {
	case <-sent3:
		t.Fatal("send of 3rd item should have pended while channel is full")
	case <-time.After(20 * time.Millisecond):
	}

	v, err := executor.Await(ctx, c.Recv())
	require.NoError(t, err)
	require.Equal(t, 1, v)

	select {
	case <-sent3:
	case <-time.After(time.Second):
		t.Fatal("send of 3rd item should have unblocked after a recv")
	}

	v, err = executor.Await(ctx, c.Recv())
	require.NoError(t, err)
	require.Equal(t, 2, v)

	v, err = executor.Await(ctx, c.Recv())
	require.NoError(t, err)
	require.Equal(t, 3, v)
}

func TestSignalBroadcastsToAllWaiters(t *testing.T) {
	s := NewSignal[string]()
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]string, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := executor.Await(ctx, s.Wait())
			require.NoError(t, err)
			results[i] = v
		}(i)
	}

	time.Sleep(10 * time.Millisecond)
	s.Signal("go")
	wg.Wait()

	for _, r := range results {
		require.Equal(t, "go", r)
	}
}

func TestYieldResolvesOnSecondPoll(t *testing.T) {
	ctx := context.Background()
	_, err := executor.Await(ctx, NewYield())
	require.NoError(t, err)
}
