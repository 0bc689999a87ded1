package syncx

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coliar/gungnir-go/executor"
)

func TestRingBufferFIFOAndDropOnFull(t *testing.T) {
	r := NewRingBuffer(4)

	for i := byte(0); i < 4; i++ {
		require.True(t, r.Push('a'+i))
	}
	require.Equal(t, 4, r.Len())
	require.False(t, r.Push('x'), "full ring drops instead of blocking")

	ctx := context.Background()
	for i := byte(0); i < 4; i++ {
		b, err := executor.Await(ctx, r.Pop())
		require.NoError(t, err)
		require.Equal(t, byte('a'+i), b)
	}
	require.Zero(t, r.Len())
}

func TestRingBufferPopWaitsForPush(t *testing.T) {
	r := NewRingBuffer(8)

	got := make(chan byte, 1)
	go func() {
		b, err := executor.Await(context.Background(), r.Pop())
		require.NoError(t, err)
		got <- b
	}()

	select {
	case <-got:
		t.Fatal("pop resolved on an empty ring")
	case <-time.After(10 * time.Millisecond):
	}

	require.True(t, r.Push('z'))
	select {
	case b := <-got:
		require.Equal(t, byte('z'), b)
	case <-time.After(time.Second):
		t.Fatal("pop not woken by push")
	}
}

func TestRingBufferWrapAround(t *testing.T) {
	r := NewRingBuffer(3)
	ctx := context.Background()

	require.True(t, r.Push(1))
	require.True(t, r.Push(2))
	b, err := executor.Await(ctx, r.Pop())
	require.NoError(t, err)
	require.Equal(t, byte(1), b)

	// end wraps past the array boundary while start chases it.
	require.True(t, r.Push(3))
	require.True(t, r.Push(4))
	for want := byte(2); want <= 4; want++ {
		b, err := executor.Await(ctx, r.Pop())
		require.NoError(t, err)
		require.Equal(t, want, b)
	}
}
