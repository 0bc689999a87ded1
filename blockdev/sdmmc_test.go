package blockdev

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coliar/gungnir-go/executor"
	"github.com/coliar/gungnir-go/kerrors"
	"github.com/coliar/gungnir-go/kmetrics"
	"github.com/coliar/gungnir-go/ports"
)

func newTestSDMMC(t *testing.T, numBlocks uint32) (*SDMMC, *ports.MockSdmmc) {
	t.Helper()
	port := ports.NewMockSdmmc(numBlocks, 512)
	return NewSDMMC(port, DefaultSDMMCConfig()), port
}

func TestGeometryRejectsBadBlockSize(t *testing.T) {
	_, err := NewGeometry(0)
	require.Error(t, err)
	_, err = NewGeometry(100)
	require.Error(t, err)
	g, err := NewGeometry(1024)
	require.NoError(t, err)
	require.EqualValues(t, 1024, g.BlockSize)
}

func TestReadWriteInlineCompletion(t *testing.T) {
	dev, _ := newTestSDMMC(t, 64)
	ctx := context.Background()

	out := make([]byte, 512)
	for i := range out {
		out[i] = byte(i)
	}
	_, err := executor.Await(ctx, dev.Write(3, out))
	require.NoError(t, err)

	in := make([]byte, 512)
	_, err = executor.Await(ctx, dev.Read(3, in))
	require.NoError(t, err)
	require.Equal(t, out, in)
}

func TestMisalignedBufferRejected(t *testing.T) {
	dev, _ := newTestSDMMC(t, 64)
	ctx := context.Background()

	_, err := executor.Await(ctx, dev.Read(0, make([]byte, 100)))
	require.Error(t, err)
	require.True(t, kerrors.Is(err, kerrors.CodeInvalidInput))
}

func TestDeferredCompletionWakesWaiter(t *testing.T) {
	dev, port := newTestSDMMC(t, 64)
	port.Defer = true
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := executor.Await(ctx, dev.Read(0, make([]byte, 512)))
		done <- err
	}()

	// The request is issued and parked in WAITING until the "ISR" fires.
	require.Eventually(t, func() bool { return port.Pending() == 1 }, time.Second, time.Millisecond)
	select {
	case <-done:
		t.Fatal("request resolved before completion callback")
	case <-time.After(10 * time.Millisecond):
	}

	port.Complete()
	require.NoError(t, <-done)
}

func TestHardwareErrorSurfacesStatus(t *testing.T) {
	dev, port := newTestSDMMC(t, 64)
	port.FailStatus = -5
	ctx := context.Background()

	_, err := executor.Await(ctx, dev.Read(0, make([]byte, 512)))
	require.Error(t, err)
	var ke *kerrors.Error
	require.ErrorAs(t, err, &ke)
	require.EqualValues(t, -5, ke.HWStatus)
}

func TestIoLockSerializesAndAllComplete(t *testing.T) {
	dev, _ := newTestSDMMC(t, 64)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			buf := make([]byte, 512)
			buf[0] = byte(i)
			_, err := executor.Await(ctx, dev.Write(uint32(i), buf))
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()

	for i := 0; i < 16; i++ {
		buf := make([]byte, 512)
		_, err := executor.Await(ctx, dev.Read(uint32(i), buf))
		require.NoError(t, err)
		require.Equal(t, byte(i), buf[0])
	}
}

func TestMetricsCountCompletedRequests(t *testing.T) {
	port := ports.NewMockSdmmc(64, 512)
	cfg := DefaultSDMMCConfig()
	cfg.Metrics = kmetrics.NewMetrics()
	dev := NewSDMMC(port, cfg)
	ctx := context.Background()

	_, err := executor.Await(ctx, dev.Write(0, make([]byte, 1024)))
	require.NoError(t, err)
	_, err = executor.Await(ctx, dev.Read(0, make([]byte, 512)))
	require.NoError(t, err)

	snap := cfg.Metrics.GetSnapshot()
	require.EqualValues(t, 1, snap.BlockWrites)
	require.EqualValues(t, 1, snap.BlockReads)
	require.EqualValues(t, 1024, snap.BytesWritten)
	require.EqualValues(t, 512, snap.BytesRead)
}
