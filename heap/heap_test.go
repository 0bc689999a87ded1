package heap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestHeap(t *testing.T, size int) *Heap {
	h := New()
	h.Init(0x1000, make([]byte, size))
	return h
}

func TestLinearAllocFree(t *testing.T) {
	h := newTestHeap(t, 4096)

	var addrs []uintptr
	for i := 0; i < 10; i++ {
		_, addr, err := h.Alloc(64, WordSize)
		require.NoError(t, err)
		addrs = append(addrs, addr)
	}
	require.EqualValues(t, 10*64, h.Used())

	for i := len(addrs) - 1; i >= 0; i-- {
		h.Free(addrs[i], 64, WordSize)
	}
	require.EqualValues(t, 0, h.Used())

	require.Equal(t, h.bottom, h.first.next.addr)
	require.EqualValues(t, 4096, h.first.next.size)
	require.Nil(t, h.first.next.next)
}

func TestFragmentationReuse(t *testing.T) {
	h := newTestHeap(t, 4096)

	_, aAddr, err := h.Alloc(128, WordSize)
	require.NoError(t, err)
	_, bAddr, err := h.Alloc(64, WordSize)
	require.NoError(t, err)
	_, _, err = h.Alloc(128, WordSize)
	require.NoError(t, err)

	h.Free(bAddr, 64, WordSize)

	_, dAddr, err := h.Alloc(64, WordSize)
	require.NoError(t, err)
	require.Equal(t, bAddr, dAddr)

	require.EqualValues(t, 128+128+64, h.Used())
	_ = aAddr
}

func TestExtendAllowsNewAllocation(t *testing.T) {
	h := newTestHeap(t, 512)

	_, _, err := h.Alloc(512, WordSize)
	require.NoError(t, err)

	_, _, err = h.Alloc(64, WordSize)
	require.Error(t, err)

	h.Extend(512, make([]byte, 512))

	_, _, err = h.Alloc(512, WordSize)
	require.NoError(t, err)
}

func TestAllocExactHoleSizeNoBackPadding(t *testing.T) {
	h := newTestHeap(t, 256)
	_, addr, err := h.Alloc(256, WordSize)
	require.NoError(t, err)
	require.Equal(t, h.bottom, addr)
	require.Nil(t, h.first.next)
}

func TestAllocAlignmentForcesMinFrontPadding(t *testing.T) {
	h := newTestHeap(t, 4096)

	// Leave the hole at bottom+24, so a 16-aligned request would have
	// only 8 bytes of front padding — too small to be a hole. The
	// allocation must move past a MinSize gap and re-align instead.
	_, _, err := h.Alloc(24, WordSize)
	require.NoError(t, err)

	_, addr, err := h.Alloc(64, 16)
	require.NoError(t, err)
	require.Equal(t, h.bottom+0x30, addr)

	front := h.first.next
	require.Equal(t, h.bottom+0x18, front.addr)
	require.EqualValues(t, 24, front.size)
}

func TestFreeDetectsDoubleFree(t *testing.T) {
	h := newTestHeap(t, 256)
	_, addr, err := h.Alloc(64, WordSize)
	require.NoError(t, err)
	h.Free(addr, 64, WordSize)
	require.Panics(t, func() {
		h.Free(addr, 64, WordSize)
	})
}
