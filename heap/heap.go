// Package heap implements the linked-list first-fit allocator backing the
// kernel's global allocator: a sorted free list of holes over a
// contiguous byte range, with splitting on allocation, coalescing on
// free, and upward extension of the managed range.
//
// An allocator like this is classically encoded intrusively, as pointers
// into the managed memory itself. Go cannot take the address of a byte
// inside a []byte and turn it into a linked-list node pointer without
// unsafe, so this implementation keeps the free-list headers outside the
// managed range instead, each carrying the address and size of the hole
// it describes. External behavior and invariants are the same either
// way.
package heap

import (
	"sync"

	"github.com/coliar/gungnir-go/kerrors"
)

// AllocFailureHandler is invoked when no hole can satisfy an allocation.
// The kernel composition root wires this to the fault LED; heap itself has
// no notion of an LED.
type AllocFailureHandler func(size, align uintptr)

// Heap is a first-fit allocator over [bottom, top), with up to MinSize
// bytes of pendingExtend sitting above top awaiting a future Extend call.
type Heap struct {
	mu sync.Mutex

	data []byte // backing storage for the managed range

	bottom uintptr
	top    uintptr

	pendingExtend uintptr
	used          uintptr

	first *hole // sentinel, size 0, addr == bottom

	onFailure AllocFailureHandler
}

// New returns an empty, uninitialized heap. Init must be called once
// before Alloc/Free/Extend.
func New() *Heap {
	return &Heap{}
}

// SetAllocFailureHandler installs the callback fired on allocation
// failure, e.g. to blink a fault LED forever.
func (h *Heap) SetAllocFailureHandler(fn AllocFailureHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onFailure = fn
}

// Init establishes the managed range [base, base+len(data)) once. data is
// the backing store; base is recorded only so addresses reported by Alloc
// correspond to the real SDRAM base address on target hardware.
func (h *Heap) Init(base uintptr, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.data = data
	h.bottom = base
	h.top = base + uintptr(len(data))
	h.first = &hole{addr: base, size: 0}
	if len(data) > 0 {
		h.first.next = &hole{addr: base, size: uintptr(len(data))}
	}
}

// Used returns the number of bytes currently live (allocated).
func (h *Heap) Used() uintptr {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.used
}

// Alloc finds the first hole that fits size bytes aligned to align (a
// power of two), splits it, and returns the buffer view of the allocation
// backed by the heap's own storage — never Go's make/new — along with its
// address in the managed range (meaningful as a cookie for Free).
func (h *Heap) Alloc(size, align uintptr) ([]byte, uintptr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	l := normalize(size, align)

	prev := h.first
	cur := h.first.next
	for cur != nil {
		A, H := cur.addr, cur.size
		P := alignUp(A, l.align)
		frontPad := P - A
		if frontPad > 0 && frontPad < MinSize {
			P = alignUp(A+MinSize, l.align)
			frontPad = P - A
		}
		if P+l.size > A+H {
			prev = cur
			cur = cur.next
			continue
		}
		backPad := (A + H) - (P + l.size)
		if backPad > 0 && backPad < MinSize {
			prev = cur
			cur = cur.next
			continue
		}

		// Consume cur, splice in front/back remainders.
		var replacement *hole
		var tail *hole = cur.next
		if backPad > 0 {
			replacement = &hole{addr: P + l.size, size: backPad, next: tail}
			tail = replacement
		}
		if frontPad > 0 {
			front := &hole{addr: A, size: frontPad, next: tail}
			replacement = front
		}
		prev.next = replacement
		if replacement == nil {
			prev.next = tail
		}

		h.used += l.size
		return h.view(P, l.size), P, nil
	}

	if h.onFailure != nil {
		h.onFailure(size, align)
	}
	return nil, 0, kerrors.New("heap.Alloc", "heap", kerrors.CodeAllocFailure, "no hole fits request")
}

// view returns the backing-store slice for [addr, addr+size) relative to
// bottom.
func (h *Heap) view(addr, size uintptr) []byte {
	off := addr - h.bottom
	return h.data[off : off+size]
}

// Free returns the allocation at addr (as returned by Alloc, with the same
// size/align) to the free list, coalescing with neighbors. Freeing an
// address that is not a live allocation, or double-freeing, is a
// programmer error; this implementation panics rather than silently
// corrupting the list — a freed-node alias is an unrecoverable invariant
// violation.
func (h *Heap) Free(addr, size, align uintptr) {
	h.mu.Lock()
	defer h.mu.Unlock()

	l := normalize(size, align)
	newHole := &hole{addr: addr, size: l.size}

	prev := h.first
	cur := h.first.next
	for cur != nil && cur.addr < newHole.addr {
		if addr < cur.addr+cur.size && addr+l.size > cur.addr {
			panic("heap: double free or corrupted free list")
		}
		prev = cur
		cur = cur.next
	}
	if cur != nil && addr < cur.addr+cur.size && addr+l.size > cur.addr {
		panic("heap: double free or corrupted free list")
	}

	newHole.next = cur
	prev.next = newHole

	// Merge with successor.
	if cur != nil && newHole.addr+newHole.size == cur.addr {
		newHole.size += cur.size
		newHole.next = cur.next
	}

	// Merge with predecessor (skip the sentinel itself).
	if prev != h.first && prev.addr+prev.size == newHole.addr {
		prev.size += newHole.size
		prev.next = newHole.next
		newHole = prev
	}

	// Absorb down to bottom if the merged hole now starts there and the
	// sentinel has nothing below it to preserve.
	if newHole.addr == h.bottom {
		// nothing further to absorb; bottom has no header of its own.
	}

	// Extend up to top if the merged hole reaches top, or is close enough
	// that the residual could not itself host a hole header.
	if newHole.addr+newHole.size >= h.top {
		newHole.size = h.top - newHole.addr
	} else if h.top-(newHole.addr+newHole.size) < MinSize {
		newHole.size = h.top - newHole.addr
	}

	h.used -= l.size
}

// Extend grows the managed range by by bytes, accumulating any remainder
// under MinSize into pendingExtend until enough has accumulated to form a
// new hole.
func (h *Heap) Extend(by uintptr, data []byte) {
	h.mu.Lock()
	sum := by + h.pendingExtend
	if sum < MinSize {
		h.pendingExtend = sum
		h.mu.Unlock()
		return
	}
	extendSize := alignDown(sum, WordSize)
	h.pendingExtend = sum - extendSize
	newTop := h.top + extendSize
	h.data = append(h.data, data...)
	oldTop := h.top
	h.top = newTop
	// The new range was never allocated: count it as used here so the
	// Free below, which subtracts it again, leaves used unchanged.
	h.used += extendSize
	h.mu.Unlock()

	h.Free(oldTop, extendSize, WordSize)
}
