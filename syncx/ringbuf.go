package syncx

import (
	"sync"

	"github.com/coliar/gungnir-go/executor"
)

// RingBuffer is the bounded byte queue sitting between the UART receive
// ISR and the console task: the ISR pushes without blocking (bytes are
// dropped when full, never waited on — an ISR must not suspend), the
// consumer side pops through a Future that pends until data arrives.
type RingBuffer struct {
	mu    sync.Mutex
	buf   []byte
	start int
	end   int
	full  bool

	waiter *executor.Waker
}

// NewRingBuffer returns a ring of the given capacity.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer{buf: make([]byte, capacity)}
}

func (r *RingBuffer) wrap(n int) int {
	if n == len(r.buf) {
		return 0
	}
	return n
}

func (r *RingBuffer) emptyLocked() bool { return !r.full && r.start == r.end }

// Len reports the number of buffered bytes.
func (r *RingBuffer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.emptyLocked():
		return 0
	case r.start < r.end:
		return r.end - r.start
	default:
		return len(r.buf) - r.start + r.end
	}
}

// Push enqueues b, reporting false (and dropping the byte) when the ring
// is full. Safe to call from ISR context: it never blocks and never
// allocates.
func (r *RingBuffer) Push(b byte) bool {
	r.mu.Lock()
	if r.full {
		r.mu.Unlock()
		return false
	}
	r.buf[r.end] = b
	r.end = r.wrap(r.end + 1)
	r.full = r.end == r.start
	w := r.waiter
	r.waiter = nil
	r.mu.Unlock()
	w.Wake()
	return true
}

type popFuture struct {
	r *RingBuffer
}

func (f *popFuture) Poll(cx *executor.Context) (byte, bool, error) {
	f.r.mu.Lock()
	defer f.r.mu.Unlock()
	if f.r.emptyLocked() {
		f.r.waiter = cx.Waker
		return 0, false, nil
	}
	b := f.r.buf[f.r.start]
	f.r.start = f.r.wrap(f.r.start + 1)
	f.r.full = false
	return b, true, nil
}

// Pop returns a Future resolving to the next byte in arrival order.
func (r *RingBuffer) Pop() executor.Future[byte] {
	return &popFuture{r: r}
}

var _ executor.Future[byte] = (*popFuture)(nil)
