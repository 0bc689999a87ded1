package syncx

import (
	"sync"

	"github.com/coliar/gungnir-go/executor"
)

// Chan is a bounded, FIFO, multi-producer multi-consumer async channel:
// Send pends when full, Recv pends when empty, each waking the other side
// exactly once per successful transfer.
type Chan[T any] struct {
	mu           sync.Mutex
	buf          []T
	cap          int
	sendWaiters  []*executor.Waker
	recvWaiters  []*executor.Waker
}

// NewChan returns a channel with the given capacity (must be >= 1).
func NewChan[T any](capacity int) *Chan[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Chan[T]{cap: capacity}
}

type sendFuture[T any] struct {
	c *Chan[T]
	v T
}

func (f *sendFuture[T]) Poll(cx *executor.Context) (struct{}, bool, error) {
	f.c.mu.Lock()
	if len(f.c.buf) < f.c.cap {
		f.c.buf = append(f.c.buf, f.v)
		var w *executor.Waker
		if len(f.c.recvWaiters) > 0 {
			w = f.c.recvWaiters[0]
			f.c.recvWaiters = f.c.recvWaiters[1:]
		}
		f.c.mu.Unlock()
		w.Wake()
		return struct{}{}, true, nil
	}
	// Woken waiters are removed from the list, so a pending poll always
	// re-registers; otherwise a sender that lost its slot to a faster
	// sender would never be woken again.
	f.c.sendWaiters = append(f.c.sendWaiters, cx.Waker)
	f.c.mu.Unlock()
	return struct{}{}, false, nil
}

// Send returns a Future that resolves once v has been queued.
func (c *Chan[T]) Send(v T) executor.Future[struct{}] {
	return &sendFuture[T]{c: c, v: v}
}

type recvFuture[T any] struct {
	c *Chan[T]
}

func (f *recvFuture[T]) Poll(cx *executor.Context) (T, bool, error) {
	f.c.mu.Lock()
	if len(f.c.buf) > 0 {
		v := f.c.buf[0]
		f.c.buf = f.c.buf[1:]
		var w *executor.Waker
		if len(f.c.sendWaiters) > 0 {
			w = f.c.sendWaiters[0]
			f.c.sendWaiters = f.c.sendWaiters[1:]
		}
		f.c.mu.Unlock()
		w.Wake()
		return v, true, nil
	}
	f.c.recvWaiters = append(f.c.recvWaiters, cx.Waker)
	f.c.mu.Unlock()
	var zero T
	return zero, false, nil
}

// Recv returns a Future resolving to the next value in send order.
func (c *Chan[T]) Recv() executor.Future[T] {
	return &recvFuture[T]{c: c}
}

// Len reports the number of items currently queued, for tests and
// metrics.
func (c *Chan[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf)
}
