// Package syncx implements the kernel's task-level synchronization
// primitives: async mutex, async signal, bounded channel, oneshot, and
// yield, all as executor.Future-returning types safe to share across
// tasks via a plain pointer.
package syncx

import (
	"sync"

	"github.com/coliar/gungnir-go/executor"
)

// Mutex is an async mutual-exclusion lock: Lock() suspends the calling
// task rather than blocking a whole OS thread.
type Mutex struct {
	mu      sync.Mutex
	locked  bool
	waiters []*executor.Waker
}

// NewMutex returns an unlocked Mutex.
func NewMutex() *Mutex { return &Mutex{} }

// Guard represents mutual-exclusion ownership; Unlock releases it and
// wakes one waiter per release. Wake order is not guaranteed fair.
type Guard struct {
	m *Mutex
}

func (g *Guard) Unlock() {
	g.m.mu.Lock()
	g.m.locked = false
	var w *executor.Waker
	if len(g.m.waiters) > 0 {
		w = g.m.waiters[0]
		g.m.waiters = g.m.waiters[1:]
	}
	g.m.mu.Unlock()
	w.Wake()
}

type lockFuture struct {
	m *Mutex
}

func (f *lockFuture) Poll(cx *executor.Context) (*Guard, bool, error) {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	if !f.m.locked {
		f.m.locked = true
		return &Guard{m: f.m}, true, nil
	}
	// A waiter is removed from the list when woken, so a pending poll is
	// never still registered: re-register every time. Without this, a
	// waiter that loses the race to a TryLock after being woken would
	// never be woken again.
	f.m.waiters = append(f.m.waiters, cx.Waker)
	return nil, false, nil
}

// Lock returns a Future that resolves to a Guard once acquired.
func (m *Mutex) Lock() executor.Future[*Guard] {
	return &lockFuture{m: m}
}

// TryLock acquires the mutex without suspending, returning nil if it is
// already held.
func (m *Mutex) TryLock() *Guard {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked {
		return nil
	}
	m.locked = true
	return &Guard{m: m}
}
