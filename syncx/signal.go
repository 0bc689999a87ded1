package syncx

import (
	"sync"

	"github.com/coliar/gungnir-go/executor"
)

type signalState int

const (
	signalNone signalState = iota
	signalWaiting
	signalSignaled
)

// Signal is the tri-state {None, Waiting, Signaled} primitive: any number
// of waiters can Wait concurrently; Signal(v) wakes all of them with a
// copy of v. Reset returns it to None.
type Signal[T any] struct {
	mu      sync.Mutex
	state   signalState
	val     T
	waiters []*executor.Waker
}

// NewSignal returns a Signal in the None state.
func NewSignal[T any]() *Signal[T] { return &Signal[T]{} }

// Signal transitions to Signaled with value v and wakes every waiter.
func (s *Signal[T]) Signal(v T) {
	s.mu.Lock()
	s.state = signalSignaled
	s.val = v
	waiters := s.waiters
	s.waiters = nil
	s.mu.Unlock()
	for _, w := range waiters {
		w.Wake()
	}
}

// Reset returns the signal to None.
func (s *Signal[T]) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = signalNone
	var zero T
	s.val = zero
}

type waitFuture[T any] struct {
	s *Signal[T]
}

func (f *waitFuture[T]) Poll(cx *executor.Context) (T, bool, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if f.s.state == signalSignaled {
		return f.s.val, true, nil
	}
	f.s.state = signalWaiting
	f.s.waiters = append(f.s.waiters, cx.Waker)
	var zero T
	return zero, false, nil
}

// Wait returns a Future resolving to the signaled value once Signal is
// called, or immediately if it already has been.
func (s *Signal[T]) Wait() executor.Future[T] {
	return &waitFuture[T]{s: s}
}
