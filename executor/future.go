package executor

import "context"

// Future is a poll-based asynchronous computation yielding a T. Poll is
// called with a Context carrying the current Waker; a Future that is not
// yet ready must arrange for that Waker to be called exactly once when it
// becomes worth polling again, then return ready=false.
//
// Leaf operations (mutex acquire, channel send/recv, signal wait, timer,
// block-device I/O) are all Futures in this sense. Composite operations
// that need to await more than one Future in sequence are written as
// ordinary sequential Go functions run on a per-task goroutine and driven
// through Await — see executor.go's package doc for why.
type Future[T any] interface {
	Poll(cx *Context) (value T, ready bool, err error)
}

// Waker lets a suspended Future's registrant be notified that it should be
// polled again. Waking an already-woken or completed waiter is a no-op.
type Waker struct {
	wake func()
}

// NewWaker builds a Waker around an arbitrary wake callback.
func NewWaker(wake func()) *Waker {
	return &Waker{wake: wake}
}

// Wake invokes the callback. Safe to call from any goroutine, including
// ones standing in for an ISR callback.
func (w *Waker) Wake() {
	if w == nil || w.wake == nil {
		return
	}
	w.wake()
}

// Context is threaded through Poll calls. It is unrelated to
// context.Context except in spirit (both carry ambient call state); Std
// additionally carries the standard library context for cancellation.
type Context struct {
	Waker *Waker
	Std   context.Context
}

// Await drives a Future to completion on the calling goroutine: poll,
// and if not ready, block until the Future's own Waker fires or the
// surrounding context is canceled. This is the per-task analogue of the
// executor's ready-queue loop — "poll, then suspend until woken" — made
// concrete as a blocking call because Go has no way to suspend and later
// resume an arbitrary call stack without a goroutine standing in for it.
func Await[T any](ctx context.Context, f Future[T]) (T, error) {
	var zero T
	notify := make(chan struct{}, 1)
	cx := &Context{
		Std:   ctx,
		Waker: NewWaker(func() {
			select {
			case notify <- struct{}{}:
			default:
			}
		}),
	}
	for {
		v, ready, err := f.Poll(cx)
		if err != nil {
			return zero, err
		}
		if ready {
			return v, nil
		}
		select {
		case <-notify:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}
