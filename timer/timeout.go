package timer

import (
	"context"

	"github.com/coliar/gungnir-go/executor"
	"github.com/coliar/gungnir-go/kerrors"
)

// ErrTimeout is returned by WithTimeout when the Timer wins the race.
var ErrTimeout = kerrors.New("timer.WithTimeout", "timer", kerrors.CodeTimeout, "deadline exceeded")

// WithTimeout races fut against a Timer armed for d ticks on w,
// returning ErrTimeout when the timer wins. Both race participants run
// on their own goroutine (the stand-in for polling two futures from one
// select, since a hand-rolled Future here can suspend only the goroutine
// that's Awaiting it); the loser's goroutine is left to unwind against
// the canceled race context the next time it's polled.
func WithTimeout[T any](ctx context.Context, w *Wheel, d Duration, fut executor.Future[T]) (T, error) {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	fromFut := make(chan result, 1)
	fromTimer := make(chan struct{}, 1)

	go func() {
		v, err := executor.Await(raceCtx, fut)
		select {
		case fromFut <- result{v: v, err: err}:
		default:
		}
	}()
	go func() {
		_, err := executor.Await(raceCtx, w.After(d))
		if err == nil {
			select {
			case fromTimer <- struct{}{}:
			default:
			}
		}
	}()

	select {
	case r := <-fromFut:
		return r.v, r.err
	case <-fromTimer:
		var zero T
		return zero, ErrTimeout
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
