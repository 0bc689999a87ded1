package syncx

import "github.com/coliar/gungnir-go/executor"

// Oneshot is a single-value, single-sender, single-receiver channel — a
// trivial specialization of Chan with capacity 1.
type Oneshot[T any] struct {
	c *Chan[T]
}

// NewOneshot returns a fresh Oneshot.
func NewOneshot[T any]() *Oneshot[T] {
	return &Oneshot[T]{c: NewChan[T](1)}
}

// Send delivers the single value. A second Send on the same Oneshot pends
// until the first value has been received, as on any channel at capacity
// — callers own exactly one Send per Oneshot.
func (o *Oneshot[T]) Send(v T) executor.Future[struct{}] {
	return o.c.Send(v)
}

// Recv resolves to the sent value.
func (o *Oneshot[T]) Recv() executor.Future[T] {
	return o.c.Recv()
}
