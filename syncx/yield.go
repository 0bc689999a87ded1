package syncx

import "github.com/coliar/gungnir-go/executor"

// Yield resolves pending on the first poll and ready on the second,
// letting a task cooperatively relinquish the processor for one round.
type Yield struct {
	polled bool
}

// NewYield returns a fresh Yield future.
func NewYield() *Yield { return &Yield{} }

func (y *Yield) Poll(cx *executor.Context) (struct{}, bool, error) {
	if !y.polled {
		y.polled = true
		cx.Waker.Wake()
		return struct{}{}, false, nil
	}
	return struct{}{}, true, nil
}

var _ executor.Future[struct{}] = (*Yield)(nil)
