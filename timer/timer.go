// Package timer implements the kernel's timer wheel: a monotonic tick
// counter driven by a ports.TickSource ISR, Instant/Duration arithmetic
// over that tick count, and Timer/Ticker futures registered on a
// deadline-ordered min-heap that the ISR (or an idle-loop scan) drains on
// every tick.
package timer

import (
	"container/heap"
	"sync"

	"github.com/coliar/gungnir-go/executor"
	"github.com/coliar/gungnir-go/internal/constants"
)

// Config bounds a Wheel to a tick rate. TickHz must match the rate at
// which the board's TickSource ISR actually fires, or all durations will
// be wrong.
type Config struct {
	TickHz uint64
}

// DefaultConfig uses the 1 kHz SysTick rate.
func DefaultConfig() Config {
	return Config{TickHz: constants.DefaultTickHz}
}

// Instant is a point in tick-time.
type Instant int64

// Duration is a span of ticks.
type Duration int64

// Add returns i+d, saturating at the int64 bounds instead of wrapping.
func (i Instant) Add(d Duration) Instant {
	s := i + Instant(d)
	if d > 0 && s < i {
		return Instant(^uint64(0) >> 1)
	}
	if d < 0 && s > i {
		return Instant(-1 << 63)
	}
	return s
}

// Sub returns the tick span from other to i.
func (i Instant) Sub(other Instant) Duration { return Duration(i - other) }

// CheckedSub returns i-d and true, or false if the result would
// underflow below the zero instant.
func (i Instant) CheckedSub(d Duration) (Instant, bool) {
	s := i - Instant(d)
	if s < 0 {
		return 0, false
	}
	return s, true
}

func gcd(a, b uint64) uint64 {
	for b != 0 {
		a, b = b, a%b
	}
	if a == 0 {
		return 1
	}
	return a
}

// durationFromUnits converts n units, base of which make one second (e.g.
// base=1000 for milliseconds), into a tick Duration, keeping intermediate
// products small by reducing through gcd(tickHz, base) first.
func durationFromUnits(tickHz uint64, n int64, base uint64) Duration {
	g := gcd(tickHz, base)
	num := tickHz / g
	den := base / g
	return Duration(n * int64(num) / int64(den))
}

// Wheel owns the monotonic tick counter and the set of futures waiting
// on a deadline — process-wide mutable state with an explicit lifecycle:
// one Wheel is normally installed at boot and driven from
// ports.TickSource.RegisterISR.
type Wheel struct {
	cfg Config

	mu    sync.Mutex
	ticks uint64
	pq    timerHeap
}

// NewWheel returns a Wheel with no ticks elapsed and no waiters.
func NewWheel(cfg Config) *Wheel {
	if cfg.TickHz == 0 {
		cfg = DefaultConfig()
	}
	w := &Wheel{cfg: cfg}
	heap.Init(&w.pq)
	return w
}

// Tick is the sys_tick_handler equivalent: called once per hardware tick
// (from an ISR on target hardware, from a test goroutine on a host).
// It advances the counter and wakes every Timer/Ticker whose deadline
// has passed.
func (w *Wheel) Tick() {
	w.mu.Lock()
	w.ticks++
	now := Instant(w.ticks)
	var wake []*executor.Waker
	for w.pq.Len() > 0 && w.pq[0].deadline <= now {
		ent := heap.Pop(&w.pq).(*timerEntry)
		if ent.waker != nil {
			wake = append(wake, ent.waker)
		}
	}
	w.mu.Unlock()
	for _, wk := range wake {
		wk.Wake()
	}
}

// Now returns the current Instant.
func (w *Wheel) Now() Instant {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Instant(w.ticks)
}

// Millis converts n milliseconds into a Duration at this Wheel's tick
// rate.
func (w *Wheel) Millis(n int64) Duration { return durationFromUnits(w.cfg.TickHz, n, 1000) }

// Micros converts n microseconds into a Duration.
func (w *Wheel) Micros(n int64) Duration { return durationFromUnits(w.cfg.TickHz, n, 1_000_000) }

// Seconds converts n seconds into a Duration.
func (w *Wheel) Seconds(n int64) Duration { return durationFromUnits(w.cfg.TickHz, n, 1) }

type timerEntry struct {
	deadline Instant
	waker    *executor.Waker
	index    int
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline < h[j].deadline }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Timer is a one-shot Future that becomes ready once the Wheel's clock
// reaches expiresAt.
type Timer struct {
	w         *Wheel
	expiresAt Instant
	entry     *timerEntry
}

// After returns a Timer that fires once d ticks from now.
func (w *Wheel) After(d Duration) *Timer {
	return &Timer{w: w, expiresAt: w.Now().Add(d)}
}

// At returns a Timer that fires at the given absolute Instant.
func (w *Wheel) At(at Instant) *Timer {
	return &Timer{w: w, expiresAt: at}
}

// Poll implements executor.Future[struct{}].
func (t *Timer) Poll(cx *executor.Context) (struct{}, bool, error) {
	t.w.mu.Lock()
	defer t.w.mu.Unlock()
	if Instant(t.w.ticks) >= t.expiresAt {
		return struct{}{}, true, nil
	}
	if t.entry == nil {
		t.entry = &timerEntry{deadline: t.expiresAt, waker: cx.Waker}
		heap.Push(&t.w.pq, t.entry)
	} else {
		t.entry.waker = cx.Waker
	}
	return struct{}{}, false, nil
}

var _ executor.Future[struct{}] = (*Timer)(nil)

// Ticker is a periodic Future: each successful Poll (via executor.Await)
// advances expiresAt by period and re-arms, yielding a steady stream of
// ready events.
type Ticker struct {
	w        *Wheel
	period   Duration
	inner    *Timer
}

// NewTicker returns a Ticker that fires every period ticks, starting one
// period from now.
func (w *Wheel) NewTicker(period Duration) *Ticker {
	return &Ticker{w: w, period: period, inner: w.After(period)}
}

// Poll implements executor.Future[struct{}]; callers loop on Await(t.Poll)
// to get a steady periodic stream.
func (t *Ticker) Poll(cx *executor.Context) (struct{}, bool, error) {
	_, ready, err := t.inner.Poll(cx)
	if err != nil || !ready {
		return struct{}{}, false, err
	}
	t.inner = &Timer{w: t.w, expiresAt: t.inner.expiresAt.Add(t.period)}
	return struct{}{}, true, nil
}

var _ executor.Future[struct{}] = (*Ticker)(nil)
