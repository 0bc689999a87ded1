// Package executor implements the kernel's cooperative task scheduler.
//
// A classic poll-based kernel drives one dyn-Future per task from a
// single run loop, suspending between await points and resuming only
// when that task's own Waker fires. Go has no primitive for suspending
// and resuming an arbitrary call stack, so each Task here is realized as
// a goroutine that runs its async function to completion, calling
// executor.Await at every suspension point; Await itself blocks that
// goroutine on a channel fed by the Future's Waker, which is the
// idiomatic Go stand-in for "suspend until woken". The externally
// observable contract — single logical set of tasks, FIFO wake delivery
// per primitive, no task runs in parallel with itself, a task only ends
// when its function returns — is preserved; what changes is who performs
// the actual context switch (the Go runtime scheduler, instead of a
// hand-rolled poll loop).
package executor

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/coliar/gungnir-go/kerrors"
	"github.com/coliar/gungnir-go/klog"
	"github.com/coliar/gungnir-go/kmetrics"
)

// TaskFunc is the body of a spawned task.
type TaskFunc func(ctx context.Context) error

// Config bounds the executor. This Go translation has no literal ready
// queue, so ReadyQueueSize instead caps the number of concurrently live
// tasks; Spawn past that cap is rejected.
type Config struct {
	ReadyQueueSize int
	// Metrics is optional; when set, spawns and completions are counted
	// there.
	Metrics *kmetrics.Metrics
}

// DefaultConfig caps live tasks at 100, well above the worst-case
// concurrent task count this kernel spawns.
func DefaultConfig() Config {
	return Config{ReadyQueueSize: 100}
}

type taskHandle struct {
	id   uint32
	done chan struct{}
	err  error
}

// Executor owns the live task set and the background context all tasks
// inherit for cancellation.
type Executor struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	nextID uint32
	live   map[uint32]*taskHandle

	log *klog.Logger
}

// New creates an Executor bound to a parent context; canceling parent
// (or calling Shutdown) stops Run and unblocks every task parked in
// Await.
func New(parent context.Context, cfg Config) *Executor {
	ctx, cancel := context.WithCancel(parent)
	return &Executor{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		live:   make(map[uint32]*taskHandle),
		log:    klog.Default(),
	}
}

// Spawn assigns a new task id and starts fn on its own goroutine. It
// returns kerrors.CodeUnsupported if the live task count is already at
// the configured cap.
func (e *Executor) Spawn(fn TaskFunc) (uint32, error) {
	e.mu.Lock()
	if len(e.live) >= e.cfg.ReadyQueueSize {
		e.mu.Unlock()
		return 0, kerrors.New("executor.Spawn", "executor", kerrors.CodeUnsupported, "ready queue capacity exceeded")
	}
	id := atomic.AddUint32(&e.nextID, 1)
	h := &taskHandle{id: id, done: make(chan struct{})}
	e.live[id] = h
	live := uint32(len(e.live))
	e.mu.Unlock()
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.RecordSpawn(live)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		err := fn(e.ctx)
		h.err = err
		close(h.done)
		e.mu.Lock()
		delete(e.live, id)
		e.mu.Unlock()
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.RecordTaskDone()
		}
		if err != nil && err != context.Canceled {
			e.log.Errorf("task %d exited with error: %v", id, err)
		}
	}()
	return id, nil
}

// LiveCount returns the number of tasks currently running, for metrics and
// tests.
func (e *Executor) LiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.live)
}

// Run blocks until the executor's context is canceled, then waits for
// every live task to observe cancellation and exit. This never returns on
// its own on target hardware (kernel_main calls it last and does not
// return either); tests cancel the parent context to make it return.
func (e *Executor) Run() {
	<-e.ctx.Done()
	e.wg.Wait()
}

// Shutdown cancels the executor's context, the Go translation of "there is
// no external cancellation [of a task]" not applying at the process level:
// the kernel as a whole can still be torn down in tests and in the
// simulator build.
func (e *Executor) Shutdown() {
	e.cancel()
}
