// Package kernel is the composition root: it wires the heap, executor,
// block device, buffered stream, and FAT filesystem together and runs
// the boot task set. Board support packages hand it their ports and call
// Main from the reset handler; hosts (tests, the simulator command) hand
// it mocks and a cancelable context instead.
package kernel

import (
	"context"

	"github.com/coliar/gungnir-go/blockdev"
	"github.com/coliar/gungnir-go/executor"
	"github.com/coliar/gungnir-go/fat"
	"github.com/coliar/gungnir-go/heap"
	"github.com/coliar/gungnir-go/klog"
	"github.com/coliar/gungnir-go/kmetrics"
	"github.com/coliar/gungnir-go/ports"
	"github.com/coliar/gungnir-go/timer"
)

// Dependencies bundles every external collaborator the kernel needs.
type Dependencies struct {
	Putc ports.Putc
	Led  ports.LedBlink
	// Irq is held for board bring-up code that masks interrupts around
	// its own critical sections; the scheduler itself idles in the Go
	// runtime rather than calling EnterSleep.
	Irq   ports.IrqControl
	Sdmmc ports.SdmmcPort
	Ticks ports.TickSource

	Log *klog.Logger
}

// Config carries the per-subsystem knobs.
type Config struct {
	Executor executor.Config
	Timer    timer.Config
	Sdmmc    blockdev.SDMMCConfig
}

// DefaultConfig wires each subsystem's own defaults.
func DefaultConfig() Config {
	return Config{
		Executor: executor.DefaultConfig(),
		Timer:    timer.DefaultConfig(),
		Sdmmc:    blockdev.DefaultSDMMCConfig(),
	}
}

// Kernel is the long-lived handle Main builds before entering the run
// loop; tests hold one to reach the mounted filesystem and metrics.
type Kernel struct {
	Heap     *heap.Heap
	Executor *executor.Executor
	Wheel    *timer.Wheel
	Device   blockdev.BlockDevice
	Metrics  *kmetrics.Metrics

	fs    *fat.FileSystem
	log   *klog.Logger
	ready chan struct{}
}

// FileSystem returns the mounted volume once the mount task has run, or
// nil before that. WaitMounted blocks until it is available.
func (k *Kernel) FileSystem() *fat.FileSystem { return k.fs }

// WaitMounted blocks until the filesystem-init task has finished (or ctx
// is canceled).
func (k *Kernel) WaitMounted(ctx context.Context) error {
	select {
	case <-k.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// New wires the subsystems without starting the run loop. sdram is the
// managed heap range (its base address and backing storage).
func New(ctx context.Context, sdramBase uintptr, sdram []byte, deps Dependencies, cfg Config) *Kernel {
	log := deps.Log
	if log == nil {
		logCfg := klog.DefaultConfig()
		if deps.Ticks != nil {
			logCfg.Ticks = deps.Ticks.Ticks
		}
		log = klog.NewLogger(logCfg)
		klog.SetDefault(log)
	}

	metrics := kmetrics.NewMetrics()
	cfg.Executor.Metrics = metrics
	cfg.Sdmmc.Metrics = metrics

	h := heap.Global
	h.Init(sdramBase, sdram)
	if deps.Led != nil {
		led := deps.Led
		h.SetAllocFailureHandler(func(size, align uintptr) {
			led.Blink(0)
		})
	}

	wheel := timer.NewWheel(cfg.Timer)
	if deps.Ticks != nil {
		deps.Ticks.RegisterISR(wheel.Tick)
	}

	dev := blockdev.NewSDMMC(deps.Sdmmc, cfg.Sdmmc)

	return &Kernel{
		Heap:     h,
		Executor: executor.New(ctx, cfg.Executor),
		Wheel:    wheel,
		Device:   dev,
		Metrics:  metrics,
		log:      log,
		ready:    make(chan struct{}),
	}
}

// Main never returns on target hardware: it builds the kernel, spawns the
// filesystem-init task and the console task, and enters the executor's
// run loop. On a host, canceling ctx makes it return for teardown.
func Main(ctx context.Context, sdramBase uintptr, sdram []byte, deps Dependencies, cfg Config) {
	k := New(ctx, sdramBase, sdram, deps, cfg)
	k.Start(ctx, deps)
	k.Executor.Run()
}

// Start spawns the boot task set without blocking.
func (k *Kernel) Start(ctx context.Context, deps Dependencies) {
	log := k.log
	if log == nil {
		log = klog.Default()
	}

	_, _ = k.Executor.Spawn(func(taskCtx context.Context) error {
		fs, err := fat.Mount(taskCtx, k.Device, log)
		if err != nil {
			log.Errorf("filesystem mount failed: %v", err)
			close(k.ready)
			return err
		}
		k.fs = fs
		log.Infof("mounted FAT%d volume, %d clusters", fs.FatType(), fs.TotalClusters())
		close(k.ready)
		return nil
	})

	if deps.Putc != nil {
		putc := deps.Putc
		_, _ = k.Executor.Spawn(func(taskCtx context.Context) error {
			// Console task placeholder: the interactive shell is a
			// separate component mounted against ports.Putc; until it is
			// linked in, announce liveness and park on the context.
			for _, b := range []byte("gungnir: console ready\r\n") {
				putc.Putc(b)
			}
			<-taskCtx.Done()
			return nil
		})
	}
}
