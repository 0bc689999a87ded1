// Command kernel runs the kernel against host-side mock ports: an
// in-memory SD card, a stub UART draining to stdout, and a goroutine
// driving the tick source. On target hardware the board support package
// calls kernel.Main from its reset handler instead; this command exists
// so the whole stack can be exercised without a board.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/coliar/gungnir-go/fat"
	"github.com/coliar/gungnir-go/kernel"
	"github.com/coliar/gungnir-go/klog"
	"github.com/coliar/gungnir-go/ports"
)

const (
	sdramSize = 8 << 20  // 8 MiB simulated SDRAM
	cardSize  = 32 << 20 // 32 MiB simulated SD card
	blockSize = 512
)

type stdoutPutc struct{}

func (stdoutPutc) Putc(b byte) { fmt.Print(string(rune(b))) }

type stderrLed struct{}

func (stderrLed) Blink(periodMs uint32) {
	fmt.Fprintf(os.Stderr, "LED blink %dms (allocation failure)\n", periodMs)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	sd := ports.NewMockSdmmc(cardSize/blockSize, blockSize)
	ticks := &ports.MockTickSource{}

	// Route kernel logs the way target hardware does: tick-stamped lines,
	// one byte at a time through the UART writer, here backed by stdout.
	log := klog.NewLogger(&klog.Config{
		Level:  klog.LevelInfo,
		Output: klog.UARTWriter{Putc: func(b byte) { os.Stdout.Write([]byte{b}) }},
		Ticks:  ticks.Ticks,
	})

	deps := kernel.Dependencies{
		Putc:  stdoutPutc{},
		Led:   stderrLed{},
		Irq:   &ports.MockIrqControl{},
		Sdmmc: sd,
		Ticks: ticks,
		Log:   log,
	}
	cfg := kernel.DefaultConfig()

	k := kernel.New(ctx, 0, make([]byte, sdramSize), deps, cfg)

	// Format the blank card before the mount task looks at it, then
	// drive the tick ISR at the configured rate.
	if err := fat.Format(ctx, k.Device, fat.FormatConfig{Label: "GUNGNIR"}); err != nil {
		log.Errorf("format failed: %v", err)
		os.Exit(1)
	}
	go func() {
		t := time.NewTicker(time.Second / time.Duration(cfg.Timer.TickHz))
		defer t.Stop()
		for {
			select {
			case <-t.C:
				ticks.Advance(1)
			case <-ctx.Done():
				return
			}
		}
	}()

	k.Start(ctx, deps)
	k.Executor.Run()
}
