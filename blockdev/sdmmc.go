package blockdev

import (
	"sync"

	"github.com/coliar/gungnir-go/executor"
	"github.com/coliar/gungnir-go/kerrors"
	"github.com/coliar/gungnir-go/kmetrics"
	"github.com/coliar/gungnir-go/ports"
	"github.com/coliar/gungnir-go/syncx"
)

// SDMMCConfig bounds an SDMMC adapter's geometry. Metrics is optional;
// when set, every completed request is counted there.
type SDMMCConfig struct {
	Geometry Geometry
	Metrics  *kmetrics.Metrics
}

// DefaultSDMMCConfig uses the standard 512-byte logical block.
func DefaultSDMMCConfig() SDMMCConfig {
	g, _ := NewGeometry(512)
	return SDMMCConfig{Geometry: g}
}

// sdIOLock is SD_IO_LOCK: the process-wide async lock every SDMMC adapter
// takes around a hardware request, so only one is in flight at a time.
var sdIOLock = syncx.NewMutex()

// SDMMC adapts a ports.SdmmcPort (raw hardware register contract) to
// BlockDevice. Every operation takes the process-wide SD_IO_LOCK — the
// controller handles one in-flight op at a time — before issuing the
// synchronous hardware call, then awaits completion through a
// (req,end_addr)-correlated waker map populated by the hardware's
// completion callback. The map generalizes to concurrent requests where
// a pair of RxCplt/TxCplt flags would not.
type SDMMC struct {
	port ports.SdmmcPort
	cfg  SDMMCConfig

	ioLock *syncx.Mutex // SD_IO_LOCK

	mu       sync.Mutex
	requests map[ioReqKey]*ioReqState // IO_REQS
}

// NewSDMMC wraps port, registering itself as the port's single completion
// callback.
func NewSDMMC(port ports.SdmmcPort, cfg SDMMCConfig) *SDMMC {
	s := &SDMMC{
		port:     port,
		cfg:      cfg,
		ioLock:   sdIOLock,
		requests: make(map[ioReqKey]*ioReqState),
	}
	port.SetCompletionCallback(s.onCompletion)
	return s
}

// onCompletion is the ISR-side callback: look up the entry by
// (req,end_addr), wake the waker if it was WAITING, set READY, and remove
// the entry. Must not allocate or block, as with any ISR-context code;
// the map write is guarded by a plain mutex, safe here because the
// critical section is a handful of map operations.
func (s *SDMMC) onCompletion(op ports.SDMMCOp, endAddr uint32) {
	key := ioReqKey{op: toReqOp(op), endAddr: endAddr}
	s.mu.Lock()
	st, ok := s.requests[key]
	if ok {
		delete(s.requests, key)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if st.status == ioWaiting && st.waker != nil {
		st.waker.Wake()
	}
	st.status = ioReady
}

func toReqOp(op ports.SDMMCOp) reqOp {
	if op == ports.OpWrite {
		return opWrite
	}
	return opRead
}

// waitFuture polls the completion-map entry for key: START→WAITING on
// first poll (registering the current waker), READY thereafter means
// done.
type waitFuture struct {
	s   *SDMMC
	key ioReqKey
}

func (f *waitFuture) Poll(cx *executor.Context) (struct{}, bool, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	st, ok := f.s.requests[f.key]
	if !ok {
		// Completion already fired and removed the entry before this
		// first poll observed it.
		return struct{}{}, true, nil
	}
	switch st.status {
	case ioStart:
		st.status = ioWaiting
		st.waker = cx.Waker
		return struct{}{}, false, nil
	case ioWaiting:
		st.waker = cx.Waker
		return struct{}{}, false, nil
	default: // ioReady
		return struct{}{}, true, nil
	}
}

// issue performs one request: lock SD_IO_LOCK, call the synchronous
// kernel-hardware entry point, register the completion-map entry on
// success, and return a Future that resolves once onCompletion fires (or
// immediately, if the hardware call itself failed).
func (s *SDMMC) issue(op reqOp, blockAddr uint32, numBlocks uint32, call func() int32) executor.Future[struct{}] {
	return &issueFuture{s: s, op: op, blockAddr: blockAddr, numBlocks: numBlocks, call: call}
}

type issueFuture struct {
	s         *SDMMC
	op        reqOp
	blockAddr uint32
	numBlocks uint32
	call      func() int32

	guard  *syncx.Guard
	locked bool
	issued bool
	wait   *waitFuture
}

func (f *issueFuture) Poll(cx *executor.Context) (struct{}, bool, error) {
	if !f.locked {
		g, ready, err := f.s.ioLock.Lock().Poll(cx)
		if err != nil {
			return struct{}{}, false, err
		}
		if !ready {
			return struct{}{}, false, nil
		}
		f.guard = g
		f.locked = true
	}

	if !f.issued {
		// Insert the completion-map entry before issuing the hardware
		// call, not after: on real hardware the completion ISR cannot
		// fire before the synchronous call returns, but nothing
		// guarantees a port's completion callback is deferred past
		// return — inserting first keeps onCompletion's lookup correct
		// either way.
		endAddr := f.blockAddr + f.numBlocks
		key := ioReqKey{op: f.op, endAddr: endAddr}
		f.s.mu.Lock()
		f.s.requests[key] = &ioReqState{status: ioStart}
		f.s.mu.Unlock()
		f.wait = &waitFuture{s: f.s, key: key}

		status := f.call()
		if status != 0 {
			f.s.mu.Lock()
			delete(f.s.requests, key)
			f.s.mu.Unlock()
			f.guard.Unlock()
			f.record(false)
			return struct{}{}, false, kerrors.NewHW("blockdev.SDMMC", "blockdev", status)
		}
		f.issued = true
	}

	_, ready, err := f.wait.Poll(cx)
	if err != nil {
		f.guard.Unlock()
		f.record(false)
		return struct{}{}, false, err
	}
	if !ready {
		return struct{}{}, false, nil
	}
	f.guard.Unlock()
	f.record(true)
	return struct{}{}, true, nil
}

func (f *issueFuture) record(success bool) {
	m := f.s.cfg.Metrics
	if m == nil {
		return
	}
	bytes := uint64(f.numBlocks) * uint64(f.s.BlockSize())
	if f.op == opWrite {
		m.RecordBlockWrite(bytes, 0, success)
	} else {
		m.RecordBlockRead(bytes, 0, success)
	}
}

// Read implements BlockDevice.
func (s *SDMMC) Read(blockAddr uint32, buf []byte) executor.Future[struct{}] {
	bs := s.BlockSize()
	if err := checkAligned(buf, bs); err != nil {
		return errFuture{err}
	}
	numBlocks := uint32(len(buf)) / bs
	return s.issue(opRead, blockAddr, numBlocks, func() int32 {
		return s.port.ReadBlocksIT(buf, blockAddr, numBlocks)
	})
}

// Write implements BlockDevice.
func (s *SDMMC) Write(blockAddr uint32, buf []byte) executor.Future[struct{}] {
	bs := s.BlockSize()
	if err := checkAligned(buf, bs); err != nil {
		return errFuture{err}
	}
	numBlocks := uint32(len(buf)) / bs
	return s.issue(opWrite, blockAddr, numBlocks, func() int32 {
		return s.port.WriteBlocksIT(buf, blockAddr, numBlocks)
	})
}

// Size implements BlockDevice.
func (s *SDMMC) Size() uint64 { return s.port.Capacity() }

// BlockSize implements BlockDevice.
func (s *SDMMC) BlockSize() uint32 { return s.cfg.Geometry.BlockSize }

type errFuture struct{ err error }

func (f errFuture) Poll(cx *executor.Context) (struct{}, bool, error) {
	return struct{}{}, false, f.err
}

var _ BlockDevice = (*SDMMC)(nil)
