package blockdev

import (
	"sync"

	"github.com/coliar/gungnir-go/executor"
)

// MockBlockDevice is an in-memory BlockDevice for host tests: a
// byte-slice-backed fake standing in for real storage.
type MockBlockDevice struct {
	mu         sync.Mutex
	data       []byte
	blockSize  uint32
	ReadCalls  int
	WriteCalls int
	FailErr    error // when set, every call fails with this error
}

// NewMockBlockDevice returns a device of numBlocks blocks of blockSize
// bytes each, zero-filled.
func NewMockBlockDevice(numBlocks int, blockSize uint32) *MockBlockDevice {
	return &MockBlockDevice{
		data:      make([]byte, int(blockSize)*numBlocks),
		blockSize: blockSize,
	}
}

func (m *MockBlockDevice) Read(blockAddr uint32, buf []byte) executor.Future[struct{}] {
	return readyFuture(func() error {
		if err := checkAligned(buf, m.blockSize); err != nil {
			return err
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		m.ReadCalls++
		if m.FailErr != nil {
			return m.FailErr
		}
		off := uint64(blockAddr) * uint64(m.blockSize)
		copy(buf, m.data[off:off+uint64(len(buf))])
		return nil
	})
}

func (m *MockBlockDevice) Write(blockAddr uint32, buf []byte) executor.Future[struct{}] {
	return readyFuture(func() error {
		if err := checkAligned(buf, m.blockSize); err != nil {
			return err
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		m.WriteCalls++
		if m.FailErr != nil {
			return m.FailErr
		}
		off := uint64(blockAddr) * uint64(m.blockSize)
		copy(m.data[off:off+uint64(len(buf))], buf)
		return nil
	})
}

func (m *MockBlockDevice) Size() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint64(len(m.data))
}

func (m *MockBlockDevice) BlockSize() uint32 { return m.blockSize }

// readyFuture wraps a plain synchronous call as a one-poll-and-done
// Future, for fakes that have no real asynchrony to model.
type readyFutureFn func() error

func readyFuture(fn readyFutureFn) executor.Future[struct{}] { return readyFutureFn(fn) }

func (fn readyFutureFn) Poll(cx *executor.Context) (struct{}, bool, error) {
	return struct{}{}, true, fn()
}

var _ BlockDevice = (*MockBlockDevice)(nil)
