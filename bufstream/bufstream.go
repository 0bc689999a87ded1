// Package bufstream implements a byte-granular Read/Write/Seek stream
// over any blockdev.BlockDevice, backed by a single resident block with
// dirty-flagged write-back. The FAT layer is the one consumer in this
// repo, but BufStream itself knows nothing about FAT; it is a generic
// windowed cache over block storage.
package bufstream

import (
	"context"
	"io"

	"github.com/coliar/gungnir-go/blockdev"
	"github.com/coliar/gungnir-go/executor"
	"github.com/coliar/gungnir-go/kerrors"
)

// BufStream wraps dev, presenting it as a byte-addressable
// io.ReadWriteSeeker with one resident block cached in buffer.
type BufStream struct {
	ctx context.Context
	dev blockdev.BlockDevice

	blockSize uint32
	buffer    []byte
	current   uint32 // resident block number, math.MaxUint32 if none
	offset    int64  // current byte offset into the whole device
	dirty     bool
}

const noBlock = ^uint32(0)

// New wraps dev. ctx is used for every underlying blockdev.BlockDevice
// Future await; cancel it to unblock a stuck read/write.
func New(ctx context.Context, dev blockdev.BlockDevice) *BufStream {
	bs := dev.BlockSize()
	return &BufStream{
		ctx:       ctx,
		dev:       dev,
		blockSize: bs,
		buffer:    make([]byte, bs),
		current:   noBlock,
	}
}

func (b *BufStream) blockOf(offset int64) uint32 { return uint32(offset / int64(b.blockSize)) }
func (b *BufStream) inBlock(offset int64) int     { return int(offset % int64(b.blockSize)) }

// ensureResident makes the block containing b.offset resident in
// b.buffer, flushing the previous resident block first if it is dirty and
// different.
func (b *BufStream) ensureResident() error {
	want := b.blockOf(b.offset)
	if b.current == want {
		return nil
	}
	if b.current != noBlock && b.dirty {
		if err := b.flushCurrent(); err != nil {
			return err
		}
	}
	_, err := executor.Await(b.ctx, b.dev.Read(want, b.buffer))
	if err != nil {
		return kerrors.Wrap("bufstream.ensureResident", "bufstream", err)
	}
	b.current = want
	b.dirty = false
	return nil
}

func (b *BufStream) flushCurrent() error {
	if b.current == noBlock || !b.dirty {
		return nil
	}
	_, err := executor.Await(b.ctx, b.dev.Write(b.current, b.buffer))
	if err != nil {
		return kerrors.Wrap("bufstream.flushCurrent", "bufstream", err)
	}
	b.dirty = false
	return nil
}

// Flush writes the resident block back if dirty.
func (b *BufStream) Flush() error { return b.flushCurrent() }

// Read implements io.Reader. The fast path (caller buffer is a whole
// multiple of the block size and offset is block-aligned) reads straight
// into the caller's buffer, bypassing the resident cache entirely.
func (b *BufStream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if b.offset%int64(b.blockSize) == 0 && len(p)%int(b.blockSize) == 0 {
		// A dirty resident block might cover part of the range being
		// read around it; flush first so the fast path never returns
		// stale on-disk content instead of the not-yet-flushed write.
		if err := b.flushCurrent(); err != nil {
			return 0, err
		}
		n := len(p)
		startBlock := b.blockOf(b.offset)
		_, err := executor.Await(b.ctx, b.dev.Read(startBlock, p))
		if err != nil {
			return 0, kerrors.Wrap("bufstream.Read", "bufstream", err)
		}
		b.offset += int64(n)
		// The fast path reads straight into the caller's buffer, so
		// b.buffer no longer reflects whatever block we just read;
		// invalidate residency rather than claim a block we never
		// actually cached.
		b.current = noBlock
		b.dirty = false
		return n, nil
	}

	total := 0
	for total < len(p) {
		if err := b.ensureResident(); err != nil {
			return total, err
		}
		off := b.inBlock(b.offset)
		n := copy(p[total:], b.buffer[off:])
		if n == 0 {
			break
		}
		b.offset += int64(n)
		total += n
	}
	return total, nil
}

// Write implements io.Writer, mirroring Read's block-boundary logic
// with dirty flagging, and flushing immediately when a write lands
// exactly on a block boundary.
func (b *BufStream) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	total := 0
	for total < len(p) {
		if err := b.ensureResident(); err != nil {
			return total, err
		}
		off := b.inBlock(b.offset)
		n := copy(b.buffer[off:], p[total:])
		if n == 0 {
			break
		}
		b.dirty = true
		b.offset += int64(n)
		total += n
		if b.inBlock(b.offset) == 0 {
			if err := b.flushCurrent(); err != nil {
				return total, err
			}
		}
	}
	if total < len(p) {
		return total, kerrors.New("bufstream.Write", "bufstream", kerrors.CodeWriteZero, "short write")
	}
	return total, nil
}

// Seek implements io.Seeker. It never performs I/O; the cache is
// consulted lazily on the next Read/Write.
func (b *BufStream) Seek(offset int64, whence int) (int64, error) {
	var newOffset int64
	switch whence {
	case io.SeekStart:
		newOffset = offset
	case io.SeekCurrent:
		newOffset = b.offset + offset
	case io.SeekEnd:
		newOffset = int64(b.dev.Size()) + offset
	default:
		return 0, kerrors.New("bufstream.Seek", "bufstream", kerrors.CodeInvalidInput, "bad whence")
	}
	if newOffset < 0 {
		return 0, kerrors.New("bufstream.Seek", "bufstream", kerrors.CodeInvalidInput, "negative offset")
	}
	b.offset = newOffset
	return newOffset, nil
}

// Offset returns the current byte offset, for callers (the FAT layer)
// that need to know it without issuing a Seek(0, io.SeekCurrent).
func (b *BufStream) Offset() int64 { return b.offset }

var (
	_ io.Reader = (*BufStream)(nil)
	_ io.Writer = (*BufStream)(nil)
	_ io.Seeker = (*BufStream)(nil)
)
