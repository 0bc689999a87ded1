// Package blockdev implements the kernel's block-oriented storage port:
// a BlockDevice contract over fixed-size blocks, and an SDMMC adapter
// that serializes hardware requests through an async lock and correlates
// each completion ISR callback with the waiting task via a
// (req, end-address) keyed map.
package blockdev

import (
	"github.com/coliar/gungnir-go/executor"
	"github.com/coliar/gungnir-go/internal/constants"
	"github.com/coliar/gungnir-go/kerrors"
)

// BlockDevice is the contract every block-oriented storage backend
// implements: read/write whole blocks, report device size. Both
// operations are asynchronous — they return a Future that resolves once
// the underlying hardware (or its stand-in) has completed the transfer.
//
// Go generics cannot express a compile-time block size or DMA alignment
// constraint, so BlockSize is a runtime field instead, validated a
// multiple of 512 at construction (see NewGeometry).
type BlockDevice interface {
	// Read fills buf (length must be a multiple of BlockSize) starting at
	// blockAddr.
	Read(blockAddr uint32, buf []byte) executor.Future[struct{}]
	// Write writes buf (length must be a multiple of BlockSize) starting
	// at blockAddr.
	Write(blockAddr uint32, buf []byte) executor.Future[struct{}]
	// Size returns the device capacity in bytes.
	Size() uint64
	// BlockSize returns the logical block size in bytes.
	BlockSize() uint32
}

// Geometry validates and carries a device's block size.
type Geometry struct {
	BlockSize uint32
}

// NewGeometry validates blockSize is a nonzero multiple of 512.
func NewGeometry(blockSize uint32) (Geometry, error) {
	if blockSize == 0 || blockSize%constants.DefaultBlockSize != 0 {
		return Geometry{}, kerrors.New("blockdev.NewGeometry", "blockdev", kerrors.CodeInvalidInput,
			"block size must be a nonzero multiple of 512")
	}
	return Geometry{BlockSize: blockSize}, nil
}

func checkAligned(buf []byte, blockSize uint32) error {
	if len(buf) == 0 || uint32(len(buf))%blockSize != 0 {
		return kerrors.New("blockdev", "blockdev", kerrors.CodeInvalidInput,
			"buffer length must be a nonzero multiple of the block size")
	}
	return nil
}

// ioReqStatus is the {START, WAITING, READY} tri-state of one in-flight
// hardware request.
type ioReqStatus uint8

const (
	ioStart ioReqStatus = iota
	ioWaiting
	ioReady
)

// ioReqKey is the (req, end_addr) correlation identifier: the hardware
// callback carries only the operation and the end address of the
// completed transfer, so that pair uniquely identifies the in-flight
// request even under pipelined operations on distinct buffers.
type ioReqKey struct {
	op      reqOp
	endAddr uint32
}

type reqOp uint8

const (
	opRead reqOp = iota
	opWrite
)

type ioReqState struct {
	waker  *executor.Waker
	status ioReqStatus
}
