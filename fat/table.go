package fat

import (
	"encoding/binary"
	"io"

	"github.com/coliar/gungnir-go/kerrors"
)

// FatType identifies the on-disk FAT entry width, derived purely from the
// volume's total cluster count, never from a BPB flag.
type FatType uint8

const (
	FAT12 FatType = 12
	FAT16 FatType = 16
	FAT32 FatType = 32
)

// DeriveFatType maps a cluster count to its FAT width: FAT16 at 4085
// clusters and up, FAT32 at 65525 and up.
func DeriveFatType(totalClusters uint32) FatType {
	switch {
	case totalClusters >= 65525:
		return FAT32
	case totalClusters >= 4085:
		return FAT16
	default:
		return FAT12
	}
}

// reservedClusters counts the two reserved FAT entries: entries 0 and 1
// (media descriptor and status word) are never part of any cluster chain.
const reservedClusters = 2

// freeEntry marks an unallocated FAT entry.
const freeEntry = 0

// eocThreshold returns the smallest raw entry value considered
// end-of-chain for t.
func (t FatType) eocThreshold() uint32 {
	switch t {
	case FAT12:
		return 0xFF8
	case FAT16:
		return 0xFFF8
	default:
		return 0x0FFFFFF8
	}
}

// eocWriteValue is the canonical end-of-chain marker this implementation
// writes: 0x0FFFFFFF for FAT32 (upper 4 bits preserved separately), and
// the analogous all-ones pattern within the entry width for FAT12/16.
func (t FatType) eocWriteValue() uint32 {
	switch t {
	case FAT12:
		return 0xFFF
	case FAT16:
		return 0xFFFF
	default:
		return 0x0FFFFFFF
	}
}

func (t FatType) maxCluster() uint32 {
	switch t {
	case FAT12:
		return 0xFF4
	case FAT16:
		return 0xFFF4
	default:
		return 0x0FFFFFF4
	}
}

// IsEOC reports whether raw is an end-of-chain marker for this FAT width.
func (t FatType) IsEOC(raw uint32) bool { return raw >= t.eocThreshold() }

// IsFree reports whether raw marks an unallocated cluster.
func (t FatType) IsFree(raw uint32) bool { return raw == freeEntry }

// Table is the FAT entry array: encode/decode, cluster-chain traversal,
// allocation, and free-count bookkeeping, over the FAT region exposed as
// a DiskSlice (which itself fans writes out to every mirror copy).
//
// FAT access ultimately suspends on block I/O, but the disk slice's own
// Read/Write/Seek already resolve the block-device Future internally
// (see bufstream), so Table's methods are plain synchronous Go calls —
// the async boundary sits at blockdev/bufstream, not re-exposed at every
// layer above it.
type Table struct {
	disk     *DiskSlice
	fatType  FatType
	entrySize int // bytes per entry on disk, informational for FAT32/16; FAT12 is variable
}

// NewTable wraps disk (the FAT region, already configured for mirrored
// writes) as a Table of the given width.
func NewTable(disk *DiskSlice, fatType FatType) *Table {
	es := 2
	if fatType == FAT32 {
		es = 4
	}
	return &Table{disk: disk, fatType: fatType, entrySize: es}
}

// ReadEntry returns the raw value of cluster's FAT entry, masked to the
// usable bits for FAT32 (upper 4 bits reserved).
func (t *Table) ReadEntry(cluster uint32) (uint32, error) {
	switch t.fatType {
	case FAT12:
		return t.readFAT12(cluster)
	case FAT16:
		var buf [2]byte
		if err := t.readAt(int64(cluster)*2, buf[:]); err != nil {
			return 0, err
		}
		return uint32(binary.LittleEndian.Uint16(buf[:])), nil
	default:
		var buf [4]byte
		if err := t.readAt(int64(cluster)*4, buf[:]); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint32(buf[:]) & 0x0FFFFFFF, nil
	}
}

// WriteEntry stores value into cluster's FAT entry, fanning the write out
// to every FAT mirror (DiskSlice's job), preserving FAT32's reserved
// upper 4 bits of the existing on-disk value.
func (t *Table) WriteEntry(cluster uint32, value uint32) error {
	switch t.fatType {
	case FAT12:
		return t.writeFAT12(cluster, value)
	case FAT16:
		var buf [2]byte
		binary.LittleEndian.PutUint16(buf[:], uint16(value))
		return t.writeAt(int64(cluster)*2, buf[:])
	default:
		var old [4]byte
		if err := t.readAt(int64(cluster)*4, old[:]); err != nil {
			return err
		}
		reserved := binary.LittleEndian.Uint32(old[:]) & 0xF0000000
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], (value&0x0FFFFFFF)|reserved)
		return t.writeAt(int64(cluster)*4, buf[:])
	}
}

func (t *Table) readFAT12(cluster uint32) (uint32, error) {
	byteOff := cluster + cluster/2
	var buf [2]byte
	if err := t.readAt(int64(byteOff), buf[:]); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(buf[:])
	if cluster%2 == 0 {
		return uint32(v & 0x0FFF), nil
	}
	return uint32(v >> 4), nil
}

func (t *Table) writeFAT12(cluster uint32, value uint32) error {
	byteOff := cluster + cluster/2
	var buf [2]byte
	if err := t.readAt(int64(byteOff), buf[:]); err != nil {
		return err
	}
	old := binary.LittleEndian.Uint16(buf[:])
	var nv uint16
	if cluster%2 == 0 {
		nv = (old & 0xF000) | uint16(value&0x0FFF)
	} else {
		nv = (old & 0x000F) | uint16((value&0x0FFF)<<4)
	}
	binary.LittleEndian.PutUint16(buf[:], nv)
	return t.writeAt(int64(byteOff), buf[:])
}

func (t *Table) readAt(off int64, buf []byte) error {
	if _, err := t.disk.Seek(off, io.SeekStart); err != nil {
		return kerrors.Wrap("fat.Table.readAt", "fat", err)
	}
	if _, err := io.ReadFull(t.disk, buf); err != nil {
		return kerrors.Wrap("fat.Table.readAt", "fat", err)
	}
	return nil
}

func (t *Table) writeAt(off int64, buf []byte) error {
	if _, err := t.disk.Seek(off, io.SeekStart); err != nil {
		return kerrors.Wrap("fat.Table.writeAt", "fat", err)
	}
	if _, err := t.disk.Write(buf); err != nil {
		return kerrors.Wrap("fat.Table.writeAt", "fat", err)
	}
	return nil
}

// ClusterIter walks a cluster chain from a starting cluster until an
// end-of-chain marker.
type ClusterIter struct {
	t       *Table
	current uint32
	done    bool
}

// NewClusterIter returns an iterator positioned at start; the first Next
// call returns start itself.
func (t *Table) NewClusterIter(start uint32) *ClusterIter {
	return &ClusterIter{t: t, current: start}
}

// Next returns the next cluster in the chain and true, or (0, false) once
// the chain has ended.
func (it *ClusterIter) Next() (uint32, bool, error) {
	if it.done {
		return 0, false, nil
	}
	cur := it.current
	raw, err := it.t.ReadEntry(cur)
	if err != nil {
		return 0, false, err
	}
	if it.t.fatType.IsEOC(raw) || it.t.fatType.IsFree(raw) {
		it.done = true
	} else {
		it.current = raw
	}
	return cur, true, nil
}

// Truncate marks the iterator's current cluster as EOC and frees every
// cluster after it in the chain, returning the number of clusters freed
// so the caller can maintain the free-count cache.
func (it *ClusterIter) Truncate() (int, error) {
	raw, err := it.t.ReadEntry(it.current)
	if err != nil {
		return 0, err
	}
	if err := it.t.WriteEntry(it.current, it.t.fatType.eocWriteValue()); err != nil {
		return 0, err
	}
	if it.t.fatType.IsEOC(raw) || it.t.fatType.IsFree(raw) {
		return 0, nil
	}
	return it.t.freeChain(raw)
}

// Free frees the entire remaining chain starting at the iterator's
// current cluster, returning the number of clusters freed.
func (it *ClusterIter) Free() (int, error) {
	return it.t.freeChain(it.current)
}

// freeChain walks from start to EOC, zeroing every entry, and returns the
// count of clusters freed.
func (t *Table) freeChain(start uint32) (int, error) {
	n := 0
	cur := start
	for {
		raw, err := t.ReadEntry(cur)
		if err != nil {
			return n, err
		}
		if err := t.WriteEntry(cur, freeEntry); err != nil {
			return n, err
		}
		n++
		if t.fatType.IsEOC(raw) || t.fatType.IsFree(raw) {
			break
		}
		cur = raw
	}
	return n, nil
}

// AllocCluster scans from hint forward (wrapping at total+2) for the
// first free entry, marks it EOC, and — if prev is non-nil — patches
// prev's entry to point at the new cluster. zero, when non-nil, is the
// data layer's hook for wiping the new cluster's contents; it runs after
// the EOC mark but before the cluster becomes reachable through prev, so
// an interrupted zeroing leaves an orphaned cluster rather than garbage
// visible in a chain. Returns the newly allocated cluster number and
// updates *nextFree to new+1 for FSInfo maintenance.
func (t *Table) AllocCluster(prev *uint32, hint uint32, total uint32, nextFree *uint32, zero func(cluster uint32) error) (uint32, error) {
	first := hint
	if first < reservedClusters || first > total+reservedClusters-1 {
		first = reservedClusters
	}
	limit := total + reservedClusters
	cluster := first
	for i := uint32(0); i < total; i++ {
		raw, err := t.ReadEntry(cluster)
		if err != nil {
			return 0, err
		}
		if t.fatType.IsFree(raw) {
			if err := t.WriteEntry(cluster, t.fatType.eocWriteValue()); err != nil {
				return 0, err
			}
			if zero != nil {
				if err := zero(cluster); err != nil {
					return 0, err
				}
			}
			if prev != nil {
				if err := t.WriteEntry(*prev, cluster); err != nil {
					return 0, err
				}
			}
			*nextFree = cluster + 1
			if *nextFree >= limit {
				*nextFree = reservedClusters
			}
			return cluster, nil
		}
		cluster++
		if cluster >= limit {
			cluster = reservedClusters
		}
	}
	return 0, kerrors.New("fat.Table.AllocCluster", "fat", kerrors.CodeIoError, "no free cluster")
}

// StatusFlags decodes the dirty/io_error bits from FAT entry 1's status
// word.
func (t *Table) StatusFlags() (dirty, ioError bool, err error) {
	raw, err := t.ReadEntry(1)
	if err != nil {
		return false, false, err
	}
	return raw&StatusDirty != 0, raw&StatusIOError != 0, nil
}

// SetStatusFlags writes the dirty/io_error bits into FAT entry 1,
// preserving the rest of the entry's reserved bits.
func (t *Table) SetStatusFlags(dirty, ioError bool) error {
	raw, err := t.ReadEntry(1)
	if err != nil {
		return err
	}
	raw &^= StatusDirty | StatusIOError
	if dirty {
		raw |= StatusDirty
	}
	if ioError {
		raw |= StatusIOError
	}
	return t.WriteEntry(1, raw)
}
