// Package fat implements a FAT12/16/32 filesystem over any
// blockdev.BlockDevice, layered on bufstream.BufStream for byte-level
// I/O: the allocation table, volume mount/unmount, the root directory,
// and file read/write/seek/truncate against a cluster chain.
package fat

import (
	"context"
	"io"
	"sync"

	"github.com/coliar/gungnir-go/blockdev"
	"github.com/coliar/gungnir-go/bufstream"
	"github.com/coliar/gungnir-go/kerrors"
	"github.com/coliar/gungnir-go/klog"
)

// DiskSlice presents a byte range of the underlying device, starting at
// byteOffset, as an io.ReadWriteSeeker, fanning every Write out to
// mirrorCount equally-sized, equally-spaced copies — the shape both the
// FAT region (NumFATs mirrors) and a plain data region (one mirror, i.e.
// no fan-out) need.
type DiskSlice struct {
	bs          *bufstream.BufStream
	byteOffset  int64
	regionSize  int64
	mirrorCount int
	pos         int64
}

// NewDiskSlice returns a slice of the device starting at byteOffset,
// regionSize bytes wide, writing through to mirrorCount copies spaced
// regionSize bytes apart (mirrorCount==1 disables mirroring).
func NewDiskSlice(bs *bufstream.BufStream, byteOffset, regionSize int64, mirrorCount int) *DiskSlice {
	if mirrorCount < 1 {
		mirrorCount = 1
	}
	return &DiskSlice{bs: bs, byteOffset: byteOffset, regionSize: regionSize, mirrorCount: mirrorCount}
}

func (d *DiskSlice) Seek(offset int64, whence int) (int64, error) {
	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = d.pos + offset
	case io.SeekEnd:
		newPos = d.regionSize + offset
	default:
		return 0, kerrors.New("fat.DiskSlice.Seek", "fat", kerrors.CodeInvalidInput, "bad whence")
	}
	if newPos < 0 || newPos > d.regionSize {
		return 0, kerrors.New("fat.DiskSlice.Seek", "fat", kerrors.CodeInvalidInput, "seek out of slice bounds")
	}
	d.pos = newPos
	return newPos, nil
}

func (d *DiskSlice) Read(p []byte) (int, error) {
	if d.pos+int64(len(p)) > d.regionSize {
		return 0, kerrors.New("fat.DiskSlice.Read", "fat", kerrors.CodeInvalidInput, "read past slice end")
	}
	if _, err := d.bs.Seek(d.byteOffset+d.pos, io.SeekStart); err != nil {
		return 0, err
	}
	n, err := io.ReadFull(d.bs, p)
	d.pos += int64(n)
	return n, err
}

// Write writes p at the current position in every mirror copy.
func (d *DiskSlice) Write(p []byte) (int, error) {
	if d.pos+int64(len(p)) > d.regionSize {
		return 0, kerrors.New("fat.DiskSlice.Write", "fat", kerrors.CodeInvalidInput, "write past slice end")
	}
	for i := 0; i < d.mirrorCount; i++ {
		abs := d.byteOffset + int64(i)*d.regionSize + d.pos
		if _, err := d.bs.Seek(abs, io.SeekStart); err != nil {
			return 0, err
		}
		if _, err := d.bs.Write(p); err != nil {
			return 0, err
		}
	}
	d.pos += int64(len(p))
	return len(p), nil
}

// FSInfo is the FAT32 free-cluster hint sector: a cached free-cluster
// count and next-free hint, both advisory and re-derivable by a full
// scan if found implausible at mount.
type FSInfo struct {
	FreeClusters uint32
	NextFree     uint32
}

const (
	fsInfoLeadSig  = 0x41615252
	fsInfoStrucSig = 0x61417272
	fsInfoTrailSig = 0xAA550000
	offFSILeadSig  = 0
	offFSIStrucSig = 484
	offFSIFreeCnt  = 488
	offFSINextFree = 492
	offFSITrailSig = 508
)

// parseFSInfo decodes an FSInfo sector, returning ok=false (not an error)
// when signatures don't validate — FSInfo is a cached hint, never
// authoritative, so the caller self-heals by falling back to a full
// scan instead of failing the mount.
func parseFSInfo(sector []byte) (FSInfo, bool) {
	if len(sector) < bootSectorSize {
		return FSInfo{}, false
	}
	le32 := func(off int) uint32 {
		return uint32(sector[off]) | uint32(sector[off+1])<<8 | uint32(sector[off+2])<<16 | uint32(sector[off+3])<<24
	}
	if le32(offFSILeadSig) != fsInfoLeadSig || le32(offFSIStrucSig) != fsInfoStrucSig || le32(offFSITrailSig) != fsInfoTrailSig {
		return FSInfo{}, false
	}
	return FSInfo{FreeClusters: le32(offFSIFreeCnt), NextFree: le32(offFSINextFree)}, true
}

func encodeFSInfo(info FSInfo) []byte {
	sector := make([]byte, bootSectorSize)
	put32 := func(off int, v uint32) {
		sector[off] = byte(v)
		sector[off+1] = byte(v >> 8)
		sector[off+2] = byte(v >> 16)
		sector[off+3] = byte(v >> 24)
	}
	put32(offFSILeadSig, fsInfoLeadSig)
	put32(offFSIStrucSig, fsInfoStrucSig)
	put32(offFSIFreeCnt, info.FreeClusters)
	put32(offFSINextFree, info.NextFree)
	put32(offFSITrailSig, fsInfoTrailSig)
	return sector
}

// FileSystem is a mounted FAT volume: the decoded BPB, the FAT table
// (and its mirrors), the root directory location, and (FAT32 only) the
// FSInfo cache, guarded by a single mutex — this kernel never runs more
// than one filesystem operation concurrently against a volume.
type FileSystem struct {
	mu sync.Mutex

	ctx context.Context
	dev blockdev.BlockDevice
	bs  *bufstream.BufStream
	log *klog.Logger

	bpb       BPB
	fatType   FatType
	table     *Table
	dataStart int64 // byte offset of cluster 2
	totalClusters uint32

	fsInfoOffset int64 // byte offset of FSInfo sector, FAT32 only
	fsInfo       FSInfo
	fsInfoValid  bool

	rootDirOffset int64 // FAT12/16: byte offset of fixed root dir region
	rootDirSize   int64 // FAT12/16: byte length of fixed root dir region
	rootCluster   uint32 // FAT32: first cluster of root directory

	codepage OEMCodepage
	nowFn    func() DateTime

	dirtySet bool // this session has marked the volume dirty
}

// Mount reads the boot sector (and, for FAT32, the FSInfo sector) from
// dev and returns a mounted FileSystem.
func Mount(ctx context.Context, dev blockdev.BlockDevice, log *klog.Logger) (*FileSystem, error) {
	bs := bufstream.New(ctx, dev)
	boot := make([]byte, bootSectorSize)
	if _, err := bs.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(bs, boot); err != nil {
		return nil, kerrors.Wrap("fat.Mount", "fat", err)
	}
	bpb, err := ParseBPB(boot)
	if err != nil {
		return nil, err
	}

	fatBytes := int64(bpb.FATSize) * int64(bpb.BytesPerSector)
	fatOffset := int64(bpb.ReservedSectors) * int64(bpb.BytesPerSector)
	tableDisk := NewDiskSlice(bs, fatOffset, fatBytes, int(bpb.MirroredFATs()))

	rootDirSectors := bpb.RootDirSectors()
	dataStartSector := int64(bpb.ReservedSectors) + int64(bpb.NumFATs)*int64(bpb.FATSize) + int64(rootDirSectors)
	dataSectors := int64(bpb.TotalSectors) - dataStartSector
	totalClusters := uint32(dataSectors / int64(bpb.SectorsPerCluster))

	fatType := DeriveFatType(totalClusters)
	table := NewTable(tableDisk, fatType)

	fs := &FileSystem{
		ctx:           ctx,
		dev:           dev,
		bs:            bs,
		log:           log,
		bpb:           bpb,
		fatType:       fatType,
		table:         table,
		dataStart:     dataStartSector * int64(bpb.BytesPerSector),
		totalClusters: totalClusters,
		codepage:      DefaultOEMCodepage(),
	}

	// The boot-sector dirty byte survives a crashed session; when set, the
	// FSInfo free count is stale and must be recomputed rather than
	// trusted.
	uncleanShutdown := boot[fs.dirtyByteOffset()]&StatusDirty != 0
	if uncleanShutdown && log != nil {
		log.Warn("volume dirty flag set at mount, previous session did not unmount cleanly")
	}

	if fatType == FAT32 {
		fs.rootCluster = bpb.RootCluster
		fs.fsInfoOffset = int64(bpb.FSInfoSector) * int64(bpb.BytesPerSector)
		sector := make([]byte, bootSectorSize)
		if _, err := bs.Seek(fs.fsInfoOffset, io.SeekStart); err == nil {
			if _, err := io.ReadFull(bs, sector); err == nil {
				if info, ok := parseFSInfo(sector); ok && !uncleanShutdown &&
					info.FreeClusters != 0xFFFFFFFF && info.FreeClusters <= totalClusters &&
					info.NextFree != 0xFFFFFFFF && info.NextFree <= totalClusters+reservedClusters {
					fs.fsInfo = info
					fs.fsInfoValid = true
				}
			}
		}
		if !fs.fsInfoValid {
			if log != nil {
				log.Warn("fsinfo implausible or unreadable, rebuilding by scan")
			}
			if err := fs.rebuildFSInfo(); err != nil {
				return nil, err
			}
		}
	} else {
		fs.rootDirOffset = (fatOffset + int64(bpb.NumFATs)*fatBytes)
		fs.rootDirSize = int64(rootDirSectors) * int64(bpb.BytesPerSector)
	}

	return fs, nil
}

// dirtyByteOffset returns the absolute byte offset of the boot-sector
// dirty flag byte: 0x041 on FAT32, 0x025 on FAT12/16.
func (fs *FileSystem) dirtyByteOffset() int64 {
	if fs.fatType == FAT32 {
		return offDirtyFlag32
	}
	return offDirtyFlag1216
}

// markDirtyLocked sets the dirty bit — in FAT entry 1 and as the single
// boot-sector status byte, never a full boot-sector rewrite — before the
// first write of a session. It is idempotent per mounted session.
func (fs *FileSystem) markDirtyLocked() error {
	if fs.dirtySet {
		return nil
	}
	if err := fs.writeDirtyByte(true); err != nil {
		return err
	}
	if err := fs.table.SetStatusFlags(true, false); err != nil {
		return err
	}
	if err := fs.bs.Flush(); err != nil {
		return err
	}
	fs.dirtySet = true
	return nil
}

func (fs *FileSystem) writeDirtyByte(set bool) error {
	off := fs.dirtyByteOffset()
	if _, err := fs.bs.Seek(off, io.SeekStart); err != nil {
		return err
	}
	var b [1]byte
	if _, err := io.ReadFull(fs.bs, b[:]); err != nil {
		return kerrors.Wrap("fat.writeDirtyByte", "fat", err)
	}
	if set {
		b[0] |= StatusDirty
	} else {
		b[0] &^= StatusDirty
	}
	if _, err := fs.bs.Seek(off, io.SeekStart); err != nil {
		return err
	}
	_, err := fs.bs.Write(b[:])
	return err
}

// SetClock installs the date/time provider directory-entry timestamps
// are taken from; absent one, timestamps stay at the DOS epoch. The
// provider itself belongs to the board support layer.
func (fs *FileSystem) SetClock(fn func() DateTime) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.nowFn = fn
}

func (fs *FileSystem) now() DateTime {
	if fs.nowFn != nil {
		return fs.nowFn()
	}
	return DateTime{Year: 1980, Month: 1, Day: 1}
}

// rebuildFSInfo does a full FAT scan to recompute the free-cluster count
// and next-free hint, used when the on-disk FSInfo sector fails
// plausibility checks at mount.
func (fs *FileSystem) rebuildFSInfo() error {
	free := uint32(0)
	next := uint32(reservedClusters)
	found := false
	for c := uint32(reservedClusters); c < fs.totalClusters+reservedClusters; c++ {
		raw, err := fs.table.ReadEntry(c)
		if err != nil {
			return err
		}
		if fs.fatType.IsFree(raw) {
			free++
			if !found {
				next = c
				found = true
			}
		}
	}
	fs.fsInfo = FSInfo{FreeClusters: free, NextFree: next}
	fs.fsInfoValid = true
	return fs.flushFSInfo()
}

func (fs *FileSystem) flushFSInfo() error {
	if fs.fatType != FAT32 {
		return nil
	}
	if _, err := fs.bs.Seek(fs.fsInfoOffset, io.SeekStart); err != nil {
		return err
	}
	_, err := fs.bs.Write(encodeFSInfo(fs.fsInfo))
	return err
}

// Unmount clears the dirty flag and flushes cached state. Callers should
// invoke this on orderly shutdown; an unclean power-loss leaves the
// dirty flag set for the next Mount to observe.
func (fs *FileSystem) Unmount() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.dirtySet {
		if err := fs.flushFSInfo(); err != nil {
			return err
		}
		if err := fs.table.SetStatusFlags(false, false); err != nil {
			return err
		}
		if err := fs.writeDirtyByte(false); err != nil {
			return err
		}
		fs.dirtySet = false
	}
	return fs.bs.Flush()
}

// clusterOffset returns the byte offset of cluster's first byte in the
// data region.
func (fs *FileSystem) clusterOffset(cluster uint32) int64 {
	clusterBytes := int64(fs.bpb.SectorsPerCluster) * int64(fs.bpb.BytesPerSector)
	return fs.dataStart + int64(cluster-reservedClusters)*clusterBytes
}

func (fs *FileSystem) clusterSize() int64 {
	return int64(fs.bpb.SectorsPerCluster) * int64(fs.bpb.BytesPerSector)
}

// allocCluster allocates a free cluster, chaining it after prev (if
// nonzero) and updating the FSInfo free-cluster hint. When zero is set
// the cluster's data is zeroed on disk before it is returned — required
// for directory growth, where a reader scans the whole cluster for the
// end-of-entries marker and must not decode stale device contents as
// live entries. File data skips the zeroing; the caller overwrites it.
func (fs *FileSystem) allocCluster(prev uint32, zero bool) (uint32, error) {
	var prevPtr *uint32
	if prev != 0 {
		prevPtr = &prev
	}
	hint := reservedClusters
	if fs.fatType == FAT32 && fs.fsInfoValid {
		hint = int(fs.fsInfo.NextFree)
	}
	var zeroFn func(cluster uint32) error
	if zero {
		zeroFn = fs.zeroCluster
	}
	next := uint32(0)
	c, err := fs.table.AllocCluster(prevPtr, uint32(hint), fs.totalClusters, &next, zeroFn)
	if err != nil {
		return 0, err
	}
	if fs.fatType == FAT32 && fs.fsInfoValid {
		if fs.fsInfo.FreeClusters > 0 {
			fs.fsInfo.FreeClusters--
		}
		fs.fsInfo.NextFree = next
		_ = fs.flushFSInfo()
	}
	return c, nil
}

// zeroCluster writes zeros over cluster's entire data region.
func (fs *FileSystem) zeroCluster(cluster uint32) error {
	if _, err := fs.bs.Seek(fs.clusterOffset(cluster), io.SeekStart); err != nil {
		return err
	}
	zero := make([]byte, fs.bpb.BytesPerSector)
	for i := uint8(0); i < fs.bpb.SectorsPerCluster; i++ {
		if _, err := fs.bs.Write(zero); err != nil {
			return kerrors.Wrap("fat.zeroCluster", "fat", err)
		}
	}
	return nil
}

// freeChainFrom frees every cluster from start to end of chain, updating
// the FSInfo free-cluster hint.
func (fs *FileSystem) freeChainFrom(start uint32) error {
	n, err := fs.table.freeChain(start)
	if err != nil {
		return err
	}
	if fs.fatType == FAT32 && fs.fsInfoValid {
		fs.fsInfo.FreeClusters += uint32(n)
		_ = fs.flushFSInfo()
	}
	return nil
}

// dirStream returns an io.ReadWriteSeeker over a directory's content:
// the fixed root region for FAT12/16's root, or a cluster-chain stream
// otherwise (FAT32 root, or any subdirectory — subdirectories are not
// yet exposed by this package's operation set, but the stream type
// itself is general).
func (fs *FileSystem) dirStream(firstCluster uint32) (io.ReadWriteSeeker, error) {
	if firstCluster == 0 && fs.fatType != FAT32 {
		return NewDiskSlice(fs.bs, fs.rootDirOffset, fs.rootDirSize, 1), nil
	}
	return newClusterChainStream(fs, firstCluster), nil
}

// RootDirStream exposes the root directory's byte stream for directory
// entry enumeration (see ReadRootDir).
func (fs *FileSystem) RootDirStream() (io.ReadWriteSeeker, error) {
	root := uint32(0)
	if fs.fatType == FAT32 {
		root = fs.rootCluster
	}
	return fs.dirStream(root)
}

// Lock/Unlock expose the filesystem-wide mutex to File so a read/write/
// seek/truncate sequence on one open file excludes another file's
// metadata update (e.g. a concurrent truncate freeing clusters this
// file's cluster chain still references). Operations interleave only at
// await points, but an operation spanning several awaits (grow a file
// across a cluster boundary) must still appear atomic to a concurrently
// scheduled task.
func (fs *FileSystem) Lock()   { fs.mu.Lock() }
func (fs *FileSystem) Unlock() { fs.mu.Unlock() }

// FatType returns the mounted volume's FAT entry width.
func (fs *FileSystem) FatType() FatType { return fs.fatType }

// ClusterSize returns the cluster size in bytes.
func (fs *FileSystem) ClusterSize() int64 { return fs.clusterSize() }

// TotalClusters returns the number of data clusters on the volume.
func (fs *FileSystem) TotalClusters() uint32 { return fs.totalClusters }

// FreeClusters returns the cached FSInfo free-cluster count (FAT32) or
// recounts by scanning the FAT (FAT12/16, where no FSInfo exists).
func (fs *FileSystem) FreeClusters() (uint32, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.fatType == FAT32 && fs.fsInfoValid {
		return fs.fsInfo.FreeClusters, nil
	}
	free := uint32(0)
	for c := uint32(reservedClusters); c < fs.totalClusters+reservedClusters; c++ {
		raw, err := fs.table.ReadEntry(c)
		if err != nil {
			return 0, err
		}
		if fs.fatType.IsFree(raw) {
			free++
		}
	}
	return free, nil
}

var _ io.ReadWriteSeeker = (*DiskSlice)(nil)
