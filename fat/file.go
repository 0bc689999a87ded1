package fat

import (
	"io"

	"github.com/coliar/gungnir-go/internal/constants"
	"github.com/coliar/gungnir-go/kerrors"
)

// OpenOptions controls per-handle behavior of an open File.
type OpenOptions struct {
	// UpdateAccessedDate touches the directory entry's accessed date on
	// every read.
	UpdateAccessedDate bool
}

// File is an open handle onto a cluster chain plus the directory entry
// describing it.
//
// Invariants, per the data model: offset == 0 iff currentCluster == 0;
// when offset is a nonzero multiple of the cluster size, currentCluster
// is the previous, fully consumed cluster; firstCluster == 0 iff the file
// is empty.
type File struct {
	fs   *FileSystem
	opts OpenOptions

	firstCluster   uint32
	currentCluster uint32
	offset         uint32
	entry          *DirEntryEditor
}

// OpenFile opens an existing file in the root directory by name.
func (fs *FileSystem) OpenFile(name string, opts OpenOptions) (*File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	entry, err := fs.lookupLocked(name)
	if err != nil {
		return nil, err
	}
	if entry.IsDir() {
		return nil, kerrors.New("fat.OpenFile", "fat", kerrors.CodeUnsupported, "is a directory")
	}
	return &File{fs: fs, opts: opts, firstCluster: entry.FirstCluster, entry: newDirEntryEditor(fs, entry)}, nil
}

// CreateFile creates a new empty file in the root directory and returns
// an open handle to it.
func (fs *FileSystem) CreateFile(name string) (*File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	entry, err := fs.createEntryLocked(name, AttrArchive)
	if err != nil {
		return nil, err
	}
	return &File{fs: fs, entry: newDirEntryEditor(fs, entry)}, nil
}

// Size returns the file's byte length as recorded in its directory entry.
func (f *File) Size() uint32 { return f.entry.Entry().Size }

// nextClusterLocked resolves the cluster the next read/write at a
// boundary should land on: firstCluster when no cluster has been
// consumed yet, otherwise the chain successor of currentCluster. Returns
// 0 at end of chain.
func (f *File) nextClusterLocked() (uint32, error) {
	if f.currentCluster == 0 {
		return f.firstCluster, nil
	}
	raw, err := f.fs.table.ReadEntry(f.currentCluster)
	if err != nil {
		return 0, err
	}
	if f.fs.fatType.IsEOC(raw) || f.fs.fatType.IsFree(raw) {
		return 0, nil
	}
	return raw, nil
}

// Read implements io.Reader against the cluster chain, per the component
// design: cluster-boundary advance, then a bounded copy out of the
// current cluster.
func (f *File) Read(p []byte) (int, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	total := 0
	for total < len(p) {
		n, err := f.readSomeLocked(p[total:])
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
		total += n
	}
	if total == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	if f.opts.UpdateAccessedDate && total > 0 {
		f.entry.setAccessed(f.fs.now())
	}
	return total, nil
}

func (f *File) readSomeLocked(p []byte) (int, error) {
	size := f.entry.Entry().Size
	if f.offset >= size {
		return 0, nil
	}
	cs := uint32(f.fs.clusterSize())
	offIn := f.offset % cs
	if offIn == 0 {
		next, err := f.nextClusterLocked()
		if err != nil {
			return 0, err
		}
		if next == 0 {
			return 0, nil
		}
		f.currentCluster = next
	}

	n := uint32(len(p))
	if n > cs-offIn {
		n = cs - offIn
	}
	if n > size-f.offset {
		n = size - f.offset
	}
	abs := f.fs.clusterOffset(f.currentCluster) + int64(offIn)
	if _, err := f.fs.bs.Seek(abs, io.SeekStart); err != nil {
		return 0, err
	}
	if _, err := io.ReadFull(f.fs.bs, p[:n]); err != nil {
		return 0, kerrors.Wrap("fat.File.Read", "fat", err)
	}
	f.offset += n
	return int(n), nil
}

// Write implements io.Writer: the same cluster-boundary logic as Read,
// but allocating and splicing a new cluster when the chain ends, marking
// the volume dirty before the first write, and updating the directory
// entry's size and modified time afterwards.
func (f *File) Write(p []byte) (int, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	if uint64(f.offset)+uint64(len(p)) > constants.MaxFileSize {
		return 0, kerrors.New("fat.File.Write", "fat", kerrors.CodeInvalidInput, "file size cap exceeded")
	}
	if len(p) == 0 {
		return 0, nil
	}
	if err := f.fs.markDirtyLocked(); err != nil {
		return 0, err
	}

	total := 0
	for total < len(p) {
		n, err := f.writeSomeLocked(p[total:])
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, kerrors.New("fat.File.Write", "fat", kerrors.CodeWriteZero, "no bytes written")
		}
		total += n
	}

	if f.offset > f.entry.Entry().Size {
		f.entry.setSize(f.offset)
	}
	f.entry.setModified(f.fs.now())
	return total, nil
}

func (f *File) writeSomeLocked(p []byte) (int, error) {
	cs := uint32(f.fs.clusterSize())
	offIn := f.offset % cs
	if offIn == 0 {
		next, err := f.nextClusterLocked()
		if err != nil {
			return 0, err
		}
		if next == 0 {
			next, err = f.fs.allocCluster(f.currentCluster, false)
			if err != nil {
				return 0, err
			}
			if f.firstCluster == 0 {
				f.firstCluster = next
				f.entry.setFirstCluster(next)
			}
		}
		f.currentCluster = next
	}

	n := uint32(len(p))
	if n > cs-offIn {
		n = cs - offIn
	}
	abs := f.fs.clusterOffset(f.currentCluster) + int64(offIn)
	if _, err := f.fs.bs.Seek(abs, io.SeekStart); err != nil {
		return 0, err
	}
	if _, err := f.fs.bs.Write(p[:n]); err != nil {
		return 0, kerrors.Wrap("fat.File.Write", "fat", err)
	}
	f.offset += n
	return int(n), nil
}

// Seek implements io.Seeker with checked arithmetic, clamping above at
// the file size (seeking past end silently truncates to size) and
// re-walking the cluster chain when the new offset lands in a different
// cluster.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	size := int64(f.entry.Entry().Size)
	var newOffset int64
	switch whence {
	case io.SeekStart:
		newOffset = offset
	case io.SeekCurrent:
		newOffset = int64(f.offset) + offset
	case io.SeekEnd:
		newOffset = size + offset
	default:
		return 0, kerrors.New("fat.File.Seek", "fat", kerrors.CodeInvalidInput, "bad whence")
	}
	if newOffset < 0 {
		return 0, kerrors.New("fat.File.Seek", "fat", kerrors.CodeInvalidInput, "seek before start")
	}
	if newOffset > size {
		newOffset = size
	}

	if newOffset == 0 {
		f.offset = 0
		f.currentCluster = 0
		return 0, nil
	}

	// The cluster holding byte newOffset-1 is the handle's current
	// cluster under both boundary cases of the offset invariant.
	cs := int64(f.fs.clusterSize())
	targetIdx := (newOffset - 1) / cs
	cur := f.firstCluster
	for i := int64(0); i < targetIdx; i++ {
		raw, err := f.fs.table.ReadEntry(cur)
		if err != nil {
			return 0, err
		}
		if f.fs.fatType.IsEOC(raw) || f.fs.fatType.IsFree(raw) {
			// Chain shorter than the recorded size; clamp to the end of
			// the last real cluster.
			newOffset = (i + 1) * cs
			break
		}
		cur = raw
	}
	f.offset = uint32(newOffset)
	f.currentCluster = cur
	return newOffset, nil
}

// Truncate cuts the file at the current offset: at offset 0 the whole
// chain is freed, otherwise the chain is cut after the current cluster
// (by the offset invariant, the last cluster still in use).
func (f *File) Truncate() error {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	if err := f.fs.markDirtyLocked(); err != nil {
		return err
	}
	if f.offset == 0 {
		if f.firstCluster != 0 {
			if err := f.fs.freeChainFrom(f.firstCluster); err != nil {
				return err
			}
		}
		f.firstCluster = 0
		f.currentCluster = 0
		f.entry.setFirstCluster(0)
	} else {
		it := f.fs.table.NewClusterIter(f.currentCluster)
		n, err := it.Truncate()
		if err != nil {
			return err
		}
		if f.fs.fatType == FAT32 && f.fs.fsInfoValid && n > 0 {
			f.fs.fsInfo.FreeClusters += uint32(n)
			_ = f.fs.flushFSInfo()
		}
	}
	f.entry.setSize(f.offset)
	f.entry.setModified(f.fs.now())
	return nil
}

// Flush writes any pending directory-entry changes and the underlying
// stream's resident block back to disk.
func (f *File) Flush() error {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if err := f.entry.Flush(); err != nil {
		return err
	}
	return f.fs.bs.Flush()
}

// Close flushes and releases the handle. Reaching Close with a dirty,
// unflushed directory entry is a programmer error in the caller's
// flushing discipline; it is logged and then repaired by flushing.
func (f *File) Close() error {
	if f.entry.Dirty() && f.fs.log != nil {
		f.fs.log.Debugf("file %q closed with unflushed dir entry", f.entry.Entry().Name)
	}
	return f.Flush()
}

var (
	_ io.Reader = (*File)(nil)
	_ io.Writer = (*File)(nil)
	_ io.Seeker = (*File)(nil)
)
