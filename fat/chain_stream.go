package fat

import (
	"io"

	"github.com/coliar/gungnir-go/kerrors"
)

// clusterChainStream presents a cluster chain as an io.ReadWriteSeeker:
// the byte stream a FAT32 root directory (or any subdirectory) lives in.
// Reads stop at end of chain; writes extend the chain by allocating a new
// cluster and splicing it in, the same grow-on-demand behavior File.Write
// has for file data.
type clusterChainStream struct {
	fs    *FileSystem
	first uint32
	pos   int64
}

func newClusterChainStream(fs *FileSystem, firstCluster uint32) *clusterChainStream {
	return &clusterChainStream{fs: fs, first: firstCluster}
}

func (s *clusterChainStream) Seek(offset int64, whence int) (int64, error) {
	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = s.pos + offset
	default:
		return 0, kerrors.New("fat.chainStream.Seek", "fat", kerrors.CodeInvalidInput, "bad whence")
	}
	if newPos < 0 {
		return 0, kerrors.New("fat.chainStream.Seek", "fat", kerrors.CodeInvalidInput, "negative offset")
	}
	s.pos = newPos
	return newPos, nil
}

// nthCluster walks n links into the chain, returning the cluster reached
// and ok=false if the chain ends first (along with the last cluster seen,
// for callers that want to extend from there).
func (s *clusterChainStream) nthCluster(n int64) (cluster, last uint32, ok bool, err error) {
	if s.first == 0 {
		return 0, 0, false, nil
	}
	cur := s.first
	for i := int64(0); i < n; i++ {
		raw, err := s.fs.table.ReadEntry(cur)
		if err != nil {
			return 0, cur, false, err
		}
		if s.fs.fatType.IsEOC(raw) || s.fs.fatType.IsFree(raw) {
			return 0, cur, false, nil
		}
		cur = raw
	}
	return cur, cur, true, nil
}

func (s *clusterChainStream) Read(p []byte) (int, error) {
	cs := s.fs.clusterSize()
	total := 0
	for total < len(p) {
		cluster, _, ok, err := s.nthCluster(s.pos / cs)
		if err != nil {
			return total, err
		}
		if !ok {
			if total == 0 {
				return 0, io.EOF
			}
			return total, nil
		}
		inCluster := s.pos % cs
		n := int64(len(p) - total)
		if n > cs-inCluster {
			n = cs - inCluster
		}
		abs := s.fs.clusterOffset(cluster) + inCluster
		if _, err := s.fs.bs.Seek(abs, io.SeekStart); err != nil {
			return total, err
		}
		if _, err := io.ReadFull(s.fs.bs, p[total:total+int(n)]); err != nil {
			return total, kerrors.Wrap("fat.chainStream.Read", "fat", err)
		}
		s.pos += n
		total += int(n)
	}
	return total, nil
}

func (s *clusterChainStream) Write(p []byte) (int, error) {
	cs := s.fs.clusterSize()
	total := 0
	for total < len(p) {
		cluster, last, ok, err := s.nthCluster(s.pos / cs)
		if err != nil {
			return total, err
		}
		if !ok {
			// Chain streams carry directories, and a directory reader
			// scans the whole cluster for the end-of-entries marker:
			// grown clusters must come back zeroed.
			cluster, err = s.fs.allocCluster(last, true)
			if err != nil {
				return total, err
			}
			if s.first == 0 {
				s.first = cluster
			}
		}
		inCluster := s.pos % cs
		n := int64(len(p) - total)
		if n > cs-inCluster {
			n = cs - inCluster
		}
		abs := s.fs.clusterOffset(cluster) + inCluster
		if _, err := s.fs.bs.Seek(abs, io.SeekStart); err != nil {
			return total, err
		}
		if _, err := s.fs.bs.Write(p[total : total+int(n)]); err != nil {
			return total, kerrors.Wrap("fat.chainStream.Write", "fat", err)
		}
		s.pos += n
		total += int(n)
	}
	return total, nil
}

var _ io.ReadWriteSeeker = (*clusterChainStream)(nil)
