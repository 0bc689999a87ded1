package fat

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coliar/gungnir-go/blockdev"
	"github.com/coliar/gungnir-go/bufstream"
	"github.com/coliar/gungnir-go/executor"
)

func newBufStream(t *testing.T, dev blockdev.BlockDevice) *bufstream.BufStream {
	t.Helper()
	return bufstream.New(context.Background(), dev)
}

func newTestVolume(t *testing.T, numBlocks int, cfg FormatConfig) (*FileSystem, blockdev.BlockDevice) {
	t.Helper()
	dev := blockdev.NewMockBlockDevice(numBlocks, 512)
	ctx := context.Background()
	require.NoError(t, Format(ctx, dev, cfg))
	fs, err := Mount(ctx, dev, nil)
	require.NoError(t, err)
	return fs, dev
}

func readBlock(t *testing.T, dev blockdev.BlockDevice, addr uint32) []byte {
	t.Helper()
	buf := make([]byte, dev.BlockSize())
	_, err := executor.Await(context.Background(), dev.Read(addr, buf))
	require.NoError(t, err)
	return buf
}

func TestMountFAT16Geometry(t *testing.T) {
	// 32 MiB volume lands in FAT16 territory.
	fs, _ := newTestVolume(t, 65536, FormatConfig{Label: "TESTVOL"})
	require.Equal(t, FAT16, fs.FatType())
	require.GreaterOrEqual(t, fs.TotalClusters(), uint32(4085))
	require.Less(t, fs.TotalClusters(), uint32(65525))
}

func TestMountFAT12SmallVolume(t *testing.T) {
	// 2 MiB volume: well under the FAT12/16 threshold.
	fs, _ := newTestVolume(t, 4096, FormatConfig{})
	require.Equal(t, FAT12, fs.FatType())
	require.Less(t, fs.TotalClusters(), uint32(4085))
}

func TestMountFAT32Volume(t *testing.T) {
	// 64 MiB with 1-sector clusters crosses the FAT32 threshold.
	fs, _ := newTestVolume(t, 131072, FormatConfig{SectorsPerCluster: 1})
	require.Equal(t, FAT32, fs.FatType())
	require.GreaterOrEqual(t, fs.TotalClusters(), uint32(65525))
	require.True(t, fs.fsInfoValid)
	require.EqualValues(t, fs.totalClusters-1, fs.fsInfo.FreeClusters)
}

func TestMountRejectsBadSignature(t *testing.T) {
	dev := blockdev.NewMockBlockDevice(4096, 512)
	ctx := context.Background()
	require.NoError(t, Format(ctx, dev, FormatConfig{}))

	blk := readBlock(t, dev, 0)
	blk[offBootSig] = 0
	_, err := executor.Await(ctx, dev.Write(0, blk))
	require.NoError(t, err)

	_, err = Mount(ctx, dev, nil)
	require.Error(t, err)
}

func TestDirtyFlagDiscipline(t *testing.T) {
	fs, dev := newTestVolume(t, 65536, FormatConfig{})

	// Clean after format: the FAT12/16 status byte is clear.
	require.Zero(t, readBlock(t, dev, 0)[offDirtyFlag1216]&StatusDirty)

	f, err := fs.CreateFile("DIRTY.BIN")
	require.NoError(t, err)
	_, err = f.Write([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// Before unmount, the on-disk dirty bit is visible.
	require.EqualValues(t, StatusDirty, readBlock(t, dev, 0)[offDirtyFlag1216]&StatusDirty)
	dirty, _, err := fs.table.StatusFlags()
	require.NoError(t, err)
	require.True(t, dirty)

	require.NoError(t, fs.Unmount())
	require.Zero(t, readBlock(t, dev, 0)[offDirtyFlag1216]&StatusDirty)
	dirty, _, err = fs.table.StatusFlags()
	require.NoError(t, err)
	require.False(t, dirty)
}

func TestFSInfoDistrustedAfterUncleanShutdown(t *testing.T) {
	fs, dev := newTestVolume(t, 131072, FormatConfig{SectorsPerCluster: 1})

	// Dirty the volume, then "lose power": remount without Unmount.
	f, err := fs.CreateFile("CRASH.BIN")
	require.NoError(t, err)
	_, err = f.Write(make([]byte, 600))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// Sabotage the FSInfo free count; a clean mount would trust it.
	blk := readBlock(t, dev, 1)
	binary.LittleEndian.PutUint32(blk[offFSIFreeCnt:], 7)
	ctx := context.Background()
	_, err = executor.Await(ctx, dev.Write(1, blk))
	require.NoError(t, err)

	remounted, err := Mount(ctx, dev, nil)
	require.NoError(t, err)
	require.True(t, remounted.fsInfoValid)
	// The count was recomputed by scan, not believed: file + root dir
	// consumed clusters from the formatted total.
	require.NotEqualValues(t, 7, remounted.fsInfo.FreeClusters)
	require.Less(t, remounted.fsInfo.FreeClusters, remounted.totalClusters)
}

func TestFSInfoImplausibleValuesRebuilt(t *testing.T) {
	fs, dev := newTestVolume(t, 131072, FormatConfig{SectorsPerCluster: 1})
	require.NoError(t, fs.Unmount())

	// Free count above total clusters is impossible; mount must rebuild.
	blk := readBlock(t, dev, 1)
	binary.LittleEndian.PutUint32(blk[offFSIFreeCnt:], 0xFFFFFFFF)
	ctx := context.Background()
	_, err := executor.Await(ctx, dev.Write(1, blk))
	require.NoError(t, err)

	remounted, err := Mount(ctx, dev, nil)
	require.NoError(t, err)
	require.True(t, remounted.fsInfoValid)
	require.LessOrEqual(t, remounted.fsInfo.FreeClusters, remounted.totalClusters)
}

func TestDiskSliceBoundsAndMirrors(t *testing.T) {
	dev := blockdev.NewMockBlockDevice(16, 512)
	bs := newBufStream(t, dev)

	slice := NewDiskSlice(bs, 512, 1024, 2)

	payload := []byte("mirrored payload")
	_, err := slice.Seek(10, io.SeekStart)
	require.NoError(t, err)
	n, err := slice.Write(payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.NoError(t, bs.Flush())

	for _, base := range []int64{512, 512 + 1024} {
		buf := make([]byte, len(payload))
		_, err = bs.Seek(base+10, io.SeekStart)
		require.NoError(t, err)
		_, err = io.ReadFull(bs, buf)
		require.NoError(t, err)
		require.Equal(t, payload, buf)
	}

	// Writes and seeks past the slice bounds are rejected.
	_, err = slice.Seek(1020, io.SeekStart)
	require.NoError(t, err)
	_, err = slice.Write(payload)
	require.Error(t, err)
	_, err = slice.Seek(2000, io.SeekStart)
	require.Error(t, err)
}

func TestFAT32RootDirGrowthZeroesNewCluster(t *testing.T) {
	dev := blockdev.NewMockBlockDevice(131072, 512)
	ctx := context.Background()

	// Litter the whole device with bytes that would decode as live 8.3
	// entries if a grown root-directory cluster came back unzeroed.
	junk := make([]byte, 512*1024)
	for i := range junk {
		junk[i] = 0x41
	}
	for blk := 0; blk < 131072; blk += 1024 {
		_, err := executor.Await(ctx, dev.Write(uint32(blk), junk))
		require.NoError(t, err)
	}

	require.NoError(t, Format(ctx, dev, FormatConfig{SectorsPerCluster: 1}))
	fs, err := Mount(ctx, dev, nil)
	require.NoError(t, err)
	require.Equal(t, FAT32, fs.FatType())

	// 16 entries fill a 512-byte root cluster; 20 force a second one.
	names := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		name := fmt.Sprintf("F%02d.TXT", i)
		f, err := fs.CreateFile(name)
		require.NoError(t, err)
		require.NoError(t, f.Close())
		names = append(names, name)
	}

	entries, err := fs.ReadRootDir()
	require.NoError(t, err)
	require.Len(t, entries, 20)
	got := make([]string, 0, len(entries))
	for _, e := range entries {
		got = append(got, e.Name)
	}
	require.ElementsMatch(t, names, got)

	// The grown cluster still looks up correctly after a remount.
	require.NoError(t, fs.Unmount())
	fs2, err := Mount(ctx, dev, nil)
	require.NoError(t, err)
	_, err = fs2.OpenFile("F19.TXT", OpenOptions{})
	require.NoError(t, err)
}

func TestRootDirListAndRemove(t *testing.T) {
	fs, _ := newTestVolume(t, 65536, FormatConfig{})

	for _, name := range []string{"ONE.TXT", "TWO.TXT", "THREE.TXT"} {
		f, err := fs.CreateFile(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(name))
		require.NoError(t, err)
		require.NoError(t, f.Close())
	}

	entries, err := fs.ReadRootDir()
	require.NoError(t, err)
	require.Len(t, entries, 3)

	_, err = fs.CreateFile("one.txt")
	require.Error(t, err, "8.3 names are case-insensitive, duplicate must be rejected")

	free1, err := fs.FreeClusters()
	require.NoError(t, err)
	require.NoError(t, fs.Remove("TWO.TXT"))
	free2, err := fs.FreeClusters()
	require.NoError(t, err)
	require.Equal(t, free1+1, free2)

	entries, err = fs.ReadRootDir()
	require.NoError(t, err)
	require.Len(t, entries, 2)

	_, err = fs.OpenFile("TWO.TXT", OpenOptions{})
	require.Error(t, err)
}
