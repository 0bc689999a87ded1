// Package integration exercises the whole storage stack end to end: FAT
// filesystem over BufStream over the SDMMC completion-map adapter over a
// mock SD card, driven through the executor the way the shell task would
// drive it on hardware.
package integration

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coliar/gungnir-go/blockdev"
	"github.com/coliar/gungnir-go/fat"
	"github.com/coliar/gungnir-go/ports"
)

const (
	cardBlocks = 65536 // 32 MiB at 512-byte blocks
	blockSize  = 512
)

func newCard(t *testing.T) blockdev.BlockDevice {
	t.Helper()
	port := ports.NewMockSdmmc(cardBlocks, blockSize)
	return blockdev.NewSDMMC(port, blockdev.DefaultSDMMCConfig())
}

func TestFormatWriteRemountReadBack(t *testing.T) {
	ctx := context.Background()
	dev := newCard(t)

	require.NoError(t, fat.Format(ctx, dev, fat.FormatConfig{Label: "GUNGNIR"}))

	fs, err := fat.Mount(ctx, dev, nil)
	require.NoError(t, err)
	require.Equal(t, fat.FAT16, fs.FatType())

	content := []byte("This is (a) test file 1")
	f, err := fs.CreateFile("a1.txt")
	require.NoError(t, err)
	n, err := f.Write(content)
	require.NoError(t, err)
	require.Equal(t, len(content), n)
	require.NoError(t, f.Close())
	require.NoError(t, fs.Unmount())

	// A fresh mount sees a clean volume with the file intact.
	fs2, err := fat.Mount(ctx, dev, nil)
	require.NoError(t, err)

	entries, err := fs2.ReadRootDir()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "A1.TXT", entries[0].Name)
	require.EqualValues(t, len(content), entries[0].Size)

	f2, err := fs2.OpenFile("A1.TXT", fat.OpenOptions{})
	require.NoError(t, err)
	got := make([]byte, len(content))
	_, err = io.ReadFull(f2, got)
	require.NoError(t, err)
	require.Equal(t, content, got)
	require.NoError(t, f2.Close())
	require.NoError(t, fs2.Unmount())
}

func TestLargeFileSurvivesRemount(t *testing.T) {
	ctx := context.Background()
	dev := newCard(t)

	require.NoError(t, fat.Format(ctx, dev, fat.FormatConfig{SectorsPerCluster: 8}))

	fs, err := fat.Mount(ctx, dev, nil)
	require.NoError(t, err)

	data := make([]byte, 100_000)
	for i := range data {
		data[i] = byte(i % 251)
	}
	f, err := fs.CreateFile("BIG.BIN")
	require.NoError(t, err)
	_, err = f.Write(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, fs.Unmount())

	fs2, err := fat.Mount(ctx, dev, nil)
	require.NoError(t, err)
	f2, err := fs2.OpenFile("BIG.BIN", fat.OpenOptions{})
	require.NoError(t, err)
	require.EqualValues(t, len(data), f2.Size())

	// Spot-check an interior window spanning cluster boundaries.
	_, err = f2.Seek(50_000-17, io.SeekStart)
	require.NoError(t, err)
	window := make([]byte, 8192)
	_, err = io.ReadFull(f2, window)
	require.NoError(t, err)
	require.Equal(t, data[50_000-17:50_000-17+8192], window)
	require.NoError(t, f2.Close())
}

func TestFreeCountRestoredAfterDelete(t *testing.T) {
	ctx := context.Background()
	dev := newCard(t)

	require.NoError(t, fat.Format(ctx, dev, fat.FormatConfig{SectorsPerCluster: 8}))
	fs, err := fat.Mount(ctx, dev, nil)
	require.NoError(t, err)

	freeBefore, err := fs.FreeClusters()
	require.NoError(t, err)

	f, err := fs.CreateFile("TEMP.BIN")
	require.NoError(t, err)
	_, err = f.Write(make([]byte, 5*4096))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	freeMid, err := fs.FreeClusters()
	require.NoError(t, err)
	require.Equal(t, freeBefore-5, freeMid)

	require.NoError(t, fs.Remove("TEMP.BIN"))
	freeAfter, err := fs.FreeClusters()
	require.NoError(t, err)
	require.Equal(t, freeBefore, freeAfter)
	require.NoError(t, fs.Unmount())
}
