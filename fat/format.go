package fat

import (
	"context"
	"encoding/binary"
	"io"

	"github.com/coliar/gungnir-go/blockdev"
	"github.com/coliar/gungnir-go/bufstream"
	"github.com/coliar/gungnir-go/kerrors"
)

// FormatConfig tunes Format. Zero values pick defaults sized from the
// device capacity.
type FormatConfig struct {
	// SectorsPerCluster overrides the auto-picked cluster size; must be a
	// power of two.
	SectorsPerCluster uint8
	// Label is the 11-byte volume label; longer labels are truncated.
	Label string
}

// Format writes a fresh FAT12/16/32 layout onto dev: boot sector, zeroed
// FAT copies with reserved entries 0/1, the root directory (fixed region
// or, on FAT32, a one-cluster chain plus FSInfo). The FAT width follows
// the cluster-count thresholds, so the picked cluster size decides which
// family the volume lands in.
func Format(ctx context.Context, dev blockdev.BlockDevice, cfg FormatConfig) error {
	bps := int64(dev.BlockSize())
	totalSectors := int64(dev.Size()) / bps
	if totalSectors < 64 {
		return kerrors.New("fat.Format", "fat", kerrors.CodeInvalidInput, "device too small")
	}

	spc := int64(cfg.SectorsPerCluster)
	if spc == 0 {
		switch {
		case totalSectors < 8400:
			spc = 1
		case totalSectors < 1<<20:
			spc = 1
			for totalSectors/spc > 65524 {
				spc *= 2
			}
		default:
			spc = 8
		}
	}

	// The FAT width follows from the cluster count (the same thresholds
	// Mount applies), the FAT size from the width, and the cluster count
	// from the FAT size; a few rounds converge.
	const numFATs = 2
	fatType := DeriveFatType(uint32(totalSectors / spc))
	fatSize := int64(1)
	var reserved, rootDirSectors, rootEntries int64
	for i := 0; i < 3; i++ {
		reserved = 1
		rootEntries = 512
		if fatType == FAT32 {
			reserved = 32
			rootEntries = 0
		}
		rootDirSectors = (rootEntries*dirEntrySize + bps - 1) / bps
		dataSectors := totalSectors - reserved - numFATs*fatSize - rootDirSectors
		clusters := dataSectors / spc
		fatType = DeriveFatType(uint32(clusters))
		var fatBytes int64
		switch fatType {
		case FAT12:
			fatBytes = ((clusters + reservedClusters)*3 + 1) / 2
		case FAT16:
			fatBytes = (clusters + reservedClusters) * 2
		default:
			fatBytes = (clusters + reservedClusters) * 4
		}
		fatSize = (fatBytes + bps - 1) / bps
	}

	boot := buildBootSector(fatType, bps, spc, reserved, rootEntries, totalSectors, fatSize, cfg.Label)

	bs := bufstream.New(ctx, dev)
	if _, err := bs.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := bs.Write(boot); err != nil {
		return kerrors.Wrap("fat.Format", "fat", err)
	}

	// Zero every FAT copy and the fixed root directory region.
	zeroStart := reserved * bps
	zeroLen := (numFATs*fatSize + rootDirSectors) * bps
	if err := zeroRange(bs, zeroStart, zeroLen, bps); err != nil {
		return err
	}

	tableDisk := NewDiskSlice(bs, reserved*bps, fatSize*bps, numFATs)
	table := NewTable(tableDisk, fatType)
	// Entry 0 carries the media descriptor; entry 1 is the status word,
	// formatted clean.
	if err := table.WriteEntry(0, fatType.eocThreshold()|mediaFixed); err != nil {
		return err
	}
	if err := table.WriteEntry(1, fatType.eocWriteValue()&^(StatusDirty|StatusIOError)); err != nil {
		return err
	}

	if fatType == FAT32 {
		// Root directory occupies cluster 2 as a one-link chain.
		if err := table.WriteEntry(reservedClusters, fatType.eocWriteValue()); err != nil {
			return err
		}
		dataStart := (reserved + numFATs*fatSize) * bps
		if err := zeroRange(bs, dataStart, spc*bps, bps); err != nil {
			return err
		}
		dataSectors := totalSectors - reserved - numFATs*fatSize
		clusters := dataSectors / spc
		info := FSInfo{FreeClusters: uint32(clusters - 1), NextFree: reservedClusters + 1}
		if _, err := bs.Seek(1*bps, io.SeekStart); err != nil {
			return err
		}
		if _, err := bs.Write(encodeFSInfo(info)); err != nil {
			return kerrors.Wrap("fat.Format", "fat", err)
		}
	}

	return bs.Flush()
}

const mediaFixed = 0xF8

func zeroRange(bs *bufstream.BufStream, start, length, bps int64) error {
	zero := make([]byte, bps)
	if _, err := bs.Seek(start, io.SeekStart); err != nil {
		return err
	}
	for written := int64(0); written < length; written += bps {
		if _, err := bs.Write(zero); err != nil {
			return kerrors.Wrap("fat.Format", "fat", err)
		}
	}
	return nil
}

func buildBootSector(fatType FatType, bps, spc, reserved, rootEntries, totalSectors, fatSize int64, label string) []byte {
	boot := make([]byte, bps)
	boot[0], boot[1], boot[2] = 0xEB, 0x3C, 0x90
	copy(boot[3:11], "MSDOS5.0")
	binary.LittleEndian.PutUint16(boot[offBytsPerSec:], uint16(bps))
	boot[offSecPerClus] = uint8(spc)
	binary.LittleEndian.PutUint16(boot[offRsvdSecCnt:], uint16(reserved))
	boot[offNumFATs] = 2
	binary.LittleEndian.PutUint16(boot[offRootEntCnt:], uint16(rootEntries))
	if totalSectors < 0x10000 && fatType != FAT32 {
		binary.LittleEndian.PutUint16(boot[offTotSec16:], uint16(totalSectors))
	} else {
		binary.LittleEndian.PutUint32(boot[offTotSec32:], uint32(totalSectors))
	}
	boot[offMedia] = mediaFixed
	binary.LittleEndian.PutUint16(boot[24:], 63)  // sectors per track
	binary.LittleEndian.PutUint16(boot[26:], 255) // heads

	lbl := func(dst []byte) {
		for i := range dst {
			dst[i] = ' '
		}
		copy(dst, label)
	}
	if fatType == FAT32 {
		binary.LittleEndian.PutUint32(boot[offFATSz32:], uint32(fatSize))
		binary.LittleEndian.PutUint32(boot[offRootClus32:], reservedClusters)
		binary.LittleEndian.PutUint16(boot[offFSInfo32:], 1)
		binary.LittleEndian.PutUint16(boot[50:], 6) // backup boot sector
		boot[64] = 0x80                             // drive number
		boot[66] = 0x29                             // extended boot signature
		lbl(boot[71:82])
		copy(boot[82:90], "FAT32   ")
	} else {
		binary.LittleEndian.PutUint16(boot[offFATSz16:], uint16(fatSize))
		boot[36] = 0x80 // drive number
		boot[38] = 0x29 // extended boot signature
		lbl(boot[43:54])
		if fatType == FAT12 {
			copy(boot[54:62], "FAT12   ")
		} else {
			copy(boot[54:62], "FAT16   ")
		}
	}
	boot[offBootSig] = 0x55
	boot[offBootSig+1] = 0xAA
	return boot
}
