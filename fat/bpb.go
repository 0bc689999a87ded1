package fat

import (
	"encoding/binary"

	"github.com/coliar/gungnir-go/kerrors"
)

// Byte offsets into the boot sector, per the ECMA/Microsoft FAT
// specification — the minimal subset the Mount/FSInfo path needs.
const (
	offBytsPerSec = 11
	offSecPerClus = 13
	offRsvdSecCnt = 14
	offNumFATs    = 16
	offRootEntCnt = 17
	offTotSec16   = 19
	offMedia      = 21
	offFATSz16    = 22
	offTotSec32   = 32

	offFATSz32    = 36
	offExtFlags32 = 40
	offRootClus32 = 44
	offFSInfo32   = 48

	offDirtyFlag1216 = 0x025
	offDirtyFlag32   = 0x041

	offBootSig = 510 // 0x55AA
)

const bootSectorSize = 512

// Status bits in the FAT entry-1 status word and the boot-sector status
// byte: dirty and I/O error. The entry encoding differs per FAT width
// but the semantics are identical.
const (
	StatusDirty   = 0x01
	StatusIOError = 0x02
)

// BPB is the decoded subset of the BIOS Parameter Block the FAT core
// needs to mount a volume and compute geometry.
type BPB struct {
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors    uint16
	NumFATs            uint8
	RootEntryCount     uint16
	TotalSectors       uint32
	FATSize            uint32 // in sectors, one FAT's worth
	Media              uint8

	// FAT32-only
	ExtFlags      uint16
	RootCluster   uint32
	FSInfoSector  uint16

	mirrorDisabled bool
}

// ParseBPB decodes sector (exactly bootSectorSize bytes, the boot sector)
// into a BPB, validating the 0x55AA signature and a handful of
// plausibility constraints; bad magic or an implausible field fails the
// mount as filesystem corruption.
func ParseBPB(sector []byte) (BPB, error) {
	if len(sector) < bootSectorSize {
		return BPB{}, kerrors.New("fat.ParseBPB", "fat", kerrors.CodeCorruptedFilesystem, "boot sector too short")
	}
	if sector[offBootSig] != 0x55 || sector[offBootSig+1] != 0xAA {
		return BPB{}, kerrors.New("fat.ParseBPB", "fat", kerrors.CodeCorruptedFilesystem, "bad boot sector signature")
	}

	b := BPB{
		BytesPerSector:    binary.LittleEndian.Uint16(sector[offBytsPerSec:]),
		SectorsPerCluster: sector[offSecPerClus],
		ReservedSectors:   binary.LittleEndian.Uint16(sector[offRsvdSecCnt:]),
		NumFATs:           sector[offNumFATs],
		RootEntryCount:    binary.LittleEndian.Uint16(sector[offRootEntCnt:]),
		Media:             sector[offMedia],
	}
	if b.BytesPerSector == 0 || b.SectorsPerCluster == 0 || b.NumFATs == 0 {
		return BPB{}, kerrors.New("fat.ParseBPB", "fat", kerrors.CodeCorruptedFilesystem, "implausible BPB field")
	}

	totSec16 := binary.LittleEndian.Uint16(sector[offTotSec16:])
	totSec32 := binary.LittleEndian.Uint32(sector[offTotSec32:])
	if totSec16 != 0 {
		b.TotalSectors = uint32(totSec16)
	} else {
		b.TotalSectors = totSec32
	}

	fatSz16 := binary.LittleEndian.Uint16(sector[offFATSz16:])
	if fatSz16 != 0 {
		b.FATSize = uint32(fatSz16)
	} else {
		b.FATSize = binary.LittleEndian.Uint32(sector[offFATSz32:])
		b.ExtFlags = binary.LittleEndian.Uint16(sector[offExtFlags32:])
		b.RootCluster = binary.LittleEndian.Uint32(sector[offRootClus32:])
		b.FSInfoSector = binary.LittleEndian.Uint16(sector[offFSInfo32:])
		b.mirrorDisabled = b.ExtFlags&0x80 != 0
	}
	return b, nil
}

// MirroredFATs returns the number of FAT copies writes should fan out to:
// NumFATs normally, or 1 if the BPB's FAT32 ExtFlags disable mirroring.
func (b BPB) MirroredFATs() uint8 {
	if b.mirrorDisabled {
		return 1
	}
	return b.NumFATs
}

// RootDirSectors returns the number of sectors the fixed-size FAT12/16
// root directory occupies (zero for FAT32, which roots the directory in
// a regular cluster chain instead).
func (b BPB) RootDirSectors() uint32 {
	bytes := uint32(b.RootEntryCount) * 32
	return (bytes + uint32(b.BytesPerSector) - 1) / uint32(b.BytesPerSector)
}
