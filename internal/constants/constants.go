// Package constants collects kernel-wide default values: sizes and
// timing knobs that several other packages need to agree on, gathered in
// one place instead of duplicated as magic numbers at each call site.
package constants

// DefaultBlockSize is the logical block size used when a port does not
// report one of its own; always a multiple of 512.
const DefaultBlockSize = 512

// DefaultTickHz is the 1 kHz SysTick rate; boards with a
// higher-resolution tick source (e.g. 1 MHz) override it through
// timer.Config.
const DefaultTickHz = 1000

// DefaultReadyQueueSize caps the executor's live task set, sized well
// above the worst-case concurrent task count the kernel spawns.
const DefaultReadyQueueSize = 100

// DefaultBufStreamBlocks is the number of blocks BufStream keeps
// resident: exactly one.
const DefaultBufStreamBlocks = 1

// MaxFileSize is the FAT12/16/32 per-file size cap: a directory entry
// records the size in 32 bits.
const MaxFileSize = 0xFFFFFFFF

// FATMirrorCount is the conventional number of FAT copies on a FAT12/16/32
// volume absent a BPB override.
const FATMirrorCount = 2
