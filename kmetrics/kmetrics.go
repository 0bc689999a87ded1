// Package kmetrics tracks operational counters for the kernel's
// subsystems: allocator, executor, block device, and FAT layer. Counters
// are lock-free atomics so recording from any context is cheap; Snapshot
// gives a consistent-enough point-in-time copy for the shell's stats
// command or a test assertion.
package kmetrics

import "sync/atomic"

// TickBuckets defines the latency histogram buckets in ticks, with
// logarithmic spacing from 1 tick to 10^7 ticks.
var TickBuckets = []uint64{
	1,
	10,
	100,
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
}

const numTickBuckets = 8

// Metrics tracks kernel-wide statistics.
type Metrics struct {
	// Allocator counters
	AllocCalls    atomic.Uint64
	FreeCalls     atomic.Uint64
	AllocFailures atomic.Uint64
	BytesInUse    atomic.Uint64

	// Executor counters
	TasksSpawned   atomic.Uint64
	TasksCompleted atomic.Uint64
	MaxLiveTasks   atomic.Uint32

	// Block device counters
	BlockReads   atomic.Uint64
	BlockWrites  atomic.Uint64
	BlockErrors  atomic.Uint64
	BytesRead    atomic.Uint64
	BytesWritten atomic.Uint64

	// I/O latency histogram in ticks (cumulative counts);
	// bucket[i] counts operations with latency <= TickBuckets[i]
	IoLatency [numTickBuckets]atomic.Uint64

	// FAT counters
	ClustersAllocated atomic.Uint64
	ClustersFreed     atomic.Uint64
	CacheHits         atomic.Uint64
	CacheMisses       atomic.Uint64
}

// NewMetrics creates a zeroed metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordBlockRead records a block-device read operation.
func (m *Metrics) RecordBlockRead(bytes, latencyTicks uint64, success bool) {
	m.BlockReads.Add(1)
	if success {
		m.BytesRead.Add(bytes)
	} else {
		m.BlockErrors.Add(1)
	}
	m.recordLatency(latencyTicks)
}

// RecordBlockWrite records a block-device write operation.
func (m *Metrics) RecordBlockWrite(bytes, latencyTicks uint64, success bool) {
	m.BlockWrites.Add(1)
	if success {
		m.BytesWritten.Add(bytes)
	} else {
		m.BlockErrors.Add(1)
	}
	m.recordLatency(latencyTicks)
}

func (m *Metrics) recordLatency(ticks uint64) {
	for i, bound := range TickBuckets {
		if ticks <= bound {
			m.IoLatency[i].Add(1)
		}
	}
}

// RecordAlloc records a heap allocation of size bytes.
func (m *Metrics) RecordAlloc(size uint64, success bool) {
	m.AllocCalls.Add(1)
	if success {
		m.BytesInUse.Add(size)
	} else {
		m.AllocFailures.Add(1)
	}
}

// RecordFree records a heap free of size bytes.
func (m *Metrics) RecordFree(size uint64) {
	m.FreeCalls.Add(1)
	m.BytesInUse.Add(^(size - 1))
}

// RecordSpawn records a task spawn; live is the post-spawn live count.
func (m *Metrics) RecordSpawn(live uint32) {
	m.TasksSpawned.Add(1)
	for {
		max := m.MaxLiveTasks.Load()
		if live <= max || m.MaxLiveTasks.CompareAndSwap(max, live) {
			return
		}
	}
}

// RecordTaskDone records a task completing.
func (m *Metrics) RecordTaskDone() {
	m.TasksCompleted.Add(1)
}

// RecordClusterAlloc records n clusters being allocated from the FAT.
func (m *Metrics) RecordClusterAlloc(n uint64) { m.ClustersAllocated.Add(n) }

// RecordClusterFree records n clusters being returned to the FAT.
func (m *Metrics) RecordClusterFree(n uint64) { m.ClustersFreed.Add(n) }

// RecordCacheHit records a BufStream access served by the resident block.
func (m *Metrics) RecordCacheHit() { m.CacheHits.Add(1) }

// RecordCacheMiss records a BufStream access that had to load a block.
func (m *Metrics) RecordCacheMiss() { m.CacheMisses.Add(1) }

// Snapshot is a plain-value copy of all counters.
type Snapshot struct {
	AllocCalls    uint64
	FreeCalls     uint64
	AllocFailures uint64
	BytesInUse    uint64

	TasksSpawned   uint64
	TasksCompleted uint64
	MaxLiveTasks   uint32

	BlockReads   uint64
	BlockWrites  uint64
	BlockErrors  uint64
	BytesRead    uint64
	BytesWritten uint64

	IoLatency [numTickBuckets]uint64

	ClustersAllocated uint64
	ClustersFreed     uint64
	CacheHits         uint64
	CacheMisses       uint64
}

// GetSnapshot returns a point-in-time copy of the counters.
func (m *Metrics) GetSnapshot() Snapshot {
	s := Snapshot{
		AllocCalls:    m.AllocCalls.Load(),
		FreeCalls:     m.FreeCalls.Load(),
		AllocFailures: m.AllocFailures.Load(),
		BytesInUse:    m.BytesInUse.Load(),

		TasksSpawned:   m.TasksSpawned.Load(),
		TasksCompleted: m.TasksCompleted.Load(),
		MaxLiveTasks:   m.MaxLiveTasks.Load(),

		BlockReads:   m.BlockReads.Load(),
		BlockWrites:  m.BlockWrites.Load(),
		BlockErrors:  m.BlockErrors.Load(),
		BytesRead:    m.BytesRead.Load(),
		BytesWritten: m.BytesWritten.Load(),

		ClustersAllocated: m.ClustersAllocated.Load(),
		ClustersFreed:     m.ClustersFreed.Load(),
		CacheHits:         m.CacheHits.Load(),
		CacheMisses:       m.CacheMisses.Load(),
	}
	for i := range s.IoLatency {
		s.IoLatency[i] = m.IoLatency[i].Load()
	}
	return s
}

// Observer receives metric events from the subsystems that emit them;
// a nil-safe NoOpObserver stands in when metrics are disabled.
type Observer interface {
	Metrics() *Metrics
}

// NoOpObserver discards everything.
type NoOpObserver struct{ m Metrics }

// Metrics returns a throwaway instance so call sites need no nil checks.
func (n *NoOpObserver) Metrics() *Metrics { return &n.m }
