// Package config derives cache budgets from the memory available to the
// process.
package config

import (
	"math"
	"runtime/debug"

	"github.com/panpf/sketch-sub018/bytesize"
)

const (
	// DefaultHeapEstimate stands in for the memory limit when none is set.
	DefaultHeapEstimate = 512 * bytesize.MiB

	DefaultDiskCacheSize = 300 * bytesize.MiB
	DefaultKeyMapperCost = 1 * bytesize.MiB
)

type Budgets struct {
	MemoryCacheSize int64
	BufferPoolSize  int64
	DiskCacheSize   int64
	KeyMapperCost   int64
}

// DefaultBudgets splits memoryLimit between the memory cache (a quarter)
// and the buffer pool (a tenth). lowMemory halves both. A non-positive or
// unlimited memoryLimit is replaced by DefaultHeapEstimate.
func DefaultBudgets(memoryLimit int64, lowMemory bool) Budgets {
	if memoryLimit <= 0 || memoryLimit == math.MaxInt64 {
		memoryLimit = DefaultHeapEstimate
	}
	memory := memoryLimit / 4
	pool := memoryLimit / 10
	if lowMemory {
		memory /= 2
		pool /= 2
	}
	return Budgets{
		MemoryCacheSize: memory,
		BufferPoolSize:  pool,
		DiskCacheSize:   DefaultDiskCacheSize,
		KeyMapperCost:   DefaultKeyMapperCost,
	}
}

// RuntimeBudgets reads the limit configured through GOMEMLIMIT or
// debug.SetMemoryLimit.
func RuntimeBudgets(lowMemory bool) Budgets {
	return DefaultBudgets(debug.SetMemoryLimit(-1), lowMemory)
}

// String renders the budgets for diagnostics.
func (b Budgets) String() string {
	return "memory=" + bytesize.Format(b.MemoryCacheSize) +
		" pool=" + bytesize.Format(b.BufferPoolSize) +
		" disk=" + bytesize.Format(b.DiskCacheSize)
}
