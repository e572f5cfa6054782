package config

import (
	"math"
	"testing"

	"github.com/panpf/sketch-sub018/bytesize"
	"github.com/stretchr/testify/require"
)

func TestDefaultBudgets(t *testing.T) {
	b := DefaultBudgets(400*bytesize.MiB, false)
	require.Equal(t, 100*bytesize.MiB, b.MemoryCacheSize)
	require.Equal(t, 40*bytesize.MiB, b.BufferPoolSize)
	require.Equal(t, DefaultDiskCacheSize, b.DiskCacheSize)

	low := DefaultBudgets(400*bytesize.MiB, true)
	require.Equal(t, 50*bytesize.MiB, low.MemoryCacheSize)
	require.Equal(t, 20*bytesize.MiB, low.BufferPoolSize)
}

func TestDefaultBudgets_Unlimited(t *testing.T) {
	b := DefaultBudgets(math.MaxInt64, false)
	require.Equal(t, DefaultHeapEstimate/4, b.MemoryCacheSize)

	b = DefaultBudgets(0, false)
	require.Equal(t, DefaultHeapEstimate/10, b.BufferPoolSize)
}

func TestRuntimeBudgets(t *testing.T) {
	b := RuntimeBudgets(false)
	require.Positive(t, b.MemoryCacheSize)
	require.Contains(t, b.String(), "disk=300 MiB")
}
