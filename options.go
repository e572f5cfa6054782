package sketch

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/panpf/sketch-sub018/bufferpool"
	"github.com/panpf/sketch-sub018/config"
	"github.com/panpf/sketch-sub018/diskcache"
	"github.com/panpf/sketch-sub018/keymapper"
	"github.com/panpf/sketch-sub018/memorycache"
)

type Options struct {
	// Dir holds the disk cache. Empty disables it unless DiskCache.Dir is
	// set.
	Dir string

	// Budgets fill in any cache size left at zero below.
	Budgets config.Budgets

	KeyMapper   keymapper.Options
	MemoryCache memorycache.Options
	BufferPool  bufferpool.Options
	DiskCache   diskcache.Options

	Logger *slog.Logger

	// Registerer receives the metrics of every cache. Nil disables metrics.
	Registerer  prometheus.Registerer
	ConstLabels prometheus.Labels
}

// DefaultOptions sizes the caches from the runtime memory limit.
func DefaultOptions(dir string) Options {
	budgets := config.RuntimeBudgets(false)
	opts := Options{
		Dir:         dir,
		Budgets:     budgets,
		KeyMapper:   keymapper.DefaultOptions(),
		MemoryCache: memorycache.DefaultOptions(),
		BufferPool:  bufferpool.DefaultOptions(),
		DiskCache:   diskcache.DefaultOptions(dir),
	}
	opts.KeyMapper.MemoCost = budgets.KeyMapperCost
	opts.MemoryCache.MaxSize = budgets.MemoryCacheSize
	opts.BufferPool.MaxSize = budgets.BufferPoolSize
	opts.DiskCache.MaxSize = budgets.DiskCacheSize
	return opts
}
