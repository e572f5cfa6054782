// Package sketch wires the resource caches of an image loading pipeline:
// a key mapper, a pool of pixel buffers, a reference-counted memory cache
// of decoded resources and a journaled disk cache of fetched bytes.
//
// The caches are independent. A typical load asks the memory cache first,
// then the disk cache under its edit lock, and decodes into buffers taken
// from the pool:
//
//	key := engine.StorageKey(uri)
//	if res, ok := engine.Memory().Get(key); ok {
//		defer res.Release()
//		...
//	}
package sketch

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/panpf/sketch-sub018/bufferpool"
	"github.com/panpf/sketch-sub018/diskcache"
	"github.com/panpf/sketch-sub018/keymapper"
	"github.com/panpf/sketch-sub018/memorycache"
	"github.com/panpf/sketch-sub018/pressure"
)

// Engine owns one instance of every cache. It holds no global state; an
// application may run several engines over different directories.
type Engine struct {
	keys   *keymapper.Mapper
	memory *memorycache.Cache
	pool   *bufferpool.Pool
	disk   *diskcache.Cache
	log    *slog.Logger

	metrics    engineMetrics
	unregister sync.Once
}

type cacheCandidate[T any] struct {
	enabled bool
	build   func() T
}

func chooseCache[T any](candidates ...cacheCandidate[T]) T {
	for _, candidate := range candidates {
		if candidate.enabled {
			return candidate.build()
		}
	}

	var zero T
	return zero
}

// Open builds the caches described by opts. The disk cache is skipped when
// neither opts.Dir nor opts.DiskCache.Dir is set.
func Open(opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m, err := newEngineMetrics(opts.Registerer, opts.ConstLabels)
	if err != nil {
		return nil, fmt.Errorf("sketch: register metrics: %w", err)
	}

	keyOpts := opts.KeyMapper
	if keyOpts.MemoCost == 0 {
		keyOpts.MemoCost = opts.Budgets.KeyMapperCost
	}
	if keyOpts.Metrics == nil {
		keyOpts.Metrics = m.keys
	}
	keys, err := keymapper.New(keyOpts)
	if err != nil {
		m.unregister()
		return nil, fmt.Errorf("sketch: key mapper: %w", err)
	}

	memOpts := opts.MemoryCache
	memOpts.MaxSize = chooseCache(
		cacheCandidate[int64]{
			enabled: memOpts.MaxSize > 0,
			build:   func() int64 { return memOpts.MaxSize },
		},
		cacheCandidate[int64]{
			enabled: opts.Budgets.MemoryCacheSize > 0,
			build:   func() int64 { return opts.Budgets.MemoryCacheSize },
		},
		cacheCandidate[int64]{
			enabled: true,
			build:   func() int64 { return memorycache.DefaultMaxSize },
		},
	)
	if memOpts.Logger == nil {
		memOpts.Logger = logger
	}
	if memOpts.Metrics == nil {
		memOpts.Metrics = m.memory
	}

	poolOpts := opts.BufferPool
	poolOpts.MaxSize = chooseCache(
		cacheCandidate[int64]{
			enabled: poolOpts.MaxSize > 0,
			build:   func() int64 { return poolOpts.MaxSize },
		},
		cacheCandidate[int64]{
			enabled: opts.Budgets.BufferPoolSize > 0,
			build:   func() int64 { return opts.Budgets.BufferPoolSize },
		},
		cacheCandidate[int64]{
			enabled: true,
			build:   func() int64 { return bufferpool.DefaultMaxSize },
		},
	)
	if poolOpts.Logger == nil {
		poolOpts.Logger = logger
	}
	if poolOpts.Metrics == nil {
		poolOpts.Metrics = m.pool
	}

	e := &Engine{
		keys:    keys,
		memory:  memorycache.New(memOpts),
		pool:    bufferpool.New(poolOpts),
		log:     logger,
		metrics: m,
	}

	diskOpts := chooseCache(
		cacheCandidate[*diskcache.Options]{
			enabled: opts.DiskCache.Dir != "",
			build: func() *diskcache.Options {
				o := opts.DiskCache
				return &o
			},
		},
		cacheCandidate[*diskcache.Options]{
			enabled: opts.Dir != "",
			build: func() *diskcache.Options {
				o := opts.DiskCache
				o.Dir = opts.Dir
				return &o
			},
		},
	)
	if diskOpts != nil {
		if diskOpts.MaxSize <= 0 {
			diskOpts.MaxSize = opts.Budgets.DiskCacheSize
		}
		if diskOpts.Logger == nil {
			diskOpts.Logger = logger
		}
		if diskOpts.Metrics == nil {
			diskOpts.Metrics = m.disk
		}
		disk, err := diskcache.Open(*diskOpts)
		if err != nil {
			keys.Close()
			m.unregister()
			return nil, err
		}
		e.disk = disk
	}

	logger.Debug("sketch: engine opened", "memory", e.memory.MaxSize(), "pool", e.pool.MaxSize(),
		"disk", e.disk != nil)
	return e, nil
}

// StorageKey maps a logical key to the key used by every cache.
func (e *Engine) StorageKey(key string) string {
	return e.keys.StorageKey(key)
}

func (e *Engine) KeyMapper() *keymapper.Mapper {
	return e.keys
}

func (e *Engine) Memory() *memorycache.Cache {
	return e.memory
}

func (e *Engine) Pool() *bufferpool.Pool {
	return e.pool
}

// Disk returns nil when the engine was opened without a directory.
func (e *Engine) Disk() *diskcache.Cache {
	return e.disk
}

// Trim forwards a memory pressure signal to the in-memory caches. The disk
// cache is bounded by its own budget and ignores pressure.
func (e *Engine) Trim(level pressure.Level) {
	e.log.Debug("sketch: trim", "level", level)
	e.memory.Trim(level)
	e.pool.Trim(level)
}

// Clear empties every cache.
func (e *Engine) Clear() error {
	e.memory.Clear()
	e.pool.Clear()
	if e.disk != nil {
		return e.disk.Clear()
	}
	return nil
}

// Close releases the disk cache directory and the key mapper and
// unregisters the engine's metrics. Resources still checked out of the
// memory cache stay valid.
func (e *Engine) Close() error {
	var errs []error
	if e.disk != nil {
		errs = append(errs, e.disk.Close())
	}
	e.keys.Close()
	e.unregister.Do(e.metrics.unregister)
	return errors.Join(errs...)
}

// NewBufferResource wraps buf as a memory cache resource. When the last
// reference is released the buffer goes back to the pool, or is dropped if
// the pool rejects it.
func (e *Engine) NewBufferResource(buf *bufferpool.Buffer) *memorycache.Resource {
	return memorycache.NewResource(buf, buf.ByteCount(), func(payload any) {
		b := payload.(*bufferpool.Buffer)
		if !e.pool.Put(b) {
			b.Release()
		}
	})
}

type Stats struct {
	KeyMapper keymapper.Stats
	Memory    memorycache.Stats
	Pool      bufferpool.Stats
	Disk      *diskcache.Stats
}

func (s Stats) String() string {
	out := s.Memory.String() + " " + s.Pool.String()
	if s.Disk != nil {
		out += " " + s.Disk.String()
	}
	return out
}

func (e *Engine) Stats() Stats {
	s := Stats{
		KeyMapper: e.keys.Stats(),
		Memory:    e.memory.Stats(),
		Pool:      e.pool.Stats(),
	}
	if e.disk != nil {
		ds := e.disk.Stats()
		s.Disk = &ds
	}
	return s
}
