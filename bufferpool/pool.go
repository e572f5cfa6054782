// Package bufferpool recycles pixel buffers so decoders can paint into
// existing memory instead of allocating.
//
// Ownership of a Buffer moves to the pool on a successful Put and back to
// the caller on Get. A rejected Put leaves the buffer with the caller.
package bufferpool

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/panpf/sketch-sub018/bytesize"
	"github.com/panpf/sketch-sub018/metrics"
	"github.com/panpf/sketch-sub018/pressure"
)

const DefaultMaxSize = 64 * bytesize.MiB

type Options struct {
	MaxSize int64

	// MaxEntrySize caps a single buffer. Zero means MaxSize.
	MaxEntrySize int64

	// AllowedFormats defaults to DefaultAllowedFormats.
	AllowedFormats []PixelFormat

	Strategy Strategy

	Logger  *slog.Logger
	Metrics *metrics.CacheMetrics
}

func DefaultOptions() Options {
	return Options{
		MaxSize:  DefaultMaxSize,
		Strategy: StrategySize,
	}
}

type Stats struct {
	Hits       int64
	Misses     int64
	Puts       int64
	Rejections int64
	Evictions  int64
	Size       int64
	MaxSize    int64
	EntryCount int
}

func (s Stats) String() string {
	return fmt.Sprintf("BufferPool(size=%s, entries=%d, hits=%d, misses=%d, rejections=%d)",
		bytesize.Usage(s.Size, s.MaxSize), s.EntryCount, s.Hits, s.Misses, s.Rejections)
}

type Pool struct {
	mu           sync.Mutex
	store        bufferStore
	size         int64
	maxSize      int64
	maxEntrySize int64
	allowed      map[PixelFormat]bool
	strategy     Strategy

	log     *slog.Logger
	metrics *metrics.CacheMetrics

	hits       atomic.Int64
	misses     atomic.Int64
	puts       atomic.Int64
	rejections atomic.Int64
	evictions  atomic.Int64
}

func New(opts Options) *Pool {
	maxSize := opts.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	maxEntrySize := opts.MaxEntrySize
	if maxEntrySize <= 0 || maxEntrySize > maxSize {
		maxEntrySize = maxSize
	}
	formats := opts.AllowedFormats
	if formats == nil {
		formats = DefaultAllowedFormats
	}
	allowed := make(map[PixelFormat]bool, len(formats))
	for _, f := range formats {
		if f != FormatHardware && f.Valid() {
			allowed[f] = true
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Pool{
		store:        newStore(opts.Strategy),
		maxSize:      maxSize,
		maxEntrySize: maxEntrySize,
		allowed:      allowed,
		strategy:     opts.Strategy,
		log:          logger,
		metrics:      opts.Metrics,
	}
}

// Get returns a zeroed buffer with the requested geometry, or nil on a miss.
func (p *Pool) Get(width, height int, format PixelFormat) *Buffer {
	b := p.GetDirty(width, height, format)
	if b != nil {
		clear(b.Pix)
	}
	return b
}

// GetDirty is Get without zeroing: the content is whatever the previous
// owner left. Use it when the caller overwrites every pixel.
func (p *Pool) GetDirty(width, height int, format PixelFormat) *Buffer {
	if width <= 0 || height <= 0 || !p.allowed[format] {
		p.recordGet(false)
		return nil
	}

	p.mu.Lock()
	b := p.store.get(width, height, format)
	if b != nil {
		b.pooled = false
		p.size -= b.ByteCount()
	}
	size, entries := p.size, p.store.len()
	p.mu.Unlock()

	p.recordGet(b != nil)
	p.metrics.ObserveSize(size, entries)
	return b
}

// GetOrCreate never returns nil for a valid geometry; a miss allocates.
func (p *Pool) GetOrCreate(width, height int, format PixelFormat) *Buffer {
	if b := p.Get(width, height, format); b != nil {
		return b
	}
	return NewBuffer(width, height, format)
}

// Put offers b to the pool. It returns false, leaving b with the caller,
// when b is nil, released, immutable, already pooled, of a format outside
// the allowed set, or larger than the entry or pool limit. Older buffers are
// evicted to make room.
func (p *Pool) Put(b *Buffer) bool {
	if reason := p.rejectReason(b); reason != "" {
		p.rejections.Add(1)
		p.metrics.ObservePut(false)
		if b != nil {
			p.log.Debug("bufferpool: put rejected", "reason", reason, "buffer", b.String())
		}
		return false
	}

	n := b.ByteCount()

	p.mu.Lock()
	if b.pooled {
		p.mu.Unlock()
		p.rejections.Add(1)
		p.metrics.ObservePut(false)
		p.log.Error("bufferpool: buffer put twice", "buffer", b.String())
		return false
	}
	evicted := p.evictLocked(p.maxSize - n)
	b.pooled = true
	p.store.put(b)
	p.size += n
	size, entries := p.size, p.store.len()
	p.mu.Unlock()

	p.puts.Add(1)
	p.metrics.ObservePut(true)
	p.recordEvictions(evicted)
	p.metrics.ObserveSize(size, entries)
	return true
}

func (p *Pool) rejectReason(b *Buffer) string {
	switch {
	case b == nil:
		return "nil"
	case b.Released():
		return "released"
	case !b.Mutable():
		return "immutable"
	case !p.allowed[b.Format]:
		return "format not allowed"
	case b.ByteCount() == 0:
		return "empty"
	case b.ByteCount() > p.maxEntrySize:
		return "too large"
	}
	return ""
}

// Trim shrinks the pool to the share of MaxSize the level retains.
func (p *Pool) Trim(level pressure.Level) {
	target := level.TargetSize(p.maxSize)

	p.mu.Lock()
	before := p.size
	evicted := p.evictLocked(target)
	size, entries := p.size, p.store.len()
	p.mu.Unlock()

	p.recordEvictions(evicted)
	p.metrics.ObserveSize(size, entries)
	if evicted > 0 {
		p.log.Debug("bufferpool: trimmed", "level", level.String(),
			"released", bytesize.Format(before-size), "evicted", evicted)
	}
}

func (p *Pool) Clear() {
	p.mu.Lock()
	evicted := p.evictLocked(0)
	p.mu.Unlock()

	p.recordEvictions(evicted)
	p.metrics.ObserveSize(0, 0)
}

// evictLocked drops least recently used buffers until size <= target.
func (p *Pool) evictLocked(target int64) int {
	evicted := 0
	for p.size > target {
		b, ok := p.store.removeLast()
		if !ok {
			break
		}
		p.size -= b.ByteCount()
		b.pooled = false
		b.Release()
		evicted++
	}
	return evicted
}

func (p *Pool) recordGet(hit bool) {
	if hit {
		p.hits.Add(1)
	} else {
		p.misses.Add(1)
	}
	p.metrics.ObserveGet(hit)
}

func (p *Pool) recordEvictions(n int) {
	if n == 0 {
		return
	}
	p.evictions.Add(int64(n))
	p.metrics.ObserveEvictions(n)
}

func (p *Pool) Size() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

func (p *Pool) MaxSize() int64 {
	return p.maxSize
}

func (p *Pool) Strategy() Strategy {
	return p.strategy
}

// Allowed reports whether Put accepts buffers of format f.
func (p *Pool) Allowed(f PixelFormat) bool {
	return p.allowed[f]
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	size, entries := p.size, p.store.len()
	p.mu.Unlock()

	return Stats{
		Hits:       p.hits.Load(),
		Misses:     p.misses.Load(),
		Puts:       p.puts.Load(),
		Rejections: p.rejections.Load(),
		Evictions:  p.evictions.Load(),
		Size:       size,
		MaxSize:    p.maxSize,
		EntryCount: entries,
	}
}
