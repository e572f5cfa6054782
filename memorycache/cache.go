// Package memorycache is a size-bounded LRU of decoded resources that
// never evicts a resource while a consumer holds it.
package memorycache

import (
	"container/list"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/panpf/sketch-sub018/bytesize"
	"github.com/panpf/sketch-sub018/internal/keylock"
	"github.com/panpf/sketch-sub018/metrics"
	"github.com/panpf/sketch-sub018/pressure"
)

const DefaultMaxSize = 128 * bytesize.MiB

type Options struct {
	MaxSize int64
	Logger  *slog.Logger
	Metrics *metrics.CacheMetrics
}

func DefaultOptions() Options {
	return Options{MaxSize: DefaultMaxSize}
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
	return fmt.Sprintf("MemoryCache(size=%s, entries=%d, hits=%d, misses=%d, evictions=%d)",
		bytesize.Usage(s.Size, s.MaxSize), s.EntryCount, s.Hits, s.Misses, s.Evictions)
}

type item struct {
	key string
	res *Resource
}

// Cache is safe for concurrent use. Both Put and Get refresh recency.
type Cache struct {
	mu      sync.Mutex
	maxSize int64
	size    int64
	items   map[string]*list.Element
	lru     *list.List

	locks   *keylock.Table
	log     *slog.Logger
	metrics *metrics.CacheMetrics

	hits       atomic.Int64
	misses     atomic.Int64
	puts       atomic.Int64
	rejections atomic.Int64
	evictions  atomic.Int64
}

func New(opts Options) *Cache {
	maxSize := opts.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		lru:     list.New(),
		locks:   keylock.New(),
		log:     logger,
		metrics: opts.Metrics,
	}
}

// Put makes res resident under key. A different resource already under key
// is evicted first. Put fails when res alone exceeds MaxSize or when the
// resources still checked out leave no room for it; the caller keeps its
// own references either way.
func (c *Cache) Put(key string, res *Resource) bool {
	if res == nil || res.Freed() || res.Size() > c.maxSize {
		c.reject()
		return false
	}

	var dropped []*Resource

	c.mu.Lock()
	if elem, ok := c.items[key]; ok {
		it := elem.Value.(*item)
		if it.res == res {
			c.lru.MoveToFront(elem)
			c.mu.Unlock()
			c.puts.Add(1)
			c.metrics.ObservePut(true)
			return true
		}
		dropped = append(dropped, c.removeElementLocked(elem))
	}

	victims, ok := c.victimsLocked(c.maxSize - res.Size())
	if !ok {
		c.mu.Unlock()
		c.releaseAll(dropped)
		c.reject()
		return false
	}
	for _, elem := range victims {
		dropped = append(dropped, c.removeElementLocked(elem))
	}

	res.reside()
	c.items[key] = c.lru.PushFront(&item{key: key, res: res})
	c.size += res.Size()
	size, entries := c.size, len(c.items)
	c.mu.Unlock()

	c.releaseAll(dropped)
	c.recordEvictions(len(victims))
	c.puts.Add(1)
	c.metrics.ObservePut(true)
	c.metrics.ObserveSize(size, entries)
	return true
}

// Get checks out the resource under key. The caller must Release it.
func (c *Cache) Get(key string) (*Resource, bool) {
	c.mu.Lock()
	elem, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		c.misses.Add(1)
		c.metrics.ObserveGet(false)
		return nil, false
	}
	c.lru.MoveToFront(elem)
	res := elem.Value.(*item).res
	res.refs.Add(1)
	c.mu.Unlock()

	c.hits.Add(1)
	c.metrics.ObserveGet(true)
	return res, true
}

// Exist reports residency without checking out or touching recency.
func (c *Cache) Exist(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[key]
	return ok
}

// Remove ends the residency of key. The payload is freed once every
// checkout is released. The returned resource is not checked out.
func (c *Cache) Remove(key string) (*Resource, bool) {
	c.mu.Lock()
	elem, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		return nil, false
	}
	res := c.removeElementLocked(elem)
	size, entries := c.size, len(c.items)
	c.mu.Unlock()

	res.Release()
	c.metrics.ObserveSize(size, entries)
	return res, true
}

// Trim evicts least recently used resources until the level's share of
// MaxSize is reached. Checked-out resources are skipped and reconsidered
// on the next trim.
func (c *Cache) Trim(level pressure.Level) {
	target := level.TargetSize(c.maxSize)

	c.mu.Lock()
	before := c.size
	victims, _ := c.victimsLocked(target)
	dropped := make([]*Resource, 0, len(victims))
	for _, elem := range victims {
		dropped = append(dropped, c.removeElementLocked(elem))
	}
	size, entries := c.size, len(c.items)
	c.mu.Unlock()

	c.releaseAll(dropped)
	c.recordEvictions(len(victims))
	c.metrics.ObserveSize(size, entries)
	if len(victims) > 0 {
		c.log.Debug("memorycache: trimmed", "level", level.String(),
			"released", bytesize.Format(before-size), "evicted", len(victims), "size", bytesize.Format(size))
	}
}

// Clear ends the residency of every entry. Checked-out payloads stay alive
// until their holders release them.
func (c *Cache) Clear() {
	c.mu.Lock()
	dropped := make([]*Resource, 0, len(c.items))
	for elem := c.lru.Back(); elem != nil; {
		prev := elem.Prev()
		dropped = append(dropped, c.removeElementLocked(elem))
		elem = prev
	}
	c.mu.Unlock()

	c.releaseAll(dropped)
	c.recordEvictions(len(dropped))
	c.metrics.ObserveSize(0, 0)
}

// EditLock returns a mutex named by key, for callers that want to decode a
// key at most once at a time. The cache never takes it itself.
func (c *Cache) EditLock(key string) sync.Locker {
	return c.locks.Locker(key)
}

// victimsLocked picks evictable entries, least recently used first, until
// the size would drop to target. ok is false when the checked-out entries
// alone exceed target; the returned victims are then as many as possible.
func (c *Cache) victimsLocked(target int64) (victims []*list.Element, ok bool) {
	size := c.size
	for elem := c.lru.Back(); elem != nil && size > target; elem = elem.Prev() {
		res := elem.Value.(*item).res
		if res.checkedOut() {
			continue
		}
		victims = append(victims, elem)
		size -= res.Size()
	}
	return victims, size <= target
}

func (c *Cache) removeElementLocked(elem *list.Element) *Resource {
	it := elem.Value.(*item)
	c.lru.Remove(elem)
	delete(c.items, it.key)
	c.size -= it.res.Size()
	it.res.unreside()
	return it.res
}

func (c *Cache) releaseAll(resources []*Resource) {
	for _, res := range resources {
		res.Release()
	}
}

func (c *Cache) reject() {
	c.rejections.Add(1)
	c.metrics.ObservePut(false)
}

func (c *Cache) recordEvictions(n int) {
	if n == 0 {
		return
	}
	c.evictions.Add(int64(n))
	c.metrics.ObserveEvictions(n)
}

func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

func (c *Cache) MaxSize() int64 {
	return c.maxSize
}

// Keys lists resident keys, most recently used first.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.items))
	for elem := c.lru.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(*item).key)
	}
	return keys
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	size, entries := c.size, len(c.items)
	c.mu.Unlock()

	return Stats{
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Puts:       c.puts.Load(),
		Rejections: c.rejections.Load(),
		Evictions:  c.evictions.Load(),
		Size:       size,
		MaxSize:    c.maxSize,
		EntryCount: entries,
	}
}
