package bufferpool

import "sort"

// Strategy selects how pooled buffers are matched to requests.
//
// StrategyExact only hands out a buffer with the requested width, height and
// format. Decoders can use the result as is.
//
// StrategySize buckets by allocation size and format. A request is served
// by the smallest pooled allocation that is at least as large as the
// requested byte count and at most MaxSizeMultiple times larger; the buffer
// is reconfigured to the requested geometry before it is returned, so its
// capacity may exceed len(Pix). Decoders must write through Stride and
// len(Pix), never cap(Pix).
type Strategy int

const (
	StrategyExact Strategy = iota
	StrategySize
)

// MaxSizeMultiple bounds how much larger a StrategySize hit may be.
const MaxSizeMultiple = 8

func (s Strategy) String() string {
	if s == StrategySize {
		return "size"
	}
	return "exact"
}

type bufferStore interface {
	put(b *Buffer)
	get(width, height int, format PixelFormat) *Buffer
	removeLast() (*Buffer, bool)
	len() int
}

func newStore(s Strategy) bufferStore {
	if s == StrategySize {
		return newSizeStore()
	}
	return &exactStore{groups: newGroupedLRU[exactKey]()}
}

type exactKey struct {
	width  int
	height int
	format PixelFormat
}

type exactStore struct {
	groups *groupedLRU[exactKey]
}

func (s *exactStore) put(b *Buffer) {
	s.groups.put(exactKey{b.Width, b.Height, b.Format}, b)
}

func (s *exactStore) get(width, height int, format PixelFormat) *Buffer {
	return s.groups.get(exactKey{width, height, format})
}

func (s *exactStore) removeLast() (*Buffer, bool) {
	_, b, ok := s.groups.removeLast()
	return b, ok
}

func (s *exactStore) len() int {
	return s.groups.len()
}

type sizeKey struct {
	size   int64
	format PixelFormat
}

// sizeStore keeps, per format, the sorted distinct allocation sizes
// currently pooled so a ceiling lookup is a binary search.
type sizeStore struct {
	groups *groupedLRU[sizeKey]
	sizes  map[PixelFormat][]int64
	counts map[sizeKey]int
}

func newSizeStore() *sizeStore {
	return &sizeStore{
		groups: newGroupedLRU[sizeKey](),
		sizes:  make(map[PixelFormat][]int64),
		counts: make(map[sizeKey]int),
	}
}

func (s *sizeStore) put(b *Buffer) {
	key := sizeKey{b.ByteCount(), b.Format}
	s.groups.put(key, b)
	s.incr(key)
}

func (s *sizeStore) get(width, height int, format PixelFormat) *Buffer {
	need := ByteCount(width, height, format)
	sizes := s.sizes[format]
	i := sort.Search(len(sizes), func(i int) bool { return sizes[i] >= need })
	if i == len(sizes) || sizes[i] > need*MaxSizeMultiple {
		return nil
	}
	key := sizeKey{sizes[i], format}
	b := s.groups.get(key)
	if b == nil {
		return nil
	}
	s.decr(key)
	if err := b.Reconfigure(width, height, format); err != nil {
		// Unreachable while sizes mirrors the pooled allocations.
		s.put(b)
		return nil
	}
	return b
}

func (s *sizeStore) removeLast() (*Buffer, bool) {
	key, b, ok := s.groups.removeLast()
	if ok {
		s.decr(key)
	}
	return b, ok
}

func (s *sizeStore) len() int {
	return s.groups.len()
}

func (s *sizeStore) incr(key sizeKey) {
	s.counts[key]++
	if s.counts[key] > 1 {
		return
	}
	sizes := s.sizes[key.format]
	i := sort.Search(len(sizes), func(i int) bool { return sizes[i] >= key.size })
	sizes = append(sizes, 0)
	copy(sizes[i+1:], sizes[i:])
	sizes[i] = key.size
	s.sizes[key.format] = sizes
}

func (s *sizeStore) decr(key sizeKey) {
	s.counts[key]--
	if s.counts[key] > 0 {
		return
	}
	delete(s.counts, key)
	sizes := s.sizes[key.format]
	i := sort.Search(len(sizes), func(i int) bool { return sizes[i] >= key.size })
	if i < len(sizes) && sizes[i] == key.size {
		sizes = append(sizes[:i], sizes[i+1:]...)
	}
	if len(sizes) == 0 {
		delete(s.sizes, key.format)
		return
	}
	s.sizes[key.format] = sizes
}
