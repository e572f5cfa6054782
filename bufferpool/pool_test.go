package bufferpool

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/panpf/sketch-sub018/pressure"
)

var strategies = []Strategy{StrategyExact, StrategySize}

func newPool(s Strategy, maxSize int64) *Pool {
	return New(Options{MaxSize: maxSize, Strategy: s})
}

func TestPool_PutGet(t *testing.T) {
	for _, s := range strategies {
		t.Run(s.String(), func(t *testing.T) {
			p := newPool(s, 1<<20)

			b := NewBuffer(10, 10, FormatARGB8888)
			b.Pix[0] = 0xff
			require.True(t, p.Put(b))
			require.Equal(t, int64(400), p.Size())

			got := p.Get(10, 10, FormatARGB8888)
			require.Same(t, b, got)
			require.GreaterOrEqual(t, got.ByteCount(), ByteCount(10, 10, FormatARGB8888))
			require.Equal(t, byte(0), got.Pix[0], "Get must zero the buffer")
			require.Equal(t, int64(0), p.Size())

			require.Nil(t, p.Get(10, 10, FormatARGB8888))
		})
	}
}

func TestPool_GetDirtyKeepsContent(t *testing.T) {
	for _, s := range strategies {
		t.Run(s.String(), func(t *testing.T) {
			p := newPool(s, 1<<20)

			b := NewBuffer(4, 4, FormatRGB565)
			b.Pix[3] = 7
			require.True(t, p.Put(b))

			got := p.GetDirty(4, 4, FormatRGB565)
			require.NotNil(t, got)
			require.Equal(t, byte(7), got.Pix[3])
		})
	}
}

func TestPool_GetOrCreate(t *testing.T) {
	p := newPool(StrategyExact, 1<<20)

	b := p.GetOrCreate(8, 8, FormatAlpha8)
	require.NotNil(t, b)
	require.Len(t, b.Pix, 64)
	require.Equal(t, int64(1), p.Stats().Misses)
}

func TestPool_RejectsIncompatible(t *testing.T) {
	p := New(Options{
		MaxSize:        1 << 20,
		MaxEntrySize:   1 << 10,
		AllowedFormats: []PixelFormat{FormatARGB8888},
	})

	require.False(t, p.Put(nil))
	require.False(t, p.Put(NewBuffer(4, 4, FormatRGB565)), "format outside allowed set")

	released := NewBuffer(4, 4, FormatARGB8888)
	released.Release()
	require.False(t, p.Put(released))

	shared := WrapImmutable(make([]byte, 64), 4, 4, FormatARGB8888)
	require.False(t, p.Put(shared))

	require.False(t, p.Put(NewBuffer(32, 32, FormatARGB8888)), "larger than MaxEntrySize")
	require.False(t, p.Put(NewBuffer(4, 4, FormatHardware)))

	require.Equal(t, int64(0), p.Size())
	require.Equal(t, int64(6), p.Stats().Rejections)
	require.False(t, p.Allowed(FormatRGB565))
}

func TestPool_DoublePutRejected(t *testing.T) {
	p := newPool(StrategyExact, 1<<20)

	b := NewBuffer(2, 2, FormatARGB8888)
	require.True(t, p.Put(b))
	require.False(t, p.Put(b))
	require.Equal(t, int64(16), p.Size())
}

func TestPool_EvictsToFit(t *testing.T) {
	for _, s := range strategies {
		t.Run(s.String(), func(t *testing.T) {
			p := newPool(s, 1000)

			first := NewBuffer(10, 10, FormatARGB8888)
			second := NewBuffer(10, 10, FormatRGB565)
			third := NewBuffer(10, 10, FormatARGB4444)
			require.True(t, p.Put(first))
			require.True(t, p.Put(second))
			require.True(t, p.Put(third))
			require.Equal(t, int64(800), p.Size())

			fourth := NewBuffer(10, 10, FormatARGB8888)
			require.True(t, p.Put(fourth))
			require.LessOrEqual(t, p.Size(), p.MaxSize())
			require.True(t, first.Released(), "least recently used bucket evicted first")
			require.False(t, second.Released())
		})
	}
}

func TestPool_RecencyAcrossBuckets(t *testing.T) {
	p := newPool(StrategyExact, 1000)

	a := NewBuffer(10, 10, FormatARGB8888)
	b := NewBuffer(10, 10, FormatRGB565)
	require.True(t, p.Put(a))
	require.True(t, p.Put(b))

	require.Same(t, a, p.GetDirty(10, 10, FormatARGB8888))
	require.True(t, p.Put(a))

	require.True(t, p.Put(NewBuffer(15, 10, FormatARGB8888)))
	require.True(t, b.Released())
	require.False(t, a.Released())
}

func TestPool_EvictsOldestWithinBucket(t *testing.T) {
	p := newPool(StrategyExact, 1<<20)

	old := NewBuffer(4, 4, FormatARGB8888)
	young := NewBuffer(4, 4, FormatARGB8888)
	require.True(t, p.Put(old))
	require.True(t, p.Put(young))

	p.mu.Lock()
	p.evictLocked(p.size - 1)
	p.mu.Unlock()

	require.True(t, old.Released())
	require.False(t, young.Released())
}

func TestPool_SizeStrategyReuseAcrossAspectRatios(t *testing.T) {
	p := newPool(StrategySize, 1<<20)

	b := NewBuffer(100, 50, FormatARGB8888)
	require.True(t, p.Put(b))

	got := p.GetDirty(50, 100, FormatARGB8888)
	require.Same(t, b, got)
	require.Equal(t, 50, got.Width)
	require.Equal(t, 100, got.Height)
	require.Equal(t, 200, got.Stride)

	require.True(t, p.Put(got))
	smaller := p.GetDirty(10, 10, FormatARGB8888)
	require.Nil(t, smaller, "more than MaxSizeMultiple larger")

	smaller = p.GetDirty(40, 40, FormatARGB8888)
	require.Same(t, b, smaller)
	require.Len(t, smaller.Pix, 40*40*4)
	require.Equal(t, int64(100*50*4), smaller.ByteCount())

	require.Nil(t, p.GetDirty(50, 100, FormatRGB565), "formats never mix")
}

func TestPool_SizeStrategyPicksSmallestFit(t *testing.T) {
	p := newPool(StrategySize, 1<<20)

	big := NewBuffer(40, 40, FormatARGB8888)
	fit := NewBuffer(20, 20, FormatARGB8888)
	require.True(t, p.Put(big))
	require.True(t, p.Put(fit))

	require.Same(t, fit, p.GetDirty(18, 20, FormatARGB8888))
	require.Same(t, big, p.GetDirty(18, 20, FormatARGB8888))
}

func TestPool_Trim(t *testing.T) {
	for _, s := range strategies {
		t.Run(s.String(), func(t *testing.T) {
			p := newPool(s, 1600)
			for rep := 0; rep < 4; rep++ {
				require.True(t, p.Put(NewBuffer(10, 10, FormatARGB8888)))
			}
			require.Equal(t, int64(1600), p.Size())

			p.Trim(pressure.RunningLow)
			require.Equal(t, int64(1600), p.Size())

			p.Trim(pressure.Background)
			require.LessOrEqual(t, p.Size(), int64(800))
			require.Positive(t, p.Size())

			p.Trim(pressure.Moderate)
			require.Equal(t, int64(0), p.Size())
		})
	}
}

func TestPool_ClearIdempotent(t *testing.T) {
	p := newPool(StrategySize, 1<<20)
	require.True(t, p.Put(NewBuffer(4, 4, FormatARGB8888)))

	p.Clear()
	require.Equal(t, int64(0), p.Size())
	require.Equal(t, 0, p.Stats().EntryCount)
	p.Clear()
	require.Equal(t, int64(0), p.Size())
	require.Nil(t, p.GetDirty(4, 4, FormatARGB8888))
}

func TestPool_Concurrent(t *testing.T) {
	for _, s := range strategies {
		t.Run(s.String(), func(t *testing.T) {
			p := newPool(s, 64*1024)

			var g errgroup.Group
			for w := 0; w < 8; w++ {
				w := w
				g.Go(func() error {
					for i := 0; i < 200; i++ {
						width := 8 + (w+i)%8
						b := p.GetOrCreate(width, 8, FormatARGB8888)
						b.Pix[0] = byte(i)
						p.Put(b)
					}
					return nil
				})
			}
			require.NoError(t, g.Wait())
			require.LessOrEqual(t, p.Size(), p.MaxSize())
			require.Contains(t, p.Stats().String(), "BufferPool(")
		})
	}
}
