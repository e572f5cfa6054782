package memorycache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/panpf/sketch-sub018/bytesize"
	"github.com/panpf/sketch-sub018/pressure"
)

type freeRecorder struct {
	mu    sync.Mutex
	freed []string
}

func (f *freeRecorder) resource(name string, size int64) *Resource {
	return NewResource(name, size, func(payload any) {
		f.mu.Lock()
		f.freed = append(f.freed, payload.(string))
		f.mu.Unlock()
	})
}

func (f *freeRecorder) list() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.freed...)
}

func TestCache_PutGetRemove(t *testing.T) {
	var rec freeRecorder
	c := New(Options{MaxSize: 100})

	res := rec.resource("a", 10)
	require.True(t, c.Put("a", res))
	require.Equal(t, int64(1), res.RefCount())
	require.Equal(t, int64(10), c.Size())

	got, ok := c.Get("a")
	require.True(t, ok)
	require.Same(t, res, got)
	require.Equal(t, int64(2), res.RefCount())
	got.Release()

	_, ok = c.Get("missing")
	require.False(t, ok)

	removed, ok := c.Remove("a")
	require.True(t, ok)
	require.Same(t, res, removed)
	require.True(t, res.Freed())
	require.Equal(t, []string{"a"}, rec.list())
	require.Equal(t, int64(0), c.Size())

	_, ok = c.Remove("a")
	require.False(t, ok)

	stats := c.Stats()
	require.Equal(t, int64(1), stats.Hits)
	require.Equal(t, int64(1), stats.Misses)
}

func TestCache_RejectsOversized(t *testing.T) {
	c := New(Options{MaxSize: 100})
	require.False(t, c.Put("big", NewResource(nil, 101, nil)))
	require.False(t, c.Put("nil", nil))
	require.Equal(t, int64(2), c.Stats().Rejections)
	require.Equal(t, int64(0), c.Size())
}

func TestCache_LRUOrder(t *testing.T) {
	var rec freeRecorder
	c := New(Options{MaxSize: 30})

	require.True(t, c.Put("a", rec.resource("a", 10)))
	require.True(t, c.Put("b", rec.resource("b", 10)))
	require.True(t, c.Put("c", rec.resource("c", 10)))

	res, ok := c.Get("a")
	require.True(t, ok)
	res.Release()

	require.True(t, c.Put("d", rec.resource("d", 10)))
	require.False(t, c.Exist("b"), "b is least recently used")
	require.True(t, c.Exist("a"))
	require.Equal(t, []string{"b"}, rec.list())
	require.Equal(t, []string{"d", "a", "c"}, c.Keys())
	require.LessOrEqual(t, c.Size(), c.MaxSize())
}

func TestCache_CheckedOutNeverEvicted(t *testing.T) {
	var rec freeRecorder
	mb := bytesize.MiB
	c := New(Options{MaxSize: 10 * mb})

	require.True(t, c.Put("A", rec.resource("A", 1*mb)))
	require.True(t, c.Put("B", rec.resource("B", 2*mb)))
	require.True(t, c.Put("C", rec.resource("C", 3*mb)))
	require.True(t, c.Put("D", rec.resource("D", 4*mb)))

	held, ok := c.Get("A")
	require.True(t, ok)

	require.True(t, c.Put("E", rec.resource("E", 5*mb)))
	require.True(t, c.Exist("A"))
	require.False(t, held.Freed())
	require.False(t, c.Exist("B"))
	require.False(t, c.Exist("C"))
	require.True(t, c.Exist("D"))
	require.True(t, c.Exist("E"))
	require.Equal(t, 10*mb, c.Size())
	require.ElementsMatch(t, []string{"B", "C"}, rec.list())

	again, ok := c.Get("A")
	require.True(t, ok)
	again.Release()
	held.Release()
}

func TestCache_PutFailsWhenPinnedLeaveNoRoom(t *testing.T) {
	c := New(Options{MaxSize: 10})

	require.True(t, c.Put("a", NewResource("a", 6, nil)))
	held, _ := c.Get("a")
	defer held.Release()

	require.False(t, c.Put("b", NewResource("b", 5, nil)))
	require.True(t, c.Exist("a"))
	require.Equal(t, int64(6), c.Size())
}

func TestCache_ReplaceKey(t *testing.T) {
	var rec freeRecorder
	c := New(Options{MaxSize: 100})

	first := rec.resource("first", 10)
	second := rec.resource("second", 20)
	require.True(t, c.Put("k", first))
	require.True(t, c.Put("k", first), "same resource only refreshes")
	require.Equal(t, int64(1), first.RefCount())

	require.True(t, c.Put("k", second))
	require.True(t, first.Freed())
	require.Equal(t, int64(20), c.Size())

	got, ok := c.Get("k")
	require.True(t, ok)
	require.Same(t, second, got)
	got.Release()
}

func TestCache_RemoveWhileCheckedOut(t *testing.T) {
	var rec freeRecorder
	c := New(Options{MaxSize: 100})

	res := rec.resource("a", 10)
	require.True(t, c.Put("a", res))
	held, _ := c.Get("a")

	_, ok := c.Remove("a")
	require.True(t, ok)
	require.False(t, res.Freed(), "still checked out")
	require.Empty(t, rec.list())

	held.Release()
	require.True(t, res.Freed())
	require.Equal(t, []string{"a"}, rec.list())
}

func TestCache_TrimSkipsCheckedOut(t *testing.T) {
	var rec freeRecorder
	c := New(Options{MaxSize: 40})

	for i := 0; i < 4; i++ {
		require.True(t, c.Put(fmt.Sprintf("k%d", i), rec.resource(fmt.Sprintf("k%d", i), 10)))
	}
	held, _ := c.Get("k0")

	c.Trim(pressure.RunningModerate)
	require.Equal(t, int64(40), c.Size())

	c.Trim(pressure.Background)
	require.LessOrEqual(t, c.Size(), int64(20))
	require.True(t, c.Exist("k0"))

	c.Trim(pressure.Complete)
	require.Equal(t, []string{"k0"}, c.Keys())
	require.Equal(t, int64(10), c.Size())

	held.Release()
	c.Trim(pressure.Complete)
	require.Equal(t, int64(0), c.Size())
	require.Len(t, rec.list(), 4)
}

func TestCache_ClearIdempotent(t *testing.T) {
	var rec freeRecorder
	c := New(Options{MaxSize: 100})

	require.True(t, c.Put("a", rec.resource("a", 10)))
	require.True(t, c.Put("b", rec.resource("b", 10)))
	held, _ := c.Get("b")

	c.Clear()
	require.Equal(t, int64(0), c.Size())
	require.False(t, c.Exist("a"))
	require.False(t, c.Exist("b"))
	require.Equal(t, []string{"a"}, rec.list())

	c.Clear()
	require.Equal(t, int64(0), c.Size())

	held.Release()
	require.ElementsMatch(t, []string{"a", "b"}, rec.list())
}

func TestResource_ReleaseClamped(t *testing.T) {
	var frees atomic.Int32
	res := NewResource("x", 1, func(any) { frees.Add(1) })

	res.Retain()
	res.Release()
	require.True(t, res.Freed())

	res.Release()
	require.Equal(t, int64(0), res.RefCount())
	require.Equal(t, int32(1), frees.Load())

	res.Retain()
	require.Equal(t, int64(0), res.RefCount(), "freed resources cannot be revived")
}

func TestCache_EditLock(t *testing.T) {
	c := New(DefaultOptions())

	var decodes atomic.Int32
	var g errgroup.Group
	for rep := 0; rep < 8; rep++ {
		g.Go(func() error {
			if res, ok := c.Get("img"); ok {
				res.Release()
				return nil
			}
			lock := c.EditLock("img")
			lock.Lock()
			defer lock.Unlock()
			if res, ok := c.Get("img"); ok {
				res.Release()
				return nil
			}
			decodes.Add(1)
			c.Put("img", NewResource("pixels", 100, nil))
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, int32(1), decodes.Load())
}

func TestCache_Concurrent(t *testing.T) {
	c := New(Options{MaxSize: 1000})

	var g errgroup.Group
	for w := 0; w < 8; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < 500; i++ {
				key := fmt.Sprintf("k%d", (w*7+i)%40)
				if res, ok := c.Get(key); ok {
					if res.Freed() {
						return fmt.Errorf("checked out %s after free", key)
					}
					res.Release()
					continue
				}
				c.Put(key, NewResource(key, 50, nil))
				if i%100 == 0 {
					c.Trim(pressure.Background)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.LessOrEqual(t, c.Size(), c.MaxSize())
	require.Contains(t, c.Stats().String(), "MemoryCache(")
}
