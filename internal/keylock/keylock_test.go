package keylock

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestTable_MutualExclusion(t *testing.T) {
	table := New()

	var inside atomic.Int32
	var maxInside atomic.Int32
	var g errgroup.Group
	for rep := 0; rep < 16; rep++ {
		g.Go(func() error {
			l := table.Locker("same")
			for rep := 0; rep < 100; rep++ {
				l.Lock()
				n := inside.Add(1)
				if n > maxInside.Load() {
					maxInside.Store(n)
				}
				inside.Add(-1)
				l.Unlock()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, int32(1), maxInside.Load())
	require.Equal(t, 0, table.Len())
}

func TestTable_DistinctKeysDoNotBlock(t *testing.T) {
	table := New()

	a := table.Locker("a")
	a.Lock()
	defer a.Unlock()

	done := make(chan struct{})
	go func() {
		b := table.Locker("b")
		b.Lock()
		b.Unlock()
		close(done)
	}()
	<-done
	require.Equal(t, 1, table.Len())
}

func TestTable_EntriesReleased(t *testing.T) {
	table := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := string(rune('a' + i%5))
			table.Lock(key)
			table.Unlock(key)
		}(i)
	}
	wg.Wait()
	require.Equal(t, 0, table.Len())
}

func TestTable_UnlockUnheldPanics(t *testing.T) {
	table := New()
	require.Panics(t, func() { table.Unlock("nope") })
}
