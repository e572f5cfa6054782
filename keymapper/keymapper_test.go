package keymapper

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newMapper(t *testing.T, opts Options) *Mapper {
	t.Helper()
	m, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func TestMapper_ShortKeysPassThrough(t *testing.T) {
	m := newMapper(t, DefaultOptions())

	key := "https://example.com/a.jpg"
	require.Equal(t, key, m.StorageKey(key))
	require.Equal(t, int64(0), m.Stats().Misses)
}

func TestMapper_LongKeysHashed(t *testing.T) {
	m := newMapper(t, DefaultOptions())

	key := "https://example.com/image.jpg?" + strings.Repeat("resize=100x100&", 20)
	got := m.StorageKey(key)
	require.Len(t, got, HashLength)
	require.Equal(t, Hash(key), got)
	require.Equal(t, got, m.StorageKey(key))

	other := m.StorageKey(key + "&crop=center")
	require.NotEqual(t, got, other)
}

func TestMapper_BoundedLength(t *testing.T) {
	m := newMapper(t, Options{MaxKeyLength: 16})

	for _, key := range []string{"short", strings.Repeat("x", 16), strings.Repeat("y", 17), strings.Repeat("z", 4096)} {
		require.LessOrEqual(t, len(m.StorageKey(key)), HashLength)
	}
}

func TestMapper_MemoHit(t *testing.T) {
	m := newMapper(t, Options{MaxKeyLength: 8, MemoCost: DefaultMemoCost})

	key := strings.Repeat("k", 100)
	first := m.StorageKey(key)
	m.memo.Wait()

	second := m.StorageKey(key)
	require.Equal(t, first, second)

	stats := m.Stats()
	require.Equal(t, int64(1), stats.Misses)
	require.Equal(t, int64(1), stats.Hits)
}

func TestMapper_NoMemo(t *testing.T) {
	m := newMapper(t, Options{MaxKeyLength: 8})
	require.Nil(t, m.memo)

	key := strings.Repeat("k", 100)
	require.Equal(t, m.StorageKey(key), m.StorageKey(key))
	require.Equal(t, int64(2), m.Stats().Misses)
}

func TestMapper_Concurrent(t *testing.T) {
	m := newMapper(t, Options{MaxKeyLength: 8, MemoCost: DefaultMemoCost})

	key := strings.Repeat("concurrent", 10)
	want := Hash(key)

	var g errgroup.Group
	for rep := 0; rep < 8; rep++ {
		g.Go(func() error {
			for rep := 0; rep < 200; rep++ {
				if got := m.StorageKey(key); got != want {
					t.Errorf("got %s, want %s", got, want)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}
