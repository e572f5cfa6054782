// Package keymapper turns logical cache keys of any length into the
// bounded-length storage keys used by the memory, buffer and disk caches.
package keymapper

import (
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/panpf/sketch-sub018/bytesize"
	"github.com/panpf/sketch-sub018/metrics"
)

// HashLength is the length of a hashed storage key.
const HashLength = sha256.Size * 2

const (
	DefaultMaxKeyLength = HashLength
	DefaultMemoCost     = 1 * bytesize.MiB

	// Average logical key plus its hash; used to size the memo's counters.
	estimatedEntryCost = 256
)

type Options struct {
	// MaxKeyLength is the longest key passed through unchanged. Longer keys
	// are replaced by their hash.
	MaxKeyLength int

	// MemoCost bounds the bytes held by the memo of recent mappings.
	// Zero disables the memo.
	MemoCost int64

	Metrics *metrics.CacheMetrics
}

func DefaultOptions() Options {
	return Options{
		MaxKeyLength: DefaultMaxKeyLength,
		MemoCost:     DefaultMemoCost,
	}
}

type Stats struct {
	Hits   int64
	Misses int64
}

// Mapper is safe for concurrent use.
type Mapper struct {
	maxKeyLength int
	memo         *ristretto.Cache[string, string]
	metrics      *metrics.CacheMetrics

	hits   atomic.Int64
	misses atomic.Int64
}

func New(opts Options) (*Mapper, error) {
	maxLen := opts.MaxKeyLength
	if maxLen <= 0 {
		maxLen = DefaultMaxKeyLength
	}

	m := &Mapper{
		maxKeyLength: maxLen,
		metrics:      opts.Metrics,
	}
	if opts.MemoCost <= 0 {
		return m, nil
	}

	memo, err := ristretto.NewCache(&ristretto.Config[string, string]{
		NumCounters:        memoCounters(opts.MemoCost),
		MaxCost:            opts.MemoCost,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	m.memo = memo
	return m, nil
}

func memoCounters(maxCost int64) int64 {
	entries := maxCost / estimatedEntryCost
	if entries < 1 {
		entries = 1
	}
	counters := entries * 10
	if counters < 1024 {
		counters = 1024
	}
	return counters
}

// StorageKey is deterministic: equal logical keys always map to equal
// storage keys. The result is never longer than max(MaxKeyLength,
// HashLength). Distinct logical keys may collide with negligible
// probability.
func (m *Mapper) StorageKey(key string) string {
	if len(key) <= m.maxKeyLength {
		return key
	}

	if m.memo != nil {
		if mapped, ok := m.memo.Get(key); ok {
			m.hits.Add(1)
			m.metrics.ObserveGet(true)
			return mapped
		}
	}
	m.misses.Add(1)
	m.metrics.ObserveGet(false)

	mapped := Hash(key)
	if m.memo != nil {
		m.memo.Set(key, mapped, int64(len(key)+len(mapped)))
	}
	return mapped
}

func (m *Mapper) MaxKeyLength() int {
	return m.maxKeyLength
}

func (m *Mapper) Stats() Stats {
	return Stats{
		Hits:   m.hits.Load(),
		Misses: m.misses.Load(),
	}
}

func (m *Mapper) Close() {
	if m.memo != nil {
		m.memo.Close()
	}
}

// Hash returns the hex SHA-256 of key.
func Hash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
