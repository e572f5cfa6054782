// Package metrics holds the Prometheus collectors reported by the caches.
// Every method is safe to call on a nil receiver, so caches built without
// metrics skip the bookkeeping.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sketch"

const (
	SubsystemMemoryCache = "memory_cache"
	SubsystemBufferPool  = "buffer_pool"
	SubsystemDiskCache   = "disk_cache"
	SubsystemKeyMapper   = "key_mapper"
)

type CacheMetrics struct {
	Hits       prometheus.Counter
	Misses     prometheus.Counter
	Puts       prometheus.Counter
	Rejections prometheus.Counter
	Evictions  prometheus.Counter
	SizeBytes  prometheus.Gauge
	Entries    prometheus.Gauge
}

func (m *CacheMetrics) incCounter(counter prometheus.Counter) {
	if m == nil || counter == nil {
		return
	}
	counter.Inc()
}

func (m *CacheMetrics) addCounter(counter prometheus.Counter, value float64) {
	if m == nil || counter == nil || value == 0 {
		return
	}
	counter.Add(value)
}

func (m *CacheMetrics) setGauge(gauge prometheus.Gauge, value float64) {
	if m == nil || gauge == nil {
		return
	}
	gauge.Set(value)
}

func (m *CacheMetrics) ObserveGet(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.incCounter(m.Hits)
		return
	}
	m.incCounter(m.Misses)
}

func (m *CacheMetrics) ObservePut(accepted bool) {
	if m == nil {
		return
	}
	if accepted {
		m.incCounter(m.Puts)
		return
	}
	m.incCounter(m.Rejections)
}

func (m *CacheMetrics) ObserveEvictions(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.addCounter(m.Evictions, float64(n))
}

func (m *CacheMetrics) ObserveSize(sizeBytes int64, entries int) {
	if m == nil {
		return
	}
	m.setGauge(m.SizeBytes, float64(sizeBytes))
	m.setGauge(m.Entries, float64(entries))
}

func (m *CacheMetrics) Collectors() []prometheus.Collector {
	if m == nil {
		return nil
	}
	return collectors(m.Hits, m.Misses, m.Puts, m.Rejections, m.Evictions, m.SizeBytes, m.Entries)
}

func DefaultCacheMetrics(subsystem string, constLabels prometheus.Labels) *CacheMetrics {
	return &CacheMetrics{
		Hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "hits_total",
			Help:        "Total lookups that found an entry.",
			ConstLabels: constLabels,
		}),
		Misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "misses_total",
			Help:        "Total lookups that found nothing.",
			ConstLabels: constLabels,
		}),
		Puts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "puts_total",
			Help:        "Total entries accepted.",
			ConstLabels: constLabels,
		}),
		Rejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "rejections_total",
			Help:        "Total entries refused (too large, incompatible or unevictable budget).",
			ConstLabels: constLabels,
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "evictions_total",
			Help:        "Total entries evicted to stay within budget.",
			ConstLabels: constLabels,
		}),
		SizeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "size_bytes",
			Help:        "Bytes currently accounted to the cache.",
			ConstLabels: constLabels,
		}),
		Entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "entries",
			Help:        "Entries currently resident.",
			ConstLabels: constLabels,
		}),
	}
}

// DiskMetrics extends CacheMetrics with the edit and journal lifecycle of
// the disk cache.
type DiskMetrics struct {
	CacheMetrics

	CommitTotal     prometheus.Counter
	CommitErrors    prometheus.Counter
	CommitLatency   prometheus.Histogram
	CommitBytes     prometheus.Counter
	AbortTotal      prometheus.Counter
	JournalRebuilds prometheus.Counter
	Wipes           prometheus.Counter
}

// Cache returns the embedded cache metrics, nil for a nil receiver.
func (m *DiskMetrics) Cache() *CacheMetrics {
	if m == nil {
		return nil
	}
	return &m.CacheMetrics
}

func (m *DiskMetrics) observeHistogram(histogram prometheus.Histogram, value float64) {
	if m == nil || histogram == nil {
		return
	}
	histogram.Observe(value)
}

func (m *DiskMetrics) ObserveCommit(d time.Duration, sizeBytes int64, err error) {
	if m == nil {
		return
	}
	m.incCounter(m.CommitTotal)
	m.observeHistogram(m.CommitLatency, d.Seconds())
	if err != nil {
		m.incCounter(m.CommitErrors)
		return
	}
	if sizeBytes > 0 {
		m.addCounter(m.CommitBytes, float64(sizeBytes))
	}
}

func (m *DiskMetrics) ObserveAbort() {
	if m == nil {
		return
	}
	m.incCounter(m.AbortTotal)
}

func (m *DiskMetrics) ObserveJournalRebuild() {
	if m == nil {
		return
	}
	m.incCounter(m.JournalRebuilds)
}

func (m *DiskMetrics) ObserveWipe() {
	if m == nil {
		return
	}
	m.incCounter(m.Wipes)
}

func (m *DiskMetrics) Collectors() []prometheus.Collector {
	if m == nil {
		return nil
	}
	return append(m.CacheMetrics.Collectors(), collectors(
		m.CommitTotal, m.CommitErrors, m.CommitLatency, m.CommitBytes,
		m.AbortTotal, m.JournalRebuilds, m.Wipes,
	)...)
}

func DefaultDiskMetrics(constLabels prometheus.Labels) *DiskMetrics {
	return &DiskMetrics{
		CacheMetrics: *DefaultCacheMetrics(SubsystemDiskCache, constLabels),
		CommitTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   SubsystemDiskCache,
			Name:        "commit_total",
			Help:        "Total editor commits.",
			ConstLabels: constLabels,
		}),
		CommitErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   SubsystemDiskCache,
			Name:        "commit_errors_total",
			Help:        "Commits that failed and were rolled back.",
			ConstLabels: constLabels,
		}),
		CommitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   SubsystemDiskCache,
			Name:        "commit_latency_seconds",
			Help:        "Histogram of commit latency in seconds, including fsync.",
			ConstLabels: constLabels,
		}),
		CommitBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   SubsystemDiskCache,
			Name:        "commit_bytes_total",
			Help:        "Total bytes published by commits.",
			ConstLabels: constLabels,
		}),
		AbortTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   SubsystemDiskCache,
			Name:        "abort_total",
			Help:        "Total editor aborts.",
			ConstLabels: constLabels,
		}),
		JournalRebuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   SubsystemDiskCache,
			Name:        "journal_rebuilds_total",
			Help:        "Times the journal was compacted.",
			ConstLabels: constLabels,
		}),
		Wipes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   SubsystemDiskCache,
			Name:        "wipes_total",
			Help:        "Times the cache directory was cleared because of a version change or a corrupt journal.",
			ConstLabels: constLabels,
		}),
	}
}

// Register registers every collector on reg. On failure the collectors
// registered so far are unregistered again.
func Register(reg prometheus.Registerer, cs []prometheus.Collector) error {
	if reg == nil {
		return nil
	}
	for i, c := range cs {
		if err := reg.Register(c); err != nil {
			Unregister(reg, cs[:i])
			return err
		}
	}
	return nil
}

// Unregister removes collectors added by Register.
func Unregister(reg prometheus.Registerer, cs []prometheus.Collector) {
	if reg == nil {
		return
	}
	for _, c := range cs {
		reg.Unregister(c)
	}
}

func collectors(cs ...prometheus.Collector) []prometheus.Collector {
	out := make([]prometheus.Collector, 0, len(cs))
	for _, c := range cs {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}
