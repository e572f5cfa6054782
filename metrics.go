package sketch

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/panpf/sketch-sub018/metrics"
)

type engineMetrics struct {
	keys   *metrics.CacheMetrics
	memory *metrics.CacheMetrics
	pool   *metrics.CacheMetrics
	disk   *metrics.DiskMetrics

	reg        prometheus.Registerer
	collectors []prometheus.Collector
}

// newEngineMetrics builds and registers the metrics of every cache. With a
// nil registerer nothing is collected.
func newEngineMetrics(reg prometheus.Registerer, constLabels prometheus.Labels) (engineMetrics, error) {
	if reg == nil {
		return engineMetrics{}, nil
	}
	m := engineMetrics{
		keys:   metrics.DefaultCacheMetrics(metrics.SubsystemKeyMapper, constLabels),
		memory: metrics.DefaultCacheMetrics(metrics.SubsystemMemoryCache, constLabels),
		pool:   metrics.DefaultCacheMetrics(metrics.SubsystemBufferPool, constLabels),
		disk:   metrics.DefaultDiskMetrics(constLabels),
	}
	var cs []prometheus.Collector
	cs = append(cs, m.keys.Collectors()...)
	cs = append(cs, m.memory.Collectors()...)
	cs = append(cs, m.pool.Collectors()...)
	cs = append(cs, m.disk.Collectors()...)
	if err := metrics.Register(reg, cs); err != nil {
		return engineMetrics{}, err
	}
	m.reg = reg
	m.collectors = cs
	return m, nil
}

// unregister removes the collectors so the registerer can host another
// engine with the same labels.
func (m engineMetrics) unregister() {
	metrics.Unregister(m.reg, m.collectors)
}
