package stats

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "nearview"

// Metrics 汇总 prometheus 指标。nil *Metrics 上的方法都是空操作，方便测试里不注册。
type Metrics struct {
	ContractCalls       *prometheus.CounterVec
	ContractCallSeconds prometheus.Histogram
	PoolQueueDepth      prometheus.Gauge
	PoolActiveWorkers   prometheus.Gauge
	WorkerReplacements  prometheus.Counter
	CacheRequests       *prometheus.CounterVec
	IngestedBlocks      prometheus.Counter
	IngestedChanges     *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ContractCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "contract_calls_total",
			Help:      "View calls by outcome (ok or a fault code).",
		}, []string{"outcome"}),
		ContractCallSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "contract_call_seconds",
			Help:      "Wall-clock duration of view calls including queueing.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		}),
		PoolQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_queue_depth",
			Help:      "Calls waiting for a free worker.",
		}),
		PoolActiveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_active_workers",
			Help:      "Workers currently running a call.",
		}),
		WorkerReplacements: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_worker_replacements_total",
			Help:      "Workers discarded after a timeout or fault.",
		}),
		CacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Storage cache lookups by operation and result.",
		}, []string{"op", "result"}),
		IngestedBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingested_blocks_total",
			Help:      "Blocks written by the ingest handler.",
		}),
		IngestedChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingested_changes_total",
			Help:      "State changes written, by change type.",
		}, []string{"type"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ContractCalls,
			m.ContractCallSeconds,
			m.PoolQueueDepth,
			m.PoolActiveWorkers,
			m.WorkerReplacements,
			m.CacheRequests,
			m.IngestedBlocks,
			m.IngestedChanges,
		)
	}
	return m
}

func (m *Metrics) ObserveCall(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ContractCalls.WithLabelValues(outcome).Inc()
	m.ContractCallSeconds.Observe(d.Seconds())
}

func (m *Metrics) SetPool(queued, active int) {
	if m == nil {
		return
	}
	m.PoolQueueDepth.Set(float64(queued))
	m.PoolActiveWorkers.Set(float64(active))
}

func (m *Metrics) WorkerReplaced() {
	if m == nil {
		return
	}
	m.WorkerReplacements.Inc()
}

func (m *Metrics) CacheRequest(op string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheRequests.WithLabelValues(op, result).Inc()
}

func (m *Metrics) BlockIngested(changesByType map[string]int) {
	if m == nil {
		return
	}
	m.IngestedBlocks.Inc()
	for t, n := range changesByType {
		m.IngestedChanges.WithLabelValues(t).Add(float64(n))
	}
}
