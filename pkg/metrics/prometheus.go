package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "bboxkv"

// Prometheus exports engine events as Prometheus metrics.
type Prometheus struct {
	opLatency        *prometheus.HistogramVec
	opErrors         *prometheus.CounterVec
	flushes          *prometheus.CounterVec
	flushRecords     *prometheus.CounterVec
	flushBytes       *prometheus.CounterVec
	flushLatency     prometheus.Histogram
	callbackFailures *prometheus.CounterVec
	queueDepth       prometheus.Gauge
	memtableEntries  *prometheus.GaugeVec
	memtableBytes    *prometheus.GaugeVec
	ready            *prometheus.GaugeVec
}

var _ Collector = (*Prometheus)(nil)

// NewPrometheus creates the metrics and registers them with reg.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"table", "op"}),
		opErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_errors_total",
			Help:      "Storage operations that returned an error.",
		}, []string{"table", "op"}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_total",
			Help:      "Memtable flushes by result.",
		}, []string{"table", "result"}),
		flushRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushed_records_total",
			Help:      "Records written to segments.",
		}, []string{"table"}),
		flushBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushed_bytes_total",
			Help:      "Data file bytes written to segments.",
		}, []string{"table"}),
		flushLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_duration_seconds",
			Help:      "Time to persist one memtable.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		callbackFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flush_callback_failures_total",
			Help:      "Flush callbacks that failed or panicked.",
		}, []string{"table"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "flush_queue_depth",
			Help:      "Flush jobs queued or running.",
		}),
		memtableEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memtable_entries",
			Help:      "Entries in the active memtable.",
		}, []string{"table"}),
		memtableBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memtable_bytes",
			Help:      "Approximate size of the active memtable.",
		}, []string{"table"}),
		ready: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "table_ready",
			Help:      "1 when the table accepts reads and writes.",
		}, []string{"table"}),
	}

	for _, c := range []prometheus.Collector{
		p.opLatency, p.opErrors, p.flushes, p.flushRecords, p.flushBytes, p.flushLatency,
		p.callbackFailures, p.queueDepth, p.memtableEntries, p.memtableBytes, p.ready,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return p, nil
}

// RegisterBlockCache exports block cache counters read through stats.
func (p *Prometheus) RegisterBlockCache(reg prometheus.Registerer, stats func() (hits, misses uint64, bytes int64)) error {
	collectors := []prometheus.Collector{
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "block_cache_hits_total",
			Help:      "Block cache hits.",
		}, func() float64 {
			hits, _, _ := stats()
			return float64(hits)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "block_cache_misses_total",
			Help:      "Block cache misses.",
		}, func() float64 {
			_, misses, _ := stats()
			return float64(misses)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "block_cache_bytes",
			Help:      "Bytes held by the block cache.",
		}, func() float64 {
			_, _, bytes := stats()
			return float64(bytes)
		}),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (p *Prometheus) RecordOperation(table, op string, duration time.Duration, err error) {
	p.opLatency.WithLabelValues(table, op).Observe(duration.Seconds())
	if err != nil {
		p.opErrors.WithLabelValues(table, op).Inc()
	}
}

func (p *Prometheus) RecordFlush(table string, records int, bytes int64, duration time.Duration) {
	p.flushes.WithLabelValues(table, "ok").Inc()
	p.flushRecords.WithLabelValues(table).Add(float64(records))
	p.flushBytes.WithLabelValues(table).Add(float64(bytes))
	p.flushLatency.Observe(duration.Seconds())
}

func (p *Prometheus) RecordFlushSkipped(table string) {
	p.flushes.WithLabelValues(table, "empty").Inc()
}

func (p *Prometheus) RecordFlushFailure(table string) {
	p.flushes.WithLabelValues(table, "failed").Inc()
}

func (p *Prometheus) RecordCallbackFailure(table string) {
	p.callbackFailures.WithLabelValues(table).Inc()
}

func (p *Prometheus) SetQueueDepth(depth int) {
	p.queueDepth.Set(float64(depth))
}

func (p *Prometheus) SetMemtable(table string, entries int, bytes int64) {
	p.memtableEntries.WithLabelValues(table).Set(float64(entries))
	p.memtableBytes.WithLabelValues(table).Set(float64(bytes))
}

func (p *Prometheus) SetReady(table string, ready bool) {
	v := 0.0
	if ready {
		v = 1
	}
	p.ready.WithLabelValues(table).Set(v)
}
