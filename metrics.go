package banext

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of one gate and its registry. A nil
// *Metrics records nothing.
type Metrics struct {
	rejections     *prometheus.CounterVec
	bansRegistered *prometheus.CounterVec
	flushFailures  prometheus.Counter
	flushedRecords prometheus.Counter
	banRecords     prometheus.Gauge
	flushDuration  prometheus.Histogram
}

// NewMetrics registers the collectors on reg. Pass prometheus.DefaultRegisterer
// to expose them through promhttp.Handler.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	factory := promauto.With(reg)
	return &Metrics{
		rejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "banext_admission_rejections_total",
				Help: "Connections terminated by the admission gate",
			},
			[]string{"reason"},
		),
		bansRegistered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "banext_bans_registered_total",
				Help: "Bans registered, by the threshold that triggered them",
			},
			[]string{"reason"},
		),
		flushFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "banext_flush_failures_total",
				Help: "Ban registry flushes that failed and were requeued",
			},
		),
		flushedRecords: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "banext_flushed_records_total",
				Help: "Ban records written to the backing store",
			},
		),
		banRecords: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "banext_ban_records",
				Help: "Ban records held in memory, expired ones included",
			},
		),
		flushDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "banext_flush_duration_seconds",
				Help:    "Duration of ban registry flushes",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}

func (m *Metrics) recordRejection(reason Reason) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) recordBan(reason Reason) {
	if m == nil {
		return
	}
	m.bansRegistered.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) recordFlush(records int, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.flushDuration.Observe(took.Seconds())
	if err != nil {
		m.flushFailures.Inc()
		return
	}
	m.flushedRecords.Add(float64(records))
}

func (m *Metrics) setBanRecords(n int) {
	if m == nil {
		return
	}
	m.banRecords.Set(float64(n))
}
