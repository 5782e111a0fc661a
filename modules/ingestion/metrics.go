package ingestion

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics bundles every counter/gauge/histogram the ingestion task emits,
// grouped on one struct instead of package-level vars so each IngestionTask
// can register its own set against a scoped Registerer.
type metrics struct {
	partitionLag        *prometheus.GaugeVec
	partitionLagSeconds *prometheus.GaugeVec
	recordsConsumed     *prometheus.CounterVec
	recordsProduced     *prometheus.CounterVec

	divDuplicates       *prometheus.CounterVec
	divFatal            *prometheus.CounterVec
	rewindsBenign       *prometheus.CounterVec
	rewindsLossy        *prometheus.CounterVec
	producerFailures    *prometheus.CounterVec
	producerFutureTimeouts *prometheus.CounterVec

	drainerQueueBytes   *prometheus.GaugeVec
	drainerEnqueueStall prometheus.Histogram

	ingestionCycleDuration prometheus.Histogram

	leaderPromotions   *prometheus.CounterVec
	leaderDemotions    *prometheus.CounterVec
}

// newMetrics registers the ingestion task's metrics under the
// "venice_ingestion" namespace, grounded on blockbuilder.go's var block of
// promauto.New* calls (here scoped per-task via reg instead of package-level
// vars, since one process may run many IngestionTasks).
func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	const (
		namespace = "venice"
		subsystem = "ingestion"
	)

	return &metrics{
		partitionLag: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "partition_lag",
			Help:      "Consumer lag of a partition's upstream or version topic.",
		}, []string{"partition"}),
		partitionLagSeconds: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "partition_lag_seconds",
			Help:      "Age of the most recently consumed message on a partition.",
		}, []string{"partition"}),
		recordsConsumed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "records_consumed_total",
			Help:      "Total records consumed from an upstream or version topic.",
		}, []string{"partition", "source"}),
		recordsProduced: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "records_produced_total",
			Help:      "Total records produced to the version topic.",
		}, []string{"partition"}),
		divDuplicates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "div_duplicate_total",
			Help:      "Total records classified as DIV duplicates.",
		}, []string{"partition"}),
		divFatal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "div_fatal_total",
			Help:      "Total records classified as fatal DIV violations.",
		}, []string{"partition"}),
		rewindsBenign: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "upstream_rewind_benign_total",
			Help:      "Total benign upstream-offset rewinds observed.",
		}, []string{"partition"}),
		rewindsLossy: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "upstream_rewind_lossy_total",
			Help:      "Total lossy upstream-offset rewinds observed.",
		}, []string{"partition"}),
		producerFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "producer_failures_total",
			Help:      "Total producer callback failures.",
		}, []string{"partition"}),
		producerFutureTimeouts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "producer_future_timeouts_total",
			Help:      "Total persist-future waits that exceeded their deadline.",
		}, []string{"partition"}),
		drainerQueueBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "drainer_queue_bytes",
			Help:      "Current memory accounted for by the drainer queue.",
		}, []string{"task"}),
		drainerEnqueueStall: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:                   namespace,
			Subsystem:                   subsystem,
			Name:                        "drainer_enqueue_stall_seconds",
			Help:                        "Time spent blocked enqueueing into the drainer queue.",
			NativeHistogramBucketFactor: 1.1,
		}),
		ingestionCycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:                   namespace,
			Subsystem:                   subsystem,
			Name:                        "loop_cycle_duration_seconds",
			Help:                        "Time spent in one ingestion loop iteration.",
			NativeHistogramBucketFactor: 1.1,
		}),
		leaderPromotions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "leader_promotions_total",
			Help:      "Total STANDBY-to-LEADER promotions completed.",
		}, []string{"partition"}),
		leaderDemotions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "leader_demotions_total",
			Help:      "Total LEADER-to-STANDBY demotions completed.",
		}, []string{"partition"}),
	}
}
