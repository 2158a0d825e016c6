package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type RTTMetrics struct {
	StageProcessedCount *prometheus.CounterVec
	StageFailedCount    *prometheus.CounterVec
	StageQueueDepth     *prometheus.GaugeVec
	StageWaitSec        *prometheus.SummaryVec

	ArchivesCompletedCount prometheus.Counter
	ArchivesSkippedCount   prometheus.Counter

	SearchRequestDurationSec *prometheus.SummaryVec
	IndexSegmentCount        prometheus.Gauge
}

func NewMetrics() *RTTMetrics {
	m := &RTTMetrics{
		// batch pipeline metrics, labelled by stage name
		StageProcessedCount: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_stage_processed_count",
			Help: "The total number of jobs a pipeline stage completed",
		}, []string{"stage"}),
		StageFailedCount: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_stage_failed_count",
			Help: "The total number of jobs that failed inside a pipeline stage",
		}, []string{"stage"}),
		StageQueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pipeline_stage_queue_depth",
			Help: "The number of jobs currently waiting on a stage queue",
		}, []string{"stage"}),
		StageWaitSec: promauto.NewSummaryVec(prometheus.SummaryOpts{
			Name: "pipeline_stage_wait_seconds",
			Help: "Time jobs spent queued before a stage worker picked them up",
		}, []string{"stage"}),

		ArchivesCompletedCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: "archives_completed_count",
			Help: "The total number of archives written by the batch pipeline",
		}),
		ArchivesSkippedCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: "archives_skipped_count",
			Help: "The total number of jobs skipped because their archive already existed",
		}),

		// serve metrics
		SearchRequestDurationSec: promauto.NewSummaryVec(prometheus.SummaryOpts{
			Name: "search_request_duration_seconds",
			Help: "The latency of /search requests broken up by status code",
		}, []string{"status_code"}),
		IndexSegmentCount: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "index_segment_count",
			Help: "The number of segments loaded into the vector index",
		}),
	}

	return m
}

var Metrics = NewMetrics()
