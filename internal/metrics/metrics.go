package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dronegw_requests_total",
			Help: "Gateway API requests by endpoint and outcome.",
		},
		[]string{"endpoint", "outcome"},
	)

	PacketsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dronegw_packets_total",
			Help: "Classified frames by packet type.",
		},
		[]string{"type"},
	)

	UpstreamCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dronegw_upstream_call_duration_seconds",
			Help:    "Upstream decrypt call latency.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		},
		[]string{"upstream", "op"},
	)

	UpstreamResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dronegw_upstream_results_total",
			Help: "Upstream decrypt outcomes by response msg.",
		},
		[]string{"upstream", "msg"},
	)

	TokenRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dronegw_token_refreshes_total",
			Help: "Upstream login attempts by result.",
		},
		[]string{"upstream", "result"},
	)

	UpstreamBusyTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dronegw_upstream_busy_total",
			Help: "Times an upstream was marked BUSY.",
		},
		[]string{"upstream"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dronegw_queue_depth",
			Help: "Pending key-packet jobs in the priority queue.",
		},
	)

	QueueRejectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dronegw_queue_rejects_total",
			Help: "Enqueue attempts rejected because the queue was full.",
		},
	)

	AffinitySize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dronegw_affinity_size",
			Help: "Drone ids currently in the key-affinity map.",
		},
	)

	ProcessingSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dronegw_processing_size",
			Help: "Drone ids currently in the processing set.",
		},
	)

	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dronegw_job_duration_seconds",
			Help:    "Key-packet job time from dequeue to result write.",
			Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
		},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(register)
}

func register() {
	prometheus.MustRegister(
		RequestsTotal,
		PacketsTotal,
		UpstreamCallDuration,
		UpstreamResultsTotal,
		TokenRefreshesTotal,
		UpstreamBusyTotal,
		QueueDepth,
		QueueRejectsTotal,
		AffinitySize,
		ProcessingSize,
		JobDuration,
	)
}
