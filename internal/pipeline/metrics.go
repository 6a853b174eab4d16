package pipeline

import "github.com/prometheus/client_golang/prometheus"

// Prometheus metrics (registered once).
var (
	alertsProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mlrunner_alerts_processed_total",
			Help: "Total alerts parsed from the alert log",
		},
	)
	pipelineErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mlrunner_errors_total",
			Help: "Total pipeline errors by kind",
		},
		[]string{"kind"},
	)
	analyses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mlrunner_analyses_total",
			Help: "Total classifier verdicts by outcome",
		},
		[]string{"classifier", "outcome"},
	)
	analysisFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mlrunner_analysis_failures_total",
			Help: "Total failed classifications by reason",
		},
		[]string{"classifier", "reason"},
	)
	rulesGenerated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mlrunner_rules_generated_total",
			Help: "Total rules generated",
		},
	)
	deployments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mlrunner_deployments_total",
			Help: "Total rule deployments by final state",
		},
		[]string{"state"},
	)
	inFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mlrunner_inflight_classifications",
			Help: "Classifications currently in progress",
		},
	)
	classifyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mlrunner_classification_duration_seconds",
			Help:    "Classifier call latency",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		},
		[]string{"classifier"},
	)
)

func init() {
	prometheus.MustRegister(alertsProcessed)
	prometheus.MustRegister(pipelineErrors)
	prometheus.MustRegister(analyses)
	prometheus.MustRegister(analysisFailures)
	prometheus.MustRegister(rulesGenerated)
	prometheus.MustRegister(deployments)
	prometheus.MustRegister(inFlight)
	prometheus.MustRegister(classifyDuration)
}
