package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	CycleOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ota_agent",
			Name:      "cycles_total",
			Help:      "Check cycles by terminal outcome.",
		},
		[]string{"outcome"},
	)

	StageFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ota_agent",
			Name:      "stage_failures_total",
			Help:      "Failed check cycles by stage and error kind.",
		},
		[]string{"stage", "kind"},
	)

	DownloadedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ota_agent",
			Name:      "downloaded_bytes_total",
			Help:      "Bytes of update artifacts written to local storage.",
		},
	)

	DownloadProgress = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ota_agent",
			Name:      "download_progress_bytes",
			Help:      "Size of the in-progress local artifact at the last progress report.",
		},
	)

	Updating = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ota_agent",
			Name:      "updating",
			Help:      "1 while a check cycle or payload application is in flight.",
		},
	)

	CycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ota_agent",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of check cycles by outcome.",
			Buckets:   []float64{1, 5, 30, 60, 300, 900, 1800, 3600, 7200},
		},
		[]string{"outcome"},
	)
)

// Register registers the agent metrics into the given registerer.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(CycleOutcomes, StageFailures, DownloadedBytes, DownloadProgress, Updating, CycleDuration)
}
