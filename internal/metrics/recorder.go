package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"lightwatch/internal/models"
)

// Recorder exports monitor, ledger and snapshot activity to Prometheus.
type Recorder struct {
	ticks         *prometheus.CounterVec
	tickFailures  prometheus.Counter
	outages       prometheus.Counter
	outageSeconds prometheus.Histogram
	lastOnline    prometheus.Gauge
	snapshots     *prometheus.CounterVec
}

// NewRecorder registers the collectors with reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		ticks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lightwatch_ticks_total",
			Help: "Monitor ticks that emitted a state, by state",
		}, []string{"state"}),
		tickFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "lightwatch_tick_failures_total",
			Help: "Monitor ticks that failed and emitted nothing",
		}),
		outages: factory.NewCounter(prometheus.CounterOpts{
			Name: "lightwatch_outages_total",
			Help: "Outages appended to the outage log",
		}),
		outageSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "lightwatch_outage_duration_seconds",
			Help:    "Gap between confirmed-online observations that counted as an outage",
			Buckets: []float64{60, 300, 900, 3600, 4 * 3600, 12 * 3600, 24 * 3600},
		}),
		lastOnline: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lightwatch_last_online_timestamp_seconds",
			Help: "Network time of the latest online state",
		}),
		snapshots: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lightwatch_snapshot_fetches_total",
			Help: "Camera snapshot fetches by result",
		}, []string{"result"}),
	}
}

// ObserveState counts one emitted state.
func (r *Recorder) ObserveState(state models.LightState) {
	r.ticks.WithLabelValues(state.NetworkState.String()).Inc()
	if state.IsOnline() {
		r.lastOnline.Set(float64(state.ObservedAt.UnixNano()) / float64(time.Second))
	}
}

// TickFailed counts a tick that emitted nothing.
func (r *Recorder) TickFailed() {
	r.tickFailures.Inc()
}

// OutageRecorded counts an appended outage.
func (r *Recorder) OutageRecorded(gap time.Duration) {
	r.outages.Inc()
	r.outageSeconds.Observe(gap.Seconds())
}

// SnapshotFetched counts a fetch; an empty payload is a failure.
func (r *Recorder) SnapshotFetched(ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	r.snapshots.WithLabelValues(result).Inc()
}
