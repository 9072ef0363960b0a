// Package metrics holds the prometheus collectors for scans and device traffic
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "delayscan"

// Metrics is the set of collectors updated by a scan.  A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	StageMoves   prometheus.Counter
	BoxcarReads  prometheus.Counter
	Spectra      prometheus.Counter
	ReadTimeouts prometheus.Counter
	ScanSteps    prometheus.Counter
	Scans        *prometheus.CounterVec
	StepSeconds  prometheus.Histogram

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with reg
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		StageMoves: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "stage_moves_total",
			Help: "Absolute moves commanded on the delay stage."}),
		BoxcarReads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "boxcar_reads_total",
			Help: "Boxcar values read from the lock-in."}),
		Spectra: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "spectra_total",
			Help: "Spectra captured."}),
		ReadTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "read_timeouts_total",
			Help: "Device reads that got no answer in their window."}),
		ScanSteps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "scan_steps_total",
			Help: "Rows recorded by scans."}),
		Scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "scans_total",
			Help: "Finished scans by kind and outcome."}, []string{"kind", "outcome"}),
		StepSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "step_seconds",
			Help:    "Time for one move, settle and read.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10)}),
		gatherer: reg,
	}
	reg.MustRegister(m.StageMoves, m.BoxcarReads, m.Spectra, m.ReadTimeouts, m.ScanSteps, m.Scans, m.StepSeconds)
	return m
}

// Move counts a stage move
func (m *Metrics) Move() {
	if m != nil {
		m.StageMoves.Inc()
	}
}

// Read counts boxcar reads
func (m *Metrics) Read(n int) {
	if m != nil {
		m.BoxcarReads.Add(float64(n))
	}
}

// Spectrum counts a captured spectrum
func (m *Metrics) Spectrum() {
	if m != nil {
		m.Spectra.Inc()
	}
}

// Timeout counts a read that timed out
func (m *Metrics) Timeout() {
	if m != nil {
		m.ReadTimeouts.Inc()
	}
}

// Step counts a recorded row that took secs
func (m *Metrics) Step(secs float64) {
	if m != nil {
		m.ScanSteps.Inc()
		m.StepSeconds.Observe(secs)
	}
}

// Finished counts a scan of kind ending in outcome (ok, failed, cancelled)
func (m *Metrics) Finished(kind, outcome string) {
	if m != nil {
		m.Scans.WithLabelValues(kind, outcome).Inc()
	}
}

// Handler serves the registry in the prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
