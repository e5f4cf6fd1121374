// Package metrics exposes the daemon's Prometheus collectors. All
// collectors register on the default registry; the web server serves
// them at /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ExposuresTotal counts finished exposures by outcome
	// (complete, timeout, aborted, failed).
	ExposuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "astropicam_exposures_total",
		Help: "Finished exposures by outcome",
	}, []string{"outcome"})

	// ExposureSeconds tracks wall time from capture start to frame
	// completion. Buckets cover snapshots through long guided subs.
	ExposureSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "astropicam_exposure_seconds",
		Help:    "Wall time per exposure from capture start to frame completion",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	})

	// ParameterWriteFailures counts failed firmware parameter writes.
	ParameterWriteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "astropicam_parameter_write_failures_total",
		Help: "Failed camera parameter writes by parameter",
	}, []string{"param"})

	// AdvisoryMismatches counts read-backs the firmware answered with
	// something other than the requested value.
	AdvisoryMismatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "astropicam_advisory_mismatch_total",
		Help: "Firmware read-back mismatches by kind",
	}, []string{"kind"})

	// Capturing is 1 while a capture is running.
	Capturing = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "astropicam_capturing",
		Help: "1 while a capture is running",
	})

	// FocuserPosition is the drawtube position in steps.
	FocuserPosition = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "astropicam_focuser_position_steps",
		Help: "Focuser drawtube position in steps from the racked-in stop",
	})
)

// IncExposure records one finished exposure.
func IncExposure(outcome string) {
	ExposuresTotal.WithLabelValues(outcome).Inc()
}

// ObserveExposure records the wall time of one exposure.
func ObserveExposure(d time.Duration) {
	ExposureSeconds.Observe(d.Seconds())
}

// IncParameterWriteFailure records a failed firmware parameter write.
func IncParameterWriteFailure(param string) {
	ParameterWriteFailures.WithLabelValues(param).Inc()
}

// IncAdvisoryMismatch records a read-back that differed from the
// requested value.
func IncAdvisoryMismatch(kind string) {
	AdvisoryMismatches.WithLabelValues(kind).Inc()
}

// SetCapturing flips the capture gauge.
func SetCapturing(on bool) {
	if on {
		Capturing.Set(1)
		return
	}
	Capturing.Set(0)
}

// SetFocuserPosition publishes the drawtube position.
func SetFocuserPosition(steps int) {
	FocuserPosition.Set(float64(steps))
}
