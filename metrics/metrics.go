// Package metrics collects Prometheus counters for the decode pipeline
// and the controller. Collectors register on the default registry at
// import; whether to serve them is the caller's choice.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sector outcome labels.
const (
	SectorValid         = "valid"
	SectorBadCRC        = "bad_crc"
	SectorDeleted       = "deleted"
	SectorLowConfidence = "low_confidence"
)

var (
	tracksDecoded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fluxripper_tracks_decoded_total",
			Help: "Tracks decoded, by encoding",
		},
		[]string{"encoding"},
	)
	sectors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fluxripper_sectors_total",
			Help: "Sector decode outcomes",
		},
		[]string{"outcome"},
	)
	recovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fluxripper_sectors_recovered_total",
			Help: "Sectors rescued by multi-revolution voting",
		},
	)
	retryPasses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fluxripper_retry_passes_total",
			Help: "Fresh capture passes taken after a failed decode",
		},
	)
	overflows = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fluxripper_capture_overflows_total",
			Help: "Capture buffer overflows during ingest",
		},
	)
	trackQuality = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fluxripper_track_quality",
			Help:    "Combined signal quality score of decoded tracks (0-255)",
			Buckets: prometheus.LinearBuckets(0, 32, 9),
		},
	)
	decodeSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fluxripper_track_decode_seconds",
			Help:    "Wall time spent decoding one track",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)
	commands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fluxripper_controller_commands_total",
			Help: "Controller commands executed, by command and result",
		},
		[]string{"command", "result"},
	)
	protocolErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fluxripper_protocol_errors_total",
			Help: "Commands rejected for violating the phase sequence",
		},
	)
)

// TrackDecoded records a finished track decode.
func TrackDecoded(encoding string, score uint8, seconds float64) {
	tracksDecoded.WithLabelValues(encoding).Inc()
	trackQuality.Observe(float64(score))
	decodeSeconds.Observe(seconds)
}

// Sector records one sector decode outcome.
func Sector(outcome string) {
	sectors.WithLabelValues(outcome).Inc()
}

// Recovered records sectors rescued by voting.
func Recovered(n int) {
	if n > 0 {
		recovered.Add(float64(n))
	}
}

// RetryPass records a fresh capture pass after a failed decode.
func RetryPass() { retryPasses.Inc() }

// Overflow records a capture buffer overflow.
func Overflow() { overflows.Inc() }

// Command records a controller command completion.
func Command(name string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	commands.WithLabelValues(name, result).Inc()
}

// ProtocolError records a command rejected out of sequence.
func ProtocolError() { protocolErrors.Inc() }

// Handler serves the default registry, for mounting on /metrics.
func Handler() http.Handler { return promhttp.Handler() }
