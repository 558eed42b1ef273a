// Package metrics exposes Prometheus collectors for the comfort noise
// service. All recorders are no-ops until Init has been called.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cng"

var (
	mu      sync.RWMutex
	enabled bool

	framesSynthesized *prometheus.CounterVec
	sidUpdates        prometheus.Counter
	flushes           *prometheus.CounterVec
	decodeErrors      *prometheus.CounterVec
	rtpPackets        *prometheus.CounterVec
	activeSessions    prometheus.Gauge
	synthesisDuration prometheus.Histogram
)

// Init creates the collectors and registers them on reg.
func Init(reg prometheus.Registerer) error {
	frames := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_synthesized_total",
		Help:      "Comfort noise frames synthesized, by what triggered them.",
	}, []string{"source"})
	sids := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sid_updates_total",
		Help:      "SID payloads applied to a decoder.",
	})
	fl := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "flushes_total",
		Help:      "Decoder flushes, by reason.",
	}, []string{"reason"})
	errs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decode_errors_total",
		Help:      "Packets or frames that could not be processed, by reason.",
	}, []string{"reason"})
	pkts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rtp_packets_total",
		Help:      "RTP and RTCP packets received, by kind.",
	}, []string{"kind"})
	sessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Streams currently tracked by the listener.",
	})
	dur := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "frame_synthesis_seconds",
		Help:      "Time spent synthesizing one comfort noise frame.",
		Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
	})

	for _, c := range []prometheus.Collector{frames, sids, fl, errs, pkts, sessions, dur} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}

	mu.Lock()
	defer mu.Unlock()
	framesSynthesized = frames
	sidUpdates = sids
	flushes = fl
	decodeErrors = errs
	rtpPackets = pkts
	activeSessions = sessions
	synthesisDuration = dur
	enabled = true
	return nil
}

// IsMetricsEnabled reports whether Init has completed.
func IsMetricsEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return enabled
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// RecordFrame counts a synthesized frame. source is "sid" when the frame
// applied a new SID and "hold" when it only continued interpolation.
func RecordFrame(source string, took time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	if !enabled {
		return
	}
	framesSynthesized.WithLabelValues(source).Inc()
	synthesisDuration.Observe(took.Seconds())
	if source == "sid" {
		sidUpdates.Inc()
	}
}

// RecordFlush counts a decoder flush.
func RecordFlush(reason string) {
	mu.RLock()
	defer mu.RUnlock()
	if enabled {
		flushes.WithLabelValues(reason).Inc()
	}
}

// RecordDecodeError counts a dropped packet or failed frame.
func RecordDecodeError(reason string) {
	mu.RLock()
	defer mu.RUnlock()
	if enabled {
		decodeErrors.WithLabelValues(reason).Inc()
	}
}

// RecordPacket counts a received packet of the given kind (cn, voice, rtcp).
func RecordPacket(kind string) {
	mu.RLock()
	defer mu.RUnlock()
	if enabled {
		rtpPackets.WithLabelValues(kind).Inc()
	}
}

// SetActiveSessions updates the session gauge.
func SetActiveSessions(n int) {
	mu.RLock()
	defer mu.RUnlock()
	if enabled {
		activeSessions.Set(float64(n))
	}
}
