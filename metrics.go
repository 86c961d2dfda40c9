package serial

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	bytesRead = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "easyserial",
			Subsystem: "poller",
			Name:      "bytes_read_total",
			Help:      "Bytes delivered by the poller.",
		},
		[]string{"device"},
	)
	chunksRead = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "easyserial",
			Subsystem: "poller",
			Name:      "chunks_total",
			Help:      "Non-empty chunks delivered by the poller.",
		},
		[]string{"device"},
	)
	readErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "easyserial",
			Subsystem: "poller",
			Name:      "read_errors_total",
			Help:      "Read errors that ended a poller session.",
		},
		[]string{"device"},
	)
	messagesDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "easyserial",
			Subsystem: "keep_receive",
			Name:      "messages_total",
			Help:      "Decoded messages fanned out to subscribers.",
		},
		[]string{"device"},
	)
	requestCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "easyserial",
			Subsystem: "wait_response",
			Name:      "cycles_total",
			Help:      "Write/wait cycles by outcome.",
		},
		[]string{"device", "outcome"},
	)
	responseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "easyserial",
			Subsystem: "wait_response",
			Name:      "response_bytes",
			Help:      "Bytes collected per write/wait cycle.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"device"},
	)
)

// RegisterMetrics registers the package collectors with reg once.
// A nil reg uses prometheus.DefaultRegisterer.
func RegisterMetrics(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		reg.MustRegister(bytesRead, chunksRead, readErrors, messagesDispatched, requestCycles, responseSize)
	})
}

func recordChunk(device string, n int) {
	chunksRead.WithLabelValues(device).Inc()
	bytesRead.WithLabelValues(device).Add(float64(n))
}

func recordReadError(device string) {
	readErrors.WithLabelValues(device).Inc()
}

func recordMessages(device string, n int) {
	if n > 0 {
		messagesDispatched.WithLabelValues(device).Add(float64(n))
	}
}

func recordCycle(device, outcome string, size int) {
	requestCycles.WithLabelValues(device, outcome).Inc()
	responseSize.WithLabelValues(device).Observe(float64(size))
}
