package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "msgwire",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "msgwire",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path", "status"},
	)
	framesWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "msgwire",
			Subsystem: "messenger",
			Name:      "frames_written_total",
			Help:      "Frames written and flushed to the transport.",
		},
		[]string{"messenger", "kind"},
	)
	framesRead = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "msgwire",
			Subsystem: "messenger",
			Name:      "frames_read_total",
			Help:      "Frames decoded from the transport.",
		},
		[]string{"messenger", "kind"},
	)
	messagesDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "msgwire",
			Subsystem: "messenger",
			Name:      "messages_delivered_total",
			Help:      "Inbound messages published to subscribers.",
		},
		[]string{"messenger"},
	)
	messagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "msgwire",
			Subsystem: "messenger",
			Name:      "messages_dropped_total",
			Help:      "Messages dropped on either pipeline, by reason.",
		},
		[]string{"messenger", "reason"},
	)
	loopRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "msgwire",
			Subsystem: "messenger",
			Name:      "loop_restarts_total",
			Help:      "Inbound loop restarts after decode or transport errors.",
		},
		[]string{"messenger"},
	)
	epochsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "msgwire",
			Subsystem: "messenger",
			Name:      "epochs_started_total",
			Help:      "Connection epochs started.",
		},
		[]string{"messenger"},
	)
	epochsEnded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "msgwire",
			Subsystem: "messenger",
			Name:      "epochs_ended_total",
			Help:      "Connection epochs ended, by terminal state.",
		},
		[]string{"messenger", "state"},
	)
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "msgwire",
			Subsystem: "messenger",
			Name:      "queue_depth",
			Help:      "Outbound messages waiting for the writer.",
		},
		[]string{"messenger"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			framesWritten, framesRead,
			messagesDelivered, messagesDropped,
			loopRestarts, epochsStarted, epochsEnded,
			queueDepth,
		)
	})
}

func RecordHTTPRequest(service, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(service, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(service, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordFrameWritten(messenger, kind string) {
	RegisterMetrics()
	framesWritten.WithLabelValues(messenger, kind).Inc()
}

func RecordFrameRead(messenger, kind string) {
	RegisterMetrics()
	framesRead.WithLabelValues(messenger, kind).Inc()
}

func RecordDelivered(messenger string) {
	RegisterMetrics()
	messagesDelivered.WithLabelValues(messenger).Inc()
}

func RecordDropped(messenger, reason string) {
	RegisterMetrics()
	messagesDropped.WithLabelValues(messenger, reason).Inc()
}

func RecordLoopRestart(messenger string) {
	RegisterMetrics()
	loopRestarts.WithLabelValues(messenger).Inc()
}

func RecordEpochStarted(messenger string) {
	RegisterMetrics()
	epochsStarted.WithLabelValues(messenger).Inc()
}

func RecordEpochEnded(messenger, state string) {
	RegisterMetrics()
	epochsEnded.WithLabelValues(messenger, state).Inc()
}

func SetQueueDepth(messenger string, depth int) {
	RegisterMetrics()
	queueDepth.WithLabelValues(messenger).Set(float64(depth))
}
