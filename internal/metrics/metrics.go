package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons used as the "reason" label of frames_dropped_total.
const (
	DropNoCursor         = "no_cursor"
	DropAwaitingKey      = "awaiting_key"
	DropStale            = "stale"
	DropDuplicate        = "duplicate"
	DropOverflowEvicted  = "overflow_evicted"
	DropOverflowRejected = "overflow_rejected"
	DropUnconfigured     = "unconfigured"
	DropRejected         = "rejected"
	DropSinkUnavailable  = "sink_unavailable"
	DropMailboxFull      = "mailbox_full"
	DropStreamClosed     = "stream_closed"
)

var (
	// Routing metrics
	packetsRoutedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peerdecode_packets_routed_total",
		Help: "Total media packets routed to a stream",
	}, []string{"media_kind"})

	parseErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peerdecode_parse_errors_total",
		Help: "Total media packets that failed to parse or frame",
	}, []string{"source"})

	streamsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "peerdecode_streams_active",
		Help: "Number of active per-stream decode states",
	}, []string{"strategy"})

	// Sequencing metrics
	framesForwardedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peerdecode_frames_forwarded_total",
		Help: "Total frames forwarded from the sequencer to the decoder",
	}, []string{"media_kind"})

	framesDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peerdecode_frames_dropped_total",
		Help: "Total frames dropped by reason",
	}, []string{"media_kind", "reason"})

	bufferDepth = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "peerdecode_reorder_buffer_depth",
		Help:    "Reorder buffer occupancy observed after each accepted frame",
		Buckets: prometheus.ExponentialBuckets(1, 2, 8), // 1 to 128
	}, []string{"media_kind"})

	// Decoder metrics
	decoderReplacementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peerdecode_decoder_replacements_total",
		Help: "Total decoder instances replaced after entering the closed state",
	}, []string{"media_kind"})

	framesDeliveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peerdecode_frames_delivered_total",
		Help: "Total decoded frames delivered to a sink",
	}, []string{"media_kind"})

	// Transport metrics
	keyframeRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peerdecode_keyframe_requests_total",
		Help: "Total key frame requests sent to senders",
	}, []string{"transport"})

	connectionsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peerdecode_connections_rejected_total",
		Help: "Total ingest connections refused by admission limits",
	}, []string{"transport", "reason"})

	// Debug metrics
	goroutinesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "debug_goroutines_created_total",
		Help: "Total number of goroutines created",
	}, []string{"component"})

	goroutinesDestroyed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "debug_goroutines_destroyed_total",
		Help: "Total number of goroutines destroyed",
	}, []string{"component"})

	activeGoroutines = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "debug_goroutines_active",
		Help: "Number of active goroutines",
	}, []string{"component"})
)

// IncPacketsRouted increments the routed packet counter for a media kind
func IncPacketsRouted(mediaKind string) {
	packetsRoutedTotal.WithLabelValues(mediaKind).Inc()
}

// IncParseErrors increments the parse error counter for a source
// (route, dispatch or a transport name)
func IncParseErrors(source string) {
	parseErrorsTotal.WithLabelValues(source).Inc()
}

// IncActiveStreams increments the active stream gauge for a strategy
func IncActiveStreams(strategy string) {
	streamsActive.WithLabelValues(strategy).Inc()
}

// DecActiveStreams decrements the active stream gauge for a strategy
func DecActiveStreams(strategy string) {
	streamsActive.WithLabelValues(strategy).Dec()
}

// IncFramesForwarded increments the forwarded frame counter
func IncFramesForwarded(mediaKind string) {
	framesForwardedTotal.WithLabelValues(mediaKind).Inc()
}

// IncFramesDropped increments the dropped frame counter for a reason
func IncFramesDropped(mediaKind, reason string) {
	framesDroppedTotal.WithLabelValues(mediaKind, reason).Inc()
}

// ObserveBufferDepth records reorder buffer occupancy
func ObserveBufferDepth(mediaKind string, depth int) {
	bufferDepth.WithLabelValues(mediaKind).Observe(float64(depth))
}

// IncDecoderReplacements increments the decoder replacement counter
func IncDecoderReplacements(mediaKind string) {
	decoderReplacementsTotal.WithLabelValues(mediaKind).Inc()
}

// IncFramesDelivered increments the delivered frame counter
func IncFramesDelivered(mediaKind string) {
	framesDeliveredTotal.WithLabelValues(mediaKind).Inc()
}

// IncKeyframeRequests increments the key frame request counter
func IncKeyframeRequests(transport string) {
	keyframeRequestsTotal.WithLabelValues(transport).Inc()
}

// IncConnectionsRejected increments the refused connection counter
func IncConnectionsRejected(transport, reason string) {
	connectionsRejectedTotal.WithLabelValues(transport, reason).Inc()
}

// IncrementGoroutineCreated increments the goroutine creation counter
func IncrementGoroutineCreated(component string) {
	goroutinesCreated.WithLabelValues(component).Inc()
	activeGoroutines.WithLabelValues(component).Inc()
}

// IncrementGoroutineDestroyed increments the goroutine destruction counter
func IncrementGoroutineDestroyed(component string) {
	goroutinesDestroyed.WithLabelValues(component).Inc()
	activeGoroutines.WithLabelValues(component).Dec()
}
