package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Receive buffer metrics
	bufferPackets = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rcvbuf_buffer_packets",
		Help: "Packets currently held in the receive buffer",
	}, []string{"buffer"})

	bufferBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rcvbuf_buffer_bytes",
		Help: "Payload bytes currently held in the receive buffer",
	}, []string{"buffer"})

	bufferCapacityBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rcvbuf_buffer_capacity_bytes",
		Help: "Resolved byte capacity of the receive buffer",
	}, []string{"buffer"})

	bufferAddedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rcvbuf_buffer_added_total",
		Help: "Packets inserted into the receive buffer",
	}, []string{"buffer"})

	bufferEvictedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rcvbuf_buffer_evicted_total",
		Help: "Packets evicted from the head of the receive buffer",
	}, []string{"buffer"})

	bufferEvictedBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rcvbuf_buffer_evicted_bytes_total",
		Help: "Payload bytes evicted from the receive buffer",
	}, []string{"buffer"})

	bufferRemovedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rcvbuf_buffer_removed_total",
		Help: "Packets handed to consumers",
	}, []string{"buffer"})

	bufferCapacityFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rcvbuf_buffer_capacity_fallbacks_total",
		Help: "Capacity resolutions that fell back to the default size",
	}, []string{"buffer", "reason"})

	// Socket receiver metrics
	receiverPacketsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rcvbuf_receiver_packets_total",
		Help: "Datagrams read from the socket",
	}, []string{"listener"})

	receiverBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rcvbuf_receiver_bytes_total",
		Help: "Datagram bytes read from the socket",
	}, []string{"listener"})

	receiverReadErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rcvbuf_receiver_read_errors_total",
		Help: "Socket read errors, excluding deadline expiry",
	}, []string{"listener"})

	receiverBatchSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rcvbuf_receiver_batch_size",
		Help:    "Datagrams returned per batch read",
		Buckets: prometheus.ExponentialBuckets(1, 2, 8), // 1 to 128
	}, []string{"listener"})

	// Demux metrics
	demuxPacketsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rcvbuf_demux_packets_total",
		Help: "Packets classified by the demultiplexer",
	}, []string{"kind"})

	demuxSequenceGapsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rcvbuf_demux_sequence_gaps_total",
		Help: "RTP sequence numbers skipped across all streams",
	})

	demuxActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rcvbuf_demux_active_streams",
		Help: "Distinct SSRCs seen by the demultiplexer",
	})

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

	contextCancellations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "debug_context_cancellations_total",
		Help: "Total context cancellations by reason",
	}, []string{"component", "reason"})
)

// Packet kinds reported by the demultiplexer.
const (
	KindRTP     = "rtp"
	KindRTCP    = "rtcp"
	KindUnknown = "unknown"
)

// BufferMetrics holds the collectors of one named buffer, resolved once so the
// packet path skips label lookups.
type BufferMetrics struct {
	name         string
	packets      prometheus.Gauge
	bytes        prometheus.Gauge
	capacity     prometheus.Gauge
	added        prometheus.Counter
	evicted      prometheus.Counter
	evictedBytes prometheus.Counter
	removed      prometheus.Counter
}

func NewBufferMetrics(name string) *BufferMetrics {
	return &BufferMetrics{
		name:         name,
		packets:      bufferPackets.WithLabelValues(name),
		bytes:        bufferBytes.WithLabelValues(name),
		capacity:     bufferCapacityBytes.WithLabelValues(name),
		added:        bufferAddedTotal.WithLabelValues(name),
		evicted:      bufferEvictedTotal.WithLabelValues(name),
		evictedBytes: bufferEvictedBytesTotal.WithLabelValues(name),
		removed:      bufferRemovedTotal.WithLabelValues(name),
	}
}

// SetOccupancy publishes the current packet count and byte size.
func (m *BufferMetrics) SetOccupancy(packets, bytes int) {
	m.packets.Set(float64(packets))
	m.bytes.Set(float64(bytes))
}

func (m *BufferMetrics) SetCapacity(capacity int) {
	m.capacity.Set(float64(capacity))
}

func (m *BufferMetrics) Added(n int) {
	m.added.Add(float64(n))
}

func (m *BufferMetrics) Evicted(n, bytes int) {
	m.evicted.Add(float64(n))
	m.evictedBytes.Add(float64(bytes))
}

func (m *BufferMetrics) Removed() {
	m.removed.Inc()
}

// CapacityFallback records why the provider's value was not used.
func (m *BufferMetrics) CapacityFallback(reason string) {
	bufferCapacityFallbacks.WithLabelValues(m.name, reason).Inc()
}

// ReceiverMetrics holds the collectors of one socket listener.
type ReceiverMetrics struct {
	packets    prometheus.Counter
	bytes      prometheus.Counter
	readErrors prometheus.Counter
	batchSize  prometheus.Observer
}

func NewReceiverMetrics(listener string) *ReceiverMetrics {
	return &ReceiverMetrics{
		packets:    receiverPacketsTotal.WithLabelValues(listener),
		bytes:      receiverBytesTotal.WithLabelValues(listener),
		readErrors: receiverReadErrorsTotal.WithLabelValues(listener),
		batchSize:  receiverBatchSize.WithLabelValues(listener),
	}
}

// Received records one read call that returned n datagrams totalling bytes.
func (m *ReceiverMetrics) Received(n, bytes int) {
	m.packets.Add(float64(n))
	m.bytes.Add(float64(bytes))
	m.batchSize.Observe(float64(n))
}

func (m *ReceiverMetrics) ReadError() {
	m.readErrors.Inc()
}

// RecordDemuxPacket counts one classified packet.
func RecordDemuxPacket(kind string) {
	demuxPacketsTotal.WithLabelValues(kind).Inc()
}

// RecordSequenceGap adds skipped RTP sequence numbers.
func RecordSequenceGap(missing int) {
	demuxSequenceGapsTotal.Add(float64(missing))
}

func SetActiveStreams(count int) {
	demuxActiveStreams.Set(float64(count))
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

// IncrementContextCancellation increments context cancellation counter
func IncrementContextCancellation(component, reason string) {
	contextCancellations.WithLabelValues(component, reason).Inc()
}
