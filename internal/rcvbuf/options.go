package rcvbuf

import "github.com/zsiec/rcvbuf/internal/logger"

// Option configures a Buffer.
type Option func(*Buffer)

// WithLogger sets the logger used for capacity and eviction events.
func WithLogger(l logger.Logger) Option {
	return func(b *Buffer) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithEvictHandler registers fn to receive every evicted packet. fn runs on
// the inserting goroutine after the buffer lock is released.
func WithEvictHandler(fn func(*Packet)) Option {
	return func(b *Buffer) {
		b.onEvict = fn
	}
}

// WithMetrics toggles Prometheus collectors for this buffer. Enabled by default.
func WithMetrics(enabled bool) Option {
	return func(b *Buffer) {
		b.metricsEnabled = enabled
	}
}
