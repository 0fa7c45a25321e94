package health

import (
	"context"
	"fmt"
	"sync"

	"github.com/zsiec/rcvbuf/internal/rcvbuf"
)

// StatsSource is satisfied by *rcvbuf.Buffer.
type StatsSource interface {
	Stats() rcvbuf.Stats
}

// BufferChecker reports a buffer as degraded once its occupancy reaches the
// pressure threshold. A full buffer is evicting, which loses data but keeps
// the service running.
type BufferChecker struct {
	source    StatsSource
	threshold float64

	mu   sync.Mutex
	last rcvbuf.Stats
}

func NewBufferChecker(source StatsSource, threshold float64) *BufferChecker {
	return &BufferChecker{
		source:    source,
		threshold: threshold,
	}
}

func (b *BufferChecker) Name() string {
	return "buffer"
}

func (b *BufferChecker) Check(ctx context.Context) error {
	stats := b.source.Stats()

	b.mu.Lock()
	b.last = stats
	b.mu.Unlock()

	if stats.Capacity > 0 && stats.Occupancy() >= b.threshold {
		return fmt.Errorf("%w: buffer %s at %.0f%% of %d bytes", ErrDegraded,
			stats.Name, stats.Occupancy()*100, stats.Capacity)
	}
	return nil
}

// Details implements DetailReporter with the stats seen by the last Check.
func (b *BufferChecker) Details() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()

	return map[string]interface{}{
		"buffer":    b.last.Name,
		"packets":   b.last.Packets,
		"bytes":     b.last.Bytes,
		"capacity":  b.last.Capacity,
		"occupancy": b.last.Occupancy(),
		"evicted":   b.last.Evicted,
		"threshold": b.threshold,
	}
}
