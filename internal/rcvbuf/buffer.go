package rcvbuf

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zsiec/rcvbuf/internal/logger"
	"github.com/zsiec/rcvbuf/internal/metrics"
)

// compactThreshold is the number of consumed head slots tolerated before the
// queue slice is compacted.
const compactThreshold = 1024

// Buffer is a FIFO of received packets bounded by a byte capacity derived from
// the socket's receive buffer size. When an insertion pushes the byte size over
// capacity the oldest packets are evicted. The packet just inserted is never
// evicted, so a packet larger than capacity is held alone.
//
// A Buffer is safe for concurrent use by any number of producers and consumers.
type Buffer struct {
	name     string
	provider CapacityProvider
	logger   logger.Logger
	sampled  *logger.SampledLogger
	onEvict  func(*Packet)

	metricsEnabled bool
	metrics        *metrics.BufferMetrics

	mu       sync.Mutex
	queue    []*Packet
	head     int
	size     int
	capacity int // 0 until resolved

	// Consumers blocked in PollTimeout, oldest first. Each channel has room
	// for one signal and is removed from the list when signalled.
	waiters []chan struct{}

	added        uint64
	evicted      uint64
	evictedBytes uint64
	removed      uint64
}

// Stats is a point-in-time snapshot of a Buffer.
type Stats struct {
	Name         string `json:"name"`
	Packets      int    `json:"packets"`
	Bytes        int    `json:"bytes"`
	Capacity     int    `json:"capacity"` // 0 until the first insertion
	Added        uint64 `json:"added"`
	Evicted      uint64 `json:"evicted"`
	EvictedBytes uint64 `json:"evicted_bytes"`
	Removed      uint64 `json:"removed"`
}

// Occupancy returns Bytes as a fraction of Capacity, 0 while unresolved.
func (s Stats) Occupancy() float64 {
	if s.Capacity <= 0 {
		return 0
	}
	return float64(s.Bytes) / float64(s.Capacity)
}

// NewBuffer creates an empty buffer. The provider is not consulted until the
// first insertion or call to Capacity.
func NewBuffer(name string, provider CapacityProvider, opts ...Option) *Buffer {
	b := &Buffer{
		name:           name,
		provider:       provider,
		logger:         logger.NewNullLogger(),
		metricsEnabled: true,
	}
	for _, opt := range opts {
		opt(b)
	}

	b.logger = b.logger.WithField("buffer", name)
	b.sampled = logger.NewPacketLogger(b.logger)
	if b.metricsEnabled {
		b.metrics = metrics.NewBufferMetrics(name)
	}
	return b
}

func (b *Buffer) Name() string {
	return b.name
}

// Add appends p, evicting from the head while the buffer is over capacity, and
// wakes one waiting consumer. It reports true on success.
func (b *Buffer) Add(p *Packet) (bool, error) {
	if p == nil {
		return false, fmt.Errorf("%w: nil packet", ErrInvalidArgument)
	}

	b.mu.Lock()
	b.resolveCapacityLocked()
	b.pushLocked(p)
	ev := b.evictLocked()
	b.signalOneLocked()
	b.recordInsertLocked(1, ev)
	capacity := b.capacity
	b.mu.Unlock()

	b.afterEviction(ev, capacity)
	return true, nil
}

// AddAll appends packets in order and wakes every waiting consumer. The slice
// and its elements are validated before anything is inserted, so a nil element
// leaves the buffer untouched.
func (b *Buffer) AddAll(packets []*Packet) error {
	if packets == nil {
		return fmt.Errorf("%w: nil packet slice", ErrInvalidArgument)
	}
	for i, p := range packets {
		if p == nil {
			return fmt.Errorf("%w: nil packet at index %d", ErrInvalidArgument, i)
		}
	}
	if len(packets) == 0 {
		return nil
	}

	b.mu.Lock()
	b.resolveCapacityLocked()
	for _, p := range packets {
		b.pushLocked(p)
	}
	ev := b.evictLocked()
	b.signalAllLocked()
	b.recordInsertLocked(len(packets), ev)
	capacity := b.capacity
	b.mu.Unlock()

	b.afterEviction(ev, capacity)
	return nil
}

// Poll removes and returns the oldest packet without blocking.
func (b *Buffer) Poll() (*Packet, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.popLocked()
}

// PollTimeout removes and returns the oldest packet, waiting up to timeout for
// one to arrive. It returns (nil, false, nil) when the timeout elapses. A
// timeout <= 0 behaves as Poll. If ctx is done before or during the wait the
// returned error matches both ErrInterrupted and ctx.Err().
func (b *Buffer) PollTimeout(ctx context.Context, timeout time.Duration) (*Packet, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, b.interrupted(err)
	}
	if timeout <= 0 {
		p, ok := b.Poll()
		return p, ok, nil
	}

	deadline := time.Now().Add(timeout)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	expired := false

	b.mu.Lock()
	for {
		if p, ok := b.popLocked(); ok {
			b.mu.Unlock()
			return p, true, nil
		}
		if expired || time.Until(deadline) <= 0 {
			b.mu.Unlock()
			return nil, false, nil
		}

		wake := make(chan struct{}, 1)
		b.waiters = append(b.waiters, wake)
		b.mu.Unlock()

		select {
		case <-wake:
			b.mu.Lock()
		case <-timer.C:
			expired = true
			b.mu.Lock()
			b.removeWaiterLocked(wake)
		case <-ctx.Done():
			b.mu.Lock()
			if !b.removeWaiterLocked(wake) && b.countLocked() > 0 {
				// Already signalled; hand the wakeup to the next consumer
				b.signalOneLocked()
			}
			b.mu.Unlock()
			return nil, false, b.interrupted(ctx.Err())
		}
	}
}

// Count returns the number of packets held.
func (b *Buffer) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.countLocked()
}

// ByteSize returns the sum of the lengths of the packets held.
func (b *Buffer) ByteSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Capacity returns the byte capacity, resolving it from the provider if no
// packet has been inserted yet.
func (b *Buffer) Capacity() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resolveCapacityLocked()
	return b.capacity
}

func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{
		Name:         b.name,
		Packets:      b.countLocked(),
		Bytes:        b.size,
		Capacity:     b.capacity,
		Added:        b.added,
		Evicted:      b.evicted,
		EvictedBytes: b.evictedBytes,
		Removed:      b.removed,
	}
}

func (b *Buffer) resolveCapacityLocked() {
	if b.capacity > 0 {
		return
	}

	capacity, fallback, err := resolveCapacity(b.provider)
	b.capacity = capacity

	if b.metrics != nil {
		b.metrics.SetCapacity(capacity)
		if fallback != "" {
			b.metrics.CapacityFallback(fallback)
		}
	}

	fields := map[string]interface{}{
		"capacity": capacity,
		"category": logger.CategoryCapacity,
	}
	switch {
	case err != nil:
		b.logger.WithError(err).WithFields(fields).Warn("Receive buffer size unavailable, using default capacity")
	case fallback != "":
		b.logger.WithFields(fields).Warn("Receive buffer size not positive, using default capacity")
	default:
		b.logger.WithFields(fields).Debug("Resolved receive buffer capacity")
	}
}

func (b *Buffer) countLocked() int {
	return len(b.queue) - b.head
}

func (b *Buffer) pushLocked(p *Packet) {
	b.queue = append(b.queue, p)
	b.size += p.Len()
}

func (b *Buffer) popLocked() (*Packet, bool) {
	p, ok := b.removeHeadLocked()
	if !ok {
		return nil, false
	}

	b.removed++
	if b.metrics != nil {
		b.metrics.Removed()
		b.metrics.SetOccupancy(b.countLocked(), b.size)
	}
	return p, true
}

func (b *Buffer) removeHeadLocked() (*Packet, bool) {
	if b.head == len(b.queue) {
		return nil, false
	}

	p := b.queue[b.head]
	b.queue[b.head] = nil
	b.head++
	b.size -= p.Len()

	switch {
	case b.head == len(b.queue):
		b.queue = b.queue[:0]
		b.head = 0
	case b.head >= compactThreshold && b.head*2 >= len(b.queue):
		n := copy(b.queue, b.queue[b.head:])
		clear(b.queue[n:])
		b.queue = b.queue[:n]
		b.head = 0
	}
	return p, true
}

// eviction describes the packets dropped by one insertion. packets is only
// populated when an evict handler is registered.
type eviction struct {
	packets []*Packet
	count   int
	bytes   int
}

// evictLocked drops head packets while over capacity, keeping at least the
// newest packet.
func (b *Buffer) evictLocked() eviction {
	var ev eviction
	for b.size > b.capacity && b.countLocked() > 1 {
		p, _ := b.removeHeadLocked()
		ev.count++
		ev.bytes += p.Len()
		if b.onEvict != nil {
			ev.packets = append(ev.packets, p)
		}
	}
	return ev
}

func (b *Buffer) recordInsertLocked(added int, ev eviction) {
	b.added += uint64(added)
	b.evicted += uint64(ev.count)
	b.evictedBytes += uint64(ev.bytes)

	if b.metrics != nil {
		b.metrics.Added(added)
		if ev.count > 0 {
			b.metrics.Evicted(ev.count, ev.bytes)
		}
		b.metrics.SetOccupancy(b.countLocked(), b.size)
	}
}

func (b *Buffer) afterEviction(ev eviction, capacity int) {
	if ev.count == 0 {
		return
	}

	b.sampled.Warn(logger.CategoryEviction, "Evicted oldest packets to stay within capacity", map[string]interface{}{
		"evicted":       ev.count,
		"evicted_bytes": ev.bytes,
		"capacity":      capacity,
	})

	for _, p := range ev.packets {
		b.onEvict(p)
	}
}

func (b *Buffer) signalOneLocked() {
	if len(b.waiters) == 0 {
		return
	}
	wake := b.waiters[0]
	b.waiters[0] = nil
	b.waiters = b.waiters[1:]
	wake <- struct{}{}
}

func (b *Buffer) signalAllLocked() {
	for i, wake := range b.waiters {
		wake <- struct{}{}
		b.waiters[i] = nil
	}
	b.waiters = b.waiters[:0]
}

// removeWaiterLocked reports whether wake was still registered, i.e. had not
// been signalled.
func (b *Buffer) removeWaiterLocked(wake chan struct{}) bool {
	for i, w := range b.waiters {
		if w == wake {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (b *Buffer) interrupted(err error) error {
	if b.metrics != nil {
		metrics.IncrementContextCancellation("rcvbuf", "poll")
	}
	return fmt.Errorf("%w: %w", ErrInterrupted, err)
}
