package rcvbuf

import (
	"context"
	"encoding/binary"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// smallCapacity resolves to a 100 byte buffer since small sizes are doubled.
const smallCapacity = StaticCapacity(50)

func packetOfLen(n int) *Packet {
	return NewPacket(make([]byte, n), &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5004})
}

func newTestBuffer(provider CapacityProvider, opts ...Option) *Buffer {
	return NewBuffer("test", provider, append([]Option{WithMetrics(false)}, opts...)...)
}

func TestPacket(t *testing.T) {
	addr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 6000}
	before := time.Now()
	p := NewPacket([]byte{1, 2, 3}, addr)

	assert.Equal(t, 3, p.Len())
	assert.Equal(t, addr, p.Addr)
	assert.False(t, p.ReceivedAt.Before(before))
	assert.Equal(t, 0, (&Packet{}).Len())
}

func TestBuffer_Empty(t *testing.T) {
	b := newTestBuffer(smallCapacity)

	assert.Equal(t, "test", b.Name())
	assert.Equal(t, 0, b.Count())
	assert.Equal(t, 0, b.ByteSize())

	p, ok := b.Poll()
	assert.False(t, ok)
	assert.Nil(t, p)
}

func TestBuffer_FIFO(t *testing.T) {
	b := newTestBuffer(StaticCapacity(DefaultCapacity))

	var sent []*Packet
	for i := 0; i < 10; i++ {
		p := packetOfLen(i + 1)
		sent = append(sent, p)
		ok, err := b.Add(p)
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.Equal(t, 10, b.Count())
	assert.Equal(t, 55, b.ByteSize())

	for i, want := range sent {
		got, ok := b.Poll()
		require.True(t, ok)
		assert.Same(t, want, got, "packet %d out of order", i)
	}
	assert.Equal(t, 0, b.ByteSize())
}

func TestBuffer_EvictsOldestOverCapacity(t *testing.T) {
	b := newTestBuffer(smallCapacity)

	p1, p2, p3 := packetOfLen(40), packetOfLen(40), packetOfLen(40)
	for _, p := range []*Packet{p1, p2, p3} {
		_, err := b.Add(p)
		require.NoError(t, err)
	}

	assert.Equal(t, 100, b.Capacity())
	assert.Equal(t, 2, b.Count())
	assert.Equal(t, 80, b.ByteSize())

	got, ok := b.Poll()
	require.True(t, ok)
	assert.Same(t, p2, got)
	got, ok = b.Poll()
	require.True(t, ok)
	assert.Same(t, p3, got)

	stats := b.Stats()
	assert.Equal(t, uint64(3), stats.Added)
	assert.Equal(t, uint64(1), stats.Evicted)
	assert.Equal(t, uint64(40), stats.EvictedBytes)
	assert.Equal(t, uint64(2), stats.Removed)
}

func TestBuffer_ExactCapacityNotEvicted(t *testing.T) {
	b := newTestBuffer(smallCapacity)

	for _, n := range []int{60, 40} {
		_, err := b.Add(packetOfLen(n))
		require.NoError(t, err)
	}
	assert.Equal(t, 2, b.Count())
	assert.Equal(t, 100, b.ByteSize())
}

func TestBuffer_OversizedPacketHeldAlone(t *testing.T) {
	b := newTestBuffer(smallCapacity)

	_, err := b.Add(packetOfLen(30))
	require.NoError(t, err)

	big := packetOfLen(150)
	ok, err := b.Add(big)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, b.Count())
	assert.Equal(t, 150, b.ByteSize())

	// The next insertion pushes the oversized packet out
	small := packetOfLen(10)
	_, err = b.Add(small)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Count())
	assert.Equal(t, 10, b.ByteSize())

	got, ok := b.Poll()
	require.True(t, ok)
	assert.Same(t, small, got)
}

func TestBuffer_OversizedPacketIntoEmptyBuffer(t *testing.T) {
	b := newTestBuffer(smallCapacity)

	_, err := b.Add(packetOfLen(500))
	require.NoError(t, err)
	assert.Equal(t, 1, b.Count())
	assert.Equal(t, 500, b.ByteSize())
	assert.Equal(t, uint64(0), b.Stats().Evicted)
}

func TestBuffer_ZeroLengthPackets(t *testing.T) {
	b := newTestBuffer(smallCapacity)

	for i := 0; i < 5; i++ {
		_, err := b.Add(packetOfLen(0))
		require.NoError(t, err)
	}
	assert.Equal(t, 5, b.Count())
	assert.Equal(t, 0, b.ByteSize())
}

func TestBuffer_AddNil(t *testing.T) {
	b := newTestBuffer(smallCapacity)

	ok, err := b.Add(nil)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, 0, b.Count())
	assert.Equal(t, 0, b.Stats().Capacity, "nil insert must not resolve capacity")
}

func TestBuffer_AddAll(t *testing.T) {
	b := newTestBuffer(smallCapacity)

	batch := []*Packet{packetOfLen(40), packetOfLen(40), packetOfLen(40)}
	require.NoError(t, b.AddAll(batch))

	assert.Equal(t, 2, b.Count())
	assert.Equal(t, 80, b.ByteSize())

	got, _ := b.Poll()
	assert.Same(t, batch[1], got)
	got, _ = b.Poll()
	assert.Same(t, batch[2], got)
}

func TestBuffer_AddAllOversizedLast(t *testing.T) {
	b := newTestBuffer(smallCapacity)

	require.NoError(t, b.AddAll([]*Packet{packetOfLen(20), packetOfLen(20), packetOfLen(300)}))
	assert.Equal(t, 1, b.Count())
	assert.Equal(t, 300, b.ByteSize())
	assert.Equal(t, uint64(2), b.Stats().Evicted)
}

func TestBuffer_AddAllValidation(t *testing.T) {
	b := newTestBuffer(smallCapacity)
	_, err := b.Add(packetOfLen(10))
	require.NoError(t, err)

	err = b.AddAll(nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	err = b.AddAll([]*Packet{packetOfLen(5), nil, packetOfLen(5)})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Contains(t, err.Error(), "index 1")

	// Nothing from the rejected batch was inserted
	assert.Equal(t, 1, b.Count())
	assert.Equal(t, 10, b.ByteSize())
	assert.Equal(t, uint64(1), b.Stats().Added)
}

func TestBuffer_AddAllEmpty(t *testing.T) {
	b := newTestBuffer(smallCapacity)

	require.NoError(t, b.AddAll([]*Packet{}))
	assert.Equal(t, 0, b.Count())
	assert.Equal(t, 0, b.Stats().Capacity)
}

func TestBuffer_ByteSizeInvariantRandomized(t *testing.T) {
	b := newTestBuffer(smallCapacity)
	rng := rand.New(rand.NewSource(42))

	var model []*Packet
	modelSize := func() int {
		total := 0
		for _, p := range model {
			total += p.Len()
		}
		return total
	}

	for i := 0; i < 5000; i++ {
		switch op := rng.Intn(10); {
		case op < 5:
			p := packetOfLen(rng.Intn(130))
			_, err := b.Add(p)
			require.NoError(t, err)
			model = append(model, p)
			for modelSize() > 100 && len(model) > 1 {
				model = model[1:]
			}
		case op < 7:
			batch := make([]*Packet, rng.Intn(4))
			for j := range batch {
				batch[j] = packetOfLen(rng.Intn(60))
			}
			require.NoError(t, b.AddAll(batch))
			model = append(model, batch...)
			for modelSize() > 100 && len(model) > 1 {
				model = model[1:]
			}
		default:
			got, ok := b.Poll()
			if len(model) == 0 {
				require.False(t, ok)
				continue
			}
			require.True(t, ok)
			require.Same(t, model[0], got)
			model = model[1:]
		}

		require.Equal(t, len(model), b.Count())
		require.Equal(t, modelSize(), b.ByteSize())
		if b.Count() > 1 {
			require.LessOrEqual(t, b.ByteSize(), 100)
		}
	}
}

func TestBuffer_PollTimeoutWokenByAdd(t *testing.T) {
	b := newTestBuffer(smallCapacity)
	want := packetOfLen(10)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = b.Add(want)
	}()

	start := time.Now()
	got, ok, err := b.PollTimeout(context.Background(), 2*time.Second)
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.True(t, ok)
	assert.Same(t, want, got)
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestBuffer_PollTimeoutElapses(t *testing.T) {
	b := newTestBuffer(smallCapacity)

	start := time.Now()
	got, ok, err := b.PollTimeout(context.Background(), 50*time.Millisecond)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, got)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
}

func TestBuffer_PollTimeoutAvailableImmediately(t *testing.T) {
	b := newTestBuffer(smallCapacity)
	want := packetOfLen(10)
	_, err := b.Add(want)
	require.NoError(t, err)

	got, ok, err := b.PollTimeout(context.Background(), time.Hour)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Same(t, want, got)
}

func TestBuffer_PollTimeoutNonPositive(t *testing.T) {
	b := newTestBuffer(smallCapacity)

	for _, timeout := range []time.Duration{0, -time.Second} {
		start := time.Now()
		_, ok, err := b.PollTimeout(context.Background(), timeout)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Less(t, time.Since(start), 20*time.Millisecond)
	}

	want := packetOfLen(10)
	_, err := b.Add(want)
	require.NoError(t, err)
	got, ok, err := b.PollTimeout(context.Background(), 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Same(t, want, got)
}

func TestBuffer_PollTimeoutCancelled(t *testing.T) {
	b := newTestBuffer(smallCapacity)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	got, ok, err := b.PollTimeout(ctx, 5*time.Second)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInterrupted)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ok)
	assert.Nil(t, got)
	assert.Less(t, time.Since(start), time.Second)
}

func TestBuffer_PollTimeoutAlreadyCancelled(t *testing.T) {
	b := newTestBuffer(smallCapacity)
	_, err := b.Add(packetOfLen(10))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok, err := b.PollTimeout(ctx, time.Second)
	assert.ErrorIs(t, err, ErrInterrupted)
	assert.False(t, ok)

	// Even the non-blocking form reports cancellation
	_, _, err = b.PollTimeout(ctx, 0)
	assert.ErrorIs(t, err, ErrInterrupted)

	assert.Equal(t, 1, b.Count(), "cancelled poll must not consume")
}

func TestBuffer_PollTimeoutContextDeadline(t *testing.T) {
	b := newTestBuffer(smallCapacity)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, ok, err := b.PollTimeout(ctx, 5*time.Second)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrInterrupted)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBuffer_AddWakesOneWaiter(t *testing.T) {
	b := newTestBuffer(StaticCapacity(DefaultCapacity))

	const waiters = 3
	results := make(chan bool, waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			_, ok, _ := b.PollTimeout(context.Background(), 300*time.Millisecond)
			results <- ok
		}()
	}
	time.Sleep(50 * time.Millisecond)

	_, err := b.Add(packetOfLen(10))
	require.NoError(t, err)

	got := 0
	for i := 0; i < waiters; i++ {
		if <-results {
			got++
		}
	}
	assert.Equal(t, 1, got)
}

func TestBuffer_AddAllWakesAllWaiters(t *testing.T) {
	b := newTestBuffer(StaticCapacity(DefaultCapacity))

	const waiters = 3
	results := make(chan *Packet, waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			p, _, _ := b.PollTimeout(context.Background(), 2*time.Second)
			results <- p
		}()
	}
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	require.NoError(t, b.AddAll([]*Packet{packetOfLen(1), packetOfLen(2), packetOfLen(3)}))

	seen := map[int]bool{}
	for i := 0; i < waiters; i++ {
		p := <-results
		require.NotNil(t, p)
		seen[p.Len()] = true
	}
	assert.Len(t, seen, 3)
	assert.Less(t, time.Since(start), time.Second)
}

func TestBuffer_CancelledWaiterPassesSignalOn(t *testing.T) {
	for i := 0; i < 50; i++ {
		b := newTestBuffer(StaticCapacity(DefaultCapacity))
		ctx, cancel := context.WithCancel(context.Background())

		first := make(chan bool, 1)
		go func() {
			_, ok, _ := b.PollTimeout(ctx, 5*time.Second)
			first <- ok
		}()
		time.Sleep(5 * time.Millisecond)

		survivorCtx, stopSurvivor := context.WithCancel(context.Background())
		second := make(chan bool, 1)
		go func() {
			_, ok, _ := b.PollTimeout(survivorCtx, 2*time.Second)
			second <- ok
		}()
		time.Sleep(5 * time.Millisecond)

		// Race the wakeup against cancellation of the first waiter
		go cancel()
		_, err := b.Add(packetOfLen(10))
		require.NoError(t, err)

		if <-first {
			stopSurvivor()
			assert.False(t, <-second)
		} else {
			select {
			case ok := <-second:
				assert.True(t, ok, "wakeup lost in iteration %d", i)
			case <-time.After(3 * time.Second):
				t.Fatal("surviving waiter never returned")
			}
		}
		stopSurvivor()
		assert.Equal(t, 0, b.Count())
	}
}

func TestBuffer_EvictHandler(t *testing.T) {
	var (
		b       *Buffer
		evicted []*Packet
		counts  []int
	)
	b = newTestBuffer(smallCapacity, WithEvictHandler(func(p *Packet) {
		evicted = append(evicted, p)
		// Runs without the buffer lock held
		counts = append(counts, b.Count())
	}))

	p1, p2, p3 := packetOfLen(40), packetOfLen(40), packetOfLen(40)
	for _, p := range []*Packet{p1, p2, p3} {
		_, err := b.Add(p)
		require.NoError(t, err)
	}

	require.Len(t, evicted, 1)
	assert.Same(t, p1, evicted[0])
	assert.Equal(t, []int{2}, counts)

	require.NoError(t, b.AddAll([]*Packet{packetOfLen(90)}))
	require.Len(t, evicted, 3)
	assert.Same(t, p2, evicted[1])
	assert.Same(t, p3, evicted[2])
}

func TestBuffer_ConcurrentProducersConsumers(t *testing.T) {
	b := newTestBuffer(StaticCapacity(DefaultCapacity))

	const (
		producers = 8
		perWorker = 1000
		consumers = 4
		total     = producers * perWorker
	)

	var received atomic.Int64
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var consumersWG sync.WaitGroup
	for i := 0; i < consumers; i++ {
		consumersWG.Add(1)
		go func() {
			defer consumersWG.Done()
			for received.Load() < total {
				_, ok, err := b.PollTimeout(ctx, 20*time.Millisecond)
				if err != nil {
					return
				}
				if ok {
					received.Add(1)
				}
			}
		}()
	}

	var producersWG sync.WaitGroup
	for i := 0; i < producers; i++ {
		producersWG.Add(1)
		go func() {
			defer producersWG.Done()
			for j := 0; j < perWorker; j++ {
				if j%10 == 0 {
					batch := []*Packet{packetOfLen(8), packetOfLen(8)}
					_ = b.AddAll(batch)
					j++
					continue
				}
				_, _ = b.Add(packetOfLen(8))
			}
		}()
	}

	producersWG.Wait()
	consumersWG.Wait()

	require.NoError(t, ctx.Err(), "consumers did not drain in time")
	assert.Equal(t, int64(total), received.Load())
	assert.Equal(t, 0, b.Count())
	assert.Equal(t, 0, b.ByteSize())

	stats := b.Stats()
	assert.Equal(t, uint64(total), stats.Added)
	assert.Equal(t, uint64(total), stats.Removed)
	assert.Equal(t, uint64(0), stats.Evicted)
}

func TestBuffer_PerProducerOrderPreserved(t *testing.T) {
	b := newTestBuffer(StaticCapacity(DefaultCapacity))

	const (
		producers = 4
		perWorker = 500
	)

	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for seq := 0; seq < perWorker; seq++ {
				data := make([]byte, 8)
				binary.BigEndian.PutUint32(data[0:4], uint32(id))
				binary.BigEndian.PutUint32(data[4:8], uint32(seq))
				_, _ = b.Add(&Packet{Data: data})
			}
		}(i)
	}
	wg.Wait()

	last := make(map[uint32]int)
	for id := 0; id < producers; id++ {
		last[uint32(id)] = -1
	}
	for {
		p, ok := b.Poll()
		if !ok {
			break
		}
		id := binary.BigEndian.Uint32(p.Data[0:4])
		seq := int(binary.BigEndian.Uint32(p.Data[4:8]))
		require.Greater(t, seq, last[id])
		last[id] = seq
	}
	for id := 0; id < producers; id++ {
		assert.Equal(t, perWorker-1, last[uint32(id)])
	}
}

func TestBuffer_QueueCompaction(t *testing.T) {
	b := newTestBuffer(StaticCapacity(DefaultCapacity))

	// Interleave so the head index crosses the compaction threshold
	for i := 0; i < 3*compactThreshold; i++ {
		_, err := b.Add(packetOfLen(1))
		require.NoError(t, err)
		_, err = b.Add(packetOfLen(1))
		require.NoError(t, err)
		_, ok := b.Poll()
		require.True(t, ok)
	}

	assert.Equal(t, 3*compactThreshold, b.Count())
	assert.Equal(t, 3*compactThreshold, b.ByteSize())
	for i := 0; i < 3*compactThreshold; i++ {
		_, ok := b.Poll()
		require.True(t, ok)
	}
	assert.Equal(t, 0, b.Count())
}

func TestBuffer_Metrics(t *testing.T) {
	name := "test-buffer-metrics-enabled"
	b := NewBuffer(name, smallCapacity)

	for i := 0; i < 3; i++ {
		_, err := b.Add(packetOfLen(40))
		require.NoError(t, err)
	}
	_, ok := b.Poll()
	require.True(t, ok)

	assert.Equal(t, float64(100), gatheredValue(t, "rcvbuf_buffer_capacity_bytes", name))
	assert.Equal(t, float64(3), gatheredValue(t, "rcvbuf_buffer_added_total", name))
	assert.Equal(t, float64(1), gatheredValue(t, "rcvbuf_buffer_evicted_total", name))
	assert.Equal(t, float64(40), gatheredValue(t, "rcvbuf_buffer_evicted_bytes_total", name))
	assert.Equal(t, float64(1), gatheredValue(t, "rcvbuf_buffer_removed_total", name))
	assert.Equal(t, float64(1), gatheredValue(t, "rcvbuf_buffer_packets", name))
	assert.Equal(t, float64(40), gatheredValue(t, "rcvbuf_buffer_bytes", name))
}

func TestStats_Occupancy(t *testing.T) {
	assert.Equal(t, 0.0, Stats{Bytes: 10}.Occupancy())
	assert.InDelta(t, 0.5, Stats{Bytes: 50, Capacity: 100}.Occupancy(), 1e-9)
}

func gatheredValue(t *testing.T, family, bufferName string) float64 {
	t.Helper()

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != family {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "buffer" && lp.GetValue() == bufferName {
					if m.GetGauge() != nil {
						return m.GetGauge().GetValue()
					}
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s{buffer=%q} not found", family, bufferName)
	return 0
}
