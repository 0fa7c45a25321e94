package demux

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/sourcegraph/conc/pool"
	"github.com/zsiec/rcvbuf/internal/config"
	"github.com/zsiec/rcvbuf/internal/logger"
	"github.com/zsiec/rcvbuf/internal/metrics"
	"github.com/zsiec/rcvbuf/internal/rcvbuf"
)

// Source is the consumer side of a receive buffer.
type Source interface {
	Name() string
	PollTimeout(ctx context.Context, timeout time.Duration) (*rcvbuf.Packet, bool, error)
}

// Handler receives every demultiplexed frame. It is called concurrently from
// all workers.
type Handler interface {
	HandleFrame(ctx context.Context, f *Frame) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, f *Frame) error

func (fn HandlerFunc) HandleFrame(ctx context.Context, f *Frame) error {
	return fn(ctx, f)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHandler forwards frames to h after they are accounted for.
func WithHandler(h Handler) Option {
	return func(d *Dispatcher) {
		d.handler = h
	}
}

// Snapshot is the dispatcher's view of the traffic seen so far.
type Snapshot struct {
	Streams          []StreamStats `json:"streams"`
	RTPPackets       uint64        `json:"rtp_packets"`
	RTCPPackets      uint64        `json:"rtcp_packets"`
	UnknownPackets   uint64        `json:"unknown_packets"`
	MalformedPackets uint64        `json:"malformed_packets"`
	HandlerErrors    uint64        `json:"handler_errors"`
}

// Dispatcher drains a Source with a pool of workers, classifying each packet
// as RTP or RTCP and keeping per-SSRC statistics.
type Dispatcher struct {
	cfg        *config.DemuxConfig
	source     Source
	handler    Handler
	logger     logger.Logger
	sampled    *logger.SampledLogger
	queueDelay *metrics.Histogram

	mu      sync.RWMutex
	streams map[uint32]*streamState

	rtpPackets       atomic.Uint64
	rtcpPackets      atomic.Uint64
	unknownPackets   atomic.Uint64
	malformedPackets atomic.Uint64
	handlerErrors    atomic.Uint64
}

func NewDispatcher(cfg *config.DemuxConfig, source Source, log logger.Logger, opts ...Option) *Dispatcher {
	if log == nil {
		log = logger.NewNullLogger()
	}

	d := &Dispatcher{
		cfg:     cfg,
		source:  source,
		logger:  log.WithField("component", "demux"),
		streams: make(map[uint32]*streamState),
		queueDelay: metrics.NewHistogram(
			"rcvbuf_demux_queue_delay_seconds",
			"Time packets spent in the receive buffer before demultiplexing",
			map[string]string{"buffer": source.Name()},
			[]float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		),
	}
	d.sampled = logger.NewPacketLogger(d.logger)

	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run blocks until ctx is cancelled. Cancellation is the normal way to stop and
// is not reported as an error.
func (d *Dispatcher) Run(ctx context.Context) error {
	p := pool.New().
		WithMaxGoroutines(d.cfg.Workers + 1).
		WithContext(ctx).
		WithCancelOnError()

	for i := 0; i < d.cfg.Workers; i++ {
		id := i
		p.Go(func(ctx context.Context) error {
			return d.worker(ctx, id)
		})
	}

	if d.cfg.StreamTimeout > 0 {
		p.Go(d.pruneLoop)
	}

	d.logger.WithFields(map[string]interface{}{
		"workers":      d.cfg.Workers,
		"poll_timeout": d.cfg.PollTimeout.String(),
		"buffer":       d.source.Name(),
	}).Info("Demux workers started")

	err := p.Wait()
	d.logger.Info("Demux workers stopped")
	return err
}

func (d *Dispatcher) worker(ctx context.Context, id int) error {
	metrics.IncrementGoroutineCreated("demux_worker")
	defer metrics.IncrementGoroutineDestroyed("demux_worker")

	for {
		pkt, ok, err := d.source.PollTimeout(ctx, d.cfg.PollTimeout)
		if err != nil {
			if errors.Is(err, rcvbuf.ErrInterrupted) {
				return nil
			}
			return fmt.Errorf("demux worker %d: %w", id, err)
		}
		if !ok {
			continue
		}
		d.Process(ctx, pkt)
	}
}

func (d *Dispatcher) pruneLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.StreamTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if n := d.PruneIdle(now.Add(-d.cfg.StreamTimeout)); n > 0 {
				d.logger.WithField("streams", n).Debug("Pruned idle streams")
			}
		}
	}
}

// Process demultiplexes a single packet. Workers call it for every packet
// they take from the source.
func (d *Dispatcher) Process(ctx context.Context, pkt *rcvbuf.Packet) *Frame {
	if !pkt.ReceivedAt.IsZero() {
		d.queueDelay.Observe(time.Since(pkt.ReceivedAt).Seconds())
	}

	f := Demux(pkt)
	metrics.RecordDemuxPacket(string(f.Kind))

	switch f.Kind {
	case KindRTP:
		d.rtpPackets.Add(1)
		d.trackRTP(f.RTP, pkt)
	case KindRTCP:
		d.rtcpPackets.Add(1)
		d.trackRTCP(f.RTCP, pkt)
	default:
		d.unknownPackets.Add(1)
		if f.Err != nil {
			d.malformedPackets.Add(1)
			d.sampled.Debug(logger.CategoryMalformed, "Dropping malformed packet", map[string]interface{}{
				"error":  f.Err.Error(),
				"length": pkt.Len(),
				"source": addrString(pkt),
			})
		}
	}

	if d.handler != nil {
		if err := d.handler.HandleFrame(ctx, f); err != nil {
			d.handlerErrors.Add(1)
			d.sampled.Warn(logger.CategoryMalformed, "Frame handler failed", map[string]interface{}{
				"error": err.Error(),
				"kind":  string(f.Kind),
			})
		}
	}
	return f
}

func (d *Dispatcher) trackRTP(p *rtp.Packet, pkt *rcvbuf.Packet) {
	now := seenAt(pkt)

	d.mu.Lock()
	s, created := d.streamLocked(p.SSRC, pkt, now)
	s.stats.Packets++
	s.stats.Bytes += uint64(pkt.Len())
	s.stats.PayloadType = p.PayloadType
	s.stats.LastSeen = now
	res := s.observeSequence(p.SequenceNumber)
	active := len(d.streams)
	d.mu.Unlock()

	if created {
		metrics.SetActiveStreams(active)
		d.logger.WithFields(map[string]interface{}{
			"ssrc":         p.SSRC,
			"payload_type": p.PayloadType,
			"source":       addrString(pkt),
		}).Info("New RTP stream")
	}

	if res.lost > 0 {
		metrics.RecordSequenceGap(res.lost)
	}
	if res.reset {
		d.sampled.Warn(logger.CategorySequence, "Large sequence number jump", map[string]interface{}{
			"ssrc":     p.SSRC,
			"sequence": p.SequenceNumber,
			"gap":      res.gap,
		})
	}
}

func (d *Dispatcher) trackRTCP(packets []rtcp.Packet, pkt *rcvbuf.Packet) {
	now := seenAt(pkt)
	removed := 0

	d.mu.Lock()
	for _, p := range packets {
		switch r := p.(type) {
		case *rtcp.SenderReport:
			s, _ := d.streamLocked(r.SSRC, pkt, now)
			s.stats.SenderReports++
			s.stats.LastSenderReport = now
			s.stats.LastSeen = now
		case *rtcp.Goodbye:
			for _, ssrc := range r.Sources {
				if _, ok := d.streams[ssrc]; ok {
					delete(d.streams, ssrc)
					removed++
				}
			}
		}
	}
	active := len(d.streams)
	d.mu.Unlock()

	metrics.SetActiveStreams(active)
	if removed > 0 {
		d.logger.WithField("streams", removed).Info("RTP streams left (BYE)")
	}
}

// streamLocked returns the state for ssrc, creating it if needed.
func (d *Dispatcher) streamLocked(ssrc uint32, pkt *rcvbuf.Packet, now time.Time) (*streamState, bool) {
	if s, ok := d.streams[ssrc]; ok {
		return s, false
	}

	s := &streamState{stats: StreamStats{
		SSRC:      ssrc,
		Source:    addrString(pkt),
		FirstSeen: now,
		LastSeen:  now,
	}}
	d.streams[ssrc] = s
	return s, true
}

// PruneIdle forgets streams not seen since cutoff and returns how many were removed.
func (d *Dispatcher) PruneIdle(cutoff time.Time) int {
	d.mu.Lock()
	removed := 0
	for ssrc, s := range d.streams {
		if s.stats.LastSeen.Before(cutoff) {
			delete(d.streams, ssrc)
			removed++
		}
	}
	active := len(d.streams)
	d.mu.Unlock()

	if removed > 0 {
		metrics.SetActiveStreams(active)
	}
	return removed
}

// Snapshot returns per-stream statistics ordered by SSRC.
func (d *Dispatcher) Snapshot() Snapshot {
	d.mu.RLock()
	streams := make([]StreamStats, 0, len(d.streams))
	for _, s := range d.streams {
		streams = append(streams, s.stats)
	}
	d.mu.RUnlock()

	sort.Slice(streams, func(i, j int) bool { return streams[i].SSRC < streams[j].SSRC })

	return Snapshot{
		Streams:          streams,
		RTPPackets:       d.rtpPackets.Load(),
		RTCPPackets:      d.rtcpPackets.Load(),
		UnknownPackets:   d.unknownPackets.Load(),
		MalformedPackets: d.malformedPackets.Load(),
		HandlerErrors:    d.handlerErrors.Load(),
	}
}

func seenAt(pkt *rcvbuf.Packet) time.Time {
	if pkt.ReceivedAt.IsZero() {
		return time.Now()
	}
	return pkt.ReceivedAt
}

func addrString(pkt *rcvbuf.Packet) string {
	if pkt.Addr == nil {
		return ""
	}
	return pkt.Addr.String()
}
