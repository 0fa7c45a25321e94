// Package loadgen sends synthetic RTP streams with periodic RTCP sender
// reports, for exercising a receiver.
package loadgen

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/zsiec/rcvbuf/internal/logger"
	"golang.org/x/time/rate"
)

// rtpClockRate is the 90 kHz video clock used for RTP timestamps.
const rtpClockRate = 90000

type Config struct {
	Target           string        // host:port
	Streams          int           // concurrent SSRCs
	PacketsPerSecond float64       // across all streams
	PayloadSize      int           // bytes of RTP payload
	PayloadType      uint8         // 0-127
	ReportInterval   time.Duration // RTCP sender report period per stream, 0 disables
	Count            int           // stop after this many RTP packets, 0 runs until cancelled
}

func (c *Config) validate() error {
	switch {
	case c.Target == "":
		return errors.New("target is required")
	case c.Streams < 1:
		return fmt.Errorf("streams must be at least 1, got %d", c.Streams)
	case c.PacketsPerSecond <= 0:
		return fmt.Errorf("packets per second must be positive, got %v", c.PacketsPerSecond)
	case c.PayloadSize < 0:
		return fmt.Errorf("payload size cannot be negative")
	case c.PayloadType > 127:
		return fmt.Errorf("payload type must be 0-127, got %d", c.PayloadType)
	case c.Count < 0:
		return fmt.Errorf("count cannot be negative")
	}
	return nil
}

// Stats counts what a Generator has sent.
type Stats struct {
	RTPPackets  uint64
	RTCPPackets uint64
	Bytes       uint64
	Errors      uint64
}

type stream struct {
	ssrc      uint32
	sequence  uint16
	timestamp uint32
	packets   uint32
	octets    uint32
	lastSR    time.Time
}

type Generator struct {
	cfg     Config
	logger  logger.Logger
	limiter *rate.Limiter
	streams []*stream
	payload []byte

	rtpPackets  atomic.Uint64
	rtcpPackets atomic.Uint64
	bytes       atomic.Uint64
	errors      atomic.Uint64
}

func New(cfg Config, log logger.Logger) (*Generator, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid load generator config: %w", err)
	}
	if log == nil {
		log = logger.NewNullLogger()
	}

	g := &Generator{
		cfg:     cfg,
		logger:  log.WithField("component", "loadgen"),
		limiter: rate.NewLimiter(rate.Limit(cfg.PacketsPerSecond), cfg.Streams),
		payload: make([]byte, cfg.PayloadSize),
	}
	for i := range g.payload {
		g.payload[i] = byte(i)
	}
	for i := 0; i < cfg.Streams; i++ {
		g.streams = append(g.streams, &stream{
			ssrc:      rand.Uint32(),
			sequence:  uint16(rand.UintN(1 << 16)),
			timestamp: rand.Uint32(),
		})
	}
	return g, nil
}

// SSRCs returns the synchronization sources the generator sends as.
func (g *Generator) SSRCs() []uint32 {
	out := make([]uint32, len(g.streams))
	for i, s := range g.streams {
		out[i] = s.ssrc
	}
	return out
}

func (g *Generator) Stats() Stats {
	return Stats{
		RTPPackets:  g.rtpPackets.Load(),
		RTCPPackets: g.rtcpPackets.Load(),
		Bytes:       g.bytes.Load(),
		Errors:      g.errors.Load(),
	}
}

// Run sends round-robin across streams until ctx ends or Count packets have
// gone out. Send errors are counted, not returned.
func (g *Generator) Run(ctx context.Context) error {
	conn, err := net.Dial("udp", g.cfg.Target)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", g.cfg.Target, err)
	}
	defer conn.Close()

	g.logger.WithFields(map[string]interface{}{
		"target":  g.cfg.Target,
		"streams": g.cfg.Streams,
		"pps":     g.cfg.PacketsPerSecond,
	}).Info("Sending RTP")

	// Samples per packet so the RTP clock advances in real time
	step := uint32(rtpClockRate * float64(g.cfg.Streams) / g.cfg.PacketsPerSecond)

	for n := 0; g.cfg.Count == 0 || n < g.cfg.Count; n++ {
		// Wait fails only when ctx is done or its deadline comes before the next token
		if err := g.limiter.Wait(ctx); err != nil {
			return nil
		}

		s := g.streams[n%len(g.streams)]
		g.send(conn, g.nextRTP(s, step))

		if g.cfg.ReportInterval > 0 && time.Since(s.lastSR) >= g.cfg.ReportInterval {
			g.sendReport(conn, s)
		}
	}
	return nil
}

func (g *Generator) nextRTP(s *stream, step uint32) []byte {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    g.cfg.PayloadType,
			SequenceNumber: s.sequence,
			Timestamp:      s.timestamp,
			SSRC:           s.ssrc,
		},
		Payload: g.payload,
	}
	s.sequence++
	s.timestamp += step
	s.packets++
	s.octets += uint32(len(g.payload))

	data, err := pkt.Marshal()
	if err != nil {
		g.errors.Add(1)
		return nil
	}
	g.rtpPackets.Add(1)
	return data
}

func (g *Generator) sendReport(conn net.Conn, s *stream) {
	now := time.Now()
	sr := &rtcp.SenderReport{
		SSRC:        s.ssrc,
		NTPTime:     ntpTime(now),
		RTPTime:     s.timestamp,
		PacketCount: s.packets,
		OctetCount:  s.octets,
	}
	s.lastSR = now

	data, err := sr.Marshal()
	if err != nil {
		g.errors.Add(1)
		return
	}
	g.rtcpPackets.Add(1)
	g.send(conn, data)
}

func (g *Generator) send(conn net.Conn, data []byte) {
	if data == nil {
		return
	}
	n, err := conn.Write(data)
	if err != nil {
		g.errors.Add(1)
		g.logger.WithError(err).Debug("Send failed")
		return
	}
	g.bytes.Add(uint64(n))
}

// ntpTime converts t to the 64-bit NTP format used in sender reports.
func ntpTime(t time.Time) uint64 {
	const ntpEpochOffset = 2208988800
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := uint64(t.Nanosecond()) << 32 / 1e9
	return secs<<32 | frac
}
