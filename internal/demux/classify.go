package demux

import (
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/zsiec/rcvbuf/internal/metrics"
	"github.com/zsiec/rcvbuf/internal/rcvbuf"
)

// Kind is the demultiplexed protocol of a packet.
type Kind string

const (
	KindRTP     Kind = metrics.KindRTP
	KindRTCP    Kind = metrics.KindRTCP
	KindUnknown Kind = metrics.KindUnknown
)

const rtpVersion = 2

// Frame is a packet together with its parsed form.
type Frame struct {
	Kind   Kind
	Packet *rcvbuf.Packet
	RTP    *rtp.Packet   // set for KindRTP
	RTCP   []rtcp.Packet // set for KindRTCP
	Err    error         // parse failure for packets that looked like RTP or RTCP
}

// Classify distinguishes RTP from RTCP on a shared port (RFC 5761 section 4):
// version 2 packets whose second byte is 192-223 are RTCP.
func Classify(data []byte) Kind {
	if len(data) < 2 || data[0]>>6 != rtpVersion {
		return KindUnknown
	}
	if pt := data[1]; pt >= 192 && pt <= 223 {
		return KindRTCP
	}
	return KindRTP
}

// Demux classifies and parses pkt. Packets that fail to parse come back as
// KindUnknown with Err set.
func Demux(pkt *rcvbuf.Packet) *Frame {
	f := &Frame{Kind: Classify(pkt.Data), Packet: pkt}

	switch f.Kind {
	case KindRTP:
		var p rtp.Packet
		if err := p.Unmarshal(pkt.Data); err != nil {
			f.Kind, f.Err = KindUnknown, err
			return f
		}
		f.RTP = &p
	case KindRTCP:
		packets, err := rtcp.Unmarshal(pkt.Data)
		if err != nil {
			f.Kind, f.Err = KindUnknown, err
			return f
		}
		f.RTCP = packets
	}
	return f
}
