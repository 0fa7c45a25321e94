package demux

import (
	"time"
)

// Sequence deltas at or beyond this are treated as a stream reset rather than loss.
const maxSequenceJump = 100

// StreamStats describes one RTP source (SSRC).
type StreamStats struct {
	SSRC             uint32    `json:"ssrc"`
	Source           string    `json:"source"`
	PayloadType      uint8     `json:"payload_type"`
	Packets          uint64    `json:"packets"`
	Bytes            uint64    `json:"bytes"`
	LastSequence     uint16    `json:"last_sequence"`
	SequenceGaps     uint64    `json:"sequence_gaps"`
	PacketsLost      uint64    `json:"packets_lost"`
	Reordered        uint64    `json:"reordered"`
	SequenceResets   uint64    `json:"sequence_resets"`
	SenderReports    uint64    `json:"sender_reports"`
	FirstSeen        time.Time `json:"first_seen"`
	LastSeen         time.Time `json:"last_seen"`
	LastSenderReport time.Time `json:"last_sender_report,omitempty"`
}

type streamState struct {
	stats       StreamStats
	initialized bool // sequence 0 is valid, so track first packet separately
}

// sequenceResult is what observeSequence learned from one packet.
type sequenceResult struct {
	lost  int
	reset bool
	gap   int
}

// observeSequence applies seq using wraparound-safe 16 bit arithmetic. The
// last sequence only moves forward so late packets are not counted as loss.
func (s *streamState) observeSequence(seq uint16) sequenceResult {
	if !s.initialized {
		s.initialized = true
		s.stats.LastSequence = seq
		return sequenceResult{}
	}

	gap := int(int16(seq - s.stats.LastSequence))
	res := sequenceResult{gap: gap}

	switch {
	case gap == 0:
		// duplicate
	case gap > 0 && gap < maxSequenceJump:
		if gap > 1 {
			res.lost = gap - 1
			s.stats.SequenceGaps++
			s.stats.PacketsLost += uint64(res.lost)
		}
		s.stats.LastSequence = seq
	case gap < 0 && gap > -maxSequenceJump:
		s.stats.Reordered++
	default:
		res.reset = true
		s.stats.SequenceResets++
		s.stats.LastSequence = seq
	}
	return res
}
