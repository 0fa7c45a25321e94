package health

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zsiec/rcvbuf/internal/rcvbuf"
)

type staticStats rcvbuf.Stats

func (s staticStats) Stats() rcvbuf.Stats {
	return rcvbuf.Stats(s)
}

func TestBufferChecker(t *testing.T) {
	tests := []struct {
		name     string
		stats    rcvbuf.Stats
		degraded bool
	}{
		{name: "unresolved capacity", stats: rcvbuf.Stats{Name: "udp"}},
		{name: "empty", stats: rcvbuf.Stats{Name: "udp", Capacity: 1000}},
		{name: "below threshold", stats: rcvbuf.Stats{Name: "udp", Bytes: 899, Capacity: 1000}},
		{name: "at threshold", stats: rcvbuf.Stats{Name: "udp", Bytes: 900, Capacity: 1000}, degraded: true},
		{name: "oversized packet held alone", stats: rcvbuf.Stats{Name: "udp", Packets: 1, Bytes: 5000, Capacity: 1000}, degraded: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := NewBufferChecker(staticStats(tt.stats), 0.9)
			assert.Equal(t, "buffer", checker.Name())

			err := checker.Check(context.Background())
			if tt.degraded {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrDegraded)
				assert.Contains(t, err.Error(), "buffer udp")
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBufferChecker_Details(t *testing.T) {
	checker := NewBufferChecker(staticStats(rcvbuf.Stats{Name: "udp", Packets: 2, Bytes: 250, Capacity: 1000, Evicted: 7}), 0.5)
	require.NoError(t, checker.Check(context.Background()))

	details := checker.Details()
	assert.Equal(t, "udp", details["buffer"])
	assert.Equal(t, 250, details["bytes"])
	assert.Equal(t, 1000, details["capacity"])
	assert.Equal(t, 0.25, details["occupancy"])
	assert.Equal(t, uint64(7), details["evicted"])
	assert.Equal(t, 0.5, details["threshold"])
}

func TestBufferChecker_WithBuffer(t *testing.T) {
	buf := rcvbuf.NewBuffer("health", rcvbuf.StaticCapacity(2<<20), rcvbuf.WithMetrics(false))
	checker := NewBufferChecker(buf, 0.6)

	_, err := buf.Add(rcvbuf.NewPacket(make([]byte, 1<<20), nil))
	require.NoError(t, err)
	assert.NoError(t, checker.Check(context.Background()))

	_, err = buf.Add(rcvbuf.NewPacket(make([]byte, 256<<10), nil))
	require.NoError(t, err)
	assert.ErrorIs(t, checker.Check(context.Background()), ErrDegraded)
}
