package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/zsiec/rcvbuf/internal/config"
	"github.com/zsiec/rcvbuf/internal/logger"
	"github.com/zsiec/rcvbuf/internal/metrics"
	"github.com/zsiec/rcvbuf/internal/rcvbuf"
	"github.com/zsiec/rcvbuf/internal/transport/udp"
	"github.com/zsiec/rcvbuf/pkg/version"
)

const unregisterTimeout = 2 * time.Second

// StatsFunc reports the current buffer and receiver counters.
type StatsFunc func() (rcvbuf.Stats, udp.Stats)

// Publisher keeps this process's record alive in the registry.
type Publisher struct {
	registry *RedisRegistry
	interval time.Duration
	stats    StatsFunc
	logger   logger.Logger
	record   Record

	heartbeats *metrics.Counter
	failures   *metrics.Counter
}

func NewPublisher(reg *RedisRegistry, cfg *config.RegistryConfig, listenAddr string, stats StatsFunc, log logger.Logger) *Publisher {
	if log == nil {
		log = logger.NewNullLogger()
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = reg.TTL() / 3
	}

	id := uuid.NewString()
	labels := map[string]string{"receiver_id": id}

	return &Publisher{
		registry: reg,
		interval: interval,
		stats:    stats,
		logger:   log.WithFields(map[string]interface{}{"component": "registry_publisher", "receiver_id": id}),
		record: Record{
			ID:         id,
			Hostname:   hostname,
			ListenAddr: listenAddr,
			Version:    version.Version,
		},
		heartbeats: metrics.NewCounter("rcvbuf_registry_heartbeats_total", "Registry heartbeats written", labels),
		failures:   metrics.NewCounter("rcvbuf_registry_heartbeat_failures_total", "Registry heartbeats that failed", labels),
	}
}

// ID returns the identifier this process registers under.
func (p *Publisher) ID() string {
	return p.record.ID
}

// Run registers, heartbeats every interval and unregisters when ctx is done.
// Only the initial registration error is returned.
func (p *Publisher) Run(ctx context.Context) error {
	p.refresh()
	if err := p.registry.Register(ctx, &p.record); err != nil {
		return fmt.Errorf("failed to publish receiver: %w", err)
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.unregister(ctx)
			return nil
		case <-ticker.C:
			p.beat(ctx)
		}
	}
}

func (p *Publisher) refresh() {
	if p.stats != nil {
		p.record.Buffer, p.record.Receiver = p.stats()
	}
}

func (p *Publisher) beat(ctx context.Context) {
	p.refresh()

	err := p.registry.Heartbeat(ctx, &p.record)
	if errors.Is(err, ErrNotFound) {
		p.logger.Warn("Registration expired, registering again")
		err = p.registry.Register(ctx, &p.record)
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.failures.Inc()
		p.logger.WithError(err).Warn("Registry heartbeat failed")
		return
	}
	p.heartbeats.Inc()
}

func (p *Publisher) unregister(parent context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), unregisterTimeout)
	defer cancel()

	if err := p.registry.Unregister(ctx, p.record.ID); err != nil && !errors.Is(err, ErrNotFound) {
		p.logger.WithError(err).Warn("Failed to unregister receiver")
	}
}
