package logger

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Log categories for per-packet events that can fire thousands of times a second.
const (
	CategoryEviction  = "eviction"
	CategoryReadError = "read_error"
	CategoryMalformed = "malformed_packet"
	CategorySequence  = "sequence_gap"
	CategoryCapacity  = "capacity"
)

// SampledLogger rate limits log lines per category. Suppressed lines are
// counted and reported on the next line that gets through.
type SampledLogger struct {
	base     Logger
	samplers map[string]*logSampler
	mu       sync.RWMutex
}

type logSampler struct {
	limiter    *rate.Limiter
	suppressed atomic.Int64 // since last emitted line
	total      atomic.Int64
	logged     atomic.Int64
}

// SamplerStats holds statistics for a log sampler
type SamplerStats struct {
	Name            string  `json:"name"`
	TotalMessages   int64   `json:"total_messages"`
	LoggedMessages  int64   `json:"logged_messages"`
	DroppedMessages int64   `json:"dropped_messages"`
	CurrentRate     float64 `json:"current_rate"`
}

func NewSampledLogger(base Logger) *SampledLogger {
	return &SampledLogger{
		base:     base,
		samplers: make(map[string]*logSampler),
	}
}

// WithSampler allows one line per interval for category, with burst lines up front.
func (s *SampledLogger) WithSampler(category string, interval time.Duration, burst int) *SampledLogger {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.samplers[category] = &logSampler{
		limiter: rate.NewLimiter(rate.Every(interval), burst),
	}
	return s
}

// allow reports whether a line for category may be written and how many
// lines were suppressed before it.
func (s *SampledLogger) allow(category string) (bool, int64) {
	s.mu.RLock()
	sampler, exists := s.samplers[category]
	s.mu.RUnlock()

	if !exists {
		return true, 0
	}

	sampler.total.Add(1)
	if !sampler.limiter.Allow() {
		sampler.suppressed.Add(1)
		return false, 0
	}

	sampler.logged.Add(1)
	return true, sampler.suppressed.Swap(0)
}

func (s *SampledLogger) log(level logrus.Level, category, msg string, fields map[string]interface{}) {
	ok, suppressed := s.allow(category)
	if !ok {
		return
	}

	merged := make(map[string]interface{}, len(fields)+2)
	for k, v := range fields {
		merged[k] = v
	}
	merged["category"] = category
	if suppressed > 0 {
		merged["suppressed"] = suppressed
	}

	s.base.WithFields(merged).Log(level, msg)
}

func (s *SampledLogger) Debug(category, msg string, fields map[string]interface{}) {
	s.log(logrus.DebugLevel, category, msg, fields)
}

func (s *SampledLogger) Info(category, msg string, fields map[string]interface{}) {
	s.log(logrus.InfoLevel, category, msg, fields)
}

func (s *SampledLogger) Warn(category, msg string, fields map[string]interface{}) {
	s.log(logrus.WarnLevel, category, msg, fields)
}

// Error is never sampled.
func (s *SampledLogger) Error(category, msg string, fields map[string]interface{}) {
	merged := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		merged[k] = v
	}
	merged["category"] = category
	s.base.WithFields(merged).Error(msg)
}

// Base returns the unsampled logger.
func (s *SampledLogger) Base() Logger {
	return s.base
}

func (s *SampledLogger) Stats() map[string]SamplerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]SamplerStats, len(s.samplers))
	for name, sampler := range s.samplers {
		total := sampler.total.Load()
		logged := sampler.logged.Load()
		st := SamplerStats{
			Name:            name,
			TotalMessages:   total,
			LoggedMessages:  logged,
			DroppedMessages: total - logged,
		}
		if total > 0 {
			st.CurrentRate = float64(logged) / float64(total)
		}
		stats[name] = st
	}
	return stats
}

// NewPacketLogger returns a sampled logger preset for the packet path.
func NewPacketLogger(base Logger) *SampledLogger {
	return NewSampledLogger(base).
		WithSampler(CategoryEviction, time.Second, 3).
		WithSampler(CategoryReadError, time.Second, 5).
		WithSampler(CategoryMalformed, 2*time.Second, 3).
		WithSampler(CategorySequence, time.Second, 5)
	// CategoryCapacity is logged once per buffer and left unsampled
}
