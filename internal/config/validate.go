package config

import (
	"fmt"
	"os"
)

func (c *Config) Validate() error {
	if err := c.Receiver.Validate(); err != nil {
		return fmt.Errorf("receiver config: %w", err)
	}

	if err := c.Buffer.Validate(); err != nil {
		return fmt.Errorf("buffer config: %w", err)
	}

	if err := c.Demux.Validate(); err != nil {
		return fmt.Errorf("demux config: %w", err)
	}

	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if c.Registry.Enabled {
		if err := c.Redis.Validate(); err != nil {
			return fmt.Errorf("redis config: %w", err)
		}
		if err := c.Registry.Validate(); err != nil {
			return fmt.Errorf("registry config: %w", err)
		}
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}

	if c.Metrics.Enabled && c.Metrics.Port == c.Server.HTTPPort {
		return fmt.Errorf("metrics port %d conflicts with server http_port", c.Metrics.Port)
	}

	return nil
}

func (r *ReceiverConfig) Validate() error {
	// 0 lets the OS pick a port
	if r.Port < 0 || r.Port > 65535 {
		return fmt.Errorf("invalid receiver port: %d", r.Port)
	}

	if r.ReadBufferSize < 0 {
		return fmt.Errorf("read_buffer_size cannot be negative")
	}

	if r.MaxDatagramSize <= 0 || r.MaxDatagramSize > 65535 {
		return fmt.Errorf("max_datagram_size must be between 1 and 65535, got %d", r.MaxDatagramSize)
	}

	if r.BatchSize < 1 {
		return fmt.Errorf("batch_size must be at least 1")
	}

	if r.ReadTimeout <= 0 {
		return fmt.Errorf("read_timeout must be positive")
	}

	if r.BindAttempts == 0 {
		return fmt.Errorf("bind_attempts must be at least 1")
	}

	return nil
}

func (b *BufferConfig) Validate() error {
	if b.Name == "" {
		return fmt.Errorf("buffer name cannot be empty")
	}

	if b.PressureThreshold <= 0 || b.PressureThreshold > 1 {
		return fmt.Errorf("pressure_threshold must be in (0, 1], got %.2f", b.PressureThreshold)
	}

	return nil
}

func (d *DemuxConfig) Validate() error {
	if d.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}

	if d.PollTimeout <= 0 {
		return fmt.Errorf("poll_timeout must be positive")
	}

	if d.StreamTimeout < 0 {
		return fmt.Errorf("stream_timeout cannot be negative")
	}

	return nil
}

func (s *ServerConfig) Validate() error {
	if s.HTTPPort < 1 || s.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", s.HTTPPort)
	}

	if (s.TLSCertFile == "") != (s.TLSKeyFile == "") {
		return fmt.Errorf("tls_cert_file and tls_key_file must be set together")
	}

	if !s.HTTP3Enabled() {
		return nil
	}

	if s.HTTP3Port < 1 || s.HTTP3Port > 65535 {
		return fmt.Errorf("invalid HTTP3 port: %d", s.HTTP3Port)
	}

	if _, err := os.Stat(s.TLSCertFile); os.IsNotExist(err) {
		return fmt.Errorf("TLS certificate file not found: %s", s.TLSCertFile)
	}

	if _, err := os.Stat(s.TLSKeyFile); os.IsNotExist(err) {
		return fmt.Errorf("TLS key file not found: %s", s.TLSKeyFile)
	}

	return nil
}

func (r *RedisConfig) Validate() error {
	if len(r.Addresses) == 0 {
		return fmt.Errorf("at least one Redis address is required")
	}

	if r.DB < 0 {
		return fmt.Errorf("invalid Redis database number: %d", r.DB)
	}

	if r.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative")
	}

	if r.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be positive")
	}

	if r.MinIdleConns < 0 {
		return fmt.Errorf("min_idle_conns cannot be negative")
	}

	if r.MinIdleConns > r.PoolSize {
		return fmt.Errorf("min_idle_conns cannot be greater than pool_size")
	}

	return nil
}

func (r *RegistryConfig) Validate() error {
	if r.TTL <= 0 {
		return fmt.Errorf("ttl must be positive")
	}

	if r.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}

	if r.HeartbeatInterval >= r.TTL {
		return fmt.Errorf("heartbeat_interval (%v) must be shorter than ttl (%v)", r.HeartbeatInterval, r.TTL)
	}

	if r.ConnectAttempts == 0 {
		return fmt.Errorf("connect_attempts must be at least 1")
	}

	return nil
}

func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"panic": true,
		"fatal": true,
		"error": true,
		"warn":  true,
		"info":  true,
		"debug": true,
		"trace": true,
	}

	if !validLevels[l.Level] {
		return fmt.Errorf("invalid log level: %s", l.Level)
	}

	if l.Format != "json" && l.Format != "text" {
		return fmt.Errorf("log format must be 'json' or 'text'")
	}

	if l.Output != "stdout" && l.Output != "stderr" {
		if l.MaxSize <= 0 {
			return fmt.Errorf("max_size must be positive for file output")
		}
		if l.MaxBackups < 0 {
			return fmt.Errorf("max_backups cannot be negative")
		}
		if l.MaxAge < 0 {
			return fmt.Errorf("max_age cannot be negative")
		}
	}

	return nil
}

func (m *MetricsConfig) Validate() error {
	if m.Enabled {
		if m.Port < 1 || m.Port > 65535 {
			return fmt.Errorf("invalid metrics port: %d", m.Port)
		}

		if m.Path == "" {
			return fmt.Errorf("metrics path cannot be empty")
		}
	}

	return nil
}
