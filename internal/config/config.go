package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Receiver ReceiverConfig `mapstructure:"receiver"`
	Buffer   BufferConfig   `mapstructure:"buffer"`
	Demux    DemuxConfig    `mapstructure:"demux"`
	Server   ServerConfig   `mapstructure:"server"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Registry RegistryConfig `mapstructure:"registry"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type ReceiverConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	Port            int           `mapstructure:"port"`
	ReadBufferSize  int           `mapstructure:"read_buffer_size"`  // SO_RCVBUF request, 0 keeps the OS default
	MaxDatagramSize int           `mapstructure:"max_datagram_size"` // Largest datagram read in one call
	BatchSize       int           `mapstructure:"batch_size"`        // Datagrams per ReadBatch, 1 disables batching
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`      // Read deadline between context checks
	BindAttempts    uint          `mapstructure:"bind_attempts"`
	BindRetryDelay  time.Duration `mapstructure:"bind_retry_delay"`
}

type BufferConfig struct {
	Name              string  `mapstructure:"name"`
	MetricsEnabled    bool    `mapstructure:"metrics_enabled"`
	PressureThreshold float64 `mapstructure:"pressure_threshold"` // Occupancy ratio reported unhealthy
}

type DemuxConfig struct {
	Workers       int           `mapstructure:"workers"`
	PollTimeout   time.Duration `mapstructure:"poll_timeout"`
	StreamTimeout time.Duration `mapstructure:"stream_timeout"` // Idle SSRCs are forgotten after this, 0 keeps them
}

type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	HTTPPort        int           `mapstructure:"http_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// HTTP/3 is served only when both TLS files are set
	HTTP3Port      int           `mapstructure:"http3_port"`
	TLSCertFile    string        `mapstructure:"tls_cert_file"`
	TLSKeyFile     string        `mapstructure:"tls_key_file"`
	MaxIdleTimeout time.Duration `mapstructure:"max_idle_timeout"`
}

type RedisConfig struct {
	Addresses    []string      `mapstructure:"addresses"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	MaxRetries   int           `mapstructure:"max_retries"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
}

type RegistryConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	TTL               time.Duration `mapstructure:"ttl"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ConnectAttempts   uint          `mapstructure:"connect_attempts"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`   // json or text
	Output     string `mapstructure:"output"`   // stdout, stderr, or file path
	MaxSize    int    `mapstructure:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	Port    int    `mapstructure:"port"`
}

// HTTP3Enabled reports whether TLS material is configured for the QUIC listener.
func (s *ServerConfig) HTTP3Enabled() bool {
	return s.TLSCertFile != "" && s.TLSKeyFile != ""
}

func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(configPath)

	// Environment variable override
	v.SetEnvPrefix("RCVBUF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Receiver defaults
	v.SetDefault("receiver.listen_addr", "0.0.0.0")
	v.SetDefault("receiver.port", 5004)
	v.SetDefault("receiver.read_buffer_size", 2097152) // 2MB
	v.SetDefault("receiver.max_datagram_size", 65535)
	v.SetDefault("receiver.batch_size", 32)
	v.SetDefault("receiver.read_timeout", "1s")
	v.SetDefault("receiver.bind_attempts", 3)
	v.SetDefault("receiver.bind_retry_delay", "500ms")

	// Buffer defaults
	v.SetDefault("buffer.name", "udp")
	v.SetDefault("buffer.metrics_enabled", true)
	v.SetDefault("buffer.pressure_threshold", 0.95)

	// Demux defaults
	v.SetDefault("demux.workers", 4)
	v.SetDefault("demux.poll_timeout", "250ms")
	v.SetDefault("demux.stream_timeout", "30s")

	// Server defaults
	v.SetDefault("server.listen_addr", "0.0.0.0")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.http3_port", 8443)
	v.SetDefault("server.max_idle_timeout", "30s")

	// Redis defaults
	v.SetDefault("redis.addresses", []string{"localhost:6379"})
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)

	// Registry defaults
	v.SetDefault("registry.enabled", false)
	v.SetDefault("registry.ttl", "30s")
	v.SetDefault("registry.heartbeat_interval", "10s")
	v.SetDefault("registry.connect_attempts", 5)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age", 30)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.port", 9090)
}
