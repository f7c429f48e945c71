package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Execution strategies for a stream's decode state.
const (
	StrategyInProcess = "inprocess"
	StrategyDelegated = "delegated"
)

// Reorder buffer overflow policies.
const (
	OverflowEvictOldest  = "evict_oldest"
	OverflowRejectNewest = "reject_newest"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Decode   DecodeConfig   `mapstructure:"decode"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Registry RegistryConfig `mapstructure:"registry"`
}

// ServerConfig configures the HTTP status and control API.
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	ListenAddr      string        `mapstructure:"listen_addr"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
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

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json or text
	Output     string `mapstructure:"output"` // stdout, stderr, or file path
	MaxSize    int    `mapstructure:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	Port    int    `mapstructure:"port"`
}

// DecodeConfig configures per-stream sequencing and decoding.
type DecodeConfig struct {
	Strategy       string      `mapstructure:"strategy"`        // inprocess or delegated
	BufferCapacity int         `mapstructure:"buffer_capacity"` // reorder buffer entries per stream
	OverflowPolicy string      `mapstructure:"overflow_policy"` // evict_oldest or reject_newest
	MailboxSize    int         `mapstructure:"mailbox_size"`    // delegated worker queue depth
	Video          CodecConfig `mapstructure:"video"`
	Screen         CodecConfig `mapstructure:"screen"`
	Audio          CodecConfig `mapstructure:"audio"`
}

// CodecConfig is the fixed configuration a decoder instance is configured with.
type CodecConfig struct {
	Codec      string `mapstructure:"codec"`
	SampleRate int    `mapstructure:"sample_rate"`
	Channels   int    `mapstructure:"channels"`
}

type IngestConfig struct {
	QUIC QUICConfig `mapstructure:"quic"`
	RTP  RTPConfig  `mapstructure:"rtp"`
}

// QUICConfig configures the QUIC ingest listener. Each unidirectional
// stream carries length-prefixed media packets.
type QUICConfig struct {
	Enabled               bool          `mapstructure:"enabled"`
	ListenAddr            string        `mapstructure:"listen_addr"`
	TLSCertFile           string        `mapstructure:"tls_cert_file"`
	TLSKeyFile            string        `mapstructure:"tls_key_file"`
	MaxIdleTimeout        time.Duration `mapstructure:"max_idle_timeout"`
	MaxIncomingUniStreams int64         `mapstructure:"max_incoming_uni_streams"`
	MaxPacketSize         int           `mapstructure:"max_packet_size"`
	MaxConnections        int           `mapstructure:"max_connections"`          // 0 means unlimited
	MaxConnectionsPerHost int           `mapstructure:"max_connections_per_host"` // 0 means unlimited
}

// RTPConfig configures the RTP/UDP ingest listener.
type RTPConfig struct {
	Enabled                 bool          `mapstructure:"enabled"`
	ListenAddr              string        `mapstructure:"listen_addr"`
	Port                    int           `mapstructure:"port"`
	ReadBufferSize          int           `mapstructure:"read_buffer_size"`
	KeyframeRequestInterval time.Duration `mapstructure:"keyframe_request_interval"`
	SessionTimeout          time.Duration `mapstructure:"session_timeout"`
}

// RegistryConfig configures publication of active streams to Redis.
type RegistryConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Prefix            string        `mapstructure:"prefix"`
	TTL               time.Duration `mapstructure:"ttl"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// Load reads configPath, applies PEERDECODE_* environment overrides and
// validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(configPath)

	v.SetEnvPrefix("PEERDECODE")
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
	// Server defaults
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.listen_addr", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "5s")

	// Redis defaults
	v.SetDefault("redis.addresses", []string{"localhost:6379"})
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.min_idle_conns", 2)

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

	// Decode defaults
	v.SetDefault("decode.strategy", StrategyInProcess)
	v.SetDefault("decode.buffer_capacity", 100)
	v.SetDefault("decode.overflow_policy", OverflowEvictOldest)
	v.SetDefault("decode.mailbox_size", 1024)
	v.SetDefault("decode.video.codec", "vp09.00.10.08")
	v.SetDefault("decode.screen.codec", "vp09.00.10.08")
	v.SetDefault("decode.audio.codec", "opus")
	v.SetDefault("decode.audio.sample_rate", 48000)
	v.SetDefault("decode.audio.channels", 1)

	// Ingest defaults
	v.SetDefault("ingest.quic.enabled", false)
	v.SetDefault("ingest.quic.listen_addr", "0.0.0.0:4433")
	v.SetDefault("ingest.quic.max_idle_timeout", "30s")
	v.SetDefault("ingest.quic.max_incoming_uni_streams", 16)
	v.SetDefault("ingest.quic.max_packet_size", 1<<20) // 1MB
	v.SetDefault("ingest.quic.max_connections", 1000)
	v.SetDefault("ingest.quic.max_connections_per_host", 8)
	v.SetDefault("ingest.rtp.enabled", true)
	v.SetDefault("ingest.rtp.listen_addr", "0.0.0.0")
	v.SetDefault("ingest.rtp.port", 5004)
	v.SetDefault("ingest.rtp.read_buffer_size", 2097152) // 2MB
	v.SetDefault("ingest.rtp.keyframe_request_interval", "1s")
	v.SetDefault("ingest.rtp.session_timeout", "30s")

	// Registry defaults
	v.SetDefault("registry.enabled", false)
	v.SetDefault("registry.prefix", "peerdecode:streams:")
	v.SetDefault("registry.ttl", "1m")
	v.SetDefault("registry.heartbeat_interval", "10s")
}
