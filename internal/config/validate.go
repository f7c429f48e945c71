package config

import (
	"fmt"
	"os"
)

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if c.Registry.Enabled {
		if err := c.Redis.Validate(); err != nil {
			return fmt.Errorf("redis config: %w", err)
		}
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}

	if err := c.Decode.Validate(); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}

	if err := c.Ingest.Validate(); err != nil {
		return fmt.Errorf("ingest config: %w", err)
	}

	if err := c.Registry.Validate(); err != nil {
		return fmt.Errorf("registry config: %w", err)
	}

	if c.Server.Enabled && c.Metrics.Enabled && c.Server.Port == c.Metrics.Port {
		return fmt.Errorf("server and metrics ports must differ")
	}

	return nil
}

func (s *ServerConfig) Validate() error {
	if !s.Enabled {
		return nil
	}

	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", s.Port)
	}

	if s.ReadTimeout < 0 || s.WriteTimeout < 0 || s.ShutdownTimeout < 0 {
		return fmt.Errorf("timeouts cannot be negative")
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

func (d *DecodeConfig) Validate() error {
	switch d.Strategy {
	case StrategyInProcess, StrategyDelegated:
	default:
		return fmt.Errorf("strategy must be %q or %q, got %q", StrategyInProcess, StrategyDelegated, d.Strategy)
	}

	if d.BufferCapacity <= 0 {
		return fmt.Errorf("buffer_capacity must be positive")
	}

	switch d.OverflowPolicy {
	case OverflowEvictOldest, OverflowRejectNewest:
	default:
		return fmt.Errorf("overflow_policy must be %q or %q, got %q", OverflowEvictOldest, OverflowRejectNewest, d.OverflowPolicy)
	}

	if d.Strategy == StrategyDelegated && d.MailboxSize <= 0 {
		return fmt.Errorf("mailbox_size must be positive for the delegated strategy")
	}

	if err := d.Video.Validate(false); err != nil {
		return fmt.Errorf("video: %w", err)
	}
	if err := d.Screen.Validate(false); err != nil {
		return fmt.Errorf("screen: %w", err)
	}
	if err := d.Audio.Validate(true); err != nil {
		return fmt.Errorf("audio: %w", err)
	}

	return nil
}

func (c *CodecConfig) Validate(audio bool) error {
	if c.Codec == "" {
		return fmt.Errorf("codec cannot be empty")
	}

	if audio {
		if c.SampleRate <= 0 {
			return fmt.Errorf("sample_rate must be positive")
		}
		if c.Channels <= 0 {
			return fmt.Errorf("channels must be positive")
		}
	}

	return nil
}

func (i *IngestConfig) Validate() error {
	if err := i.QUIC.Validate(); err != nil {
		return fmt.Errorf("quic config: %w", err)
	}

	if err := i.RTP.Validate(); err != nil {
		return fmt.Errorf("rtp config: %w", err)
	}

	if !i.QUIC.Enabled && !i.RTP.Enabled {
		return fmt.Errorf("at least one ingest transport must be enabled")
	}

	return nil
}

func (q *QUICConfig) Validate() error {
	if !q.Enabled {
		return nil
	}

	if q.ListenAddr == "" {
		return fmt.Errorf("QUIC listen address cannot be empty")
	}

	if q.TLSCertFile == "" {
		return fmt.Errorf("TLS certificate file is required")
	}

	if q.TLSKeyFile == "" {
		return fmt.Errorf("TLS key file is required")
	}

	if _, err := os.Stat(q.TLSCertFile); os.IsNotExist(err) {
		return fmt.Errorf("TLS certificate file not found: %s", q.TLSCertFile)
	}

	if _, err := os.Stat(q.TLSKeyFile); os.IsNotExist(err) {
		return fmt.Errorf("TLS key file not found: %s", q.TLSKeyFile)
	}

	if q.MaxIncomingUniStreams <= 0 {
		return fmt.Errorf("max_incoming_uni_streams must be positive")
	}

	if q.MaxPacketSize <= 0 {
		return fmt.Errorf("max_packet_size must be positive")
	}

	if q.MaxConnections < 0 || q.MaxConnectionsPerHost < 0 {
		return fmt.Errorf("connection limits cannot be negative")
	}

	return nil
}

func (r *RTPConfig) Validate() error {
	if !r.Enabled {
		return nil
	}

	if r.Port < 1 || r.Port > 65535 {
		return fmt.Errorf("invalid RTP port: %d", r.Port)
	}

	if r.ListenAddr == "" {
		return fmt.Errorf("RTP listen address cannot be empty")
	}

	if r.ReadBufferSize <= 0 {
		return fmt.Errorf("read_buffer_size must be positive")
	}

	if r.KeyframeRequestInterval < 0 {
		return fmt.Errorf("keyframe_request_interval cannot be negative")
	}

	if r.SessionTimeout <= 0 {
		return fmt.Errorf("RTP session_timeout must be positive")
	}

	return nil
}

func (r *RegistryConfig) Validate() error {
	if !r.Enabled {
		return nil
	}

	if r.Prefix == "" {
		return fmt.Errorf("prefix cannot be empty")
	}

	if r.TTL <= 0 {
		return fmt.Errorf("ttl must be positive")
	}

	if r.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}

	if r.HeartbeatInterval >= r.TTL {
		return fmt.Errorf("heartbeat_interval (%s) must be shorter than ttl (%s)", r.HeartbeatInterval, r.TTL)
	}

	return nil
}
