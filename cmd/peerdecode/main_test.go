package main

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/peerdecode/internal/config"
	"github.com/zsiec/peerdecode/internal/logger"
)

func loadTestConfig(t *testing.T) *config.Config {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: error\n"), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	cfg.Server.Enabled = false
	cfg.Metrics.Enabled = false
	cfg.Ingest.QUIC.Enabled = false
	return cfg
}

func TestRun_ListenerFailureClosesRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	// Hold the RTP port so the listener cannot bind it.
	taken, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer taken.Close()

	cfg := loadTestConfig(t)
	cfg.Registry.Enabled = true
	cfg.Redis.Addresses = []string{mr.Addr()}
	cfg.Ingest.RTP.Enabled = true
	cfg.Ingest.RTP.ListenAddr = "127.0.0.1"
	cfg.Ingest.RTP.Port = taken.LocalAddr().(*net.UDPAddr).Port

	err = run(cfg, logger.NewNullLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start RTP listener")

	assert.Positive(t, mr.TotalConnectionCount())
	assert.Eventually(t, func() bool {
		return mr.CurrentConnectionCount() == 0
	}, 2*time.Second, 10*time.Millisecond, "redis connections left open")
}

func TestRun_RedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := loadTestConfig(t)
	cfg.Registry.Enabled = true
	cfg.Redis.Addresses = []string{addr}
	cfg.Redis.DialTimeout = 50 * time.Millisecond
	cfg.Ingest.RTP.Enabled = false

	start := time.Now()
	err := run(cfg, logger.NewNullLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to Redis")
	assert.Less(t, time.Since(start), 30*time.Second)
}
