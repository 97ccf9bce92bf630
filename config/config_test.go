package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadPartialFileLayersOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "qnet.toml")
	require.NoError(t, os.WriteFile(path, []byte("channel_capacity = 64\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 64, cfg.ChannelCapacity)
	require.Equal(t, Default().HandshakeTimeout, cfg.HandshakeTimeout)
	require.Equal(t, Default().WriterFlushInterval, cfg.WriterFlushInterval)
}

func TestLoadFullFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "qnet.toml")
	body := `
handshake_timeout = 2000000000
writer_flush_interval = 500000
channel_capacity = 128
max_idle_timeout = 10000000000
keep_alive_interval = 5000000000
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, cfg.HandshakeTimeout)
	require.Equal(t, 500*time.Microsecond, cfg.WriterFlushInterval)
	require.Equal(t, 128, cfg.ChannelCapacity)
	require.Equal(t, 10*time.Second, cfg.MaxIdleTimeout)
	require.Equal(t, 5*time.Second, cfg.KeepAliveInterval)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.Error(t, err)
}
