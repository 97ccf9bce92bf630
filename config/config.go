// Package config assembles the tunables this library exposes: handshake
// timing, writer flush coalescing, channel capacities, and QUIC transport
// keepalive/idle settings. TLS configuration remains Go-level (callers
// build a *tls.Config directly, optionally via tlsutil), but the
// non-callback fields below can additionally be loaded from a TOML file.
package config

import (
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds every tunable this library exposes beyond the TLS configs
// passed directly to Dial/Listen. Zero-value fields are filled from
// Default() by Load.
type Config struct {
	// HandshakeTimeout bounds each direction of the filter handshake.
	// Duration fields are plain nanosecond integers in TOML (time.Duration
	// has no TextUnmarshaler), e.g. handshake_timeout = 5000000000.
	HandshakeTimeout time.Duration `toml:"handshake_timeout"`
	// WriterFlushInterval is the coalescing flush period for outbound
	// reliable streams.
	WriterFlushInterval time.Duration `toml:"writer_flush_interval"`
	// ChannelCapacity bounds the internal queues between the Reader and
	// Socket.Recv, and between Socket.Send and the Writer.
	ChannelCapacity int `toml:"channel_capacity"`
	// MaxIdleTimeout is passed through to the underlying quic.Config.
	MaxIdleTimeout time.Duration `toml:"max_idle_timeout"`
	// KeepAliveInterval is passed through to the underlying quic.Config.
	KeepAliveInterval time.Duration `toml:"keep_alive_interval"`
}

// Default returns the library's built-in defaults.
func Default() *Config {
	return &Config{
		HandshakeTimeout:    5 * time.Second,
		WriterFlushInterval: time.Millisecond,
		ChannelCapacity:     256,
		MaxIdleTimeout:      30 * time.Second,
		KeepAliveInterval:   15 * time.Second,
	}
}

// Load reads path as TOML and layers its fields over Default(), so a
// config file need only set the fields it wants to override. A path
// naming a file that does not exist is an error; Load(""​) is equivalent to Default().
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.fillZeroes()
	return cfg, nil
}

// fillZeroes restores defaults for any field the TOML file left at its
// zero value, so a partial file (e.g. just channel_capacity) doesn't
// silently zero out the handshake timeout.
func (c *Config) fillZeroes() {
	d := Default()
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.WriterFlushInterval == 0 {
		c.WriterFlushInterval = d.WriterFlushInterval
	}
	if c.ChannelCapacity == 0 {
		c.ChannelCapacity = d.ChannelCapacity
	}
	if c.MaxIdleTimeout == 0 {
		c.MaxIdleTimeout = d.MaxIdleTimeout
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = d.KeepAliveInterval
	}
}
