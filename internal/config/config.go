// Package config handles client and server runtime settings: defaults
// overlaid with PEERDROP_* environment variables; commands may overlay
// flags on top of the result.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every externally tunable knob.
//
// Fields:
//   - SignalingHost / SignalingPort / SignalingPath: where the signaling
//     server lives and the websocket mount point.
//   - TLS: use wss/https when talking to the signaling server.
//   - Verbosity: debug | info | warn | error.
//   - DownloadDir: where the receiver writes completed files.
//   - ConnectTimeout: bounded wait for room lookup and peer connect.
type Config struct {
	SignalingHost  string
	SignalingPort  int
	SignalingPath  string
	TLS            bool
	Verbosity      string
	DownloadDir    string
	ConnectTimeout time.Duration
}

func (c *Config) LoadDefaults() {
	c.SignalingHost = "127.0.0.1"
	c.SignalingPort = 9000
	c.SignalingPath = "/sockets"
	c.TLS = false
	c.Verbosity = "info"
	c.DownloadDir = "downloads"
	c.ConnectTimeout = 10 * time.Second
}

// Load builds a Config from defaults plus the environment.
func Load() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	cfg.loadEnv()
	return cfg
}

func (c *Config) loadEnv() {
	if v := os.Getenv("PEERDROP_SIGNALING_HOST"); v != "" {
		c.SignalingHost = v
	}
	if v := os.Getenv("PEERDROP_SIGNALING_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.SignalingPort = port
		}
	}
	if v := os.Getenv("PEERDROP_SIGNALING_PATH"); v != "" {
		c.SignalingPath = v
	}
	if v := os.Getenv("PEERDROP_TLS"); v != "" {
		if tls, err := strconv.ParseBool(v); err == nil {
			c.TLS = tls
		}
	}
	if v := os.Getenv("PEERDROP_VERBOSITY"); v != "" {
		c.Verbosity = v
	}
	if v := os.Getenv("PEERDROP_DOWNLOAD_DIR"); v != "" {
		c.DownloadDir = v
	}
	if v := os.Getenv("PEERDROP_CONNECT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.ConnectTimeout = d
		}
	}
}

// SignalingAddr is the host:port the server binds and the client dials.
func (c *Config) SignalingAddr() string {
	return fmt.Sprintf("%s:%d", c.SignalingHost, c.SignalingPort)
}

// WebsocketURL is the full signaling socket URL for a client.
func (c *Config) WebsocketURL() string {
	scheme := "ws"
	if c.TLS {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s%s", scheme, c.SignalingAddr(), c.SignalingPath)
}

// HTTPBaseURL is the base URL of the session HTTP surface.
func (c *Config) HTTPBaseURL() string {
	scheme := "http"
	if c.TLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, c.SignalingAddr())
}

// ShareURL renders the link a sender hands to receivers: the room id is
// the only path segment.
func (c *Config) ShareURL(roomID string) string {
	return fmt.Sprintf("%s/%s", c.HTTPBaseURL(), roomID)
}
