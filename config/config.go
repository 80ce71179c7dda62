// Package config loads the JSON configuration for the bridge binaries.
// Defaults are complete enough to run with no file at all; environment
// variables override a handful of deployment-specific settings.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/c360/devicebridge/errors"
)

// Duration wraps time.Duration so JSON configs can say "5s" or "30m".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", v, err)
		}
		*d = Duration(parsed)
		return nil
	case float64:
		*d = Duration(time.Duration(v))
		return nil
	default:
		return fmt.Errorf("duration must be a string or nanosecond count, got %T", raw)
	}
}

// Config is the full configuration tree. Controller binaries read Server,
// Session and Metrics; the device agent reads Transport and Verify.
type Config struct {
	Log       LogConfig       `json:"log"`
	Server    ServerConfig    `json:"server"`
	Session   SessionConfig   `json:"session"`
	Metrics   MetricsConfig   `json:"metrics"`
	Transport TransportConfig `json:"transport"`
	Verify    VerifyConfig    `json:"verify"`
}

type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `json:"level"`
	// Format is text or json.
	Format string `json:"format"`
}

type ServerConfig struct {
	ListenAddr string  `json:"listen_addr"`
	Path       string  `json:"path"`
	ReadLimit  int64   `json:"read_limit"`
	FrameRate  float64 `json:"frame_rate"`
	FrameBurst int     `json:"frame_burst"`
}

type SessionConfig struct {
	IdleTimeout   Duration `json:"idle_timeout"`
	SweepInterval Duration `json:"sweep_interval"`
}

type MetricsConfig struct {
	Enabled    bool   `json:"enabled"`
	ListenAddr string `json:"listen_addr"`
}

type TransportConfig struct {
	Host                 string   `json:"host"`
	Port                 int      `json:"port"`
	DeviceID             string   `json:"device_id"`
	Path                 string   `json:"path"`
	Subprotocol          string   `json:"subprotocol"`
	QueueCapacity        int      `json:"queue_capacity"`
	ReconnectDelay       Duration `json:"reconnect_delay"`
	ReconnectMaxAttempts int      `json:"reconnect_max_attempts"`
	HandshakeTimeout     Duration `json:"handshake_timeout"`
	// Framing is legacy or json.
	Framing string `json:"framing"`
	// HeartbeatInterval drives the agent's heartbeat ticker.
	HeartbeatInterval Duration `json:"heartbeat_interval"`
}

type VerifyConfig struct {
	PollInterval Duration `json:"poll_interval"`
	Timeout      Duration `json:"timeout"`
	SettleDelay  Duration `json:"settle_delay"`
}

// Default returns a runnable configuration.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Server: ServerConfig{
			ListenAddr: ":8765",
			Path:       "/ws",
			ReadLimit:  32 << 20,
			FrameRate:  100,
			FrameBurst: 20,
		},
		Session: SessionConfig{
			IdleTimeout:   Duration(30 * time.Minute),
			SweepInterval: Duration(60 * time.Second),
		},
		Metrics: MetricsConfig{Enabled: true, ListenAddr: ":9090"},
		Transport: TransportConfig{
			Host:                 "127.0.0.1",
			Port:                 8765,
			Path:                 "/ws",
			QueueCapacity:        200,
			ReconnectDelay:       Duration(5 * time.Second),
			ReconnectMaxAttempts: 3,
			HandshakeTimeout:     Duration(10 * time.Second),
			Framing:              "json",
			HeartbeatInterval:    Duration(30 * time.Second),
		},
		Verify: VerifyConfig{
			PollInterval: Duration(100 * time.Millisecond),
			Timeout:      Duration(3 * time.Second),
			SettleDelay:  Duration(500 * time.Millisecond),
		},
	}
}

// Load reads path (JSON) over the defaults, then applies environment
// overrides and validates. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrap(err, "Config", "Load", "read config file")
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, errors.Wrap(
				fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
				"Config", "Load", "parse config file")
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DEVICEBRIDGE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("DEVICEBRIDGE_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("DEVICEBRIDGE_METRICS_ADDR"); v != "" {
		c.Metrics.ListenAddr = v
	}
	if v := os.Getenv("DEVICEBRIDGE_HOST"); v != "" {
		c.Transport.Host = v
	}
	if v := os.Getenv("DEVICEBRIDGE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Transport.Port = port
		}
	}
	if v := os.Getenv("DEVICEBRIDGE_DEVICE_ID"); v != "" {
		c.Transport.DeviceID = v
	}
}

// Validate rejects values the components would misbehave on.
func (c Config) Validate() error {
	fail := func(detail string) error {
		return errors.Wrap(
			fmt.Errorf("%w: %s", errors.ErrInvalidConfig, detail),
			"Config", "Validate", "check settings")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fail(fmt.Sprintf("log.level %q is not debug/info/warn/error", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fail(fmt.Sprintf("log.format %q is not text or json", c.Log.Format))
	}
	switch c.Transport.Framing {
	case "legacy", "json":
	default:
		return fail(fmt.Sprintf("transport.framing %q is not legacy or json", c.Transport.Framing))
	}
	if c.Server.ListenAddr == "" {
		return fail("server.listen_addr is required")
	}
	if c.Server.FrameRate <= 0 {
		return fail("server.frame_rate must be positive")
	}
	if c.Session.IdleTimeout <= 0 || c.Session.SweepInterval <= 0 {
		return fail("session timeouts must be positive")
	}
	if c.Transport.QueueCapacity <= 0 {
		return fail("transport.queue_capacity must be positive")
	}
	if c.Transport.ReconnectMaxAttempts <= 0 {
		return fail("transport.reconnect_max_attempts must be positive")
	}
	if c.Transport.ReconnectDelay <= 0 {
		return fail("transport.reconnect_delay must be positive")
	}
	if c.Verify.PollInterval <= 0 || c.Verify.Timeout <= 0 || c.Verify.SettleDelay <= 0 {
		return fail("verify intervals must be positive")
	}
	if c.Verify.PollInterval >= c.Verify.Timeout {
		return fail("verify.poll_interval must be shorter than verify.timeout")
	}
	return nil
}
