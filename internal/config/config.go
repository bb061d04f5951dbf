// Package config loads the service configuration (TOML) and the sensor's
// device identity file (YAML).
package config

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"golang.org/x/time/rate"

	"github.com/banshee-data/vision-bridge/internal/framer"
	"github.com/banshee-data/vision-bridge/internal/link"
	"github.com/banshee-data/vision-bridge/internal/native"
)

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Transports accepted in sensor.transport.
const (
	TransportTCP    = "tcp"
	TransportSerial = "serial"
)

// Config is the root of the service configuration file. Durations are kept
// as strings ("500ms") and read through the Get* methods, which fall back to
// defaults for empty or unparsable values.
type Config struct {
	Sensor SensorConfig `toml:"sensor"`
	Bridge BridgeConfig `toml:"bridge"`
	Server ServerConfig `toml:"server"`
}

// SensorConfig describes how to reach the sensor.
type SensorConfig struct {
	Host      string `toml:"host"`
	Port      int    `toml:"port"`
	Transport string `toml:"transport"`

	SerialPath string           `toml:"serial_path"`
	Serial     link.PortOptions `toml:"serial"`

	ReconnectBackoff string `toml:"reconnect_backoff"`
	DialTimeout      string `toml:"dial_timeout"`
	ReadBufferSize   int    `toml:"read_buffer_size"`

	// native mode command channel
	Password       string  `toml:"password"`
	NativeUser     string  `toml:"native_user"`
	NativePort     int     `toml:"native_port"`
	CommandTimeout string  `toml:"command_timeout"`
	CommandRate    float64 `toml:"command_rate"` // commands per second, 0 for unlimited
	CommandBurst   int     `toml:"command_burst"`
}

// BridgeConfig tunes the parse pipeline.
type BridgeConfig struct {
	// BurstPolicy is "latest" or "all".
	BurstPolicy string `toml:"burst_policy"`
	DeviceInfo  string `toml:"device_info"`
}

// ServerConfig configures the hosting surfaces.
type ServerConfig struct {
	Listen       string `toml:"listen"`
	GRPCListen   string `toml:"grpc_listen"`
	DBPath       string `toml:"db_path"`
	StreamBuffer int    `toml:"stream_buffer"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Sensor: SensorConfig{
			Host:             "127.0.0.1",
			Port:             link.DefaultPort,
			Transport:        TransportTCP,
			ReconnectBackoff: "500ms",
			DialTimeout:      "5s",
			ReadBufferSize:   link.DefaultReadBufferSize,
			NativeUser:       native.DefaultUser,
			NativePort:       native.DefaultPort,
			CommandTimeout:   "10s",
			CommandBurst:     1,
		},
		Bridge: BridgeConfig{
			BurstPolicy: framer.PolicyLatest.String(),
		},
		Server: ServerConfig{
			Listen:       ":8080",
			GRPCListen:   ":50051",
			DBPath:       "vision-bridge.db",
			StreamBuffer: 32,
		},
	}
}

// Load reads a TOML config file. The file must have a .toml extension and be
// under 1MB. Keys missing from the file keep their Default values.
func Load(path string) (*Config, error) {
	data, err := readBounded(path, ".toml")
	if err != nil {
		return nil, err
	}

	cfg := Default()
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config TOML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// readBounded applies the extension and size checks shared by both files.
func readBounded(path string, exts ...string) ([]byte, error) {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	ok := false
	for _, e := range exts {
		if ext == e {
			ok = true
		}
	}
	if !ok {
		return nil, fmt.Errorf("config file must have %s extension, got %q", strings.Join(exts, " or "), ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return data, nil
}

// Validate checks that the configuration values are usable.
func (c *Config) Validate() error {
	s := c.Sensor
	switch s.Transport {
	case "", TransportTCP:
		if s.Host == "" {
			return fmt.Errorf("sensor.host is required for the tcp transport")
		}
	case TransportSerial:
		if s.SerialPath == "" {
			return fmt.Errorf("sensor.serial_path is required for the serial transport")
		}
		if _, err := s.Serial.Normalize(); err != nil {
			return fmt.Errorf("sensor.serial: %w", err)
		}
	default:
		return fmt.Errorf("sensor.transport must be %q or %q, got %q", TransportTCP, TransportSerial, s.Transport)
	}

	if s.Port < 0 || s.Port > 65535 {
		return fmt.Errorf("sensor.port out of range: %d", s.Port)
	}
	if s.NativePort < 0 || s.NativePort > 65535 {
		return fmt.Errorf("sensor.native_port out of range: %d", s.NativePort)
	}
	if s.ReadBufferSize < 0 {
		return fmt.Errorf("sensor.read_buffer_size must be non-negative, got %d", s.ReadBufferSize)
	}
	if s.CommandRate < 0 {
		return fmt.Errorf("sensor.command_rate must be non-negative, got %f", s.CommandRate)
	}

	for name, v := range map[string]string{
		"sensor.reconnect_backoff": s.ReconnectBackoff,
		"sensor.dial_timeout":      s.DialTimeout,
		"sensor.command_timeout":   s.CommandTimeout,
	} {
		if v == "" {
			continue
		}
		if d, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, v, err)
		} else if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, v)
		}
	}

	if _, err := framer.ParsePolicy(c.Bridge.BurstPolicy); err != nil {
		return fmt.Errorf("bridge.burst_policy: %w", err)
	}
	if c.Server.StreamBuffer < 0 {
		return fmt.Errorf("server.stream_buffer must be non-negative, got %d", c.Server.StreamBuffer)
	}
	return nil
}

func durationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return def
	}
	return d
}

// GetReconnectBackoff returns the delay between connection attempts.
func (c *Config) GetReconnectBackoff() time.Duration {
	return durationOr(c.Sensor.ReconnectBackoff, link.DefaultBackoff)
}

// GetDialTimeout returns the bound on a single TCP connection attempt.
func (c *Config) GetDialTimeout() time.Duration {
	return durationOr(c.Sensor.DialTimeout, 5*time.Second)
}

// GetCommandTimeout returns the bound on one native command session.
func (c *Config) GetCommandTimeout() time.Duration {
	return durationOr(c.Sensor.CommandTimeout, native.DefaultTimeout)
}

// GetBurstPolicy returns the parsed burst policy, PolicyLatest if unset.
func (c *Config) GetBurstPolicy() framer.Policy {
	p, err := framer.ParsePolicy(c.Bridge.BurstPolicy)
	if err != nil {
		return framer.PolicyLatest
	}
	return p
}

// GetCommandLimit returns the command rate limit. Zero means unlimited.
func (c *Config) GetCommandLimit() (rate.Limit, int) {
	if c.Sensor.CommandRate <= 0 {
		return rate.Inf, 0
	}
	burst := c.Sensor.CommandBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.Limit(c.Sensor.CommandRate), burst
}

// StreamAddress returns host:port of the sensor's result stream.
func (c *Config) StreamAddress() string {
	port := c.Sensor.Port
	if port == 0 {
		port = link.DefaultPort
	}
	return net.JoinHostPort(c.Sensor.Host, strconv.Itoa(port))
}

// Dialer builds the link.Dialer for the configured transport.
func (c *Config) Dialer() link.Dialer {
	if c.Sensor.Transport == TransportSerial {
		return link.SerialDialer{Path: c.Sensor.SerialPath, Options: c.Sensor.Serial}
	}
	return link.TCPDialer{Address: c.StreamAddress(), Timeout: c.GetDialTimeout()}
}

// NativeOptions returns the options for the native command client.
func (c *Config) NativeOptions() []native.Option {
	return []native.Option{
		native.WithPort(c.Sensor.NativePort),
		native.WithUser(c.Sensor.NativeUser),
		native.WithTimeout(c.GetCommandTimeout()),
	}
}
