package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/banshee-data/vision-bridge/internal/framer"
	"github.com/banshee-data/vision-bridge/internal/link"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "127.0.0.1:3000", cfg.StreamAddress())
	assert.Equal(t, 500*time.Millisecond, cfg.GetReconnectBackoff())
	assert.Equal(t, framer.PolicyLatest, cfg.GetBurstPolicy())

	limit, _ := cfg.GetCommandLimit()
	assert.Equal(t, rate.Inf, limit)

	d, ok := cfg.Dialer().(link.TCPDialer)
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, d.Timeout)
}

func TestLoad(t *testing.T) {
	path := writeFile(t, "bridge.toml", `
[sensor]
host = "192.168.0.20"
port = 3001
reconnect_backoff = "2s"
password = "s3cret"
command_rate = 2.5
command_burst = 3

[bridge]
burst_policy = "all"
device_info = "device.yaml"

[server]
listen = ":9090"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "192.168.0.20:3001", cfg.StreamAddress())
	assert.Equal(t, 2*time.Second, cfg.GetReconnectBackoff())
	assert.Equal(t, framer.PolicyAll, cfg.GetBurstPolicy())
	assert.Equal(t, "s3cret", cfg.Sensor.Password)
	assert.Equal(t, "device.yaml", cfg.Bridge.DeviceInfo)
	assert.Equal(t, ":9090", cfg.Server.Listen)

	// unset keys keep their defaults
	assert.Equal(t, ":50051", cfg.Server.GRPCListen)
	assert.Equal(t, 23, cfg.Sensor.NativePort)
	assert.Equal(t, 10*time.Second, cfg.GetCommandTimeout())

	limit, burst := cfg.GetCommandLimit()
	assert.Equal(t, rate.Limit(2.5), limit)
	assert.Equal(t, 3, burst)
}

func TestLoad_Serial(t *testing.T) {
	path := writeFile(t, "serial.toml", `
[sensor]
transport = "serial"
serial_path = "/dev/ttyUSB0"

[sensor.serial]
baud_rate = 9600
parity = "even"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	d, ok := cfg.Dialer().(link.SerialDialer)
	require.True(t, ok)
	assert.Equal(t, "/dev/ttyUSB0", d.Addr())
	assert.Equal(t, 9600, d.Options.BaudRate)
	assert.Equal(t, "even", d.Options.Parity)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		want    string
	}{
		{"extension", "bridge.json", `{}`, "must have .toml extension"},
		{"syntax", "bad.toml", "[sensor\nhost=", "failed to parse config TOML"},
		{"unknown key", "unknown.toml", "[sensor]\nhots = \"x\"\n", "failed to parse config TOML"},
		{"bad duration", "dur.toml", "[sensor]\nreconnect_backoff = \"soon\"\n", "invalid sensor.reconnect_backoff"},
		{"negative duration", "neg.toml", "[sensor]\ndial_timeout = \"-1s\"\n", "must be non-negative"},
		{"bad policy", "policy.toml", "[bridge]\nburst_policy = \"oldest\"\n", "bridge.burst_policy"},
		{"bad transport", "transport.toml", "[sensor]\ntransport = \"udp\"\n", "sensor.transport"},
		{"serial without path", "serial.toml", "[sensor]\ntransport = \"serial\"\n", "serial_path is required"},
		{"bad serial options", "parity.toml", "[sensor]\ntransport = \"serial\"\nserial_path = \"/dev/ttyS0\"\n[sensor.serial]\nparity = \"mark\"\n", "sensor.serial"},
		{"port range", "port.toml", "[sensor]\nport = 70000\n", "sensor.port out of range"},
		{"negative rate", "rate.toml", "[sensor]\ncommand_rate = -1.0\n", "command_rate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.file, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load("/nonexistent/path/to/bridge.toml")
	assert.Error(t, err)
}

func TestLoad_TooLarge(t *testing.T) {
	content := "# " + strings.Repeat("x", maxFileSize) + "\n"
	_, err := Load(writeFile(t, "big.toml", content))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestGettersFallBackOnBadValues(t *testing.T) {
	cfg := &Config{}
	cfg.Sensor.ReconnectBackoff = "nonsense"
	cfg.Sensor.CommandTimeout = ""
	cfg.Bridge.BurstPolicy = "nope"

	assert.Equal(t, link.DefaultBackoff, cfg.GetReconnectBackoff())
	assert.Equal(t, 10*time.Second, cfg.GetCommandTimeout())
	assert.Equal(t, framer.PolicyLatest, cfg.GetBurstPolicy())
	assert.Len(t, cfg.NativeOptions(), 3)
}

func TestLoadDevice(t *testing.T) {
	path := writeFile(t, "device.yaml", `
device_info:
  name: line3-camera
  manufacturer: Cognex
  model: In-Sight 2000
  serial_number: "00123"
  description: Pick station camera
`)

	dev, err := LoadDevice(path)
	require.NoError(t, err)
	assert.Equal(t, "line3-camera", dev.Name)
	assert.Equal(t, "Cognex", dev.Manufacturer)
	assert.Equal(t, "In-Sight 2000", dev.Model)
	assert.Equal(t, "00123", dev.SerialNumber)
	assert.Equal(t, "Pick station camera", dev.Description)
}

func TestLoadDevice_Errors(t *testing.T) {
	_, err := LoadDevice(writeFile(t, "device.txt", "device_info: {}"))
	assert.ErrorContains(t, err, "extension")

	_, err = LoadDevice(writeFile(t, "device.yml", "device_info:\n  model: x\n"))
	assert.ErrorContains(t, err, "name is required")

	_, err = LoadDevice(writeFile(t, "device.yaml", "device_info: [\n"))
	assert.ErrorContains(t, err, "failed to parse device info YAML")
}

func TestLoadDevice_Default(t *testing.T) {
	dev, err := LoadDevice("")
	require.NoError(t, err)
	assert.Equal(t, DefaultDevice(), dev)
}
