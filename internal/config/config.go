package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Adapter  string       `yaml:"adapter"` // "wifi-direct", "bluetooth" or "mock"
	WiFi     WiFiConfig   `yaml:"wifi"`
	BLE      BLEConfig    `yaml:"ble"`
	Server   ServerConfig `yaml:"server"`
	Queue    QueueConfig  `yaml:"queue"`
	LogLevel string       `yaml:"log_level"`
}

// WiFiConfig holds UDP discovery and transfer settings.
type WiFiConfig struct {
	DiscoveryPort  int           `yaml:"discovery_port"`
	TransferPort   int           `yaml:"transfer_port"`
	BroadcastAddr  string        `yaml:"broadcast_addr"`
	MaxPortRetries int           `yaml:"max_port_retries"`
	PingTimeout    time.Duration `yaml:"ping_timeout"`
	DeviceName     string        `yaml:"device_name,omitempty"` // defaults to ColdSend-<hostname>
}

// BLEConfig holds Bluetooth Low Energy settings. Empty UUIDs match any
// service or characteristic.
type BLEConfig struct {
	ServiceUUID        string        `yaml:"service_uuid"`
	CharacteristicUUID string        `yaml:"characteristic_uuid"`
	TargetName         string        `yaml:"target_name"`
	MTU                int           `yaml:"mtu"`
	InterChunkDelay    time.Duration `yaml:"inter_chunk_delay"`
	ScanTimeout        time.Duration `yaml:"scan_timeout"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	ReadyTimeout       time.Duration `yaml:"ready_timeout"`
}

// ServerConfig holds HTTP front end settings.
type ServerConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	UploadDir         string        `yaml:"upload_dir"`
	MaxUploadBytes    int64         `yaml:"max_upload_bytes"`
	MaxBroadcastBytes int64         `yaml:"max_broadcast_bytes"`
	ScanTimeout       time.Duration `yaml:"scan_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// QueueConfig holds send queue settings.
type QueueConfig struct {
	History int `yaml:"history"` // terminal jobs kept for lookup
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "coldsend")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Adapter: "wifi-direct",
		WiFi: WiFiConfig{
			DiscoveryPort:  8888,
			TransferPort:   8889,
			BroadcastAddr:  "255.255.255.255",
			MaxPortRetries: 10,
			PingTimeout:    3 * time.Second,
		},
		BLE: BLEConfig{
			MTU:             180,
			InterChunkDelay: 10 * time.Millisecond,
			ScanTimeout:     10 * time.Second,
			ConnectTimeout:  10 * time.Second,
			ReadyTimeout:    5 * time.Second,
		},
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              4000,
			UploadDir:         filepath.Join(os.TempDir(), "coldsend-uploads"),
			MaxUploadBytes:    50 << 20,
			MaxBroadcastBytes: 10 << 20,
			ScanTimeout:       10 * time.Second,
			ShutdownTimeout:   5 * time.Second,
		},
		Queue: QueueConfig{
			History: 256,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in upload_dir is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Server.UploadDir = expandTilde(cfg.Server.UploadDir)

	return cfg, nil
}

// ApplyEnv overrides fields from environment variables. lookup is usually
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("TRANSFER_ADAPTER", &c.Adapter)
	str("BLE_SERVICE_UUID", &c.BLE.ServiceUUID)
	str("BLE_CHARACTERISTIC_UUID", &c.BLE.CharacteristicUUID)
	str("BLE_TARGET_NAME", &c.BLE.TargetName)
	str("HOST", &c.Server.Host)
	str("UPLOAD_DIR", &c.Server.UploadDir)
	str("LOG_LEVEL", &c.LogLevel)

	if err := num("WIFI_DISCOVERY_PORT", &c.WiFi.DiscoveryPort); err != nil {
		return err
	}
	if err := num("WIFI_TRANSFER_PORT", &c.WiFi.TransferPort); err != nil {
		return err
	}
	if err := num("BLE_MTU", &c.BLE.MTU); err != nil {
		return err
	}
	if err := num("PORT", &c.Server.Port); err != nil {
		return err
	}

	var scanMS int
	if err := num("BLE_SCAN_TIMEOUT_MS", &scanMS); err != nil {
		return err
	}
	if scanMS > 0 {
		c.BLE.ScanTimeout = time.Duration(scanMS) * time.Millisecond
	}

	if v, ok := lookup("MAX_UPLOAD_BYTES"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("MAX_UPLOAD_BYTES: %w", err)
		}
		c.Server.MaxUploadBytes = n
	}

	c.Server.UploadDir = expandTilde(c.Server.UploadDir)
	return nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Adapter == "" {
		return fmt.Errorf("adapter must not be empty")
	}

	if !validPort(c.WiFi.DiscoveryPort) {
		return fmt.Errorf("wifi.discovery_port must be 1-65535, got %d", c.WiFi.DiscoveryPort)
	}
	if !validPort(c.WiFi.TransferPort) {
		return fmt.Errorf("wifi.transfer_port must be 1-65535, got %d", c.WiFi.TransferPort)
	}
	if c.WiFi.DiscoveryPort == c.WiFi.TransferPort {
		return fmt.Errorf("wifi.discovery_port and wifi.transfer_port must differ")
	}
	if c.WiFi.BroadcastAddr == "" {
		return fmt.Errorf("wifi.broadcast_addr must not be empty")
	}
	if c.WiFi.MaxPortRetries < 0 {
		return fmt.Errorf("wifi.max_port_retries must be >= 0")
	}
	if c.WiFi.PingTimeout <= 0 {
		return fmt.Errorf("wifi.ping_timeout must be > 0")
	}

	if c.BLE.MTU <= 0 {
		return fmt.Errorf("ble.mtu must be > 0")
	}
	if c.BLE.ScanTimeout <= 0 {
		return fmt.Errorf("ble.scan_timeout must be > 0")
	}
	if (c.BLE.ServiceUUID == "") != (c.BLE.CharacteristicUUID == "") && c.BLE.TargetName == "" {
		return fmt.Errorf("ble.service_uuid and ble.characteristic_uuid must be set together when ble.target_name is empty")
	}

	if !validPort(c.Server.Port) {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Server.MaxUploadBytes <= 0 {
		return fmt.Errorf("server.max_upload_bytes must be > 0")
	}
	if c.Server.MaxBroadcastBytes <= 0 {
		return fmt.Errorf("server.max_broadcast_bytes must be > 0")
	}
	if c.Server.UploadDir == "" {
		return fmt.Errorf("server.upload_dir must not be empty")
	}

	if c.Queue.History < 0 {
		return fmt.Errorf("queue.history must be >= 0")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// WriteDefault writes the default config to DefaultConfigPath. It returns
// ("", nil) without touching anything when the file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	header := "# coldsend configuration\n# Environment variables (TRANSFER_ADAPTER, PORT, ...) override these values.\n\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// ParseLogLevel maps a config log level to slog. Unknown values yield info.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func validPort(p int) bool { return p > 0 && p <= 65535 }

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
