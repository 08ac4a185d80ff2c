package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Adapter != "wifi-direct" {
		t.Errorf("Adapter = %q, want %q", cfg.Adapter, "wifi-direct")
	}
	if cfg.WiFi.DiscoveryPort != 8888 {
		t.Errorf("WiFi.DiscoveryPort = %d, want 8888", cfg.WiFi.DiscoveryPort)
	}
	if cfg.WiFi.TransferPort != 8889 {
		t.Errorf("WiFi.TransferPort = %d, want 8889", cfg.WiFi.TransferPort)
	}
	if cfg.WiFi.BroadcastAddr != "255.255.255.255" {
		t.Errorf("WiFi.BroadcastAddr = %q", cfg.WiFi.BroadcastAddr)
	}
	if cfg.WiFi.MaxPortRetries != 10 {
		t.Errorf("WiFi.MaxPortRetries = %d, want 10", cfg.WiFi.MaxPortRetries)
	}
	if cfg.BLE.MTU != 180 {
		t.Errorf("BLE.MTU = %d, want 180", cfg.BLE.MTU)
	}
	if cfg.BLE.InterChunkDelay != 10*time.Millisecond {
		t.Errorf("BLE.InterChunkDelay = %v, want 10ms", cfg.BLE.InterChunkDelay)
	}
	if cfg.Server.MaxBroadcastBytes != 10<<20 {
		t.Errorf("Server.MaxBroadcastBytes = %d, want 10 MiB", cfg.Server.MaxBroadcastBytes)
	}
	if cfg.Queue.History != 256 {
		t.Errorf("Queue.History = %d, want 256", cfg.Queue.History)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
adapter: bluetooth
wifi:
  discovery_port: 9000
  ping_timeout: 500ms
ble:
  service_uuid: ffe0
  characteristic_uuid: ffe1
  mtu: 20
  scan_timeout: 3s
server:
  port: 8080
log_level: debug
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Adapter != "bluetooth" {
		t.Errorf("Adapter = %q, want %q", cfg.Adapter, "bluetooth")
	}
	if cfg.WiFi.DiscoveryPort != 9000 {
		t.Errorf("WiFi.DiscoveryPort = %d, want 9000", cfg.WiFi.DiscoveryPort)
	}
	if cfg.WiFi.TransferPort != 8889 {
		t.Errorf("WiFi.TransferPort = %d, want default 8889", cfg.WiFi.TransferPort)
	}
	if cfg.WiFi.PingTimeout != 500*time.Millisecond {
		t.Errorf("WiFi.PingTimeout = %v, want 500ms", cfg.WiFi.PingTimeout)
	}
	if cfg.BLE.ServiceUUID != "ffe0" || cfg.BLE.CharacteristicUUID != "ffe1" {
		t.Errorf("BLE UUIDs = %q/%q", cfg.BLE.ServiceUUID, cfg.BLE.CharacteristicUUID)
	}
	if cfg.BLE.MTU != 20 {
		t.Errorf("BLE.MTU = %d, want 20", cfg.BLE.MTU)
	}
	if cfg.BLE.ScanTimeout != 3*time.Second {
		t.Errorf("BLE.ScanTimeout = %v, want 3s", cfg.BLE.ScanTimeout)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
}

func TestLoadExpandsTilde(t *testing.T) {
	yamlContent := `
server:
  upload_dir: ~/coldsend/uploads
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	home, _ := os.UserHomeDir()
	want := filepath.Join(home, "coldsend", "uploads")
	if cfg.Server.UploadDir != want {
		t.Errorf("Server.UploadDir = %q, want %q", cfg.Server.UploadDir, want)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() should return error for nonexistent file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("wifi: [unclosed"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(cfgPath); err == nil {
		t.Error("Load() should fail on malformed YAML")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"TRANSFER_ADAPTER":    "mock",
		"WIFI_DISCOVERY_PORT": "7000",
		"WIFI_TRANSFER_PORT":  "7001",
		"BLE_TARGET_NAME":     "ColdPad",
		"BLE_MTU":             "64",
		"BLE_SCAN_TIMEOUT_MS": "2500",
		"PORT":                "4000",
		"MAX_UPLOAD_BYTES":    "1024",
		"LOG_LEVEL":           "warn",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	if err := cfg.ApplyEnv(lookup); err != nil {
		t.Fatalf("ApplyEnv() error = %v", err)
	}

	if cfg.Adapter != "mock" {
		t.Errorf("Adapter = %q, want mock", cfg.Adapter)
	}
	if cfg.WiFi.DiscoveryPort != 7000 || cfg.WiFi.TransferPort != 7001 {
		t.Errorf("WiFi ports = %d/%d, want 7000/7001", cfg.WiFi.DiscoveryPort, cfg.WiFi.TransferPort)
	}
	if cfg.BLE.TargetName != "ColdPad" || cfg.BLE.MTU != 64 {
		t.Errorf("BLE = %+v", cfg.BLE)
	}
	if cfg.BLE.ScanTimeout != 2500*time.Millisecond {
		t.Errorf("BLE.ScanTimeout = %v, want 2.5s", cfg.BLE.ScanTimeout)
	}
	if cfg.Server.Port != 4000 || cfg.Server.MaxUploadBytes != 1024 {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn", cfg.LogLevel)
	}
	// Untouched fields keep their defaults.
	if cfg.WiFi.BroadcastAddr != "255.255.255.255" {
		t.Errorf("WiFi.BroadcastAddr = %q", cfg.WiFi.BroadcastAddr)
	}
}

func TestApplyEnvRejectsBadNumbers(t *testing.T) {
	lookup := func(k string) (string, bool) {
		if k == "PORT" {
			return "eighty", true
		}
		return "", false
	}
	if err := Default().ApplyEnv(lookup); err == nil {
		t.Error("ApplyEnv() should fail for non-numeric PORT")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "empty adapter",
			modify:  func(c *Config) { c.Adapter = "" },
			wantErr: true,
		},
		{
			name:    "discovery port out of range",
			modify:  func(c *Config) { c.WiFi.DiscoveryPort = 70000 },
			wantErr: true,
		},
		{
			name:    "same discovery and transfer port",
			modify:  func(c *Config) { c.WiFi.TransferPort = c.WiFi.DiscoveryPort },
			wantErr: true,
		},
		{
			name:    "negative port retries",
			modify:  func(c *Config) { c.WiFi.MaxPortRetries = -1 },
			wantErr: true,
		},
		{
			name:    "zero ping timeout",
			modify:  func(c *Config) { c.WiFi.PingTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "zero mtu",
			modify:  func(c *Config) { c.BLE.MTU = 0 },
			wantErr: true,
		},
		{
			name:    "service uuid without characteristic",
			modify:  func(c *Config) { c.BLE.ServiceUUID = "ffe0" },
			wantErr: true,
		},
		{
			name: "service uuid with target name",
			modify: func(c *Config) {
				c.BLE.ServiceUUID = "ffe0"
				c.BLE.TargetName = "Pad"
			},
			wantErr: false,
		},
		{
			name:    "zero upload limit",
			modify:  func(c *Config) { c.Server.MaxUploadBytes = 0 },
			wantErr: true,
		},
		{
			name:    "invalid server port",
			modify:  func(c *Config) { c.Server.Port = 0 },
			wantErr: true,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.LogLevel = "invalid" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWriteDefault_CreatesFile(t *testing.T) {
	// Use a temp dir as fake home to avoid touching real config
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	expectedPath := filepath.Join(tmpHome, ".config", "coldsend", "config.yaml")
	if path != expectedPath {
		t.Errorf("WriteDefault() path = %q, want %q", path, expectedPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written config: %v", err)
	}
	if !strings.HasPrefix(string(data), "# coldsend") {
		t.Error("written config should start with header comment")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("written config is not valid YAML: %v", err)
	}
	if cfg.WiFi.PingTimeout != 3*time.Second {
		t.Errorf("written config WiFi.PingTimeout = %v, want 3s", cfg.WiFi.PingTimeout)
	}
	if cfg.Adapter != "wifi-direct" {
		t.Errorf("written config Adapter = %q", cfg.Adapter)
	}
}

func TestWriteDefault_NoOpIfExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, ".config", "coldsend")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	existingContent := []byte("adapter: mock\n")
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, existingContent, 0644); err != nil {
		t.Fatalf("failed to write existing config: %v", err)
	}

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if path != "" {
		t.Errorf("WriteDefault() path = %q, want empty string for existing file", path)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	if string(data) != string(existingContent) {
		t.Error("WriteDefault() should not overwrite existing config file")
	}
}

func TestServerAddr(t *testing.T) {
	s := ServerConfig{Host: "0.0.0.0", Port: 3000}
	if got := s.Addr(); got != "0.0.0.0:3000" {
		t.Errorf("Addr() = %q", got)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo}, // defaults to info
		{"", slog.LevelInfo},        // defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
