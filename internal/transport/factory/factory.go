// Package factory builds a transport adapter from its configured name.
package factory

import (
	"log/slog"
	"strings"

	"github.com/chaz8081/coldsend/internal/config"
	"github.com/chaz8081/coldsend/internal/transport"
	"github.com/chaz8081/coldsend/internal/transport/ble"
	"github.com/chaz8081/coldsend/internal/transport/mock"
	"github.com/chaz8081/coldsend/internal/transport/wifidirect"
)

// NewRadio opens the platform BLE radio. Tests replace it.
var NewRadio = ble.NewRadio

// Canonical resolves a protocol alias to its adapter id, or "" if unknown.
func Canonical(name string) string {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "wifi-direct", "wifi", "wifidirect":
		return transport.WiFiDirectID
	case "bluetooth", "ble", "noble":
		return transport.BLEID
	case "mock":
		return transport.MockID
	default:
		return ""
	}
}

// New returns the adapter for name. It never fails: an unknown name or a
// missing BLE backend falls back to WiFiDirect with a warning.
func New(name string, cfg *config.Config) transport.Adapter {
	if cfg == nil {
		cfg = config.Default()
	}
	switch Canonical(name) {
	case transport.BLEID:
		radio, err := NewRadio(cfg.BLE.ServiceUUID)
		if err != nil {
			slog.Warn("[Factory] BLE unavailable, falling back to wifi-direct", "error", err)
			return newWiFi(cfg)
		}
		return ble.New(radio, BLEOptions(cfg))
	case transport.MockID:
		return mock.New()
	case transport.WiFiDirectID:
		return newWiFi(cfg)
	default:
		slog.Warn("[Factory] unknown adapter, using wifi-direct", "adapter", name)
		return newWiFi(cfg)
	}
}

func newWiFi(cfg *config.Config) transport.Adapter {
	return wifidirect.New(WiFiOptions(cfg))
}

// WiFiOptions maps the wifi config section to adapter options.
func WiFiOptions(cfg *config.Config) wifidirect.Options {
	return wifidirect.Options{
		DiscoveryPort:  cfg.WiFi.DiscoveryPort,
		TransferPort:   cfg.WiFi.TransferPort,
		BroadcastAddr:  cfg.WiFi.BroadcastAddr,
		MaxPortRetries: cfg.WiFi.MaxPortRetries,
		PingTimeout:    cfg.WiFi.PingTimeout,
		DeviceName:     cfg.WiFi.DeviceName,
	}
}

// BLEOptions maps the ble config section to adapter options.
func BLEOptions(cfg *config.Config) ble.Options {
	return ble.Options{
		ServiceUUID:        cfg.BLE.ServiceUUID,
		CharacteristicUUID: cfg.BLE.CharacteristicUUID,
		TargetName:         cfg.BLE.TargetName,
		MTU:                cfg.BLE.MTU,
		InterChunkDelay:    cfg.BLE.InterChunkDelay,
		ScanTimeout:        cfg.BLE.ScanTimeout,
		ConnectTimeout:     cfg.BLE.ConnectTimeout,
		ReadyTimeout:       cfg.BLE.ReadyTimeout,
	}
}
