// Package transport defines the adapter contract shared by every way coldsend
// can reach a peer (UDP broadcast, BLE, mock) together with the device model
// the adapters report.
package transport

import (
	"context"
	"io"
	"time"
)

// Adapter identifiers reported by ID().
const (
	WiFiDirectID = "wifi-direct"
	BLEID        = "bluetooth"
	MockID       = "mock"
)

// SignalStrength is a coarse bucket derived from RSSI.
type SignalStrength string

const (
	SignalWeak   SignalStrength = "weak"
	SignalMedium SignalStrength = "medium"
	SignalStrong SignalStrength = "strong"
)

// SignalFromRSSI buckets a received signal strength indicator.
func SignalFromRSSI(rssi int) SignalStrength {
	switch {
	case rssi > -50:
		return SignalStrong
	case rssi > -70:
		return SignalMedium
	default:
		return SignalWeak
	}
}

// DeviceStatus is the lifecycle state of a Device.
type DeviceStatus string

const (
	StatusDiscovered DeviceStatus = "discovered"
	StatusPairing    DeviceStatus = "pairing"
	StatusConnected  DeviceStatus = "connected"
	StatusError      DeviceStatus = "error"
)

// Device is a peer reported by an adapter. ID is stable per adapter: the
// hostname for WiFiDirect peers, the peripheral id for BLE peripherals.
type Device struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	Address           string         `json:"address"`
	Port              int            `json:"port,omitempty"`
	RSSI              int            `json:"rssi"`
	SignalStrength    SignalStrength `json:"signalStrength"`
	Services          []string       `json:"services"`
	Status            DeviceStatus   `json:"status"`
	ConnectedAt       *time.Time     `json:"connectedAt,omitempty"`
	LastSeen          time.Time      `json:"lastSeen"`
	LimitedConnection bool           `json:"limitedConnection,omitempty"`
}

// Meta carries per-send options. An empty Target means every connected device.
type Meta struct {
	Target string `json:"target,omitempty"`
}

// File is a file payload. Data wins over Path when both are set.
type File struct {
	Name string `json:"name"`
	Path string `json:"path,omitempty"`
	Data []byte `json:"-"`
	Size int64  `json:"size"`
}

// Inbound is a message a peer pushed to this host.
type Inbound struct {
	Type     string
	From     string
	Address  string
	Content  string
	Filename string
	Size     int64
	Received time.Time
}

// Adapter is the capability set every transport implements.
type Adapter interface {
	// ID names the variant (see the *ID constants).
	ID() string
	// ScanDevices discovers peers for up to timeout. Running out of time is
	// not a failure: whatever was found is returned.
	ScanDevices(ctx context.Context, timeout time.Duration) ([]Device, error)
	// ConnectDevice returns false, without an error, for unreachable devices.
	ConnectDevice(ctx context.Context, d *Device) (bool, error)
	// DisconnectDevice is idempotent.
	DisconnectDevice(ctx context.Context, d *Device) (bool, error)
	SendText(ctx context.Context, text string, meta Meta) error
	SendFile(ctx context.Context, f File, meta Meta) error
	Close() error
}

// DropNotifier is implemented by adapters whose peers can disconnect on
// their own. cb receives the id of the device that went away.
type DropNotifier interface {
	OnDrop(cb func(id string))
}

// Announcer is implemented by adapters that keep a passive service running so
// that other hosts can discover this one. The returned closer stops it.
type Announcer interface {
	Announce(ctx context.Context, recv func(Inbound)) (io.Closer, error)
}
