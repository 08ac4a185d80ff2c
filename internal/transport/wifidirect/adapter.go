// Package wifidirect implements the UDP transport: broadcast discovery of
// coldsend peers on the local subnet, a reachability probe used as "connect",
// and one-datagram JSON sends to the transfer port of each peer.
package wifidirect

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/chaz8081/coldsend/internal/transport"
)

// Options configures the UDP transport.
type Options struct {
	DiscoveryPort  int
	TransferPort   int
	BroadcastAddr  string
	MaxPortRetries int           // extra ports tried after DiscoveryPort is busy
	PingTimeout    time.Duration // reachability probe wait
	DeviceID       string        // announced id, defaults to the hostname
	DeviceName     string        // announced name, defaults to ColdSend-<hostname>
}

// DefaultOptions returns the ports and timeouts coldsend peers agree on.
func DefaultOptions() Options {
	return Options{
		DiscoveryPort:  8888,
		TransferPort:   8889,
		BroadcastAddr:  "255.255.255.255",
		MaxPortRetries: 10,
		PingTimeout:    3 * time.Second,
	}
}

// Adapter is the WiFiDirect transport.
type Adapter struct {
	opts Options

	scanning atomic.Bool

	mu         sync.Mutex
	discovered *transport.DeviceSet
	connected  *transport.DeviceSet
}

var (
	_ transport.Adapter   = (*Adapter)(nil)
	_ transport.Announcer = (*Adapter)(nil)
)

// New creates a WiFiDirect adapter. Zero option fields take their defaults.
func New(opts Options) *Adapter {
	def := DefaultOptions()
	if opts.DiscoveryPort <= 0 {
		opts.DiscoveryPort = def.DiscoveryPort
	}
	if opts.TransferPort <= 0 {
		opts.TransferPort = def.TransferPort
	}
	if opts.BroadcastAddr == "" {
		opts.BroadcastAddr = def.BroadcastAddr
	}
	if opts.MaxPortRetries < 0 {
		opts.MaxPortRetries = 0
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = def.PingTimeout
	}
	if opts.DeviceID == "" || opts.DeviceName == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "coldsend"
		}
		if opts.DeviceID == "" {
			opts.DeviceID = host
		}
		if opts.DeviceName == "" {
			opts.DeviceName = "ColdSend-" + host
		}
	}
	return &Adapter{
		opts:       opts,
		discovered: transport.NewDeviceSet(),
		connected:  transport.NewDeviceSet(),
	}
}

func (a *Adapter) ID() string { return transport.WiFiDirectID }

// Close drops all device state. The adapter holds no sockets between calls.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.discovered.Clear()
	a.connected.Clear()
	return nil
}

// ScanDevices broadcasts a discovery probe and collects device announcements
// until timeout.
func (a *Adapter) ScanDevices(ctx context.Context, timeout time.Duration) ([]transport.Device, error) {
	if !a.scanning.CompareAndSwap(false, true) {
		return nil, transport.ErrScanInProgress
	}
	defer a.scanning.Store(false)

	a.mu.Lock()
	a.discovered.Clear()
	a.mu.Unlock()

	pc, port, err := a.bindDiscovery(ctx)
	if err != nil {
		return nil, err
	}
	defer pc.Close()

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := pc.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("wifi: set read deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { _ = pc.SetReadDeadline(time.Now()) })
	defer stop()

	probe, err := encode(Message{Type: TypeDiscovery})
	if err != nil {
		return nil, err
	}
	dst := &net.UDPAddr{IP: net.ParseIP(a.opts.BroadcastAddr), Port: a.opts.DiscoveryPort}
	if dst.IP == nil {
		return nil, fmt.Errorf("wifi: invalid broadcast address %q", a.opts.BroadcastAddr)
	}
	if _, err := pc.WriteTo(probe, dst); err != nil {
		return nil, fmt.Errorf("wifi: send discovery probe: %w", err)
	}
	slog.Debug("[WiFi] discovery probe sent", "local_port", port, "dst", dst.String(), "timeout", timeout)

	buf := make([]byte, MaxDatagramSize)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				break
			}
			return nil, fmt.Errorf("wifi: discovery read: %w", err)
		}
		a.recordAnnouncement(buf[:n], addr)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	devices := a.discovered.Snapshot()
	slog.Info("[WiFi] scan finished", "devices", len(devices))
	return devices, nil
}

// bindDiscovery binds the discovery port, moving to the next port while the
// current one is taken.
func (a *Adapter) bindDiscovery(ctx context.Context) (net.PacketConn, int, error) {
	first := a.opts.DiscoveryPort
	last := first + a.opts.MaxPortRetries
	for port := first; port <= last; port++ {
		pc, err := listenUDP(ctx, port)
		if err == nil {
			return pc, port, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, 0, fmt.Errorf("wifi: bind discovery port %d: %w", port, err)
		}
		slog.Info("[WiFi] discovery port in use", "port", port, "next", port+1)
	}
	return nil, 0, fmt.Errorf("wifi: ports %d-%d: %w", first, last, transport.ErrPortExhausted)
}

func listenUDP(ctx context.Context, port int) (net.PacketConn, error) {
	lc := net.ListenConfig{Control: enableBroadcast}
	return lc.ListenPacket(ctx, "udp4", ":"+strconv.Itoa(port))
}

// recordAnnouncement upserts the sender of a device datagram. Anything else,
// including our own announcement, is ignored.
func (a *Adapter) recordAnnouncement(data []byte, addr net.Addr) {
	msg, err := decode(data)
	if err != nil || msg.Type != TypeDevice || msg.DeviceID == "" {
		return
	}
	if msg.DeviceID == a.opts.DeviceID {
		return
	}
	host := addr.String()
	if ua, ok := addr.(*net.UDPAddr); ok {
		host = ua.IP.String()
	}
	name := msg.DeviceName
	if name == "" {
		name = "Device-" + host
	}
	port := msg.Port
	if port <= 0 {
		port = a.opts.TransferPort
	}
	d := &transport.Device{
		ID:             msg.DeviceID,
		Name:           name,
		Address:        host,
		Port:           port,
		RSSI:           -30, // no RF measurement over IP
		SignalStrength: transport.SignalStrong,
		Services:       []string{"file-transfer"},
		Status:         transport.StatusDiscovered,
		LastSeen:       time.Now(),
	}
	a.mu.Lock()
	a.discovered.Put(d)
	a.mu.Unlock()
}

// ConnectDevice probes the peer's transfer port. A peer that does not answer
// within PingTimeout is reported as not connected.
func (a *Adapter) ConnectDevice(ctx context.Context, d *transport.Device) (bool, error) {
	port := d.Port
	if port <= 0 {
		port = a.opts.TransferPort
	}
	if err := a.ping(ctx, d.Address, port); err != nil {
		slog.Warn("[WiFi] connect failed", "device", d.ID, "error", err)
		return false, nil
	}

	now := time.Now()
	d.Status = transport.StatusConnected
	d.ConnectedAt = &now
	d.Port = port
	stored := *d

	a.mu.Lock()
	a.connected.Put(&stored)
	a.mu.Unlock()
	slog.Info("[WiFi] connected", "device", d.ID, "address", d.Address)
	return true, nil
}

func (a *Adapter) DisconnectDevice(_ context.Context, d *transport.Device) (bool, error) {
	a.mu.Lock()
	a.connected.Delete(d.ID)
	a.mu.Unlock()
	return true, nil
}

func (a *Adapter) ping(ctx context.Context, host string, port int) error {
	ctx, cancel := context.WithTimeout(ctx, a.opts.PingTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "udp4", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("%w: %v", transport.ErrDeviceUnreachable, err)
	}
	defer conn.Close()

	probe, err := encode(Message{Type: TypePing})
	if err != nil {
		return err
	}
	if _, err := conn.Write(probe); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrDeviceUnreachable, err)
	}
	deadline, _ := ctx.Deadline()
	_ = conn.SetReadDeadline(deadline)

	buf := make([]byte, 1024)
	if _, err := conn.Read(buf); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrDeviceUnreachable, err)
	}
	return nil
}

func (a *Adapter) SendText(ctx context.Context, text string, meta transport.Meta) error {
	return a.fanOut(ctx, Message{Type: TypeText, Content: text}, meta)
}

// SendFile base64-encodes the file into a single datagram per target.
func (a *Adapter) SendFile(ctx context.Context, f transport.File, meta transport.Meta) error {
	data := f.Data
	if data == nil {
		b, err := os.ReadFile(f.Path)
		if err != nil {
			return fmt.Errorf("wifi: read %s: %w", f.Path, err)
		}
		data = b
	}
	name := f.Name
	if name == "" {
		name = filepath.Base(f.Path)
	}
	return a.fanOut(ctx, Message{
		Type:     TypeFile,
		Filename: name,
		Content:  base64.StdEncoding.EncodeToString(data),
		Size:     int64(len(data)),
		Checksum: Checksum(data),
	}, meta)
}

func (a *Adapter) targets(meta transport.Meta) ([]transport.Device, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if meta.Target != "" {
		d, ok := a.connected.Get(meta.Target)
		if !ok {
			return nil, fmt.Errorf("wifi: device %s: %w", meta.Target, transport.ErrNoTarget)
		}
		return []transport.Device{*d}, nil
	}
	if a.connected.Len() == 0 {
		return nil, transport.ErrNoTarget
	}
	return a.connected.Snapshot(), nil
}

// fanOut sends msg to every target in order. Every target is attempted; the
// first failure is returned.
func (a *Adapter) fanOut(ctx context.Context, msg Message, meta transport.Meta) error {
	targets, err := a.targets(meta)
	if err != nil {
		return err
	}
	msg.DeviceName = a.opts.DeviceName
	data, err := encode(msg)
	if err != nil {
		return err
	}
	if len(data) > MaxDatagramSize {
		return fmt.Errorf("wifi: %s message is %d bytes: %w", msg.Type, len(data), transport.ErrDatagramTooLarge)
	}

	var firstErr error
	for _, d := range targets {
		if err := sendTo(ctx, d, data); err != nil {
			slog.Warn("[WiFi] send failed", "device", d.ID, "type", msg.Type, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("wifi: send to %s: %w", d.ID, err)
			}
			continue
		}
		slog.Debug("[WiFi] sent", "device", d.ID, "type", msg.Type, "bytes", len(data))
	}
	return firstErr
}

func sendTo(ctx context.Context, d transport.Device, data []byte) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "udp4", net.JoinHostPort(d.Address, strconv.Itoa(d.Port)))
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Write(data)
	return err
}
