package ble

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/coldsend/internal/transport"
)

// PowerState is the radio state the adapter tracks.
type PowerState string

const (
	PoweredOff PowerState = "poweredOff"
	PoweredOn  PowerState = "poweredOn"
)

// Options configures the BLE transport.
type Options struct {
	ServiceUUID        string        // optional GATT service filter
	CharacteristicUUID string        // optional GATT characteristic filter
	TargetName         string        // default peripheral name substring for sends
	MTU                int           // bytes per characteristic write
	InterChunkDelay    time.Duration // pause between chunk writes
	ScanTimeout        time.Duration // bound on the scan that locates a send target
	ConnectTimeout     time.Duration
	ReadyTimeout       time.Duration // wait for the radio to power on
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		MTU:             DefaultMTU,
		InterChunkDelay: 10 * time.Millisecond,
		ScanTimeout:     10 * time.Second,
		ConnectTimeout:  10 * time.Second,
		ReadyTimeout:    5 * time.Second,
	}
}

// link is the adapter's record of a connected peripheral.
type link struct {
	conn         Connection
	char         Characteristic // nil on a limited connection
	withResponse bool
}

// Adapter is the BLE transport. Radio sessions (scan, connect, write) are
// serialized so two sessions never interleave on the radio.
type Adapter struct {
	radio Radio
	opts  Options

	scanning atomic.Bool
	enabling atomic.Bool
	session  sync.Mutex

	mu        sync.Mutex
	state     PowerState
	changed   chan struct{} // closed and replaced on every state change
	cache     map[string]Advertisement
	connected *transport.DeviceSet
	links     map[string]*link
	onDrop    func(id string)
}

var (
	_ transport.Adapter      = (*Adapter)(nil)
	_ transport.DropNotifier = (*Adapter)(nil)
)

// New creates the adapter and starts powering on the radio.
func New(radio Radio, opts Options) *Adapter {
	def := DefaultOptions()
	if opts.MTU <= 0 {
		opts.MTU = def.MTU
	}
	if opts.InterChunkDelay < 0 {
		opts.InterChunkDelay = 0
	}
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = def.ScanTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = def.ReadyTimeout
	}
	a := &Adapter{
		radio:     radio,
		opts:      opts,
		state:     PoweredOff,
		changed:   make(chan struct{}),
		cache:     make(map[string]Advertisement),
		connected: transport.NewDeviceSet(),
		links:     make(map[string]*link),
	}
	radio.OnDisconnect(a.handleDrop)
	a.requestPower()
	return a
}

func (a *Adapter) ID() string { return transport.BLEID }

// State returns the last known radio state.
func (a *Adapter) State() PowerState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// requestPower enables the radio in the background unless an attempt is
// already running.
func (a *Adapter) requestPower() {
	if !a.enabling.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer a.enabling.Store(false)
		if err := a.radio.Enable(); err != nil {
			slog.Warn("[BLE] radio enable failed", "error", err)
			a.setState(PoweredOff)
			return
		}
		a.setState(PoweredOn)
	}()
}

func (a *Adapter) setState(s PowerState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != s {
		slog.Info("[BLE] radio state", "state", s)
	}
	a.state = s
	close(a.changed)
	a.changed = make(chan struct{})
}

// ensureReady returns nil when the radio is on. Otherwise it waits for one
// state change (bounded by ReadyTimeout) and checks again.
func (a *Adapter) ensureReady(ctx context.Context) error {
	a.mu.Lock()
	if a.state == PoweredOn {
		a.mu.Unlock()
		return nil
	}
	ch := a.changed
	a.mu.Unlock()

	a.requestPower()
	timer := time.NewTimer(a.opts.ReadyTimeout)
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
	case <-ctx.Done():
	}

	if a.State() != PoweredOn {
		return transport.ErrRadioNotReady
	}
	return nil
}

// ScanDevices runs a passive scan for timeout and refreshes the peripheral
// cache ConnectDevice resolves ids from.
func (a *Adapter) ScanDevices(ctx context.Context, timeout time.Duration) ([]transport.Device, error) {
	if !a.scanning.CompareAndSwap(false, true) {
		return nil, transport.ErrScanInProgress
	}
	defer a.scanning.Store(false)

	if err := a.ensureReady(ctx); err != nil {
		return nil, err
	}

	a.session.Lock()
	defer a.session.Unlock()

	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var mu sync.Mutex
	fresh := make(map[string]Advertisement)
	var order []string
	err := a.radio.Scan(scanCtx, func(adv Advertisement) {
		mu.Lock()
		defer mu.Unlock()
		if _, seen := fresh[adv.ID]; seen {
			return
		}
		fresh[adv.ID] = adv
		order = append(order, adv.ID)
	})
	if err != nil {
		// Resolve with whatever was collected before the failure.
		slog.Warn("[BLE] scan failed", "error", err)
	}

	mu.Lock()
	now := time.Now()
	devices := make([]transport.Device, 0, len(order))
	for _, id := range order {
		devices = append(devices, deviceFromAdvertisement(fresh[id], now))
	}
	mu.Unlock()

	a.mu.Lock()
	a.cache = fresh
	a.mu.Unlock()

	slog.Info("[BLE] scan finished", "devices", len(devices))
	return devices, nil
}

func deviceFromAdvertisement(adv Advertisement, seen time.Time) transport.Device {
	name := adv.Name
	if name == "" {
		name = adv.ID
	}
	rssi := adv.RSSI
	if rssi == 0 {
		rssi = -100
	}
	return transport.Device{
		ID:             adv.ID,
		Name:           name,
		Address:        adv.ID,
		RSSI:           rssi,
		SignalStrength: transport.SignalFromRSSI(rssi),
		Services:       append([]string{}, adv.Services...),
		Status:         transport.StatusDiscovered,
		LastSeen:       seen,
	}
}

// ConnectDevice connects to a peripheral seen by the last scan. Failure to
// find a writable characteristic still connects, flagged as limited.
func (a *Adapter) ConnectDevice(ctx context.Context, d *transport.Device) (bool, error) {
	a.mu.Lock()
	if stored, ok := a.connected.Get(d.ID); ok && a.links[d.ID] != nil {
		*d = *stored
		a.mu.Unlock()
		return true, nil
	}
	a.mu.Unlock()

	if err := a.ensureReady(ctx); err != nil {
		return false, err
	}

	a.mu.Lock()
	_, known := a.cache[d.ID]
	a.mu.Unlock()
	if !known {
		return false, fmt.Errorf("ble: %s: %w", d.ID, transport.ErrPeripheralNotFound)
	}

	a.session.Lock()
	defer a.session.Unlock()

	connCtx, cancel := context.WithTimeout(ctx, a.opts.ConnectTimeout)
	defer cancel()
	conn, err := a.radio.Connect(connCtx, d.ID)
	if err != nil {
		slog.Warn("[BLE] connect failed", "device", d.ID, "error", err)
		return false, nil
	}

	l := &link{conn: conn}
	char, withResponse, err := pickWritable(conn, a.opts.ServiceUUID, a.opts.CharacteristicUUID)
	if err != nil {
		slog.Warn("[BLE] no writable characteristic, limited connection", "device", d.ID, "error", err)
		d.LimitedConnection = true
	} else {
		l.char = char
		l.withResponse = withResponse
		d.LimitedConnection = false
	}

	now := time.Now()
	d.Status = transport.StatusConnected
	d.ConnectedAt = &now
	stored := *d

	a.mu.Lock()
	a.connected.Put(&stored)
	a.links[d.ID] = l
	a.mu.Unlock()

	slog.Info("[BLE] connected", "device", d.ID, "limited", d.LimitedConnection)
	return true, nil
}

// DisconnectDevice forgets the device; disconnecting an unknown device
// succeeds.
func (a *Adapter) DisconnectDevice(_ context.Context, d *transport.Device) (bool, error) {
	a.mu.Lock()
	l := a.links[d.ID]
	delete(a.links, d.ID)
	a.connected.Delete(d.ID)
	a.mu.Unlock()

	if l != nil {
		if err := l.conn.Disconnect(); err != nil {
			slog.Warn("[BLE] disconnect failed", "device", d.ID, "error", err)
		}
	}
	return true, nil
}

// OnDrop registers cb to run after a connected peripheral disconnected on
// its own.
func (a *Adapter) OnDrop(cb func(id string)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onDrop = cb
}

// handleDrop removes a peripheral that disconnected on its own.
func (a *Adapter) handleDrop(id string) {
	a.mu.Lock()
	_, ok := a.links[id]
	delete(a.links, id)
	a.connected.Delete(id)
	cb := a.onDrop
	a.mu.Unlock()
	if !ok {
		return
	}
	slog.Warn("[BLE] peripheral disconnected", "device", id)
	if cb != nil {
		cb(id)
	}
}

// Close waits for the running radio session, then disconnects every
// peripheral.
func (a *Adapter) Close() error {
	a.session.Lock()
	defer a.session.Unlock()

	a.mu.Lock()
	links := a.links
	a.links = make(map[string]*link)
	a.connected.Clear()
	a.cache = make(map[string]Advertisement)
	a.mu.Unlock()

	for id, l := range links {
		if err := l.conn.Disconnect(); err != nil {
			slog.Warn("[BLE] disconnect on close failed", "device", id, "error", err)
		}
	}
	return nil
}

func (a *Adapter) SendText(ctx context.Context, text string, meta transport.Meta) error {
	return a.send(ctx, []byte(text), meta)
}

func (a *Adapter) SendFile(ctx context.Context, f transport.File, meta transport.Meta) error {
	data := f.Data
	if data == nil {
		b, err := os.ReadFile(f.Path)
		if err != nil {
			return fmt.Errorf("ble: read %s: %w", f.Path, err)
		}
		data = b
	}
	return a.send(ctx, data, meta)
}

// send resolves the destination: a connected device named by the target, a
// scanned peripheral matching the target name (or the configured service),
// or every connected device when neither is configured.
func (a *Adapter) send(ctx context.Context, data []byte, meta transport.Meta) error {
	if len(data) == 0 {
		return fmt.Errorf("ble: %w", transport.ErrEmptyPayload)
	}
	target := meta.Target
	if target == "" {
		target = a.opts.TargetName
	}
	hasPair := a.opts.ServiceUUID != "" && a.opts.CharacteristicUUID != ""

	if target == "" && !hasPair {
		a.mu.Lock()
		n := a.connected.Len()
		a.mu.Unlock()
		if n == 0 {
			return transport.ErrNoTarget
		}
	}

	if err := a.ensureReady(ctx); err != nil {
		return err
	}

	a.session.Lock()
	defer a.session.Unlock()

	if target != "" {
		a.mu.Lock()
		l, ok := a.links[target]
		a.mu.Unlock()
		if ok {
			return a.writeLink(target, l, data)
		}
	}
	if target == "" && !hasPair {
		return a.fanOut(data)
	}
	return a.scanAndWrite(ctx, target, data)
}

func (a *Adapter) fanOut(data []byte) error {
	a.mu.Lock()
	devices := a.connected.Snapshot()
	links := make([]*link, len(devices))
	for i, d := range devices {
		links[i] = a.links[d.ID]
	}
	a.mu.Unlock()

	if len(devices) == 0 {
		return transport.ErrNoTarget
	}
	var firstErr error
	for i, d := range devices {
		if err := a.writeLink(d.ID, links[i], data); err != nil {
			slog.Warn("[BLE] send failed", "device", d.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (a *Adapter) writeLink(id string, l *link, data []byte) error {
	if l == nil || l.char == nil {
		return fmt.Errorf("ble: %s is a limited connection: %w", id, transport.ErrNoWritableCharacteristic)
	}
	return a.writeChunks(l.char, l.withResponse, data)
}

// scanAndWrite runs one complete session: find, connect, write, disconnect.
func (a *Adapter) scanAndWrite(ctx context.Context, target string, data []byte) error {
	adv, err := a.findPeripheral(ctx, target)
	if err != nil {
		return err
	}

	connCtx, cancel := context.WithTimeout(ctx, a.opts.ConnectTimeout)
	defer cancel()
	conn, err := a.radio.Connect(connCtx, adv.ID)
	if err != nil {
		return fmt.Errorf("ble: connect to %s: %w", adv.ID, err)
	}
	defer func() {
		if err := conn.Disconnect(); err != nil {
			slog.Warn("[BLE] disconnect after send failed", "device", adv.ID, "error", err)
		}
	}()

	char, withResponse, err := pickWritable(conn, a.opts.ServiceUUID, a.opts.CharacteristicUUID)
	if err != nil {
		return fmt.Errorf("ble: %s: %w", adv.ID, err)
	}
	if err := a.writeChunks(char, withResponse, data); err != nil {
		return err
	}
	slog.Info("[BLE] sent", "device", adv.ID, "name", adv.Name, "bytes", len(data))
	return nil
}

// findPeripheral scans until a peripheral matches: by name substring when a
// target is given, else by the configured service UUID.
func (a *Adapter) findPeripheral(ctx context.Context, target string) (Advertisement, error) {
	scanCtx, cancel := context.WithTimeout(ctx, a.opts.ScanTimeout)
	defer cancel()

	var mu sync.Mutex
	var found *Advertisement
	err := a.radio.Scan(scanCtx, func(adv Advertisement) {
		if !a.matches(adv, target) {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if found == nil {
			found = &adv
			cancel()
		}
	})

	mu.Lock()
	defer mu.Unlock()
	if found == nil {
		if err != nil {
			return Advertisement{}, fmt.Errorf("ble: scan for %q: %w", target, err)
		}
		return Advertisement{}, fmt.Errorf("ble: %q: %w", target, transport.ErrTargetNotFound)
	}

	a.mu.Lock()
	a.cache[found.ID] = *found
	a.mu.Unlock()
	return *found, nil
}

func (a *Adapter) matches(adv Advertisement, target string) bool {
	if target != "" {
		return adv.Name != "" && strings.Contains(adv.Name, target)
	}
	want := normalizeUUID(a.opts.ServiceUUID)
	for _, s := range adv.Services {
		if normalizeUUID(s) == want {
			return true
		}
	}
	return false
}

// pickWritable prefers a characteristic accepting acknowledged writes and
// falls back to write-without-response.
func pickWritable(conn Connection, serviceUUID, charUUID string) (Characteristic, bool, error) {
	chars, err := conn.DiscoverCharacteristics(serviceUUID, charUUID)
	if err != nil {
		return nil, false, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	for _, c := range chars {
		if c.Properties().Write {
			return c, true, nil
		}
	}
	for _, c := range chars {
		if c.Properties().WriteWithoutResponse {
			return c, false, nil
		}
	}
	return nil, false, transport.ErrNoWritableCharacteristic
}

// writeChunks writes data in MTU-sized pieces with a small delay between
// them so the peripheral can drain its buffer.
func (a *Adapter) writeChunks(char Characteristic, withResponse bool, data []byte) error {
	chunks := ChunkBytes(data, a.opts.MTU)
	for i, chunk := range chunks {
		if err := char.Write(chunk, withResponse); err != nil {
			return fmt.Errorf("ble: write chunk %d/%d: %w", i+1, len(chunks), err)
		}
		if i < len(chunks)-1 && a.opts.InterChunkDelay > 0 {
			time.Sleep(a.opts.InterChunkDelay)
		}
	}
	return nil
}

func normalizeUUID(u string) string {
	return strings.ToLower(strings.ReplaceAll(u, "-", ""))
}
