//go:build linux || darwin

package ble

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"tinygo.org/x/bluetooth"
)

// TinyGoRadio wraps tinygo-org/bluetooth (BlueZ on Linux, CoreBluetooth on
// macOS). On macOS peripheral ids are CoreBluetooth UUIDs, not MAC addresses.
type TinyGoRadio struct {
	adapter *bluetooth.Adapter
	watch   []bluetooth.UUID // services reported in Advertisement.Services

	mu     sync.Mutex
	onDrop func(id string)
}

// NewRadio returns the platform radio. serviceUUIDs are the services whose
// presence is reported on each advertisement.
func NewRadio(serviceUUIDs ...string) (Radio, error) {
	r := &TinyGoRadio{adapter: bluetooth.DefaultAdapter}
	for _, s := range serviceUUIDs {
		if s == "" {
			continue
		}
		u, err := parseUUID(s)
		if err != nil {
			return nil, fmt.Errorf("ble: parse service UUID %q: %w", s, err)
		}
		r.watch = append(r.watch, u)
	}
	return r, nil
}

func (r *TinyGoRadio) Enable() error {
	if err := r.adapter.Enable(); err != nil {
		return err
	}

	// tinygo/bluetooth fires this callback with connected=false when a
	// peripheral disconnects.
	r.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		r.mu.Lock()
		cb := r.onDrop
		r.mu.Unlock()
		if cb != nil {
			cb(device.Address.String())
		}
	})
	return nil
}

func (r *TinyGoRadio) OnDisconnect(cb func(id string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDrop = cb
}

func (r *TinyGoRadio) Scan(ctx context.Context, found func(Advertisement)) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = r.adapter.StopScan()
		case <-done:
		}
	}()

	err := r.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		adv := Advertisement{
			ID:   result.Address.String(),
			Name: result.LocalName(),
			RSSI: int(result.RSSI),
		}
		for _, u := range r.watch {
			if result.HasServiceUUID(u) {
				adv.Services = append(adv.Services, u.String())
			}
		}
		found(adv)
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("ble: scan: %w", err)
	}
	return nil
}

func (r *TinyGoRadio) Connect(ctx context.Context, id string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(id)

	// tinygo/bluetooth's Connect blocks with its own timeout; ctx only lets
	// us stop waiting for it.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := r.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("ble: connect to %s: %w", id, ctx.Err())
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", id, res.err)
		}
		return &tinyGoConnection{device: res.device}, nil
	}
}

var _ Radio = (*TinyGoRadio)(nil)

type tinyGoConnection struct {
	device bluetooth.Device
}

func (c *tinyGoConnection) DiscoverCharacteristics(serviceUUID, charUUID string) ([]Characteristic, error) {
	var svcFilter, charFilter []bluetooth.UUID
	if serviceUUID != "" {
		u, err := parseUUID(serviceUUID)
		if err != nil {
			return nil, err
		}
		svcFilter = []bluetooth.UUID{u}
	}
	if charUUID != "" {
		u, err := parseUUID(charUUID)
		if err != nil {
			return nil, err
		}
		charFilter = []bluetooth.UUID{u}
	}

	svcs, err := c.device.DiscoverServices(svcFilter)
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	var out []Characteristic
	for _, svc := range svcs {
		chars, err := svc.DiscoverCharacteristics(charFilter)
		if err != nil {
			return nil, fmt.Errorf("ble: discover characteristics: %w", err)
		}
		for _, ch := range chars {
			out = append(out, &tinyGoCharacteristic{char: ch})
		}
	}
	return out, nil
}

func (c *tinyGoConnection) Disconnect() error {
	return c.device.Disconnect()
}

type tinyGoCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

func (c *tinyGoCharacteristic) UUID() string { return c.char.UUID().String() }

// Properties reports the write modes the platform backend can issue;
// tinygo/bluetooth does not expose the GATT property flags.
func (c *tinyGoCharacteristic) Properties() Properties {
	return platformProperties()
}

func (c *tinyGoCharacteristic) Write(data []byte, withResponse bool) error {
	if withResponse {
		return writeAcked(c.char, data)
	}
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

// parseUUID accepts full 128-bit UUIDs and 16-bit short forms such as "ffe0".
func parseUUID(s string) (bluetooth.UUID, error) {
	if len(s) == 4 {
		v, err := strconv.ParseUint(s, 16, 16)
		if err != nil {
			return bluetooth.UUID{}, fmt.Errorf("ble: short UUID %q: %w", s, err)
		}
		return bluetooth.New16BitUUID(uint16(v)), nil
	}
	return bluetooth.ParseUUID(s)
}
