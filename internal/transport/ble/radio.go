// Package ble implements the Bluetooth Low Energy transport: scanning for
// peripherals, connecting to them and writing payloads to a writable GATT
// characteristic in MTU-sized chunks.
package ble

import (
	"context"
	"errors"
)

// ErrRadioUnavailable is returned by NewRadio on platforms without a BLE
// backend.
var ErrRadioUnavailable = errors.New("ble: no radio backend on this platform")

// Properties lists the write modes a characteristic accepts.
type Properties struct {
	Write                bool // acknowledged write request
	WriteWithoutResponse bool
}

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	UUID() string
	Properties() Properties
	// Write sends data, waiting for the peripheral's acknowledgement when
	// withResponse is set.
	Write(data []byte, withResponse bool) error
}

// Advertisement is one scan result.
type Advertisement struct {
	ID       string // peripheral id, used to connect
	Name     string // advertised local name, may be empty
	RSSI     int
	Services []string
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristics lists the characteristics of the peripheral.
	// Empty UUIDs match everything.
	DiscoverCharacteristics(serviceUUID, charUUID string) ([]Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
}

// Radio abstracts the BLE hardware adapter for testing.
type Radio interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan reports advertisements to found until ctx is done. A non-nil
	// error means scanning could not run.
	Scan(ctx context.Context, found func(Advertisement)) error
	// Connect establishes a connection to the peripheral with the given id.
	Connect(ctx context.Context, id string) (Connection, error)
	// OnDisconnect registers a callback invoked when a peripheral drops.
	OnDisconnect(callback func(id string))
}
