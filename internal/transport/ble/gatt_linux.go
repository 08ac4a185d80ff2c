package ble

import (
	"errors"

	"tinygo.org/x/bluetooth"
)

// errAckedWrite is returned for write requests; the BlueZ backend of
// tinygo/bluetooth only issues write commands.
var errAckedWrite = errors.New("ble: acknowledged writes are not supported by the BlueZ backend")

func platformProperties() Properties {
	return Properties{WriteWithoutResponse: true}
}

func writeAcked(bluetooth.DeviceCharacteristic, []byte) error {
	return errAckedWrite
}
