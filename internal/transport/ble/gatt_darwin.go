package ble

import "tinygo.org/x/bluetooth"

// CoreBluetooth offers both write types; acknowledged writes are preferred.
func platformProperties() Properties {
	return Properties{Write: true, WriteWithoutResponse: true}
}

func writeAcked(char bluetooth.DeviceCharacteristic, data []byte) error {
	_, err := char.Write(data)
	return err
}
