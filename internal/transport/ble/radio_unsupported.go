//go:build !linux && !darwin

package ble

// NewRadio reports that no BLE backend is built for this platform.
func NewRadio(_ ...string) (Radio, error) {
	return nil, ErrRadioUnavailable
}
