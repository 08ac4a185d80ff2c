package transport

import "errors"

var (
	ErrScanInProgress           = errors.New("scan already in progress")
	ErrUnsupported              = errors.New("operation not supported by adapter")
	ErrPortExhausted            = errors.New("no free discovery port")
	ErrDeviceUnreachable        = errors.New("device not reachable")
	ErrPeripheralNotFound       = errors.New("peripheral not found, scan again")
	ErrRadioNotReady            = errors.New("bluetooth radio not powered on")
	ErrTargetNotFound           = errors.New("target device not found")
	ErrNoWritableCharacteristic = errors.New("no writable characteristic found")
	ErrNoTarget                 = errors.New("no target device connected")
	ErrDatagramTooLarge         = errors.New("payload exceeds a single datagram")
	ErrEmptyPayload             = errors.New("nothing to send")
)

var codes = []struct {
	err  error
	code string
}{
	{ErrScanInProgress, "ScanInProgress"},
	{ErrUnsupported, "Unsupported"},
	{ErrPortExhausted, "PortExhausted"},
	{ErrDeviceUnreachable, "DeviceUnreachable"},
	{ErrPeripheralNotFound, "PeripheralNotFound"},
	{ErrRadioNotReady, "RadioNotReady"},
	{ErrTargetNotFound, "TargetNotFound"},
	{ErrNoWritableCharacteristic, "NoWritableCharacteristic"},
	{ErrNoTarget, "NoTarget"},
	{ErrDatagramTooLarge, "DatagramTooLarge"},
	{ErrEmptyPayload, "EmptyPayload"},
}

// Code returns the taxonomy name of err, or "" when err is nil or not one of
// the transport errors.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return ""
}
