// errors.go - Normalized device error shape crossing the adapter boundary
package models

import "fmt"

// Well-known device error codes.
const (
	CodeNotConnected        = "NOT_CONNECTED"
	CodeConnectionNotExist  = "CONNECTION_NOT_EXIST"
	CodeUnrecognizedMachine = "MACHINE_NOT_RECOGNIZED"
	CodeTimeout             = "TIMEOUT"
	CodeUnreachable         = "UNREACHABLE"
	CodeDeviceRejected      = "DEVICE_REJECTED"
)

// DeviceError is the normalized error shape for everything crossing the
// transport adapter boundary. Raw transport errors never leave an adapter.
type DeviceError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	RawText string `json:"rawText,omitempty"`
}

func (e *DeviceError) Error() string {
	if e.RawText != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.RawText)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewDeviceError builds a DeviceError with an optional raw body.
func NewDeviceError(code, message, raw string) *DeviceError {
	return &DeviceError{Code: code, Message: message, RawText: raw}
}

// ErrNotConnected is returned by command operations when no session is active.
func ErrNotConnected() *DeviceError {
	return &DeviceError{Code: CodeNotConnected, Message: "machine is not connected"}
}

// ErrConnectionNotExist is the benign error reported when closing with no
// active session.
func ErrConnectionNotExist() *DeviceError {
	return &DeviceError{Code: CodeConnectionNotExist, Message: "connection not exist"}
}

// ErrUnrecognizedMachine reports a handshake whose identity mapping failed.
func ErrUnrecognizedMachine(detail string) *DeviceError {
	return &DeviceError{Code: CodeUnrecognizedMachine, Message: "machine or tool head not recognized", RawText: detail}
}
