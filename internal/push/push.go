// Package push delivers best-effort, high-priority messages to devices
// through an out-of-band push gateway addressed by opaque delivery tokens.
package push

import (
	"context"
	"errors"
)

// Message types understood by the device client.
const (
	TypeDeviceCommand = "DEVICE_COMMAND"
	TypeCheckOnline   = "CHECK_ONLINE"
)

// ErrStaleToken is returned when the gateway rejects a delivery token as no
// longer valid. Callers treat it as best-effort failure; the device gets a
// fresh token on its next registration.
var ErrStaleToken = errors.New("push: stale delivery token")

// Message is a single high-priority data push to one device.
type Message struct {
	// Token is the opaque gateway credential for the target device.
	Token string
	// Type tags the message for the device-side handler.
	Type string
	// Data is the string payload delivered alongside the type.
	Data map[string]string
}

// Sender defines the push gateway operations.
// This interface allows for easy mocking in tests.
type Sender interface {
	// Send delivers one message. Delivery is best-effort: an error means
	// the gateway rejected or failed the attempt, never that a retry is
	// scheduled.
	Send(ctx context.Context, msg Message) error
}
