// Package protocol defines the WebSocket message types shared between devices,
// observer dashboards, and the dispatch server.
package protocol

import "encoding/json"

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewMessage creates a message with the given type and payload.
func NewMessage(msgType string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:    msgType,
		Payload: data,
	}, nil
}

// ParsePayload unmarshals the payload into the given target.
func (m *Message) ParsePayload(target any) error {
	return json.Unmarshal(m.Payload, target)
}

// Message types (device → server)
const (
	TypeRegisterDevice = "registerDevice"
)

// Message types (server → observers/devices)
const (
	TypeRegistered      = "registered"
	TypeDevicesLive     = "devicesLive"
	TypeDeviceStatus    = "deviceStatus"
	TypeBrosReplyUpdate = "brosReplyUpdate"
)

// RegisterDevicePayload is sent by a device after connecting.
type RegisterDevicePayload struct {
	ID string `json:"id"`
}

// RegisteredPayload confirms a device registration.
type RegisteredPayload struct {
	ID string `json:"id"`
}

// DevicesLivePayload carries a full device-list snapshot to observers.
type DevicesLivePayload struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
	Count   int    `json:"count"`
	Data    any    `json:"data"`
}

// DeviceStatusPayload announces a single presence transition.
type DeviceStatusPayload struct {
	ID           string `json:"id"`
	Connectivity string `json:"connectivity"`
}

// BrosReplyUpdatePayload carries a per-device reply snapshot from a live watch.
type BrosReplyUpdatePayload struct {
	UID     string `json:"uid"`
	Success bool   `json:"success"`
	Data    any    `json:"data"`
}
