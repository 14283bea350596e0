// Package protocol defines the typed envelopes exchanged with device
// and observer sessions. All messages are JSON: human-readable and
// inspectable on the wire.
package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType tags a WebSocket envelope.
type MessageType string

// Device → server messages.
const (
	MessageTypeRegister        MessageType = "register"
	MessageTypeTelemetry       MessageType = "telemetry"
	MessageTypeCommandAck      MessageType = "command:ack"
	MessageTypeCommandComplete MessageType = "command:complete"
)

// Observer → server messages.
const (
	MessageTypeGetDevices  MessageType = "getDevices"
	MessageTypeSendCommand MessageType = "sendCommand"
	MessageTypeGetHistory  MessageType = "getHistory"
)

// Server → device messages.
const (
	MessageTypeCommand    MessageType = "command"
	MessageTypeRegistered MessageType = "registered"
)

// Server → observer messages.
const (
	MessageTypeDevicesList   MessageType = "devices:list"
	MessageTypeDeviceOnline  MessageType = "device:online"
	MessageTypeDeviceUpdate  MessageType = "device:update"
	MessageTypeDeviceOffline MessageType = "device:offline"
	MessageTypeCommandSent   MessageType = "command:sent"
	MessageTypeCommandStatus MessageType = "command:status"
	MessageTypeDeviceHistory MessageType = "device:history"
	MessageTypeError         MessageType = "error"
)

// Envelope wraps every message: { "type": "...", "data": { ... } }.
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode marshals a payload into an envelope frame.
func Encode(msgType MessageType, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", msgType, err)
	}
	return json.Marshal(Envelope{Type: msgType, Data: raw})
}

// MustEncode is Encode for payloads that cannot fail to marshal.
func MustEncode(msgType MessageType, data interface{}) []byte {
	frame, err := Encode(msgType, data)
	if err != nil {
		panic(err)
	}
	return frame
}

// RegisterMessage is a device's registration frame, sent once when it
// connects. Latitude and longitude are required; everything else is
// optional.
type RegisterMessage struct {
	DeviceID   string            `json:"device_id"`
	DeviceType string            `json:"device_type"`
	Name       string            `json:"name"`
	Latitude   *float64          `json:"latitude"`
	Longitude  *float64          `json:"longitude"`
	Altitude   *float64          `json:"altitude,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// TelemetryMessage is a device's periodic self-report. Absent fields
// leave the device record's prior values unchanged.
type TelemetryMessage struct {
	Latitude  *float64               `json:"latitude"`
	Longitude *float64               `json:"longitude"`
	Altitude  *float64               `json:"altitude,omitempty"`
	Heading   *float64               `json:"heading,omitempty"`
	Speed     *float64               `json:"speed,omitempty"`
	Battery   *float64               `json:"battery,omitempty"`
	Sensors   map[string]interface{} `json:"sensors,omitempty"`
}

// CommandAckMessage confirms receipt or progress of a command.
type CommandAckMessage struct {
	CommandID string `json:"commandId"`
	Status    string `json:"status"`
}

// CommandCompleteMessage reports a command's final result.
type CommandCompleteMessage struct {
	CommandID string          `json:"commandId"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// SendCommandMessage is an observer's dispatch request.
type SendCommandMessage struct {
	DeviceID    string          `json:"deviceId"`
	CommandType string          `json:"commandType"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// GetHistoryMessage requests a device's recent telemetry samples.
type GetHistoryMessage struct {
	DeviceID string `json:"deviceId"`
	Hours    int    `json:"hours,omitempty"`
}

// CommandFrame is the server → device command push.
type CommandFrame struct {
	CommandID string          `json:"commandId"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// CommandStatusFrame notifies observers of a command lifecycle change.
type CommandStatusFrame struct {
	CommandID string          `json:"commandId"`
	DeviceID  string          `json:"deviceId"`
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// DeviceOfflineFrame carries only the id of the device that went away.
type DeviceOfflineFrame struct {
	DeviceID string `json:"deviceId"`
}

// ErrorFrame reports a rejected message back to its sender. The
// connection stays open.
type ErrorFrame struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DecodeEnvelope parses an envelope. A malformed envelope or missing
// type field is a protocol error for the single offending message.
func DecodeEnvelope(frame []byte) (*Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if envelope.Type == "" {
		return nil, fmt.Errorf("envelope missing type field")
	}
	return &envelope, nil
}

// DecodeRegister parses and validates a register payload.
func DecodeRegister(data json.RawMessage) (*RegisterMessage, error) {
	var msg RegisterMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid register message: %w", err)
	}
	if msg.DeviceID == "" {
		return nil, fmt.Errorf("register: device_id is required")
	}
	if msg.Latitude == nil || msg.Longitude == nil {
		return nil, fmt.Errorf("register: latitude and longitude are required")
	}
	return &msg, nil
}

// DecodeTelemetry parses and validates a telemetry payload.
func DecodeTelemetry(data json.RawMessage) (*TelemetryMessage, error) {
	var msg TelemetryMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid telemetry message: %w", err)
	}
	if msg.Latitude == nil || msg.Longitude == nil {
		return nil, fmt.Errorf("telemetry: latitude and longitude are required")
	}
	return &msg, nil
}

// DecodeCommandAck parses and validates a command:ack payload.
func DecodeCommandAck(data json.RawMessage) (*CommandAckMessage, error) {
	var msg CommandAckMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid command:ack message: %w", err)
	}
	if msg.CommandID == "" {
		return nil, fmt.Errorf("command:ack: commandId is required")
	}
	return &msg, nil
}

// DecodeCommandComplete parses and validates a command:complete payload.
func DecodeCommandComplete(data json.RawMessage) (*CommandCompleteMessage, error) {
	var msg CommandCompleteMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid command:complete message: %w", err)
	}
	if msg.CommandID == "" {
		return nil, fmt.Errorf("command:complete: commandId is required")
	}
	return &msg, nil
}

// DecodeSendCommand parses and validates a sendCommand payload.
func DecodeSendCommand(data json.RawMessage) (*SendCommandMessage, error) {
	var msg SendCommandMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid sendCommand message: %w", err)
	}
	if msg.DeviceID == "" {
		return nil, fmt.Errorf("sendCommand: deviceId is required")
	}
	if msg.CommandType == "" {
		return nil, fmt.Errorf("sendCommand: commandType is required")
	}
	return &msg, nil
}

// DecodeGetHistory parses and validates a getHistory payload.
func DecodeGetHistory(data json.RawMessage) (*GetHistoryMessage, error) {
	var msg GetHistoryMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid getHistory message: %w", err)
	}
	if msg.DeviceID == "" {
		return nil, fmt.Errorf("getHistory: deviceId is required")
	}
	if msg.Hours <= 0 {
		msg.Hours = 1
	}
	return &msg, nil
}
