package types

import "time"

// ConnectionState is the console's view of the device link.
type ConnectionState string

const (
	Connected    ConnectionState = "Connected"
	Disconnected ConnectionState = "Disconnected"
	// ConnectionUnknown is reported when the state could not be fetched or parsed.
	ConnectionUnknown ConnectionState = "Unknown"
)

// OperationState mirrors Status.ApplicationProcessor of the device state document.
type OperationState string

const (
	Idle                     OperationState = "Idle"
	StreamingImage           OperationState = "StreamingImage"
	StreamingInferenceResult OperationState = "StreamingInferenceResult"
	StreamingBoth            OperationState = "StreamingBoth"
	OperationUnknown         OperationState = "Unknown"
)

// ParseConnectionState maps a console string to a ConnectionState.
// Anything unrecognised becomes ConnectionUnknown.
func ParseConnectionState(s string) ConnectionState {
	switch ConnectionState(s) {
	case Connected, Disconnected:
		return ConnectionState(s)
	default:
		return ConnectionUnknown
	}
}

// ParseOperationState maps a console string to an OperationState.
// Anything unrecognised becomes OperationUnknown.
func ParseOperationState(s string) OperationState {
	switch OperationState(s) {
	case Idle, StreamingImage, StreamingInferenceResult, StreamingBoth:
		return OperationState(s)
	default:
		return OperationUnknown
	}
}

// Streaming reports whether the operation is one of the known streaming states.
func (o OperationState) Streaming() bool {
	switch o {
	case StreamingImage, StreamingInferenceResult, StreamingBoth:
		return true
	}
	return false
}

// DeviceState is one observation of a device. It is superseded by the next poll.
type DeviceState struct {
	DeviceID   string          `json:"device_id"`
	Connection ConnectionState `json:"connection"`
	Operation  OperationState  `json:"operation"`
	ObservedAt time.Time       `json:"observed_at"`
	Error      string          `json:"error,omitempty"`
}

// UnknownState is the degraded observation used whenever polling fails.
func UnknownState(deviceID string, at time.Time) DeviceState {
	return DeviceState{
		DeviceID:   deviceID,
		Connection: ConnectionUnknown,
		Operation:  OperationUnknown,
		ObservedAt: at,
	}
}

// IsConnected reports whether the device is connected.
func (s DeviceState) IsConnected() bool {
	return s.Connection == Connected
}

// CanStart reports whether an inference start may be issued (Connected, Idle).
func (s DeviceState) CanStart() bool {
	return s.Connection == Connected && s.Operation == Idle
}

// CanStop reports whether an inference stop may be issued (Connected and streaming).
// An unknown operation never enables stop.
func (s DeviceState) CanStop() bool {
	return s.Connection == Connected && s.Operation.Streaming()
}

// IsStreaming reports whether the device is connected and streaming.
func (s DeviceState) IsStreaming() bool {
	return s.Connection == Connected && s.Operation.Streaming()
}
