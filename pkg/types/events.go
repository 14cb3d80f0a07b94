package types

import "time"

// CommandKind identifies a user-triggered inference command.
type CommandKind string

const (
	StartInference CommandKind = "StartInference"
	StopInference  CommandKind = "StopInference"
)

// CommandPhase is the lifecycle of one in-flight command.
type CommandPhase string

const (
	PhaseIdle      CommandPhase = "Idle"
	PhasePending   CommandPhase = "Pending"
	PhaseConfirmed CommandPhase = "Confirmed"
	PhaseTimedOut  CommandPhase = "TimedOut"
	PhaseFailed    CommandPhase = "Failed"
)

// Terminal reports whether no further transition can happen.
func (p CommandPhase) Terminal() bool {
	return p == PhaseConfirmed || p == PhaseTimedOut || p == PhaseFailed
}

// CommandStatus is a snapshot of an in-flight (or just finished) command.
type CommandStatus struct {
	ID       string       `json:"id"`
	Kind     CommandKind  `json:"kind"`
	Phase    CommandPhase `json:"phase"`
	IssuedAt time.Time    `json:"issued_at"`
	Deadline time.Time    `json:"deadline"`
	Message  string       `json:"message,omitempty"`
}

// InProgress reports whether the command still blocks its affordance.
func (c CommandStatus) InProgress() bool {
	return c.Phase == PhasePending
}

// CommandOutcome is returned synchronously when a command is requested.
type CommandOutcome struct {
	Kind     CommandKind `json:"kind"`
	Accepted bool        `json:"accepted"`
	ID       string      `json:"id,omitempty"`
	Message  string      `json:"message"`
}

// ApplyPhase is a step of the unbind -> update -> rebind protocol.
type ApplyPhase string

const (
	ApplyValidating ApplyPhase = "Validating"
	ApplyUnbinding  ApplyPhase = "Unbinding"
	ApplyUpdating   ApplyPhase = "Updating"
	ApplyRebinding  ApplyPhase = "Rebinding"
	ApplyDone       ApplyPhase = "Done"
)

// ApplyResult is the outcome of a parameter apply.
type ApplyResult struct {
	DeviceID string     `json:"device_id"`
	FileName string     `json:"file_name,omitempty"`
	Success  bool       `json:"success"`
	Message  string     `json:"message"`
	Phase    ApplyPhase `json:"phase"`
	// Unbound is set when the protocol stopped after the unbind step,
	// leaving the device without a parameter file. The operator must retry.
	Unbound bool      `json:"unbound"`
	At      time.Time `json:"at"`
}

// StatusLevel classifies operator-facing status messages.
type StatusLevel string

const (
	StatusInfo  StatusLevel = "info"
	StatusWarn  StatusLevel = "warn"
	StatusError StatusLevel = "error"
)

// StatusMessage is a line for the status bar / log pane.
type StatusMessage struct {
	Time  time.Time   `json:"time"`
	Level StatusLevel `json:"level"`
	Text  string      `json:"text"`
}

// ProcessingUpdate reports whether the local image-processing loop is running.
type ProcessingUpdate struct {
	Running bool      `json:"running"`
	At      time.Time `json:"at"`
}

// Frame is a summary of the newest captured image and inference results.
type Frame struct {
	DeviceID    string    `json:"device_id"`
	FetchedAt   time.Time `json:"fetched_at"`
	Directory   string    `json:"directory,omitempty"`
	ImageName   string    `json:"image_name,omitempty"`
	Format      string    `json:"format,omitempty"`
	Width       int       `json:"width,omitempty"`
	Height      int       `json:"height,omitempty"`
	ImageBase64 string    `json:"image_base64,omitempty"`
	Inferences  int       `json:"inferences"`
	Error       string    `json:"error,omitempty"`
}
