package webmonitor

import (
	"github.com/kumakita/aitrios-monitor/internal/params"
	"github.com/kumakita/aitrios-monitor/internal/processor"
	"github.com/kumakita/aitrios-monitor/internal/reconciler"
)

// StatusResponse is the payload of /api/status and the first SSE event.
type StatusResponse struct {
	reconciler.Snapshot
	Processor *processor.Status `json:"processor,omitempty"`
	Timestamp float64           `json:"timestamp"`
}

// ParametersResponse describes the command parameters bound to the device.
type ParametersResponse struct {
	DeviceID string          `json:"device_id"`
	FileName string          `json:"file_name,omitempty"`
	Bound    bool            `json:"bound"`
	Document params.Document `json:"document"`
}

// ParameterFileSummary is one entry of /api/parameters/files.
type ParameterFileSummary struct {
	FileName   string   `json:"file_name"`
	DeviceIDs  []string `json:"device_ids"`
	HasPayload bool     `json:"has_payload"`
	BoundHere  bool     `json:"bound_here"`
}

// ValidationResponse is returned by /api/parameters/validate.
type ValidationResponse struct {
	Valid  bool   `json:"valid"`
	Kind   string `json:"kind,omitempty"`
	Reason string `json:"reason,omitempty"`
}
