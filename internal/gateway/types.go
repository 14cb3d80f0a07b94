package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ResultSuccess is the result value of an accepted console command.
const ResultSuccess = "SUCCESS"

// DeviceInfo is the subset of the device resource the monitor reads.
type DeviceInfo struct {
	DeviceID        string `json:"device_id"`
	DeviceName      string `json:"device_name,omitempty"`
	ConnectionState string `json:"connectionState"`
	State           struct {
		Status struct {
			ApplicationProcessor string `json:"ApplicationProcessor"`
		} `json:"Status"`
	} `json:"state"`
}

// OperationState returns state.Status.ApplicationProcessor.
func (d DeviceInfo) OperationState() string {
	return d.State.Status.ApplicationProcessor
}

// CommandResult is the console's reply to a mutating call.
type CommandResult struct {
	Result  string `json:"result"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
}

// OK reports whether the console accepted the command.
func (r CommandResult) OK() bool {
	return r.Result == ResultSuccess
}

// ParameterFileList is the command parameter file listing.
type ParameterFileList struct {
	ParameterList []ParameterFileEntry `json:"parameter_list"`
}

// ParameterFileEntry is one file in the listing. Parameter is either a
// base64 string or an expanded JSON object and may be absent.
type ParameterFileEntry struct {
	FileName  string          `json:"file_name"`
	DeviceIDs []string        `json:"device_ids"`
	Comment   string          `json:"comment,omitempty"`
	Parameter json.RawMessage `json:"parameter,omitempty"`
}

// ImageDirectoryGroup is one group of the image directory listing.
type ImageDirectoryGroup struct {
	GroupID string           `json:"group_id,omitempty"`
	Devices []ImageDirectory `json:"devices"`
}

// ImageDirectory lists the capture sub directories of one device.
type ImageDirectory struct {
	DeviceID   string   `json:"device_id"`
	DeviceName string   `json:"device_name,omitempty"`
	Images     []string `json:"Image"`
}

// ImageList is the response of an image query within a sub directory.
type ImageList struct {
	TotalImageCount int     `json:"total_image_count"`
	Images          []Image `json:"images"`
}

// Image holds one captured image; Contents is base64.
type Image struct {
	Name     string `json:"name"`
	Contents string `json:"contents"`
}

// InferenceResult is one stored inference result. Raw keeps the
// original object for archiving.
type InferenceResult struct {
	ID        string          `json:"id"`
	DeviceID  string          `json:"device_id"`
	ModelID   string          `json:"model_id,omitempty"`
	Timestamp int64           `json:"_ts,omitempty"`
	Result    InferencePacket `json:"inference_result"`
	Raw       json.RawMessage `json:"-"`
}

// InferencePacket is the device-side payload of a result.
type InferencePacket struct {
	DeviceID   string      `json:"DeviceID"`
	ModelID    string      `json:"ModelID"`
	Image      bool        `json:"Image"`
	Inferences []Inference `json:"Inferences"`
}

// Inference is a single timestamped output tensor (base64 in O).
type Inference struct {
	T string `json:"T"`
	O string `json:"O"`
}

// APIError is returned for non-2xx console responses.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// IsNotFound reports a 404 response.
func (e *APIError) IsNotFound() bool {
	return e.StatusCode == http.StatusNotFound
}
