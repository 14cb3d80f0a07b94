package params

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ErrorKind separates structural problems from out-of-range values.
type ErrorKind int

const (
	FormatError ErrorKind = iota
	RangeError
)

// ValidationError describes why a document was rejected.
type ValidationError struct {
	Kind   ErrorKind
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Kind == RangeError {
		return "invalid parameter: " + e.Reason
	}
	return "invalid format: " + e.Reason
}

func formatErr(format string, args ...interface{}) error {
	return &ValidationError{Kind: FormatError, Reason: fmt.Sprintf(format, args...)}
}

func rangeErr(format string, args ...interface{}) error {
	return &ValidationError{Kind: RangeError, Reason: fmt.Sprintf(format, args...)}
}

var (
	requiredKeys  = []string{"Mode", "UploadInterval", "NumberOfInferencesPerMessage"}
	imageKeys     = []string{"UploadMethod", "StorageName", "StorageSubDirectoryPath"}
	inferenceKeys = []string{"UploadMethodIR", "StorageNameIR", "StorageSubDirectoryPathIR"}
)

// UploadParameters is the typed view of StartUploadInferenceData
// parameters used for range checks. Absent keys stay nil.
type UploadParameters struct {
	Mode                         *int          `json:"Mode"`
	UploadMethod                 *string       `json:"UploadMethod"`
	StorageName                  *string       `json:"StorageName"`
	StorageSubDirectoryPath      *string       `json:"StorageSubDirectoryPath"`
	FileFormat                   *string       `json:"FileFormat"`
	UploadMethodIR               *string       `json:"UploadMethodIR"`
	StorageNameIR                *string       `json:"StorageNameIR"`
	StorageSubDirectoryPathIR    *string       `json:"StorageSubDirectoryPathIR"`
	CropHOffset                  *int          `json:"CropHOffset"`
	CropVOffset                  *int          `json:"CropVOffset"`
	CropHSize                    *int          `json:"CropHSize"`
	CropVSize                    *int          `json:"CropVSize"`
	NumberOfImages               *int          `json:"NumberOfImages"`
	UploadInterval               *int          `json:"UploadInterval"`
	NumberOfInferencesPerMessage *int          `json:"NumberOfInferencesPerMessage"`
	MaxDetectionsPerFrame        *int          `json:"MaxDetectionsPerFrame"`
	PPLParameter                 *PPLParameter `json:"PPLParameter"`
}

// PPLParameter configures the on-device post-processing logic.
type PPLParameter struct {
	Header *struct {
		ID      string `json:"id"`
		Version string `json:"version"`
	} `json:"header"`
	DNNOutputDetections *int     `json:"dnn_output_detections"`
	MaxDetections       *int     `json:"max_detections"`
	Threshold           *float64 `json:"threshold"`
	InputWidth          *int     `json:"input_width"`
	InputHeight         *int     `json:"input_height"`
}

// UploadParameters returns the typed upload parameters of the document.
func (d Document) UploadParameters() (UploadParameters, error) {
	var p UploadParameters
	cmd, ok := d.Find(StartUploadCommand)
	if !ok || len(cmd.Parameters) == 0 {
		return p, formatErr("missing %s command", StartUploadCommand)
	}
	if err := json.Unmarshal(cmd.Parameters, &p); err != nil {
		return p, rangeErr("%v", err)
	}
	return p, nil
}

// Validate checks the structural invariant first and field ranges second.
// The returned error is a *ValidationError.
func (d Document) Validate() error {
	if err := d.ValidateStructure(); err != nil {
		return err
	}
	return d.CheckRanges()
}

// ValidateStructure checks that the upload command exists and that every
// key required by its Mode is present.
func (d Document) ValidateStructure() error {
	if d.Commands == nil {
		return formatErr("'commands' is required")
	}
	cmd, ok := d.Find(StartUploadCommand)
	if !ok {
		return formatErr("missing %s command", StartUploadCommand)
	}

	raw := bytes.TrimSpace(cmd.Parameters)
	if len(raw) == 0 || raw[0] != '{' {
		return formatErr("%s has no parameters object", StartUploadCommand)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return formatErr("%s parameters: %v", StartUploadCommand, err)
	}

	if missing := missingKeys(fields, requiredKeys); len(missing) > 0 {
		return formatErr("missing %s", strings.Join(missing, ", "))
	}

	var mode int
	if err := json.Unmarshal(fields["Mode"], &mode); err != nil {
		// A non-integer Mode is reported by the range check.
		return nil
	}
	if mode == ModeImageOnly || mode == ModeImageAndMeta {
		if missing := missingKeys(fields, imageKeys); len(missing) > 0 {
			return formatErr("Mode %d requires %s", mode, strings.Join(missing, ", "))
		}
	}
	if mode == ModeImageAndMeta || mode == ModeInferenceOnly {
		if missing := missingKeys(fields, inferenceKeys); len(missing) > 0 {
			return formatErr("Mode %d requires %s", mode, strings.Join(missing, ", "))
		}
	}
	return nil
}

// CheckRanges enforces value ranges on the upload parameters.
func (d Document) CheckRanges() error {
	p, err := d.UploadParameters()
	if err != nil {
		return err
	}

	if p.Mode == nil || *p.Mode < ModeImageOnly || *p.Mode > ModeInferenceOnly {
		return rangeErr("Mode must be 0, 1 or 2")
	}
	if err := positive("UploadInterval", p.UploadInterval); err != nil {
		return err
	}
	if err := positive("NumberOfInferencesPerMessage", p.NumberOfInferencesPerMessage); err != nil {
		return err
	}
	if p.MaxDetectionsPerFrame != nil {
		if err := positive("MaxDetectionsPerFrame", p.MaxDetectionsPerFrame); err != nil {
			return err
		}
	}

	crop := []struct {
		name  string
		value *int
	}{
		{"CropHOffset", p.CropHOffset},
		{"CropVOffset", p.CropVOffset},
		{"CropHSize", p.CropHSize},
		{"CropVSize", p.CropVSize},
		{"NumberOfImages", p.NumberOfImages},
	}
	for _, c := range crop {
		if c.value != nil && *c.value < 0 {
			return rangeErr("%s must be >= 0", c.name)
		}
	}

	mode := *p.Mode
	if mode == ModeImageOnly || mode == ModeImageAndMeta {
		if p.StorageName == nil || strings.TrimSpace(*p.StorageName) == "" {
			return rangeErr("StorageName must not be empty")
		}
	}
	if mode == ModeImageAndMeta || mode == ModeInferenceOnly {
		if p.StorageNameIR == nil || strings.TrimSpace(*p.StorageNameIR) == "" {
			return rangeErr("StorageNameIR must not be empty")
		}
	}

	if ppl := p.PPLParameter; ppl != nil {
		if ppl.MaxDetections != nil && *ppl.MaxDetections <= 0 {
			return rangeErr("PPLParameter.max_detections must be > 0")
		}
		if ppl.Threshold != nil && (*ppl.Threshold <= 0 || *ppl.Threshold >= 1) {
			return rangeErr("PPLParameter.threshold must be between 0 and 1")
		}
	}
	return nil
}

func positive(name string, v *int) error {
	if v == nil || *v <= 0 {
		return rangeErr("%s must be > 0", name)
	}
	return nil
}

func missingKeys(fields map[string]json.RawMessage, keys []string) []string {
	var missing []string
	for _, k := range keys {
		if _, ok := fields[k]; !ok {
			missing = append(missing, k)
		}
	}
	return missing
}
