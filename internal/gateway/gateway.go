// Package gateway is the client side of the console REST API: device
// state, inference control, command parameter files, images and
// inference results.
package gateway

import "context"

// Gateway is the remote device platform as seen by the monitor.
type Gateway interface {
	GetDeviceInfo(ctx context.Context, deviceID string) (DeviceInfo, error)
	StartInferenceCollection(ctx context.Context, deviceID string) (CommandResult, error)
	StopInferenceCollection(ctx context.Context, deviceID string) (CommandResult, error)

	ListCommandParameterFiles(ctx context.Context) (ParameterFileList, error)
	UpdateCommandParameterFile(ctx context.Context, fileName, comment, payload string) (CommandResult, error)
	BindCommandParameterFile(ctx context.Context, fileName string, deviceIDs []string) (CommandResult, error)
	// UnbindCommandParameterFile treats a missing binding (HTTP 404) as success.
	UnbindCommandParameterFile(ctx context.Context, fileName string, deviceIDs []string) (CommandResult, error)

	GetImageDirectories(ctx context.Context, deviceID string) ([]ImageDirectoryGroup, error)
	GetLatestImage(ctx context.Context, deviceID, subDirectory string) (ImageList, error)
	GetInferenceResults(ctx context.Context, deviceID string, n int) ([]InferenceResult, error)
}
