// Package gatewaytest provides a testify mock of gateway.Gateway.
package gatewaytest

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/kumakita/aitrios-monitor/internal/gateway"
)

// Gateway is a mock gateway.Gateway.
type Gateway struct {
	mock.Mock
}

var _ gateway.Gateway = (*Gateway)(nil)

func (m *Gateway) GetDeviceInfo(ctx context.Context, deviceID string) (gateway.DeviceInfo, error) {
	args := m.Called(ctx, deviceID)
	return args.Get(0).(gateway.DeviceInfo), args.Error(1)
}

func (m *Gateway) StartInferenceCollection(ctx context.Context, deviceID string) (gateway.CommandResult, error) {
	args := m.Called(ctx, deviceID)
	return args.Get(0).(gateway.CommandResult), args.Error(1)
}

func (m *Gateway) StopInferenceCollection(ctx context.Context, deviceID string) (gateway.CommandResult, error) {
	args := m.Called(ctx, deviceID)
	return args.Get(0).(gateway.CommandResult), args.Error(1)
}

func (m *Gateway) ListCommandParameterFiles(ctx context.Context) (gateway.ParameterFileList, error) {
	args := m.Called(ctx)
	return args.Get(0).(gateway.ParameterFileList), args.Error(1)
}

func (m *Gateway) UpdateCommandParameterFile(ctx context.Context, fileName, comment, payload string) (gateway.CommandResult, error) {
	args := m.Called(ctx, fileName, comment, payload)
	return args.Get(0).(gateway.CommandResult), args.Error(1)
}

func (m *Gateway) BindCommandParameterFile(ctx context.Context, fileName string, deviceIDs []string) (gateway.CommandResult, error) {
	args := m.Called(ctx, fileName, deviceIDs)
	return args.Get(0).(gateway.CommandResult), args.Error(1)
}

func (m *Gateway) UnbindCommandParameterFile(ctx context.Context, fileName string, deviceIDs []string) (gateway.CommandResult, error) {
	args := m.Called(ctx, fileName, deviceIDs)
	return args.Get(0).(gateway.CommandResult), args.Error(1)
}

func (m *Gateway) GetImageDirectories(ctx context.Context, deviceID string) ([]gateway.ImageDirectoryGroup, error) {
	args := m.Called(ctx, deviceID)
	groups, _ := args.Get(0).([]gateway.ImageDirectoryGroup)
	return groups, args.Error(1)
}

func (m *Gateway) GetLatestImage(ctx context.Context, deviceID, subDirectory string) (gateway.ImageList, error) {
	args := m.Called(ctx, deviceID, subDirectory)
	return args.Get(0).(gateway.ImageList), args.Error(1)
}

func (m *Gateway) GetInferenceResults(ctx context.Context, deviceID string, n int) ([]gateway.InferenceResult, error) {
	args := m.Called(ctx, deviceID, n)
	results, _ := args.Get(0).([]gateway.InferenceResult)
	return results, args.Error(1)
}

// Success is a convenience accepted command result.
func Success() gateway.CommandResult {
	return gateway.CommandResult{Result: gateway.ResultSuccess}
}
