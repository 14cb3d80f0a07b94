package reconciler

import (
	"context"
	"time"

	"github.com/kumakita/aitrios-monitor/internal/gateway"
	"github.com/kumakita/aitrios-monitor/pkg/types"
)

// FetchState polls the device once. Any failure yields the Unknown state
// together with the error.
func FetchState(ctx context.Context, gw gateway.Gateway, deviceID string, now time.Time) (types.DeviceState, error) {
	info, err := gw.GetDeviceInfo(ctx, deviceID)
	if err != nil {
		s := types.UnknownState(deviceID, now)
		s.Error = err.Error()
		return s, err
	}
	return types.DeviceState{
		DeviceID:   deviceID,
		Connection: types.ParseConnectionState(info.ConnectionState),
		Operation:  types.ParseOperationState(info.OperationState()),
		ObservedAt: now,
	}, nil
}

// Snapshot is a copy of the reconciler's view for presentation.
type Snapshot struct {
	State      types.DeviceState    `json:"state"`
	Start      *types.CommandStatus `json:"start,omitempty"`
	Stop       *types.CommandStatus `json:"stop,omitempty"`
	Processing bool                 `json:"processing"`
	CanStart   bool                 `json:"can_start"`
	CanStop    bool                 `json:"can_stop"`
}

// Command returns the latest status for kind.
func (s Snapshot) Command(kind types.CommandKind) *types.CommandStatus {
	if kind == types.StartInference {
		return s.Start
	}
	return s.Stop
}
