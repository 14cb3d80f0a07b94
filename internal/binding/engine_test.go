package binding

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kumakita/aitrios-monitor/internal/gateway"
	"github.com/kumakita/aitrios-monitor/internal/gateway/gatewaytest"
	"github.com/kumakita/aitrios-monitor/internal/params"
	"github.com/kumakita/aitrios-monitor/pkg/types"
)

const devID = "Aid-0001"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func encodedPayload(t *testing.T, doc params.Document) json.RawMessage {
	t.Helper()
	s, err := doc.Encode()
	require.NoError(t, err)
	raw, err := json.Marshal(s)
	require.NoError(t, err)
	return raw
}

func boundList(t *testing.T) gateway.ParameterFileList {
	t.Helper()
	doc := params.Default()
	return gateway.ParameterFileList{ParameterList: []gateway.ParameterFileEntry{
		{FileName: "other.json", DeviceIDs: []string{"Aid-9999"}},
		{FileName: "camera.json", DeviceIDs: []string{devID, "Aid-0002"}, Parameter: encodedPayload(t, doc)},
	}}
}

func TestApplyRejectsInvalidDocumentWithoutGatewayCalls(t *testing.T) {
	gw := &gatewaytest.Gateway{}
	e := New(gw)

	doc := params.Document{Commands: []params.Command{{
		Name:       params.StartUploadCommand,
		Parameters: json.RawMessage(`{"Mode":0,"UploadInterval":60,"NumberOfInferencesPerMessage":1,"UploadMethod":"HTTPStorage","StorageSubDirectoryPath":"/img"}`),
	}}}

	res := e.Apply(context.Background(), devID, doc)
	assert.False(t, res.Success)
	assert.Equal(t, types.ApplyValidating, res.Phase)
	assert.True(t, strings.HasPrefix(res.Message, "invalid format:"), res.Message)
	assert.Contains(t, res.Message, "StorageName")
	gw.AssertExpectations(t)
	assert.Empty(t, gw.Calls)
}

func TestApplyRangeFailureMessage(t *testing.T) {
	gw := &gatewaytest.Gateway{}
	e := New(gw)

	doc := params.Default()
	doc.Commands[0].Parameters = json.RawMessage(strings.Replace(string(doc.Commands[0].Parameters), `"UploadInterval": 60`, `"UploadInterval": 0`, 1))

	res := e.Apply(context.Background(), devID, doc)
	assert.False(t, res.Success)
	assert.Equal(t, "invalid parameter: UploadInterval must be > 0", res.Message)
	assert.Empty(t, gw.Calls)
}

func TestApplyGuardRefusesWithoutGatewayCalls(t *testing.T) {
	gw := &gatewaytest.Gateway{}
	e := New(gw, WithGuard(func(id string) error {
		return errors.New("device is streaming")
	}))

	res := e.Apply(context.Background(), devID, params.Default())
	assert.False(t, res.Success)
	assert.Equal(t, "device is streaming", res.Message)
	assert.Empty(t, gw.Calls)
}

func TestApplyNotBound(t *testing.T) {
	gw := &gatewaytest.Gateway{}
	gw.On("ListCommandParameterFiles", mock.Anything).Return(gateway.ParameterFileList{
		ParameterList: []gateway.ParameterFileEntry{{FileName: "other.json", DeviceIDs: []string{"x"}}},
	}, nil)
	e := New(gw)

	res := e.Apply(context.Background(), devID, params.Default())
	assert.False(t, res.Success)
	assert.Equal(t, "not bound", res.Message)
	gw.AssertNotCalled(t, "UnbindCommandParameterFile", mock.Anything, mock.Anything, mock.Anything)
}

func TestApplyProtocolOrder(t *testing.T) {
	gw := &gatewaytest.Gateway{}
	var order []string
	record := func(name string) func(mock.Arguments) {
		return func(mock.Arguments) { order = append(order, name) }
	}
	gw.On("ListCommandParameterFiles", mock.Anything).Return(boundList(t), nil)
	gw.On("UnbindCommandParameterFile", mock.Anything, "camera.json", []string{devID}).
		Run(record("unbind")).Return(gatewaytest.Success(), nil).Once()
	gw.On("UpdateCommandParameterFile", mock.Anything, "camera.json", "Updated parameters for device "+devID, mock.AnythingOfType("string")).
		Run(record("update")).Return(gatewaytest.Success(), nil).Once()
	gw.On("BindCommandParameterFile", mock.Anything, "camera.json", []string{devID}).
		Run(record("bind")).Return(gatewaytest.Success(), nil).Once()

	var hooked []types.ApplyResult
	e := New(gw, WithApplyHook(func(r types.ApplyResult) { hooked = append(hooked, r) }))

	res := e.Apply(context.Background(), devID, params.Default())
	require.True(t, res.Success, res.Message)
	assert.Equal(t, types.ApplyDone, res.Phase)
	assert.Equal(t, "camera.json", res.FileName)
	assert.False(t, res.Unbound)
	assert.Equal(t, []string{"unbind", "update", "bind"}, order)
	require.Len(t, hooked, 1)
	gw.AssertExpectations(t)

	// The payload sent on update decodes back to the applied document.
	var payload string
	for _, c := range gw.Calls {
		if c.Method == "UpdateCommandParameterFile" {
			payload = c.Arguments.String(3)
		}
	}
	back, err := params.Decode(payload)
	require.NoError(t, err)
	assert.NoError(t, back.Validate())
}

func TestApplyUpdateFailureSkipsBind(t *testing.T) {
	gw := &gatewaytest.Gateway{}
	gw.On("ListCommandParameterFiles", mock.Anything).Return(boundList(t), nil)
	gw.On("UnbindCommandParameterFile", mock.Anything, mock.Anything, mock.Anything).Return(gatewaytest.Success(), nil)
	gw.On("UpdateCommandParameterFile", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(gateway.CommandResult{Result: "ERROR", Message: "file is locked"}, nil)
	e := New(gw)

	res := e.Apply(context.Background(), devID, params.Default())
	assert.False(t, res.Success)
	assert.Equal(t, types.ApplyUpdating, res.Phase)
	assert.True(t, res.Unbound)
	assert.Contains(t, res.Message, "file is locked")
	gw.AssertNotCalled(t, "BindCommandParameterFile", mock.Anything, mock.Anything, mock.Anything)
}

func TestApplyUnbindFailureIsSoft(t *testing.T) {
	gw := &gatewaytest.Gateway{}
	gw.On("ListCommandParameterFiles", mock.Anything).Return(boundList(t), nil)
	gw.On("UnbindCommandParameterFile", mock.Anything, mock.Anything, mock.Anything).
		Return(gateway.CommandResult{}, &gateway.APIError{StatusCode: 409, Body: "conflict"})
	gw.On("UpdateCommandParameterFile", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(gatewaytest.Success(), nil)
	gw.On("BindCommandParameterFile", mock.Anything, mock.Anything, mock.Anything).Return(gatewaytest.Success(), nil)
	e := New(gw)

	res := e.Apply(context.Background(), devID, params.Default())
	assert.True(t, res.Success, res.Message)
	gw.AssertExpectations(t)
}

func TestApplyRebindFailureIsManualRetry(t *testing.T) {
	gw := &gatewaytest.Gateway{}
	gw.On("ListCommandParameterFiles", mock.Anything).Return(boundList(t), nil)
	gw.On("UnbindCommandParameterFile", mock.Anything, mock.Anything, mock.Anything).Return(gatewaytest.Success(), nil)
	gw.On("UpdateCommandParameterFile", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(gatewaytest.Success(), nil)
	gw.On("BindCommandParameterFile", mock.Anything, mock.Anything, mock.Anything).
		Return(gateway.CommandResult{}, errors.New("connection reset")).Once()
	e := New(gw)

	res := e.Apply(context.Background(), devID, params.Default())
	assert.False(t, res.Success)
	assert.Equal(t, types.ApplyRebinding, res.Phase)
	assert.True(t, res.Unbound)
	assert.Contains(t, res.Message, "rebind failed: connection reset")
	gw.AssertNumberOfCalls(t, "BindCommandParameterFile", 1)
}

func TestListUsesCacheWithinTTL(t *testing.T) {
	clock := newClock()
	gw := &gatewaytest.Gateway{}
	gw.On("ListCommandParameterFiles", mock.Anything).Return(boundList(t), nil)
	e := New(gw, WithClock(clock.Now), WithTTL(300*time.Second))

	require.Len(t, e.ListParameterFiles(context.Background()), 2)
	clock.Advance(299 * time.Second)
	require.Len(t, e.ListParameterFiles(context.Background()), 2)
	gw.AssertNumberOfCalls(t, "ListCommandParameterFiles", 1)

	clock.Advance(2 * time.Second)
	e.ListParameterFiles(context.Background())
	gw.AssertNumberOfCalls(t, "ListCommandParameterFiles", 2)
}

func TestListFallsBackToStaleOrEmpty(t *testing.T) {
	clock := newClock()
	gw := &gatewaytest.Gateway{}
	gw.On("ListCommandParameterFiles", mock.Anything).Return(gateway.ParameterFileList{}, errors.New("503")).Twice()
	e := New(gw, WithClock(clock.Now))

	assert.Empty(t, e.ListParameterFiles(context.Background()))
	assert.Equal(t, params.Default(), e.GetParameters(context.Background(), devID))

	gw.On("ListCommandParameterFiles", mock.Anything).Return(boundList(t), nil).Once()
	require.Len(t, e.ListParameterFiles(context.Background()), 2, "a failed refresh is retried on the next read")

	clock.Advance(time.Hour)
	gw.On("ListCommandParameterFiles", mock.Anything).Return(gateway.ParameterFileList{}, errors.New("timeout")).Once()
	stale := e.ListParameterFiles(context.Background())
	require.Len(t, stale, 2)
	assert.Equal(t, "camera.json", stale[1].FileName)
}

func TestFindBindingAndGetParameters(t *testing.T) {
	list := boundList(t)
	list.ParameterList[1].Parameter = json.RawMessage(`"not base64!"`)
	gw := &gatewaytest.Gateway{}
	gw.On("ListCommandParameterFiles", mock.Anything).Return(list, nil)
	e := New(gw)

	name, f, ok := e.FindBinding(context.Background(), "Aid-0002")
	require.True(t, ok)
	assert.Equal(t, "camera.json", name)
	assert.Nil(t, f.Payload, "undecodable payload is treated as absent")

	_, _, ok = e.FindBinding(context.Background(), "nobody")
	assert.False(t, ok)

	assert.Equal(t, params.Default(), e.GetParameters(context.Background(), devID))
}

func TestGetParametersReturnsBoundPayload(t *testing.T) {
	custom := params.Default()
	custom.Commands = append(custom.Commands, params.Command{Name: "Vendor", Parameters: json.RawMessage(`{"k":1}`)})
	list := boundList(t)
	list.ParameterList[1].Parameter = encodedPayload(t, custom)

	gw := &gatewaytest.Gateway{}
	gw.On("ListCommandParameterFiles", mock.Anything).Return(list, nil)
	e := New(gw)

	doc := e.GetParameters(context.Background(), devID)
	require.Len(t, doc.Commands, 2)
	assert.Equal(t, "Vendor", doc.Commands[1].Name)
}

func TestConcurrentRefreshesCollapse(t *testing.T) {
	release := make(chan struct{})
	gw := &gatewaytest.Gateway{}
	gw.On("ListCommandParameterFiles", mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return(boundList(t), nil)
	e := New(gw)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Len(t, e.ListParameterFiles(context.Background()), 2)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	gw.AssertNumberOfCalls(t, "ListCommandParameterFiles", 1)
}

// cancellableGateway fails calls whose context is done, like the HTTP client.
type cancellableGateway struct {
	*gatewaytest.Gateway
}

func (g cancellableGateway) ListCommandParameterFiles(ctx context.Context) (gateway.ParameterFileList, error) {
	if err := ctx.Err(); err != nil {
		return gateway.ParameterFileList{}, err
	}
	return g.Gateway.ListCommandParameterFiles(ctx)
}

func (g cancellableGateway) UpdateCommandParameterFile(ctx context.Context, fileName, comment, payload string) (gateway.CommandResult, error) {
	if err := ctx.Err(); err != nil {
		return gateway.CommandResult{}, err
	}
	return g.Gateway.UpdateCommandParameterFile(ctx, fileName, comment, payload)
}

func (g cancellableGateway) BindCommandParameterFile(ctx context.Context, fileName string, deviceIDs []string) (gateway.CommandResult, error) {
	if err := ctx.Err(); err != nil {
		return gateway.CommandResult{}, err
	}
	return g.Gateway.BindCommandParameterFile(ctx, fileName, deviceIDs)
}

func TestApplyCompletesAfterCallerCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mk := &gatewaytest.Gateway{}
	mk.On("ListCommandParameterFiles", mock.Anything).Return(boundList(t), nil)
	mk.On("UnbindCommandParameterFile", mock.Anything, "camera.json", []string{devID}).
		Run(func(mock.Arguments) { cancel() }).
		Return(gatewaytest.Success(), nil).Once()
	mk.On("UpdateCommandParameterFile", mock.Anything, "camera.json", mock.Anything, mock.Anything).
		Return(gatewaytest.Success(), nil).Once()
	mk.On("BindCommandParameterFile", mock.Anything, "camera.json", []string{devID}).
		Return(gatewaytest.Success(), nil).Once()
	e := New(cancellableGateway{mk})

	res := e.Apply(ctx, devID, params.Default())
	require.True(t, res.Success, res.Message)
	assert.Equal(t, types.ApplyDone, res.Phase)
	assert.False(t, res.Unbound)
	assert.Error(t, ctx.Err())
	mk.AssertExpectations(t)
}

func TestCancelledCallerDoesNotSpoilSharedRefresh(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	mk := &gatewaytest.Gateway{}
	mk.On("ListCommandParameterFiles", mock.Anything).
		Run(func(mock.Arguments) {
			close(entered)
			<-release
		}).
		Return(boundList(t), nil).Once()
	e := New(cancellableGateway{mk})

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	var wg sync.WaitGroup
	var first, second []ParameterFile
	wg.Add(1)
	go func() {
		defer wg.Done()
		first = e.ListParameterFiles(cancelled)
	}()
	<-entered

	wg.Add(1)
	go func() {
		defer wg.Done()
		second = e.ListParameterFiles(context.Background())
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Len(t, first, 2)
	assert.Len(t, second, 2)
	mk.AssertNumberOfCalls(t, "ListCommandParameterFiles", 1)

	_, _, ok := e.FindBinding(context.Background(), devID)
	assert.True(t, ok)
}
