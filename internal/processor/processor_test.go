package processor

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kumakita/aitrios-monitor/internal/events"
	"github.com/kumakita/aitrios-monitor/internal/gateway"
	"github.com/kumakita/aitrios-monitor/internal/gateway/gatewaytest"
	"github.com/kumakita/aitrios-monitor/pkg/types"
)

const devID = "Aid-0001"

func pngBase64(t *testing.T, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

type recordingSink struct {
	mu      sync.Mutex
	batches [][]string
}

func (s *recordingSink) Store(ctx context.Context, deviceID string, results []gateway.InferenceResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.ID)
	}
	s.batches = append(s.batches, ids)
	return nil
}

func result(id string, inferences int) gateway.InferenceResult {
	r := gateway.InferenceResult{ID: id, DeviceID: devID}
	for i := 0; i < inferences; i++ {
		r.Result.Inferences = append(r.Result.Inferences, gateway.Inference{T: "20240101120000000", O: "AAAA"})
	}
	return r
}

func TestDescribeImage(t *testing.T) {
	info, err := DescribeImage(pngBase64(t, 32, 24))
	require.NoError(t, err)
	assert.Equal(t, ImageInfo{Format: "png", Width: 32, Height: 24}, info)

	_, err = DescribeImage("not base64!")
	assert.Error(t, err)

	_, err = DescribeImage(base64.StdEncoding.EncodeToString([]byte("plain text")))
	assert.Error(t, err)
}

func TestNewestDirectory(t *testing.T) {
	groups := []gateway.ImageDirectoryGroup{
		{Devices: []gateway.ImageDirectory{
			{DeviceID: "other", Images: []string{"20991231000000"}},
			{DeviceID: devID, Images: []string{"20240101100000", "20240102090000"}},
		}},
		{Devices: []gateway.ImageDirectory{
			{DeviceID: devID, Images: []string{"20240101235959"}},
		}},
	}
	assert.Equal(t, "20240102090000", NewestDirectory(groups, devID))
	assert.Equal(t, "", NewestDirectory(nil, devID))
}

func TestCollectBuildsFrame(t *testing.T) {
	gw := &gatewaytest.Gateway{}
	gw.On("GetInferenceResults", mock.Anything, devID, 3).
		Return([]gateway.InferenceResult{result("r1", 2), result("r2", 1)}, nil)
	gw.On("GetImageDirectories", mock.Anything, devID).
		Return([]gateway.ImageDirectoryGroup{{Devices: []gateway.ImageDirectory{
			{DeviceID: devID, Images: []string{"20240101100000", "20240101110000"}},
		}}}, nil)
	gw.On("GetLatestImage", mock.Anything, devID, "20240101110000").
		Return(gateway.ImageList{TotalImageCount: 1, Images: []gateway.Image{
			{Name: "20240101110005.png", Contents: pngBase64(t, 8, 6)},
		}}, nil)

	sink := &recordingSink{}
	p := New(Config{DeviceID: devID, Results: 3, Images: true}, gw, nil, sink, nil)

	frame, seen := p.collect(context.Background(), nil)
	assert.Empty(t, frame.Error)
	assert.Equal(t, 3, frame.Inferences)
	assert.Equal(t, "20240101110000", frame.Directory)
	assert.Equal(t, "20240101110005.png", frame.ImageName)
	assert.Equal(t, "png", frame.Format)
	assert.Equal(t, 8, frame.Width)
	assert.Equal(t, 6, frame.Height)
	assert.NotEmpty(t, frame.ImageBase64)
	assert.Len(t, seen, 2)

	// A second round with the same results archives nothing new.
	_, _ = p.collect(context.Background(), seen)
	assert.Equal(t, [][]string{{"r1", "r2"}}, sink.batches)
	gw.AssertExpectations(t)
}

func TestCollectReportsErrorsWithoutAborting(t *testing.T) {
	gw := &gatewaytest.Gateway{}
	gw.On("GetInferenceResults", mock.Anything, devID, 5).Return(nil, errors.New("503"))
	gw.On("GetImageDirectories", mock.Anything, devID).Return([]gateway.ImageDirectoryGroup{}, nil)

	p := New(Config{DeviceID: devID, Results: 5, Images: true}, gw, nil, nil, nil)
	frame, _ := p.collect(context.Background(), nil)

	assert.Contains(t, frame.Error, "inference results: 503")
	assert.Contains(t, frame.Error, "no image directories")
	assert.Equal(t, devID, frame.DeviceID)
	gw.AssertExpectations(t)
}

func TestStartStopPublishesFrames(t *testing.T) {
	gw := &gatewaytest.Gateway{}
	gw.On("GetInferenceResults", mock.Anything, devID, 1).
		Return([]gateway.InferenceResult{result("r1", 1)}, nil)

	bus := events.New()
	frames := make(chan types.Frame, 16)
	require.NoError(t, bus.Subscribe(events.TopicFrame, func(f types.Frame) {
		select {
		case frames <- f:
		default:
		}
	}))

	p := New(Config{DeviceID: devID, Interval: 10 * time.Millisecond, Results: 1}, gw, bus, nil, nil)
	assert.False(t, p.Running())
	assert.False(t, p.Stop(), "stop before start is a no-op")

	require.True(t, p.Start(context.Background()))
	assert.False(t, p.Start(context.Background()), "second start is a no-op")
	assert.True(t, p.Running())

	select {
	case f := <-frames:
		assert.Equal(t, 1, f.Inferences)
	case <-time.After(time.Second):
		t.Fatal("no frame published")
	}

	require.True(t, p.Stop())
	assert.False(t, p.Running())
	assert.False(t, p.Stop())

	latest, ok := p.Latest()
	require.True(t, ok)
	assert.Equal(t, devID, latest.DeviceID)
	assert.GreaterOrEqual(t, p.GetStatus().Cycles, uint64(1))
}

func TestParentCancelStopsLoop(t *testing.T) {
	gw := &gatewaytest.Gateway{}
	gw.On("GetInferenceResults", mock.Anything, devID, 1).Return([]gateway.InferenceResult{}, nil)

	p := New(Config{DeviceID: devID, Interval: 5 * time.Millisecond, Results: 1}, gw, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.True(t, p.Start(ctx))

	p.mu.RLock()
	done := p.done
	p.mu.RUnlock()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop kept running after cancel")
	}
	assert.True(t, p.Stop(), "stop still clears the running flag")
}
