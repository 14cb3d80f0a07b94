// Package processor runs the local live-data loop: while the device
// streams, it periodically pulls the newest inference results and the
// latest captured image and publishes a frame summary.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kumakita/aitrios-monitor/internal/events"
	"github.com/kumakita/aitrios-monitor/internal/gateway"
	"github.com/kumakita/aitrios-monitor/internal/logger"
	"github.com/kumakita/aitrios-monitor/internal/metrics"
	"github.com/kumakita/aitrios-monitor/pkg/types"
)

// stopTimeout bounds how long Stop waits for the loop to exit.
const stopTimeout = time.Second

// ResultSink archives inference results.
type ResultSink interface {
	Store(ctx context.Context, deviceID string, results []gateway.InferenceResult) error
}

// Config controls what each cycle fetches.
type Config struct {
	DeviceID string
	Interval time.Duration
	Results  int
	Images   bool
}

// Processor fetches data for one device on a fixed interval.
type Processor struct {
	cfg     Config
	gw      gateway.Gateway
	bus     *events.Bus
	sink    ResultSink
	metrics *metrics.Metrics

	mu        sync.RWMutex
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	startTime time.Time
	cycles    uint64
	latest    *types.Frame
}

// New creates a stopped processor. bus, sink and m may be nil.
func New(cfg Config, gw gateway.Gateway, bus *events.Bus, sink ResultSink, m *metrics.Metrics) *Processor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	return &Processor{
		cfg:     cfg,
		gw:      gw,
		bus:     bus,
		sink:    sink,
		metrics: m,
	}
}

// Start launches the loop. It reports false if the loop was already running.
func (p *Processor) Start(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return false
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.running = true
	p.cancel = cancel
	p.done = make(chan struct{})
	p.startTime = time.Now()

	go p.loop(loopCtx, p.done)

	logger.Info("Processor", "Started for %s (every %v)", p.cfg.DeviceID, p.cfg.Interval)
	return true
}

// Stop cancels the loop and waits briefly for it to exit. It reports
// false if the loop was not running.
func (p *Processor) Stop() bool {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return false
	}
	p.running = false
	p.cancel()
	done := p.done
	p.mu.Unlock()

	select {
	case <-done:
		logger.Info("Processor", "Stopped")
	case <-time.After(stopTimeout):
		logger.Warn("Processor", "Loop did not exit within %v", stopTimeout)
	}
	return true
}

// Running reports whether the loop is active.
func (p *Processor) Running() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Latest returns the most recent frame.
func (p *Processor) Latest() (types.Frame, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.latest == nil {
		return types.Frame{}, false
	}
	return *p.latest, true
}

// Status summarises the loop for the status endpoint.
type Status struct {
	Running   bool          `json:"running"`
	Cycles    uint64        `json:"cycles"`
	StartTime time.Time     `json:"start_time"`
	Uptime    time.Duration `json:"uptime_ns"`
}

// GetStatus returns the current loop status.
func (p *Processor) GetStatus() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var uptime time.Duration
	if p.running {
		uptime = time.Since(p.startTime)
	}
	return Status{
		Running:   p.running,
		Cycles:    p.cycles,
		StartTime: p.startTime,
		Uptime:    uptime,
	}
}

func (p *Processor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	var seen map[string]struct{}
	for {
		seen = p.cycle(ctx, seen)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// cycle runs one fetch round and publishes its frame. seen holds the
// result IDs archived by the previous round.
func (p *Processor) cycle(ctx context.Context, seen map[string]struct{}) map[string]struct{} {
	frame, seen := p.collect(ctx, seen)
	if ctx.Err() != nil {
		return seen
	}

	p.mu.Lock()
	p.cycles++
	p.latest = &frame
	p.mu.Unlock()

	p.metrics.Frame(frame.Error != "")
	p.bus.PublishFrame(frame)
	return seen
}

func (p *Processor) collect(ctx context.Context, seen map[string]struct{}) (types.Frame, map[string]struct{}) {
	frame := types.Frame{DeviceID: p.cfg.DeviceID, FetchedAt: time.Now()}
	var errs []error

	if p.cfg.Results > 0 {
		results, err := p.gw.GetInferenceResults(ctx, p.cfg.DeviceID, p.cfg.Results)
		if err != nil {
			errs = append(errs, fmt.Errorf("inference results: %w", err))
		} else {
			for _, r := range results {
				frame.Inferences += len(r.Result.Inferences)
			}
			seen = p.archive(ctx, results, seen)
		}
	}

	if p.cfg.Images {
		if err := p.fetchImage(ctx, &frame); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		frame.Error = err.Error()
		logger.Debug("Processor", "Cycle for %s: %v", p.cfg.DeviceID, err)
	}
	return frame, seen
}

// archive forwards results not handed over in the previous cycle.
func (p *Processor) archive(ctx context.Context, results []gateway.InferenceResult, seen map[string]struct{}) map[string]struct{} {
	current := make(map[string]struct{}, len(results))
	var fresh []gateway.InferenceResult
	for _, r := range results {
		current[r.ID] = struct{}{}
		if _, ok := seen[r.ID]; !ok {
			fresh = append(fresh, r)
		}
	}

	if p.sink == nil || len(fresh) == 0 {
		return current
	}
	if err := p.sink.Store(ctx, p.cfg.DeviceID, fresh); err != nil {
		logger.Warn("Processor", "Failed to archive %d results: %v", len(fresh), err)
	}
	return current
}

func (p *Processor) fetchImage(ctx context.Context, frame *types.Frame) error {
	groups, err := p.gw.GetImageDirectories(ctx, p.cfg.DeviceID)
	if err != nil {
		return fmt.Errorf("image directories: %w", err)
	}
	dir := NewestDirectory(groups, p.cfg.DeviceID)
	if dir == "" {
		return errors.New("no image directories")
	}
	frame.Directory = dir

	list, err := p.gw.GetLatestImage(ctx, p.cfg.DeviceID, dir)
	if err != nil {
		return fmt.Errorf("latest image: %w", err)
	}
	if len(list.Images) == 0 {
		return fmt.Errorf("no images in %s", dir)
	}

	img := list.Images[0]
	frame.ImageName = img.Name
	frame.ImageBase64 = img.Contents
	info, err := DescribeImage(img.Contents)
	if err != nil {
		return fmt.Errorf("%s: %w", img.Name, err)
	}
	frame.Format = info.Format
	frame.Width = info.Width
	frame.Height = info.Height
	return nil
}

// NewestDirectory returns the latest capture directory of deviceID.
// Directory names are timestamps, so the lexical maximum is the newest.
func NewestDirectory(groups []gateway.ImageDirectoryGroup, deviceID string) string {
	var newest string
	for _, g := range groups {
		for _, d := range g.Devices {
			if d.DeviceID != deviceID {
				continue
			}
			for _, name := range d.Images {
				if name > newest {
					newest = name
				}
			}
		}
	}
	return newest
}
