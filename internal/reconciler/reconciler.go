// Package reconciler tracks the device's observed state and drives
// start/stop inference commands to completion against it.
//
// A single goroutine (Run) owns the device state and the in-flight
// commands. Everything that mutates them runs as a closure on the ops
// channel: requests from callers, gateway completions from worker
// goroutines and timer expiries. Readers use Snapshot.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kumakita/aitrios-monitor/internal/events"
	"github.com/kumakita/aitrios-monitor/internal/gateway"
	"github.com/kumakita/aitrios-monitor/internal/logger"
	"github.com/kumakita/aitrios-monitor/internal/metrics"
	"github.com/kumakita/aitrios-monitor/pkg/types"
)

// ErrStopped is returned when the reconciler loop is not running.
var ErrStopped = errors.New("reconciler stopped")

// Processor is the local processing loop started once inference is
// confirmed and stopped once it is confirmed stopped. Start and Stop
// report whether the running state changed.
type Processor interface {
	Start(ctx context.Context) bool
	Stop() bool
	Running() bool
}

// Config holds the timing of the reconciler.
type Config struct {
	DeviceID       string
	PollInterval   time.Duration
	FollowUpDelay  time.Duration
	CommandTimeout time.Duration
}

// DefaultConfig returns the standard timings.
func DefaultConfig(deviceID string) Config {
	return Config{
		DeviceID:       deviceID,
		PollInterval:   2 * time.Second,
		FollowUpDelay:  1 * time.Second,
		CommandTimeout: 10 * time.Second,
	}
}

type inflight struct {
	status types.CommandStatus
	timer  *time.Timer
}

// Reconciler owns the device state and in-flight commands.
type Reconciler struct {
	cfg     Config
	gw      gateway.Gateway
	proc    Processor
	bus     *events.Bus
	metrics *metrics.Metrics
	newID   func() string

	ops  chan func()
	done chan struct{}

	// Owned by the Run goroutine.
	ctx         context.Context
	state       types.DeviceState
	pending     map[types.CommandKind]*inflight
	last        map[types.CommandKind]types.CommandStatus
	polling     bool
	pollPending bool
	pollTimer   *time.Timer
	lastPollErr string

	snapMu sync.RWMutex
	snap   Snapshot
}

// New creates a reconciler. proc, bus and m may be nil.
func New(cfg Config, gw gateway.Gateway, proc Processor, bus *events.Bus, m *metrics.Metrics) *Reconciler {
	def := DefaultConfig(cfg.DeviceID)
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.FollowUpDelay <= 0 {
		cfg.FollowUpDelay = def.FollowUpDelay
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = def.CommandTimeout
	}

	initial := types.UnknownState(cfg.DeviceID, time.Time{})
	return &Reconciler{
		cfg:     cfg,
		gw:      gw,
		proc:    proc,
		bus:     bus,
		metrics: m,
		newID:   uuid.NewString,
		ops:     make(chan func(), 64),
		done:    make(chan struct{}),
		state:   initial,
		pending: make(map[types.CommandKind]*inflight),
		last:    make(map[types.CommandKind]types.CommandStatus),
		snap:    Snapshot{State: initial},
	}
}

// Run polls the device and processes requests until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	defer close(r.done)

	r.ctx = ctx
	logger.Info("Reconciler", "Monitoring device %s (poll every %v)", r.cfg.DeviceID, r.cfg.PollInterval)
	r.requestPoll()

	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return nil
		case op := <-r.ops:
			op()
		}
	}
}

func (r *Reconciler) shutdown() {
	if r.pollTimer != nil {
		r.pollTimer.Stop()
	}
	for _, inf := range r.pending {
		inf.timer.Stop()
	}
	r.ensureProcessing(false)
	logger.Info("Reconciler", "Stopped")
}

// post queues fn on the loop. It returns false once the loop has exited.
func (r *Reconciler) post(fn func()) bool {
	select {
	case r.ops <- fn:
		return true
	case <-r.done:
		return false
	}
}

// call runs fn on the loop and waits for it.
func (r *Reconciler) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	queued := func() {
		fn()
		close(finished)
	}
	select {
	case r.ops <- queued:
	case <-r.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-r.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns a copy of the latest published view.
func (r *Reconciler) Snapshot() Snapshot {
	r.snapMu.RLock()
	defer r.snapMu.RUnlock()
	s := r.snap
	if s.Start != nil {
		c := *s.Start
		s.Start = &c
	}
	if s.Stop != nil {
		c := *s.Stop
		s.Stop = &c
	}
	return s
}

// PollNow requests an out-of-band poll.
func (r *Reconciler) PollNow(ctx context.Context) error {
	return r.call(ctx, r.requestPoll)
}

// RequestStart asks the device to start inference.
func (r *Reconciler) RequestStart(ctx context.Context) types.CommandOutcome {
	return r.request(ctx, types.StartInference)
}

// RequestStop asks the device to stop inference.
func (r *Reconciler) RequestStop(ctx context.Context) types.CommandOutcome {
	return r.request(ctx, types.StopInference)
}

func (r *Reconciler) request(ctx context.Context, kind types.CommandKind) types.CommandOutcome {
	var out types.CommandOutcome
	if err := r.call(ctx, func() { out = r.issue(kind) }); err != nil {
		return types.CommandOutcome{Kind: kind, Message: err.Error()}
	}
	return out
}

// SetProcessing starts or stops the processing loop manually.
func (r *Reconciler) SetProcessing(ctx context.Context, run bool) (bool, error) {
	var running bool
	err := r.call(ctx, func() {
		r.ensureProcessing(run)
		r.publishSnapshot()
		running = r.proc != nil && r.proc.Running()
	})
	return running, err
}

func (r *Reconciler) issue(kind types.CommandKind) types.CommandOutcome {
	out := types.CommandOutcome{Kind: kind}

	if inf, ok := r.pending[kind]; ok {
		out.ID = inf.status.ID
		out.Message = fmt.Sprintf("%s already in progress", kind)
		r.metrics.Command(string(kind), "skipped")
		return out
	}

	s := r.state
	allowed := s.CanStart()
	if kind == types.StopInference {
		allowed = s.CanStop()
	}
	if !allowed {
		out.Message = fmt.Sprintf("cannot %s: device is %s / %s", verb(kind), s.Connection, s.Operation)
		r.metrics.Command(string(kind), "skipped")
		r.bus.Status(types.StatusWarn, "%s", out.Message)
		return out
	}

	now := time.Now()
	id := r.newID()
	inf := &inflight{status: types.CommandStatus{
		ID:       id,
		Kind:     kind,
		Phase:    types.PhasePending,
		IssuedAt: now,
		Deadline: now.Add(r.cfg.CommandTimeout),
	}}
	inf.timer = time.AfterFunc(r.cfg.CommandTimeout, func() {
		r.post(func() { r.onTimeout(kind, id) })
	})
	r.pending[kind] = inf
	r.last[kind] = inf.status

	r.metrics.Command(string(kind), "requested")
	r.bus.PublishCommand(inf.status)
	r.bus.Status(types.StatusInfo, "%s requested (%s)", kind, id)
	r.publishSnapshot()

	ctx := context.WithoutCancel(r.ctx)
	go func() {
		var res gateway.CommandResult
		var err error
		if kind == types.StartInference {
			res, err = r.gw.StartInferenceCollection(ctx, r.cfg.DeviceID)
		} else {
			res, err = r.gw.StopInferenceCollection(ctx, r.cfg.DeviceID)
		}
		r.post(func() { r.onCommandResult(kind, id, res, err) })
	}()

	time.AfterFunc(r.cfg.FollowUpDelay, func() {
		r.post(r.requestPoll)
	})

	out.Accepted = true
	out.ID = id
	out.Message = fmt.Sprintf("%s requested", kind)
	return out
}

func (r *Reconciler) onCommandResult(kind types.CommandKind, id string, res gateway.CommandResult, err error) {
	inf, ok := r.pending[kind]
	if !ok || inf.status.ID != id {
		logger.Debug("Reconciler", "Dropping late %s result for %s", kind, id)
		return
	}

	switch {
	case err != nil:
		r.finish(inf, types.PhaseFailed, err.Error())
	case !res.OK():
		msg := res.Message
		if msg == "" {
			msg = res.Result
		}
		r.finish(inf, types.PhaseFailed, msg)
	default:
		logger.Info("Reconciler", "%s accepted by console (%s)", kind, id)
		return
	}
	r.requestPoll()
}

func (r *Reconciler) onTimeout(kind types.CommandKind, id string) {
	inf, ok := r.pending[kind]
	if !ok || inf.status.ID != id {
		return
	}
	r.finish(inf, types.PhaseTimedOut, fmt.Sprintf("no state change within %v", r.cfg.CommandTimeout))
	r.requestPoll()
}

// finish moves a pending command to a terminal phase.
func (r *Reconciler) finish(inf *inflight, phase types.CommandPhase, msg string) {
	inf.timer.Stop()
	inf.status.Phase = phase
	inf.status.Message = msg
	kind := inf.status.Kind
	delete(r.pending, kind)
	r.last[kind] = inf.status

	r.metrics.Command(string(kind), outcomeLabel(phase))
	r.bus.PublishCommand(inf.status)
	switch phase {
	case types.PhaseConfirmed:
		r.bus.Status(types.StatusInfo, "%s confirmed", kind)
	case types.PhaseTimedOut:
		r.bus.Status(types.StatusWarn, "%s timed out: %s", kind, msg)
	default:
		r.bus.Status(types.StatusError, "%s failed: %s", kind, msg)
	}
	r.publishSnapshot()
}

// requestPoll starts a poll, or marks one pending if a poll is in flight.
func (r *Reconciler) requestPoll() {
	if r.polling {
		r.pollPending = true
		return
	}
	r.startPoll()
}

func (r *Reconciler) startPoll() {
	r.polling = true
	r.pollPending = false
	if r.pollTimer != nil {
		r.pollTimer.Stop()
	}

	ctx := context.WithoutCancel(r.ctx)
	go func() {
		start := time.Now()
		state, err := FetchState(ctx, r.gw, r.cfg.DeviceID, start)
		elapsed := time.Since(start)
		r.post(func() { r.onPollResult(state, err, elapsed) })
	}()
}

func (r *Reconciler) onPollResult(state types.DeviceState, err error, elapsed time.Duration) {
	r.polling = false
	r.metrics.ObservePoll(elapsed, err != nil)

	if err != nil {
		if msg := err.Error(); msg != r.lastPollErr {
			r.bus.Status(types.StatusWarn, "Failed to get device state: %s", msg)
			r.lastPollErr = msg
		}
	} else if r.lastPollErr != "" {
		r.bus.Status(types.StatusInfo, "Device state available again")
		r.lastPollErr = ""
	}

	prev := r.state
	r.state = state
	if prev.Connection != state.Connection || prev.Operation != state.Operation {
		logger.Info("Reconciler", "Device %s: %s/%s -> %s/%s", state.DeviceID,
			prev.Connection, prev.Operation, state.Connection, state.Operation)
	}
	r.metrics.SetDeviceState(state.IsConnected(), state.IsStreaming())
	r.bus.PublishState(state)

	r.reconcile()
	r.publishSnapshot()

	if r.pollPending {
		r.startPoll()
		return
	}
	r.pollTimer = time.AfterFunc(r.cfg.PollInterval, func() {
		r.post(r.requestPoll)
	})
}

// reconcile clears pending commands the observed state confirms.
func (r *Reconciler) reconcile() {
	if inf, ok := r.pending[types.StartInference]; ok &&
		r.state.IsConnected() && r.state.Operation.Streaming() {
		r.finish(inf, types.PhaseConfirmed, fmt.Sprintf("device is %s", r.state.Operation))
		r.ensureProcessing(true)
	}
	if inf, ok := r.pending[types.StopInference]; ok && r.state.Operation == types.Idle {
		r.finish(inf, types.PhaseConfirmed, "device is Idle")
		r.ensureProcessing(false)
	}
}

func (r *Reconciler) ensureProcessing(run bool) {
	if r.proc == nil {
		return
	}
	var changed bool
	if run {
		changed = r.proc.Start(r.ctx)
	} else {
		changed = r.proc.Stop()
	}
	if !changed {
		return
	}
	r.metrics.SetProcessing(run)
	r.bus.PublishProcessing(types.ProcessingUpdate{Running: run, At: time.Now()})
	if run {
		r.bus.Status(types.StatusInfo, "Processing started")
	} else {
		r.bus.Status(types.StatusInfo, "Processing stopped")
	}
}

func (r *Reconciler) publishSnapshot() {
	s := Snapshot{
		State:      r.state,
		Processing: r.proc != nil && r.proc.Running(),
	}
	if st, ok := r.last[types.StartInference]; ok {
		s.Start = &st
	}
	if st, ok := r.last[types.StopInference]; ok {
		s.Stop = &st
	}
	_, startPending := r.pending[types.StartInference]
	_, stopPending := r.pending[types.StopInference]
	s.CanStart = r.state.CanStart() && !startPending
	s.CanStop = r.state.CanStop() && !stopPending

	r.snapMu.Lock()
	r.snap = s
	r.snapMu.Unlock()
}

func verb(kind types.CommandKind) string {
	if kind == types.StartInference {
		return "start inference"
	}
	return "stop inference"
}

func outcomeLabel(phase types.CommandPhase) string {
	switch phase {
	case types.PhaseConfirmed:
		return "confirmed"
	case types.PhaseTimedOut:
		return "timeout"
	default:
		return "failed"
	}
}
