// Package binding resolves which command parameter file is bound to a
// device and applies edited parameters through the console's
// unbind -> update -> rebind protocol.
package binding

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kumakita/aitrios-monitor/internal/gateway"
	"github.com/kumakita/aitrios-monitor/internal/logger"
	"github.com/kumakita/aitrios-monitor/internal/metrics"
	"github.com/kumakita/aitrios-monitor/internal/params"
	"github.com/kumakita/aitrios-monitor/pkg/types"
)

// DefaultCacheTTL is how long a parameter file listing is reused.
const DefaultCacheTTL = 300 * time.Second

// ParameterFile is a cached parameter file. Payload is nil when the
// listing carried no parameter or it could not be decoded.
type ParameterFile struct {
	FileName  string           `json:"file_name"`
	DeviceIDs []string         `json:"device_ids"`
	Payload   *params.Document `json:"parameter,omitempty"`
}

// BoundTo reports whether deviceID is among the bound devices.
func (f ParameterFile) BoundTo(deviceID string) bool {
	for _, id := range f.DeviceIDs {
		if id == deviceID {
			return true
		}
	}
	return false
}

func (f ParameterFile) clone() ParameterFile {
	out := ParameterFile{
		FileName:  f.FileName,
		DeviceIDs: append([]string(nil), f.DeviceIDs...),
	}
	if f.Payload != nil {
		doc := f.Payload.Clone()
		out.Payload = &doc
	}
	return out
}

// Guard refuses an apply for a device by returning an error.
type Guard func(deviceID string) error

// Option configures an Engine.
type Option func(*Engine)

// WithTTL overrides the cache TTL.
func WithTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.ttl = ttl
		}
	}
}

// WithGuard installs a pre-apply state guard.
func WithGuard(g Guard) Option {
	return func(e *Engine) { e.guard = g }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMetrics records cache fetches and apply outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithApplyHook is called with every finished apply result.
func WithApplyHook(fn func(types.ApplyResult)) Option {
	return func(e *Engine) { e.onApply = fn }
}

// Engine owns the parameter file cache.
type Engine struct {
	gw      gateway.Gateway
	ttl     time.Duration
	now     func() time.Time
	guard   Guard
	metrics *metrics.Metrics
	onApply func(types.ApplyResult)

	mu        sync.Mutex
	files     []ParameterFile
	fetchedAt time.Time
	loaded    bool

	refresh singleflight.Group

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New creates an Engine backed by gw.
func New(gw gateway.Gateway, opts ...Option) *Engine {
	e := &Engine{
		gw:    gw,
		ttl:   DefaultCacheTTL,
		now:   time.Now,
		locks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ListParameterFiles returns the cached listing, refreshing it when it was
// never loaded or is older than the TTL. A failed refresh returns the
// previous content (or nothing) and is retried on the next call.
func (e *Engine) ListParameterFiles(ctx context.Context) []ParameterFile {
	e.mu.Lock()
	if e.loaded && e.now().Sub(e.fetchedAt) <= e.ttl {
		files := cloneFiles(e.files)
		e.mu.Unlock()
		return files
	}
	e.mu.Unlock()

	// Joined callers share this fetch, so it must not end with the first
	// caller's context. The gateway client's own timeout still applies.
	shared := context.WithoutCancel(ctx)
	v, _, _ := e.refresh.Do("list", func() (interface{}, error) {
		return e.fetch(shared), nil
	})
	return cloneFiles(v.([]ParameterFile))
}

func (e *Engine) fetch(ctx context.Context) []ParameterFile {
	e.metrics.CacheFetch()
	list, err := e.gw.ListCommandParameterFiles(ctx)
	if err != nil {
		logger.Warn("Binding", "Failed to list parameter files, using cached copy: %v", err)
		e.mu.Lock()
		defer e.mu.Unlock()
		return cloneFiles(e.files)
	}

	files := make([]ParameterFile, 0, len(list.ParameterList))
	for _, entry := range list.ParameterList {
		f := ParameterFile{
			FileName:  entry.FileName,
			DeviceIDs: append([]string(nil), entry.DeviceIDs...),
		}
		if len(entry.Parameter) > 0 {
			doc, err := params.DecodePayload(entry.Parameter)
			if err != nil {
				logger.Error("Binding", "Error decoding parameter file %s: %v", entry.FileName, err)
			} else {
				f.Payload = &doc
			}
		}
		files = append(files, f)
	}
	logger.Debug("Binding", "Parameter files contains %d files", len(files))

	e.mu.Lock()
	defer e.mu.Unlock()
	e.files = files
	e.fetchedAt = e.now()
	e.loaded = true
	return cloneFiles(files)
}

// Invalidate forces the next read to refresh. Cached content is kept as
// the fallback for a failed refresh.
func (e *Engine) Invalidate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loaded = false
}

// FindBinding returns the file bound to deviceID. Not being bound is not
// an error.
func (e *Engine) FindBinding(ctx context.Context, deviceID string) (string, ParameterFile, bool) {
	for _, f := range e.ListParameterFiles(ctx) {
		if f.BoundTo(deviceID) {
			return f.FileName, f, true
		}
	}
	return "", ParameterFile{}, false
}

// GetParameters returns the bound document, or the default template when
// the device is unbound or its payload is unavailable.
func (e *Engine) GetParameters(ctx context.Context, deviceID string) params.Document {
	name, f, ok := e.FindBinding(ctx, deviceID)
	if !ok {
		logger.Warn("Binding", "No parameter file found for device %s, returning defaults", deviceID)
		return params.Default()
	}
	if f.Payload == nil {
		logger.Warn("Binding", "Parameter file %s has no readable payload, returning defaults", name)
		return params.Default()
	}
	logger.Info("Binding", "Found parameters for device %s in file %s", deviceID, name)
	return *f.Payload
}

func (e *Engine) deviceLock(deviceID string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	l, ok := e.locks[deviceID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[deviceID] = l
	}
	return l
}

// Apply writes doc to the file bound to deviceID. Applies for the same
// device are serialised.
func (e *Engine) Apply(ctx context.Context, deviceID string, doc params.Document) types.ApplyResult {
	lock := e.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	res := e.apply(ctx, deviceID, doc)
	res.At = e.now()

	if res.Success {
		e.metrics.Apply("success")
		logger.Info("Binding", "Applied parameters to device %s (%s)", deviceID, res.FileName)
	} else {
		e.metrics.Apply("failure")
		logger.Error("Binding", "Apply for device %s failed at %s: %s", deviceID, res.Phase, res.Message)
	}
	if e.onApply != nil {
		e.onApply(res)
	}
	return res
}

func (e *Engine) apply(ctx context.Context, deviceID string, doc params.Document) types.ApplyResult {
	res := types.ApplyResult{DeviceID: deviceID, Phase: types.ApplyValidating}
	fail := func(msg string) types.ApplyResult {
		res.Success = false
		res.Message = msg
		return res
	}

	if err := doc.Validate(); err != nil {
		return fail(err.Error())
	}
	if e.guard != nil {
		if err := e.guard(deviceID); err != nil {
			return fail(err.Error())
		}
	}

	// Resolve against a fresh listing; the cache never decides the target.
	e.Invalidate()
	fileName, _, ok := e.FindBinding(ctx, deviceID)
	if !ok {
		return fail("not bound")
	}
	res.FileName = fileName

	payload, err := doc.Encode()
	if err != nil {
		return fail(fmt.Sprintf("encode parameters: %v", err))
	}
	logger.Info("Binding", "Preparing to update command parameter file %s for device %s", fileName, deviceID)

	// Once unbind is sent the protocol runs to completion; a caller that
	// goes away must not leave the device unbound.
	ctx = context.WithoutCancel(ctx)

	res.Phase = types.ApplyUnbinding
	unbind, err := e.gw.UnbindCommandParameterFile(ctx, fileName, []string{deviceID})
	switch {
	case err != nil:
		logger.Warn("Binding", "Unbind may have failed: %v", err)
	case !unbind.OK():
		logger.Warn("Binding", "Unbind may have failed: %s %s", unbind.Result, unbind.Message)
	default:
		logger.Info("Binding", "Unbound device %s from file %s", deviceID, fileName)
	}
	res.Unbound = true

	res.Phase = types.ApplyUpdating
	comment := fmt.Sprintf("Updated parameters for device %s", deviceID)
	update, err := e.gw.UpdateCommandParameterFile(ctx, fileName, comment, payload)
	if msg, failed := commandFailure(update, err); failed {
		return fail("update failed: " + msg)
	}

	res.Phase = types.ApplyRebinding
	bind, err := e.gw.BindCommandParameterFile(ctx, fileName, []string{deviceID})
	if msg, failed := commandFailure(bind, err); failed {
		return fail(fmt.Sprintf("rebind failed: %s; device is unbound from %s, apply again to retry", msg, fileName))
	}
	res.Unbound = false

	e.Invalidate()
	res.Phase = types.ApplyDone
	res.Success = true
	res.Message = fmt.Sprintf("Applied command parameters to %s", fileName)
	return res
}

func commandFailure(res gateway.CommandResult, err error) (string, bool) {
	if err != nil {
		return err.Error(), true
	}
	if !res.OK() {
		if res.Message != "" {
			return res.Message, true
		}
		return res.Result, true
	}
	return "", false
}

func cloneFiles(files []ParameterFile) []ParameterFile {
	out := make([]ParameterFile, len(files))
	for i, f := range files {
		out[i] = f.clone()
	}
	return out
}
