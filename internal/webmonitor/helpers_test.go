package webmonitor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kumakita/aitrios-monitor/internal/binding"
	"github.com/kumakita/aitrios-monitor/internal/events"
	"github.com/kumakita/aitrios-monitor/internal/params"
	"github.com/kumakita/aitrios-monitor/internal/processor"
	"github.com/kumakita/aitrios-monitor/internal/reconciler"
	"github.com/kumakita/aitrios-monitor/pkg/types"
)

const (
	testDeviceID          = "Aid-0001"
	defaultRequestTimeout = 2 * time.Second
)

type fakeController struct {
	mu         sync.Mutex
	snap       reconciler.Snapshot
	polls      int
	outcome    types.CommandOutcome
	requested  []types.CommandKind
	processing bool
	err        error
}

func (c *fakeController) Snapshot() reconciler.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

func (c *fakeController) PollNow(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.polls++
	return c.err
}

func (c *fakeController) request(kind types.CommandKind) types.CommandOutcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requested = append(c.requested, kind)
	out := c.outcome
	out.Kind = kind
	return out
}

func (c *fakeController) RequestStart(ctx context.Context) types.CommandOutcome {
	return c.request(types.StartInference)
}

func (c *fakeController) RequestStop(ctx context.Context) types.CommandOutcome {
	return c.request(types.StopInference)
}

func (c *fakeController) SetProcessing(ctx context.Context, run bool) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false, c.err
	}
	c.processing = run
	return run, nil
}

type fakeParameters struct {
	mu      sync.Mutex
	files   []binding.ParameterFile
	doc     params.Document
	result  types.ApplyResult
	applied []params.Document
}

func (p *fakeParameters) ListParameterFiles(ctx context.Context) []binding.ParameterFile {
	return p.files
}

func (p *fakeParameters) FindBinding(ctx context.Context, deviceID string) (string, binding.ParameterFile, bool) {
	for _, f := range p.files {
		if f.BoundTo(deviceID) {
			return f.FileName, f, true
		}
	}
	return "", binding.ParameterFile{}, false
}

func (p *fakeParameters) GetParameters(ctx context.Context, deviceID string) params.Document {
	return p.doc
}

func (p *fakeParameters) Apply(ctx context.Context, deviceID string, doc params.Document) types.ApplyResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applied = append(p.applied, doc)
	return p.result
}

type fakeFrames struct {
	frame *types.Frame
}

func (f *fakeFrames) Latest() (types.Frame, bool) {
	if f.frame == nil {
		return types.Frame{}, false
	}
	return *f.frame, true
}

func (f *fakeFrames) GetStatus() processor.Status {
	return processor.Status{Running: f.frame != nil, Cycles: 3}
}

type testEnv struct {
	server     *httptest.Server
	controller *fakeController
	parameters *fakeParameters
	frames     *fakeFrames
	bus        *events.Bus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		controller: &fakeController{snap: reconciler.Snapshot{
			State: types.DeviceState{
				DeviceID:   testDeviceID,
				Connection: types.Connected,
				Operation:  types.Idle,
			},
			CanStart: true,
		}},
		parameters: &fakeParameters{doc: params.Default()},
		frames:     &fakeFrames{},
		bus:        events.New(),
	}

	cfg := DefaultConfig()
	cfg.DeviceID = testDeviceID
	cfg.AssetsDir = t.TempDir()
	srv, err := NewServer(cfg, env.controller, env.parameters, env.frames, env.bus)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	env.server = httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		env.server.Close()
	})
	return env
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	return e.do(t, http.MethodGet, path, nil)
}

func (e *testEnv) post(t *testing.T, path string, body []byte) (*http.Response, []byte) {
	t.Helper()
	return e.do(t, http.MethodPost, path, body)
}

func (e *testEnv) postJSON(t *testing.T, path string, payload any) (*http.Response, []byte) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return e.post(t, path, data)
}

func (e *testEnv) do(t *testing.T, method, path string, body []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	client := &http.Client{Timeout: defaultRequestTimeout}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	_ = resp.Body.Close()
	return resp, data
}

// sseStream reads events from an open SSE response.
type sseStream struct {
	resp   *http.Response
	reader *bufio.Reader
	cancel context.CancelFunc
}

type sseEvent struct {
	name string
	data string
}

func openSSE(t *testing.T, url, accept string) *sseStream {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		t.Fatalf("build request: %v", err)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		t.Fatalf("request failed: %v", err)
	}
	s := &sseStream{resp: resp, reader: bufio.NewReader(resp.Body), cancel: cancel}
	t.Cleanup(s.close)
	return s
}

func (s *sseStream) close() {
	s.cancel()
	_ = s.resp.Body.Close()
}

// next returns the next event, skipping keepalive comments.
func (s *sseStream) next(timeout time.Duration) (sseEvent, error) {
	type result struct {
		ev  sseEvent
		err error
	}
	ch := make(chan result, 1)
	go func() {
		var ev sseEvent
		for {
			line, err := s.reader.ReadString('\n')
			if err != nil {
				ch <- result{err: fmt.Errorf("read sse: %w", err)}
				return
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case line == "":
				if ev.data != "" {
					ch <- result{ev: ev}
					return
				}
			case strings.HasPrefix(line, "event:"):
				ev.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				ev.data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			}
		}
	}()
	select {
	case r := <-ch:
		return r.ev, r.err
	case <-time.After(timeout):
		return sseEvent{}, fmt.Errorf("timeout waiting for sse event")
	}
}

func decodeJSONMap(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode json: %v\nbody=%s", err, string(body))
	}
	return payload
}

func requireString(t *testing.T, value any, field string) string {
	t.Helper()
	str, ok := value.(string)
	if !ok {
		t.Fatalf("expected %s to be string, got %T", field, value)
	}
	return str
}

func requireBool(t *testing.T, value any, field string) bool {
	t.Helper()
	b, ok := value.(bool)
	if !ok {
		t.Fatalf("expected %s to be bool, got %T", field, value)
	}
	return b
}

func requireMap(t *testing.T, value any, field string) map[string]any {
	t.Helper()
	m, ok := value.(map[string]any)
	if !ok {
		t.Fatalf("expected %s to be object, got %T", field, value)
	}
	return m
}

func requireSlice(t *testing.T, value any, field string) []any {
	t.Helper()
	s, ok := value.([]any)
	if !ok {
		t.Fatalf("expected %s to be array, got %T", field, value)
	}
	return s
}

func assertStatusPayload(t *testing.T, payload map[string]any) {
	t.Helper()
	state := requireMap(t, payload["state"], "state")
	requireString(t, state["device_id"], "state.device_id")
	requireString(t, state["connection"], "state.connection")
	requireString(t, state["operation"], "state.operation")
	requireBool(t, payload["can_start"], "can_start")
	requireBool(t, payload["can_stop"], "can_stop")
	requireBool(t, payload["processing"], "processing")
	if _, ok := payload["timestamp"].(float64); !ok {
		t.Fatalf("expected timestamp to be number, got %T", payload["timestamp"])
	}
}
