package webmonitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/kumakita/aitrios-monitor/internal/binding"
	"github.com/kumakita/aitrios-monitor/internal/events"
	"github.com/kumakita/aitrios-monitor/internal/logger"
	"github.com/kumakita/aitrios-monitor/internal/params"
	"github.com/kumakita/aitrios-monitor/internal/processor"
	"github.com/kumakita/aitrios-monitor/internal/reconciler"
	"github.com/kumakita/aitrios-monitor/pkg/types"
)

// Controller is the reconciler surface used by the monitor.
type Controller interface {
	Snapshot() reconciler.Snapshot
	PollNow(ctx context.Context) error
	RequestStart(ctx context.Context) types.CommandOutcome
	RequestStop(ctx context.Context) types.CommandOutcome
	SetProcessing(ctx context.Context, run bool) (bool, error)
}

// Parameters is the binding engine surface used by the monitor.
type Parameters interface {
	ListParameterFiles(ctx context.Context) []binding.ParameterFile
	FindBinding(ctx context.Context, deviceID string) (string, binding.ParameterFile, bool)
	GetParameters(ctx context.Context, deviceID string) params.Document
	Apply(ctx context.Context, deviceID string, doc params.Document) types.ApplyResult
}

// Frames exposes the processing loop output. It may be nil.
type Frames interface {
	Latest() (types.Frame, bool)
	GetStatus() processor.Status
}

// Server serves the web monitor endpoints.
type Server struct {
	cfg         Config
	controller  Controller
	parameters  Parameters
	frames      Frames
	broadcaster *EventBroadcaster
}

// NewServer returns a configured monitor server attached to bus.
func NewServer(cfg Config, controller Controller, parameters Parameters, frames Frames, bus *events.Bus) (*Server, error) {
	def := DefaultConfig()
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = def.KeepAliveInterval
	}
	if cfg.LogLines <= 0 {
		cfg.LogLines = def.LogLines
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}

	broadcaster := NewEventBroadcaster()
	if bus != nil {
		if err := broadcaster.Attach(bus); err != nil {
			return nil, fmt.Errorf("attach event broadcaster: %w", err)
		}
	}

	return &Server{
		cfg:         cfg,
		controller:  controller,
		parameters:  parameters,
		frames:      frames,
		broadcaster: broadcaster,
	}, nil
}

// Close disconnects stream clients.
func (s *Server) Close() {
	s.broadcaster.Stop()
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleIndex)
	mux.Handle("/assets/", http.StripPrefix("/assets/", newAssetHandler(s.cfg.AssetsDir)))
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/status/refresh", s.handleRefresh)
	mux.HandleFunc("/api/status/stream", s.handleStatusStream)
	mux.HandleFunc("/api/inference/start", s.handleInference(types.StartInference))
	mux.HandleFunc("/api/inference/stop", s.handleInference(types.StopInference))
	mux.HandleFunc("/api/processing/start", s.handleProcessing(true))
	mux.HandleFunc("/api/processing/stop", s.handleProcessing(false))
	mux.HandleFunc("/api/parameters", s.handleParameters)
	mux.HandleFunc("/api/parameters/default", s.handleDefaultParameters)
	mux.HandleFunc("/api/parameters/files", s.handleParameterFiles)
	mux.HandleFunc("/api/parameters/validate", s.handleValidate)
	mux.HandleFunc("/api/frames/latest", s.handleLatestFrame)
	mux.HandleFunc("/api/log", s.handleLog)

	return mux
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) status() StatusResponse {
	resp := StatusResponse{
		Snapshot:  s.controller.Snapshot(),
		Timestamp: float64(time.Now().Unix()),
	}
	if s.frames != nil {
		st := s.frames.GetStatus()
		resp.Processor = &st
	}
	return resp
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.status())
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.controller.PollNow(r.Context()); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusServiceUnavailable)
		return
	}
	writeJSONWithStatus(w, map[string]any{"status": "poll requested"}, http.StatusAccepted)
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(id)

	initial, err := Serialize("snapshot", s.status())
	if err != nil {
		logger.Error("SSE", "Serialize snapshot: %v", err)
		initial = nil
	}
	streamEvents(w, r, initial, eventCh, s.cfg.KeepAliveInterval)
}

func (s *Server) handleInference(kind types.CommandKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var out types.CommandOutcome
		if kind == types.StartInference {
			out = s.controller.RequestStart(r.Context())
		} else {
			out = s.controller.RequestStop(r.Context())
		}
		status := http.StatusAccepted
		if !out.Accepted {
			status = http.StatusConflict
		}
		writeJSONWithStatus(w, out, status)
	}
}

func (s *Server) handleProcessing(run bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		running, err := s.controller.SetProcessing(r.Context(), run)
		if err != nil {
			writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, types.ProcessingUpdate{Running: running, At: time.Now()})
	}
}

func (s *Server) handleParameters(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.getParameters(w, r)
	case http.MethodPost:
		s.applyParameters(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) getParameters(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := ParametersResponse{DeviceID: s.cfg.DeviceID}
	if name, _, ok := s.parameters.FindBinding(ctx, s.cfg.DeviceID); ok {
		resp.FileName = name
		resp.Bound = true
	}
	resp.Document = s.parameters.GetParameters(ctx, s.cfg.DeviceID)
	writeJSON(w, resp)
}

func (s *Server) applyParameters(w http.ResponseWriter, r *http.Request) {
	doc, err := s.readDocument(w, r)
	if err != nil {
		res := types.ApplyResult{
			DeviceID: s.cfg.DeviceID,
			Phase:    types.ApplyValidating,
			Message:  (&params.ValidationError{Kind: params.FormatError, Reason: err.Error()}).Error(),
			At:       time.Now(),
		}
		writeJSONWithStatus(w, res, http.StatusBadRequest)
		return
	}

	res := s.parameters.Apply(r.Context(), s.cfg.DeviceID, doc)
	status := http.StatusOK
	switch {
	case res.Success:
	case res.Phase == types.ApplyValidating:
		status = http.StatusBadRequest
	default:
		status = http.StatusBadGateway
	}
	writeJSONWithStatus(w, res, status)
}

func (s *Server) readDocument(w http.ResponseWriter, r *http.Request) (params.Document, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		return params.Document{}, fmt.Errorf("read body: %w", err)
	}
	return params.Parse(body)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	doc, err := s.readDocument(w, r)
	if err == nil {
		err = doc.Validate()
	}
	if err == nil {
		writeJSON(w, ValidationResponse{Valid: true})
		return
	}

	resp := ValidationResponse{Kind: "format", Reason: err.Error()}
	var verr *params.ValidationError
	if errors.As(err, &verr) {
		resp.Reason = verr.Reason
		if verr.Kind == params.RangeError {
			resp.Kind = "range"
		}
	}
	writeJSONWithStatus(w, resp, http.StatusUnprocessableEntity)
}

func (s *Server) handleDefaultParameters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, params.Default())
}

func (s *Server) handleParameterFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	files := s.parameters.ListParameterFiles(r.Context())
	out := make([]ParameterFileSummary, 0, len(files))
	for _, f := range files {
		out = append(out, ParameterFileSummary{
			FileName:   f.FileName,
			DeviceIDs:  f.DeviceIDs,
			HasPayload: f.Payload != nil,
			BoundHere:  f.BoundTo(s.cfg.DeviceID),
		})
	}
	writeJSON(w, map[string]any{"files": out})
}

func (s *Server) handleLatestFrame(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.frames == nil {
		writeJSONWithStatus(w, map[string]any{"error": "processing is not configured"}, http.StatusNotFound)
		return
	}
	frame, ok := s.frames.Latest()
	if !ok {
		writeJSONWithStatus(w, map[string]any{"error": "no frame yet"}, http.StatusNotFound)
		return
	}
	if r.URL.Query().Get("image") == "0" {
		frame.ImageBase64 = ""
	}
	writeJSON(w, frame)
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	n := s.cfg.LogLines
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeJSONWithStatus(w, map[string]any{"error": "n must be a positive integer"}, http.StatusBadRequest)
			return
		}
		n = parsed
	}
	writeJSON(w, map[string]any{"lines": logger.History(n)})
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}
