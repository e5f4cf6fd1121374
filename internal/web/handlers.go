package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/astropicam/astropicam/internal/config"
	"github.com/astropicam/astropicam/internal/hw/camera"
	"github.com/astropicam/astropicam/internal/log"
	"github.com/astropicam/astropicam/internal/logic/exposure"
	"github.com/astropicam/astropicam/internal/logic/optics"
)

// maxShutterUs caps API-requested exposure times well beyond any Pi
// camera's longest supported exposure.
const maxShutterUs = 600_000_000

// SequenceRunner runs one exposure sequence to completion.
type SequenceRunner interface {
	Run(ctx context.Context, p exposure.Params) error
}

// StatusCamera is the read-only controller view the API serves.
type StatusCamera interface {
	State() camera.State
	Sensor() camera.SensorInfo
	Width() uint32
	Height() uint32
}

// FocusMotor moves the drawtube focuser. Moves return the position the
// drawtube actually reached.
type FocusMotor interface {
	Position() int
	MoveBy(steps int) (int, error)
	MoveTo(target int) (int, error)
}

// CaptureRequest selects per-sequence overrides. Zero fields fall back
// to the configured defaults.
type CaptureRequest struct {
	ShutterUs uint32  `json:"shutter_us"`
	Gain      float64 `json:"gain"`
	Count     int     `json:"count"`
}

// FocusRequest moves the focuser either by a relative step count or to
// an absolute position. An absolute target wins when both are given.
type FocusRequest struct {
	Steps int  `json:"steps"`
	To    *int `json:"to,omitempty"`
}

// ValidateCaptureRequest rejects values the firmware or the sequence
// runner cannot honor.
func ValidateCaptureRequest(req CaptureRequest) error {
	if req.ShutterUs > maxShutterUs {
		return fmt.Errorf("shutter_us must be <= %d", maxShutterUs)
	}
	if math.IsNaN(req.Gain) || math.IsInf(req.Gain, 0) || req.Gain < 0 {
		return fmt.Errorf("gain must be a finite value >= 0")
	}
	if req.Gain > 64 {
		return fmt.Errorf("gain must be <= 64")
	}
	if req.Count < 0 || req.Count > 10000 {
		return fmt.Errorf("count must be between 0 and 10000")
	}
	return nil
}

// HandlerDeps wires the handlers to the rest of the daemon. Focuser and
// Optics may be nil when the matching config sections are absent.
type HandlerDeps struct {
	Config      *config.Holder
	Camera      StatusCamera
	Runner      SequenceRunner
	Focuser     FocusMotor
	Optics      *optics.Calculator
	Broadcaster *StatusBroadcaster
	StaticFS    fs.FS
}

// Handlers holds the HTTP handlers and the single-sequence guard.
type Handlers struct {
	logger   zerolog.Logger
	cfg      *config.Holder
	cam      StatusCamera
	runner   SequenceRunner
	focuser  FocusMotor
	optics   *optics.Calculator
	b        *StatusBroadcaster
	staticFS fs.FS

	mu        sync.Mutex
	running   bool
	sessionID uuid.UUID
	cancel    context.CancelFunc
}

// NewHandlers creates handlers with the given dependencies.
func NewHandlers(deps HandlerDeps) *Handlers {
	return &Handlers{
		logger:   log.WithComponent("web"),
		cfg:      deps.Config,
		cam:      deps.Camera,
		runner:   deps.Runner,
		focuser:  deps.Focuser,
		optics:   deps.Optics,
		b:        deps.Broadcaster,
		staticFS: deps.StaticFS,
	}
}

// Running reports whether a sequence is currently executing.
func (h *Handlers) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

type statusView struct {
	State      string            `json:"state"`
	Running    bool              `json:"running"`
	SessionID  string            `json:"session_id,omitempty"`
	Sensor     camera.SensorInfo `json:"sensor"`
	Capture    captureGeometry   `json:"capture"`
	Field      *optics.Field     `json:"field,omitempty"`
	FocuserPos *int              `json:"focuser_position,omitempty"`
	SSEClients int               `json:"sse_clients"`
}

type captureGeometry struct {
	Width  uint32 `json:"width"`
	Height uint32 `json:"height"`
}

type configView struct {
	ShutterUs   uint32  `json:"shutter_us"`
	Gain        float64 `json:"gain"`
	ISO         uint32  `json:"iso"`
	AWB         string  `json:"awb"`
	Count       int     `json:"count"`
	IntervalMs  int     `json:"interval_ms"`
	SimHardware bool    `json:"sim_hardware"`
	Focuser     bool    `json:"focuser"`
}

type focusView struct {
	Position int `json:"position"`
}

// HandleStatus reports the controller state, the active geometry and,
// when optics are configured, the resulting field of view.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	running := h.running
	id := h.sessionID
	h.mu.Unlock()

	view := statusView{
		State:      h.cam.State().String(),
		Running:    running,
		Sensor:     h.cam.Sensor(),
		Capture:    captureGeometry{Width: h.cam.Width(), Height: h.cam.Height()},
		SSEClients: h.b.Clients(),
	}
	if id != uuid.Nil {
		view.SessionID = id.String()
	}
	if h.optics != nil {
		field := h.optics.FieldFor(h.cam.Width(), h.cam.Height())
		view.Field = &field
	}
	if h.focuser != nil {
		pos := h.focuser.Position()
		view.FocuserPos = &pos
	}
	writeJSON(w, http.StatusOK, view)
}

// HandleConfig returns the active capture defaults for the page form.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	cfg := h.cfg.Current()
	writeJSON(w, http.StatusOK, configView{
		ShutterUs:   cfg.Exposure.ShutterUs,
		Gain:        cfg.Exposure.Gain,
		ISO:         cfg.Exposure.ISO,
		AWB:         cfg.Exposure.AWB,
		Count:       cfg.Defaults.Count,
		IntervalMs:  cfg.Defaults.IntervalMs,
		SimHardware: cfg.Defaults.SimHardware,
		Focuser:     h.focuser != nil,
	})
}

// HandleCapture starts an exposure sequence. The response carries a
// session id; progress arrives on the status stream.
func (h *Handlers) HandleCapture(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req CaptureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := ValidateCaptureRequest(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if h.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "capture not configured")
		return
	}

	cfg := h.cfg.Current()
	params := exposure.Params{
		Exposure: cfg.ExposureParameters(),
		Count:    cfg.Defaults.Count,
		Readout:  cfg.ReadoutAllowance(),
		Interval: cfg.Interval(),
	}
	if req.ShutterUs > 0 {
		params.Exposure.ShutterUs = req.ShutterUs
	}
	if req.Gain > 0 {
		params.Exposure.Gain = req.Gain
	}
	if req.Count > 0 {
		params.Count = req.Count
	}

	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		writeError(w, http.StatusConflict, "capture already in progress")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.New()
	h.running = true
	h.sessionID = id
	h.cancel = cancel
	h.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			h.mu.Lock()
			h.running = false
			h.cancel = nil
			h.mu.Unlock()
		}()
		if err := h.runner.Run(ctx, params); err != nil {
			h.b.Broadcast("error", "sequence "+shortID(id)+" failed: "+err.Error())
			h.logger.Error().Err(err).Str("session", id.String()).Msg("sequence failed")
			return
		}
		h.b.BroadcastMsg("sequence " + shortID(id) + " complete")
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":     "started",
		"session_id": id.String(),
	})
}

// HandleAbort cancels the running sequence, if any.
func (h *Handlers) HandleAbort(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	running := h.running
	cancel := h.cancel
	id := h.sessionID
	h.mu.Unlock()

	if !running || cancel == nil {
		writeError(w, http.StatusConflict, "no capture in progress")
		return
	}
	cancel()
	h.b.Broadcast("warn", "sequence "+shortID(id)+" abort requested")
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":     "aborting",
		"session_id": id.String(),
	})
}

// HandleFocus moves the focuser and reports the resulting position.
func (h *Handlers) HandleFocus(w http.ResponseWriter, r *http.Request) {
	if h.focuser == nil {
		writeError(w, http.StatusServiceUnavailable, "no focuser configured")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req FocusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.To == nil && req.Steps == 0 {
		writeError(w, http.StatusBadRequest, "steps or to required")
		return
	}
	if req.Steps < -100000 || req.Steps > 100000 {
		writeError(w, http.StatusBadRequest, "steps must be between -100000 and 100000")
		return
	}

	var (
		pos int
		err error
	)
	if req.To != nil {
		pos, err = h.focuser.MoveTo(*req.To)
	} else {
		pos, err = h.focuser.MoveBy(req.Steps)
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("focus move failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, focusView{Position: pos})
}

// ServeIndex serves the embedded control page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(data)
}

// HandleStatusStream serves the SSE feed of sequence progress.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.b.Subscribe()
	defer unsub()

	// Initial comment establishes the stream client-side.
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			_, _ = w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

func shortID(id uuid.UUID) string {
	return id.String()[:8]
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
