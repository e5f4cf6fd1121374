package web

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astropicam/astropicam/internal/config"
	"github.com/astropicam/astropicam/internal/hw/camera"
	"github.com/astropicam/astropicam/internal/hw/mmal"
	"github.com/astropicam/astropicam/internal/logic/exposure"
	"github.com/astropicam/astropicam/internal/logic/optics"
)

// ---------- ValidateCaptureRequest ----------

func TestValidateCaptureRequestValid(t *testing.T) {
	cases := []struct {
		name string
		req  CaptureRequest
	}{
		{"all zero means defaults", CaptureRequest{}},
		{"typical", CaptureRequest{ShutterUs: 1_000_000, Gain: 4, Count: 10}},
		{"long exposure", CaptureRequest{ShutterUs: 240_000_000, Gain: 16, Count: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.NoError(t, ValidateCaptureRequest(tc.req))
		})
	}
}

func TestValidateCaptureRequestRejected(t *testing.T) {
	cases := []struct {
		name string
		req  CaptureRequest
	}{
		{"shutter beyond cap", CaptureRequest{ShutterUs: maxShutterUs + 1}},
		{"negative gain", CaptureRequest{Gain: -1}},
		{"gain NaN", CaptureRequest{Gain: math.NaN()}},
		{"gain +Inf", CaptureRequest{Gain: math.Inf(1)}},
		{"gain too large", CaptureRequest{Gain: 65}},
		{"negative count", CaptureRequest{Count: -1}},
		{"count too large", CaptureRequest{Count: 10001}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, ValidateCaptureRequest(tc.req))
		})
	}
}

// ---------- Test rig ----------

func testConfig() *config.Config {
	return &config.Config{
		Exposure: config.ExposureConfig{
			ShutterUs:     5000,
			Gain:          1.0,
			AWB:           "auto",
			BrightnessPct: 50,
		},
		Defaults: config.DefaultsConfig{
			Count:              1,
			ReadoutAllowanceMs: 1000,
			IntervalMs:         1,
		},
	}
}

// recordingMotor is a FocusMotor that tracks position without hardware.
type recordingMotor struct {
	pos int
}

func (m *recordingMotor) Position() int { return m.pos }

func (m *recordingMotor) MoveBy(steps int) (int, error) {
	m.pos += steps
	return m.pos, nil
}

func (m *recordingMotor) MoveTo(target int) (int, error) {
	m.pos = target
	return m.pos, nil
}

// blockingRunner holds the sequence open until released or cancelled.
type blockingRunner struct {
	started chan struct{}
	release chan struct{}
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (r *blockingRunner) Run(ctx context.Context, _ exposure.Params) error {
	close(r.started)
	select {
	case <-r.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type rig struct {
	drv *mmal.SimDriver
	cam *camera.Controller
	h   *Handlers
}

// newRig builds handlers over a real controller and sequence runner
// driving the simulated camera.
func newRig(t *testing.T, mutate func(*HandlerDeps)) *rig {
	t.Helper()
	drv := mmal.NewSimDriver()
	cam, err := camera.New(drv, camera.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cam.Close() })

	static, err := StaticSub()
	require.NoError(t, err)

	deps := HandlerDeps{
		Config:      config.NewHolder(testConfig(), ""),
		Camera:      cam,
		Runner:      exposure.New(cam, nil, nil),
		Broadcaster: NewStatusBroadcaster(),
		StaticFS:    static,
	}
	if mutate != nil {
		mutate(&deps)
	}
	return &rig{drv: drv, cam: cam, h: NewHandlers(deps)}
}

func postCapture(t *testing.T, h *Handlers, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/capture", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.HandleCapture(w, req)
	return w
}

func waitIdle(t *testing.T, h *Handlers) {
	t.Helper()
	require.Eventually(t, func() bool { return !h.Running() },
		5*time.Second, 10*time.Millisecond, "sequence did not finish")
}

// ---------- HandleCapture ----------

func TestHandleCaptureAccepted(t *testing.T) {
	r := newRig(t, nil)
	w := postCapture(t, r.h, `{}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "started", resp["status"])
	_, err := uuid.Parse(resp["session_id"])
	assert.NoError(t, err, "session_id must be a uuid")

	waitIdle(t, r.h)
	assert.Len(t, r.drv.OpsMatching("Capture=true"), 1, "one frame was shot")
}

func TestHandleCaptureAppliesOverrides(t *testing.T) {
	r := newRig(t, nil)
	w := postCapture(t, r.h, `{"shutter_us": 9000, "gain": 2.0}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	waitIdle(t, r.h)

	assert.NotEmpty(t, r.drv.OpsMatching("ShutterSpeed=9000"),
		"request override wins over the configured shutter")
}

func TestHandleCaptureUsesConfiguredDefaults(t *testing.T) {
	r := newRig(t, nil)
	w := postCapture(t, r.h, `{}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	waitIdle(t, r.h)

	assert.NotEmpty(t, r.drv.OpsMatching("ShutterSpeed=5000"),
		"zero fields fall back to the configured exposure")
}

func TestHandleCaptureInvalidJSON(t *testing.T) {
	r := newRig(t, nil)
	w := postCapture(t, r.h, "not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleCaptureInvalidValues(t *testing.T) {
	r := newRig(t, nil)
	w := postCapture(t, r.h, `{"gain": -2}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleCaptureOversizedBody(t *testing.T) {
	r := newRig(t, nil)
	w := postCapture(t, r.h, `{"pad":"`+strings.Repeat("x", 2<<20)+`"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleCaptureNilRunner(t *testing.T) {
	r := newRig(t, func(d *HandlerDeps) { d.Runner = nil })
	w := postCapture(t, r.h, `{}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleCaptureConflict(t *testing.T) {
	runner := newBlockingRunner()
	r := newRig(t, func(d *HandlerDeps) { d.Runner = runner })

	w1 := postCapture(t, r.h, `{}`)
	require.Equal(t, http.StatusAccepted, w1.Code)
	<-runner.started

	w2 := postCapture(t, r.h, `{}`)
	assert.Equal(t, http.StatusConflict, w2.Code)

	close(runner.release)
	waitIdle(t, r.h)
}

// ---------- HandleAbort ----------

func TestHandleAbortIdle(t *testing.T) {
	r := newRig(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/abort", nil)
	w := httptest.NewRecorder()
	r.h.HandleAbort(w, req)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandleAbortCancelsRun(t *testing.T) {
	runner := newBlockingRunner()
	r := newRig(t, func(d *HandlerDeps) { d.Runner = runner })

	w1 := postCapture(t, r.h, `{}`)
	require.Equal(t, http.StatusAccepted, w1.Code)
	<-runner.started

	req := httptest.NewRequest(http.MethodPost, "/api/abort", nil)
	w2 := httptest.NewRecorder()
	r.h.HandleAbort(w2, req)
	require.Equal(t, http.StatusAccepted, w2.Code)

	waitIdle(t, r.h)
}

// ---------- HandleFocus ----------

func postFocus(t *testing.T, h *Handlers, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/focus", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.HandleFocus(w, req)
	return w
}

func TestHandleFocusNoFocuser(t *testing.T) {
	r := newRig(t, nil)
	w := postFocus(t, r.h, `{"steps": 10}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleFocusRelativeMove(t *testing.T) {
	motor := &recordingMotor{pos: 100}
	r := newRig(t, func(d *HandlerDeps) { d.Focuser = motor })

	w := postFocus(t, r.h, `{"steps": 50}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp focusView
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, 150, resp.Position)
}

func TestHandleFocusAbsoluteMoveWins(t *testing.T) {
	motor := &recordingMotor{pos: 100}
	r := newRig(t, func(d *HandlerDeps) { d.Focuser = motor })

	w := postFocus(t, r.h, `{"steps": 50, "to": 20}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp focusView
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, 20, resp.Position)
}

func TestHandleFocusValidation(t *testing.T) {
	motor := &recordingMotor{}
	r := newRig(t, func(d *HandlerDeps) { d.Focuser = motor })

	assert.Equal(t, http.StatusBadRequest, postFocus(t, r.h, `{}`).Code, "no movement requested")
	assert.Equal(t, http.StatusBadRequest, postFocus(t, r.h, `{"steps": 200000}`).Code, "steps out of range")
	assert.Equal(t, http.StatusBadRequest, postFocus(t, r.h, `nope`).Code, "invalid JSON")
}

// ---------- HandleStatus / HandleConfig ----------

func TestHandleStatusFields(t *testing.T) {
	calc, err := optics.New(optics.Config{FocalLengthMm: 1000, PixelSizeUm: 1.55})
	require.NoError(t, err)
	motor := &recordingMotor{pos: 42}
	r := newRig(t, func(d *HandlerDeps) {
		d.Optics = calc
		d.Focuser = motor
	})

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	w := httptest.NewRecorder()
	r.h.HandleStatus(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var view statusView
	require.NoError(t, json.NewDecoder(w.Body).Decode(&view))
	assert.Equal(t, "configured", view.State)
	assert.False(t, view.Running)
	assert.Empty(t, view.SessionID, "no sequence has run yet")
	assert.Equal(t, camera.SensorInfo{Name: "imx477", Width: 4056, Height: 3040}, view.Sensor)
	assert.Equal(t, captureGeometry{Width: 4056, Height: 3040}, view.Capture)
	require.NotNil(t, view.Field)
	assert.InDelta(t, 0.3197, view.Field.ScaleArcsecPx, 0.001)
	require.NotNil(t, view.FocuserPos)
	assert.Equal(t, 42, *view.FocuserPos)
	assert.Equal(t, 0, view.SSEClients)
}

func TestHandleStatusWithoutExtras(t *testing.T) {
	r := newRig(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	w := httptest.NewRecorder()
	r.h.HandleStatus(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.NotContains(t, body, "field", "no optics section means no field of view")
	assert.NotContains(t, body, "focuser_position")
}

func TestHandleStatusSessionIDAfterRun(t *testing.T) {
	r := newRig(t, nil)
	w := postCapture(t, r.h, `{}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	waitIdle(t, r.h)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	sw := httptest.NewRecorder()
	r.h.HandleStatus(sw, req)

	var view statusView
	require.NoError(t, json.NewDecoder(sw.Body).Decode(&view))
	assert.NotEmpty(t, view.SessionID, "last session stays visible")
	assert.False(t, view.Running)
}

func TestHandleConfigView(t *testing.T) {
	r := newRig(t, func(d *HandlerDeps) { d.Focuser = &recordingMotor{} })
	req := httptest.NewRequest(http.MethodGet, "/api/config", nil)
	w := httptest.NewRecorder()
	r.h.HandleConfig(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var view configView
	require.NoError(t, json.NewDecoder(w.Body).Decode(&view))
	assert.Equal(t, uint32(5000), view.ShutterUs)
	assert.Equal(t, 1.0, view.Gain)
	assert.Equal(t, 1, view.Count)
	assert.True(t, view.Focuser)
}

// ---------- ServeIndex ----------

func TestServeIndex(t *testing.T) {
	r := newRig(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	r.h.ServeIndex(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/html; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "astropicam")
}

func TestCaptureBroadcastsCompletion(t *testing.T) {
	r := newRig(t, nil)
	ch, unsub := r.h.b.Subscribe()
	defer unsub()

	w := postCapture(t, r.h, `{}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	waitIdle(t, r.h)

	var seen []string
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-ch:
			var evt StatusEvent
			require.NoError(t, json.Unmarshal([]byte(msg), &evt))
			seen = append(seen, evt.Msg)
			if strings.Contains(evt.Msg, "complete") {
				assert.Contains(t, evt.Msg, "sequence ")
				return
			}
		case <-deadline:
			t.Fatalf("no completion broadcast, saw %v", seen)
		}
	}
}
