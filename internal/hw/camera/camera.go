// Package camera drives one VideoCore still camera: bring-up, runtime
// exposure parameters and the one-shot stills capture cycle.
package camera

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/astropicam/astropicam/internal/hw/mmal"
	"github.com/astropicam/astropicam/internal/log"
	"github.com/astropicam/astropicam/internal/metrics"
)

var (
	// ErrCameraNotFound reports a camera index past the attached inventory.
	ErrCameraNotFound = errors.New("Camera number not found")
	// ErrNoOutputPorts reports a camera component without output ports.
	ErrNoOutputPorts = errors.New("camera has no output ports")
	// ErrAlreadyCapturing reports a capture start while one is running.
	ErrAlreadyCapturing = errors.New("capture already in progress")
	// ErrClosed reports use of a released camera.
	ErrClosed = errors.New("camera is closed")
)

// Sensor defaults used when the firmware answers the short legacy info
// query and discovery keeps the built-in values.
const (
	defaultSensorName = "OV5647"
	defaultMaxWidth   = 2592
	defaultMaxHeight  = 1944
)

const (
	previewWidth  = 1024
	previewHeight = 768
)

// shutterToleranceUs is how far the firmware may adjust a requested
// shutter time before the mismatch is worth reporting.
const shutterToleranceUs = 100_000

// Exposure-time thresholds that need widened frame-interval windows.
const (
	longExposureUs     = 1_000_000
	veryLongExposureUs = 6_000_000
)

// gainDenominator is the fixed-point base the firmware uses for gains.
const gainDenominator = 65536

// State tracks where the camera is in its lifecycle.
type State int

const (
	StateConfigured State = iota
	StateCapturing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConfigured:
		return "configured"
	case StateCapturing:
		return "capturing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config selects which camera to bring up and how its capture stream is
// shaped. The zero value picks camera 0 at the discovered sensor size
// with opaque GPU frames.
type Config struct {
	// CameraNum selects the camera when several are attached.
	CameraNum int32
	// MaxWidth and MaxHeight override the discovered sensor geometry
	// when non-zero.
	MaxWidth  uint32
	MaxHeight uint32
	// Encoding is the capture stream encoding. Zero means opaque frames
	// that stay on the GPU.
	Encoding mmal.FourCC
}

// Parameters is one runtime exposure setup, applied as an ordered batch
// where the first failing write aborts the rest.
type Parameters struct {
	AWBMode    mmal.AWBMode
	Saturation mmal.Rational
	Brightness mmal.Rational
	// ISO is written only when non-zero; zero leaves the firmware's
	// gain schedule alone.
	ISO uint32
	// ShutterUs is the exposure time in microseconds.
	ShutterUs uint32
	// Gain is the analog gain multiplier, converted to the firmware's
	// fixed-point encoding.
	Gain float64
	// ROI crops the sensor readout, normalized to the 0..4096 full
	// extent. The zero rect selects the full frame.
	ROI mmal.Rect
	// ZeroCopy keeps video-port frames in GPU memory.
	ZeroCopy bool
	// RawCapture asks for unprocessed sensor data on the capture port.
	RawCapture bool
	// StatsPass forwards capture statistics to the stills pipeline.
	StatsPass bool
}

// DefaultParameters returns the baseline setup: automatic white balance,
// neutral color, mid brightness and the GPU pipeline in zero-copy raw
// mode.
func DefaultParameters() Parameters {
	return Parameters{
		AWBMode:    mmal.AWBModeAuto,
		Saturation: mmal.Rational{Num: 0, Den: 100},
		Brightness: mmal.Rational{Num: 50, Den: 100},
		ZeroCopy:   true,
		RawCapture: true,
		StatsPass:  true,
	}
}

// SensorInfo describes the discovered image sensor. It never changes
// after bring-up.
type SensorInfo struct {
	Name   string `json:"name"`
	Width  uint32 `json:"width"`
	Height uint32 `json:"height"`
}

// Controller owns one camera component. Bring-up happens in New; after
// that the controller cycles between configured and capturing until
// Close releases the hardware.
//
// Parameter writes are not safe for concurrent use; the capture state
// transitions are.
type Controller struct {
	drv  mmal.Driver
	cfg  Config
	comp mmal.Component
	log  zerolog.Logger

	mu    sync.Mutex
	state State

	sensor  SensorInfo
	width   uint32
	height  uint32
	fpsLow  mmal.Rational
	fpsHigh mmal.Rational
}

// New creates the camera component and walks it through bring-up: camera
// selection, control channel, sensor discovery, stills configuration,
// capture format and the native frame-interval window. On any failure
// the component is destroyed before the error is returned.
func New(drv mmal.Driver, cfg Config) (*Controller, error) {
	c := &Controller{
		drv: drv,
		cfg: cfg,
		log: log.WithComponent("camera"),
	}
	if c.cfg.Encoding == 0 {
		c.cfg.Encoding = mmal.EncodingOpaque
	}

	comp, err := drv.CreateComponent(mmal.CompCamera)
	if err != nil {
		return nil, fmt.Errorf("create camera component: %w", err)
	}
	c.comp = comp

	if err := c.bringUp(); err != nil {
		if derr := comp.Destroy(); derr != nil {
			c.log.Error().Err(derr).Msg("destroy camera after failed bring-up")
		}
		return nil, err
	}

	c.state = StateConfigured
	c.log.Info().
		Str("sensor", c.sensor.Name).
		Uint32("width", c.width).
		Uint32("height", c.height).
		Msg("camera configured")
	return c, nil
}

func (c *Controller) bringUp() error {
	ctr := c.comp.Control()

	if err := ctr.SetInt32(mmal.ParamCameraNum, c.cfg.CameraNum); err != nil {
		return fmt.Errorf("select camera %d: %w", c.cfg.CameraNum, err)
	}
	if c.comp.OutputCount() == 0 {
		return ErrNoOutputPorts
	}
	if err := ctr.SetUint32(mmal.ParamCustomSensorConfig, 0); err != nil {
		return fmt.Errorf("clear custom sensor config: %w", err)
	}
	if err := ctr.Enable(c.onControlEvent); err != nil {
		return fmt.Errorf("enable control port: %w", err)
	}

	if err := c.discoverSensor(); err != nil {
		return err
	}
	c.width, c.height = c.sensor.Width, c.sensor.Height
	if c.cfg.MaxWidth > 0 {
		c.width = c.cfg.MaxWidth
	}
	if c.cfg.MaxHeight > 0 {
		c.height = c.cfg.MaxHeight
	}

	stills := mmal.NewCameraConfigParam()
	stills.MaxStillsW = c.width
	stills.MaxStillsH = c.height
	stills.StillsYUV422 = 0
	stills.OneShotStills = 1
	stills.MaxPreviewVideoW = previewWidth
	stills.MaxPreviewVideoH = previewHeight
	stills.NumPreviewVideoFrames = 1
	stills.StillsCaptureCircularBufferHeight = 0
	stills.FastPreviewResume = 0
	stills.UseSTCTimestamp = mmal.TimestampModeResetSTC
	if err := ctr.SetParam(stills); err != nil {
		return fmt.Errorf("commit camera config: %w", err)
	}

	if err := c.SetCapturePortFormat(); err != nil {
		return err
	}

	native := mmal.NewFPSRangeParam(mmal.Rational{}, mmal.Rational{})
	if err := c.capturePort().GetParam(native); err != nil {
		return fmt.Errorf("read native frame rate range: %w", err)
	}
	c.fpsLow, c.fpsHigh = native.FPSLow, native.FPSHigh
	c.log.Info().
		Str("fps_low", c.fpsLow.String()).
		Str("fps_high", c.fpsHigh.String()).
		Msg("native frame rate range")
	return nil
}

// discoverSensor fills in the sensor name and geometry. The short info
// query on the camera's own control channel is answered by old firmware
// only; when it succeeds the built-in defaults stand, and when it fails
// the full inventory is read from the transient info component.
func (c *Controller) discoverSensor() error {
	c.sensor = SensorInfo{
		Name:   defaultSensorName,
		Width:  defaultMaxWidth,
		Height: defaultMaxHeight,
	}

	info, err := c.drv.CreateComponent(mmal.CompCameraInfo)
	if err != nil {
		return fmt.Errorf("create camera info component: %w", err)
	}
	defer func() {
		if derr := info.Destroy(); derr != nil {
			c.log.Error().Err(derr).Msg("destroy camera info component")
		}
	}()

	probe := mmal.NewCameraInfoParam()
	probe.UndersizeForFirmwareCheck()
	if err := c.comp.Control().GetParam(probe); err == nil {
		c.log.Debug().Msg("short info query accepted, keeping sensor defaults")
		return nil
	}
	metrics.IncAdvisoryMismatch("sensor_probe")

	full := mmal.NewCameraInfoParam()
	if err := info.Control().GetParam(full); err != nil {
		return fmt.Errorf("read camera inventory: %w", err)
	}
	if uint32(c.cfg.CameraNum) >= full.NumCameras {
		return ErrCameraNotFound
	}
	cam := full.Cameras[c.cfg.CameraNum]
	c.sensor = SensorInfo{
		Name:   full.CameraName(int(c.cfg.CameraNum)),
		Width:  cam.MaxWidth,
		Height: cam.MaxHeight,
	}
	return nil
}

// onControlEvent receives asynchronous firmware notifications. The
// channel has to be armed for the firmware to deliver errors at all;
// nothing reacts to individual events beyond logging.
func (c *Controller) onControlEvent(_ mmal.Port, ev mmal.Event) {
	if ev.Type == mmal.EventError {
		c.log.Error().Err(ev.Err).Msg("camera control event")
		return
	}
	c.log.Debug().Str("event", ev.Type.String()).Msg("camera control event")
}

// SetCapturePortFormat commits the capture stream format: the configured
// encoding at full sensor size, free-running frame rate and square
// pixels.
func (c *Controller) SetCapturePortFormat() error {
	port := c.capturePort()
	f := port.Format()
	f.Encoding = c.cfg.Encoding
	f.EncodingVariant = 0
	if !port.RGBOrderFixed() {
		// Old firmware swaps the RGB channel order on this port.
		switch f.Encoding {
		case mmal.EncodingRGB24:
			f.Encoding = mmal.EncodingBGR24
		case mmal.EncodingBGR24:
			f.Encoding = mmal.EncodingRGB24
		}
	}
	f.Video.Width = c.width
	f.Video.Height = c.height
	f.Video.Crop = mmal.Rect{X: 0, Y: 0, Width: int32(c.width), Height: int32(c.height)}
	f.Video.FrameRate = mmal.Rational{Num: 0, Den: 1}
	f.Video.PixelAspect = mmal.Rational{Num: 1, Den: 1}
	if err := port.CommitFormat(); err != nil {
		return fmt.Errorf("commit capture format: %w", err)
	}
	return nil
}

// SetCameraParameters applies one exposure setup as an ordered batch.
// The first failing write aborts the batch; shutter and frame-interval
// read-back mismatches are reported but do not fail it.
func (c *Controller) SetCameraParameters(p Parameters) error {
	ctr := c.comp.Control()

	if err := recordFailure(ctr.SetParam(mmal.NewAWBModeParam(p.AWBMode)), mmal.ParamAWBMode); err != nil {
		return fmt.Errorf("set white balance: %w", err)
	}
	if err := recordFailure(ctr.SetRational(mmal.ParamSaturation, p.Saturation), mmal.ParamSaturation); err != nil {
		return fmt.Errorf("set saturation: %w", err)
	}
	if err := recordFailure(ctr.SetRational(mmal.ParamDigitalGain, mmal.Rational{Num: 1, Den: 1}), mmal.ParamDigitalGain); err != nil {
		return fmt.Errorf("set digital gain: %w", err)
	}
	if p.ISO > 0 {
		if err := recordFailure(ctr.SetUint32(mmal.ParamISO, p.ISO), mmal.ParamISO); err != nil {
			return fmt.Errorf("set iso: %w", err)
		}
	}
	if err := recordFailure(ctr.SetRational(mmal.ParamBrightness, p.Brightness), mmal.ParamBrightness); err != nil {
		return fmt.Errorf("set brightness: %w", err)
	}
	if err := recordFailure(ctr.SetParam(mmal.NewExposureModeParam(mmal.ExposureModeOff)), mmal.ParamExposureMode); err != nil {
		return fmt.Errorf("set exposure mode: %w", err)
	}
	roi := p.ROI
	if roi == (mmal.Rect{}) {
		roi = mmal.Rect{X: 0, Y: 0, Width: mmal.CropFullExtent, Height: mmal.CropFullExtent}
	}
	if err := recordFailure(ctr.SetParam(mmal.NewInputCropParam(roi)), mmal.ParamInputCrop); err != nil {
		return fmt.Errorf("set region of interest: %w", err)
	}

	capture := c.capturePort()
	capture.SetBufferSize(capture.BufferSizeRecommended())

	if err := recordFailure(c.videoPort().SetBool(mmal.ParamZeroCopy, p.ZeroCopy), mmal.ParamZeroCopy); err != nil {
		return fmt.Errorf("set zero copy: %w", err)
	}
	if err := recordFailure(capture.SetBool(mmal.ParamEnableRawCapture, p.RawCapture), mmal.ParamEnableRawCapture); err != nil {
		return fmt.Errorf("set raw capture: %w", err)
	}
	stats := uint32(0)
	if p.StatsPass {
		stats = 1
	}
	if err := recordFailure(ctr.SetUint32(mmal.ParamCaptureStatsPass, stats), mmal.ParamCaptureStatsPass); err != nil {
		return fmt.Errorf("set capture stats pass: %w", err)
	}

	if err := c.applyShutter(p.ShutterUs); err != nil {
		return err
	}
	if err := c.SetGain(p.Gain); err != nil {
		return err
	}
	c.log.Debug().Uint32("shutter_us", p.ShutterUs).Msg("camera parameters applied")
	return nil
}

// recordFailure passes err through, counting failed writes under the
// parameter's scrape label.
func recordFailure(err error, id mmal.ParamID) error {
	if err != nil {
		metrics.IncParameterWriteFailure(id.String())
	}
	return err
}

// applyShutter writes the exposure time and moves the frame-interval
// window to match it. Both values are read back; a drifted shutter or a
// changed window is reported, not failed.
func (c *Controller) applyShutter(shutterUs uint32) error {
	ctr := c.comp.Control()
	if err := recordFailure(ctr.SetUint32(mmal.ParamShutterSpeed, shutterUs), mmal.ParamShutterSpeed); err != nil {
		return fmt.Errorf("set shutter speed: %w", err)
	}
	actual, err := ctr.GetUint32(mmal.ParamShutterSpeed)
	if err != nil {
		return fmt.Errorf("read back shutter speed: %w", err)
	}
	if diff := int64(actual) - int64(shutterUs); diff > shutterToleranceUs || diff < -shutterToleranceUs {
		metrics.IncAdvisoryMismatch("shutter")
		c.log.Warn().
			Uint32("requested_us", shutterUs).
			Uint32("actual_us", actual).
			Msg("firmware adjusted shutter speed")
	}

	capture := c.capturePort()
	low, high := c.fpsRangeFor(shutterUs)
	if err := recordFailure(capture.SetParam(mmal.NewFPSRangeParam(low, high)), mmal.ParamFPSRange); err != nil {
		return fmt.Errorf("set frame rate range: %w", err)
	}
	check := mmal.NewFPSRangeParam(mmal.Rational{}, mmal.Rational{})
	if err := capture.GetParam(check); err != nil {
		return fmt.Errorf("read back frame rate range: %w", err)
	}
	if check.FPSLow != low || check.FPSHigh != high {
		metrics.IncAdvisoryMismatch("fps_range")
		c.log.Warn().
			Str("requested", low.String()+".."+high.String()).
			Str("actual", check.FPSLow.String()+".."+check.FPSHigh.String()).
			Msg("firmware adjusted frame rate range")
	}
	return nil
}

// SetShutterSpeed changes the exposure time between captures without
// re-running the whole parameter batch.
func (c *Controller) SetShutterSpeed(shutterUs uint32) error {
	return c.applyShutter(shutterUs)
}

// SetGain writes the analog gain multiplier in the firmware's
// fixed-point encoding.
func (c *Controller) SetGain(gain float64) error {
	g := analogGainRational(gain)
	if err := recordFailure(c.comp.Control().SetRational(mmal.ParamAnalogGain, g), mmal.ParamAnalogGain); err != nil {
		return fmt.Errorf("set analog gain: %w", err)
	}
	c.log.Info().Str("gain", g.String()).Msg("analog gain set")
	return nil
}

// fpsRangeFor picks the frame-interval window for a shutter time. Long
// exposures need the firmware to allow very slow frames; everything else
// runs inside the native window cached at bring-up.
func (c *Controller) fpsRangeFor(shutterUs uint32) (mmal.Rational, mmal.Rational) {
	switch {
	case shutterUs > veryLongExposureUs:
		return mmal.Rational{Num: 5, Den: 1000}, mmal.Rational{Num: 166, Den: 1000}
	case shutterUs > longExposureUs:
		return mmal.Rational{Num: 167, Den: 1000}, mmal.Rational{Num: 999, Den: 1000}
	default:
		return c.fpsLow, c.fpsHigh
	}
}

// analogGainRational converts a gain multiplier to the firmware's
// fixed-point encoding.
func analogGainRational(gain float64) mmal.Rational {
	return mmal.Rational{Num: int32(gain * gainDenominator), Den: gainDenominator}
}

// GetShutterSpeed reads back the shutter time the firmware actually runs.
func (c *Controller) GetShutterSpeed() (uint32, error) {
	v, err := c.comp.Control().GetUint32(mmal.ParamShutterSpeed)
	if err != nil {
		return 0, fmt.Errorf("read shutter speed: %w", err)
	}
	return v, nil
}

// StartCapture arms the capture port with cb and fires a one-shot still.
// cb runs on a firmware thread; frame completion arrives as
// EventFrameComplete.
func (c *Controller) StartCapture(cb mmal.PortCallback) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateCapturing:
		return ErrAlreadyCapturing
	case StateClosed:
		return ErrClosed
	}

	capture := c.capturePort()
	if err := capture.Enable(cb); err != nil {
		return fmt.Errorf("enable capture port: %w", err)
	}
	if err := c.comp.Enable(); err != nil {
		return fmt.Errorf("enable camera component: %w", err)
	}
	if err := capture.SetBool(mmal.ParamCapture, true); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}
	c.state = StateCapturing
	metrics.SetCapturing(true)
	c.log.Debug().Msg("capture started")
	return nil
}

// AbortCapture stops a running capture. Every teardown step runs even
// when an earlier one fails; the camera is configured again afterwards
// regardless.
func (c *Controller) AbortCapture() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopCaptureLocked()
}

func (c *Controller) stopCaptureLocked() error {
	if c.state != StateCapturing {
		return nil
	}
	capture := c.capturePort()
	var errs []error
	if err := capture.SetBool(mmal.ParamCapture, false); err != nil {
		errs = append(errs, fmt.Errorf("stop capture: %w", err))
	}
	if err := capture.Disable(); err != nil {
		errs = append(errs, fmt.Errorf("disable capture port: %w", err))
	}
	if err := c.comp.Disable(); err != nil {
		errs = append(errs, fmt.Errorf("disable camera component: %w", err))
	}
	c.state = StateConfigured
	metrics.SetCapturing(false)
	c.log.Debug().Msg("capture stopped")
	return errors.Join(errs...)
}

// Close stops any capture and releases the camera component. Errors are
// collected rather than aborting the release; Close is idempotent.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return nil
	}

	var errs []error
	capture := c.capturePort()
	if capture.Enabled() {
		if err := capture.Disable(); err != nil {
			errs = append(errs, fmt.Errorf("disable capture port: %w", err))
		}
	}
	ctr := c.comp.Control()
	if ctr.Enabled() {
		if err := ctr.Disable(); err != nil {
			errs = append(errs, fmt.Errorf("disable control port: %w", err))
		}
	}
	if err := c.comp.Destroy(); err != nil {
		errs = append(errs, fmt.Errorf("destroy camera component: %w", err))
	}
	c.state = StateClosed
	metrics.SetCapturing(false)
	c.log.Info().Msg("camera released")
	return errors.Join(errs...)
}

// State reports the lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Sensor is the descriptor discovered at bring-up.
func (c *Controller) Sensor() SensorInfo { return c.sensor }

// Width is the active stills width in pixels.
func (c *Controller) Width() uint32 { return c.width }

// Height is the active stills height in pixels.
func (c *Controller) Height() uint32 { return c.height }

// SetCaptureSize overrides the stills geometry used by the next
// SetCapturePortFormat call. Zero keeps the sensor native dimension.
// The ceiling committed at bring-up still binds the firmware.
func (c *Controller) SetCaptureSize(width, height uint32) {
	if width == 0 {
		width = c.sensor.Width
	}
	if height == 0 {
		height = c.sensor.Height
	}
	c.width, c.height = width, height
}

// NativeFPSRange is the frame-interval window cached at bring-up.
func (c *Controller) NativeFPSRange() (low, high mmal.Rational) {
	return c.fpsLow, c.fpsHigh
}

func (c *Controller) capturePort() mmal.Port { return c.comp.Output(mmal.PortCapture) }
func (c *Controller) videoPort() mmal.Port   { return c.comp.Output(mmal.PortVideo) }
