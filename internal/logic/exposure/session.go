// Package exposure runs capture sequences against one camera: apply
// the exposure setup, then shoot N frames with the panel indicator and
// the focuser torque managed around each one.
package exposure

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/astropicam/astropicam/internal/hw/camera"
	"github.com/astropicam/astropicam/internal/hw/mmal"
	"github.com/astropicam/astropicam/internal/log"
	"github.com/astropicam/astropicam/internal/metrics"
)

// ErrFrameTimeout reports a frame that never completed within the
// shutter plus readout budget.
var ErrFrameTimeout = errors.New("frame completion timed out")

// defaultReadout bounds the frame wait when no allowance is configured.
const defaultReadout = 5 * time.Second

// Camera is the controller surface a session drives.
type Camera interface {
	SetCameraParameters(p camera.Parameters) error
	StartCapture(cb mmal.PortCallback) error
	AbortCapture() error
}

// Indicator signals a running exposure on the panel.
type Indicator interface {
	On() error
	Off() error
}

// Motor can hold or release the focus drawtube.
type Motor interface {
	Enable() error
	Disable() error
}

// Params configures one sequence run.
type Params struct {
	Exposure camera.Parameters
	Count    int
	// Readout is the allowance for sensor readout and firmware
	// housekeeping on top of the shutter time before a frame is
	// declared lost. Zero uses a conservative default.
	Readout time.Duration
	// Interval is the pause between frames.
	Interval time.Duration
}

// Session drives exposure sequences. It assumes exclusive ownership of
// the camera for the duration of Run; callers serialize runs.
type Session struct {
	cam   Camera
	led   Indicator
	motor Motor
	log   zerolog.Logger

	// Notify, when set, receives one line per frame state change for
	// operator displays.
	Notify func(msg string)
}

// New creates a session. led and motor are optional; nil disables the
// indicator and the torque handling.
func New(cam Camera, led Indicator, motor Motor) *Session {
	return &Session{
		cam:   cam,
		led:   led,
		motor: motor,
		log:   log.WithComponent("exposure"),
	}
}

// Run applies the exposure parameters and captures p.Count frames.
// Cancelling ctx aborts the running capture and ends the sequence.
func (s *Session) Run(ctx context.Context, p Params) error {
	if p.Count <= 0 {
		p.Count = 1
	}
	if p.Readout <= 0 {
		p.Readout = defaultReadout
	}

	if err := s.cam.SetCameraParameters(p.Exposure); err != nil {
		return fmt.Errorf("apply exposure parameters: %w", err)
	}

	shutter := time.Duration(p.Exposure.ShutterUs) * time.Microsecond
	for frame := 1; frame <= p.Count; frame++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		s.notify(fmt.Sprintf("frame %d/%d: exposing for %s", frame, p.Count, shutter))
		s.log.Info().Int("frame", frame).Int("count", p.Count).Dur("shutter", shutter).Msg("exposure started")

		err := s.expose(ctx, shutter+p.Readout)
		switch {
		case err == nil:
			metrics.IncExposure("complete")
		case errors.Is(err, ErrFrameTimeout):
			metrics.IncExposure("timeout")
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			metrics.IncExposure("aborted")
		default:
			metrics.IncExposure("failed")
		}
		if err != nil {
			s.notify(fmt.Sprintf("frame %d/%d failed: %v", frame, p.Count, err))
			return fmt.Errorf("frame %d of %d: %w", frame, p.Count, err)
		}
		s.notify(fmt.Sprintf("frame %d/%d complete", frame, p.Count))

		if frame < p.Count && p.Interval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.Interval):
			}
		}
	}
	return nil
}

// expose shoots one frame and waits for its completion event. The
// capture is always stopped before returning, whatever the outcome.
func (s *Session) expose(ctx context.Context, budget time.Duration) error {
	// Cut holding torque first so the motor cannot smear the stars.
	if s.motor != nil {
		_ = s.motor.Disable()
	}
	if s.led != nil {
		_ = s.led.On()
	}
	defer func() {
		if s.led != nil {
			_ = s.led.Off()
		}
		if s.motor != nil {
			_ = s.motor.Enable()
		}
	}()

	start := time.Now()
	events := make(chan mmal.Event, 4)
	err := s.cam.StartCapture(func(_ mmal.Port, ev mmal.Event) {
		if ev.Type != mmal.EventFrameComplete && ev.Type != mmal.EventError {
			return
		}
		select {
		case events <- ev:
		default:
		}
	})
	if err != nil {
		return fmt.Errorf("start capture: %w", err)
	}

	timer := time.NewTimer(budget)
	defer timer.Stop()

	select {
	case ev := <-events:
		if ev.Type == mmal.EventError {
			return s.finish(fmt.Errorf("capture error event: %w", ev.Err))
		}
		metrics.ObserveExposure(time.Since(start))
		return s.finish(nil)
	case <-timer.C:
		return s.finish(ErrFrameTimeout)
	case <-ctx.Done():
		return s.finish(ctx.Err())
	}
}

// finish stops the capture and folds a stop failure into err.
func (s *Session) finish(err error) error {
	if aerr := s.cam.AbortCapture(); aerr != nil {
		return errors.Join(err, fmt.Errorf("abort capture: %w", aerr))
	}
	return err
}

func (s *Session) notify(msg string) {
	if s.Notify != nil {
		s.Notify(msg)
	}
}
