// Package focuser drives a motorized telescope focuser through an A4988
// stepper driver. Position is tracked in steps from the fully racked-in
// stop.
package focuser

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/astropicam/astropicam/internal/hw/gpio"
	"github.com/astropicam/astropicam/internal/log"
	"github.com/astropicam/astropicam/internal/metrics"
)

// Config holds the hardware configuration for the focuser motor.
type Config struct {
	StepPin int
	DirPin  int
	// EnablePin is the A4988 ENABLE line (BCM). 0 = not wired.
	// Active LOW: LOW holds the motor, HIGH lets it freewheel.
	EnablePin int
	// MaxTravel is the usable travel in steps. 0 = no upper limit.
	MaxTravel int
	// StepDelay is the delay per half-cycle of the STEP pulse.
	StepDelay time.Duration
}

// Focuser moves the drawtube and remembers where it is. Moves are
// serialized; position stays truthful even when a move fails half way.
type Focuser struct {
	gpio  gpio.Driver
	cfg   Config
	delay time.Duration
	log   zerolog.Logger

	mu  sync.Mutex
	pos int
}

// New configures the motor pins and enables the driver. The drawtube is
// assumed racked in; use Sync when it is not.
func New(g gpio.Driver, cfg Config) (*Focuser, error) {
	if err := g.SetupPin(cfg.StepPin, gpio.Output); err != nil {
		return nil, err
	}
	if err := g.SetupPin(cfg.DirPin, gpio.Output); err != nil {
		return nil, err
	}

	delay := cfg.StepDelay
	if delay <= 0 {
		delay = time.Millisecond
	}

	f := &Focuser{
		gpio:  g,
		cfg:   cfg,
		delay: delay,
		log:   log.WithComponent("focuser"),
	}

	if cfg.EnablePin > 0 {
		if err := g.SetupPin(cfg.EnablePin, gpio.Output); err != nil {
			return nil, err
		}
		if err := g.WritePin(cfg.EnablePin, gpio.Low); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Position reports the current drawtube position in steps.
func (f *Focuser) Position() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pos
}

// Sync declares the current physical position without moving, for
// recalibrating after manual focusing.
func (f *Focuser) Sync(pos int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pos = f.clamp(pos)
	metrics.SetFocuserPosition(f.pos)
	f.log.Info().Int("position", f.pos).Msg("focuser position synced")
}

// MoveBy moves by steps (negative racks in) and returns the position
// reached. Targets outside the travel are clamped.
func (f *Focuser) MoveBy(steps int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.moveToLocked(f.pos + steps)
}

// MoveTo moves to an absolute position and returns the position reached.
func (f *Focuser) MoveTo(target int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.moveToLocked(target)
}

func (f *Focuser) moveToLocked(target int) (int, error) {
	defer func() { metrics.SetFocuserPosition(f.pos) }()

	clamped := f.clamp(target)
	if clamped != target {
		f.log.Warn().Int("requested", target).Int("clamped", clamped).Msg("focus target outside travel")
	}

	delta := clamped - f.pos
	if delta == 0 {
		return f.pos, nil
	}

	dir := gpio.High
	inc := 1
	steps := delta
	if delta < 0 {
		dir = gpio.Low
		inc = -1
		steps = -delta
	}
	if err := f.gpio.WritePin(f.cfg.DirPin, dir); err != nil {
		return f.pos, fmt.Errorf("set direction: %w", err)
	}

	for i := 0; i < steps; i++ {
		if err := f.stepPulse(); err != nil {
			return f.pos, fmt.Errorf("step %d of %d: %w", i+1, steps, err)
		}
		f.pos += inc
	}

	f.log.Debug().Int("position", f.pos).Int("delta", delta).Msg("focuser moved")
	return f.pos, nil
}

func (f *Focuser) stepPulse() error {
	if err := f.gpio.WritePin(f.cfg.StepPin, gpio.High); err != nil {
		return err
	}
	time.Sleep(f.delay)
	if err := f.gpio.WritePin(f.cfg.StepPin, gpio.Low); err != nil {
		return err
	}
	time.Sleep(f.delay)
	return nil
}

func (f *Focuser) clamp(target int) int {
	if target < 0 {
		return 0
	}
	if f.cfg.MaxTravel > 0 && target > f.cfg.MaxTravel {
		return f.cfg.MaxTravel
	}
	return target
}

// Enable powers the motor driver so the drawtube holds position.
func (f *Focuser) Enable() error {
	if f.cfg.EnablePin <= 0 {
		return nil
	}
	return f.gpio.WritePin(f.cfg.EnablePin, gpio.Low)
}

// Disable cuts the holding torque. Used during exposures so the motor
// does not add vibration.
func (f *Focuser) Disable() error {
	if f.cfg.EnablePin <= 0 {
		return nil
	}
	return f.gpio.WritePin(f.cfg.EnablePin, gpio.High)
}
