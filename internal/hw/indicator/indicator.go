// Package indicator drives the capture-status LED wired to a GPIO pin.
// The LED is lit for the whole of an exposure so long captures are
// visible at the telescope without a screen.
package indicator

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/astropicam/astropicam/internal/hw/gpio"
	"github.com/astropicam/astropicam/internal/log"
)

// LED is one status light. Some boards sink the LED through the pin, so
// the active level is configurable.
type LED struct {
	gpio      gpio.Driver
	pin       int
	activeLow bool
	log       zerolog.Logger
}

// New configures the pin as an output and switches the LED off.
func New(g gpio.Driver, pin int, activeLow bool) (*LED, error) {
	l := &LED{
		gpio:      g,
		pin:       pin,
		activeLow: activeLow,
		log:       log.WithComponent("indicator"),
	}
	if err := g.SetupPin(pin, gpio.Output); err != nil {
		return nil, err
	}
	if err := g.WritePin(pin, l.level(false)); err != nil {
		return nil, err
	}
	return l, nil
}

// On lights the LED.
func (l *LED) On() error {
	l.log.Debug().Int("pin", l.pin).Msg("indicator on")
	return l.gpio.WritePin(l.pin, l.level(true))
}

// Off extinguishes the LED.
func (l *LED) Off() error {
	l.log.Debug().Int("pin", l.pin).Msg("indicator off")
	return l.gpio.WritePin(l.pin, l.level(false))
}

// Pulse lights the LED for d, then switches it off again. The LED is
// switched off even when switching it on failed.
func (l *LED) Pulse(d time.Duration) error {
	err := l.On()
	time.Sleep(d)
	if offErr := l.Off(); err == nil {
		err = offErr
	}
	return err
}

func (l *LED) level(on bool) gpio.Level {
	if on != l.activeLow {
		return gpio.High
	}
	return gpio.Low
}
