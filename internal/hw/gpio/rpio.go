package gpio

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/stianeikeland/go-rpio/v4"

	"github.com/astropicam/astropicam/internal/log"
)

// RPiDriver drives the real pins through /dev/gpiomem.
type RPiDriver struct {
	pins map[int]rpio.Pin
	log  zerolog.Logger
}

// NewRPiDriver maps the GPIO registers. Needs to run on a Raspberry Pi
// with access to /dev/gpiomem or as root.
func NewRPiDriver() (*RPiDriver, error) {
	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("open GPIO memory: %w", err)
	}
	return &RPiDriver{
		pins: make(map[int]rpio.Pin),
		log:  log.WithComponent("gpio"),
	}, nil
}

func (r *RPiDriver) SetupPin(pin int, mode PinMode) error {
	p := rpio.Pin(pin)
	r.pins[pin] = p

	switch mode {
	case Input:
		p.Input()
	case Output:
		p.Output()
	default:
		return fmt.Errorf("unknown pin mode: %d", mode)
	}
	return nil
}

func (r *RPiDriver) WritePin(pin int, level Level) error {
	p, ok := r.pins[pin]
	if !ok {
		if err := r.SetupPin(pin, Output); err != nil {
			return err
		}
		p = r.pins[pin]
	}

	if level == High {
		p.High()
	} else {
		p.Low()
	}
	return nil
}

func (r *RPiDriver) ReadPin(pin int) (Level, error) {
	p, ok := r.pins[pin]
	if !ok {
		if err := r.SetupPin(pin, Input); err != nil {
			return Low, err
		}
		p = r.pins[pin]
	}

	if p.Read() == rpio.High {
		return High, nil
	}
	return Low, nil
}

// Close releases the GPIO mapping. Pins go back to input first so
// nothing keeps driving external hardware.
func (r *RPiDriver) Close() error {
	for pin, p := range r.pins {
		r.log.Debug().Int("pin", pin).Msg("resetting pin to input")
		p.Input()
	}
	return rpio.Close()
}
