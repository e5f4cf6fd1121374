// Package gpio abstracts the Raspberry Pi GPIO lines behind a small
// driver interface, so higher layers run unchanged against a mock on
// machines without the hardware.
package gpio

import (
	"github.com/astropicam/astropicam/internal/log"
)

// Level represents the logical state of a GPIO pin.
type Level bool

const (
	Low  Level = false
	High Level = true
)

func (l Level) String() string {
	if l == High {
		return "high"
	}
	return "low"
}

// PinMode indicates whether a GPIO is input or output.
type PinMode int

const (
	Input PinMode = iota
	Output
)

// Driver is the abstract interface for controlling GPIOs.
type Driver interface {
	SetupPin(pin int, mode PinMode) error
	WritePin(pin int, level Level) error
	ReadPin(pin int) (Level, error)
	Close() error
}

// NewDriver returns the mock driver when mock is true, otherwise the
// memory-mapped Raspberry Pi driver.
func NewDriver(mock bool) (Driver, error) {
	if mock {
		log.WithComponent("gpio").Info().Msg("using mock GPIO driver")
		return NewMockDriver(), nil
	}
	return NewRPiDriver()
}

// MockDriver is an in-memory stand-in. Written levels are remembered so
// reads behave consistently during development.
type MockDriver struct {
	levels map[int]Level
}

func NewMockDriver() *MockDriver {
	return &MockDriver{levels: make(map[int]Level)}
}

func (m *MockDriver) SetupPin(pin int, mode PinMode) error {
	return nil
}

func (m *MockDriver) WritePin(pin int, level Level) error {
	m.levels[pin] = level
	return nil
}

func (m *MockDriver) ReadPin(pin int) (Level, error) {
	return m.levels[pin], nil
}

func (m *MockDriver) Close() error {
	return nil
}
