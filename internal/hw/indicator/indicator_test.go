package indicator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astropicam/astropicam/internal/hw/gpio"
)

// recordingDriver records GPIO calls for verification.
type recordingDriver struct {
	calls []gpioCall
}

type gpioCall struct {
	op    string
	pin   int
	level gpio.Level
}

func (d *recordingDriver) SetupPin(pin int, mode gpio.PinMode) error {
	d.calls = append(d.calls, gpioCall{op: "setup", pin: pin})
	return nil
}

func (d *recordingDriver) WritePin(pin int, level gpio.Level) error {
	d.calls = append(d.calls, gpioCall{op: "write", pin: pin, level: level})
	return nil
}

func (d *recordingDriver) ReadPin(pin int) (gpio.Level, error) {
	return gpio.Low, nil
}

func (d *recordingDriver) Close() error { return nil }

func (d *recordingDriver) writes() []gpioCall {
	var out []gpioCall
	for _, c := range d.calls {
		if c.op == "write" {
			out = append(out, c)
		}
	}
	return out
}

func TestNewLeavesLEDOff(t *testing.T) {
	drv := &recordingDriver{}
	_, err := New(drv, 17, false)
	require.NoError(t, err)

	writes := drv.writes()
	require.Len(t, writes, 1)
	assert.Equal(t, 17, writes[0].pin)
	assert.Equal(t, gpio.Low, writes[0].level)
}

func TestOnOffLevels(t *testing.T) {
	drv := &recordingDriver{}
	led, err := New(drv, 17, false)
	require.NoError(t, err)
	drv.calls = nil

	require.NoError(t, led.On())
	require.NoError(t, led.Off())

	writes := drv.writes()
	require.Len(t, writes, 2)
	assert.Equal(t, gpio.High, writes[0].level)
	assert.Equal(t, gpio.Low, writes[1].level)
}

func TestActiveLowInvertsLevels(t *testing.T) {
	drv := &recordingDriver{}
	led, err := New(drv, 22, true)
	require.NoError(t, err)

	// Off at construction means the pin is held high.
	writes := drv.writes()
	require.Len(t, writes, 1)
	assert.Equal(t, gpio.High, writes[0].level)

	drv.calls = nil
	require.NoError(t, led.On())
	assert.Equal(t, gpio.Low, drv.writes()[0].level)
}

func TestPulseSwitchesOffAgain(t *testing.T) {
	drv := &recordingDriver{}
	led, err := New(drv, 17, false)
	require.NoError(t, err)
	drv.calls = nil

	require.NoError(t, led.Pulse(time.Microsecond))

	writes := drv.writes()
	require.Len(t, writes, 2)
	assert.Equal(t, gpio.High, writes[0].level)
	assert.Equal(t, gpio.Low, writes[1].level)
}
