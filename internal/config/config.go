package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/astropicam/astropicam/internal/hw/camera"
	"github.com/astropicam/astropicam/internal/hw/mmal"
)

// MaxConfigFileBytes caps how large a config file Load will read.
const MaxConfigFileBytes = 1 << 20

// CameraConfig selects the sensor and the capture geometry.
type CameraConfig struct {
	Index  int32  `yaml:"index"`  // camera slot on the board, usually 0
	Width  uint32 `yaml:"width"`  // capture width in pixels, 0 = sensor native
	Height uint32 `yaml:"height"` // capture height in pixels, 0 = sensor native
}

// ROIConfig crops the sensor readout. Coordinates are normalized to the
// firmware's 0..4096 full-frame extent, independent of pixel geometry.
type ROIConfig struct {
	X      int32 `yaml:"x"`
	Y      int32 `yaml:"y"`
	Width  int32 `yaml:"width"`
	Height int32 `yaml:"height"`
}

// ExposureConfig holds the exposure applied at startup and between
// web-triggered captures.
type ExposureConfig struct {
	ShutterUs     uint32     `yaml:"shutter_us"`     // exposure time in microseconds, 0 = firmware auto
	Gain          float64    `yaml:"gain"`           // analog gain multiplier, e.g. 1.0
	ISO           uint32     `yaml:"iso"`            // e.g. 100, 400, 800; 0 = leave the gain schedule alone
	AWB           string     `yaml:"awb"`            // e.g. "off", "auto", "tungsten"
	BrightnessPct int32      `yaml:"brightness_pct"` // 0-100, 50 is neutral
	SaturationPct int32      `yaml:"saturation_pct"` // -100..100, 0 is neutral
	ROI           *ROIConfig `yaml:"roi,omitempty"`  // optional readout crop
}

// FocuserConfig wires a stepper-driven drawtube focuser.
type FocuserConfig struct {
	StepPin     int `yaml:"step_pin"`      // BCM pin for STEP, 0 = no focuser
	DirPin      int `yaml:"dir_pin"`       // BCM pin for DIR
	EnablePin   int `yaml:"enable_pin"`    // A4988 ENABLE pin (BCM). 0 = not used. Active LOW.
	MaxTravel   int `yaml:"max_travel"`    // travel limit in steps, 0 = no limit
	StepDelayMs int `yaml:"step_delay_ms"` // pause between step edges (ms)
}

// Enabled reports whether a focuser is wired at all.
func (f FocuserConfig) Enabled() bool {
	return f.StepPin > 0 && f.DirPin > 0
}

// IndicatorConfig drives the capture status LED.
type IndicatorConfig struct {
	Pin       int  `yaml:"pin"`        // BCM pin, 0 = no LED
	ActiveLow bool `yaml:"active_low"` // true when the LED sinks current into the pin
}

// Enabled reports whether an LED is wired.
func (i IndicatorConfig) Enabled() bool {
	return i.Pin > 0
}

// OpticsConfig describes the telescope the camera sits behind.
type OpticsConfig struct {
	FocalLengthMm float64 `yaml:"focal_length_mm"` // e.g. 1000.0 for a small Newtonian
	PixelSizeUm   float64 `yaml:"pixel_size_um"`   // e.g. 1.55 for the HQ camera
}

// DefaultsConfig contains generic runtime parameters.
type DefaultsConfig struct {
	LogLevel           string `yaml:"log_level"`            // trace, debug, info, warn, error
	SimHardware        bool   `yaml:"sim_hardware"`         // true = simulated camera and GPIO (dev/test)
	ReadoutAllowanceMs int    `yaml:"readout_allowance_ms"` // frame wait margin on top of the shutter time (ms)
	IntervalMs         int    `yaml:"interval_ms"`          // pause between frames of a sequence (ms)
	Count              int    `yaml:"count"`                // frames per sequence
}

// WebConfig configures the LAN control endpoint.
type WebConfig struct {
	Addr string `yaml:"addr"` // listen address, e.g. ":8080"
}

// Config aggregates all application configuration.
type Config struct {
	Camera    CameraConfig    `yaml:"camera"`
	Exposure  ExposureConfig  `yaml:"exposure"`
	Focuser   FocuserConfig   `yaml:"focuser"`
	Indicator IndicatorConfig `yaml:"indicator"`
	Optics    *OpticsConfig   `yaml:"optics,omitempty"` // optional
	Defaults  DefaultsConfig  `yaml:"defaults"`
	Web       WebConfig       `yaml:"web"`
}

// awbModes maps the yaml spelling onto the firmware enum.
var awbModes = map[string]mmal.AWBMode{
	"off":          mmal.AWBModeOff,
	"auto":         mmal.AWBModeAuto,
	"sunlight":     mmal.AWBModeSunlight,
	"cloudy":       mmal.AWBModeCloudy,
	"shade":        mmal.AWBModeShade,
	"tungsten":     mmal.AWBModeTungsten,
	"fluorescent":  mmal.AWBModeFluorescent,
	"incandescent": mmal.AWBModeIncandescent,
	"flash":        mmal.AWBModeFlash,
	"horizon":      mmal.AWBModeHorizon,
}

// ValidateConfigPath rejects paths that do not look like a deployed
// config file: .yaml extension, directly under a configs/ directory,
// no traversal left after cleaning.
func ValidateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("config path is empty")
	}
	if filepath.Ext(path) != ".yaml" {
		return fmt.Errorf("config file must use the .yaml extension, got %q", path)
	}
	clean := filepath.Clean(path)
	for _, part := range strings.Split(clean, string(filepath.Separator)) {
		if part == ".." {
			return fmt.Errorf("config path %q escapes the configs directory", path)
		}
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return fmt.Errorf("config file must live under a configs/ directory, got %q", path)
	}
	return nil
}

// Load reads a YAML file and returns the validated configuration.
func Load(path string) (*Config, error) {
	if err := ValidateConfigPath(path); err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if info.Size() > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file is %d bytes, limit is %d", info.Size(), MaxConfigFileBytes)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	// Basic validation
	if cfg.Camera.Index < 0 || cfg.Camera.Index > 3 {
		return nil, fmt.Errorf("camera.index must be between 0 and 3, got %d", cfg.Camera.Index)
	}
	if cfg.Exposure.AWB == "" {
		cfg.Exposure.AWB = "auto"
	}
	if _, ok := awbModes[cfg.Exposure.AWB]; !ok {
		return nil, fmt.Errorf("exposure.awb: unknown mode %q", cfg.Exposure.AWB)
	}
	if cfg.Exposure.Gain < 0 {
		return nil, fmt.Errorf("exposure.gain must be >= 0, got %.2f", cfg.Exposure.Gain)
	}
	if cfg.Exposure.Gain == 0 {
		cfg.Exposure.Gain = 1.0 // unity gain
	}
	if cfg.Exposure.BrightnessPct < 0 || cfg.Exposure.BrightnessPct > 100 {
		return nil, fmt.Errorf("exposure.brightness_pct must be between 0 and 100, got %d", cfg.Exposure.BrightnessPct)
	}
	if cfg.Exposure.BrightnessPct == 0 {
		cfg.Exposure.BrightnessPct = 50 // neutral
	}
	if cfg.Exposure.SaturationPct < -100 || cfg.Exposure.SaturationPct > 100 {
		return nil, fmt.Errorf("exposure.saturation_pct must be between -100 and 100, got %d", cfg.Exposure.SaturationPct)
	}
	if cfg.Exposure.ROI != nil {
		if err := cfg.Exposure.ROI.validate(); err != nil {
			return nil, err
		}
	}
	if (cfg.Focuser.StepPin > 0) != (cfg.Focuser.DirPin > 0) {
		return nil, fmt.Errorf("focuser needs both step_pin and dir_pin, got step=%d dir=%d",
			cfg.Focuser.StepPin, cfg.Focuser.DirPin)
	}
	if cfg.Focuser.MaxTravel < 0 {
		return nil, fmt.Errorf("focuser.max_travel must be >= 0, got %d", cfg.Focuser.MaxTravel)
	}
	if cfg.Focuser.StepDelayMs <= 0 {
		cfg.Focuser.StepDelayMs = 1
	}
	if cfg.Optics != nil {
		if cfg.Optics.FocalLengthMm <= 0 {
			return nil, fmt.Errorf("optics.focal_length_mm must be > 0, got %.2f", cfg.Optics.FocalLengthMm)
		}
		if cfg.Optics.PixelSizeUm <= 0 {
			return nil, fmt.Errorf("optics.pixel_size_um must be > 0, got %.2f", cfg.Optics.PixelSizeUm)
		}
	}
	if cfg.Defaults.LogLevel == "" {
		cfg.Defaults.LogLevel = "info"
	}
	if cfg.Defaults.ReadoutAllowanceMs <= 0 {
		cfg.Defaults.ReadoutAllowanceMs = 5000 // margin for sensor readout after long exposures
	}
	if cfg.Defaults.IntervalMs < 0 {
		return nil, fmt.Errorf("defaults.interval_ms must be >= 0, got %d", cfg.Defaults.IntervalMs)
	}
	if cfg.Defaults.Count <= 0 {
		cfg.Defaults.Count = 1
	}
	if cfg.Web.Addr == "" {
		cfg.Web.Addr = ":8080"
	}

	return &cfg, nil
}

func (r *ROIConfig) validate() error {
	if r.X < 0 || r.Y < 0 {
		return fmt.Errorf("exposure.roi: x and y must be >= 0")
	}
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("exposure.roi: width and height must be > 0")
	}
	if r.X+r.Width > mmal.CropFullExtent || r.Y+r.Height > mmal.CropFullExtent {
		return fmt.Errorf("exposure.roi: rectangle exceeds the 0..%d extent", mmal.CropFullExtent)
	}
	return nil
}

// ReadoutAllowance returns the extra frame wait granted on top of the
// shutter time before an exposure is declared lost.
func (c *Config) ReadoutAllowance() time.Duration {
	return time.Duration(c.Defaults.ReadoutAllowanceMs) * time.Millisecond
}

// Interval returns the pause between frames of a sequence.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.Defaults.IntervalMs) * time.Millisecond
}

// StepDelay returns the pause between focuser step edges.
func (c *Config) StepDelay() time.Duration {
	return time.Duration(c.Focuser.StepDelayMs) * time.Millisecond
}

// ExposureParameters expands the exposure section into a full parameter
// batch. Spellings that Load has not vetted fall back to auto white
// balance.
func (c *Config) ExposureParameters() camera.Parameters {
	p := camera.DefaultParameters()
	p.ShutterUs = c.Exposure.ShutterUs
	p.Gain = c.Exposure.Gain
	p.ISO = c.Exposure.ISO
	if mode, ok := awbModes[c.Exposure.AWB]; ok {
		p.AWBMode = mode
	}
	p.Saturation = mmal.Rational{Num: c.Exposure.SaturationPct, Den: 100}
	p.Brightness = mmal.Rational{Num: c.Exposure.BrightnessPct, Den: 100}
	if roi := c.Exposure.ROI; roi != nil {
		p.ROI = mmal.Rect{X: roi.X, Y: roi.Y, Width: roi.Width, Height: roi.Height}
	}
	return p
}
