package main

import (
	"math"
	"testing"

	"github.com/astropicam/astropicam/internal/config"
)

func TestValidateCLIOverridesValid(t *testing.T) {
	tests := []struct {
		name string
		o    cliOverrides
	}{
		{"all zero uses config", cliOverrides{}},
		{"typical deep sky run", cliOverrides{shutterUs: 30_000_000, gain: 2.0, count: 10}},
		{"gain at upper bound", cliOverrides{gain: 64}},
		{"count at upper bound", cliOverrides{count: 10000}},
		{"shutter at 32 bit limit", cliOverrides{shutterUs: math.MaxUint32}},
		{"sim alone", cliOverrides{sim: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := validateCLIOverrides(tt.o); err != nil {
				t.Errorf("validateCLIOverrides(%+v) = %v, want nil", tt.o, err)
			}
		})
	}
}

func TestValidateCLIOverridesInvalid(t *testing.T) {
	tests := []struct {
		name string
		o    cliOverrides
	}{
		{"shutter beyond 32 bits", cliOverrides{shutterUs: math.MaxUint32 + 1}},
		{"gain negative", cliOverrides{gain: -1}},
		{"gain above bound", cliOverrides{gain: 64.01}},
		{"gain NaN", cliOverrides{gain: math.NaN()}},
		{"gain positive infinity", cliOverrides{gain: math.Inf(1)}},
		{"gain negative infinity", cliOverrides{gain: math.Inf(-1)}},
		{"count negative", cliOverrides{count: -1}},
		{"count above bound", cliOverrides{count: 10001}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := validateCLIOverrides(tt.o); err == nil {
				t.Errorf("validateCLIOverrides(%+v) = nil, want error", tt.o)
			}
		})
	}
}

func TestWebAddrFlagSet(t *testing.T) {
	tests := []struct {
		value       string
		wantErr     bool
		wantEnabled bool
		wantPort    int
	}{
		{"", false, true, 0},
		{"8980", false, true, 8980},
		{"1", false, true, 1},
		{"65535", false, true, 65535},
		{"0", true, true, 0},
		{"65536", true, true, 0},
		{"-1", true, true, 0},
		{"abc", true, true, 0},
		{"8080.5", true, true, 0},
	}
	for _, tt := range tests {
		t.Run("value "+tt.value, func(t *testing.T) {
			var f webAddrFlag
			err := f.Set(tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Set(%q) error = %v, wantErr %v", tt.value, err, tt.wantErr)
			}
			if f.enabled != tt.wantEnabled {
				t.Errorf("Set(%q) enabled = %v, want %v", tt.value, f.enabled, tt.wantEnabled)
			}
			if err == nil && f.port != tt.wantPort {
				t.Errorf("Set(%q) port = %d, want %d", tt.value, f.port, tt.wantPort)
			}
		})
	}
}

func TestWebAddrFlagString(t *testing.T) {
	var unset webAddrFlag
	if got := unset.String(); got != "" {
		t.Errorf("String() on unset flag = %q, want empty", got)
	}

	var bare webAddrFlag
	if err := bare.Set(""); err != nil {
		t.Fatalf("Set(\"\") failed: %v", err)
	}
	if got := bare.String(); got != "config" {
		t.Errorf("String() after bare -web= = %q, want %q", got, "config")
	}

	var withPort webAddrFlag
	if err := withPort.Set("8980"); err != nil {
		t.Fatalf("Set(\"8980\") failed: %v", err)
	}
	if got := withPort.String(); got != "8980" {
		t.Errorf("String() = %q, want %q", got, "8980")
	}
}

func TestWebAddrFlagAddr(t *testing.T) {
	var bare webAddrFlag
	if err := bare.Set(""); err != nil {
		t.Fatalf("Set(\"\") failed: %v", err)
	}
	if got := bare.addr(":9000"); got != ":9000" {
		t.Errorf("addr(:9000) without port = %q, want configured address", got)
	}

	var withPort webAddrFlag
	if err := withPort.Set("8980"); err != nil {
		t.Fatalf("Set(\"8980\") failed: %v", err)
	}
	if got := withPort.addr(":9000"); got != ":8980" {
		t.Errorf("addr(:9000) with port = %q, want flag port", got)
	}
}

func baseConfig() *config.Config {
	return &config.Config{
		Exposure: config.ExposureConfig{ShutterUs: 5000, Gain: 1.5},
		Defaults: config.DefaultsConfig{Count: 3},
	}
}

func TestApplyOverridesAllZeroLeavesConfig(t *testing.T) {
	cfg := baseConfig()
	applyOverrides(cfg, cliOverrides{})

	if cfg.Exposure.ShutterUs != 5000 {
		t.Errorf("ShutterUs = %d, want 5000", cfg.Exposure.ShutterUs)
	}
	if cfg.Exposure.Gain != 1.5 {
		t.Errorf("Gain = %g, want 1.5", cfg.Exposure.Gain)
	}
	if cfg.Defaults.Count != 3 {
		t.Errorf("Count = %d, want 3", cfg.Defaults.Count)
	}
	if cfg.Defaults.SimHardware {
		t.Error("SimHardware flipped on without -sim")
	}
}

func TestApplyOverridesNonZeroApplied(t *testing.T) {
	cfg := baseConfig()
	applyOverrides(cfg, cliOverrides{shutterUs: 30_000_000, gain: 4.0, count: 20, sim: true})

	if cfg.Exposure.ShutterUs != 30_000_000 {
		t.Errorf("ShutterUs = %d, want 30000000", cfg.Exposure.ShutterUs)
	}
	if cfg.Exposure.Gain != 4.0 {
		t.Errorf("Gain = %g, want 4", cfg.Exposure.Gain)
	}
	if cfg.Defaults.Count != 20 {
		t.Errorf("Count = %d, want 20", cfg.Defaults.Count)
	}
	if !cfg.Defaults.SimHardware {
		t.Error("SimHardware not applied")
	}
}

func TestApplyOverridesPartial(t *testing.T) {
	cfg := baseConfig()
	applyOverrides(cfg, cliOverrides{count: 8})

	if cfg.Exposure.ShutterUs != 5000 {
		t.Errorf("ShutterUs = %d, want 5000 (untouched)", cfg.Exposure.ShutterUs)
	}
	if cfg.Defaults.Count != 8 {
		t.Errorf("Count = %d, want 8", cfg.Defaults.Count)
	}
}

func TestApplyOverridesSimNeverUnsets(t *testing.T) {
	cfg := baseConfig()
	cfg.Defaults.SimHardware = true
	applyOverrides(cfg, cliOverrides{sim: false})

	if !cfg.Defaults.SimHardware {
		t.Error("sim=false must not clear SimHardware from the config file")
	}
}
