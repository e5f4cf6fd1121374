// Command astropicam drives a Raspberry Pi camera for long-exposure
// astrophotography. Without flags it runs one capture sequence from the
// configuration file and exits; with -web= it stays up and serves the
// control page.
//
//	astropicam -config configs/default.yaml -shutter-us 30000000 -count 10
//	astropicam -web= -sim
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/astropicam/astropicam/internal/config"
	"github.com/astropicam/astropicam/internal/hw/camera"
	"github.com/astropicam/astropicam/internal/hw/focuser"
	"github.com/astropicam/astropicam/internal/hw/gpio"
	"github.com/astropicam/astropicam/internal/hw/indicator"
	"github.com/astropicam/astropicam/internal/hw/mmal"
	"github.com/astropicam/astropicam/internal/log"
	"github.com/astropicam/astropicam/internal/logic/exposure"
	"github.com/astropicam/astropicam/internal/logic/optics"
	"github.com/astropicam/astropicam/internal/web"
)

// webAddrFlag makes -web both the daemon switch and an optional port
// override. Bare -web= listens on the address from the configuration
// file; -web 8980 overrides the port.
type webAddrFlag struct {
	enabled bool
	port    int
}

func (f *webAddrFlag) String() string {
	if !f.enabled {
		return ""
	}
	if f.port == 0 {
		return "config"
	}
	return strconv.Itoa(f.port)
}

func (f *webAddrFlag) Set(value string) error {
	f.enabled = true
	if value == "" {
		return nil
	}
	port, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid port %q", value)
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	f.port = port
	return nil
}

// addr resolves the listen address, preferring the flag port over the
// configured one.
func (f *webAddrFlag) addr(configured string) string {
	if f.port > 0 {
		return ":" + strconv.Itoa(f.port)
	}
	return configured
}

// cliOverrides carries the exposure flags. Zero values mean the
// configuration file wins.
type cliOverrides struct {
	shutterUs uint64
	gain      float64
	count     int
	sim       bool
}

func validateCLIOverrides(o cliOverrides) error {
	if o.shutterUs > math.MaxUint32 {
		return fmt.Errorf("shutter-us must be at most %d, got %d", uint64(math.MaxUint32), o.shutterUs)
	}
	if o.gain != 0 {
		if math.IsNaN(o.gain) || math.IsInf(o.gain, 0) {
			return fmt.Errorf("gain must be a finite number, got %g", o.gain)
		}
		if o.gain < 0 || o.gain > 64 {
			return fmt.Errorf("gain must be between 0 and 64, got %g", o.gain)
		}
	}
	if o.count < 0 || o.count > 10000 {
		return fmt.Errorf("count must be between 0 and 10000, got %d", o.count)
	}
	return nil
}

// applyOverrides folds non-zero flag values into the loaded configuration.
func applyOverrides(cfg *config.Config, o cliOverrides) {
	if o.shutterUs > 0 {
		cfg.Exposure.ShutterUs = uint32(o.shutterUs)
	}
	if o.gain > 0 {
		cfg.Exposure.Gain = o.gain
	}
	if o.count > 0 {
		cfg.Defaults.Count = o.count
	}
	if o.sim {
		cfg.Defaults.SimHardware = true
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "astropicam:", err)
		os.Exit(1)
	}
}

func run() error {
	var webFlag webAddrFlag
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "configuration file (must live in a configs directory)")
	flag.Var(&webFlag, "web", "serve the control page; -web= uses the configured address, -web 8980 overrides the port")
	shutterUs := flag.Uint64("shutter-us", 0, "exposure time in microseconds (0 = use config)")
	gain := flag.Float64("gain", 0, "analog gain (0 = use config)")
	count := flag.Int("count", 0, "frames per sequence (0 = use config)")
	sim := flag.Bool("sim", false, "use the simulated camera and GPIO")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	o := cliOverrides{shutterUs: *shutterUs, gain: *gain, count: *count, sim: *sim}
	if err := validateCLIOverrides(o); err != nil {
		return err
	}
	applyOverrides(cfg, o)

	b := web.NewStatusBroadcaster()
	logOut := io.Writer(os.Stderr)
	if webFlag.enabled {
		// Connected browsers see the same log lines as the terminal.
		logOut = zerolog.MultiLevelWriter(os.Stderr, web.BroadcastWriter(b))
	}
	log.Configure(log.Config{Level: cfg.Defaults.LogLevel, Output: logOut})
	logger := log.WithComponent("main")

	drv, err := mmal.NewDriver(cfg.Defaults.SimHardware)
	if err != nil {
		return fmt.Errorf("open camera stack: %w", err)
	}
	defer func() {
		if err := drv.Close(); err != nil {
			logger.Error().Err(err).Msg("camera stack teardown failed")
		}
	}()

	cam, err := camera.New(drv, camera.Config{
		CameraNum: cfg.Camera.Index,
		MaxWidth:  cfg.Camera.Width,
		MaxHeight: cfg.Camera.Height,
	})
	if err != nil {
		return fmt.Errorf("camera bring-up: %w", err)
	}
	defer func() {
		if err := cam.Close(); err != nil {
			logger.Error().Err(err).Msg("camera teardown failed")
		}
	}()
	logger.Info().
		Str("sensor", cam.Sensor().Name).
		Uint32("width", cam.Width()).
		Uint32("height", cam.Height()).
		Bool("sim", cfg.Defaults.SimHardware).
		Msg("camera ready")

	var (
		led        exposure.Indicator
		motor      exposure.Motor
		focusMotor web.FocusMotor
	)
	if cfg.Focuser.Enabled() || cfg.Indicator.Enabled() {
		gp, err := gpio.NewDriver(cfg.Defaults.SimHardware)
		if err != nil {
			return fmt.Errorf("open gpio: %w", err)
		}
		defer func() {
			if err := gp.Close(); err != nil {
				logger.Error().Err(err).Msg("gpio teardown failed")
			}
		}()
		if cfg.Focuser.Enabled() {
			f, err := focuser.New(gp, focuser.Config{
				StepPin:   cfg.Focuser.StepPin,
				DirPin:    cfg.Focuser.DirPin,
				EnablePin: cfg.Focuser.EnablePin,
				MaxTravel: cfg.Focuser.MaxTravel,
				StepDelay: cfg.StepDelay(),
			})
			if err != nil {
				return fmt.Errorf("focuser setup: %w", err)
			}
			motor = f
			focusMotor = f
		}
		if cfg.Indicator.Enabled() {
			l, err := indicator.New(gp, cfg.Indicator.Pin, cfg.Indicator.ActiveLow)
			if err != nil {
				return fmt.Errorf("indicator setup: %w", err)
			}
			led = l
		}
	}

	var field *optics.Calculator
	if cfg.Optics != nil {
		field, err = optics.New(optics.Config{
			FocalLengthMm: cfg.Optics.FocalLengthMm,
			PixelSizeUm:   cfg.Optics.PixelSizeUm,
		})
		if err != nil {
			return fmt.Errorf("optics: %w", err)
		}
		fov := field.FieldFor(cam.Width(), cam.Height())
		logger.Info().
			Float64("arcsec_per_px", fov.ScaleArcsecPx).
			Float64("width_deg", fov.WidthDeg).
			Float64("height_deg", fov.HeightDeg).
			Msg("field of view")
	}

	sess := exposure.New(cam, led, motor)
	sess.Notify = b.BroadcastMsg

	if !webFlag.enabled {
		return sess.Run(ctx, exposure.Params{
			Exposure: cfg.ExposureParameters(),
			Count:    cfg.Defaults.Count,
			Readout:  cfg.ReadoutAllowance(),
			Interval: cfg.Interval(),
		})
	}

	static, err := web.StaticSub()
	if err != nil {
		return fmt.Errorf("static assets: %w", err)
	}
	holder := config.NewHolder(cfg, *cfgPath)
	handlers := web.NewHandlers(web.HandlerDeps{
		Config:      holder,
		Camera:      cam,
		Runner:      sess,
		Focuser:     focusMotor,
		Optics:      field,
		Broadcaster: b,
		StaticFS:    static,
	})

	g, gctx := errgroup.WithContext(ctx)

	// The watcher is best-effort: a missing inotify backend should not
	// keep the daemon from serving.
	if err := holder.Watch(gctx); err != nil {
		logger.Warn().Err(err).Msg("config watcher unavailable, edits need a restart")
	}

	// Reloaded exposure defaults are pushed to the firmware right away
	// when the camera is idle. A running sequence keeps its own copy and
	// the one after it reads the holder anyway.
	updates := make(chan *config.Config, 1)
	holder.RegisterListener(updates)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case next := <-updates:
				if handlers.Running() {
					continue
				}
				if err := cam.SetCameraParameters(next.ExposureParameters()); err != nil {
					logger.Warn().Err(err).Msg("could not apply reloaded exposure settings")
				}
			}
		}
	})

	g.Go(func() error {
		return web.NewServer(webFlag.addr(cfg.Web.Addr), handlers).Run(gctx)
	})

	return g.Wait()
}
