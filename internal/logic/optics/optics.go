// Package optics computes plate scale and field of view for a camera
// sensor behind a telescope.
package optics

import (
	"fmt"
	"math"
)

// arcsecPerMilliradian converts the pitch/focal ratio to arcseconds:
// pixel size in µm over focal length in mm is an angle in milliradians.
const arcsecPerMilliradian = 206.265

// Config describes the optical train in front of the sensor.
type Config struct {
	FocalLengthMm float64
	PixelSizeUm   float64
}

// Calculator computes image scale and field of view from the optical
// train and the sensor pixel grid.
type Calculator struct {
	cfg Config
}

// New creates a calculator. Both the focal length and the pixel size
// are required for the calculations.
func New(cfg Config) (*Calculator, error) {
	if cfg.FocalLengthMm <= 0 {
		return nil, fmt.Errorf("focal length must be positive, got %v mm", cfg.FocalLengthMm)
	}
	if cfg.PixelSizeUm <= 0 {
		return nil, fmt.Errorf("pixel size must be positive, got %v µm", cfg.PixelSizeUm)
	}
	return &Calculator{cfg: cfg}, nil
}

// ImageScale calculates the image scale in arcseconds per pixel.
// Formula: scale = 206.265 × pixel_size_µm / focal_length_mm
func (c *Calculator) ImageScale() float64 {
	return arcsecPerMilliradian * c.cfg.PixelSizeUm / c.cfg.FocalLengthMm
}

// FOVDegrees calculates the field of view spanned by a row or column
// of pixels, in degrees.
// Formula: FOV = 2 × arctan(span / (2 × focal_length))
func (c *Calculator) FOVDegrees(pixels uint32) float64 {
	spanMm := float64(pixels) * c.cfg.PixelSizeUm / 1000.0
	return 2.0 * math.Atan(spanMm/(2.0*c.cfg.FocalLengthMm)) * 180.0 / math.Pi
}

// Field is the sky coverage of one sensor, ready for display.
type Field struct {
	ScaleArcsecPx float64 `json:"scale_arcsec_px"`
	WidthDeg      float64 `json:"width_deg"`
	HeightDeg     float64 `json:"height_deg"`
}

// FieldFor computes the full descriptor for a sensor of the given
// pixel dimensions.
func (c *Calculator) FieldFor(width, height uint32) Field {
	return Field{
		ScaleArcsecPx: c.ImageScale(),
		WidthDeg:      c.FOVDegrees(width),
		HeightDeg:     c.FOVDegrees(height),
	}
}
