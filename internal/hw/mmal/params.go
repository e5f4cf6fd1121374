package mmal

import (
	"encoding/binary"
	"fmt"
)

// Rational is the firmware's fixed num/den encoding for fractional values.
type Rational struct {
	Num int32
	Den int32
}

func (r Rational) String() string {
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}

// Float64 is for logging only; firmware exchanges stay rational.
func (r Rational) Float64() float64 {
	if r.Den == 0 {
		return 0
	}
	return float64(r.Num) / float64(r.Den)
}

// ParamID identifies one firmware parameter. The real binding translates
// these to the native enumeration; the values here are stable within this
// module only.
type ParamID uint32

const (
	ParamUnused ParamID = iota
	ParamCameraNum
	ParamCustomSensorConfig
	ParamCameraInfo
	ParamCameraConfig
	ParamCapture
	ParamCaptureStatsPass
	ParamAWBMode
	ParamExposureMode
	ParamSaturation
	ParamBrightness
	ParamISO
	ParamDigitalGain
	ParamAnalogGain
	ParamShutterSpeed
	ParamFPSRange
	ParamInputCrop
	ParamZeroCopy
	ParamEnableRawCapture
)

var paramNames = map[ParamID]string{
	ParamUnused:             "Unused",
	ParamCameraNum:          "CameraNum",
	ParamCustomSensorConfig: "CustomSensorConfig",
	ParamCameraInfo:         "CameraInfo",
	ParamCameraConfig:       "CameraConfig",
	ParamCapture:            "Capture",
	ParamCaptureStatsPass:   "CaptureStatsPass",
	ParamAWBMode:            "AWBMode",
	ParamExposureMode:       "ExposureMode",
	ParamSaturation:         "Saturation",
	ParamBrightness:         "Brightness",
	ParamISO:                "ISO",
	ParamDigitalGain:        "DigitalGain",
	ParamAnalogGain:         "AnalogGain",
	ParamShutterSpeed:       "ShutterSpeed",
	ParamFPSRange:           "FPSRange",
	ParamInputCrop:          "InputCrop",
	ParamZeroCopy:           "ZeroCopy",
	ParamEnableRawCapture:   "EnableRawCapture",
}

func (id ParamID) String() string {
	if n, ok := paramNames[id]; ok {
		return n
	}
	return fmt.Sprintf("ParamID(%d)", uint32(id))
}

// ParamHeader prefixes every compound parameter record. The firmware
// dispatches on both the identifier and the declared byte size, so the
// size travels with the record rather than being implied by its type.
type ParamHeader struct {
	ID   ParamID
	Size uint32
}

// Param is implemented by compound parameter records.
type Param interface {
	Header() *ParamHeader
	Validate() error
}

func sizeOf(v interface{}) uint32 {
	n := binary.Size(v)
	if n < 0 {
		panic(fmt.Sprintf("mmal: %T is not a fixed-size record", v))
	}
	return uint32(n)
}

// Camera info limits fixed by the firmware record layout.
const (
	MaxCameras    = 4
	MaxFlashes    = 2
	CameraNameLen = 16
)

// CameraInfoCamera describes one attached sensor.
type CameraInfoCamera struct {
	PortID      uint32
	MaxWidth    uint32
	MaxHeight   uint32
	LensPresent uint32
	Name        [CameraNameLen]byte
}

// CameraInfoFlash describes one attached flash device.
type CameraInfoFlash struct {
	FlashType uint32
}

// CameraInfoParam is the device-info inventory record: how many cameras
// and flashes are attached, and per-camera sensor geometry and name.
type CameraInfoParam struct {
	Hdr        ParamHeader
	NumCameras uint32
	NumFlashes uint32
	Cameras    [MaxCameras]CameraInfoCamera
	Flashes    [MaxFlashes]CameraInfoFlash
}

// NewCameraInfoParam returns a full-size inventory query.
func NewCameraInfoParam() *CameraInfoParam {
	p := &CameraInfoParam{}
	p.Hdr = ParamHeader{ID: ParamCameraInfo, Size: sizeOf(p)}
	return p
}

// UndersizeForFirmwareCheck shrinks the declared record size below the
// real struct size. Old firmware accepts the short query on the camera's
// own control channel, newer firmware rejects it; callers use the outcome
// to pick the discovery path.
func (p *CameraInfoParam) UndersizeForFirmwareCheck() {
	p.Hdr.Size -= 4
}

func (p *CameraInfoParam) Header() *ParamHeader { return &p.Hdr }

func (p *CameraInfoParam) Validate() error {
	if p.NumCameras > MaxCameras {
		return fmt.Errorf("camera count %d exceeds record capacity %d", p.NumCameras, MaxCameras)
	}
	if p.NumFlashes > MaxFlashes {
		return fmt.Errorf("flash count %d exceeds record capacity %d", p.NumFlashes, MaxFlashes)
	}
	return nil
}

// CameraName returns the NUL-terminated name of camera i.
func (p *CameraInfoParam) CameraName(i int) string {
	name := p.Cameras[i].Name
	for j, b := range name {
		if b == 0 {
			return string(name[:j])
		}
	}
	return string(name[:])
}

// SetCameraName stores s into camera i's fixed-width name field. Overlong
// names are truncated; the field always ends with a NUL.
func (p *CameraInfoParam) SetCameraName(i int, s string) {
	var name [CameraNameLen]byte
	n := copy(name[:CameraNameLen-1], s)
	name[n] = 0
	p.Cameras[i].Name = name
}

// TimestampMode selects how the firmware stamps frames.
type TimestampMode uint32

const (
	TimestampModeZero TimestampMode = iota
	TimestampModeRawSTC
	TimestampModeResetSTC
)

// CameraConfigParam is the whole-camera operating configuration committed
// once during bring-up.
type CameraConfigParam struct {
	Hdr                               ParamHeader
	MaxStillsW                        uint32
	MaxStillsH                        uint32
	StillsYUV422                      uint32
	OneShotStills                     uint32
	MaxPreviewVideoW                  uint32
	MaxPreviewVideoH                  uint32
	NumPreviewVideoFrames             uint32
	StillsCaptureCircularBufferHeight uint32
	FastPreviewResume                 uint32
	UseSTCTimestamp                   TimestampMode
}

// NewCameraConfigParam returns a config record with a populated header.
func NewCameraConfigParam() *CameraConfigParam {
	p := &CameraConfigParam{}
	p.Hdr = ParamHeader{ID: ParamCameraConfig, Size: sizeOf(p)}
	return p
}

func (p *CameraConfigParam) Header() *ParamHeader { return &p.Hdr }

func (p *CameraConfigParam) Validate() error {
	if p.MaxStillsW == 0 || p.MaxStillsH == 0 {
		return fmt.Errorf("stills geometry %dx%d must be non-zero", p.MaxStillsW, p.MaxStillsH)
	}
	if p.MaxPreviewVideoW == 0 || p.MaxPreviewVideoH == 0 {
		return fmt.Errorf("preview geometry %dx%d must be non-zero", p.MaxPreviewVideoW, p.MaxPreviewVideoH)
	}
	return nil
}

// FPSRangeParam bounds the frame interval the firmware may choose.
type FPSRangeParam struct {
	Hdr     ParamHeader
	FPSLow  Rational
	FPSHigh Rational
}

// NewFPSRangeParam returns a range record with a populated header.
func NewFPSRangeParam(low, high Rational) *FPSRangeParam {
	p := &FPSRangeParam{FPSLow: low, FPSHigh: high}
	p.Hdr = ParamHeader{ID: ParamFPSRange, Size: sizeOf(p)}
	return p
}

func (p *FPSRangeParam) Header() *ParamHeader { return &p.Hdr }

func (p *FPSRangeParam) Validate() error {
	if p.FPSLow.Den == 0 || p.FPSHigh.Den == 0 {
		return fmt.Errorf("fps range %v..%v has a zero denominator", p.FPSLow, p.FPSHigh)
	}
	return nil
}

// AWBMode selects the white-balance algorithm.
type AWBMode uint32

const (
	AWBModeOff AWBMode = iota
	AWBModeAuto
	AWBModeSunlight
	AWBModeCloudy
	AWBModeShade
	AWBModeTungsten
	AWBModeFluorescent
	AWBModeIncandescent
	AWBModeFlash
	AWBModeHorizon
	awbModeMax
)

// AWBModeParam carries the white-balance selection.
type AWBModeParam struct {
	Hdr  ParamHeader
	Mode AWBMode
}

// NewAWBModeParam returns an AWB record with a populated header.
func NewAWBModeParam(mode AWBMode) *AWBModeParam {
	p := &AWBModeParam{Mode: mode}
	p.Hdr = ParamHeader{ID: ParamAWBMode, Size: sizeOf(p)}
	return p
}

func (p *AWBModeParam) Header() *ParamHeader { return &p.Hdr }

func (p *AWBModeParam) Validate() error {
	if p.Mode >= awbModeMax {
		return fmt.Errorf("white-balance mode %d out of range", p.Mode)
	}
	return nil
}

// ExposureMode selects the exposure algorithm.
type ExposureMode uint32

const (
	ExposureModeOff ExposureMode = iota
	ExposureModeAuto
	ExposureModeNight
	ExposureModeNightPreview
	ExposureModeBacklight
	ExposureModeSpotlight
	ExposureModeSports
	ExposureModeSnow
	ExposureModeBeach
	ExposureModeVeryLong
	ExposureModeFixedFPS
	ExposureModeAntishake
	ExposureModeFireworks
	exposureModeMax
)

// ExposureModeParam carries the exposure algorithm selection.
type ExposureModeParam struct {
	Hdr  ParamHeader
	Mode ExposureMode
}

// NewExposureModeParam returns an exposure-mode record with a populated header.
func NewExposureModeParam(mode ExposureMode) *ExposureModeParam {
	p := &ExposureModeParam{Mode: mode}
	p.Hdr = ParamHeader{ID: ParamExposureMode, Size: sizeOf(p)}
	return p
}

func (p *ExposureModeParam) Header() *ParamHeader { return &p.Hdr }

func (p *ExposureModeParam) Validate() error {
	if p.Mode >= exposureModeMax {
		return fmt.Errorf("exposure mode %d out of range", p.Mode)
	}
	return nil
}

// CropFullExtent is the denominator of the normalized crop coordinate
// space: a rectangle of {0, 0, CropFullExtent, CropFullExtent} selects
// the whole sensor.
const CropFullExtent = 0x1000

// InputCropParam selects the sensor region of interest in normalized
// coordinates.
type InputCropParam struct {
	Hdr  ParamHeader
	Rect Rect
}

// NewInputCropParam returns a crop record with a populated header.
func NewInputCropParam(r Rect) *InputCropParam {
	p := &InputCropParam{Rect: r}
	p.Hdr = ParamHeader{ID: ParamInputCrop, Size: sizeOf(p)}
	return p
}

func (p *InputCropParam) Header() *ParamHeader { return &p.Hdr }

func (p *InputCropParam) Validate() error {
	r := p.Rect
	if r.X < 0 || r.Y < 0 || r.Width < 0 || r.Height < 0 {
		return fmt.Errorf("crop %+v has negative extent", r)
	}
	if r.X+r.Width > CropFullExtent || r.Y+r.Height > CropFullExtent {
		return fmt.Errorf("crop %+v exceeds normalized extent %#x", r, CropFullExtent)
	}
	return nil
}
