//go:build mmal

package mmal

/*
#cgo CFLAGS: -I/opt/vc/include
#cgo LDFLAGS: -L/opt/vc/lib -lmmal -lmmal_core -lmmal_util -lmmal_components -lvcos -lbcm_host

#include <stdlib.h>
#include <bcm_host.h>
#include <interface/mmal/mmal.h>
#include <interface/mmal/mmal_parameters_camera.h>
#include <interface/mmal/util/mmal_util.h>
#include <interface/mmal/util/mmal_util_params.h>

extern void goPortCallback(MMAL_PORT_T *port, MMAL_BUFFER_HEADER_T *buffer);

static MMAL_STATUS_T port_enable_go(MMAL_PORT_T *port) {
	return mmal_port_enable(port, goPortCallback);
}
*/
import "C"

import (
	"fmt"
	"sync"
	"unsafe"
)

// statusText mirrors the firmware status codes the way the userland tools
// report them.
var statusText = map[C.MMAL_STATUS_T]string{
	C.MMAL_ENOMEM:    "out of memory",
	C.MMAL_ENOSPC:    "out of resources",
	C.MMAL_EINVAL:    "argument is invalid",
	C.MMAL_ENOSYS:    "function not implemented",
	C.MMAL_ENOENT:    "no such entity",
	C.MMAL_ENXIO:     "no such device or address",
	C.MMAL_EIO:       "i/o error",
	C.MMAL_ESPIPE:    "illegal seek",
	C.MMAL_ECORRUPT:  "data is corrupt",
	C.MMAL_ENOTREADY: "component is not ready",
	C.MMAL_ECONFIG:   "component is not configured",
	C.MMAL_EISCONN:   "port is already connected",
	C.MMAL_ENOTCONN:  "port is disconnected",
	C.MMAL_EAGAIN:    "resource temporarily unavailable",
	C.MMAL_EFAULT:    "bad address",
}

func statusErr(op string, st C.MMAL_STATUS_T) error {
	if st == C.MMAL_SUCCESS {
		return nil
	}
	if txt, ok := statusText[st]; ok {
		return fmt.Errorf("%s: %s", op, txt)
	}
	return fmt.Errorf("%s: firmware status %d", op, int(st))
}

// cParamIDs translates module parameter identifiers to the firmware
// enumeration.
var cParamIDs = map[ParamID]C.uint32_t{
	ParamCameraNum:          C.MMAL_PARAMETER_CAMERA_NUM,
	ParamCustomSensorConfig: C.MMAL_PARAMETER_CAMERA_CUSTOM_SENSOR_CONFIG,
	ParamCameraInfo:         C.MMAL_PARAMETER_CAMERA_INFO,
	ParamCameraConfig:       C.MMAL_PARAMETER_CAMERA_CONFIG,
	ParamCapture:            C.MMAL_PARAMETER_CAPTURE,
	ParamCaptureStatsPass:   C.MMAL_PARAMETER_CAPTURE_STATS_PASS,
	ParamAWBMode:            C.MMAL_PARAMETER_AWB_MODE,
	ParamExposureMode:       C.MMAL_PARAMETER_EXPOSURE_MODE,
	ParamSaturation:         C.MMAL_PARAMETER_SATURATION,
	ParamBrightness:         C.MMAL_PARAMETER_BRIGHTNESS,
	ParamISO:                C.MMAL_PARAMETER_ISO,
	ParamDigitalGain:        C.MMAL_PARAMETER_DIGITAL_GAIN,
	ParamAnalogGain:         C.MMAL_PARAMETER_ANALOG_GAIN,
	ParamShutterSpeed:       C.MMAL_PARAMETER_SHUTTER_SPEED,
	ParamFPSRange:           C.MMAL_PARAMETER_FPS_RANGE,
	ParamInputCrop:          C.MMAL_PARAMETER_INPUT_CROP,
	ParamZeroCopy:           C.MMAL_PARAMETER_ZERO_COPY,
	ParamEnableRawCapture:   C.MMAL_PARAMETER_ENABLE_RAW_CAPTURE,
}

func cParam(id ParamID) (C.uint32_t, error) {
	cid, ok := cParamIDs[id]
	if !ok {
		return 0, fmt.Errorf("parameter %v has no firmware mapping", id)
	}
	return cid, nil
}

type hwDriver struct{}

var bcmOnce sync.Once

// newRealDriver connects to the VideoCore firmware. The connection is
// process-wide and stays up for the life of the process.
func newRealDriver() (Driver, error) {
	bcmOnce.Do(func() { C.bcm_host_init() })
	return &hwDriver{}, nil
}

func (d *hwDriver) CreateComponent(name string) (Component, error) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	var comp *C.MMAL_COMPONENT_T
	if err := statusErr("create "+name, C.mmal_component_create(cname, &comp)); err != nil {
		return nil, err
	}
	hc := &hwComponent{c: comp, name: name}
	hc.control = newHWPort(hc, comp.control, -1)
	for i, p := range unsafe.Slice(comp.output, int(comp.output_num)) {
		hc.outputs = append(hc.outputs, newHWPort(hc, p, i))
	}
	return hc, nil
}

func (d *hwDriver) Close() error { return nil }

type hwComponent struct {
	c       *C.MMAL_COMPONENT_T
	name    string
	control *hwPort
	outputs []*hwPort
}

func (hc *hwComponent) Name() string      { return hc.name }
func (hc *hwComponent) Control() Port     { return hc.control }
func (hc *hwComponent) OutputCount() int  { return len(hc.outputs) }
func (hc *hwComponent) Output(i int) Port { return hc.outputs[i] }

func (hc *hwComponent) Enable() error {
	return statusErr("enable component "+hc.name, C.mmal_component_enable(hc.c))
}

func (hc *hwComponent) Disable() error {
	return statusErr("disable component "+hc.name, C.mmal_component_disable(hc.c))
}

func (hc *hwComponent) Destroy() error {
	unregisterPort(hc.control.p)
	for _, pt := range hc.outputs {
		unregisterPort(pt.p)
	}
	return statusErr("destroy "+hc.name, C.mmal_component_destroy(hc.c))
}

type hwPort struct {
	p     *C.MMAL_PORT_T
	comp  *hwComponent
	index int

	cb     PortCallback
	pool   *C.MMAL_POOL_T
	staged StreamFormat
	loaded bool
}

func newHWPort(hc *hwComponent, p *C.MMAL_PORT_T, index int) *hwPort {
	return &hwPort{p: p, comp: hc, index: index}
}

func (pt *hwPort) Name() string  { return C.GoString(pt.p.name) }
func (pt *hwPort) Enabled() bool { return pt.p.is_enabled != 0 }

// Enable registers the Go callback and arms the port. Output ports get a
// buffer pool sized to the port's own advice; buffers are recycled in the
// callback so the firmware never starves.
func (pt *hwPort) Enable(cb PortCallback) error {
	pt.cb = cb
	registerPort(pt.p, pt)
	if pt.index >= 0 {
		num := pt.p.buffer_num
		if num < pt.p.buffer_num_min {
			num = pt.p.buffer_num_min
		}
		size := pt.p.buffer_size
		if size < pt.p.buffer_size_min {
			size = pt.p.buffer_size_min
		}
		pt.p.buffer_num = num
		pt.p.buffer_size = size
		pt.pool = C.mmal_port_pool_create(pt.p, num, size)
		if pt.pool == nil {
			unregisterPort(pt.p)
			return fmt.Errorf("enable %s: buffer pool allocation failed", pt.Name())
		}
	}
	if err := statusErr("enable "+pt.Name(), C.port_enable_go(pt.p)); err != nil {
		pt.dropPool()
		unregisterPort(pt.p)
		return err
	}
	for pt.pool != nil {
		buf := C.mmal_queue_get(pt.pool.queue)
		if buf == nil {
			break
		}
		if err := statusErr("prime "+pt.Name(), C.mmal_port_send_buffer(pt.p, buf)); err != nil {
			return err
		}
	}
	return nil
}

func (pt *hwPort) Disable() error {
	err := statusErr("disable "+pt.Name(), C.mmal_port_disable(pt.p))
	pt.dropPool()
	unregisterPort(pt.p)
	pt.cb = nil
	return err
}

func (pt *hwPort) dropPool() {
	if pt.pool != nil {
		C.mmal_port_pool_destroy(pt.p, pt.pool)
		pt.pool = nil
	}
}

func (pt *hwPort) SetBool(id ParamID, v bool) error {
	cid, err := cParam(id)
	if err != nil {
		return err
	}
	b := C.MMAL_BOOL_T(0)
	if v {
		b = 1
	}
	return statusErr(fmt.Sprintf("set %v on %s", id, pt.Name()),
		C.mmal_port_parameter_set_boolean(pt.p, cid, b))
}

func (pt *hwPort) SetUint32(id ParamID, v uint32) error {
	cid, err := cParam(id)
	if err != nil {
		return err
	}
	return statusErr(fmt.Sprintf("set %v on %s", id, pt.Name()),
		C.mmal_port_parameter_set_uint32(pt.p, cid, C.uint32_t(v)))
}

func (pt *hwPort) GetUint32(id ParamID) (uint32, error) {
	cid, err := cParam(id)
	if err != nil {
		return 0, err
	}
	var v C.uint32_t
	if err := statusErr(fmt.Sprintf("get %v on %s", id, pt.Name()),
		C.mmal_port_parameter_get_uint32(pt.p, cid, &v)); err != nil {
		return 0, err
	}
	return uint32(v), nil
}

func (pt *hwPort) SetInt32(id ParamID, v int32) error {
	cid, err := cParam(id)
	if err != nil {
		return err
	}
	return statusErr(fmt.Sprintf("set %v on %s", id, pt.Name()),
		C.mmal_port_parameter_set_int32(pt.p, cid, C.int32_t(v)))
}

func (pt *hwPort) SetRational(id ParamID, v Rational) error {
	cid, err := cParam(id)
	if err != nil {
		return err
	}
	r := C.MMAL_RATIONAL_T{num: C.int32_t(v.Num), den: C.int32_t(v.Den)}
	return statusErr(fmt.Sprintf("set %v on %s", id, pt.Name()),
		C.mmal_port_parameter_set_rational(pt.p, cid, r))
}

func (pt *hwPort) SetParam(p Param) error {
	if err := p.Validate(); err != nil {
		return err
	}
	switch v := p.(type) {
	case *CameraConfigParam:
		var c C.MMAL_PARAMETER_CAMERA_CONFIG_T
		c.hdr = C.MMAL_PARAMETER_HEADER_T{id: C.MMAL_PARAMETER_CAMERA_CONFIG, size: C.uint32_t(unsafe.Sizeof(c))}
		c.max_stills_w = C.uint32_t(v.MaxStillsW)
		c.max_stills_h = C.uint32_t(v.MaxStillsH)
		c.stills_yuv422 = C.int32_t(v.StillsYUV422)
		c.one_shot_stills = C.int32_t(v.OneShotStills)
		c.max_preview_video_w = C.uint32_t(v.MaxPreviewVideoW)
		c.max_preview_video_h = C.uint32_t(v.MaxPreviewVideoH)
		c.num_preview_video_frames = C.uint32_t(v.NumPreviewVideoFrames)
		c.stills_capture_circular_buffer_height = C.uint32_t(v.StillsCaptureCircularBufferHeight)
		c.fast_preview_resume = C.int32_t(v.FastPreviewResume)
		c.use_stc_timestamp = C.MMAL_PARAMETER_CAMERA_CONFIG_TIMESTAMP_MODE_T(v.UseSTCTimestamp)
		return statusErr("set CameraConfig on "+pt.Name(), C.mmal_port_parameter_set(pt.p, &c.hdr))
	case *FPSRangeParam:
		var c C.MMAL_PARAMETER_FPS_RANGE_T
		c.hdr = C.MMAL_PARAMETER_HEADER_T{id: C.MMAL_PARAMETER_FPS_RANGE, size: C.uint32_t(unsafe.Sizeof(c))}
		c.fps_low = C.MMAL_RATIONAL_T{num: C.int32_t(v.FPSLow.Num), den: C.int32_t(v.FPSLow.Den)}
		c.fps_high = C.MMAL_RATIONAL_T{num: C.int32_t(v.FPSHigh.Num), den: C.int32_t(v.FPSHigh.Den)}
		return statusErr("set FPSRange on "+pt.Name(), C.mmal_port_parameter_set(pt.p, &c.hdr))
	case *AWBModeParam:
		var c C.MMAL_PARAMETER_AWBMODE_T
		c.hdr = C.MMAL_PARAMETER_HEADER_T{id: C.MMAL_PARAMETER_AWB_MODE, size: C.uint32_t(unsafe.Sizeof(c))}
		c.value = C.MMAL_PARAM_AWBMODE_T(v.Mode)
		return statusErr("set AWBMode on "+pt.Name(), C.mmal_port_parameter_set(pt.p, &c.hdr))
	case *ExposureModeParam:
		var c C.MMAL_PARAMETER_EXPOSUREMODE_T
		c.hdr = C.MMAL_PARAMETER_HEADER_T{id: C.MMAL_PARAMETER_EXPOSURE_MODE, size: C.uint32_t(unsafe.Sizeof(c))}
		c.value = C.MMAL_PARAM_EXPOSUREMODE_T(v.Mode)
		return statusErr("set ExposureMode on "+pt.Name(), C.mmal_port_parameter_set(pt.p, &c.hdr))
	case *InputCropParam:
		var c C.MMAL_PARAMETER_INPUT_CROP_T
		c.hdr = C.MMAL_PARAMETER_HEADER_T{id: C.MMAL_PARAMETER_INPUT_CROP, size: C.uint32_t(unsafe.Sizeof(c))}
		c.rect = C.MMAL_RECT_T{
			x:      C.int32_t(v.Rect.X),
			y:      C.int32_t(v.Rect.Y),
			width:  C.int32_t(v.Rect.Width),
			height: C.int32_t(v.Rect.Height),
		}
		return statusErr("set InputCrop on "+pt.Name(), C.mmal_port_parameter_set(pt.p, &c.hdr))
	default:
		return fmt.Errorf("set %v on %s: record type %T has no firmware mapping", p.Header().ID, pt.Name(), p)
	}
}

func (pt *hwPort) GetParam(p Param) error {
	switch v := p.(type) {
	case *CameraInfoParam:
		var c C.MMAL_PARAMETER_CAMERA_INFO_T
		size := C.uint32_t(unsafe.Sizeof(c))
		if v.Hdr.Size < sizeOf(v) {
			size -= 4
		}
		c.hdr = C.MMAL_PARAMETER_HEADER_T{id: C.MMAL_PARAMETER_CAMERA_INFO, size: size}
		if err := statusErr("get CameraInfo on "+pt.Name(), C.mmal_port_parameter_get(pt.p, &c.hdr)); err != nil {
			return err
		}
		v.NumCameras = uint32(c.num_cameras)
		v.NumFlashes = uint32(c.num_flashes)
		for i := 0; i < MaxCameras; i++ {
			cam := c.cameras[i]
			v.Cameras[i].PortID = uint32(cam.port_id)
			v.Cameras[i].MaxWidth = uint32(cam.max_width)
			v.Cameras[i].MaxHeight = uint32(cam.max_height)
			v.Cameras[i].LensPresent = uint32(cam.lens_present)
			for j := 0; j < CameraNameLen; j++ {
				v.Cameras[i].Name[j] = byte(cam.camera_name[j])
			}
		}
		for i := 0; i < MaxFlashes; i++ {
			v.Flashes[i].FlashType = uint32(c.flashes[i].flash_type)
		}
		return nil
	case *FPSRangeParam:
		var c C.MMAL_PARAMETER_FPS_RANGE_T
		c.hdr = C.MMAL_PARAMETER_HEADER_T{id: C.MMAL_PARAMETER_FPS_RANGE, size: C.uint32_t(unsafe.Sizeof(c))}
		if err := statusErr("get FPSRange on "+pt.Name(), C.mmal_port_parameter_get(pt.p, &c.hdr)); err != nil {
			return err
		}
		v.FPSLow = Rational{Num: int32(c.fps_low.num), Den: int32(c.fps_low.den)}
		v.FPSHigh = Rational{Num: int32(c.fps_high.num), Den: int32(c.fps_high.den)}
		return nil
	default:
		return fmt.Errorf("get %v on %s: record type %T has no firmware mapping", p.Header().ID, pt.Name(), p)
	}
}

func (pt *hwPort) Format() *StreamFormat {
	if !pt.loaded {
		f := pt.p.format
		video := (*C.MMAL_VIDEO_FORMAT_T)(unsafe.Pointer(f.es))
		pt.staged = StreamFormat{
			Encoding:        FourCC(f.encoding),
			EncodingVariant: FourCC(f.encoding_variant),
			Video: VideoFormat{
				Width:  uint32(video.width),
				Height: uint32(video.height),
				Crop: Rect{
					X:      int32(video.crop.x),
					Y:      int32(video.crop.y),
					Width:  int32(video.crop.width),
					Height: int32(video.crop.height),
				},
				FrameRate:   Rational{Num: int32(video.frame_rate.num), Den: int32(video.frame_rate.den)},
				PixelAspect: Rational{Num: int32(video.par.num), Den: int32(video.par.den)},
			},
		}
		pt.loaded = true
	}
	return &pt.staged
}

func (pt *hwPort) CommitFormat() error {
	pt.Format()
	f := pt.p.format
	f.encoding = C.uint32_t(pt.staged.Encoding)
	f.encoding_variant = C.uint32_t(pt.staged.EncodingVariant)
	video := (*C.MMAL_VIDEO_FORMAT_T)(unsafe.Pointer(f.es))
	video.width = C.uint32_t(pt.staged.Video.Width)
	video.height = C.uint32_t(pt.staged.Video.Height)
	video.crop = C.MMAL_RECT_T{
		x:      C.int32_t(pt.staged.Video.Crop.X),
		y:      C.int32_t(pt.staged.Video.Crop.Y),
		width:  C.int32_t(pt.staged.Video.Crop.Width),
		height: C.int32_t(pt.staged.Video.Crop.Height),
	}
	video.frame_rate = C.MMAL_RATIONAL_T{num: C.int32_t(pt.staged.Video.FrameRate.Num), den: C.int32_t(pt.staged.Video.FrameRate.Den)}
	video.par = C.MMAL_RATIONAL_T{num: C.int32_t(pt.staged.Video.PixelAspect.Num), den: C.int32_t(pt.staged.Video.PixelAspect.Den)}
	return statusErr("commit format on "+pt.Name(), C.mmal_port_format_commit(pt.p))
}

func (pt *hwPort) RGBOrderFixed() bool {
	return C.mmal_util_rgb_order_fixed(pt.p) != 0
}

func (pt *hwPort) BufferSizeRecommended() uint32 { return uint32(pt.p.buffer_size_recommended) }
func (pt *hwPort) BufferSize() uint32            { return uint32(pt.p.buffer_size) }
func (pt *hwPort) SetBufferSize(n uint32)        { pt.p.buffer_size = C.uint32_t(n) }
