package mmal

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Native frame-interval bounds reported by the simulated capture channel
// before anything narrows them.
var (
	DefaultNativeFPSLow  = Rational{Num: 166, Den: 1000}
	DefaultNativeFPSHigh = Rational{Num: 30000, Den: 1000}
)

const simBufferRecommended = 1 << 17

// SimCamera describes one sensor attached to the simulated firmware.
type SimCamera struct {
	Name      string
	MaxWidth  uint32
	MaxHeight uint32
}

type simFailure struct {
	match string
	err   error
}

// SimDriver is an in-memory model of the camera firmware. Every
// control-plane operation is recorded as a canonical string such as
//
//	set vc.ril.camera:ctr CameraNum=0
//	commit vc.ril.camera:out2 OPQV 4056x3040
//
// so tests can assert exact call sequences, and failures and skewed
// read-backs can be scripted per operation.
type SimDriver struct {
	mu sync.Mutex

	legacy      bool
	cameras     []SimCamera
	rgbFixed    bool
	zeroOutputs bool
	nativeLow   Rational
	nativeHigh  Rational
	expDelay    time.Duration
	shutterRB   func(uint32) uint32
	fpsRB       *FPSRangeParam

	ops      []string
	failures []simFailure

	components []*simComponent
	closed     bool
}

// NewSimDriver returns a simulated firmware with one HQ sensor attached
// and the modern discovery behavior (the short legacy info query on the
// camera's own control channel is rejected).
func NewSimDriver() *SimDriver {
	return &SimDriver{
		cameras:    []SimCamera{{Name: "imx477", MaxWidth: 4056, MaxHeight: 3040}},
		rgbFixed:   true,
		nativeLow:  DefaultNativeFPSLow,
		nativeHigh: DefaultNativeFPSHigh,
	}
}

// SetLegacyFirmware switches the simulated firmware vintage. Legacy
// firmware accepts the undersized camera-info query on the camera's own
// control channel.
func (d *SimDriver) SetLegacyFirmware(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.legacy = v
}

// SetCameras replaces the attached sensor inventory.
func (d *SimDriver) SetCameras(cams ...SimCamera) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cameras = cams
}

// SetRGBOrderFixed controls whether ports report guaranteed RGB ordering.
func (d *SimDriver) SetRGBOrderFixed(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rgbFixed = v
}

// SetZeroOutputPorts makes subsequently created camera components expose
// no output ports.
func (d *SimDriver) SetZeroOutputPorts(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.zeroOutputs = v
}

// SetExposureDelay sets how long after a capture start the frame-complete
// event fires. Zero fires it immediately (still asynchronously).
func (d *SimDriver) SetExposureDelay(dur time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.expDelay = dur
}

// SetNativeFPSRange overrides the frame-interval bounds reported before
// any range is set.
func (d *SimDriver) SetNativeFPSRange(low, high Rational) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nativeLow, d.nativeHigh = low, high
}

// SetShutterReadBack installs a transform applied when the shutter-speed
// parameter is read back, modeling firmware clamping.
func (d *SimDriver) SetShutterReadBack(f func(uint32) uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shutterRB = f
}

// SetFPSReadBack overrides what frame-interval range reads return,
// regardless of what was last written.
func (d *SimDriver) SetFPSReadBack(low, high Rational) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fpsRB = &FPSRangeParam{FPSLow: low, FPSHigh: high}
}

// FailOn makes every operation whose canonical string contains match fail
// with err. The operation is still recorded.
func (d *SimDriver) FailOn(match string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = append(d.failures, simFailure{match: match, err: err})
}

// ClearFailures removes all scripted failures.
func (d *SimDriver) ClearFailures() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = nil
}

// Ops returns a copy of the recorded operation log.
func (d *SimDriver) Ops() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.ops))
	copy(out, d.ops)
	return out
}

// OpsMatching returns the recorded operations containing substr.
func (d *SimDriver) OpsMatching(substr string) []string {
	var out []string
	for _, op := range d.Ops() {
		if strings.Contains(op, substr) {
			out = append(out, op)
		}
	}
	return out
}

// ResetOps clears the operation log.
func (d *SimDriver) ResetOps() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ops = nil
}

// OpenComponents returns the names of components created but not yet
// destroyed, for leak assertions.
func (d *SimDriver) OpenComponents() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, c := range d.components {
		if !c.destroyed {
			out = append(out, c.name)
		}
	}
	return out
}

// InputCropOn reports the crop rectangle last written to a component's
// control channel.
func (d *SimDriver) InputCropOn(component string) (Rect, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.components {
		if c.name != component || c.destroyed {
			continue
		}
		if p, ok := c.control.params[ParamInputCrop].(*InputCropParam); ok {
			return p.Rect, true
		}
	}
	return Rect{}, false
}

// record appends the canonical operation string and applies any scripted
// failure. Callers hold d.mu.
func (d *SimDriver) record(op string) error {
	d.ops = append(d.ops, op)
	for _, f := range d.failures {
		if strings.Contains(op, f.match) {
			return f.err
		}
	}
	return nil
}

// CreateComponent builds a handle for one of the known component
// identities.
func (d *SimDriver) CreateComponent(name string) (Component, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("create %s: driver closed", name)
	}
	if err := d.record("create " + name); err != nil {
		return nil, err
	}

	c := &simComponent{d: d, name: name}
	switch name {
	case CompCamera:
		c.control = newSimPort(c, name+":ctr", -1)
		if !d.zeroOutputs {
			for i := 0; i < 3; i++ {
				c.outputs = append(c.outputs, newSimPort(c, fmt.Sprintf("%s:out%d", name, i), i))
			}
		}
	case CompCameraInfo:
		c.control = newSimPort(c, name+":ctr", -1)
	default:
		return nil, fmt.Errorf("create %s: %w", name, ErrUnknownComponent)
	}
	d.components = append(d.components, c)
	return c, nil
}

// Close invalidates the driver. Pending frame events are cancelled.
func (d *SimDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for _, c := range d.components {
		c.stopFrameTimer()
	}
	return nil
}

func (d *SimDriver) fillCameraInfo(p *CameraInfoParam) {
	p.NumCameras = uint32(len(d.cameras))
	p.NumFlashes = 0
	for i, cam := range d.cameras {
		if i >= MaxCameras {
			break
		}
		p.Cameras[i] = CameraInfoCamera{
			PortID:    uint32(i),
			MaxWidth:  cam.MaxWidth,
			MaxHeight: cam.MaxHeight,
		}
		p.SetCameraName(i, cam.Name)
	}
}

type simComponent struct {
	d          *SimDriver
	name       string
	control    *simPort
	outputs    []*simPort
	enabled    bool
	destroyed  bool
	frameTimer *time.Timer
}

func (c *simComponent) Name() string      { return c.name }
func (c *simComponent) Control() Port     { return c.control }
func (c *simComponent) OutputCount() int  { return len(c.outputs) }
func (c *simComponent) Output(i int) Port { return c.outputs[i] }

func (c *simComponent) Enable() error {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	if c.destroyed {
		return ErrComponentDestroyed
	}
	if err := c.d.record("enable-component " + c.name); err != nil {
		return err
	}
	c.enabled = true
	return nil
}

func (c *simComponent) Disable() error {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	if c.destroyed {
		return ErrComponentDestroyed
	}
	if err := c.d.record("disable-component " + c.name); err != nil {
		return err
	}
	c.enabled = false
	c.stopFrameTimer()
	return nil
}

func (c *simComponent) Destroy() error {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	if c.destroyed {
		return ErrComponentDestroyed
	}
	if err := c.d.record("destroy " + c.name); err != nil {
		return err
	}
	c.destroyed = true
	c.stopFrameTimer()
	return nil
}

// stopFrameTimer cancels a pending frame event. Callers hold d.mu.
func (c *simComponent) stopFrameTimer() {
	if c.frameTimer != nil {
		c.frameTimer.Stop()
		c.frameTimer = nil
	}
}

type simPort struct {
	c     *simComponent
	name  string
	index int

	enabled   bool
	cb        PortCallback
	format    StreamFormat
	bufSize   uint32
	bufRecom  uint32
	u32       map[ParamID]uint32
	i32       map[ParamID]int32
	bools     map[ParamID]bool
	rationals map[ParamID]Rational
	params    map[ParamID]Param
}

func newSimPort(c *simComponent, name string, index int) *simPort {
	return &simPort{
		c:         c,
		name:      name,
		index:     index,
		bufRecom:  simBufferRecommended,
		u32:       make(map[ParamID]uint32),
		i32:       make(map[ParamID]int32),
		bools:     make(map[ParamID]bool),
		rationals: make(map[ParamID]Rational),
		params:    make(map[ParamID]Param),
	}
}

func (pt *simPort) Name() string { return pt.name }

func (pt *simPort) Enabled() bool {
	pt.c.d.mu.Lock()
	defer pt.c.d.mu.Unlock()
	return pt.enabled
}

func (pt *simPort) Enable(cb PortCallback) error {
	d := pt.c.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if pt.c.destroyed {
		return ErrComponentDestroyed
	}
	if err := d.record("enable " + pt.name); err != nil {
		return err
	}
	if pt.enabled {
		return fmt.Errorf("enable %s: %w", pt.name, ErrPortEnabled)
	}
	pt.enabled = true
	pt.cb = cb
	return nil
}

func (pt *simPort) Disable() error {
	d := pt.c.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if pt.c.destroyed {
		return ErrComponentDestroyed
	}
	if err := d.record("disable " + pt.name); err != nil {
		return err
	}
	if !pt.enabled {
		return fmt.Errorf("disable %s: %w", pt.name, ErrPortDisabled)
	}
	pt.enabled = false
	pt.cb = nil
	if pt.index == PortCapture {
		pt.c.stopFrameTimer()
	}
	return nil
}

func (pt *simPort) SetBool(id ParamID, v bool) error {
	d := pt.c.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if pt.c.destroyed {
		return ErrComponentDestroyed
	}
	if err := d.record(fmt.Sprintf("set %s %v=%t", pt.name, id, v)); err != nil {
		return err
	}
	pt.bools[id] = v
	if id == ParamCapture && pt.c.name == CompCamera && pt.index == PortCapture {
		if v {
			d.scheduleFrame(pt)
		} else {
			pt.c.stopFrameTimer()
		}
	}
	return nil
}

func (pt *simPort) SetUint32(id ParamID, v uint32) error {
	d := pt.c.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if pt.c.destroyed {
		return ErrComponentDestroyed
	}
	if err := d.record(fmt.Sprintf("set %s %v=%d", pt.name, id, v)); err != nil {
		return err
	}
	pt.u32[id] = v
	return nil
}

func (pt *simPort) GetUint32(id ParamID) (uint32, error) {
	d := pt.c.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if pt.c.destroyed {
		return 0, ErrComponentDestroyed
	}
	if err := d.record(fmt.Sprintf("get %s %v", pt.name, id)); err != nil {
		return 0, err
	}
	v := pt.u32[id]
	if id == ParamShutterSpeed && d.shutterRB != nil {
		v = d.shutterRB(v)
	}
	return v, nil
}

func (pt *simPort) SetInt32(id ParamID, v int32) error {
	d := pt.c.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if pt.c.destroyed {
		return ErrComponentDestroyed
	}
	if err := d.record(fmt.Sprintf("set %s %v=%d", pt.name, id, v)); err != nil {
		return err
	}
	pt.i32[id] = v
	return nil
}

func (pt *simPort) SetRational(id ParamID, v Rational) error {
	d := pt.c.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if pt.c.destroyed {
		return ErrComponentDestroyed
	}
	if err := d.record(fmt.Sprintf("set %s %v=%v", pt.name, id, v)); err != nil {
		return err
	}
	pt.rationals[id] = v
	return nil
}

func (pt *simPort) SetParam(p Param) error {
	d := pt.c.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if pt.c.destroyed {
		return ErrComponentDestroyed
	}
	id := p.Header().ID
	if err := d.record(fmt.Sprintf("setparam %s %v", pt.name, id)); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("setparam %v: %w", id, err)
	}
	switch v := p.(type) {
	case *CameraConfigParam:
		cp := *v
		pt.params[id] = &cp
	case *FPSRangeParam:
		cp := *v
		pt.params[id] = &cp
	case *AWBModeParam:
		cp := *v
		pt.params[id] = &cp
	case *ExposureModeParam:
		cp := *v
		pt.params[id] = &cp
	case *InputCropParam:
		cp := *v
		pt.params[id] = &cp
	}
	return nil
}

func (pt *simPort) GetParam(p Param) error {
	d := pt.c.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if pt.c.destroyed {
		return ErrComponentDestroyed
	}
	switch v := p.(type) {
	case *CameraInfoParam:
		undersized := v.Hdr.Size < sizeOf(v)
		op := "getparam " + pt.name + " CameraInfo"
		if undersized {
			op += " undersized"
		}
		if err := d.record(op); err != nil {
			return err
		}
		if pt.c.name == CompCameraInfo {
			d.fillCameraInfo(v)
			return nil
		}
		// The camera's own control channel answers only the short legacy
		// query, and only on old firmware. New firmware rejects it.
		if d.legacy && undersized {
			return nil
		}
		return fmt.Errorf("getparam CameraInfo on %s: record size mismatch", pt.name)
	case *FPSRangeParam:
		if err := d.record("getparam " + pt.name + " FPSRange"); err != nil {
			return err
		}
		if d.fpsRB != nil {
			v.FPSLow, v.FPSHigh = d.fpsRB.FPSLow, d.fpsRB.FPSHigh
			return nil
		}
		if st, ok := pt.params[ParamFPSRange].(*FPSRangeParam); ok {
			v.FPSLow, v.FPSHigh = st.FPSLow, st.FPSHigh
			return nil
		}
		v.FPSLow, v.FPSHigh = d.nativeLow, d.nativeHigh
		return nil
	default:
		id := p.Header().ID
		if err := d.record(fmt.Sprintf("getparam %s %v", pt.name, id)); err != nil {
			return err
		}
		return fmt.Errorf("getparam %v on %s: not supported", id, pt.name)
	}
}

func (pt *simPort) Format() *StreamFormat { return &pt.format }

func (pt *simPort) CommitFormat() error {
	d := pt.c.d
	d.mu.Lock()
	defer d.mu.Unlock()
	if pt.c.destroyed {
		return ErrComponentDestroyed
	}
	op := fmt.Sprintf("commit %s %v %dx%d", pt.name, pt.format.Encoding, pt.format.Video.Width, pt.format.Video.Height)
	return d.record(op)
}

func (pt *simPort) RGBOrderFixed() bool {
	pt.c.d.mu.Lock()
	defer pt.c.d.mu.Unlock()
	return pt.c.d.rgbFixed
}

func (pt *simPort) BufferSizeRecommended() uint32 { return pt.bufRecom }
func (pt *simPort) BufferSize() uint32            { return pt.bufSize }
func (pt *simPort) SetBufferSize(n uint32)        { pt.bufSize = n }

// scheduleFrame arms the one-shot frame event after the simulated exposure
// delay. Callers hold d.mu; the callback runs without it.
func (d *SimDriver) scheduleFrame(pt *simPort) {
	if !pt.enabled || pt.cb == nil {
		return
	}
	pt.c.stopFrameTimer()
	cb := pt.cb
	pt.c.frameTimer = time.AfterFunc(d.expDelay, func() {
		cb(pt, Event{Type: EventFrameComplete})
	})
}
