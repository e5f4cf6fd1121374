// Package mmal abstracts the VideoCore media-graph camera stack behind a
// small driver interface, so the rest of the application can be developed
// and tested without Raspberry Pi firmware present.
//
// Two implementations exist: a simulated in-memory model (always available,
// used for development and tests) and a real binding against the MMAL
// userland libraries (build with -tags mmal on a Raspberry Pi).
package mmal

import "errors"

// Component identities understood by the firmware's device-info subsystem.
const (
	CompCamera     = "vc.ril.camera"
	CompCameraInfo = "vc.camera_info"
)

// Camera output port indices. The topology is fixed by the firmware:
// every camera component exposes exactly these three typed outputs.
const (
	PortPreview = 0
	PortVideo   = 1
	PortCapture = 2
)

var (
	// ErrPortEnabled is returned when an operation requires a disabled port.
	ErrPortEnabled = errors.New("port is enabled")
	// ErrPortDisabled is returned when an operation requires an enabled port.
	ErrPortDisabled = errors.New("port is disabled")
	// ErrComponentDestroyed is returned for any use of a destroyed handle.
	ErrComponentDestroyed = errors.New("component destroyed")
	// ErrUnknownComponent is returned for component identities the firmware
	// does not provide.
	ErrUnknownComponent = errors.New("unknown component identity")
)

// EventType classifies control-plane notifications delivered out-of-band
// by the firmware.
type EventType int

const (
	// EventError reports an asynchronous hardware error.
	EventError EventType = iota
	// EventParameterChanged acknowledges a parameter write.
	EventParameterChanged
	// EventFrameComplete signals that the port finished emitting a frame.
	EventFrameComplete
)

func (e EventType) String() string {
	switch e {
	case EventError:
		return "error"
	case EventParameterChanged:
		return "parameter-changed"
	case EventFrameComplete:
		return "frame-complete"
	default:
		return "unknown"
	}
}

// Event is a control-plane notification. Payload interpretation is up to
// the receiver; this layer only transports it.
type Event struct {
	Type  EventType
	Param ParamID // set for EventParameterChanged
	Err   error   // set for EventError
}

// PortCallback receives asynchronous events for an enabled port. Callbacks
// run outside the controlling goroutine and must not block.
type PortCallback func(p Port, ev Event)

// Port is one sub-interface of a component: either the control channel
// (whole-component parameters and lifecycle) or a typed output channel.
type Port interface {
	Name() string

	Enable(cb PortCallback) error
	Disable() error
	Enabled() bool

	// Typed parameter accessors. Every write/read is a synchronous
	// round-trip to the firmware and yields a status.
	SetBool(id ParamID, v bool) error
	SetUint32(id ParamID, v uint32) error
	GetUint32(id ParamID) (uint32, error)
	SetInt32(id ParamID, v int32) error
	SetRational(id ParamID, v Rational) error

	// SetParam and GetParam exchange compound records. GetParam fills the
	// record in place; the record's declared header size is respected by
	// the firmware (see CameraInfoParam.UndersizeForFirmwareCheck).
	SetParam(p Param) error
	GetParam(p Param) error

	// Format returns the staged elementary-stream format for mutation;
	// CommitFormat pushes the staged values to the firmware.
	Format() *StreamFormat
	CommitFormat() error

	// RGBOrderFixed reports whether the firmware guarantees RGB channel
	// order on this port. When it does not, RGB24 and BGR24 are swapped.
	RGBOrderFixed() bool

	BufferSizeRecommended() uint32
	BufferSize() uint32
	SetBufferSize(n uint32)
}

// Component is an opaque handle to one hardware component. It exposes a
// control channel and an indexed set of output channels, and is owned
// exclusively by whoever created it until Destroy.
type Component interface {
	Name() string
	Control() Port
	OutputCount() int
	Output(i int) Port
	Enable() error
	Disable() error
	Destroy() error
}

// Driver creates component handles by named identity.
type Driver interface {
	CreateComponent(name string) (Component, error)
	Close() error
}

// NewDriver returns the simulated driver when sim is true, otherwise the
// real MMAL binding (available only in binaries built with -tags mmal).
func NewDriver(sim bool) (Driver, error) {
	if sim {
		return NewSimDriver(), nil
	}
	return newRealDriver()
}
