//go:build mmal

package mmal

/*
#cgo CFLAGS: -I/opt/vc/include

#include <interface/mmal/mmal.h>
*/
import "C"

import (
	"fmt"
	"sync"
	"unsafe"
)

// Control-channel event commands, four-character codes in firmware order.
const (
	cmdError            = uint32('E') | 'R'<<8 | 'R'<<16 | 'O'<<24
	cmdParameterChanged = uint32('E') | 'P'<<8 | 'C'<<16 | 'H'<<24
)

// portRegistry maps live firmware port handles back to their Go wrappers.
// Callbacks arrive on firmware threads, so lookups are locked.
var portRegistry = struct {
	sync.Mutex
	m map[uintptr]*hwPort
}{m: make(map[uintptr]*hwPort)}

func registerPort(p *C.MMAL_PORT_T, pt *hwPort) {
	portRegistry.Lock()
	defer portRegistry.Unlock()
	portRegistry.m[uintptr(unsafe.Pointer(p))] = pt
}

func unregisterPort(p *C.MMAL_PORT_T) {
	portRegistry.Lock()
	defer portRegistry.Unlock()
	delete(portRegistry.m, uintptr(unsafe.Pointer(p)))
}

func lookupPort(p *C.MMAL_PORT_T) *hwPort {
	portRegistry.Lock()
	defer portRegistry.Unlock()
	return portRegistry.m[uintptr(unsafe.Pointer(p))]
}

//export goPortCallback
func goPortCallback(port *C.MMAL_PORT_T, buf *C.MMAL_BUFFER_HEADER_T) {
	pt := lookupPort(port)
	if pt == nil {
		C.mmal_buffer_header_release(buf)
		return
	}

	ev, deliver := translateBuffer(buf)
	C.mmal_buffer_header_release(buf)

	// Hand the firmware a fresh buffer so the stream never starves.
	if pt.pool != nil {
		if next := C.mmal_queue_get(pt.pool.queue); next != nil {
			C.mmal_port_send_buffer(port, next)
		}
	}

	if deliver && pt.cb != nil {
		pt.cb(pt, ev)
	}
}

// translateBuffer maps a firmware buffer to an Event. Mid-frame data
// chunks produce no event; only frame boundaries and control commands do.
func translateBuffer(buf *C.MMAL_BUFFER_HEADER_T) (Event, bool) {
	switch uint32(buf.cmd) {
	case 0:
		if buf.flags&C.MMAL_BUFFER_HEADER_FLAG_FRAME_END != 0 {
			return Event{Type: EventFrameComplete}, true
		}
		return Event{}, false
	case cmdError:
		var st C.MMAL_STATUS_T = C.MMAL_SUCCESS
		if buf.length >= 4 {
			st = *(*C.MMAL_STATUS_T)(unsafe.Pointer(buf.data))
		}
		return Event{Type: EventError, Err: fmt.Errorf("asynchronous firmware error: %s", statusString(st))}, true
	case cmdParameterChanged:
		return Event{Type: EventParameterChanged}, true
	default:
		return Event{}, false
	}
}

func statusString(st C.MMAL_STATUS_T) string {
	if txt, ok := statusText[st]; ok {
		return txt
	}
	return fmt.Sprintf("status %d", int(st))
}
