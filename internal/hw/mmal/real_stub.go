//go:build !mmal

package mmal

import "errors"

var errNotAvailable = errors.New("MMAL support not built in - build with -tags mmal on a Raspberry Pi with the VideoCore userland libraries")

func newRealDriver() (Driver, error) {
	return nil, errNotAvailable
}
