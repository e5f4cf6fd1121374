//go:build !mmal

package mmal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewDriverRealWithoutTag(t *testing.T) {
	_, err := NewDriver(false)
	assert.ErrorIs(t, err, errNotAvailable)
}
