//go:build !linux || !cgo

package media

import "github.com/pion/webrtc/v4"

// Camera/mic capture via pion/mediadevices requires platform drivers
// (V4L2/malgo on Linux). Elsewhere every acquisition fails and calls
// run receive-only.
type deviceSource struct{}

func NewDeviceSource() (Source, error) {
	return &deviceSource{}, nil
}

func (d *deviceSource) ConfigureEngine(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (d *deviceSource) Acquire(Kind) (Track, error) {
	return nil, ErrUnavailable
}
