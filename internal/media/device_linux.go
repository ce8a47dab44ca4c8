//go:build linux && cgo

package media

import (
	"fmt"
	"log"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// deviceSource captures camera/microphone via pion/mediadevices
// (V4L2 + malgo). Display capture has no driver in this stack, so
// KindDisplay always fails with ErrUnavailable.
type deviceSource struct {
	selector *mediadevices.CodecSelector
}

// NewDeviceSource builds the platform capture source with VP8 video and
// Opus audio encoders.
func NewDeviceSource() (Source, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("media: vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("media: opus params: %w", err)
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)
	return &deviceSource{selector: selector}, nil
}

func (d *deviceSource) ConfigureEngine(me *webrtc.MediaEngine) error {
	d.selector.Populate(me)
	return nil
}

func (d *deviceSource) Acquire(kind Kind) (Track, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
	switch kind {
	case KindVideo:
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// Exclude MJPEG — some cameras expose an MJPEG V4L2 node
			// that produces malformed JPEG frames, which poisons the
			// VP8 encoder. Raw formats only.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			// Cap at 640×480 to keep VP8 encoding latency down.
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		}
	case KindAudio:
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	case KindDisplay:
		return nil, ErrUnavailable
	default:
		return nil, fmt.Errorf("media: unknown kind %q", kind)
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		log.Printf("MEDIA: GetUserMedia (%s) failed: %v", kind, err)
		return nil, ErrUnavailable
	}

	tracks := stream.GetTracks()
	if len(tracks) == 0 {
		return nil, ErrUnavailable
	}
	t := tracks[0]
	t.OnEnded(func(err error) {
		if err != nil {
			log.Printf("MEDIA: local %s track ended: %v", kind, err)
		}
	})
	log.Printf("MEDIA: captured local %s track", kind)
	return &deviceTrack{kind: kind, track: t}, nil
}

type deviceTrack struct {
	kind  Kind
	track mediadevices.Track
}

func (t *deviceTrack) Kind() Kind { return t.kind }

func (t *deviceTrack) Local() webrtc.TrackLocal { return t.track }

func (t *deviceTrack) Close() error { return t.track.Close() }
