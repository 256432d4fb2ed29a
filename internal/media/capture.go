package media

import (
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/webrtc/v4"

	// Driver registration is a side effect of the import.
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"

	"github.com/openspans/callcore/internal/domain"
)

// deviceCapture is the mediadevices-backed CaptureDevice.
type deviceCapture struct {
	selector *mediadevices.CodecSelector
}

// NewCaptureDevice builds the opus/VP8 codec selector and returns the real
// capture device.
func NewCaptureDevice() (CaptureDevice, error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}
	vp8Params, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vp8Params.BitRate = 500_000

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithAudioEncoders(&opusParams),
		mediadevices.WithVideoEncoders(&vp8Params),
	)
	return &deviceCapture{selector: selector}, nil
}

func (d *deviceCapture) Capture(kind domain.MediaKind) ([]CaptureTrack, error) {
	constraints := mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {},
		Codec: d.selector,
	}
	if kind.WantsVideo() {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {}
	}
	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, err
	}
	return wrapStream(stream), nil
}

func (d *deviceCapture) CaptureDisplay() ([]CaptureTrack, error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {},
		Codec: d.selector,
	})
	if err != nil {
		return nil, err
	}
	return wrapStream(stream), nil
}

func wrapStream(stream mediadevices.MediaStream) []CaptureTrack {
	tracks := stream.GetTracks()
	out := make([]CaptureTrack, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, &deviceTrack{t: t})
	}
	return out
}

// deviceTrack adapts mediadevices.Track to CaptureTrack. A mediadevices
// track is itself a webrtc.TrackLocal.
type deviceTrack struct {
	t mediadevices.Track
}

func (d *deviceTrack) Kind() webrtc.RTPCodecType { return d.t.Kind() }
func (d *deviceTrack) Local() webrtc.TrackLocal  { return d.t }
func (d *deviceTrack) OnEnded(fn func(error))    { d.t.OnEnded(fn) }
func (d *deviceTrack) Close() error              { return d.t.Close() }
