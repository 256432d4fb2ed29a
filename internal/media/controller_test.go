package media

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/openspans/callcore/internal/core"
	"github.com/openspans/callcore/internal/domain"
)

type fakeTrack struct {
	kind    webrtc.RTPCodecType
	local   webrtc.TrackLocal
	closed  int
	onEnded func(error)
}

func newFakeTrack(t *testing.T, kind webrtc.RTPCodecType) *fakeTrack {
	t.Helper()
	mime := webrtc.MimeTypeOpus
	if kind == webrtc.RTPCodecTypeVideo {
		mime = webrtc.MimeTypeVP8
	}
	local, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: mime}, "t", "fake")
	if err != nil {
		t.Fatalf("fake track: %v", err)
	}
	return &fakeTrack{kind: kind, local: local}
}

func (f *fakeTrack) Kind() webrtc.RTPCodecType { return f.kind }
func (f *fakeTrack) Local() webrtc.TrackLocal  { return f.local }
func (f *fakeTrack) OnEnded(fn func(error))    { f.onEnded = fn }
func (f *fakeTrack) Close() error              { f.closed++; return nil }

type fakeDevice struct {
	t          *testing.T
	failKind   bool
	tracks     []*fakeTrack
	display    []*fakeTrack
	displayErr error
}

func (d *fakeDevice) Capture(kind domain.MediaKind) ([]CaptureTrack, error) {
	if d.failKind {
		return nil, errors.New("device busy")
	}
	d.tracks = []*fakeTrack{newFakeTrack(d.t, webrtc.RTPCodecTypeAudio)}
	if kind.WantsVideo() {
		d.tracks = append(d.tracks, newFakeTrack(d.t, webrtc.RTPCodecTypeVideo))
	}
	out := make([]CaptureTrack, len(d.tracks))
	for i, ft := range d.tracks {
		out[i] = ft
	}
	return out, nil
}

func (d *fakeDevice) CaptureDisplay() ([]CaptureTrack, error) {
	if d.displayErr != nil {
		return nil, d.displayErr
	}
	d.display = []*fakeTrack{
		newFakeTrack(d.t, webrtc.RTPCodecTypeVideo),
		newFakeTrack(d.t, webrtc.RTPCodecTypeAudio),
	}
	out := make([]CaptureTrack, len(d.display))
	for i, ft := range d.display {
		out[i] = ft
	}
	return out, nil
}

func TestController_ToggleMuteRoundTrip(t *testing.T) {
	dev := &fakeDevice{t: t}
	c := NewController(dev)
	if err := c.Acquire(domain.KindVideo); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	audio := c.tracks[0]
	video := c.tracks[1]
	if !audio.Enabled() || !video.Enabled() {
		t.Fatalf("tracks must start enabled")
	}

	if muted := c.ToggleMute(); !muted {
		t.Fatalf("first toggle must mute")
	}
	if audio.Enabled() {
		t.Fatalf("audio still enabled after mute")
	}
	if !video.Enabled() {
		t.Fatalf("mute must not touch video")
	}

	if muted := c.ToggleMute(); muted {
		t.Fatalf("second toggle must unmute")
	}
	if !audio.Enabled() {
		t.Fatalf("two toggles must restore the original state")
	}
}

func TestController_ToggleVideoOnlyHitsVideo(t *testing.T) {
	dev := &fakeDevice{t: t}
	c := NewController(dev)
	if err := c.Acquire(domain.KindVideo); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if off := c.ToggleVideo(); !off {
		t.Fatalf("first toggle must disable video")
	}
	if c.tracks[1].Enabled() {
		t.Fatalf("video still enabled")
	}
	if !c.tracks[0].Enabled() {
		t.Fatalf("video toggle must not mute audio")
	}
}

func TestController_ReleaseIsIdempotent(t *testing.T) {
	dev := &fakeDevice{t: t}
	c := NewController(dev)
	if err := c.Acquire(domain.KindVoice); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	c.Release()
	c.Release()
	if !c.AllStopped() {
		t.Fatalf("tracks not stopped")
	}
	for _, ft := range dev.tracks {
		if ft.closed != 1 {
			t.Fatalf("track closed %d times, want 1", ft.closed)
		}
	}

	// A toggle after release must not resurrect a stopped track.
	c.ToggleMute()
	if !c.AllStopped() {
		t.Fatalf("toggle resurrected a stopped track")
	}
}

func TestController_ReleaseAfterFailedAcquire(t *testing.T) {
	dev := &fakeDevice{t: t, failKind: true}
	c := NewController(dev)

	err := c.Acquire(domain.KindVoice)
	var acqErr *core.MediaAcquisitionError
	if !errors.As(err, &acqErr) {
		t.Fatalf("expected MediaAcquisitionError, got %v", err)
	}
	if acqErr.Kind != domain.KindVoice {
		t.Fatalf("error names wrong kind: %s", acqErr.Kind)
	}

	// Must be a safe no-op with nothing acquired.
	c.Release()
	if !c.AllStopped() {
		t.Fatalf("AllStopped false with no tracks")
	}
}

func TestController_DisplayEndedFiresOnce(t *testing.T) {
	dev := &fakeDevice{t: t}
	c := NewController(dev)

	fired := 0
	c.OnDisplayEnded(func() { fired++ })
	if err := c.AcquireDisplay(); err != nil {
		t.Fatalf("acquire display: %v", err)
	}

	// Both display tracks report the OS-level capture end.
	for _, ft := range dev.display {
		ft.onEnded(nil)
	}
	if fired != 1 {
		t.Fatalf("stop path ran %d times, want 1", fired)
	}
}

func TestController_ReleaseDisplayKeepsCallTracks(t *testing.T) {
	dev := &fakeDevice{t: t}
	c := NewController(dev)
	if err := c.Acquire(domain.KindVoice); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := c.AcquireDisplay(); err != nil {
		t.Fatalf("acquire display: %v", err)
	}

	c.ReleaseDisplay()
	for _, ft := range dev.display {
		if ft.closed != 1 {
			t.Fatalf("display track not closed")
		}
	}
	if !c.tracks[0].Enabled() {
		t.Fatalf("call track must survive display release")
	}
	if len(c.DisplayTracks()) != 0 {
		t.Fatalf("display tracks still listed after release")
	}
}
