package media

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/openspans/callcore/internal/core"
	"github.com/openspans/callcore/internal/domain"
)

// CaptureDevice opens device tracks for a media kind. Real capture goes
// through mediadevices (capture.go); tests plug fakes.
type CaptureDevice interface {
	Capture(kind domain.MediaKind) ([]CaptureTrack, error)
	CaptureDisplay() ([]CaptureTrack, error)
}

// Controller implements core.MediaSession for one call. Tracks are
// exclusively owned by the acquiring client and never shared across calls.
type Controller struct {
	dev CaptureDevice

	mu             sync.Mutex
	tracks         []*LocalTrack
	display        []*LocalTrack
	muted          bool
	videoOff       bool
	displayEnded   bool
	onDisplayEnded func()
}

func NewController(dev CaptureDevice) *Controller {
	return &Controller{dev: dev}
}

// NewFactory returns a core.MediaFactory creating one controller per call.
func NewFactory(dev CaptureDevice) core.MediaFactory {
	return func() core.MediaSession { return NewController(dev) }
}

func (c *Controller) Acquire(kind domain.MediaKind) error {
	captured, err := c.dev.Capture(kind)
	if err != nil {
		return &core.MediaAcquisitionError{Kind: kind, Err: err}
	}
	c.mu.Lock()
	for _, src := range captured {
		c.tracks = append(c.tracks, newLocalTrack(src))
	}
	c.mu.Unlock()
	log.Debug().Str("module", "media").Int("tracks", len(captured)).Str("kind", string(kind)).Msg("acquired")
	return nil
}

func (c *Controller) AcquireDisplay() error {
	captured, err := c.dev.CaptureDisplay()
	if err != nil {
		return &core.MediaAcquisitionError{Kind: domain.KindScreenShare, Err: err}
	}
	c.mu.Lock()
	c.displayEnded = false
	for _, src := range captured {
		lt := newLocalTrack(src)
		c.display = append(c.display, lt)
		src.OnEnded(func(error) { c.fireDisplayEnded() })
	}
	c.mu.Unlock()
	return nil
}

// fireDisplayEnded runs the registered stop path once per acquisition, no
// matter how many tracks report the capture end.
func (c *Controller) fireDisplayEnded() {
	c.mu.Lock()
	if c.displayEnded {
		c.mu.Unlock()
		return
	}
	c.displayEnded = true
	fn := c.onDisplayEnded
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *Controller) OnDisplayEnded(fn func()) {
	c.mu.Lock()
	c.onDisplayEnded = fn
	c.mu.Unlock()
}

func (c *Controller) Tracks() []webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]webrtc.TrackLocal, 0, len(c.tracks))
	for _, t := range c.tracks {
		out = append(out, t.Local())
	}
	return out
}

func (c *Controller) DisplayTracks() []webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]webrtc.TrackLocal, 0, len(c.display))
	for _, t := range c.display {
		out = append(out, t.Local())
	}
	return out
}

func (c *Controller) ToggleMute() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.muted = !c.muted
	for _, t := range c.tracks {
		if t.Kind() == webrtc.RTPCodecTypeAudio {
			t.setEnabled(!c.muted)
		}
	}
	return c.muted
}

func (c *Controller) ToggleVideo() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.videoOff = !c.videoOff
	for _, t := range c.tracks {
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			t.setEnabled(!c.videoOff)
		}
	}
	return c.videoOff
}

// Release stops every acquired track. Idempotent, and a safe no-op when
// nothing was acquired (e.g. right after a failed Acquire).
func (c *Controller) Release() {
	c.mu.Lock()
	stopped := 0
	for _, t := range append(c.tracks, c.display...) {
		if !t.Stopped() {
			t.stop()
			stopped++
		}
	}
	c.mu.Unlock()
	if stopped > 0 {
		log.Debug().Str("module", "media").Int("stopped", stopped).Msg("released")
	}
}

// ReleaseDisplay stops only the display-capture tracks.
func (c *Controller) ReleaseDisplay() {
	c.mu.Lock()
	for _, t := range c.display {
		t.stop()
	}
	c.display = nil
	c.mu.Unlock()
}

// AllStopped reports whether every owned track has reached a stopped state.
func (c *Controller) AllStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range append(c.tracks, c.display...) {
		if !t.Stopped() {
			return false
		}
	}
	return true
}
