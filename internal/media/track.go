// Package media owns local capture: track lifetime, mute/video toggles and
// the scoped release discipline every call exit path runs through.
package media

import (
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

type trackState int32

const (
	trackEnabled trackState = iota
	trackDisabled
	trackStopped
)

// CaptureTrack is one captured device track. The mediadevices adapter and
// the test fakes both satisfy it.
type CaptureTrack interface {
	Kind() webrtc.RTPCodecType
	Local() webrtc.TrackLocal
	// OnEnded fires when the underlying capture ends outside our control,
	// e.g. the user stops a screen share at the OS level.
	OnEnded(func(error))
	Close() error
}

// LocalTrack pairs a capture track with an atomic enabled flag. Toggling is
// exact: two flips always restore the original state.
type LocalTrack struct {
	src   CaptureTrack
	state atomic.Int32
}

func newLocalTrack(src CaptureTrack) *LocalTrack {
	return &LocalTrack{src: src}
}

func (t *LocalTrack) Kind() webrtc.RTPCodecType { return t.src.Kind() }
func (t *LocalTrack) Local() webrtc.TrackLocal  { return t.src.Local() }

func (t *LocalTrack) Enabled() bool {
	return trackState(t.state.Load()) == trackEnabled
}

func (t *LocalTrack) Stopped() bool {
	return trackState(t.state.Load()) == trackStopped
}

func (t *LocalTrack) setEnabled(on bool) {
	if t.Stopped() {
		return
	}
	if on {
		t.state.Store(int32(trackEnabled))
	} else {
		t.state.Store(int32(trackDisabled))
	}
}

func (t *LocalTrack) stop() {
	if t.Stopped() {
		return
	}
	t.state.Store(int32(trackStopped))
	_ = t.src.Close()
}
