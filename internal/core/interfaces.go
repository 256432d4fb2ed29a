package core

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/openspans/callcore/internal/domain"
)

// PeerLink abstracts one peer connection. Exclusively owned by the call
// session (or mesh coordinator, per participant) that created it; no other
// component may mutate its state directly.
type PeerLink interface {
	// Start configures internal callbacks and binds the link lifetime to ctx.
	Start(ctx context.Context) error
	Close()
	IsClosed() bool

	// CreateOffer sets the local description and returns it.
	CreateOffer() (domain.SessionDescriptionPayload, error)
	// AcceptOffer applies the remote offer, creates an answer, sets it
	// locally and returns it.
	AcceptOffer(domain.SessionDescriptionPayload) (domain.SessionDescriptionPayload, error)
	// AcceptAnswer applies the remote answer on the offering side.
	AcceptAnswer(domain.SessionDescriptionPayload) error
	HasRemoteDescription() bool

	AddRemoteCandidate(domain.CandidatePayload) error
	// OnLocalCandidate sets a callback for newly gathered local ICE candidates.
	OnLocalCandidate(func(domain.CandidatePayload))

	AddLocalTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	RemoveTrack(sender *webrtc.RTPSender) error
	// OnRemoteTrack sets a callback invoked when a remote track arrives.
	OnRemoteTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
	// OnDisconnected fires once when the connection closes or fails without
	// a prior explicit end signal.
	OnDisconnected(func())
}

// LinkFactory creates a PeerLink for one call leg. Tests substitute fakes.
type LinkFactory func(callID string) (PeerLink, error)

// MediaSession owns the locally acquired tracks of one call.
type MediaSession interface {
	Acquire(kind domain.MediaKind) error
	AcquireDisplay() error
	Tracks() []webrtc.TrackLocal
	DisplayTracks() []webrtc.TrackLocal
	// ToggleMute flips the audio tracks and returns the new muted state.
	ToggleMute() bool
	// ToggleVideo flips the video tracks and returns the new video-off state.
	ToggleVideo() bool
	// OnDisplayEnded registers the stop path for OS-level capture end.
	OnDisplayEnded(func())
	// ReleaseDisplay stops only the display-capture tracks.
	ReleaseDisplay()
	// Release stops every acquired track. Must run on every exit path;
	// safe to call twice and safe after a failed Acquire.
	Release()
}

// MediaFactory creates a fresh MediaSession per call.
type MediaFactory func() MediaSession

// SignalHandler consumes relayed messages for one call. The relay invokes it
// serially per subscription; candidates are only delivered after a
// description from the same sender was handled without error.
type SignalHandler interface {
	HandleDescription(msg *domain.SignalMessage, p domain.SessionDescriptionPayload) error
	HandleCandidate(msg *domain.SignalMessage, p domain.CandidatePayload) error
}

// Subscription is the handle returned by the relay. Unsubscribe on call end
// is mandatory; a leaked subscription is a defect.
type Subscription interface {
	Unsubscribe()
}
