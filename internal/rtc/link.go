// Package rtc adapts a pion PeerConnection to the core.PeerLink boundary.
package rtc

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/openspans/callcore/internal/core"
	"github.com/openspans/callcore/internal/domain"
)

// DefaultConfig is STUN-only. No TURN server is configured: calls between
// clients behind symmetric NAT may fail to connect, which surfaces as a
// NegotiationError rather than being swallowed.
func DefaultConfig(stunURL string) webrtc.Configuration {
	if stunURL == "" {
		stunURL = "stun:stun.l.google.com:19302"
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{stunURL}},
		},
	}
}

type Link struct {
	pc     *webrtc.PeerConnection
	callID string
	cancel context.CancelFunc

	mu           sync.Mutex
	closed       bool
	disconnected bool

	onICE          func(domain.CandidatePayload)
	onTrack        func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	onDisconnected func()
}

// NewFactory returns a core.LinkFactory producing started-but-unwired links
// for the given configuration.
func NewFactory(cfg webrtc.Configuration) core.LinkFactory {
	return func(callID string) (core.PeerLink, error) {
		return NewLink(cfg, callID)
	}
}

func NewLink(cfg webrtc.Configuration, callID string) (*Link, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &Link{pc: pc, callID: callID}, nil
}

func (l *Link) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	l.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("call", l.callID).Str("ice_state", s.String()).Msg("ICE state")
		if s == webrtc.ICEConnectionStateFailed || s == webrtc.ICEConnectionStateClosed {
			cancel()
		}
	})

	l.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("call", l.callID).Str("peer_state", s.String()).Msg("peer state")
		if s == webrtc.PeerConnectionStateFailed ||
			s == webrtc.PeerConnectionStateClosed ||
			s == webrtc.PeerConnectionStateDisconnected {
			l.fireDisconnected()
		}
	})

	l.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		l.mu.Lock()
		fn := l.onICE
		l.mu.Unlock()
		if fn != nil {
			init := cand.ToJSON()
			fn(domain.CandidatePayload{
				Candidate:     init.Candidate,
				SDPMid:        init.SDPMid,
				SDPMLineIndex: init.SDPMLineIndex,
			})
		}
	})

	l.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("call", l.callID).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Msg("remote track")
		l.mu.Lock()
		fn := l.onTrack
		l.mu.Unlock()
		if fn != nil {
			fn(track, receiver)
		}
	})

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	return nil
}

// fireDisconnected invokes the handler exactly once.
func (l *Link) fireDisconnected() {
	l.mu.Lock()
	if l.disconnected {
		l.mu.Unlock()
		return
	}
	l.disconnected = true
	fn := l.onDisconnected
	l.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (l *Link) CreateOffer() (domain.SessionDescriptionPayload, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescriptionPayload{}, err
	}
	// Trickle ICE: gathering starts here, candidates go out via OnLocalCandidate.
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return domain.SessionDescriptionPayload{}, err
	}
	return domain.SessionDescriptionPayload{Type: "offer", SDP: offer.SDP}, nil
}

func (l *Link) AcceptOffer(p domain.SessionDescriptionPayload) (domain.SessionDescriptionPayload, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.SDP}
	if err := l.pc.SetRemoteDescription(offer); err != nil {
		return domain.SessionDescriptionPayload{}, err
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescriptionPayload{}, err
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return domain.SessionDescriptionPayload{}, err
	}
	return domain.SessionDescriptionPayload{Type: "answer", SDP: answer.SDP}, nil
}

func (l *Link) AcceptAnswer(p domain.SessionDescriptionPayload) error {
	return l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  p.SDP,
	})
}

func (l *Link) HasRemoteDescription() bool {
	return l.pc.RemoteDescription() != nil
}

func (l *Link) AddRemoteCandidate(p domain.CandidatePayload) error {
	return l.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     p.Candidate,
		SDPMid:        p.SDPMid,
		SDPMLineIndex: p.SDPMLineIndex,
	})
}

func (l *Link) AddLocalTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	return l.pc.AddTrack(track)
}

func (l *Link) RemoveTrack(sender *webrtc.RTPSender) error {
	return l.pc.RemoveTrack(sender)
}

func (l *Link) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	if l.cancel != nil {
		l.cancel()
	}
	if err := l.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("call", l.callID).Msg("close error")
	} else {
		log.Info().Str("module", "rtc").Str("call", l.callID).Msg("closed")
	}
}

func (l *Link) IsClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Link) OnLocalCandidate(fn func(domain.CandidatePayload)) {
	l.mu.Lock()
	l.onICE = fn
	l.mu.Unlock()
}

func (l *Link) OnRemoteTrack(fn func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	l.mu.Lock()
	l.onTrack = fn
	l.mu.Unlock()
}

func (l *Link) OnDisconnected(fn func()) {
	l.mu.Lock()
	l.onDisconnected = fn
	l.mu.Unlock()
}
