// Package call implements the per-call session state machine and the
// registry that owns one session per call id.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/openspans/callcore/internal/core"
	"github.com/openspans/callcore/internal/domain"
	"github.com/openspans/callcore/internal/relay"
)

// DefaultRingWindow is how long a call may stay ringing before it becomes
// missed (caller side) or auto-declined (callee side).
const DefaultRingWindow = 30 * time.Second

type State int

const (
	StateIdle State = iota
	StateRingingOut
	StateRingingIn
	StateActive
	StateEnded
	StateDeclined
	StateMissed
)

func (s State) Terminal() bool {
	return s == StateEnded || s == StateDeclined || s == StateMissed
}

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRingingOut:
		return "ringing_out"
	case StateRingingIn:
		return "ringing_in"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	case StateDeclined:
		return "declined"
	case StateMissed:
		return "missed"
	}
	return "unknown"
}

type EndReason string

const (
	ReasonLocal       EndReason = "local_hangup"
	ReasonRemote      EndReason = "remote_hangup"
	ReasonTimeout     EndReason = "timeout"
	ReasonNegotiation EndReason = "negotiation_failed"
)

// Observer receives session events. An explicit interface rather than
// assignable callback fields, so concurrent calls cannot overwrite each
// other's handlers.
type Observer interface {
	OnRemoteTrack(callID string, track *webrtc.TrackRemote)
	OnEnded(callID string, reason EndReason)
}

// Session drives one call attempt. It owns exactly one peer link and is the
// invariant boundary other components call into.
type Session struct {
	callID string
	selfID domain.UserID
	peerID domain.UserID
	kind   domain.MediaKind

	rel      *relay.Relay
	store    relay.Store
	media    core.MediaSession
	link     core.PeerLink
	sub      core.Subscription
	obs      Observer
	onClosed func(callID string)

	ringWindow time.Duration

	mu            sync.Mutex
	state         State
	ringTimer     *time.Timer
	answeredAt    time.Time
	descPublished bool
	localPending  []domain.CandidatePayload
}

func (s *Session) ID() string { return s.callID }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ToggleMute flips the local audio tracks; returns the new muted state.
func (s *Session) ToggleMute() bool { return s.media.ToggleMute() }

// ToggleVideo flips the local video tracks; returns the new video-off state.
func (s *Session) ToggleVideo() bool { return s.media.ToggleVideo() }

// start runs the outgoing-call path: media first (a denied capture device
// means the call never reaches ringing), then the durable call record, then
// the offer. When start returns nil, exactly one offer has been published.
func (s *Session) start(ctx context.Context) error {
	if err := s.media.Acquire(s.kind); err != nil {
		return err
	}

	now := time.Now().UTC()
	record := &domain.CallSession{
		ID:          s.callID,
		InitiatorID: s.selfID,
		TargetID:    s.peerID,
		Kind:        s.kind,
		Status:      domain.StatusRinging,
		StartedAt:   now,
	}
	if err := s.store.PutCall(ctx, record); err != nil {
		s.media.Release()
		return fmt.Errorf("%w: %v", core.ErrSignalingDelivery, err)
	}

	if err := s.openLink(ctx); err != nil {
		s.failSetup(ctx)
		return &core.NegotiationError{CallID: s.callID, Err: err}
	}

	sub, err := s.rel.Subscribe(ctx, s.callID, s.selfID, s)
	if err != nil {
		s.failSetup(ctx)
		return err
	}
	s.sub = sub

	offer, err := s.link.CreateOffer()
	if err != nil {
		s.failSetup(ctx)
		return &core.NegotiationError{CallID: s.callID, Err: err}
	}
	msg, err := domain.NewOfferSignal(s.callID, s.selfID, s.peerID, offer.SDP)
	if err != nil {
		s.failSetup(ctx)
		return err
	}
	// Ringing out must be observable before the offer is durably written: a
	// fast callee's answer can be dispatched the moment Publish returns, and
	// an answer seen outside ringing_out would be consumed without effect.
	s.mu.Lock()
	s.state = StateRingingOut
	s.mu.Unlock()

	if err := s.rel.Publish(ctx, msg); err != nil {
		s.failSetup(ctx)
		return err
	}

	s.mu.Lock()
	if !s.state.Terminal() {
		s.markDescPublishedLocked(ctx)
		// The answer may have already arrived; arming the ring timer then
		// would let a stale timeout mislabel an active call.
		if s.state == StateRingingOut {
			s.ringTimer = time.AfterFunc(s.ringWindow, func() { s.End(ReasonTimeout) })
		}
	}
	s.mu.Unlock()

	log.Info().Str("module", "call").Str("call", s.callID).Str("target", string(s.peerID)).Str("kind", string(s.kind)).Msg("ringing out")
	return nil
}

// answer runs the incoming-call path. The offer must already be observable
// through the relay; the subscription replays it into HandleDescription,
// which publishes the answer and moves the session to active.
func (s *Session) answer(ctx context.Context) error {
	if err := s.media.Acquire(s.kind); err != nil {
		return err
	}

	if err := s.openLink(ctx); err != nil {
		s.teardownLocal()
		return &core.NegotiationError{CallID: s.callID, Err: err}
	}

	s.mu.Lock()
	s.state = StateRingingIn
	s.mu.Unlock()

	sub, err := s.rel.Subscribe(ctx, s.callID, s.selfID, s)
	if err != nil {
		s.teardownLocal()
		return err
	}
	s.sub = sub

	if s.State() != StateActive {
		// No offer in the backlog. Unwind locally but leave the record
		// ringing: the callee may answer again once the offer lands.
		s.teardownLocal()
		return fmt.Errorf("%w: no offer observed for call %s", core.ErrSignalingDelivery, s.callID)
	}
	return nil
}

// teardownLocal releases local resources without touching the call record.
func (s *Session) teardownLocal() {
	s.mu.Lock()
	s.state = StateEnded
	s.mu.Unlock()
	if s.sub != nil {
		s.sub.Unsubscribe()
		s.sub = nil
	}
	if s.link != nil {
		s.link.Close()
	}
	s.media.Release()
	if s.onClosed != nil {
		s.onClosed(s.callID)
	}
}

func (s *Session) openLink(ctx context.Context) error {
	if err := s.link.Start(ctx); err != nil {
		return err
	}
	for _, t := range s.media.Tracks() {
		if _, err := s.link.AddLocalTrack(t); err != nil {
			return err
		}
	}
	s.link.OnLocalCandidate(func(p domain.CandidatePayload) { s.onLocalCandidate(ctx, p) })
	s.link.OnDisconnected(func() { s.End(ReasonRemote) })
	s.link.OnRemoteTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if s.obs != nil {
			s.obs.OnRemoteTrack(s.callID, track)
		}
	})
	return nil
}

// onLocalCandidate buffers candidates gathered before our description was
// published, so the offer/answer is always durably written first. Candidates
// may still race the description's delivery remotely; the receiving relay
// buffers for that reason.
func (s *Session) onLocalCandidate(ctx context.Context, p domain.CandidatePayload) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	if !s.descPublished {
		s.localPending = append(s.localPending, p)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.publishCandidate(ctx, p)
}

// markDescPublishedLocked flushes buffered local candidates. Caller holds mu.
func (s *Session) markDescPublishedLocked(ctx context.Context) {
	s.descPublished = true
	queued := s.localPending
	s.localPending = nil
	if len(queued) == 0 {
		return
	}
	go func() {
		for _, p := range queued {
			s.publishCandidate(ctx, p)
		}
	}()
}

func (s *Session) publishCandidate(ctx context.Context, p domain.CandidatePayload) {
	msg, err := domain.NewCandidateSignal(s.callID, s.selfID, s.peerID, p)
	if err != nil {
		log.Error().Err(err).Str("module", "call").Str("call", s.callID).Msg("encode candidate")
		return
	}
	if err := s.rel.Publish(ctx, msg); err != nil {
		log.Error().Err(err).Str("module", "call").Str("call", s.callID).Msg("publish candidate")
	}
}

// HandleDescription implements core.SignalHandler.
func (s *Session) HandleDescription(msg *domain.SignalMessage, p domain.SessionDescriptionPayload) error {
	switch msg.Kind {
	case domain.SignalAnswer:
		return s.handleAnswer(p)
	case domain.SignalOffer:
		return s.handleOffer(p)
	}
	return nil
}

func (s *Session) handleAnswer(p domain.SessionDescriptionPayload) error {
	s.mu.Lock()
	if s.state != StateRingingOut {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if s.link.HasRemoteDescription() {
		// a second answer for an already-completed negotiation
		return nil
	}
	if err := s.link.AcceptAnswer(p); err != nil {
		s.End(ReasonNegotiation)
		return &core.NegotiationError{CallID: s.callID, Err: err}
	}
	s.transitionActive()
	return nil
}

func (s *Session) handleOffer(p domain.SessionDescriptionPayload) error {
	s.mu.Lock()
	if s.state != StateRingingIn {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	answer, err := s.link.AcceptOffer(p)
	if err != nil {
		s.End(ReasonNegotiation)
		return &core.NegotiationError{CallID: s.callID, Err: err}
	}
	msg, err := domain.NewAnswerSignal(s.callID, s.selfID, s.peerID, answer.SDP)
	if err != nil {
		return err
	}
	if err := s.rel.Publish(context.Background(), msg); err != nil {
		s.End(ReasonNegotiation)
		return err
	}
	s.mu.Lock()
	s.markDescPublishedLocked(context.Background())
	s.mu.Unlock()
	s.transitionActive()
	return nil
}

// HandleCandidate implements core.SignalHandler. The relay only delivers
// candidates after the matching description was applied, so this is a
// straight pass-through.
func (s *Session) HandleCandidate(_ *domain.SignalMessage, p domain.CandidatePayload) error {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.link.AddRemoteCandidate(p)
}

func (s *Session) transitionActive() {
	s.mu.Lock()
	if s.state.Terminal() || s.state == StateActive {
		s.mu.Unlock()
		return
	}
	s.state = StateActive
	s.answeredAt = time.Now().UTC()
	// Clear the ring timer so a stale timeout cannot force-end the call.
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
	s.mu.Unlock()

	if err := s.store.UpdateCallStatus(context.Background(), s.callID, domain.StatusActive, nil, nil); err != nil {
		log.Error().Err(err).Str("module", "call").Str("call", s.callID).Msg("record active status")
	}
	log.Info().Str("module", "call").Str("call", s.callID).Msg("active")
}

// End tears the session down: closes the link, stops all locally owned
// tracks, records the terminal status (with duration if the call was
// active) and drops the relay subscription. Idempotent and safe from any
// state, including right after a failed media acquisition.
func (s *Session) End(reason EndReason) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	prev := s.state
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}

	status := domain.StatusEnded
	newState := StateEnded
	if reason == ReasonTimeout {
		if prev == StateRingingOut {
			status, newState = domain.StatusMissed, StateMissed
		} else {
			status, newState = domain.StatusDeclined, StateDeclined
		}
	}
	s.state = newState
	answeredAt := s.answeredAt
	s.mu.Unlock()

	if s.link != nil {
		s.link.Close()
	}
	s.media.Release()

	now := time.Now().UTC()
	var duration *int
	if prev == StateActive && !answeredAt.IsZero() {
		d := int(now.Sub(answeredAt).Seconds())
		duration = &d
	}
	if err := s.store.UpdateCallStatus(context.Background(), s.callID, status, &now, duration); err != nil && !errors.Is(err, core.ErrCallTerminal) {
		log.Error().Err(err).Str("module", "call").Str("call", s.callID).Str("status", string(status)).Msg("record terminal status")
	}

	if s.sub != nil {
		s.sub.Unsubscribe()
	}
	if s.onClosed != nil {
		s.onClosed(s.callID)
	}
	if s.obs != nil {
		s.obs.OnEnded(s.callID, reason)
	}
	log.Info().Str("module", "call").Str("call", s.callID).Str("from", prev.String()).Str("reason", string(reason)).Msg("ended")
}

// failSetup unwinds a half-built session before it ever rang.
func (s *Session) failSetup(ctx context.Context) {
	s.mu.Lock()
	s.state = StateEnded
	s.mu.Unlock()
	if s.sub != nil {
		s.sub.Unsubscribe()
		s.sub = nil
	}
	if s.link != nil {
		s.link.Close()
	}
	s.media.Release()
	if err := s.store.UpdateCallStatus(ctx, s.callID, domain.StatusEnded, ptrTime(time.Now().UTC()), nil); err != nil && !errors.Is(err, core.ErrNoSuchCall) && !errors.Is(err, core.ErrCallTerminal) {
		log.Error().Err(err).Str("module", "call").Str("call", s.callID).Msg("record failed setup")
	}
	if s.onClosed != nil {
		s.onClosed(s.callID)
	}
}

func ptrTime(t time.Time) *time.Time { return &t }
