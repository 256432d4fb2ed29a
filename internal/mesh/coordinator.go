// Package mesh manages multi-party calls as a full mesh of pairwise peer
// links: with P participants there are P·(P−1)/2 logical connections and no
// media server.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/openspans/callcore/internal/core"
	"github.com/openspans/callcore/internal/domain"
	"github.com/openspans/callcore/internal/relay"
)

// Observer receives mesh session events for the local client.
type Observer interface {
	OnParticipantTrack(sessionID string, from domain.UserID, track *webrtc.TrackRemote)
	OnSessionEnded(sessionID string)
}

// Coordinator runs the local side of mesh sessions: one peer link per
// remote participant, joined and torn down through the relay.
type Coordinator struct {
	selfID   domain.UserID
	rel      *relay.Relay
	store    relay.Store
	newLink  core.LinkFactory
	newMedia core.MediaFactory
	obs      Observer

	mu       sync.Mutex
	sessions map[string]*MeshSession
}

type CoordinatorConfig struct {
	SelfID   domain.UserID
	Relay    *relay.Relay
	Links    core.LinkFactory
	Media    core.MediaFactory
	Observer Observer
}

func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	return &Coordinator{
		selfID:   cfg.SelfID,
		rel:      cfg.Relay,
		store:    cfg.Relay.Store(),
		newLink:  cfg.Links,
		newMedia: cfg.Media,
		obs:      cfg.Observer,
		sessions: make(map[string]*MeshSession),
	}
}

// CreateSession starts a new mesh session with the caller as host and sole
// participant. No peer links exist yet; they appear as others join.
func (c *Coordinator) CreateSession(ctx context.Context, kind domain.MediaKind) (string, error) {
	media := c.newMedia()
	if err := media.Acquire(kind); err != nil {
		return "", err
	}

	sessionID := uuid.NewString()
	record := &domain.CallSession{
		ID:          sessionID,
		InitiatorID: c.selfID,
		Kind:        kind,
		Status:      domain.StatusActive,
		StartedAt:   time.Now().UTC(),
	}
	if err := c.store.PutCall(ctx, record); err != nil {
		media.Release()
		return "", fmt.Errorf("%w: %v", core.ErrSignalingDelivery, err)
	}
	if err := c.store.AddParticipant(ctx, sessionID, domain.Participant{UserID: c.selfID, IsHost: true}); err != nil {
		media.Release()
		return "", fmt.Errorf("%w: %v", core.ErrSignalingDelivery, err)
	}

	if _, err := c.openSession(ctx, sessionID, record.InitiatorID, media); err != nil {
		media.Release()
		return "", err
	}
	log.Info().Str("module", "mesh").Str("session", sessionID).Msg("session created, hosting")
	return sessionID, nil
}

// JoinSession registers self as a participant and offers a new peer link to
// every existing participant: joining N participants creates N connections
// on our side and one on each of theirs.
func (c *Coordinator) JoinSession(ctx context.Context, sessionID string) error {
	record, err := c.store.GetCall(ctx, sessionID)
	if err != nil {
		return err
	}
	if record.Status.Terminal() {
		return core.ErrCallTerminal
	}

	media := c.newMedia()
	if err := media.Acquire(record.Kind); err != nil {
		return err
	}

	existing, err := c.store.Participants(ctx, sessionID)
	if err != nil {
		media.Release()
		return fmt.Errorf("%w: %v", core.ErrSignalingDelivery, err)
	}
	if err := c.store.AddParticipant(ctx, sessionID, domain.Participant{UserID: c.selfID}); err != nil {
		media.Release()
		return fmt.Errorf("%w: %v", core.ErrSignalingDelivery, err)
	}

	ms, err := c.openSession(ctx, sessionID, record.InitiatorID, media)
	if err != nil {
		media.Release()
		return err
	}

	for _, p := range existing {
		if p.UserID == c.selfID {
			continue
		}
		if err := ms.offerTo(ctx, p.UserID); err != nil {
			log.Error().Err(err).Str("module", "mesh").Str("session", sessionID).Str("peer", string(p.UserID)).Msg("offer to existing participant")
		}
	}
	log.Info().Str("module", "mesh").Str("session", sessionID).Int("peers", len(existing)).Msg("joined")
	return nil
}

// LeaveSession closes only the connections referencing the leaver. If the
// leaver hosts the session, the whole session ends for everyone.
func (c *Coordinator) LeaveSession(ctx context.Context, sessionID string) error {
	ms, ok := c.get(sessionID)
	if !ok {
		return core.ErrNoSuchCall
	}

	if ms.isHost() {
		now := time.Now().UTC()
		err := c.store.UpdateCallStatus(ctx, sessionID, domain.StatusEnded, &now, nil)
		if err != nil && !errors.Is(err, core.ErrCallTerminal) {
			log.Error().Err(err).Str("module", "mesh").Str("session", sessionID).Msg("end session record")
		}
		ms.teardown()
		return nil
	}

	if err := c.store.RemoveParticipant(ctx, sessionID, c.selfID); err != nil {
		log.Error().Err(err).Str("module", "mesh").Str("session", sessionID).Msg("remove participant record")
	}
	ms.teardown()
	return nil
}

func (c *Coordinator) StartScreenShare(ctx context.Context, sessionID string) error {
	ms, ok := c.get(sessionID)
	if !ok {
		return core.ErrNoSuchCall
	}
	return ms.startScreenShare(ctx)
}

func (c *Coordinator) StopScreenShare(ctx context.Context, sessionID string) error {
	ms, ok := c.get(sessionID)
	if !ok {
		return core.ErrNoSuchCall
	}
	return ms.stopScreenShare(ctx)
}

// StartRecording mixes all participants' audio into a single destination
// stream. Starting while already recording is a no-op.
func (c *Coordinator) StartRecording(ctx context.Context, sessionID string) error {
	ms, ok := c.get(sessionID)
	if !ok {
		return core.ErrNoSuchCall
	}
	return ms.recorder.Start(ctx)
}

// StopRecording stops an in-flight recording; stopping when not recording
// returns no artifact.
func (c *Coordinator) StopRecording(sessionID string) *Artifact {
	ms, ok := c.get(sessionID)
	if !ok {
		return nil
	}
	return ms.recorder.Stop()
}

func (c *Coordinator) Session(sessionID string) (*MeshSession, bool) {
	return c.get(sessionID)
}

// Close tears down every local mesh session without ending the sessions for
// the other participants.
func (c *Coordinator) Close() {
	c.mu.Lock()
	sessions := make([]*MeshSession, 0, len(c.sessions))
	for _, ms := range c.sessions {
		sessions = append(sessions, ms)
	}
	c.mu.Unlock()
	for _, ms := range sessions {
		ms.teardown()
	}
}

func (c *Coordinator) get(sessionID string) (*MeshSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ms, ok := c.sessions[sessionID]
	return ms, ok
}

func (c *Coordinator) remove(sessionID string) {
	c.mu.Lock()
	delete(c.sessions, sessionID)
	c.mu.Unlock()
}

func (c *Coordinator) openSession(ctx context.Context, sessionID string, hostID domain.UserID, media core.MediaSession) (*MeshSession, error) {
	ms := &MeshSession{
		id:       sessionID,
		coord:    c,
		hostID:   hostID,
		media:    media,
		links:    make(map[domain.UserID]core.PeerLink),
		senders:  make(map[domain.UserID][]*webrtc.RTPSender),
		descPub:  make(map[domain.UserID]bool),
		pending:  make(map[domain.UserID][]domain.CandidatePayload),
		recorder: NewRecorder(),
	}
	media.OnDisplayEnded(func() {
		// OS-level capture end takes the same path as an explicit stop.
		if err := ms.stopScreenShare(context.Background()); err != nil {
			log.Error().Err(err).Str("module", "mesh").Str("session", sessionID).Msg("screen share stop on capture end")
		}
	})

	sub, err := c.rel.Subscribe(ctx, sessionID, c.selfID, ms)
	if err != nil {
		return nil, err
	}
	ms.sub = sub

	feed, cancel := c.store.Subscribe(c.selfID)
	ms.feedCancel = cancel
	go ms.watchCalls(feed)

	c.mu.Lock()
	c.sessions[sessionID] = ms
	c.mu.Unlock()
	return ms, nil
}
