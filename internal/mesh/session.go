package mesh

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/openspans/callcore/internal/core"
	"github.com/openspans/callcore/internal/domain"
	"github.com/openspans/callcore/internal/relay"
)

// MeshSession is the local view of one multi-party session: a peer link per
// remote participant, all negotiated over the shared relay subscription and
// demultiplexed by sender.
type MeshSession struct {
	id     string
	coord  *Coordinator
	hostID domain.UserID
	media  core.MediaSession

	sub        core.Subscription
	feedCancel func()
	recorder   *Recorder

	mu      sync.Mutex
	links   map[domain.UserID]core.PeerLink
	senders map[domain.UserID][]*webrtc.RTPSender
	descPub map[domain.UserID]bool
	pending map[domain.UserID][]domain.CandidatePayload
	sharing bool
	ended   bool

	closeOnce sync.Once
}

func (ms *MeshSession) ID() string { return ms.id }

func (ms *MeshSession) isHost() bool { return ms.coord.selfID == ms.hostID }

// Peers returns the user ids we currently hold a link to.
func (ms *MeshSession) Peers() []domain.UserID {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	out := make([]domain.UserID, 0, len(ms.links))
	for id := range ms.links {
		out = append(out, id)
	}
	return out
}

// ToggleMute flips the local audio tracks and records the new state so other
// participants can render it.
func (ms *MeshSession) ToggleMute(ctx context.Context) bool {
	muted := ms.media.ToggleMute()
	ms.publishSelf(ctx, func(p *domain.Participant) { p.AudioMuted = muted })
	return muted
}

func (ms *MeshSession) ToggleVideo(ctx context.Context) bool {
	off := ms.media.ToggleVideo()
	ms.publishSelf(ctx, func(p *domain.Participant) { p.VideoMuted = off })
	return off
}

// offerTo opens a fresh link to one existing participant and publishes the
// offer. The callee answers through the relay; nothing blocks here.
func (ms *MeshSession) offerTo(ctx context.Context, peer domain.UserID) error {
	link, err := ms.setupLink(ctx, peer)
	if err != nil {
		return err
	}
	offer, err := link.CreateOffer()
	if err != nil {
		ms.closeLink(peer)
		return &core.NegotiationError{CallID: ms.id, Err: err}
	}
	msg, err := domain.NewOfferSignal(ms.id, ms.coord.selfID, peer, offer.SDP)
	if err != nil {
		ms.closeLink(peer)
		return err
	}
	if err := ms.coord.rel.Publish(ctx, msg); err != nil {
		ms.closeLink(peer)
		return err
	}
	ms.markDescPublished(ctx, peer)
	return nil
}

// setupLink creates, starts and registers a link for one remote participant,
// with local tracks attached and callbacks bound to that participant.
func (ms *MeshSession) setupLink(ctx context.Context, peer domain.UserID) (core.PeerLink, error) {
	link, err := ms.coord.newLink(ms.id)
	if err != nil {
		return nil, &core.NegotiationError{CallID: ms.id, Err: err}
	}
	if err := link.Start(ctx); err != nil {
		link.Close()
		return nil, &core.NegotiationError{CallID: ms.id, Err: err}
	}
	for _, t := range ms.media.Tracks() {
		if _, err := link.AddLocalTrack(t); err != nil {
			link.Close()
			return nil, &core.NegotiationError{CallID: ms.id, Err: err}
		}
	}

	link.OnLocalCandidate(func(p domain.CandidatePayload) { ms.onLocalCandidate(ctx, peer, p) })
	link.OnDisconnected(func() {
		log.Info().Str("module", "mesh").Str("session", ms.id).Str("peer", string(peer)).Msg("peer link lost")
		ms.closeLink(peer)
	})
	link.OnRemoteTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() == webrtc.RTPCodecTypeAudio {
			ms.recorder.Observe(track)
		}
		if ms.coord.obs != nil {
			ms.coord.obs.OnParticipantTrack(ms.id, peer, track)
		}
	})

	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.ended {
		link.Close()
		return nil, core.ErrCallTerminal
	}
	if old, ok := ms.links[peer]; ok {
		old.Close()
	}
	ms.links[peer] = link
	return link, nil
}

// HandleDescription implements core.SignalHandler. An offer means a joiner
// is connecting to us; an answer completes a link we offered.
func (ms *MeshSession) HandleDescription(msg *domain.SignalMessage, p domain.SessionDescriptionPayload) error {
	from := msg.FromID
	switch msg.Kind {
	case domain.SignalOffer:
		link, err := ms.setupLink(context.Background(), from)
		if err != nil {
			return err
		}
		answer, err := link.AcceptOffer(p)
		if err != nil {
			ms.closeLink(from)
			return &core.NegotiationError{CallID: ms.id, Err: err}
		}
		out, err := domain.NewAnswerSignal(ms.id, ms.coord.selfID, from, answer.SDP)
		if err != nil {
			return err
		}
		if err := ms.coord.rel.Publish(context.Background(), out); err != nil {
			ms.closeLink(from)
			return err
		}
		ms.markDescPublished(context.Background(), from)
		return nil
	case domain.SignalAnswer:
		ms.mu.Lock()
		link, ok := ms.links[from]
		ms.mu.Unlock()
		if !ok {
			return fmt.Errorf("answer from %s without an offered link", from)
		}
		if link.HasRemoteDescription() {
			// late duplicate for a leg that already completed negotiation
			return nil
		}
		if err := link.AcceptAnswer(p); err != nil {
			ms.closeLink(from)
			return &core.NegotiationError{CallID: ms.id, Err: err}
		}
	}
	return nil
}

// HandleCandidate implements core.SignalHandler. The relay holds candidates
// until the sender's description was applied, so the link always exists.
func (ms *MeshSession) HandleCandidate(msg *domain.SignalMessage, p domain.CandidatePayload) error {
	ms.mu.Lock()
	link, ok := ms.links[msg.FromID]
	ms.mu.Unlock()
	if !ok {
		return nil
	}
	return link.AddRemoteCandidate(p)
}

// onLocalCandidate buffers candidates gathered for a peer until our
// description toward that peer was published.
func (ms *MeshSession) onLocalCandidate(ctx context.Context, peer domain.UserID, p domain.CandidatePayload) {
	ms.mu.Lock()
	if ms.ended {
		ms.mu.Unlock()
		return
	}
	if !ms.descPub[peer] {
		ms.pending[peer] = append(ms.pending[peer], p)
		ms.mu.Unlock()
		return
	}
	ms.mu.Unlock()
	ms.publishCandidate(ctx, peer, p)
}

func (ms *MeshSession) markDescPublished(ctx context.Context, peer domain.UserID) {
	ms.mu.Lock()
	ms.descPub[peer] = true
	queued := ms.pending[peer]
	delete(ms.pending, peer)
	ms.mu.Unlock()
	for _, p := range queued {
		ms.publishCandidate(ctx, peer, p)
	}
}

func (ms *MeshSession) publishCandidate(ctx context.Context, peer domain.UserID, p domain.CandidatePayload) {
	msg, err := domain.NewCandidateSignal(ms.id, ms.coord.selfID, peer, p)
	if err != nil {
		log.Error().Err(err).Str("module", "mesh").Str("session", ms.id).Msg("encode candidate")
		return
	}
	if err := ms.coord.rel.Publish(ctx, msg); err != nil {
		log.Error().Err(err).Str("module", "mesh").Str("session", ms.id).Str("peer", string(peer)).Msg("publish candidate")
	}
}

func (ms *MeshSession) startScreenShare(ctx context.Context) error {
	ms.mu.Lock()
	if ms.ended {
		ms.mu.Unlock()
		return core.ErrCallTerminal
	}
	if ms.sharing {
		ms.mu.Unlock()
		return nil
	}
	ms.sharing = true
	ms.mu.Unlock()

	if err := ms.media.AcquireDisplay(); err != nil {
		ms.mu.Lock()
		ms.sharing = false
		ms.mu.Unlock()
		return err
	}

	ms.mu.Lock()
	for peer, link := range ms.links {
		for _, t := range ms.media.DisplayTracks() {
			sender, err := link.AddLocalTrack(t)
			if err != nil {
				log.Error().Err(err).Str("module", "mesh").Str("session", ms.id).Str("peer", string(peer)).Msg("attach display track")
				continue
			}
			ms.senders[peer] = append(ms.senders[peer], sender)
		}
	}
	ms.mu.Unlock()

	ms.publishSelf(ctx, func(p *domain.Participant) { p.SharingScreen = true })
	log.Info().Str("module", "mesh").Str("session", ms.id).Msg("screen share started")
	return nil
}

// stopScreenShare detaches the display tracks from every link and stops the
// capture. Reached both from an explicit stop and from the OS ending the
// capture; safe to run twice. The OS capture-end can fire after we already
// left the session (teardown stops the display track), so an ended session
// is a no-op here.
func (ms *MeshSession) stopScreenShare(ctx context.Context) error {
	ms.mu.Lock()
	if ms.ended || !ms.sharing {
		ms.mu.Unlock()
		return nil
	}
	ms.sharing = false
	for peer, senders := range ms.senders {
		link := ms.links[peer]
		for _, sender := range senders {
			if link == nil {
				continue
			}
			if err := link.RemoveTrack(sender); err != nil {
				log.Error().Err(err).Str("module", "mesh").Str("session", ms.id).Str("peer", string(peer)).Msg("detach display track")
			}
		}
		delete(ms.senders, peer)
	}
	ms.mu.Unlock()

	ms.media.ReleaseDisplay()
	ms.publishSelf(ctx, func(p *domain.Participant) { p.SharingScreen = false })
	log.Info().Str("module", "mesh").Str("session", ms.id).Msg("screen share stopped")
	return nil
}

// publishSelf upserts our participant record after mutating it, so the flag
// change rides the same feed everyone already watches. Never runs once the
// session ended: AddParticipant is an upsert and would resurrect a record the
// leave path already removed.
func (ms *MeshSession) publishSelf(ctx context.Context, mutate func(*domain.Participant)) {
	ms.mu.Lock()
	ended := ms.ended
	ms.mu.Unlock()
	if ended {
		return
	}
	self := domain.Participant{UserID: ms.coord.selfID, IsHost: ms.isHost()}
	if parts, err := ms.coord.store.Participants(ctx, ms.id); err == nil {
		for _, p := range parts {
			if p.UserID == ms.coord.selfID {
				self = p
				break
			}
		}
	}
	mutate(&self)
	if err := ms.coord.store.AddParticipant(ctx, ms.id, self); err != nil {
		log.Error().Err(err).Str("module", "mesh").Str("session", ms.id).Msg("update participant record")
	}
}

// watchCalls reacts to call-record changes: a terminal status tears the whole
// session down (host left), a membership change closes links to departed
// participants. Joiners open their own links, so only removals matter here.
func (ms *MeshSession) watchCalls(feed <-chan relay.Event) {
	for ev := range feed {
		if ev.Gap {
			// feed overflowed: re-check the record instead of trusting the
			// stream, a terminal update may have been among the dropped events
			record, err := ms.coord.store.GetCall(context.Background(), ms.id)
			if err != nil {
				continue
			}
			if record.Status.Terminal() {
				log.Info().Str("module", "mesh").Str("session", ms.id).Msg("session ended by host")
				ms.teardown()
				return
			}
			ms.syncMembership()
			continue
		}
		if ev.Call == nil || ev.Call.ID != ms.id {
			continue
		}
		if ev.Call.Status.Terminal() {
			log.Info().Str("module", "mesh").Str("session", ms.id).Msg("session ended by host")
			ms.teardown()
			return
		}
		ms.syncMembership()
	}
}

func (ms *MeshSession) syncMembership() {
	parts, err := ms.coord.store.Participants(context.Background(), ms.id)
	if err != nil {
		return
	}
	current := make(map[domain.UserID]bool, len(parts))
	for _, p := range parts {
		current[p.UserID] = true
	}

	ms.mu.Lock()
	var gone []domain.UserID
	for peer := range ms.links {
		if !current[peer] {
			gone = append(gone, peer)
		}
	}
	ms.mu.Unlock()

	for _, peer := range gone {
		log.Info().Str("module", "mesh").Str("session", ms.id).Str("peer", string(peer)).Msg("participant left, closing link")
		ms.closeLink(peer)
	}
}

func (ms *MeshSession) closeLink(peer domain.UserID) {
	ms.mu.Lock()
	link, ok := ms.links[peer]
	delete(ms.links, peer)
	delete(ms.senders, peer)
	delete(ms.descPub, peer)
	delete(ms.pending, peer)
	ms.mu.Unlock()
	if ok {
		link.Close()
	}
}

// teardown closes every link and releases all local resources. Idempotent;
// runs on local leave, on host shutdown and on coordinator close.
func (ms *MeshSession) teardown() {
	ms.closeOnce.Do(func() {
		ms.mu.Lock()
		ms.ended = true
		ms.sharing = false
		links := ms.links
		ms.links = make(map[domain.UserID]core.PeerLink)
		ms.senders = make(map[domain.UserID][]*webrtc.RTPSender)
		ms.mu.Unlock()

		for _, link := range links {
			link.Close()
		}
		ms.recorder.Stop()
		if ms.sub != nil {
			ms.sub.Unsubscribe()
		}
		if ms.feedCancel != nil {
			ms.feedCancel()
		}
		ms.media.Release()
		ms.coord.remove(ms.id)
		if ms.coord.obs != nil {
			ms.coord.obs.OnSessionEnded(ms.id)
		}
	})
}
