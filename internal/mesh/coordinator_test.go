package mesh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/openspans/callcore/internal/core"
	"github.com/openspans/callcore/internal/domain"
	"github.com/openspans/callcore/internal/relay"
)

type fakeLink struct {
	mu         sync.Mutex
	closed     bool
	remoteDesc bool
	added      int
	removed    int
	answers    int
}

func (l *fakeLink) Start(context.Context) error { return nil }

func (l *fakeLink) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}

func (l *fakeLink) IsClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *fakeLink) CreateOffer() (domain.SessionDescriptionPayload, error) {
	return domain.SessionDescriptionPayload{Type: "offer", SDP: "fake-offer"}, nil
}

func (l *fakeLink) AcceptOffer(domain.SessionDescriptionPayload) (domain.SessionDescriptionPayload, error) {
	l.mu.Lock()
	l.remoteDesc = true
	l.mu.Unlock()
	return domain.SessionDescriptionPayload{Type: "answer", SDP: "fake-answer"}, nil
}

func (l *fakeLink) AcceptAnswer(domain.SessionDescriptionPayload) error {
	l.mu.Lock()
	l.remoteDesc = true
	l.answers++
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) answerCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.answers
}

func (l *fakeLink) HasRemoteDescription() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remoteDesc
}

func (l *fakeLink) AddRemoteCandidate(domain.CandidatePayload) error { return nil }
func (l *fakeLink) OnLocalCandidate(func(domain.CandidatePayload))   {}
func (l *fakeLink) OnDisconnected(func())                            {}

func (l *fakeLink) OnRemoteTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {}

func (l *fakeLink) AddLocalTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.added++
	return nil, nil
}

func (l *fakeLink) RemoveTrack(*webrtc.RTPSender) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removed++
	return nil
}

type fakeMedia struct {
	mu              sync.Mutex
	released        bool
	displayReleased bool
	displayTrack    webrtc.TrackLocal
	onDisplayEnded  func()
}

func (m *fakeMedia) Acquire(domain.MediaKind) error { return nil }

func (m *fakeMedia) AcquireDisplay() error {
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "display", "fake")
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.displayTrack = track
	m.mu.Unlock()
	return nil
}

func (m *fakeMedia) Tracks() []webrtc.TrackLocal { return nil }

func (m *fakeMedia) DisplayTracks() []webrtc.TrackLocal {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.displayTrack == nil {
		return nil
	}
	return []webrtc.TrackLocal{m.displayTrack}
}

func (m *fakeMedia) ToggleMute() bool  { return false }
func (m *fakeMedia) ToggleVideo() bool { return false }

func (m *fakeMedia) OnDisplayEnded(fn func()) {
	m.mu.Lock()
	m.onDisplayEnded = fn
	m.mu.Unlock()
}

func (m *fakeMedia) ReleaseDisplay() {
	m.mu.Lock()
	m.displayReleased = true
	m.displayTrack = nil
	m.mu.Unlock()
}

func (m *fakeMedia) Release() {
	m.mu.Lock()
	m.released = true
	m.mu.Unlock()
}

type recordingObserver struct {
	mu    sync.Mutex
	ended []string
}

func (o *recordingObserver) OnParticipantTrack(string, domain.UserID, *webrtc.TrackRemote) {}

func (o *recordingObserver) OnSessionEnded(id string) {
	o.mu.Lock()
	o.ended = append(o.ended, id)
	o.mu.Unlock()
}

func (o *recordingObserver) endedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.ended)
}

type client struct {
	coord *Coordinator
	obs   *recordingObserver
	media *fakeMedia
}

func newClient(rel *relay.Relay, id domain.UserID) *client {
	c := &client{obs: &recordingObserver{}, media: &fakeMedia{}}
	c.coord = NewCoordinator(CoordinatorConfig{
		SelfID:   id,
		Relay:    rel,
		Links:    func(string) (core.PeerLink, error) { return &fakeLink{}, nil },
		Media:    func() core.MediaSession { return c.media },
		Observer: c.obs,
	})
	return c
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func peerCount(c *client, id string) int {
	ms, ok := c.coord.Session(id)
	if !ok {
		return -1
	}
	return len(ms.Peers())
}

func TestMesh_PairwiseLinksForEveryJoiner(t *testing.T) {
	rel := relay.New(relay.NewMemoryStore())
	a := newClient(rel, "a")
	b := newClient(rel, "b")
	c := newClient(rel, "c")

	ctx := context.Background()
	id, err := a.coord.CreateSession(ctx, domain.KindVoice)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if n := peerCount(a, id); n != 0 {
		t.Fatalf("host has %d links before anyone joined", n)
	}

	if err := b.coord.JoinSession(ctx, id); err != nil {
		t.Fatalf("b join: %v", err)
	}
	waitFor(t, func() bool { return peerCount(a, id) == 1 && peerCount(b, id) == 1 }, "a<->b link")

	if err := c.coord.JoinSession(ctx, id); err != nil {
		t.Fatalf("c join: %v", err)
	}
	// 3 participants: 3·2/2 = 3 pairwise connections, each seen from both ends.
	waitFor(t, func() bool {
		return peerCount(a, id) == 2 && peerCount(b, id) == 2 && peerCount(c, id) == 2
	}, "full mesh of 3")

	total := peerCount(a, id) + peerCount(b, id) + peerCount(c, id)
	if total/2 != 3 {
		t.Fatalf("pairwise connection count = %d, want 3", total/2)
	}
}

func TestMesh_NonHostLeaveClosesOnlyItsLinks(t *testing.T) {
	rel := relay.New(relay.NewMemoryStore())
	a := newClient(rel, "a")
	b := newClient(rel, "b")
	c := newClient(rel, "c")

	ctx := context.Background()
	id, err := a.coord.CreateSession(ctx, domain.KindVoice)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := b.coord.JoinSession(ctx, id); err != nil {
		t.Fatalf("b join: %v", err)
	}
	if err := c.coord.JoinSession(ctx, id); err != nil {
		t.Fatalf("c join: %v", err)
	}
	waitFor(t, func() bool {
		return peerCount(a, id) == 2 && peerCount(b, id) == 2 && peerCount(c, id) == 2
	}, "full mesh of 3")

	if err := b.coord.LeaveSession(ctx, id); err != nil {
		t.Fatalf("b leave: %v", err)
	}

	// The session survives for the others, minus the links to b.
	waitFor(t, func() bool { return peerCount(a, id) == 1 && peerCount(c, id) == 1 }, "links to b closed")
	if _, ok := b.coord.Session(id); ok {
		t.Fatalf("leaver still holds the session")
	}
	if !b.media.released {
		t.Fatalf("leaver media not released")
	}

	record, err := rel.Store().GetCall(ctx, id)
	if err != nil || record.Status != domain.StatusActive {
		t.Fatalf("session must stay active after non-host leave: %+v (%v)", record, err)
	}
}

func TestMesh_HostLeaveEndsSessionForEveryone(t *testing.T) {
	rel := relay.New(relay.NewMemoryStore())
	a := newClient(rel, "a")
	b := newClient(rel, "b")

	ctx := context.Background()
	id, err := a.coord.CreateSession(ctx, domain.KindVoice)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := b.coord.JoinSession(ctx, id); err != nil {
		t.Fatalf("b join: %v", err)
	}
	waitFor(t, func() bool { return peerCount(a, id) == 1 && peerCount(b, id) == 1 }, "a<->b link")

	if err := a.coord.LeaveSession(ctx, id); err != nil {
		t.Fatalf("host leave: %v", err)
	}

	waitFor(t, func() bool { return b.obs.endedCount() == 1 }, "b observes session end")
	if _, ok := b.coord.Session(id); ok {
		t.Fatalf("b still holds the ended session")
	}
	if !b.media.released {
		t.Fatalf("b media not released")
	}

	record, err := rel.Store().GetCall(ctx, id)
	if err != nil || record.Status != domain.StatusEnded {
		t.Fatalf("record not ended: %+v (%v)", record, err)
	}
	if n := rel.OpenSubscriptions(); n != 0 {
		t.Fatalf("leaked %d subscriptions", n)
	}

	if err := b.coord.JoinSession(ctx, id); !errors.Is(err, core.ErrCallTerminal) {
		t.Fatalf("joining an ended session must fail, got %v", err)
	}
}

func TestMesh_ScreenShareAttachesAndDetaches(t *testing.T) {
	rel := relay.New(relay.NewMemoryStore())
	a := newClient(rel, "a")
	b := newClient(rel, "b")

	ctx := context.Background()
	id, err := a.coord.CreateSession(ctx, domain.KindVoice)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := b.coord.JoinSession(ctx, id); err != nil {
		t.Fatalf("b join: %v", err)
	}
	waitFor(t, func() bool { return peerCount(a, id) == 1 }, "a<->b link")

	if err := a.coord.StartScreenShare(ctx, id); err != nil {
		t.Fatalf("start share: %v", err)
	}
	ms, _ := a.coord.Session(id)
	ms.mu.Lock()
	link := ms.links["b"].(*fakeLink)
	ms.mu.Unlock()
	if link.added != 1 {
		t.Fatalf("display track not attached, added=%d", link.added)
	}

	if err := a.coord.StopScreenShare(ctx, id); err != nil {
		t.Fatalf("stop share: %v", err)
	}
	if link.removed != 1 {
		t.Fatalf("display track not detached, removed=%d", link.removed)
	}
	if !a.media.displayReleased {
		t.Fatalf("display capture not released")
	}

	// A second stop must be a no-op.
	if err := a.coord.StopScreenShare(ctx, id); err != nil {
		t.Fatalf("repeat stop: %v", err)
	}
	if link.removed != 1 {
		t.Fatalf("repeat stop detached again")
	}
}

func TestMesh_OSCaptureEndTakesStopPath(t *testing.T) {
	rel := relay.New(relay.NewMemoryStore())
	a := newClient(rel, "a")

	ctx := context.Background()
	id, err := a.coord.CreateSession(ctx, domain.KindVoice)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := a.coord.StartScreenShare(ctx, id); err != nil {
		t.Fatalf("start share: %v", err)
	}

	// Simulate the user ending the capture at the OS level.
	a.media.mu.Lock()
	fn := a.media.onDisplayEnded
	a.media.mu.Unlock()
	if fn == nil {
		t.Fatalf("no display-ended hook registered")
	}
	fn()

	waitFor(t, func() bool {
		a.media.mu.Lock()
		defer a.media.mu.Unlock()
		return a.media.displayReleased
	}, "display released via capture end")
}

func TestMesh_RejoinReestablishesLinks(t *testing.T) {
	rel := relay.New(relay.NewMemoryStore())
	a := newClient(rel, "a")
	b := newClient(rel, "b")

	ctx := context.Background()
	id, err := a.coord.CreateSession(ctx, domain.KindVoice)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := b.coord.JoinSession(ctx, id); err != nil {
		t.Fatalf("b join: %v", err)
	}
	waitFor(t, func() bool { return peerCount(a, id) == 1 && peerCount(b, id) == 1 }, "a<->b link")

	if err := b.coord.LeaveSession(ctx, id); err != nil {
		t.Fatalf("b leave: %v", err)
	}
	waitFor(t, func() bool { return peerCount(a, id) == 0 }, "link to b closed")

	// Rejoining sends a fresh offer from the same sender; the host must treat
	// it as a new negotiation, not a replay of the first one.
	if err := b.coord.JoinSession(ctx, id); err != nil {
		t.Fatalf("b rejoin: %v", err)
	}
	waitFor(t, func() bool { return peerCount(a, id) == 1 && peerCount(b, id) == 1 }, "a<->b link after rejoin")
}

func TestMesh_CaptureEndAfterLeaveKeepsParticipantGone(t *testing.T) {
	rel := relay.New(relay.NewMemoryStore())
	a := newClient(rel, "a")
	b := newClient(rel, "b")

	ctx := context.Background()
	id, err := a.coord.CreateSession(ctx, domain.KindVoice)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := b.coord.JoinSession(ctx, id); err != nil {
		t.Fatalf("b join: %v", err)
	}
	if err := b.coord.StartScreenShare(ctx, id); err != nil {
		t.Fatalf("start share: %v", err)
	}

	b.media.mu.Lock()
	fn := b.media.onDisplayEnded
	b.media.mu.Unlock()
	if fn == nil {
		t.Fatalf("no display-ended hook registered")
	}

	if err := b.coord.LeaveSession(ctx, id); err != nil {
		t.Fatalf("b leave: %v", err)
	}
	// Leaving stops the display track, so the OS capture-end fires afterwards.
	// It must not write b's participant record back into the session.
	fn()

	parts, err := rel.Store().Participants(ctx, id)
	if err != nil {
		t.Fatalf("participants: %v", err)
	}
	for _, p := range parts {
		if p.UserID == "b" {
			t.Fatalf("departed participant resurrected: %+v", parts)
		}
	}
}

func TestMesh_IgnoresRepeatedAnswer(t *testing.T) {
	rel := relay.New(relay.NewMemoryStore())
	a := newClient(rel, "a")
	b := newClient(rel, "b")

	ctx := context.Background()
	id, err := a.coord.CreateSession(ctx, domain.KindVoice)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := b.coord.JoinSession(ctx, id); err != nil {
		t.Fatalf("b join: %v", err)
	}
	waitFor(t, func() bool { return peerCount(a, id) == 1 && peerCount(b, id) == 1 }, "a<->b link")

	// b joined, so b offered and a answered; the link b holds toward a is
	// the one carrying the remote answer.
	ms, ok := b.coord.Session(id)
	if !ok {
		t.Fatalf("b lost its session")
	}
	ms.mu.Lock()
	link := ms.links["a"].(*fakeLink)
	ms.mu.Unlock()
	waitFor(t, func() bool { return link.answerCount() == 1 }, "first answer applied")

	// A second answer for the completed leg must not be re-applied.
	msg, err := domain.NewAnswerSignal(id, "a", "b", "fake-answer")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := rel.Publish(ctx, msg); err != nil {
		t.Fatalf("publish: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := link.answerCount(); n != 1 {
		t.Fatalf("answer applied %d times, want 1", n)
	}
}

func TestRecorder_StopWithoutStartYieldsNothing(t *testing.T) {
	r := NewRecorder()
	if art := r.Stop(); art != nil {
		t.Fatalf("stop without start returned %+v", art)
	}
}

func TestRecorder_StartIsIdempotent(t *testing.T) {
	r := NewRecorder()
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("second start: %v", err)
	}

	art := r.Stop()
	if art == nil || art.Track == nil {
		t.Fatalf("missing artifact after stop")
	}
	if again := r.Stop(); again != nil {
		t.Fatalf("second stop returned %+v", again)
	}
}
