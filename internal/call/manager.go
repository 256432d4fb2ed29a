package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/openspans/callcore/internal/core"
	"github.com/openspans/callcore/internal/domain"
	"github.com/openspans/callcore/internal/relay"
)

// Manager owns one Session per call id. It replaces the source's
// module-level "current call" singleton: a session ending never corrupts
// another session starting concurrently.
type Manager struct {
	selfID     domain.UserID
	rel        *relay.Relay
	newLink    core.LinkFactory
	newMedia   core.MediaFactory
	obs        Observer
	ringWindow time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session
}

type ManagerConfig struct {
	SelfID     domain.UserID
	Relay      *relay.Relay
	Links      core.LinkFactory
	Media      core.MediaFactory
	Observer   Observer
	RingWindow time.Duration
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.RingWindow <= 0 {
		cfg.RingWindow = DefaultRingWindow
	}
	return &Manager{
		selfID:     cfg.SelfID,
		rel:        cfg.Relay,
		newLink:    cfg.Links,
		newMedia:   cfg.Media,
		obs:        cfg.Observer,
		ringWindow: cfg.RingWindow,
		sessions:   make(map[string]*Session),
	}
}

func (m *Manager) newSession(callID string, peerID domain.UserID, kind domain.MediaKind) (*Session, error) {
	link, err := m.newLink(callID)
	if err != nil {
		return nil, err
	}
	return &Session{
		callID:     callID,
		selfID:     m.selfID,
		peerID:     peerID,
		kind:       kind,
		rel:        m.rel,
		store:      m.rel.Store(),
		media:      m.newMedia(),
		link:       link,
		obs:        m.obs,
		onClosed:   m.remove,
		ringWindow: m.ringWindow,
	}, nil
}

// StartCall places an outgoing call and returns its id. On success exactly
// one offer has been durably published.
func (m *Manager) StartCall(ctx context.Context, targetID domain.UserID, kind domain.MediaKind) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("invalid media kind %q", kind)
	}
	s, err := m.newSession(uuid.NewString(), targetID, kind)
	if err != nil {
		return "", err
	}
	m.add(s)
	if err := s.start(ctx); err != nil {
		m.remove(s.callID)
		return "", err
	}
	return s.callID, nil
}

// Answer accepts an incoming call whose offer has already been relayed.
func (m *Manager) Answer(ctx context.Context, callID string) error {
	record, err := m.rel.Store().GetCall(ctx, callID)
	if err != nil {
		return err
	}
	if record.Status.Terminal() {
		return core.ErrCallTerminal
	}
	s, err := m.newSession(callID, record.InitiatorID, record.Kind)
	if err != nil {
		return err
	}
	m.add(s)
	if err := s.answer(ctx); err != nil {
		m.remove(callID)
		return err
	}
	return nil
}

// Decline marks the call declined. No media was acquired on this path, so
// nothing is released.
func (m *Manager) Decline(ctx context.Context, callID string) error {
	now := time.Now().UTC()
	err := m.rel.Store().UpdateCallStatus(ctx, callID, domain.StatusDeclined, &now, nil)
	if err != nil && !errors.Is(err, core.ErrCallTerminal) {
		return err
	}
	log.Info().Str("module", "call").Str("call", callID).Msg("declined")
	return nil
}

// End hangs up the session for callID. Safe to call twice and from any
// state; ending an unknown call is a no-op.
func (m *Manager) End(callID string) {
	if s, ok := m.Get(callID); ok {
		s.End(ReasonLocal)
	}
}

func (m *Manager) Get(callID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[callID]
	return s, ok
}

func (m *Manager) add(s *Session) {
	m.mu.Lock()
	m.sessions[s.callID] = s
	m.mu.Unlock()
}

func (m *Manager) remove(callID string) {
	m.mu.Lock()
	delete(m.sessions, callID)
	m.mu.Unlock()
}

// Close hangs up every live session.
func (m *Manager) Close() {
	m.mu.RLock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.RUnlock()
	for _, s := range live {
		s.End(ReasonLocal)
	}
}
