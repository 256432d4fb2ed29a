package relay

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openspans/callcore/internal/core"
	"github.com/openspans/callcore/internal/domain"
)

// MemoryStore is the in-process Store used by tests and single-binary
// embedding. Not durable across restarts; the change-feed semantics are
// identical to the sqlite store.
type MemoryStore struct {
	mu      sync.Mutex
	seq     int64
	signals map[string][]*domain.SignalMessage
	calls   map[string]*domain.CallSession
	parts   map[string][]domain.Participant
	feed    *hub
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		signals: make(map[string][]*domain.SignalMessage),
		calls:   make(map[string]*domain.CallSession),
		parts:   make(map[string][]domain.Participant),
		feed:    newHub(),
	}
}

func (s *MemoryStore) AppendSignal(_ context.Context, msg *domain.SignalMessage) error {
	s.mu.Lock()
	s.seq++
	msg.Seq = s.seq
	cp := *msg
	s.signals[msg.CallID] = append(s.signals[msg.CallID], &cp)
	s.mu.Unlock()

	s.feed.publish([]domain.UserID{msg.ToID}, Event{Signal: &cp})
	return nil
}

func (s *MemoryStore) SignalsForCall(_ context.Context, callID string, to domain.UserID) ([]*domain.SignalMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.SignalMessage
	for _, m := range s.signals[callID] {
		if m.ToID == to {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *MemoryStore) PutCall(_ context.Context, call *domain.CallSession) error {
	s.mu.Lock()
	cp := *call
	s.calls[call.ID] = &cp
	s.mu.Unlock()

	s.feed.publish(s.callRecipients(&cp), Event{Call: &cp})
	return nil
}

func (s *MemoryStore) GetCall(_ context.Context, id string) (*domain.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[id]
	if !ok {
		return nil, core.ErrNoSuchCall
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) UpdateCallStatus(_ context.Context, id string, status domain.CallStatus, endedAt *time.Time, durationSeconds *int) error {
	s.mu.Lock()
	c, ok := s.calls[id]
	if !ok {
		s.mu.Unlock()
		return core.ErrNoSuchCall
	}
	if !domain.CanTransition(c.Status, status) {
		s.mu.Unlock()
		if c.Status.Terminal() {
			return core.ErrCallTerminal
		}
		return fmt.Errorf("illegal status transition %s -> %s", c.Status, status)
	}
	c.Status = status
	c.EndedAt = endedAt
	c.DurationSeconds = durationSeconds
	cp := *c
	s.mu.Unlock()

	s.feed.publish(s.callRecipients(&cp), Event{Call: &cp})
	return nil
}

func (s *MemoryStore) AddParticipant(_ context.Context, callID string, p domain.Participant) error {
	s.mu.Lock()
	replaced := false
	for i, q := range s.parts[callID] {
		if q.UserID == p.UserID {
			s.parts[callID][i] = p
			replaced = true
			break
		}
	}
	if !replaced {
		s.parts[callID] = append(s.parts[callID], p)
	}
	s.mu.Unlock()

	s.notifyCall(callID)
	return nil
}

func (s *MemoryStore) RemoveParticipant(_ context.Context, callID string, userID domain.UserID) error {
	s.mu.Lock()
	kept := s.parts[callID][:0]
	for _, q := range s.parts[callID] {
		if q.UserID != userID {
			kept = append(kept, q)
		}
	}
	s.parts[callID] = kept
	s.mu.Unlock()

	// The removed member still observes this change: callRecipients no
	// longer lists it, but its own coordinator initiated the removal.
	s.notifyCall(callID)
	return nil
}

// notifyCall re-publishes the call record so mesh members observe
// membership changes through the same feed as status changes.
func (s *MemoryStore) notifyCall(callID string) {
	s.mu.Lock()
	c, ok := s.calls[callID]
	if !ok {
		s.mu.Unlock()
		return
	}
	cp := *c
	s.mu.Unlock()
	s.feed.publish(s.callRecipients(&cp), Event{Call: &cp})
}

func (s *MemoryStore) Participants(_ context.Context, callID string) ([]domain.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Participant, len(s.parts[callID]))
	copy(out, s.parts[callID])
	return out, nil
}

func (s *MemoryStore) Subscribe(recipient domain.UserID) (<-chan Event, func()) {
	return s.feed.subscribe(recipient)
}

// callRecipients lists who should observe a call record change: the target
// for 1:1 calls plus every registered mesh participant. Callers must not
// hold s.mu.
func (s *MemoryStore) callRecipients(c *domain.CallSession) []domain.UserID {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[domain.UserID]bool{}
	var out []domain.UserID
	add := func(id domain.UserID) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	add(c.TargetID)
	add(c.InitiatorID)
	for _, p := range s.parts[c.ID] {
		add(p.UserID)
	}
	return out
}
